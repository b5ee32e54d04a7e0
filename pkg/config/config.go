// Package config loads the YAML file read by the gojolite command.
//
//	engine:
//	  filename: app.db
//	  timeout: 30s
//	logger:
//	  level: debug
//	  format: console
//	telemetry:
//	  enabled: true
//	  prometheus_port: 9464
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sushant-115/gojolite/core/engine"
	"github.com/sushant-115/gojolite/pkg/logger"
	"github.com/sushant-115/gojolite/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// Config is the whole configuration file.
type Config struct {
	Engine    engine.Settings  `yaml:"engine"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{
			ServiceName:      "gojolite",
			TraceSampleRatio: 1,
		},
	}
}

// Load reads path over Default. Unknown keys are an error so typos don't
// pass silently.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads a YAML document over Default. An empty document yields
// the defaults.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	return cfg, nil
}
