// Package logger builds the zap logger shared by the gojolite command and
// the engine it opens.
package logger

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the logger section of the YAML config.
type Config struct {
	// Level is debug, info, warn or error. Empty means info.
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
	// OutputFile is stdout, stderr or a path opened for append.
	OutputFile string `yaml:"output_file"`
	Service    string `yaml:"service"`
	// Sample keeps the first Sample entries carrying the same message each
	// second, then one in Sample. Zero logs everything.
	Sample int `yaml:"sample"`
}

// ParseLevel reads a level name; the empty string is info.
func ParseLevel(level string) (zapcore.Level, error) {
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		return l, fmt.Errorf("logger: %w", err)
	}
	return l, nil
}

// New builds the logger described by cfg. The returned close function
// flushes buffered entries and releases the output file.
func New(cfg Config) (*zap.Logger, func() error, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Sample < 0 {
		return nil, nil, fmt.Errorf("logger: negative sample %d", cfg.Sample)
	}
	if cfg.Service == "" {
		cfg.Service = "gojolite"
	}

	out, closeOut, err := openOutput(cfg.OutputFile)
	if err != nil {
		return nil, nil, err
	}

	core := zapcore.NewCore(newEncoder(cfg.Format), out, level)
	if cfg.Sample > 0 {
		core = zapcore.NewSamplerWithOptions(core, time.Second, cfg.Sample, cfg.Sample)
	}
	log := zap.New(core, zap.AddCaller(), zap.Fields(zap.String("service", cfg.Service)))

	closeFn := func() error {
		// syncing a terminal fails with EINVAL on some platforms
		syncErr := log.Sync()
		if closeOut == nil {
			return nil
		}
		return errors.Join(syncErr, closeOut())
	}
	return log, closeFn, nil
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	ec.EncodeDuration = zapcore.StringDurationEncoder

	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

// openOutput returns the sink and, for a file, its close function.
func openOutput(name string) (zapcore.WriteSyncer, func() error, error) {
	switch strings.ToLower(name) {
	case "stdout", "":
		return zapcore.Lock(os.Stdout), nil, nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil, nil
	}
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: open %s: %w", name, err)
	}
	return zapcore.AddSync(f), f.Close, nil
}
