// Command gojolite inspects and maintains GojoLite data files.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/sushant-115/gojolite/core/engine"
	"github.com/sushant-115/gojolite/pkg/config"
	"github.com/sushant-115/gojolite/pkg/logger"
	"github.com/sushant-115/gojolite/pkg/telemetry"
	"go.uber.org/zap"
)

// CLI is the full command line. The engine commands are shared with the
// interactive shell.
type CLI struct {
	Config   string `name:"config" short:"c" help:"YAML config file" type:"existingfile"`
	File     string `name:"file" short:"f" help:"Data file, overrides engine.filename"`
	Password string `name:"password" help:"Data file password" env:"GOJOLITE_PASSWORD"`
	ReadOnly bool   `name:"read-only" help:"Open the data file read-only"`
	LogLevel string `name:"log-level" help:"Log level, overrides logger.level"`

	EngineCommands `embed:""`

	Metrics MetricsCmd `cmd:"" help:"Serve Prometheus metrics while the file is open"`
	Shell   ShellCmd   `cmd:"" help:"Interactive shell"`
	Certs   CertsCmd   `cmd:"" help:"Generate TLS certificates for the metrics endpoint"`
}

// EngineCommands run against an open engine.
type EngineCommands struct {
	Info        InfoCmd        `cmd:"" help:"Show header, pragmas and cache statistics"`
	Collections CollectionsCmd `cmd:"" help:"List collections"`
	Page        PageCmd        `cmd:"" help:"Dump one page"`
	Checkpoint  CheckpointCmd  `cmd:"" help:"Copy the log into the data file"`
	Pragma      PragmaCmd      `cmd:"" help:"Read or change a pragma"`
	Count       CountCmd       `cmd:"" help:"Count documents of a collection"`
	Get         GetCmd         `cmd:"" help:"Print one document"`
	Find        FindCmd        `cmd:"" help:"List documents matching an index query"`
	Rebuild     RebuildCmd     `cmd:"" help:"Rewrite the data file, reclaiming free space"`
	Backup      BackupCmd      `cmd:"" help:"Copy the data file"`
}

// session is bound into every command's Run.
type session struct {
	ctx    context.Context
	engine *engine.Engine
	tel    *telemetry.Telemetry
	logger *zap.Logger
	out    io.Writer
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("gojolite"),
		kong.Description("Inspect and maintain GojoLite data files."),
		kong.UsageOnError(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, &cli, kctx)
	kctx.FatalIfErrorf(err)
}

func run(ctx context.Context, cli *CLI, kctx *kong.Context) error {
	if kctx.Command() == "certs <dir>" {
		return kctx.Run(&session{ctx: ctx, logger: zap.NewNop(), out: os.Stdout})
	}
	cfg, err := cli.load()
	if err != nil {
		return err
	}
	if kctx.Command() == "metrics" {
		// the metrics command serves the registry itself
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.PrometheusPort = 0
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	tel := telemetry.Noop()
	if cfg.Telemetry.Enabled {
		t, shutdown, err := telemetry.New(cfg.Telemetry)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Warn("telemetry shutdown", zap.Error(err))
			}
		}()
		tel = t
	}

	e, err := engine.Open(ctx, cfg.Engine, log, tel)
	if err != nil {
		return fmt.Errorf("open %s: %w", cfg.Engine.Filename, err)
	}
	defer func() {
		if err := e.Close(context.Background()); err != nil {
			log.Error("close engine", zap.Error(err))
		}
	}()

	return kctx.Run(&session{ctx: ctx, engine: e, tel: tel, logger: log, out: os.Stdout})
}

// load merges the config file with the command line flags.
func (c *CLI) load() (config.Config, error) {
	cfg := config.Default()
	if c.Config != "" {
		var err error
		if cfg, err = config.Load(c.Config); err != nil {
			return cfg, err
		}
	}
	if c.File != "" {
		cfg.Engine.Filename = c.File
	}
	if c.Password != "" {
		cfg.Engine.Password = c.Password
	}
	if c.ReadOnly {
		cfg.Engine.ReadOnly = true
	}
	if c.LogLevel != "" {
		cfg.Logger.Level = c.LogLevel
	}
	if _, err := logger.ParseLevel(cfg.Logger.Level); err != nil {
		return cfg, err
	}
	if cfg.Engine.Filename == "" {
		return cfg, fmt.Errorf("no data file: pass --file or set engine.filename")
	}
	// the command line tool never waits on another process
	cfg.Engine.Connection = engine.ConnectionDirect
	return cfg, nil
}
