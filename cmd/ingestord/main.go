// Command ingestord runs the block-header ingestion service: it loads
// configuration, wires every component, and runs until a shutdown signal
// arrives (spec §4.5).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/blockpipe/ingestor/internal/config"
	"github.com/blockpipe/ingestor/internal/logging"
	"github.com/blockpipe/ingestor/internal/supervisor"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
)

var (
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "Path to an optional TOML defaults file",
		EnvVars: []string{"INGEST_CONFIG_FILE"},
	}
	LogLevelFlag = &cli.StringFlag{
		Name:  "log.level",
		Usage: "Log level (trace|debug|info|warn|error|crit), overrides LOG_LEVEL",
	}
	LogFileFlag = &cli.StringFlag{
		Name:  "log.file",
		Usage: "Log file path for rotated output, overrides LOG_FILE",
	}
)

func main() {
	app := &cli.App{
		Name:   "ingestord",
		Usage:  "Run the gapless block-header ingestion service",
		Action: run,
		Flags:  []cli.Flag{ConfigFlag, LogLevelFlag, LogFileFlag},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String(ConfigFlag.Name))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if v := ctx.String(LogLevelFlag.Name); v != "" {
		cfg.LogLevel = v
	}
	if v := ctx.String(LogFileFlag.Name); v != "" {
		cfg.LogFile = v
	}

	if err := logging.Setup(cfg.LogLevel, cfg.LogFile); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	sup, err := supervisor.New(cfg)
	if err != nil {
		return fmt.Errorf("wire supervisor: %w", err)
	}

	log.Info("ingestord starting", "health_addr", cfg.HealthAddr, "batch_cron", cfg.ScheduleBatchCron, "audit_cron", cfg.ScheduleAuditCron)
	return sup.Run(context.Background())
}
