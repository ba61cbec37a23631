package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"efgs-sync/internal/platform/config"
	"efgs-sync/internal/platform/logger"
)

var version = "dev"

var (
	logJSONFlag = &cli.BoolFlag{
		Name:  "log-json",
		Usage: "log in JSON format",
	}
	logDebugFlag = &cli.BoolFlag{
		Name:  "log-debug",
		Usage: "log debug messages",
	}
	logUIDFlag = &cli.BoolFlag{
		Name:  "log-uid",
		Usage: "generate a uuid and add to all log messages",
	}
	logServiceFlag = &cli.StringFlag{
		Name:  "log-service",
		Value: "efgs-sync",
		Usage: "add 'service' tag to logs",
	}
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "efgs-sync",
		Usage:   "Exchange diagnosis keys with the federation gateway",
		Version: version,
		Flags:   []cli.Flag{logJSONFlag, logDebugFlag, logUIDFlag, logServiceFlag},
		Commands: []*cli.Command{
			serveCommand(),
			exportCommand(),
			importCommand(),
			callbackCommand(),
		},
	}
}

func setupLogger(cCtx *cli.Context) *slog.Logger {
	log := logger.New(logger.Options{
		JSON:    cCtx.Bool(logJSONFlag.Name),
		Debug:   cCtx.Bool(logDebugFlag.Name),
		Service: cCtx.String(logServiceFlag.Name),
		Version: version,
		Output:  cCtx.App.ErrWriter,
	})
	if cCtx.Bool(logUIDFlag.Name) {
		log = log.With("uid", uuid.NewString())
	}
	return log
}

func loadConfig() (config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
