package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"efgs-sync/internal/federation/gateway"
	"efgs-sync/internal/federation/models"
	"efgs-sync/internal/platform/config"
)

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "publish pending local keys once and exit",
		Action: func(cCtx *cli.Context) error {
			log := setupLogger(cCtx)
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, cfg, log, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer rt.close()
			return rt.outbound.Run(ctx)
		},
	}
}

func importCommand() *cli.Command {
	return &cli.Command{
		Name:  "import",
		Usage: "import foreign keys once and exit",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "date",
				Usage: "batch date (yyyy-MM-dd) to import; defaults to the configured window",
			},
			&cli.BoolFlag{
				Name:  "retry",
				Usage: "retry failed pages instead of walking new ones",
			},
		},
		Action: func(cCtx *cli.Context) error {
			log := setupLogger(cCtx)
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, cfg, log, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer rt.close()

			raw := cCtx.String("date")
			if raw == "" {
				if cCtx.Bool("retry") {
					return rt.inbound.RetryAll(ctx)
				}
				return rt.inbound.Run(ctx)
			}
			date, err := models.ParseDate(raw)
			if err != nil {
				return fmt.Errorf("invalid --date: %w", err)
			}
			if cCtx.Bool("retry") {
				return rt.inbound.RetryErrors(ctx, date)
			}
			return rt.inbound.ImportDate(ctx, date)
		},
	}
}

func callbackCommand() *cli.Command {
	idFlag := &cli.StringFlag{
		Name:  "id",
		Usage: "callback id, defaults to SYNC_CALLBACK_ID",
	}
	return &cli.Command{
		Name:  "callback",
		Usage: "manage the gateway's batch notification callback",
		Subcommands: []*cli.Command{
			{
				Name:  "register",
				Usage: "register or replace the callback url",
				Flags: []cli.Flag{
					idFlag,
					&cli.StringFlag{
						Name:  "url",
						Usage: "callback url, defaults to SYNC_CALLBACK_URL",
					},
				},
				Action: func(cCtx *cli.Context) error {
					cfg, gw, err := callbackClient(cCtx)
					if err != nil {
						return err
					}
					id := flagOr(cCtx, "id", cfg.Sync.CallbackID)
					url := flagOr(cCtx, "url", cfg.Sync.CallbackURL)
					if url == "" {
						return fmt.Errorf("callback url is required")
					}
					if err := gw.RegisterCallback(cCtx.Context, id, url); err != nil {
						return err
					}
					fmt.Fprintf(cCtx.App.Writer, "registered %s -> %s\n", id, url)
					return nil
				},
			},
			{
				Name:  "delete",
				Usage: "remove the callback",
				Flags: []cli.Flag{idFlag},
				Action: func(cCtx *cli.Context) error {
					cfg, gw, err := callbackClient(cCtx)
					if err != nil {
						return err
					}
					id := flagOr(cCtx, "id", cfg.Sync.CallbackID)
					if err := gw.DeleteCallback(cCtx.Context, id); err != nil {
						return err
					}
					fmt.Fprintf(cCtx.App.Writer, "deleted %s\n", id)
					return nil
				},
			},
			{
				Name:  "list",
				Usage: "list registered callbacks",
				Action: func(cCtx *cli.Context) error {
					_, gw, err := callbackClient(cCtx)
					if err != nil {
						return err
					}
					callbacks, err := gw.ListCallbacks(cCtx.Context)
					if err != nil {
						return err
					}
					for _, c := range callbacks {
						fmt.Fprintf(cCtx.App.Writer, "%s\t%s\n", c.ID, c.URL)
					}
					return nil
				},
			},
		},
	}
}

func flagOr(cCtx *cli.Context, name, def string) string {
	if v := cCtx.String(name); v != "" {
		return v
	}
	return def
}

func callbackClient(cCtx *cli.Context) (config.Config, *gateway.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return config.Config{}, nil, err
	}
	gw, err := newGateway(cfg.Gateway, setupLogger(cCtx))
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, gw, nil
}
