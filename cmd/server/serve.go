package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"efgs-sync/internal/federation/callback"
	"efgs-sync/internal/federation/inbound"
	"efgs-sync/internal/federation/jobs"
	"efgs-sync/internal/platform/httpserver"
	"efgs-sync/internal/platform/metrics"
	"efgs-sync/internal/platform/periodic"
	"efgs-sync/internal/platform/postgres"
	"efgs-sync/internal/platform/redis"
)

const listenerRetryDelay = 5 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the scheduled sync jobs and the callback endpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "address to listen on, overrides EFGS_SYNC_ADDR",
			},
		},
		Action: serve,
	}
}

func serve(cCtx *cli.Context) error {
	log := setupLogger(cCtx)
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if addr := cCtx.String("listen-addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, log, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer rt.close()

	platformMetrics := metrics.New()
	platformMetrics.SetBuildInfo(version)

	redisClient, err := redis.Open(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	router := httpserver.NewRouter(log)
	workers, cancelWorkers := context.WithCancel(context.WithoutCancel(ctx))
	trigger := inbound.NewTrigger(workers, rt.inbound, cfg.Sync.CallbackWorkers, log)
	handlerOpts := []callback.Option{
		callback.WithMetrics(rt.metrics),
		callback.WithLogger(log),
	}
	if redisClient != nil {
		handlerOpts = append(handlerOpts, callback.WithDeduper(callback.NewRedisDeduper(redisClient, cfg.Redis.CallbackTTL)))
	}
	callback.NewHandler(trigger, handlerOpts...).Register(router.Mux)

	runnerOpts := []periodic.Option{
		periodic.WithLogger(log),
		periodic.WithMetrics(platformMetrics),
		periodic.WithRunOnStart(),
	}
	var runners []*periodic.Runner
	if cfg.Sync.OutboundEnabled {
		export := periodic.Start(jobs.NewExportTask(rt.outbound), periodic.NewTicker(cfg.Sync.ExportInterval), cfg.Sync.ExportInterval, runnerOpts...)
		runners = append(runners, export)
		if cfg.Database.NotifyListener {
			go func() {
				_ = postgres.Listen(ctx, cfg.Database.URL, postgres.ShareableKeyChannel, listenerRetryDelay, log, export.TriggerRun)
			}()
		}
	}
	if cfg.Sync.InboundEnabled {
		runners = append(runners, periodic.Start(jobs.NewImportTask(rt.inbound), periodic.NewTicker(cfg.Sync.ImportInterval), cfg.Sync.ImportInterval, runnerOpts...))
	}
	var sweep *jobs.SweepTask
	switch {
	case cfg.Sync.OutboundEnabled && cfg.Sync.InboundEnabled:
		sweep = jobs.NewSweepTask(rt.outbound, rt.inbound, log)
	case cfg.Sync.OutboundEnabled:
		sweep = jobs.NewSweepTask(rt.outbound, nil, log)
	default:
		sweep = jobs.NewSweepTask(nil, rt.inbound, log)
	}
	runners = append(runners, periodic.Start(sweep, periodic.NewTicker(cfg.Sync.SweepInterval), cfg.Sync.SweepInterval, periodic.WithLogger(log), periodic.WithMetrics(platformMetrics)))

	if cfg.Sync.InboundEnabled && cfg.Sync.CallbackURL != "" {
		if err := rt.gateway.RegisterCallback(ctx, cfg.Sync.CallbackID, cfg.Sync.CallbackURL); err != nil {
			log.WarnContext(ctx, "failed to register gateway callback", "callback_id", cfg.Sync.CallbackID, "error", err)
		}
	}

	srv := httpserver.New(cfg.Server.Addr, router)
	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting efgs-sync", "addr", cfg.Server.Addr, "region", cfg.Sync.Region)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	router.SetReady(true)

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	router.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Error("graceful shutdown failed", "error", shutdownErr)
	}
	for _, r := range runners {
		r.Stop()
	}
	cancelWorkers()
	trigger.Wait()
	log.Info("efgs-sync stopped")
	return err
}
