package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"efgs-sync/internal/federation/events"
	"efgs-sync/internal/federation/gateway"
	"efgs-sync/internal/federation/inbound"
	fedmetrics "efgs-sync/internal/federation/metrics"
	"efgs-sync/internal/federation/outbound"
	"efgs-sync/internal/federation/signing"
	keystore "efgs-sync/internal/federation/store/keys"
	opstore "efgs-sync/internal/federation/store/operation"
	"efgs-sync/internal/platform/config"
	"efgs-sync/internal/platform/kafka"
	"efgs-sync/internal/platform/postgres"
	"efgs-sync/pkg/platform/circuit"
	"efgs-sync/pkg/platform/tx"
)

// runtime holds the wired sync engines and the resources they own.
type runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	metrics  *fedmetrics.Metrics
	db       *sql.DB
	producer *kafka.Producer
	gateway  *gateway.Client
	outbound *outbound.Engine
	inbound  *inbound.Engine
}

func newGateway(cfg config.Gateway, logger *slog.Logger) (*gateway.Client, error) {
	httpClient, err := gateway.NewHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	return gateway.New(cfg.URL,
		gateway.WithHTTPClient(httpClient),
		gateway.WithLogger(logger),
		gateway.WithBreaker(circuit.New("efgs-gateway")),
	), nil
}

func newSigner(cfg config.Config) (signing.Signer, error) {
	if cfg.Signing.Mode == config.SigningModeFile {
		return signing.NewFileSigner(cfg.Signing.KeystorePath, cfg.Signing.KeystorePassword, cfg.Signing.TrustAnchorPath)
	}
	return signing.NewDevSigner(cfg.Sync.Region)
}

func newRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger, reg prometheus.Registerer) (_ *runtime, err error) {
	rt := &runtime{
		cfg:     cfg,
		logger:  logger,
		metrics: fedmetrics.NewWithRegisterer(reg),
	}
	defer func() {
		if err != nil {
			rt.close()
		}
	}()

	if rt.gateway, err = newGateway(cfg.Gateway, logger); err != nil {
		return nil, err
	}
	signer, err := newSigner(cfg)
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}

	var (
		ops    operationStore
		keys   keyStore
		runner tx.Runner = tx.Passthrough{}
	)
	if cfg.Database.URL == "" {
		logger.WarnContext(ctx, "DATABASE_URL not set, using in-memory stores")
		ops = opstore.New()
		keys = keystore.New(keystore.WithPadding(cfg.Sync.MinBatchSize, cfg.Sync.Region))
	} else {
		if rt.db, err = postgres.Open(ctx, cfg.Database); err != nil {
			return nil, err
		}
		if err = postgres.Migrate(ctx, rt.db, logger); err != nil {
			return nil, err
		}
		ops = opstore.NewPostgres(rt.db)
		keys = keystore.NewPostgres(rt.db,
			keystore.WithLockTimeout(cfg.Sync.ClaimLockTimeout),
			keystore.WithPadding(cfg.Sync.MinBatchSize, cfg.Sync.Region),
		)
		runner = tx.NewSQLRunner(rt.db)
	}

	var emitter outbound.EventEmitter = events.Noop{}
	if len(cfg.Kafka.Brokers) > 0 {
		if rt.producer, err = kafka.NewProducer(cfg.Kafka, cfg.Sync.Region+"-efgs-sync"); err != nil {
			return nil, err
		}
		if err = rt.producer.EnsureTopic(ctx, cfg.Kafka.Partitions, cfg.Kafka.ReplicationFactor); err != nil {
			return nil, err
		}
		emitter = events.NewPublisher(rt.producer, logger)
	}

	rt.outbound = outbound.New(outbound.Config{
		Region:         cfg.Sync.Region,
		BatchSize:      cfg.Sync.UploadBatchSize,
		StallThreshold: cfg.Sync.StallThreshold,
	}, rt.gateway, ops, keys, signer,
		outbound.WithLogger(logger),
		outbound.WithMetrics(rt.metrics),
		outbound.WithEvents(emitter),
		outbound.WithTxRunner(runner),
	)
	rt.inbound = inbound.New(inbound.Config{
		LookbackDays:   cfg.Sync.ImportLookbackDays,
		StallThreshold: cfg.Sync.StallThreshold,
	}, rt.gateway, ops, keys, signing.NewVerifier(signer.TrustAnchor(), signing.WithVerifierLogger(logger)),
		inbound.WithLogger(logger),
		inbound.WithMetrics(rt.metrics),
		inbound.WithEvents(emitter),
	)
	return rt, nil
}

// operationStore and keyStore are satisfied by both the postgres and the
// in-memory stores.
type operationStore interface {
	outbound.OperationStore
	inbound.OperationStore
}

type keyStore interface {
	outbound.KeyStore
	inbound.KeyStore
}

func (rt *runtime) close() {
	if rt.producer != nil {
		rt.producer.Close()
	}
	if rt.db != nil {
		if err := rt.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
			rt.logger.Warn("failed to close database", "error", err)
		}
	}
}
