package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	platformstrings "efgs-sync/pkg/platform/strings"
)

// Config is the full service configuration.
type Config struct {
	Server   Server
	Database Database
	Gateway  Gateway
	Signing  Signing
	Sync     Sync
	Redis    RedisConfig
	Kafka    Kafka
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// Database is empty in dev mode, which selects the in-memory stores.
type Database struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	NotifyListener  bool
}

type Gateway struct {
	URL            string
	ClientCertFile string
	ClientKeyFile  string
	CAFile         string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

type SigningMode string

const (
	SigningModeDev  SigningMode = "dev"
	SigningModeFile SigningMode = "file"
)

type Signing struct {
	Mode             SigningMode
	KeystorePath     string
	KeystorePassword string
	TrustAnchorPath  string
}

type Sync struct {
	Region             string
	OutboundEnabled    bool
	InboundEnabled     bool
	UploadBatchSize    int
	MinBatchSize       int
	ExportInterval     time.Duration
	ImportInterval     time.Duration
	SweepInterval      time.Duration
	ImportLookbackDays int
	StallThreshold     time.Duration
	ClaimLockTimeout   time.Duration
	CallbackWorkers    int
	CallbackID         string
	CallbackURL        string
}

type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CallbackTTL  time.Duration
}

type Kafka struct {
	Brokers           []string
	Topic             string
	Partitions        int32
	ReplicationFactor int16
}

// FromEnv builds the config from environment variables so main stays lean.
func FromEnv() (Config, error) {
	var errs []error
	p := parser{errs: &errs}

	cfg := Config{
		Server: Server{
			Addr:            p.str("EFGS_SYNC_ADDR", ":8080"),
			ShutdownTimeout: p.duration("EFGS_SYNC_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Database: Database{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    p.integer("DATABASE_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    p.integer("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: p.duration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
			NotifyListener:  p.boolean("DATABASE_NOTIFY_LISTENER", false),
		},
		Gateway: Gateway{
			URL:            p.str("GATEWAY_URL", "http://localhost:8090"),
			ClientCertFile: os.Getenv("GATEWAY_CLIENT_CERT"),
			ClientKeyFile:  os.Getenv("GATEWAY_CLIENT_KEY"),
			CAFile:         os.Getenv("GATEWAY_CA"),
			ConnectTimeout: p.duration("GATEWAY_CONNECT_TIMEOUT", 10*time.Second),
			ReadTimeout:    p.duration("GATEWAY_READ_TIMEOUT", 60*time.Second),
		},
		Signing: Signing{
			Mode:             SigningMode(p.str("SIGNING_MODE", string(SigningModeDev))),
			KeystorePath:     os.Getenv("SIGNING_KEYSTORE"),
			KeystorePassword: os.Getenv("SIGNING_KEYSTORE_PASSWORD"),
			TrustAnchorPath:  os.Getenv("SIGNING_TRUST_ANCHOR"),
		},
		Sync: Sync{
			Region:             strings.ToUpper(p.str("SYNC_REGION", "FI")),
			OutboundEnabled:    p.boolean("SYNC_OUTBOUND_ENABLED", true),
			InboundEnabled:     p.boolean("SYNC_INBOUND_ENABLED", true),
			UploadBatchSize:    p.integer("SYNC_UPLOAD_BATCH_SIZE", 5000),
			MinBatchSize:       p.integer("SYNC_MIN_BATCH_SIZE", 0),
			ExportInterval:     p.duration("SYNC_EXPORT_INTERVAL", 30*time.Minute),
			ImportInterval:     p.duration("SYNC_IMPORT_INTERVAL", time.Hour),
			SweepInterval:      p.duration("SYNC_SWEEP_INTERVAL", 10*time.Minute),
			ImportLookbackDays: p.integer("SYNC_IMPORT_LOOKBACK_DAYS", 1),
			StallThreshold:     p.duration("SYNC_STALL_THRESHOLD", 10*time.Minute),
			ClaimLockTimeout:   p.duration("SYNC_CLAIM_LOCK_TIMEOUT", 10*time.Second),
			CallbackWorkers:    p.integer("SYNC_CALLBACK_WORKERS", 2),
			CallbackID:         p.str("SYNC_CALLBACK_ID", "efgs-sync"),
			CallbackURL:        os.Getenv("SYNC_CALLBACK_URL"),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     p.integer("REDIS_POOL_SIZE", 10),
			MinIdleConns: p.integer("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  p.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  p.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: p.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			CallbackTTL:  p.duration("REDIS_CALLBACK_DEDUPE_TTL", 10*time.Minute),
		},
		Kafka: Kafka{
			Brokers:           platformstrings.SplitList(os.Getenv("KAFKA_BROKERS"), ","),
			Topic:             p.str("KAFKA_TOPIC", "efgs-sync-events"),
			Partitions:        int32(p.integer("KAFKA_TOPIC_PARTITIONS", 1)),
			ReplicationFactor: int16(p.integer("KAFKA_TOPIC_REPLICATION", 1)),
		},
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate checks cross-field constraints FromEnv cannot express.
func (c Config) Validate() error {
	var errs []error
	if len(c.Sync.Region) != 2 {
		errs = append(errs, fmt.Errorf("SYNC_REGION must be a two letter country code, got %q", c.Sync.Region))
	}
	if c.Sync.UploadBatchSize <= 0 {
		errs = append(errs, errors.New("SYNC_UPLOAD_BATCH_SIZE must be positive"))
	}
	if c.Sync.MinBatchSize < 0 || c.Sync.MinBatchSize > c.Sync.UploadBatchSize {
		errs = append(errs, errors.New("SYNC_MIN_BATCH_SIZE must be between 0 and SYNC_UPLOAD_BATCH_SIZE"))
	}
	if c.Sync.ImportLookbackDays < 0 {
		errs = append(errs, errors.New("SYNC_IMPORT_LOOKBACK_DAYS must not be negative"))
	}
	if c.Sync.CallbackWorkers <= 0 {
		errs = append(errs, errors.New("SYNC_CALLBACK_WORKERS must be positive"))
	}
	switch c.Signing.Mode {
	case SigningModeDev:
	case SigningModeFile:
		if c.Signing.KeystorePath == "" || c.Signing.TrustAnchorPath == "" {
			errs = append(errs, errors.New("SIGNING_KEYSTORE and SIGNING_TRUST_ANCHOR are required in file signing mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SIGNING_MODE %q", c.Signing.Mode))
	}
	if (c.Gateway.ClientCertFile == "") != (c.Gateway.ClientKeyFile == "") {
		errs = append(errs, errors.New("GATEWAY_CLIENT_CERT and GATEWAY_CLIENT_KEY must be set together"))
	}
	if c.Database.NotifyListener && c.Database.URL == "" {
		errs = append(errs, errors.New("DATABASE_NOTIFY_LISTENER requires DATABASE_URL"))
	}
	return errors.Join(errs...)
}

type parser struct {
	errs *[]error
}

func (p parser) str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (p parser) integer(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (p parser) boolean(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}
