package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	pkgerrors "github.com/angelmondragon/storefront-funnel/pkg/errors"
)

type Config struct {
	App          AppConfig
	DB           DBConfig
	Source       SourceConfig
	Load         LoadConfig
	Synthesis    SynthesisConfig
	Archive      ArchiveConfig
	GCP          GCPConfig
	BigQuery     BigQueryConfig
	PubSub       PubSubConfig
	Metrics      MetricsConfig
	FeatureFlags FeatureFlagsConfig
}

// Load reads the FUNNEL_ environment. Every failure carries CodeConfig.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeConfig, err, "parsing config")
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeConfig, err, "database config")
	}
	if err := cfg.validate(); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeConfig, err, "invalid config")
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"FUNNEL_APP_ENV" default:"dev"`
	LogLevel     string `envconfig:"FUNNEL_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"FUNNEL_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"FUNNEL_DB_DSN"`
	Driver string `envconfig:"FUNNEL_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"FUNNEL_DB_HOST"`
	LegacyPort     int    `envconfig:"FUNNEL_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"FUNNEL_DB_USER"`
	LegacyPassword string `envconfig:"FUNNEL_DB_PASSWORD"`
	LegacyName     string `envconfig:"FUNNEL_DB_NAME"`
	LegacySSLMode  string `envconfig:"FUNNEL_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"FUNNEL_DB_MAX_OPEN_CONNS" default:"5"`
	MaxIdleConns    int           `envconfig:"FUNNEL_DB_MAX_IDLE_CONNS" default:"2"`
	ConnMaxLifetime time.Duration `envconfig:"FUNNEL_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"FUNNEL_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// IsSQLite reports whether the store is a local sqlite file.
func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(strings.TrimSpace(db.Driver), DriverSQLite)
}

// SourceConfig describes the upstream catalog API and its retry policy.
type SourceConfig struct {
	BaseURL           string        `envconfig:"FUNNEL_API_BASE_URL" default:"https://fakestoreapi.com"`
	Timeout           time.Duration `envconfig:"FUNNEL_API_TIMEOUT" default:"10s"`
	UserAgent         string        `envconfig:"FUNNEL_API_USER_AGENT" default:"StorefrontFunnel/1.0"`
	MaxAttempts       int           `envconfig:"FUNNEL_API_MAX_ATTEMPTS" default:"4"`
	BaseBackoff       time.Duration `envconfig:"FUNNEL_API_BASE_BACKOFF" default:"2s"`
	BackoffMultiplier float64       `envconfig:"FUNNEL_API_BACKOFF_MULTIPLIER" default:"2"`
	MaxBackoff        time.Duration `envconfig:"FUNNEL_API_MAX_BACKOFF" default:"30s"`
	Jitter            float64       `envconfig:"FUNNEL_API_JITTER" default:"0.1"`
	MaxSkipRate       float64       `envconfig:"FUNNEL_SOURCE_MAX_SKIP_RATE" default:"0.10"`
}

// LoadConfig controls chunked writes into the relational store.
type LoadConfig struct {
	BatchSize         int           `envconfig:"FUNNEL_LOAD_BATCH_SIZE" default:"500"`
	MaxAttempts       int           `envconfig:"FUNNEL_LOAD_MAX_ATTEMPTS" default:"3"`
	BaseBackoff       time.Duration `envconfig:"FUNNEL_LOAD_BASE_BACKOFF" default:"1s"`
	BackoffMultiplier float64       `envconfig:"FUNNEL_LOAD_BACKOFF_MULTIPLIER" default:"2"`
	MaxBackoff        time.Duration `envconfig:"FUNNEL_LOAD_MAX_BACKOFF" default:"15s"`
	Jitter            float64       `envconfig:"FUNNEL_LOAD_JITTER" default:"0.1"`
}

type SynthesisConfig struct {
	MaxSyntheticViews  int     `envconfig:"FUNNEL_SYNTH_MAX_VIEWS" default:"12"`
	ConversionExponent float64 `envconfig:"FUNNEL_SYNTH_CONVERSION_EXPONENT" default:"2"`
}

type ArchiveConfig struct {
	Mode   string `envconfig:"FUNNEL_ARCHIVE_MODE" default:"local"`
	Dir    string `envconfig:"FUNNEL_ARCHIVE_DIR" default:"data_lake/raw"`
	Bucket string `envconfig:"FUNNEL_ARCHIVE_BUCKET"`
	Prefix string `envconfig:"FUNNEL_ARCHIVE_PREFIX" default:"raw"`
}

// NormalizedMode returns the archive mode lower-cased, defaulting to off.
func (a ArchiveConfig) NormalizedMode() string {
	mode := strings.ToLower(strings.TrimSpace(a.Mode))
	if mode == "" {
		return ArchiveModeOff
	}
	return mode
}

type GCPConfig struct {
	ProjectID              string `envconfig:"FUNNEL_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"FUNNEL_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"FUNNEL_GOOGLE_APPLICATION_CREDENTIALS"`
}

type BigQueryConfig struct {
	Enabled     bool   `envconfig:"FUNNEL_BIGQUERY_ENABLED" default:"false"`
	Dataset     string `envconfig:"FUNNEL_BIGQUERY_DATASET" default:"storefront_funnel"`
	EventsTable string `envconfig:"FUNNEL_BIGQUERY_EVENTS_TABLE" default:"funnel_events"`
	BatchSize   int    `envconfig:"FUNNEL_BIGQUERY_BATCH_SIZE" default:"500"`
}

// PubSubConfig names the topic that receives run reports. Empty disables it.
type PubSubConfig struct {
	RunTopic string `envconfig:"FUNNEL_PUBSUB_RUN_TOPIC"`
}

type MetricsConfig struct {
	PushgatewayURL string `envconfig:"FUNNEL_METRICS_PUSHGATEWAY_URL"`
	Job            string `envconfig:"FUNNEL_METRICS_JOB" default:"funnel_pipeline"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"FUNNEL_AUTO_MIGRATE" default:"false"`
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Source.BaseURL) == "" {
		return fmt.Errorf("%s is required", EnvAPIBaseURL)
	}
	if _, err := url.ParseRequestURI(c.Source.BaseURL); err != nil {
		return fmt.Errorf("invalid %s: %w", EnvAPIBaseURL, err)
	}
	if c.Source.MaxAttempts < 1 {
		return fmt.Errorf("%s must be at least 1", EnvAPIMaxAttempts)
	}
	if c.Load.MaxAttempts < 1 {
		return fmt.Errorf("%s must be at least 1", EnvLoadMaxAttempts)
	}
	if c.Load.BatchSize < 1 {
		return fmt.Errorf("%s must be at least 1", EnvLoadBatchSize)
	}
	if c.Source.MaxSkipRate < 0 || c.Source.MaxSkipRate > 1 {
		return fmt.Errorf("%s must be within [0,1]", EnvSourceMaxSkipRate)
	}
	switch c.Archive.NormalizedMode() {
	case ArchiveModeOff, ArchiveModeLocal:
	case ArchiveModeGCS:
		if strings.TrimSpace(c.Archive.Bucket) == "" {
			return fmt.Errorf("%s is required when archive mode is gcs", EnvArchiveBucket)
		}
	default:
		return fmt.Errorf("unknown %s %q", EnvArchiveMode, c.Archive.Mode)
	}
	if c.BigQuery.Enabled && strings.TrimSpace(c.GCP.ProjectID) == "" {
		return fmt.Errorf("%s is required when bigquery export is enabled", EnvGCPProjectID)
	}
	if strings.TrimSpace(c.PubSub.RunTopic) != "" && strings.TrimSpace(c.GCP.ProjectID) == "" {
		return fmt.Errorf("%s is required when %s is set", EnvGCPProjectID, EnvPubSubRunTopic)
	}
	return nil
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
