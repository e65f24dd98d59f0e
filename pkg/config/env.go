package config

// EnvPrefix is handed to envconfig; every field carries an explicit envconfig tag.
const EnvPrefix = "FUNNEL"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	ArchiveModeOff   = "off"
	ArchiveModeLocal = "local"
	ArchiveModeGCS   = "gcs"
)

const (
	EnvAppEnv   = "FUNNEL_APP_ENV"
	EnvLogLevel = "FUNNEL_LOG_LEVEL"

	EnvDBDSN    = "FUNNEL_DB_DSN"
	EnvDBDriver = "FUNNEL_DB_DRIVER"
	EnvDBHost   = "FUNNEL_DB_HOST"
	EnvDBUser   = "FUNNEL_DB_USER"
	EnvDBName   = "FUNNEL_DB_NAME"

	EnvAPIBaseURL        = "FUNNEL_API_BASE_URL"
	EnvAPIMaxAttempts    = "FUNNEL_API_MAX_ATTEMPTS"
	EnvAPIBaseBackoff    = "FUNNEL_API_BASE_BACKOFF"
	EnvSourceMaxSkipRate = "FUNNEL_SOURCE_MAX_SKIP_RATE"

	EnvLoadBatchSize   = "FUNNEL_LOAD_BATCH_SIZE"
	EnvLoadMaxAttempts = "FUNNEL_LOAD_MAX_ATTEMPTS"

	EnvArchiveMode   = "FUNNEL_ARCHIVE_MODE"
	EnvArchiveBucket = "FUNNEL_ARCHIVE_BUCKET"

	EnvGCPProjectID      = "FUNNEL_GCP_PROJECT_ID"
	EnvBigQueryEnabled   = "FUNNEL_BIGQUERY_ENABLED"
	EnvPubSubRunTopic    = "FUNNEL_PUBSUB_RUN_TOPIC"
	EnvPushgatewayURL    = "FUNNEL_METRICS_PUSHGATEWAY_URL"
	EnvSynthMaxViews     = "FUNNEL_SYNTH_MAX_VIEWS"
	EnvSynthConvExponent = "FUNNEL_SYNTH_CONVERSION_EXPONENT"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
