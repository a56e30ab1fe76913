package common

import "time"

// Environment variable keys
const (
	EnvConfigFile        = "CONFIG_FILE"
	EnvListenAddr        = "LISTEN_ADDR"
	EnvDataPath          = "DATA_PATH"
	EnvModelPath         = "MODEL_PATH"
	EnvModelsDir         = "MODELS_DIR"
	EnvPythonPath        = "PYTHON_PATH"
	EnvThreshold         = "DECISION_THRESHOLD"
	EnvPredictTimeout    = "PREDICT_TIMEOUT"
	EnvFallbackEnabled   = "FALLBACK_ENABLED"
	EnvCacheSize         = "CACHE_SIZE"
	EnvCacheTTL          = "CACHE_TTL"
	EnvRedisAddr         = "REDIS_ADDR"
	EnvKafkaBrokers      = "KAFKA_BROKERS"
	EnvKafkaTopic        = "KAFKA_TOPIC"
	EnvCORSOrigins       = "CORS_ORIGINS"
	EnvMaxBodyBytes      = "MAX_BODY_BYTES"
	EnvRecordDecisions   = "RECORD_DECISIONS"
	EnvDriftEnabled      = "DRIFT_ENABLED"
	EnvDriftBaselinePath = "DRIFT_BASELINE_PATH"
	EnvDriftMethods      = "DRIFT_METHODS"
	EnvLogLevel          = "LOG_LEVEL"
	EnvLogConsole        = "LOG_CONSOLE"
	EnvServerURL         = "BOTGUARD_URL"
)

// Configuration defaults
const (
	DefaultListenAddr     = ":5000"
	DefaultDataPath       = "data"
	DefaultModelPath      = "models/model.onnx"
	DefaultModelsDir      = "models"
	DefaultThreshold      = 0.5
	DefaultPredictTimeout = 5 * time.Second
	DefaultCacheSize      = 1000
	DefaultCacheTTL       = 5 * time.Minute
	DefaultKafkaTopic     = "botguard.decisions"
	DefaultMaxBodyBytes   = 1 << 20
	DefaultLogLevel       = "info"
	DefaultServerURL      = "http://localhost:5000"

	// DriftBaselineFile is the baseline name under the models directory
	// when no explicit path is configured.
	DriftBaselineFile = "drift_baseline.json"
)

// Validation constants
const (
	MinPredictTimeout = 100 * time.Millisecond
	MaxPredictTimeout = time.Minute
	MaxCacheSize      = 1_000_000
	MinMaxBodyBytes   = 1 << 10
	MaxMaxBodyBytes   = 64 << 20
)
