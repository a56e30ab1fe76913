package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"botguard/internal/common"
	"botguard/internal/ml"
)

type Settings struct {
	ListenAddr        string
	DataPath          string
	ModelPath         string
	ModelsDir         string
	PythonPath        string
	Threshold         float64
	PredictTimeout    time.Duration
	FallbackEnabled   bool
	CacheSize         int
	CacheTTL          time.Duration
	RedisAddr         string
	KafkaBrokers      []string
	KafkaTopic        string
	CORSOrigins       []string
	MaxBodyBytes      int64
	RecordDecisions   bool
	DriftEnabled      bool
	DriftBaselinePath string
	DriftMethods      []ml.DriftMethod
	LogLevel          string
}

type ConfigFile struct {
	Server struct {
		ListenAddr   string   `yaml:"listenAddr"`
		CORSOrigins  []string `yaml:"corsOrigins"`
		MaxBodyBytes int64    `yaml:"maxBodyBytes"`
	} `yaml:"server"`

	Storage struct {
		DataPath        string `yaml:"dataPath"`
		RecordDecisions bool   `yaml:"recordDecisions"`
	} `yaml:"storage"`

	ML struct {
		ModelPath       string  `yaml:"modelPath"`
		ModelsDir       string  `yaml:"modelsDir"`
		PythonPath      string  `yaml:"pythonPath"`
		Threshold       float64 `yaml:"threshold"`
		PredictTimeout  string  `yaml:"predictTimeout"`
		FallbackEnabled bool    `yaml:"fallbackEnabled"`
	} `yaml:"ml"`

	Cache struct {
		Size      int    `yaml:"size"`
		TTL       string `yaml:"ttl"`
		RedisAddr string `yaml:"redisAddr"`
	} `yaml:"cache"`

	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`

	Drift struct {
		Enabled      bool     `yaml:"enabled"`
		BaselinePath string   `yaml:"baselinePath"`
		Methods      []string `yaml:"methods"`
	} `yaml:"drift"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Load reads .env if present, then the YAML file named by CONFIG_FILE or,
// without one, the environment alone. Environment variables override YAML.
func Load() (Settings, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}
	return loadFromEnv()
}

// defaultConfigFile pre-fills every section so keys absent from the YAML
// keep their defaults.
func defaultConfigFile() ConfigFile {
	var c ConfigFile
	c.Server.ListenAddr = common.DefaultListenAddr
	c.Server.CORSOrigins = []string{"*"}
	c.Server.MaxBodyBytes = common.DefaultMaxBodyBytes
	c.Storage.DataPath = common.DefaultDataPath
	c.Storage.RecordDecisions = true
	c.ML.ModelPath = common.DefaultModelPath
	c.ML.ModelsDir = common.DefaultModelsDir
	c.ML.Threshold = common.DefaultThreshold
	c.Cache.Size = common.DefaultCacheSize
	c.Kafka.Topic = common.DefaultKafkaTopic
	c.Log.Level = common.DefaultLogLevel
	return c
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := defaultConfigFile()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	predictTimeout, err := time.ParseDuration(config.ML.PredictTimeout)
	if err != nil {
		predictTimeout = common.DefaultPredictTimeout
	}

	cacheTTL, err := time.ParseDuration(config.Cache.TTL)
	if err != nil {
		cacheTTL = common.DefaultCacheTTL
	}

	driftMethods, err := ml.ParseDriftMethods(splitOrDefault(os.Getenv(common.EnvDriftMethods), config.Drift.Methods))
	if err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	settings := Settings{
		ListenAddr:        getEnvOrDefault(common.EnvListenAddr, config.Server.ListenAddr),
		DataPath:          getEnvOrDefault(common.EnvDataPath, config.Storage.DataPath),
		ModelPath:         getEnvOrDefault(common.EnvModelPath, config.ML.ModelPath),
		ModelsDir:         getEnvOrDefault(common.EnvModelsDir, config.ML.ModelsDir),
		PythonPath:        getEnvOrDefault(common.EnvPythonPath, config.ML.PythonPath),
		Threshold:         getFloatOrDefault(common.EnvThreshold, config.ML.Threshold),
		PredictTimeout:    getDurationOrDefault(common.EnvPredictTimeout, predictTimeout),
		FallbackEnabled:   getBoolOrDefault(common.EnvFallbackEnabled, config.ML.FallbackEnabled),
		CacheSize:         getIntOrDefault(common.EnvCacheSize, config.Cache.Size),
		CacheTTL:          getDurationOrDefault(common.EnvCacheTTL, cacheTTL),
		RedisAddr:         getEnvOrDefault(common.EnvRedisAddr, config.Cache.RedisAddr),
		KafkaBrokers:      splitOrDefault(os.Getenv(common.EnvKafkaBrokers), config.Kafka.Brokers),
		KafkaTopic:        getEnvOrDefault(common.EnvKafkaTopic, config.Kafka.Topic),
		CORSOrigins:       splitOrDefault(os.Getenv(common.EnvCORSOrigins), config.Server.CORSOrigins),
		MaxBodyBytes:      getInt64OrDefault(common.EnvMaxBodyBytes, config.Server.MaxBodyBytes),
		RecordDecisions:   getBoolOrDefault(common.EnvRecordDecisions, config.Storage.RecordDecisions),
		DriftEnabled:      getBoolOrDefault(common.EnvDriftEnabled, config.Drift.Enabled),
		DriftBaselinePath: getEnvOrDefault(common.EnvDriftBaselinePath, config.Drift.BaselinePath),
		DriftMethods:      driftMethods,
		LogLevel:          getEnvOrDefault(common.EnvLogLevel, config.Log.Level),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	driftMethods, err := ml.ParseDriftMethods(splitOrDefault(os.Getenv(common.EnvDriftMethods), nil))
	if err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	settings := Settings{
		ListenAddr:        getEnvOrDefault(common.EnvListenAddr, common.DefaultListenAddr),
		DataPath:          getEnvOrDefault(common.EnvDataPath, common.DefaultDataPath),
		ModelPath:         getEnvOrDefault(common.EnvModelPath, common.DefaultModelPath),
		ModelsDir:         getEnvOrDefault(common.EnvModelsDir, common.DefaultModelsDir),
		PythonPath:        os.Getenv(common.EnvPythonPath), // optional, searched on PATH
		Threshold:         getFloatOrDefault(common.EnvThreshold, common.DefaultThreshold),
		PredictTimeout:    getDurationOrDefault(common.EnvPredictTimeout, common.DefaultPredictTimeout),
		FallbackEnabled:   getBoolOrDefault(common.EnvFallbackEnabled, false),
		CacheSize:         getIntOrDefault(common.EnvCacheSize, common.DefaultCacheSize),
		CacheTTL:          getDurationOrDefault(common.EnvCacheTTL, common.DefaultCacheTTL),
		RedisAddr:         os.Getenv(common.EnvRedisAddr),
		KafkaBrokers:      splitOrDefault(os.Getenv(common.EnvKafkaBrokers), nil),
		KafkaTopic:        getEnvOrDefault(common.EnvKafkaTopic, common.DefaultKafkaTopic),
		CORSOrigins:       splitOrDefault(os.Getenv(common.EnvCORSOrigins), []string{"*"}),
		MaxBodyBytes:      getInt64OrDefault(common.EnvMaxBodyBytes, common.DefaultMaxBodyBytes),
		RecordDecisions:   getBoolOrDefault(common.EnvRecordDecisions, true),
		DriftEnabled:      getBoolOrDefault(common.EnvDriftEnabled, false),
		DriftBaselinePath: os.Getenv(common.EnvDriftBaselinePath),
		DriftMethods:      driftMethods,
		LogLevel:          getEnvOrDefault(common.EnvLogLevel, common.DefaultLogLevel),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getInt64OrDefault(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitOrDefault(v string, def []string) []string {
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// validateSettings performs range checks on every configuration value
func validateSettings(settings *Settings) error {
	if settings.ListenAddr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}

	// the decision rule needs room on both sides of the threshold
	if !(settings.Threshold > 0 && settings.Threshold < 1) {
		return fmt.Errorf("decision threshold must be between 0 and 1 (exclusive), got %f", settings.Threshold)
	}

	if settings.PredictTimeout < common.MinPredictTimeout || settings.PredictTimeout > common.MaxPredictTimeout {
		return fmt.Errorf("predict timeout must be between %v and %v, got %v",
			common.MinPredictTimeout, common.MaxPredictTimeout, settings.PredictTimeout)
	}

	if settings.CacheSize < 0 || settings.CacheSize > common.MaxCacheSize {
		return fmt.Errorf("cache size must be between 0 and %d, got %d", common.MaxCacheSize, settings.CacheSize)
	}
	if settings.CacheSize > 0 && settings.CacheTTL <= 0 {
		return fmt.Errorf("cache TTL must be positive when the cache is enabled, got %v", settings.CacheTTL)
	}

	if settings.MaxBodyBytes < common.MinMaxBodyBytes || settings.MaxBodyBytes > common.MaxMaxBodyBytes {
		return fmt.Errorf("max body size must be between %d and %d bytes, got %d",
			common.MinMaxBodyBytes, common.MaxMaxBodyBytes, settings.MaxBodyBytes)
	}

	if len(settings.KafkaBrokers) > 0 && settings.KafkaTopic == "" {
		return fmt.Errorf("kafka topic is required when brokers are configured")
	}

	if len(settings.CORSOrigins) == 0 {
		return fmt.Errorf("at least one CORS origin must be specified")
	}

	if _, err := zerolog.ParseLevel(settings.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", settings.LogLevel, err)
	}

	return nil
}
