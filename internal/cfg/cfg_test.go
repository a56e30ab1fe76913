package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"botguard/internal/common"
	"botguard/internal/ml"
)

func TestLoadFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		wantErr  bool
		validate func(t *testing.T, settings Settings)
	}{
		{
			name:    "defaults",
			envVars: map[string]string{},
			wantErr: false,
			validate: func(t *testing.T, settings Settings) {
				if settings.ListenAddr != ":5000" {
					t.Errorf("expected default ListenAddr :5000, got %s", settings.ListenAddr)
				}
				if settings.Threshold != 0.5 {
					t.Errorf("expected default Threshold 0.5, got %f", settings.Threshold)
				}
				if settings.PredictTimeout != 5*time.Second {
					t.Errorf("expected default PredictTimeout 5s, got %v", settings.PredictTimeout)
				}
				if settings.FallbackEnabled {
					t.Error("expected fallback disabled by default")
				}
				if !settings.RecordDecisions {
					t.Error("expected decisions recorded by default")
				}
				if len(settings.CORSOrigins) != 1 || settings.CORSOrigins[0] != "*" {
					t.Errorf("expected default CORS origins [*], got %v", settings.CORSOrigins)
				}
				if len(settings.KafkaBrokers) != 0 {
					t.Errorf("expected no brokers, got %v", settings.KafkaBrokers)
				}
				if settings.KafkaTopic != "botguard.decisions" {
					t.Errorf("expected default topic, got %s", settings.KafkaTopic)
				}
				if settings.MaxBodyBytes != 1<<20 {
					t.Errorf("expected default MaxBodyBytes 1MiB, got %d", settings.MaxBodyBytes)
				}
			},
		},
		{
			name: "custom settings",
			envVars: map[string]string{
				"LISTEN_ADDR":        ":8081",
				"DECISION_THRESHOLD": "0.7",
				"PREDICT_TIMEOUT":    "2s",
				"FALLBACK_ENABLED":   "true",
				"CACHE_SIZE":         "50",
				"CACHE_TTL":          "1m",
				"REDIS_ADDR":         "localhost:6379",
				"KAFKA_BROKERS":      "k1:9092, k2:9092",
				"CORS_ORIGINS":       "https://a.example,https://b.example",
				"RECORD_DECISIONS":   "false",
				"LOG_LEVEL":          "debug",
			},
			wantErr: false,
			validate: func(t *testing.T, settings Settings) {
				if settings.ListenAddr != ":8081" {
					t.Errorf("expected ListenAddr :8081, got %s", settings.ListenAddr)
				}
				if settings.Threshold != 0.7 {
					t.Errorf("expected Threshold 0.7, got %f", settings.Threshold)
				}
				if settings.PredictTimeout != 2*time.Second {
					t.Errorf("expected PredictTimeout 2s, got %v", settings.PredictTimeout)
				}
				if !settings.FallbackEnabled {
					t.Error("expected fallback enabled")
				}
				if settings.CacheSize != 50 || settings.CacheTTL != time.Minute {
					t.Errorf("expected cache 50/1m, got %d/%v", settings.CacheSize, settings.CacheTTL)
				}
				if settings.RedisAddr != "localhost:6379" {
					t.Errorf("expected RedisAddr, got %s", settings.RedisAddr)
				}
				if len(settings.KafkaBrokers) != 2 || settings.KafkaBrokers[1] != "k2:9092" {
					t.Errorf("expected trimmed brokers, got %v", settings.KafkaBrokers)
				}
				if len(settings.CORSOrigins) != 2 {
					t.Errorf("expected 2 CORS origins, got %v", settings.CORSOrigins)
				}
				if settings.RecordDecisions {
					t.Error("expected decisions not recorded")
				}
				if settings.LogLevel != "debug" {
					t.Errorf("expected LogLevel debug, got %s", settings.LogLevel)
				}
			},
		},
		{
			name:    "threshold out of range",
			envVars: map[string]string{"DECISION_THRESHOLD": "1.0"},
			wantErr: true,
		},
		{
			name:    "timeout too short",
			envVars: map[string]string{"PREDICT_TIMEOUT": "1ms"},
			wantErr: true,
		},
		{
			name:    "invalid log level",
			envVars: map[string]string{"LOG_LEVEL": "loud"},
			wantErr: true,
		},
		{
			name:    "unknown drift method",
			envVars: map[string]string{"DRIFT_METHODS": "psi,entropy"},
			wantErr: true,
		},
		{
			name:    "drift methods deduplicated",
			envVars: map[string]string{"DRIFT_METHODS": "chi_square,CHI_SQUARE,ks"},
			validate: func(t *testing.T, settings Settings) {
				want := []ml.DriftMethod{ml.MethodChiSquare, ml.MethodKS}
				if len(settings.DriftMethods) != len(want) || settings.DriftMethods[0] != want[0] || settings.DriftMethods[1] != want[1] {
					t.Errorf("expected %v, got %v", want, settings.DriftMethods)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearTestEnv(t)

			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			settings, err := loadFromEnv()

			if tt.wantErr && err == nil {
				t.Error("expected error but got none")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}

			if !tt.wantErr && tt.validate != nil {
				tt.validate(t, settings)
			}
		})
	}
}

func TestLoadFromYAML(t *testing.T) {
	tests := []struct {
		name         string
		yamlContent  string
		envOverrides map[string]string
		wantErr      bool
		validate     func(t *testing.T, settings Settings)
	}{
		{
			name: "valid YAML config",
			yamlContent: `
server:
  listenAddr: ":9000"
  corsOrigins: ["https://shop.example"]
  maxBodyBytes: 65536

storage:
  dataPath: "/custom/data"
  recordDecisions: false

ml:
  modelPath: "custom.onnx"
  threshold: 0.6
  predictTimeout: "3s"
  fallbackEnabled: true

cache:
  size: 200
  ttl: "30s"

kafka:
  brokers: ["localhost:9092"]
  topic: "decisions"

drift:
  enabled: true
  baselinePath: "/custom/baseline.json"
  methods: [ks, chi_square]
`,
			wantErr: false,
			validate: func(t *testing.T, settings Settings) {
				if settings.ListenAddr != ":9000" {
					t.Errorf("expected ListenAddr :9000, got %s", settings.ListenAddr)
				}
				if settings.DataPath != "/custom/data" {
					t.Errorf("expected DataPath /custom/data, got %s", settings.DataPath)
				}
				if settings.RecordDecisions {
					t.Error("expected RecordDecisions false")
				}
				if settings.ModelPath != "custom.onnx" {
					t.Errorf("expected ModelPath custom.onnx, got %s", settings.ModelPath)
				}
				if settings.Threshold != 0.6 {
					t.Errorf("expected Threshold 0.6, got %f", settings.Threshold)
				}
				if settings.PredictTimeout != 3*time.Second {
					t.Errorf("expected PredictTimeout 3s, got %v", settings.PredictTimeout)
				}
				if settings.CacheSize != 200 || settings.CacheTTL != 30*time.Second {
					t.Errorf("expected cache 200/30s, got %d/%v", settings.CacheSize, settings.CacheTTL)
				}
				if settings.KafkaTopic != "decisions" || len(settings.KafkaBrokers) != 1 {
					t.Errorf("unexpected kafka settings %v %s", settings.KafkaBrokers, settings.KafkaTopic)
				}
				if !settings.DriftEnabled || settings.DriftBaselinePath != "/custom/baseline.json" {
					t.Errorf("unexpected drift settings %v %s", settings.DriftEnabled, settings.DriftBaselinePath)
				}
				if len(settings.DriftMethods) != 2 || settings.DriftMethods[0] != ml.MethodKS || settings.DriftMethods[1] != ml.MethodChiSquare {
					t.Errorf("unexpected drift methods %v", settings.DriftMethods)
				}
			},
		},
		{
			name: "absent keys keep defaults",
			yamlContent: `
ml:
  modelPath: "m.onnx"
`,
			wantErr: false,
			validate: func(t *testing.T, settings Settings) {
				if settings.ListenAddr != common.DefaultListenAddr {
					t.Errorf("expected default ListenAddr, got %s", settings.ListenAddr)
				}
				if settings.Threshold != common.DefaultThreshold {
					t.Errorf("expected default Threshold, got %f", settings.Threshold)
				}
				if !settings.RecordDecisions {
					t.Error("expected RecordDecisions default true")
				}
				if settings.PredictTimeout != common.DefaultPredictTimeout {
					t.Errorf("expected default PredictTimeout, got %v", settings.PredictTimeout)
				}
			},
		},
		{
			name: "YAML with env overrides",
			yamlContent: `
server:
  listenAddr: ":9000"
ml:
  threshold: 0.6
`,
			envOverrides: map[string]string{
				"LISTEN_ADDR":        ":7000",
				"DECISION_THRESHOLD": "0.55",
			},
			wantErr: false,
			validate: func(t *testing.T, settings Settings) {
				if settings.ListenAddr != ":7000" {
					t.Errorf("expected env override ListenAddr :7000, got %s", settings.ListenAddr)
				}
				if settings.Threshold != 0.55 {
					t.Errorf("expected env override Threshold 0.55, got %f", settings.Threshold)
				}
			},
		},
		{
			name: "YAML with out of range threshold",
			yamlContent: `
ml:
  threshold: 1.5
`,
			wantErr: true,
		},
		{
			name: "brokers without topic",
			yamlContent: `
kafka:
  brokers: ["localhost:9092"]
  topic: ""
`,
			wantErr: true,
		},
		{
			name: "drift methods from env",
			yamlContent: `
drift:
  methods: [psi]
`,
			envOverrides: map[string]string{"DRIFT_METHODS": "KS, moments"},
			validate: func(t *testing.T, settings Settings) {
				if len(settings.DriftMethods) != 2 || settings.DriftMethods[0] != ml.MethodKS || settings.DriftMethods[1] != ml.MethodMoments {
					t.Errorf("expected env drift methods, got %v", settings.DriftMethods)
				}
			},
		},
		{
			name: "unknown drift method",
			yamlContent: `
drift:
  methods: [entropy]
`,
			wantErr: true,
		},
		{
			name:        "invalid YAML",
			yamlContent: `invalid: yaml: content: [`,
			wantErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearTestEnv(t)

			for key, value := range tt.envOverrides {
				t.Setenv(key, value)
			}

			configPath := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.yamlContent), 0o644); err != nil {
				t.Fatalf("failed to write test config file: %v", err)
			}

			settings, err := loadFromYAML(configPath)

			if tt.wantErr && err == nil {
				t.Error("expected error but got none")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}

			if !tt.wantErr && tt.validate != nil {
				tt.validate(t, settings)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("load from env when no config file", func(t *testing.T) {
		clearTestEnv(t)
		t.Chdir(t.TempDir())
		t.Setenv("LISTEN_ADDR", ":6000")

		settings, err := Load()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if settings.ListenAddr != ":6000" {
			t.Errorf("expected ListenAddr :6000, got %s", settings.ListenAddr)
		}
	})

	t.Run("load from config file", func(t *testing.T) {
		clearTestEnv(t)
		dir := t.TempDir()
		t.Chdir(dir)

		configPath := filepath.Join(dir, "botguard.yaml")
		if err := os.WriteFile(configPath, []byte("ml:\n  threshold: 0.8\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		t.Setenv("CONFIG_FILE", configPath)

		settings, err := Load()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if settings.Threshold != 0.8 {
			t.Errorf("expected Threshold 0.8, got %f", settings.Threshold)
		}
	})

	t.Run("missing config file", func(t *testing.T) {
		clearTestEnv(t)
		t.Chdir(t.TempDir())
		t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

		if _, err := Load(); err == nil {
			t.Error("expected error for missing config file")
		}
	})

	t.Run("dotenv file", func(t *testing.T) {
		clearTestEnv(t)
		dir := t.TempDir()
		t.Chdir(dir)

		if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("KAFKA_TOPIC=from-dotenv\n"), 0o600); err != nil {
			t.Fatal(err)
		}

		settings, err := Load()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if settings.KafkaTopic != "from-dotenv" {
			t.Errorf("expected topic from .env, got %s", settings.KafkaTopic)
		}
	})
}

// clearTestEnv unsets every variable the loader reads and restores them when
// the test ends.
func clearTestEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		common.EnvConfigFile, common.EnvListenAddr, common.EnvDataPath, common.EnvModelPath,
		common.EnvModelsDir, common.EnvPythonPath, common.EnvThreshold, common.EnvPredictTimeout,
		common.EnvFallbackEnabled, common.EnvCacheSize, common.EnvCacheTTL, common.EnvRedisAddr,
		common.EnvKafkaBrokers, common.EnvKafkaTopic, common.EnvCORSOrigins, common.EnvMaxBodyBytes,
		common.EnvRecordDecisions, common.EnvDriftEnabled, common.EnvDriftBaselinePath, common.EnvDriftMethods,
		common.EnvLogLevel,
	}

	for _, env := range envVars {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}
