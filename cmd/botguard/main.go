package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"botguard/internal/api"
	"botguard/internal/cfg"
	"botguard/internal/common"
	"botguard/internal/dashboard"
	"botguard/internal/metrics"
	"botguard/internal/ml"
	"botguard/internal/publish"
	"botguard/internal/scoring"
	"botguard/internal/storage"
)

func main() {
	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	common.SetupLogging(c.LogLevel, os.Getenv(common.EnvLogConsole) != "")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize components
	m := metrics.New()
	mw := metrics.NewWrapper(m)

	store := initializeStorage(c)
	if store != nil {
		defer store.Close()
	}

	predictor := initializePredictor(c, mw)
	if predictor != nil {
		defer predictor.Close()
	}

	publisher := initializePublisher(c, mw)
	defer publisher.Close()

	feed := dashboard.NewFeed(c.CORSOrigins, mw.FeedClients())
	defer feed.Close()

	deps := scoring.Deps{
		Publisher:       publisher,
		Feed:            feed,
		Drift:           initializeDrift(c),
		Metrics:         mw,
		Threshold:       c.Threshold,
		RecordDecisions: c.RecordDecisions,
	}
	// typed nils must not reach the service interfaces
	if predictor != nil {
		deps.Scorer = predictor
	}
	if store != nil {
		deps.Store = store
	}
	svc := scoring.New(deps)

	server := api.New(svc, api.Options{
		ListenAddr:   c.ListenAddr,
		CORSOrigins:  c.CORSOrigins,
		MaxBodyBytes: c.MaxBodyBytes,
		Debug:        c.LogLevel == "debug",
		Feed:         feed,
	})

	log.Info().
		Str("addr", c.ListenAddr).
		Float64("threshold", svc.Threshold()).
		Bool("model_available", svc.Available()).
		Bool("storage", store != nil).
		Msg("botguard starting")

	if err := server.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("botguard stopped")
}

// initializeStorage opens the session store if DATA_PATH is configured.
func initializeStorage(c cfg.Settings) *storage.Store {
	if c.DataPath == "" {
		return nil
	}
	if err := os.MkdirAll(c.DataPath, 0o755); err != nil {
		log.Warn().Err(err).Msg("cannot create data directory, continuing without persistence")
		return nil
	}
	store, err := storage.New(c.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("storage initialization failed, continuing without persistence")
		return nil
	}
	return store
}

// initializePredictor loads the active model version, or MODEL_PATH when no
// version is registered. A missing model leaves the predictor unavailable
// rather than failing startup; a model trained on another feature layout is
// refused.
func initializePredictor(c cfg.Settings, mw *metrics.MetricsWrapper) *ml.ProductionPredictor {
	modelPath := c.ModelPath
	if mm, err := ml.NewModelManager(c.ModelsDir); err != nil {
		log.Warn().Err(err).Msg("model registry unavailable")
	} else if v := mm.GetCurrentVersion(); v != nil {
		modelPath = v.Path
		log.Info().Str("version", v.Version).Str("path", v.Path).Msg("using active model version")
	}

	pc := ml.PredictorConfig{
		ModelPath:       modelPath,
		PythonPath:      c.PythonPath,
		Timeout:         c.PredictTimeout,
		CacheSize:       c.CacheSize,
		CacheTTL:        c.CacheTTL,
		FallbackEnabled: c.FallbackEnabled,
	}
	if c.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		pc.Cache = ml.NewRedisCache(client, c.CacheTTL)
		log.Info().Str("addr", c.RedisAddr).Msg("using redis prediction cache")
	}

	predictor, err := ml.NewProductionPredictor(pc, mw)
	if err != nil {
		log.Error().Err(err).Str("model", modelPath).Msg("model refused, /predict will answer 503")
		return nil
	}
	return predictor
}

func initializePublisher(c cfg.Settings, mw *metrics.MetricsWrapper) publish.Publisher {
	if len(c.KafkaBrokers) == 0 {
		return publish.NopPublisher{}
	}
	p, err := publish.NewKafkaPublisher(c.KafkaBrokers, c.KafkaTopic, mw)
	if err != nil {
		log.Warn().Err(err).Msg("kafka publisher unavailable, decisions will not be published")
		return publish.NopPublisher{}
	}
	log.Info().Strs("brokers", c.KafkaBrokers).Str("topic", c.KafkaTopic).Msg("publishing decisions")
	return p
}

func initializeDrift(c cfg.Settings) *ml.DriftDetector {
	if !c.DriftEnabled {
		return nil
	}
	path := c.DriftBaselinePath
	if path == "" {
		path = filepath.Join(c.ModelsDir, common.DriftBaselineFile)
	}
	dd := ml.NewDriftDetector(ml.DriftDetectionConfig{
		Enabled:  true,
		SavePath: path,
		Methods:  c.DriftMethods,
	})
	methods := make([]string, 0, len(c.DriftMethods))
	for _, m := range dd.Methods() {
		methods = append(methods, string(m))
	}
	log.Info().Str("baseline", path).Strs("methods", methods).Msg("drift detection enabled")
	return dd
}
