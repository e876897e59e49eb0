package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"shardd/internal/config"
	"shardd/internal/engine"
	"shardd/internal/httpapi"
)

func main() {
	defaultAddr := ":8090"
	if v := os.Getenv("SHARDD_ADDR"); v != "" {
		defaultAddr = v
	}
	defaultModels := "~/models/llm"
	if v := os.Getenv("SHARDD_MODELS_DIR"); v != "" {
		defaultModels = v
	}
	addr := flag.String("addr", defaultAddr, "HTTP listen address, e.g. :8090")
	modelsDir := flag.String("models-dir", defaultModels, "Directory to scan for model files")
	shardDir := flag.String("shard-dir", "", "Directory for shard output (default: next to each model)")
	configPath := flag.String("config", os.Getenv("SHARDD_CONFIG"), "Optional config file (yaml/json/toml)")
	mode := flag.String("mode", "", "Initial adaptive mode: performance|balanced|memory_saving")
	strategy := flag.String("strategy", "", "Force a sharding strategy (default: auto-select)")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	flag.Parse()

	log := newLogger(*logLevel)

	cfg := config.Config{}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *configPath).Msg("load config")
		}
		cfg = loaded
	}
	// Flags win over the config file.
	if *addr != "" {
		cfg.Addr = *addr
	}
	if cfg.ModelsDir == "" || isFlagSet("models-dir") {
		cfg.ModelsDir = *modelsDir
	}
	if *shardDir != "" {
		cfg.ShardDir = *shardDir
	}
	if *mode != "" {
		cfg.AdaptiveMode = *mode
	}
	if *strategy != "" {
		cfg.ShardStrategy = *strategy
	}

	eng, err := engine.New(cfg, log, engine.Options{})
	if err != nil {
		log.Fatal().Err(err).Msg("build engine")
	}
	if err := eng.StartMonitoring(); err != nil {
		log.Fatal().Err(err).Msg("start monitor")
	}

	baseCtx, cancelBase := context.WithCancel(context.Background())
	httpapi.SetBaseContext(baseCtx)
	httpapi.SetLogger(log)
	srv := &http.Server{Addr: cfg.Addr, Handler: httpapi.NewMux(eng)}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("models_dir", cfg.ModelsDir).Msg("shardd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancelBase()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown")
	}
	if err := eng.Close(); err != nil {
		log.Warn().Err(err).Msg("engine shutdown")
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
