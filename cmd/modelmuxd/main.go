package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/modelmux/modelmux/pkg/api"
	"github.com/modelmux/modelmux/pkg/artifact"
	"github.com/modelmux/modelmux/pkg/deploy"
	"github.com/modelmux/modelmux/pkg/executor"
	"github.com/modelmux/modelmux/pkg/ledger"
	"github.com/modelmux/modelmux/pkg/logging"
	"github.com/modelmux/modelmux/pkg/metrics"
	"github.com/modelmux/modelmux/pkg/models"
	"github.com/modelmux/modelmux/pkg/ratelimit"
	"github.com/modelmux/modelmux/pkg/registry"
	"github.com/modelmux/modelmux/pkg/router"
	"github.com/modelmux/modelmux/pkg/shutdown"
	"github.com/modelmux/modelmux/pkg/store"
	"github.com/modelmux/modelmux/pkg/tracing"
)

func loadConfig() {
	viper.SetConfigName("modelmuxd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/modelmux")

	viper.SetEnvPrefix("MODELMUX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.listen", ":8080")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("store.backend", "sqlite")
	viper.SetDefault("store.sqlite_path", "modelmux.db")
	viper.SetDefault("artifacts.dir", "artifacts")
	viper.SetDefault("executor.workers", 0) // 0 probes host capabilities
	viper.SetDefault("executor.train_delay", "2s")
	viper.SetDefault("provisioner.delay", "1s")
	viper.SetDefault("ratelimit.rps", 50.0)
	viper.SetDefault("ratelimit.burst", 100)
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.service_name", "modelmuxd")
	viper.SetDefault("tracing.otlp_endpoint", "localhost:4318")
	viper.SetDefault("shutdown.timeout", "30s")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "failed to read config: %v\n", err)
			os.Exit(1)
		}
	}
}

func openStore() (store.Store, error) {
	switch backend := viper.GetString("store.backend"); backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(viper.GetString("store.sqlite_path"))
	case "postgres":
		return store.NewPostgreSQLStore(viper.GetString("store.postgres_dsn"))
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

func main() {
	loadConfig()
	logging.Setup(logging.Config{
		Level:  viper.GetString("log.level"),
		Format: viper.GetString("log.format"),
	})

	log.Info().Str("backend", viper.GetString("store.backend")).Msg("Starting modelmuxd")

	sm := shutdown.New(viper.GetDuration("shutdown.timeout"))

	provider, err := tracing.Init(tracing.Config{
		ServiceName:    viper.GetString("tracing.service_name"),
		ServiceVersion: "1.0.0",
		Environment:    viper.GetString("tracing.environment"),
		OTLPEndpoint:   viper.GetString("tracing.otlp_endpoint"),
		Enabled:        viper.GetBool("tracing.enabled"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracing")
	}
	sm.Register(provider.Shutdown)

	s, err := openStore()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	sm.Register(shutdown.CloseResource(s, "store"))

	artifacts := artifact.NewFSStore(viper.GetString("artifacts.dir"))

	execOpts := []executor.Option{
		executor.WithTrainDelay(viper.GetDuration("executor.train_delay")),
	}
	if workers := viper.GetInt("executor.workers"); workers > 0 {
		execOpts = append(execOpts, executor.WithWorkers(workers))
	}
	exec := executor.NewLocalExecutor(artifacts, execOpts...)
	sm.Register(func(ctx context.Context) error {
		exec.Stop()
		return nil
	})

	// Terminal job states feed the jobs_finished metric
	exec.Subscribe(func(u executor.StatusUpdate) {
		if models.IsTerminalStatus(u.Status) {
			metrics.JobsFinished.WithLabelValues(string(u.Status)).Inc()
		}
	})

	l := ledger.New(s, exec)
	reg := registry.New(s)
	manager := deploy.NewManager(reg, deploy.NewLocalProvisioner(artifacts, viper.GetDuration("provisioner.delay")))
	rt := router.New(manager)
	limiter := ratelimit.NewLimiter(viper.GetFloat64("ratelimit.rps"), viper.GetInt("ratelimit.burst"))

	handler := api.NewHandler(l, reg, manager, rt, limiter)

	r := mux.NewRouter()
	r.Use(tracing.HTTPMiddleware(provider))
	handler.RegisterRoutes(r)
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	srv := &http.Server{
		Addr:         viper.GetString("server.listen"),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 16 * time.Minute, // await routes hold the connection
		IdleTimeout:  60 * time.Second,
	}
	sm.Register(shutdown.StopHTTPServer(srv, "api"))

	go func() {
		log.Info().Str("listen", srv.Addr).Msg("API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("API server failed")
		}
	}()

	sm.Wait()
	sm.Shutdown()
}
