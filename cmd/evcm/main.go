package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/jkaberg/ev-charging-manager/internal/app"
	"github.com/jkaberg/ev-charging-manager/internal/config"
	"github.com/jkaberg/ev-charging-manager/internal/identity"
	"github.com/jkaberg/ev-charging-manager/internal/mqtt"
	"github.com/jkaberg/ev-charging-manager/internal/store"
)

// version is injected at build time via ldflags
var version = "dev"

func main() {
	cfg := parseFlags()
	logger := setupLogger(cfg.Verbose)

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	chargers, err := config.LoadChargers(cfg.ChargersFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load charger definitions")
	}
	identities, err := identity.NewFileSource(cfg.IdentityFile, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load identity configuration")
	}

	logger.WithFields(logrus.Fields{
		"version":  version,
		"chargers": len(chargers.Chargers),
		"store":    cfg.Store,
		"http":     cfg.HTTPAddr,
	}).Info("Starting EV charging manager")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("Shutdown signal received")
		cancel()
	}()

	st, err := openStore(ctx, cfg, chargers.MaxStoredSessions, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open session store")
	}
	defer st.Close()

	opts := app.Options{
		Config:     cfg,
		Chargers:   chargers.Chargers,
		Identities: identities,
		Store:      st,
		Version:    version,
		Logger:     logger,
	}

	if cfg.HasMQTT() {
		client, err := mqtt.NewClient(cfg.MQTTUrl, cfg.BaseTopic, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create MQTT client")
		}
		defer client.Disconnect(250)
		opts.MQTT = client
	}

	if !cfg.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}

	application, err := app.New(opts)
	if err != nil {
		logger.WithError(err).Fatal("Failed to set up chargers")
	}
	if err := application.Run(ctx); err != nil {
		logger.WithError(err).Error("EV charging manager stopped with error")
		return
	}
	logger.Info("EV charging manager stopped")
}

func openStore(ctx context.Context, cfg *config.Config, maxSessions int, logger *logrus.Logger) (store.Store, error) {
	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("Using in-memory store; sessions are lost on restart")
		return store.NewMemoryStore(maxSessions), nil
	case config.StoreRedis:
		client, err := store.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		return store.NewRedisStore(client, cfg.BaseTopic, maxSessions), nil
	case config.StorePostgres:
		pool, err := store.NewPostgresPool(ctx, store.PostgresConfig{DSN: cfg.PostgresDSN})
		if err != nil {
			return nil, err
		}
		st, err := store.NewPostgresStore(ctx, pool, maxSessions)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return st, nil
	default:
		return store.NewFileStore(cfg.DataDir, maxSessions, logger)
	}
}

// -----------------------------------------------------------------------------
// Helpers & Flags
// -----------------------------------------------------------------------------

func parseFlags() *config.Config {
	cfg := config.GetDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version and exit")

	flag.StringVar(&cfg.MQTTUrl, "mqtt-url", getEnv("EVCM_MQTT_URL", cfg.MQTTUrl), "MQTT URL")
	flag.StringVar(&cfg.DiscoveryPrefix, "discovery-prefix", getEnv("EVCM_DISCOVERY_PREFIX", cfg.DiscoveryPrefix), "HA discovery prefix")
	flag.StringVar(&cfg.StatestreamPrefix, "statestream-prefix", getEnv("EVCM_STATESTREAM_PREFIX", cfg.StatestreamPrefix), "HA mqtt_statestream base topic")
	flag.StringVar(&cfg.BaseTopic, "base-topic", getEnv("EVCM_BASE_TOPIC", cfg.BaseTopic), "Root topic for published state and events")
	flag.StringVar(&cfg.ChargersFile, "chargers", getEnv("EVCM_CHARGERS_FILE", cfg.ChargersFile), "Charger definitions (YAML)")
	flag.StringVar(&cfg.IdentityFile, "identity", getEnv("EVCM_IDENTITY_FILE", cfg.IdentityFile), "Vehicles, users and RFID mappings (YAML)")
	flag.StringVar(&cfg.Store, "store", getEnv("EVCM_STORE", cfg.Store), "Session store: file, memory, redis or postgres")
	flag.StringVar(&cfg.DataDir, "data-dir", getEnv("EVCM_DATA_DIR", cfg.DataDir), "Directory of the file store")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("EVCM_REDIS_ADDR", cfg.RedisAddr), "Redis host:port")
	flag.StringVar(&cfg.RedisPassword, "redis-password", getEnv("EVCM_REDIS_PASSWORD", cfg.RedisPassword), "Redis password")
	flag.StringVar(&cfg.PostgresDSN, "postgres-dsn", getEnv("EVCM_POSTGRES_DSN", cfg.PostgresDSN), "Postgres connection string")
	flag.StringVar(&cfg.HTTPAddr, "http-addr", getEnv("EVCM_HTTP_ADDR", cfg.HTTPAddr), "HTTP listen address, empty disables")
	flag.BoolVar(&cfg.Verbose, "verbose", getEnv("EVCM_VERBOSE", "false") == "true", "Verbose logging")

	redisDB := flag.String("redis-db", getEnv("EVCM_REDIS_DB", ""), "Redis database number")
	unknownThreshold := flag.String("unknown-threshold", getEnv("EVCM_UNKNOWN_THRESHOLD", ""), "Unknown sessions before warning")
	unknownWindow := flag.String("unknown-window", getEnv("EVCM_UNKNOWN_WINDOW", ""), "Rolling window for unknown sessions (e.g. 168h)")

	flag.Parse()

	if *showVersion {
		fmt.Printf("evcm %s\n", version)
		os.Exit(0)
	}

	if v, err := strconv.Atoi(*redisDB); err == nil && v >= 0 {
		cfg.RedisDB = v
	}
	if v, err := strconv.Atoi(*unknownThreshold); err == nil && v > 0 {
		cfg.UnknownThreshold = v
	}
	if *unknownWindow != "" {
		if d, err := time.ParseDuration(*unknownWindow); err == nil && d > 0 {
			cfg.UnknownWindow = d
		} else if v, err2 := strconv.Atoi(*unknownWindow); err2 == nil && v > 0 {
			cfg.UnknownWindow = time.Duration(v) * 24 * time.Hour
		}
	}

	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func setupLogger(verbose bool) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}
