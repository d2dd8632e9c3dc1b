// Package cli provides the command-line interface and server bootstrap for
// the livedata service. It wires configuration, logging, the storage
// backend, the Redis backplane, the CRUD core and the WebSocket transport
// into a running process with graceful shutdown.
//
// Startup Sequence:
//  1. Load and validate configuration from flags, environment and files
//  2. Configure structured logging
//  3. Load the YAML model declaration into a schema registry
//  4. Open the storage backend (CouchDB or embedded bbolt)
//  5. Connect the Redis broker when configured
//  6. Assemble the CRUD orchestrator and the WebSocket server
//  7. Serve until SIGINT/SIGTERM, then drain within the shutdown timeout
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"livedata.evalgo.org/broker"
	"livedata.evalgo.org/config"
	"livedata.evalgo.org/crud"
	"livedata.evalgo.org/schema"
	"livedata.evalgo.org/store"
	"livedata.evalgo.org/store/bolt"
	"livedata.evalgo.org/store/couch"
	"livedata.evalgo.org/transport"
)

// cfgFile holds the path to the configuration file specified via the
// --config flag. Empty means auto-discovery in the standard locations.
var cfgFile string

// RootCmd is the livedata entry command. Running it starts the server.
//
// Configuration precedence (highest to lowest):
//  1. Command-line flags
//  2. Environment variables (LIVEDATA_ prefix)
//  3. Configuration file values
//  4. Default values
var RootCmd = &cobra.Command{
	Use:   "livedata",
	Short: "realtime CRUD data layer with live change channels",
	Long: `Livedata Service

A realtime data layer between WebSocket clients and a document database:
- CRUD operations validated against a declarative model schema
- deterministic per-resource, per-field and per-view change channels
- coalesced reads through a single-flight resource cache
- pre/post authorization hooks per model
- Redis pub/sub fan-out across nodes

Configuration can be provided via command-line flags, environment variables
(LIVEDATA_ prefix), or YAML configuration files.`,
	RunE: runServer,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./config.yaml, ~/.livedata, /etc/livedata)")
	RootCmd.PersistentFlags().Int("port", 0, "server port")
	RootCmd.PersistentFlags().String("redis-url", "", "Redis connection URL")
	RootCmd.PersistentFlags().String("store-backend", "", "storage backend: couch or bolt")
	RootCmd.PersistentFlags().String("store-url", "", "CouchDB server URL")
	RootCmd.PersistentFlags().String("store-path", "", "bbolt database file")
	RootCmd.PersistentFlags().String("schema-file", "", "YAML model declaration")
	RootCmd.PersistentFlags().String("jwt-secret", "", "JWT verification secret")
}

// loadConfig resolves the effective configuration: file and environment
// first, then flag overrides on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig("LIVEDATA", cfgFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if port, _ := flags.GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}
	if v, _ := flags.GetString("redis-url"); v != "" {
		cfg.Redis.URL = v
	}
	if v, _ := flags.GetString("store-backend"); v != "" {
		cfg.Store.Backend = v
	}
	if v, _ := flags.GetString("store-url"); v != "" {
		cfg.Store.URL = v
	}
	if v, _ := flags.GetString("store-path"); v != "" {
		cfg.Store.Path = v
	}
	if v, _ := flags.GetString("schema-file"); v != "" {
		cfg.Data.SchemaFile = v
	}
	if v, _ := flags.GetString("jwt-secret"); v != "" {
		cfg.Security.JWTSecret = v
	}

	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig) *logrus.Entry {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if cfg.Output == "stderr" {
		logger.SetOutput(os.Stderr)
	}

	return logrus.NewEntry(logger)
}

// openStore opens the configured storage backend.
func openStore(cfg config.StoreConfig) (store.Adapter, error) {
	switch cfg.Backend {
	case "couch":
		adapter, err := couch.Open(cfg.BuildStoreURL(), cfg.Prefix)
		if err != nil {
			return nil, err
		}
		return adapter, nil
	case "bolt":
		adapter, err := bolt.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		return adapter, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %q", cfg.Backend)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("configuration failed: %w", err)
	}

	logger := newLogger(cfg.Logging)
	logger.WithFields(logrus.Fields{
		"backend": cfg.Store.Backend,
		"port":    cfg.Server.Port,
	}).Info("starting livedata service")

	declaration, err := schema.LoadDeclaration(cfg.Data.SchemaFile)
	if err != nil {
		return fmt.Errorf("failed to load schema: %w", err)
	}
	registry, err := declaration.Build()
	if err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}

	adapter, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer adapter.Close()

	var bus broker.Broker
	if cfg.Redis.URL != "" {
		redisBroker, err := broker.NewRedis(cfg.Redis.URL, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer redisBroker.Close()
		bus = redisBroker
	} else {
		logger.Warn("no Redis URL configured, running without change notifications")
	}

	orchestrator, err := crud.New(crud.Options{
		Registry:           registry,
		Store:              adapter,
		Broker:             bus,
		DefaultPageSize:    cfg.Data.PageSize,
		CacheDuration:      cfg.Cache.TTL,
		CacheDisabled:      cfg.Cache.Disabled,
		BlockPreByDefault:  cfg.Data.BlockPre,
		BlockPostByDefault: cfg.Data.BlockPost,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("failed to assemble CRUD core: %w", err)
	}

	var tokens *transport.TokenService
	if cfg.Security.JWTSecret != "" {
		tokens = transport.NewTokenService(cfg.Security.JWTSecret, cfg.Security.JWTExpiration)
	}

	server, err := transport.New(transport.Options{
		Orchestrator:          orchestrator,
		Registry:              registry,
		Broker:                bus,
		Tokens:                tokens,
		ServiceName:           cfg.Service.Name,
		Version:               cfg.Service.Version,
		AllowedOrigins:        cfg.Security.AllowedOrigins,
		RateLimit:             float64(cfg.Security.RateLimit),
		BlockInboundByDefault: cfg.Data.BlockInbound,
		Debug:                 cfg.Server.Debug,
		Logger:                logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(addr, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
