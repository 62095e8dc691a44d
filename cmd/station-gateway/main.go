package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/respondware/station/internal/auth"
	"github.com/respondware/station/internal/cache"
	"github.com/respondware/station/internal/chat"
	"github.com/respondware/station/internal/config"
	"github.com/respondware/station/internal/database"
	"github.com/respondware/station/internal/gateway"
	"github.com/respondware/station/internal/identity"
	"github.com/respondware/station/internal/logging"
	"github.com/respondware/station/internal/server"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "station-gateway",
		Short: "Station realtime messaging gateway",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL for the listing cache and fan-out bridge (optional)")
	cmd.PersistentFlags().Duration("token-ttl", defaults.GetDuration("token.ttl"), "Session token TTL")
	cmd.PersistentFlags().Duration("cache-ttl", defaults.GetDuration("cache.ttl"), "Listing cache TTL backstop")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("max-content-size", defaults.GetInt("message.max_content_size"), "Maximum message content length after sanitization")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "token.ttl", "token-ttl")
	bindFlag(cmd, "cache.ttl", "cache-ttl")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "message.max_content_size", "max-content-size")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	identityService, err := identity.NewService(identity.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	chatStore, err := chat.NewStore(chat.StoreConfig{Database: db})
	if err != nil {
		return err
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "station-auth",
		Audience:      "station-gateway",
		TokenTTL:      appConfig.TokenTTL,
	})

	var listingCache *cache.ListingCache
	var bridge gateway.Bridge
	instanceID := "station-" + uuid.NewString()
	if appConfig.RedisURL != "" {
		redisBackend, err := cache.NewRedisBackend(ctx, appConfig.RedisURL)
		if err != nil {
			return err
		}
		defer redisBackend.Close()

		listingCache, err = cache.NewListingCache(cache.ListingCacheConfig{
			Backend: redisBackend,
			PageTTL: appConfig.CacheTTL,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		bridge = gateway.NewRedisBridge(redisBackend.Client(), logger)
	} else {
		logger.Warn("redis not configured; listing cache disabled and fan-out limited to this instance")
	}

	hub, err := gateway.NewHub(gateway.HubConfig{
		InstanceID: instanceID,
		Bridge:     bridge,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer hub.Close() //nolint:errcheck

	socketGateway, err := gateway.NewGateway(gateway.Config{
		Identity:  identityService,
		Store:     chatStore,
		Hub:       hub,
		Presence:  gateway.NewPresence(nil),
		Sanitizer: gateway.NewStripSanitizer(appConfig.MaxContentSize),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:   tokenIssuer,
		Identity: identityService,
		Store:    chatStore,
		Cache:    listingCache,
		Gateway:  socketGateway,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("instance", instanceID))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
