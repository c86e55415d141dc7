package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/khatahub/khata/backend/internal/auth"
	"github.com/khatahub/khata/backend/internal/business"
	"github.com/khatahub/khata/backend/internal/config"
	"github.com/khatahub/khata/backend/internal/database"
	"github.com/khatahub/khata/backend/internal/logging"
	"github.com/khatahub/khata/backend/internal/server"
	"github.com/khatahub/khata/backend/internal/sync"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "khata-api",
		Short: "Khata multi-device sync backend service",
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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().String("session-issuer", defaults.GetString("auth.session_issuer"), "Expected issuer of owner session tokens")
	cmd.PersistentFlags().Int("max-devices", defaults.GetInt("sync.max_devices"), "Default active-device cap per business")
	cmd.PersistentFlags().Duration("pairing-token-ttl", defaults.GetDuration("sync.pairing_token_ttl"), "Pairing token time to live")
	cmd.PersistentFlags().Duration("device-token-ttl", defaults.GetDuration("sync.device_token_ttl"), "Device access token time to live")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.session_issuer", "session-issuer")
	bindFlag(cmd, "sync.max_devices", "max-devices")
	bindFlag(cmd, "sync.pairing_token_ttl", "pairing-token-ttl")
	bindFlag(cmd, "sync.device_token_ttl", "device-token-ttl")
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

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "khata-api",
		Audience:      "khata-sync",
		TokenTTL:      appConfig.DeviceTokenTTL,
	})

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.SessionIssuer,
	})
	if err != nil {
		return err
	}

	businessService, err := business.NewService(business.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	registry, err := sync.NewRegistry(sync.RegistryConfig{
		Database:   db,
		Limits:     businessService,
		MaxDevices: appConfig.MaxDevices,
		TokenTTL:   appConfig.PairingTokenTTL,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	syncService, err := sync.NewService(sync.ServiceConfig{
		Database: db,
		Registry: registry,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		TokenIssuer:      tokenIssuer,
		SyncService:      syncService,
		Registry:         registry,
		Logger:           logger,
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
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
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
