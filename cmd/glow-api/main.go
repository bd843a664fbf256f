package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/glowcity/glow/backend/internal/auth"
	"github.com/glowcity/glow/backend/internal/beacon"
	"github.com/glowcity/glow/backend/internal/config"
	"github.com/glowcity/glow/backend/internal/consent"
	"github.com/glowcity/glow/backend/internal/database"
	"github.com/glowcity/glow/backend/internal/gate"
	"github.com/glowcity/glow/backend/internal/heat"
	"github.com/glowcity/glow/backend/internal/identity"
	"github.com/glowcity/glow/backend/internal/logging"
	"github.com/glowcity/glow/backend/internal/scan"
	"github.com/glowcity/glow/backend/internal/server"
	"github.com/glowcity/glow/backend/internal/token"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "glow-api",
		Short: "Glow beacon resolution and presence service",
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
	cmd.PersistentFlags().String("payload-secret", "", "Signed payload secret (overrides env)")
	cmd.PersistentFlags().String("guest-hash-secret", "", "Guest cookie hash secret (overrides env)")
	cmd.PersistentFlags().String("auth-signing-secret", "", "Bearer token signing secret (overrides env)")
	cmd.PersistentFlags().Int("heat-k", defaults.GetInt("heat.k_heat"), "Distinct-actor threshold for heat cells")
	cmd.PersistentFlags().Int("trail-k", defaults.GetInt("heat.k_trail"), "Distinct-actor threshold for trail cells")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "payload.secret", "payload-secret")
	bindFlag(cmd, "guest.hash_secret", "guest-hash-secret")
	bindFlag(cmd, "auth.signing_secret", "auth-signing-secret")
	bindFlag(cmd, "heat.k_heat", "heat-k")
	bindFlag(cmd, "heat.k_trail", "trail-k")
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

	tokenService, err := auth.NewTokenService(auth.TokenServiceConfig{
		SigningSecret: []byte(appConfig.AuthSigningKey),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
	})
	if err != nil {
		return err
	}

	resolver, err := identity.NewResolver(identity.ResolverConfig{
		Verifier:   tokenService,
		HashSecret: []byte(appConfig.GuestHashSecret),
		IDProvider: identity.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	codec, err := token.NewCodec(token.CodecConfig{
		Secret: []byte(appConfig.PayloadSecret),
	})
	if err != nil {
		return err
	}
	replayCache := token.NewReplayCache(appConfig.ReplayTTL)
	defer replayCache.Stop()

	registry, err := beacon.NewRegistry(beacon.RegistryConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	consentStore, err := consent.NewStore(consent.StoreConfig{
		Database:  db,
		AnswerTTL: appConfig.ConsentTTL,
	})
	if err != nil {
		return err
	}
	defer consentStore.Stop()

	aggregator, err := heat.NewAggregator(heat.AggregatorConfig{
		Database:        db,
		CellSizeDegrees: appConfig.HeatCellSizeDegrees,
		Bucket:          appConfig.HeatBucket,
		PublishDelay:    appConfig.HeatPublishDelay,
		KHeat:           appConfig.HeatK,
		KTrail:          appConfig.TrailK,
		QueueSize:       appConfig.AggregatorQueueSize,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	defer aggregator.Close()

	pipeline, err := gate.NewPipeline(gate.PipelineConfig{
		Beacons: registry,
		Consent: consentStore,
		Replay:  replayCache,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	ledger, err := scan.NewLedger(scan.LedgerConfig{
		Database:   db,
		Beacons:    registry,
		Aggregator: aggregator,
		IDs:        identity.NewUUIDProvider(),
		XPBucket:   appConfig.XPBucket,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Resolver:        resolver,
		Pipeline:        pipeline,
		Ledger:          ledger,
		Codec:           codec,
		Heat:            aggregator,
		GuestCookieName: appConfig.GuestCookieName,
		GuestCookieTTL:  appConfig.GuestCookieTTL,
		Logger:          logger,
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
