package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bodegapos/backend/internal/auth"
	"github.com/bodegapos/backend/internal/compaction"
	"github.com/bodegapos/backend/internal/config"
	"github.com/bodegapos/backend/internal/conflict"
	"github.com/bodegapos/backend/internal/database"
	"github.com/bodegapos/backend/internal/identity"
	"github.com/bodegapos/backend/internal/ingest"
	"github.com/bodegapos/backend/internal/logging"
	"github.com/bodegapos/backend/internal/outbox"
	"github.com/bodegapos/backend/internal/readmodel"
	"github.com/bodegapos/backend/internal/relay"
	"github.com/bodegapos/backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	tokenIssuerName   = "bodega-sync"
	tokenAudienceName = "bodega-devices"

	alertCacheSize   = 1024
	alertCacheWindow = 15 * time.Minute
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bodega-syncd",
		Short: "Offline-first sync daemon for bodega point-of-sale registers",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
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
	cmd.PersistentFlags().String("signing-secret", "", "Device token signing secret (overrides env)")
	cmd.PersistentFlags().String("enrollment-key", "", "Shared key new devices present to enroll")
	cmd.PersistentFlags().String("worker-id", defaults.GetString("sync.worker_id"), "Outbox worker identity for claim bookkeeping")
	cmd.PersistentFlags().String("relay-endpoint", defaults.GetString("sync.relay_endpoint"), "Peer push URL events are relayed to")
	cmd.PersistentFlags().String("relay-token", "", "Bearer token for the relay peer (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.enrollment_key", "enrollment-key")
	bindFlag(cmd, "sync.worker_id", "worker-id")
	bindFlag(cmd, "sync.relay_endpoint", "relay-endpoint")
	bindFlag(cmd, "sync.relay_token", "relay-token")
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

func runDaemon(ctx context.Context) error {
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

	idProvider := identity.NewUUIDProvider()

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningKey),
		Issuer:        tokenIssuerName,
		Audience:      tokenAudienceName,
	})
	if err != nil {
		return err
	}

	outboxWriter, err := outbox.NewWriter(outbox.WriterConfig{IDProvider: idProvider})
	if err != nil {
		return err
	}

	readModel, err := readmodel.NewEngine(readmodel.EngineConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	conflicts, err := conflict.NewService(conflict.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Outbox:     outboxWriter,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ingestService, err := ingest.NewService(ingest.ServiceConfig{
		Database:  db,
		Conflicts: conflicts,
		Outbox:    outboxWriter,
		Sessions:  readModel,
		Prices:    readModel,
		Alerts:    ingest.NewAlertCache(alertCacheSize, alertCacheWindow),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	var relayQueue outbox.RelayQueue
	if appConfig.RelayEndpoint != "" {
		relayClient, err := relay.NewClient(relay.ClientConfig{
			Endpoint:  appConfig.RelayEndpoint,
			AuthToken: appConfig.RelayToken,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		relayQueue = relayClient
	}

	workerID := appConfig.WorkerID
	if workerID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "bodega-syncd"
		}
		workerID = hostname
	}

	dispatcher, err := outbox.NewDispatcher(outbox.DispatcherConfig{
		Database:   db,
		Projection: readModel,
		Relay:      relayQueue,
		WorkerID:   workerID,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	healer, err := outbox.NewHealer(outbox.HealerConfig{
		Database:   db,
		Projection: readModel,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	compactor, err := compaction.NewCompactor(compaction.CompactorConfig{
		Database:   db,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	verifier, err := compaction.NewVerifier(compaction.VerifierConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:  tokenManager,
		EnrollmentKey: appConfig.EnrollmentKey,
		IngestService: ingestService,
		Conflicts:     conflicts,
		Snapshots:     compactor,
		Gaps:          healer,
		Drift:         verifier,
		Logger:        logger,
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

	workerCtx, cancelWorkers := context.WithCancel(signalCtx)
	defer cancelWorkers()

	go dispatcher.Run(workerCtx, appConfig.DispatchInterval)
	go healer.Run(workerCtx, appConfig.HealInterval)
	go compactor.Run(workerCtx, appConfig.CompactInterval)
	go verifier.Run(workerCtx, appConfig.VerifyInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("sync daemon starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("worker_id", workerID))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		cancelWorkers()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
