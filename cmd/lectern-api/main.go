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

	"github.com/lecternlabs/lectern/internal/auth"
	"github.com/lecternlabs/lectern/internal/config"
	"github.com/lecternlabs/lectern/internal/database"
	"github.com/lecternlabs/lectern/internal/devices"
	"github.com/lecternlabs/lectern/internal/history"
	"github.com/lecternlabs/lectern/internal/logging"
	"github.com/lecternlabs/lectern/internal/notes"
	"github.com/lecternlabs/lectern/internal/plans"
	"github.com/lecternlabs/lectern/internal/scripture"
	"github.com/lecternlabs/lectern/internal/scrolllink"
	"github.com/lecternlabs/lectern/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lectern-api",
		Short: "Lectern scripture study backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newImportCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("apple-bundle-id", defaults.GetString("apple.bundle_id"), "Apple app bundle identifier")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("plans-dir", defaults.GetString("plans.dir"), "Reading plan catalog directory")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Optional rotating log file path")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "apple.bundle_id", "apple-bundle-id")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "plans.dir", "plans-dir")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
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

func newImportCommand() *cobra.Command {
	var (
		kindFlag string
		workers  int
	)
	cmd := &cobra.Command{
		Use:   "import [files...]",
		Short: "Load translation, cross-reference, topic, or lexicon files into the store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), kindFlag, workers, args)
		},
	}
	cmd.Flags().StringVar(&kindFlag, "kind", string(scripture.ImportKindTranslation), "File kind: translation, crossrefs, topics, lexicon")
	cmd.Flags().IntVar(&workers, "workers", 0, "Concurrent parser count (0 uses the default)")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLoggerWithFile(appConfig.LogLevel, logging.FileSink{
		Path:       appConfig.LogFile,
		MaxSizeMB:  appConfig.LogMaxSizeMB,
		MaxBackups: appConfig.LogMaxBackups,
		MaxAgeDays: appConfig.LogMaxAgeDays,
		Compress:   appConfig.LogCompress,
	})
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

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningKey),
		Issuer:        "lectern-auth",
		Audience:      "lectern-api",
		TokenTTL:      appConfig.AuthTokenTTL,
	})

	appleVerifier, err := auth.NewAppleVerifier(auth.AppleVerifierConfig{
		Audience: appConfig.AppleBundleID,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()

	notesService, err := notes.NewService(notes.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: notes.NewUUIDProvider(),
		Logger:     logger,
		LockTTL:    appConfig.NoteLockTTL,
		Events:     server.NotePublisher(dispatcher),
	})
	if err != nil {
		return err
	}

	editManager, err := notes.NewEditManager(notes.EditManagerConfig{
		Service:      notesService,
		Clock:        time.Now,
		Logger:       logger,
		SaveDebounce: appConfig.NoteSaveDebounce,
		SavedHold:    appConfig.NoteSavedHold,
		LockRefresh:  appConfig.NoteLockRefresh,
		Events:       server.NotePublisher(dispatcher),
	})
	if err != nil {
		return err
	}

	scriptureService, err := scripture.NewService(scripture.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	deviceRegistry, err := devices.NewService(devices.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	planLibrary, err := plans.NewLibrary(appConfig.PlansDir, logger)
	if err != nil {
		return err
	}
	defer planLibrary.Close() //nolint:errcheck
	if err := planLibrary.Watch(); err != nil {
		logger.Warn("plan watcher unavailable", zap.Error(err))
	}

	planTracker, err := plans.NewTracker(plans.TrackerConfig{
		Database: db,
		Library:  planLibrary,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	linkCoordinator := scrolllink.NewCoordinator(scrolllink.Config{
		Quiescence: appConfig.LinkQuiescence,
		Settle:     appConfig.LinkSettle,
		TopBand:    appConfig.LinkTopBand,
		Logger:     logger,
		Publish:    server.LinkPublisher(dispatcher),
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		AppleVerifier:   appleVerifier,
		TokenManager:    tokenManager,
		NotesService:    notesService,
		EditManager:     editManager,
		Preview:         notes.NewPreviewRenderer(),
		Scripture:       scriptureService,
		PlanLibrary:     planLibrary,
		PlanTracker:     planTracker,
		Devices:         deviceRegistry,
		History:         history.NewManager(),
		LinkCoordinator: linkCoordinator,
		Dispatcher:      dispatcher,
		CORSOrigins:     appConfig.CORSOrigins,
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
		// Flush pending drafts and release held locks before the listener
		// stops accepting requests.
		editManager.CloseAll(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runImport reads only the storage and logging settings so a data load does
// not demand auth configuration.
func runImport(ctx context.Context, kindFlag string, workers int, paths []string) error {
	kind, err := scripture.ParseImportKind(kindFlag)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(viper.GetString("log.level"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(viper.GetString("database.path"), logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	importer, err := scripture.NewImporter(scripture.ImporterConfig{
		Database:     db,
		Clock:        time.Now,
		Logger:       logger,
		ParseWorkers: workers,
	})
	if err != nil {
		return err
	}

	summary, err := importer.ImportFiles(ctx, kind, paths)
	if err != nil {
		return err
	}
	logger.Info("import complete",
		zap.String("kind", string(kind)),
		zap.Int("files", summary.Files),
		zap.Int64("rows", summary.Rows))
	return nil
}
