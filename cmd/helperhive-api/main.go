package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/config"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/database"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/firebaseapp"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/generation"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/server"
	"github.com/MarcoPoloResearchLab/helperhive/backend/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	shutdownTimeout = 10 * time.Second
	reapInterval    = time.Minute
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "helperhive-api",
		Short: "HelperHive community board backend",
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
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("http.allowed_origins"), "CORS allowed origins")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("store-backend", defaults.GetString("store.backend"), "Document store backend (sqlite, firestore, mongo)")
	cmd.PersistentFlags().String("mongo-uri", "", "MongoDB connection URI")
	cmd.PersistentFlags().String("firebase-project-id", "", "Firebase project ID")
	cmd.PersistentFlags().String("firebase-credentials-file", "", "Firebase service account JSON file")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("federated-provider", defaults.GetString("auth.federated"), "Federated sign-in verifier (google, firebase, none)")
	cmd.PersistentFlags().String("google-client-id", defaults.GetString("google.client_id"), "Google OAuth client ID")
	cmd.PersistentFlags().String("google-jwks-url", defaults.GetString("google.jwks_url"), "Google JWKS URL")
	cmd.PersistentFlags().String("generation-provider", defaults.GetString("generation.provider"), "Content generation provider (none, openai, gemini, anthropic)")
	cmd.PersistentFlags().String("generation-model", "", "Content generation model")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "store.backend", "store-backend")
	bindFlag(cmd, "mongo.uri", "mongo-uri")
	bindFlag(cmd, "firebase.project_id", "firebase-project-id")
	bindFlag(cmd, "firebase.credentials_file", "firebase-credentials-file")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "auth.federated", "federated-provider")
	bindFlag(cmd, "google.client_id", "google-client-id")
	bindFlag(cmd, "google.jwks_url", "google-jwks-url")
	bindFlag(cmd, "generation.provider", "generation-provider")
	bindFlag(cmd, "generation.model", "generation-model")
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

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	var firebaseApp *firebaseapp.App
	if appConfig.NeedsFirebase() {
		firebaseApp, err = firebaseapp.New(signalCtx, firebaseapp.Config{
			ProjectID:       appConfig.FirebaseProjectID,
			CredentialsFile: appConfig.FirebaseCredentialsFile,
		})
		if err != nil {
			return err
		}
	}

	documentStore, closeStore, err := openStore(signalCtx, appConfig, db, firebaseApp, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	verifier, err := newFederatedVerifier(signalCtx, appConfig, firebaseApp, logger)
	if err != nil {
		return err
	}

	directory, err := identity.NewDirectory(identity.DirectoryConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}
	identityProvider, err := identity.NewProvider(identity.ProviderConfig{
		Directory: directory,
		Verifier:  verifier,
		Profiles:  documentStore,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	completer, err := generation.NewCompleter(signalCtx, generation.ProviderConfig{
		Provider: appConfig.GenerationProvider,
		APIKey:   appConfig.GenerationAPIKey,
		Model:    appConfig.GenerationModel,
		BaseURL:  appConfig.GenerationBaseURL,
	})
	if err != nil {
		return err
	}
	contentClient := generation.NewClient(generation.ClientConfig{
		Completer: completer,
		Timeout:   appConfig.GenerationTimeout,
		Logger:    logger,
	})

	registry, err := server.NewRegistry(server.RegistryConfig{
		Identity:    identityProvider,
		Store:       documentStore,
		Generator:   contentClient,
		BannerTTL:   appConfig.BannerTTL,
		IdleTimeout: appConfig.SessionIdle,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:            registry,
		TokenManager:        tokenManager,
		Content:             contentClient,
		AllowedOrigins:      appConfig.AllowedOrigins,
		MaxInlineImageBytes: appConfig.MaxInlineImageBytes,
		HeartbeatInterval:   appConfig.HeartbeatInterval,
		Logger:              logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return registry.Run(groupCtx, reapInterval)
	})
	group.Go(func() error {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("store_backend", appConfig.StoreBackend),
			zap.String("generation_provider", appConfig.GenerationProvider),
		)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

// openStore builds the configured document store and returns a function releasing it.
func openStore(ctx context.Context, appConfig config.AppConfig, db *gorm.DB, firebaseApp *firebaseapp.App, logger *zap.Logger) (store.Store, func(), error) {
	switch appConfig.StoreBackend {
	case config.StoreBackendFirestore:
		client, err := firebaseApp.Firestore(ctx)
		if err != nil {
			return nil, nil, err
		}
		firestoreStore, err := store.NewFirestoreStore(store.FirestoreConfig{Client: client, Logger: logger})
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return firestoreStore, func() {
			firestoreStore.Close() //nolint:errcheck
			client.Close()         //nolint:errcheck
		}, nil
	case config.StoreBackendMongo:
		mongoStore, err := store.NewMongoStore(ctx, store.MongoConfig{
			URI:      appConfig.MongoURI,
			Database: appConfig.MongoDatabase,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return mongoStore, func() { mongoStore.Close() }, nil //nolint:errcheck
	case config.StoreBackendSQLite:
		sqlStore, err := store.NewSQLStore(store.SQLConfig{
			Database:   db,
			IDProvider: store.NewUUIDProvider(),
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return sqlStore, func() { sqlStore.Close() }, nil //nolint:errcheck
	default:
		return nil, nil, fmt.Errorf("unsupported store backend %q", appConfig.StoreBackend)
	}
}

// newFederatedVerifier returns nil when federated sign-in is disabled.
func newFederatedVerifier(ctx context.Context, appConfig config.AppConfig, firebaseApp *firebaseapp.App, logger *zap.Logger) (identity.FederatedVerifier, error) {
	switch appConfig.FederatedProvider {
	case config.FederatedGoogle:
		return auth.NewGoogleVerifier(auth.GoogleVerifierConfig{
			Audience:       appConfig.GoogleClientID,
			JWKSURL:        appConfig.GoogleJWKSURL,
			AllowedIssuers: []string{"https://accounts.google.com", "accounts.google.com"},
			Logger:         logger,
		})
	case config.FederatedFirebase:
		client, err := firebaseApp.Auth(ctx)
		if err != nil {
			return nil, err
		}
		return auth.NewFirebaseVerifier(client, logger)
	default:
		return nil, nil
	}
}
