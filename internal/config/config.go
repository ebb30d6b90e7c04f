package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "HELPERHIVE"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "helperhive.db"
	defaultLogLevel           = "info"
	defaultStoreBackend       = StoreBackendSQLite
	defaultMongoDatabase      = "helperhive"
	defaultFederatedProvider  = FederatedGoogle
	defaultGenerationProvider = "none"
	defaultTokenTTLMinutes    = 720
	defaultSessionIdleMinutes = 30
	defaultGenerationTimeout  = 30
	defaultBannerTTLSeconds   = 6
	defaultMaxInlineBytes     = 1 << 20
	defaultHeartbeatSeconds   = 25
	defaultTokenIssuer        = "helperhive-api"
	defaultTokenAudience      = "helperhive-web"
)

// Store backends.
const (
	StoreBackendSQLite    = "sqlite"
	StoreBackendFirestore = "firestore"
	StoreBackendMongo     = "mongo"
)

// Federated identity providers.
const (
	FederatedGoogle   = "google"
	FederatedFirebase = "firebase"
	FederatedNone     = "none"
)

var generationProviders = map[string]struct{}{
	"none":      {},
	"openai":    {},
	"gemini":    {},
	"anthropic": {},
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	LogLevel       string

	DatabasePath  string
	StoreBackend  string
	MongoURI      string
	MongoDatabase string

	FirebaseProjectID       string
	FirebaseCredentialsFile string

	SigningSecret     string
	TokenIssuer       string
	TokenAudience     string
	TokenTTL          time.Duration
	SessionIdle       time.Duration
	FederatedProvider string
	GoogleClientID    string
	GoogleJWKSURL     string

	GenerationProvider string
	GenerationAPIKey   string
	GenerationModel    string
	GenerationBaseURL  string
	GenerationTimeout  time.Duration

	BannerTTL           time.Duration
	MaxInlineImageBytes int
	HeartbeatInterval   time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("store.backend", defaultStoreBackend)
	configViper.SetDefault("mongo.database", defaultMongoDatabase)
	configViper.SetDefault("auth.token_issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.token_audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("auth.session_idle_minutes", defaultSessionIdleMinutes)
	configViper.SetDefault("auth.federated", defaultFederatedProvider)
	configViper.SetDefault("generation.provider", defaultGenerationProvider)
	configViper.SetDefault("generation.timeout_seconds", defaultGenerationTimeout)
	configViper.SetDefault("ui.banner_ttl_seconds", defaultBannerTTLSeconds)
	configViper.SetDefault("images.max_inline_bytes", defaultMaxInlineBytes)
	configViper.SetDefault("sse.heartbeat_seconds", defaultHeartbeatSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		LogLevel:       configViper.GetString("log.level"),

		DatabasePath:  configViper.GetString("database.path"),
		StoreBackend:  strings.ToLower(strings.TrimSpace(configViper.GetString("store.backend"))),
		MongoURI:      configViper.GetString("mongo.uri"),
		MongoDatabase: configViper.GetString("mongo.database"),

		FirebaseProjectID:       configViper.GetString("firebase.project_id"),
		FirebaseCredentialsFile: configViper.GetString("firebase.credentials_file"),

		SigningSecret:     configViper.GetString("auth.signing_secret"),
		TokenIssuer:       configViper.GetString("auth.token_issuer"),
		TokenAudience:     configViper.GetString("auth.token_audience"),
		TokenTTL:          time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		SessionIdle:       time.Duration(configViper.GetInt("auth.session_idle_minutes")) * time.Minute,
		FederatedProvider: strings.ToLower(strings.TrimSpace(configViper.GetString("auth.federated"))),
		GoogleClientID:    configViper.GetString("google.client_id"),
		GoogleJWKSURL:     configViper.GetString("google.jwks_url"),

		GenerationProvider: strings.ToLower(strings.TrimSpace(configViper.GetString("generation.provider"))),
		GenerationAPIKey:   configViper.GetString("generation.api_key"),
		GenerationModel:    configViper.GetString("generation.model"),
		GenerationBaseURL:  configViper.GetString("generation.base_url"),
		GenerationTimeout:  time.Duration(configViper.GetInt("generation.timeout_seconds")) * time.Second,

		BannerTTL:           time.Duration(configViper.GetInt("ui.banner_ttl_seconds")) * time.Second,
		MaxInlineImageBytes: configViper.GetInt("images.max_inline_bytes"),
		HeartbeatInterval:   time.Duration(configViper.GetInt("sse.heartbeat_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// NeedsFirebase reports whether any component is backed by the Firebase admin SDK.
func (c AppConfig) NeedsFirebase() bool {
	return c.StoreBackend == StoreBackendFirestore || c.FederatedProvider == FederatedFirebase
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.SessionIdle <= 0 {
		return fmt.Errorf("auth.session_idle_minutes must be positive")
	}
	switch c.StoreBackend {
	case StoreBackendSQLite:
	case StoreBackendFirestore:
		if strings.TrimSpace(c.FirebaseProjectID) == "" {
			return fmt.Errorf("firebase.project_id is required for the firestore backend")
		}
	case StoreBackendMongo:
		if strings.TrimSpace(c.MongoURI) == "" {
			return fmt.Errorf("mongo.uri is required for the mongo backend")
		}
	default:
		return fmt.Errorf("store.backend %q is not supported", c.StoreBackend)
	}
	switch c.FederatedProvider {
	case FederatedNone:
	case FederatedGoogle:
		if strings.TrimSpace(c.GoogleClientID) == "" {
			return fmt.Errorf("google.client_id is required for google sign-in")
		}
	case FederatedFirebase:
		if strings.TrimSpace(c.FirebaseProjectID) == "" {
			return fmt.Errorf("firebase.project_id is required for firebase sign-in")
		}
	default:
		return fmt.Errorf("auth.federated %q is not supported", c.FederatedProvider)
	}
	if _, ok := generationProviders[c.GenerationProvider]; !ok {
		return fmt.Errorf("generation.provider %q is not supported", c.GenerationProvider)
	}
	if c.GenerationProvider != "none" && strings.TrimSpace(c.GenerationAPIKey) == "" {
		return fmt.Errorf("generation.api_key is required for provider %s", c.GenerationProvider)
	}
	if c.MaxInlineImageBytes <= 0 {
		return fmt.Errorf("images.max_inline_bytes must be positive")
	}
	return nil
}
