package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultEnvironment         = "local"
	defaultDataStoreDriver     = DataStoreFirestore
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultOIDCIssuer          = "https://accounts.google.com"
	defaultOrderEventsTopic    = "order-events"
	defaultUploadURLTTL        = 15 * time.Minute
	defaultMaxProofBytes       = 5 << 20
	defaultFingerprintCacheTTL = 24 * time.Hour
	defaultRateLimitPerWindow  = 20
	defaultRateLimitWindow     = time.Minute
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencyInterval = time.Hour
	defaultIdempotencyBatch    = 200
	defaultResolveConcurrency  = 8
	defaultNotifyTimeout       = 5 * time.Second
	defaultSecretsFallbackFile = ".secrets.local"
)

// Data store drivers accepted by API_DATASTORE_DRIVER.
const (
	DataStoreFirestore = "firestore"
	DataStoreMemory    = "memory"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server        ServerConfig
	DataStore     DataStoreConfig
	Firebase      FirebaseConfig
	Firestore     FirestoreConfig
	Redis         RedisConfig
	PubSub        PubSubConfig
	Storage       StorageConfig
	Security      SecurityConfig
	Idempotency   IdempotencyConfig
	RateLimits    RateLimitConfig
	Resolver      ResolverConfig
	Notifications NotificationConfig
	Secrets       SecretsConfig
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Environment  string
	Version      string
	CommitSHA    string
}

// DataStoreConfig picks the persistence backend. The memory driver is meant for local runs.
type DataStoreConfig struct {
	Driver string
}

// FirebaseConfig stores Firebase project settings used for auth and messaging.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// RedisConfig enables the fingerprint cache and the shared rate limiter when Addr is set.
type RedisConfig struct {
	Addr                string
	Password            string
	DB                  int
	FingerprintCacheTTL time.Duration
}

// PubSubConfig names the topic receiving order lifecycle events. Empty ProjectID disables publishing.
type PubSubConfig struct {
	ProjectID        string
	OrderEventsTopic string
}

// StorageConfig configures signed uploads of payment proofs.
type StorageConfig struct {
	PaymentProofBucket string
	SignerEmail        string
	SignerPrivateKey   string
	UploadURLTTL       time.Duration
	MaxProofBytes      int64
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	OIDC OIDCConfig
}

// OIDCConfig controls Google-signed token verification on internal routes.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// RateLimitConfig throttles order creation per device.
type RateLimitConfig struct {
	CreateOrderPerWindow int
	Window               time.Duration
}

// ResolverConfig tunes cart line resolution.
type ResolverConfig struct {
	AlternateVariants bool
	PriceFallback     bool
	Concurrency       int
}

// NotificationConfig controls push notifications on status changes.
type NotificationConfig struct {
	Enabled bool
	Timeout time.Duration
}

// SecretsConfig locates Secret Manager and the local fallback file.
type SecretsConfig struct {
	ProjectID    string
	FallbackFile string
}

// Load assembles the configuration from defaults, .env, environment variables and secret references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)

	lookup, err := options.lookup()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			Environment:  strings.ToLower(stringWithDefault(lookup, "API_ENVIRONMENT", defaultEnvironment)),
			Version:      stringWithDefault(lookup, "API_VERSION", "dev"),
			CommitSHA:    stringWithDefault(lookup, "API_COMMIT_SHA", ""),
		},
		DataStore: DataStoreConfig{
			Driver: strings.ToLower(stringWithDefault(lookup, "API_DATASTORE_DRIVER", defaultDataStoreDriver)),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Redis: RedisConfig{
			Addr:                stringWithDefault(lookup, "API_REDIS_ADDR", ""),
			Password:            stringWithDefault(lookup, "API_REDIS_PASSWORD", ""),
			DB:                  intWithDefault(lookup, "API_REDIS_DB", 0),
			FingerprintCacheTTL: durationWithDefault(lookup, "API_REDIS_FINGERPRINT_TTL", defaultFingerprintCacheTTL),
		},
		PubSub: PubSubConfig{
			ProjectID:        stringWithDefault(lookup, "API_PUBSUB_PROJECT_ID", ""),
			OrderEventsTopic: stringWithDefault(lookup, "API_PUBSUB_ORDER_TOPIC", defaultOrderEventsTopic),
		},
		Storage: StorageConfig{
			PaymentProofBucket: stringWithDefault(lookup, "API_STORAGE_PROOF_BUCKET", ""),
			SignerEmail:        stringWithDefault(lookup, "API_STORAGE_SIGNER_EMAIL", ""),
			SignerPrivateKey:   stringWithDefault(lookup, "API_STORAGE_SIGNER_KEY", ""),
			UploadURLTTL:       durationWithDefault(lookup, "API_STORAGE_UPLOAD_TTL", defaultUploadURLTTL),
			MaxProofBytes:      int64(intWithDefault(lookup, "API_STORAGE_MAX_PROOF_BYTES", defaultMaxProofBytes)),
		},
		Security: SecurityConfig{
			OIDC: OIDCConfig{
				JWKSURL:   stringWithDefault(lookup, "API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  stringWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: mapWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCES"),
				Issuers:   csvWithDefault(lookup, "API_SECURITY_OIDC_ISSUERS"),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatch),
		},
		RateLimits: RateLimitConfig{
			CreateOrderPerWindow: intWithDefault(lookup, "API_RATELIMIT_CREATE_ORDER", defaultRateLimitPerWindow),
			Window:               durationWithDefault(lookup, "API_RATELIMIT_WINDOW", defaultRateLimitWindow),
		},
		Resolver: ResolverConfig{
			AlternateVariants: boolWithDefault(lookup, "API_RESOLVER_ALTERNATE_VARIANTS", true),
			PriceFallback:     boolWithDefault(lookup, "API_RESOLVER_PRICE_FALLBACK", true),
			Concurrency:       intWithDefault(lookup, "API_RESOLVER_CONCURRENCY", defaultResolveConcurrency),
		},
		Notifications: NotificationConfig{
			Enabled: boolWithDefault(lookup, "API_NOTIFICATIONS_ENABLED", true),
			Timeout: durationWithDefault(lookup, "API_NOTIFICATIONS_TIMEOUT", defaultNotifyTimeout),
		},
		Secrets: SecretsConfig{
			ProjectID:    stringWithDefault(lookup, "API_SECRETS_PROJECT_ID", ""),
			FallbackFile: stringWithDefault(lookup, "API_SECRETS_FALLBACK_FILE", defaultSecretsFallbackFile),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Secrets.ProjectID == "" {
		cfg.Secrets.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultOIDCIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		if audience, ok := cfg.Security.OIDC.Audiences[cfg.Server.Environment]; ok {
			cfg.Security.OIDC.Audience = audience
		}
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Redis.Password", &cfg.Redis.Password},
		{"Storage.SignerPrivateKey", &cfg.Storage.SignerPrivateKey},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

func validateConfig(cfg Config) error {
	var invalid []string
	check := func(ok bool, field string) {
		if !ok {
			invalid = append(invalid, field)
		}
	}

	check(cfg.Server.Port != "", "Server.Port")
	check(cfg.DataStore.Driver == DataStoreFirestore || cfg.DataStore.Driver == DataStoreMemory, "DataStore.Driver")
	if cfg.DataStore.Driver == DataStoreFirestore {
		check(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	}
	check(strings.TrimSpace(cfg.Idempotency.Header) != "", "Idempotency.Header")
	check(cfg.Idempotency.TTL > 0, "Idempotency.TTL")
	check(cfg.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	check(cfg.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")
	check(cfg.RateLimits.CreateOrderPerWindow > 0, "RateLimits.CreateOrderPerWindow")
	check(cfg.RateLimits.Window > 0, "RateLimits.Window")
	check(cfg.Resolver.Concurrency > 0, "Resolver.Concurrency")
	check(cfg.Storage.MaxProofBytes > 0, "Storage.MaxProofBytes")
	if cfg.Storage.PaymentProofBucket != "" {
		check(cfg.Storage.SignerEmail != "", "Storage.SignerEmail")
		check(cfg.Storage.SignerPrivateKey != "", "Storage.SignerPrivateKey")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}
