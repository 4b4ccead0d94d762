package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	defaultEnvFile = ".env"

	defaultPort               = "8080"
	defaultReadTimeout        = 15 * time.Second
	defaultWriteTimeout       = 30 * time.Second
	defaultIdleTimeout        = 120 * time.Second
	defaultCheckoutRate       = 10
	defaultCheckoutRateWindow = time.Minute

	defaultSecurityEnvironment = "local"
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer      = "https://accounts.google.com"
	defaultSecurityIAPIssuer   = "https://cloud.google.com/iap"

	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = 15 * time.Minute
	defaultIdempotencyBatchSize = 200

	defaultPubSubOrderEventsTopic   = "order-events"
	defaultPubSubNotificationsTopic = "notifications"
	defaultPubSubCartCommandsTopic  = "cart-commands"

	defaultStripeWebhookTolerance = 5 * time.Minute

	defaultCancelGraceWindow     = 30 * time.Minute
	defaultMinDeliveryDelay      = 72 * time.Hour
	defaultAutoDeliverAfter      = 14 * 24 * time.Hour
	defaultApprovalTTL           = 72 * time.Hour
	defaultRequiredApprovals     = 1
	defaultMaxConcurrencyRetries = 5

	defaultJobInterval    = 30 * time.Second
	defaultJobLease       = 2 * time.Minute
	defaultJobBatchSize   = 25
	defaultJobMaxAttempts = 8
	defaultJobRetryDelay  = 30 * time.Second
)

// Backend names accepted by Datastore.Backend and Datastore.Ledger.
const (
	BackendFirestore = "firestore"
	BackendRedis     = "redis"
	BackendMemory    = "memory"
)

// Config captures runtime configuration for the orderflow API service.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Datastore   DatastoreConfig
	Redis       RedisConfig
	PubSub      PubSubConfig
	Storage     StorageConfig
	PSP         PSPConfig
	Lifecycle   LifecycleConfig
	Jobs        JobsConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

// ServerConfig controls HTTP server behaviour.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// CheckoutRateLimit caps order creations per user within CheckoutRateWindow; zero disables it.
	CheckoutRateLimit  int
	CheckoutRateWindow time.Duration
}

// FirebaseConfig stores Firebase project identifiers.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig configures Firestore access.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// DatastoreConfig selects where orders and the stock ledger live.
type DatastoreConfig struct {
	Backend string
	Ledger  string
}

// RedisConfig configures the Redis stock ledger.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// PubSubConfig names the topics the lifecycle engine publishes to after commit.
type PubSubConfig struct {
	ProjectID          string
	OrderEventsTopic   string
	NotificationsTopic string
	CartCommandsTopic  string
}

// StorageConfig holds Cloud Storage buckets.
type StorageConfig struct {
	WebhookArchiveBucket string
}

// PSPConfig stores payment provider credentials.
type PSPConfig struct {
	DefaultProvider        string
	StripeAPIKey           string
	StripeWebhookSecret    string
	StripeWebhookTolerance time.Duration
	// SignedSecrets maps provider names to HMAC secrets for signed-JSON providers.
	SignedSecrets map[string]string
	// CurrencyRoutes pins ISO currencies to a provider, e.g. "JPY=acme".
	CurrencyRoutes map[string]string
}

// LifecycleConfig holds the business policy used by transition guards and automatic transitions.
type LifecycleConfig struct {
	CancelGraceWindow     time.Duration
	MinDeliveryDelay      time.Duration
	AutoDeliverAfter      time.Duration
	ApprovalTTL           time.Duration
	RequiredApprovals     int
	MaxConcurrencyRetries int
}

// JobsConfig controls the scheduled job worker.
type JobsConfig struct {
	Enabled     bool
	Interval    time.Duration
	Lease       time.Duration
	BatchSize   int
	MaxAttempts int
	RetryDelay  time.Duration
}

// SecurityConfig aggregates authentication related settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig configures validation for internal OIDC tokens.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// IdempotencyConfig configures the idempotency middleware.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver resolves secret references (e.g. secret://stripe/api-key) to their values.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts a function into a SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret implements SecretResolver.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError reports missing or invalid configuration fields.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: invalid fields: %s", strings.Join(e.fields, ", "))
}

// Fields returns the offending field names.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError wraps a failure to resolve a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("config: resolve secret %s: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError reports required secrets that resolved to empty values.
// Names are redacted in the error message.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	redacted := make([]string, 0, len(e.names))
	for _, name := range e.names {
		redacted = append(redacted, redactSecretName(name))
	}
	return fmt.Sprintf("config: missing required secrets: %s", strings.Join(redacted, ", "))
}

// Names returns the unredacted field names.
func (e *MissingSecretsError) Names() []string {
	out := make([]string, len(e.names))
	copy(out, e.names)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", errSecretResolverNotConfigured
		}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

func (o loaderOptions) reader() (envReader, error) {
	dotenv, err := loadDotEnv(o.envFile)
	if err != nil {
		return envReader{}, err
	}
	return envReader{explicit: o.envMap, system: o.useSystemEnv, dotenv: dotenv}, nil
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks config fields (e.g. "PSP.StripeAPIKey") that must resolve to a value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// EnvironmentValues returns the merged key/value view Load would read, without resolving secrets.
// It lets callers configure the secret fetcher before the full load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	reader, err := newLoaderOptions(opts).reader()
	if err != nil {
		return nil, err
	}
	return reader.snapshot(), nil
}

// Load assembles configuration from defaults, the .env file, the environment and secret references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	env, err := options.reader()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:               env.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:        env.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:       env.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:        env.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			CheckoutRateLimit:  env.int("API_SERVER_CHECKOUT_RATE_LIMIT", defaultCheckoutRate),
			CheckoutRateWindow: env.duration("API_SERVER_CHECKOUT_RATE_WINDOW", defaultCheckoutRateWindow),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    env.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: env.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Datastore: DatastoreConfig{
			Backend: strings.ToLower(env.str("API_DATASTORE_BACKEND", BackendFirestore)),
			Ledger:  strings.ToLower(env.str("API_DATASTORE_LEDGER", "")),
		},
		Redis: RedisConfig{
			Addr:      env.str("API_REDIS_ADDR", ""),
			Password:  env.str("API_REDIS_PASSWORD", ""),
			DB:        env.int("API_REDIS_DB", 0),
			KeyPrefix: env.str("API_REDIS_KEY_PREFIX", ""),
		},
		PubSub: PubSubConfig{
			ProjectID:          env.str("API_PUBSUB_PROJECT_ID", ""),
			OrderEventsTopic:   env.str("API_PUBSUB_ORDER_EVENTS_TOPIC", defaultPubSubOrderEventsTopic),
			NotificationsTopic: env.str("API_PUBSUB_NOTIFICATIONS_TOPIC", defaultPubSubNotificationsTopic),
			CartCommandsTopic:  env.str("API_PUBSUB_CART_COMMANDS_TOPIC", defaultPubSubCartCommandsTopic),
		},
		Storage: StorageConfig{
			WebhookArchiveBucket: env.str("API_STORAGE_WEBHOOK_ARCHIVE_BUCKET", ""),
		},
		PSP: PSPConfig{
			DefaultProvider:        strings.ToLower(env.str("API_PSP_DEFAULT_PROVIDER", "stripe")),
			StripeAPIKey:           env.str("API_PSP_STRIPE_API_KEY", ""),
			StripeWebhookSecret:    env.str("API_PSP_STRIPE_WEBHOOK_SECRET", ""),
			StripeWebhookTolerance: env.duration("API_PSP_STRIPE_WEBHOOK_TOLERANCE", defaultStripeWebhookTolerance),
			SignedSecrets:          env.pairs("API_PSP_SIGNED_SECRETS"),
			CurrencyRoutes:         env.pairs("API_PSP_CURRENCY_ROUTES"),
		},
		Lifecycle: LifecycleConfig{
			CancelGraceWindow:     env.duration("API_LIFECYCLE_CANCEL_GRACE_WINDOW", defaultCancelGraceWindow),
			MinDeliveryDelay:      env.duration("API_LIFECYCLE_MIN_DELIVERY_DELAY", defaultMinDeliveryDelay),
			AutoDeliverAfter:      env.duration("API_LIFECYCLE_AUTO_DELIVER_AFTER", defaultAutoDeliverAfter),
			ApprovalTTL:           env.duration("API_LIFECYCLE_APPROVAL_TTL", defaultApprovalTTL),
			RequiredApprovals:     env.int("API_LIFECYCLE_REQUIRED_APPROVALS", defaultRequiredApprovals),
			MaxConcurrencyRetries: env.int("API_LIFECYCLE_MAX_CONCURRENCY_RETRIES", defaultMaxConcurrencyRetries),
		},
		Jobs: JobsConfig{
			Enabled:     env.bool("API_JOBS_ENABLED", true),
			Interval:    env.duration("API_JOBS_INTERVAL", defaultJobInterval),
			Lease:       env.duration("API_JOBS_LEASE", defaultJobLease),
			BatchSize:   env.int("API_JOBS_BATCH_SIZE", defaultJobBatchSize),
			MaxAttempts: env.int("API_JOBS_MAX_ATTEMPTS", defaultJobMaxAttempts),
			RetryDelay:  env.duration("API_JOBS_RETRY_DELAY", defaultJobRetryDelay),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(env.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:   env.str("API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  env.str("API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: env.pairs("API_SECURITY_OIDC_AUDIENCES"),
				Issuers:   env.csv("API_SECURITY_OIDC_ISSUERS"),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           env.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              env.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  env.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: env.int("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}

	// Firestore and Pub/Sub default to the Firebase project.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	if cfg.Datastore.Ledger == "" {
		cfg.Datastore.Ledger = cfg.Datastore.Backend
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer, defaultSecurityIAPIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		cfg.Security.OIDC.Audience = cfg.Security.OIDC.Audiences[cfg.Security.Environment]
	}

	resolved := make(map[string]string)
	secretFields := map[string]*string{
		"PSP.StripeAPIKey":        &cfg.PSP.StripeAPIKey,
		"PSP.StripeWebhookSecret": &cfg.PSP.StripeWebhookSecret,
		"Redis.Password":          &cfg.Redis.Password,
	}
	for name, field := range secretFields {
		value, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = value
		resolved[name] = value
	}
	for provider, ref := range cfg.PSP.SignedSecrets {
		value, err := resolveSecret(ctx, ref, options.secret)
		if err != nil {
			return Config{}, err
		}
		cfg.PSP.SignedSecrets[provider] = value
		resolved[fmt.Sprintf("PSP.SignedSecrets[%s]", provider)] = value
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var invalid []string
	check := func(ok bool, field string) {
		if !ok {
			invalid = append(invalid, field)
		}
	}

	check(cfg.Server.Port != "", "Server.Port")
	check(validBackend(cfg.Datastore.Backend, false), "Datastore.Backend")
	check(validBackend(cfg.Datastore.Ledger, true), "Datastore.Ledger")
	if cfg.Datastore.Backend == BackendFirestore || cfg.Datastore.Ledger == BackendFirestore {
		check(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	}
	if cfg.Datastore.Ledger == BackendRedis {
		check(cfg.Redis.Addr != "", "Redis.Addr")
	}

	check(cfg.Lifecycle.CancelGraceWindow >= 0, "Lifecycle.CancelGraceWindow")
	check(cfg.Lifecycle.MinDeliveryDelay >= 0, "Lifecycle.MinDeliveryDelay")
	check(cfg.Lifecycle.AutoDeliverAfter > 0, "Lifecycle.AutoDeliverAfter")
	check(cfg.Lifecycle.ApprovalTTL > 0, "Lifecycle.ApprovalTTL")
	check(cfg.Lifecycle.RequiredApprovals > 0, "Lifecycle.RequiredApprovals")
	check(cfg.Lifecycle.MaxConcurrencyRetries >= 0, "Lifecycle.MaxConcurrencyRetries")

	check(cfg.Jobs.Interval > 0, "Jobs.Interval")
	check(cfg.Jobs.Lease > 0, "Jobs.Lease")
	check(cfg.Jobs.BatchSize > 0, "Jobs.BatchSize")
	check(cfg.Jobs.MaxAttempts > 0, "Jobs.MaxAttempts")
	check(cfg.Jobs.RetryDelay > 0, "Jobs.RetryDelay")

	check(strings.TrimSpace(cfg.Idempotency.Header) != "", "Idempotency.Header")
	check(cfg.Idempotency.TTL > 0, "Idempotency.TTL")
	check(cfg.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	check(cfg.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func validBackend(name string, allowRedis bool) bool {
	switch name {
	case BackendFirestore, BackendMemory:
		return true
	case BackendRedis:
		return allowRedis
	default:
		return false
	}
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	seen := make(map[string]struct{})
	var missing []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(resolved[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &MissingSecretsError{names: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}
