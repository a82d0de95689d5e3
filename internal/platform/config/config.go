package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envPrefix = "ORDERS_"

	defaultEnvFile          = ".env"
	defaultServiceName      = "orders-worker"
	defaultEnvironment      = "local"
	defaultPostgresMaxConns = 10
	defaultConnectTimeout   = 10 * time.Second
	defaultSequenceBackend  = SequenceBackendPostgres
	defaultEventsSink       = EventsSinkLog
	defaultPubSubTopic      = "shop-orders"
	defaultAMQPExchange     = "shop-orders"
	defaultPollInterval     = 2 * time.Second
	defaultBatchSize        = 50
	defaultMaxAttempts      = 10
	defaultConcurrency      = 4
	defaultConflictRetries  = 3
	defaultTraceSampleRatio = 1.0
	defaultSecretsFallback  = ".secrets.local"
)

// Sequence backends.
const (
	SequenceBackendPostgres  = "postgres"
	SequenceBackendFirestore = "firestore"
)

// Event sinks.
const (
	EventsSinkLog    = "log"
	EventsSinkPubSub = "pubsub"
	EventsSinkAMQP   = "amqp"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Service   ServiceConfig
	Postgres  PostgresConfig
	Sequence  SequenceConfig
	Firestore FirestoreConfig
	Events    EventsConfig
	Outbox    OutboxConfig
	Tickets   TicketsConfig
	Tracing   TracingConfig
	Secrets   SecretsConfig
}

// ServiceConfig identifies the running process.
type ServiceConfig struct {
	Name        string
	Environment string
}

// PostgresConfig controls the shared connection pool.
type PostgresConfig struct {
	DSN            string
	MaxConns       int
	MinConns       int
	ConnectTimeout time.Duration
	RunMigrations  bool
}

// SequenceConfig selects where number sequences live.
type SequenceConfig struct {
	Backend string
}

// FirestoreConfig stores database parameters for the Firestore sequence backend.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
	DialTimeout  time.Duration
}

// EventsConfig selects and configures the broker that receives shop order events.
type EventsConfig struct {
	Sink   string
	PubSub PubSubConfig
	AMQP   AMQPConfig
}

// PubSubConfig names the Pub/Sub topic for order events.
type PubSubConfig struct {
	ProjectID string
	Topic     string
}

// AMQPConfig points at a RabbitMQ exchange.
type AMQPConfig struct {
	URL      string
	Exchange string
}

// OutboxConfig tunes the relay loop.
type OutboxConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	Concurrency  int
}

// TicketsConfig tunes ticket issuance.
type TicketsConfig struct {
	ConflictRetries int
}

// TracingConfig enables span export.
type TracingConfig struct {
	JaegerEndpoint string
	SampleRatio    float64
}

// SecretsConfig configures Secret Manager lookups.
type SecretsConfig struct {
	DefaultProjectID string
	FallbackFile     string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets resolved to empty values.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.names) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// Names returns the field names of the missing secrets.
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

// RedactedNames returns short hashes of the missing field names, safe for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		sum := sha256.Sum256([]byte(name))
		out = append(out, hex.EncodeToString(sum[:8]))
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides. An empty path disables it.
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

// WithSecretResolver sets the resolver used for sm:// and secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks secret-backed fields (e.g. "Postgres.DSN") as mandatory.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// EnvironmentValues returns the merged environment (dotenv < OS env < explicit map) so callers
// can build dependencies such as the secret fetcher before calling Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)
	dotEnv, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(dotEnv))
	for key, value := range dotEnv {
		values[key] = value
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if !ok || strings.TrimSpace(key) == "" {
				continue
			}
			values[key] = value
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// Load assembles the configuration from defaults, .env overrides, environment variables,
// and Secret Manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	values, err := EnvironmentValues(opts...)
	if err != nil {
		return Config{}, err
	}
	lookup := func(key string) (string, bool) {
		value, ok := values[envPrefix+key]
		return value, ok
	}

	cfg := Config{
		Service: ServiceConfig{
			Name:        stringWithDefault(lookup, "SERVICE_NAME", defaultServiceName),
			Environment: strings.ToLower(stringWithDefault(lookup, "ENVIRONMENT", defaultEnvironment)),
		},
		Postgres: PostgresConfig{
			DSN:            stringWithDefault(lookup, "POSTGRES_DSN", ""),
			MaxConns:       intWithDefault(lookup, "POSTGRES_MAX_CONNS", defaultPostgresMaxConns),
			MinConns:       intWithDefault(lookup, "POSTGRES_MIN_CONNS", 0),
			ConnectTimeout: durationWithDefault(lookup, "POSTGRES_CONNECT_TIMEOUT", defaultConnectTimeout),
			RunMigrations:  boolWithDefault(lookup, "POSTGRES_RUN_MIGRATIONS", false),
		},
		Sequence: SequenceConfig{
			Backend: strings.ToLower(stringWithDefault(lookup, "SEQUENCE_BACKEND", defaultSequenceBackend)),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "FIRESTORE_EMULATOR_HOST", ""),
			DialTimeout:  durationWithDefault(lookup, "FIRESTORE_DIAL_TIMEOUT", defaultConnectTimeout),
		},
		Events: EventsConfig{
			Sink: strings.ToLower(stringWithDefault(lookup, "EVENTS_SINK", defaultEventsSink)),
			PubSub: PubSubConfig{
				ProjectID: stringWithDefault(lookup, "PUBSUB_PROJECT_ID", ""),
				Topic:     stringWithDefault(lookup, "PUBSUB_TOPIC", defaultPubSubTopic),
			},
			AMQP: AMQPConfig{
				URL:      stringWithDefault(lookup, "AMQP_URL", ""),
				Exchange: stringWithDefault(lookup, "AMQP_EXCHANGE", defaultAMQPExchange),
			},
		},
		Outbox: OutboxConfig{
			PollInterval: durationWithDefault(lookup, "OUTBOX_POLL_INTERVAL", defaultPollInterval),
			BatchSize:    intWithDefault(lookup, "OUTBOX_BATCH_SIZE", defaultBatchSize),
			MaxAttempts:  intWithDefault(lookup, "OUTBOX_MAX_ATTEMPTS", defaultMaxAttempts),
			Concurrency:  intWithDefault(lookup, "OUTBOX_CONCURRENCY", defaultConcurrency),
		},
		Tickets: TicketsConfig{
			ConflictRetries: intWithDefault(lookup, "TICKETS_CONFLICT_RETRIES", defaultConflictRetries),
		},
		Tracing: TracingConfig{
			JaegerEndpoint: stringWithDefault(lookup, "TRACING_JAEGER_ENDPOINT", ""),
			SampleRatio:    floatWithDefault(lookup, "TRACING_SAMPLE_RATIO", defaultTraceSampleRatio),
		},
		Secrets: SecretsConfig{
			DefaultProjectID: stringWithDefault(lookup, "SECRET_DEFAULT_PROJECT_ID", ""),
			FallbackFile:     stringWithDefault(lookup, "SECRET_FALLBACK_FILE", defaultSecretsFallback),
		},
	}

	if cfg.Events.PubSub.ProjectID == "" {
		cfg.Events.PubSub.ProjectID = cfg.Firestore.ProjectID
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Postgres.DSN", &cfg.Postgres.DSN},
		{"Events.AMQP.URL", &cfg.Events.AMQP.URL},
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
	var missing []string

	if strings.TrimSpace(cfg.Postgres.DSN) == "" {
		missing = append(missing, "Postgres.DSN")
	}
	if cfg.Postgres.MaxConns <= 0 {
		missing = append(missing, "Postgres.MaxConns")
	}
	switch cfg.Sequence.Backend {
	case SequenceBackendPostgres:
	case SequenceBackendFirestore:
		if cfg.Firestore.ProjectID == "" {
			missing = append(missing, "Firestore.ProjectID")
		}
	default:
		missing = append(missing, "Sequence.Backend")
	}
	switch cfg.Events.Sink {
	case EventsSinkLog:
	case EventsSinkPubSub:
		if cfg.Events.PubSub.ProjectID == "" {
			missing = append(missing, "Events.PubSub.ProjectID")
		}
		if cfg.Events.PubSub.Topic == "" {
			missing = append(missing, "Events.PubSub.Topic")
		}
	case EventsSinkAMQP:
		if cfg.Events.AMQP.URL == "" {
			missing = append(missing, "Events.AMQP.URL")
		}
	default:
		missing = append(missing, "Events.Sink")
	}
	if cfg.Outbox.PollInterval <= 0 {
		missing = append(missing, "Outbox.PollInterval")
	}
	if cfg.Outbox.BatchSize <= 0 {
		missing = append(missing, "Outbox.BatchSize")
	}
	if cfg.Outbox.MaxAttempts <= 0 {
		missing = append(missing, "Outbox.MaxAttempts")
	}
	if cfg.Outbox.Concurrency <= 0 {
		missing = append(missing, "Outbox.Concurrency")
	}
	if cfg.Tickets.ConflictRetries < 0 {
		missing = append(missing, "Tickets.ConflictRetries")
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		missing = append(missing, "Tracing.SampleRatio")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	seen := make(map[string]struct{}, len(required))
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
		if resolved[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
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

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	values, err := godotenv.Read(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func floatWithDefault(lookup func(string) (string, bool), key string, fallback float64) float64 {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}
