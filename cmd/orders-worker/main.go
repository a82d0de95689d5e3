package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hanko-field/orders/internal/di"
	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/config"
	"github.com/hanko-field/orders/internal/platform/observability"
	ppostgres "github.com/hanko-field/orders/internal/platform/postgres"
	"github.com/hanko-field/orders/internal/platform/secrets"
	postgresRepo "github.com/hanko-field/orders/internal/repositories/postgres"
	"github.com/hanko-field/orders/internal/services"
)

const usage = `usage: orders-worker <command> [flags]

commands:
  relay             relay outbox events until interrupted (default)
  migrate           apply database migrations and exit
  create-sequence   create a number sequence for a shop
  reconcile         re-run order actions for an order
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(envValues["LOG_LEVEL"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("orders-worker")
	ctx = observability.WithLogger(ctx, logger)

	command := "relay"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	if err := run(ctx, logger, envValues, command, args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		logger.Error("command failed", zap.String("command", command), zap.Error(err))
		_ = baseLogger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *zap.Logger, env map[string]string, command string, args []string) error {
	switch command {
	case "relay", "migrate", "create-sequence", "reconcile":
	case "help", "-h", "--help":
		fmt.Fprint(os.Stderr, usage)
		return flag.ErrHelp
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}

	fetcher, err := newSecretFetcher(ctx, logger, env)
	if err != nil {
		return fmt.Errorf("initialise secret fetcher: %w", err)
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(env)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			return fmt.Errorf("missing required secrets %v: %w", missing.RedactedNames(), err)
		}
		return fmt.Errorf("load configuration: %w", err)
	}

	shutdownTracing, err := observability.InitTracing(cfg.Tracing, cfg.Service)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown error", zap.Error(err))
		}
	}()

	client, err := ppostgres.NewClient(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	if command == "migrate" {
		defer client.Close()
		if err := client.Migrate(ctx); err != nil {
			return err
		}
		logger.Info("migrations applied")
		return nil
	}

	registry, err := postgresRepo.NewRegistry(client)
	if err != nil {
		client.Close()
		return err
	}
	container, err := di.NewContainer(ctx, cfg, registry, di.WithLogger(logger))
	if err != nil {
		_ = registry.Close(ctx)
		return fmt.Errorf("build container: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	switch command {
	case "create-sequence":
		return createSequence(ctx, logger, container, args)
	case "reconcile":
		return reconcile(ctx, logger, container, args)
	}

	logger.Info("outbox relay starting",
		zap.String("sink", cfg.Events.Sink),
		zap.String("sequence_backend", cfg.Sequence.Backend),
	)
	return container.Services.Relay.Run(ctx)
}

func createSequence(ctx context.Context, logger *zap.Logger, container *di.Container, args []string) error {
	fs := flag.NewFlagSet("create-sequence", flag.ContinueOnError)
	shopID := fs.String("shop", "", "shop id")
	purpose := fs.String("purpose", string(domain.PurposeOrder), "sequence purpose (order or article)")
	prefix := fs.String("prefix", "", "number prefix")
	initial := fs.Int64("initial", 0, "value before the first issued number")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sequence, err := container.Services.Sequences.CreateSequence(ctx, services.CreateSequenceCommand{
		ShopID:       *shopID,
		Purpose:      domain.Purpose(strings.ToLower(strings.TrimSpace(*purpose))),
		Prefix:       *prefix,
		InitialValue: *initial,
	})
	if err != nil {
		return err
	}
	logger.Info("sequence created",
		zap.String("shop_id", sequence.ShopID),
		zap.String("purpose", string(sequence.Purpose)),
		zap.String("prefix", sequence.Prefix),
		zap.Int64("value", sequence.Value),
	)
	return nil
}

func reconcile(ctx context.Context, logger *zap.Logger, container *di.Container, args []string) error {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	orderID := fs.String("order", "", "order id")
	initiator := fs.String("initiator", "", "user id recorded as initiator")
	if err := fs.Parse(args); err != nil {
		return err
	}
	initiatorID, err := uuid.Parse(strings.TrimSpace(*initiator))
	if err != nil {
		return fmt.Errorf("invalid initiator %q: %w", *initiator, err)
	}

	order, err := container.Services.Orders.ReconcileActions(ctx, *orderID, domain.User{ID: initiatorID})
	if err != nil {
		return err
	}
	logger.Info("order actions reconciled",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("payment_state", string(order.PaymentState)),
	)
	return nil
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	fallbackPath := lookup("ORDERS_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if project := lookup("ORDERS_SECRET_DEFAULT_PROJECT_ID"); project != "" {
		opts = append(opts, secrets.WithDefaultProject(project))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists secret-backed fields that must resolve for the selected sink.
func requiredSecretNames(env map[string]string) []string {
	required := []string{"Postgres.DSN"}
	if strings.EqualFold(strings.TrimSpace(env["ORDERS_EVENTS_SINK"]), config.EventsSinkAMQP) {
		required = append(required, "Events.AMQP.URL")
	}
	return required
}
