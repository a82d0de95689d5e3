package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/hanko-field/orders/internal/platform/config"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/platform/messaging"
	"github.com/hanko-field/orders/internal/platform/observability"
	"github.com/hanko-field/orders/internal/repositories"
	firestoreRepo "github.com/hanko-field/orders/internal/repositories/firestore"
	"github.com/hanko-field/orders/internal/services"
)

// Services bundles the service-layer contracts used by the worker entry points.
type Services struct {
	Sequences  services.SequenceService
	Orders     services.OrderService
	Tickets    services.TicketService
	Actions    services.OrderActionDispatcher
	Procedures *services.OrderActionRegistry
	Relay      *services.OutboxRelay
}

// Container wires repositories, services, and the event sink for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services

	closers []func(context.Context) error
}

// Option customises container construction.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	clock     func() time.Time
	sequences repositories.NumberSequenceRepository
	publisher services.EventPublisher
	pubsub    []option.ClientOption
	firestore []option.ClientOption
}

// WithLogger sets the base logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock overrides the clock shared by all services.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithSequenceRepository bypasses the configured sequence backend.
func WithSequenceRepository(repo repositories.NumberSequenceRepository) Option {
	return func(o *options) {
		o.sequences = repo
	}
}

// WithPublisher bypasses the configured event sink.
func WithPublisher(publisher services.EventPublisher) Option {
	return func(o *options) {
		o.publisher = publisher
	}
}

// WithPubSubClientOptions passes options to the Pub/Sub client of the pubsub sink.
func WithPubSubClientOptions(opts ...option.ClientOption) Option {
	return func(o *options) {
		o.pubsub = append(o.pubsub, opts...)
	}
}

// WithFirestoreClientOptions passes options to the Firestore client of the firestore sequence backend.
func WithFirestoreClientOptions(opts ...option.ClientOption) Option {
	return func(o *options) {
		o.firestore = append(o.firestore, opts...)
	}
}

// NewContainer constructs the runtime dependencies on top of reg. The sequence backend and
// event sink are selected from cfg unless overridden by options.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	c := &Container{Config: cfg, Repositories: reg}

	sequences := o.sequences
	if sequences == nil {
		repo, closer, err := newSequenceRepository(ctx, cfg, reg, o.firestore...)
		if err != nil {
			return nil, err
		}
		c.addCloser(closer)
		sequences = repo
	}

	publisher := o.publisher
	if publisher == nil {
		pub, closer, err := newPublisher(ctx, cfg, o.logger, o.pubsub...)
		if err != nil {
			_ = c.closeAux(ctx)
			return nil, err
		}
		c.addCloser(closer)
		publisher = pub
	}

	svc, err := buildServices(cfg, reg, sequences, publisher, o)
	if err != nil {
		_ = c.closeAux(ctx)
		return nil, err
	}
	c.Services = svc
	return c, nil
}

// Close releases the event sink, auxiliary clients, and the repository registry.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	errs := []error{c.closeAux(ctx)}
	if c.Repositories != nil {
		errs = append(errs, c.Repositories.Close(ctx))
	}
	return errors.Join(errs...)
}

func (c *Container) closeAux(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Container) addCloser(fn func(context.Context) error) {
	if fn != nil {
		c.closers = append(c.closers, fn)
	}
}

func buildServices(cfg config.Config, reg repositories.Registry, sequenceRepo repositories.NumberSequenceRepository, publisher services.EventPublisher, o options) (Services, error) {
	base := o.logger.Named("orders")

	sequences, err := services.NewSequenceService(services.SequenceServiceDeps{
		Repository: sequenceRepo,
		Logger:     observability.EventLogger(base.Named("sequences")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build sequence service: %w", err)
	}

	tickets := services.NewTicketService(services.TicketServiceDeps{Clock: o.clock})

	procedures := services.NewOrderActionRegistry()
	if err := services.RegisterBuiltinProcedures(procedures, services.BuiltinProcedureDeps{
		Tickets:         tickets,
		ConflictRetries: cfg.Tickets.ConflictRetries,
	}); err != nil {
		return Services{}, fmt.Errorf("register order action procedures: %w", err)
	}

	actions, err := services.NewOrderActionDispatcher(services.OrderActionDispatcherDeps{
		UnitOfWork:      reg,
		Store:           reg,
		Tickets:         tickets,
		Registry:        procedures,
		ConflictRetries: cfg.Tickets.ConflictRetries,
		Clock:           o.clock,
		Logger:          observability.EventLogger(base.Named("actions")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order action dispatcher: %w", err)
	}

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		UnitOfWork: reg,
		Store:      reg,
		Sequences:  sequences,
		Actions:    actions,
		EventTopic: eventTopic(cfg),
		Clock:      o.clock,
		Logger:     observability.EventLogger(base),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}

	relay, err := services.NewOutboxRelay(services.OutboxRelayDeps{
		UnitOfWork:   reg,
		Publisher:    publisher,
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		MaxAttempts:  cfg.Outbox.MaxAttempts,
		Concurrency:  cfg.Outbox.Concurrency,
		Clock:        o.clock,
		Logger:       observability.EventLogger(o.logger.Named("outbox")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build outbox relay: %w", err)
	}

	return Services{
		Sequences:  sequences,
		Orders:     orders,
		Tickets:    tickets,
		Actions:    actions,
		Procedures: procedures,
		Relay:      relay,
	}, nil
}

func eventTopic(cfg config.Config) string {
	switch cfg.Events.Sink {
	case config.EventsSinkPubSub:
		return cfg.Events.PubSub.Topic
	case config.EventsSinkAMQP:
		return cfg.Events.AMQP.Exchange
	}
	return services.DefaultEventTopic
}

func newSequenceRepository(ctx context.Context, cfg config.Config, reg repositories.Registry, clientOpts ...option.ClientOption) (repositories.NumberSequenceRepository, func(context.Context) error, error) {
	switch cfg.Sequence.Backend {
	case "", config.SequenceBackendPostgres:
		return reg.Sequences(), nil, nil
	case config.SequenceBackendFirestore:
		provider := pfirestore.NewProvider(cfg.Firestore,
			pfirestore.WithDialTimeout(cfg.Firestore.DialTimeout),
			pfirestore.WithClientOptions(clientOpts...),
		)
		if _, err := provider.Client(ctx); err != nil {
			return nil, nil, fmt.Errorf("build firestore client: %w", err)
		}
		repo, err := firestoreRepo.NewSequenceRepository(provider)
		if err != nil {
			_ = provider.Close(ctx)
			return nil, nil, fmt.Errorf("build firestore sequence repository: %w", err)
		}
		return repo, provider.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown sequence backend %q", cfg.Sequence.Backend)
}

func newPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger, clientOpts ...option.ClientOption) (services.EventPublisher, func(context.Context) error, error) {
	switch cfg.Events.Sink {
	case "", config.EventsSinkLog:
		return messaging.NewLogPublisher(logger), nil, nil
	case config.EventsSinkPubSub:
		client, err := pubsub.NewClient(ctx, cfg.Events.PubSub.ProjectID, clientOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("build pubsub client: %w", err)
		}
		publisher, err := messaging.NewPubSubPublisher(client, cfg.Events.PubSub.Topic, messaging.WithMessageOrdering())
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return publisher, func(context.Context) error {
			publisher.Close()
			return client.Close()
		}, nil
	case config.EventsSinkAMQP:
		publisher, err := messaging.DialAMQP(cfg.Events.AMQP.URL, cfg.Events.AMQP.Exchange)
		if err != nil {
			return nil, nil, err
		}
		return publisher, func(context.Context) error {
			return publisher.Close()
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown events sink %q", cfg.Events.Sink)
}
