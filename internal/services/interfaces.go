package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	User           = domain.User
	Order          = domain.Order
	LineItem       = domain.LineItem
	Article        = domain.Article
	NumberSequence = domain.NumberSequence
	OrderLogEntry  = domain.OrderLogEntry
	Ticket         = domain.Ticket
	TicketBundle   = domain.TicketBundle
)

// Logger receives structured service events. The container adapts it to zap.
type Logger func(ctx context.Context, event string, fields map[string]any)

// SequenceService issues order and article numbers per shop.
type SequenceService interface {
	CreateSequence(ctx context.Context, cmd CreateSequenceCommand) (NumberSequence, error)
	FindSequence(ctx context.Context, shopID string, purpose domain.Purpose) (NumberSequence, error)
	NextValue(ctx context.Context, shopID string, purpose domain.Purpose) (int64, error)
	NextOrderNumber(ctx context.Context, shopID string) (string, error)
	NextArticleNumber(ctx context.Context, shopID string) (string, error)
}

// CreateSequenceCommand configures a new number sequence.
type CreateSequenceCommand struct {
	ShopID       string
	Purpose      domain.Purpose
	Prefix       string
	InitialValue int64
}

// OrderService orchestrates order transitions against persistence.
type OrderService interface {
	PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (PlacedOrder, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	MarkOrderAsPaid(ctx context.Context, cmd MarkOrderAsPaidCommand) (PaidOrder, error)
	CancelOrder(ctx context.Context, cmd CancelOrderCommand) (CanceledOrder, error)
	AddNote(ctx context.Context, cmd AddOrderNoteCommand) (OrderLogEntry, error)
	SetShippedFlag(ctx context.Context, orderID string, initiator User) (Order, error)
	UnsetShippedFlag(ctx context.Context, orderID string, initiator User) (Order, error)
	UpdateLineItemProcessingResult(ctx context.Context, lineItemID string, data map[string]any) error
	DeleteOrder(ctx context.Context, orderID string) error
	ReconcileActions(ctx context.Context, orderID string, initiator User) (Order, error)
}

// PlaceOrderItem requests a quantity of one article.
type PlaceOrderItem struct {
	ArticleID uuid.UUID
	Quantity  int
}

// PlaceOrderCommand places a new order for the orderer.
type PlaceOrderCommand struct {
	ShopID   string
	Orderer  User
	Currency string
	Items    []PlaceOrderItem
}

// PlacedOrder is the stored order together with the emitted event.
type PlacedOrder struct {
	Order Order
	Event domain.ShopOrderPlacedEvent
}

// MarkOrderAsPaidCommand records payment for an open order.
type MarkOrderAsPaidCommand struct {
	OrderID        string
	PaymentMethod  string
	Initiator      User
	AdditionalData map[string]any
}

// PaidOrder is the order after payment together with the emitted event.
type PaidOrder struct {
	Order Order
	Event domain.ShopOrderPaidEvent
}

// CancelOrderCommand cancels an open or paid order.
type CancelOrderCommand struct {
	OrderID   string
	Reason    string
	Initiator User
}

// CanceledOrder is the canceled order together with the emitted event.
type CanceledOrder struct {
	Order Order
	Event domain.ShopOrderCanceledEvent
}

// AddOrderNoteCommand appends a note to an order's audit trail.
type AddOrderNoteCommand struct {
	OrderID string
	Author  User
	Text    string
}

// OrderActionDispatcher runs the side effects attached to payment-state transitions.
type OrderActionDispatcher interface {
	ExecuteCreationActions(ctx context.Context, order Order, initiator User) error
	ExecuteRevocationActions(ctx context.Context, order Order, initiator User) error
}

// TicketService creates and revokes tickets inside the caller's transaction.
type TicketService interface {
	CreateTicket(ctx context.Context, tx repositories.Tx, cmd CreateTicketsCommand) (Ticket, error)
	CreateTickets(ctx context.Context, tx repositories.Tx, cmd CreateTicketsCommand) ([]Ticket, error)
	CreateTicketBundle(ctx context.Context, tx repositories.Tx, cmd CreateTicketBundleCommand) (TicketBundle, error)
	RevokeTickets(ctx context.Context, tx repositories.Tx, ticketIDs []uuid.UUID) ([]uuid.UUID, error)
	RevokeTicketBundles(ctx context.Context, tx repositories.Tx, bundleIDs []uuid.UUID) ([]uuid.UUID, error)
}

// CreateTicketsCommand requests tickets of one category for a single owner.
type CreateTicketsCommand struct {
	CategoryID  uuid.UUID
	OwnerID     uuid.UUID
	Quantity    int
	OrderNumber *string
}

// CreateTicketBundleCommand requests one bundle holding TicketQuantity tickets.
type CreateTicketBundleCommand struct {
	CategoryID     uuid.UUID
	TicketQuantity int
	OwnerID        uuid.UUID
	Label          *string
	OrderNumber    *string
}

// OutboundMessage is an event handed to a broker by the outbox relay.
type OutboundMessage struct {
	ID        string
	Topic     string
	EventType string
	Key       string
	Payload   []byte
	CreatedAt time.Time
}

// EventPublisher delivers outbound messages to a broker.
type EventPublisher interface {
	Publish(ctx context.Context, msg OutboundMessage) error
}
