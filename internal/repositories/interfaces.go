package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	domain "github.com/hanko-field/orders/internal/domain"
)

// ErrInsufficientQuantity indicates an article cannot cover the requested reservation.
var ErrInsufficientQuantity = errors.New("article: insufficient quantity")

// Store exposes typed repository accessors bound to one connection or transaction.
type Store interface {
	Sequences() NumberSequenceRepository
	Orders() OrderRepository
	LineItems() LineItemRepository
	OrderLog() OrderLogRepository
	Payments() PaymentRepository
	Articles() ArticleRepository
	TicketCategories() TicketCategoryRepository
	Tickets() TicketRepository
	TicketBundles() TicketBundleRepository
	OrderActions() OrderActionRepository
	BadgeAwardings() BadgeAwardingRepository
	Outbox() OutboxRepository
}

// Tx is a Store whose repositories share one open transaction.
type Tx interface {
	Store
	// Savepoint runs fn inside a nested transaction. A returned error rolls back only the work done by fn.
	Savepoint(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// UnitOfWork groups repository operations in a transactional boundary.
// The transaction commits when fn returns nil and rolls back otherwise.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Registry exposes non-transactional repositories, the unit of work, and lifecycle hooks.
type Registry interface {
	Store
	UnitOfWork
	Close(ctx context.Context) error
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// NumberSequenceRepository issues sequence values per (shop, purpose).
type NumberSequenceRepository interface {
	Create(ctx context.Context, sequence domain.NumberSequence) error
	Find(ctx context.Context, shopID string, purpose domain.Purpose) (domain.NumberSequence, error)
	// Increment locks the sequence, advances its value by one, and returns the updated sequence.
	// Implementations return a SequenceError with SequenceErrorNotConfigured when no sequence exists.
	Increment(ctx context.Context, shopID string, purpose domain.Purpose) (domain.NumberSequence, error)
}

// PaymentStateUpdate captures the columns touched by a payment-state transition.
type PaymentStateUpdate struct {
	OrderID            string
	State              domain.PaymentState
	UpdatedAt          time.Time
	UpdatedBy          uuid.UUID
	PaymentMethod      *string
	CancellationReason *string
}

// OrderRepository persists order headers. Reads return orders with their line items.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// FindByIDForUpdate reads the order while holding a row lock until the transaction ends.
	FindByIDForUpdate(ctx context.Context, orderID string) (domain.Order, error)
	UpdatePaymentState(ctx context.Context, update PaymentStateUpdate) error
	UpdateProcessedAt(ctx context.Context, orderID string, processedAt *time.Time) error
	Delete(ctx context.Context, orderID string) error
}

// LineItemRepository persists line items owned by orders.
type LineItemRepository interface {
	InsertMany(ctx context.Context, items []domain.LineItem) error
	FindByID(ctx context.Context, lineItemID string) (domain.LineItem, error)
	FindByIDForUpdate(ctx context.Context, lineItemID string) (domain.LineItem, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.LineItem, error)
	UpdateProcessingResult(ctx context.Context, lineItemID string, result map[string]any, processedAt time.Time) error
	DeleteByOrder(ctx context.Context, orderID string) error
}

// OrderLogRepository stores the append-only audit trail of orders.
type OrderLogRepository interface {
	Append(ctx context.Context, entries ...domain.OrderLogEntry) error
	ListByOrder(ctx context.Context, orderID string) ([]domain.OrderLogEntry, error)
	DeleteByOrder(ctx context.Context, orderID string) error
}

// PaymentRepository stores payments recorded against orders.
type PaymentRepository interface {
	Insert(ctx context.Context, payment domain.Payment) error
	ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error)
	DeleteByOrder(ctx context.Context, orderID string) error
}

// ArticleRepository reads articles and adjusts their available quantity.
type ArticleRepository interface {
	FindByID(ctx context.Context, articleID uuid.UUID) (domain.Article, error)
	IncreaseQuantity(ctx context.Context, articleID uuid.UUID, amount int) error
	// DecreaseQuantity returns ErrInsufficientQuantity when fewer than amount units remain.
	DecreaseQuantity(ctx context.Context, articleID uuid.UUID, amount int) error
}

// TicketCategoryRepository looks up ticket categories.
type TicketCategoryRepository interface {
	FindByID(ctx context.Context, categoryID uuid.UUID) (domain.TicketCategory, error)
}

// TicketRepository persists tickets. InsertMany is all-or-nothing; duplicate codes surface as conflicts.
type TicketRepository interface {
	InsertMany(ctx context.Context, tickets []domain.Ticket) error
	ListByOrderNumber(ctx context.Context, orderNumber string) ([]domain.Ticket, error)
	// Revoke flags the given tickets as revoked and returns the IDs that changed.
	Revoke(ctx context.Context, ticketIDs []uuid.UUID) ([]uuid.UUID, error)
}

// TicketBundleRepository persists ticket bundles.
type TicketBundleRepository interface {
	Insert(ctx context.Context, bundle domain.TicketBundle) error
	FindByID(ctx context.Context, bundleID uuid.UUID) (domain.TicketBundle, error)
	// Revoke flags the bundles and their tickets as revoked and returns the bundle IDs that changed.
	Revoke(ctx context.Context, bundleIDs []uuid.UUID) ([]uuid.UUID, error)
}

// OrderActionRepository stores procedures bound to article numbers.
type OrderActionRepository interface {
	Insert(ctx context.Context, action domain.OrderAction) error
	ListByArticleNumbers(ctx context.Context, articleNumbers []string) ([]domain.OrderAction, error)
}

// BadgeAwardingRepository stores badge awardings.
type BadgeAwardingRepository interface {
	Insert(ctx context.Context, awarding domain.BadgeAwarding) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.BadgeAwarding, error)
}

// OutboxMessage is an event waiting to be relayed to the message broker.
type OutboxMessage struct {
	ID            string
	Topic         string
	EventType     string
	Key           string
	Payload       []byte
	Attempts      int
	LastError     *string
	CreatedAt     time.Time
	NextAttemptAt time.Time
}

// OutboxRepository stores pending outbound events.
type OutboxRepository interface {
	Insert(ctx context.Context, msg OutboxMessage) error
	// ClaimPending returns due messages with fewer than maxAttempts attempts, locking them for the
	// rest of the transaction. Rows locked by other relays are skipped.
	ClaimPending(ctx context.Context, now time.Time, maxAttempts int, limit int) ([]OutboxMessage, error)
	Delete(ctx context.Context, id string) error
	Reschedule(ctx context.Context, id string, attempts int, lastError string, nextAttemptAt time.Time) error
}
