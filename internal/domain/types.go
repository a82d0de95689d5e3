package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// User identifies the actor of a command (orderer, initiator, note author).
type User struct {
	ID         uuid.UUID
	ScreenName string
}

// Purpose scopes a number sequence within a shop.
type Purpose string

const (
	// PurposeOrder issues order numbers.
	PurposeOrder Purpose = "order"
	// PurposeArticle issues article numbers.
	PurposeArticle Purpose = "article"
)

// Valid reports whether the purpose is one of the known sequence purposes.
func (p Purpose) Valid() bool {
	return p == PurposeOrder || p == PurposeArticle
}

// NumberSequence holds the counter state for a (shop, purpose) pair.
type NumberSequence struct {
	ShopID  string
	Purpose Purpose
	Prefix  string
	Value   int64
}

// PaymentState is the order's position in its payment/cancellation lifecycle.
type PaymentState string

const (
	PaymentStateOpen               PaymentState = "open"
	PaymentStatePaid               PaymentState = "paid"
	PaymentStateCanceledBeforePaid PaymentState = "canceled_before_paid"
	PaymentStateCanceledAfterPaid  PaymentState = "canceled_after_paid"
)

// IsCanceled reports whether the state is one of the terminal cancellation states.
func (s PaymentState) IsCanceled() bool {
	return s == PaymentStateCanceledBeforePaid || s == PaymentStateCanceledAfterPaid
}

// Valid reports whether the state is known.
func (s PaymentState) Valid() bool {
	switch s {
	case PaymentStateOpen, PaymentStatePaid, PaymentStateCanceledBeforePaid, PaymentStateCanceledAfterPaid:
		return true
	}
	return false
}

// ArticleType selects the built-in actions that run for a line item.
type ArticleType string

const (
	ArticleTypeTicket       ArticleType = "ticket"
	ArticleTypeTicketBundle ArticleType = "ticket_bundle"
	ArticleTypePhysical     ArticleType = "physical"
	ArticleTypeOther        ArticleType = "other"
)

// Valid reports whether the article type is known.
func (t ArticleType) Valid() bool {
	switch t {
	case ArticleTypeTicket, ArticleTypeTicketBundle, ArticleTypePhysical, ArticleTypeOther:
		return true
	}
	return false
}

// Article is an orderable item supplied by the shop's catalogue.
type Article struct {
	ID                 uuid.UUID
	ShopID             string
	ItemNumber         string
	Type               ArticleType
	TypeParams         map[string]any
	Description        string
	Price              int64
	Currency           string
	TaxRate            decimal.Decimal
	Quantity           int
	ProcessingRequired bool
}

// Order captures an order header together with its line items.
type Order struct {
	ID                    string
	ShopID                string
	OrderNumber           string
	Orderer               User
	Currency              string
	TotalAmount           int64
	LineItems             []LineItem
	PaymentState          PaymentState
	PaymentMethod         *string
	PaymentStateUpdatedAt *time.Time
	PaymentStateUpdatedBy *uuid.UUID
	CancellationReason    *string
	ProcessedAt           *time.Time
	CreatedAt             time.Time
}

// IsPaid reports whether payment has been recorded and not canceled.
func (o Order) IsPaid() bool {
	return o.PaymentState == PaymentStatePaid
}

// Shipped reports whether the shipped flag is set.
func (o Order) Shipped() bool {
	return o.ProcessedAt != nil
}

// ProcessingRequired reports whether any line item needs shipping/processing.
func (o Order) ProcessingRequired() bool {
	for _, item := range o.LineItems {
		if item.ProcessingRequired {
			return true
		}
	}
	return false
}

// LineItem is one article entry within an order.
type LineItem struct {
	ID                 string
	OrderID            string
	OrderNumber        string
	ArticleID          uuid.UUID
	ArticleNumber      string
	ArticleType        ArticleType
	Description        string
	UnitPrice          int64
	TaxRate            decimal.Decimal
	Quantity           int
	LineAmount         int64
	ProcessingRequired bool
	ProcessingResult   map[string]any
	ProcessedAt        *time.Time
}

// Processed reports whether downstream actions already recorded a result.
func (li LineItem) Processed() bool {
	return li.ProcessedAt != nil
}

// OrderLogEventType names an entry in an order's audit trail.
type OrderLogEventType string

const (
	LogOrderPlaced             OrderLogEventType = "order-placed"
	LogOrderNoteAdded          OrderLogEventType = "order-note-added"
	LogOrderShipped            OrderLogEventType = "order-shipped"
	LogOrderShippedWithdrawn   OrderLogEventType = "order-shipped-withdrawn"
	LogOrderCanceledBeforePaid OrderLogEventType = "order-canceled-before-paid"
	LogOrderCanceledAfterPaid  OrderLogEventType = "order-canceled-after-paid"
	LogOrderPaid               OrderLogEventType = "order-paid"
	LogTicketCreated           OrderLogEventType = "ticket-created"
	LogTicketRevoked           OrderLogEventType = "ticket-revoked"
	LogTicketBundleCreated     OrderLogEventType = "ticket-bundle-created"
	LogTicketBundleRevoked     OrderLogEventType = "ticket-bundle-revoked"
	LogBadgeAwarded            OrderLogEventType = "badge-awarded"
)

// OrderLogEntry is an append-only audit entry tied to an order.
type OrderLogEntry struct {
	ID         string
	OrderID    string
	OccurredAt time.Time
	EventType  OrderLogEventType
	Data       map[string]any
}

// Payment records money received for an order.
type Payment struct {
	ID             string
	OrderID        string
	CreatedAt      time.Time
	Method         string
	Amount         int64
	Currency       string
	AdditionalData map[string]any
}

// TicketCategory groups tickets of one party.
type TicketCategory struct {
	ID      uuid.UUID
	PartyID string
	Title   string
}

// Ticket grants one seat/admission and is identified by a human-readable code.
type Ticket struct {
	ID          uuid.UUID
	Code        string
	CategoryID  uuid.UUID
	OwnedBy     uuid.UUID
	BundleID    *uuid.UUID
	OrderNumber *string
	CreatedAt   time.Time
	Revoked     bool
}

// TicketBundle groups a fixed number of tickets issued together.
type TicketBundle struct {
	ID             uuid.UUID
	CreatedAt      time.Time
	CategoryID     uuid.UUID
	TicketQuantity int
	OwnedBy        uuid.UUID
	Label          *string
	OrderNumber    *string
	Revoked        bool
	Tickets        []Ticket
}

// OrderAction binds a named procedure to an article number.
type OrderAction struct {
	ID            string
	ArticleNumber string
	Procedure     string
	Parameters    map[string]any
}

// BadgeAwarding records a badge handed to a user.
type BadgeAwarding struct {
	ID        uuid.UUID
	BadgeID   uuid.UUID
	UserID    uuid.UUID
	AwardedAt time.Time
}
