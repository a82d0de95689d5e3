package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event names used on the wire.
const (
	EventShopOrderPlaced   = "shop-order-placed"
	EventShopOrderPaid     = "shop-order-paid"
	EventShopOrderCanceled = "shop-order-canceled"
)

// Event is emitted by order transitions towards the notification layer.
type Event interface {
	EventName() string
	AggregateID() string
}

// EventParticipant is the serialised form of a user inside an event.
type EventParticipant struct {
	ID         uuid.UUID `json:"id"`
	ScreenName string    `json:"screenName,omitempty"`
}

func participant(u User) EventParticipant {
	return EventParticipant{ID: u.ID, ScreenName: u.ScreenName}
}

// OrderEventBase carries the fields shared by all order events.
type OrderEventBase struct {
	OccurredAt  time.Time        `json:"occurredAt"`
	Initiator   EventParticipant `json:"initiator"`
	ShopID      string           `json:"shopId"`
	OrderID     string           `json:"orderId"`
	OrderNumber string           `json:"orderNumber"`
	Orderer     EventParticipant `json:"orderer"`
}

// AggregateID returns the order ID.
func (e OrderEventBase) AggregateID() string { return e.OrderID }

// ShopOrderPlacedEvent is emitted once an order has been stored.
type ShopOrderPlacedEvent struct {
	OrderEventBase
	TotalAmount int64  `json:"totalAmount"`
	Currency    string `json:"currency"`
}

// EventName implements Event.
func (ShopOrderPlacedEvent) EventName() string { return EventShopOrderPlaced }

// ShopOrderPaidEvent is emitted when an order has been marked as paid.
type ShopOrderPaidEvent struct {
	OrderEventBase
	PaymentMethod string `json:"paymentMethod"`
}

// EventName implements Event.
func (ShopOrderPaidEvent) EventName() string { return EventShopOrderPaid }

// ShopOrderCanceledEvent is emitted when an order has been canceled.
type ShopOrderCanceledEvent struct {
	OrderEventBase
	PaymentStateTo PaymentState `json:"paymentStateTo"`
	Reason         string       `json:"reason"`
}

// EventName implements Event.
func (ShopOrderCanceledEvent) EventName() string { return EventShopOrderCanceled }

func newOrderEventBase(order Order, initiator User, occurredAt time.Time) OrderEventBase {
	return OrderEventBase{
		OccurredAt:  occurredAt,
		Initiator:   participant(initiator),
		ShopID:      order.ShopID,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Orderer:     participant(order.Orderer),
	}
}
