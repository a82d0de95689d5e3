package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrOrderAlreadyMarkedAsPaid indicates payment cannot be recorded because the order left the open state.
	ErrOrderAlreadyMarkedAsPaid = errors.New("order: already marked as paid")
	// ErrOrderAlreadyCanceled indicates the order already reached a terminal cancellation state.
	ErrOrderAlreadyCanceled = errors.New("order: already canceled")
	// ErrOrderShippingNotRequired indicates none of the line items require shipping.
	ErrOrderShippingNotRequired = errors.New("order: contains no items that require shipping")
	// ErrOrderNotShippable indicates the shipped flag cannot change for canceled orders.
	ErrOrderNotShippable = errors.New("order: canceled orders cannot change shipping state")
	// ErrOrderInvalidInput indicates a transition was requested with invalid arguments.
	ErrOrderInvalidInput = errors.New("order: invalid input")
)

// PaidTransition is the outcome of marking an order as paid.
type PaidTransition struct {
	Event    ShopOrderPaidEvent
	LogEntry OrderLogEntry
}

// CanceledTransition is the outcome of canceling an order.
type CanceledTransition struct {
	Event          ShopOrderCanceledEvent
	LogEntry       OrderLogEntry
	PaymentStateTo PaymentState
}

// RevocationRequired reports whether downstream artifacts were issued and must be revoked.
func (t CanceledTransition) RevocationRequired() bool {
	return t.PaymentStateTo == PaymentStateCanceledAfterPaid
}

// MarkOrderAsPaid validates that payment can be recorded for the order.
func MarkOrderAsPaid(order Order, paymentMethod string, additionalData map[string]any, initiator User, occurredAt time.Time) (PaidTransition, error) {
	paymentMethod = strings.TrimSpace(paymentMethod)
	if paymentMethod == "" {
		return PaidTransition{}, fmt.Errorf("%w: payment method is required", ErrOrderInvalidInput)
	}
	if order.PaymentState != PaymentStateOpen {
		return PaidTransition{}, fmt.Errorf("%w: order %s is %s", ErrOrderAlreadyMarkedAsPaid, order.OrderNumber, order.PaymentState)
	}

	event := ShopOrderPaidEvent{
		OrderEventBase: newOrderEventBase(order, initiator, occurredAt),
		PaymentMethod:  paymentMethod,
	}
	entry := OrderLogEntry{
		OrderID:    order.ID,
		OccurredAt: occurredAt,
		EventType:  LogOrderPaid,
		Data: map[string]any{
			"initiator_id":         initiator.ID.String(),
			"former_payment_state": string(order.PaymentState),
			"payment_method":       paymentMethod,
		},
	}
	if len(additionalData) > 0 {
		entry.Data["additional_payment_data"] = additionalData
	}
	return PaidTransition{Event: event, LogEntry: entry}, nil
}

// CancelOrder validates the cancellation and selects the terminal state.
func CancelOrder(order Order, reason string, initiator User, occurredAt time.Time) (CanceledTransition, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return CanceledTransition{}, fmt.Errorf("%w: cancellation reason is required", ErrOrderInvalidInput)
	}
	if order.PaymentState.IsCanceled() {
		return CanceledTransition{}, fmt.Errorf("%w: order %s is %s", ErrOrderAlreadyCanceled, order.OrderNumber, order.PaymentState)
	}

	stateTo := PaymentStateCanceledBeforePaid
	eventType := LogOrderCanceledBeforePaid
	if order.IsPaid() {
		stateTo = PaymentStateCanceledAfterPaid
		eventType = LogOrderCanceledAfterPaid
	}

	event := ShopOrderCanceledEvent{
		OrderEventBase: newOrderEventBase(order, initiator, occurredAt),
		PaymentStateTo: stateTo,
		Reason:         reason,
	}
	entry := OrderLogEntry{
		OrderID:    order.ID,
		OccurredAt: occurredAt,
		EventType:  eventType,
		Data: map[string]any{
			"initiator_id":         initiator.ID.String(),
			"former_payment_state": string(order.PaymentState),
			"reason":               reason,
		},
	}
	return CanceledTransition{Event: event, LogEntry: entry, PaymentStateTo: stateTo}, nil
}

// SetShippedFlag builds the audit entry for marking the order as shipped.
func SetShippedFlag(order Order, initiator User, occurredAt time.Time) (OrderLogEntry, error) {
	if err := ensureShippable(order); err != nil {
		return OrderLogEntry{}, err
	}
	return shippingLogEntry(order, LogOrderShipped, initiator, occurredAt), nil
}

// UnsetShippedFlag builds the audit entry for withdrawing the shipped flag.
func UnsetShippedFlag(order Order, initiator User, occurredAt time.Time) (OrderLogEntry, error) {
	if err := ensureShippable(order); err != nil {
		return OrderLogEntry{}, err
	}
	return shippingLogEntry(order, LogOrderShippedWithdrawn, initiator, occurredAt), nil
}

func ensureShippable(order Order) error {
	if !order.ProcessingRequired() {
		return fmt.Errorf("%w: order %s", ErrOrderShippingNotRequired, order.OrderNumber)
	}
	if order.PaymentState.IsCanceled() {
		return fmt.Errorf("%w: order %s is %s", ErrOrderNotShippable, order.OrderNumber, order.PaymentState)
	}
	return nil
}

func shippingLogEntry(order Order, eventType OrderLogEventType, initiator User, occurredAt time.Time) OrderLogEntry {
	return OrderLogEntry{
		OrderID:    order.ID,
		OccurredAt: occurredAt,
		EventType:  eventType,
		Data: map[string]any{
			"initiator_id": initiator.ID.String(),
		},
	}
}

// AddNote builds a note entry for the order's audit trail.
func AddNote(order Order, author User, text string, occurredAt time.Time) (OrderLogEntry, error) {
	if strings.TrimSpace(text) == "" {
		return OrderLogEntry{}, fmt.Errorf("%w: note text is required", ErrOrderInvalidInput)
	}
	return OrderLogEntry{
		OrderID:    order.ID,
		OccurredAt: occurredAt,
		EventType:  LogOrderNoteAdded,
		Data: map[string]any{
			"author_id": author.ID.String(),
			"text":      text,
		},
	}, nil
}
