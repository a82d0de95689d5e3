package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/textutil"
	"github.com/hanko-field/orders/internal/repositories"
)

const (
	orderIDPrefix    = "ord_"
	lineItemIDPrefix = "oli_"
	paymentIDPrefix  = "pay_"
	outboxIDPrefix   = "evt_"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = domain.ErrOrderInvalidInput
	// ErrOrderAlreadyMarkedAsPaid is returned when payment is recorded for an order that left the open state.
	ErrOrderAlreadyMarkedAsPaid = domain.ErrOrderAlreadyMarkedAsPaid
	// ErrOrderAlreadyCanceled is returned when canceling an order in a terminal state.
	ErrOrderAlreadyCanceled = domain.ErrOrderAlreadyCanceled
	// ErrOrderShippingNotRequired is returned when toggling the shipped flag on an order without shippable items.
	ErrOrderShippingNotRequired = domain.ErrOrderShippingNotRequired
	// ErrOrderNotShippable is returned when toggling the shipped flag on a canceled order.
	ErrOrderNotShippable = domain.ErrOrderNotShippable
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrLineItemNotFound indicates the line item could not be located.
	ErrLineItemNotFound = errors.New("order: line item not found")
	// ErrOrderConflict indicates a concurrent modification or duplicate.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates the backing store is temporarily unreachable.
	ErrOrderUnavailable = errors.New("order: repository unavailable")
	// ErrArticleNotFound indicates an ordered article does not exist.
	ErrArticleNotFound = errors.New("order: article not found")
	// ErrArticleQuantityExhausted indicates an article has too little stock left for the order.
	ErrArticleQuantityExhausted = errors.New("order: article quantity exhausted")
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	UnitOfWork  repositories.UnitOfWork
	Store       repositories.Store
	Sequences   SequenceService
	Actions     OrderActionDispatcher
	EventTopic  string
	Clock       func() time.Time
	IDGenerator func() string
	Logger      Logger
}

type orderService struct {
	unitOfWork repositories.UnitOfWork
	store      repositories.Store
	sequences  SequenceService
	actions    OrderActionDispatcher
	topic      string
	clock      func() time.Time
	newID      func() string
	logger     Logger
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.UnitOfWork == nil {
		return nil, errors.New("order service: unit of work is required")
	}
	if deps.Store == nil {
		return nil, errors.New("order service: store is required")
	}
	if deps.Sequences == nil {
		return nil, errors.New("order service: sequence service is required")
	}
	if deps.Actions == nil {
		return nil, errors.New("order service: action dispatcher is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	topic := strings.TrimSpace(deps.EventTopic)
	if topic == "" {
		topic = DefaultEventTopic
	}

	return &orderService{
		unitOfWork: deps.UnitOfWork,
		store:      deps.Store,
		sequences:  deps.Sequences,
		actions:    deps.Actions,
		topic:      topic,
		clock: func() time.Time {
			return clock().UTC().Truncate(time.Microsecond)
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (result PlacedOrder, err error) {
	if len(cmd.Items) == 0 {
		return PlacedOrder{}, fmt.Errorf("%w: at least one item is required", ErrOrderInvalidInput)
	}
	if cmd.Orderer.ID == uuid.Nil {
		return PlacedOrder{}, fmt.Errorf("%w: orderer is required", ErrOrderInvalidInput)
	}

	ctx, span := startSpan(ctx, "orders.place", attribute.String("shop.id", cmd.ShopID))
	defer func() { endSpan(span, err) }()

	orderNumber, err := s.sequences.NextOrderNumber(ctx, cmd.ShopID)
	if err != nil {
		return PlacedOrder{}, err
	}

	var placed domain.PlacedOrder
	err = s.unitOfWork.RunInTx(ctx, func(ctx context.Context, tx repositories.Tx) error {
		items := make([]domain.PlacementItem, 0, len(cmd.Items))
		for _, item := range cmd.Items {
			article, err := tx.Articles().FindByID(ctx, item.ArticleID)
			if err != nil {
				if isNotFound(err) {
					return fmt.Errorf("%w: %s", ErrArticleNotFound, item.ArticleID)
				}
				return err
			}
			items = append(items, domain.PlacementItem{Article: article, Quantity: item.Quantity})
		}

		now := s.clock()
		var err error
		placed, err = domain.PlaceOrder(domain.OrderPlacement{
			ID:          orderIDPrefix + s.newID(),
			ShopID:      cmd.ShopID,
			OrderNumber: orderNumber,
			Orderer:     cmd.Orderer,
			Currency:    cmd.Currency,
			Items:       items,
			PlacedAt:    now,
		})
		if err != nil {
			return err
		}
		for i := range placed.Order.LineItems {
			placed.Order.LineItems[i].ID = lineItemIDPrefix + s.newID()
		}

		if err := tx.Orders().Insert(ctx, placed.Order); err != nil {
			return err
		}
		if err := tx.LineItems().InsertMany(ctx, placed.Order.LineItems); err != nil {
			return err
		}
		for _, item := range placed.Order.LineItems {
			if err := tx.Articles().DecreaseQuantity(ctx, item.ArticleID, item.Quantity); err != nil {
				if errors.Is(err, repositories.ErrInsufficientQuantity) {
					return fmt.Errorf("%w: article %s", ErrArticleQuantityExhausted, item.ArticleNumber)
				}
				return err
			}
		}
		placed.LogEntry.ID = orderLogIDPrefix + s.newID()
		if err := tx.OrderLog().Append(ctx, placed.LogEntry); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, placed.Event, now)
	})
	if err != nil {
		return PlacedOrder{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "orders.placed", map[string]any{
		"order_id":     placed.Order.ID,
		"order_number": placed.Order.OrderNumber,
		"shop_id":      placed.Order.ShopID,
		"total_amount": placed.Order.TotalAmount,
		"currency":     placed.Order.Currency,
	})
	return PlacedOrder{Order: placed.Order, Event: placed.Event}, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID, err := requireOrderID(orderID)
	if err != nil {
		return Order{}, err
	}
	order, err := s.store.Orders().FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) MarkOrderAsPaid(ctx context.Context, cmd MarkOrderAsPaidCommand) (result PaidOrder, err error) {
	orderID, err := requireOrderID(cmd.OrderID)
	if err != nil {
		return PaidOrder{}, err
	}

	ctx, span := startSpan(ctx, "orders.mark_paid", attribute.String("order.id", orderID))
	defer func() { endSpan(span, err) }()

	var (
		paid       Order
		transition domain.PaidTransition
	)
	err = s.unitOfWork.RunInTx(ctx, func(ctx context.Context, tx repositories.Tx) error {
		order, err := tx.Orders().FindByIDForUpdate(ctx, orderID)
		if err != nil {
			return err
		}

		now := s.clock()
		transition, err = domain.MarkOrderAsPaid(order, cmd.PaymentMethod, cmd.AdditionalData, cmd.Initiator, now)
		if err != nil {
			return err
		}
		method := transition.Event.PaymentMethod

		if err := tx.Payments().Insert(ctx, domain.Payment{
			ID:             paymentIDPrefix + s.newID(),
			OrderID:        order.ID,
			CreatedAt:      now,
			Method:         method,
			Amount:         order.TotalAmount,
			Currency:       order.Currency,
			AdditionalData: cloneMap(cmd.AdditionalData),
		}); err != nil {
			return err
		}
		if err := tx.Orders().UpdatePaymentState(ctx, repositories.PaymentStateUpdate{
			OrderID:       order.ID,
			State:         domain.PaymentStatePaid,
			UpdatedAt:     now,
			UpdatedBy:     cmd.Initiator.ID,
			PaymentMethod: &method,
		}); err != nil {
			return err
		}
		transition.LogEntry.ID = orderLogIDPrefix + s.newID()
		if err := tx.OrderLog().Append(ctx, transition.LogEntry); err != nil {
			return err
		}
		if err := s.enqueue(ctx, tx, transition.Event, now); err != nil {
			return err
		}

		order.PaymentState = domain.PaymentStatePaid
		order.PaymentMethod = &method
		order.PaymentStateUpdatedAt = &now
		order.PaymentStateUpdatedBy = valuePtr(cmd.Initiator.ID)
		paid = order
		return nil
	})
	if err != nil {
		return PaidOrder{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "orders.marked_paid", map[string]any{
		"order_id":       paid.ID,
		"order_number":   paid.OrderNumber,
		"payment_method": transition.Event.PaymentMethod,
		"initiator_id":   cmd.Initiator.ID.String(),
	})

	actionErr := s.actions.ExecuteCreationActions(ctx, paid, cmd.Initiator)
	paid = s.reload(ctx, paid)
	if actionErr != nil {
		s.logActionFailure(ctx, paid, actionErr)
		return PaidOrder{Order: paid, Event: transition.Event}, actionErr
	}
	return PaidOrder{Order: paid, Event: transition.Event}, nil
}

func (s *orderService) CancelOrder(ctx context.Context, cmd CancelOrderCommand) (result CanceledOrder, err error) {
	orderID, err := requireOrderID(cmd.OrderID)
	if err != nil {
		return CanceledOrder{}, err
	}
	reason := textutil.SanitizePlainText(cmd.Reason)

	ctx, span := startSpan(ctx, "orders.cancel", attribute.String("order.id", orderID))
	defer func() { endSpan(span, err) }()

	var (
		canceled   Order
		transition domain.CanceledTransition
	)
	err = s.unitOfWork.RunInTx(ctx, func(ctx context.Context, tx repositories.Tx) error {
		order, err := tx.Orders().FindByIDForUpdate(ctx, orderID)
		if err != nil {
			return err
		}

		now := s.clock()
		transition, err = domain.CancelOrder(order, reason, cmd.Initiator, now)
		if err != nil {
			return err
		}

		if err := tx.Orders().UpdatePaymentState(ctx, repositories.PaymentStateUpdate{
			OrderID:            order.ID,
			State:              transition.PaymentStateTo,
			UpdatedAt:          now,
			UpdatedBy:          cmd.Initiator.ID,
			CancellationReason: &reason,
		}); err != nil {
			return err
		}
		for _, item := range order.LineItems {
			if err := tx.Articles().IncreaseQuantity(ctx, item.ArticleID, item.Quantity); err != nil {
				return err
			}
		}
		transition.LogEntry.ID = orderLogIDPrefix + s.newID()
		if err := tx.OrderLog().Append(ctx, transition.LogEntry); err != nil {
			return err
		}
		if err := s.enqueue(ctx, tx, transition.Event, now); err != nil {
			return err
		}

		order.PaymentState = transition.PaymentStateTo
		order.PaymentStateUpdatedAt = &now
		order.PaymentStateUpdatedBy = valuePtr(cmd.Initiator.ID)
		order.CancellationReason = &reason
		canceled = order
		return nil
	})
	if err != nil {
		return CanceledOrder{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "orders.canceled", map[string]any{
		"order_id":      canceled.ID,
		"order_number":  canceled.OrderNumber,
		"payment_state": string(transition.PaymentStateTo),
		"initiator_id":  cmd.Initiator.ID.String(),
	})

	if !transition.RevocationRequired() {
		return CanceledOrder{Order: canceled, Event: transition.Event}, nil
	}
	actionErr := s.actions.ExecuteRevocationActions(ctx, canceled, cmd.Initiator)
	canceled = s.reload(ctx, canceled)
	if actionErr != nil {
		s.logActionFailure(ctx, canceled, actionErr)
		return CanceledOrder{Order: canceled, Event: transition.Event}, actionErr
	}
	return CanceledOrder{Order: canceled, Event: transition.Event}, nil
}

func (s *orderService) AddNote(ctx context.Context, cmd AddOrderNoteCommand) (OrderLogEntry, error) {
	orderID, err := requireOrderID(cmd.OrderID)
	if err != nil {
		return OrderLogEntry{}, err
	}
	text := textutil.SanitizePlainText(cmd.Text)

	var entry OrderLogEntry
	err = s.unitOfWork.RunInTx(ctx, func(ctx context.Context, tx repositories.Tx) error {
		order, err := tx.Orders().FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		entry, err = domain.AddNote(order, cmd.Author, text, s.clock())
		if err != nil {
			return err
		}
		entry.ID = orderLogIDPrefix + s.newID()
		return tx.OrderLog().Append(ctx, entry)
	})
	if err != nil {
		return OrderLogEntry{}, s.mapRepositoryError(err)
	}
	return entry, nil
}

func (s *orderService) SetShippedFlag(ctx context.Context, orderID string, initiator User) (Order, error) {
	return s.changeShippedFlag(ctx, orderID, initiator, true)
}

func (s *orderService) UnsetShippedFlag(ctx context.Context, orderID string, initiator User) (Order, error) {
	return s.changeShippedFlag(ctx, orderID, initiator, false)
}

func (s *orderService) changeShippedFlag(ctx context.Context, orderID string, initiator User, shipped bool) (result Order, err error) {
	orderID, err = requireOrderID(orderID)
	if err != nil {
		return Order{}, err
	}

	ctx, span := startSpan(ctx, "orders.shipped_flag",
		attribute.String("order.id", orderID),
		attribute.Bool("order.shipped", shipped),
	)
	defer func() { endSpan(span, err) }()

	var updated Order
	err = s.unitOfWork.RunInTx(ctx, func(ctx context.Context, tx repositories.Tx) error {
		order, err := tx.Orders().FindByIDForUpdate(ctx, orderID)
		if err != nil {
			return err
		}

		now := s.clock()
		var (
			entry       OrderLogEntry
			processedAt *time.Time
		)
		if shipped {
			entry, err = domain.SetShippedFlag(order, initiator, now)
			processedAt = &now
		} else {
			entry, err = domain.UnsetShippedFlag(order, initiator, now)
		}
		if err != nil {
			return err
		}

		if err := tx.Orders().UpdateProcessedAt(ctx, order.ID, processedAt); err != nil {
			return err
		}
		entry.ID = orderLogIDPrefix + s.newID()
		if err := tx.OrderLog().Append(ctx, entry); err != nil {
			return err
		}
		order.ProcessedAt = processedAt
		updated = order
		return nil
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return updated, nil
}

func (s *orderService) UpdateLineItemProcessingResult(ctx context.Context, lineItemID string, data map[string]any) error {
	lineItemID = strings.TrimSpace(lineItemID)
	if lineItemID == "" {
		return fmt.Errorf("%w: line item id is required", ErrOrderInvalidInput)
	}
	err := s.unitOfWork.RunInTx(ctx, func(ctx context.Context, tx repositories.Tx) error {
		item, err := tx.LineItems().FindByIDForUpdate(ctx, lineItemID)
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: %s", ErrLineItemNotFound, lineItemID)
			}
			return err
		}
		return tx.LineItems().UpdateProcessingResult(ctx, lineItemID, withActionMarkers(item.ProcessingResult, data), s.clock())
	})
	return s.mapRepositoryError(err)
}

// DeleteOrder removes the order and everything it owns, leaf tables first. Issued numbers are not reused.
func (s *orderService) DeleteOrder(ctx context.Context, orderID string) error {
	orderID, err := requireOrderID(orderID)
	if err != nil {
		return err
	}

	var orderNumber string
	err = s.unitOfWork.RunInTx(ctx, func(ctx context.Context, tx repositories.Tx) error {
		order, err := tx.Orders().FindByIDForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		orderNumber = order.OrderNumber
		if err := tx.Payments().DeleteByOrder(ctx, orderID); err != nil {
			return err
		}
		if err := tx.OrderLog().DeleteByOrder(ctx, orderID); err != nil {
			return err
		}
		if err := tx.LineItems().DeleteByOrder(ctx, orderID); err != nil {
			return err
		}
		return tx.Orders().Delete(ctx, orderID)
	})
	if err != nil {
		return s.mapRepositoryError(err)
	}
	s.logger(ctx, "orders.deleted", map[string]any{
		"order_id":     orderID,
		"order_number": orderNumber,
	})
	return nil
}

// ReconcileActions re-runs the side effects of the order's current payment state. Line items that
// already recorded a result are skipped, so repeated calls do not issue duplicates.
func (s *orderService) ReconcileActions(ctx context.Context, orderID string, initiator User) (Order, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}

	var actionErr error
	switch order.PaymentState {
	case domain.PaymentStatePaid:
		actionErr = s.actions.ExecuteCreationActions(ctx, order, initiator)
	case domain.PaymentStateCanceledAfterPaid:
		actionErr = s.actions.ExecuteRevocationActions(ctx, order, initiator)
	default:
		return order, fmt.Errorf("%w: order %s is %s and has no actions to reconcile", ErrOrderInvalidInput, order.OrderNumber, order.PaymentState)
	}

	order = s.reload(ctx, order)
	if actionErr != nil {
		s.logActionFailure(ctx, order, actionErr)
		return order, actionErr
	}
	s.logger(ctx, "orders.actions_reconciled", map[string]any{
		"order_id":      order.ID,
		"order_number":  order.OrderNumber,
		"payment_state": string(order.PaymentState),
	})
	return order, nil
}

func (s *orderService) enqueue(ctx context.Context, tx repositories.Tx, event domain.Event, now time.Time) error {
	msg, err := newOutboxMessage(outboxIDPrefix+s.newID(), s.topic, event, now)
	if err != nil {
		return err
	}
	return tx.Outbox().Insert(ctx, msg)
}

// reload returns the stored order, falling back to the in-memory copy when the read fails.
func (s *orderService) reload(ctx context.Context, order Order) Order {
	fresh, err := s.store.Orders().FindByID(ctx, order.ID)
	if err != nil {
		s.logger(ctx, "orders.reload_failed", map[string]any{
			"order_id": order.ID,
			"error":    err,
		})
		return order
	}
	return fresh
}

func (s *orderService) logActionFailure(ctx context.Context, order Order, err error) {
	s.logger(ctx, "orders.actions_failed", map[string]any{
		"order_id":      order.ID,
		"order_number":  order.OrderNumber,
		"payment_state": string(order.PaymentState),
		"error":         err,
	})
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}
	return err
}

func requireOrderID(orderID string) (string, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return "", fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	return orderID, nil
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
