package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

const (
	resultCompletedActions = "completed_order_actions"
	resultRevokedActions   = "revoked_order_actions"

	orderLogIDPrefix = "olg_"
)

var (
	// ErrOrderActionsFailed indicates side effects failed after the order transition committed.
	ErrOrderActionsFailed = errors.New("order: actions failed")
	// ErrOrderActionMisconfigured indicates an article or order action lacks required parameters.
	ErrOrderActionMisconfigured = errors.New("order: action misconfigured")
)

// ActionExecutionError reports post-commit action failures. The order transition itself stays committed.
type ActionExecutionError struct {
	OrderID     string
	OrderNumber string
	Phase       ActionPhase
	Err         error
}

func (e *ActionExecutionError) Error() string {
	return fmt.Sprintf("order %s: %s actions failed: %v", e.OrderNumber, e.Phase, e.Err)
}

// Unwrap exposes both ErrOrderActionsFailed and the underlying failures.
func (e *ActionExecutionError) Unwrap() []error {
	return []error{ErrOrderActionsFailed, e.Err}
}

// OrderActionDispatcherDeps bundles collaborators required to construct the dispatcher.
type OrderActionDispatcherDeps struct {
	UnitOfWork      repositories.UnitOfWork
	Store           repositories.Store
	Tickets         TicketService
	Registry        *OrderActionRegistry
	ConflictRetries int
	Clock           func() time.Time
	IDGenerator     func() string
	Logger          Logger
}

type orderActionDispatcher struct {
	unitOfWork repositories.UnitOfWork
	store      repositories.Store
	builtins   map[domain.ArticleType]ArticleTypeAction
	registry   *OrderActionRegistry
	clock      func() time.Time
	newID      func() string
	logger     Logger
}

// NewOrderActionDispatcher wires the built-in article type actions and the procedure registry.
func NewOrderActionDispatcher(deps OrderActionDispatcherDeps) (OrderActionDispatcher, error) {
	if deps.UnitOfWork == nil {
		return nil, errors.New("order action dispatcher: unit of work is required")
	}
	if deps.Store == nil {
		return nil, errors.New("order action dispatcher: store is required")
	}
	if deps.Tickets == nil {
		return nil, errors.New("order action dispatcher: ticket service is required")
	}
	registry := deps.Registry
	if registry == nil {
		registry = NewOrderActionRegistry()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}

	return &orderActionDispatcher{
		unitOfWork: deps.UnitOfWork,
		store:      deps.Store,
		builtins: map[domain.ArticleType]ArticleTypeAction{
			domain.ArticleTypeTicket:       ticketAction{tickets: deps.Tickets, retries: deps.ConflictRetries},
			domain.ArticleTypeTicketBundle: ticketBundleAction{tickets: deps.Tickets, retries: deps.ConflictRetries},
		},
		registry: registry,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (d *orderActionDispatcher) ExecuteCreationActions(ctx context.Context, order Order, initiator User) error {
	return d.execute(ctx, order, initiator, ActionPhaseCreation)
}

func (d *orderActionDispatcher) ExecuteRevocationActions(ctx context.Context, order Order, initiator User) error {
	return d.execute(ctx, order, initiator, ActionPhaseRevocation)
}

// execute keeps going after a failing line item so one broken article does not block the rest.
func (d *orderActionDispatcher) execute(ctx context.Context, order Order, initiator User, phase ActionPhase) (err error) {
	ctx, span := startSpan(ctx, "orders.actions."+string(phase),
		attribute.String("order.id", order.ID),
		attribute.String("order.number", order.OrderNumber),
	)
	defer func() { endSpan(span, err) }()

	var failures []error
	for _, item := range order.LineItems {
		action, ok := d.builtins[item.ArticleType]
		if !ok {
			continue
		}
		if err := d.runBuiltin(ctx, order, item.ID, initiator, phase, action); err != nil {
			failures = append(failures, fmt.Errorf("line item %s (%s): %w", item.ID, item.ArticleNumber, err))
		}
	}
	failures = append(failures, d.runRegistered(ctx, order, initiator, phase)...)

	if len(failures) == 0 {
		return nil
	}
	return &ActionExecutionError{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Phase:       phase,
		Err:         errors.Join(failures...),
	}
}

func (d *orderActionDispatcher) runBuiltin(ctx context.Context, order Order, lineItemID string, initiator User, phase ActionPhase, action ArticleTypeAction) error {
	return d.unitOfWork.RunInTx(ctx, func(ctx context.Context, tx repositories.Tx) error {
		item, err := tx.LineItems().FindByIDForUpdate(ctx, lineItemID)
		if err != nil {
			return err
		}
		if phase == ActionPhaseCreation && item.ProcessingResult[resultIssuedAt] != nil {
			return nil
		}
		if phase == ActionPhaseRevocation && item.ProcessingResult[resultRevokedAt] != nil {
			return nil
		}

		req, err := d.request(ctx, tx, order, item, initiator)
		if err != nil {
			return err
		}
		var outcome ActionOutcome
		if phase == ActionPhaseCreation {
			outcome, err = action.Create(ctx, tx, req)
		} else {
			outcome, err = action.Revoke(ctx, tx, req)
		}
		if err != nil {
			return err
		}

		result := mergeProcessingResult(item.ProcessingResult, outcome.Result)
		marker := resultIssuedAt
		if phase == ActionPhaseRevocation {
			marker = resultRevokedAt
		}
		result[marker] = req.OccurredAt.Format(time.RFC3339Nano)
		return d.record(ctx, tx, item, result, req.OccurredAt, outcome.LogEntries)
	})
}

func (d *orderActionDispatcher) runRegistered(ctx context.Context, order Order, initiator User, phase ActionPhase) []error {
	numbers := make([]string, 0, len(order.LineItems))
	for _, item := range order.LineItems {
		if !slices.Contains(numbers, item.ArticleNumber) {
			numbers = append(numbers, item.ArticleNumber)
		}
	}
	if len(numbers) == 0 {
		return nil
	}

	actions, err := d.store.OrderActions().ListByArticleNumbers(ctx, numbers)
	if err != nil {
		return []error{fmt.Errorf("list order actions: %w", err)}
	}

	markerKey := resultCompletedActions
	if phase == ActionPhaseRevocation {
		markerKey = resultRevokedActions
	}

	var failures []error
	for _, action := range actions {
		procedure, ok := d.registry.Lookup(action.Procedure)
		if !ok {
			failures = append(failures, fmt.Errorf("%w: unknown procedure %q for article %s", ErrOrderActionMisconfigured, action.Procedure, action.ArticleNumber))
			continue
		}
		if procedure.Phase != phase {
			continue
		}
		for _, item := range order.LineItems {
			if item.ArticleNumber != action.ArticleNumber {
				continue
			}
			err := d.unitOfWork.RunInTx(ctx, func(ctx context.Context, tx repositories.Tx) error {
				current, err := tx.LineItems().FindByIDForUpdate(ctx, item.ID)
				if err != nil {
					return err
				}
				done := stringList(current.ProcessingResult[markerKey])
				if slices.Contains(done, action.ID) {
					return nil
				}
				req, err := d.request(ctx, tx, order, current, initiator)
				if err != nil {
					return err
				}
				outcome, err := procedure.Run(ctx, tx, ProcedureRequest{ActionRequest: req, Parameters: cloneMap(action.Parameters)})
				if err != nil {
					return err
				}
				result := mergeProcessingResult(current.ProcessingResult, outcome.Result)
				result[markerKey] = append(done, action.ID)
				return d.record(ctx, tx, current, result, req.OccurredAt, outcome.LogEntries)
			})
			if err != nil {
				failures = append(failures, fmt.Errorf("procedure %s on line item %s: %w", action.Procedure, item.ID, err))
			}
		}
	}
	return failures
}

// actionMarkerKeys are the processing result keys the dispatcher uses to skip finished work.
var actionMarkerKeys = []string{resultIssuedAt, resultRevokedAt, resultCompletedActions, resultRevokedActions}

// withActionMarkers returns data with the dispatcher markers of current carried over.
func withActionMarkers(current, data map[string]any) map[string]any {
	out := cloneMap(data)
	for _, key := range actionMarkerKeys {
		if value, ok := current[key]; ok {
			out[key] = value
		}
	}
	return out
}

func (d *orderActionDispatcher) request(ctx context.Context, tx repositories.Tx, order Order, item LineItem, initiator User) (ActionRequest, error) {
	article, err := tx.Articles().FindByID(ctx, item.ArticleID)
	if err != nil {
		return ActionRequest{}, fmt.Errorf("load article %s: %w", item.ArticleID, err)
	}
	return ActionRequest{
		Order:      order,
		LineItem:   item,
		Article:    article,
		Initiator:  initiator,
		OccurredAt: d.clock(),
	}, nil
}

// record stores the processing result and log entries. A processed_at set by an earlier phase is kept.
func (d *orderActionDispatcher) record(ctx context.Context, tx repositories.Tx, item LineItem, result map[string]any, now time.Time, entries []OrderLogEntry) error {
	processedAt := now
	if item.ProcessedAt != nil {
		processedAt = *item.ProcessedAt
	}
	if err := tx.LineItems().UpdateProcessingResult(ctx, item.ID, result, processedAt); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	for i := range entries {
		entries[i].ID = orderLogIDPrefix + d.newID()
	}
	return tx.OrderLog().Append(ctx, entries...)
}
