package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

// Article type parameters and line item processing result keys.
const (
	paramTicketCategoryID = "ticket_category_id"
	paramTicketQuantity   = "ticket_quantity"

	resultTicketIDs       = "ticket_ids"
	resultTicketBundleIDs = "ticket_bundle_ids"
	resultIssuedAt        = "issued_at"
	resultRevokedAt       = "revoked_at"
)

// ActionRequest describes one line item an action runs for.
type ActionRequest struct {
	Order      Order
	LineItem   LineItem
	Article    Article
	Initiator  User
	OccurredAt time.Time
}

// ActionOutcome is merged into the line item's processing result; log entries get IDs assigned on append.
type ActionOutcome struct {
	Result     map[string]any
	LogEntries []OrderLogEntry
}

// ArticleTypeAction is the built-in behaviour attached to one article type.
type ArticleTypeAction interface {
	Create(ctx context.Context, tx repositories.Tx, req ActionRequest) (ActionOutcome, error)
	Revoke(ctx context.Context, tx repositories.Tx, req ActionRequest) (ActionOutcome, error)
}

type ticketAction struct {
	tickets TicketService
	retries int
}

func (a ticketAction) Create(ctx context.Context, tx repositories.Tx, req ActionRequest) (ActionOutcome, error) {
	categoryID, err := uuidParam(req.Article.TypeParams, paramTicketCategoryID)
	if err != nil {
		return ActionOutcome{}, err
	}
	return createTickets(ctx, tx, a.tickets, a.retries, req, categoryID, req.LineItem.Quantity)
}

func (a ticketAction) Revoke(ctx context.Context, tx repositories.Tx, req ActionRequest) (ActionOutcome, error) {
	return revokeTickets(ctx, tx, a.tickets, req)
}

type ticketBundleAction struct {
	tickets TicketService
	retries int
}

func (a ticketBundleAction) Create(ctx context.Context, tx repositories.Tx, req ActionRequest) (ActionOutcome, error) {
	categoryID, err := uuidParam(req.Article.TypeParams, paramTicketCategoryID)
	if err != nil {
		return ActionOutcome{}, err
	}
	perBundle, err := intParam(req.Article.TypeParams, paramTicketQuantity)
	if err != nil {
		return ActionOutcome{}, err
	}
	return createTicketBundles(ctx, tx, a.tickets, a.retries, req, categoryID, perBundle, req.LineItem.Quantity)
}

func (a ticketBundleAction) Revoke(ctx context.Context, tx repositories.Tx, req ActionRequest) (ActionOutcome, error) {
	return revokeTicketBundles(ctx, tx, a.tickets, req)
}

func createTickets(ctx context.Context, tx repositories.Tx, tickets TicketService, retries int, req ActionRequest, categoryID uuid.UUID, quantity int) (ActionOutcome, error) {
	orderNumber := req.Order.OrderNumber
	owner := req.Order.Orderer.ID

	var created []Ticket
	err := retryOnConflict(retries, func() error {
		var err error
		created, err = tickets.CreateTickets(ctx, tx, CreateTicketsCommand{
			CategoryID:  categoryID,
			OwnerID:     owner,
			Quantity:    quantity,
			OrderNumber: &orderNumber,
		})
		return err
	})
	if err != nil {
		return ActionOutcome{}, err
	}

	ids := make([]uuid.UUID, 0, len(created))
	entries := make([]OrderLogEntry, 0, len(created))
	for _, ticket := range created {
		ids = append(ids, ticket.ID)
		entries = append(entries, actionLogEntry(req, domain.LogTicketCreated, map[string]any{
			"ticket_id":          ticket.ID.String(),
			"ticket_code":        ticket.Code,
			"ticket_category_id": categoryID.String(),
			"ticket_owner_id":    owner.String(),
		}))
	}
	return ActionOutcome{
		Result:     map[string]any{resultTicketIDs: uuidStrings(ids)},
		LogEntries: entries,
	}, nil
}

func createTicketBundles(ctx context.Context, tx repositories.Tx, tickets TicketService, retries int, req ActionRequest, categoryID uuid.UUID, ticketQuantity, bundleCount int) (ActionOutcome, error) {
	if bundleCount < 1 {
		return ActionOutcome{}, fmt.Errorf("%w: bundle count must be positive", ErrTicketInvalidInput)
	}
	orderNumber := req.Order.OrderNumber
	owner := req.Order.Orderer.ID

	ids := make([]uuid.UUID, 0, bundleCount)
	entries := make([]OrderLogEntry, 0, bundleCount)
	for range bundleCount {
		var bundle TicketBundle
		err := retryOnConflict(retries, func() error {
			var err error
			bundle, err = tickets.CreateTicketBundle(ctx, tx, CreateTicketBundleCommand{
				CategoryID:     categoryID,
				TicketQuantity: ticketQuantity,
				OwnerID:        owner,
				OrderNumber:    &orderNumber,
			})
			return err
		})
		if err != nil {
			return ActionOutcome{}, err
		}
		ids = append(ids, bundle.ID)
		entries = append(entries, actionLogEntry(req, domain.LogTicketBundleCreated, map[string]any{
			"ticket_bundle_id":              bundle.ID.String(),
			"ticket_bundle_category_id":     categoryID.String(),
			"ticket_bundle_ticket_quantity": ticketQuantity,
			"ticket_bundle_owner_id":        owner.String(),
		}))
	}
	return ActionOutcome{
		Result:     map[string]any{resultTicketBundleIDs: uuidStrings(ids)},
		LogEntries: entries,
	}, nil
}

func revokeTickets(ctx context.Context, tx repositories.Tx, tickets TicketService, req ActionRequest) (ActionOutcome, error) {
	ids, err := uuidList(req.LineItem.ProcessingResult[resultTicketIDs])
	if err != nil {
		return ActionOutcome{}, fmt.Errorf("line item %s: %w", req.LineItem.ID, err)
	}
	revoked, err := tickets.RevokeTickets(ctx, tx, ids)
	if err != nil {
		return ActionOutcome{}, err
	}
	entries := make([]OrderLogEntry, 0, len(revoked))
	for _, id := range revoked {
		entries = append(entries, actionLogEntry(req, domain.LogTicketRevoked, map[string]any{
			"ticket_id": id.String(),
		}))
	}
	return ActionOutcome{LogEntries: entries}, nil
}

func revokeTicketBundles(ctx context.Context, tx repositories.Tx, tickets TicketService, req ActionRequest) (ActionOutcome, error) {
	ids, err := uuidList(req.LineItem.ProcessingResult[resultTicketBundleIDs])
	if err != nil {
		return ActionOutcome{}, fmt.Errorf("line item %s: %w", req.LineItem.ID, err)
	}
	revoked, err := tickets.RevokeTicketBundles(ctx, tx, ids)
	if err != nil {
		return ActionOutcome{}, err
	}
	entries := make([]OrderLogEntry, 0, len(revoked))
	for _, id := range revoked {
		entries = append(entries, actionLogEntry(req, domain.LogTicketBundleRevoked, map[string]any{
			"ticket_bundle_id": id.String(),
		}))
	}
	return ActionOutcome{LogEntries: entries}, nil
}

// retryOnConflict runs fn up to retries additional times while it reports a ticket code conflict.
func retryOnConflict(retries int, fn func() error) error {
	if retries < 0 {
		retries = 0
	}
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		err = fn()
		if !errors.Is(err, ErrTicketCreationConflict) {
			return err
		}
	}
	return err
}

func actionLogEntry(req ActionRequest, eventType domain.OrderLogEventType, data map[string]any) OrderLogEntry {
	data["initiator_id"] = req.Initiator.ID.String()
	return OrderLogEntry{
		OrderID:    req.Order.ID,
		OccurredAt: req.OccurredAt,
		EventType:  eventType,
		Data:       data,
	}
}

func uuidParam(params map[string]any, key string) (uuid.UUID, error) {
	raw, ok := params[key]
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: parameter %q is missing", ErrOrderActionMisconfigured, key)
	}
	id, err := uuid.Parse(strings.TrimSpace(fmt.Sprint(raw)))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: parameter %q: %v", ErrOrderActionMisconfigured, key, err)
	}
	return id, nil
}

func intParam(params map[string]any, key string) (int, error) {
	raw, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("%w: parameter %q is missing", ErrOrderActionMisconfigured, key)
	}
	var (
		value int
		err   error
	)
	switch v := raw.(type) {
	case int:
		value = v
	case int64:
		value = int(v)
	case float64:
		value = int(v)
		if float64(value) != v {
			err = fmt.Errorf("not an integer: %v", v)
		}
	case json.Number:
		var n int64
		n, err = v.Int64()
		value = int(n)
	case string:
		value, err = strconv.Atoi(strings.TrimSpace(v))
	default:
		err = fmt.Errorf("unsupported type %T", raw)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: parameter %q: %v", ErrOrderActionMisconfigured, key, err)
	}
	return value, nil
}
