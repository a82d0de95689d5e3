package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

// Names of the procedures registered by RegisterBuiltinProcedures.
const (
	ProcedureCreateTickets       = "create_tickets"
	ProcedureCreateTicketBundles = "create_ticket_bundles"
	ProcedureRevokeTickets       = "revoke_tickets"
	ProcedureRevokeTicketBundles = "revoke_ticket_bundles"
	ProcedureAwardBadge          = "award_badge"
)

const (
	paramCategoryID          = "category_id"
	paramQuantityPerLineItem = "quantity"
	paramBadgeID             = "badge_id"

	resultBadgeAwardingIDs = "badge_awarding_ids"
)

// ActionPhase tells which payment transition a procedure reacts to.
type ActionPhase string

const (
	ActionPhaseCreation   ActionPhase = "creation"
	ActionPhaseRevocation ActionPhase = "revocation"
)

// ProcedureRequest is an ActionRequest plus the parameters stored with the order action.
type ProcedureRequest struct {
	ActionRequest
	Parameters map[string]any
}

// ProcedureFunc runs a registered order action inside the dispatcher's transaction.
type ProcedureFunc func(ctx context.Context, tx repositories.Tx, req ProcedureRequest) (ActionOutcome, error)

// Procedure is a named order action.
type Procedure struct {
	Name  string
	Phase ActionPhase
	Run   ProcedureFunc
}

// OrderActionRegistry maps procedure names referenced by order_actions rows to implementations.
type OrderActionRegistry struct {
	mu         sync.RWMutex
	procedures map[string]Procedure
}

// NewOrderActionRegistry returns an empty registry.
func NewOrderActionRegistry() *OrderActionRegistry {
	return &OrderActionRegistry{procedures: make(map[string]Procedure)}
}

// Register adds a procedure. Names are unique.
func (r *OrderActionRegistry) Register(p Procedure) error {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return errors.New("order action registry: procedure name is required")
	}
	if p.Run == nil {
		return fmt.Errorf("order action registry: procedure %q has no implementation", name)
	}
	if p.Phase != ActionPhaseCreation && p.Phase != ActionPhaseRevocation {
		return fmt.Errorf("order action registry: procedure %q has unknown phase %q", name, p.Phase)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.procedures[name]; exists {
		return fmt.Errorf("order action registry: procedure %q already registered", name)
	}
	p.Name = name
	r.procedures[name] = p
	return nil
}

// Lookup returns the procedure registered under name.
func (r *OrderActionRegistry) Lookup(name string) (Procedure, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procedures[strings.TrimSpace(name)]
	return p, ok
}

// Names lists registered procedures in sorted order.
func (r *OrderActionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.procedures))
	for name := range r.procedures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuiltinProcedureDeps bundles collaborators of the built-in procedures.
type BuiltinProcedureDeps struct {
	Tickets         TicketService
	ConflictRetries int
	IDGenerator     func() uuid.UUID
}

// RegisterBuiltinProcedures installs the ticket and badge procedures.
func RegisterBuiltinProcedures(r *OrderActionRegistry, deps BuiltinProcedureDeps) error {
	if r == nil {
		return errors.New("order action registry: registry is required")
	}
	if deps.Tickets == nil {
		return errors.New("order action registry: ticket service is required")
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = uuid.New
	}
	retries := deps.ConflictRetries

	procedures := []Procedure{
		{
			Name:  ProcedureCreateTickets,
			Phase: ActionPhaseCreation,
			Run: func(ctx context.Context, tx repositories.Tx, req ProcedureRequest) (ActionOutcome, error) {
				categoryID, err := categoryFromParams(req)
				if err != nil {
					return ActionOutcome{}, err
				}
				perUnit := 1
				if _, ok := req.Parameters[paramQuantityPerLineItem]; ok {
					if perUnit, err = intParam(req.Parameters, paramQuantityPerLineItem); err != nil {
						return ActionOutcome{}, err
					}
				}
				return createTickets(ctx, tx, deps.Tickets, retries, req.ActionRequest, categoryID, perUnit*req.LineItem.Quantity)
			},
		},
		{
			Name:  ProcedureCreateTicketBundles,
			Phase: ActionPhaseCreation,
			Run: func(ctx context.Context, tx repositories.Tx, req ProcedureRequest) (ActionOutcome, error) {
				categoryID, err := categoryFromParams(req)
				if err != nil {
					return ActionOutcome{}, err
				}
				source := req.Parameters
				if _, ok := source[paramTicketQuantity]; !ok {
					source = req.Article.TypeParams
				}
				perBundle, err := intParam(source, paramTicketQuantity)
				if err != nil {
					return ActionOutcome{}, err
				}
				return createTicketBundles(ctx, tx, deps.Tickets, retries, req.ActionRequest, categoryID, perBundle, req.LineItem.Quantity)
			},
		},
		{
			Name:  ProcedureRevokeTickets,
			Phase: ActionPhaseRevocation,
			Run: func(ctx context.Context, tx repositories.Tx, req ProcedureRequest) (ActionOutcome, error) {
				return revokeTickets(ctx, tx, deps.Tickets, req.ActionRequest)
			},
		},
		{
			Name:  ProcedureRevokeTicketBundles,
			Phase: ActionPhaseRevocation,
			Run: func(ctx context.Context, tx repositories.Tx, req ProcedureRequest) (ActionOutcome, error) {
				return revokeTicketBundles(ctx, tx, deps.Tickets, req.ActionRequest)
			},
		},
		{
			Name:  ProcedureAwardBadge,
			Phase: ActionPhaseCreation,
			Run: func(ctx context.Context, tx repositories.Tx, req ProcedureRequest) (ActionOutcome, error) {
				return awardBadge(ctx, tx, newID, req)
			},
		},
	}
	for _, p := range procedures {
		if err := r.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// awardBadge hands the badge to the orderer once per ordered unit.
func awardBadge(ctx context.Context, tx repositories.Tx, newID func() uuid.UUID, req ProcedureRequest) (ActionOutcome, error) {
	badgeID, err := uuidParam(req.Parameters, paramBadgeID)
	if err != nil {
		return ActionOutcome{}, err
	}
	awardee := req.Order.Orderer.ID

	ids := make([]string, 0, req.LineItem.Quantity)
	entries := make([]OrderLogEntry, 0, req.LineItem.Quantity)
	for range req.LineItem.Quantity {
		awarding := domain.BadgeAwarding{
			ID:        newID(),
			BadgeID:   badgeID,
			UserID:    awardee,
			AwardedAt: req.OccurredAt.UTC().Truncate(time.Microsecond),
		}
		if err := tx.BadgeAwardings().Insert(ctx, awarding); err != nil {
			return ActionOutcome{}, err
		}
		ids = append(ids, awarding.ID.String())
		entries = append(entries, actionLogEntry(req.ActionRequest, domain.LogBadgeAwarded, map[string]any{
			"awarding_id": awarding.ID.String(),
			"badge_id":    badgeID.String(),
			"awardee_id":  awardee.String(),
		}))
	}
	return ActionOutcome{
		Result:     map[string]any{resultBadgeAwardingIDs: ids},
		LogEntries: entries,
	}, nil
}

func categoryFromParams(req ProcedureRequest) (uuid.UUID, error) {
	if _, ok := req.Parameters[paramCategoryID]; ok {
		return uuidParam(req.Parameters, paramCategoryID)
	}
	return uuidParam(req.Article.TypeParams, paramTicketCategoryID)
}
