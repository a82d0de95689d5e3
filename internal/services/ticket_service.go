package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

const (
	ticketCodeAlphabet    = "BCDFGHJKLMNPQRSTVWXYZ"
	ticketCodeLength      = 5
	ticketCodeMaxAttempts = 4
)

var (
	// ErrTicketCreationFailed is the parent of every ticket creation failure.
	ErrTicketCreationFailed = errors.New("ticket: creation failed")
	// ErrTicketCodeGenerationFailed indicates no batch-unique code could be sampled. Treat it as a capacity problem.
	ErrTicketCodeGenerationFailed = fmt.Errorf("%w: code generation failed", ErrTicketCreationFailed)
	// ErrTicketCreationConflict indicates a generated code already exists in storage. The batch was rolled back and may be retried.
	ErrTicketCreationConflict = fmt.Errorf("%w: conflict with existing ticket", ErrTicketCreationFailed)
	// ErrTicketInvalidInput indicates the caller supplied invalid ticket parameters.
	ErrTicketInvalidInput = errors.New("ticket: invalid input")
	// ErrTicketCategoryNotFound indicates the referenced ticket category does not exist.
	ErrTicketCategoryNotFound = errors.New("ticket: category not found")
)

// CodeSampler draws length distinct characters from alphabet.
type CodeSampler func(alphabet string, length int) string

// TicketServiceDeps bundles collaborators required to construct the ticket service.
type TicketServiceDeps struct {
	Sampler     CodeSampler
	Clock       func() time.Time
	IDGenerator func() uuid.UUID
}

type ticketService struct {
	sample CodeSampler
	clock  func() time.Time
	newID  func() uuid.UUID
}

// NewTicketService constructs a ticket service.
func NewTicketService(deps TicketServiceDeps) TicketService {
	sampler := deps.Sampler
	if sampler == nil {
		sampler = sampleWithoutReplacement
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = uuid.New
	}
	return &ticketService{
		sample: sampler,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID: idGen,
	}
}

func (s *ticketService) CreateTicket(ctx context.Context, tx repositories.Tx, cmd CreateTicketsCommand) (Ticket, error) {
	cmd.Quantity = 1
	tickets, err := s.CreateTickets(ctx, tx, cmd)
	if err != nil {
		return Ticket{}, err
	}
	return tickets[0], nil
}

func (s *ticketService) CreateTickets(ctx context.Context, tx repositories.Tx, cmd CreateTicketsCommand) ([]Ticket, error) {
	if err := s.ensureCategory(ctx, tx, cmd.CategoryID); err != nil {
		return nil, err
	}
	tickets, err := s.buildTickets(cmd.CategoryID, cmd.OwnerID, cmd.Quantity, nil, cmd.OrderNumber)
	if err != nil {
		return nil, err
	}

	err = tx.Savepoint(ctx, func(ctx context.Context, sp repositories.Tx) error {
		return sp.Tickets().InsertMany(ctx, tickets)
	})
	if err != nil {
		return nil, mapTicketInsertError(err)
	}
	return tickets, nil
}

func (s *ticketService) CreateTicketBundle(ctx context.Context, tx repositories.Tx, cmd CreateTicketBundleCommand) (TicketBundle, error) {
	if err := s.ensureCategory(ctx, tx, cmd.CategoryID); err != nil {
		return TicketBundle{}, err
	}

	bundle := TicketBundle{
		ID:             s.newID(),
		CreatedAt:      s.clock(),
		CategoryID:     cmd.CategoryID,
		TicketQuantity: cmd.TicketQuantity,
		OwnedBy:        cmd.OwnerID,
		Label:          cmd.Label,
		OrderNumber:    cmd.OrderNumber,
	}
	tickets, err := s.buildTickets(cmd.CategoryID, cmd.OwnerID, cmd.TicketQuantity, &bundle.ID, cmd.OrderNumber)
	if err != nil {
		return TicketBundle{}, err
	}

	err = tx.Savepoint(ctx, func(ctx context.Context, sp repositories.Tx) error {
		if err := sp.TicketBundles().Insert(ctx, bundle); err != nil {
			return err
		}
		return sp.Tickets().InsertMany(ctx, tickets)
	})
	if err != nil {
		return TicketBundle{}, mapTicketInsertError(err)
	}
	bundle.Tickets = tickets
	return bundle, nil
}

func (s *ticketService) RevokeTickets(ctx context.Context, tx repositories.Tx, ticketIDs []uuid.UUID) ([]uuid.UUID, error) {
	if len(ticketIDs) == 0 {
		return nil, nil
	}
	return tx.Tickets().Revoke(ctx, ticketIDs)
}

func (s *ticketService) RevokeTicketBundles(ctx context.Context, tx repositories.Tx, bundleIDs []uuid.UUID) ([]uuid.UUID, error) {
	if len(bundleIDs) == 0 {
		return nil, nil
	}
	return tx.TicketBundles().Revoke(ctx, bundleIDs)
}

func (s *ticketService) ensureCategory(ctx context.Context, tx repositories.Tx, categoryID uuid.UUID) error {
	if categoryID == uuid.Nil {
		return fmt.Errorf("%w: category id is required", ErrTicketInvalidInput)
	}
	if _, err := tx.TicketCategories().FindByID(ctx, categoryID); err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return fmt.Errorf("%w: %s", ErrTicketCategoryNotFound, categoryID)
		}
		return err
	}
	return nil
}

func (s *ticketService) buildTickets(categoryID, ownerID uuid.UUID, quantity int, bundleID *uuid.UUID, orderNumber *string) ([]Ticket, error) {
	if quantity < 1 {
		return nil, fmt.Errorf("%w: ticket quantity must be positive", ErrTicketInvalidInput)
	}
	if ownerID == uuid.Nil {
		return nil, fmt.Errorf("%w: owner id is required", ErrTicketInvalidInput)
	}
	codes, err := generateTicketCodes(s.sample, quantity)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	tickets := make([]Ticket, 0, quantity)
	for _, code := range codes {
		tickets = append(tickets, domain.Ticket{
			ID:          s.newID(),
			Code:        code,
			CategoryID:  categoryID,
			OwnedBy:     ownerID,
			BundleID:    bundleID,
			OrderNumber: orderNumber,
			CreatedAt:   now,
		})
	}
	return tickets, nil
}

func mapTicketInsertError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsConflict() {
		return fmt.Errorf("%w: %v", ErrTicketCreationConflict, err)
	}
	return err
}

// generateTicketCodes returns quantity codes that are unique within the batch.
func generateTicketCodes(sample CodeSampler, quantity int) ([]string, error) {
	seen := make(map[string]struct{}, quantity)
	codes := make([]string, 0, quantity)
	for range quantity {
		code, err := codeNotIn(sample, seen)
		if err != nil {
			return nil, err
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	if len(codes) != quantity {
		return nil, fmt.Errorf("%w: generated %d codes, requested %d", ErrTicketCodeGenerationFailed, len(codes), quantity)
	}
	return codes, nil
}

func codeNotIn(sample CodeSampler, seen map[string]struct{}) (string, error) {
	for range ticketCodeMaxAttempts {
		code := sample(ticketCodeAlphabet, ticketCodeLength)
		if _, dup := seen[code]; !dup {
			return code, nil
		}
	}
	return "", fmt.Errorf("%w: no unique code after %d attempts", ErrTicketCodeGenerationFailed, ticketCodeMaxAttempts)
}

func sampleWithoutReplacement(alphabet string, length int) string {
	runes := []rune(alphabet)
	if length > len(runes) {
		length = len(runes)
	}
	picked := make([]rune, length)
	for i, idx := range rand.Perm(len(runes))[:length] {
		picked[i] = runes[idx]
	}
	return string(picked)
}
