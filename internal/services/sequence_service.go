package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

var (
	// ErrSequenceInvalidInput indicates the caller supplied invalid sequence parameters.
	ErrSequenceInvalidInput = errors.New("sequence: invalid input")
	// ErrSequenceNotConfigured indicates no sequence exists for the shop and purpose. It is a setup error and is never retried.
	ErrSequenceNotConfigured = errors.New("sequence: not configured")
	// ErrSequenceAlreadyExists indicates the sequence was created before.
	ErrSequenceAlreadyExists = errors.New("sequence: already exists")
)

// SequenceServiceDeps bundles collaborators required to construct a sequence service instance.
type SequenceServiceDeps struct {
	Repository repositories.NumberSequenceRepository
	Logger     Logger
}

type sequenceService struct {
	repo   repositories.NumberSequenceRepository
	logger Logger
}

// NewSequenceService constructs a service that issues numbers on top of the repository.
func NewSequenceService(deps SequenceServiceDeps) (SequenceService, error) {
	if deps.Repository == nil {
		return nil, errors.New("sequence service: repository is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &sequenceService{repo: deps.Repository, logger: logger}, nil
}

func (s *sequenceService) CreateSequence(ctx context.Context, cmd CreateSequenceCommand) (NumberSequence, error) {
	shopID, err := normalizeShopID(cmd.ShopID)
	if err != nil {
		return NumberSequence{}, err
	}
	if !cmd.Purpose.Valid() {
		return NumberSequence{}, fmt.Errorf("%w: unknown purpose %q", ErrSequenceInvalidInput, cmd.Purpose)
	}
	if cmd.InitialValue < 0 {
		return NumberSequence{}, fmt.Errorf("%w: initial value must not be negative", ErrSequenceInvalidInput)
	}

	sequence := NumberSequence{
		ShopID:  shopID,
		Purpose: cmd.Purpose,
		Prefix:  strings.TrimSpace(cmd.Prefix),
		Value:   cmd.InitialValue,
	}
	if err := s.repo.Create(ctx, sequence); err != nil {
		return NumberSequence{}, mapSequenceError(err)
	}
	s.logger(ctx, "sequence.created", map[string]any{
		"shop_id": shopID,
		"purpose": string(cmd.Purpose),
		"prefix":  sequence.Prefix,
		"value":   sequence.Value,
	})
	return sequence, nil
}

func (s *sequenceService) FindSequence(ctx context.Context, shopID string, purpose domain.Purpose) (NumberSequence, error) {
	shopID, err := normalizeShopID(shopID)
	if err != nil {
		return NumberSequence{}, err
	}
	sequence, err := s.repo.Find(ctx, shopID, purpose)
	if err != nil {
		return NumberSequence{}, mapSequenceError(err)
	}
	return sequence, nil
}

func (s *sequenceService) NextValue(ctx context.Context, shopID string, purpose domain.Purpose) (int64, error) {
	sequence, err := s.next(ctx, shopID, purpose)
	if err != nil {
		return 0, err
	}
	return sequence.Value, nil
}

func (s *sequenceService) NextOrderNumber(ctx context.Context, shopID string) (string, error) {
	sequence, err := s.next(ctx, shopID, domain.PurposeOrder)
	if err != nil {
		return "", err
	}
	return domain.FormatSequenceNumber(sequence.Prefix, sequence.Value), nil
}

func (s *sequenceService) NextArticleNumber(ctx context.Context, shopID string) (string, error) {
	sequence, err := s.next(ctx, shopID, domain.PurposeArticle)
	if err != nil {
		return "", err
	}
	return domain.FormatSequenceNumber(sequence.Prefix, sequence.Value), nil
}

func (s *sequenceService) next(ctx context.Context, shopID string, purpose domain.Purpose) (NumberSequence, error) {
	shopID, err := normalizeShopID(shopID)
	if err != nil {
		return NumberSequence{}, err
	}
	if !purpose.Valid() {
		return NumberSequence{}, fmt.Errorf("%w: unknown purpose %q", ErrSequenceInvalidInput, purpose)
	}
	sequence, err := s.repo.Increment(ctx, shopID, purpose)
	if err != nil {
		mapped := mapSequenceError(err)
		if errors.Is(mapped, ErrSequenceNotConfigured) {
			s.logger(ctx, "sequence.not_configured", map[string]any{
				"shop_id": shopID,
				"purpose": string(purpose),
				"error":   err,
			})
		}
		return NumberSequence{}, mapped
	}
	return sequence, nil
}

func normalizeShopID(shopID string) (string, error) {
	shopID = strings.TrimSpace(shopID)
	if shopID == "" {
		return "", fmt.Errorf("%w: shop id is required", ErrSequenceInvalidInput)
	}
	return shopID, nil
}

func mapSequenceError(err error) error {
	if err == nil {
		return nil
	}
	var seqErr *repositories.SequenceError
	if errors.As(err, &seqErr) {
		switch seqErr.Code {
		case repositories.SequenceErrorNotConfigured:
			return fmt.Errorf("%w: %s", ErrSequenceNotConfigured, seqErr.Message)
		case repositories.SequenceErrorAlreadyExists:
			return fmt.Errorf("%w: %s", ErrSequenceAlreadyExists, seqErr.Message)
		case repositories.SequenceErrorInvalidInput:
			return fmt.Errorf("%w: %s", ErrSequenceInvalidInput, seqErr.Message)
		}
	}
	return err
}
