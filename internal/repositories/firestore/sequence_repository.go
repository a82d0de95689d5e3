package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/hanko-field/orders/internal/domain"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/repositories"
)

const (
	sequencesCollection = "numberSequences"

	// Hot counters contend on a single document.
	incrementTxAttempts = 10
	incrementTxTimeout  = 5 * time.Second
)

type sequenceDocument struct {
	ShopID    string    `firestore:"shopId"`
	Purpose   string    `firestore:"purpose"`
	Prefix    string    `firestore:"prefix"`
	Value     int64     `firestore:"value"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func (d sequenceDocument) toDomain() domain.NumberSequence {
	return domain.NumberSequence{
		ShopID:  d.ShopID,
		Purpose: domain.Purpose(d.Purpose),
		Prefix:  d.Prefix,
		Value:   d.Value,
	}
}

// SequenceRepository implements repositories.NumberSequenceRepository with Firestore transactions.
// Contended increments are retried by the transaction runner, so no value is handed out twice.
type SequenceRepository struct {
	provider *pfirestore.Provider
	clock    func() time.Time
}

// NewSequenceRepository constructs a Firestore-backed sequence repository.
func NewSequenceRepository(provider *pfirestore.Provider) (*SequenceRepository, error) {
	if provider == nil {
		return nil, errors.New("sequence repository requires firestore provider")
	}
	return &SequenceRepository{
		provider: provider,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

func (r *SequenceRepository) Create(ctx context.Context, sequence domain.NumberSequence) error {
	if err := validateKey(sequence.ShopID, sequence.Purpose); err != nil {
		return err
	}
	if sequence.Value < 0 {
		return repositories.NewSequenceError(repositories.SequenceErrorInvalidInput, "initial value must not be negative", nil)
	}
	ref, err := r.document(ctx, sequence.ShopID, sequence.Purpose)
	if err != nil {
		return err
	}
	_, err = ref.Create(ctx, sequenceDocument{
		ShopID:    sequence.ShopID,
		Purpose:   string(sequence.Purpose),
		Prefix:    sequence.Prefix,
		Value:     sequence.Value,
		UpdatedAt: r.clock(),
	})
	if status.Code(err) == codes.AlreadyExists {
		seqErr := repositories.NewSequenceError(repositories.SequenceErrorAlreadyExists,
			fmt.Sprintf("sequence already exists for shop %s and purpose %s", sequence.ShopID, sequence.Purpose), err)
		seqErr.Op = "sequences.create"
		return seqErr
	}
	return pfirestore.WrapError("sequences.create", err)
}

func (r *SequenceRepository) Find(ctx context.Context, shopID string, purpose domain.Purpose) (domain.NumberSequence, error) {
	if err := validateKey(shopID, purpose); err != nil {
		return domain.NumberSequence{}, err
	}
	ref, err := r.document(ctx, shopID, purpose)
	if err != nil {
		return domain.NumberSequence{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return domain.NumberSequence{}, pfirestore.WrapError("sequences.find", err)
	}
	var doc sequenceDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.NumberSequence{}, fmt.Errorf("firestore sequences decode %s: %w", ref.ID, err)
	}
	return doc.toDomain(), nil
}

// Increment reads and rewrites the sequence document in one transaction.
func (r *SequenceRepository) Increment(ctx context.Context, shopID string, purpose domain.Purpose) (domain.NumberSequence, error) {
	if err := validateKey(shopID, purpose); err != nil {
		return domain.NumberSequence{}, err
	}
	ref, err := r.document(ctx, shopID, purpose)
	if err != nil {
		return domain.NumberSequence{}, err
	}

	var next sequenceDocument
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return repositories.SequenceNotConfigured("sequences.increment", shopID, purpose)
		}
		if err != nil {
			return err
		}
		var doc sequenceDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore sequences decode %s: %w", ref.ID, err)
		}
		doc.Value++
		doc.UpdatedAt = r.clock()
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		next = doc
		return nil
	}, pfirestore.WithTxAttempts(incrementTxAttempts), pfirestore.WithTxTimeout(incrementTxTimeout))
	if err != nil {
		var seqErr *repositories.SequenceError
		if errors.As(err, &seqErr) {
			return domain.NumberSequence{}, seqErr
		}
		return domain.NumberSequence{}, pfirestore.WrapError("sequences.increment", err)
	}
	return next.toDomain(), nil
}

func (r *SequenceRepository) document(ctx context.Context, shopID string, purpose domain.Purpose) (*firestore.DocumentRef, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(sequencesCollection).Doc(sequenceDocID(shopID, purpose)), nil
}

func sequenceDocID(shopID string, purpose domain.Purpose) string {
	return strings.TrimSpace(shopID) + ":" + string(purpose)
}

func validateKey(shopID string, purpose domain.Purpose) error {
	if strings.TrimSpace(shopID) == "" {
		return repositories.NewSequenceError(repositories.SequenceErrorInvalidInput, "shop id is required", nil)
	}
	if strings.Contains(shopID, "/") {
		return repositories.NewSequenceError(repositories.SequenceErrorInvalidInput, "shop id must not contain '/'", nil)
	}
	if !purpose.Valid() {
		return repositories.NewSequenceError(repositories.SequenceErrorInvalidInput, "unknown purpose "+string(purpose), nil)
	}
	return nil
}
