package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridian-hms/meridian-hms/internal/shared"
)

const idempotencyModule = "inventory"

// IdempotencyGuard is the subset of shared.IdempotencyStore the gateway needs.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Service is the posting gateway. It classifies every failure as either
// rejected (permanent, payload is wrong) or retryable (transient), and
// guarantees at-most-once stock entry per reference.
type Service struct {
	repo   Repository
	idem   IdempotencyGuard
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the gateway.
func NewService(repo Repository, idem IdempotencyGuard, logger *slog.Logger) *Service {
	return &Service{repo: repo, idem: idem, logger: logger, now: time.Now}
}

// PostReceipt writes stock entries for a receipt. Replaying a reference
// already posted returns a duplicate ack and writes nothing.
func (s *Service) PostReceipt(ctx context.Context, input ReceiptInput) (PostAck, error) {
	if err := validateInput(input); err != nil {
		return PostAck{}, err
	}

	itemIDs := make([]int64, 0, len(input.Lines))
	for _, l := range input.Lines {
		itemIDs = append(itemIDs, l.ItemID)
	}
	missing, err := s.repo.MissingItems(ctx, itemIDs)
	if err != nil {
		return PostAck{}, fmt.Errorf("%w: item lookup: %v", ErrRetryable, err)
	}
	if len(missing) > 0 {
		return PostAck{}, fmt.Errorf("%w: unknown or inactive items %v", ErrRejected, missing)
	}

	if err := s.idem.CheckAndInsert(ctx, input.Reference, idempotencyModule); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			if s.logger != nil {
				s.logger.Info("duplicate posting ignored", slog.String("reference", input.Reference))
			}
			return PostAck{Reference: input.Reference, PostedAt: s.now(), Lines: len(input.Lines), Duplicate: true}, nil
		}
		return PostAck{}, fmt.Errorf("%w: idempotency check: %v", ErrRetryable, err)
	}

	postedAt := s.now()
	entries := make([]StockEntry, 0, len(input.Lines))
	for _, l := range input.Lines {
		entries = append(entries, StockEntry{
			ItemID:      l.ItemID,
			FacilityID:  input.FacilityID,
			Quantity:    l.Quantity,
			UnitCost:    l.UnitCost,
			BatchNumber: l.BatchNumber,
			ExpiryDate:  l.ExpiryDate,
			Reference:   input.Reference,
			CreatedAt:   postedAt,
		})
	}
	if err := s.repo.InsertEntries(ctx, entries); err != nil {
		// release the key so the caller's retry is not treated as a duplicate
		if delErr := s.idem.Delete(ctx, input.Reference); delErr != nil && s.logger != nil {
			s.logger.Error("release idempotency key",
				slog.String("reference", input.Reference), slog.Any("error", delErr))
		}
		return PostAck{}, fmt.Errorf("%w: write stock entries: %v", ErrRetryable, err)
	}

	if s.logger != nil {
		s.logger.Info("stock posted",
			slog.String("reference", input.Reference),
			slog.Int("lines", len(entries)),
			slog.Int64("facility_id", input.FacilityID))
	}
	return PostAck{Reference: input.Reference, PostedAt: postedAt, Lines: len(entries)}, nil
}

func validateInput(input ReceiptInput) error {
	if input.Reference == "" {
		return fmt.Errorf("%w: reference required", ErrRejected)
	}
	if input.FacilityID <= 0 {
		return fmt.Errorf("%w: facility required", ErrRejected)
	}
	if len(input.Lines) == 0 {
		return fmt.Errorf("%w: no lines to post", ErrRejected)
	}
	for _, l := range input.Lines {
		if l.ItemID <= 0 {
			return fmt.Errorf("%w: line item required", ErrRejected)
		}
		if l.Quantity <= 0 {
			return fmt.Errorf("%w: line quantity must be positive", ErrRejected)
		}
	}
	return nil
}
