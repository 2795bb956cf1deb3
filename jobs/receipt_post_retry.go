package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/meridian-hms/meridian-hms/internal/identity"
	"github.com/meridian-hms/meridian-hms/internal/inventory"
	"github.com/meridian-hms/meridian-hms/internal/procurement"
)

// ReceiptPoster is the slice of the procurement service the retry job needs.
type ReceiptPoster interface {
	PostReceipt(ctx context.Context, actor identity.Actor, id int64) (procurement.GoodsReceipt, error)
}

// NewReceiptPostRetryHandler builds the handler that re-attempts a stock
// posting. Transient gateway failures bubble up so asynq retries with
// backoff; anything permanent skips further retries for operator attention.
func NewReceiptPostRetryHandler(svc ReceiptPoster, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload ReceiptPostRetryPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
		}
		actor := identity.Actor{
			ID:    payload.ActorID,
			Name:  "posting retry",
			Roles: []string{identity.RolePoster},
		}
		_, err := svc.PostReceipt(ctx, actor, payload.ReceiptID)
		switch {
		case err == nil:
			logger.Info("deferred stock posting completed", slog.Int64("receipt_id", payload.ReceiptID))
			return nil
		case errors.Is(err, inventory.ErrRetryable):
			logger.Warn("stock posting still unavailable",
				slog.Int64("receipt_id", payload.ReceiptID), slog.Any("error", err))
			return err
		default:
			logger.Error("stock posting retry gave up",
				slog.Int64("receipt_id", payload.ReceiptID), slog.Any("error", err))
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
	}
}
