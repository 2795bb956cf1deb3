package procurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/meridian-hms/meridian-hms/internal/identity"
	"github.com/meridian-hms/meridian-hms/internal/inventory"
	"github.com/meridian-hms/meridian-hms/internal/observability"
	"github.com/meridian-hms/meridian-hms/internal/procurement/workflow"
	"github.com/meridian-hms/meridian-hms/internal/shared"
)

const approvalModule = "procurement"

// InventoryPort is the stock posting gateway the receipt manager calls.
// Satisfied by *inventory.Service.
type InventoryPort interface {
	PostReceipt(ctx context.Context, input inventory.ReceiptInput) (inventory.PostAck, error)
}

// RetryScheduler re-enqueues a posting after a transient gateway failure.
// Satisfied by *jobs.Client.
type RetryScheduler interface {
	ScheduleReceiptPost(ctx context.Context, receiptID, actorID int64) error
}

// ApprovalTrail records workflow sign-offs. Satisfied by *shared.ApprovalRecorder.
type ApprovalTrail interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// AuditTrail records document mutations. Satisfied by *shared.AuditLogger.
type AuditTrail interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service implements the procurement lifecycle managers. Request, order and
// receipt operations live in their own files but share this plumbing.
type Service struct {
	store     Store
	machine   workflow.Machine
	gateway   InventoryPort
	scheduler RetryScheduler
	approvals ApprovalTrail
	audit     AuditTrail
	logger    *slog.Logger
	metrics   *observability.Metrics
	retries   int
	now       func() time.Time
}

// ServiceParams groups Service dependencies. Gateway and store are required;
// the rest may be nil.
type ServiceParams struct {
	Store     Store
	Gateway   InventoryPort
	Scheduler RetryScheduler
	Approvals ApprovalTrail
	Audit     AuditTrail
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Retries   int
}

// NewService constructs the procurement service.
func NewService(params ServiceParams) *Service {
	retries := params.Retries
	if retries <= 0 {
		retries = 3
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     params.Store,
		machine:   workflow.Procurement(),
		gateway:   params.Gateway,
		scheduler: params.Scheduler,
		approvals: params.Approvals,
		audit:     params.Audit,
		logger:    logger,
		metrics:   params.Metrics,
		retries:   retries,
		now:       time.Now,
	}
}

// withRetry re-runs fn while it fails on a concurrency conflict, up to the
// configured attempt budget, then surfaces ErrConflict.
func (s *Service) withRetry(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		err = fn(ctx)
		if err == nil || !retryableConflict(err) {
			return err
		}
		s.logger.Debug("retrying after concurrency conflict", slog.Int("attempt", attempt+1))
	}
	return fmt.Errorf("%w: %v", ErrConflict, err)
}

// retryableConflict reports whether the error is a lost concurrency race: a
// stale version read, or a serialization failure (SQLSTATE 40001) or deadlock
// (40P01) raised by the database under repeatable read.
func retryableConflict(err error) bool {
	if errors.Is(err, ErrVersionConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// transition resolves the action against the machine and records metrics.
func (s *Service) transition(kind workflow.Kind, from workflow.State, action workflow.Action, actor identity.Actor) (workflow.State, error) {
	next, err := s.machine.Attempt(kind, from, action, actor.Roles)
	if err != nil {
		return "", err
	}
	s.metrics.RecordTransition(string(kind), string(action))
	return next, nil
}

func (s *Service) recordApproval(ctx context.Context, log shared.ApprovalLog) {
	if s.approvals == nil {
		return
	}
	log.Module = approvalModule
	if err := s.approvals.Record(ctx, log); err != nil {
		s.logger.Error("record approval", slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Error("record audit", slog.Any("error", err))
	}
}

// Dashboard returns the facility snapshot.
func (s *Service) Dashboard(ctx context.Context, facilityID int64) (DashboardSummary, error) {
	return s.store.Dashboard(ctx, facilityID)
}
