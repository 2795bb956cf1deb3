package procurement

import (
	"errors"

	"github.com/meridian-hms/meridian-hms/internal/procurement/reconcile"
	"github.com/meridian-hms/meridian-hms/internal/procurement/workflow"
)

var (
	// ErrNotFound indicates the requested document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrValidation indicates invalid caller input.
	ErrValidation = errors.New("invalid input")
	// ErrOverApproval indicates an approved quantity above the requested one.
	ErrOverApproval = errors.New("approved quantity exceeds requested")
	// ErrNoApprovedItems indicates a request with nothing left to order.
	ErrNoApprovedItems = errors.New("no approved quantities remain to order")
	// ErrInvalidSource indicates a document created from an ineligible source.
	ErrInvalidSource = errors.New("source document not in an eligible status")
	// ErrVersionConflict indicates a stale-version write, retried internally.
	ErrVersionConflict = errors.New("document version conflict")
	// ErrConflict indicates concurrent modification persisted across retries.
	ErrConflict = errors.New("document modified concurrently, please retry")

	// Re-exported so callers can match every failure mode against one package.
	ErrOverReceipt       = reconcile.ErrOverReceipt
	ErrQuantityMismatch  = reconcile.ErrQuantityMismatch
	ErrInvalidTransition = workflow.ErrInvalidTransition
	ErrForbidden         = workflow.ErrForbidden
)
