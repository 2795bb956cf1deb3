package procurement

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/meridian-hms/meridian-hms/internal/identity"
	"github.com/meridian-hms/meridian-hms/internal/procurement/workflow"
	"github.com/meridian-hms/meridian-hms/internal/shared"
)

// CreateRequest opens a draft purchase request for the acting user.
func (s *Service) CreateRequest(ctx context.Context, actor identity.Actor, input CreateRequestInput) (PurchaseRequest, error) {
	if err := checkInput(input); err != nil {
		return PurchaseRequest{}, err
	}
	if err := ensureUniqueItems(itemIDsOfRequest(input.Items)); err != nil {
		return PurchaseRequest{}, err
	}
	priority := input.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	now := s.now()
	pr := PurchaseRequest{
		UUID:          uuid.New(),
		FacilityID:    input.FacilityID,
		RequestedBy:   actor.ID,
		Priority:      priority,
		Justification: input.Justification,
		Notes:         input.Notes,
		NeededBy:      input.NeededBy,
		Status:        workflow.RequestDraft,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, it := range input.Items {
		pr.Items = append(pr.Items, RequestItem{
			ItemID:            it.ItemID,
			QuantityRequested: it.Quantity,
			Notes:             it.Notes,
		})
	}

	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		return tx.CreateRequest(ctx, &pr)
	})
	if err != nil {
		return PurchaseRequest{}, err
	}

	s.recordAudit(ctx, shared.AuditLog{
		ActorID: actor.ID, FacilityID: pr.FacilityID,
		Action: "create", Entity: "purchase_request", EntityID: strconv.FormatInt(pr.ID, 10),
		Meta: map[string]any{"number": pr.Number, "items": len(pr.Items)},
	})
	s.logger.Info("purchase request created",
		"number", pr.Number, "facility_id", pr.FacilityID, "requested_by", actor.ID)
	return pr, nil
}

// UpdateRequest replaces the editable fields of a draft request.
func (s *Service) UpdateRequest(ctx context.Context, actor identity.Actor, id int64, input CreateRequestInput) (PurchaseRequest, error) {
	if err := checkInput(input); err != nil {
		return PurchaseRequest{}, err
	}
	if err := ensureUniqueItems(itemIDsOfRequest(input.Items)); err != nil {
		return PurchaseRequest{}, err
	}
	if !actor.HasAny(identity.RoleRequester) {
		return PurchaseRequest{}, fmt.Errorf("%w: editing requires %s", ErrForbidden, identity.RoleRequester)
	}

	var updated PurchaseRequest
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
			pr, err := tx.GetRequest(ctx, id)
			if err != nil {
				return err
			}
			if pr.Status != workflow.RequestDraft {
				return fmt.Errorf("%w: only draft requests are editable", ErrInvalidTransition)
			}
			pr.Priority = input.Priority
			if pr.Priority == "" {
				pr.Priority = PriorityNormal
			}
			pr.Justification = input.Justification
			pr.Notes = input.Notes
			pr.NeededBy = input.NeededBy
			pr.Items = pr.Items[:0]
			for _, it := range input.Items {
				pr.Items = append(pr.Items, RequestItem{
					RequestID:         pr.ID,
					ItemID:            it.ItemID,
					QuantityRequested: it.Quantity,
					Notes:             it.Notes,
				})
			}
			pr.UpdatedAt = s.now()
			if err := tx.UpdateRequest(ctx, &pr, pr.Version); err != nil {
				return err
			}
			updated = pr
			return nil
		})
	})
	if err != nil {
		return PurchaseRequest{}, err
	}
	return updated, nil
}

// SubmitRequest moves a draft into the approval queue.
func (s *Service) SubmitRequest(ctx context.Context, actor identity.Actor, id int64) (PurchaseRequest, error) {
	return s.requestTransition(ctx, actor, id, workflow.ActionSubmit, shared.ApprovalSubmit, "", nil)
}

// ApproveRequest grants quantities on a submitted request. Lines without an
// override are approved in full; overrides above the requested quantity fail
// with ErrOverApproval.
func (s *Service) ApproveRequest(ctx context.Context, actor identity.Actor, id int64, input ApproveRequestInput) (PurchaseRequest, error) {
	if err := checkInput(input); err != nil {
		return PurchaseRequest{}, err
	}
	overrides := make(map[int64]int64, len(input.Items))
	for _, it := range input.Items {
		overrides[it.ItemID] = it.QuantityApproved
	}

	apply := func(pr *PurchaseRequest) error {
		granted := false
		for i := range pr.Items {
			line := &pr.Items[i]
			qty, ok := overrides[line.ItemID]
			if !ok {
				qty = line.QuantityRequested
			}
			if qty > line.QuantityRequested {
				return fmt.Errorf("%w: item %d approved %d of %d requested",
					ErrOverApproval, line.ItemID, qty, line.QuantityRequested)
			}
			line.QuantityApproved = qty
			if qty > 0 {
				granted = true
			}
		}
		if !granted {
			return fmt.Errorf("%w: approval grants no quantities", ErrValidation)
		}
		return nil
	}
	return s.requestTransition(ctx, actor, id, workflow.ActionApprove, shared.ApprovalApprove, input.Note, apply)
}

// RejectRequest declines a submitted request with a reason.
func (s *Service) RejectRequest(ctx context.Context, actor identity.Actor, id int64, input RejectInput) (PurchaseRequest, error) {
	if err := checkInput(input); err != nil {
		return PurchaseRequest{}, err
	}
	apply := func(pr *PurchaseRequest) error {
		pr.Notes = input.Reason
		return nil
	}
	return s.requestTransition(ctx, actor, id, workflow.ActionReject, shared.ApprovalReject, input.Reason, apply)
}

// CancelRequest withdraws a request before it is approved.
func (s *Service) CancelRequest(ctx context.Context, actor identity.Actor, id int64) (PurchaseRequest, error) {
	return s.requestTransition(ctx, actor, id, workflow.ActionCancel, "", "", nil)
}

// requestTransition runs one workflow action on a request under the retry
// loop, applying extra mutations before the version-checked write.
func (s *Service) requestTransition(ctx context.Context, actor identity.Actor, id int64, action workflow.Action, approval shared.ApprovalAction, note string, apply func(*PurchaseRequest) error) (PurchaseRequest, error) {
	var updated PurchaseRequest
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
			pr, err := tx.GetRequest(ctx, id)
			if err != nil {
				return err
			}
			next, err := s.transition(workflow.KindRequest, pr.Status, action, actor)
			if err != nil {
				return err
			}
			if apply != nil {
				if err := apply(&pr); err != nil {
					return err
				}
			}
			pr.Status = next
			pr.UpdatedAt = s.now()
			if err := tx.UpdateRequest(ctx, &pr, pr.Version); err != nil {
				return err
			}
			updated = pr
			return nil
		})
	})
	if err != nil {
		return PurchaseRequest{}, err
	}

	if approval != "" {
		s.recordApproval(ctx, shared.ApprovalLog{
			RefID: updated.UUID, ActorID: actor.ID, Action: approval, Note: note, At: s.now(),
		})
	}
	s.recordAudit(ctx, shared.AuditLog{
		ActorID: actor.ID, FacilityID: updated.FacilityID,
		Action: string(action), Entity: "purchase_request", EntityID: strconv.FormatInt(updated.ID, 10),
		Meta: map[string]any{"status": string(updated.Status)},
	})
	s.logger.Info("purchase request transitioned",
		"number", updated.Number, "action", string(action), "status", string(updated.Status), "actor_id", actor.ID)
	return updated, nil
}

// GetRequest loads one request with its lines.
func (s *Service) GetRequest(ctx context.Context, id int64) (PurchaseRequest, error) {
	return s.store.GetRequest(ctx, id)
}

// ListRequests pages through requests.
func (s *Service) ListRequests(ctx context.Context, filters ListFilters) ([]PurchaseRequest, shared.Pagination, error) {
	filters = filters.Normalize()
	list, total, err := s.store.ListRequests(ctx, filters)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return list, shared.NewPagination(filters.Page, filters.Limit, total), nil
}

func itemIDsOfRequest(items []RequestItemInput) []int64 {
	ids := make([]int64, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ItemID)
	}
	return ids
}

func ensureUniqueItems(ids []int64) error {
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: item %d listed more than once", ErrValidation, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
