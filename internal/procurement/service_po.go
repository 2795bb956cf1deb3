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

// CreateOrder opens a draft order without a source request, for purchases
// that bypass the requisition flow (e.g. standing supply contracts).
func (s *Service) CreateOrder(ctx context.Context, actor identity.Actor, input CreateOrderInput) (PurchaseOrder, error) {
	if err := checkInput(input); err != nil {
		return PurchaseOrder{}, err
	}
	if !actor.HasAny(identity.RoleBuyer) {
		return PurchaseOrder{}, fmt.Errorf("%w: ordering requires %s", ErrForbidden, identity.RoleBuyer)
	}
	ids := make([]int64, 0, len(input.Items))
	for _, it := range input.Items {
		ids = append(ids, it.ItemID)
	}
	if err := ensureUniqueItems(ids); err != nil {
		return PurchaseOrder{}, err
	}

	now := s.now()
	po := PurchaseOrder{
		UUID:             uuid.New(),
		FacilityID:       input.FacilityID,
		SupplierID:       input.SupplierID,
		CreatedBy:        actor.ID,
		ExpectedDelivery: input.ExpectedDelivery,
		PaymentTerms:     input.PaymentTerms,
		Notes:            input.Notes,
		Status:           workflow.OrderDraft,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, it := range input.Items {
		po.Items = append(po.Items, OrderItem{
			ItemID:          it.ItemID,
			QuantityOrdered: it.Quantity,
			UnitPrice:       it.UnitPrice,
			DiscountPercent: it.DiscountPercent,
			TaxPercent:      it.TaxPercent,
		})
	}

	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		return tx.CreateOrder(ctx, &po)
	})
	if err != nil {
		return PurchaseOrder{}, err
	}

	s.recordAudit(ctx, shared.AuditLog{
		ActorID: actor.ID, FacilityID: po.FacilityID,
		Action: "create", Entity: "purchase_order", EntityID: strconv.FormatInt(po.ID, 10),
		Meta: map[string]any{"number": po.Number, "supplier_id": po.SupplierID},
	})
	s.logger.Info("purchase order created",
		"number", po.Number, "supplier_id", po.SupplierID, "created_by", actor.ID)
	return po, nil
}

// CreateOrderFromRequest converts the unordered remainder of an approved
// request into a draft order. Partial conversions are allowed: the request
// moves to ordered only once every approved quantity is on an order.
func (s *Service) CreateOrderFromRequest(ctx context.Context, actor identity.Actor, input CreateOrderFromRequestInput) (PurchaseOrder, error) {
	if err := checkInput(input); err != nil {
		return PurchaseOrder{}, err
	}
	if !actor.HasAny(identity.RoleBuyer) {
		return PurchaseOrder{}, fmt.Errorf("%w: ordering requires %s", ErrForbidden, identity.RoleBuyer)
	}
	prices := make(map[int64]ItemPriceInput, len(input.Prices))
	for _, p := range input.Prices {
		prices[p.ItemID] = p
	}

	var created PurchaseOrder
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
			pr, err := tx.GetRequest(ctx, input.RequestID)
			if err != nil {
				return err
			}
			if pr.Status != workflow.RequestApproved && pr.Status != workflow.RequestOrdered {
				return fmt.Errorf("%w: request %s is %s", ErrInvalidSource, pr.Number, pr.Status)
			}
			ordered, err := tx.OrderedByRequestItem(ctx, pr.ID)
			if err != nil {
				return err
			}

			now := s.now()
			po := PurchaseOrder{
				UUID:             uuid.New(),
				FacilityID:       pr.FacilityID,
				SupplierID:       input.SupplierID,
				RequestID:        &pr.ID,
				CreatedBy:        actor.ID,
				ExpectedDelivery: input.ExpectedDelivery,
				PaymentTerms:     input.PaymentTerms,
				Notes:            input.Notes,
				Status:           workflow.OrderDraft,
				Version:          1,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			for i := range pr.Items {
				line := pr.Items[i]
				remainder := line.QuantityApproved - ordered[line.ID]
				if remainder <= 0 {
					continue
				}
				price, ok := prices[line.ItemID]
				if !ok {
					return fmt.Errorf("%w: no price for item %d", ErrValidation, line.ItemID)
				}
				lineID := line.ID
				po.Items = append(po.Items, OrderItem{
					ItemID:          line.ItemID,
					RequestItemID:   &lineID,
					QuantityOrdered: remainder,
					UnitPrice:       price.UnitPrice,
					DiscountPercent: price.DiscountPercent,
					TaxPercent:      price.TaxPercent,
				})
			}
			if len(po.Items) == 0 {
				return fmt.Errorf("%w: request %s", ErrNoApprovedItems, pr.Number)
			}
			if err := tx.CreateOrder(ctx, &po); err != nil {
				return err
			}

			// The order above consumed the entire remainder, so the request is
			// now fully allocated. The version-checked write also serializes
			// concurrent conversions of the same request.
			if pr.Status == workflow.RequestApproved {
				next, err := s.transition(workflow.KindRequest, pr.Status, workflow.ActionOrder, actor)
				if err != nil {
					return err
				}
				pr.Status = next
			}
			pr.UpdatedAt = now
			if err := tx.UpdateRequest(ctx, &pr, pr.Version); err != nil {
				return err
			}
			created = po
			return nil
		})
	})
	if err != nil {
		return PurchaseOrder{}, err
	}

	s.recordAudit(ctx, shared.AuditLog{
		ActorID: actor.ID, FacilityID: created.FacilityID,
		Action: "create_from_request", Entity: "purchase_order", EntityID: strconv.FormatInt(created.ID, 10),
		Meta: map[string]any{"number": created.Number, "request_id": input.RequestID},
	})
	s.logger.Info("purchase order created from request",
		"number", created.Number, "request_id", input.RequestID, "created_by", actor.ID)
	return created, nil
}

// ApproveOrder signs off a draft order.
func (s *Service) ApproveOrder(ctx context.Context, actor identity.Actor, id int64, note string) (PurchaseOrder, error) {
	return s.orderTransition(ctx, actor, id, workflow.ActionApprove, shared.ApprovalApprove, note, nil)
}

// SendOrder marks an approved order as transmitted to the supplier.
func (s *Service) SendOrder(ctx context.Context, actor identity.Actor, id int64) (PurchaseOrder, error) {
	return s.orderTransition(ctx, actor, id, workflow.ActionSend, "", "", nil)
}

// CancelOrder withdraws an order that has not been sent.
func (s *Service) CancelOrder(ctx context.Context, actor identity.Actor, id int64, input RejectInput) (PurchaseOrder, error) {
	if err := checkInput(input); err != nil {
		return PurchaseOrder{}, err
	}
	apply := func(po *PurchaseOrder) error {
		po.Notes = input.Reason
		return nil
	}
	return s.orderTransition(ctx, actor, id, workflow.ActionCancel, "", input.Reason, apply)
}

func (s *Service) orderTransition(ctx context.Context, actor identity.Actor, id int64, action workflow.Action, approval shared.ApprovalAction, note string, apply func(*PurchaseOrder) error) (PurchaseOrder, error) {
	var updated PurchaseOrder
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
			po, err := tx.GetOrder(ctx, id)
			if err != nil {
				return err
			}
			next, err := s.transition(workflow.KindOrder, po.Status, action, actor)
			if err != nil {
				return err
			}
			if apply != nil {
				if err := apply(&po); err != nil {
					return err
				}
			}
			po.Status = next
			po.UpdatedAt = s.now()
			if err := tx.UpdateOrder(ctx, &po, po.Version); err != nil {
				return err
			}
			updated = po
			return nil
		})
	})
	if err != nil {
		return PurchaseOrder{}, err
	}

	if approval != "" {
		s.recordApproval(ctx, shared.ApprovalLog{
			RefID: updated.UUID, ActorID: actor.ID, Action: approval, Note: note, At: s.now(),
		})
	}
	s.recordAudit(ctx, shared.AuditLog{
		ActorID: actor.ID, FacilityID: updated.FacilityID,
		Action: string(action), Entity: "purchase_order", EntityID: strconv.FormatInt(updated.ID, 10),
		Meta: map[string]any{"status": string(updated.Status)},
	})
	s.logger.Info("purchase order transitioned",
		"number", updated.Number, "action", string(action), "status", string(updated.Status), "actor_id", actor.ID)
	return updated, nil
}

// GetOrder loads one order with its lines.
func (s *Service) GetOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	return s.store.GetOrder(ctx, id)
}

// ListOrders pages through orders.
func (s *Service) ListOrders(ctx context.Context, filters ListFilters) ([]PurchaseOrder, shared.Pagination, error) {
	filters = filters.Normalize()
	list, total, err := s.store.ListOrders(ctx, filters)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return list, shared.NewPagination(filters.Page, filters.Limit, total), nil
}
