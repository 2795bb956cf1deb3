package procurement

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/meridian-hms/meridian-hms/internal/identity"
	"github.com/meridian-hms/meridian-hms/internal/inventory"
	"github.com/meridian-hms/meridian-hms/internal/procurement/reconcile"
	"github.com/meridian-hms/meridian-hms/internal/procurement/workflow"
	"github.com/meridian-hms/meridian-hms/internal/shared"
)

// CreateReceipt records a delivery against a sent or partial order. Received
// quantities are capped by the outstanding quantity per line, where receipts
// still in flight count as reservations. The order row is version-bumped in
// the same transaction so two clerks receiving the same order serialize.
func (s *Service) CreateReceipt(ctx context.Context, actor identity.Actor, input CreateReceiptInput) (GoodsReceipt, error) {
	if err := checkInput(input); err != nil {
		return GoodsReceipt{}, err
	}
	if !actor.HasAny(identity.RoleInspector, identity.RoleBuyer) {
		return GoodsReceipt{}, fmt.Errorf("%w: receiving requires %s", ErrForbidden, identity.RoleInspector)
	}
	ids := make([]int64, 0, len(input.Items))
	for _, it := range input.Items {
		ids = append(ids, it.ItemID)
	}
	if err := ensureUniqueItems(ids); err != nil {
		return GoodsReceipt{}, err
	}

	var created GoodsReceipt
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
			po, err := tx.GetOrder(ctx, input.OrderID)
			if err != nil {
				return err
			}
			if po.Status != workflow.OrderSent && po.Status != workflow.OrderPartial {
				return fmt.Errorf("%w: order %s is %s", ErrInvalidSource, po.Number, po.Status)
			}
			open, err := tx.OpenReceivedByOrderItem(ctx, po.ID)
			if err != nil {
				return err
			}

			now := s.now()
			orderID := po.ID
			grn := GoodsReceipt{
				UUID:          uuid.New(),
				OrderID:       &orderID,
				FacilityID:    po.FacilityID,
				SupplierID:    po.SupplierID,
				ReceivedBy:    actor.ID,
				DeliveryNote:  input.DeliveryNote,
				InvoiceNumber: input.InvoiceNumber,
				InvoiceDate:   input.InvoiceDate,
				InvoiceAmount: input.InvoiceAmount,
				Status:        workflow.ReceiptPending,
				Version:       1,
				ReceivedAt:    now,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			for _, line := range input.Items {
				oi := po.Item(line.ItemID)
				if oi == nil {
					return fmt.Errorf("%w: item %d is not on order %s", ErrValidation, line.ItemID, po.Number)
				}
				outstanding := reconcile.Outstanding(oi.QuantityOrdered, oi.QuantityReceived, open[oi.ID])
				if line.Quantity > outstanding {
					return fmt.Errorf("%w: item %d received %d, outstanding %d",
						ErrOverReceipt, line.ItemID, line.Quantity, outstanding)
				}
				orderItemID := oi.ID
				grn.Items = append(grn.Items, ReceiptItem{
					OrderItemID:      &orderItemID,
					ItemID:           oi.ItemID,
					QuantityExpected: outstanding,
					QuantityReceived: line.Quantity,
					BatchNumber:      line.BatchNumber,
					ExpiryDate:       line.ExpiryDate,
					UnitCost:         oi.UnitPrice,
				})
			}
			if err := tx.CreateReceipt(ctx, &grn); err != nil {
				return err
			}
			// Bump the order version so concurrent receipt creation against
			// the same order re-reads reservations.
			po.UpdatedAt = now
			if err := tx.UpdateOrder(ctx, &po, po.Version); err != nil {
				return err
			}
			created = grn
			return nil
		})
	})
	if err != nil {
		return GoodsReceipt{}, err
	}

	s.recordAudit(ctx, shared.AuditLog{
		ActorID: actor.ID, FacilityID: created.FacilityID,
		Action: "create", Entity: "goods_receipt", EntityID: strconv.FormatInt(created.ID, 10),
		Meta: map[string]any{"number": created.Number, "order_id": input.OrderID},
	})
	s.logger.Info("goods receipt created",
		"number", created.Number, "order_id", input.OrderID, "received_by", actor.ID)
	return created, nil
}

// CreateDirectReceipt records a delivery that has no purchase order behind it.
// Lines carry caller-supplied costs and reserve nothing; the expected quantity
// is whatever the supplier said they delivered.
func (s *Service) CreateDirectReceipt(ctx context.Context, actor identity.Actor, input CreateDirectReceiptInput) (GoodsReceipt, error) {
	if err := checkInput(input); err != nil {
		return GoodsReceipt{}, err
	}
	if !actor.HasAny(identity.RoleInspector, identity.RoleBuyer) {
		return GoodsReceipt{}, fmt.Errorf("%w: receiving requires %s", ErrForbidden, identity.RoleInspector)
	}
	ids := make([]int64, 0, len(input.Items))
	for _, it := range input.Items {
		ids = append(ids, it.ItemID)
	}
	if err := ensureUniqueItems(ids); err != nil {
		return GoodsReceipt{}, err
	}

	now := s.now()
	grn := GoodsReceipt{
		UUID:          uuid.New(),
		FacilityID:    input.FacilityID,
		SupplierID:    input.SupplierID,
		ReceivedBy:    actor.ID,
		DeliveryNote:  input.DeliveryNote,
		InvoiceNumber: input.InvoiceNumber,
		InvoiceDate:   input.InvoiceDate,
		InvoiceAmount: input.InvoiceAmount,
		Status:        workflow.ReceiptPending,
		Version:       1,
		ReceivedAt:    now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, line := range input.Items {
		grn.Items = append(grn.Items, ReceiptItem{
			ItemID:           line.ItemID,
			QuantityExpected: line.Quantity,
			QuantityReceived: line.Quantity,
			BatchNumber:      line.BatchNumber,
			ExpiryDate:       line.ExpiryDate,
			UnitCost:         line.UnitCost,
		})
	}
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		return tx.CreateReceipt(ctx, &grn)
	})
	if err != nil {
		return GoodsReceipt{}, err
	}

	s.recordAudit(ctx, shared.AuditLog{
		ActorID: actor.ID, FacilityID: grn.FacilityID,
		Action: "create", Entity: "goods_receipt", EntityID: strconv.FormatInt(grn.ID, 10),
		Meta: map[string]any{"number": grn.Number, "direct": true},
	})
	s.logger.Info("direct goods receipt created",
		"number", grn.Number, "supplier_id", grn.SupplierID, "received_by", actor.ID)
	return grn, nil
}

// InspectReceipt splits every received line into accepted and rejected
// quantities. All lines must be covered and each split must add up.
func (s *Service) InspectReceipt(ctx context.Context, actor identity.Actor, id int64, input InspectReceiptInput) (GoodsReceipt, error) {
	if err := checkInput(input); err != nil {
		return GoodsReceipt{}, err
	}
	splits := make(map[int64]InspectionLineInput, len(input.Items))
	for _, it := range input.Items {
		splits[it.ItemID] = it
	}

	apply := func(grn *GoodsReceipt) error {
		for i := range grn.Items {
			line := &grn.Items[i]
			split, ok := splits[line.ItemID]
			if !ok {
				return fmt.Errorf("%w: item %d not inspected", ErrValidation, line.ItemID)
			}
			if err := reconcile.ValidateInspection(reconcile.Inspection{
				Expected: line.QuantityExpected,
				Received: line.QuantityReceived,
				Accepted: split.QuantityAccepted,
				Rejected: split.QuantityRejected,
			}); err != nil {
				return err
			}
			if split.QuantityRejected > 0 && split.RejectionReason == "" {
				return fmt.Errorf("%w: item %d rejected without a reason", ErrValidation, line.ItemID)
			}
			line.QuantityAccepted = split.QuantityAccepted
			line.QuantityRejected = split.QuantityRejected
			line.RejectionReason = split.RejectionReason
		}
		grn.InspectionNotes = input.Notes
		return nil
	}
	return s.receiptTransition(ctx, actor, id, workflow.ActionInspect, shared.ApprovalInspect, input.Notes, apply)
}

// ApproveReceipt signs off an inspected receipt for posting.
func (s *Service) ApproveReceipt(ctx context.Context, actor identity.Actor, id int64, note string) (GoodsReceipt, error) {
	return s.receiptTransition(ctx, actor, id, workflow.ActionApprove, shared.ApprovalApprove, note, nil)
}

// RejectReceipt discards a pending or inspected receipt, releasing its
// reservation against the order.
func (s *Service) RejectReceipt(ctx context.Context, actor identity.Actor, id int64, input RejectInput) (GoodsReceipt, error) {
	if err := checkInput(input); err != nil {
		return GoodsReceipt{}, err
	}
	apply := func(grn *GoodsReceipt) error {
		grn.RejectionReason = input.Reason
		return nil
	}
	return s.receiptTransition(ctx, actor, id, workflow.ActionReject, shared.ApprovalReject, input.Reason, apply)
}

// PostReceipt pushes accepted quantities into stock and folds them back into
// the order's received totals. Posting an already posted receipt is a no-op.
// A transient gateway failure leaves the receipt approved and schedules a
// background retry; a gateway rejection demands operator correction.
func (s *Service) PostReceipt(ctx context.Context, actor identity.Actor, id int64) (GoodsReceipt, error) {
	grn, err := s.store.GetReceipt(ctx, id)
	if err != nil {
		return GoodsReceipt{}, err
	}
	if grn.Status == workflow.ReceiptPosted {
		return grn, nil
	}
	// Resolve the transition up front so a forbidden or out-of-order call
	// never reaches the gateway.
	if _, err := s.machine.Attempt(workflow.KindReceipt, grn.Status, workflow.ActionPost, actor.Roles); err != nil {
		return GoodsReceipt{}, err
	}

	if err := s.postToGateway(ctx, actor, grn); err != nil {
		return GoodsReceipt{}, err
	}

	var updated GoodsReceipt
	err = s.withRetry(ctx, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
			grn, err := tx.GetReceipt(ctx, id)
			if err != nil {
				return err
			}
			if grn.Status == workflow.ReceiptPosted {
				updated = grn
				return nil
			}
			next, err := s.transition(workflow.KindReceipt, grn.Status, workflow.ActionPost, actor)
			if err != nil {
				return err
			}
			var accepted int64
			for _, line := range grn.Items {
				accepted += line.QuantityAccepted
			}
			now := s.now()
			// Direct receipts have no order to fold progress into.
			if accepted > 0 && grn.OrderID != nil {
				po, err := tx.GetOrder(ctx, *grn.OrderID)
				if err != nil {
					return err
				}
				for _, line := range grn.Items {
					if line.OrderItemID == nil {
						continue
					}
					oi := po.ItemByID(*line.OrderItemID)
					if oi == nil {
						return fmt.Errorf("%w: order line %d missing", ErrValidation, *line.OrderItemID)
					}
					oi.QuantityReceived += line.QuantityAccepted
				}
				action := workflow.ActionReceivePartial
				if reconcile.DeriveReceiptState(po.Progress()) == reconcile.ReceiptComplete {
					action = workflow.ActionReceiveComplete
				}
				poNext, err := s.machine.Attempt(workflow.KindOrder, po.Status, action, nil)
				if err != nil {
					return err
				}
				po.Status = poNext
				po.UpdatedAt = now
				if err := tx.UpdateOrder(ctx, &po, po.Version); err != nil {
					return err
				}
			}
			grn.Status = next
			grn.PostedAt = &now
			grn.UpdatedAt = now
			if err := tx.UpdateReceipt(ctx, &grn, grn.Version); err != nil {
				return err
			}
			updated = grn
			return nil
		})
	})
	if err != nil {
		return GoodsReceipt{}, err
	}

	s.recordApproval(ctx, shared.ApprovalLog{
		RefID: updated.UUID, ActorID: actor.ID, Action: shared.ApprovalPost, At: s.now(),
	})
	s.recordAudit(ctx, shared.AuditLog{
		ActorID: actor.ID, FacilityID: updated.FacilityID,
		Action: "post", Entity: "goods_receipt", EntityID: strconv.FormatInt(updated.ID, 10),
		Meta: map[string]any{"number": updated.Number},
	})
	s.logger.Info("goods receipt posted", "number", updated.Number, "actor_id", actor.ID)
	return updated, nil
}

// postToGateway sends accepted quantities to the stock gateway. Receipts
// whose inspection rejected everything post nothing and skip the call.
func (s *Service) postToGateway(ctx context.Context, actor identity.Actor, grn GoodsReceipt) error {
	lines := make([]inventory.ReceiptLine, 0, len(grn.Items))
	for _, it := range grn.Items {
		if it.QuantityAccepted <= 0 {
			continue
		}
		lines = append(lines, inventory.ReceiptLine{
			ItemID:      it.ItemID,
			Quantity:    it.QuantityAccepted,
			UnitCost:    it.UnitCost,
			BatchNumber: it.BatchNumber,
			ExpiryDate:  it.ExpiryDate,
		})
	}
	if len(lines) == 0 {
		return nil
	}

	_, err := s.gateway.PostReceipt(ctx, inventory.ReceiptInput{
		Reference:  "GRN:" + grn.Number,
		FacilityID: grn.FacilityID,
		SupplierID: grn.SupplierID,
		Lines:      lines,
	})
	switch {
	case err == nil:
		s.metrics.RecordGatewayPost("ok")
		return nil
	case errors.Is(err, inventory.ErrRetryable):
		s.metrics.RecordGatewayPost("retryable")
		s.logger.Warn("stock posting deferred", "number", grn.Number, "error", err)
		if s.scheduler != nil {
			if schedErr := s.scheduler.ScheduleReceiptPost(ctx, grn.ID, actor.ID); schedErr != nil {
				s.logger.Error("schedule posting retry", "number", grn.Number, "error", schedErr)
			}
		}
		return err
	default:
		s.metrics.RecordGatewayPost("rejected")
		s.logger.Error("stock posting rejected", "number", grn.Number, "error", err)
		return err
	}
}

func (s *Service) receiptTransition(ctx context.Context, actor identity.Actor, id int64, action workflow.Action, approval shared.ApprovalAction, note string, apply func(*GoodsReceipt) error) (GoodsReceipt, error) {
	var updated GoodsReceipt
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
			grn, err := tx.GetReceipt(ctx, id)
			if err != nil {
				return err
			}
			next, err := s.transition(workflow.KindReceipt, grn.Status, action, actor)
			if err != nil {
				return err
			}
			if apply != nil {
				if err := apply(&grn); err != nil {
					return err
				}
			}
			grn.Status = next
			grn.UpdatedAt = s.now()
			if err := tx.UpdateReceipt(ctx, &grn, grn.Version); err != nil {
				return err
			}
			updated = grn
			return nil
		})
	})
	if err != nil {
		return GoodsReceipt{}, err
	}

	if approval != "" {
		s.recordApproval(ctx, shared.ApprovalLog{
			RefID: updated.UUID, ActorID: actor.ID, Action: approval, Note: note, At: s.now(),
		})
	}
	s.recordAudit(ctx, shared.AuditLog{
		ActorID: actor.ID, FacilityID: updated.FacilityID,
		Action: string(action), Entity: "goods_receipt", EntityID: strconv.FormatInt(updated.ID, 10),
		Meta: map[string]any{"status": string(updated.Status)},
	})
	s.logger.Info("goods receipt transitioned",
		"number", updated.Number, "action", string(action), "status", string(updated.Status), "actor_id", actor.ID)
	return updated, nil
}

// GetReceipt loads one receipt with its lines.
func (s *Service) GetReceipt(ctx context.Context, id int64) (GoodsReceipt, error) {
	return s.store.GetReceipt(ctx, id)
}

// ListReceipts pages through receipts.
func (s *Service) ListReceipts(ctx context.Context, filters ListFilters) ([]GoodsReceipt, shared.Pagination, error) {
	filters = filters.Normalize()
	list, total, err := s.store.ListReceipts(ctx, filters)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return list, shared.NewPagination(filters.Page, filters.Limit, total), nil
}
