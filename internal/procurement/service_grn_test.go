package procurement

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/meridian-hms/meridian-hms/internal/inventory"
	"github.com/meridian-hms/meridian-hms/internal/procurement/workflow"
)

func sentOrder(t *testing.T, env *testEnv, items ...OrderItemInput) PurchaseOrder {
	t.Helper()
	ctx := context.Background()
	if len(items) == 0 {
		items = []OrderItemInput{{ItemID: 10, Quantity: 100, UnitPrice: 4}}
	}
	po, err := env.svc.CreateOrder(ctx, buyer, CreateOrderInput{FacilityID: 1, SupplierID: 7, Items: items})
	require.NoError(t, err)
	po, err = env.svc.ApproveOrder(ctx, approver, po.ID, "")
	require.NoError(t, err)
	po, err = env.svc.SendOrder(ctx, buyer, po.ID)
	require.NoError(t, err)
	return po
}

func acceptAll(grn GoodsReceipt) InspectReceiptInput {
	input := InspectReceiptInput{Notes: "all good"}
	for _, it := range grn.Items {
		input.Items = append(input.Items, InspectionLineInput{
			ItemID:           it.ItemID,
			QuantityAccepted: it.QuantityReceived,
		})
	}
	return input
}

func postedReceipt(t *testing.T, env *testEnv, orderID, itemID, qty int64) GoodsReceipt {
	t.Helper()
	ctx := context.Background()
	grn, err := env.svc.CreateReceipt(ctx, inspector, CreateReceiptInput{
		OrderID: orderID,
		Items:   []ReceiptLineInput{{ItemID: itemID, Quantity: qty}},
	})
	require.NoError(t, err)
	grn, err = env.svc.InspectReceipt(ctx, inspector, grn.ID, acceptAll(grn))
	require.NoError(t, err)
	grn, err = env.svc.ApproveReceipt(ctx, approver, grn.ID, "")
	require.NoError(t, err)
	grn, err = env.svc.PostReceipt(ctx, poster, grn.ID)
	require.NoError(t, err)
	return grn
}

func TestCreateReceiptRequiresSentOrder(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	po, _ := env.svc.CreateOrder(ctx, buyer, CreateOrderInput{
		FacilityID: 1, SupplierID: 7,
		Items: []OrderItemInput{{ItemID: 10, Quantity: 100, UnitPrice: 4}},
	})
	_, err := env.svc.CreateReceipt(ctx, inspector, CreateReceiptInput{
		OrderID: po.ID,
		Items:   []ReceiptLineInput{{ItemID: 10, Quantity: 10}},
	})
	require.ErrorIs(t, err, ErrInvalidSource)
}

func TestCreateReceiptCapsAtOutstanding(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	po := sentOrder(t, env)

	postedReceipt(t, env, po.ID, 10, 60)

	// 40 outstanding: receiving 50 over-delivers
	_, err := env.svc.CreateReceipt(ctx, inspector, CreateReceiptInput{
		OrderID: po.ID,
		Items:   []ReceiptLineInput{{ItemID: 10, Quantity: 50}},
	})
	require.ErrorIs(t, err, ErrOverReceipt)

	grn, err := env.svc.CreateReceipt(ctx, inspector, CreateReceiptInput{
		OrderID: po.ID,
		Items:   []ReceiptLineInput{{ItemID: 10, Quantity: 40}},
	})
	require.NoError(t, err)
	require.Equal(t, workflow.ReceiptPending, grn.Status)
}

func TestOpenReceiptsReserveOutstanding(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	po := sentOrder(t, env)

	// first clerk records 70; the receipt is still pending
	_, err := env.svc.CreateReceipt(ctx, inspector, CreateReceiptInput{
		OrderID: po.ID,
		Items:   []ReceiptLineInput{{ItemID: 10, Quantity: 70}},
	})
	require.NoError(t, err)

	// a second receipt may only take what the first left over
	_, err = env.svc.CreateReceipt(ctx, inspector, CreateReceiptInput{
		OrderID: po.ID,
		Items:   []ReceiptLineInput{{ItemID: 10, Quantity: 40}},
	})
	require.ErrorIs(t, err, ErrOverReceipt)

	_, err = env.svc.CreateReceipt(ctx, inspector, CreateReceiptInput{
		OrderID: po.ID,
		Items:   []ReceiptLineInput{{ItemID: 10, Quantity: 30}},
	})
	require.NoError(t, err)
}

func TestRejectedReceiptReleasesReservation(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	po := sentOrder(t, env)

	grn, err := env.svc.CreateReceipt(ctx, inspector, CreateReceiptInput{
		OrderID: po.ID,
		Items:   []ReceiptLineInput{{ItemID: 10, Quantity: 100}},
	})
	require.NoError(t, err)

	_, err = env.svc.RejectReceipt(ctx, inspector, grn.ID, RejectInput{Reason: "damaged in transit"})
	require.NoError(t, err)

	// the full quantity is receivable again
	_, err = env.svc.CreateReceipt(ctx, inspector, CreateReceiptInput{
		OrderID: po.ID,
		Items:   []ReceiptLineInput{{ItemID: 10, Quantity: 100}},
	})
	require.NoError(t, err)
}

func TestInspectionSplitsMustAddUp(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	po := sentOrder(t, env)

	grn, err := env.svc.CreateReceipt(ctx, inspector, CreateReceiptInput{
		OrderID: po.ID,
		Items:   []ReceiptLineInput{{ItemID: 10, Quantity: 50}},
	})
	require.NoError(t, err)

	_, err = env.svc.InspectReceipt(ctx, inspector, grn.ID, InspectReceiptInput{
		Items: []InspectionLineInput{{ItemID: 10, QuantityAccepted: 30, QuantityRejected: 10}},
	})
	require.ErrorIs(t, err, ErrQuantityMismatch)

	// rejected units need a reason
	_, err = env.svc.InspectReceipt(ctx, inspector, grn.ID, InspectReceiptInput{
		Items: []InspectionLineInput{{ItemID: 10, QuantityAccepted: 40, QuantityRejected: 10}},
	})
	require.ErrorIs(t, err, ErrValidation)

	grn, err = env.svc.InspectReceipt(ctx, inspector, grn.ID, InspectReceiptInput{
		Notes: "10 vials cracked",
		Items: []InspectionLineInput{{ItemID: 10, QuantityAccepted: 40, QuantityRejected: 10, RejectionReason: "cracked"}},
	})
	require.NoError(t, err)
	require.Equal(t, workflow.ReceiptInspected, grn.Status)
	require.Equal(t, int64(40), grn.Items[0].QuantityAccepted)
	require.Equal(t, int64(10), grn.Items[0].QuantityRejected)
}

func TestInspectionMustCoverEveryLine(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	po := sentOrder(t, env,
		OrderItemInput{ItemID: 10, Quantity: 50, UnitPrice: 4},
		OrderItemInput{ItemID: 11, Quantity: 20, UnitPrice: 9},
	)

	grn, err := env.svc.CreateReceipt(ctx, inspector, CreateReceiptInput{
		OrderID: po.ID,
		Items: []ReceiptLineInput{
			{ItemID: 10, Quantity: 50},
			{ItemID: 11, Quantity: 20},
		},
	})
	require.NoError(t, err)

	_, err = env.svc.InspectReceipt(ctx, inspector, grn.ID, InspectReceiptInput{
		Items: []InspectionLineInput{{ItemID: 10, QuantityAccepted: 50}},
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestPostReceiptUpdatesOrderProgress(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	po := sentOrder(t, env)

	grn := postedReceipt(t, env, po.ID, 10, 60)
	require.Equal(t, workflow.ReceiptPosted, grn.Status)
	require.NotNil(t, grn.PostedAt)
	require.Equal(t, 1, env.gateway.calls)
	require.Equal(t, "GRN:"+grn.Number, env.gateway.last.Reference)

	got, err := env.svc.GetOrder(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.OrderPartial, got.Status)
	require.Equal(t, int64(60), got.Items[0].QuantityReceived)
	require.InDelta(t, 60.0, got.CompletionPercent(), 1e-9)

	// receiving the remainder completes the order
	postedReceipt(t, env, po.ID, 10, 40)
	got, err = env.svc.GetOrder(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.OrderReceived, got.Status)
}

func TestPostOnlyCountsAcceptedQuantities(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	po := sentOrder(t, env)

	grn, err := env.svc.CreateReceipt(ctx, inspector, CreateReceiptInput{
		OrderID: po.ID,
		Items:   []ReceiptLineInput{{ItemID: 10, Quantity: 50}},
	})
	require.NoError(t, err)
	grn, err = env.svc.InspectReceipt(ctx, inspector, grn.ID, InspectReceiptInput{
		Items: []InspectionLineInput{{ItemID: 10, QuantityAccepted: 35, QuantityRejected: 15, RejectionReason: "expired"}},
	})
	require.NoError(t, err)
	grn, err = env.svc.ApproveReceipt(ctx, approver, grn.ID, "")
	require.NoError(t, err)
	grn, err = env.svc.PostReceipt(ctx, poster, grn.ID)
	require.NoError(t, err)

	require.Len(t, env.gateway.last.Lines, 1)
	require.Equal(t, int64(35), env.gateway.last.Lines[0].Quantity)

	got, _ := env.svc.GetOrder(ctx, po.ID)
	require.Equal(t, int64(35), got.Items[0].QuantityReceived)

	// the rejected 15 are receivable again on a fresh delivery
	_, err = env.svc.CreateReceipt(ctx, inspector, CreateReceiptInput{
		OrderID: po.ID,
		Items:   []ReceiptLineInput{{ItemID: 10, Quantity: 65}},
	})
	require.NoError(t, err)
}

func TestPostReceiptIsIdempotent(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	po := sentOrder(t, env)

	grn := postedReceipt(t, env, po.ID, 10, 60)

	again, err := env.svc.PostReceipt(ctx, poster, grn.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.ReceiptPosted, again.Status)
	require.Equal(t, 1, env.gateway.calls, "replay must not hit the gateway again")

	got, _ := env.svc.GetOrder(ctx, po.ID)
	require.Equal(t, int64(60), got.Items[0].QuantityReceived, "replay must not double-count")
}

func TestPostRetryableFailureKeepsReceiptApproved(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	po := sentOrder(t, env)

	grn, _ := env.svc.CreateReceipt(ctx, inspector, CreateReceiptInput{
		OrderID: po.ID,
		Items:   []ReceiptLineInput{{ItemID: 10, Quantity: 60}},
	})
	grn, _ = env.svc.InspectReceipt(ctx, inspector, grn.ID, acceptAll(grn))
	grn, _ = env.svc.ApproveReceipt(ctx, approver, grn.ID, "")

	env.gateway.err = inventory.ErrRetryable
	_, err := env.svc.PostReceipt(ctx, poster, grn.ID)
	require.ErrorIs(t, err, inventory.ErrRetryable)
	require.Equal(t, []int64{grn.ID}, env.scheduler.receiptIDs)

	got, _ := env.svc.GetReceipt(ctx, grn.ID)
	require.Equal(t, workflow.ReceiptApproved, got.Status)

	// once the gateway recovers the same posting goes through
	env.gateway.err = nil
	posted, err := env.svc.PostReceipt(ctx, poster, grn.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.ReceiptPosted, posted.Status)
}

func TestPostRejectedFailureNeedsOperatorAction(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	po := sentOrder(t, env)

	grn, _ := env.svc.CreateReceipt(ctx, inspector, CreateReceiptInput{
		OrderID: po.ID,
		Items:   []ReceiptLineInput{{ItemID: 10, Quantity: 60}},
	})
	grn, _ = env.svc.InspectReceipt(ctx, inspector, grn.ID, acceptAll(grn))
	grn, _ = env.svc.ApproveReceipt(ctx, approver, grn.ID, "")

	env.gateway.err = inventory.ErrRejected
	_, err := env.svc.PostReceipt(ctx, poster, grn.ID)
	require.ErrorIs(t, err, inventory.ErrRejected)
	require.Empty(t, env.scheduler.receiptIDs, "rejections are not retried")

	got, _ := env.svc.GetReceipt(ctx, grn.ID)
	require.Equal(t, workflow.ReceiptApproved, got.Status)
}

func TestPostRequiresPosterRole(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	po := sentOrder(t, env)

	grn, _ := env.svc.CreateReceipt(ctx, inspector, CreateReceiptInput{
		OrderID: po.ID,
		Items:   []ReceiptLineInput{{ItemID: 10, Quantity: 60}},
	})
	grn, _ = env.svc.InspectReceipt(ctx, inspector, grn.ID, acceptAll(grn))
	grn, _ = env.svc.ApproveReceipt(ctx, approver, grn.ID, "")

	_, err := env.svc.PostReceipt(ctx, inspector, grn.ID)
	require.ErrorIs(t, err, ErrForbidden)
	require.Zero(t, env.gateway.calls, "forbidden calls never reach the gateway")
}

func TestPostBeforeApprovalIsInvalid(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	po := sentOrder(t, env)

	grn, _ := env.svc.CreateReceipt(ctx, inspector, CreateReceiptInput{
		OrderID: po.ID,
		Items:   []ReceiptLineInput{{ItemID: 10, Quantity: 60}},
	})
	_, err := env.svc.PostReceipt(ctx, poster, grn.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFullyRejectedReceiptPostsNothing(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	po := sentOrder(t, env)

	grn, _ := env.svc.CreateReceipt(ctx, inspector, CreateReceiptInput{
		OrderID: po.ID,
		Items:   []ReceiptLineInput{{ItemID: 10, Quantity: 20}},
	})
	grn, err := env.svc.InspectReceipt(ctx, inspector, grn.ID, InspectReceiptInput{
		Items: []InspectionLineInput{{ItemID: 10, QuantityRejected: 20, RejectionReason: "wrong product"}},
	})
	require.NoError(t, err)
	grn, err = env.svc.ApproveReceipt(ctx, approver, grn.ID, "")
	require.NoError(t, err)

	grn, err = env.svc.PostReceipt(ctx, poster, grn.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.ReceiptPosted, grn.Status)
	require.Zero(t, env.gateway.calls, "nothing accepted, nothing to post")

	got, _ := env.svc.GetOrder(ctx, po.ID)
	require.Zero(t, got.Items[0].QuantityReceived)
}

func TestConcurrentReceiptsClaimOutstandingOnce(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	po := sentOrder(t, env)

	// two clerks record the full delivery at the same time; the reservation
	// admits exactly one of them
	input := CreateReceiptInput{
		OrderID: po.ID,
		Items:   []ReceiptLineInput{{ItemID: 10, Quantity: 100}},
	}
	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.CreateReceipt(ctx, inspector, input)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, overReceipt int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrOverReceipt):
			overReceipt++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, overReceipt)

	_, total, err := env.svc.ListReceipts(ctx, ListFilters{OrderID: po.ID})
	require.NoError(t, err)
	require.Equal(t, 1, total.Total)
}

func TestFailedReceiptTransactionLeavesNothingBehind(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	po := sentOrder(t, env)

	// the order version bump loses a serialization race once; the retry
	// re-runs the whole transaction and the aborted insert is discarded
	env.store.failNow(&pgconn.PgError{Code: "40001"})
	grn, err := env.svc.CreateReceipt(ctx, inspector, CreateReceiptInput{
		OrderID: po.ID,
		Items:   []ReceiptLineInput{{ItemID: 10, Quantity: 60}},
	})
	require.NoError(t, err)

	list, total, err := env.svc.ListReceipts(ctx, ListFilters{OrderID: po.ID})
	require.NoError(t, err)
	require.Equal(t, 1, total.Total)
	require.Len(t, list, 1)
	require.Equal(t, grn.ID, list[0].ID)

	// the aborted attempt reserved nothing beyond the surviving receipt
	_, err = env.svc.CreateReceipt(ctx, inspector, CreateReceiptInput{
		OrderID: po.ID,
		Items:   []ReceiptLineInput{{ItemID: 10, Quantity: 40}},
	})
	require.NoError(t, err)
}

func TestDirectReceiptLifecycle(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	grn, err := env.svc.CreateDirectReceipt(ctx, inspector, CreateDirectReceiptInput{
		FacilityID:    1,
		SupplierID:    7,
		InvoiceNumber: "INV-2041",
		Items: []DirectReceiptLineInput{
			{ItemID: 42, Quantity: 30, UnitCost: 2.5, BatchNumber: "B-77"},
		},
	})
	require.NoError(t, err)
	require.Nil(t, grn.OrderID)
	require.Equal(t, workflow.ReceiptPending, grn.Status)
	require.Nil(t, grn.Items[0].OrderItemID)
	require.Equal(t, int64(30), grn.Items[0].QuantityExpected)

	grn, err = env.svc.InspectReceipt(ctx, inspector, grn.ID, acceptAll(grn))
	require.NoError(t, err)
	grn, err = env.svc.ApproveReceipt(ctx, approver, grn.ID, "")
	require.NoError(t, err)
	grn, err = env.svc.PostReceipt(ctx, poster, grn.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.ReceiptPosted, grn.Status)

	require.Equal(t, 1, env.gateway.calls)
	require.Len(t, env.gateway.last.Lines, 1)
	require.Equal(t, int64(30), env.gateway.last.Lines[0].Quantity)
	require.InDelta(t, 2.5, env.gateway.last.Lines[0].UnitCost, 1e-9)
}

func TestDirectReceiptRequiresReceivingRole(t *testing.T) {
	env := newTestEnv()

	_, err := env.svc.CreateDirectReceipt(context.Background(), requester, CreateDirectReceiptInput{
		FacilityID: 1, SupplierID: 7,
		Items: []DirectReceiptLineInput{{ItemID: 42, Quantity: 5}},
	})
	require.ErrorIs(t, err, ErrForbidden)
}

func TestReceiptSnapshotsExpectedQuantity(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	po := sentOrder(t, env)

	// the first receipt sees the whole line outstanding
	first, err := env.svc.CreateReceipt(ctx, inspector, CreateReceiptInput{
		OrderID: po.ID,
		Items:   []ReceiptLineInput{{ItemID: 10, Quantity: 60}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(100), first.Items[0].QuantityExpected)
	require.Equal(t, int64(60), first.Items[0].QuantityReceived)

	// while the first is still open, a second receipt only expects the rest
	second, err := env.svc.CreateReceipt(ctx, inspector, CreateReceiptInput{
		OrderID: po.ID,
		Items:   []ReceiptLineInput{{ItemID: 10, Quantity: 30}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(40), second.Items[0].QuantityExpected)

	got, err := env.svc.GetReceipt(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, int64(40), got.Items[0].QuantityExpected)
}

func TestReceiptValuesDeriveFromLines(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	po := sentOrder(t, env) // unit price 4

	grn, err := env.svc.CreateReceipt(ctx, inspector, CreateReceiptInput{
		OrderID: po.ID,
		Items:   []ReceiptLineInput{{ItemID: 10, Quantity: 50}},
	})
	require.NoError(t, err)
	require.InDelta(t, 200.0, grn.Subtotal(), 1e-9)
	require.Zero(t, grn.AcceptedValue(), "nothing accepted before inspection")

	grn, err = env.svc.InspectReceipt(ctx, inspector, grn.ID, InspectReceiptInput{
		Items: []InspectionLineInput{{ItemID: 10, QuantityAccepted: 35, QuantityRejected: 15, RejectionReason: "expired"}},
	})
	require.NoError(t, err)
	require.InDelta(t, 200.0, grn.Subtotal(), 1e-9)
	require.InDelta(t, 140.0, grn.AcceptedValue(), 1e-9)
}

func TestDashboardCountsOpenWork(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	pr, _ := env.svc.CreateRequest(ctx, requester, draftRequestInput())
	_, err := env.svc.SubmitRequest(ctx, requester, pr.ID)
	require.NoError(t, err)

	po := sentOrder(t, env)
	_, err = env.svc.CreateReceipt(ctx, inspector, CreateReceiptInput{
		OrderID: po.ID,
		Items:   []ReceiptLineInput{{ItemID: 10, Quantity: 10}},
	})
	require.NoError(t, err)

	summary, err := env.svc.Dashboard(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, summary.PendingRequests)
	require.Equal(t, 1, summary.OpenOrders)
	require.Equal(t, 1, summary.ReceiptsToInspect)
	require.Zero(t, summary.ReceiptsToPost)
}
