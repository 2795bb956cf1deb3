package procurement

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/meridian-hms/meridian-hms/internal/procurement/workflow"
)

func approvedRequest(t *testing.T, env *testEnv, overrides ...ItemApprovalInput) PurchaseRequest {
	t.Helper()
	ctx := context.Background()
	pr, err := env.svc.CreateRequest(ctx, requester, draftRequestInput())
	require.NoError(t, err)
	pr, err = env.svc.SubmitRequest(ctx, requester, pr.ID)
	require.NoError(t, err)
	pr, err = env.svc.ApproveRequest(ctx, approver, pr.ID, ApproveRequestInput{Items: overrides})
	require.NoError(t, err)
	return pr
}

func TestCreateOrderFromRequestCopiesApprovedQuantities(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	pr := approvedRequest(t, env,
		ItemApprovalInput{ItemID: 10, QuantityApproved: 60},
		ItemApprovalInput{ItemID: 11, QuantityApproved: 0},
	)

	po, err := env.svc.CreateOrderFromRequest(ctx, buyer, CreateOrderFromRequestInput{
		RequestID:  pr.ID,
		SupplierID: 7,
		Prices:     pricesFor(10, 11),
	})
	require.NoError(t, err)
	require.Equal(t, workflow.OrderDraft, po.Status)
	require.NotNil(t, po.RequestID)
	require.Equal(t, pr.ID, *po.RequestID)

	// only the granted line is copied, at its approved quantity
	require.Len(t, po.Items, 1)
	require.Equal(t, int64(10), po.Items[0].ItemID)
	require.Equal(t, int64(60), po.Items[0].QuantityOrdered)
	require.Equal(t, pr.Items[0].ID, *po.Items[0].RequestItemID)

	got, err := env.svc.GetRequest(ctx, pr.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.RequestOrdered, got.Status)
}

func TestCreateOrderFromRequestTwiceFindsNothingLeft(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	pr := approvedRequest(t, env)

	input := CreateOrderFromRequestInput{RequestID: pr.ID, SupplierID: 7, Prices: pricesFor(10, 11)}
	_, err := env.svc.CreateOrderFromRequest(ctx, buyer, input)
	require.NoError(t, err)

	// every approved quantity is already on an order
	_, err = env.svc.CreateOrderFromRequest(ctx, buyer, input)
	require.ErrorIs(t, err, ErrNoApprovedItems)
}

func TestCreateOrderFromRequestRequiresEligibleSource(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	pr, _ := env.svc.CreateRequest(ctx, requester, draftRequestInput())
	pr, _ = env.svc.SubmitRequest(ctx, requester, pr.ID)

	_, err := env.svc.CreateOrderFromRequest(ctx, buyer, CreateOrderFromRequestInput{
		RequestID: pr.ID, SupplierID: 7, Prices: pricesFor(10, 11),
	})
	require.ErrorIs(t, err, ErrInvalidSource)
}

func TestCreateOrderFromRequestNeedsPricePerItem(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	pr := approvedRequest(t, env)

	_, err := env.svc.CreateOrderFromRequest(ctx, buyer, CreateOrderFromRequestInput{
		RequestID: pr.ID, SupplierID: 7, Prices: pricesFor(10),
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestCreateOrderFromRequestRequiresBuyer(t *testing.T) {
	env := newTestEnv()
	pr := approvedRequest(t, env)

	_, err := env.svc.CreateOrderFromRequest(context.Background(), requester, CreateOrderFromRequestInput{
		RequestID: pr.ID, SupplierID: 7, Prices: pricesFor(10, 11),
	})
	require.ErrorIs(t, err, ErrForbidden)
}

func TestDirectOrderLifecycle(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	po, err := env.svc.CreateOrder(ctx, buyer, CreateOrderInput{
		FacilityID: 1,
		SupplierID: 7,
		Items: []OrderItemInput{
			{ItemID: 10, Quantity: 100, UnitPrice: 2.5, TaxPercent: 5},
		},
	})
	require.NoError(t, err)
	require.Equal(t, workflow.OrderDraft, po.Status)
	require.Nil(t, po.RequestID)

	po, err = env.svc.ApproveOrder(ctx, approver, po.ID, "")
	require.NoError(t, err)
	require.Equal(t, workflow.OrderApproved, po.Status)

	po, err = env.svc.SendOrder(ctx, buyer, po.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.OrderSent, po.Status)

	// sent orders can no longer be cancelled
	_, err = env.svc.CancelOrder(ctx, buyer, po.ID, RejectInput{Reason: "supplier issue"})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelOrderBeforeSend(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	po, _ := env.svc.CreateOrder(ctx, buyer, CreateOrderInput{
		FacilityID: 1, SupplierID: 7,
		Items: []OrderItemInput{{ItemID: 10, Quantity: 10, UnitPrice: 1}},
	})
	po, err := env.svc.CancelOrder(ctx, buyer, po.ID, RejectInput{Reason: "duplicate order"})
	require.NoError(t, err)
	require.Equal(t, workflow.OrderCancelled, po.Status)
}

func TestOrderTotalsAreDerived(t *testing.T) {
	env := newTestEnv()
	po, err := env.svc.CreateOrder(context.Background(), buyer, CreateOrderInput{
		FacilityID: 1, SupplierID: 7,
		Items: []OrderItemInput{
			{ItemID: 10, Quantity: 10, UnitPrice: 100, DiscountPercent: 10, TaxPercent: 5},
		},
	})
	require.NoError(t, err)

	totals := po.Totals()
	require.InDelta(t, 1000.0, totals.Subtotal, 1e-9)
	require.InDelta(t, 100.0, totals.DiscountAmount, 1e-9)
	require.InDelta(t, 45.0, totals.TaxAmount, 1e-9)
	require.InDelta(t, 945.0, totals.Total, 1e-9)
}

func TestTransitionRetriesSerializationFailures(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	draft := func() PurchaseOrder {
		po, err := env.svc.CreateOrder(ctx, buyer, CreateOrderInput{
			FacilityID: 1, SupplierID: 7,
			Items: []OrderItemInput{{ItemID: 10, Quantity: 10, UnitPrice: 1}},
		})
		require.NoError(t, err)
		return po
	}

	// under repeatable read a lost race surfaces as SQLSTATE 40001 rather
	// than a zero-row update; one failure is absorbed by the retry
	po := draft()
	env.store.failNow(&pgconn.PgError{Code: "40001"})
	approved, err := env.svc.ApproveOrder(ctx, approver, po.ID, "")
	require.NoError(t, err)
	require.Equal(t, workflow.OrderApproved, approved.Status)

	// deadlocks and serialization failures beyond the budget surface as
	// ErrConflict, never as the raw database error
	po = draft()
	env.store.failNow(
		&pgconn.PgError{Code: "40001"},
		&pgconn.PgError{Code: "40P01"},
		&pgconn.PgError{Code: "40001"},
		&pgconn.PgError{Code: "40001"},
	)
	_, err = env.svc.ApproveOrder(ctx, approver, po.ID, "")
	require.ErrorIs(t, err, ErrConflict)

	// other database errors are not retried
	po = draft()
	env.store.failNow(&pgconn.PgError{Code: "23503"})
	_, err = env.svc.ApproveOrder(ctx, approver, po.ID, "")
	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	require.Equal(t, "23503", pgErr.Code)
}

func TestOrderApprovalRequiresApproverRole(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	po, _ := env.svc.CreateOrder(ctx, buyer, CreateOrderInput{
		FacilityID: 1, SupplierID: 7,
		Items: []OrderItemInput{{ItemID: 10, Quantity: 10, UnitPrice: 1}},
	})
	_, err := env.svc.ApproveOrder(ctx, buyer, po.ID, "")
	require.ErrorIs(t, err, ErrForbidden)
}
