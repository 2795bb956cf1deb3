package procurement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meridian-hms/meridian-hms/internal/identity"
	"github.com/meridian-hms/meridian-hms/internal/inventory"
	"github.com/meridian-hms/meridian-hms/internal/procurement/workflow"
)

// memState holds the document maps. Methods are not goroutine safe; memStore
// and memTx serialize access through the store mutex.
type memState struct {
	requests map[int64]PurchaseRequest
	orders   map[int64]PurchaseOrder
	receipts map[int64]GoodsReceipt
	nextID   int64
	seq      map[string]int64
}

func newMemState() memState {
	return memState{
		requests: map[int64]PurchaseRequest{},
		orders:   map[int64]PurchaseOrder{},
		receipts: map[int64]GoodsReceipt{},
		seq:      map[string]int64{},
	}
}

func (s *memState) clone() memState {
	out := newMemState()
	out.nextID = s.nextID
	for k, v := range s.requests {
		out.requests[k] = copyRequest(v)
	}
	for k, v := range s.orders {
		out.orders[k] = copyOrder(v)
	}
	for k, v := range s.receipts {
		out.receipts[k] = copyReceipt(v)
	}
	for k, v := range s.seq {
		out.seq[k] = v
	}
	return out
}

func (s *memState) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memState) number(prefix string) string {
	s.seq[prefix]++
	return fmt.Sprintf("%s-2026-%05d", prefix, s.seq[prefix])
}

func copyRequest(pr PurchaseRequest) PurchaseRequest {
	out := pr
	out.Items = append([]RequestItem(nil), pr.Items...)
	return out
}

func copyOrder(po PurchaseOrder) PurchaseOrder {
	out := po
	out.Items = append([]OrderItem(nil), po.Items...)
	return out
}

func copyReceipt(grn GoodsReceipt) GoodsReceipt {
	out := grn
	out.Items = append([]ReceiptItem(nil), grn.Items...)
	return out
}

func (s *memState) getRequest(id int64) (PurchaseRequest, error) {
	pr, ok := s.requests[id]
	if !ok {
		return PurchaseRequest{}, ErrNotFound
	}
	return copyRequest(pr), nil
}

func (s *memState) getOrder(id int64) (PurchaseOrder, error) {
	po, ok := s.orders[id]
	if !ok {
		return PurchaseOrder{}, ErrNotFound
	}
	return copyOrder(po), nil
}

func (s *memState) getReceipt(id int64) (GoodsReceipt, error) {
	grn, ok := s.receipts[id]
	if !ok {
		return GoodsReceipt{}, ErrNotFound
	}
	return copyReceipt(grn), nil
}

func (s *memState) orderedByRequestItem(requestID int64) map[int64]int64 {
	out := map[int64]int64{}
	for _, po := range s.orders {
		if po.RequestID == nil || *po.RequestID != requestID || po.Status == workflow.OrderCancelled {
			continue
		}
		for _, it := range po.Items {
			if it.RequestItemID != nil {
				out[*it.RequestItemID] += it.QuantityOrdered
			}
		}
	}
	return out
}

func (s *memState) openReceivedByOrderItem(orderID int64) map[int64]int64 {
	out := map[int64]int64{}
	for _, grn := range s.receipts {
		if grn.OrderID == nil || *grn.OrderID != orderID || !grn.Open() {
			continue
		}
		for _, it := range grn.Items {
			if it.OrderItemID != nil {
				out[*it.OrderItemID] += it.QuantityReceived
			}
		}
	}
	return out
}

func (s *memState) createRequest(pr *PurchaseRequest) {
	pr.ID = s.id()
	pr.Number = s.number("PR")
	for i := range pr.Items {
		pr.Items[i].ID = s.id()
		pr.Items[i].RequestID = pr.ID
	}
	s.requests[pr.ID] = copyRequest(*pr)
}

func (s *memState) updateRequest(pr *PurchaseRequest, expectedVersion int64) error {
	current, ok := s.requests[pr.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	pr.Version = expectedVersion + 1
	for i := range pr.Items {
		if pr.Items[i].ID == 0 {
			pr.Items[i].ID = s.id()
		}
	}
	s.requests[pr.ID] = copyRequest(*pr)
	return nil
}

func (s *memState) createOrder(po *PurchaseOrder) {
	po.ID = s.id()
	po.Number = s.number("PO")
	for i := range po.Items {
		po.Items[i].ID = s.id()
		po.Items[i].OrderID = po.ID
	}
	s.orders[po.ID] = copyOrder(*po)
}

func (s *memState) updateOrder(po *PurchaseOrder, expectedVersion int64) error {
	current, ok := s.orders[po.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	po.Version = expectedVersion + 1
	s.orders[po.ID] = copyOrder(*po)
	return nil
}

func (s *memState) createReceipt(grn *GoodsReceipt) {
	grn.ID = s.id()
	grn.Number = s.number("GRN")
	for i := range grn.Items {
		grn.Items[i].ID = s.id()
		grn.Items[i].ReceiptID = grn.ID
	}
	s.receipts[grn.ID] = copyReceipt(*grn)
}

func (s *memState) updateReceipt(grn *GoodsReceipt, expectedVersion int64) error {
	current, ok := s.receipts[grn.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	grn.Version = expectedVersion + 1
	s.receipts[grn.ID] = copyReceipt(*grn)
	return nil
}

// memStore is an in-memory Store with the same concurrency semantics as the
// PostgreSQL repository: updates check the expected version and fail with
// ErrVersionConflict on a stale read, and WithTx stages writes against a
// snapshot that is only published when fn succeeds, so a failed transaction
// leaves no partial rows behind. The store mutex is held for the whole
// transaction, which serializes transactions the way repeatable read does.
type memStore struct {
	mu    sync.Mutex
	state memState

	// forceConflicts makes the next n updates fail with ErrVersionConflict, to
	// exercise the retry loop.
	forceConflicts int
	// injected errors are returned by updates one at a time, modeling failures
	// the database itself raises, such as serialization errors.
	injected []error
}

func newMemStore() *memStore {
	return &memStore{state: newMemState()}
}

func (m *memStore) failNow(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.injected = append(m.injected, errs...)
}

// takeFailure pops the next injected failure. Callers hold m.mu.
func (m *memStore) takeFailure() error {
	if len(m.injected) > 0 {
		err := m.injected[0]
		m.injected = m.injected[1:]
		return err
	}
	if m.forceConflicts > 0 {
		m.forceConflicts--
		return ErrVersionConflict
	}
	return nil
}

func (m *memStore) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	staged := m.state.clone()
	if err := fn(ctx, &memTx{parent: m, staged: &staged}); err != nil {
		return err
	}
	m.state = staged
	return nil
}

func (m *memStore) GetRequest(ctx context.Context, id int64) (PurchaseRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.getRequest(id)
}

func (m *memStore) GetOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.getOrder(id)
}

func (m *memStore) GetReceipt(ctx context.Context, id int64) (GoodsReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.getReceipt(id)
}

func (m *memStore) OrderedByRequestItem(ctx context.Context, requestID int64) (map[int64]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.orderedByRequestItem(requestID), nil
}

func (m *memStore) OpenReceivedByOrderItem(ctx context.Context, orderID int64) (map[int64]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.openReceivedByOrderItem(orderID), nil
}

func (m *memStore) ListRequests(ctx context.Context, filters ListFilters) ([]PurchaseRequest, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []PurchaseRequest
	for _, pr := range m.state.requests {
		if filters.Status != "" && string(pr.Status) != filters.Status {
			continue
		}
		list = append(list, copyRequest(pr))
	}
	return list, len(list), nil
}

func (m *memStore) ListOrders(ctx context.Context, filters ListFilters) ([]PurchaseOrder, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []PurchaseOrder
	for _, po := range m.state.orders {
		if filters.Status != "" && string(po.Status) != filters.Status {
			continue
		}
		list = append(list, copyOrder(po))
	}
	return list, len(list), nil
}

func (m *memStore) ListReceipts(ctx context.Context, filters ListFilters) ([]GoodsReceipt, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []GoodsReceipt
	for _, grn := range m.state.receipts {
		if filters.OrderID != 0 && (grn.OrderID == nil || *grn.OrderID != filters.OrderID) {
			continue
		}
		list = append(list, copyReceipt(grn))
	}
	return list, len(list), nil
}

func (m *memStore) Dashboard(ctx context.Context, facilityID int64) (DashboardSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var d DashboardSummary
	for _, pr := range m.state.requests {
		if pr.FacilityID == facilityID && pr.Status == workflow.RequestSubmitted {
			d.PendingRequests++
		}
	}
	for _, po := range m.state.orders {
		if po.FacilityID == facilityID && (po.Status == workflow.OrderSent || po.Status == workflow.OrderPartial) {
			d.OpenOrders++
		}
	}
	for _, grn := range m.state.receipts {
		if grn.FacilityID != facilityID {
			continue
		}
		switch grn.Status {
		case workflow.ReceiptPending:
			d.ReceiptsToInspect++
		case workflow.ReceiptApproved:
			d.ReceiptsToPost++
		}
	}
	return d, nil
}

// memTx is the staged TxStore handed to WithTx callbacks. The parent lock is
// already held, so methods touch the staged state directly.
type memTx struct {
	parent *memStore
	staged *memState
}

func (t *memTx) GetRequest(ctx context.Context, id int64) (PurchaseRequest, error) {
	return t.staged.getRequest(id)
}

func (t *memTx) GetOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	return t.staged.getOrder(id)
}

func (t *memTx) GetReceipt(ctx context.Context, id int64) (GoodsReceipt, error) {
	return t.staged.getReceipt(id)
}

func (t *memTx) OrderedByRequestItem(ctx context.Context, requestID int64) (map[int64]int64, error) {
	return t.staged.orderedByRequestItem(requestID), nil
}

func (t *memTx) OpenReceivedByOrderItem(ctx context.Context, orderID int64) (map[int64]int64, error) {
	return t.staged.openReceivedByOrderItem(orderID), nil
}

func (t *memTx) CreateRequest(ctx context.Context, pr *PurchaseRequest) error {
	t.staged.createRequest(pr)
	return nil
}

func (t *memTx) UpdateRequest(ctx context.Context, pr *PurchaseRequest, expectedVersion int64) error {
	if err := t.parent.takeFailure(); err != nil {
		return err
	}
	return t.staged.updateRequest(pr, expectedVersion)
}

func (t *memTx) CreateOrder(ctx context.Context, po *PurchaseOrder) error {
	t.staged.createOrder(po)
	return nil
}

func (t *memTx) UpdateOrder(ctx context.Context, po *PurchaseOrder, expectedVersion int64) error {
	if err := t.parent.takeFailure(); err != nil {
		return err
	}
	return t.staged.updateOrder(po, expectedVersion)
}

func (t *memTx) CreateReceipt(ctx context.Context, grn *GoodsReceipt) error {
	t.staged.createReceipt(grn)
	return nil
}

func (t *memTx) UpdateReceipt(ctx context.Context, grn *GoodsReceipt, expectedVersion int64) error {
	if err := t.parent.takeFailure(); err != nil {
		return err
	}
	return t.staged.updateReceipt(grn, expectedVersion)
}

// fakeGateway counts postings and can fail with a configured error.
type fakeGateway struct {
	mu    sync.Mutex
	calls int
	err   error
	last  inventory.ReceiptInput
}

func (f *fakeGateway) PostReceipt(ctx context.Context, input inventory.ReceiptInput) (inventory.PostAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = input
	if f.err != nil {
		return inventory.PostAck{}, f.err
	}
	return inventory.PostAck{Reference: input.Reference, PostedAt: time.Now(), Lines: len(input.Lines)}, nil
}

type fakeScheduler struct {
	receiptIDs []int64
}

func (f *fakeScheduler) ScheduleReceiptPost(ctx context.Context, receiptID, actorID int64) error {
	f.receiptIDs = append(f.receiptIDs, receiptID)
	return nil
}

type testEnv struct {
	svc       *Service
	store     *memStore
	gateway   *fakeGateway
	scheduler *fakeScheduler
}

func newTestEnv() *testEnv {
	store := newMemStore()
	gateway := &fakeGateway{}
	scheduler := &fakeScheduler{}
	svc := NewService(ServiceParams{
		Store:     store,
		Gateway:   gateway,
		Scheduler: scheduler,
	})
	return &testEnv{svc: svc, store: store, gateway: gateway, scheduler: scheduler}
}

func actorWith(roles ...string) identity.Actor {
	return identity.Actor{ID: 99, Name: "test actor", Roles: roles}
}

var (
	requester = actorWith(identity.RoleRequester)
	approver  = actorWith(identity.RoleApprover)
	buyer     = actorWith(identity.RoleBuyer)
	inspector = actorWith(identity.RoleInspector)
	poster    = actorWith(identity.RolePoster)
)

func draftRequestInput() CreateRequestInput {
	return CreateRequestInput{
		FacilityID:    1,
		Priority:      PriorityUrgent,
		Justification: "ICU restock",
		Items: []RequestItemInput{
			{ItemID: 10, Quantity: 100},
			{ItemID: 11, Quantity: 20},
		},
	}
}

func pricesFor(items ...int64) []ItemPriceInput {
	prices := make([]ItemPriceInput, 0, len(items))
	for _, id := range items {
		prices = append(prices, ItemPriceInput{ItemID: id, UnitPrice: 5, TaxPercent: 10})
	}
	return prices
}
