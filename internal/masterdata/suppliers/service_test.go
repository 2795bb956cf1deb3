package suppliers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridian-hms/meridian-hms/internal/masterdata/shared"
)

type fakeRepo struct {
	suppliers map[int64]Supplier
	nextID    int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{suppliers: map[int64]Supplier{}, nextID: 1}
}

func (f *fakeRepo) List(ctx context.Context, filters shared.ListFilters) ([]Supplier, int, error) {
	var list []Supplier
	for _, s := range f.suppliers {
		list = append(list, s)
	}
	return list, len(list), nil
}

func (f *fakeRepo) Get(ctx context.Context, id int64) (Supplier, error) {
	s, ok := f.suppliers[id]
	if !ok {
		return Supplier{}, shared.ErrNotFound
	}
	return s, nil
}

func (f *fakeRepo) Create(ctx context.Context, supplier Supplier) (Supplier, error) {
	for _, existing := range f.suppliers {
		if existing.Code == supplier.Code {
			return Supplier{}, shared.ErrDuplicate
		}
	}
	supplier.ID = f.nextID
	f.nextID++
	f.suppliers[supplier.ID] = supplier
	return supplier, nil
}

func (f *fakeRepo) Update(ctx context.Context, id int64, supplier Supplier) error {
	if _, ok := f.suppliers[id]; !ok {
		return shared.ErrNotFound
	}
	supplier.ID = id
	f.suppliers[id] = supplier
	return nil
}

func (f *fakeRepo) Deactivate(ctx context.Context, id int64) error {
	s, ok := f.suppliers[id]
	if !ok {
		return shared.ErrNotFound
	}
	s.Active = false
	f.suppliers[id] = s
	return nil
}

func TestCreateSupplierValidates(t *testing.T) {
	svc := NewService(newFakeRepo())

	created, err := svc.Create(context.Background(), Supplier{Code: "SUP-001", Name: "MedSource", Email: "sales@medsource.example"})
	require.NoError(t, err)
	require.True(t, created.Active)

	_, err = svc.Create(context.Background(), Supplier{Name: "no code"})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.Create(context.Background(), Supplier{Code: "SUP-002", Name: "Bad Email", Email: "not-an-email"})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCreateSupplierRejectsDuplicateCode(t *testing.T) {
	svc := NewService(newFakeRepo())

	_, err := svc.Create(context.Background(), Supplier{Code: "SUP-001", Name: "First"})
	require.NoError(t, err)
	_, err = svc.Create(context.Background(), Supplier{Code: "SUP-001", Name: "Second"})
	require.ErrorIs(t, err, shared.ErrDuplicate)
}

func TestUpdateSupplierRoundTrips(t *testing.T) {
	svc := NewService(newFakeRepo())

	created, err := svc.Create(context.Background(), Supplier{Code: "SUP-001", Name: "MedSource"})
	require.NoError(t, err)

	created.PaymentTerms = "NET45"
	updated, err := svc.Update(context.Background(), created.ID, created)
	require.NoError(t, err)
	require.Equal(t, "NET45", updated.PaymentTerms)

	_, err = svc.Update(context.Background(), 0, created)
	require.ErrorIs(t, err, shared.ErrInvalidID)
}

func TestDeactivateSupplierIsSoft(t *testing.T) {
	svc := NewService(newFakeRepo())

	created, err := svc.Create(context.Background(), Supplier{Code: "SUP-001", Name: "MedSource"})
	require.NoError(t, err)

	require.NoError(t, svc.Deactivate(context.Background(), created.ID))

	got, err := svc.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.False(t, got.Active)
}
