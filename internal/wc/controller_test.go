package wc

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rkozak/travelres/internal/record"
	"github.com/rkozak/travelres/internal/wire"
)

// fakeRM is an in-memory stand-in for one table's ResourceManager,
// enough to exercise the WC's business verbs without any HTTP server.
type fakeRM struct {
	mu        sync.Mutex
	committed map[string]record.Fields
	shadow    map[string]map[string]record.Fields // xid -> key -> fields
	deleted   map[string]map[string]bool
}

func newFakeRM() *fakeRM {
	return &fakeRM{
		committed: make(map[string]record.Fields),
		shadow:    make(map[string]map[string]record.Fields),
		deleted:   make(map[string]map[string]bool),
	}
}

func (f *fakeRM) Read(ctx context.Context, xid, key string) (record.Fields, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if txn, ok := f.shadow[xid]; ok {
		if v, ok := txn[key]; ok {
			return v, nil
		}
	}
	if v, ok := f.committed[key]; ok {
		return v, nil
	}
	return nil, wire.NewError(wire.ErrKeyNotFound, key)
}

func (f *fakeRM) Add(ctx context.Context, xid, key string, fields record.Fields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.committed[key]; ok {
		return wire.NewError(wire.ErrKeyExists, key)
	}
	if f.shadow[xid] == nil {
		f.shadow[xid] = make(map[string]record.Fields)
	}
	f.shadow[xid][key] = fields
	return nil
}

func (f *fakeRM) Update(ctx context.Context, xid, key string, patch record.Fields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	base, ok := f.committed[key]
	if !ok {
		return wire.NewError(wire.ErrKeyNotFound, key)
	}
	merged := base.Merge(patch)
	if f.shadow[xid] == nil {
		f.shadow[xid] = make(map[string]record.Fields)
	}
	f.shadow[xid][key] = merged
	return nil
}

func (f *fakeRM) Delete(ctx context.Context, xid, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.committed[key]; !ok {
		return wire.NewError(wire.ErrKeyNotFound, key)
	}
	if f.deleted[xid] == nil {
		f.deleted[xid] = make(map[string]bool)
	}
	f.deleted[xid][key] = true
	return nil
}

func (f *fakeRM) commitXID(xid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range f.shadow[xid] {
		f.committed[k] = v
	}
	for k := range f.deleted[xid] {
		delete(f.committed, k)
	}
	delete(f.shadow, xid)
	delete(f.deleted, xid)
}

func (f *fakeRM) abortXID(xid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.shadow, xid)
	delete(f.deleted, xid)
}

// fakeTM drives the same two-phase outcome a real TM would, synchronously
// and in-process, against the fakeRM set it was built with.
type fakeTM struct {
	mu   sync.Mutex
	next int
	rms  []*fakeRM
}

func newFakeTM(rms ...*fakeRM) *fakeTM {
	return &fakeTM{rms: rms}
}

func (f *fakeTM) Start(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return fmt.Sprintf("xid-%d", f.next), nil
}

func (f *fakeTM) Commit(ctx context.Context, xid string) (wire.TxStatus, error) {
	for _, rm := range f.rms {
		rm.commitXID(xid)
	}
	return wire.TxCommitted, nil
}

func (f *fakeTM) Abort(ctx context.Context, xid string) error {
	for _, rm := range f.rms {
		rm.abortXID(xid)
	}
	return nil
}

func (f *fakeTM) Status(ctx context.Context, xid string) (wire.TxStatus, error) {
	return wire.TxCommitted, nil
}

func newTestController(t *testing.T) (*Controller, map[string]*fakeRM) {
	t.Helper()
	flights := newFakeRM()
	cars := newFakeRM()
	rooms := newFakeRM()
	customers := newFakeRM()
	reservations := newFakeRM()

	tm := newFakeTM(flights, cars, rooms, customers, reservations)

	ctl := New(Config{
		TM: tm,
		RMs: map[string]RMClient{
			TableFlights:      flights,
			TableCars:         cars,
			TableRooms:        rooms,
			TableCustomers:    customers,
			TableReservations: reservations,
		},
		Logger:    zap.NewNop(),
		AutoAbort: true,
	})

	return ctl, map[string]*fakeRM{
		TableFlights:      flights,
		TableCars:         cars,
		TableRooms:        rooms,
		TableCustomers:    customers,
		TableReservations: reservations,
	}
}

func TestController_AddAndQueryFlight(t *testing.T) {
	t.Parallel()
	ctl, _ := newTestController(t)
	ctx := context.Background()

	_, err := ctl.AddFlight(ctx, "FL100", 250, 180, 180)
	require.NoError(t, err)

	fields, err := ctl.QueryFlight(ctx, "FL100")
	require.NoError(t, err)
	assert.Equal(t, int64(250), fields["price"])
	assert.Equal(t, int64(180), fields["numAvail"])
}

func TestController_ReserveFlightHappyPath(t *testing.T) {
	t.Parallel()
	ctl, rms := newTestController(t)
	ctx := context.Background()

	_, err := ctl.AddCustomer(ctx, "alice", 1000)
	require.NoError(t, err)
	_, err = ctl.AddFlight(ctx, "FL200", 300, 100, 2)
	require.NoError(t, err)

	outcome, err := ctl.ReserveFlight(ctx, "alice", "FL200", 1)
	require.NoError(t, err)
	assert.Equal(t, wire.TxCommitted, outcome.Status)

	fields, err := ctl.QueryFlight(ctx, "FL200")
	require.NoError(t, err)
	assert.Equal(t, int64(1), fields["numAvail"])

	assert.Len(t, rms[TableReservations].committed, 1)
}

func TestController_ReserveFlightInsufficientAvailability(t *testing.T) {
	t.Parallel()
	ctl, _ := newTestController(t)
	ctx := context.Background()

	_, err := ctl.AddCustomer(ctx, "bob", 500)
	require.NoError(t, err)
	_, err = ctl.AddFlight(ctx, "FL300", 300, 10, 0)
	require.NoError(t, err)

	outcome, err := ctl.ReserveFlight(ctx, "bob", "FL300", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, wire.NewError(wire.ErrInsufficientAvailability, ""))
	assert.True(t, outcome.TransactionAborted)

	fields, err := ctl.QueryFlight(ctx, "FL300")
	require.NoError(t, err)
	assert.Equal(t, int64(0), fields["numAvail"]) // unchanged: the reservation failed before any update
}

func TestController_ReserveFlightUnknownCustomerAborts(t *testing.T) {
	t.Parallel()
	ctl, _ := newTestController(t)
	ctx := context.Background()

	_, err := ctl.AddFlight(ctx, "FL400", 300, 10, 5)
	require.NoError(t, err)

	outcome, err := ctl.ReserveFlight(ctx, "nobody", "FL400", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, wire.ErrKeyNotFoundErr)
	assert.True(t, outcome.TransactionAborted)
}

func TestController_ReserveItineraryAcrossTables(t *testing.T) {
	t.Parallel()
	ctl, _ := newTestController(t)
	ctx := context.Background()

	_, err := ctl.AddCustomer(ctx, "carol", 2000)
	require.NoError(t, err)
	_, err = ctl.AddFlight(ctx, "FL500", 400, 10, 5)
	require.NoError(t, err)
	_, err = ctl.AddCars(ctx, "SFO", 80, 20, 5)
	require.NoError(t, err)

	outcome, err := ctl.ReserveItinerary(ctx, "carol", []ReservedLeg{
		{Table: TableFlights, ResvType: "flight", ResvKey: "FL500", Quantity: 1},
		{Table: TableCars, ResvType: "car", ResvKey: "SFO", Quantity: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, wire.TxCommitted, outcome.Status)

	flightFields, err := ctl.QueryFlight(ctx, "FL500")
	require.NoError(t, err)
	assert.Equal(t, int64(4), flightFields["numAvail"])

	carFields, err := ctl.QueryCar(ctx, "SFO")
	require.NoError(t, err)
	assert.Equal(t, int64(4), carFields["numAvail"])
}

// inDoubtTM wraps a fakeTM but reports every commit as IN_DOUBT, the
// way a real TM does when its CommitTimeout elapses before the 2PC
// driver finishes: no error, just a non-terminal status.
type inDoubtTM struct {
	*fakeTM
}

func (f *inDoubtTM) Commit(ctx context.Context, xid string) (wire.TxStatus, error) {
	return wire.TxInDoubt, nil
}

func TestController_ReserveSurfacesInDoubtWithoutError(t *testing.T) {
	t.Parallel()
	flights := newFakeRM()
	customers := newFakeRM()
	reservations := newFakeRM()

	// Seed inventory and the customer directly in the committed pool,
	// bypassing the TM entirely, so only the reservation's own commit
	// goes through the IN_DOUBT-reporting TM below.
	flights.committed["FL600"] = record.Fields{"price": int64(300), "numSeats": int64(10), "numAvail": int64(5)}
	customers.committed["erin"] = record.Fields{"balance": int64(1000)}

	tm := &inDoubtTM{fakeTM: newFakeTM(flights, customers, reservations)}

	ctl := New(Config{
		TM: tm,
		RMs: map[string]RMClient{
			TableFlights:      flights,
			TableCustomers:    customers,
			TableReservations: reservations,
		},
		Logger:    zap.NewNop(),
		AutoAbort: true,
	})
	ctx := context.Background()

	outcome, err := ctl.ReserveFlight(ctx, "erin", "FL600", 1)
	require.NoError(t, err)
	assert.Equal(t, wire.TxInDoubt, outcome.Status)
	assert.False(t, outcome.TransactionAborted)
}

func TestController_DieMarksUnavailable(t *testing.T) {
	t.Parallel()
	ctl, _ := newTestController(t)
	ctx := context.Background()

	ctl.Die()
	_, err := ctl.AddCustomer(ctx, "dave", 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)

	ctl.Reconnect()
	_, err = ctl.AddCustomer(ctx, "dave", 10)
	require.NoError(t, err)
}
