package tm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rkozak/travelres/internal/wire"
)

type fakeRMClient struct {
	mu            sync.Mutex
	prepareErr    map[string]error
	prepareCalls  []string
	commitCalls   []string
	abortCalls    []string
	failCommitsN  int // fail this many Commit calls before succeeding, per endpoint
	commitAttempt map[string]int
}

func newFakeRMClient() *fakeRMClient {
	return &fakeRMClient{
		prepareErr:    make(map[string]error),
		commitAttempt: make(map[string]int),
	}
}

func (f *fakeRMClient) Prepare(ctx context.Context, endpoint, xid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepareCalls = append(f.prepareCalls, endpoint)
	return f.prepareErr[endpoint]
}

func (f *fakeRMClient) Commit(ctx context.Context, endpoint, xid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitCalls = append(f.commitCalls, endpoint)
	f.commitAttempt[endpoint]++
	if f.commitAttempt[endpoint] <= f.failCommitsN {
		return &wire.CodedError{Code: wire.ErrTimeout}
	}
	return nil
}

func (f *fakeRMClient) Abort(ctx context.Context, endpoint, xid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortCalls = append(f.abortCalls, endpoint)
	return nil
}

func newTestTM(rm *fakeRMClient) *Manager {
	return New(Config{
		RM:             rm,
		Logger:         zap.NewNop(),
		PrepareTimeout: time.Second,
		CommitTimeout:  2 * time.Second,
		BroadcastRetry: time.Second,
	})
}

func TestManager_StartEnlistStatus(t *testing.T) {
	t.Parallel()
	m := newTestTM(newFakeRMClient())

	xid := m.Start()
	assert.NotEmpty(t, xid)

	state, ok := m.Status(xid)
	require.True(t, ok)
	assert.Equal(t, wire.TxActive, state)

	require.NoError(t, m.Enlist(xid, "http://rm-flights"))
	require.NoError(t, m.Enlist(xid, "http://rm-flights")) // idempotent
}

func TestManager_EnlistUnknownXidFails(t *testing.T) {
	t.Parallel()
	m := newTestTM(newFakeRMClient())

	err := m.Enlist("bogus-xid", "http://rm-flights")
	require.Error(t, err)
	assert.ErrorIs(t, err, wire.ErrKeyNotFoundErr)
}

func TestManager_CommitAllPrepared(t *testing.T) {
	t.Parallel()
	rm := newFakeRMClient()
	m := newTestTM(rm)

	xid := m.Start()
	require.NoError(t, m.Enlist(xid, "http://rm-a"))
	require.NoError(t, m.Enlist(xid, "http://rm-b"))

	state, err := m.Commit(context.Background(), xid)
	require.NoError(t, err)
	assert.Equal(t, wire.TxCommitted, state)

	finalState, ok := m.Status(xid)
	require.True(t, ok)
	assert.Equal(t, wire.TxCommitted, finalState)

	rm.mu.Lock()
	assert.ElementsMatch(t, []string{"http://rm-a", "http://rm-b"}, rm.commitCalls)
	rm.mu.Unlock()
}

func TestManager_CommitAbortsOnPrepareFailure(t *testing.T) {
	t.Parallel()
	rm := newFakeRMClient()
	rm.prepareErr["http://rm-b"] = wire.NewError(wire.ErrVersionConflict, "FL001")
	m := newTestTM(rm)

	xid := m.Start()
	require.NoError(t, m.Enlist(xid, "http://rm-a"))
	require.NoError(t, m.Enlist(xid, "http://rm-b"))

	state, err := m.Commit(context.Background(), xid)
	require.NoError(t, err)
	assert.Equal(t, wire.TxAborted, state)
}

func TestManager_CommitIsIdempotent(t *testing.T) {
	t.Parallel()
	rm := newFakeRMClient()
	m := newTestTM(rm)

	xid := m.Start()
	require.NoError(t, m.Enlist(xid, "http://rm-a"))

	state1, err := m.Commit(context.Background(), xid)
	require.NoError(t, err)
	assert.Equal(t, wire.TxCommitted, state1)

	state2, err := m.Commit(context.Background(), xid)
	require.NoError(t, err)
	assert.Equal(t, wire.TxCommitted, state2)
}

func TestManager_AbortOnUnknownXidIsNoOp(t *testing.T) {
	t.Parallel()
	m := newTestTM(newFakeRMClient())
	assert.Equal(t, wire.TxAborted, m.Abort("never-started"))
}

// slowPrepareRMClient blocks every Prepare call until released, so a
// commit driver can be made to outlive the TM's CommitTimeout on
// purpose.
type slowPrepareRMClient struct {
	*fakeRMClient
	release chan struct{}
}

func (f *slowPrepareRMClient) Prepare(ctx context.Context, endpoint, xid string) error {
	<-f.release
	return f.fakeRMClient.Prepare(ctx, endpoint, xid)
}

func TestManager_CommitSurfacesInDoubtOnTimeout(t *testing.T) {
	t.Parallel()
	rm := &slowPrepareRMClient{fakeRMClient: newFakeRMClient(), release: make(chan struct{})}
	m := New(Config{
		RM:             rm,
		Logger:         zap.NewNop(),
		PrepareTimeout: time.Second,
		CommitTimeout:  10 * time.Millisecond,
		BroadcastRetry: time.Second,
	})

	xid := m.Start()
	require.NoError(t, m.Enlist(xid, "http://rm-a"))

	state, err := m.Commit(context.Background(), xid)
	require.NoError(t, err)
	assert.Equal(t, wire.TxInDoubt, state)

	// The driver is still running in the background; releasing it lets
	// the transaction reach its real terminal state, which Status must
	// eventually reflect once the caller polls again.
	close(rm.release)
	assert.Eventually(t, func() bool {
		s, ok := m.Status(xid)
		return ok && s == wire.TxCommitted
	}, time.Second, time.Millisecond)
}

func TestManager_CommitRetriesTransientCommitFailures(t *testing.T) {
	t.Parallel()
	rm := newFakeRMClient()
	rm.failCommitsN = 1
	m := newTestTM(rm)

	xid := m.Start()
	require.NoError(t, m.Enlist(xid, "http://rm-a"))

	state, err := m.Commit(context.Background(), xid)
	require.NoError(t, err)
	assert.Equal(t, wire.TxCommitted, state)

	rm.mu.Lock()
	assert.GreaterOrEqual(t, rm.commitAttempt["http://rm-a"], 2)
	rm.mu.Unlock()
}
