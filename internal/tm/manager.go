// Package tm implements the TransactionManager core: xid allocation,
// participant enlistment and the two-phase commit driver.
package tm

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rkozak/travelres/internal/metrics"
	"github.com/rkozak/travelres/internal/wire"
)

type txnRecord struct {
	state        wire.TxStatus
	participants []string
	seen         map[string]bool
}

// Config bundles the TransactionManager's dependencies and timeouts.
type Config struct {
	RM             RMClient
	Logger         *zap.Logger
	PrepareTimeout time.Duration
	CommitTimeout  time.Duration // bounds the whole commit driver (T_commit)
	BroadcastRetry time.Duration // MaxElapsedTime for commit/abort broadcast retries
}

// Manager is the TransactionManager: one process, cluster-wide.
type Manager struct {
	rm     RMClient
	logger *zap.Logger

	prepareTimeout time.Duration
	commitTimeout  time.Duration
	broadcastRetry time.Duration

	mu   sync.Mutex
	txns map[string]*txnRecord
}

// New builds a TransactionManager.
func New(cfg Config) *Manager {
	if cfg.PrepareTimeout <= 0 {
		cfg.PrepareTimeout = 5 * time.Second
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 10 * time.Second
	}
	if cfg.BroadcastRetry <= 0 {
		cfg.BroadcastRetry = 30 * time.Second
	}
	return &Manager{
		rm:             cfg.RM,
		logger:         cfg.Logger,
		prepareTimeout: cfg.PrepareTimeout,
		commitTimeout:  cfg.CommitTimeout,
		broadcastRetry: cfg.BroadcastRetry,
		txns:           make(map[string]*txnRecord),
	}
}

// Start allocates a new transaction and returns its opaque id.
func (m *Manager) Start() string {
	xid := uuid.New().String()

	m.mu.Lock()
	m.txns[xid] = &txnRecord{state: wire.TxActive, seen: make(map[string]bool)}
	m.mu.Unlock()

	metrics.TxnsStartedTotal.Inc()
	return xid
}

// Enlist registers endpoint as a participant of xid. Idempotent; fails
// if xid is not ACTIVE (already preparing or terminal).
func (m *Manager) Enlist(xid, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txns[xid]
	if !ok {
		return wire.NewError(wire.ErrKeyNotFound, xid)
	}
	if t.state != wire.TxActive {
		return &wire.CodedError{Code: wire.ErrInternalInvariant, Key: xid}
	}
	if !t.seen[endpoint] {
		t.seen[endpoint] = true
		t.participants = append(t.participants, endpoint)
	}
	return nil
}

// Status returns xid's current state, or false if xid is unknown.
func (m *Manager) Status(xid string) (wire.TxStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[xid]
	if !ok {
		return "", false
	}
	return t.state, true
}

// snapshot copies out xid's participant list without holding the lock
// across any outbound call.
func (m *Manager) snapshot(xid string) (*txnRecord, []string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[xid]
	if !ok {
		return nil, nil, false
	}
	participants := make([]string, len(t.participants))
	copy(participants, t.participants)
	return t, participants, true
}

func (m *Manager) setState(xid string, state wire.TxStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.txns[xid]; ok {
		t.state = state
	}
	metrics.TxnOutcomesTotal.WithLabelValues(string(state)).Inc()
}

// Commit drives two-phase commit to completion for xid.
func (m *Manager) Commit(ctx context.Context, xid string) (wire.TxStatus, error) {
	t, participants, ok := m.snapshot(xid)
	if !ok {
		return "", wire.NewError(wire.ErrKeyNotFound, xid)
	}

	m.mu.Lock()
	switch t.state {
	case wire.TxCommitted, wire.TxAborted:
		state := t.state
		m.mu.Unlock()
		return state, nil // idempotent: already terminal
	case wire.TxActive:
		t.state = wire.TxPreparing
	case wire.TxPreparing:
		// a concurrent commit call is already driving this xid; let
		// this caller observe the eventual outcome rather than racing
		// a second prepare broadcast.
		m.mu.Unlock()
		deadline := time.Now().Add(m.commitTimeout)
		for time.Now().Before(deadline) && ctx.Err() == nil {
			if s, _ := m.Status(xid); s == wire.TxCommitted || s == wire.TxAborted {
				return s, nil
			}
			time.Sleep(10 * time.Millisecond)
		}
		return wire.TxInDoubt, nil
	}
	m.mu.Unlock()

	timer := metrics.NewTimer()
	driverDone := make(chan wire.TxStatus, 1)
	go m.runCommitDriver(xid, participants, driverDone)

	select {
	case state := <-driverDone:
		timer.ObserveDuration(metrics.CommitDriverDuration)
		return state, nil
	case <-time.After(m.commitTimeout):
		return wire.TxInDoubt, nil
	case <-ctx.Done():
		return wire.TxInDoubt, nil
	}
}

// runCommitDriver executes prepare-then-commit (or abort-on-failure)
// against every participant. It always runs to completion in its own
// goroutine so a caller-facing IN_DOUBT timeout never leaves the
// transaction stuck mid-broadcast.
func (m *Manager) runCommitDriver(xid string, participants []string, done chan<- wire.TxStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), m.prepareTimeout*time.Duration(len(participants)+1))
	defer cancel()

	for _, endpoint := range participants {
		pctx, pcancel := context.WithTimeout(ctx, m.prepareTimeout)
		err := m.rm.Prepare(pctx, endpoint, xid)
		pcancel()
		if err != nil {
			m.logger.Warn("participant failed prepare, aborting transaction",
				zap.String("xid", xid), zap.String("endpoint", endpoint), zap.Error(err))
			m.broadcastAbort(xid, participants)
			m.setState(xid, wire.TxAborted)
			done <- wire.TxAborted
			return
		}
	}

	m.broadcastCommit(xid, participants)
	m.setState(xid, wire.TxCommitted)
	done <- wire.TxCommitted
}

// broadcastCommit drives commit against every participant with bounded
// exponential backoff, retrying until each acknowledges. Participant
// commit failures after a successful prepare cannot change the global
// outcome -- the decision is already durable at every prepared RM -- so
// this never returns an error to its caller; it only logs exhaustion.
func (m *Manager) broadcastCommit(xid string, participants []string) {
	var wg sync.WaitGroup
	for _, endpoint := range participants {
		wg.Add(1)
		go func(endpoint string) {
			defer wg.Done()
			m.retryParticipant(xid, endpoint, "commit", m.rm.Commit)
		}(endpoint)
	}
	wg.Wait()
}

// broadcastAbort mirrors broadcastCommit for the abort path.
func (m *Manager) broadcastAbort(xid string, participants []string) {
	var wg sync.WaitGroup
	for _, endpoint := range participants {
		wg.Add(1)
		go func(endpoint string) {
			defer wg.Done()
			m.retryParticipant(xid, endpoint, "abort", m.rm.Abort)
		}(endpoint)
	}
	wg.Wait()
}

func (m *Manager) retryParticipant(xid, endpoint, phase string, call func(ctx context.Context, endpoint, xid string) error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = m.broadcastRetry

	attempt := 0
	err := backoff.Retry(func() error {
		if attempt > 0 {
			metrics.ParticipantRetriesTotal.WithLabelValues(endpoint, phase).Inc()
		}
		attempt++
		ctx, cancel := context.WithTimeout(context.Background(), m.prepareTimeout)
		defer cancel()
		return call(ctx, endpoint, xid)
	}, bo)
	if err != nil {
		m.logger.Error("participant did not acknowledge after retry budget exhausted",
			zap.String("xid", xid), zap.String("endpoint", endpoint), zap.Error(err))
	}
}

// Abort transitions xid to ABORTED and broadcasts abort to every
// participant. Idempotent.
func (m *Manager) Abort(xid string) wire.TxStatus {
	t, participants, ok := m.snapshot(xid)
	if !ok {
		// abort on an unknown xid is a safe no-op, the documented
		// operator recovery path after a TM restart.
		return wire.TxAborted
	}

	m.mu.Lock()
	if t.state == wire.TxCommitted {
		state := t.state
		m.mu.Unlock()
		return state
	}
	t.state = wire.TxAborted
	m.mu.Unlock()

	go m.broadcastAbort(xid, participants)
	return wire.TxAborted
}
