// Package rm implements the ResourceManager core: CRUD under
// snapshot-like transactional isolation, driven by the storage
// primitives in internal/storage, plus prepare/commit/abort/recover for
// two-phase commit.
package rm

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/rkozak/travelres/internal/metrics"
	"github.com/rkozak/travelres/internal/record"
	"github.com/rkozak/travelres/internal/storage"
	"github.com/rkozak/travelres/internal/wire"
)

// Phase is the per-xid RM-local transaction phase.
type Phase int

const (
	PhaseActive Phase = iota
	PhasePrepared
	PhaseDone
)

// Enlister is the narrow TM capability an RM needs: registering itself
// as a participant on an xid's first mutation. It is satisfied by an
// HTTP client against the TM's /txn/enlist endpoint; the RM never
// imports the tm package, since every cross-component call in this
// system goes over HTTP.
type Enlister interface {
	Enlist(ctx context.Context, xid, endpoint string) error
}

type txState struct {
	phase Phase
}

// Manager is the ResourceManager for a single table.
type Manager struct {
	Table    string
	Endpoint string

	index   storage.Index
	pool    *storage.CommittedPagePool
	shadow  *storage.ShadowPool
	locks   *storage.RowLockManager
	journal *storage.PrepareJournal
	io      storage.PageIO
	tm      Enlister
	logger  *zap.Logger

	mu        sync.Mutex
	txns      map[string]*txState
	enlisted  map[string]bool
	outcome   map[string]wire.TxStatus // terminal outcomes, for idempotent commit/abort
}

// Config bundles the dependencies a Manager is built from.
type Config struct {
	Table    string
	Endpoint string
	Index    storage.Index
	IO       storage.PageIO
	Journal  *storage.PrepareJournal
	TM       Enlister
	Logger   *zap.Logger
	PoolSize int
}

// New builds a ResourceManager from its storage primitives.
func New(cfg Config) *Manager {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 256
	}
	return &Manager{
		Table:    cfg.Table,
		Endpoint: cfg.Endpoint,
		index:    cfg.Index,
		pool:     storage.NewCommittedPagePool(cfg.Index, cfg.IO, cfg.PoolSize),
		shadow:   storage.NewShadowPool(),
		locks:    storage.NewRowLockManager(),
		journal:  cfg.Journal,
		io:       cfg.IO,
		tm:       cfg.TM,
		logger:   cfg.Logger,
		txns:     make(map[string]*txState),
		enlisted: make(map[string]bool),
		outcome:  make(map[string]wire.TxStatus),
	}
}

func (m *Manager) stateFor(xid string) *txState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.txns[xid]
	if !ok {
		st = &txState{phase: PhaseActive}
		m.txns[xid] = st
	}
	return st
}

// enlistOnce calls TM.Enlist the first time xid touches this RM.
func (m *Manager) enlistOnce(ctx context.Context, xid string) error {
	m.mu.Lock()
	if m.enlisted[xid] {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if m.tm == nil {
		return nil
	}
	if err := m.tm.Enlist(ctx, xid, m.Endpoint); err != nil {
		return err
	}

	m.mu.Lock()
	m.enlisted[xid] = true
	m.mu.Unlock()
	return nil
}

// effective returns the record xid would see: shadow wins over
// committed.
func (m *Manager) effective(ctx context.Context, xid, key string) (record.Record, error) {
	if xid != "" {
		if r, ok := m.shadow.Get(xid, key); ok {
			return r, nil
		}
	}
	return m.pool.Get(ctx, key)
}

// Read returns the record xid would see: its own shadow write if any, else the committed value.
func (m *Manager) Read(ctx context.Context, xid, key string) (rec record.Record, err error) {
	defer func() { m.recordOp("read", err) }()

	committed, err := m.pool.Get(ctx, key)
	if err != nil {
		return record.Record{}, err
	}

	if xid != "" && !m.shadow.Touched(xid, key) {
		m.shadow.RecordStartVersion(xid, key, committed.Version)
	}

	eff, err := m.effective(ctx, xid, key)
	if err != nil {
		return record.Record{}, err
	}
	if eff.Deleted {
		return record.Record{}, wire.NewError(wire.ErrKeyNotFound, key)
	}
	return eff, nil
}

// Add inserts a new key under xid's shadow. Fails if the key is already live.
func (m *Manager) Add(ctx context.Context, xid, key string, fields record.Fields) (err error) {
	defer func() { m.recordOp("add", err) }()

	if err := m.enlistOnce(ctx, xid); err != nil {
		return err
	}

	committed, err := m.pool.Get(ctx, key)
	if err != nil {
		return err
	}

	eff, err := m.effective(ctx, xid, key)
	if err != nil {
		return err
	}
	if eff.Exists() {
		return wire.NewError(wire.ErrKeyExists, key)
	}

	m.shadow.RecordStartVersion(xid, key, committed.Version)
	m.shadow.Write(xid, key, record.Record{
		Key:     key,
		Fields:  fields.Clone(),
		Version: committed.Version,
		Deleted: false,
	}, committed.Version)
	return nil
}

// Update merges patch onto the key's current fields under xid's shadow.
func (m *Manager) Update(ctx context.Context, xid, key string, patch record.Fields) (err error) {
	defer func() { m.recordOp("update", err) }()

	if err := m.enlistOnce(ctx, xid); err != nil {
		return err
	}

	committed, err := m.pool.Get(ctx, key)
	if err != nil {
		return err
	}

	eff, err := m.effective(ctx, xid, key)
	if err != nil {
		return err
	}
	if !eff.Exists() {
		return wire.NewError(wire.ErrKeyNotFound, key)
	}

	m.shadow.RecordStartVersion(xid, key, committed.Version)
	m.shadow.Write(xid, key, record.Record{
		Key:     key,
		Fields:  eff.Fields.Merge(patch),
		Version: committed.Version,
		Deleted: false,
	}, committed.Version)
	return nil
}

// Delete tombstones key under xid's shadow.
func (m *Manager) Delete(ctx context.Context, xid, key string) (err error) {
	defer func() { m.recordOp("delete", err) }()

	if err := m.enlistOnce(ctx, xid); err != nil {
		return err
	}

	committed, err := m.pool.Get(ctx, key)
	if err != nil {
		return err
	}

	eff, err := m.effective(ctx, xid, key)
	if err != nil {
		return err
	}
	if !eff.Exists() {
		return wire.NewError(wire.ErrKeyNotFound, key)
	}

	m.shadow.RecordStartVersion(xid, key, committed.Version)
	m.shadow.Write(xid, key, record.Record{
		Key:     key,
		Version: committed.Version,
		Deleted: true,
	}, committed.Version)
	return nil
}

// Prepare acquires locks, validates optimistic versions and durably
// records xid's intent to commit.
func (m *Manager) Prepare(ctx context.Context, xid string) (err error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.RMPrepareDuration, m.Table)
		m.recordOp("prepare", err)
	}()

	st := m.stateFor(xid)

	m.mu.Lock()
	if st.phase == PhasePrepared {
		m.mu.Unlock()
		return nil // idempotent: already prepared
	}
	m.mu.Unlock()

	snap := m.shadow.Snapshot(xid)
	keys := snap.Keys()

	// Step 1: acquire locks in sorted order.
	var acquired []string
	for _, k := range keys {
		if !m.locks.TryLock(xid, k) {
			for _, held := range acquired {
				m.locks.Release(xid, held)
			}
			return wire.NewError(wire.ErrLockConflict, k)
		}
		acquired = append(acquired, k)
	}

	// Step 2: load pages and validate OCC. The version recorded at
	// first touch must still match the committed version; any
	// intervening committer (insert, update or delete) on the same key
	// fails prepare, whether our own shadow write was an insert, an
	// update or a delete.
	for i, k := range keys {
		pageID := m.index.PageID(k)
		m.pool.Pin(pageID)
		page, err := m.pool.LoadPage(ctx, pageID)
		if err != nil {
			m.releaseAll(xid, acquired)
			for _, pk := range keys[:i+1] {
				m.pool.Unpin(m.index.PageID(pk))
			}
			return err
		}
		committed := page.Get(k)

		if committed.Version != snap.StartVersion[k] {
			m.releaseAll(xid, acquired)
			for _, pk := range keys[:i+1] {
				m.pool.Unpin(m.index.PageID(pk))
			}
			// A start_version of 0 means the key had never been
			// committed at this xid's first touch, i.e. the shadow
			// write is an insert; an insert colliding with a now-live
			// key is KEY_EXISTS. Any other start_version is handled as
			// an update or a delete; one colliding with a now-absent
			// key is KEY_NOT_FOUND. An insert over a tombstone also has
			// a nonzero start_version and is handled in that second
			// group, so a concurrent re-insert of the same key yields
			// VERSION_CONFLICT, not KEY_EXISTS. Anything else is a
			// plain stale read.
			isInsert := snap.StartVersion[k] == 0
			if isInsert && committed.Exists() {
				return wire.NewError(wire.ErrKeyExists, k)
			}
			if !isInsert && !committed.Exists() {
				return wire.NewError(wire.ErrKeyNotFound, k)
			}
			return wire.NewError(wire.ErrVersionConflict, k)
		}
	}

	// Step 3: write durable prepare snapshot.
	entry := storage.JournalEntry{
		XID:          xid,
		Shadow:       snap.Shadow,
		StartVersion: snap.StartVersion,
		HeldKeys:     keys,
	}
	if err := m.journal.Write(entry); err != nil {
		m.releaseAll(xid, acquired)
		for _, k := range keys {
			m.pool.Unpin(m.index.PageID(k))
		}
		return &wire.CodedError{Code: wire.ErrInternalInvariant, Err: fmt.Errorf("write prepare journal: %w", err)}
	}

	m.mu.Lock()
	st.phase = PhasePrepared
	m.mu.Unlock()

	for _, k := range keys {
		m.pool.Unpin(m.index.PageID(k))
	}
	return nil
}

func (m *Manager) recordOp(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(wire.CodeOf(err))
	}
	metrics.RMOperationsTotal.WithLabelValues(m.Table, op, outcome).Inc()
}

func (m *Manager) releaseAll(xid string, keys []string) {
	for _, k := range keys {
		m.locks.Release(xid, k)
	}
}

// Commit applies xid's shadow writes to the committed pool. It is idempotent: once an xid
// has a recorded terminal outcome, repeated calls are no-ops.
func (m *Manager) Commit(ctx context.Context, xid string) (err error) {
	defer func() { m.recordOp("commit", err) }()

	m.mu.Lock()
	if out, done := m.outcome[xid]; done {
		m.mu.Unlock()
		if out == wire.TxAborted {
			// abort already won; commit-after-abort is idempotent
			// success on the terminal state, per the resolved open
			// question.
			return nil
		}
		return nil
	}
	st, ok := m.txns[xid]
	m.mu.Unlock()

	if !ok || st.phase != PhasePrepared {
		// Empty shadow set / never prepared: treat as a no-op commit
		// so callers that commit read-only transactions succeed.
		snap := m.shadow.Snapshot(xid)
		if len(snap.Shadow) == 0 {
			m.finish(xid, wire.TxCommitted)
			return nil
		}
		return wire.NewError(wire.ErrInternalInvariant, xid)
	}

	snap := m.shadow.Snapshot(xid)
	byPage := make(map[string][]string)
	for _, k := range snap.Keys() {
		pid := m.index.PageID(k)
		byPage[pid] = append(byPage[pid], k)
	}

	for pid, keys := range byPage {
		err := func() error {
			unlock := m.pool.LockPage(pid)
			defer unlock()

			page, err := m.pool.LoadPage(ctx, pid)
			if err != nil {
				return err
			}
			for _, k := range keys {
				shadowRec := snap.Shadow[k]
				newVersion := snap.StartVersion[k] + 1
				var newRec record.Record
				if shadowRec.Deleted {
					newRec = record.Record{Key: k, Version: newVersion, Deleted: true}
				} else {
					newRec = record.Record{Key: k, Fields: shadowRec.Fields, Version: newVersion, Deleted: false}
				}
				page = page.Put(k, newRec)
			}
			if err := m.io.PageOut(ctx, m.index, page); err != nil {
				return err
			}
			m.pool.Put(page)
			return nil
		}()
		if err != nil {
			return err
		}
	}

	m.locks.ReleaseAll(xid)
	m.shadow.Discard(xid)
	if err := m.journal.Clear(xid); err != nil {
		m.logger.Warn("failed to clear prepare journal entry after commit",
			zap.String("xid", xid), zap.Error(err))
	}
	m.finish(xid, wire.TxCommitted)
	return nil
}

// Abort discards xid's shadow writes and releases its locks. Legal from any phase, idempotent.
func (m *Manager) Abort(ctx context.Context, xid string) (err error) {
	defer func() { m.recordOp("abort", err) }()

	m.mu.Lock()
	if out, done := m.outcome[xid]; done {
		m.mu.Unlock()
		if out == wire.TxCommitted {
			return nil // committed already won; see resolved open question
		}
		return nil
	}
	m.mu.Unlock()

	m.locks.ReleaseAll(xid)
	m.shadow.Discard(xid)
	if err := m.journal.Clear(xid); err != nil {
		m.logger.Warn("failed to clear prepare journal entry after abort",
			zap.String("xid", xid), zap.Error(err))
	}
	m.finish(xid, wire.TxAborted)
	return nil
}

func (m *Manager) finish(xid string, outcome wire.TxStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcome[xid] = outcome
	if st, ok := m.txns[xid]; ok {
		st.phase = PhaseDone
	}
	delete(m.enlisted, xid)
}

// Recover replays the prepare journal at start-up,
// re-acquiring locks and restoring PREPARED phase for every prepared
// xid. No other transaction can have been running concurrently with a
// crashed process, so lock re-acquisition cannot conflict.
func (m *Manager) Recover(ctx context.Context) error {
	entries, err := m.journal.Entries()
	if err != nil {
		return fmt.Errorf("rm: recover: %w", err)
	}

	for _, entry := range entries {
		snap := storage.TxShadow{Shadow: entry.Shadow, StartVersion: entry.StartVersion}
		m.shadow.Restore(entry.XID, snap)

		for _, k := range entry.HeldKeys {
			if !m.locks.TryLock(entry.XID, k) {
				return fmt.Errorf("rm: recover: could not reacquire lock on %q held by %q: invariant violated", k, entry.XID)
			}
		}

		st := m.stateFor(entry.XID)
		m.mu.Lock()
		st.phase = PhasePrepared
		m.mu.Unlock()

		m.logger.Info("recovered prepared transaction",
			zap.String("xid", entry.XID), zap.Int("keys", len(entry.HeldKeys)))
	}
	return nil
}

// Status reports the RM-local phase for diagnostics/tests.
func (m *Manager) Status(xid string) (Phase, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.txns[xid]
	if !ok {
		return 0, false
	}
	return st.phase, true
}
