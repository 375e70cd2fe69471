package storage

import (
	"sort"
	"sync"

	"github.com/rkozak/travelres/internal/record"
)

// TxShadow is one transaction's uncommitted write set plus the
// committed versions it observed, per the data model's per-xid RM
// transaction state.
type TxShadow struct {
	Shadow       map[string]record.Record
	StartVersion map[string]uint64
}

func newTxShadow() *TxShadow {
	return &TxShadow{
		Shadow:       make(map[string]record.Record),
		StartVersion: make(map[string]uint64),
	}
}

// Keys returns the shadow's keys in sorted order, the order prepare
// must acquire locks in to stay deadlock-free.
func (s *TxShadow) Keys() []string {
	keys := make([]string, 0, len(s.Shadow))
	for k := range s.Shadow {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ShadowPool holds every active transaction's pending writes. Shadow
// records are exclusively owned by their xid until commit merges them
// into the committed pool or abort discards them.
type ShadowPool struct {
	mu  sync.Mutex
	tx  map[string]*TxShadow
}

// NewShadowPool returns an empty shadow pool.
func NewShadowPool() *ShadowPool {
	return &ShadowPool{tx: make(map[string]*TxShadow)}
}

func (p *ShadowPool) txFor(xid string) *TxShadow {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tx[xid]
	if !ok {
		t = newTxShadow()
		p.tx[xid] = t
	}
	return t
}

// Get returns the shadow record xid wrote for key, if any.
func (p *ShadowPool) Get(xid, key string) (record.Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tx[xid]
	if !ok {
		return record.Record{}, false
	}
	r, ok := t.Shadow[key]
	return r, ok
}

// Write installs xid's shadow write for key. startVersion is recorded
// only the first time the key is touched by this xid.
func (p *ShadowPool) Write(xid, key string, r record.Record, startVersion uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tx[xid]
	if !ok {
		t = newTxShadow()
		p.tx[xid] = t
	}
	if _, touched := t.StartVersion[key]; !touched {
		t.StartVersion[key] = startVersion
	}
	t.Shadow[key] = r
}

// Touched reports whether xid has already recorded a start version for
// key (i.e. this is not xid's first touch of key).
func (p *ShadowPool) Touched(xid, key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tx[xid]
	if !ok {
		return false
	}
	_, touched := t.StartVersion[key]
	return touched
}

// RecordStartVersion records the committed version xid observed on its
// first touch of key, if not already recorded.
func (p *ShadowPool) RecordStartVersion(xid, key string, version uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tx[xid]
	if !ok {
		t = newTxShadow()
		p.tx[xid] = t
	}
	if _, touched := t.StartVersion[key]; !touched {
		t.StartVersion[key] = version
	}
}

// Snapshot returns a copy of xid's shadow state, or an empty one if xid
// has touched nothing.
func (p *ShadowPool) Snapshot(xid string) TxShadow {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tx[xid]
	if !ok {
		return *newTxShadow()
	}
	out := newTxShadow()
	for k, v := range t.Shadow {
		out.Shadow[k] = v
	}
	for k, v := range t.StartVersion {
		out.StartVersion[k] = v
	}
	return *out
}

// Restore replaces xid's shadow state wholesale, used by RM recovery to
// re-materialize a prepared transaction's shadow from the journal.
func (p *ShadowPool) Restore(xid string, s TxShadow) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := newTxShadow()
	for k, v := range s.Shadow {
		t.Shadow[k] = v
	}
	for k, v := range s.StartVersion {
		t.StartVersion[k] = v
	}
	p.tx[xid] = t
}

// Discard drops xid's shadow state entirely (abort, or commit cleanup).
func (p *ShadowPool) Discard(xid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tx, xid)
}
