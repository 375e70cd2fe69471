// Package storage implements the paged, lock-protected storage
// primitives a ResourceManager is built from: page routing, the
// committed-page cache, per-transaction shadow records, the row lock
// manager and the durable prepare journal.
package storage

import "github.com/rkozak/travelres/internal/record"

// Page is a bucket of committed records sharing a routing property
// assigned by an Index, keyed by record key (no ordering is kept). It
// is the unit of backend I/O.
type Page struct {
	ID      string
	Records map[string]record.Record
}

// NewPage returns an empty page with the given id.
func NewPage(id string) Page {
	return Page{ID: id, Records: make(map[string]record.Record)}
}

// Get returns the committed record for key within the page, or the
// fresh zero-value record if the key is absent.
func (p Page) Get(key string) record.Record {
	if r, ok := p.Records[key]; ok {
		return r
	}
	return record.Fresh(key)
}

// Put returns a copy of p with key set to r.
func (p Page) Put(key string, r record.Record) Page {
	out := Page{ID: p.ID, Records: make(map[string]record.Record, len(p.Records)+1)}
	for k, v := range p.Records {
		out.Records[k] = v
	}
	out.Records[key] = r
	return out
}
