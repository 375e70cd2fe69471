package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/rkozak/travelres/internal/record"
)

// PageIO is the narrow backend-persistence contract a ResourceManager
// drives its commits through. Implementations are expected to tolerate
// retriable backend failures by letting the caller retry the
// surrounding RM commit, since commits are version-monotonic and
// idempotent.
type PageIO interface {
	// PageIn returns all committed records whose routing property
	// matches pageID.
	PageIn(ctx context.Context, pageID string) (Page, error)
	// PageOut atomically upserts every record in page and deletes any
	// committed record that falls in page's key domain but is absent
	// from page.Records.
	PageOut(ctx context.Context, idx Index, page Page) error
}

// BoltPageIO implements PageIO against a bbolt database, one bucket per
// table. bbolt's ordered b+tree keyspace gives PageIn its range-by-prefix
// scan and bolt.Tx gives PageOut the atomic upsert-or-delete the design
// requires, without the RM ever taking on SQL-engine-grade page
// marshaling of its own.
type BoltPageIO struct {
	db     *bolt.DB
	bucket []byte
}

// NewBoltPageIO opens (creating if absent) the table's bucket inside an
// already-opened bbolt database. Callers typically share one *bolt.DB
// per process across all the tables it serves... a single RM process
// serves exactly one table, but tests often share one file.
func NewBoltPageIO(db *bolt.DB, table string) (*BoltPageIO, error) {
	bucket := []byte(table)
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: create bucket %q: %w", table, err)
	}
	return &BoltPageIO{db: db, bucket: bucket}, nil
}

func (b *BoltPageIO) PageIn(_ context.Context, pageID string) (Page, error) {
	page := NewPage(pageID)
	prefix := []byte(pageID)

	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(b.bucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), pageID); k, v = c.Next() {
			var rec record.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("storage: unmarshal record %q: %w", k, err)
			}
			page.Records[string(k)] = rec
		}
		return nil
	})
	if err != nil {
		return Page{}, err
	}
	return page, nil
}

func (b *BoltPageIO) PageOut(_ context.Context, idx Index, page Page) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(b.bucket)

		c := bucket.Cursor()
		prefix := []byte(page.ID)
		var stale [][]byte
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), page.ID); k, _ = c.Next() {
			if _, keep := page.Records[string(k)]; !keep {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("storage: delete stale key %q: %w", k, err)
			}
		}

		for key, rec := range page.Records {
			if idx.PageID(key) != page.ID {
				return fmt.Errorf("storage: record %q does not belong to page %q", key, page.ID)
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("storage: marshal record %q: %w", key, err)
			}
			if err := bucket.Put([]byte(key), data); err != nil {
				return fmt.Errorf("storage: upsert key %q: %w", key, err)
			}
		}
		return nil
	})
}
