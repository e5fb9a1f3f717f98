package bolt

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/goodtune/timegate/internal/storage"
)

type sessionStore struct {
	db *bbolt.DB
}

func (s *sessionStore) Put(ctx context.Context, record storage.SessionRecord) error {
	data, err := marshal(record)
	if err != nil {
		return err
	}
	// Keyed by start time so List can walk in chronological order.
	key := fmt.Sprintf("%020d-%s", record.StartedAt.UnixNano(), record.ID)
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return tx.Bucket([]byte(bucketSessions)).Put([]byte(key), data)
	})
}

// List returns the most recent limit records, newest first. A limit of
// zero or less returns everything.
func (s *sessionStore) List(ctx context.Context, limit int) ([]storage.SessionRecord, error) {
	records := make([]storage.SessionRecord, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketSessions)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var record storage.SessionRecord
			if err := unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, record)
			if limit > 0 && len(records) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Prune deletes the oldest records until at most keep remain.
func (s *sessionStore) Prune(ctx context.Context, keep int) error {
	if keep <= 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketSessions))
		excess := b.Stats().KeyN - keep
		if excess <= 0 {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.First(); k != nil && excess > 0; k, _ = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := c.Delete(); err != nil {
				return err
			}
			excess--
		}
		return nil
	})
}
