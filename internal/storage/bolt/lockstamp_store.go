package bolt

import (
	"context"
	"time"

	"go.etcd.io/bbolt"

	"github.com/goodtune/timegate/internal/storage"
)

type lockStampStore struct {
	db *bbolt.DB
}

// CheckAndSet runs the whole read-modify-write inside a single write
// transaction. Bolt serializes writers across every process holding the
// file, so two racing service instances cannot both pass the window.
func (s *lockStampStore) CheckAndSet(ctx context.Context, target string, now time.Time, window time.Duration) (bool, error) {
	allowed := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketLockStamp))

		if value := b.Get([]byte(lockStampKey)); value != nil {
			var stamp storage.LockStamp
			if err := unmarshal(value, &stamp); err == nil {
				// Only a repeat of the same target inside the window is
				// rejected; switching apps must never be debounced.
				if now.Sub(stamp.Time()) < window && stamp.Target == target {
					return nil
				}
			}
		}

		data, err := marshal(storage.LockStamp{UnixMilli: now.UnixMilli(), Target: target})
		if err != nil {
			return err
		}
		if err := b.Put([]byte(lockStampKey), data); err != nil {
			return err
		}
		allowed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return allowed, nil
}

func (s *lockStampStore) Get(ctx context.Context) (*storage.LockStamp, error) {
	var stamp *storage.LockStamp
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		value := tx.Bucket([]byte(bucketLockStamp)).Get([]byte(lockStampKey))
		if value == nil {
			return storage.ErrNotFound
		}
		var result storage.LockStamp
		if err := unmarshal(value, &result); err != nil {
			return err
		}
		stamp = &result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stamp, nil
}
