package bolt

import (
	"context"

	"go.etcd.io/bbolt"

	"github.com/goodtune/timegate/internal/storage"
)

type counterStore struct {
	db *bbolt.DB
}

func (s *counterStore) get(ctx context.Context, key string, out any) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketCounters))
		if b == nil {
			return storage.ErrNotFound
		}
		value := b.Get([]byte(key))
		if value == nil {
			return storage.ErrNotFound
		}
		return unmarshal(value, out)
	})
}

func (s *counterStore) put(ctx context.Context, key string, value any) error {
	data, err := marshal(value)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return tx.Bucket([]byte(bucketCounters)).Put([]byte(key), data)
	})
}

func (s *counterStore) GetFloat(ctx context.Context, key string) (float64, error) {
	var v float64
	if err := s.get(ctx, key, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func (s *counterStore) PutFloat(ctx context.Context, key string, value float64) error {
	return s.put(ctx, key, value)
}

func (s *counterStore) GetInt64(ctx context.Context, key string) (int64, error) {
	var v int64
	if err := s.get(ctx, key, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func (s *counterStore) PutInt64(ctx context.Context, key string, value int64) error {
	return s.put(ctx, key, value)
}

func (s *counterStore) GetString(ctx context.Context, key string) (string, error) {
	var v string
	if err := s.get(ctx, key, &v); err != nil {
		return "", err
	}
	return v, nil
}

func (s *counterStore) PutString(ctx context.Context, key string, value string) error {
	return s.put(ctx, key, value)
}

func (s *counterStore) GetBool(ctx context.Context, key string) (bool, error) {
	var v bool
	if err := s.get(ctx, key, &v); err != nil {
		return false, err
	}
	return v, nil
}

func (s *counterStore) PutBool(ctx context.Context, key string, value bool) error {
	return s.put(ctx, key, value)
}
