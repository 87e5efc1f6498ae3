package persist

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/dreamware/chatring/internal/directory"
)

var usersBucket = []byte("users")

// BoltStore implements Store on a bbolt database.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(usersBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create users bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Load returns every user in key order.
func (b *BoltStore) Load() ([]directory.Record, error) {
	var out []directory.Record
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(usersBucket).ForEach(func(k, v []byte) error {
			rec := directory.Record{Username: string(k)}
			if err := msgpack.Unmarshal(v, &rec.Subscribers); err != nil {
				return fmt.Errorf("%w: user %q: %v", ErrCorrupt, k, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Save replaces the bucket contents with records in one transaction.
func (b *BoltStore) Save(records []directory.Record) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(usersBucket); err != nil {
			return err
		}
		bucket, err := tx.CreateBucket(usersBucket)
		if err != nil {
			return err
		}
		for _, r := range records {
			v, err := msgpack.Marshal(r.Subscribers)
			if err != nil {
				return fmt.Errorf("encode %q: %w", r.Username, err)
			}
			if err := bucket.Put([]byte(r.Username), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the database.
func (b *BoltStore) Close() error {
	return b.db.Close()
}
