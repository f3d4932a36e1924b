package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

const openTimeout = 5 * time.Second

// Bolt stores each namespace as a bucket in a single bolt database file.
type Bolt struct {
	db *bolt.DB
}

func OpenBolt(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create settings directory: %w", err)
	}
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open settings file %s: %w", path, err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Save(key string, value []byte) error {
	namespace, name, err := splitKey(key)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(name), value)
	})
}

func (b *Bolt) Load(namespace string, handler LoadHandler) error {
	loadErr := &LoadError{}
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			// Values are only valid for the life of the transaction.
			value := append([]byte(nil), v...)
			if err := handler(string(k), value); err != nil {
				loadErr.add(string(k), err)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	return loadErr.orNil()
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
