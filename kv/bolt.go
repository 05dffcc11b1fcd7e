package kv

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	propertiesBucket = []byte("properties")
	cacheBucket      = []byte("durable_cache")
)

// BoltStore owns a single bbolt database file shared by the property
// store and the cache's durable tier, one bucket per concern. Call
// Properties/Cache to obtain the two narrow interfaces callers depend on.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the bbolt file at path and
// provisions its buckets.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bbolt store at %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(propertiesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(cacheBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("provisioning bbolt buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying file lock.
func (s *BoltStore) Close() error { return s.db.Close() }

// Properties returns the PropertyStore view of this database.
func (s *BoltStore) Properties() PropertyStore { return boltProperties{db: s.db} }

// Cache returns the DurableCache view of this database.
func (s *BoltStore) Cache() DurableCache { return boltCache{db: s.db} }

// boltProperties implements PropertyStore.
type boltProperties struct {
	db *bolt.DB
}

func (p boltProperties) Get(key string) (string, bool, error) {
	var value []byte
	err := p.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(propertiesBucket).Get([]byte(key))
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	if value == nil {
		return "", false, nil
	}
	return string(value), true, nil
}

func (p boltProperties) Set(key, value string) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(propertiesBucket).Put([]byte(key), []byte(value))
	})
}

func (p boltProperties) Delete(key string) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(propertiesBucket).Delete([]byte(key))
	})
}

// boltCache implements DurableCache. Each entry is stored as an 8-byte
// big-endian unix-nano expiry prefix followed by the raw value, so TTL
// checks never need a second bucket.
type boltCache struct {
	db *bolt.DB
}

func (c boltCache) Get(key string) ([]byte, bool, error) {
	var raw []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(cacheBucket).Get([]byte(key))
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if raw == nil {
		return nil, false, nil
	}
	if len(raw) < 8 {
		return nil, false, fmt.Errorf("corrupt durable cache entry for %q", key)
	}
	expiry := int64(binary.BigEndian.Uint64(raw[:8]))
	if time.Now().UnixNano() > expiry {
		_ = c.Delete(key)
		return nil, false, nil
	}
	return raw[8:], true, nil
}

func (c boltCache) Put(key string, value []byte, ttl time.Duration) error {
	var expiry int64
	if ttl <= 0 {
		// No expiry requested: store a sentinel far enough in the future
		// that it never lapses in practice (used for snapshots like the
		// rate-limit tracker's, which are overwritten rather than aged out).
		expiry = math.MaxInt64
	} else {
		expiry = time.Now().Add(ttl).UnixNano()
	}
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf[:8], uint64(expiry))
	copy(buf[8:], value)
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cacheBucket).Put([]byte(key), buf)
	})
}

func (c boltCache) Delete(key string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cacheBucket).Delete([]byte(key))
	})
}
