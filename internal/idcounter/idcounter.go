// Package idcounter hands out sequential, zero-padded agent identifiers and
// mirrors the high-water mark into a bbolt bucket so a restart never
// reissues an identifier that was already flushed to the keystore file.
package idcounter

import (
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("counters")

const counterKey = "next_agent_id"

// Width is the zero-padded digit width of an allocated identifier, matching
// the three-digit convention in the wire protocol examples.
const Width = 3

// Counter is a durable, concurrency-safe sequential identifier allocator.
type Counter struct {
	mu   sync.Mutex
	db   *bolt.DB
	next uint64
}

// Open creates or opens the counter database at path and primes the
// in-memory counter from the last persisted value (1 if none, so the first
// identifier handed out is "001").
func Open(path string) (*Counter, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("idcounter: open %s: %w", path, err)
	}

	next := uint64(1)
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		v := b.Get([]byte(counterKey))
		if v != nil {
			next = decode(v)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("idcounter: prime: %w", err)
	}

	return &Counter{db: db, next: next}, nil
}

// Close releases the underlying database handle.
func (c *Counter) Close() error {
	return c.db.Close()
}

// Next allocates and durably persists the next identifier before returning
// it, so a crash between allocation and use never hands out the same
// identifier twice.
func (c *Counter) Next() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.next
	c.next++

	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Put([]byte(counterKey), encode(c.next))
	})
	if err != nil {
		c.next = id // undo the in-memory bump; nothing was persisted
		return "", fmt.Errorf("idcounter: persist: %w", err)
	}

	return fmt.Sprintf("%0*d", Width, id), nil
}

// Observe advances the counter past id if id's numeric value is not already
// covered, used when loading a keystore file at startup so freshly minted
// identifiers never collide with what is already on disk.
func (c *Counter) Observe(numericID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if numericID < c.next {
		return nil
	}
	c.next = numericID + 1
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Put([]byte(counterKey), encode(c.next))
	})
}

func encode(v uint64) []byte {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * (7 - i)))
	}
	return buf
}

func decode(buf []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(buf); i++ {
		v = v<<8 | uint64(buf[i])
	}
	return v
}
