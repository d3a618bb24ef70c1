package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketHashes = []byte("hashes")

// HashStore records the content hash of each original document before it
// is masked. On resume the hash answers whether a document was already
// processed, which keeps re-masking idempotent checks cheap: a committed
// document whose stored hash matches its pre-mask content was handled by
// an earlier run.
type HashStore struct {
	db *bolt.DB
}

// OpenHashStore opens or creates the sidecar database.
func OpenHashStore(path string) (*HashStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("opening hash sidecar %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketHashes)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing hash sidecar: %w", err)
	}
	return &HashStore{db: db}, nil
}

// HashBody returns the canonical hash of a document body. Keys are
// serialized in sorted order so the hash is stable across map iteration.
func HashBody(body map[string]any) string {
	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		v, _ := json.Marshal(body[k])
		h.Write(v)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// PutBatch records hashes for one committed batch in a single transaction.
func (h *HashStore) PutBatch(hashes map[string]string) error {
	if len(hashes) == 0 {
		return nil
	}
	return h.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHashes)
		for id, sum := range hashes {
			if err := b.Put([]byte(id), []byte(sum)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns the recorded hash for a document id.
func (h *HashStore) Get(id string) (string, bool, error) {
	var sum string
	var found bool
	err := h.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketHashes).Get([]byte(id)); v != nil {
			sum = string(v)
			found = true
		}
		return nil
	})
	return sum, found, err
}

// Count returns the number of recorded hashes.
func (h *HashStore) Count() (int, error) {
	var n int
	err := h.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketHashes).Stats().KeyN
		return nil
	})
	return n, err
}

// Prune clears all recorded hashes. Called when a run reaches a terminal
// state and the sidecar has served its purpose.
func (h *HashStore) Prune() error {
	return h.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketHashes); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketHashes)
		return err
	})
}

// Close releases the underlying database.
func (h *HashStore) Close() error {
	return h.db.Close()
}
