package netres

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var crcBucket = []byte("crc")

// ResCache remembers the checksums of local files so matching a remote
// announcement against the disk does not re-hash unchanged files. Entries
// are keyed by path, size and mtime; a touched file misses and is
// re-hashed. Transfer state is never stored here.
type ResCache struct {
	db *bolt.DB
}

// OpenResCache opens (or creates) a checksum cache at the given path.
func OpenResCache(path string) (*ResCache, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("netres: open cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(crcBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("netres: init cache: %w", err)
	}
	return &ResCache{db: db}, nil
}

func cacheKey(path string, size int64, mtime time.Time) []byte {
	return []byte(fmt.Sprintf("%s|%d|%d", path, size, mtime.UnixNano()))
}

// Get looks up the cached checksums for a file identity.
func (c *ResCache) Get(path string, size int64, mtime time.Time) (fileCRC, contentsCRC uint32, ok bool) {
	if c == nil {
		return 0, 0, false
	}
	c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(crcBucket).Get(cacheKey(path, size, mtime))
		if len(v) == 8 {
			fileCRC = binary.BigEndian.Uint32(v[:4])
			contentsCRC = binary.BigEndian.Uint32(v[4:])
			ok = true
		}
		return nil
	})
	return fileCRC, contentsCRC, ok
}

// Put stores the checksums for a file identity.
func (c *ResCache) Put(path string, size int64, mtime time.Time, fileCRC, contentsCRC uint32) {
	if c == nil {
		return
	}
	var v [8]byte
	binary.BigEndian.PutUint32(v[:4], fileCRC)
	binary.BigEndian.PutUint32(v[4:], contentsCRC)
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(crcBucket).Put(cacheKey(path, size, mtime), v[:])
	})
	if err != nil {
		logWarn("failed to update checksum cache", err, "netres:cache:put")
	}
}

// Close releases the underlying database.
func (c *ResCache) Close() error {
	if c == nil {
		return nil
	}
	return c.db.Close()
}
