// Package store provides a persistent library of named HeVM program images.
package store

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fortiblox/hevm/pkg/image"
	bolt "go.etcd.io/bbolt"
)

var (
	// ErrProgramNotFound is returned when a program doesn't exist.
	ErrProgramNotFound = errors.New("program not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("store closed")

	// ErrInvalidName is returned for empty or malformed program names.
	ErrInvalidName = errors.New("invalid program name")
)

// Bucket names for BoltDB.
var (
	// bucketPrograms stores encoded images keyed by name.
	bucketPrograms = []byte("programs")

	// bucketMeta stores gob-encoded Entry values keyed by name.
	bucketMeta = []byte("meta")

	// bucketByDigest indexes names by image digest.
	bucketByDigest = []byte("by_digest")
)

// MaxNameLength is the longest accepted program name.
const MaxNameLength = 128

// Config holds store configuration options.
type Config struct {
	// Path is the database file path.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool

	// Compress stores images zstd-compressed.
	Compress bool
}

// DefaultConfig returns the default store configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:     path,
		Compress: true,
	}
}

// Entry describes a stored program.
type Entry struct {
	Name         string
	Digest       image.Digest
	Instructions int
	Constants    int
	Size         int
	Added        time.Time
}

// Stats contains store statistics.
type Stats struct {
	// Programs is the number of stored programs.
	Programs int

	// DatabaseSize is the size of the database file in bytes.
	DatabaseSize int64
}

// BoltStore is a program library backed by BoltDB.
type BoltStore struct {
	db     *bolt.DB
	config Config

	mu     sync.RWMutex
	closed bool
}

// Open creates or opens a store at the given path.
func Open(config Config) (*BoltStore, error) {
	// Ensure directory exists.
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	opts := &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	}

	db, err := bolt.Open(config.Path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &BoltStore{
		db:     db,
		config: config,
	}

	// Initialize buckets (skip in read-only mode).
	if !config.ReadOnly {
		if err := store.initBuckets(); err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}

	return store, nil
}

// initBuckets creates all required buckets.
func (s *BoltStore) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketPrograms, bucketMeta, bucketByDigest} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// ValidateName checks that name can be used as a program name.
func ValidateName(name string) error {
	if name == "" || len(name) > MaxNameLength {
		return fmt.Errorf("%w: length must be 1..%d", ErrInvalidName, MaxNameLength)
	}
	if strings.TrimSpace(name) != name {
		return fmt.Errorf("%w: %q has surrounding whitespace", ErrInvalidName, name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: %q contains control characters", ErrInvalidName, name)
		}
	}
	return nil
}

func (s *BoltStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Put stores img under name, replacing any existing program.
func (s *BoltStore) Put(name string, img *image.Image) (*Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	data, err := image.Encode(img, s.config.Compress)
	if err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	entry := &Entry{
		Name:         name,
		Digest:       image.Sum(img),
		Instructions: len(img.Program),
		Constants:    len(img.Constants),
		Size:         len(data),
		Added:        time.Now().UTC(),
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		byDigest := tx.Bucket(bucketByDigest)

		// Drop the digest index of the program being replaced.
		if old := meta.Get([]byte(name)); old != nil {
			prev, err := decodeEntry(old)
			if err != nil {
				return err
			}
			if err := byDigest.Delete(digestKey(prev.Digest, name)); err != nil {
				return err
			}
		}

		if err := tx.Bucket(bucketPrograms).Put([]byte(name), data); err != nil {
			return err
		}
		if err := meta.Put([]byte(name), buf.Bytes()); err != nil {
			return err
		}
		return byDigest.Put(digestKey(entry.Digest, name), []byte{})
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Get loads the program stored under name.
func (s *BoltStore) Get(name string) (*image.Image, *Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, nil, err
	}

	var data []byte
	var entry *Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPrograms).Get([]byte(name))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrProgramNotFound, name)
		}
		// Values are only valid inside the transaction.
		data = append([]byte(nil), v...)

		var err error
		entry, err = decodeEntry(tx.Bucket(bucketMeta).Get([]byte(name)))
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	img, err := image.Decode(data)
	if err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return img, entry, nil
}

// Has reports whether a program named name exists.
func (s *BoltStore) Has(name string) bool {
	if s.checkOpen() != nil {
		return false
	}
	var found bool
	s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketPrograms).Get([]byte(name)) != nil
		return nil
	})
	return found
}

// FindByDigest returns the names of every program whose image has digest d.
func (s *BoltStore) FindByDigest(d image.Digest) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketByDigest).Cursor()
		prefix := d[:]
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			names = append(names, string(k[len(prefix):]))
		}
		return nil
	})
	return names, err
}

// Delete removes the program stored under name.
func (s *BoltStore) Delete(name string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		v := meta.Get([]byte(name))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrProgramNotFound, name)
		}
		entry, err := decodeEntry(v)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketByDigest).Delete(digestKey(entry.Digest, name)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketPrograms).Delete([]byte(name)); err != nil {
			return err
		}
		return meta.Delete([]byte(name))
	})
}

// List returns every entry in name order.
func (s *BoltStore) List() ([]Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).ForEach(func(k, v []byte) error {
			entry, err := decodeEntry(v)
			if err != nil {
				return fmt.Errorf("entry %s: %w", k, err)
			}
			entries = append(entries, *entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// GetStats returns store statistics.
func (s *BoltStore) GetStats() (*Stats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	stats := &Stats{}
	err := s.db.View(func(tx *bolt.Tx) error {
		stats.Programs = tx.Bucket(bucketPrograms).Stats().KeyN
		stats.DatabaseSize = tx.Size()
		return nil
	})
	return stats, err
}

// Sync forces a sync of the database to disk.
func (s *BoltStore) Sync() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.Sync()
}

// Close closes the store.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func decodeEntry(data []byte) (*Entry, error) {
	if data == nil {
		return nil, errors.New("missing entry metadata")
	}
	var entry Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return &entry, nil
}

// digestKey builds a by_digest key: the 32-byte digest followed by the name.
func digestKey(d image.Digest, name string) []byte {
	key := make([]byte, 0, image.DigestSize+len(name))
	key = append(key, d[:]...)
	return append(key, name...)
}
