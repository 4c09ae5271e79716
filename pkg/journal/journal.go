// Package journal records HeVM runs in a BadgerDB-backed log.
package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

var (
	// ErrRecordNotFound is returned when a record doesn't exist.
	ErrRecordNotFound = errors.New("record not found")

	// ErrClosed is returned when operating on a closed journal.
	ErrClosed = errors.New("journal closed")
)

// Key prefixes for BadgerDB storage.
var (
	// prefixRecord is the prefix for run records.
	// Key format: prefixRecord + id (8 bytes, big-endian)
	prefixRecord = []byte{0x01}

	// prefixProgram indexes records by program name.
	// Key format: prefixProgram + name + 0x00 + id (8 bytes, big-endian)
	prefixProgram = []byte{0x02}

	// keySequence backs the record ID sequence.
	keySequence = []byte{0x03, 's', 'e', 'q'}
)

// sequenceBandwidth is how many IDs are leased from disk at a time.
const sequenceBandwidth = 64

// Config contains configuration for the journal.
type Config struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// Logger receives BadgerDB's own log output. Nil disables it.
	Logger *zerolog.Logger
}

// DefaultConfig returns default configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
	}
}

// Record describes one finished (or abandoned) run.
type Record struct {
	ID         uint64    `json:"id"`
	Program    string    `json:"program"`
	Digest     string    `json:"digest,omitempty"`
	Session    string    `json:"session,omitempty"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	StackTrace []int64   `json:"stack_trace,omitempty"`
	Steps      uint64    `json:"steps"`
	Started    time.Time `json:"started"`
	Finished   time.Time `json:"finished"`
}

// Duration returns how long the run took.
func (r *Record) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Journal is an append-only run log.
type Journal struct {
	db  *badger.DB
	seq *badger.Sequence

	// mu serialises Close against in-flight calls.
	mu sync.RWMutex

	closed atomic.Bool
}

// Open opens or creates a journal.
func Open(cfg Config) (*Journal, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	var logger badger.Logger
	if cfg.Logger != nil {
		logger = badgerLogger{log: cfg.Logger.With().Str("component", "badger").Logger()}
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	seq, err := db.GetSequence(keySequence, sequenceBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("get sequence: %w", err)
	}

	return &Journal{db: db, seq: seq}, nil
}

// Append stores rec, assigning and returning its ID. IDs increase
// monotonically.
func (j *Journal) Append(rec *Record) (uint64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed.Load() {
		return 0, ErrClosed
	}

	n, err := j.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("next id: %w", err)
	}
	// Sequences start at 0; IDs start at 1.
	rec.ID = n + 1

	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}

	err = j.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(recordKey(rec.ID), data); err != nil {
			return err
		}
		return txn.Set(programKey(rec.Program, rec.ID), []byte{})
	})
	if err != nil {
		return 0, fmt.Errorf("write record: %w", err)
	}
	return rec.ID, nil
}

// Get returns the record with the given ID.
func (j *Journal) Get(id uint64) (*Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed.Load() {
		return nil, ErrClosed
	}

	var rec *Record
	err := j.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, id)
		return err
	})
	return rec, err
}

// List returns up to limit records, newest first. A limit of 0 returns all.
func (j *Journal) List(limit int) ([]*Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed.Load() {
		return nil, ErrClosed
	}

	var out []*Record
	err := j.db.View(func(txn *badger.Txn) error {
		return reverseScan(txn, prefixRecord, func(item *badger.Item) (bool, error) {
			var rec Record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return false, fmt.Errorf("decode record: %w", err)
			}
			out = append(out, &rec)
			return limit <= 0 || len(out) < limit, nil
		})
	})
	return out, err
}

// ForProgram returns up to limit records for the named program, newest
// first. A limit of 0 returns all.
func (j *Journal) ForProgram(name string, limit int) ([]*Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed.Load() {
		return nil, ErrClosed
	}

	prefix := programPrefix(name)
	var out []*Record
	err := j.db.View(func(txn *badger.Txn) error {
		return reverseScan(txn, prefix, func(item *badger.Item) (bool, error) {
			key := item.Key()
			if len(key) != len(prefix)+8 {
				// A longer name that shares this prefix.
				return true, nil
			}
			rec, err := getRecord(txn, binary.BigEndian.Uint64(key[len(prefix):]))
			if err != nil {
				return false, err
			}
			out = append(out, rec)
			return limit <= 0 || len(out) < limit, nil
		})
	})
	return out, err
}

// Close releases the ID lease and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed.Swap(true) {
		return nil
	}
	releaseErr := j.seq.Release()
	if err := j.db.Close(); err != nil {
		return err
	}
	return releaseErr
}

func getRecord(txn *badger.Txn, id uint64) (*Record, error) {
	item, err := txn.Get(recordKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("%w: %d", ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, fmt.Errorf("decode record %d: %w", id, err)
	}
	return &rec, nil
}

// reverseScan visits keys under prefix from largest to smallest until fn
// returns false.
func reverseScan(txn *badger.Txn, prefix []byte, fn func(item *badger.Item) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	// In reverse mode Seek finds the largest key <= the seek key.
	seek := append(append([]byte(nil), prefix...), bytes.Repeat([]byte{0xff}, 9)...)
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		more, err := fn(it.Item())
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func recordKey(id uint64) []byte {
	key := make([]byte, len(prefixRecord)+8)
	copy(key, prefixRecord)
	binary.BigEndian.PutUint64(key[len(prefixRecord):], id)
	return key
}

func programPrefix(name string) []byte {
	key := make([]byte, 0, len(prefixProgram)+len(name)+1)
	key = append(key, prefixProgram...)
	key = append(key, name...)
	return append(key, 0)
}

func programKey(name string, id uint64) []byte {
	return binary.BigEndian.AppendUint64(programPrefix(name), id)
}
