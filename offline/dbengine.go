// Package offline provides the local storage engine used for offline
// content records: named stores of opaque values keyed by unsigned
// integers, with per-store ID reservation.
package offline

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/Eyevinn/streamcore/errs"
)

// Schema maps store names to their key paths. The key path is kept as
// store metadata; records are opaque blobs, so callers pass keys
// explicitly and ReserveID hands out fresh ones.
type Schema map[string]string

// ErrUnknownStore is returned for operations on a store the schema does
// not name.
var ErrUnknownStore = errors.New("unknown store")

// openDelay is the pause between retried opens of a locked database.
const openDelay = 500 * time.Millisecond

// openEngines registers live engines per path so DeleteDatabase can
// block until other connections close, matching the storage engine's
// blocked-open semantics.
var (
	openMu      sync.Mutex
	openCond    = sync.NewCond(&openMu)
	openEngines = make(map[string]int)
)

// DBEngine wraps a badger database. Every operation owns a fresh
// transaction, so concurrent operations are serialized only by the
// storage engine, not by the wrapper.
type DBEngine struct {
	logger *slog.Logger
	db     *badger.DB
	path   string
	schema Schema

	mu      sync.Mutex
	nextID  map[string]uint64
	closed  bool
	pending sync.WaitGroup
}

// Open opens or creates the database at path, creating any missing
// stores, and scans every store to initialize the next-ID counters.
// A locked database is retried retryCount times before failing.
func Open(logger *slog.Logger, path string, schema Schema, retryCount int) (*DBEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "dbengine")

	opts := badger.DefaultOptions(path).WithLogger(nil)
	var db *badger.DB
	var err error
	for attempt := 0; ; attempt++ {
		db, err = badger.Open(opts)
		if err == nil {
			break
		}
		if attempt >= retryCount {
			return nil, fmt.Errorf("could not open database at %s: %w", path, err)
		}
		logger.Warn("database open failed, retrying", "attempt", attempt+1, "error", err)
		time.Sleep(openDelay)
	}

	e := &DBEngine{
		logger: logger,
		db:     db,
		path:   path,
		schema: schema,
		nextID: make(map[string]uint64, len(schema)),
	}
	if err := e.scanNextIDs(); err != nil {
		db.Close()
		return nil, err
	}

	openMu.Lock()
	openEngines[path]++
	openMu.Unlock()
	return e, nil
}

// scanNextIDs walks every store to find max(key)+1, defaulting to 1.
func (e *DBEngine) scanNextIDs() error {
	return e.db.View(func(txn *badger.Txn) error {
		for store := range e.schema {
			next := uint64(1)
			prefix := storePrefix(store)
			it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				if key, ok := decodeKey(store, it.Item().Key()); ok && key+1 > next {
					next = key + 1
				}
			}
			it.Close()
			e.nextID[store] = next
		}
		return nil
	})
}

// begin registers an operation, failing once the engine is destroyed.
func (e *DBEngine) begin(store string) error {
	if _, ok := e.schema[store]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStore, store)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errs.Newf(errs.CategoryStorage, errs.SeverityCritical,
			errs.CodeOperationAborted, "database destroyed")
	}
	e.pending.Add(1)
	return nil
}

// Insert writes value under key in store.
func (e *DBEngine) Insert(ctx context.Context, store string, key uint64, value []byte) error {
	if err := e.begin(store); err != nil {
		return err
	}
	defer e.pending.Done()
	err := e.db.Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return txn.Set(encodeKey(store, key), value)
	})
	if err != nil {
		return fmt.Errorf("insert into %s: %w", store, err)
	}
	e.mu.Lock()
	if key+1 > e.nextID[store] {
		e.nextID[store] = key + 1
	}
	e.mu.Unlock()
	return nil
}

// Get reads the value under key in store, or nil when absent.
func (e *DBEngine) Get(ctx context.Context, store string, key uint64) ([]byte, error) {
	if err := e.begin(store); err != nil {
		return nil, err
	}
	defer e.pending.Done()
	var out []byte
	err := e.db.View(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, err := txn.Get(encodeKey(store, key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get from %s: %w", store, err)
	}
	return out, nil
}

// Remove deletes the record under key in store.
func (e *DBEngine) Remove(ctx context.Context, store string, key uint64) error {
	return e.RemoveKeys(ctx, store, []uint64{key})
}

// RemoveKeys deletes the records under keys in store.
func (e *DBEngine) RemoveKeys(ctx context.Context, store string, keys []uint64) error {
	if err := e.begin(store); err != nil {
		return err
	}
	defer e.pending.Done()
	err := e.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := txn.Delete(encodeKey(store, key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove from %s: %w", store, err)
	}
	return nil
}

// ForEach calls cb for every record in store in key order.
func (e *DBEngine) ForEach(ctx context.Context, store string, cb func(key uint64, value []byte) error) error {
	if err := e.begin(store); err != nil {
		return err
	}
	defer e.pending.Done()
	return e.db.View(func(txn *badger.Txn) error {
		prefix := storePrefix(store)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key, ok := decodeKey(store, it.Item().Key())
			if !ok {
				continue
			}
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := cb(key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReserveID returns the next free key for store. Purely in-memory
// after Open; reserved IDs are strictly greater than any key observed
// in this process lifetime.
func (e *DBEngine) ReserveID(store string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID[store]
	if id == 0 {
		id = 1
	}
	e.nextID[store] = id + 1
	return id
}

// Destroy rejects new operations, waits for in-flight operations to
// settle, and closes the database.
func (e *DBEngine) Destroy() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.pending.Wait()
	err := e.db.Close()

	openMu.Lock()
	openEngines[e.path]--
	if openEngines[e.path] <= 0 {
		delete(openEngines, e.path)
	}
	openCond.Broadcast()
	openMu.Unlock()
	return err
}

// DeleteDatabase removes the database at path, blocking until every
// open engine on that path closes.
func DeleteDatabase(path string) error {
	openMu.Lock()
	for openEngines[path] > 0 {
		openCond.Wait()
	}
	openMu.Unlock()
	return os.RemoveAll(path)
}

func storePrefix(store string) []byte {
	return []byte(store + "/")
}

func encodeKey(store string, key uint64) []byte {
	buf := make([]byte, 0, len(store)+9)
	buf = append(buf, storePrefix(store)...)
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], key)
	return append(buf, k[:]...)
}

func decodeKey(store string, raw []byte) (uint64, bool) {
	prefix := storePrefix(store)
	if len(raw) != len(prefix)+8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(raw[len(prefix):]), true
}
