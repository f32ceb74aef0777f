package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jask/clinicbook/internal/database"
)

// StoreName names one collection of the local store.
type StoreName string

const (
	StoreClinics     StoreName = "clinics"
	StoreExpenses    StoreName = "expenses"
	StorePayments    StoreName = "payments"
	StoreQueue       StoreName = "queue"
	StoreClinicNames StoreName = "clinicNameList"
)

// Stores lists every collection in a fixed order; locks are always taken in this order.
var Stores = []StoreName{StoreClinics, StoreExpenses, StorePayments, StoreQueue, StoreClinicNames}

func (s StoreName) Valid() bool {
	for _, n := range Stores {
		if n == s {
			return true
		}
	}
	return false
}

var (
	// ErrStorage wraps driver failures; the cache cannot be trusted after one.
	ErrStorage      = errors.New("local store failure")
	ErrNotFound     = errors.New("record not found")
	ErrUnknownStore = errors.New("unknown store")
)

// Record is one cached entity as stored: its key and JSON body.
type Record struct {
	ID   ID
	Body json.RawMessage
}

// LocalStore is the durable per-entity cache. Calls touching the same store are applied
// in invocation order; calls on different stores do not block each other.
type LocalStore struct {
	db    *sql.DB
	locks map[StoreName]*sync.Mutex
}

func NewLocalStore(db *sql.DB) *LocalStore {
	locks := make(map[StoreName]*sync.Mutex, len(Stores))
	for _, s := range Stores {
		locks[s] = &sync.Mutex{}
	}
	return &LocalStore{db: db, locks: locks}
}

// lock acquires the named stores in the canonical order and returns the release func.
func (s *LocalStore) lock(stores ...StoreName) (func(), error) {
	idx := make([]int, 0, len(stores))
	seen := map[StoreName]bool{}
	for _, name := range stores {
		if !name.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStore, name)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		for i, n := range Stores {
			if n == name {
				idx = append(idx, i)
			}
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		s.locks[Stores[i]].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			s.locks[Stores[idx[j]]].Unlock()
		}
	}, nil
}

func storageErr(op string, store StoreName, err error) error {
	return fmt.Errorf("%s %s: %w: %w", op, store, ErrStorage, err)
}

// GetAll returns every record of a store in insertion order. The queue store yields the
// queued mutations, keyed by sequence number.
func (s *LocalStore) GetAll(ctx context.Context, store StoreName) ([]Record, error) {
	unlock, err := s.lock(store)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if store == StoreQueue {
		muts, err := s.pendingLocked(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]Record, 0, len(muts))
		for _, m := range muts {
			body, err := json.Marshal(m)
			if err != nil {
				return nil, err
			}
			out = append(out, Record{ID: ID(m.Seq), Body: body})
		}
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, body FROM store_records WHERE store = ? ORDER BY seq`, string(store))
	if err != nil {
		return nil, storageErr("getAll", store, err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		var (
			id   string
			body string
		)
		if err := rows.Scan(&id, &body); err != nil {
			return nil, storageErr("getAll", store, err)
		}
		key, err := ParseID(id)
		if err != nil {
			return nil, storageErr("getAll", store, err)
		}
		out = append(out, Record{ID: key, Body: json.RawMessage(body)})
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("getAll", store, err)
	}
	return out, nil
}

// Get returns one record or ErrNotFound.
func (s *LocalStore) Get(ctx context.Context, store StoreName, id ID) (Record, error) {
	if store == StoreQueue {
		return Record{}, fmt.Errorf("get: %w: queue is not keyed", ErrUnknownStore)
	}
	unlock, err := s.lock(store)
	if err != nil {
		return Record{}, err
	}
	defer unlock()

	var body string
	err = s.db.QueryRowContext(ctx, `SELECT body FROM store_records WHERE store = ? AND id = ?`, string(store), id.String()).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%s/%s: %w", store, id, ErrNotFound)
	}
	if err != nil {
		return Record{}, storageErr("get", store, err)
	}
	return Record{ID: id, Body: json.RawMessage(body)}, nil
}

// Put inserts or overwrites the record sharing rec.ID. An overwrite keeps the original position.
func (s *LocalStore) Put(ctx context.Context, store StoreName, rec Record) error {
	if store == StoreQueue {
		return fmt.Errorf("put: %w: use QueueRepo.Enqueue", ErrUnknownStore)
	}
	unlock, err := s.lock(store)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := putRecord(ctx, s.db, store, rec); err != nil {
		return storageErr("put", store, err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putRecord(ctx context.Context, db execer, store StoreName, rec Record) (sql.Result, error) {
	return db.ExecContext(ctx, `
	INSERT INTO store_records(store, id, seq, body)
	VALUES(?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM store_records WHERE store = ?), ?)
	ON CONFLICT(store, id) DO UPDATE SET body = excluded.body
	`, string(store), rec.ID.String(), string(store), string(rec.Body))
}

// Delete removes one record; deleting an absent id is not an error.
func (s *LocalStore) Delete(ctx context.Context, store StoreName, id ID) error {
	unlock, err := s.lock(store)
	if err != nil {
		return err
	}
	defer unlock()

	if store == StoreQueue {
		_, err = s.db.ExecContext(ctx, `DELETE FROM mutation_queue WHERE seq = ?`, int64(id))
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM store_records WHERE store = ? AND id = ?`, string(store), id.String())
	}
	if err != nil {
		return storageErr("delete", store, err)
	}
	return nil
}

// Clear removes every record of one store.
func (s *LocalStore) Clear(ctx context.Context, store StoreName) error {
	unlock, err := s.lock(store)
	if err != nil {
		return err
	}
	defer unlock()

	if err := clearLocked(ctx, s.db, store); err != nil {
		return storageErr("clear", store, err)
	}
	return nil
}

func clearLocked(ctx context.Context, db execer, store StoreName) error {
	if store == StoreQueue {
		_, err := db.ExecContext(ctx, `DELETE FROM mutation_queue`)
		return err
	}
	_, err := db.ExecContext(ctx, `DELETE FROM store_records WHERE store = ?`, string(store))
	return err
}

// Replace atomically swaps the contents of each given store for the given records.
// Either every store is replaced or none is.
func (s *LocalStore) Replace(ctx context.Context, batch map[StoreName][]Record) error {
	names := make([]StoreName, 0, len(batch))
	for name := range batch {
		if name == StoreQueue {
			return fmt.Errorf("replace: %w: queue cannot be replaced", ErrUnknownStore)
		}
		names = append(names, name)
	}
	unlock, err := s.lock(names...)
	if err != nil {
		return err
	}
	defer unlock()

	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, name := range names {
			if err := clearLocked(ctx, tx, name); err != nil {
				return storageErr("replace", name, err)
			}
			for _, rec := range batch[name] {
				if _, err := putRecord(ctx, tx, name, rec); err != nil {
					return storageErr("replace", name, err)
				}
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrStorage) {
		return storageErr("replace", "", err)
	}
	return err
}

// ClearAll wipes every store including the queue. Used on hard logout.
func (s *LocalStore) ClearAll(ctx context.Context) error {
	unlock, err := s.lock(Stores...)
	if err != nil {
		return err
	}
	defer unlock()

	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, name := range Stores {
			if err := clearLocked(ctx, tx, name); err != nil {
				return storageErr("clearAll", name, err)
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrStorage) {
		return storageErr("clearAll", "", err)
	}
	return err
}
