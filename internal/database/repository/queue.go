package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// QueueRepo handles the durable mutation queue. It shares the queue lock with its LocalStore
// so queue reads through GetAll observe enqueue order.
type QueueRepo struct {
	store *LocalStore
}

func NewQueueRepo(store *LocalStore) *QueueRepo {
	return &QueueRepo{store: store}
}

// Enqueue appends m and returns it with Seq and EnqueuedAt assigned.
func (r *QueueRepo) Enqueue(ctx context.Context, m QueuedMutation) (QueuedMutation, error) {
	switch m.HTTPMethod {
	case "POST", "PUT", "DELETE":
	default:
		return QueuedMutation{}, fmt.Errorf("enqueue: unsupported method %q", m.HTTPMethod)
	}
	unlock, err := r.store.lock(StoreQueue)
	if err != nil {
		return QueuedMutation{}, err
	}
	defer unlock()

	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now().UTC()
	}
	header := "{}"
	if len(m.Header) > 0 {
		b, err := json.Marshal(m.Header)
		if err != nil {
			return QueuedMutation{}, err
		}
		header = string(b)
	}
	res, err := r.store.db.ExecContext(ctx, `
	INSERT INTO mutation_queue(url, http_method, header, body, target_store, target_method, payload_snapshot, local_id, idempotency_key, enqueued_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.URL, m.HTTPMethod, header, m.Body, string(m.TargetStore), m.TargetMethod,
		nullableJSON(m.PayloadSnapshot), int64(m.LocalID), m.IdempotencyKey, m.EnqueuedAt.Format(time.RFC3339Nano))
	if err != nil {
		return QueuedMutation{}, storageErr("enqueue", StoreQueue, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return QueuedMutation{}, storageErr("enqueue", StoreQueue, err)
	}
	m.Seq = seq
	return m, nil
}

// Pending returns every queued mutation in FIFO order.
func (r *QueueRepo) Pending(ctx context.Context) ([]QueuedMutation, error) {
	unlock, err := r.store.lock(StoreQueue)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return r.store.pendingLocked(ctx)
}

// Remove deletes one entry once its replay has succeeded.
func (r *QueueRepo) Remove(ctx context.Context, seq int64) error {
	return r.store.Delete(ctx, StoreQueue, ID(seq))
}

// Len reports the number of queued mutations.
func (r *QueueRepo) Len(ctx context.Context) (int, error) {
	unlock, err := r.store.lock(StoreQueue)
	if err != nil {
		return 0, err
	}
	defer unlock()

	var n int
	if err := r.store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutation_queue`).Scan(&n); err != nil {
		return 0, storageErr("len", StoreQueue, err)
	}
	return n, nil
}

// ClearThrough drops every entry with seq <= highWater. Entries enqueued later survive.
func (r *QueueRepo) ClearThrough(ctx context.Context, highWater int64) error {
	unlock, err := r.store.lock(StoreQueue)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := r.store.db.ExecContext(ctx, `DELETE FROM mutation_queue WHERE seq <= ?`, highWater); err != nil {
		return storageErr("clearThrough", StoreQueue, err)
	}
	return nil
}

func (s *LocalStore) pendingLocked(ctx context.Context) ([]QueuedMutation, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT seq, url, http_method, header, body, target_store, target_method, payload_snapshot, local_id, idempotency_key, enqueued_at
	FROM mutation_queue ORDER BY seq
	`)
	if err != nil {
		return nil, storageErr("pending", StoreQueue, err)
	}
	defer rows.Close()

	out := []QueuedMutation{}
	for rows.Next() {
		var (
			m        QueuedMutation
			header   string
			store    string
			snapshot sql.NullString
			localID  int64
			at       string
		)
		if err := rows.Scan(&m.Seq, &m.URL, &m.HTTPMethod, &header, &m.Body, &store, &m.TargetMethod, &snapshot, &localID, &m.IdempotencyKey, &at); err != nil {
			return nil, storageErr("pending", StoreQueue, err)
		}
		if header != "" && header != "{}" {
			if err := json.Unmarshal([]byte(header), &m.Header); err != nil {
				return nil, storageErr("pending", StoreQueue, err)
			}
		}
		m.TargetStore = StoreName(store)
		if snapshot.Valid {
			m.PayloadSnapshot = json.RawMessage(snapshot.String)
		}
		m.LocalID = ID(localID)
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			m.EnqueuedAt = t
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("pending", StoreQueue, err)
	}
	return out, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// Rewrite replaces the request and snapshot of a pending entry, keeping its position.
func (r *QueueRepo) Rewrite(ctx context.Context, m QueuedMutation) error {
	unlock, err := r.store.lock(StoreQueue)
	if err != nil {
		return err
	}
	defer unlock()

	_, err = r.store.db.ExecContext(ctx, `
	UPDATE mutation_queue SET url = ?, body = ?, payload_snapshot = ? WHERE seq = ?
	`, m.URL, m.Body, nullableJSON(m.PayloadSnapshot), m.Seq)
	if err != nil {
		return storageErr("rewrite", StoreQueue, err)
	}
	return nil
}
