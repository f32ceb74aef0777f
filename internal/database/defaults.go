package database

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

const deviceIDKey = "device_id"

// EnsureDeviceID returns the persistent identifier of this installation, creating it
// on first use. It prefixes idempotency keys so replays from different devices never collide.
func EnsureDeviceID(ctx context.Context, db *sql.DB) (string, error) {
	var id string
	err := db.QueryRowContext(ctx, `SELECT value FROM device_meta WHERE key = ?`, deviceIDKey).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	id = uuid.NewString()
	if _, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO device_meta(key, value) VALUES(?, ?)`, deviceIDKey, id); err != nil {
		return "", err
	}
	// another writer may have won the insert
	if err := db.QueryRowContext(ctx, `SELECT value FROM device_meta WHERE key = ?`, deviceIDKey).Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}
