package service

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/jask/clinicbook/internal/database/repository"
	"github.com/jask/clinicbook/internal/gateway"
)

var (
	// ErrValidation wraps rejected input and malformed resync snapshots.
	ErrValidation = errors.New("validation failed")
	// ErrNotLoggedIn is returned by operations that need a signed-in doctor.
	ErrNotLoggedIn = errors.New("not logged in")
	// ErrReplayInProgress means another drain owns the queue.
	ErrReplayInProgress = errors.New("replay already in progress")
	// ErrPendingWrites refuses a logout that would discard unsynced offline writes.
	ErrPendingWrites = errors.New("unsynced offline changes pending")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func check(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}

// Result is what typed operations return. Offline marks data served from the local store or a
// write that was queued instead of sent.
type Result[T any] struct {
	Item    T
	Offline bool
	// Seq is the queue position of a deferred write.
	Seq int64
}

func decodeItems[T any](store repository.StoreName, resp *gateway.Response) ([]T, error) {
	raws, err := gateway.Normalize(store, resp.Body)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", store, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeOne[T any](store repository.StoreName, resp *gateway.Response) (T, error) {
	var zero T
	items, err := decodeItems[T](store, resp)
	if err != nil {
		return zero, err
	}
	if len(items) == 0 {
		return zero, fmt.Errorf("decode %s: response carries no %s", store, gateway.Entity(store))
	}
	return items[0], nil
}

func seqOf(resp *gateway.Response) int64 {
	if !resp.Offline {
		return 0
	}
	var probe struct {
		Seq int64 `json:"seq"`
	}
	_ = json.Unmarshal(resp.Body, &probe)
	return probe.Seq
}
