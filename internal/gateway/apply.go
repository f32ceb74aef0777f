package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/jask/clinicbook/internal/calc"
	"github.com/jask/clinicbook/internal/database/repository"
)

// ApplySnapshot writes a queued mutation's snapshot into the local store so reads reflect
// it before the server has seen it. Replaying the same mutation twice yields the same state,
// except that a payment create bumps its expense only when the payment is new to the cache.
func ApplySnapshot(ctx context.Context, store *repository.LocalStore, m repository.QueuedMutation) error {
	if m.TargetStore == "" {
		return nil
	}
	method := m.TargetMethod
	if method == "" {
		method = m.HTTPMethod
	}
	id := snapshotID(m.PayloadSnapshot)
	if id == 0 {
		id = m.LocalID
	}
	if id == 0 {
		id = idFromURL(m.URL)
	}
	if id == 0 {
		return nil
	}

	switch method {
	case http.MethodDelete:
		if err := store.Delete(ctx, m.TargetStore, id); err != nil {
			return err
		}
		if m.TargetStore == repository.StoreClinics {
			return store.Delete(ctx, repository.StoreClinicNames, id)
		}
		return nil
	case http.MethodPost, http.MethodPut:
	default:
		return nil
	}

	body, err := withID(m.PayloadSnapshot, id)
	if err != nil {
		return err
	}
	isNew := false
	existing, err := store.Get(ctx, m.TargetStore, id)
	switch {
	case err == nil:
		if body, err = merge(existing.Body, body); err != nil {
			return err
		}
	case errors.Is(err, repository.ErrNotFound):
		isNew = true
	default:
		return err
	}

	names, err := store.LoadClinicNames(ctx)
	if err != nil {
		return err
	}
	rec, err := Canonical(m.TargetStore, body, names)
	if err != nil {
		return err
	}
	if err := store.Put(ctx, m.TargetStore, rec); err != nil {
		return err
	}

	switch m.TargetStore {
	case repository.StoreClinics:
		var c repository.Clinic
		if err := json.Unmarshal(rec.Body, &c); err != nil {
			return err
		}
		return repository.NewClinicNameRepo(store).Put(ctx, repository.ClinicName{ID: c.ID, Name: c.Name})
	case repository.StorePayments:
		if method == http.MethodPost && isNew {
			var p repository.Payment
			if err := json.Unmarshal(rec.Body, &p); err != nil {
				return err
			}
			return bumpReceived(ctx, store, p)
		}
	}
	return nil
}

func bumpReceived(ctx context.Context, store *repository.LocalStore, p repository.Payment) error {
	expenses := repository.NewExpenseRepo(store)
	e, err := expenses.Get(ctx, p.ExpenseID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	e.ReceivedAmount += p.Amount
	calc.Recompute(&e)
	e.PaymentStatus = calc.Status(e.TotalBilled, e.ReceivedAmount)
	return expenses.Put(ctx, e)
}

// Canonical decodes raw into the store's entity type, fills derived expense fields and
// re-encodes it, so every cached record has one shape.
func Canonical(store repository.StoreName, raw json.RawMessage, names map[repository.ID]string) (repository.Record, error) {
	switch store {
	case repository.StoreClinics:
		return canonical[repository.Clinic](raw, nil)
	case repository.StoreExpenses:
		return canonical(raw, func(e *repository.Expense) {
			repository.ResolveClinicName(e, names)
			calc.Recompute(e)
		})
	case repository.StorePayments:
		return canonical[repository.Payment](raw, nil)
	case repository.StoreClinicNames:
		return canonical[repository.ClinicName](raw, nil)
	}
	return repository.Record{}, fmt.Errorf("%w: %q", repository.ErrUnknownStore, store)
}

func canonical[T repository.Keyed](raw json.RawMessage, fix func(*T)) (repository.Record, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return repository.Record{}, err
	}
	if fix != nil {
		fix(&v)
	}
	if v.Key() == 0 {
		return repository.Record{}, fmt.Errorf("record without id: %s", raw)
	}
	return repository.Encode(v)
}

func snapshotID(raw json.RawMessage) repository.ID {
	if len(raw) == 0 {
		return 0
	}
	var probe struct {
		ID repository.ID `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return 0
	}
	return probe.ID
}

// idFromURL returns the trailing numeric path segment, e.g. 12 for /doctor/expense/12.
func idFromURL(u string) repository.ID {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	id, err := repository.ParseID(path.Base(u))
	if err != nil {
		return 0
	}
	return id
}

func withID(raw json.RawMessage, id repository.ID) (json.RawMessage, error) {
	obj := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("snapshot: %w", err)
		}
	}
	obj["id"] = int64(id)
	return json.Marshal(obj)
}

// merge overlays the fields of patch on base.
func merge(base, patch json.RawMessage) (json.RawMessage, error) {
	obj := map[string]any{}
	if err := json.Unmarshal(base, &obj); err != nil {
		return nil, err
	}
	var over map[string]any
	if err := json.Unmarshal(patch, &over); err != nil {
		return nil, err
	}
	for k, v := range over {
		obj[k] = v
	}
	return json.Marshal(obj)
}
