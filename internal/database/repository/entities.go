package repository

import (
	"context"
	"encoding/json"
	"fmt"
)

// Keyed is implemented by every cached entity.
type Keyed interface {
	Key() ID
}

// EntityRepo is a typed view over one store of a LocalStore.
type EntityRepo[T Keyed] struct {
	store *LocalStore
	name  StoreName
}

type (
	ClinicRepo     = EntityRepo[Clinic]
	ExpenseRepo    = EntityRepo[Expense]
	PaymentRepo    = EntityRepo[Payment]
	ClinicNameRepo = EntityRepo[ClinicName]
)

func NewClinicRepo(s *LocalStore) *ClinicRepo { return &ClinicRepo{store: s, name: StoreClinics} }
func NewExpenseRepo(s *LocalStore) *ExpenseRepo { return &ExpenseRepo{store: s, name: StoreExpenses} }
func NewPaymentRepo(s *LocalStore) *PaymentRepo { return &PaymentRepo{store: s, name: StorePayments} }
func NewClinicNameRepo(s *LocalStore) *ClinicNameRepo { return &ClinicNameRepo{store: s, name: StoreClinicNames} }

func (r *EntityRepo[T]) List(ctx context.Context) ([]T, error) {
	recs, err := r.store.GetAll(ctx, r.name)
	if err != nil {
		return nil, err
	}
	return Decode[T](recs)
}

func (r *EntityRepo[T]) Get(ctx context.Context, id ID) (T, error) {
	var v T
	rec, err := r.store.Get(ctx, r.name, id)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(rec.Body, &v); err != nil {
		return v, fmt.Errorf("decode %s/%s: %w", r.name, id, err)
	}
	return v, nil
}

func (r *EntityRepo[T]) Put(ctx context.Context, v T) error {
	rec, err := Encode(v)
	if err != nil {
		return err
	}
	return r.store.Put(ctx, r.name, rec)
}

func (r *EntityRepo[T]) Delete(ctx context.Context, id ID) error {
	return r.store.Delete(ctx, r.name, id)
}

func (r *EntityRepo[T]) Clear(ctx context.Context) error {
	return r.store.Clear(ctx, r.name)
}

// Encode turns an entity into a store record.
func Encode[T Keyed](v T) (Record, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Record{}, err
	}
	return Record{ID: v.Key(), Body: b}, nil
}

// EncodeAll encodes a slice for Replace.
func EncodeAll[T Keyed](vs []T) ([]Record, error) {
	out := make([]Record, 0, len(vs))
	for _, v := range vs {
		rec, err := Encode(v)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Decode unmarshals store records into entities.
func Decode[T any](recs []Record) ([]T, error) {
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := json.Unmarshal(rec.Body, &v); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", rec.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// ClinicNames maps clinic id to name. The name index overrides the clinics list, which may
// lag behind a rename.
func ClinicNames(clinics []Clinic, index []ClinicName) map[ID]string {
	names := make(map[ID]string, len(clinics)+len(index))
	for _, c := range clinics {
		if c.Name != "" {
			names[c.ID] = c.Name
		}
	}
	for _, c := range index {
		if c.Name != "" {
			names[c.ID] = c.Name
		}
	}
	return names
}

// ResolveClinicName fills e.ClinicName from its payload, its nested clinic, then names.
func ResolveClinicName(e *Expense, names map[ID]string) {
	if e.ClinicName != "" {
		return
	}
	if e.Clinic != nil && e.Clinic.Name != "" {
		e.ClinicName = e.Clinic.Name
		return
	}
	if n, ok := names[e.ClinicID]; ok {
		e.ClinicName = n
	}
}

// LoadClinicNames builds the id to name map from the cached clinics and name index.
func (s *LocalStore) LoadClinicNames(ctx context.Context) (map[ID]string, error) {
	clinics, err := NewClinicRepo(s).List(ctx)
	if err != nil {
		return nil, err
	}
	index, err := NewClinicNameRepo(s).List(ctx)
	if err != nil {
		return nil, err
	}
	return ClinicNames(clinics, index), nil
}
