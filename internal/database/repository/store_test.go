package repository

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/jask/clinicbook/internal/database"
)

func newStore(t *testing.T) *LocalStore {
	t.Helper()
	db, err := database.Setup(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewLocalStore(db)
}

func TestPutGetAllKeepsInsertionOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)
	clinics := NewClinicRepo(s)

	require.NoError(t, clinics.Put(ctx, Clinic{ID: 3, Name: "C"}))
	require.NoError(t, clinics.Put(ctx, Clinic{ID: 1, Name: "A"}))
	require.NoError(t, clinics.Put(ctx, Clinic{ID: 2, Name: "B"}))
	require.NoError(t, clinics.Put(ctx, Clinic{ID: 3, Name: "C2"}))

	got, err := clinics.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []ID{3, 1, 2}, []ID{got[0].ID, got[1].ID, got[2].ID})
	require.Equal(t, "C2", got[0].Name)
}

func TestGetAndDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)
	expenses := NewExpenseRepo(s)

	require.NoError(t, expenses.Put(ctx, Expense{ID: 7, ClinicID: 1, BilledAmount: 900}))
	e, err := expenses.Get(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, Amount(900), e.BilledAmount)

	require.NoError(t, expenses.Delete(ctx, 7))
	require.NoError(t, expenses.Delete(ctx, 7), "deleting an absent id is a no-op")
	_, err = expenses.Get(ctx, 7)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClearIsPerStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, NewClinicRepo(s).Put(ctx, Clinic{ID: 1, Name: "A"}))
	require.NoError(t, NewPaymentRepo(s).Put(ctx, Payment{ID: 1, ExpenseID: 1, Amount: 10}))

	require.NoError(t, s.Clear(ctx, StoreClinics))

	clinics, err := s.GetAll(ctx, StoreClinics)
	require.NoError(t, err)
	require.Empty(t, clinics)
	payments, err := s.GetAll(ctx, StorePayments)
	require.NoError(t, err)
	require.Len(t, payments, 1)
}

func TestUnknownStore(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	_, err := s.GetAll(context.Background(), StoreName("bogus"))
	require.ErrorIs(t, err, ErrUnknownStore)
}

func TestReplaceSwapsStoresTogether(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, NewClinicRepo(s).Put(ctx, Clinic{ID: 9, Name: "old"}))
	require.NoError(t, NewExpenseRepo(s).Put(ctx, Expense{ID: 9}))

	clinics, err := EncodeAll([]Clinic{{ID: 1, Name: "A"}, {ID: 2, Name: "B"}})
	require.NoError(t, err)
	require.NoError(t, s.Replace(ctx, map[StoreName][]Record{
		StoreClinics:  clinics,
		StoreExpenses: nil,
	}))

	got, err := NewClinicRepo(s).List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	exp, err := NewExpenseRepo(s).List(ctx)
	require.NoError(t, err)
	require.Empty(t, exp)
}

func TestClearAllIncludesQueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)
	q := NewQueueRepo(s)
	require.NoError(t, NewClinicRepo(s).Put(ctx, Clinic{ID: 1, Name: "A"}))
	_, err := q.Enqueue(ctx, QueuedMutation{URL: "/doctor/clinic", HTTPMethod: "POST", IdempotencyKey: "k"})
	require.NoError(t, err)

	require.NoError(t, s.ClearAll(ctx))

	for _, name := range Stores {
		recs, err := s.GetAll(ctx, name)
		require.NoError(t, err)
		require.Empty(t, recs, name)
	}
}

func TestConcurrentPutsSameStore(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s := newStore(t)
	payments := NewPaymentRepo(s)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			errs <- payments.Put(ctx, Payment{ID: ID(id), ExpenseID: 1, Amount: 1})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := payments.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 20)
}

func TestStorageFailureIsWrapped(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, body FROM store_records").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectExec("INSERT INTO store_records").WillReturnError(errors.New("database disk image is malformed"))

	s := NewLocalStore(db)
	_, err = s.GetAll(context.Background(), StoreClinics)
	require.ErrorIs(t, err, ErrStorage)

	err = s.Put(context.Background(), StoreClinics, Record{ID: 1, Body: json.RawMessage(`{"id":1}`)})
	require.ErrorIs(t, err, ErrStorage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM store_records").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("INSERT INTO store_records").WillReturnError(errors.New("constraint failed"))
	mock.ExpectRollback()

	s := NewLocalStore(db)
	err = s.Replace(context.Background(), map[StoreName][]Record{
		StoreClinics: {{ID: 1, Body: json.RawMessage(`{"id":1}`)}},
	})
	require.ErrorIs(t, err, ErrStorage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueFIFOAndClearThrough(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)
	q := NewQueueRepo(s)

	var seqs []int64
	for _, url := range []string{"/doctor/clinic", "/doctor/expense", "/doctor/payment"} {
		m, err := q.Enqueue(ctx, QueuedMutation{
			URL:             url,
			HTTPMethod:      "POST",
			Header:          map[string]string{"Content-Type": "application/json"},
			Body:            []byte(`{"a":1}`),
			TargetStore:     StoreClinics,
			TargetMethod:    "POST",
			PayloadSnapshot: json.RawMessage(`{"id":1}`),
			LocalID:         NewLocalID(),
			IdempotencyKey:  url,
		})
		require.NoError(t, err)
		seqs = append(seqs, m.Seq)
	}
	require.Less(t, seqs[0], seqs[1])

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, "/doctor/clinic", pending[0].URL)
	require.Equal(t, "application/json", pending[0].Header["Content-Type"])
	require.JSONEq(t, `{"id":1}`, string(pending[0].PayloadSnapshot))
	require.True(t, IsLocalID(pending[0].LocalID))
	require.False(t, pending[0].EnqueuedAt.IsZero())

	require.NoError(t, q.ClearThrough(ctx, seqs[1]))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	last := pending[2]
	last.URL = "/doctor/payment?x=1"
	last.Body = []byte(`{"expense_id":7}`)
	require.NoError(t, q.Rewrite(ctx, last))
	pending, err = q.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, "/doctor/payment?x=1", pending[0].URL)
	require.JSONEq(t, `{"expense_id":7}`, string(pending[0].Body))

	require.NoError(t, q.Remove(ctx, seqs[2]))
	n, err = q.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestEnqueueRejectsReads(t *testing.T) {
	t.Parallel()

	_, err := NewQueueRepo(newStore(t)).Enqueue(context.Background(), QueuedMutation{URL: "/x", HTTPMethod: "GET"})
	require.Error(t, err)
}

func TestResolveClinicNamePriority(t *testing.T) {
	t.Parallel()

	names := ClinicNames(
		[]Clinic{{ID: 1, Name: "From clinics"}},
		[]ClinicName{{ID: 1, Name: "From index"}, {ID: 2, Name: "Index only"}},
	)

	e := Expense{ClinicID: 1, ClinicName: "Payload"}
	ResolveClinicName(&e, names)
	require.Equal(t, "Payload", e.ClinicName)

	e = Expense{ClinicID: 1, Clinic: &ClinicName{ID: 1, Name: "Nested"}}
	ResolveClinicName(&e, names)
	require.Equal(t, "Nested", e.ClinicName)

	e = Expense{ClinicID: 1}
	ResolveClinicName(&e, names)
	require.Equal(t, "From index", e.ClinicName)

	require.Equal(t, "Clinics only", ClinicNames([]Clinic{{ID: 4, Name: "Clinics only"}}, nil)[4])

	e = Expense{ClinicID: 2}
	ResolveClinicName(&e, names)
	require.Equal(t, "Index only", e.ClinicName)

	e = Expense{ClinicID: 3}
	ResolveClinicName(&e, names)
	require.Empty(t, e.ClinicName)
}
