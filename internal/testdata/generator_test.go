package testdata

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jask/clinicbook/internal/fakeserver"
)

func TestGenerateIsDeterministic(t *testing.T) {
	t.Parallel()

	a := Generate(Options{Seed: 42, Clinics: 2, Expenses: 25})
	b := Generate(Options{Seed: 42, Clinics: 2, Expenses: 25})
	require.Equal(t, a, b)
	require.Len(t, a.Clinics, 2)
	require.Len(t, a.Expenses, 25)
	for _, e := range a.Expenses {
		require.GreaterOrEqual(t, int(e.ClinicID), 1)
		require.LessOrEqual(t, int(e.ClinicID), 2)
		require.Positive(t, float64(e.BilledAmount))
		require.GreaterOrEqual(t, e.ExpenseDate, "2025-03-31")
		require.LessOrEqual(t, e.ExpenseDate, "2025-05-31")
	}
}

func TestLoadIntoServer(t *testing.T) {
	t.Parallel()

	srv := fakeserver.New(nil)
	fx := Generate(Options{Seed: 1, Clinics: 2, Expenses: 5})
	require.NoError(t, Load(srv, "Dr Rao", "rao@example.com", "secret1", fx))
	require.Error(t, srv.Import("nobody@example.com", fx.Clinics, fx.Expenses))
}
