package repository

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLenientDecoding(t *testing.T) {
	t.Parallel()

	var e Expense
	body := `{"id":"42","clinic_id":7,"billed_amount":"900.00","tds_deducted":"yes","total_billed":1000,"received_amount":null}`
	require.NoError(t, json.Unmarshal([]byte(body), &e))
	require.Equal(t, ID(42), e.ID)
	require.Equal(t, ID(7), e.ClinicID)
	require.Equal(t, Amount(900), e.BilledAmount)
	require.True(t, bool(e.TDSDeducted))
	require.Equal(t, Amount(1000), e.TotalBilled)
	require.Zero(t, e.ReceivedAmount)

	var bad Expense
	require.Error(t, json.Unmarshal([]byte(`{"id":"abc"}`), &bad))
	require.Error(t, json.Unmarshal([]byte(`{"tds_deducted":"maybe"}`), &bad))
}

func TestParseID(t *testing.T) {
	t.Parallel()

	id, err := ParseID("15")
	require.NoError(t, err)
	require.Equal(t, ID(15), id)
	require.Equal(t, "15", id.String())

	_, err = ParseID("1.5")
	require.Error(t, err)
}

func TestNewLocalIDMonotonic(t *testing.T) {
	t.Parallel()

	prev := NewLocalID()
	require.True(t, IsLocalID(prev))
	for i := 0; i < 1000; i++ {
		next := NewLocalID()
		require.Greater(t, next, prev)
		prev = next
	}
	require.False(t, IsLocalID(123456))
}

func TestExpenseDate(t *testing.T) {
	t.Parallel()

	require.Equal(t, "2026-03-01", Expense{ExpenseDate: "2026-03-01T00:00:00.000Z"}.Date())
	require.Equal(t, "2026-03-01", Expense{ExpenseDate: "2026-03-01"}.Date())
}
