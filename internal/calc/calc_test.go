package calc

import (
	"math"
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/require"

	"github.com/jask/clinicbook/internal/database/repository"
)

func TestDeriveNetBilled(t *testing.T) {
	t.Parallel()

	total, tds := Derive(900, true)
	require.Equal(t, repository.Amount(1000), total)
	require.Equal(t, repository.Amount(100), tds)

	total, tds = Derive(900, false)
	require.Equal(t, repository.Amount(900), total)
	require.Zero(t, tds)

	total, tds = Derive(0, true)
	require.Zero(t, total)
	require.Zero(t, tds)
}

func TestReverseTDSRoundTrip(t *testing.T) {
	t.Parallel()

	f := gofakeit.New(7)
	for i := 0; i < 500; i++ {
		b := repository.Amount(f.Price(1, 250000))
		total, tds := Derive(b, true)
		require.InDelta(t, float64(total)*0.1, float64(tds), 0.01, "billed=%v", b)
		require.InDelta(t, float64(b)/9, float64(tds), 0.01, "billed=%v", b)
	}
}

func TestPendingProperty(t *testing.T) {
	t.Parallel()

	f := gofakeit.New(11)
	for i := 0; i < 1000; i++ {
		total := repository.Amount(f.Price(0, 100000))
		received := repository.Amount(f.Price(0, 150000))
		want := math.Round((float64(total)-float64(received))*100) / 100
		require.InDelta(t, want, float64(Pending(total, received)), 0.005, "total=%v received=%v", total, received)
	}
	require.Equal(t, repository.Amount(-50), Pending(100, 150))
}

func TestRecompute(t *testing.T) {
	t.Parallel()

	e := repository.Expense{BilledAmount: 900, TDSDeducted: true, ReceivedAmount: 400}
	Recompute(&e)
	require.Equal(t, repository.Amount(1000), e.TotalBilled)
	require.Equal(t, repository.Amount(100), e.TDSAmount)
	require.Equal(t, repository.Amount(600), e.PendingAmount)

	e = repository.Expense{BilledAmount: 900, TotalBilled: 950, ReceivedAmount: 1000}
	Recompute(&e)
	require.Equal(t, repository.Amount(950), e.TotalBilled, "server total is kept")
	require.Equal(t, repository.Amount(-50), e.PendingAmount)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, "None", Status(100, 0))
	require.Equal(t, "Partial", Status(100, 40))
	require.Equal(t, "Full", Status(100, 100))
	require.Equal(t, "Full", Status(100, 120))
}

func fixture() []repository.Expense {
	return []repository.Expense{
		{ID: 1, ClinicID: 1, ClinicName: "Kirti", ExpenseDate: "2025-04-02", Category: "OPD", TotalBilled: 1000, TDSAmount: 100, TDSDeducted: true, ReceivedAmount: 1000, PaymentStatus: "Full"},
		{ID: 2, ClinicID: 2, ClinicName: "Aaditya", ExpenseDate: "2025-04-15T10:00:00Z", Category: "OPD", TotalBilled: 500, ReceivedAmount: 200, PaymentStatus: "Partial"},
		{ID: 3, ClinicID: 1, ClinicName: "Kirti", ExpenseDate: "2025-04-30", Category: "Surgery", TotalBilled: 3000, ReceivedAmount: 0, PaymentStatus: "None"},
		{ID: 4, ClinicID: 2, ClinicName: "Aaditya", ExpenseDate: "2025-05-01", Category: "OPD", TotalBilled: 700, ReceivedAmount: 0},
		{ID: 5, ClinicID: 1, ClinicName: "Kirti", ExpenseDate: "2025-03-31", Category: "OPD", TotalBilled: 90, ReceivedAmount: 0},
	}
}

func TestFilterMatch(t *testing.T) {
	t.Parallel()

	f := Filter{Category: "OPD", From: "2025-04-01", To: "2025-04-30"}
	got := f.Apply(fixture())
	require.Len(t, got, 2)
	require.Equal(t, repository.ID(1), got[0].ID)
	require.Equal(t, repository.ID(2), got[1].ID)

	require.Len(t, Filter{TDS: "yes"}.Apply(fixture()), 1)
	require.Len(t, Filter{TDS: "no"}.Apply(fixture()), 4)
	require.Len(t, Filter{ClinicID: 2}.Apply(fixture()), 2)
	require.Len(t, Filter{PaymentStatus: "Partial"}.Apply(fixture()), 1)
	require.Len(t, Filter{}.Apply(fixture()), 5)
}

func TestFilterQueryRoundTrip(t *testing.T) {
	t.Parallel()

	f := Filter{From: "2025-04-01", To: "2025-04-30", ClinicID: 3, Category: "OPD", TDS: "no", PaymentStatus: "Full"}
	q := f.Query()
	require.Equal(t, "false", q.Get("tdsDeducted"))
	require.Equal(t, "OPD", q.Get("expenseCategory"))

	back, err := ParseFilter(q)
	require.NoError(t, err)
	require.Equal(t, f, back)

	q.Set("clinic_id", "x")
	_, err = ParseFilter(q)
	require.Error(t, err)
}

func TestBuildReportTotalsCoverAllPages(t *testing.T) {
	t.Parallel()

	r := BuildReport(fixture(), Filter{}, 2, 2)
	require.Equal(t, 5, r.Total)
	require.Equal(t, 3, r.TotalPages)
	require.Len(t, r.Expenses, 2)
	require.Equal(t, repository.ID(3), r.Expenses[0].ID)
	require.Equal(t, repository.Amount(5290), r.TotalBilled)
	require.Equal(t, repository.Amount(1200), r.TotalReceived)
	require.Equal(t, repository.Amount(4090), r.TotalPending)
	require.Equal(t, repository.Amount(100), r.TotalTDS)

	r = BuildReport(fixture(), Filter{}, 9, 2)
	require.Empty(t, r.Expenses)
}

func TestByClinic(t *testing.T) {
	t.Parallel()

	groups := ByClinic(fixture())
	require.Len(t, groups, 2)
	require.Equal(t, "Aaditya", groups[0].Name)
	require.Len(t, groups[0].Expenses, 2)
	require.Equal(t, repository.Amount(1200), groups[0].TotalBilled)
	require.Equal(t, "Kirti", groups[1].Name)
	require.Equal(t, repository.Amount(4090), groups[1].TotalBilled)
}

func TestCategories(t *testing.T) {
	t.Parallel()

	got := Categories(append(fixture(), repository.Expense{Category: "Dental"}))
	require.Equal(t, []string{"OPD", "Procedure", "Surgery", "IPD", "Consultation", "Dental"}, got)
}
