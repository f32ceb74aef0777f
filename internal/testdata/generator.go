// Package testdata generates deterministic clinic and expense fixtures for tests and the
// development server.
package testdata

import (
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/jask/clinicbook/internal/calc"
	"github.com/jask/clinicbook/internal/database/repository"
	"github.com/jask/clinicbook/internal/fakeserver"
)

// Options sizes a fixture. Dates fall in [From, To].
type Options struct {
	Seed     uint64
	Clinics  int
	Expenses int
	From     time.Time
	To       time.Time
}

// Fixture is server-side data without ids. Expense.ClinicID is the 1-based position of the
// expense's clinic in Clinics.
type Fixture struct {
	Clinics  []repository.Clinic
	Expenses []repository.Expense
}

var modes = []string{"NEFT", "UPI", "Cash", "Cheque", "Bank Transfer"}

// Generate builds a fixture. The same options always give the same data.
func Generate(opts Options) Fixture {
	if opts.Clinics <= 0 {
		opts.Clinics = 3
	}
	if opts.To.IsZero() {
		opts.To = time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC)
	}
	if opts.From.IsZero() {
		opts.From = opts.To.AddDate(0, -2, 0)
	}
	f := gofakeit.New(opts.Seed)

	var fx Fixture
	for i := 0; i < opts.Clinics; i++ {
		fx.Clinics = append(fx.Clinics, repository.Clinic{
			Name:      fmt.Sprintf("%s %s", f.LastName(), f.RandomString([]string{"Clinic", "Hospital", "Nursing Home", "Care"})),
			Address:   f.Street() + ", " + f.City(),
			AdminName: f.Name(),
			ContactNo: f.Phone(),
		})
	}
	for i := 0; i < opts.Expenses; i++ {
		billed := repository.Amount(f.IntRange(2, 200) * 100)
		tds := f.Bool()
		total, _ := calc.Derive(billed, tds)
		var received repository.Amount
		switch f.IntRange(0, 2) {
		case 1:
			received = repository.Amount(f.IntRange(1, int(billed)/100) * 100)
		case 2:
			received = total
		}
		fx.Expenses = append(fx.Expenses, repository.Expense{
			ClinicID:       repository.ID(f.IntRange(1, opts.Clinics)),
			ExpenseDate:    f.DateRange(opts.From, opts.To).Format("2006-01-02"),
			Category:       f.RandomString(calc.DefaultCategories),
			BilledAmount:   billed,
			TDSDeducted:    repository.Flag(tds),
			ReceivedAmount: received,
			PaymentMode:    f.RandomString(modes),
			Notes:          f.Sentence(4),
		})
	}
	return fx
}

// Load registers email on srv if needed and imports fx into that doctor's ledger.
func Load(srv *fakeserver.Server, name, email, password string, fx Fixture) error {
	if _, err := srv.Seed(name, email, password); err != nil {
		return err
	}
	return srv.Import(email, fx.Clinics, fx.Expenses)
}
