// Package calc derives TDS, pending balances and report aggregates. The live fake server and
// the offline gateway paths both call into it so the two never disagree.
package calc

import (
	"github.com/shopspring/decimal"

	"github.com/jask/clinicbook/internal/database/repository"
)

// TDSRate is the fixed deduction rate applied at source.
var TDSRate = decimal.RequireFromString("0.1")

var netShare = decimal.NewFromInt(1).Sub(TDSRate)

func dec(a repository.Amount) decimal.Decimal { return decimal.NewFromFloat(float64(a)) }

func amount(d decimal.Decimal) repository.Amount {
	f, _ := d.Round(2).Float64()
	return repository.Amount(f)
}

// Derive returns the pre-deduction total and the deducted amount for a billed amount.
// billed is always the net amount received after deduction: total = billed / 0.9 and
// tds = total - billed, both rounded to 2 places.
func Derive(billed repository.Amount, tdsDeducted bool) (total, tds repository.Amount) {
	b := dec(billed)
	if !tdsDeducted || !b.IsPositive() {
		return amount(b), 0
	}
	t := b.DivRound(netShare, 2)
	return amount(t), amount(t.Sub(b))
}

// Pending is total minus received. Negative values mean overpayment and are kept.
func Pending(total, received repository.Amount) repository.Amount {
	return amount(dec(total).Sub(dec(received)))
}

// Recompute refreshes the derived fields of e from its stored amounts. A server-provided
// total is kept; a missing one is derived from the billed amount.
func Recompute(e *repository.Expense) {
	if e.TotalBilled == 0 && e.BilledAmount != 0 {
		e.TotalBilled, e.TDSAmount = Derive(e.BilledAmount, bool(e.TDSDeducted))
	}
	e.PendingAmount = Pending(e.TotalBilled, e.ReceivedAmount)
}

// Status classifies how much of total has been received.
func Status(total, received repository.Amount) string {
	switch r := dec(received); {
	case !r.IsPositive():
		return "None"
	case r.LessThan(dec(total)):
		return "Partial"
	default:
		return "Full"
	}
}
