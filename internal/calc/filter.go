package calc

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/jask/clinicbook/internal/database/repository"
)

// Filter is the predicate set shared by the report endpoint and offline report computation.
// Empty fields match everything.
type Filter struct {
	From          string        `json:"from,omitempty" validate:"omitempty,datetime=2006-01-02"`
	To            string        `json:"to,omitempty" validate:"omitempty,datetime=2006-01-02"`
	ClinicID      repository.ID `json:"clinic_id,omitempty"`
	Category      string        `json:"category,omitempty"`
	TDS           string        `json:"tds,omitempty" validate:"omitempty,oneof=yes no"`
	PaymentStatus string        `json:"payment_status,omitempty"`
}

// Match reports whether e passes every set predicate. Dates compare as calendar days.
func (f Filter) Match(e repository.Expense) bool {
	day := e.Date()
	if f.From != "" && day < f.From {
		return false
	}
	if f.To != "" && day > f.To {
		return false
	}
	if f.ClinicID != 0 && e.ClinicID != f.ClinicID {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	switch f.TDS {
	case "yes":
		if !e.TDSDeducted {
			return false
		}
	case "no":
		if e.TDSDeducted {
			return false
		}
	}
	if f.PaymentStatus != "" && e.PaymentStatus != f.PaymentStatus {
		return false
	}
	return true
}

// Apply returns the expenses that match f, preserving order.
func (f Filter) Apply(expenses []repository.Expense) []repository.Expense {
	out := make([]repository.Expense, 0, len(expenses))
	for _, e := range expenses {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out
}

// Query encodes f as report endpoint parameters.
func (f Filter) Query() url.Values {
	q := url.Values{}
	if f.From != "" {
		q.Set("startDate", f.From)
	}
	if f.To != "" {
		q.Set("endDate", f.To)
	}
	if f.ClinicID != 0 {
		q.Set("clinic_id", f.ClinicID.String())
	}
	if f.Category != "" {
		q.Set("expenseCategory", f.Category)
	}
	switch f.TDS {
	case "yes":
		q.Set("tdsDeducted", "true")
	case "no":
		q.Set("tdsDeducted", "false")
	}
	if f.PaymentStatus != "" {
		q.Set("payment_status", f.PaymentStatus)
	}
	return q
}

// ParseFilter is the inverse of Query.
func ParseFilter(q url.Values) (Filter, error) {
	f := Filter{
		From:          q.Get("startDate"),
		To:            q.Get("endDate"),
		Category:      q.Get("expenseCategory"),
		PaymentStatus: q.Get("payment_status"),
	}
	if v := q.Get("clinic_id"); v != "" {
		id, err := repository.ParseID(v)
		if err != nil {
			return Filter{}, fmt.Errorf("clinic_id: %w", err)
		}
		f.ClinicID = id
	}
	if v := q.Get("tdsDeducted"); v != "" {
		b, err := strconv.ParseBool(strings.ToLower(v))
		if err != nil {
			return Filter{}, fmt.Errorf("tdsDeducted: %w", err)
		}
		f.TDS = "no"
		if b {
			f.TDS = "yes"
		}
	}
	return f, nil
}
