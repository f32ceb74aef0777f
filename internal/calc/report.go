package calc

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/jask/clinicbook/internal/database/repository"
)

// DefaultCategories are always offered even before any expense uses them.
var DefaultCategories = []string{"OPD", "Procedure", "Surgery", "IPD", "Consultation"}

// Totals are the report aggregates.
type Totals struct {
	TotalBilled   repository.Amount `json:"total_billed"`
	TotalReceived repository.Amount `json:"total_received"`
	TotalPending  repository.Amount `json:"total_pending"`
	TotalTDS      repository.Amount `json:"total_tds"`
}

// Summarize sums the expenses. Pending is recomputed per expense rather than trusted.
func Summarize(expenses []repository.Expense) Totals {
	var billed, received, pending, tds decimal.Decimal
	for _, e := range expenses {
		billed = billed.Add(dec(e.TotalBilled))
		received = received.Add(dec(e.ReceivedAmount))
		pending = pending.Add(dec(Pending(e.TotalBilled, e.ReceivedAmount)))
		tds = tds.Add(dec(e.TDSAmount))
	}
	return Totals{
		TotalBilled:   amount(billed),
		TotalReceived: amount(received),
		TotalPending:  amount(pending),
		TotalTDS:      amount(tds),
	}
}

// Report is one page of the complete report. Totals cover every matching expense, not just the page.
type Report struct {
	Total      int                  `json:"total"`
	Page       int                  `json:"page"`
	PageSize   int                  `json:"pageSize"`
	TotalPages int                  `json:"totalPages"`
	Expenses   []repository.Expense `json:"expenses"`
	Totals
}

// BuildReport filters, aggregates and pages expenses.
func BuildReport(expenses []repository.Expense, f Filter, page, limit int) Report {
	matched := f.Apply(expenses)
	items, page, limit, pages := Paginate(matched, page, limit)
	return Report{
		Total:      len(matched),
		Page:       page,
		PageSize:   limit,
		TotalPages: pages,
		Expenses:   items,
		Totals:     Summarize(matched),
	}
}

// Paginate returns the 1-based page of items with normalized page/limit and the page count.
func Paginate[T any](items []T, page, limit int) ([]T, int, int, int) {
	if limit < 1 {
		limit = 10
	}
	pages := (len(items) + limit - 1) / limit
	if pages < 1 {
		pages = 1
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(items) {
		return []T{}, page, limit, pages
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end], page, limit, pages
}

// HospitalGroup is one clinic's section of the hospital report.
type HospitalGroup struct {
	ClinicID repository.ID        `json:"clinic_id"`
	Name     string               `json:"name"`
	Expenses []repository.Expense `json:"expenses"`
	Totals
}

// ByClinic groups expenses per clinic, ordered by clinic name then id.
func ByClinic(expenses []repository.Expense) []HospitalGroup {
	idx := map[repository.ID]int{}
	var groups []HospitalGroup
	for _, e := range expenses {
		i, ok := idx[e.ClinicID]
		if !ok {
			i = len(groups)
			idx[e.ClinicID] = i
			groups = append(groups, HospitalGroup{ClinicID: e.ClinicID, Name: e.ClinicName})
		}
		if groups[i].Name == "" {
			groups[i].Name = e.ClinicName
		}
		groups[i].Expenses = append(groups[i].Expenses, e)
	}
	for i := range groups {
		groups[i].Totals = Summarize(groups[i].Expenses)
	}
	sort.SliceStable(groups, func(a, b int) bool {
		if groups[a].Name != groups[b].Name {
			return groups[a].Name < groups[b].Name
		}
		return groups[a].ClinicID < groups[b].ClinicID
	})
	return groups
}

// Categories merges the defaults with every category used by expenses, defaults first.
func Categories(expenses []repository.Expense) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(DefaultCategories))
	for _, c := range DefaultCategories {
		seen[c] = true
		out = append(out, c)
	}
	var extra []string
	for _, e := range expenses {
		if e.Category != "" && !seen[e.Category] {
			seen[e.Category] = true
			extra = append(extra, e.Category)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}
