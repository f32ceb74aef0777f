package service

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/jask/clinicbook/internal/calc"
	"github.com/jask/clinicbook/internal/database/repository"
	"github.com/jask/clinicbook/internal/gateway"
	"github.com/jask/clinicbook/internal/session"
)

// HospitalReport groups matching expenses by clinic.
type HospitalReport struct {
	Hospitals []calc.HospitalGroup `json:"hospitals"`
	Totals    calc.Totals          `json:"totals"`
}

// ReportService answers report queries from the server when online and from the cached
// expenses otherwise, using the same aggregation either way.
type ReportService struct{ base }

func NewReportService(gw *gateway.Gateway, sess *session.Session) *ReportService {
	return &ReportService{base{gw: gw, session: sess}}
}

func (s *ReportService) cached(ctx context.Context) ([]repository.Expense, error) {
	return repository.NewExpenseRepo(s.gw.Store()).List(ctx)
}

// live fetches u when online. ok is false when the caller should fall back to the cache.
func (s *ReportService) live(ctx context.Context, u string, v any) (ok bool, err error) {
	if err := s.guard(); err != nil {
		return false, err
	}
	if !s.gw.Online() {
		return false, nil
	}
	resp, err := s.call(ctx, gateway.Request{Method: http.MethodGet, URL: u})
	if errors.Is(err, gateway.ErrOffline) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, resp.Decode(v)
}

func (s *ReportService) Report(ctx context.Context, f calc.Filter, page, limit int) (Result[calc.Report], error) {
	if err := check(f); err != nil {
		return Result[calc.Report]{}, err
	}
	q := f.Query()
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var r calc.Report
	ok, err := s.live(ctx, "/doctor/getReport?"+q.Encode(), &r)
	if err != nil {
		return Result[calc.Report]{}, err
	}
	if ok {
		return Result[calc.Report]{Item: r}, nil
	}
	expenses, err := s.cached(ctx)
	if err != nil {
		return Result[calc.Report]{}, err
	}
	return Result[calc.Report]{Item: calc.BuildReport(expenses, f, page, limit), Offline: true}, nil
}

func (s *ReportService) Hospitals(ctx context.Context, f calc.Filter) (Result[HospitalReport], error) {
	if err := check(f); err != nil {
		return Result[HospitalReport]{}, err
	}
	var r HospitalReport
	ok, err := s.live(ctx, "/doctor/getHospitalReport?"+f.Query().Encode(), &r)
	if err != nil {
		return Result[HospitalReport]{}, err
	}
	if ok {
		return Result[HospitalReport]{Item: r}, nil
	}
	expenses, err := s.cached(ctx)
	if err != nil {
		return Result[HospitalReport]{}, err
	}
	matched := f.Apply(expenses)
	return Result[HospitalReport]{
		Item:    HospitalReport{Hospitals: calc.ByClinic(matched), Totals: calc.Summarize(matched)},
		Offline: true,
	}, nil
}

// Categories lists the default categories followed by any others used in cached expenses.
func (s *ReportService) Categories(ctx context.Context) ([]string, error) {
	expenses, err := s.cached(ctx)
	if err != nil {
		return nil, err
	}
	return calc.Categories(expenses), nil
}
