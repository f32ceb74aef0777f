package fakeserver

import (
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/jask/clinicbook/internal/calc"
	"github.com/jask/clinicbook/internal/database/repository"
)

// Start serves s on a local listener. The caller closes the returned server.
func Start(s *Server) *httptest.Server {
	return httptest.NewServer(s)
}

// Seed registers a doctor and returns a signed-in token, bypassing HTTP.
func (s *Server) Seed(name, email, password string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.doctors[email]
	if !ok {
		d = &doctor{ID: s.newID(), Name: name, Email: email, Password: password}
		s.doctors[email] = d
	}
	return s.issue(d)
}

// Handler exposes the engine, e.g. for mounting under another mux.
func (s *Server) Handler() http.Handler { return s.engine }

// Import adds clinics and expenses to the ledger of the doctor registered as email.
// Expense.ClinicID is the 1-based position of its clinic in clinics. Received amounts become
// a single payment dated on the expense day.
func (s *Server) Import(email string, clinics []repository.Clinic, expenses []repository.Expense) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.doctors[email]
	if !ok {
		return fmt.Errorf("import: no doctor %q", email)
	}
	l, ok := s.ledgers[d.ID]
	if !ok {
		l = &ledger{clinics: []repository.Clinic{}, expenses: []repository.Expense{}, payments: []repository.Payment{}}
		s.ledgers[d.ID] = l
	}
	ids := make([]repository.ID, len(clinics))
	for i, c := range clinics {
		c.ID = s.newID()
		ids[i] = c.ID
		l.clinics = append(l.clinics, c)
	}
	for _, e := range expenses {
		pos := int(e.ClinicID) - 1
		if pos < 0 || pos >= len(clinics) {
			return fmt.Errorf("import: expense references clinic %d of %d", e.ClinicID, len(clinics))
		}
		e.ID = s.newID()
		e.ClinicID = ids[pos]
		e.ClinicName = clinics[pos].Name
		e.Clinic = nil
		e.TotalBilled, e.TDSAmount = calc.Derive(e.BilledAmount, bool(e.TDSDeducted))
		if e.ReceivedAmount > 0 {
			l.payments = append(l.payments, repository.Payment{
				ID:          s.newID(),
				ExpenseID:   e.ID,
				Amount:      e.ReceivedAmount,
				PaymentDate: e.Date(),
			})
		}
		settle(&e, "")
		l.expenses = append(l.expenses, e)
	}
	return nil
}
