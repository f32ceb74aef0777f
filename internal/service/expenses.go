package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"

	"github.com/jask/clinicbook/internal/calc"
	"github.com/jask/clinicbook/internal/database/repository"
	"github.com/jask/clinicbook/internal/gateway"
	"github.com/jask/clinicbook/internal/session"
)

// ExpenseInput is what the expense form submits. BilledAmount is the net amount received
// after TDS when TDSDeducted is set.
type ExpenseInput struct {
	ClinicID       repository.ID     `json:"clinic_id" validate:"required"`
	ExpenseDate    string            `json:"expense_date" validate:"required,datetime=2006-01-02"`
	Category       string            `json:"category" validate:"required,max=64"`
	BilledAmount   repository.Amount `json:"billed_amount" validate:"gt=0"`
	TDSDeducted    bool              `json:"tds_deducted"`
	Notes          string            `json:"notes,omitempty"`
	PaymentStatus  string            `json:"payment_status,omitempty" validate:"omitempty,oneof=None Partial Full Received"`
	PaymentMode    string            `json:"payment_mode,omitempty" validate:"omitempty,oneof=NEFT UPI Cash Cheque 'Bank Transfer'"`
	AmountReceived repository.Amount `json:"amount_received,omitempty" validate:"gte=0"`
}

// expenseBody is the wire form of an expense write.
type expenseBody struct {
	ExpenseInput
	TDSAmount      repository.Amount `json:"tds_amount"`
	TotalBilled    repository.Amount `json:"total_billed"`
	PaymentLocalID repository.ID     `json:"payment_local_id,omitempty"`
}

// ExpenseDetail is an expense with its payment history.
type ExpenseDetail struct {
	Expense  repository.Expense
	Payments []repository.Payment
}

type ExpenseService struct{ base }

func NewExpenseService(gw *gateway.Gateway, sess *session.Session) *ExpenseService {
	return &ExpenseService{base{gw: gw, session: sess}}
}

// NewPaymentLocalID returns a random six-digit correlation id.
func NewPaymentLocalID() repository.ID {
	return repository.ID(100000 + rand.IntN(900000))
}

func (s *ExpenseService) List(ctx context.Context) (Result[[]repository.Expense], error) {
	resp, err := s.read(ctx, "/doctor/getExpenseList", repository.StoreExpenses)
	if err != nil {
		return Result[[]repository.Expense]{}, err
	}
	items, err := decodeItems[repository.Expense](repository.StoreExpenses, resp)
	if err != nil {
		return Result[[]repository.Expense]{}, err
	}
	for i := range items {
		calc.Recompute(&items[i])
	}
	return Result[[]repository.Expense]{Item: items, Offline: resp.Offline}, nil
}

func (s *ExpenseService) Get(ctx context.Context, id repository.ID) (Result[ExpenseDetail], error) {
	resp, err := s.read(ctx, "/doctor/expense/"+id.String(), repository.StoreExpenses)
	if err != nil {
		return Result[ExpenseDetail]{}, err
	}
	items, err := decodeItems[repository.Expense](repository.StoreExpenses, resp)
	if err != nil {
		return Result[ExpenseDetail]{}, err
	}
	var detail ExpenseDetail
	found := false
	for _, e := range items {
		if e.ID == id {
			detail.Expense, found = e, true
			break
		}
	}
	if !found {
		return Result[ExpenseDetail]{}, fmt.Errorf("expense %s: %w", id, repository.ErrNotFound)
	}
	calc.Recompute(&detail.Expense)

	var payments []repository.Payment
	if resp.Offline {
		payments, err = repository.NewPaymentRepo(s.gw.Store()).List(ctx)
	} else {
		payments, err = decodeItems[repository.Payment](repository.StorePayments, resp)
	}
	if err != nil {
		return Result[ExpenseDetail]{}, err
	}
	for _, p := range payments {
		if p.ExpenseID == id {
			detail.Payments = append(detail.Payments, p)
		}
	}
	return Result[ExpenseDetail]{Item: detail, Offline: resp.Offline}, nil
}

// snapshot builds the cache image of an expense as the server would store it.
func (s *ExpenseService) snapshot(ctx context.Context, id repository.ID, body expenseBody) (repository.Expense, error) {
	e := repository.Expense{
		ID:             id,
		ClinicID:       body.ClinicID,
		Notes:          body.Notes,
		ExpenseDate:    body.ExpenseDate,
		Category:       body.Category,
		BilledAmount:   body.BilledAmount,
		TDSDeducted:    repository.Flag(body.TDSDeducted),
		TDSAmount:      body.TDSAmount,
		TotalBilled:    body.TotalBilled,
		PaymentMode:    body.PaymentMode,
		PaymentLocalID: body.PaymentLocalID,
	}
	if id != 0 {
		prev, err := repository.NewExpenseRepo(s.gw.Store()).Get(ctx, id)
		switch {
		case err == nil:
			e.ReceivedAmount = prev.ReceivedAmount
			e.PaymentLocalID = prev.PaymentLocalID
		case !errors.Is(err, repository.ErrNotFound):
			return e, err
		}
	} else {
		e.ReceivedAmount = body.AmountReceived
	}
	names, err := s.gw.Store().LoadClinicNames(ctx)
	if err != nil {
		return e, err
	}
	repository.ResolveClinicName(&e, names)
	calc.Recompute(&e)
	e.PaymentStatus = calc.Status(e.TotalBilled, e.ReceivedAmount)
	if body.PaymentStatus != "" && e.ReceivedAmount == 0 {
		e.PaymentStatus = body.PaymentStatus
	}
	return e, nil
}

func (s *ExpenseService) body(in ExpenseInput) expenseBody {
	total, tds := calc.Derive(in.BilledAmount, in.TDSDeducted)
	return expenseBody{ExpenseInput: in, TDSAmount: tds, TotalBilled: total}
}

// Add records a new expense. Offline it is queued with a temporary id, and the six-digit
// payment_local_id lets later offline payments find it after replay.
func (s *ExpenseService) Add(ctx context.Context, in ExpenseInput) (Result[repository.Expense], error) {
	if err := check(in); err != nil {
		return Result[repository.Expense]{}, err
	}
	if err := s.guard(); err != nil {
		return Result[repository.Expense]{}, err
	}
	body := s.body(in)
	body.PaymentLocalID = NewPaymentLocalID()
	snap, err := s.snapshot(ctx, 0, body)
	if err != nil {
		return Result[repository.Expense]{}, err
	}
	resp, err := s.write(ctx, http.MethodPost, "/doctor/expense", repository.StoreExpenses, body, snap)
	if err != nil {
		return Result[repository.Expense]{}, err
	}
	e, err := decodeOne[repository.Expense](repository.StoreExpenses, resp)
	calc.Recompute(&e)
	return Result[repository.Expense]{Item: e, Offline: resp.Offline, Seq: seqOf(resp)}, err
}

// Edit replaces the editable fields. Received amounts only change through payments.
func (s *ExpenseService) Edit(ctx context.Context, id repository.ID, in ExpenseInput) (Result[repository.Expense], error) {
	if err := check(in); err != nil {
		return Result[repository.Expense]{}, err
	}
	if err := s.guard(); err != nil {
		return Result[repository.Expense]{}, err
	}
	body := s.body(in)
	body.AmountReceived = 0
	snap, err := s.snapshot(ctx, id, body)
	if err != nil {
		return Result[repository.Expense]{}, err
	}
	resp, err := s.write(ctx, http.MethodPut, "/doctor/expense/"+id.String(), repository.StoreExpenses, body, snap)
	if err != nil {
		return Result[repository.Expense]{}, err
	}
	e, err := decodeOne[repository.Expense](repository.StoreExpenses, resp)
	calc.Recompute(&e)
	return Result[repository.Expense]{Item: e, Offline: resp.Offline, Seq: seqOf(resp)}, err
}

func (s *ExpenseService) Delete(ctx context.Context, id repository.ID) (Result[repository.ID], error) {
	u := "/doctor/expense/" + id.String()
	resp, err := s.write(ctx, http.MethodDelete, u, repository.StoreExpenses, nil, map[string]any{"id": int64(id)})
	if err != nil {
		return Result[repository.ID]{}, err
	}
	return Result[repository.ID]{Item: id, Offline: resp.Offline, Seq: seqOf(resp)}, nil
}
