package service

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/jask/clinicbook/internal/database/repository"
	"github.com/jask/clinicbook/internal/gateway"
	"github.com/jask/clinicbook/internal/session"
)

type PaymentInput struct {
	ExpenseID   repository.ID     `json:"expense_id" validate:"required"`
	Amount      repository.Amount `json:"amount" validate:"gt=0"`
	PaymentDate string            `json:"payment_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

type paymentBody struct {
	PaymentInput
	PaymentLocalID repository.ID `json:"payment_local_id,omitempty"`
}

type PaymentService struct{ base }

func NewPaymentService(gw *gateway.Gateway, sess *session.Session) *PaymentService {
	return &PaymentService{base{gw: gw, session: sess}}
}

// Add appends a payment to an expense's history. Payments against an expense that only
// exists locally carry the expense's correlation id.
func (s *PaymentService) Add(ctx context.Context, in PaymentInput) (Result[repository.Payment], error) {
	if err := check(in); err != nil {
		return Result[repository.Payment]{}, err
	}
	if err := s.guard(); err != nil {
		return Result[repository.Payment]{}, err
	}
	body := paymentBody{PaymentInput: in}
	if repository.IsLocalID(in.ExpenseID) {
		e, err := repository.NewExpenseRepo(s.gw.Store()).Get(ctx, in.ExpenseID)
		switch {
		case err == nil:
			body.PaymentLocalID = e.PaymentLocalID
		case !errors.Is(err, repository.ErrNotFound):
			return Result[repository.Payment]{}, err
		}
	}
	snap := repository.Payment{
		ExpenseID:      in.ExpenseID,
		Amount:         in.Amount,
		PaymentDate:    in.PaymentDate,
		PaymentLocalID: body.PaymentLocalID,
	}
	resp, err := s.write(ctx, http.MethodPost, "/doctor/payment", repository.StorePayments, body, snap)
	if err != nil {
		return Result[repository.Payment]{}, err
	}
	p, err := decodeOne[repository.Payment](repository.StorePayments, resp)
	return Result[repository.Payment]{Item: p, Offline: resp.Offline, Seq: seqOf(resp)}, err
}

// List returns payments, optionally only those of one expense.
func (s *PaymentService) List(ctx context.Context, expenseID repository.ID) (Result[[]repository.Payment], error) {
	u := "/doctor/getPaymentList"
	if expenseID != 0 {
		u += "?" + url.Values{"expense_id": {expenseID.String()}}.Encode()
	}
	resp, err := s.read(ctx, u, repository.StorePayments)
	if err != nil {
		return Result[[]repository.Payment]{}, err
	}
	items, err := decodeItems[repository.Payment](repository.StorePayments, resp)
	if err != nil {
		return Result[[]repository.Payment]{}, err
	}
	if expenseID != 0 {
		kept := items[:0]
		for _, p := range items {
			if p.ExpenseID == expenseID {
				kept = append(kept, p)
			}
		}
		items = kept
	}
	return Result[[]repository.Payment]{Item: items, Offline: resp.Offline}, nil
}
