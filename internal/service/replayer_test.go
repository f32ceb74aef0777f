package service

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jask/clinicbook/internal/database/repository"
	"github.com/jask/clinicbook/internal/gateway"
)

func TestResolutionTableRewritesURLAndIDFields(t *testing.T) {
	t.Parallel()

	local := repository.NewLocalID()
	other := repository.NewLocalID()
	table := NewResolutionTable()
	table.Record(local, 41)

	m := repository.QueuedMutation{
		Seq:             3,
		URL:             "/doctor/expense/" + local.String() + "?x=1",
		Body:            []byte(`{"clinic_id":` + local.String() + `,"expense_id":"` + local.String() + `","payment_local_id":123456,"amount":10.5,"nested":{"id":` + local.String() + `}}`),
		PayloadSnapshot: json.RawMessage(`{"id":` + other.String() + `,"clinic_id":` + local.String() + `}`),
	}
	out, changed, err := table.Apply(m)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, "/doctor/expense/41?x=1", out.URL)
	require.JSONEq(t, `{"clinic_id":41,"expense_id":41,"payment_local_id":123456,"amount":10.5,"nested":{"id":41}}`, string(out.Body))
	require.JSONEq(t, `{"id":`+other.String()+`,"clinic_id":41}`, string(out.PayloadSnapshot))
}

func TestResolutionTableLeavesServerIDsAlone(t *testing.T) {
	t.Parallel()

	table := NewResolutionTable()
	table.Record(repository.NewLocalID(), 9)

	m := repository.QueuedMutation{URL: "/doctor/clinic/12", Body: []byte(`{"clinic_id":12,"name":"A"}`)}
	out, changed, err := table.Apply(m)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, m, out)
}

func TestResolutionTableFallsBackToCorrelation(t *testing.T) {
	t.Parallel()

	table := NewResolutionTable()
	table.Correlate(654321, 77)
	unresolved := repository.NewLocalID()

	m := repository.QueuedMutation{Body: []byte(`{"expense_id":` + unresolved.String() + `,"payment_local_id":654321,"amount":5}`)}
	out, changed, err := table.Apply(m)
	require.NoError(t, err)
	require.True(t, changed)
	require.JSONEq(t, `{"expense_id":77,"payment_local_id":654321,"amount":5}`, string(out.Body))
}

func offlineExpense(t *testing.T, h *harness, clinicID repository.ID, billed repository.Amount) repository.Expense {
	t.Helper()
	res, err := h.app.Expenses.Add(h.ctx, ExpenseInput{
		ClinicID:     clinicID,
		ExpenseDate:  "2025-04-10",
		Category:     "OPD",
		BilledAmount: billed,
		TDSDeducted:  true,
	})
	require.NoError(t, err)
	require.True(t, res.Offline)
	return res.Item
}

func TestReplayResolvesExpenseThenPayment(t *testing.T) {
	t.Parallel()

	h := signedIn(t)
	c := h.clinic(t, "City Care")
	h.sync(t)

	h.app.Monitor.Set(false)
	e := offlineExpense(t, h, c.ID, 900)
	require.True(t, repository.IsLocalID(e.ID))
	require.NotZero(t, e.PaymentLocalID)

	p, err := h.app.Payments.Add(h.ctx, PaymentInput{ExpenseID: e.ID, Amount: 400, PaymentDate: "2025-04-12"})
	require.NoError(t, err)
	require.True(t, p.Offline)
	require.Equal(t, e.PaymentLocalID, p.Item.PaymentLocalID)

	cached := h.cachedExpenses(t)
	require.Len(t, cached, 1)
	require.InDelta(t, 400, float64(cached[0].ReceivedAmount), 0.001)
	require.InDelta(t, 600, float64(cached[0].PendingAmount), 0.001)
	require.Equal(t, 2, h.queueLen(t))

	h.app.Monitor.Set(true)
	res, err := h.app.Replayer.Drain(h.ctx)
	require.NoError(t, err)
	require.NoError(t, res.Halted)
	require.Equal(t, 2, res.Replayed)
	require.Zero(t, res.Remaining)
	require.Zero(t, h.queueLen(t))
	require.Equal(t, 1, h.srv.Calls(http.MethodPost, "/doctor/payment"))

	cached = h.cachedExpenses(t)
	require.Len(t, cached, 1)
	require.False(t, repository.IsLocalID(cached[0].ID))
	require.Equal(t, "City Care", cached[0].ClinicName)
	require.InDelta(t, 1000, float64(cached[0].TotalBilled), 0.001)
	require.InDelta(t, 400, float64(cached[0].ReceivedAmount), 0.001)
	require.InDelta(t, 600, float64(cached[0].PendingAmount), 0.001)

	payments := h.cachedPayments(t)
	require.Len(t, payments, 1)
	require.False(t, repository.IsLocalID(payments[0].ID))
	require.Equal(t, cached[0].ID, payments[0].ExpenseID)
}

func TestReplayHaltKeepsLearnedIDsForNextPass(t *testing.T) {
	t.Parallel()

	h := signedIn(t)
	c := h.clinic(t, "City Care")
	h.sync(t)

	h.app.Monitor.Set(false)
	e := offlineExpense(t, h, c.ID, 900)
	_, err := h.app.Payments.Add(h.ctx, PaymentInput{ExpenseID: e.ID, Amount: 250})
	require.NoError(t, err)

	h.srv.FailNext(http.MethodPost, "/doctor/payment", http.StatusInternalServerError)
	h.app.Monitor.Set(true)
	res, err := h.app.Replayer.Drain(h.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Replayed)
	require.Equal(t, 1, res.Remaining)
	var se *gateway.ServerError
	require.True(t, errors.As(res.Halted, &se))
	require.Equal(t, http.StatusInternalServerError, se.Status)

	pending, err := h.app.Gateway.Queue().Pending(h.ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	var body struct {
		ExpenseID repository.ID `json:"expense_id"`
	}
	require.NoError(t, json.Unmarshal(pending[0].Body, &body))
	require.False(t, repository.IsLocalID(body.ExpenseID))

	// the unsynced payment is still visible over the fresh snapshot
	cached := h.cachedExpenses(t)
	require.Len(t, cached, 1)
	require.Equal(t, body.ExpenseID, cached[0].ID)
	require.InDelta(t, 250, float64(cached[0].ReceivedAmount), 0.001)

	res, err = h.app.Replayer.Drain(h.ctx)
	require.NoError(t, err)
	require.NoError(t, res.Halted)
	require.Equal(t, 1, res.Replayed)
	require.Zero(t, h.queueLen(t))
	cached = h.cachedExpenses(t)
	require.InDelta(t, 250, float64(cached[0].ReceivedAmount), 0.001)
	require.Len(t, h.cachedPayments(t), 1)
}

func TestReplayingAnAppliedMutationDoesNotDoubleCount(t *testing.T) {
	t.Parallel()

	h := signedIn(t)
	c := h.clinic(t, "City Care")
	exp, err := h.app.Expenses.Add(h.ctx, ExpenseInput{ClinicID: c.ID, ExpenseDate: "2025-04-10", Category: "OPD", BilledAmount: 900})
	require.NoError(t, err)
	h.sync(t)

	h.app.Monitor.Set(false)
	_, err = h.app.Payments.Add(h.ctx, PaymentInput{ExpenseID: exp.Item.ID, Amount: 300})
	require.NoError(t, err)
	pending, err := h.app.Gateway.Queue().Pending(h.ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	h.app.Monitor.Set(true)
	_, err = h.app.Replayer.Drain(h.ctx)
	require.NoError(t, err)

	// a crash before removal would leave the same entry queued again
	_, err = h.app.Gateway.Queue().Enqueue(h.ctx, pending[0])
	require.NoError(t, err)
	res, err := h.app.Replayer.Drain(h.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Replayed)
	require.Equal(t, 2, h.srv.Calls(http.MethodPost, "/doctor/payment"))

	got, err := h.app.Expenses.Get(h.ctx, exp.Item.ID)
	require.NoError(t, err)
	require.False(t, got.Offline)
	require.InDelta(t, 300, float64(got.Item.Expense.ReceivedAmount), 0.001)
	require.Len(t, got.Item.Payments, 1)
	require.Len(t, h.cachedPayments(t), 1)
}

func TestReplayStopsOnRejectedSession(t *testing.T) {
	t.Parallel()

	h := signedIn(t)
	c := h.clinic(t, "City Care")
	h.sync(t)

	h.app.Monitor.Set(false)
	offlineExpense(t, h, c.ID, 450)
	h.srv.Revoke(h.app.Session.Token())

	h.app.Monitor.Set(true)
	res, err := h.app.Replayer.Drain(h.ctx)
	require.NoError(t, err)
	require.ErrorIs(t, res.Halted, gateway.ErrUnauthorized)
	require.Equal(t, int32(1), h.redirects.Load())
	require.False(t, h.app.Session.LoggedIn())
	require.Zero(t, h.queueLen(t))
	require.Empty(t, h.cachedExpenses(t))
}

func TestDrainIsNotReentrant(t *testing.T) {
	t.Parallel()

	h := signedIn(t)
	h.app.Replayer.running.Store(true)
	_, err := h.app.Replayer.Drain(h.ctx)
	require.ErrorIs(t, err, ErrReplayInProgress)
	h.app.Replayer.running.Store(false)

	res, err := h.app.Replayer.Drain(h.ctx)
	require.NoError(t, err)
	require.Zero(t, res.Replayed)
}

// script performs the same writes in the same order; ids come from earlier results.
func script(t *testing.T, h *harness) {
	t.Helper()
	c, err := h.app.Clinics.Add(h.ctx, ClinicInput{Name: "Sunrise Clinic"})
	require.NoError(t, err)
	e1, err := h.app.Expenses.Add(h.ctx, ExpenseInput{ClinicID: c.Item.ID, ExpenseDate: "2025-04-03", Category: "Surgery", BilledAmount: 1800, TDSDeducted: true})
	require.NoError(t, err)
	_, err = h.app.Payments.Add(h.ctx, PaymentInput{ExpenseID: e1.Item.ID, Amount: 500, PaymentDate: "2025-04-05"})
	require.NoError(t, err)
	_, err = h.app.Expenses.Edit(h.ctx, e1.Item.ID, ExpenseInput{ClinicID: c.Item.ID, ExpenseDate: "2025-04-03", Category: "Surgery", BilledAmount: 2700, TDSDeducted: true, Notes: "revised"})
	require.NoError(t, err)
	e2, err := h.app.Expenses.Add(h.ctx, ExpenseInput{ClinicID: c.Item.ID, ExpenseDate: "2025-04-08", Category: "OPD", BilledAmount: 300})
	require.NoError(t, err)
	_, err = h.app.Expenses.Delete(h.ctx, e2.Item.ID)
	require.NoError(t, err)
	_, err = h.app.Clinics.Edit(h.ctx, c.Item.ID, ClinicInput{Name: "Sunrise Hospital"})
	require.NoError(t, err)
}

type cacheImage struct {
	Clinics  []repository.Clinic
	Expenses []repository.Expense
	Payments []repository.Payment
}

func image(t *testing.T, h *harness) cacheImage {
	t.Helper()
	clinics, err := repository.NewClinicRepo(h.app.Gateway.Store()).List(h.ctx)
	require.NoError(t, err)
	for i := range clinics {
		clinics[i].CreatedAt = ""
	}
	expenses := h.cachedExpenses(t)
	for i := range expenses {
		expenses[i].PaymentLocalID = 0
	}
	payments := h.cachedPayments(t)
	for i := range payments {
		payments[i].PaymentLocalID = 0
		payments[i].PaymentDate = ""
	}
	return cacheImage{Clinics: clinics, Expenses: expenses, Payments: payments}
}

func TestOfflineReplayMatchesOnlineWrites(t *testing.T) {
	t.Parallel()

	online := signedIn(t)
	script(t, online)
	online.sync(t)

	offline := signedIn(t)
	offline.app.Monitor.Set(false)
	script(t, offline)
	require.Equal(t, 7, offline.queueLen(t))
	offline.app.Monitor.Set(true)
	res, err := offline.app.Replayer.Drain(offline.ctx)
	require.NoError(t, err)
	require.NoError(t, res.Halted)
	require.Equal(t, 7, res.Replayed)

	want := image(t, online)
	require.Len(t, want.Expenses, 1)
	require.Equal(t, "Sunrise Hospital", want.Expenses[0].ClinicName)
	require.Equal(t, want, image(t, offline))
}
