package fakeserver

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jask/clinicbook/internal/calc"
	"github.com/jask/clinicbook/internal/database/repository"
)

type registerInput struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
	Phone    string `json:"phone"`
}

type signinInput struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type clinicInput struct {
	Name           string `json:"name" binding:"required"`
	Address        string `json:"address"`
	AdminName      string `json:"admin_name"`
	ContactNo      string `json:"contact_no"`
	AdditionalInfo string `json:"additional_info"`
}

type expenseInput struct {
	ClinicID       repository.ID     `json:"clinic_id" binding:"required"`
	Notes          string            `json:"notes"`
	ExpenseDate    string            `json:"expense_date" binding:"required"`
	Category       string            `json:"category" binding:"required"`
	BilledAmount   repository.Amount `json:"billed_amount" binding:"required"`
	TDSDeducted    repository.Flag   `json:"tds_deducted"`
	PaymentStatus  string            `json:"payment_status"`
	PaymentMode    string            `json:"payment_mode"`
	AmountReceived repository.Amount `json:"amount_received"`
	PaymentLocalID repository.ID     `json:"payment_local_id"`
}

type paymentInput struct {
	ExpenseID      repository.ID     `json:"expense_id"`
	PaymentLocalID repository.ID     `json:"payment_local_id"`
	Amount         repository.Amount `json:"amount" binding:"required"`
	PaymentDate    string            `json:"payment_date"`
}

type doctorView struct {
	ID    repository.ID `json:"id"`
	Name  string        `json:"name"`
	Email string        `json:"email"`
}

func (s *Server) register(c *gin.Context) {
	var in registerInput
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doctors[in.Email]; ok {
		fail(c, http.StatusConflict, "Doctor already registered")
		return
	}
	d := &doctor{ID: s.newID(), Name: in.Name, Email: in.Email, Password: in.Password, Phone: in.Phone}
	s.doctors[in.Email] = d
	c.JSON(http.StatusCreated, gin.H{"message": "Registered successfully", "doctor": doctorView{d.ID, d.Name, d.Email}})
}

func (s *Server) signin(c *gin.Context) {
	var in signinInput
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.doctors[in.Email]
	if !ok || d.Password != in.Password {
		fail(c, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	tok, err := s.issue(d)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok, "doctor": doctorView{d.ID, d.Name, d.Email}})
}

func (s *Server) logout(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[c.GetString("token")] = true
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

func pathID(c *gin.Context) (repository.ID, bool) {
	id, err := repository.ParseID(c.Param("id"))
	if err != nil || id == 0 {
		fail(c, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func (l *ledger) clinic(id repository.ID) int {
	for i, c := range l.clinics {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (l *ledger) expense(id repository.ID) int {
	for i, e := range l.expenses {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func (l *ledger) expenseByCorrelation(corr repository.ID) int {
	if corr == 0 {
		return -1
	}
	for i, e := range l.expenses {
		if e.PaymentLocalID == corr {
			return i
		}
	}
	return -1
}

func (l *ledger) names() []repository.ClinicName {
	out := make([]repository.ClinicName, 0, len(l.clinics))
	for _, c := range l.clinics {
		out = append(out, repository.ClinicName{ID: c.ID, Name: c.Name})
	}
	return out
}

func (s *Server) clinicNames(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"clinics": s.ledger(c).names()})
}

func (s *Server) clinicList(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.ledger(c)
	if raw := c.Query("id"); raw != "" {
		id, err := repository.ParseID(raw)
		if err != nil {
			fail(c, http.StatusBadRequest, "invalid id")
			return
		}
		i := l.clinic(id)
		if i < 0 {
			fail(c, http.StatusNotFound, "Clinic not found")
			return
		}
		c.JSON(http.StatusOK, gin.H{"clinic": l.clinics[i]})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"clinics": gin.H{"clinics": l.clinics}}})
}

func (s *Server) addClinic(c *gin.Context) {
	var in clinicInput
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.ledger(c)
	cl := repository.Clinic{
		ID:             s.newID(),
		Name:           in.Name,
		Address:        in.Address,
		AdminName:      in.AdminName,
		ContactNo:      in.ContactNo,
		AdditionalInfo: in.AdditionalInfo,
		CreatedAt:      s.now().UTC().Format("2006-01-02T15:04:05Z"),
	}
	l.clinics = append(l.clinics, cl)
	s.reply(c, http.StatusCreated, gin.H{"message": "Clinic added", "clinic": cl})
}

func (s *Server) editClinic(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var in clinicInput
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.ledger(c)
	i := l.clinic(id)
	if i < 0 {
		fail(c, http.StatusNotFound, "Clinic not found")
		return
	}
	cl := &l.clinics[i]
	cl.Name, cl.Address, cl.AdminName, cl.ContactNo, cl.AdditionalInfo = in.Name, in.Address, in.AdminName, in.ContactNo, in.AdditionalInfo
	for j := range l.expenses {
		if l.expenses[j].ClinicID == id {
			l.expenses[j].ClinicName = in.Name
		}
	}
	s.reply(c, http.StatusOK, gin.H{"message": "Clinic updated", "clinic": *cl})
}

func (s *Server) deleteClinic(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.ledger(c)
	i := l.clinic(id)
	if i < 0 {
		fail(c, http.StatusNotFound, "Clinic not found")
		return
	}
	for _, e := range l.expenses {
		if e.ClinicID == id {
			fail(c, http.StatusConflict, "Clinic has expenses")
			return
		}
	}
	l.clinics = append(l.clinics[:i], l.clinics[i+1:]...)
	s.reply(c, http.StatusOK, gin.H{"message": "Clinic deleted"})
}

func (s *Server) expenseList(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"expenses": s.ledger(c).expenses})
}

func (s *Server) getExpense(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.ledger(c)
	i := l.expense(id)
	if i < 0 {
		fail(c, http.StatusNotFound, "Expense not found")
		return
	}
	var payments []repository.Payment
	for _, p := range l.payments {
		if p.ExpenseID == id {
			payments = append(payments, p)
		}
	}
	c.JSON(http.StatusOK, gin.H{"expense": l.expenses[i], "payments": payments})
}

func (s *Server) fillExpense(l *ledger, e *repository.Expense, in expenseInput) bool {
	i := l.clinic(in.ClinicID)
	if i < 0 {
		return false
	}
	e.ClinicID = in.ClinicID
	e.ClinicName = l.clinics[i].Name
	e.Notes = in.Notes
	e.ExpenseDate = in.ExpenseDate
	e.Category = in.Category
	e.BilledAmount = in.BilledAmount
	e.TDSDeducted = in.TDSDeducted
	e.TotalBilled, e.TDSAmount = calc.Derive(in.BilledAmount, bool(in.TDSDeducted))
	e.PaymentMode = in.PaymentMode
	return true
}

func settle(e *repository.Expense, requested string) {
	e.PendingAmount = calc.Pending(e.TotalBilled, e.ReceivedAmount)
	e.PaymentStatus = calc.Status(e.TotalBilled, e.ReceivedAmount)
	if requested != "" && e.ReceivedAmount == 0 {
		e.PaymentStatus = requested
	}
}

func (s *Server) addExpense(c *gin.Context) {
	var in expenseInput
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.ledger(c)
	e := repository.Expense{ID: s.newID(), PaymentLocalID: in.PaymentLocalID}
	if !s.fillExpense(l, &e, in) {
		fail(c, http.StatusBadRequest, "Clinic not found")
		return
	}
	if in.AmountReceived > 0 {
		l.payments = append(l.payments, repository.Payment{
			ID:             s.newID(),
			ExpenseID:      e.ID,
			Amount:         in.AmountReceived,
			PaymentDate:    in.ExpenseDate,
			PaymentLocalID: in.PaymentLocalID,
		})
		e.ReceivedAmount = in.AmountReceived
	}
	settle(&e, in.PaymentStatus)
	l.expenses = append(l.expenses, e)
	s.reply(c, http.StatusCreated, gin.H{"message": "Expense added", "expense": e})
}

func (s *Server) editExpense(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var in expenseInput
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.ledger(c)
	i := l.expense(id)
	if i < 0 {
		fail(c, http.StatusNotFound, "Expense not found")
		return
	}
	e := l.expenses[i]
	if !s.fillExpense(l, &e, in) {
		fail(c, http.StatusBadRequest, "Clinic not found")
		return
	}
	settle(&e, in.PaymentStatus)
	l.expenses[i] = e
	s.reply(c, http.StatusOK, gin.H{"message": "Expense updated", "expense": e})
}

func (s *Server) deleteExpense(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.ledger(c)
	i := l.expense(id)
	if i < 0 {
		fail(c, http.StatusNotFound, "Expense not found")
		return
	}
	l.expenses = append(l.expenses[:i], l.expenses[i+1:]...)
	kept := l.payments[:0]
	for _, p := range l.payments {
		if p.ExpenseID != id {
			kept = append(kept, p)
		}
	}
	l.payments = kept
	s.reply(c, http.StatusOK, gin.H{"message": "Expense deleted"})
}

func (s *Server) addPayment(c *gin.Context) {
	var in paymentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.ledger(c)
	i := l.expense(in.ExpenseID)
	if i < 0 {
		i = l.expenseByCorrelation(in.PaymentLocalID)
	}
	if i < 0 {
		fail(c, http.StatusNotFound, "Expense not found")
		return
	}
	e := &l.expenses[i]
	date := in.PaymentDate
	if date == "" {
		date = s.now().UTC().Format("2006-01-02")
	}
	p := repository.Payment{ID: s.newID(), ExpenseID: e.ID, Amount: in.Amount, PaymentDate: date, PaymentLocalID: in.PaymentLocalID}
	l.payments = append(l.payments, p)
	e.ReceivedAmount += in.Amount
	settle(e, "")
	s.reply(c, http.StatusCreated, gin.H{"message": "Payment added", "payment": p, "expense": *e})
}

func (s *Server) paymentList(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.ledger(c)
	out := []repository.Payment{}
	filter, _ := repository.ParseID(c.Query("expense_id"))
	for _, p := range l.payments {
		if filter == 0 || p.ExpenseID == filter {
			out = append(out, p)
		}
	}
	c.JSON(http.StatusOK, gin.H{"payments": out})
}

func (s *Server) report(c *gin.Context) {
	f, err := calc.ParseFilter(c.Request.URL.Query())
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	s.mu.Lock()
	defer s.mu.Unlock()
	c.JSON(http.StatusOK, calc.BuildReport(s.ledger(c).expenses, f, page, limit))
}

func (s *Server) hospitalReport(c *gin.Context) {
	f, err := calc.ParseFilter(c.Request.URL.Query())
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	groups := calc.ByClinic(f.Apply(s.ledger(c).expenses))
	c.JSON(http.StatusOK, gin.H{"hospitals": groups, "totals": calc.Summarize(f.Apply(s.ledger(c).expenses))})
}

// fullDataLoad sends expenses with a nested clinic instead of clinic_name, like the
// production endpoint's eager-loaded rows.
func (s *Server) fullDataLoad(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.ledger(c)
	expenses := make([]repository.Expense, 0, len(l.expenses))
	for _, e := range l.expenses {
		e.Clinic = &repository.ClinicName{ID: e.ClinicID, Name: e.ClinicName}
		e.ClinicName = ""
		expenses = append(expenses, e)
	}
	c.JSON(http.StatusOK, gin.H{
		"clinics":          l.clinics,
		"expenses":         expenses,
		"payments":         l.payments,
		"clinicIdNameList": l.names(),
	})
}
