// Package fakeserver is an in-memory implementation of the doctor API used by tests and
// the devserver command. Aggregates are computed with package calc, the same code the
// client uses offline.
package fakeserver

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/jask/clinicbook/internal/database/repository"
)

type doctor struct {
	ID       repository.ID
	Name     string
	Email    string
	Password string
	Phone    string
}

// ledger is one doctor's data.
type ledger struct {
	clinics  []repository.Clinic
	expenses []repository.Expense
	payments []repository.Payment
}

type recorded struct {
	status int
	body   any
}

type fault struct {
	status int
	drop   bool
}

// Server holds all state behind a single mutex.
type Server struct {
	mu      sync.Mutex
	secret  []byte
	nextID  repository.ID
	doctors map[string]*doctor
	ledgers map[repository.ID]*ledger
	revoked map[string]bool
	replies map[string]recorded
	faults  map[string][]fault
	calls   map[string]int
	log     *zap.Logger
	now     func() time.Time
	engine  *gin.Engine
}

// New returns a server with no accounts.
func New(log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		secret:  []byte("clinicbook-dev-secret"),
		nextID:  1,
		doctors: map[string]*doctor{},
		ledgers: map[repository.ID]*ledger{},
		revoked: map[string]bool{},
		replies: map[string]recorded{},
		faults:  map[string][]fault{},
		calls:   map[string]int{},
		log:     log,
		now:     time.Now,
	}
	s.engine = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(s.recovery(), s.requestLog(), s.inject())

	r.HEAD("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	auth := r.Group("/auth/doctor")
	auth.POST("/register", s.register)
	auth.POST("/signin", s.signin)
	auth.POST("/logout", s.authenticate(), s.logout)

	d := r.Group("/doctor", s.authenticate(), s.idempotent())
	d.GET("/getAllClinicNames", s.clinicNames)
	d.GET("/getClinicList", s.clinicList)
	d.POST("/clinic", s.addClinic)
	d.PUT("/clinic/:id", s.editClinic)
	d.DELETE("/clinic/:id", s.deleteClinic)
	d.GET("/getExpenseList", s.expenseList)
	d.GET("/expense/:id", s.getExpense)
	d.POST("/expense", s.addExpense)
	d.PUT("/expense/:id", s.editExpense)
	d.DELETE("/expense/:id", s.deleteExpense)
	d.POST("/payment", s.addPayment)
	d.GET("/getPaymentList", s.paymentList)
	d.GET("/getReport", s.report)
	d.GET("/getHospitalReport", s.hospitalReport)
	d.GET("/fullDataLoad", s.fullDataLoad)
	return r
}

func key(method, path string) string { return method + " " + path }

// Calls reports how many requests reached method+path (the route pattern, e.g. /doctor/expense/:id).
func (s *Server) Calls(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key(method, path)]
}

// FailNext makes the next request to method+path answer with status.
func (s *Server) FailNext(method, path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(method, path)
	s.faults[k] = append(s.faults[k], fault{status: status})
}

// DropNext makes the next request to method+path lose its connection without a response.
func (s *Server) DropNext(method, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(method, path)
	s.faults[k] = append(s.faults[k], fault{drop: true})
}

// Revoke invalidates token; later calls with it get 403.
func (s *Server) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[token] = true
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			s.log.Error("HTTP Request", fields...)
		case status >= 400:
			s.log.Warn("HTTP Request", fields...)
		default:
			s.log.Debug("HTTP Request", fields...)
		}
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				s.log.Error("Panic recovered", zap.String("path", c.Request.URL.Path), zap.Any("error", err))
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// inject counts calls and applies queued faults.
func (s *Server) inject() gin.HandlerFunc {
	return func(c *gin.Context) {
		k := key(c.Request.Method, c.FullPath())
		s.mu.Lock()
		s.calls[k]++
		var f *fault
		if q := s.faults[k]; len(q) > 0 {
			f = &q[0]
			s.faults[k] = q[1:]
		}
		s.mu.Unlock()
		if f == nil {
			c.Next()
			return
		}
		if f.drop {
			if conn, _, err := c.Writer.Hijack(); err == nil {
				_ = conn.Close()
			}
			c.Abort()
			return
		}
		c.AbortWithStatusJSON(f.status, gin.H{"message": fmt.Sprintf("injected failure %d", f.status)})
	}
}

type claims struct {
	DoctorID repository.ID `json:"id"`
	Email    string        `json:"email"`
	jwt.RegisteredClaims
}

func (s *Server) issue(d *doctor) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		DoctorID: d.ID,
		Email:    d.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  d.ID.String(),
			IssuedAt: jwt.NewNumericDate(s.now()),
			// unique per sign-in so logout revokes only this token
			ID: fmt.Sprintf("%d-%d", d.ID, s.now().UnixNano()),
		},
	})
	return tok.SignedString(s.secret)
}

const ctxDoctor = "doctor_id"

func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "missing token"})
			return
		}
		var cl claims
		_, err := jwt.ParseWithClaims(raw, &cl, func(*jwt.Token) (any, error) { return s.secret, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		s.mu.Lock()
		revoked := s.revoked[raw]
		s.mu.Unlock()
		if err != nil || revoked {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": "invalid or expired token"})
			return
		}
		c.Set(ctxDoctor, cl.DoctorID)
		c.Set("token", raw)
		c.Next()
	}
}

// idempotent replays the recorded answer for a repeated Idempotency-Key.
func (s *Server) idempotent() gin.HandlerFunc {
	return func(c *gin.Context) {
		k := c.GetHeader("Idempotency-Key")
		if k == "" || c.Request.Method == http.MethodGet {
			c.Next()
			return
		}
		s.mu.Lock()
		rec, seen := s.replies[k]
		s.mu.Unlock()
		if seen {
			c.JSON(rec.status, rec.body)
			c.Abort()
			return
		}
		c.Set("idempotency_key", k)
		c.Next()
	}
}

// reply writes body and records it under the request's idempotency key. Callers hold s.mu.
func (s *Server) reply(c *gin.Context, status int, body any) {
	if k := c.GetString("idempotency_key"); k != "" && status < 300 {
		s.replies[k] = recorded{status: status, body: body}
	}
	c.JSON(status, body)
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"message": msg})
}

func (s *Server) ledger(c *gin.Context) *ledger {
	id := c.MustGet(ctxDoctor).(repository.ID)
	l, ok := s.ledgers[id]
	if !ok {
		l = &ledger{clinics: []repository.Clinic{}, expenses: []repository.Expense{}, payments: []repository.Payment{}}
		s.ledgers[id] = l
	}
	return l
}

func (s *Server) newID() repository.ID {
	id := s.nextID
	s.nextID++
	return id
}
