package repository

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// ID is an integer-like entity identifier. Servers send it as a number or a numeric string.
type ID int64

func (id *ID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*id = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || f != math.Trunc(f) {
			return fmt.Errorf("repository: invalid id %s", b)
		}
		n = int64(f)
	}
	*id = ID(n)
	return nil
}

func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParseID parses a decimal identifier, e.g. a URL path segment.
func ParseID(s string) (ID, error) {
	var id ID
	err := id.UnmarshalJSON([]byte(s))
	return id, err
}

// Temporary ids are microsecond timestamps; server-assigned ids stay far below this floor.
const localIDFloor ID = 1_000_000_000_000_000

var lastLocalID atomic.Int64

// NewLocalID returns a strictly increasing temporary identifier for records created offline.
func NewLocalID() ID {
	for {
		prev := lastLocalID.Load()
		now := time.Now().UnixMicro()
		if now <= prev {
			now = prev + 1
		}
		if lastLocalID.CompareAndSwap(prev, now) {
			return ID(now)
		}
	}
}

// IsLocalID reports whether id was minted by NewLocalID rather than the server.
func IsLocalID(id ID) bool { return id >= localIDFloor }

// Amount is a money value. DECIMAL columns arrive as strings, computed ones as numbers.
type Amount float64

func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*a = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("repository: invalid amount %s", b)
	}
	*a = Amount(f)
	return nil
}

// Flag is a boolean that also accepts the "yes"/"no" strings the expense forms post.
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	switch strings.ToLower(strings.Trim(strings.TrimSpace(string(b)), `"`)) {
	case "true", "yes", "1":
		*f = true
	case "false", "no", "0", "", "null":
		*f = false
	default:
		return fmt.Errorf("repository: invalid flag %s", b)
	}
	return nil
}

// Clinic represents a clinic owned by the signed-in doctor.
type Clinic struct {
	ID             ID     `json:"id"`
	Name           string `json:"name"`
	Address        string `json:"address,omitempty"`
	AdminName      string `json:"admin_name,omitempty"`
	ContactNo      string `json:"contact_no,omitempty"`
	AdditionalInfo string `json:"additional_info,omitempty"`
	CreatedAt      string `json:"createdAt,omitempty"`
}

func (c Clinic) Key() ID { return c.ID }

// ClinicName is the lightweight {id, name} projection of a clinic.
type ClinicName struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
}

func (c ClinicName) Key() ID { return c.ID }

// Expense represents a billed procedure at a clinic.
type Expense struct {
	ID             ID          `json:"id"`
	ClinicID       ID          `json:"clinic_id"`
	ClinicName     string      `json:"clinic_name"`
	Clinic         *ClinicName `json:"clinic,omitempty"`
	Notes          string      `json:"notes,omitempty"`
	ExpenseDate    string      `json:"expense_date"`
	Category       string      `json:"category"`
	BilledAmount   Amount      `json:"billed_amount"`
	TDSDeducted    Flag        `json:"tds_deducted"`
	TDSAmount      Amount      `json:"tds_amount"`
	TotalBilled    Amount      `json:"total_billed"`
	ReceivedAmount Amount      `json:"received_amount"`
	PendingAmount  Amount      `json:"pending_amount"`
	PaymentStatus  string      `json:"payment_status,omitempty"`
	PaymentMode    string      `json:"payment_mode,omitempty"`
	PaymentLocalID ID          `json:"payment_local_id,omitempty"`
}

func (e Expense) Key() ID { return e.ID }

// Date returns the calendar day of the expense; servers sometimes send full timestamps.
func (e Expense) Date() string {
	if len(e.ExpenseDate) > 10 {
		return e.ExpenseDate[:10]
	}
	return e.ExpenseDate
}

// Payment is one entry of an expense's append-only receipt history.
type Payment struct {
	ID             ID     `json:"id"`
	ExpenseID      ID     `json:"expense_id"`
	Amount         Amount `json:"amount"`
	PaymentDate    string `json:"payment_date"`
	PaymentLocalID ID     `json:"payment_local_id,omitempty"`
}

func (p Payment) Key() ID { return p.ID }

// QueuedMutation is a write recorded while offline, replayed in Seq order.
type QueuedMutation struct {
	Seq             int64             `json:"seq"`
	URL             string            `json:"url"`
	HTTPMethod      string            `json:"http_method"`
	Header          map[string]string `json:"header,omitempty"`
	Body            []byte            `json:"body,omitempty"`
	TargetStore     StoreName         `json:"target_store"`
	TargetMethod    string            `json:"target_method"`
	PayloadSnapshot json.RawMessage   `json:"payload_snapshot,omitempty"`
	LocalID         ID                `json:"local_id,omitempty"`
	IdempotencyKey  string            `json:"idempotency_key"`
	EnqueuedAt      time.Time         `json:"enqueued_at"`
}
