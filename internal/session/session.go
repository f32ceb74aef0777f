// Package session holds the signed-in doctor's bearer credential. It is passed explicitly to
// the gateway; nothing else reads credentials from ambient state.
package session

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// State is the persisted part of a session.
type State struct {
	Token    string `json:"token"`
	LoggedIn bool   `json:"logged_in"`
	DoctorID string `json:"doctor_id,omitempty"`
	Email    string `json:"email,omitempty"`
}

// Session is safe for concurrent use. Each Init starts a new generation so a stale
// authentication failure cannot tear down a newer sign-in.
type Session struct {
	mu    sync.Mutex
	path  string
	state State
	gen   uint64
}

// Open loads the session persisted at path. An empty path keeps the session in memory only.
func Open(path string) (*Session, error) {
	s := &Session{path: path}
	if path == "" {
		return s, nil
	}
	st, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	s.state = st
	if st.LoggedIn {
		s.gen = 1
	}
	return s, nil
}

// Init starts a session for token. The doctor id is read from the token's claims when it is a
// JWT; the signature is the server's concern.
func (s *Session) Init(token, email string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("session: empty token")
	}
	st := State{Token: token, LoggedIn: true, Email: email, DoctorID: doctorID(token)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persist(st); err != nil {
		return err
	}
	s.state = st
	s.gen++
	return nil
}

// Teardown ends the current session unconditionally. It reports whether one was active.
func (s *Session) Teardown() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.teardownLocked()
}

// Expire ends the session only if gen is still current. Of several concurrent callers
// holding the same generation exactly one observes true.
func (s *Session) Expire(gen uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || !s.state.LoggedIn {
		return false, nil
	}
	return s.teardownLocked()
}

func (s *Session) teardownLocked() (bool, error) {
	was := s.state.LoggedIn
	s.state = State{}
	if s.path != "" {
		if err := remove(s.path); err != nil {
			return was, err
		}
	}
	return was, nil
}

// Snapshot returns the current state together with its generation.
func (s *Session) Snapshot() (State, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.gen
}

func (s *Session) Token() string {
	st, _ := s.Snapshot()
	return st.Token
}

// LoggedIn requires both the flag and a token.
func (s *Session) LoggedIn() bool {
	st, _ := s.Snapshot()
	return st.LoggedIn && st.Token != ""
}

func (s *Session) persist(st State) error {
	if s.path == "" {
		return nil
	}
	return save(s.path, st)
}

func doctorID(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	for _, k := range []string{"id", "doctor_id", "sub"} {
		switch v := claims[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatInt(int64(v), 10)
		}
	}
	return ""
}
