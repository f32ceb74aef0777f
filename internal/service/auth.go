package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/jask/clinicbook/internal/database/repository"
	"github.com/jask/clinicbook/internal/gateway"
	"github.com/jask/clinicbook/internal/session"
)

type Credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type Registration struct {
	Name     string `json:"name" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
	Phone    string `json:"phone,omitempty" validate:"omitempty,max=20"`
}

// Doctor is the account returned by sign-in and registration.
type Doctor struct {
	ID    repository.ID `json:"id"`
	Name  string        `json:"name"`
	Email string        `json:"email"`
}

// AuthService signs doctors in and out. Sign-in needs connectivity; logout works offline.
type AuthService struct {
	gw      *gateway.Gateway
	session *session.Session
	resync  *Resyncer
	log     *zap.Logger
}

func NewAuthService(gw *gateway.Gateway, sess *session.Session, resync *Resyncer, log *zap.Logger) *AuthService {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthService{gw: gw, session: sess, resync: resync, log: log.Named("auth")}
}

func (s *AuthService) post(ctx context.Context, u string, in any) (*gateway.Response, error) {
	if !s.gw.Online() {
		return nil, fmt.Errorf("%s: %w", u, gateway.ErrOffline)
	}
	body, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	resp, err := s.gw.Send(ctx, gateway.Request{Method: http.MethodPost, URL: u, Body: body})
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

// SignIn starts a session and loads the doctor's data. A failed initial load is logged; the
// scheduler retries it.
func (s *AuthService) SignIn(ctx context.Context, in Credentials) (Doctor, error) {
	if err := check(in); err != nil {
		return Doctor{}, err
	}
	resp, err := s.post(ctx, "/auth/doctor/signin", in)
	if err != nil {
		return Doctor{}, err
	}
	var out struct {
		Token  string `json:"token"`
		Doctor Doctor `json:"doctor"`
	}
	if err := resp.Decode(&out); err != nil {
		return Doctor{}, fmt.Errorf("decode sign-in: %w", err)
	}
	if err := s.session.Init(out.Token, in.Email); err != nil {
		return Doctor{}, err
	}
	s.log.Info("signed in", zap.String("email", in.Email))
	if s.resync != nil {
		if _, err := s.resync.FullDataLoad(ctx, ResyncOptions{}); err != nil {
			s.log.Warn("initial data load failed", zap.Error(err))
		}
	}
	return out.Doctor, nil
}

func (s *AuthService) Register(ctx context.Context, in Registration) (Doctor, error) {
	if err := check(in); err != nil {
		return Doctor{}, err
	}
	resp, err := s.post(ctx, "/auth/doctor/register", in)
	if err != nil {
		return Doctor{}, err
	}
	var out struct {
		Doctor Doctor `json:"doctor"`
	}
	if err := resp.Decode(&out); err != nil {
		return Doctor{}, fmt.Errorf("decode registration: %w", err)
	}
	return out.Doctor, nil
}

// Logout ends the session and clears every store. Queued offline writes would be lost, so
// it refuses while any are pending unless force is set.
func (s *AuthService) Logout(ctx context.Context, force bool) error {
	n, err := s.gw.Queue().Len(ctx)
	if err != nil {
		return err
	}
	if n > 0 && !force {
		return fmt.Errorf("%w: %d queued", ErrPendingWrites, n)
	}
	if s.session.LoggedIn() && s.gw.Online() {
		resp, err := s.gw.Send(ctx, gateway.Request{Method: http.MethodPost, URL: "/auth/doctor/logout"})
		switch {
		case err != nil && !errors.Is(err, gateway.ErrUnauthorized):
			s.log.Warn("server logout failed", zap.Error(err))
		case err == nil && !resp.OK():
			s.log.Warn("server logout rejected", zap.Error(resp.Err()))
		}
	}
	// under the write lock so an in-flight resync cannot reinstall the snapshot afterwards
	return s.gw.Exclusive(func() error {
		if _, err := s.session.Teardown(); err != nil {
			return err
		}
		return s.gw.Store().ClearAll(ctx)
	})
}
