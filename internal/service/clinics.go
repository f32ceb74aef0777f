package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/jask/clinicbook/internal/database/repository"
	"github.com/jask/clinicbook/internal/gateway"
	"github.com/jask/clinicbook/internal/session"
)

// base is shared by the typed services.
type base struct {
	gw      *gateway.Gateway
	session *session.Session
}

func (b base) guard() error {
	if b.session != nil && !b.session.LoggedIn() {
		return ErrNotLoggedIn
	}
	return nil
}

// call runs req through the gateway and turns non-2xx answers into errors.
func (b base) call(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	resp, err := b.gw.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

func (b base) read(ctx context.Context, u string, store repository.StoreName) (*gateway.Response, error) {
	return b.call(ctx, gateway.Request{
		Method: http.MethodGet,
		URL:    u,
		Intent: &gateway.CacheIntent{Store: store, Method: http.MethodGet},
	})
}

// write sends body and records snapshot as the optimistic cache image.
func (b base) write(ctx context.Context, method, u string, store repository.StoreName, body, snapshot any) (*gateway.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, err
		}
	}
	var data json.RawMessage
	if snapshot != nil {
		var err error
		if data, err = json.Marshal(snapshot); err != nil {
			return nil, err
		}
	}
	return b.call(ctx, gateway.Request{
		Method: method,
		URL:    u,
		Body:   payload,
		Intent: &gateway.CacheIntent{Store: store, Method: method, Data: data},
	})
}

// ClinicInput is the editable part of a clinic.
type ClinicInput struct {
	Name           string `json:"name" validate:"required,max=200"`
	Address        string `json:"address,omitempty"`
	AdminName      string `json:"admin_name,omitempty"`
	ContactNo      string `json:"contact_no,omitempty" validate:"omitempty,max=20"`
	AdditionalInfo string `json:"additional_info,omitempty"`
}

func (in ClinicInput) clinic(id repository.ID) repository.Clinic {
	return repository.Clinic{
		ID:             id,
		Name:           in.Name,
		Address:        in.Address,
		AdminName:      in.AdminName,
		ContactNo:      in.ContactNo,
		AdditionalInfo: in.AdditionalInfo,
	}
}

type ClinicService struct{ base }

func NewClinicService(gw *gateway.Gateway, sess *session.Session) *ClinicService {
	return &ClinicService{base{gw: gw, session: sess}}
}

func (s *ClinicService) List(ctx context.Context) (Result[[]repository.Clinic], error) {
	resp, err := s.read(ctx, "/doctor/getClinicList", repository.StoreClinics)
	if err != nil {
		return Result[[]repository.Clinic]{}, err
	}
	items, err := decodeItems[repository.Clinic](repository.StoreClinics, resp)
	return Result[[]repository.Clinic]{Item: items, Offline: resp.Offline}, err
}

// Names returns the {id, name} index used by expense forms.
func (s *ClinicService) Names(ctx context.Context) (Result[[]repository.ClinicName], error) {
	resp, err := s.read(ctx, "/doctor/getAllClinicNames", repository.StoreClinicNames)
	if err != nil {
		return Result[[]repository.ClinicName]{}, err
	}
	items, err := decodeItems[repository.ClinicName](repository.StoreClinicNames, resp)
	return Result[[]repository.ClinicName]{Item: items, Offline: resp.Offline}, err
}

func (s *ClinicService) Get(ctx context.Context, id repository.ID) (Result[repository.Clinic], error) {
	q := url.Values{"id": {id.String()}}
	resp, err := s.read(ctx, "/doctor/getClinicList?"+q.Encode(), repository.StoreClinics)
	if err != nil {
		return Result[repository.Clinic]{}, err
	}
	items, err := decodeItems[repository.Clinic](repository.StoreClinics, resp)
	if err != nil {
		return Result[repository.Clinic]{}, err
	}
	for _, c := range items {
		if c.ID == id {
			return Result[repository.Clinic]{Item: c, Offline: resp.Offline}, nil
		}
	}
	return Result[repository.Clinic]{}, fmt.Errorf("clinic %s: %w", id, repository.ErrNotFound)
}

func (s *ClinicService) Add(ctx context.Context, in ClinicInput) (Result[repository.Clinic], error) {
	if err := check(in); err != nil {
		return Result[repository.Clinic]{}, err
	}
	resp, err := s.write(ctx, http.MethodPost, "/doctor/clinic", repository.StoreClinics, in, in.clinic(0))
	if err != nil {
		return Result[repository.Clinic]{}, err
	}
	c, err := decodeOne[repository.Clinic](repository.StoreClinics, resp)
	return Result[repository.Clinic]{Item: c, Offline: resp.Offline, Seq: seqOf(resp)}, err
}

func (s *ClinicService) Edit(ctx context.Context, id repository.ID, in ClinicInput) (Result[repository.Clinic], error) {
	if err := check(in); err != nil {
		return Result[repository.Clinic]{}, err
	}
	u := "/doctor/clinic/" + id.String()
	resp, err := s.write(ctx, http.MethodPut, u, repository.StoreClinics, in, in.clinic(id))
	if err != nil {
		return Result[repository.Clinic]{}, err
	}
	c, err := decodeOne[repository.Clinic](repository.StoreClinics, resp)
	return Result[repository.Clinic]{Item: c, Offline: resp.Offline, Seq: seqOf(resp)}, err
}

func (s *ClinicService) Delete(ctx context.Context, id repository.ID) (Result[repository.ID], error) {
	u := "/doctor/clinic/" + id.String()
	resp, err := s.write(ctx, http.MethodDelete, u, repository.StoreClinics, nil, repository.ClinicName{ID: id})
	if err != nil {
		return Result[repository.ID]{}, err
	}
	return Result[repository.ID]{Item: id, Offline: resp.Offline, Seq: seqOf(resp)}, nil
}
