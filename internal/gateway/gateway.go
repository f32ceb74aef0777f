// Package gateway is the single call site deciding between a live request and the local
// cache, and the only place writes get queued.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jask/clinicbook/internal/database/repository"
	"github.com/jask/clinicbook/internal/metrics"
	"github.com/jask/clinicbook/internal/netmon"
	"github.com/jask/clinicbook/internal/session"
)

// CacheIntent names the local store a call affects. Data is the entity snapshot for writes.
type CacheIntent struct {
	Store  repository.StoreName
	Method string
	Data   json.RawMessage
}

// Request describes one API call. URL is relative to the base URL unless absolute.
type Request struct {
	Method string
	URL    string
	Header map[string]string
	Body   []byte
	Intent *CacheIntent
}

// Response is either the server's answer or one synthesized from the local store.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Offline is set on responses served from the local store, including deferred writes.
	Offline bool
}

func (r *Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// Err returns a *ServerError for non-2xx responses.
func (r *Response) Err() error {
	if r.OK() {
		return nil
	}
	return serverError(r.StatusCode, r.Body)
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// Options wires a Gateway.
type Options struct {
	BaseURL  string
	Client   *http.Client
	Monitor  *netmon.Monitor
	Session  *session.Session
	Store    *repository.LocalStore
	DeviceID string
	// Redirect is called once per session after an authentication failure.
	Redirect func()
	Metrics  *metrics.Sync
	Log      *zap.Logger
}

// Gateway routes calls by connectivity. Mutations and replay drains are serialized
// through its write lock.
type Gateway struct {
	baseURL  string
	client   *http.Client
	monitor  *netmon.Monitor
	session  *session.Session
	store    *repository.LocalStore
	queue    *repository.QueueRepo
	deviceID string
	redirect func()
	metrics  *metrics.Sync
	log      *zap.Logger

	writeMu sync.Mutex

	hookMu     sync.RWMutex
	onMutation func()
	onBacklog  func(ctx context.Context) error
}

func New(opts Options) *Gateway {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	redirect := opts.Redirect
	if redirect == nil {
		redirect = func() {}
	}
	return &Gateway{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		client:   client,
		monitor:  opts.Monitor,
		session:  opts.Session,
		store:    opts.Store,
		queue:    repository.NewQueueRepo(opts.Store),
		deviceID: opts.DeviceID,
		redirect: redirect,
		metrics:  opts.Metrics,
		log:      log.Named("gateway"),
	}
}

// OnMutation registers fn to run after every successful online mutation. fn must not block.
func (g *Gateway) OnMutation(fn func()) {
	g.hookMu.Lock()
	g.onMutation = fn
	g.hookMu.Unlock()
}

// OnBacklog registers fn to replay queued writes before a live write goes out. fn takes the
// write lock itself.
func (g *Gateway) OnBacklog(fn func(ctx context.Context) error) {
	g.hookMu.Lock()
	g.onBacklog = fn
	g.hookMu.Unlock()
}

func (g *Gateway) Store() *repository.LocalStore { return g.store }

func (g *Gateway) Queue() *repository.QueueRepo { return g.queue }

func (g *Gateway) Online() bool { return g.monitor.Online() }

// Exclusive runs fn while holding the write lock, keeping user writes out of a replay drain
// or a snapshot swap.
func (g *Gateway) Exclusive(fn func() error) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return fn()
}

func isWrite(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// Do performs req live when online, or against the local store when offline.
func (g *Gateway) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	write := isWrite(req.Method)
	if write {
		if g.monitor.Online() {
			g.flushBacklog(ctx)
		}
		g.writeMu.Lock()
		defer g.writeMu.Unlock()
	}

	if !g.monitor.Online() {
		g.metrics.Request("offline", req.Method)
		if write {
			return g.deferWrite(ctx, req)
		}
		return g.readLocal(ctx, req)
	}
	if write {
		n, err := g.queue.Len(ctx)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			// sending now would let this write overtake older ones still waiting
			g.metrics.Request("behind_queue", req.Method)
			g.log.Info("older writes still queued, queueing behind them", zap.Int("queued", n))
			return g.deferWrite(ctx, req)
		}
	}

	g.metrics.Request("live", req.Method)
	resp, err := g.Send(ctx, req)
	if err != nil {
		return resp, err
	}
	if !resp.OK() {
		return resp, nil
	}
	if req.Intent != nil && req.Intent.Method == http.MethodGet && req.Intent.Store != "" {
		if err := g.warm(ctx, req.Intent.Store, resp.Body); err != nil {
			g.log.Warn("cache warm failed", zap.String("store", string(req.Intent.Store)), zap.Error(err))
		}
	}
	if write {
		g.hookMu.RLock()
		hook := g.onMutation
		g.hookMu.RUnlock()
		if hook != nil {
			hook()
		}
	}
	return resp, nil
}

func (g *Gateway) flushBacklog(ctx context.Context) {
	g.hookMu.RLock()
	drain := g.onBacklog
	g.hookMu.RUnlock()
	if drain == nil {
		return
	}
	n, err := g.queue.Len(ctx)
	if err != nil || n == 0 {
		return
	}
	if err := drain(ctx); err != nil {
		g.log.Warn("replay before live write failed", zap.Int("queued", n), zap.Error(err))
	}
}

func exempt(url string) bool {
	return strings.Contains(url, "/auth/doctor/signin") || strings.Contains(url, "/auth/doctor/register")
}

// Send issues req against the server with the session's bearer credential. It neither
// consults the monitor nor touches the cache, except for tearing everything down when the
// server rejects the session.
func (g *Gateway) Send(ctx context.Context, req Request) (*Response, error) {
	url := req.URL
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = g.baseURL + "/" + strings.TrimLeft(url, "/")
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if len(req.Body) > 0 {
		hreq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Header {
		hreq.Header.Set(k, v)
	}

	var gen uint64
	if g.session != nil {
		var st session.State
		st, gen = g.session.Snapshot()
		if st.Token != "" && hreq.Header.Get("Authorization") == "" {
			hreq.Header.Set("Authorization", "Bearer "+st.Token)
		}
	}

	hresp, err := g.client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %w", method, req.URL, ErrTransport, err)
	}
	defer hresp.Body.Close()
	data, err := io.ReadAll(hresp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w: %w", method, req.URL, ErrTransport, err)
	}
	resp := &Response{StatusCode: hresp.StatusCode, Header: hresp.Header, Body: data}

	if (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) && !exempt(url) {
		g.expire(ctx, gen)
		return resp, fmt.Errorf("%s %s: %w", method, req.URL, ErrUnauthorized)
	}
	return resp, nil
}

// expire tears the session down and clears every store. Only the first caller for a given
// session generation redirects.
func (g *Gateway) expire(ctx context.Context, gen uint64) {
	if g.session == nil {
		return
	}
	ended, err := g.session.Expire(gen)
	if err != nil {
		g.log.Error("session teardown failed", zap.Error(err))
	}
	if !ended {
		return
	}
	g.metrics.AuthExpired()
	g.log.Warn("session rejected by server, clearing local state")
	if err := g.store.ClearAll(context.WithoutCancel(ctx)); err != nil {
		g.log.Error("clear local store failed", zap.Error(err))
	}
	g.redirect()
}

func (g *Gateway) warm(ctx context.Context, store repository.StoreName, body []byte) error {
	items, err := Normalize(store, body)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	var names map[repository.ID]string
	if store == repository.StoreExpenses {
		if names, err = g.store.LoadClinicNames(ctx); err != nil {
			return err
		}
	}
	for _, item := range items {
		rec, err := Canonical(store, item, names)
		if err != nil {
			g.log.Debug("skip uncacheable item", zap.String("store", string(store)), zap.Error(err))
			continue
		}
		if err := g.store.Put(ctx, store, rec); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) readLocal(ctx context.Context, req Request) (*Response, error) {
	if req.Intent == nil || req.Intent.Store == "" {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, ErrOffline)
	}
	recs, err := g.store.GetAll(ctx, req.Intent.Store)
	if err != nil {
		return nil, err
	}
	items := make([]json.RawMessage, 0, len(recs))
	for _, r := range recs {
		items = append(items, r.Body)
	}
	body, err := json.Marshal(map[string]any{string(req.Intent.Store): items})
	if err != nil {
		return nil, err
	}
	return synthesized(body), nil
}

func (g *Gateway) deferWrite(ctx context.Context, req Request) (*Response, error) {
	m := repository.QueuedMutation{
		URL:            req.URL,
		HTTPMethod:     req.Method,
		Header:         req.Header,
		Body:           req.Body,
		IdempotencyKey: g.idempotencyKey(),
	}
	if in := req.Intent; in != nil {
		m.TargetStore = in.Store
		m.TargetMethod = in.Method
		m.PayloadSnapshot = in.Data
		if len(m.PayloadSnapshot) == 0 && len(req.Body) > 0 {
			m.PayloadSnapshot = json.RawMessage(req.Body)
		}
		if req.Method == http.MethodPost && in.Store != "" && snapshotID(m.PayloadSnapshot) == 0 {
			m.LocalID = repository.NewLocalID()
			snap, err := withID(m.PayloadSnapshot, m.LocalID)
			if err != nil {
				return nil, err
			}
			m.PayloadSnapshot = snap
		}
	}

	queued, err := g.queue.Enqueue(ctx, m)
	if err != nil {
		return nil, err
	}
	g.metrics.Queued()
	if n, err := g.queue.Len(ctx); err == nil {
		g.metrics.QueueDepth(n)
	}
	if err := ApplySnapshot(ctx, g.store, queued); err != nil {
		g.log.Warn("optimistic apply failed", zap.Int64("seq", queued.Seq), zap.Error(err))
	}
	g.log.Info("write queued",
		zap.Int64("seq", queued.Seq),
		zap.String("method", queued.HTTPMethod),
		zap.String("url", queued.URL))

	payload := map[string]any{"offline": true, "seq": queued.Seq}
	if queued.TargetStore != "" && len(queued.PayloadSnapshot) > 0 {
		payload[Entity(queued.TargetStore)] = queued.PayloadSnapshot
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return synthesized(body), nil
}

func (g *Gateway) idempotencyKey() string {
	if g.deviceID == "" {
		return uuid.NewString()
	}
	return g.deviceID + "-" + uuid.NewString()
}

func synthesized(body []byte) *Response {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &Response{StatusCode: http.StatusOK, Header: h, Body: body, Offline: true}
}
