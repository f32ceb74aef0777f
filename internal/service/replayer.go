package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/jask/clinicbook/internal/database/repository"
	"github.com/jask/clinicbook/internal/gateway"
	"github.com/jask/clinicbook/internal/metrics"
)

// ResolutionTable maps ids minted offline to the ids the server assigned during one replay
// pass. Correlation ids (payment_local_id) map to the server id of the expense that carried them.
type ResolutionTable struct {
	byLocal       map[repository.ID]repository.ID
	byCorrelation map[repository.ID]repository.ID
}

func NewResolutionTable() *ResolutionTable {
	return &ResolutionTable{
		byLocal:       map[repository.ID]repository.ID{},
		byCorrelation: map[repository.ID]repository.ID{},
	}
}

func (t *ResolutionTable) Record(local, server repository.ID) {
	if local != 0 && server != 0 {
		t.byLocal[local] = server
	}
}

func (t *ResolutionTable) Correlate(corr, server repository.ID) {
	if corr != 0 && server != 0 {
		t.byCorrelation[corr] = server
	}
}

// Lookup returns the server id for a temporary id.
func (t *ResolutionTable) Lookup(local repository.ID) (repository.ID, bool) {
	id, ok := t.byLocal[local]
	return id, ok
}

func (t *ResolutionTable) Len() int { return len(t.byLocal) + len(t.byCorrelation) }

// Apply substitutes resolved ids in m's URL path, body and snapshot. changed reports whether
// anything was rewritten.
func (t *ResolutionTable) Apply(m repository.QueuedMutation) (out repository.QueuedMutation, changed bool, err error) {
	out = m
	if t.Len() == 0 {
		return out, false, nil
	}
	url, c1 := t.rewriteURL(m.URL)
	body, c2, err := t.rewriteJSON(m.Body)
	if err != nil {
		return m, false, fmt.Errorf("rewrite body of #%d: %w", m.Seq, err)
	}
	snap, c3, err := t.rewriteJSON(m.PayloadSnapshot)
	if err != nil {
		return m, false, fmt.Errorf("rewrite snapshot of #%d: %w", m.Seq, err)
	}
	out.URL, out.Body, out.PayloadSnapshot = url, body, snap
	return out, c1 || c2 || c3, nil
}

func (t *ResolutionTable) rewriteURL(u string) (string, bool) {
	path, rest := u, ""
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		path, rest = u[:i], u[i:]
	}
	segs := strings.Split(path, "/")
	changed := false
	for i, seg := range segs {
		id, err := repository.ParseID(seg)
		if err != nil || !repository.IsLocalID(id) {
			continue
		}
		if server, ok := t.byLocal[id]; ok {
			segs[i] = server.String()
			changed = true
		}
	}
	if !changed {
		return u, false
	}
	return strings.Join(segs, "/") + rest, true
}

func (t *ResolutionTable) rewriteJSON(raw []byte) ([]byte, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return raw, false, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return raw, false, err
	}
	if !t.rewriteObject(obj) {
		return raw, false, nil
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return raw, false, err
	}
	return b, true, nil
}

func idField(key string) bool {
	return (key == "id" || strings.HasSuffix(key, "_id")) && key != "payment_local_id"
}

func asID(v any) (repository.ID, bool) {
	switch x := v.(type) {
	case json.Number:
		id, err := repository.ParseID(x.String())
		return id, err == nil
	case string:
		id, err := repository.ParseID(x)
		return id, err == nil
	case float64:
		return repository.ID(x), true
	}
	return 0, false
}

func (t *ResolutionTable) rewriteObject(obj map[string]any) bool {
	changed := false
	for k, v := range obj {
		if nested, ok := v.(map[string]any); ok {
			if t.rewriteObject(nested) {
				changed = true
			}
			continue
		}
		if !idField(k) {
			continue
		}
		id, ok := asID(v)
		if !ok || !repository.IsLocalID(id) {
			continue
		}
		if server, ok := t.byLocal[id]; ok {
			obj[k] = int64(server)
			changed = true
		}
	}
	// A payment against an expense created in an earlier batch can still be matched by the
	// correlation id the expense was created with.
	if v, ok := obj["expense_id"]; ok {
		if id, ok := asID(v); ok && repository.IsLocalID(id) {
			if corr, ok := asID(obj["payment_local_id"]); ok {
				if server, ok := t.byCorrelation[corr]; ok {
					obj["expense_id"] = int64(server)
					changed = true
				}
			}
		}
	}
	return changed
}

// DrainResult summarizes one replay pass.
type DrainResult struct {
	Replayed  int
	Remaining int
	// HighWater is the seq of the last entry the server accepted in this pass.
	HighWater int64
	// Halted is the failure that stopped the pass, if any.
	Halted error
}

// Replayer drains the mutation queue in FIFO order once connectivity returns.
type Replayer struct {
	gw      *gateway.Gateway
	resync  *Resyncer
	metrics *metrics.Sync
	log     *zap.Logger
	running atomic.Bool
}

func NewReplayer(gw *gateway.Gateway, resync *Resyncer, m *metrics.Sync, log *zap.Logger) *Replayer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Replayer{gw: gw, resync: resync, metrics: m, log: log.Named("replayer")}
}

// Drain replays every queued mutation, stopping at the first failure, then runs a full
// resync. The failed entry and everything after it stay queued for the next pass.
func (r *Replayer) Drain(ctx context.Context) (DrainResult, error) {
	if !r.running.CompareAndSwap(false, true) {
		return DrainResult{}, ErrReplayInProgress
	}
	defer r.running.Store(false)

	var res DrainResult
	err := r.gw.Exclusive(func() error {
		var err error
		res, err = r.pass(ctx)
		return err
	})
	if err != nil {
		return res, err
	}
	if res.Replayed > 0 || res.Halted != nil {
		r.log.Info("replay pass finished",
			zap.Int("replayed", res.Replayed),
			zap.Int("remaining", res.Remaining),
			zap.Error(res.Halted))
	}
	if errors.Is(res.Halted, gateway.ErrUnauthorized) || errors.Is(res.Halted, gateway.ErrTransport) {
		return res, nil
	}
	if r.resync == nil {
		return res, nil
	}
	if _, err := r.resync.FullDataLoad(ctx, ResyncOptions{DrainedThrough: res.HighWater}); err != nil {
		return res, fmt.Errorf("resync after replay: %w", err)
	}
	return res, nil
}

func (r *Replayer) pass(ctx context.Context) (DrainResult, error) {
	queue := r.gw.Queue()
	pending, err := queue.Pending(ctx)
	if err != nil {
		return DrainResult{}, err
	}
	res := DrainResult{Remaining: len(pending)}
	table := NewResolutionTable()

	for i, queued := range pending {
		if err := ctx.Err(); err != nil {
			res.Halted = err
			if err := r.persist(context.WithoutCancel(ctx), table, pending[i:]); err != nil {
				return res, err
			}
			break
		}
		m, _, err := table.Apply(queued)
		if err != nil {
			return res, err
		}
		resp, err := r.send(ctx, m)
		if err == nil {
			err = resp.Err()
		}
		if err != nil {
			r.metrics.Replayed(false)
			res.Halted = fmt.Errorf("replay #%d %s %s: %w", m.Seq, m.HTTPMethod, m.URL, err)
			if errors.Is(err, gateway.ErrUnauthorized) {
				return res, nil
			}
			if err := r.persist(ctx, table, pending[i:]); err != nil {
				return res, err
			}
			break
		}
		if err := queue.Remove(ctx, m.Seq); err != nil {
			return res, err
		}
		r.metrics.Replayed(true)
		res.Replayed++
		res.Remaining--
		res.HighWater = m.Seq
		if err := r.resolve(ctx, table, m, resp); err != nil {
			r.log.Warn("could not resolve server id", zap.Int64("seq", m.Seq), zap.Error(err))
		}
	}
	r.metrics.QueueDepth(res.Remaining)
	return res, nil
}

func (r *Replayer) send(ctx context.Context, m repository.QueuedMutation) (*gateway.Response, error) {
	header := make(map[string]string, len(m.Header)+1)
	for k, v := range m.Header {
		header[k] = v
	}
	if m.IdempotencyKey != "" {
		header["Idempotency-Key"] = m.IdempotencyKey
	}
	return r.gw.Send(ctx, gateway.Request{Method: m.HTTPMethod, URL: m.URL, Header: header, Body: m.Body})
}

// persist writes substituted requests back so the next pass still knows the server ids this
// pass learned.
func (r *Replayer) persist(ctx context.Context, table *ResolutionTable, rest []repository.QueuedMutation) error {
	for _, queued := range rest {
		m, changed, err := table.Apply(queued)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		if err := r.gw.Queue().Rewrite(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// resolve records the server id of a replayed create and swaps the temporary cache record for
// the server's.
func (r *Replayer) resolve(ctx context.Context, table *ResolutionTable, m repository.QueuedMutation, resp *gateway.Response) error {
	if m.HTTPMethod != http.MethodPost || m.TargetStore == "" {
		return nil
	}
	raws, err := gateway.Normalize(m.TargetStore, resp.Body)
	if err != nil || len(raws) == 0 {
		return err
	}
	var created struct {
		ID             repository.ID `json:"id"`
		PaymentLocalID repository.ID `json:"payment_local_id"`
	}
	if err := json.Unmarshal(raws[0], &created); err != nil {
		return err
	}
	if created.ID == 0 {
		return nil
	}
	if m.TargetStore == repository.StoreExpenses {
		table.Correlate(created.PaymentLocalID, created.ID)
	}
	if m.LocalID == 0 {
		return nil
	}
	table.Record(m.LocalID, created.ID)

	store := r.gw.Store()
	if err := store.Delete(ctx, m.TargetStore, m.LocalID); err != nil {
		return err
	}
	if m.TargetStore == repository.StoreClinics {
		if err := store.Delete(ctx, repository.StoreClinicNames, m.LocalID); err != nil {
			return err
		}
	}
	names, err := store.LoadClinicNames(ctx)
	if err != nil {
		return err
	}
	rec, err := gateway.Canonical(m.TargetStore, raws[0], names)
	if err != nil {
		return err
	}
	if err := store.Put(ctx, m.TargetStore, rec); err != nil {
		return err
	}
	if m.TargetStore == repository.StoreClinics {
		var c repository.Clinic
		if err := json.Unmarshal(rec.Body, &c); err != nil {
			return err
		}
		return repository.NewClinicNameRepo(store).Put(ctx, repository.ClinicName{ID: c.ID, Name: c.Name})
	}
	return nil
}
