package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jask/clinicbook/internal/database/repository"
	"github.com/jask/clinicbook/internal/gateway"
	"github.com/jask/clinicbook/internal/metrics"
	"github.com/jask/clinicbook/internal/session"
)

const fullDataLoadURL = "/doctor/fullDataLoad"

// ResyncOptions tunes one full resync.
type ResyncOptions struct {
	// DrainedThrough is the highest queue seq the caller knows the server has applied.
	// Entries at or below it are dropped once the new snapshot is in place. Zero keeps the queue.
	DrainedThrough int64
}

// SyncStats describes the snapshot a resync installed.
type SyncStats struct {
	Clinics  int
	Expenses int
	Payments int
	Names    int
	// Pending is the number of queued writes re-applied over the snapshot.
	Pending int
	At      time.Time
}

// Resyncer replaces the cached collections with the server's authoritative snapshot.
// Concurrent calls share one request.
type Resyncer struct {
	gw        *gateway.Gateway
	session   *session.Session
	metrics   *metrics.Sync
	log       *zap.Logger
	group     singleflight.Group
	highWater atomic.Int64
	last      atomic.Pointer[SyncStats]
	// tickets order loads by when they fetched; installed is the newest one written
	tickets   atomic.Uint64
	installed atomic.Uint64
}

func NewResyncer(gw *gateway.Gateway, sess *session.Session, m *metrics.Sync, log *zap.Logger) *Resyncer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resyncer{gw: gw, session: sess, metrics: m, log: log.Named("resync")}
}

// Last returns the stats of the most recent successful resync, or nil.
func (r *Resyncer) Last() *SyncStats { return r.last.Load() }

// FullDataLoad fetches the snapshot and installs it. A failure leaves cache and queue untouched.
func (r *Resyncer) FullDataLoad(ctx context.Context, opts ResyncOptions) (SyncStats, error) {
	r.keepHighWater(opts.DrainedThrough)
	key := "full"
	if opts.DrainedThrough > 0 {
		// a load already in flight may have fetched its snapshot before the replay
		key = fmt.Sprintf("drained-%d", opts.DrainedThrough)
	}
	v, err, shared := r.group.Do(key, func() (any, error) {
		stats, err := r.load(ctx)
		r.metrics.Resync(err == nil)
		return stats, err
	})
	if shared {
		r.log.Debug("resync coalesced")
	}
	if err != nil {
		return SyncStats{}, err
	}
	return v.(SyncStats), nil
}

func (r *Resyncer) keepHighWater(hw int64) {
	for {
		cur := r.highWater.Load()
		if hw <= cur || r.highWater.CompareAndSwap(cur, hw) {
			return
		}
	}
}

type snapshotPayload struct {
	Clinics          json.RawMessage `json:"clinics"`
	Expenses         json.RawMessage `json:"expenses"`
	Payments         json.RawMessage `json:"payments"`
	ClinicIDNameList json.RawMessage `json:"clinicIdNameList"`
}

func (r *Resyncer) load(ctx context.Context) (SyncStats, error) {
	// The replayer removes entries as they succeed, so the mark only guards stragglers and is
	// consumed by whichever run reads it first.
	hw := r.highWater.Swap(0)
	if r.session != nil && !r.session.LoggedIn() {
		return SyncStats{}, ErrNotLoggedIn
	}
	if !r.gw.Online() {
		return SyncStats{}, gateway.ErrOffline
	}
	ticket := r.tickets.Add(1)
	resp, err := r.gw.Send(ctx, gateway.Request{Method: http.MethodGet, URL: fullDataLoadURL})
	if err != nil {
		return SyncStats{}, err
	}
	if err := resp.Err(); err != nil {
		return SyncStats{}, fmt.Errorf("full data load: %w", err)
	}

	batch, stats, err := parseSnapshot(resp.Body)
	if err != nil {
		return SyncStats{}, err
	}

	stale := false
	err = r.gw.Exclusive(func() error {
		if r.session != nil && !r.session.LoggedIn() {
			return ErrNotLoggedIn
		}
		if ticket < r.installed.Load() {
			stale = true
			return nil
		}
		store := r.gw.Store()
		if err := store.Replace(ctx, batch); err != nil {
			return err
		}
		queue := r.gw.Queue()
		if hw > 0 {
			if err := queue.ClearThrough(ctx, hw); err != nil {
				return err
			}
		}
		pending, err := queue.Pending(ctx)
		if err != nil {
			return err
		}
		for _, m := range pending {
			if err := gateway.ApplySnapshot(ctx, store, m); err != nil {
				r.log.Warn("re-apply queued write failed", zap.Int64("seq", m.Seq), zap.Error(err))
			}
		}
		stats.Pending = len(pending)
		r.metrics.QueueDepth(len(pending))
		r.installed.Store(ticket)
		return nil
	})
	if err != nil {
		return SyncStats{}, err
	}
	if stale {
		r.keepHighWater(hw)
		r.log.Debug("newer snapshot already installed, dropping this one")
		if last := r.last.Load(); last != nil {
			return *last, nil
		}
		return stats, nil
	}
	stats.At = time.Now().UTC()
	r.last.Store(&stats)
	r.log.Info("resync complete",
		zap.Int("clinics", stats.Clinics),
		zap.Int("expenses", stats.Expenses),
		zap.Int("payments", stats.Payments),
		zap.Int("pending", stats.Pending))
	return stats, nil
}

// parseSnapshot validates the whole payload before anything is written.
func parseSnapshot(body []byte) (map[repository.StoreName][]repository.Record, SyncStats, error) {
	var p snapshotPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, SyncStats{}, fmt.Errorf("%w: snapshot: %w", ErrValidation, err)
	}
	for name, raw := range map[string]json.RawMessage{"clinics": p.Clinics, "expenses": p.Expenses, "payments": p.Payments} {
		if !isArray(raw) {
			return nil, SyncStats{}, fmt.Errorf("%w: snapshot: %s is not a list", ErrValidation, name)
		}
	}

	var clinics []repository.Clinic
	if err := json.Unmarshal(p.Clinics, &clinics); err != nil {
		return nil, SyncStats{}, fmt.Errorf("%w: snapshot clinics: %w", ErrValidation, err)
	}
	var index []repository.ClinicName
	if isArray(p.ClinicIDNameList) {
		if err := json.Unmarshal(p.ClinicIDNameList, &index); err != nil {
			return nil, SyncStats{}, fmt.Errorf("%w: snapshot clinicIdNameList: %w", ErrValidation, err)
		}
	} else {
		// Older servers omit the index; derive it from the clinics.
		for _, c := range clinics {
			index = append(index, repository.ClinicName{ID: c.ID, Name: c.Name})
		}
		raw, err := json.Marshal(index)
		if err != nil {
			return nil, SyncStats{}, err
		}
		p.ClinicIDNameList = raw
	}
	names := repository.ClinicNames(clinics, index)

	batch := map[repository.StoreName][]repository.Record{}
	sources := []struct {
		store repository.StoreName
		raw   json.RawMessage
	}{
		{repository.StoreClinics, p.Clinics},
		{repository.StoreExpenses, p.Expenses},
		{repository.StorePayments, p.Payments},
		{repository.StoreClinicNames, p.ClinicIDNameList},
	}
	for _, src := range sources {
		var items []json.RawMessage
		if isArray(src.raw) {
			if err := json.Unmarshal(src.raw, &items); err != nil {
				return nil, SyncStats{}, fmt.Errorf("%w: snapshot %s: %w", ErrValidation, src.store, err)
			}
		}
		recs := make([]repository.Record, 0, len(items))
		for _, item := range items {
			rec, err := gateway.Canonical(src.store, item, names)
			if err != nil {
				return nil, SyncStats{}, fmt.Errorf("%w: snapshot %s: %w", ErrValidation, src.store, err)
			}
			recs = append(recs, rec)
		}
		batch[src.store] = recs
	}
	stats := SyncStats{
		Clinics:  len(batch[repository.StoreClinics]),
		Expenses: len(batch[repository.StoreExpenses]),
		Payments: len(batch[repository.StorePayments]),
		Names:    len(batch[repository.StoreClinicNames]),
	}
	return batch, stats, nil
}

func isArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}
