// Package handler implements the stateless per-request dispatcher: look up
// the bucket type, invoke the store, build exactly one Response carrying
// the request's id. All state lives in internal/store and
// internal/bucket/registry.go; the handler itself holds nothing across
// calls — a config lookup followed by a switch over the requested
// operation.
package handler

import (
	"context"
	"strings"
	"time"

	"github.com/limitd/limitd-go/internal/bucket"
	"github.com/limitd/limitd-go/internal/errs"
	"github.com/limitd/limitd-go/internal/logging"
	"github.com/limitd/limitd-go/internal/metrics"
	"github.com/limitd/limitd-go/internal/protocol"
	"github.com/limitd/limitd-go/internal/store"
)

var log = logging.For("handler")

// Evaluator is the bucket store surface the handler needs; *store.Store
// satisfies it directly. Defined here so tests can supply a fake.
type Evaluator interface {
	Take(ctx context.Context, typ, key string, lim bucket.Limits, count int64, now time.Time) (bucket.State, bool, error)
	Put(ctx context.Context, typ, key string, lim bucket.Limits, count int64, all bool, now time.Time) (bucket.State, error)
	Get(ctx context.Context, typ, key string, lim bucket.Limits, now time.Time) (bucket.State, error)
	Erase(ctx context.Context, typ, key string) error
	Wait(ctx context.Context, typ, key string, lim bucket.Limits, count int64, now time.Time) (bucket.State, bool, error)
	StatusPrefix(ctx context.Context, typ, prefix string) ([]store.StatusEntry, error)
}

// Handler dispatches decoded requests against a bucket-type Registry and an
// Evaluator (normally the store engine).
type Handler struct {
	Registry *bucket.Registry
	Store    Evaluator
}

// New builds a Handler.
func New(registry *bucket.Registry, st Evaluator) *Handler {
	return &Handler{Registry: registry, Store: st}
}

// Handle consumes req and returns exactly one Response with the same ID
//. It never returns a Go error: every failure mode
// is represented as an ErrorBody, which the pipeline forwards like any
// other response while keeping the connection open.
func (h *Handler) Handle(ctx context.Context, req *protocol.Request) *protocol.Response {
	start := time.Now()
	resp, kind := h.dispatch(ctx, req)
	metrics.HandlerDuration.WithLabelValues(req.Method.String()).Observe(time.Since(start).Seconds())

	outcome := "ok"
	if kind != "" {
		outcome = kind
	}
	metrics.RequestsTotal.WithLabelValues(req.Method.String(), outcome).Inc()

	return resp
}

func (h *Handler) dispatch(ctx context.Context, req *protocol.Request) (*protocol.Response, string) {
	switch req.Method {
	case protocol.MethodTake, protocol.MethodPut, protocol.MethodWait, protocol.MethodStatus, protocol.MethodReset:
	default:
		return errorResp(req.ID, errs.KindUnknownMethod, "unrecognized method"), errs.KindUnknownMethod.String()
	}

	if req.Key == "" {
		return errorResp(req.ID, errs.KindValidation, "key must not be empty"), errs.KindValidation.String()
	}
	count := req.Count
	if count == 0 {
		count = 1
	}
	if count < 0 {
		return errorResp(req.ID, errs.KindValidation, "count must not be negative"), errs.KindValidation.String()
	}

	bt, ok := h.Registry.Get(req.Type)
	if !ok {
		log.WithField("type", req.Type).Info("unknown bucket type requested")
		return errorResp(req.ID, errs.KindUnknownBucketType, "no such bucket type: "+req.Type), errs.KindUnknownBucketType.String()
	}

	now := time.Now()

	switch req.Method {
	case protocol.MethodTake:
		return h.handleTake(ctx, req, bt, count, now)
	case protocol.MethodWait:
		return h.handleWait(ctx, req, bt, count, now)
	case protocol.MethodPut:
		return h.handlePut(ctx, req, bt, count, now)
	case protocol.MethodStatus:
		return h.handleStatus(ctx, req, bt, now)
	case protocol.MethodReset:
		return h.handleReset(ctx, req, bt, now)
	}
	panic("unreachable")
}

func (h *Handler) handleTake(ctx context.Context, req *protocol.Request, bt bucket.BucketType, count int64, now time.Time) (*protocol.Response, string) {
	if bt.Unlimited {
		return &protocol.Response{ID: req.ID, Body: protocol.TakeBody{
			Conformant: true,
			Remaining:  float64(bt.Size),
			Limit:      bt.Size,
			Reset:      now.UnixNano(),
		}}, ""
	}

	lim := limitsFor(bt, req.Key)
	st, conformant, err := h.Store.Take(ctx, bt.Name, req.Key, lim, count, now)
	if err != nil {
		return h.storeError(req.ID, err)
	}
	return &protocol.Response{ID: req.ID, Body: protocol.TakeBody{
		Conformant: conformant,
		Remaining:  st.Tokens,
		Limit:      lim.Size,
		Reset:      lim.ResetAt(st.Tokens, now).UnixNano(),
	}}, ""
}

func (h *Handler) handleWait(ctx context.Context, req *protocol.Request, bt bucket.BucketType, count int64, now time.Time) (*protocol.Response, string) {
	if bt.Unlimited {
		return &protocol.Response{ID: req.ID, Body: protocol.TakeBody{
			Conformant: true,
			Remaining:  float64(bt.Size),
			Limit:      bt.Size,
			Reset:      now.UnixNano(),
		}}, ""
	}

	lim := limitsFor(bt, req.Key)
	st, conformant, err := h.Store.Wait(ctx, bt.Name, req.Key, lim, count, now)
	if err != nil {
		return h.storeError(req.ID, err)
	}
	return &protocol.Response{ID: req.ID, Body: protocol.TakeBody{
		Conformant: conformant,
		Remaining:  st.Tokens,
		Limit:      lim.Size,
		Reset:      lim.ResetAt(st.Tokens, now).UnixNano(),
	}}, ""
}

func (h *Handler) handlePut(ctx context.Context, req *protocol.Request, bt bucket.BucketType, count int64, now time.Time) (*protocol.Response, string) {
	if bt.Unlimited {
		return &protocol.Response{ID: req.ID, Body: protocol.PutBody{
			Remaining: float64(bt.Size),
			Limit:     bt.Size,
			Reset:     now.UnixNano(),
		}}, ""
	}

	lim := limitsFor(bt, req.Key)
	st, err := h.Store.Put(ctx, bt.Name, req.Key, lim, count, req.All, now)
	if err != nil {
		return h.storeError(req.ID, err)
	}
	return &protocol.Response{ID: req.ID, Body: protocol.PutBody{
		Remaining: st.Tokens,
		Limit:     lim.Size,
		Reset:     lim.ResetAt(st.Tokens, now).UnixNano(),
	}}, ""
}

const wildcardSuffix = "*"

func (h *Handler) handleStatus(ctx context.Context, req *protocol.Request, bt bucket.BucketType, now time.Time) (*protocol.Response, string) {
	if bt.Unlimited {
		// Nothing is ever persisted for an unlimited type; report a full
		// bucket for the exact key, or no instances for a wildcard scan.
		items := map[string]protocol.StatusItem{}
		if !strings.HasSuffix(req.Key, wildcardSuffix) {
			items[req.Key] = protocol.StatusItem{
				Remaining: float64(bt.Size),
				Limit:     bt.Size,
				Reset:     now.UnixNano(),
			}
		}
		return &protocol.Response{ID: req.ID, Body: protocol.StatusBody{Items: items}}, ""
	}

	if strings.HasSuffix(req.Key, wildcardSuffix) {
		prefix := strings.TrimSuffix(req.Key, wildcardSuffix)
		entries, err := h.Store.StatusPrefix(ctx, bt.Name, prefix)
		if err != nil {
			return h.storeError(req.ID, err)
		}
		items := make(map[string]protocol.StatusItem, len(entries))
		for _, e := range entries {
			lim := limitsFor(bt, e.Key)
			refilled := lim.Refill(e.State, now)
			items[e.Key] = protocol.StatusItem{
				Remaining: refilled.Tokens,
				Limit:     lim.Size,
				Reset:     lim.ResetAt(refilled.Tokens, now).UnixNano(),
			}
		}
		return &protocol.Response{ID: req.ID, Body: protocol.StatusBody{Items: items}}, ""
	}

	lim := limitsFor(bt, req.Key)
	st, err := h.Store.Get(ctx, bt.Name, req.Key, lim, now)
	if err != nil {
		return h.storeError(req.ID, err)
	}
	return &protocol.Response{ID: req.ID, Body: protocol.StatusBody{Items: map[string]protocol.StatusItem{
		req.Key: {
			Remaining: st.Tokens,
			Limit:     lim.Size,
			Reset:     lim.ResetAt(st.Tokens, now).UnixNano(),
		},
	}}}, ""
}

func (h *Handler) handleReset(ctx context.Context, req *protocol.Request, bt bucket.BucketType, now time.Time) (*protocol.Response, string) {
	if err := h.Store.Erase(ctx, bt.Name, req.Key); err != nil {
		return h.storeError(req.ID, err)
	}
	return &protocol.Response{ID: req.ID, Body: protocol.PutBody{
		Remaining: float64(bt.Size),
		Limit:     bt.Size,
		Reset:     now.UnixNano(),
	}}, ""
}

func (h *Handler) storeError(id uint64, err error) (*protocol.Response, string) {
	kind := errs.KindStoreTransient
	if e, ok := err.(*errs.Error); ok {
		kind = e.Kind
	}
	log.WithError(err).Error("store operation failed")
	return errorResp(id, kind, err.Error()), kind.String()
}

func limitsFor(bt bucket.BucketType, key string) bucket.Limits {
	size, perInterval, interval := bt.Effective(key)
	return bucket.Limits{Size: size, PerInterval: perInterval, Interval: interval}
}

func errorResp(id uint64, kind errs.Kind, msg string) *protocol.Response {
	return &protocol.Response{ID: id, Body: protocol.ErrorBody{Kind: kind.String(), Message: msg}}
}
