package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pario-ai/llmcache/pkg/cache"
	"github.com/pario-ai/llmcache/pkg/fingerprint"
	"github.com/pario-ai/llmcache/pkg/stream"
)

// Outcome tells how a request was served. It is sent to clients in the
// X-Cache header.
type Outcome string

const (
	OutcomeHit       Outcome = "hit"
	OutcomeMiss      Outcome = "miss"
	OutcomeCoalesced Outcome = "coalesced"
	OutcomeBypass    Outcome = "bypass"
)

// CacheHeader carries the Outcome of a request.
const CacheHeader = "X-Cache"

// commitTimeout bounds a commit that outlives its request.
const commitTimeout = 5 * time.Second

// Caller performs the upstream call for one request. The orchestrator closes
// the returned body.
type Caller interface {
	Call(ctx context.Context) (*http.Response, error)
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context) (*http.Response, error)

// Call implements Caller.
func (f CallerFunc) Call(ctx context.Context) (*http.Response, error) { return f(ctx) }

// Call is one client request handed to the orchestrator.
type Call struct {
	// Scope namespaces the cache key, see models.Scope.
	Scope string
	// Body is the raw request body.
	Body []byte
	// NoCache relays the request without looking up or storing anything.
	NoCache  bool
	Upstream Caller
	// Log overrides the orchestrator logger for this call.
	Log *zap.Logger
}

// Options configures an Orchestrator.
type Options struct {
	// Store holds captured responses. Nil turns every call into a bypass.
	Store         cache.Store
	Fingerprinter *fingerprint.Fingerprinter
	// Coalesce lets concurrent identical misses wait for one upstream call
	// and replay its result.
	Coalesce       bool
	ReplayInterval time.Duration
	Logger         *zap.Logger
	Metrics        *Metrics
	Now            func() time.Time
}

// Orchestrator serves requests from the cache or from upstream, capturing
// upstream responses for later replay.
type Orchestrator struct {
	store    cache.Store
	fp       *fingerprint.Fingerprinter
	coalesce bool
	capturer *stream.Capturer
	replayer *stream.Replayer
	log      *zap.Logger
	metrics  *Metrics
	group    singleflight.Group
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(opts Options) *Orchestrator {
	o := &Orchestrator{
		store:    opts.Store,
		fp:       opts.Fingerprinter,
		coalesce: opts.Coalesce,
		capturer: &stream.Capturer{Now: opts.Now},
		replayer: &stream.Replayer{Interval: opts.ReplayInterval},
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}
	if o.fp == nil {
		o.fp = fingerprint.New(nil)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.metrics == nil {
		o.metrics, _ = NewMetrics(nil)
	}
	return o
}

// Handle serves call on w.
//
// Errors wrapping fingerprint.ErrInvalidRequest are returned before anything
// is written. Upstream and delivery failures are returned as they happened;
// the caller decides whether an error response can still be written.
func (o *Orchestrator) Handle(ctx context.Context, w http.ResponseWriter, call *Call) (Outcome, error) {
	log := call.Log
	if log == nil {
		log = o.log
	}

	if call.NoCache || o.store == nil {
		w.Header().Set(CacheHeader, string(OutcomeBypass))
		o.metrics.lookup(ctx, OutcomeBypass)
		_, err := o.relay(ctx, w, call, log)
		return OutcomeBypass, err
	}

	key, err := o.fp.Fingerprint(call.Scope, call.Body)
	if err != nil {
		return "", err
	}
	log = log.With(zap.String("key", string(key)))

	entry, ok, err := o.store.Lookup(ctx, key)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		// Serve the request anyway, without touching the store again.
		log.Warn("cache lookup failed, serving uncached", zap.Error(err))
		o.metrics.lookup(ctx, OutcomeMiss)
		_, err := o.fill(ctx, w, call, key, false, log)
		return OutcomeMiss, err
	}
	if ok {
		return OutcomeHit, o.replay(ctx, w, entry, OutcomeHit, log)
	}

	if !o.coalesce {
		o.metrics.lookup(ctx, OutcomeMiss)
		_, err := o.fill(ctx, w, call, key, true, log)
		return OutcomeMiss, err
	}
	return o.coalesced(ctx, w, call, key, log)
}

// Flight states of one caller of coalesced.
const (
	flightPending int32 = iota
	flightLeading
	flightAbandoned
)

// coalesced runs the miss path once per key. The caller whose function runs
// is the leader and writes to its own client; the others wait and replay the
// leader's entry, or call upstream themselves if the leader got none. A
// follower stops waiting when its ctx is done.
func (o *Orchestrator) coalesced(ctx context.Context, w http.ResponseWriter, call *Call, key cache.Key, log *zap.Logger) (Outcome, error) {
	var (
		state   atomic.Int32
		outcome Outcome
	)
	ch := o.group.DoChan(string(key), func() (any, error) {
		// A caller that gave up before its function started must not
		// write to its client any more.
		if !state.CompareAndSwap(flightPending, flightLeading) {
			return nil, context.Cause(ctx)
		}
		var (
			e   *cache.Entry
			err error
		)
		outcome, e, err = o.lead(ctx, w, call, key, log)
		return e, err
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		if state.CompareAndSwap(flightPending, flightAbandoned) {
			log.Debug("gave up waiting for in-flight capture", zap.Error(ctx.Err()))
			return "", ctx.Err()
		}
		// Leading: the capture runs on ctx and stops shortly.
		res = <-ch
	}
	if state.Load() == flightLeading {
		return outcome, res.Err
	}

	if entry, _ := res.Val.(*cache.Entry); entry != nil {
		log.Debug("coalesced onto in-flight capture", zap.Bool("shared", res.Shared))
		return OutcomeCoalesced, o.replay(ctx, w, entry, OutcomeCoalesced, log)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	log.Debug("in-flight capture produced no entry, calling upstream", zap.NamedError("leader_error", res.Err))
	o.metrics.lookup(ctx, OutcomeMiss)
	_, err := o.fill(ctx, w, call, key, true, log)
	return OutcomeMiss, err
}

// lead checks the store once more, since a capture for key may have been
// committed between the first lookup and joining the flight, then fills. A
// faulty store is not written to.
func (o *Orchestrator) lead(ctx context.Context, w http.ResponseWriter, call *Call, key cache.Key, log *zap.Logger) (Outcome, *cache.Entry, error) {
	e, ok, err := o.store.Lookup(ctx, key)
	if err == nil && ok {
		return OutcomeHit, e, o.replay(ctx, w, e, OutcomeHit, log)
	}
	persist := true
	if errors.Is(err, cache.ErrStorageUnavailable) {
		log.Warn("cache lookup failed, serving uncached", zap.Error(err))
		persist = false
	}
	o.metrics.lookup(ctx, OutcomeMiss)
	e, err = o.fill(ctx, w, call, key, persist, log)
	return OutcomeMiss, e, err
}

func (o *Orchestrator) replay(ctx context.Context, w http.ResponseWriter, e *cache.Entry, outcome Outcome, log *zap.Logger) error {
	o.metrics.lookup(ctx, outcome)
	w.Header().Set(CacheHeader, string(outcome))
	if err := o.replayer.Replay(ctx, w, e); err != nil {
		log.Debug("replay interrupted", zap.Error(err))
		return err
	}
	return nil
}

// fill calls upstream, relays and captures the response and, when persist is
// set, commits it. It returns the captured entry, or nil if the response was
// not cacheable or did not complete.
func (o *Orchestrator) fill(ctx context.Context, w http.ResponseWriter, call *Call, key cache.Key, persist bool, log *zap.Logger) (*cache.Entry, error) {
	w.Header().Set(CacheHeader, string(OutcomeMiss))
	entry, err := o.relay(ctx, w, call, log)
	if err != nil || entry == nil {
		return nil, err
	}
	entry.Key = key

	if !persist {
		o.metrics.commit(ctx, "skipped")
		return entry, nil
	}
	o.commit(ctx, entry, log)
	return entry, nil
}

func (o *Orchestrator) relay(ctx context.Context, w http.ResponseWriter, call *Call, log *zap.Logger) (*cache.Entry, error) {
	start := time.Now()
	resp, err := call.Upstream.Call(ctx)
	if err != nil {
		o.metrics.upstreamCall(ctx, time.Since(start), err)
		log.Warn("upstream call failed", zap.Error(err))
		return nil, fmt.Errorf("upstream: %w", err)
	}
	defer resp.Body.Close()

	entry, err := o.capturer.Capture(w, resp)
	o.metrics.upstreamCall(ctx, time.Since(start), err)
	if err != nil {
		switch {
		case errors.Is(err, stream.ErrDelivery):
			log.Info("client went away, capture discarded", zap.Error(err))
		default:
			log.Warn("upstream response did not complete, capture discarded", zap.Error(err))
		}
		return nil, err
	}
	if entry == nil {
		log.Debug("upstream response not cacheable", zap.Int("status", resp.StatusCode))
	}
	return entry, nil
}

// commit persists e. The commit survives cancellation of the request that
// produced e, since the response was already delivered in full.
func (o *Orchestrator) commit(ctx context.Context, e *cache.Entry, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	if exists, err := o.store.Exists(ctx, e.Key); err == nil && exists {
		o.metrics.commit(ctx, "duplicate")
		log.Debug("entry already committed")
		return
	}

	err := o.store.Insert(ctx, e)
	switch {
	case err == nil:
		o.metrics.commit(ctx, "committed")
		log.Debug("entry committed", zap.String("shape", string(e.Shape)), zap.Int("bytes", e.Size()))
	case errors.Is(err, cache.ErrAlreadyExists):
		o.metrics.commit(ctx, "duplicate")
		log.Debug("entry already committed")
	default:
		o.metrics.commit(ctx, "failed")
		log.Warn("cache commit failed", zap.Error(err))
	}
}
