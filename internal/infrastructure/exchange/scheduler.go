package exchange

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/vitos/crypto_dealer/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type endpointKind int

const (
	kindInfoLight endpointKind = iota
	kindInfoHeavy
	kindCandles
	kindExchange
)

// One extra weight unit per this many suborders in a batch action.
const exchangeBatchSurchargeEvery = 40

var errSchedulerClosed = errors.New("exchange: scheduler closed")

type weightEntry struct {
	at     time.Time
	weight int
}

// weightLedger is the sliding-window budget. Only the scheduler goroutine
// mutates it; the mutex is for Used() readers.
type weightLedger struct {
	mu      sync.Mutex
	window  time.Duration
	budget  int
	entries []weightEntry
	now     func() time.Time
}

func newWeightLedger(window time.Duration, budget int) *weightLedger {
	return &weightLedger{window: window, budget: budget, now: time.Now}
}

func (l *weightLedger) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.entries) && !l.entries[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		l.entries = append(l.entries[:0], l.entries[i:]...)
	}
}

// waitFor reports how long admission of weight must wait. Zero means it fits
// now. The wait ends exactly when enough old entries age out of the window,
// never an arbitrary sleep.
func (l *weightLedger) waitFor(weight int) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	used := 0
	for _, e := range l.entries {
		used += e.weight
	}
	if used+weight <= l.budget {
		return 0
	}

	freed := 0
	for _, e := range l.entries {
		freed += e.weight
		if used-freed+weight <= l.budget {
			return e.at.Add(l.window).Sub(now)
		}
	}

	// The weight alone exceeds the budget; the best we can do is an empty
	// window.
	if len(l.entries) > 0 {
		last := l.entries[len(l.entries)-1]
		return last.at.Add(l.window).Sub(now)
	}
	return 0
}

func (l *weightLedger) record(weight int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.prune(now)
	l.entries = append(l.entries, weightEntry{at: now, weight: weight})
}

// Used reports the weight consumed within the trailing window.
func (l *weightLedger) Used() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	used := 0
	for _, e := range l.entries {
		used += e.weight
	}
	return used
}

type cacheEntry struct {
	body   []byte
	expiry time.Time
}

type responseCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func newResponseCache() *responseCache {
	return &responseCache{entries: make(map[string]cacheEntry), now: time.Now}
}

func (c *responseCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.expiry) {
		return nil, false
	}
	return e.body, true
}

func (c *responseCache) set(key string, body []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{body: body, expiry: c.now().Add(ttl)}
}

type venueRequest struct {
	ctx      context.Context
	kind     endpointKind
	items    int
	path     string
	body     []byte
	cacheKey string
	cacheTTL time.Duration
	reply    chan venueReply
}

type venueReply struct {
	body []byte
	err  error
}

// scheduler funnels every venue request through one FIFO queue so weight
// admission, spacing and dispatch order stay deterministic no matter how
// many goroutines call in.
type scheduler struct {
	httpc          *http.Client
	baseURL        string
	maxAttempts    int
	initialBackoff time.Duration
	weights        WeightTable
	ledger         *weightLedger
	spacing        *rate.Limiter
	cache          *responseCache
	log            *zap.Logger
	queue          chan *venueRequest
	done           chan struct{}
	closeOnce      sync.Once
}

func newScheduler(cfg Config, log *zap.Logger) *scheduler {
	s := &scheduler{
		httpc:          &http.Client{Timeout: 10 * time.Second},
		baseURL:        cfg.BaseURL,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		weights:        cfg.Weights,
		ledger:         newWeightLedger(cfg.Window, cfg.MaxWeight),
		spacing:        rate.NewLimiter(rate.Every(cfg.MinSpacing), 1),
		cache:          newResponseCache(),
		log:            log,
		queue:          make(chan *venueRequest, 64),
		done:           make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *scheduler) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Do sends one request through the queue and waits for the reply. A cache
// hit costs zero weight and skips the queue entirely.
func (s *scheduler) Do(ctx context.Context, kind endpointKind, items int, path string, body []byte, cacheKey string, cacheTTL time.Duration) ([]byte, error) {
	if cacheKey != "" {
		if cached, ok := s.cache.get(cacheKey); ok {
			return cached, nil
		}
	}

	req := &venueRequest{
		ctx:      ctx,
		kind:     kind,
		items:    items,
		path:     path,
		body:     body,
		cacheKey: cacheKey,
		cacheTTL: cacheTTL,
		reply:    make(chan venueReply, 1),
	}

	select {
	case s.queue <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, errSchedulerClosed
	}

	select {
	case rep := <-req.reply:
		return rep.body, rep.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *scheduler) run() {
	for {
		select {
		case req := <-s.queue:
			req.reply <- s.serve(req)
		case <-s.done:
			return
		}
	}
}

func (s *scheduler) serve(req *venueRequest) venueReply {
	// A caller queued behind the one that populated its key picks up the
	// fresh entry here without a second network round trip.
	if req.cacheKey != "" {
		if cached, ok := s.cache.get(req.cacheKey); ok {
			return venueReply{body: cached}
		}
	}
	if err := req.ctx.Err(); err != nil {
		return venueReply{err: err}
	}

	body, err := s.dispatch(req)
	if err != nil {
		return venueReply{err: err}
	}
	if req.cacheKey != "" {
		s.cache.set(req.cacheKey, body, req.cacheTTL)
	}
	return venueReply{body: body}
}

func (s *scheduler) weightFor(kind endpointKind, items int) int {
	switch kind {
	case kindInfoLight:
		return s.weights.InfoLight
	case kindCandles:
		w := s.weights.InfoHeavy
		if s.weights.CandlesSurchargePer > 0 {
			w += items / s.weights.CandlesSurchargePer
		}
		return w
	case kindExchange:
		w := s.weights.Exchange
		if items > 0 {
			w += items / exchangeBatchSurchargeEvery
		}
		return w
	default:
		return s.weights.InfoHeavy
	}
}

// admit blocks until the weight fits the rolling window and the spacing gate
// opens, then records the weight. Recording happens per physical attempt, so
// retries are budgeted like first tries.
func (s *scheduler) admit(ctx context.Context, weight int) error {
	for {
		wait := s.ledger.waitFor(weight)
		if wait <= 0 {
			break
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
	s.ledger.record(weight)
	return s.spacing.Wait(ctx)
}

func (s *scheduler) dispatch(req *venueRequest) ([]byte, error) {
	weight := s.weightFor(req.kind, req.items)

	var delay time.Duration
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if attempt > 1 {
			s.log.Warn("retrying venue request",
				zap.String("path", req.path),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(lastErr))
			if err := sleepCtx(req.ctx, delay); err != nil {
				return nil, err
			}
		}
		if err := s.admit(req.ctx, weight); err != nil {
			return nil, err
		}

		body, status, retryAfter, err := s.doHTTP(req.ctx, req.path, req.body)
		switch {
		case err != nil:
			lastErr = fmt.Errorf("%w: %v", domain.ErrNetworkFailure, err)
			delay = nextBackoff(delay, 0, s.initialBackoff)
		case status == http.StatusTooManyRequests:
			lastErr = domain.ErrRateLimited
			delay = nextBackoff(delay, retryAfter, s.initialBackoff)
		case status >= 500:
			lastErr = fmt.Errorf("%w: venue returned %d", domain.ErrNetworkFailure, status)
			delay = nextBackoff(delay, 0, s.initialBackoff)
		case status >= 400:
			return nil, fmt.Errorf("%w: status %d: %s", domain.ErrVenueRejected, status, truncateBody(body))
		default:
			return body, nil
		}
	}
	return nil, lastErr
}

// nextBackoff doubles the previous delay. The first delay is seeded from the
// server's retry hint when one was sent, otherwise from the configured
// initial backoff.
func nextBackoff(prev, hint, initial time.Duration) time.Duration {
	if prev <= 0 {
		if hint > 0 {
			return hint
		}
		return initial
	}
	return prev * 2
}

func (s *scheduler) doHTTP(ctx context.Context, path string, body []byte) ([]byte, int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, 0, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, 0, err
	}

	var retryAfter time.Duration
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, convErr := strconv.Atoi(ra); convErr == nil {
			retryAfter = time.Duration(secs) * time.Second
		}
	}
	return respBody, resp.StatusCode, retryAfter, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncateBody(b []byte) string {
	const max = 256
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}
