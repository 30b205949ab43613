// Package governor wraps source adapter calls with per-source rate limiting,
// bounded retry with exponential backoff and jitter, and a hard per-call
// timeout. One limiter instance per source is shared by every concurrent
// playbook run; exhaustion of one source never blocks calls to another.
package governor

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/converge-bio/converge-go/internal/domain"
)

// SourceLimit configures one source's request rate.
type SourceLimit struct {
	PerSecond float64
	Burst     int
}

func (l SourceLimit) Validate() error {
	if l.PerSecond <= 0 {
		return fmt.Errorf("per-second rate must be positive")
	}
	if l.Burst < 1 {
		return fmt.Errorf("burst must be >= 1")
	}
	return nil
}

// RetryPolicy bounds transient-failure retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy matches the upstream clients' behavior: three attempts
// with 200ms initial backoff doubling up to 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2,
	}
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1")
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("delays must be non-negative")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be >= 1")
	}
	return nil
}

// Config assembles the governor's static configuration.
type Config struct {
	// Limits maps source name to its rate; sources without an entry use
	// DefaultLimit.
	Limits       map[string]SourceLimit
	DefaultLimit SourceLimit
	Retry        RetryPolicy
	CallTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Limits:       map[string]SourceLimit{},
		DefaultLimit: SourceLimit{PerSecond: 3, Burst: 3},
		Retry:        DefaultRetryPolicy(),
		CallTimeout:  30 * time.Second,
	}
}

func (c Config) Validate() error {
	if err := c.DefaultLimit.Validate(); err != nil {
		return fmt.Errorf("default limit: %w", err)
	}
	for source, limit := range c.Limits {
		if err := limit.Validate(); err != nil {
			return fmt.Errorf("limit for %q: %w", source, err)
		}
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call timeout must be positive")
	}
	return nil
}

// Call invokes one source adapter capability.
type Call func(ctx context.Context) (domain.Records, error)

// Governor owns the per-source limiters. Safe for concurrent use from
// multiple simultaneous playbook runs.
type Governor struct {
	cfg  Config
	sink EventSink

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

// New builds a governor from cfg; a nil sink discards events.
func New(cfg Config, sink EventSink) (*Governor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = SinkFunc(nil)
	}
	g := &Governor{
		cfg:      cfg,
		sink:     sink,
		limiters: make(map[string]*rate.Limiter, len(cfg.Limits)),
		now:      time.Now,
		sleep:    sleepContext,
		jitter:   cryptoJitter,
	}
	for source, limit := range cfg.Limits {
		g.limiters[source] = rate.NewLimiter(rate.Limit(limit.PerSecond), limit.Burst)
	}
	return g, nil
}

// Execute runs one adapter call under the source's rate limit and the
// configured retry policy. It returns the normalized records and the number
// of attempts made. Errors are always *domain.AdapterError.
func (g *Governor) Execute(ctx context.Context, source, capability string, call Call) (domain.Records, int, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, 0, domain.NewAdapterError("governor", domain.AdapterErrInvalidRequest, "source name is required")
	}
	if call == nil {
		return nil, 0, domain.NewAdapterError(source, domain.AdapterErrInvalidRequest, "call is required")
	}

	var lastErr *domain.AdapterError
	for attempt := 1; attempt <= g.cfg.Retry.MaxAttempts; attempt++ {
		records, err := g.attempt(ctx, source, capability, attempt, call)
		if err == nil {
			return records, attempt, nil
		}
		lastErr = err
		if !err.Transient() || attempt == g.cfg.Retry.MaxAttempts || ctx.Err() != nil {
			g.emit(source, capability, attempt, OutcomeFailure, err, 0)
			return nil, attempt, err
		}
		g.emit(source, capability, attempt, OutcomeRetry, err, 0)
		if serr := g.sleep(ctx, g.backoff(attempt)); serr != nil {
			return nil, attempt, domain.NewAdapterError(source, domain.AdapterErrTimeout, "cancelled while backing off: "+serr.Error())
		}
	}
	return nil, g.cfg.Retry.MaxAttempts, lastErr
}

func (g *Governor) attempt(ctx context.Context, source, capability string, attempt int, call Call) (domain.Records, *domain.AdapterError) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewAdapterError(source, domain.AdapterErrTimeout, "not issued: "+err.Error())
	}

	acquireCtx, cancelAcquire := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancelAcquire()
	if err := g.acquire(acquireCtx, source); err != nil {
		return nil, err
	}

	// Run cancellation stops new calls from being issued, but an already
	// acquired call runs to completion under the per-call timeout so no
	// request is abandoned mid-flight.
	callCtx, cancelCall := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.CallTimeout)
	defer cancelCall()

	start := g.now()
	records, err := call(callCtx)
	elapsed := g.now().Sub(start)
	if err != nil {
		return nil, classify(source, callCtx, err)
	}
	g.emit(source, capability, attempt, OutcomeSuccess, nil, elapsed)
	return records, nil
}

// acquire blocks cooperatively until a call slot for source is available.
// Reservation-based so tests can drive it with an injected clock.
func (g *Governor) acquire(ctx context.Context, source string) *domain.AdapterError {
	limiter := g.limiter(source)
	reservation := limiter.ReserveN(g.now(), 1)
	if !reservation.OK() {
		return domain.NewAdapterError(source, domain.AdapterErrRateLimited, "rate limiter cannot satisfy request")
	}
	delay := reservation.DelayFrom(g.now())
	if delay <= 0 {
		return nil
	}
	if deadline, ok := ctx.Deadline(); ok && g.now().Add(delay).After(deadline) {
		reservation.CancelAt(g.now())
		return domain.NewAdapterError(source, domain.AdapterErrRateLimited, "no permit available within call timeout")
	}
	if err := g.sleep(ctx, delay); err != nil {
		reservation.CancelAt(g.now())
		return domain.NewAdapterError(source, domain.AdapterErrRateLimited, "cancelled while waiting for permit: "+err.Error())
	}
	return nil
}

// Limiter exposes the shared limiter for one source. Used by readiness
// checks and tests; callers must not reconfigure it.
func (g *Governor) Limiter(source string) *rate.Limiter {
	return g.limiter(source)
}

func (g *Governor) limiter(source string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	if limiter, ok := g.limiters[source]; ok {
		return limiter
	}
	limiter := rate.NewLimiter(rate.Limit(g.cfg.DefaultLimit.PerSecond), g.cfg.DefaultLimit.Burst)
	g.limiters[source] = limiter
	return limiter
}

func (g *Governor) backoff(attempt int) time.Duration {
	delay := g.cfg.Retry.BaseDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * g.cfg.Retry.Multiplier)
		if delay >= g.cfg.Retry.MaxDelay {
			delay = g.cfg.Retry.MaxDelay
			break
		}
	}
	return delay + g.jitter(delay/2)
}

func (g *Governor) emit(source, capability string, attempt int, outcome CallOutcome, err *domain.AdapterError, elapsed time.Duration) {
	event := CallEvent{
		Time:       g.now().UTC(),
		Source:     source,
		Capability: capability,
		Attempt:    attempt,
		Outcome:    outcome,
		Elapsed:    elapsed,
	}
	if err != nil {
		event.ErrorKind = string(err.Kind)
	}
	g.sink.Emit(event)
}

// classify converts an arbitrary call failure into a typed adapter error.
func classify(source string, ctx context.Context, err error) *domain.AdapterError {
	if ae, ok := domain.AsAdapterError(err); ok {
		return ae
	}
	if ctx.Err() == context.DeadlineExceeded {
		return domain.NewAdapterError(source, domain.AdapterErrTimeout, err.Error())
	}
	return domain.NewAdapterError(source, domain.AdapterErrUpstream, err.Error())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func cryptoJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}
