// Package poller watches one purchase until it reaches a final state or the
// purchaser stops waiting. Each check reads the stored session first and only
// falls back to a gateway verification when the session is still open.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/CedrosPay/tokenpay/internal/config"
	"github.com/CedrosPay/tokenpay/internal/logger"
	"github.com/CedrosPay/tokenpay/internal/metrics"
	"github.com/CedrosPay/tokenpay/internal/payments"
	"github.com/rs/zerolog"
)

const (
	DefaultInterval = 3 * time.Second
	DefaultTimeout  = 10 * time.Minute
)

// StatusSource reads the stored session state.
type StatusSource interface {
	SessionStatus(ctx context.Context, reference string) (payments.StatusView, error)
}

// Verifier asks the gateway and applies a final result.
type Verifier interface {
	VerifyAndReconcile(ctx context.Context, reference string) (payments.StatusView, error)
}

// Poller starts watch tasks. Verifier may be nil to poll the store only.
type Poller struct {
	Status   StatusSource
	Verifier Verifier
	Interval time.Duration
	Timeout  time.Duration
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

// NewFromConfig builds a Poller from configured timings.
func NewFromConfig(cfg config.PollerConfig, status StatusSource, verifier Verifier, m *metrics.Metrics, log zerolog.Logger) *Poller {
	return &Poller{
		Status:   status,
		Verifier: verifier,
		Interval: cfg.Interval.Duration,
		Timeout:  cfg.Timeout.Duration,
		Logger:   log,
		Metrics:  m,
	}
}

// Source names where an update came from.
type Source string

const (
	SourceStore    Source = "store"
	SourceVerifier Source = "verify"
)

// Update is published after every check.
type Update struct {
	Attempt int
	Source  Source
	View    payments.StatusView
	Err     error
	At      time.Time
}

// Result is how a task ended. A timed-out or cancelled task reports
// OutcomeCancelled; the session itself is left as it was.
type Result struct {
	Reference string
	Outcome   payments.Outcome
	TimedOut  bool
	View      payments.StatusView
	Attempts  int
}

// Task is a running watch. It stops on a final session state, on Cancel, when
// the parent context ends, or when the timeout elapses.
type Task struct {
	reference string
	cancel    context.CancelFunc
	done      chan struct{}
	updates   chan Update

	mu     sync.Mutex
	result Result
}

// Start launches a task for reference.
func (p *Poller) Start(ctx context.Context, reference string) *Task {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithCancel(ctx)
	t := &Task{
		reference: reference,
		cancel:    cancel,
		done:      make(chan struct{}),
		updates:   make(chan Update, 16),
		result:    Result{Reference: reference, Outcome: payments.OutcomePending},
	}
	go t.run(runCtx, p, interval, timeout)
	return t
}

// Cancel stops the task. The session is not modified; a late webhook may
// still complete it.
func (t *Task) Cancel() { t.cancel() }

// Done is closed when the task has stopped.
func (t *Task) Done() <-chan struct{} { return t.done }

// Updates delivers one value per check and is closed when the task stops.
// Updates are dropped if the reader falls behind.
func (t *Task) Updates() <-chan Update { return t.updates }

// Result returns the final result once Done is closed, or the latest state
// while the task is still running.
func (t *Task) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Wait blocks until the task stops or ctx ends.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.Result(), nil
	case <-ctx.Done():
		return t.Result(), ctx.Err()
	}
}

func (t *Task) run(ctx context.Context, p *Poller, interval, timeout time.Duration) {
	defer close(t.done)
	defer close(t.updates)
	defer t.cancel()

	deadlineCtx, stop := context.WithTimeout(ctx, timeout)
	defer stop()

	log := p.Logger.With().Str("reference", logger.TruncateReference(t.reference)).Logger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		if view, ok := t.check(deadlineCtx, p, attempt, log); ok {
			t.finish(p, log, Result{Outcome: view.Outcome, View: view})
			return
		}

		select {
		case <-deadlineCtx.Done():
			if ctx.Err() != nil {
				t.finish(p, log, Result{Outcome: payments.OutcomeCancelled})
			} else {
				t.finish(p, log, Result{Outcome: payments.OutcomeCancelled, TimedOut: true})
			}
			return
		case <-ticker.C:
		}
	}
}

// check runs one store read and, if the session is still open, one
// verification. It reports the view and true when the session is final.
func (t *Task) check(ctx context.Context, p *Poller, attempt int, log zerolog.Logger) (payments.StatusView, bool) {
	view, err := p.Status.SessionStatus(ctx, t.reference)
	t.record(attempt, SourceStore, view, err)
	if err == nil && view.Terminal() {
		return view, true
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		log.Warn().Err(err).Int("attempt", attempt).Msg("poller.status_failed")
	}
	if p.Verifier == nil || ctx.Err() != nil {
		return view, false
	}

	verified, err := p.Verifier.VerifyAndReconcile(ctx, t.reference)
	t.record(attempt, SourceVerifier, verified, err)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("poller.verify_failed")
		}
		return view, false
	}
	return verified, verified.Terminal()
}

func (t *Task) record(attempt int, source Source, view payments.StatusView, err error) {
	t.mu.Lock()
	t.result.Attempts = attempt
	if err == nil {
		t.result.View = view
	}
	t.mu.Unlock()

	select {
	case t.updates <- Update{Attempt: attempt, Source: source, View: view, Err: err, At: time.Now().UTC()}:
	default:
	}
}

func (t *Task) finish(p *Poller, log zerolog.Logger, res Result) {
	t.mu.Lock()
	res.Reference = t.reference
	res.Attempts = t.result.Attempts
	if res.View.Reference == "" {
		res.View = t.result.View
	}
	t.result = res
	t.mu.Unlock()

	label := string(res.Outcome)
	event := "poller.finished"
	if res.TimedOut {
		label = "timeout"
		event = "poller.timeout"
	}
	p.Metrics.ObservePollerOutcome(label)
	log.Info().
		Str("outcome", string(res.Outcome)).
		Bool("timed_out", res.TimedOut).
		Int("attempts", res.Attempts).
		Msg(event)
}
