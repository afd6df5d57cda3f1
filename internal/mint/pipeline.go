package mint

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/srg/kinetic/internal/metrics"
)

// Minter performs a single submission exchange.
type Minter interface {
	Mint(ctx context.Context, req *Request) (*Receipt, error)
}

// RetryPolicy bounds retries. The wait before attempt n+1 is
// BaseDelay * 2^(n-1), capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns 3 attempts with 2s base delay capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
}

// Outcome is the single terminal result of Submit.
type Outcome struct {
	RequestID string
	Attempts  int
	Receipt   *Receipt
	Err       *SubmissionError
}

// Succeeded reports whether the submission minted a transaction.
func (o Outcome) Succeeded() bool {
	return o.Err == nil && o.Receipt != nil
}

// Kind returns the failure kind, or "success".
func (o Outcome) Kind() string {
	if o.Err == nil {
		return "success"
	}
	return string(o.Err.Kind)
}

// RetryNotifyFunc observes each scheduled retry.
type RetryNotifyFunc func(attempt int, delay time.Duration, err *SubmissionError)

// flight is one running submission shared by every caller waiting on it.
// It runs on its own context, cancelled once the last waiter leaves.
type flight struct {
	cancel  context.CancelFunc
	done    chan struct{}
	waiters int
	outcome Outcome
}

// Pipeline submits prepared requests with retries. Submissions sharing a
// request id never run concurrently: later callers join the one in flight.
type Pipeline struct {
	minter  Minter
	policy  RetryPolicy
	logger  *logrus.Logger
	metrics *metrics.Metrics
	notify  RetryNotifyFunc

	mu       sync.Mutex
	inflight map[string]*flight
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

func WithRetryPolicy(p RetryPolicy) PipelineOption {
	return func(pl *Pipeline) { pl.policy = p }
}

func WithLogger(logger *logrus.Logger) PipelineOption {
	return func(pl *Pipeline) { pl.logger = logger }
}

func WithMetrics(m *metrics.Metrics) PipelineOption {
	return func(pl *Pipeline) { pl.metrics = m }
}

func WithRetryNotify(fn RetryNotifyFunc) PipelineOption {
	return func(pl *Pipeline) { pl.notify = fn }
}

// NewPipeline creates a pipeline around minter.
func NewPipeline(minter Minter, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		minter:   minter,
		policy:   DefaultRetryPolicy(),
		inflight: make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.policy = p.policy.withDefaults()
	if p.logger == nil {
		p.logger = logrus.New()
	}
	return p
}

// Submit runs the request to a terminal outcome. Only retryable failures are
// retried, with the same request id every time. A caller joining a submission
// already in flight shares its outcome. Cancelling ctx only abandons this
// caller; the submission itself stops with KindCanceled once every caller
// waiting on it has left.
func (p *Pipeline) Submit(ctx context.Context, req *Request) Outcome {
	f := p.join(ctx, req)

	select {
	case <-f.done:
		return f.outcome
	case <-ctx.Done():
	}

	if !p.leave(req.RequestID, f) {
		return Outcome{RequestID: req.RequestID, Err: canceled(ctx.Err())}
	}
	// Last waiter: stop the submission and report how far it got.
	f.cancel()
	<-f.done
	return f.outcome
}

// join registers the caller on the request's flight, starting one if none is running.
func (p *Pipeline) join(ctx context.Context, req *Request) *flight {
	p.mu.Lock()
	defer p.mu.Unlock()

	if f, ok := p.inflight[req.RequestID]; ok {
		f.waiters++
		p.logger.WithField("request_id", req.RequestID).Debug("Joining in-flight submission")
		return f
	}

	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f := &flight{cancel: cancel, done: make(chan struct{}), waiters: 1}
	p.inflight[req.RequestID] = f

	go func() {
		defer cancel()
		f.outcome = p.run(fctx, req)
		p.mu.Lock()
		if p.inflight[req.RequestID] == f {
			delete(p.inflight, req.RequestID)
		}
		p.mu.Unlock()
		close(f.done)
	}()
	return f
}

// leave drops the caller from the flight and reports whether it was the last
// waiter. An abandoned flight is unregistered so later callers start afresh.
func (p *Pipeline) leave(id string, f *flight) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return false
	}
	if p.inflight[id] == f {
		delete(p.inflight, id)
	}
	return true
}

func (p *Pipeline) run(ctx context.Context, req *Request) Outcome {
	log := p.logger.WithField("request_id", req.RequestID)
	out := Outcome{RequestID: req.RequestID}

	operation := func() error {
		out.Attempts++
		p.metrics.SubmissionAttempted()
		log.WithField("attempt", out.Attempts).Info("Submitting capture")

		receipt, err := p.minter.Mint(ctx, req)
		if err == nil {
			out.Receipt = receipt
			return nil
		}
		serr := asSubmissionError(err)
		if !serr.Retryable || serr.Kind == KindCanceled {
			return backoff.Permanent(serr)
		}
		return serr
	}

	notify := func(err error, delay time.Duration) {
		serr := asSubmissionError(err)
		log.WithFields(logrus.Fields{
			"attempt": out.Attempts,
			"delay":   delay,
			"error":   serr.Message,
		}).Warn("Submission failed, retrying")
		if p.notify != nil {
			p.notify(out.Attempts, delay, serr)
		}
	}

	err := backoff.RetryNotify(operation, p.policy.backOff(ctx), notify)
	if err == nil {
		log.WithFields(logrus.Fields{
			"attempts": out.Attempts,
			"to":       out.Receipt.Transaction.To,
		}).Info("Submission succeeded")
		p.metrics.SubmissionFinished(out.Kind())
		return out
	}

	// Anything but a SubmissionError is the context error of an interrupted wait.
	var serr *SubmissionError
	if !errors.As(err, &serr) {
		serr = canceled(err)
	}
	out.Err = serr
	log.WithFields(logrus.Fields{
		"attempts":  out.Attempts,
		"kind":      serr.Kind,
		"retryable": serr.Retryable,
		"error":     serr.Message,
	}).Error("Submission failed")

	p.metrics.SubmissionFinished(out.Kind())
	return out
}
