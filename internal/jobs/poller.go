package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type PollerConfig struct {
	MinPayloadBytes int
	BaseInterval    time.Duration
	Growth          float64
	MaxInterval     time.Duration
	// Timeout bounds the whole job from submission, independent of polling.
	Timeout time.Duration
	// RequestTimeout bounds each submit or status call.
	RequestTimeout time.Duration
	// OnPoll observes every poll attempt with the interval that preceded it.
	OnPoll func(jobID string, attempt int, interval time.Duration)
}

// Poller submits jobs and long-polls them with exponential backoff.
type Poller struct {
	svc   Service
	cfg   PollerConfig
	log   *slog.Logger
	clock func() time.Time

	polls    metric.Int64Counter
	outcomes metric.Int64Counter
}

func NewPoller(svc Service, cfg PollerConfig, log *slog.Logger) *Poller {
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = time.Second
	}
	if cfg.Growth < 1 {
		cfg.Growth = 1
	}
	if cfg.MaxInterval < cfg.BaseInterval {
		cfg.MaxInterval = cfg.BaseInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	p := &Poller{
		svc:   svc,
		cfg:   cfg,
		log:   log.With(slog.String("component", "jobs.poller")),
		clock: time.Now,
	}
	meter := otel.Meter("github.com/loqalabs/loqa-dictation/jobs")
	var err error
	if p.polls, err = meter.Int64Counter("dictation_job_polls_total"); err != nil {
		p.log.Warn("failed to create metric", slogError(err))
	}
	if p.outcomes, err = meter.Int64Counter("dictation_job_outcomes_total"); err != nil {
		p.log.Warn("failed to create metric", slogError(err))
	}
	return p
}

// Start submits the payload and begins polling. Payloads below the minimum
// size are rejected without contacting the service.
func (p *Poller) Start(ctx context.Context, payload []byte, mimeType string) (*Handle, error) {
	if len(payload) < p.cfg.MinPayloadBytes {
		return nil, fmt.Errorf("%w: %d < %d bytes", ErrPayloadTooSmall, len(payload), p.cfg.MinPayloadBytes)
	}

	submitCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	id, err := p.svc.Submit(submitCtx, payload, mimeType)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("submit job: %w", err)
	}

	hctx, hcancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{
		p:      p,
		ctx:    hctx,
		cancel: hcancel,
		done:   make(chan struct{}),
		job: Job{
			ID:          id,
			SubmittedAt: p.clock(),
			Status:      StatusQueued,
		},
	}
	p.log.Info("transcription job submitted", slog.String("job_id", id), slog.Int("bytes", len(payload)))

	h.mu.Lock()
	if p.cfg.Timeout > 0 {
		h.deadline = time.AfterFunc(p.cfg.Timeout, func() {
			h.finish(StatusTimedOut, "", ErrJobTimedOut)
		})
	}
	h.stopWatch = context.AfterFunc(ctx, h.Cancel)
	h.schedulePollLocked(p.cfg.BaseInterval)
	h.mu.Unlock()
	return h, nil
}

// Await submits the payload and blocks until a terminal result.
func (p *Poller) Await(ctx context.Context, payload []byte, mimeType string) (string, error) {
	h, err := p.Start(ctx, payload, mimeType)
	if err != nil {
		return "", err
	}
	return h.Wait(ctx)
}

func (p *Poller) next(interval time.Duration) time.Duration {
	grown := time.Duration(float64(interval) * p.cfg.Growth)
	if grown < interval {
		grown = interval
	}
	if grown > p.cfg.MaxInterval {
		grown = p.cfg.MaxInterval
	}
	return grown
}

// Handle is one job's polling loop.
type Handle struct {
	p         *Poller
	ctx       context.Context
	cancel    context.CancelFunc
	stopWatch func() bool

	mu       sync.Mutex
	job      Job
	timer    *time.Timer
	deadline *time.Timer
	finished bool
	done     chan struct{}
	text     string
	err      error
}

// Job returns a snapshot of the job record.
func (h *Handle) Job() Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	j := h.job
	if j.Result != nil {
		r := *j.Result
		j.Result = &r
	}
	return j
}

// Done is closed once the job reaches a terminal status.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until a terminal result. If ctx ends first, polling is cancelled.
func (h *Handle) Wait(ctx context.Context) (string, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		h.Cancel()
		<-h.done
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.text, h.err
}

// Cancel stops polling. The scheduled poll timer is stopped before Cancel
// returns, so no further poll fires.
func (h *Handle) Cancel() {
	h.finish(StatusCancelled, "", ErrCancelled)
}

func (h *Handle) schedulePollLocked(interval time.Duration) {
	if h.finished {
		return
	}
	h.job.PollInterval = interval
	h.timer = time.AfterFunc(interval, h.poll)
}

func (h *Handle) poll() {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.job.Polls++
	attempt := h.job.Polls
	interval := h.job.PollInterval
	id := h.job.ID
	h.mu.Unlock()

	p := h.p
	if p.cfg.OnPoll != nil {
		p.cfg.OnPoll(id, attempt, interval)
	}
	if p.polls != nil {
		p.polls.Add(h.ctx, 1)
	}

	ctx, span := otel.Tracer("github.com/loqalabs/loqa-dictation/jobs").Start(h.ctx, "jobs.poll")
	span.SetAttributes(attribute.String("job.id", id), attribute.Int("job.attempt", attempt))
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	report, err := p.svc.Status(reqCtx, id)
	cancel()
	span.End()

	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			h.finish(StatusNotFound, "", ErrJobNotFound)
			return
		}
		p.log.Warn("job status check failed; will retry", slog.String("job_id", id), slog.Int("attempt", attempt), slogError(err))
		h.reschedule(interval)
		return
	}

	switch report.Status {
	case StatusCompleted:
		h.finish(StatusCompleted, NormalizeText(report.Text), nil)
	case StatusFailed:
		reason := report.FailureReason
		if reason == "" {
			reason = "no reason given"
		}
		h.finish(StatusFailed, "", fmt.Errorf("%w: %s", ErrJobFailed, reason))
	case StatusNotFound:
		h.finish(StatusNotFound, "", ErrJobNotFound)
	default:
		h.mu.Lock()
		if !h.finished {
			h.job.Status = report.Status
		}
		h.mu.Unlock()
		h.reschedule(interval)
	}
}

func (h *Handle) reschedule(prev time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.schedulePollLocked(h.p.next(prev))
}

func (h *Handle) finish(status Status, text string, err error) {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.finished = true
	if h.timer != nil {
		h.timer.Stop()
	}
	if h.deadline != nil {
		h.deadline.Stop()
	}
	h.job.Status = status
	if status == StatusCompleted {
		result := text
		h.job.Result = &result
	}
	h.text = text
	h.err = err
	id := h.job.ID
	polls := h.job.Polls
	elapsed := h.p.clock().Sub(h.job.SubmittedAt)
	stopWatch := h.stopWatch
	h.mu.Unlock()

	h.cancel()
	if stopWatch != nil {
		stopWatch()
	}
	close(h.done)

	if h.p.outcomes != nil {
		h.p.outcomes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
	attrs := []any{slog.String("job_id", id), slog.String("status", string(status)), slog.Int("polls", polls), slog.Duration("elapsed", elapsed)}
	if err != nil && status != StatusCancelled {
		h.p.log.Warn("transcription job ended", append(attrs, slogError(err))...)
		return
	}
	h.p.log.Info("transcription job ended", attrs...)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
