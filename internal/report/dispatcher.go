package report

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"http-tarpit/internal/metrics"

	"github.com/remeh/sizedwaitgroup"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var (
	ErrQueueFull        = errors.New("report queue full")
	ErrDispatcherClosed = errors.New("report dispatcher closed")
)

// Sender delivers one report. Implementations must honor ctx.
type Sender interface {
	Send(ctx context.Context, r Report) error
}

type DispatcherConfig struct {
	Workers       int
	QueueSize     int
	RatePerMinute float64
	Timeout       time.Duration // per Send call
}

// Dispatcher
// ------------------------------------------------------------
// Bounded queue in front of the AbuseIPDB API.
//
//	Submit ─► queue (QueueSize) ─► N workers ─► rate limiter ─► Sender
//
// Submit never blocks: a full queue is reported as ErrQueueFull and the
// caller decides what to log. Failed sends are logged and not retried.
type Dispatcher struct {
	sender  Sender
	limiter *rate.Limiter
	timeout time.Duration
	metrics *metrics.Metrics

	queue chan Report
	swg   sizedwaitgroup.SizedWaitGroup

	mu     sync.RWMutex
	closed bool

	// cancels limiter waits and in-flight sends when Close runs out of time
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher starts the workers right away.
func NewDispatcher(sender Sender, cfg DispatcherConfig, m *metrics.Metrics) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if m == nil {
		m = metrics.New()
	}

	limit := rate.Inf
	if cfg.RatePerMinute > 0 {
		limit = rate.Limit(cfg.RatePerMinute / 60)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		sender:  sender,
		limiter: rate.NewLimiter(limit, 1),
		timeout: cfg.Timeout,
		metrics: m,
		queue:   make(chan Report, cfg.QueueSize),
		swg:     sizedwaitgroup.New(cfg.Workers),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		d.swg.Add()
		go d.worker()
	}
	return d
}

// Submit enqueues r without blocking.
func (d *Dispatcher) Submit(r Report) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- r:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued, not yet picked up reports.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Close
//
// Stops intake and lets the workers drain the queue. When ctx expires
// first, outstanding waits and sends are cancelled and ctx.Err() is
// returned; the queue remainder is dropped.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.swg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.swg.Done()
	for r := range d.queue {
		d.deliver(r)
	}
}

func (d *Dispatcher) deliver(r Report) {
	defer func() {
		if rec := recover(); rec != nil {
			atomic.AddInt64(&d.metrics.ReportsFailedTotal, 1)
			log.Error().Interface("panic", rec).Str("client_ip", r.IP).Msg("report: sender panicked")
		}
	}()

	if err := d.limiter.Wait(d.ctx); err != nil {
		atomic.AddInt64(&d.metrics.ReportsDroppedTotal, 1)
		log.Warn().Err(err).Str("client_ip", r.IP).Msg("report: dropped at shutdown")
		return
	}

	ctx := d.ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(d.ctx, d.timeout)
		defer cancel()
	}

	if err := d.sender.Send(ctx, r); err != nil {
		atomic.AddInt64(&d.metrics.ReportsFailedTotal, 1)
		log.Error().Err(err).Str("client_ip", r.IP).Int("target_port", r.TargetPort).Msg("report: AbuseIPDB report failed")
		return
	}
	atomic.AddInt64(&d.metrics.ReportsDeliveredTotal, 1)
}
