// Package worker archives finished connection events to S3: events are
// batched, encoded as gzip'd JSONL and uploaded, with a local dead letter
// queue for batches S3 refuses.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"http-tarpit/internal/config"
	"http-tarpit/internal/metrics"
	"http-tarpit/internal/model"

	"github.com/rs/zerolog/log"
)

// DLQ replays per wake-up, so one slow batch cannot starve the backlog.
const dlqBurst = 3

// Manager
// ------------------------------------------------------------
//
//	Submit ─► events ─► collectLoop ─► uploadCh ─► uploadLoop ─► S3
//	                    (BatchSize or                   │
//	                     FlushInterval)                 └─ on failure ─► DLQ
//
// Submit never blocks: the tarpit handler calls it from its finalize step
// and a full channel just drops the event (it is already in SQLite).
type Manager struct {
	cfg      config.Config
	metrics  *metrics.Metrics
	uploader Uploader
	dlq      *DLQManager
	encoder  *Encoder
	now      func() time.Time

	events   chan *model.ConnectionEvent
	uploadCh chan model.UploadJob

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager wires the pipeline around uploader.
func NewManager(cfg config.Config, m *metrics.Metrics, uploader Uploader) (*Manager, error) {
	dlq, err := NewDLQManager(cfg, m, uploader)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		metrics:  m,
		uploader: uploader,
		dlq:      dlq,
		encoder:  NewEncoder(),
		now:      time.Now,
		events:   make(chan *model.ConnectionEvent, max(cfg.ArchiveChannelSize, 1)),
		uploadCh: make(chan model.UploadJob, max(cfg.ArchiveUploadQueue, 1)),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start launches the collector and the uploader.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.collectLoop()
	go m.uploadLoop()
	log.Info().
		Str("bucket", m.cfg.ArchiveBucket).
		Str("prefix", m.cfg.ArchivePrefix).
		Int("batch_size", m.cfg.ArchiveBatchSize).
		Dur("flush_interval", m.cfg.ArchiveFlushInterval).
		Msg("archive: started")
}

// Submit hands a finished event to the archive. false means it was
// dropped (channel full or shutting down).
func (m *Manager) Submit(ev *model.ConnectionEvent) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false
	}
	select {
	case m.events <- ev:
		return true
	default:
		log.Warn().Str("client_ip", ev.ClientIP).Msg("archive: channel full, event not archived")
		return false
	}
}

// Shutdown
//
// Stops intake, flushes the open batch and waits for uploads. When ctx
// expires first, in-flight uploads are cancelled (their batches go to the
// DLQ) and ctx.Err() is returned.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		close(m.events)
		m.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return ctx.Err()
	}
}

// collectLoop groups events into batches of ArchiveBatchSize, flushing a
// partial batch every ArchiveFlushInterval. Each flush hands over a fresh
// slice.
func (m *Manager) collectLoop() {
	defer m.wg.Done()
	defer close(m.uploadCh)

	size := max(m.cfg.ArchiveBatchSize, 1)
	interval := m.cfg.ArchiveFlushInterval
	if interval <= 0 {
		interval = time.Minute
	}

	batch := make([]*model.ConnectionEvent, 0, size)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	reset := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)
	}

	flush := func() {
		if len(batch) == 0 {
			return
		}
		m.uploadCh <- model.UploadJob{Events: batch}
		batch = make([]*model.ConnectionEvent, 0, size)
	}

	for {
		select {
		case ev, ok := <-m.events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= size {
				flush()
				reset()
			}

		case <-timer.C:
			flush()
			timer.Reset(interval)
		}
	}
}

// uploadLoop uploads batches as they come and replays a few DLQ files
// after each one, plus on an idle tick.
func (m *Manager) uploadLoop() {
	defer m.wg.Done()

	idle := time.NewTicker(5 * time.Second)
	defer idle.Stop()

	for {
		select {
		case job, ok := <-m.uploadCh:
			if !ok {
				log.Info().Msg("archive: uploader exiting")
				return
			}
			m.process(m.ctx, job)
			m.drainDLQ()

		case <-idle.C:
			m.drainDLQ()
		}
	}
}

func (m *Manager) drainDLQ() {
	for i := 0; i < dlqBurst; i++ {
		if !m.dlq.ProcessOne(m.ctx) {
			return
		}
	}
}

// process encodes one batch and uploads it; an upload failure spills the
// encoded bytes to the DLQ.
func (m *Manager) process(ctx context.Context, job model.UploadJob) {
	n := len(job.Events)
	if n == 0 {
		return
	}

	data, err := m.encoder.EncodeBatch(job.Events)
	if err != nil {
		atomic.AddInt64(&m.metrics.DLQEventsDroppedTotal, int64(n))
		log.Error().Err(err).Int("events", n).Msg("archive: batch encoding failed, dropped")
		return
	}

	now := m.now()
	key := BuildS3Key(m.cfg.ArchivePrefix, NewFilename(m.cfg.InstanceID, now), now)

	if err := m.uploader.UploadBytes(ctx, key, data); err != nil {
		log.Error().Err(err).Str("key", key).Int("events", n).Msg("archive: upload failed, saving to DLQ")
		if err := m.dlq.Save(data, n); err != nil {
			log.Error().Err(err).Msg("archive: local DLQ save failed")
		}
		return
	}

	atomic.AddInt64(&m.metrics.S3EventsStoredTotal, int64(n))
	log.Debug().Str("key", key).Int("events", n).Int("bytes", len(data)).Msg("archive: batch uploaded")
}
