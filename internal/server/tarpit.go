package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"http-tarpit/internal/config"
	"http-tarpit/internal/metrics"
	"http-tarpit/internal/model"
	"http-tarpit/internal/netaddr"
	"http-tarpit/internal/report"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	persistTimeout = 10 * time.Second
	gateTimeout    = 10 * time.Second

	msgShuttingDown = "server shutting down"
	msgReset        = "Connection reset by peer during write"
	msgBrokenPipe   = "Broken pipe during write"
)

var errFlushUnsupported = errors.New("response writer does not support flushing")

// Recorder persists finished events. It must swallow its own errors.
type Recorder interface {
	Append(ctx context.Context, ev *model.ConnectionEvent)
}

// Enricher attaches location data; nil means "no data".
type Enricher interface {
	Lookup(ip string) *model.GeoRecord
}

// Gate decides whether the client gets reported.
type Gate interface {
	MaybeReport(ctx context.Context, ip string, targetPort int, comment string) report.Result
}

// Archiver receives finished events after persistence. Submit must not
// block; false means the event was dropped.
type Archiver interface {
	Submit(ev *model.ConnectionEvent) bool
}

// Deps are the collaborators of a Tarpit. Geo, Gate and Archive are
// optional.
type Deps struct {
	Recorder Recorder
	Geo      Enricher
	Gate     Gate
	Archive  Archiver
	Metrics  *metrics.Metrics
}

// Tarpit
// ------------------------------------------------------------
// Root handler of the tarpit listener. Every request, whatever its method
// or path, is answered with 200 and a body that trickles out one chunk per
// delay until the byte budget is spent.
//
//	ACCEPTED → METADATA_BUILT → ENRICHING → HEADERS_SENT → STREAMING
//	         → STREAM_COMPLETE | STREAM_ABORTED → FINALIZED
//
// A preparation failure jumps to FINALIZED with status 500. Every path
// persists exactly one event.
type Tarpit struct {
	delay         time.Duration
	chunk         []byte
	maxBytes      int64
	portHeader    string
	enrichTimeout time.Duration

	recorder Recorder
	geo      Enricher
	gate     Gate
	archive  Archiver
	metrics  *metrics.Metrics

	// cancelled at process shutdown; wakes sleeping handlers
	life context.Context
}

// NewTarpit builds the handler. life should be cancelled when the process
// starts shutting down.
func NewTarpit(life context.Context, cfg config.Config, d Deps) *Tarpit {
	if life == nil {
		life = context.Background()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	chunk := cfg.ResponseChunk
	if len(chunk) == 0 {
		chunk = []byte(".")
	}
	return &Tarpit{
		delay:         cfg.ResponseDelay,
		chunk:         chunk,
		maxBytes:      cfg.MaxResponseBytes,
		portHeader:    cfg.TargetPortHeader,
		enrichTimeout: cfg.EnrichTimeout,
		recorder:      d.Recorder,
		geo:           d.Geo,
		gate:          d.Gate,
		archive:       d.Archive,
		metrics:       d.Metrics,
		life:          life,
	}
}

type phase int

const (
	phaseAccepted phase = iota
	phaseMetadataBuilt
	phaseEnriching
	phaseHeadersSent
	phaseStreaming
	phaseStreamComplete
	phaseStreamAborted
	phaseFinalized
)

func (p phase) String() string {
	switch p {
	case phaseAccepted:
		return "ACCEPTED"
	case phaseMetadataBuilt:
		return "METADATA_BUILT"
	case phaseEnriching:
		return "ENRICHING"
	case phaseHeadersSent:
		return "HEADERS_SENT"
	case phaseStreaming:
		return "STREAMING"
	case phaseStreamComplete:
		return "STREAM_COMPLETE"
	case phaseStreamAborted:
		return "STREAM_ABORTED"
	case phaseFinalized:
		return "FINALIZED"
	default:
		return "UNKNOWN"
	}
}

// conn is the per-request state. Only the handler goroutine touches it.
type conn struct {
	ev       *model.ConnectionEvent
	phase    phase
	log      zerolog.Logger
	decision report.Decision
}

func (c *conn) enter(p phase) {
	c.log.Debug().Str("from", c.phase.String()).Str("to", p.String()).Msg("tarpit: phase")
	c.phase = p
}

func (t *Tarpit) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	atomic.AddInt64(&t.metrics.ConnectionsTotal, 1)
	atomic.AddInt64(&t.metrics.ConnectionsActive, 1)
	defer atomic.AddInt64(&t.metrics.ConnectionsActive, -1)

	c := t.accept(r, start)
	defer t.finalize(c, start)

	t.enrich(c)

	rc := http.NewResponseController(w)
	if err := t.prepare(w, rc); err != nil {
		t.prepareFailed(w, c, err)
		return
	}

	t.stream(r.Context(), w, rc, c)
}

// accept builds the event skeleton from the request line, headers and
// peer address.
func (t *Tarpit) accept(r *http.Request, start time.Time) *conn {
	peerIP, peerPort := peerAddr(r)
	ua := r.UserAgent()
	if ua == "" {
		ua = "N/A"
	}

	ev := &model.ConnectionEvent{
		Timestamp:   model.FormatTime(start),
		ClientIP:    clientIP(r, peerIP),
		ClientPort:  peerPort,
		ProxyIP:     peerIP,
		ProxyPort:   peerPort,
		Method:      r.Method,
		Path:        r.URL.Path,
		Query:       r.URL.RawQuery,
		HTTPVersion: strconv.Itoa(r.ProtoMajor) + "." + strconv.Itoa(r.ProtoMinor),
		UserAgent:   ua,
		Headers:     headerMap(r),
	}

	c := &conn{
		ev:    ev,
		phase: phaseAccepted,
		log: log.With().
			Str("client_ip", ev.ClientIP).
			Int("client_port", ev.ClientPort).
			Logger(),
	}

	port, err := targetPort(r, t.portHeader)
	if err != nil {
		atomic.AddInt64(&t.metrics.TargetPortMalformedTotal, 1)
		c.log.Warn().Err(err).Msg("tarpit: ignoring malformed target port")
	}
	ev.TargetPort = port

	c.enter(phaseMetadataBuilt)
	c.log.Info().
		Int("target_port", ev.TargetPort).
		Str("proxy_ip", ev.ProxyIP).
		Str("http_method", ev.Method).
		Str("http_path", ev.Path).
		Str("http_query", ev.Query).
		Str("http_version", ev.HTTPVersion).
		Str("user_agent", ev.UserAgent).
		Msg("tarpit: connection received")
	return c
}

// enrich runs the GeoIP lookup and the report gate side by side and waits
// for both, at most enrichTimeout. Late results are thrown away; the
// goroutines only ever write to their own buffered channel.
func (t *Tarpit) enrich(c *conn) {
	c.enter(phaseEnriching)

	ip := c.ev.ClientIP
	port := c.ev.TargetPort

	geoCh := make(chan *model.GeoRecord, 1)
	gateCh := make(chan report.Result, 1)
	pending := 0

	if t.geo != nil && netaddr.IsPublic(ip) {
		pending++
		atomic.AddInt64(&t.metrics.GeoLookupsTotal, 1)
		go func() {
			var rec *model.GeoRecord
			defer func() {
				if p := recover(); p != nil {
					log.Error().Interface("panic", p).Str("client_ip", ip).Msg("tarpit: geoip lookup panicked")
				}
				geoCh <- rec
			}()
			rec = t.geo.Lookup(ip)
		}()
	}

	if t.gate != nil {
		pending++
		comment := report.Comment(c.ev.Path, c.ev.Method, c.ev.UserAgent)
		go func() {
			var res report.Result
			defer func() {
				if p := recover(); p != nil {
					log.Error().Interface("panic", p).Str("client_ip", ip).Msg("tarpit: report gate panicked")
				}
				gateCh <- res
			}()
			// detached from both the client and shutdown: a cancelled
			// recency query fails open
			ctx, cancel := context.WithTimeout(context.WithoutCancel(t.life), gateTimeout)
			defer cancel()
			res = t.gate.MaybeReport(ctx, ip, port, comment)
		}()
	}

	if pending == 0 {
		return
	}

	timer := time.NewTimer(t.enrichTimeout)
	defer timer.Stop()

	for pending > 0 {
		select {
		case rec := <-geoCh:
			pending--
			if rec != nil {
				atomic.AddInt64(&t.metrics.GeoHitsTotal, 1)
				c.ev.Geo = rec
			}
		case res := <-gateCh:
			pending--
			c.decision = res.Decision
			if res.Reported() {
				c.ev.ReportedToAbuseIPDB = true
				c.ev.AbuseIPDBReportTimestamp = model.FormatTime(res.ReportedAt)
			}
			c.log.Debug().Str("decision", res.Decision.String()).Msg("tarpit: report gate")
		case <-timer.C:
			atomic.AddInt64(&t.metrics.EnrichTimeoutsTotal, 1)
			c.log.Warn().Dur("timeout", t.enrichTimeout).Int("pending", pending).
				Msg("tarpit: enrichment timed out, continuing without it")
			return
		}
	}
}

// prepare sets the response headers, writes 200 and flushes so the client
// sees the status line right away.
func (t *Tarpit) prepare(w http.ResponseWriter, rc *http.ResponseController) error {
	if !canFlush(w) {
		return errFlushUnsupported
	}
	h := w.Header()
	h.Set("Content-Type", "text/plain")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return &headersSentError{fmt.Errorf("flush headers: %w", err)}
	}
	return nil
}

// headersSentError marks a preparation failure after WriteHeader.
type headersSentError struct{ err error }

func (e *headersSentError) Error() string { return e.err.Error() }
func (e *headersSentError) Unwrap() error { return e.err }

func (t *Tarpit) prepareFailed(w http.ResponseWriter, c *conn, err error) {
	atomic.AddInt64(&t.metrics.PrepareFailuresTotal, 1)
	c.ev.ResponseStatus = http.StatusInternalServerError
	c.ev.ErrorMessage = "Error during request preparation: " + err.Error()
	c.log.Error().Err(err).Msg("tarpit: request preparation failed")

	var sent *headersSentError
	if !errors.As(err, &sent) {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// canFlush follows Unwrap chains the same way http.ResponseController does.
func canFlush(w http.ResponseWriter) bool {
	for {
		switch v := w.(type) {
		case http.Flusher:
			return true
		case interface{ Unwrap() http.ResponseWriter }:
			w = v.Unwrap()
		default:
			return false
		}
	}
}

// stream
//
// Writes one chunk, flushes, counts it, then sleeps. The last chunk is cut
// so bytes_sent never exceeds maxBytes, and no sleep follows it.
// A peer that went away is noticed at the next write: net/http cancels the
// request context once its background read hits EOF.
func (t *Tarpit) stream(ctx context.Context, w http.ResponseWriter, rc *http.ResponseController, c *conn) {
	c.ev.ResponseStatus = http.StatusOK
	c.enter(phaseHeadersSent)
	c.enter(phaseStreaming)

	for c.ev.BytesSent < t.maxBytes {
		chunk := t.chunk
		if rest := t.maxBytes - c.ev.BytesSent; int64(len(chunk)) > rest {
			chunk = chunk[:rest]
		}

		if err := t.writeChunk(ctx, w, rc, chunk); err != nil {
			t.abort(c, writeErrorMessage(err, c.ev.ClientIP, c.ev.ClientPort), err)
			return
		}
		c.ev.BytesSent += int64(len(chunk))
		atomic.AddInt64(&t.metrics.BytesSentTotal, int64(len(chunk)))

		if c.ev.BytesSent >= t.maxBytes {
			break
		}

		timer := time.NewTimer(t.delay)
		select {
		case <-timer.C:
		case <-t.life.Done():
			timer.Stop()
			t.abort(c, msgShuttingDown, nil)
			return
		}
	}

	if ctx.Err() != nil {
		c.log.Debug().Msg("tarpit: peer gone at end of stream")
	}
	atomic.AddInt64(&t.metrics.ConnectionsCompletedTotal, 1)
	c.enter(phaseStreamComplete)
}

func (t *Tarpit) writeChunk(ctx context.Context, w http.ResponseWriter, rc *http.ResponseController, chunk []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := w.Write(chunk); err != nil {
		return err
	}
	return rc.Flush()
}

func (t *Tarpit) abort(c *conn, msg string, err error) {
	atomic.AddInt64(&t.metrics.ConnectionsAbortedTotal, 1)
	c.ev.ErrorMessage = msg
	c.log.Warn().Err(err).Int64("bytes_sent", c.ev.BytesSent).Msg("tarpit: " + msg)
	c.enter(phaseStreamAborted)
}

// writeErrorMessage classifies a failed write or flush.
func writeErrorMessage(err error, ip string, port int) string {
	switch {
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, context.Canceled), errors.Is(err, net.ErrClosed):
		return msgReset
	case errors.Is(err, syscall.EPIPE):
		return msgBrokenPipe
	default:
		return fmt.Sprintf("Error writing to %s: %v", net.JoinHostPort(ip, strconv.Itoa(port)), err)
	}
}

// finalize stamps duration, logs the outcome and persists the event with a
// context that outlives the request.
func (t *Tarpit) finalize(c *conn, start time.Time) {
	ev := c.ev
	ev.DurationS = math.Round(time.Since(start).Seconds()*1000) / 1000
	c.enter(phaseFinalized)

	lvl := zerolog.InfoLevel
	if ev.ErrorMessage != "" {
		lvl = zerolog.WarnLevel
	}
	e := c.log.WithLevel(lvl).
		Int("target_port", ev.TargetPort).
		Str("http_method", ev.Method).
		Str("http_path", ev.Path).
		Int("response_status", ev.ResponseStatus).
		Int64("bytes_sent", ev.BytesSent).
		Float64("duration_s", ev.DurationS).
		Bool("reported_to_abuseipdb", ev.ReportedToAbuseIPDB).
		Str("report_decision", decisionString(c.decision))
	if ev.ErrorMessage != "" {
		e = e.Str("error_message", ev.ErrorMessage)
	}
	if ev.Geo != nil {
		e = e.Str("country_iso_code", ev.Geo.CountryISOCode).Uint("asn_number", ev.Geo.ASNNumber)
	}
	e.Msg("tarpit: connection finished")

	t.persist(ev)
}

func (t *Tarpit) persist(ev *model.ConnectionEvent) {
	defer func() {
		if p := recover(); p != nil {
			atomic.AddInt64(&t.metrics.RecordPanicsTotal, 1)
			log.Error().Interface("panic", p).Str("client_ip", ev.ClientIP).Msg("tarpit: event persistence panicked")
		}
	}()

	if t.recorder != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(t.life), persistTimeout)
		defer cancel()
		t.recorder.Append(ctx, ev)
		atomic.AddInt64(&t.metrics.EventsRecordedTotal, 1)
	}

	if t.archive != nil && !t.archive.Submit(ev) {
		atomic.AddInt64(&t.metrics.ArchiveEventsDroppedTotal, 1)
	}
}

func decisionString(d report.Decision) string {
	if d == 0 {
		return "none"
	}
	return d.String()
}
