// Package report decides whether a tarpit visitor gets reported to
// AbuseIPDB and ships the reports without blocking the connection.
package report

import (
	"context"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"http-tarpit/internal/config"
	"http-tarpit/internal/metrics"
	"http-tarpit/internal/netaddr"

	"github.com/rs/zerolog/log"
)

// MaxCommentBytes is the AbuseIPDB comment limit.
const MaxCommentBytes = 1024

// Decision is the outcome of one MaybeReport call.
type Decision int

const (
	SentNow Decision = iota + 1
	SkippedRecent
	SkippedExcluded
	SkippedDisabled
	// SkippedQueueFull: the dispatcher refused the report, nothing was sent
	// and the IP is not marked.
	SkippedQueueFull
)

func (d Decision) String() string {
	switch d {
	case SentNow:
		return "sent-now"
	case SkippedRecent:
		return "skipped-recent"
	case SkippedExcluded:
		return "skipped-excluded"
	case SkippedDisabled:
		return "skipped-disabled"
	case SkippedQueueFull:
		return "skipped-queue-full"
	default:
		return "unknown"
	}
}

// Result carries the decision and, for SentNow, the instant the IP was
// marked as reported.
type Result struct {
	Decision   Decision
	ReportedAt time.Time
}

// Reported reports whether the caller should flag its event.
func (r Result) Reported() bool {
	return r.Decision == SentNow
}

// Report is the payload handed to the transport.
type Report struct {
	IP         string
	TargetPort int
	Categories string
	Comment    string
}

// RecentChecker is the durable "reported within interval" lookup.
type RecentChecker interface {
	WasReportedRecently(ctx context.Context, ip string, interval time.Duration) bool
}

// Sink accepts reports for asynchronous delivery. Submit must not block.
type Sink interface {
	Submit(r Report) error
}

// Gate
// ------------------------------------------------------------
// Order of checks in MaybeReport:
//  1. non-public address → SkippedExcluded
//  2. feature off or no API key → SkippedDisabled
//  3. cache reservation taken by someone else → SkippedRecent
//  4. durable store says reported within interval → SkippedRecent, the
//     reservation is released
//  5. hand the payload to the sink → SentNow
//
// The reservation in step 3 happens before the store lookup, so concurrent
// first-sight connections from one IP yield exactly one SentNow.
type Gate struct {
	enabled    bool
	categories string
	prefix     string
	interval   time.Duration

	cache   *Cache
	store   RecentChecker
	sink    Sink
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewGate wires the gate. sink may be nil when reporting is inactive.
func NewGate(cfg config.Config, cache *Cache, store RecentChecker, sink Sink, m *metrics.Metrics) *Gate {
	if m == nil {
		m = metrics.New()
	}
	if cache == nil {
		cache = NewCache(cfg.AbuseIPDBReportInterval, cfg.ReportCacheMax)
	}
	if cfg.AbuseIPDBEnabled && cfg.AbuseIPDBAPIKey == "" {
		log.Error().Msg("report: AbuseIPDB reporting is enabled but ABUSEIPDB_API_KEY is missing, reports disabled")
	}
	return &Gate{
		enabled:    cfg.ReportingActive() && sink != nil,
		categories: cfg.AbuseIPDBCategories,
		prefix:     cfg.AbuseIPDBCommentPrefix,
		interval:   cfg.AbuseIPDBReportInterval,
		cache:      cache,
		store:      store,
		sink:       sink,
		metrics:    m,
		now:        time.Now,
	}
}

// Enabled reports whether the gate can ever return SentNow.
func (g *Gate) Enabled() bool {
	return g.enabled
}

// MaybeReport applies the checks above. It never returns an error: every
// failure mode is a Decision.
func (g *Gate) MaybeReport(ctx context.Context, ip string, targetPort int, comment string) Result {
	if !netaddr.IsPublic(ip) {
		g.count(&g.metrics.ReportsSkippedExcludedTotal)
		return Result{Decision: SkippedExcluded}
	}
	if !g.enabled {
		g.count(&g.metrics.ReportsSkippedDisabledTotal)
		return Result{Decision: SkippedDisabled}
	}

	if !g.cache.Reserve(ip) {
		log.Debug().Str("client_ip", ip).Msg("report: recently reported (cache)")
		g.count(&g.metrics.ReportsSkippedRecentTotal)
		return Result{Decision: SkippedRecent}
	}

	// a durable hit gives the slot back: the stored report may be close to
	// expiry and must not be extended by a fresh cache interval
	if g.store != nil && g.store.WasReportedRecently(ctx, ip, g.interval) {
		g.cache.Release(ip)
		log.Debug().Str("client_ip", ip).Msg("report: recently reported (store)")
		g.count(&g.metrics.ReportsSkippedRecentTotal)
		return Result{Decision: SkippedRecent}
	}

	rep := Report{
		IP:         ip,
		TargetPort: targetPort,
		Categories: g.categories,
		Comment:    truncateBytes(g.prefix+comment, MaxCommentBytes),
	}
	if err := g.sink.Submit(rep); err != nil {
		g.cache.Release(ip)
		log.Warn().Err(err).Str("client_ip", ip).Int("target_port", targetPort).Msg("report: not scheduled")
		g.count(&g.metrics.ReportsDroppedTotal)
		return Result{Decision: SkippedQueueFull}
	}

	log.Info().Str("client_ip", ip).Int("target_port", targetPort).Str("categories", g.categories).
		Msg("report: scheduled AbuseIPDB report")
	g.count(&g.metrics.ReportsSentNowTotal)
	return Result{Decision: SentNow, ReportedAt: g.now().UTC()}
}

func (g *Gate) count(c *int64) {
	atomic.AddInt64(c, 1)
}

// Comment builds the free-text part of a report from request details.
// The user agent is cut to its first 100 characters.
func Comment(path, method, userAgent string) string {
	return "Path: " + path + ", Method: " + method + ", UA: " + truncateRunes(userAgent, 100)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		if n == 0 {
			break
		}
		b.WriteRune(r)
		n--
	}
	return b.String()
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
