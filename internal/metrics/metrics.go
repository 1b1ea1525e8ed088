package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Metrics is the set of process-wide counters. Every field is updated with
// sync/atomic and read through String.
type Metrics struct {
	// ======================
	// Connection level
	// ======================

	// ConnectionsTotal
	// - every request that reached the tarpit handler, whatever the method
	//   or path.
	ConnectionsTotal int64

	// ConnectionsActive
	// - gauge: handlers currently drip-feeding a peer.
	// - with a long RESPONSE_DELAY this is the number of scanners held.
	ConnectionsActive int64

	// ConnectionsCompletedTotal
	// - connections that received the whole body.
	ConnectionsCompletedTotal int64

	// ConnectionsAbortedTotal
	// - connections that ended with a write error (peer reset, broken pipe,
	//   shutdown). ConnectionsTotal - Completed - Aborted - PrepareFailures
	//   should stay near zero.
	ConnectionsAbortedTotal int64

	// PrepareFailuresTotal
	// - failures before the first chunk; recorded as status 500.
	PrepareFailuresTotal int64

	// BytesSentTotal
	// - body bytes actually handed to the transport.
	BytesSentTotal int64

	// TargetPortMalformedTotal
	// - target-port header present but not a port number.
	TargetPortMalformedTotal int64

	// EnrichTimeoutsTotal
	// - GeoIP or report decisions abandoned after ENRICH_TIMEOUT.
	EnrichTimeoutsTotal int64

	// ======================
	// Enrichment
	// ======================

	// GeoLookupsTotal / GeoHitsTotal
	// - lookups attempted for public IPs and those that produced data.
	GeoLookupsTotal int64
	GeoHitsTotal    int64

	// ======================
	// Abuse reporting
	// ======================

	// one counter per gate decision
	ReportsSentNowTotal         int64
	ReportsSkippedRecentTotal   int64
	ReportsSkippedExcludedTotal int64
	ReportsSkippedDisabledTotal int64

	// ReportsDroppedTotal
	// - reports refused by the dispatcher queue (full or closed), plus
	//   queued reports abandoned at shutdown.
	ReportsDroppedTotal int64

	// ReportsDeliveredTotal / ReportsFailedTotal
	// - HTTP outcome of the AbuseIPDB call; failures are not retried.
	ReportsDeliveredTotal int64
	ReportsFailedTotal    int64

	// ======================
	// Persistence
	// ======================

	// EventsRecordedTotal
	// - events handed to the store (the store swallows its own errors).
	EventsRecordedTotal int64

	// RecordPanicsTotal
	// - panics recovered while persisting an event.
	RecordPanicsTotal int64

	// ArchiveEventsDroppedTotal
	// - events the archive channel could not accept.
	ArchiveEventsDroppedTotal int64

	// ======================
	// S3 archive
	// ======================

	// S3EventsStoredTotal
	// - events (not batches) stored in S3 under the main prefix.
	S3EventsStoredTotal int64

	// S3PutErrorsTotal
	// - failed PutObject attempts; one batch can add several.
	S3PutErrorsTotal int64

	// ======================
	// DLQ (dead letter queue)
	// ======================

	DLQEventsEnqueuedTotal   int64
	DLQEventsReuploadedTotal int64

	// DLQEventsDroppedTotal
	// - batches refused because the DLQ hit DLQ_MAX_SIZE_BYTES. Non-zero
	//   means archive data is being lost.
	DLQEventsDroppedTotal int64

	DLQFilesExpiredTotal int64

	// gauges
	DLQFilesCurrent int64
	DLQSizeBytes    int64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) String() string {
	var sb strings.Builder
	sb.Grow(1024)

	write := func(name string, v *int64) {
		fmt.Fprintf(&sb, "%s=%d\n", name, atomic.LoadInt64(v))
	}

	write("tarpit_connections_total", &m.ConnectionsTotal)
	write("tarpit_connections_active", &m.ConnectionsActive)
	write("tarpit_connections_completed_total", &m.ConnectionsCompletedTotal)
	write("tarpit_connections_aborted_total", &m.ConnectionsAbortedTotal)
	write("tarpit_prepare_failures_total", &m.PrepareFailuresTotal)
	write("tarpit_bytes_sent_total", &m.BytesSentTotal)
	write("tarpit_target_port_malformed_total", &m.TargetPortMalformedTotal)
	write("tarpit_enrich_timeouts_total", &m.EnrichTimeoutsTotal)

	write("geoip_lookups_total", &m.GeoLookupsTotal)
	write("geoip_hits_total", &m.GeoHitsTotal)

	write("reports_sent_now_total", &m.ReportsSentNowTotal)
	write("reports_skipped_recent_total", &m.ReportsSkippedRecentTotal)
	write("reports_skipped_excluded_total", &m.ReportsSkippedExcludedTotal)
	write("reports_skipped_disabled_total", &m.ReportsSkippedDisabledTotal)
	write("reports_dropped_total", &m.ReportsDroppedTotal)
	write("reports_delivered_total", &m.ReportsDeliveredTotal)
	write("reports_failed_total", &m.ReportsFailedTotal)

	write("events_recorded_total", &m.EventsRecordedTotal)
	write("events_record_panics_total", &m.RecordPanicsTotal)
	write("archive_events_dropped_total", &m.ArchiveEventsDroppedTotal)

	write("s3_events_stored_total", &m.S3EventsStoredTotal)
	write("s3_put_errors_total", &m.S3PutErrorsTotal)

	write("dlq_events_enqueued_total", &m.DLQEventsEnqueuedTotal)
	write("dlq_events_reuploaded_total", &m.DLQEventsReuploadedTotal)
	write("dlq_events_dropped_total", &m.DLQEventsDroppedTotal)
	write("dlq_files_expired_total", &m.DLQFilesExpiredTotal)
	write("dlq_files_current", &m.DLQFilesCurrent)
	write("dlq_size_bytes", &m.DLQSizeBytes)

	return sb.String()
}
