// internal/model/event.go
package model

import "time"

// TimeLayout is the on-disk timestamp format. Fixed width and always UTC,
// so string comparison in SQL orders the same way as time.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// FormatTime renders t in TimeLayout (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ConnectionEvent
// ------------------------------------------------------------
// One record per accepted connection. The tarpit handler owns it for the
// whole lifetime of the request and fills it in phase by phase; once it is
// handed to the recorder it is never modified again.
//
// Handler → Recorder (SQLite) → Archive (S3, optional)
type ConnectionEvent struct {
	Timestamp   string `json:"timestamp"`    // request start, UTC, TimeLayout
	ClientIP    string `json:"client_ip"`    // X-Forwarded-For / X-Real-IP / peer
	ClientPort  int    `json:"client_port"`  // peer port
	ProxyIP     string `json:"proxy_ip"`     // raw peer address, always
	ProxyPort   int    `json:"proxy_port"`   // raw peer port, always
	TargetPort  int    `json:"target_port"`  // port the scanner originally hit (0 = unknown)
	Method      string `json:"http_method"`  //
	Path        string `json:"http_path"`    //
	Query       string `json:"http_query"`   // raw query string
	HTTPVersion string `json:"http_version"` // "1.1", "2.0"
	UserAgent   string `json:"user_agent"`   // "N/A" when absent

	Headers map[string]string `json:"headers"` // canonical key → first value

	ResponseStatus int     `json:"response_status"`
	BytesSent      int64   `json:"bytes_sent"`
	DurationS      float64 `json:"duration_s"`
	ErrorMessage   string  `json:"error_message,omitempty"`

	Geo *GeoRecord `json:"geoip_data,omitempty"`

	ReportedToAbuseIPDB      bool   `json:"reported_to_abuseipdb"`
	AbuseIPDBReportTimestamp string `json:"abuseipdb_report_timestamp,omitempty"`
}

// GeoRecord is the optional location/network data attached to an event.
type GeoRecord struct {
	CountryISOCode  string  `json:"country_iso_code,omitempty"`
	CountryName     string  `json:"country_name,omitempty"`
	CityName        string  `json:"city_name,omitempty"`
	Latitude        float64 `json:"latitude,omitempty"`
	Longitude       float64 `json:"longitude,omitempty"`
	ASNNumber       uint    `json:"asn_number,omitempty"`
	ASNOrganization string  `json:"asn_organization,omitempty"`
}

// Empty reports whether no field was filled in.
func (g *GeoRecord) Empty() bool {
	return g == nil || *g == GeoRecord{}
}

// UploadJob
// ------------------------------------------------------------
// A batch of finished events handed from the archive collector to the
// uploader.
type UploadJob struct {
	Events []*ConnectionEvent
}
