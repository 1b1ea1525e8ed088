// Package store persists finished connection events in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"http-tarpit/internal/model"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	client_ip TEXT NOT NULL,
	client_port INTEGER,
	target_port INTEGER,
	http_method TEXT,
	http_path TEXT,
	http_query TEXT,
	user_agent TEXT,
	headers_json TEXT,
	response_status INTEGER,
	bytes_sent INTEGER,
	duration_s REAL,
	error_message TEXT,
	country_iso_code TEXT,
	country_name TEXT,
	city_name TEXT,
	latitude REAL,
	longitude REAL,
	asn_number INTEGER,
	asn_organization TEXT,
	reported_to_abuseipdb INTEGER DEFAULT 0,
	abuseipdb_report_timestamp TEXT
)`

// columns added after the first schema; created databases get them via
// ALTER TABLE so old files keep working.
var addedColumns = []struct{ name, decl string }{
	{"target_port", "INTEGER"},
	{"http_version", "TEXT"},
	{"proxy_ip", "TEXT"},
	{"proxy_port", "INTEGER"},
}

const insertEvent = `
INSERT INTO events (
	timestamp, client_ip, client_port, target_port, proxy_ip, proxy_port,
	http_method, http_path, http_query, http_version, user_agent, headers_json,
	response_status, bytes_sent, duration_s, error_message,
	country_iso_code, country_name, city_name, latitude, longitude, asn_number, asn_organization,
	reported_to_abuseipdb, abuseipdb_report_timestamp
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectRecentReport = `
SELECT 1 FROM events
WHERE client_ip = ?
  AND reported_to_abuseipdb = 1
  AND abuseipdb_report_timestamp >= ?
LIMIT 1`

// SQLite is the durable event log. One *sql.DB with a single connection:
// SQLite serializes writers anyway, and one connection avoids SQLITE_BUSY
// storms between concurrent handlers.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates the parent directory, opens the database and makes sure the
// schema is current.
func Open(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init events table: %w", err)
	}

	log.Info().Str("path", path).Msg("store: events table ready")
	return &SQLite{db: db, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	for _, c := range addedColumns {
		if err := addColumn(db, c.name, c.decl); err != nil {
			return err
		}
	}
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS events_report_idx
		ON events (client_ip, reported_to_abuseipdb, abuseipdb_report_timestamp)`)
	return err
}

func addColumn(db *sql.DB, name, decl string) error {
	_, err := db.Exec("ALTER TABLE events ADD COLUMN " + name + " " + decl)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "duplicate column name") {
		return err
	}
	return nil
}

// Append
//
// Stores one finished event. Failures are logged and swallowed: losing a
// row is acceptable, failing the connection over it is not.
func (s *SQLite) Append(ctx context.Context, ev *model.ConnectionEvent) {
	if err := s.insert(ctx, ev); err != nil {
		log.Error().Err(err).Str("client_ip", ev.ClientIP).Msg("store: failed to log event")
		return
	}
	log.Debug().Str("client_ip", ev.ClientIP).Msg("store: event logged")
}

func (s *SQLite) insert(ctx context.Context, ev *model.ConnectionEvent) error {
	if s == nil || s.db == nil {
		return errors.New("store closed")
	}

	headers := ev.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}

	geo := ev.Geo
	if geo == nil {
		geo = &model.GeoRecord{}
	}

	reported := 0
	if ev.ReportedToAbuseIPDB {
		reported = 1
	}

	_, err = s.db.ExecContext(ctx, insertEvent,
		ev.Timestamp, ev.ClientIP, ev.ClientPort, ev.TargetPort, ev.ProxyIP, ev.ProxyPort,
		ev.Method, ev.Path, ev.Query, ev.HTTPVersion, ev.UserAgent, string(headersJSON),
		ev.ResponseStatus, ev.BytesSent, ev.DurationS, nullString(ev.ErrorMessage),
		nullString(geo.CountryISOCode), nullString(geo.CountryName), nullString(geo.CityName),
		nullFloat(geo.Latitude), nullFloat(geo.Longitude), nullInt(int64(geo.ASNNumber)), nullString(geo.ASNOrganization),
		reported, nullString(ev.AbuseIPDBReportTimestamp),
	)
	return err
}

// WasReportedRecently
//
// true if some stored event for ip carries the reported flag with a
// timestamp inside interval. Any storage error yields false: better one
// extra report than an IP that can never be reported again.
func (s *SQLite) WasReportedRecently(ctx context.Context, ip string, interval time.Duration) bool {
	if s == nil || s.db == nil {
		return false
	}
	threshold := model.FormatTime(s.now().Add(-interval))

	var one int
	err := s.db.QueryRowContext(ctx, selectRecentReport, ip, threshold).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		log.Debug().Str("client_ip", ip).Str("since", threshold).Msg("store: no recent report")
		return false
	case err != nil:
		log.Error().Err(err).Str("client_ip", ip).Msg("store: recent report check failed")
		return false
	}
	log.Debug().Str("client_ip", ip).Str("since", threshold).Msg("store: recent report found")
	return true
}

// Count returns the number of stored events.
func (s *SQLite) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n)
	return n, err
}

// Close closes the database.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f, Valid: f != 0}
}

func nullInt(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}
