// internal/config/config.go
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config
//
// Every setting the tarpit needs, read once at startup by Load() and then
// passed by value into each component's constructor. Nothing reads the
// environment after Load() returns.
type Config struct {

	// ---------------------------
	// Service identity / network
	// ---------------------------

	ServiceName string // shows up as "service" on every log line
	InstanceID  string // hostname, random hex when unavailable
	Host        string // listen host
	Port        int    // listen port
	MetricsAddr string // operator listener for /metrics and /health ("" = off)

	// ---------------------------
	// Drip feed
	// ---------------------------

	ResponseDelay    time.Duration // pause between two chunks
	ResponseChunk    []byte        // bytes written per iteration
	MaxResponseBytes int64         // byte budget per connection
	TargetPortHeader string        // header carrying the port the scanner originally hit
	EnrichTimeout    time.Duration // max wait for GeoIP + report gate before streaming
	ShutdownTimeout  time.Duration // how long in-flight connections get to finalize

	// ---------------------------
	// AbuseIPDB
	// ---------------------------

	AbuseIPDBEnabled        bool
	AbuseIPDBAPIKey         string
	AbuseIPDBAPIURL         string
	AbuseIPDBCategories     string
	AbuseIPDBCommentPrefix  string
	AbuseIPDBReportInterval time.Duration // dedup window per IP
	AbuseIPDBTimeout        time.Duration // per-call HTTP timeout
	AbuseIPDBRatePerMinute  float64       // outbound report throttle
	AbuseIPDBQueueSize      int
	AbuseIPDBWorkers        int
	ReportCacheMax          int // in-memory dedup cache ceiling

	// ---------------------------
	// GeoIP / storage
	// ---------------------------

	GeoCityDBPath string
	GeoASNDBPath  string
	SQLiteDBFile  string

	// ---------------------------
	// Logging
	// ---------------------------

	LogLevel      string // console level
	LogFileLevel  string // file level
	LogFile       string // "" = console only
	LogPretty     bool
	LogSampleN    uint32
	LogMaxSizeMB  int
	LogMaxBackups int

	// ---------------------------
	// Event archive (S3, optional)
	// ---------------------------
	// S3 SDK retries stay at 0; S3AppRetries is the only retry budget.

	ArchiveBucket        string // "" = archive disabled
	AWSRegion            string
	ArchivePrefix        string
	ArchiveDLQPrefix     string
	ArchiveChannelSize   int
	ArchiveUploadQueue   int
	ArchiveBatchSize     int
	ArchiveFlushInterval time.Duration
	S3Timeout            time.Duration
	S3AppRetries         int

	DLQDir          string
	DLQMaxAge       time.Duration
	DLQMaxSizeBytes int64
}

// ListenAddr returns host:port for the tarpit listener.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ArchiveEnabled reports whether finished events are also exported to S3.
func (c Config) ArchiveEnabled() bool {
	return c.ArchiveBucket != ""
}

// ReportingActive reports whether the gate can ever send a report.
func (c Config) ReportingActive() bool {
	return c.AbuseIPDBEnabled && c.AbuseIPDBAPIKey != ""
}

// Load
//
// Seeds the environment from ./.env when present (real environment
// variables win), then builds the Config. Any malformed value is returned
// as an error so main can fail fast before binding the socket.
func Load() (Config, error) {
	_ = godotenv.Load()
	return LoadFrom(os.Getenv)
}

// LoadFrom builds a Config from an arbitrary lookup function.
func LoadFrom(getenv func(string) string) (Config, error) {
	e := &env{get: getenv}

	cfg := Config{
		ServiceName: e.str("SERVICE_NAME", "http-tarpit"),
		InstanceID:  e.str("INSTANCE_ID", ""),
		Host:        e.str("TARPIT_HOST", "127.0.0.1"),
		Port:        e.integer("TARPIT_PORT", 8080),
		MetricsAddr: e.str("METRICS_ADDR", ""),

		ResponseDelay:    e.seconds("RESPONSE_DELAY_SECONDS", 1.5),
		ResponseChunk:    []byte(e.str("RESPONSE_CHUNK", ".")),
		MaxResponseBytes: e.int64v("MAX_RESPONSE_BYTES", 50),
		TargetPortHeader: e.str("TARGET_PORT_HEADER", "X-Target-Port"),
		EnrichTimeout:    e.duration("ENRICH_TIMEOUT", 3*time.Second),
		ShutdownTimeout:  e.duration("SHUTDOWN_TIMEOUT", 10*time.Second),

		AbuseIPDBEnabled:        e.boolean("ABUSEIPDB_ENABLED", false),
		AbuseIPDBAPIKey:         e.str("ABUSEIPDB_API_KEY", ""),
		AbuseIPDBAPIURL:         e.str("ABUSEIPDB_API_URL", "https://api.abuseipdb.com/api/v2/report"),
		AbuseIPDBCategories:     e.str("ABUSEIPDB_CATEGORIES", "18,21"),
		AbuseIPDBCommentPrefix:  e.raw("ABUSEIPDB_COMMENT_PREFIX", "HTTP Tarpit detected bot activity: "),
		AbuseIPDBReportInterval: time.Duration(e.integer("ABUSEIPDB_REPORT_INTERVAL_MINUTES", 40)) * time.Minute,
		AbuseIPDBTimeout:        e.duration("ABUSEIPDB_TIMEOUT", 10*time.Second),
		AbuseIPDBRatePerMinute:  e.float("ABUSEIPDB_RATE_PER_MINUTE", 30),
		AbuseIPDBQueueSize:      e.integer("ABUSEIPDB_QUEUE_SIZE", 256),
		AbuseIPDBWorkers:        e.integer("ABUSEIPDB_WORKERS", 2),
		ReportCacheMax:          e.integer("REPORT_CACHE_MAX", 10000),

		GeoCityDBPath: e.str("GEOLITE2_CITY_DB_PATH", "data/GeoLite2-City.mmdb"),
		GeoASNDBPath:  e.str("GEOLITE2_ASN_DB_PATH", "data/GeoLite2-ASN.mmdb"),
		SQLiteDBFile:  e.str("SQLITE_DB_FILE", "data/tarpit.db"),

		LogLevel:      e.str("LOG_LEVEL", "info"),
		LogFileLevel:  e.str("LOG_FILE_LEVEL", "debug"),
		LogFile:       e.str("LOG_FILE", "logs/tarpit.log"),
		LogPretty:     e.boolean("LOG_PRETTY", true),
		LogSampleN:    uint32(e.integer("LOG_SAMPLE_N", 0)),
		LogMaxSizeMB:  e.integer("LOG_MAX_SIZE_MB", 50),
		LogMaxBackups: e.integer("LOG_MAX_BACKUPS", 5),

		ArchiveBucket:        e.str("ARCHIVE_BUCKET", ""),
		AWSRegion:            e.str("AWS_REGION", "us-east-1"),
		ArchivePrefix:        e.str("ARCHIVE_PREFIX", "events"),
		ArchiveDLQPrefix:     e.str("ARCHIVE_DLQ_PREFIX", "events_dlq"),
		ArchiveChannelSize:   e.integer("ARCHIVE_CHANNEL_SIZE", 1024),
		ArchiveUploadQueue:   e.integer("ARCHIVE_UPLOAD_QUEUE", 8),
		ArchiveBatchSize:     e.integer("ARCHIVE_BATCH_SIZE", 200),
		ArchiveFlushInterval: e.duration("ARCHIVE_FLUSH_INTERVAL", time.Minute),
		S3Timeout:            e.duration("S3_TIMEOUT", 5*time.Second),
		S3AppRetries:         e.integer("S3_APP_RETRIES", 3),

		DLQDir:          e.str("DLQ_DIR", "data/dlq"),
		DLQMaxAge:       e.duration("DLQ_MAX_AGE", 72*time.Hour),
		DLQMaxSizeBytes: e.int64v("DLQ_MAX_SIZE_BYTES", 100*1024*1024),
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = fallbackInstanceID()
	}

	if e.err != nil {
		return Config{}, e.err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("TARPIT_PORT out of range: %d", c.Port))
	}
	if c.ResponseDelay <= 0 {
		errs = append(errs, errors.New("RESPONSE_DELAY_SECONDS must be positive"))
	}
	if len(c.ResponseChunk) == 0 {
		errs = append(errs, errors.New("RESPONSE_CHUNK must not be empty"))
	}
	if c.MaxResponseBytes < int64(len(c.ResponseChunk)) {
		errs = append(errs, fmt.Errorf("MAX_RESPONSE_BYTES (%d) smaller than one chunk (%d)", c.MaxResponseBytes, len(c.ResponseChunk)))
	}
	if c.AbuseIPDBReportInterval <= 0 {
		errs = append(errs, errors.New("ABUSEIPDB_REPORT_INTERVAL_MINUTES must be positive"))
	}
	if c.AbuseIPDBRatePerMinute <= 0 {
		errs = append(errs, errors.New("ABUSEIPDB_RATE_PER_MINUTE must be positive"))
	}
	if c.AbuseIPDBWorkers < 1 || c.AbuseIPDBQueueSize < 1 {
		errs = append(errs, errors.New("ABUSEIPDB_WORKERS and ABUSEIPDB_QUEUE_SIZE must be at least 1"))
	}
	if c.ReportCacheMax < 1 {
		errs = append(errs, errors.New("REPORT_CACHE_MAX must be at least 1"))
	}
	if c.ArchiveEnabled() && (c.ArchiveBatchSize < 1 || c.ArchiveFlushInterval <= 0 || c.S3AppRetries < 1) {
		errs = append(errs, errors.New("ARCHIVE_BATCH_SIZE, ARCHIVE_FLUSH_INTERVAL and S3_APP_RETRIES must be positive when ARCHIVE_BUCKET is set"))
	}
	return errors.Join(errs...)
}

// env
//
// Lookup helpers with defaults. The first parse failure is kept and
// reported by LoadFrom; later helpers keep returning defaults.
type env struct {
	get func(string) string
	err error
}

func (e *env) fail(key, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid env %s=%q: %w", key, v, err)
	}
}

// raw keeps surrounding whitespace (comment prefixes end with a space).
func (e *env) raw(key, def string) string {
	if v := e.get(key); v != "" {
		return v
	}
	return def
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e *env) integer(key string, def int) int {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return n
}

func (e *env) int64v(key string, def int64) int64 {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return n
}

func (e *env) float(key string, def float64) float64 {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return f
}

// seconds parses a float number of seconds ("1.5").
func (e *env) seconds(key string, def float64) time.Duration {
	return time.Duration(e.float(key, def) * float64(time.Second))
}

func (e *env) boolean(key string, def bool) bool {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return b
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return d
}

// fallbackInstanceID
//
// Identifies this process in logs and archive file names.
//   - default: hostname
//   - fallback: 12 random hex chars
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
