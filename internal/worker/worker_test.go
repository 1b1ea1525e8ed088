package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"http-tarpit/internal/config"
	"http-tarpit/internal/metrics"
	"http-tarpit/internal/model"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ------------------------------------------------------------
// helpers
// ------------------------------------------------------------

type memUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    atomic.Bool
}

func newMemUploader() *memUploader {
	return &memUploader{objects: map[string][]byte{}}
}

func (u *memUploader) UploadBytes(_ context.Context, key string, body []byte) error {
	if u.fail.Load() {
		return errors.New("s3 unavailable")
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.objects[key] = append([]byte(nil), body...)
	return nil
}

func (u *memUploader) UploadFile(ctx context.Context, key string, f io.ReadSeeker, _ int64) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	return u.UploadBytes(ctx, key, b)
}

func (u *memUploader) keys() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, 0, len(u.objects))
	for k := range u.objects {
		out = append(out, k)
	}
	return out
}

func archiveConfig(t *testing.T) config.Config {
	return config.Config{
		InstanceID:           "test",
		ArchiveBucket:        "bucket",
		ArchivePrefix:        "events",
		ArchiveDLQPrefix:     "events_dlq",
		ArchiveChannelSize:   16,
		ArchiveUploadQueue:   4,
		ArchiveBatchSize:     3,
		ArchiveFlushInterval: time.Hour,
		S3AppRetries:         2,
		DLQDir:               filepath.Join(t.TempDir(), "dlq"),
		DLQMaxAge:            72 * time.Hour,
		DLQMaxSizeBytes:      1 << 20,
	}
}

func event(ip string) *model.ConnectionEvent {
	return &model.ConnectionEvent{
		Timestamp:      model.FormatTime(time.Now()),
		ClientIP:       ip,
		Method:         "GET",
		Path:           "/",
		ResponseStatus: 200,
		BytesSent:      50,
		Headers:        map[string]string{"Host": "x"},
	}
}

func decodeBatch(t *testing.T, data []byte) []model.ConnectionEvent {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer gz.Close()

	var out []model.ConnectionEvent
	sc := bufio.NewScanner(gz)
	for sc.Scan() {
		var ev model.ConnectionEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		out = append(out, ev)
	}
	require.NoError(t, sc.Err())
	return out
}

// ------------------------------------------------------------
// encoder / naming
// ------------------------------------------------------------

func TestEncodeBatchIsGzipJSONL(t *testing.T) {
	data, err := NewEncoder().EncodeBatch([]*model.ConnectionEvent{event("203.0.113.1"), event("203.0.113.2")})
	require.NoError(t, err)

	got := decodeBatch(t, data)
	require.Len(t, got, 2)
	require.Equal(t, "203.0.113.1", got[0].ClientIP)
	require.Equal(t, "203.0.113.2", got[1].ClientIP)
	require.EqualValues(t, 50, got[1].BytesSent)
}

func TestFilenameAndKey(t *testing.T) {
	at := time.Date(2026, 3, 4, 23, 30, 0, 0, time.UTC)

	name := NewFilename("eu/1", at)
	require.True(t, strings.HasPrefix(name, "1772667000_eu-1_"), name)
	require.True(t, strings.HasSuffix(name, ".jsonl.gz"))

	sec, ok := extractUnixFromFilename(name)
	require.True(t, ok)
	require.Equal(t, at.Unix(), sec)

	require.Equal(t, "events/dt=2026-03-04/hr=23/"+name, BuildS3Key("events/", name, at))

	_, ok = extractUnixFromFilename("garbage.jsonl.gz")
	require.False(t, ok)
}

// ------------------------------------------------------------
// S3 uploader retry
// ------------------------------------------------------------

type flakyPutter struct {
	failures int
	calls    int
	keys     []string
}

func (p *flakyPutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	p.calls++
	p.keys = append(p.keys, *in.Key)
	if p.calls <= p.failures {
		return nil, errors.New("503 slow down")
	}
	return &s3.PutObjectOutput{}, nil
}

func TestS3UploaderRetries(t *testing.T) {
	m := metrics.New()
	cfg := archiveConfig(t)
	cfg.S3AppRetries = 3

	p := &flakyPutter{failures: 2}
	u := newS3Uploader(cfg, m, p)
	require.NoError(t, u.UploadBytes(context.Background(), "events/k", []byte("x")))
	require.Equal(t, 3, p.calls)
	require.EqualValues(t, 2, atomic.LoadInt64(&m.S3PutErrorsTotal))

	p = &flakyPutter{failures: 10}
	u = newS3Uploader(cfg, m, p)
	require.Error(t, u.UploadBytes(context.Background(), "events/k", []byte("x")))
	require.Equal(t, 3, p.calls)
}

func TestS3UploaderStopsOnCancel(t *testing.T) {
	cfg := archiveConfig(t)
	cfg.S3AppRetries = 5
	p := &flakyPutter{failures: 10}
	u := newS3Uploader(cfg, metrics.New(), p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, u.UploadBytes(ctx, "k", []byte("x")), context.Canceled)
	require.Zero(t, p.calls)
}

// ------------------------------------------------------------
// DLQ
// ------------------------------------------------------------

func TestDLQSaveAndReplay(t *testing.T) {
	cfg := archiveConfig(t)
	m := metrics.New()
	up := newMemUploader()
	d, err := NewDLQManager(cfg, m, up)
	require.NoError(t, err)

	data, err := NewEncoder().EncodeBatch([]*model.ConnectionEvent{event("203.0.113.1"), event("203.0.113.2")})
	require.NoError(t, err)
	require.NoError(t, d.Save(data, 2))

	require.EqualValues(t, 1, atomic.LoadInt64(&m.DLQFilesCurrent))
	require.EqualValues(t, len(data), atomic.LoadInt64(&m.DLQSizeBytes))
	require.EqualValues(t, 2, atomic.LoadInt64(&m.DLQEventsEnqueuedTotal))

	require.True(t, d.ProcessOne(context.Background()))
	require.False(t, d.ProcessOne(context.Background()))

	keys := up.keys()
	require.Len(t, keys, 1)
	require.True(t, strings.HasPrefix(keys[0], "events/dt="), keys[0])
	require.EqualValues(t, 2, atomic.LoadInt64(&m.DLQEventsReuploadedTotal))
	require.Zero(t, atomic.LoadInt64(&m.DLQFilesCurrent))
	require.Zero(t, atomic.LoadInt64(&m.DLQSizeBytes))
}

func TestDLQDamagedFileGoesToDLQPrefix(t *testing.T) {
	cfg := archiveConfig(t)
	up := newMemUploader()
	d, err := NewDLQManager(cfg, metrics.New(), up)
	require.NoError(t, err)

	require.NoError(t, d.Save([]byte("not gzip at all"), 1))
	require.True(t, d.ProcessOne(context.Background()))

	keys := up.keys()
	require.Len(t, keys, 1)
	require.True(t, strings.HasPrefix(keys[0], "events_dlq/"), keys[0])
}

func TestDLQExpiresOldFiles(t *testing.T) {
	cfg := archiveConfig(t)
	m := metrics.New()
	up := newMemUploader()
	d, err := NewDLQManager(cfg, m, up)
	require.NoError(t, err)

	d.now = func() time.Time { return time.Now().Add(-100 * time.Hour) }
	require.NoError(t, d.Save([]byte("old"), 1))
	d.now = time.Now

	require.True(t, d.ProcessOne(context.Background()))
	require.Empty(t, up.keys())
	require.EqualValues(t, 1, atomic.LoadInt64(&m.DLQFilesExpiredTotal))
	require.Empty(t, d.pickOldest())
}

func TestDLQCapacityEvictsOldest(t *testing.T) {
	cfg := archiveConfig(t)
	cfg.DLQMaxSizeBytes = 10
	m := metrics.New()
	d, err := NewDLQManager(cfg, m, newMemUploader())
	require.NoError(t, err)

	d.now = func() time.Time { return time.Unix(1000, 0) }
	require.NoError(t, d.Save([]byte("aaaaaa"), 1))
	first := d.pickOldest()

	d.now = func() time.Time { return time.Unix(2000, 0) }
	require.NoError(t, d.Save([]byte("bbbbbb"), 1))

	require.NotEqual(t, first, d.pickOldest())
	require.EqualValues(t, 1, atomic.LoadInt64(&m.DLQFilesCurrent))
	require.EqualValues(t, 1, atomic.LoadInt64(&m.DLQFilesExpiredTotal))

	// larger than the whole DLQ
	require.NoError(t, d.Save(bytes.Repeat([]byte("c"), 11), 4))
	require.EqualValues(t, 4, atomic.LoadInt64(&m.DLQEventsDroppedTotal))
}

func TestDLQStartupScanRemovesOrphanMeta(t *testing.T) {
	cfg := archiveConfig(t)
	require.NoError(t, os.MkdirAll(cfg.DLQDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DLQDir, "1_x_000001.jsonl.gz"), []byte("12345"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DLQDir, "2_x_000002.jsonl.gz"+metaSuffix), []byte(`{}`), 0o600))

	m := metrics.New()
	_, err := NewDLQManager(cfg, m, newMemUploader())
	require.NoError(t, err)

	require.EqualValues(t, 1, atomic.LoadInt64(&m.DLQFilesCurrent))
	require.EqualValues(t, 5, atomic.LoadInt64(&m.DLQSizeBytes))
	_, err = os.Stat(filepath.Join(cfg.DLQDir, "2_x_000002.jsonl.gz"+metaSuffix))
	require.True(t, os.IsNotExist(err))
}

// ------------------------------------------------------------
// manager
// ------------------------------------------------------------

func TestManagerUploadsBatches(t *testing.T) {
	cfg := archiveConfig(t)
	m := metrics.New()
	up := newMemUploader()
	mgr, err := NewManager(cfg, m, up)
	require.NoError(t, err)
	mgr.Start()

	for i := 0; i < 4; i++ {
		require.True(t, mgr.Submit(event("203.0.113.1")))
	}
	// one full batch of 3 right away, the last event on shutdown
	require.Eventually(t, func() bool { return len(up.keys()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, mgr.Shutdown(context.Background()))
	require.Len(t, up.keys(), 2)
	require.EqualValues(t, 4, atomic.LoadInt64(&m.S3EventsStoredTotal))

	total := 0
	up.mu.Lock()
	for _, data := range up.objects {
		total += len(decodeBatch(t, data))
	}
	up.mu.Unlock()
	assert.Equal(t, 4, total)

	require.False(t, mgr.Submit(event("203.0.113.1")))
}

func TestManagerSpillsToDLQ(t *testing.T) {
	cfg := archiveConfig(t)
	m := metrics.New()
	up := newMemUploader()
	up.fail.Store(true)

	mgr, err := NewManager(cfg, m, up)
	require.NoError(t, err)
	mgr.Start()

	for i := 0; i < 3; i++ {
		require.True(t, mgr.Submit(event("198.51.100.1")))
	}
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&m.DLQEventsEnqueuedTotal) == 3
	}, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, atomic.LoadInt64(&m.S3EventsStoredTotal))

	// S3 is back: the next batch also replays the DLQ file
	up.fail.Store(false)
	for i := 0; i < 3; i++ {
		require.True(t, mgr.Submit(event("198.51.100.2")))
	}
	require.NoError(t, mgr.Shutdown(context.Background()))

	require.EqualValues(t, 3, atomic.LoadInt64(&m.S3EventsStoredTotal))
	require.EqualValues(t, 3, atomic.LoadInt64(&m.DLQEventsReuploadedTotal))
	require.Len(t, up.keys(), 2)
}
