package worker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"http-tarpit/internal/config"
	"http-tarpit/internal/metrics"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

const metaSuffix = ".meta.json"

// DLQManager
// ------------------------------------------------------------
// Local spill area for batches S3 refused.
//
//   - Save: write <name>.jsonl.gz plus <name>.jsonl.gz.meta.json
//     ({"num_events":N}); oldest files are evicted to stay under
//     DLQMaxSizeBytes
//   - ProcessOne: replay the oldest file. A file that still decodes as
//     JSONL goes to the archive prefix, a damaged one to the DLQ prefix.
//     Files older than DLQMaxAge (by the unix stamp in their name) are
//     deleted instead.
type DLQManager struct {
	dir       string
	maxSize   int64
	maxAge    time.Duration
	prefix    string
	dlqPrefix string
	instance  string

	metrics  *metrics.Metrics
	uploader Uploader
	now      func() time.Time

	// bytes of data files currently on disk
	sizeBytes int64
}

// NewDLQManager creates the directory, drops orphan meta files and seeds
// the size/file gauges from what is already on disk.
func NewDLQManager(cfg config.Config, m *metrics.Metrics, uploader Uploader) (*DLQManager, error) {
	if err := os.MkdirAll(cfg.DLQDir, 0o755); err != nil {
		return nil, fmt.Errorf("create DLQ dir: %w", err)
	}

	d := &DLQManager{
		dir:       cfg.DLQDir,
		maxSize:   cfg.DLQMaxSizeBytes,
		maxAge:    cfg.DLQMaxAge,
		prefix:    cfg.ArchivePrefix,
		dlqPrefix: cfg.ArchiveDLQPrefix,
		instance:  cfg.InstanceID,
		metrics:   m,
		uploader:  uploader,
		now:       time.Now,
	}

	var total, count int64
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("scan DLQ dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, metaSuffix) {
			data := strings.TrimSuffix(name, metaSuffix)
			if _, err := os.Stat(filepath.Join(d.dir, data)); os.IsNotExist(err) {
				_ = os.Remove(filepath.Join(d.dir, name))
			}
			continue
		}
		if info, err := e.Info(); err == nil {
			total += info.Size()
			count++
		}
	}

	atomic.StoreInt64(&d.sizeBytes, total)
	atomic.AddInt64(&m.DLQSizeBytes, total)
	atomic.AddInt64(&m.DLQFilesCurrent, count)
	if count > 0 {
		log.Info().Str("dir", d.dir).Int64("files", count).Int64("bytes", total).Msg("archive: DLQ backlog found")
	}
	return d, nil
}

// Save spills one encoded batch. A batch that cannot fit even after
// evicting everything is dropped and counted.
func (d *DLQManager) Save(data []byte, numEvents int) error {
	if len(data) == 0 || numEvents <= 0 {
		return nil
	}

	size := int64(len(data))
	if !d.ensureCapacity(size) {
		log.Error().Int64("bytes", size).Int("events", numEvents).Msg("archive: DLQ full, batch dropped")
		atomic.AddInt64(&d.metrics.DLQEventsDroppedTotal, int64(numEvents))
		return nil
	}

	dataPath := filepath.Join(d.dir, NewFilename(d.instance, d.now()))
	if err := os.WriteFile(dataPath, data, 0o600); err != nil {
		return fmt.Errorf("write DLQ file: %w", err)
	}
	_ = os.WriteFile(dataPath+metaSuffix, []byte(fmt.Sprintf(`{"num_events":%d}`, numEvents)), 0o600)

	atomic.AddInt64(&d.sizeBytes, size)
	atomic.AddInt64(&d.metrics.DLQSizeBytes, size)
	atomic.AddInt64(&d.metrics.DLQFilesCurrent, 1)
	atomic.AddInt64(&d.metrics.DLQEventsEnqueuedTotal, int64(numEvents))

	log.Warn().Str("file", filepath.Base(dataPath)).Int("events", numEvents).Msg("archive: batch saved to DLQ")
	return nil
}

func (d *DLQManager) ensureCapacity(incoming int64) bool {
	if d.maxSize <= 0 {
		return true
	}
	if incoming > d.maxSize {
		return false
	}

	for atomic.LoadInt64(&d.sizeBytes)+incoming > d.maxSize {
		oldest := d.pickOldest()
		if oldest == "" {
			return false
		}
		d.remove(oldest)
		atomic.AddInt64(&d.metrics.DLQFilesExpiredTotal, 1)
		log.Warn().Str("file", oldest).Msg("archive: DLQ over capacity, oldest file removed")
	}
	return true
}

// remove deletes a data file and its meta and settles the gauges.
func (d *DLQManager) remove(name string) {
	dataPath := filepath.Join(d.dir, name)
	if info, err := os.Stat(dataPath); err == nil {
		atomic.AddInt64(&d.sizeBytes, -info.Size())
		atomic.AddInt64(&d.metrics.DLQSizeBytes, -info.Size())
	}
	_ = os.Remove(dataPath)
	_ = os.Remove(dataPath + metaSuffix)
	atomic.AddInt64(&d.metrics.DLQFilesCurrent, -1)
}

// ProcessOne replays or expires the oldest DLQ file. It reports whether
// there was a file to look at.
func (d *DLQManager) ProcessOne(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	name := d.pickOldest()
	if name == "" {
		return false
	}
	dataPath := filepath.Join(d.dir, name)

	if d.maxAge > 0 {
		if sec, ok := extractUnixFromFilename(name); ok {
			age := d.now().Sub(time.Unix(sec, 0))
			if age > d.maxAge {
				d.remove(name)
				atomic.AddInt64(&d.metrics.DLQFilesExpiredTotal, 1)
				log.Info().Str("file", name).Dur("age", age).Msg("archive: DLQ file expired")
				return true
			}
		}
	}

	f, err := os.Open(dataPath)
	if err != nil {
		log.Warn().Err(err).Str("file", name).Msg("archive: DLQ open failed")
		d.remove(name)
		return true
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		log.Warn().Err(err).Str("file", name).Msg("archive: DLQ stat failed")
		return true
	}
	size := info.Size()

	valid := validateFile(f, size)

	key := BuildS3Key(d.dlqPrefix, name, d.now())
	if valid {
		key = BuildS3Key(d.prefix, name, d.now())
	}

	if err := d.uploader.UploadFile(ctx, key, f, size); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("archive: DLQ replay failed")
		return true
	}

	numEvents := int64(1)
	if meta, err := os.ReadFile(dataPath + metaSuffix); err == nil {
		var v struct {
			NumEvents int64 `json:"num_events"`
		}
		if json.Unmarshal(meta, &v) == nil && v.NumEvents > 0 {
			numEvents = v.NumEvents
		}
	}

	_ = f.Close()
	d.remove(name)
	atomic.AddInt64(&d.metrics.DLQEventsReuploadedTotal, numEvents)
	log.Info().Str("key", key).Int64("events", numEvents).Bool("valid", valid).Msg("archive: DLQ file replayed")
	return true
}

// validateFile checks that the first gzip'd line is a JSON object.
func validateFile(f io.ReadSeeker, size int64) bool {
	if size <= 0 {
		return false
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		return false
	}
	defer gz.Close()

	line, err := bufio.NewReader(gz).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return false
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false
	}

	var tmp map[string]any
	return json.Unmarshal(line, &tmp) == nil
}

// pickOldest returns the lexically smallest data file, which is also the
// oldest given the naming scheme. ReadDir order is not relied upon.
func (d *DLQManager) pickOldest() string {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return ""
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, metaSuffix) || name == "" || name[0] == '.' {
			continue
		}
		files = append(files, name)
	}
	if len(files) == 0 {
		return ""
	}

	sort.Strings(files)
	return files[0]
}

// extractUnixFromFilename reads the "<unix>_" prefix.
func extractUnixFromFilename(name string) (int64, bool) {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 {
		return 0, false
	}
	sec, err := strconv.ParseInt(name[:idx], 10, 64)
	if err != nil || sec <= 0 {
		return 0, false
	}
	return sec, true
}
