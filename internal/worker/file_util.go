package worker

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// file_util.go
// ------------------------------------------------------------
// Object and DLQ file naming.
//
//	<unix>_<instance>_<counter>.jsonl.gz
//
// e.g.
//
//	1764721594_tarpit-eu1_000042.jsonl.gz
//
// Lexical order is time order; the DLQ relies on it to replay the oldest
// file first and to read a file's age from its name.
var globalCounter uint64

// NextCounter wraps at 1e6 so names keep a fixed width.
func NextCounter() uint64 {
	return atomic.AddUint64(&globalCounter, 1) % 1_000_000
}

// NewFilename builds a file name stamped with t.
func NewFilename(instanceID string, t time.Time) string {
	return fmt.Sprintf("%d_%s_%06d.jsonl.gz", t.Unix(), safeInstance(instanceID), NextCounter())
}

// BuildS3Key partitions objects by UTC day and hour:
//
//	<prefix>/dt=<YYYY-MM-DD>/hr=<HH>/<filename>
func BuildS3Key(prefix, filename string, t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s/dt=%s/hr=%s/%s", strings.TrimSuffix(prefix, "/"), t.Format("2006-01-02"), t.Format("15"), filename)
}

// safeInstance keeps the instance id from adding path segments.
func safeInstance(id string) string {
	if id == "" {
		return "tarpit"
	}
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ' ' {
			return '-'
		}
		return r
	}, id)
}
