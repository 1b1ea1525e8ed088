package pool

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// Pools for the archive encoder.
//
// Connection events are not pooled: once finished, the same pointer is
// held by the store call and the archive batch, so recycling it would
// race. Only the encoder scratch space is reused.
// ---------------------------------------------------------------

var (
	// BufferPool:
	//   - holds one gzip'd JSONL batch while it is being built
	//   - 64KB start; a tarpit event is ~1KB before compression
	BufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 64*1024))
		},
	}

	// GzipPool:
	//   - gzip.Writer reuse, BestSpeed
	GzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}
)

// MaxBufferCap is the largest buffer returned to BufferPool.
const MaxBufferCap = 1 * 1024 * 1024 // 1MB

// PutBuffer returns buf to the pool unless it grew past MaxBufferCap.
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		BufferPool.Put(buf)
	}
}

// GetGzip returns a pooled writer reset onto w.
func GetGzip(w *bytes.Buffer) *gzip.Writer {
	gz := GzipPool.Get().(*gzip.Writer)
	gz.Reset(w)
	return gz
}

// GetBuffer returns an empty pooled buffer.
func GetBuffer() *bytes.Buffer {
	buf := BufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}
