package worker

import (
	"http-tarpit/internal/model"
	"http-tarpit/internal/pool"

	json "github.com/goccy/go-json"
)

// Encoder turns a batch of finished connection events into one gzip'd
// JSONL object, the format Athena/Glue read straight off the bucket.
//
// The gzip writer and output buffer come from internal/pool; the returned
// slice is a copy the caller owns.
type Encoder struct{}

func NewEncoder() *Encoder {
	return &Encoder{}
}

// EncodeBatch writes one JSON object per line and gzips the result.
func (e *Encoder) EncodeBatch(events []*model.ConnectionEvent) ([]byte, error) {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	gz := pool.GetGzip(buf)
	defer pool.GzipPool.Put(gz)

	enc := json.NewEncoder(gz)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			_ = gz.Close()
			return nil, err
		}
	}

	// footer
	if err := gz.Close(); err != nil {
		return nil, err
	}

	// the pooled buffer is reused, hand out a copy
	raw := buf.Bytes()
	data := make([]byte, len(raw))
	copy(data, raw)
	return data, nil
}
