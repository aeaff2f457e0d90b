//go:build gcp

package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSSink archives pruned entries to Google Cloud Storage, grounded on
// the teacher's pkg/artifacts/gcs_store.go. Built only with the gcp
// tag, matching the teacher's convention of keeping the GCS SDK out of
// the default build.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

type GCSSinkConfig struct {
	Bucket string
	Prefix string
}

func NewGCSSink(ctx context.Context, cfg GCSSinkConfig) (*GCSSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: new gcs client: %w", err)
	}
	return &GCSSink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSSink) Archive(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("audit: encode archive batch: %w", err)
		}
	}
	objectPath := fmt.Sprintf("%saudit-%d-%d.ndjson", s.prefix, entries[0].ID, entries[len(entries)-1].ID)
	w := s.client.Bucket(s.bucket).Object(objectPath).NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	if _, err := w.Write(buf.Bytes()); err != nil {
		_ = w.Close()
		return fmt.Errorf("audit: gcs write: %w", err)
	}
	return w.Close()
}
