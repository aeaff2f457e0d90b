package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ArchiveSink is the pluggable destination for pruned audit entries
// (SPEC_FULL.md §4.3.a). Archival is best-effort: spec.md §4.3 only
// requires that pruning not break the live chain, so a sink failure is
// logged and swallowed rather than propagated — the prune itself has
// already committed.
type ArchiveSink interface {
	Archive(ctx context.Context, entries []*Entry) error
}

// NullSink discards pruned entries. NewChain uses it, so a Chain built
// without NewChainWithArchive does not archive.
type NullSink struct{}

func (NullSink) Archive(context.Context, []*Entry) error { return nil }

// S3Sink archives pruned entries to AWS S3 as newline-delimited JSON,
// grounded on the teacher's pkg/artifacts/s3_store.go. Each batch is
// stored under an object key built from the prefix and the first and
// last entry IDs of the batch.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3SinkConfig configures an S3Sink.
type S3SinkConfig struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO/LocalStack-style deployments
	Prefix   string
}

func NewS3Sink(ctx context.Context, cfg S3SinkConfig) (*S3Sink, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("audit: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Sink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Sink) Archive(ctx context.Context, entries []*Entry) error {
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
	key := fmt.Sprintf("%saudit-%d-%d.ndjson", s.prefix, entries[0].ID, entries[len(entries)-1].ID)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("audit: s3 archive: %w", err)
	}
	return nil
}

// archiveBestEffort wraps a sink so a failing archive attempt is
// logged rather than blocking Prune's caller, consistent with spec.md
// §4.3 treating archival as a side channel to the live chain.
func archiveBestEffort(sink ArchiveSink, logger *slog.Logger) ArchiveSink {
	return bestEffortSink{sink: sink, logger: logger}
}

type bestEffortSink struct {
	sink   ArchiveSink
	logger *slog.Logger
}

func (b bestEffortSink) Archive(ctx context.Context, entries []*Entry) error {
	if err := b.sink.Archive(ctx, entries); err != nil {
		b.logger.Warn("audit archive failed, pruned entries kept only in the live prune record", "error", err, "count", len(entries))
	}
	return nil
}
