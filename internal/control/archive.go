package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"bringmehome/internal/types"
)

// DefaultArchiveBatchSize bounds how many log rows go into one archive object.
const DefaultArchiveBatchSize = 1000

// S3Uploader abstracts the S3 PutObject operation for testability.
type S3Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveStore is the subset of Store used to move logs out of Postgres.
type ArchiveStore interface {
	ListLogsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*types.ProcessorLog, error)
	DeleteLogsByIDs(ctx context.Context, ids []string) (int64, error)
}

// Archiver writes expired processor logs to S3 as zstd-compressed JSONL.
type Archiver struct {
	client    S3Uploader
	bucket    string
	batchSize int
	logger    *slog.Logger
}

// NewArchiver creates an Archiver writing to bucket.
func NewArchiver(client S3Uploader, bucket string, batchSize int, logger *slog.Logger) *Archiver {
	if batchSize <= 0 {
		batchSize = DefaultArchiveBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{client: client, bucket: bucket, batchSize: batchSize, logger: logger}
}

// ArchiveOlderThan runs fetch-upload-delete cycles until no log older than
// cutoff remains. Each batch is deleted only after its upload succeeded.
// It returns the number of rows archived and the keys written.
func (a *Archiver) ArchiveOlderThan(ctx context.Context, store ArchiveStore, cutoff time.Time) (int64, []string, error) {
	var (
		total int64
		keys  []string
	)

	for {
		entries, err := store.ListLogsOlderThan(ctx, cutoff, a.batchSize)
		if err != nil {
			return total, keys, fmt.Errorf("listing processor logs for archival: %w", err)
		}
		if len(entries) == 0 {
			break
		}

		data, err := encodeLogsJSONLZstd(entries)
		if err != nil {
			return total, keys, fmt.Errorf("encoding processor log archive: %w", err)
		}

		key := archiveKey(cutoff)
		_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:          aws.String(a.bucket),
			Key:             aws.String(key),
			Body:            bytes.NewReader(data),
			ContentType:     aws.String("application/x-ndjson"),
			ContentEncoding: aws.String("zstd"),
		})
		if err != nil {
			return total, keys, fmt.Errorf("uploading processor log archive to %s: %w", key, err)
		}
		keys = append(keys, key)

		ids := make([]string, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
		}
		deleted, err := store.DeleteLogsByIDs(ctx, ids)
		if err != nil {
			return total, keys, fmt.Errorf("deleting archived processor logs: %w", err)
		}
		total += deleted

		a.logger.InfoContext(ctx, "archived processor log batch",
			"batch_size", deleted,
			"s3_key", key,
			"total_archived", total,
		)

		if len(entries) < a.batchSize {
			break
		}
	}
	return total, keys, nil
}

func archiveKey(cutoff time.Time) string {
	return fmt.Sprintf("processor-logs/%04d/%02d/%02d/%s.jsonl.zst",
		cutoff.Year(), cutoff.Month(), cutoff.Day(), uuid.NewString())
}

// encodeLogsJSONLZstd writes one JSON object per line through a zstd encoder.
func encodeLogsJSONLZstd(entries []*types.ProcessorLog) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	jw := json.NewEncoder(enc)
	for _, e := range entries {
		if err := jw.Encode(e); err != nil {
			enc.Close()
			return nil, fmt.Errorf("marshaling processor log %s: %w", e.ID, err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
