// Package archive exports audit history to S3.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/yairfalse/vahti/telemetry"
	"github.com/yairfalse/vahti/types"
)

// S3API defines the S3 operations used by the archiver.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config holds archive settings.
type Config struct {
	Bucket  string
	Prefix  string
	Region  string
	Profile string
}

// S3Archiver writes audit entries as JSONL objects.
type S3Archiver struct {
	client S3API
	bucket string
	prefix string
	now    func() time.Time
	logger *telemetry.Logger
}

// New loads the default AWS credential chain and creates an archiver.
func New(ctx context.Context, cfg Config) (*S3Archiver, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Prefix), nil
}

// NewWithClient creates an archiver on an existing client.
func NewWithClient(client S3API, bucket, prefix string) *S3Archiver {
	if prefix == "" {
		prefix = "audit"
	}
	return &S3Archiver{
		client: client,
		bucket: bucket,
		prefix: prefix,
		now:    time.Now,
		logger: telemetry.NewLogger("archive"),
	}
}

// Export writes the entries to <prefix>/<groupID|all>/<timestamp>.jsonl
// and returns the object key. An empty groupID means entries from every
// group.
func (a *S3Archiver) Export(ctx context.Context, groupID string, entries []types.AuditLogEntry) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return "", fmt.Errorf("encode entry %s: %w", e.ID, err)
		}
	}

	key := a.objectKey(groupID)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", a.bucket, key, err)
	}

	a.logger.WithContext(ctx).Info().
		Str("bucket", a.bucket).
		Str("key", key).
		Int("entries", len(entries)).
		Msg("audit archived")

	return key, nil
}

func (a *S3Archiver) objectKey(groupID string) string {
	scope := groupID
	if scope == "" {
		scope = "all"
	}
	return path.Join(a.prefix, scope, a.now().UTC().Format("20060102T150405Z")+".jsonl")
}
