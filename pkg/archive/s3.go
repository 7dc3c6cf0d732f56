// Package archive keeps a copy of every delivered report in S3-compatible
// object storage.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// putObjectAPI is the S3 call the archiver needs.
type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config selects the bucket. Endpoint is for MinIO and similar servers.
type Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// S3Archiver uploads reports under "<prefix>/<yyyy>/<mm>/<batch>/<name>".
type S3Archiver struct {
	client putObjectAPI
	bucket string
	prefix string
	clock  func() time.Time
}

// NewS3Archiver loads the default AWS credential chain.
func NewS3Archiver(ctx context.Context, cfg Config) (*S3Archiver, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("archive: bucket is empty")
	}
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "archive: load aws config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Archiver(client, cfg), nil
}

func newS3Archiver(client putObjectAPI, cfg Config) *S3Archiver {
	return &S3Archiver{
		client: client,
		bucket: strings.TrimSpace(cfg.Bucket),
		prefix: strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
		clock:  time.Now,
	}
}

// Archive uploads the report at filePath and returns its object key.
func (a *S3Archiver) Archive(ctx context.Context, batchID, filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", errors.Wrapf(err, "archive: open %s", filePath)
	}
	defer f.Close()

	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return "", errors.Wrapf(err, "archive: hash %s", filePath)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", errors.Wrap(err, "archive: rewind report")
	}

	key := a.objectKey(batchID, filepath.Base(filePath))
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(xlsxContentType),
		Metadata: map[string]string{
			"batch-id": batchID,
			"sha256":   hex.EncodeToString(sum.Sum(nil)),
		},
	})
	if err != nil {
		return "", errors.Wrapf(err, "archive: put s3://%s/%s", a.bucket, key)
	}
	log.Info().Str("bucket", a.bucket).Str("key", key).Msg("report archived")
	return key, nil
}

func (a *S3Archiver) objectKey(batchID, name string) string {
	now := a.clock()
	parts := []string{now.Format("2006"), now.Format("01")}
	if batchID = strings.TrimSpace(batchID); batchID != "" {
		parts = append(parts, batchID)
	}
	parts = append(parts, name)
	if a.prefix != "" {
		parts = append([]string{a.prefix}, parts...)
	}
	return path.Join(parts...)
}
