package evidence

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rotisserie/eris"

	"github.com/sells-group/regsync/internal/config"
)

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Blobs stores payloads as S3 objects under a prefix.
type S3Blobs struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Blobs builds an S3 client from the default AWS credential chain.
// Endpoint is optional (MinIO, LocalStack).
func NewS3Blobs(ctx context.Context, cfg config.EvidenceConfig) (*S3Blobs, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, eris.Wrap(err, "evidence: load aws config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Blobs{client: client, bucket: cfg.S3Bucket, prefix: cfg.S3Prefix}, nil
}

// Put uploads data and returns an s3://bucket/key reference.
func (s *S3Blobs) Put(ctx context.Context, key string, data []byte) (string, error) {
	full := s.prefix + key
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(full),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", eris.Wrapf(err, "evidence: s3 put %s", full)
	}
	return "s3://" + s.bucket + "/" + full, nil
}

// Get downloads the object behind ref.
func (s *S3Blobs) Get(ctx context.Context, ref string) ([]byte, error) {
	bucket, key, ok := parseRef(ref)
	if !ok {
		return nil, eris.Errorf("evidence: invalid blob ref %q", ref)
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, eris.Wrapf(err, "evidence: s3 get %s", ref)
	}
	defer func() { _ = out.Body.Close() }()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, eris.Wrapf(err, "evidence: read %s", ref)
	}
	return b, nil
}

func parseRef(ref string) (bucket, key string, ok bool) {
	rest, ok := strings.CutPrefix(ref, "s3://")
	if !ok {
		return "", "", false
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}
