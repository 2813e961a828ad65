package frames

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/wolfman30/security-gate-ai/internal/llm"
	"github.com/wolfman30/security-gate-ai/pkg/logging"
)

// maxFrameBytes bounds a single frame read.
const maxFrameBytes = 8 << 20

var (
	ErrUnsupportedURI = errors.New("frames: unsupported frame uri")
	ErrFrameTooLarge  = errors.New("frames: frame exceeds size limit")
	ErrNotImage       = errors.New("frames: payload is not an image")
)

// Source resolves a frame URI to image bytes.
type Source interface {
	Fetch(ctx context.Context, uri string) (llm.Image, error)
}

// S3API is the subset of the S3 client used by S3Source.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads frames from s3://bucket/key URIs and stores uploaded
// frames under the configured bucket.
type S3Source struct {
	client S3API
	bucket string
	logger *logging.Logger
}

// NewS3Source returns nil when client or bucket is missing.
func NewS3Source(client S3API, bucket string, logger *logging.Logger) *S3Source {
	if client == nil || bucket == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &S3Source{client: client, bucket: bucket, logger: logger}
}

func (s *S3Source) Fetch(ctx context.Context, uri string) (llm.Image, error) {
	bucket, key, ok := parseS3URI(uri)
	if !ok {
		return llm.Image{}, fmt.Errorf("%w: %s", ErrUnsupportedURI, uri)
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return llm.Image{}, fmt.Errorf("frames: s3 get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxFrameBytes+1))
	if err != nil {
		return llm.Image{}, fmt.Errorf("frames: failed to read %s: %w", key, err)
	}
	if len(data) > maxFrameBytes {
		return llm.Image{}, ErrFrameTooLarge
	}
	return imageFrom(data)
}

// Put uploads a frame and returns its s3:// URI.
func (s *S3Source) Put(ctx context.Context, sessionID, frameID string, data []byte) (string, error) {
	img, err := imageFrom(data)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("frames/%s/%s.%s", sessionID, frameID, img.Format)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("image/" + img.Format),
	})
	if err != nil {
		return "", fmt.Errorf("frames: s3 put %s: %w", key, err)
	}
	s.logger.Debug("frames: stored frame", "session_id", sessionID, "frame_id", frameID, "s3_key", key)
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func parseS3URI(uri string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(uri, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// InlineSource decodes data: URIs carrying base64 images.
type InlineSource struct{}

func (InlineSource) Fetch(_ context.Context, uri string) (llm.Image, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return llm.Image{}, fmt.Errorf("%w: %s", ErrUnsupportedURI, truncate(uri))
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return llm.Image{}, fmt.Errorf("%w: expected base64 data uri", ErrUnsupportedURI)
	}
	if base64.StdEncoding.DecodedLen(len(payload)) > maxFrameBytes {
		return llm.Image{}, ErrFrameTooLarge
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return llm.Image{}, fmt.Errorf("frames: invalid base64 frame: %w", err)
	}
	return imageFrom(data)
}

// DataURI encodes raw image bytes as a data: URI.
func DataURI(data []byte) (string, error) {
	img, err := imageFrom(data)
	if err != nil {
		return "", err
	}
	return "data:image/" + img.Format + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// Router dispatches on the URI scheme.
type Router struct {
	S3     *S3Source
	Inline InlineSource
}

func (r Router) Fetch(ctx context.Context, uri string) (llm.Image, error) {
	switch {
	case strings.HasPrefix(uri, "data:"):
		return r.Inline.Fetch(ctx, uri)
	case strings.HasPrefix(uri, "s3://") && r.S3 != nil:
		return r.S3.Fetch(ctx, uri)
	}
	return llm.Image{}, fmt.Errorf("%w: %s", ErrUnsupportedURI, truncate(uri))
}

func imageFrom(data []byte) (llm.Image, error) {
	if len(data) == 0 {
		return llm.Image{}, ErrNotImage
	}
	switch http.DetectContentType(data) {
	case "image/jpeg":
		return llm.Image{Format: "jpeg", Data: data}, nil
	case "image/png":
		return llm.Image{Format: "png", Data: data}, nil
	case "image/webp":
		return llm.Image{Format: "webp", Data: data}, nil
	case "image/gif":
		return llm.Image{Format: "gif", Data: data}, nil
	}
	return llm.Image{}, ErrNotImage
}

func truncate(s string) string {
	if len(s) > 48 {
		return s[:48] + "..."
	}
	return s
}
