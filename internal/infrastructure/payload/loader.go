// Package payload loads widget configuration payloads from a local file,
// stdin or an S3 object.
package payload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/drfirst/go-orderwidget/internal/domain/order"
)

// MaxPayloadBytes bounds a single configuration payload
const MaxPayloadBytes = 16 << 20

// ErrNoObjectStore is returned for s3:// locations when no client is set
var ErrNoObjectStore = errors.New("s3 location given but no object store configured")

// S3Config configures the object store client
type S3Config struct {
	Region    string
	Endpoint  string
	PathStyle bool
}

// NewS3Client builds a client from the default credential chain
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// ObjectGetter is the part of the S3 API the loader uses
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Loader reads payload bytes by location
type Loader struct {
	objects ObjectGetter
	stdin   io.Reader
}

// NewLoader creates a loader. objects may be nil when only local paths are
// used.
func NewLoader(objects ObjectGetter) *Loader {
	return &Loader{objects: objects, stdin: os.Stdin}
}

// WithStdin returns a copy of l that reads "-" from r
func (l *Loader) WithStdin(r io.Reader) *Loader {
	cp := *l
	cp.stdin = r
	return &cp
}

// Load returns the bytes at location: "-" for stdin, s3://bucket/key for an
// object, anything else is a file path.
func (l *Loader) Load(ctx context.Context, location string) ([]byte, error) {
	switch {
	case location == "-":
		return readAll(l.stdin)
	case strings.HasPrefix(location, "s3://"):
		return l.loadObject(ctx, location)
	default:
		f, err := os.Open(location)
		if err != nil {
			return nil, fmt.Errorf("open payload: %w", err)
		}
		defer f.Close()
		return readAll(f)
	}
}

// LoadConfig loads and decodes a widget configuration
func (l *Loader) LoadConfig(ctx context.Context, location string) (*order.Config, []byte, error) {
	raw, err := l.Load(ctx, location)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := order.ParseConfig(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", location, err)
	}
	return cfg, raw, nil
}

func (l *Loader) loadObject(ctx context.Context, location string) ([]byte, error) {
	if l.objects == nil {
		return nil, ErrNoObjectStore
	}
	bucket, key, err := SplitS3(location)
	if err != nil {
		return nil, err
	}
	out, err := l.objects.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()
	return readAll(out.Body)
}

// SplitS3 parses s3://bucket/key
func SplitS3(location string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(location, "s3://")
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid s3 location %q", location)
	}
	return bucket, key, nil
}

func readAll(r io.Reader) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, MaxPayloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if len(b) > MaxPayloadBytes {
		return nil, fmt.Errorf("payload exceeds %d bytes", MaxPayloadBytes)
	}
	return b, nil
}
