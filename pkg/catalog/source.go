package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrNoSource is returned by OpenSource when neither a path nor a bucket is set
var ErrNoSource = errors.New("no catalog source configured")

// Source fetches the raw catalogue document
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
	String() string
}

// FileSource reads the catalogue from the local filesystem
type FileSource struct {
	Path string
}

// NewFileSource creates a source for path
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

func (s *FileSource) Fetch(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", s.Path, err)
	}
	return data, nil
}

func (s *FileSource) String() string {
	return "file://" + s.Path
}

// OpenSource returns a file source when path is set and an S3 source when a
// bucket is
func OpenSource(ctx context.Context, path string, s3cfg S3Config) (Source, error) {
	switch {
	case path != "":
		return NewFileSource(path), nil
	case s3cfg.Bucket != "":
		return NewS3Source(ctx, s3cfg)
	default:
		return nil, ErrNoSource
	}
}

// S3API is the part of the S3 client the source needs
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config locates a catalogue object
type S3Config struct {
	Bucket       string
	Key          string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// S3Source reads the catalogue from an S3 object
type S3Source struct {
	client S3API
	bucket string
	key    string
}

// NewS3Source builds an S3 client from cfg. Static credentials are used when
// both keys are set, otherwise the default credential chain.
func NewS3Source(ctx context.Context, cfg S3Config) (*S3Source, error) {
	if cfg.Bucket == "" || cfg.Key == "" {
		return nil, fmt.Errorf("catalog bucket and key are required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		// MinIO or AWS with explicit keys
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3SourceWithClient(client, cfg.Bucket, cfg.Key), nil
}

// NewS3SourceWithClient wraps an existing client
func NewS3SourceWithClient(client S3API, bucket, key string) *S3Source {
	return &S3Source{client: client, bucket: bucket, key: key}
}

func (s *S3Source) Fetch(ctx context.Context) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get catalog from %s: %w", s, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog from %s: %w", s, err)
	}
	return data, nil
}

func (s *S3Source) String() string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, s.key)
}
