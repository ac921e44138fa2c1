package registry

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/platinummonkey/impromptu/pkg/pluginkey"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("impromptu/registry")

// S3API is the subset of the S3 client used by S3Source
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config configures an S3 (or MinIO) package feed
type S3Config struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// S3Source serves package archives stored as {prefix}{id}.{version}.zip objects
type S3Source struct {
	client S3API
	bucket string
	prefix string
	logger *logrus.Logger
}

// NewS3Source builds an S3 client from cfg
func NewS3Source(ctx context.Context, cfg S3Config, logger *logrus.Logger) (*S3Source, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	var awsConfig aws.Config
	var err error

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsConfig, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKey,
				cfg.SecretKey,
				"",
			)),
		)
	} else {
		awsConfig, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return NewS3SourceWithClient(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewS3SourceWithClient wraps an existing client
func NewS3SourceWithClient(client S3API, bucket, prefix string, logger *logrus.Logger) *S3Source {
	if logger == nil {
		logger = logrus.New()
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Source{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// Name returns s3://bucket/prefix
func (s *S3Source) Name() string {
	return "s3://" + path.Join(s.bucket, s.prefix)
}

func (s *S3Source) packages(ctx context.Context, id string) ([]*Package, error) {
	ctx, span := tracer.Start(ctx, "S3Source.List",
		trace.WithAttributes(
			attribute.String("s3.bucket", s.bucket),
			attribute.String("package.id", id),
		),
	)
	defer span.End()

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix + id + "."),
	})

	var pkgs []*Package
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to list objects")
			return nil, fmt.Errorf("failed to list s3 objects: %w", err)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			name := strings.TrimPrefix(key, s.prefix)
			if strings.Contains(name, "/") {
				continue
			}
			pkgID, version, format, err := ParseArchiveName(name)
			if err != nil || pkgID != id {
				continue
			}
			pkgs = append(pkgs, &Package{
				ID:       pkgID,
				Version:  version,
				Format:   format,
				Location: key,
				Size:     aws.ToInt64(obj.Size),
				Source:   s.Name(),
			})
		}
	}

	sort.Slice(pkgs, func(i, j int) bool {
		return pkgs[i].Version.Compare(pkgs[j].Version) < 0
	})
	span.SetAttributes(attribute.Int("package.versions", len(pkgs)))
	return pkgs, nil
}

// Versions lists published versions of id
func (s *S3Source) Versions(ctx context.Context, id string) ([]pluginkey.Version, error) {
	pkgs, err := s.packages(ctx, id)
	if err != nil {
		return nil, err
	}
	versions := make([]pluginkey.Version, len(pkgs))
	for i, p := range pkgs {
		versions[i] = p.Version
	}
	return versions, nil
}

// Find resolves id at version
func (s *S3Source) Find(ctx context.Context, id string, version pluginkey.Version) (*Package, error) {
	pkgs, err := s.packages(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, p := range pkgs {
		if p.Version.Compare(version) == 0 {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s in %s", ErrNotFound, id, version, s.Name())
}

// FindLatest resolves the latest version of id
func (s *S3Source) FindLatest(ctx context.Context, id string) (*Package, error) {
	pkgs, err := s.packages(ctx, id)
	if err != nil {
		return nil, err
	}
	if p, ok := latestOf(pkgs); ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, id, s.Name())
}

// Extract downloads the archive object and unpacks it into dest
func (s *S3Source) Extract(ctx context.Context, pkg *Package, dest string) error {
	key := pkg.Location
	if key == "" {
		key = s.prefix + pkg.ArchiveName()
	}

	ctx, span := tracer.Start(ctx, "S3Source.Extract",
		trace.WithAttributes(
			attribute.String("s3.bucket", s.bucket),
			attribute.String("s3.key", key),
		),
	)
	defer span.End()

	s.logger.WithFields(logrus.Fields{
		"package": pkg.String(),
		"key":     key,
	}).Debug("Downloading package from S3")

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get object")
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("failed to get s3 object: %w", err)
	}
	defer out.Body.Close()

	if err := extractStream(ctx, out.Body, pkg.Format, dest); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to extract")
		return fmt.Errorf("failed to extract %s: %w", pkg, err)
	}

	span.SetStatus(codes.Ok, "package extracted")
	return verifyManifest(dest, pkg)
}
