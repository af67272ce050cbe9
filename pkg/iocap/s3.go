package iocap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"
)

// S3Config configures an S3Scheme. Empty Endpoint uses the AWS SDK's
// default endpoint resolution; empty Region means "us-east-1". Endpoint
// is set for MinIO/Hetzner/LakeFS style S3-compatible deployments.
type S3Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	// MultipartThreshold overrides DefaultMultipartThreshold; uploads
	// above this size use the manager's multipart uploader.
	MultipartThreshold int64
}

// S3Scheme implements Scheme over s3:// paths, where the path is taken
// to be s3://bucket/key. It is grounded on the pack's multi-cloud S3
// uploader: AWS SDK v2 config/credentials, a shared client, and the
// feature/s3/manager uploader for large objects.
type S3Scheme struct {
	client    *s3.Client
	uploader  *manager.Uploader
	threshold int64
}

// NewS3Scheme builds an S3Scheme from cfg. ctx is used only for the one-
// time AWS config load.
func NewS3Scheme(ctx context.Context, cfg S3Config) (*S3Scheme, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(region))
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		opts = append(opts, config.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: endpoint, SigningRegion: region, HostnameImmutable: true}, nil
			})))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("iocap: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	})

	threshold := cfg.MultipartThreshold
	if threshold <= 0 {
		threshold = DefaultMultipartThreshold
	}

	return &S3Scheme{
		client:    client,
		uploader:  manager.NewUploader(client),
		threshold: threshold,
	}, nil
}

func splitS3Path(path string) (bucket, key string, err error) {
	p := strings.TrimPrefix(path, "s3://")
	parts := strings.SplitN(p, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("iocap: malformed s3 path %q, want s3://bucket/key", path)
	}
	return parts[0], parts[1], nil
}

func (s *S3Scheme) Exists(ctx context.Context, path string) (bool, error) {
	bucket, key, err := splitS3Path(path)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, err
}

func (s *S3Scheme) Size(ctx context.Context, path string) (int64, error) {
	bucket, key, err := splitS3Path(path)
	if err != nil {
		return 0, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return 0, err
	}
	if out.ContentLength == nil {
		return 0, nil
	}
	return *out.ContentLength, nil
}

func (s *S3Scheme) ReadAll(ctx context.Context, path string) ([]byte, error) {
	bucket, key, err := splitS3Path(path)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("iocap: object %s not found: %w", path, err)
		}
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// WriteAll uploads data, routing through the multipart manager once the
// payload exceeds the configured MultipartThreshold (spec default 5 GiB,
// min part size 5 MiB, max 10000 parts — enforced by the manager).
func (s *S3Scheme) WriteAll(ctx context.Context, path string, data []byte) error {
	bucket, key, err := splitS3Path(path)
	if err != nil {
		return err
	}
	input := &s3.PutObjectInput{Bucket: aws.String(bucket), Key: aws.String(key), Body: bytes.NewReader(data)}
	if int64(len(data)) >= s.threshold {
		_, err := s.uploader.Upload(ctx, input, func(u *manager.Uploader) {
			u.PartSize = MinPartSize
		})
		if err != nil {
			return fmt.Errorf("iocap: multipart upload %s (%s): %w", path, humanize.Bytes(uint64(len(data))), err)
		}
		return nil
	}
	_, err = s.client.PutObject(ctx, input)
	return err
}

func (s *S3Scheme) Delete(ctx context.Context, path string) error {
	bucket, key, err := splitS3Path(path)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	return err
}

// Checksum streams the object through the requested hash. S3's ETag is
// not a reliable content hash once multipart uploads are involved, so
// this always computes fresh rather than trusting ETag.
func (s *S3Scheme) Checksum(ctx context.Context, path string, kind HashKind) (string, error) {
	bucket, key, err := splitS3Path(path)
	if err != nil {
		return "", err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return "", err
	}
	defer out.Body.Close()
	return hashReader(out.Body, kind)
}

func (s *S3Scheme) ListDir(ctx context.Context, path string) ([]string, error) {
	bucket, prefix, err := splitS3Path(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		if obj.Key != nil {
			keys = append(keys, strings.TrimPrefix(*obj.Key, prefix))
		}
	}
	return keys, nil
}

func (s *S3Scheme) Capabilities() Capabilities {
	return Capabilities{Multipart: true, ListDir: true, Delete: true}
}

// CopyFrom uses S3's native server-side CopyObject when both sides are
// this same bucket-capable scheme, avoiding a read+write round trip
// through process memory.
func (s *S3Scheme) CopyFrom(ctx context.Context, src, dst string, srcScheme Scheme) (bool, error) {
	srcS3, ok := srcScheme.(*S3Scheme)
	if !ok || srcS3.client != s.client {
		return false, nil
	}
	srcBucket, srcKey, err := splitS3Path(src)
	if err != nil {
		return true, err
	}
	dstBucket, dstKey, err := splitS3Path(dst)
	if err != nil {
		return true, err
	}
	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(srcBucket + "/" + srcKey),
	})
	return true, err
}
