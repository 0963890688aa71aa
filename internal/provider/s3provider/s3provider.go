package s3provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/openmined/spacesync/internal/manifest"
	"github.com/openmined/spacesync/internal/provider"
	"github.com/openmined/spacesync/internal/syncerr"
)

const TypeName = "s3"

var md5ETag = regexp.MustCompile(`^[0-9a-f]{32}$`)

type Config struct {
	Bucket    string
	Prefix    string
	Region    string
	AccessKey string
	SecretKey string
	Endpoint  string
}

// Provider stores manifests, lock markers and blobs as objects in one S3 bucket.
type Provider struct {
	client *s3.Client
	bucket string
	keys   provider.Keys
}

var _ provider.Client = (*Provider)(nil)

func NewWithClient(client *s3.Client, bucket, prefix string) *Provider {
	return &Provider{
		client: client,
		bucket: bucket,
		keys:   provider.Keys{Prefix: prefix},
	}
}

func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

func Factory(ctx context.Context, s provider.Settings) (provider.Client, error) {
	return New(ctx, Config{
		Bucket:    s.Bucket,
		Prefix:    s.Prefix,
		Region:    s.Region,
		AccessKey: s.AccessKey,
		SecretKey: s.SecretKey,
		Endpoint:  s.Endpoint,
	})
}

func (p *Provider) Name() string {
	return TypeName + ":" + p.bucket
}

// ===================================================================================================

func (p *Provider) FetchManifest(ctx context.Context, repositoryID string) (*manifest.Manifest, error) {
	data, _, err := p.get(ctx, "fetch manifest", p.keys.Manifest(repositoryID))
	if err != nil {
		return nil, err
	}
	return manifest.Decode(data)
}

func (p *Provider) PutManifest(ctx context.Context, repositoryID string, m *manifest.Manifest) error {
	data, err := manifest.Encode(m)
	if err != nil {
		return err
	}
	_, err = p.put(ctx, "put manifest", p.keys.Manifest(repositoryID), data, "application/json")
	return err
}

// ===================================================================================================

func (p *Provider) FetchBlob(ctx context.Context, fileID string) ([]byte, error) {
	data, _, err := p.get(ctx, "fetch blob", p.keys.Blob(fileID))
	return data, err
}

func (p *Provider) PutBlob(ctx context.Context, fileID string, data []byte) (*provider.BlobInfo, error) {
	etag, err := p.put(ctx, "put blob", p.keys.Blob(fileID), data, "application/octet-stream")
	if err != nil {
		return nil, err
	}

	// single part uploads without SSE-KMS report the md5 of the stored object
	checksum := etag
	if !md5ETag.MatchString(etag) {
		checksum = manifest.Checksum(data)
	}
	return &provider.BlobInfo{Size: int64(len(data)), Checksum: checksum}, nil
}

func (p *Provider) DeleteBlob(ctx context.Context, fileID string) error {
	key := p.keys.Blob(fileID)
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &p.bucket,
		Key:    &key,
	})
	if err := translateError("delete blob", fileID, err); err != nil && !syncerr.Is(err, syncerr.KindNotFound) {
		return err
	}
	return nil
}

// ===================================================================================================

func (p *Provider) PutLockMarker(ctx context.Context, marker *provider.LockMarker) error {
	data, err := provider.EncodeLockMarker(marker)
	if err != nil {
		return err
	}
	_, err = p.put(ctx, "put lock", p.keys.Lock(marker.RepositoryID), data, "application/json")
	return err
}

func (p *Provider) GetLockMarker(ctx context.Context, repositoryID string) (*provider.LockMarker, error) {
	data, _, err := p.get(ctx, "get lock", p.keys.Lock(repositoryID))
	if syncerr.Is(err, syncerr.KindNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return provider.DecodeLockMarker(data)
}

func (p *Provider) DeleteLockMarker(ctx context.Context, repositoryID string) error {
	key := p.keys.Lock(repositoryID)
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &p.bucket,
		Key:    &key,
	})
	if err := translateError("delete lock", repositoryID, err); err != nil && !syncerr.Is(err, syncerr.KindNotFound) {
		return err
	}
	return nil
}

// ===================================================================================================

func (p *Provider) get(ctx context.Context, op, key string) ([]byte, string, error) {
	resp, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &p.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, "", translateError(op, key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", translateError(op, key, err)
	}
	return data, cleanETag(resp.ETag), nil
}

func (p *Provider) put(ctx context.Context, op, key string, data []byte, contentType string) (string, error) {
	resp, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &p.bucket,
		Key:           &key,
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", translateError(op, key, err)
	}
	return cleanETag(resp.ETag), nil
}

func cleanETag(etag *string) string {
	return strings.ToLower(strings.ReplaceAll(aws.ToString(etag), "\"", ""))
}

// translateError maps SDK errors onto syncerr kinds.
func translateError(op, key string, err error) error {
	if err == nil {
		return nil
	}

	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return syncerr.ForFile(syncerr.KindNotFound, op, key, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken", "AllAccessDisabled":
			return syncerr.ForFile(syncerr.KindProviderAuth, op, key, err)
		case "SlowDown", "RequestTimeout", "ServiceUnavailable", "InternalError", "Throttling", "RequestTimeTooSkewed":
			return syncerr.ForFile(syncerr.KindProviderTransient, op, key, err)
		case "QuotaExceeded", "EntityTooLarge", "TooManyBuckets":
			return syncerr.ForFile(syncerr.KindQuotaExceeded, op, key, err)
		case "NoSuchBucket":
			return syncerr.ForFile(syncerr.KindNotFound, op, key, err)
		}
	}

	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		if kind := syncerr.KindFromHTTPStatus(statusErr.HTTPStatusCode()); kind != syncerr.KindUnknown {
			return syncerr.ForFile(kind, op, key, err)
		}
	}

	if kind := syncerr.KindOf(err); kind != syncerr.KindUnknown {
		return syncerr.ForFile(kind, op, key, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return syncerr.ForFile(syncerr.KindProviderTransient, op, key, err)
	}

	return syncerr.ForFile(syncerr.KindUnknown, op, key, err)
}
