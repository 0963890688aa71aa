package minioprovider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/openmined/spacesync/internal/manifest"
	"github.com/openmined/spacesync/internal/provider"
	"github.com/openmined/spacesync/internal/syncerr"
)

const TypeName = "minio"

type Config struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Provider talks to any S3 compatible endpoint through the MinIO client.
type Provider struct {
	client *minio.Client
	bucket string
	keys   provider.Keys
}

var _ provider.Client = (*Provider)(nil)

func New(cfg Config) (*Provider, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio endpoint and bucket are required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	return &Provider{
		client: client,
		bucket: cfg.Bucket,
		keys:   provider.Keys{Prefix: cfg.Prefix},
	}, nil
}

func Factory(ctx context.Context, s provider.Settings) (provider.Client, error) {
	return New(Config{
		Endpoint:  s.Endpoint,
		Bucket:    s.Bucket,
		Prefix:    s.Prefix,
		Region:    s.Region,
		AccessKey: s.AccessKey,
		SecretKey: s.SecretKey,
		UseSSL:    s.UseSSL,
	})
}

func (p *Provider) Name() string {
	return TypeName + ":" + p.bucket
}

func (p *Provider) FetchManifest(ctx context.Context, repositoryID string) (*manifest.Manifest, error) {
	data, err := p.get(ctx, "fetch manifest", p.keys.Manifest(repositoryID))
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

func (p *Provider) FetchBlob(ctx context.Context, fileID string) ([]byte, error) {
	return p.get(ctx, "fetch blob", p.keys.Blob(fileID))
}

func (p *Provider) PutBlob(ctx context.Context, fileID string, data []byte) (*provider.BlobInfo, error) {
	info, err := p.put(ctx, "put blob", p.keys.Blob(fileID), data, "application/octet-stream")
	if err != nil {
		return nil, err
	}

	checksum := strings.ToLower(strings.Trim(info.ETag, `"`))
	if len(checksum) != 32 || strings.Contains(checksum, "-") {
		checksum = manifest.Checksum(data)
	}
	return &provider.BlobInfo{Size: info.Size, Checksum: checksum}, nil
}

func (p *Provider) DeleteBlob(ctx context.Context, fileID string) error {
	return p.remove(ctx, "delete blob", p.keys.Blob(fileID))
}

func (p *Provider) PutLockMarker(ctx context.Context, marker *provider.LockMarker) error {
	data, err := provider.EncodeLockMarker(marker)
	if err != nil {
		return err
	}
	_, err = p.put(ctx, "put lock", p.keys.Lock(marker.RepositoryID), data, "application/json")
	return err
}

func (p *Provider) GetLockMarker(ctx context.Context, repositoryID string) (*provider.LockMarker, error) {
	data, err := p.get(ctx, "get lock", p.keys.Lock(repositoryID))
	if syncerr.Is(err, syncerr.KindNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return provider.DecodeLockMarker(data)
}

func (p *Provider) DeleteLockMarker(ctx context.Context, repositoryID string) error {
	return p.remove(ctx, "delete lock", p.keys.Lock(repositoryID))
}

func (p *Provider) get(ctx context.Context, op, key string) ([]byte, error) {
	obj, err := p.client.GetObject(ctx, p.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translateError(op, key, err)
	}
	defer func() {
		_ = obj.Close()
	}()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, translateError(op, key, err)
	}
	return data, nil
}

func (p *Provider) put(ctx context.Context, op, key string, data []byte, contentType string) (minio.UploadInfo, error) {
	info, err := p.client.PutObject(ctx, p.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return info, translateError(op, key, err)
	}
	return info, nil
}

func (p *Provider) remove(ctx context.Context, op, key string) error {
	err := p.client.RemoveObject(ctx, p.bucket, key, minio.RemoveObjectOptions{})
	if err := translateError(op, key, err); err != nil && !syncerr.Is(err, syncerr.KindNotFound) {
		return err
	}
	return nil
}

func translateError(op, key string, err error) error {
	if err == nil {
		return nil
	}

	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NoSuchObject":
		return syncerr.ForFile(syncerr.KindNotFound, op, key, err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
		return syncerr.ForFile(syncerr.KindProviderAuth, op, key, err)
	case "SlowDown", "SlowDownRead", "SlowDownWrite", "RequestTimeout", "ServiceUnavailable", "InternalError", "XMinioServerNotInitialized":
		return syncerr.ForFile(syncerr.KindProviderTransient, op, key, err)
	case "QuotaExceeded", "XMinioAdminBucketQuotaExceeded", "EntityTooLarge", "XMinioStorageFull":
		return syncerr.ForFile(syncerr.KindQuotaExceeded, op, key, err)
	}

	if resp.StatusCode != 0 {
		if kind := syncerr.KindFromHTTPStatus(resp.StatusCode); kind != syncerr.KindUnknown {
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
