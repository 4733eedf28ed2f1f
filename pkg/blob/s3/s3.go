/*
Package s3 implements blob.Adapter over any S3-compatible endpoint (AWS
S3, MinIO, Ceph RGW) using aws-sdk-go-v2, the same object-storage SDK
wired by the onboarding/metadata stack in the retrieval pack (see
DESIGN.md: grounded on other_examples' LerianStudio-midaz, SharedCode-sop,
and adrianmcphee-smarterbase go.mod manifests, all direct consumers of
aws-sdk-go-v2's service/s3). Bucket-per-database naming and
path-vs-virtual-host addressing are controlled by spacesConnections
config (§6.1).
*/
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/cuemby/chronos-db/pkg/blob"
)

// ConnectionConfig mirrors the spacesConnections map entry in §6.1.
type ConnectionConfig struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// Adapter is the S3-compatible blob.Adapter implementation.
type Adapter struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	presign    *s3.PresignClient
}

// New builds an Adapter from a ConnectionConfig. A custom endpoint
// resolver is installed whenever Endpoint is set, so MinIO/Ceph deployments
// work exactly like AWS S3 does without it.
func New(ctx context.Context, cc ConnectionConfig) (*Adapter, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cc.Region),
	}
	if cc.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cc.AccessKeyID, cc.SecretAccessKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, blob.Permanent("s3.New", "", "", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if cc.Endpoint != "" {
			o.BaseEndpoint = aws.String(cc.Endpoint)
		}
		o.UsePathStyle = cc.ForcePathStyle
	})

	return &Adapter{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		presign:    s3.NewPresignClient(client),
	}, nil
}

func classify(op, bucket, key string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return blob.NotFound(op, bucket, key)
		case "AccessDenied", "Forbidden":
			return blob.PermissionDenied(op, bucket, key, err)
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return blob.Transient(op, bucket, key, err)
		}
	}
	return blob.Transient(op, bucket, key, err)
}

// PutJSON writes value as canonical JSON.
func (a *Adapter) PutJSON(ctx context.Context, bucket, key string, value interface{}) (blob.PutResult, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return blob.PutResult{}, blob.Permanent("s3.PutJSON", bucket, key, err)
	}
	return a.PutRaw(ctx, bucket, key, data, "application/json")
}

// PutRaw uploads data, using multipart upload transparently for large
// payloads via the SDK's managed uploader.
func (a *Adapter) PutRaw(ctx context.Context, bucket, key string, data []byte, contentType string) (blob.PutResult, error) {
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return blob.PutResult{}, classify("s3.PutRaw", bucket, key, err)
	}
	size := int64(len(data))
	return blob.PutResult{Size: &size, Checksum: blob.Checksum(data)}, nil
}

// GetJSON downloads key and unmarshals it into out.
func (a *Adapter) GetJSON(ctx context.Context, bucket, key string, out interface{}) error {
	data, err := a.GetRaw(ctx, bucket, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return blob.Permanent("s3.GetJSON", bucket, key, err)
	}
	return nil
}

// GetRaw downloads key's bytes.
func (a *Adapter) GetRaw(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify("s3.GetRaw", bucket, key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, blob.Transient("s3.GetRaw", bucket, key, err)
	}
	return data, nil
}

// Head reports existence and size.
func (a *Adapter) Head(ctx context.Context, bucket, key string) (blob.HeadResult, error) {
	out, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey") {
			return blob.HeadResult{Exists: false}, nil
		}
		return blob.HeadResult{}, classify("s3.Head", bucket, key, err)
	}
	var size *int64
	if out.ContentLength != nil {
		size = out.ContentLength
	}
	return blob.HeadResult{Exists: true, Size: size}, nil
}

// Delete removes key. Idempotent per S3 semantics (DeleteObject on a
// missing key is not an error).
func (a *Adapter) Delete(ctx context.Context, bucket, key string) error {
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classify("s3.Delete", bucket, key, err)
	}
	return nil
}

// PresignGet returns a time-limited GET URL.
func (a *Adapter) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	req, err := a.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", classify("s3.PresignGet", bucket, key, err)
	}
	return req.URL, nil
}

// List paginates objects under prefix using the continuation token S3
// itself returns.
func (a *Adapter) List(ctx context.Context, bucket, prefix string, opts blob.ListOptions) (blob.ListResult, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	if opts.MaxKeys > 0 {
		input.MaxKeys = aws.Int32(int32(opts.MaxKeys))
	}
	if opts.ContinuationToken != "" {
		input.ContinuationToken = aws.String(opts.ContinuationToken)
	}
	out, err := a.client.ListObjectsV2(ctx, input)
	if err != nil {
		return blob.ListResult{}, classify("s3.List", bucket, prefix, err)
	}
	entries := make([]blob.ListEntry, 0, len(out.Contents))
	for _, obj := range out.Contents {
		size := int64(0)
		if obj.Size != nil {
			size = *obj.Size
		}
		entries = append(entries, blob.ListEntry{Key: aws.ToString(obj.Key), Size: size})
	}
	next := ""
	if out.NextContinuationToken != nil {
		next = *out.NextContinuationToken
	}
	return blob.ListResult{Entries: entries, NextContinuationToken: next}, nil
}

// Copy performs a server-side copy within or across buckets.
func (a *Adapter) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	source := srcBucket + "/" + srcKey
	_, err := a.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(source),
	})
	if err != nil {
		return classify("s3.Copy", dstBucket, dstKey, err)
	}
	return nil
}

// Close is a no-op: the SDK client holds no closable resources beyond its
// pooled HTTP transport, which the process-wide Router cache manages.
func (a *Adapter) Close() error { return nil }

var _ blob.Adapter = (*Adapter)(nil)
