package storage

import (
	"context"
	"errors"
	"fmt"
	"github.com/minio/minio-go/v7"
	"io"
	"net/http"
	"proctoring-recorder/constant"
	"strings"
)

// ObjectStore keeps objects in an S3 compatible bucket, one key prefix per session.
type ObjectStore struct {
	client *minio.Client
	bucket string
}

func NewObjectStore(client *minio.Client, bucket string) *ObjectStore {
	return &ObjectStore{client: client, bucket: bucket}
}

func (o *ObjectStore) Kind() constant.StorageBackend {
	return constant.StorageBackendObjectStore
}

// EnsureBucket creates the bucket when it does not exist yet.
func (o *ObjectStore) EnsureBucket(ctx context.Context, region string) error {
	exists, err := o.client.BucketExists(ctx, o.bucket)
	if err != nil {
		return mapObjectError(o.bucket, err)
	}
	if exists {
		return nil
	}
	if err := o.client.MakeBucket(ctx, o.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return mapObjectError(o.bucket, err)
	}
	return nil
}

func (o *ObjectStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	if err := validateObjectKey(key); err != nil {
		return "", err
	}
	_, err := o.client.PutObject(ctx, o.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", mapObjectError(key, err)
	}
	return key, nil
}

func (o *ObjectStore) Get(ctx context.Context, ref string) (*Object, error) {
	return o.GetRange(ctx, ref, 0, -1)
}

func (o *ObjectStore) GetRange(ctx context.Context, ref string, start, end int64) (*Object, error) {
	info, err := o.Stat(ctx, ref)
	if err != nil {
		return nil, err
	}

	obj := &Object{Size: info.Size, ContentType: info.ContentType, End: -1}
	opts := minio.GetObjectOptions{}
	if info.Size > 0 {
		obj.Start, obj.End, err = resolveRange(info.Size, start, end)
		if err != nil {
			return nil, err
		}
		if obj.Start != 0 || obj.End != info.Size-1 {
			if err := opts.SetRange(obj.Start, obj.End); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidRange, err)
			}
		}
	}

	body, err := o.client.GetObject(ctx, o.bucket, ref, opts)
	if err != nil {
		return nil, mapObjectError(ref, err)
	}
	obj.Body = body
	return obj, nil
}

func (o *ObjectStore) Stat(ctx context.Context, ref string) (ObjectInfo, error) {
	if err := validateObjectKey(ref); err != nil {
		return ObjectInfo{}, err
	}
	info, err := o.client.StatObject(ctx, o.bucket, ref, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, mapObjectError(ref, err)
	}
	return ObjectInfo{Size: info.Size, ContentType: info.ContentType}, nil
}

func (o *ObjectStore) Exists(ctx context.Context, ref string) (bool, error) {
	_, err := o.Stat(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Delete reports ErrNotFound for a missing key, matching Local; S3 itself
// treats deleting a missing key as success.
func (o *ObjectStore) Delete(ctx context.Context, ref string) error {
	if _, err := o.Stat(ctx, ref); err != nil {
		return err
	}
	if err := o.client.RemoveObject(ctx, o.bucket, ref, minio.RemoveObjectOptions{}); err != nil {
		return mapObjectError(ref, err)
	}
	return nil
}

func validateObjectKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

func mapObjectError(ref string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	case resp.Code == "InvalidRange" || resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		return fmt.Errorf("%w: %s", ErrInvalidRange, ref)
	}
	return errors.Join(ErrUnavailable, err)
}
