package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Store is the durable server-side backend for multi-instance
// deployments. The bucket is assumed to enforce encryption at rest.
type S3Store struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewS3Store(endpoint, accessKey, secretKey, bucket, prefix string, useSSL bool) (*S3Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}, nil
}

func (s *S3Store) objectKey(key string) string {
	return fmt.Sprintf("%s/%s.json", s.prefix, key)
}

func (s *S3Store) Store(ctx context.Context, key string, value []byte, meta *Metadata) error {
	data, err := json.Marshal(envelope{Value: value, Meta: meta})
	if err != nil {
		return corruptionError("store", key, err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, s.objectKey(key), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return transientError("store", key, err)
	}
	return nil
}

func (s *S3Store) Retrieve(ctx context.Context, key string) ([]byte, *Metadata, error) {
	object, err := s.client.GetObject(ctx, s.bucket, s.objectKey(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, transientError("retrieve", key, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return nil, nil, nil
		}
		return nil, nil, transientError("retrieve", key, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, corruptionError("retrieve", key, err)
	}

	if env.Meta.Expired(time.Now()) {
		if err := s.Remove(ctx, key); err != nil {
			return nil, nil, err
		}
		return nil, nil, nil
	}

	return env.Value, env.Meta, nil
}

func (s *S3Store) Remove(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, s.objectKey(key), minio.RemoveObjectOptions{}); err != nil {
		return transientError("remove", key, err)
	}
	return nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.objectKey(key), minio.StatObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, transientError("exists", key, err)
	}
	return true, nil
}

func (s *S3Store) Clear(ctx context.Context) error {
	objectsCh := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.prefix + "/",
		Recursive: true,
	})

	for object := range objectsCh {
		if object.Err != nil {
			return transientError("clear", s.prefix, object.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
			return transientError("clear", object.Key, err)
		}
	}
	return nil
}

func (s *S3Store) Capabilities() Capabilities {
	return Capabilities{Encrypted: true, SurvivesRestart: true}
}
