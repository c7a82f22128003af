package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore keeps each record as a JSON object under
// <collection>/<id>.json in an S3-compatible bucket. Listing scans the
// collection prefix and applies equality filters client-side.
type ObjectStore struct {
	client *minio.Client
	bucket string
}

type ObjectStoreOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func NewObjectStore(opts ObjectStoreOptions) (*ObjectStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &ObjectStore{client: client, bucket: opts.Bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *ObjectStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return Unavailable("check bucket", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return Unavailable("create bucket", err)
	}
	return nil
}

func objectKey(collection, id string) string {
	return collection + "/" + id + ".json"
}

func idFromKey(collection, key string) (string, bool) {
	prefix := collection + "/"
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, ".json") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(key, prefix), ".json")
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func (s *ObjectStore) Insert(ctx context.Context, collection string, rec Record) (Record, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, Unavailable("generate id", err)
	}
	out := rec.Clone()
	// v7 ids are time ordered, so listings sort by insertion
	out[FieldID] = id.String()
	if err := s.put(ctx, collection, out.ID(), out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ObjectStore) Get(ctx context.Context, collection, id string) (Record, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(collection, id), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.classify(err, collection, id)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.classify(err, collection, id)
	}
	rec, err := unmarshalData(id, data)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *ObjectStore) Replace(ctx context.Context, collection, id string, rec Record) error {
	if err := s.exists(ctx, collection, id); err != nil {
		return err
	}
	out := rec.Clone()
	out[FieldID] = id
	return s.put(ctx, collection, id, out)
}

func (s *ObjectStore) Delete(ctx context.Context, collection, id string) error {
	if err := s.exists(ctx, collection, id); err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, objectKey(collection, id), minio.RemoveObjectOptions{}); err != nil {
		return Unavailable("remove object", err)
	}
	return nil
}

func (s *ObjectStore) List(ctx context.Context, collection string, equals map[string]any) ([]Record, error) {
	items := make([]Record, 0)
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    collection + "/",
		Recursive: true,
	}) {
		if info.Err != nil {
			return nil, Unavailable("list objects", info.Err)
		}
		id, ok := idFromKey(collection, info.Key)
		if !ok {
			continue
		}
		rec, err := s.Get(ctx, collection, id)
		if err != nil {
			// deleted between listing and read
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if matchesEquals(rec, equals) {
			items = append(items, rec)
		}
	}
	return items, nil
}

func (s *ObjectStore) Ping(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, s.bucket); err != nil {
		return Unavailable("ping bucket", err)
	}
	return nil
}

func (s *ObjectStore) put(ctx context.Context, collection, id string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = s.client.PutObject(ctx, s.bucket, objectKey(collection, id), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return Unavailable("put object", err)
	}
	return nil
}

func (s *ObjectStore) exists(ctx context.Context, collection, id string) error {
	if _, err := s.client.StatObject(ctx, s.bucket, objectKey(collection, id), minio.StatObjectOptions{}); err != nil {
		return s.classify(err, collection, id)
	}
	return nil
}

func (s *ObjectStore) classify(err error, collection, id string) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return NotFoundf("%s %s", collection, id)
	}
	return Unavailable("object "+objectKey(collection, id), err)
}
