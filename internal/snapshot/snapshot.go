// Package snapshot publishes JSON copies of a poem to object storage after
// publish and merge.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"versehub/api/internal/poem"
)

type Reason string

const (
	ReasonPublish Reason = "publish"
	ReasonMerge   Reason = "merge"
)

// Snapshot is the document written to the bucket.
type Snapshot struct {
	Reason  Reason     `json:"reason"`
	TakenAt time.Time  `json:"takenAt"`
	Poem    *poem.Poem `json:"poem"`
}

// Publisher stores poem snapshots.
type Publisher interface {
	Publish(ctx context.Context, snap Snapshot) error
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioPublisher writes snapshots to an S3-compatible bucket.
type MinioPublisher struct {
	client *minio.Client
	bucket string
}

func NewMinioPublisher(ctx context.Context, cfg Config) (*MinioPublisher, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("snapshot endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioPublisher{client: client, bucket: cfg.Bucket}, nil
}

func (m *MinioPublisher) Publish(ctx context.Context, snap Snapshot) error {
	key, payload, err := Encode(snap)
	if err != nil {
		return err
	}
	_, err = m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"reason": string(snap.Reason),
		},
	})
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", key, err)
	}
	return nil
}

// ObjectKey names a snapshot by poem and head revision. A poem with an
// empty log is stored under "initial".
func ObjectKey(p *poem.Poem) string {
	rev := "initial"
	if last, ok := p.Revisions.Last(); ok {
		rev = last.ID
	}
	return path.Join("poems", p.ID, rev+".json")
}

// Encode returns the object key and JSON body for a snapshot.
func Encode(snap Snapshot) (string, []byte, error) {
	if snap.Poem == nil {
		return "", nil, fmt.Errorf("snapshot has no poem")
	}
	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return ObjectKey(snap.Poem), payload, nil
}
