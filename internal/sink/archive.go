package sink

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/bettaflow/mediaspider/internal/config"
	"github.com/bettaflow/mediaspider/internal/model"
	"github.com/bettaflow/mediaspider/pkg/logger"
)

// PayloadArchive stores raw page payloads that failed to parse so the
// extraction scripts can be fixed against the real markup.
type PayloadArchive struct {
	client *minio.Client
	bucket string
	log    *logger.Logger
}

// NewPayloadArchive creates the object storage client and ensures the
// bucket exists.
func NewPayloadArchive(cfg config.SinkConfig, log *logger.Logger) (*PayloadArchive, error) {
	client, err := minio.New(cfg.ArchiveEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.ArchiveAccessKey, cfg.ArchiveSecretKey, ""),
		Secure: cfg.ArchiveUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create archive client: %w", err)
	}

	a := &PayloadArchive{
		client: client,
		bucket: cfg.ArchiveBucket,
		log:    log.WithComponent("payload-archive"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, a.bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return a, nil
}

// Store uploads the raw payload for a failed item and returns a reference
// suitable for CrawlResult.PayloadRef.
func (a *PayloadArchive) Store(ctx context.Context, item *model.WorkItem, raw []byte) (string, error) {
	key := path.Join(
		"payloads",
		string(item.Platform),
		time.Now().UTC().Format("2006-01-02"),
		fmt.Sprintf("%s-attempt%d.html", item.ID, item.Attempt),
	)

	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(raw), int64(len(raw)), minio.PutObjectOptions{
		ContentType: "text/html",
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive payload: %w", err)
	}

	ref := fmt.Sprintf("s3://%s/%s", a.bucket, key)
	a.log.Info("payload archived", "item_id", item.ID, "ref", ref, "bytes", len(raw))
	return ref, nil
}

// Health checks object storage connectivity.
func (a *PayloadArchive) Health(ctx context.Context) error {
	_, err := a.client.BucketExists(ctx, a.bucket)
	return err
}
