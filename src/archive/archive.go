// Package archive keeps a copy of every raw report payload outside the database.
package archive

import (
	"context"
	"fmt"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/username/ledgerdash/backend/src/logger"
	"github.com/username/ledgerdash/backend/src/models"
)

// RawArchiver stores a raw payload and returns its location.
type RawArchiver interface {
	Archive(ctx context.Context, account models.AccountRef, reportType models.ReportType, startDate, endDate string, raw []byte) (string, error)
}

// ObjectName is <realm>/<reportType>/<start>_<end>/<id>.json.
func ObjectName(account models.AccountRef, reportType models.ReportType, startDate, endDate, id string) string {
	return path.Join(account.RealmID, reportType.Slug(), startDate+"_"+endDate, id+".json")
}

type gcsArchiver struct {
	client *storage.Client
	bucket string
	newID  func() string
}

// NewGCSArchiver writes payloads to a Cloud Storage bucket using the given client.
func NewGCSArchiver(client *storage.Client, bucket string) RawArchiver {
	return &gcsArchiver{client: client, bucket: bucket, newID: uuid.NewString}
}

func (a *gcsArchiver) Archive(ctx context.Context, account models.AccountRef, reportType models.ReportType, startDate, endDate string, raw []byte) (string, error) {
	name := ObjectName(account, reportType, startDate, endDate, a.newID())

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	w := a.client.Bucket(a.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/json"
	w.Metadata = map[string]string{
		"user_id":     fmt.Sprintf("%d", account.UserID),
		"report_type": string(reportType),
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return "", fmt.Errorf("write gs://%s/%s: %w", a.bucket, name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close gs://%s/%s: %w", a.bucket, name, err)
	}

	uri := fmt.Sprintf("gs://%s/%s", a.bucket, name)
	logger.FromContext(ctx).Debug("Raw report archived", "uri", uri, "bytes", len(raw))
	return uri, nil
}

type noopArchiver struct{}

// NewNoopArchiver is used when no bucket is configured.
func NewNoopArchiver() RawArchiver {
	return noopArchiver{}
}

func (noopArchiver) Archive(ctx context.Context, account models.AccountRef, reportType models.ReportType, startDate, endDate string, raw []byte) (string, error) {
	return "", nil
}
