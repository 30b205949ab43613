// Package archive writes finished run records to the object store as JSON
// documents, keyed runs/<playbook-id>/<run-id>.json. The database row is
// the system of record; the archive exists so full run payloads can be
// pulled into notebooks without touching the database.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/converge-bio/converge-go/internal/domain"
)

type Archiver struct {
	client *minio.Client
	bucket string
}

func New(client *minio.Client, bucket string) *Archiver {
	if client == nil || strings.TrimSpace(bucket) == "" {
		return nil
	}
	return &Archiver{client: client, bucket: strings.TrimSpace(bucket)}
}

// Put uploads one run record. Safe to call for the same run twice; the
// object is simply overwritten with identical content.
func (a *Archiver) Put(ctx context.Context, record domain.RunRecord) (string, error) {
	if a == nil || a.client == nil {
		return "", errors.New("archiver not initialized")
	}
	if err := record.Validate(); err != nil {
		return "", err
	}

	blob, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode run record: %w", err)
	}

	key := ObjectKey(record.PlaybookID, record.ID)
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(blob), int64(len(blob)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("put run archive: %w", err)
	}
	return key, nil
}

// Get fetches one archived run record back.
func (a *Archiver) Get(ctx context.Context, playbookID, runID string) (domain.RunRecord, error) {
	if a == nil || a.client == nil {
		return domain.RunRecord{}, errors.New("archiver not initialized")
	}
	obj, err := a.client.GetObject(ctx, a.bucket, ObjectKey(playbookID, runID), minio.GetObjectOptions{})
	if err != nil {
		return domain.RunRecord{}, fmt.Errorf("get run archive: %w", err)
	}
	defer obj.Close()

	blob, err := io.ReadAll(obj)
	if err != nil {
		return domain.RunRecord{}, fmt.Errorf("read run archive: %w", err)
	}
	var record domain.RunRecord
	if err := json.Unmarshal(blob, &record); err != nil {
		return domain.RunRecord{}, fmt.Errorf("decode run archive: %w", err)
	}
	return record, nil
}

func ObjectKey(playbookID, runID string) string {
	return fmt.Sprintf("runs/%s/%s.json", strings.TrimSpace(playbookID), strings.TrimSpace(runID))
}
