package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"sentinel-siem/internal/incident"
	"sentinel-siem/internal/soar"
)

// IncidentArchiver writes resolved and closed incidents to S3 for
// long-term retention. Archived incidents are gzip-compressed JSON
// keyed by resolution date.
type IncidentArchiver struct {
	client  *Client
	logger  *slog.Logger
	metrics archiverMetrics
}

type archiverMetrics struct {
	archived atomic.Int64
	bytes    atomic.Int64
	errors   atomic.Int64
}

// NewIncidentArchiver creates a new IncidentArchiver.
func NewIncidentArchiver(client *Client, logger *slog.Logger) *IncidentArchiver {
	return &IncidentArchiver{
		client: client,
		logger: logger,
	}
}

// archiveKey builds the object key for an incident: incidents/YYYY/MM/DD/<id>.json.gz.
// The date component comes from the incident's resolution time so that
// archives group by when work finished, not when it started.
func archiveKey(inc *incident.Incident) string {
	at := inc.ResolvedAt
	if inc.ClosedAt != nil {
		at = inc.ClosedAt
	}
	t := time.Now().UTC()
	if at != nil {
		t = at.UTC()
	}
	return fmt.Sprintf("incidents/%s/%s.json.gz", t.Format("2006/01/02"), inc.ID)
}

// Archive uploads a single incident. The incident should be in a
// terminal or resolved state; callers decide when to archive.
func (a *IncidentArchiver) Archive(ctx context.Context, inc *incident.Incident) error {
	data, err := json.Marshal(inc)
	if err != nil {
		a.metrics.errors.Add(1)
		return fmt.Errorf("s3: failed to marshal incident %s: %w", inc.ID, err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		a.metrics.errors.Add(1)
		return fmt.Errorf("s3: failed to compress incident %s: %w", inc.ID, err)
	}
	if err := gz.Close(); err != nil {
		a.metrics.errors.Add(1)
		return fmt.Errorf("s3: failed to compress incident %s: %w", inc.ID, err)
	}

	key := archiveKey(inc)
	_, err = a.client.Upload(ctx, &UploadInput{
		Key:         key,
		Body:        &buf,
		ContentType: "application/gzip",
		Metadata: map[string]string{
			"incident-id": inc.ID.String(),
			"severity":    string(inc.Severity),
			"status":      string(inc.Status),
		},
	})
	if err != nil {
		a.metrics.errors.Add(1)
		return err
	}

	a.metrics.archived.Add(1)
	a.metrics.bytes.Add(int64(buf.Len()))

	a.logger.Debug("archived incident",
		"incident_id", inc.ID,
		"key", key,
	)
	return nil
}

// ArchiveExecution uploads a finished playbook execution under
// executions/YYYY/MM/DD/<id>.json.gz, dated by completion time.
func (a *IncidentArchiver) ArchiveExecution(ctx context.Context, pe *soar.PlaybookExecution) error {
	snap := pe.Snapshot()

	data, err := json.Marshal(snap)
	if err != nil {
		a.metrics.errors.Add(1)
		return fmt.Errorf("s3: failed to marshal execution %s: %w", snap.ID, err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		a.metrics.errors.Add(1)
		return fmt.Errorf("s3: failed to compress execution %s: %w", snap.ID, err)
	}
	if err := gz.Close(); err != nil {
		a.metrics.errors.Add(1)
		return fmt.Errorf("s3: failed to compress execution %s: %w", snap.ID, err)
	}

	at := time.Now().UTC()
	if snap.CompletedAt != nil {
		at = snap.CompletedAt.UTC()
	}
	key := fmt.Sprintf("executions/%s/%s.json.gz", at.Format("2006/01/02"), snap.ID)
	_, err = a.client.Upload(ctx, &UploadInput{
		Key:         key,
		Body:        &buf,
		ContentType: "application/gzip",
		Metadata: map[string]string{
			"execution-id": snap.ID.String(),
			"playbook-id":  snap.PlaybookID,
			"status":       string(snap.Status),
		},
	})
	if err != nil {
		a.metrics.errors.Add(1)
		return err
	}

	a.metrics.archived.Add(1)
	a.metrics.bytes.Add(int64(buf.Len()))

	a.logger.Debug("archived execution",
		"execution_id", snap.ID,
		"key", key,
	)
	return nil
}

// Restore downloads and decodes an archived incident by key. The key is
// relative to the archiver's layout, e.g. "incidents/2026/08/29/<id>.json.gz".
func (a *IncidentArchiver) Restore(ctx context.Context, key string) (*incident.Incident, error) {
	output, err := a.client.Download(ctx, key)
	if err != nil {
		a.metrics.errors.Add(1)
		return nil, err
	}
	defer output.Body.Close()

	gz, err := gzip.NewReader(output.Body)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to open archive %s: %w", key, err)
	}
	defer gz.Close()

	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to read archive %s: %w", key, err)
	}

	var inc incident.Incident
	if err := json.Unmarshal(data, &inc); err != nil {
		return nil, fmt.Errorf("s3: failed to decode archive %s: %w", key, err)
	}
	return &inc, nil
}

// ListDay lists archived incident keys for a given day.
func (a *IncidentArchiver) ListDay(ctx context.Context, day time.Time) ([]string, error) {
	prefix := fmt.Sprintf("incidents/%s/", day.UTC().Format("2006/01/02"))
	objects, err := a.client.List(ctx, prefix, 0)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		key := strings.TrimPrefix(obj.Key, a.client.Prefix())
		keys = append(keys, key)
	}
	return keys, nil
}

// ArchiverMetrics contains incident archiver counters.
type ArchiverMetrics struct {
	Archived int64
	Bytes    int64
	Errors   int64
}

// GetMetrics returns current archiver metrics.
func (a *IncidentArchiver) GetMetrics() ArchiverMetrics {
	return ArchiverMetrics{
		Archived: a.metrics.archived.Load(),
		Bytes:    a.metrics.bytes.Load(),
		Errors:   a.metrics.errors.Load(),
	}
}
