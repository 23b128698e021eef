package s3

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	siemerrors "sentinel-siem/internal/errors"
	"sentinel-siem/internal/incident"
	"sentinel-siem/internal/schema"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Region == "" {
		t.Error("expected default region")
	}
	if cfg.Bucket == "" {
		t.Error("expected default bucket")
	}
	if cfg.StorageClass != "INTELLIGENT_TIERING" {
		t.Errorf("StorageClass = %q, want INTELLIGENT_TIERING", cfg.StorageClass)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:   "valid config",
			modify: func(c *Config) {},
		},
		{
			name:    "empty region",
			modify:  func(c *Config) { c.Region = "" },
			wantErr: true,
		},
		{
			name:    "empty bucket",
			modify:  func(c *Config) { c.Bucket = "" },
			wantErr: true,
		},
		{
			name:   "sparse config with only region and bucket",
			modify: func(c *Config) { *c = Config{Region: "eu-west-1", Bucket: "b"} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !siemerrors.IsInvalidInput(err) {
				t.Errorf("Validate() error = %v, want invalid input class", err)
			}
		})
	}
}

func TestStorageClassMapping(t *testing.T) {
	tests := []struct {
		class    string
		expected string
	}{
		{"STANDARD", "STANDARD"},
		{"INTELLIGENT_TIERING", "INTELLIGENT_TIERING"},
		{"GLACIER", "GLACIER"},
		{"DEEP_ARCHIVE", "DEEP_ARCHIVE"},
		{"standard", "STANDARD"},
		{"unknown", "STANDARD"},
		{"", "STANDARD"},
	}

	for _, tt := range tests {
		t.Run(tt.class, func(t *testing.T) {
			cfg := &Config{StorageClass: tt.class}
			if got := string(cfg.storageClass()); got != tt.expected {
				t.Errorf("storageClass() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestClientKeyLayout(t *testing.T) {
	c := &Client{config: &Config{Prefix: "archive/"}}

	if got := c.key("incidents/2026/08/29/x.json.gz"); got != "archive/incidents/2026/08/29/x.json.gz" {
		t.Errorf("key() = %q", got)
	}
	if got := c.Prefix(); got != "archive/" {
		t.Errorf("Prefix() = %q, want %q", got, "archive/")
	}
}

func TestArchiveKey(t *testing.T) {
	resolvedAt := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)
	closedAt := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	id := uuid.New()

	tests := []struct {
		name       string
		resolvedAt *time.Time
		closedAt   *time.Time
		wantDate   string
	}{
		{"resolved only", &resolvedAt, nil, "2026/03/15"},
		{"closed wins over resolved", &resolvedAt, &closedAt, "2026/04/01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inc := &incident.Incident{
				ID:         id,
				Severity:   schema.SeverityHigh,
				ResolvedAt: tt.resolvedAt,
				ClosedAt:   tt.closedAt,
			}

			key := archiveKey(inc)
			want := "incidents/" + tt.wantDate + "/" + id.String() + ".json.gz"
			if key != want {
				t.Errorf("archiveKey() = %q, want %q", key, want)
			}
		})
	}
}

func TestArchiveKeyWithoutTimestamps(t *testing.T) {
	inc := &incident.Incident{ID: uuid.New()}

	key := archiveKey(inc)
	if !strings.HasPrefix(key, "incidents/") {
		t.Errorf("archiveKey() = %q, want incidents/ prefix", key)
	}
	if !strings.HasSuffix(key, inc.ID.String()+".json.gz") {
		t.Errorf("archiveKey() = %q, want id suffix", key)
	}
}

func TestArchiverMetrics(t *testing.T) {
	archiver := NewIncidentArchiver(nil, getTestLogger())

	archiver.metrics.archived.Store(50)
	archiver.metrics.bytes.Store(4096)

	m := archiver.GetMetrics()
	if m.Archived != 50 {
		t.Errorf("expected 50 archived, got %d", m.Archived)
	}
	if m.Bytes != 4096 {
		t.Errorf("expected 4096 bytes, got %d", m.Bytes)
	}
}

func getTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func skipIfNoS3(t *testing.T) {
	t.Helper()
	bucket := os.Getenv("S3_TEST_BUCKET")
	if bucket == "" {
		t.Skip("S3_TEST_BUCKET not set, skipping integration test")
	}
}

func integrationConfig() *Config {
	cfg := &Config{
		Region:       os.Getenv("AWS_REGION"),
		Bucket:       os.Getenv("S3_TEST_BUCKET"),
		Prefix:       "test/",
		StorageClass: "STANDARD",
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return cfg
}

// Integration tests - skipped if S3 is not available
func TestS3ClientIntegration(t *testing.T) {
	skipIfNoS3(t)

	ctx := context.Background()
	cfg := integrationConfig()

	client, err := NewClient(ctx, cfg, getTestLogger())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	testKey := "integration-test-" + time.Now().Format("20060102150405")
	testData := []byte("test data for integration test")

	output, err := client.Upload(ctx, &UploadInput{
		Key:         testKey,
		Body:        bytes.NewReader(testData),
		ContentType: "text/plain",
		Metadata: map[string]string{
			"test": "true",
		},
	})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if output.Key != cfg.Prefix+testKey {
		t.Errorf("Upload() key = %q, want %q", output.Key, cfg.Prefix+testKey)
	}
	if output.Size != int64(len(testData)) {
		t.Errorf("Upload() size = %d, want %d", output.Size, len(testData))
	}

	exists, err := client.Exists(ctx, testKey)
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if !exists {
		t.Error("expected object to exist")
	}

	downloadOutput, err := client.Download(ctx, testKey)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	defer downloadOutput.Body.Close()

	if downloadOutput.Size != int64(len(testData)) {
		t.Errorf("expected size %d, got %d", len(testData), downloadOutput.Size)
	}

	objects, err := client.List(ctx, "integration-test-", 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}

	found := false
	for _, obj := range objects {
		if obj.Key == cfg.Prefix+testKey {
			found = true
			break
		}
	}
	if !found {
		t.Error("uploaded object not found in list")
	}

	if err := client.Delete(ctx, testKey); err != nil {
		t.Errorf("Delete() error = %v", err)
	}

	exists, err = client.Exists(ctx, testKey)
	if err != nil {
		t.Fatalf("Exists() after delete error = %v", err)
	}
	if exists {
		t.Error("object should not exist after delete")
	}
}

func TestIncidentArchiverIntegration(t *testing.T) {
	skipIfNoS3(t)

	ctx := context.Background()
	client, err := NewClient(ctx, integrationConfig(), getTestLogger())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	archiver := NewIncidentArchiver(client, getTestLogger())

	resolvedAt := time.Now().UTC()
	inc := &incident.Incident{
		ID:         uuid.New(),
		Title:      "archival integration test",
		Status:     incident.StatusResolved,
		Severity:   schema.SeverityMedium,
		CreatedAt:  resolvedAt.Add(-time.Hour),
		ResolvedAt: &resolvedAt,
	}

	if err := archiver.Archive(ctx, inc); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	key := archiveKey(inc)
	restored, err := archiver.Restore(ctx, key)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if restored.ID != inc.ID {
		t.Errorf("restored ID = %s, want %s", restored.ID, inc.ID)
	}
	if restored.Title != inc.Title {
		t.Errorf("restored Title = %q, want %q", restored.Title, inc.Title)
	}

	keys, err := archiver.ListDay(ctx, resolvedAt)
	if err != nil {
		t.Fatalf("ListDay() error = %v", err)
	}
	found := false
	for _, k := range keys {
		if k == key {
			found = true
		}
	}
	if !found {
		t.Error("archived incident not found in day listing")
	}

	// Cleanup
	if err := client.Delete(ctx, key); err != nil {
		t.Errorf("Delete() error = %v", err)
	}
}
