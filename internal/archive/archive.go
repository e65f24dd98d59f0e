// Package archive keeps the raw catalog payloads of each run, either on local
// disk or in a GCS bucket.
package archive

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/angelmondragon/storefront-funnel/pkg/config"
	"github.com/angelmondragon/storefront-funnel/pkg/logger"
	"github.com/angelmondragon/storefront-funnel/pkg/storage/gcs"
)

const (
	timestampLayout = "20060102_150405"
	contentType     = "application/json"
)

// ObjectName is "<resource>_<YYYYMMDD_HHMMSS>.json" in UTC.
func ObjectName(resource string, fetchedAt time.Time) string {
	return fmt.Sprintf("%s_%s.json", resource, fetchedAt.UTC().Format(timestampLayout))
}

// Writer persists one named payload and returns where it went.
type Writer interface {
	Write(ctx context.Context, name string, payload []byte) (string, error)
}

// Archive names payloads and hands them to a Writer.
type Archive struct {
	writer Writer
}

func New(writer Writer) *Archive {
	return &Archive{writer: writer}
}

// Put stores a raw payload fetched at fetchedAt.
func (a *Archive) Put(ctx context.Context, resource string, fetchedAt time.Time, payload []byte) (string, error) {
	if a == nil || a.writer == nil {
		return "", nil
	}
	return a.writer.Write(ctx, ObjectName(resource, fetchedAt), payload)
}

// LocalWriter writes payloads into a directory, creating it on first use.
type LocalWriter struct {
	dir string
}

func NewLocalWriter(dir string) *LocalWriter {
	return &LocalWriter{dir: dir}
}

func (w *LocalWriter) Write(_ context.Context, name string, payload []byte) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %q: %w", w.dir, err)
	}
	full := filepath.Join(w.dir, name)
	if err := os.WriteFile(full, payload, 0o644); err != nil {
		return "", fmt.Errorf("write %q: %w", full, err)
	}
	return full, nil
}

type uploader interface {
	Upload(ctx context.Context, object string, data []byte, contentType string) (string, error)
}

// GCSWriter uploads payloads under prefix in the client's bucket.
type GCSWriter struct {
	client uploader
	prefix string
}

func NewGCSWriter(client uploader, prefix string) *GCSWriter {
	return &GCSWriter{client: client, prefix: strings.Trim(prefix, "/")}
}

func (w *GCSWriter) Write(ctx context.Context, name string, payload []byte) (string, error) {
	object := name
	if w.prefix != "" {
		object = path.Join(w.prefix, name)
	}
	return w.client.Upload(ctx, object, payload, contentType)
}

// FromConfig builds the archive for the configured mode. Mode off returns a
// nil archive and a no-op closer.
func FromConfig(ctx context.Context, cfg config.ArchiveConfig, gcp config.GCPConfig, logg *logger.Logger) (*Archive, func() error, error) {
	noop := func() error { return nil }
	switch cfg.NormalizedMode() {
	case config.ArchiveModeOff:
		return nil, noop, nil
	case config.ArchiveModeLocal:
		return New(NewLocalWriter(cfg.Dir)), noop, nil
	case config.ArchiveModeGCS:
		client, err := gcs.NewClient(ctx, cfg.Bucket, gcp, logg)
		if err != nil {
			return nil, noop, err
		}
		return New(NewGCSWriter(client, cfg.Prefix)), client.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown archive mode %q", cfg.Mode)
	}
}
