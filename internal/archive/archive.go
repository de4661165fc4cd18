// Package archive keeps raw crawled pages so jobs can be re-extracted or
// diagnosed after the provider has expired its results.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
	"github.com/JakeFAU/booth-crawler/internal/metrics"
)

// Config controls blob layout.
type Config struct {
	Prefix string
}

// Archiver writes page bodies to a BlobStore and records them in a
// PageArchive.
type Archiver struct {
	blobs  crawler.BlobStore
	pages  crawler.PageArchive
	hasher crawler.Hasher
	clock  crawler.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs an Archiver.
func New(
	blobs crawler.BlobStore,
	pages crawler.PageArchive,
	hasher crawler.Hasher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		blobs:  blobs,
		pages:  pages,
		hasher: hasher,
		clock:  clock,
		cfg:    cfg,
		logger: logger.Named("archive"),
	}
}

// ArchivePages stores every non-empty page and returns how many were kept.
// A failing page does not stop the rest; the errors are joined.
func (a *Archiver) ArchivePages(ctx context.Context, jobID string, pages []crawler.Page) (int, error) {
	var (
		stored int
		errs   []error
	)
	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return stored, err
		}
		ok, err := a.archive(ctx, jobID, page)
		if err != nil {
			a.logger.Warn("archive page failed",
				zap.String("job_id", jobID),
				zap.String("url", page.URL),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		if ok {
			stored++
		}
	}
	return stored, errors.Join(errs...)
}

func (a *Archiver) archive(ctx context.Context, jobID string, page crawler.Page) (bool, error) {
	body, ext, contentType := payload(page)
	if len(body) == 0 {
		return false, nil
	}
	hash, err := a.hasher.Hash(body)
	if err != nil {
		return false, fmt.Errorf("hash body: %w", err)
	}
	uri, err := a.blobs.PutObject(ctx, a.blobPath(jobID, hash, ext), contentType, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("put object: %w", err)
	}
	record := crawler.PageRecord{
		JobID:       jobID,
		URL:         page.URL,
		ContentHash: hash,
		BlobURI:     uri,
		Bytes:       len(body),
		FetchedAt:   a.clock.Now(),
	}
	if err := a.pages.RecordPage(ctx, record); err != nil {
		return false, fmt.Errorf("record page: %w", err)
	}
	metrics.ObservePageArchived(page.URL, len(body))
	return true, nil
}

// blobPath is content addressed, so re-archiving a duplicate delivery
// overwrites the same object.
func (a *Archiver) blobPath(jobID, hash, ext string) string {
	prefix := strings.Trim(a.cfg.Prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.%s", jobID, hash, ext)
	}
	return fmt.Sprintf("%s/%s/%s.%s", prefix, jobID, hash, ext)
}

func payload(page crawler.Page) ([]byte, string, string) {
	if page.HTML != "" {
		return []byte(page.HTML), "html", "text/html; charset=utf-8"
	}
	if page.Markdown != "" {
		return []byte(page.Markdown), "md", "text/markdown; charset=utf-8"
	}
	return nil, "", ""
}
