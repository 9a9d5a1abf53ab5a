package encoder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/misakimiku2/aurora-gallery/internal/domain"
	"github.com/misakimiku2/aurora-gallery/internal/logger"
)

// DownloadObserver receives incremental artifact download progress.
// Implementations must be fast; calls happen on the download goroutine.
type DownloadObserver interface {
	OnDownloadProgress(p domain.DownloadProgress)
}

// Downloader fetches model artifacts into a local cache directory.
type Downloader struct {
	client   *resty.Client
	cacheDir string
	retries  int
	log      *logger.Logger
}

// NewDownloader creates a downloader writing under cacheDir.
func NewDownloader(cacheDir string, retries int, log *logger.Logger) *Downloader {
	if retries <= 0 {
		retries = 3
	}
	client := resty.New().
		SetTimeout(30 * time.Minute).
		SetDoNotParseResponse(true)
	return &Downloader{
		client:   client,
		cacheDir: cacheDir,
		retries:  retries,
		log:      log.WithField(logger.FieldComponent, "downloader"),
	}
}

// ModelDir returns the cache directory holding a model's artifacts.
func (d *Downloader) ModelDir(spec ModelSpec) string {
	return filepath.Join(d.cacheDir, spec.Name)
}

// ArtifactPath returns the on-disk location of one artifact.
func (d *Downloader) ArtifactPath(spec ModelSpec, a ArtifactFile) string {
	return filepath.Join(d.ModelDir(spec), a.Name)
}

// IsComplete reports whether every artifact of the model already exists
// on disk at its expected size.
func (d *Downloader) IsComplete(spec ModelSpec) bool {
	for _, a := range spec.Artifacts {
		if !d.artifactComplete(spec, a) {
			return false
		}
	}
	return true
}

func (d *Downloader) artifactComplete(spec ModelSpec, a ArtifactFile) bool {
	info, err := os.Stat(d.ArtifactPath(spec, a))
	if err != nil {
		return false
	}
	if a.SizeHint > 0 && info.Size() != a.SizeHint {
		return false
	}
	return info.Size() > 0
}

// EnsureModel downloads any missing or size-mismatched artifacts of the
// model. Already complete files are skipped. Each file gets up to the
// configured number of attempts with growing backoff between them.
func (d *Downloader) EnsureModel(ctx context.Context, spec ModelSpec, obs DownloadObserver) error {
	if err := os.MkdirAll(d.ModelDir(spec), 0755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}

	for _, a := range spec.Artifacts {
		if d.artifactComplete(spec, a) {
			d.log.WithField("file", a.Name).Debug("artifact already complete, skipping")
			continue
		}
		if err := d.fetchWithRetry(ctx, spec, a, obs); err != nil {
			return err
		}
	}
	return nil
}

func (d *Downloader) fetchWithRetry(ctx context.Context, spec ModelSpec, a ArtifactFile, obs DownloadObserver) error {
	var lastErr error
	for attempt := 1; attempt <= d.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = d.fetchOnce(ctx, spec, a, obs)
		if lastErr == nil {
			return nil
		}
		d.log.WithError(lastErr).WithFields(logger.Fields{
			"file":    a.Name,
			"attempt": attempt,
		}).Warn("artifact download failed")
		if attempt < d.retries {
			backoff := time.Duration(attempt*attempt) * 2 * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("%w: download %s after %d attempts: %v", domain.ErrTransient, a.Name, d.retries, lastErr)
}

func (d *Downloader) fetchOnce(ctx context.Context, spec ModelSpec, a ArtifactFile, obs DownloadObserver) error {
	resp, err := d.client.R().SetContext(ctx).Get(a.URL)
	if err != nil {
		return err
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != 200 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode(), a.URL)
	}

	total := resp.RawResponse.ContentLength
	if total <= 0 {
		total = a.SizeHint
	}

	// Download into a temp file, rename only on success, so a partial
	// file never passes the completeness check.
	target := d.ArtifactPath(spec, a)
	tmp, err := os.CreateTemp(filepath.Dir(target), a.Name+".part-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	written, err := copyWithProgress(ctx, tmp, body, a.Name, total, obs)
	closeErr := tmp.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}
	if a.SizeHint > 0 && written != a.SizeHint {
		return fmt.Errorf("size mismatch for %s: got %d, expected %d", a.Name, written, a.SizeHint)
	}
	return os.Rename(tmpName, target)
}

// copyWithProgress streams body to dst, reporting progress at most every
// few hundred milliseconds.
func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, name string, total int64, obs DownloadObserver) (int64, error) {
	buf := make([]byte, 256*1024)
	var written int64
	lastReport := time.Time{}

	report := func(force bool) {
		if obs == nil {
			return
		}
		now := time.Now()
		if !force && now.Sub(lastReport) < 200*time.Millisecond {
			return
		}
		lastReport = now
		pct := 0.0
		if total > 0 {
			pct = float64(written) / float64(total) * 100
		}
		obs.OnDownloadProgress(domain.DownloadProgress{
			FileName:        name,
			BytesDownloaded: written,
			BytesTotal:      total,
			ProgressPct:     pct,
		})
	}

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return written, writeErr
			}
			written += int64(n)
			report(false)
		}
		if readErr == io.EOF {
			report(true)
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
