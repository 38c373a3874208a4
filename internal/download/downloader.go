// Package download retrieves a completed job's result with fractional
// progress reporting.
package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"jobctl/internal/apperrors"
	"jobctl/internal/job"
	"jobctl/pkg/atomicfile"
)

const chunkSize = 32 * 1024

// StatusSource reports the current state of a job.
type StatusSource interface {
	JobStatus(ctx context.Context, jobID string) (job.State, error)
}

// StatusFunc adapts a function to StatusSource.
type StatusFunc func(ctx context.Context, jobID string) (job.State, error)

// JobStatus calls f.
func (f StatusFunc) JobStatus(ctx context.Context, jobID string) (job.State, error) {
	return f(ctx, jobID)
}

// Opener starts a result transfer.
type Opener interface {
	OpenDownload(ctx context.Context, jobID string) (*http.Response, error)
}

// ProgressFunc receives the downloaded fraction, from 0 to 1.
type ProgressFunc func(fraction float64)

// MetricsRecorder is an optional interface for recording download metrics.
type MetricsRecorder interface {
	RecordDownload(ctx context.Context, success bool, bytes int64, durationSeconds float64)
}

// Artifact is a downloaded job result.
type Artifact struct {
	JobID    string
	Filename string
	Data     []byte
	Size     int64
}

// DefaultFilename is used when the server does not name the result.
func DefaultFilename(jobID string) string {
	return fmt.Sprintf("factorial_%s.txt", jobID)
}

// Save writes the artifact to path atomically. A directory path receives the
// artifact's own file name.
func (a *Artifact) Save(path string) (string, error) {
	if path == "" {
		path = a.Filename
	} else if strings.HasSuffix(path, string(filepath.Separator)) || isDir(path) {
		path = filepath.Join(path, a.Filename)
	}
	if err := atomicfile.Write(path, a.Data, 0o644); err != nil {
		return "", fmt.Errorf("save result of job %s: %w", a.JobID, err)
	}
	return path, nil
}

// Downloader fetches job results.
type Downloader struct {
	opener  Opener
	status  StatusSource
	config  Config
	logger  *slog.Logger
	metrics MetricsRecorder
}

// New creates a downloader. metrics may be nil.
func New(opener Opener, status StatusSource, cfg Config, metrics MetricsRecorder) *Downloader {
	return &Downloader{
		opener:  opener,
		status:  status,
		config:  cfg.withDefaults(),
		logger:  slog.With("component", "download"),
		metrics: metrics,
	}
}

// Download confirms jobID is complete and fetches its result. onProgress may be
// nil; when set it is first called with 0, before any check or request, and
// never with a value above 1.
func (d *Downloader) Download(ctx context.Context, jobID string, onProgress ProgressFunc) (*Artifact, error) {
	if onProgress == nil {
		onProgress = func(float64) {}
	}
	onProgress(0)

	state, err := d.status.JobStatus(ctx, jobID)
	if err != nil {
		return nil, apperrors.WithJob(err, jobID)
	}
	if state != job.StateComplete {
		return nil, apperrors.NotReady(jobID, string(state))
	}

	start := time.Now()
	artifact, err := d.fetch(ctx, jobID, onProgress)
	elapsed := time.Since(start)

	var size int64
	if artifact != nil {
		size = artifact.Size
	}
	if d.metrics != nil {
		d.metrics.RecordDownload(ctx, err == nil, size, elapsed.Seconds())
	}
	if err != nil {
		d.logger.Warn("Download failed", "jobId", jobID, "error", err)
		return nil, err
	}

	d.logger.Info("Downloaded result", "jobId", jobID, "bytes", size, "duration", elapsed)
	return artifact, nil
}

func (d *Downloader) fetch(ctx context.Context, jobID string, onProgress ProgressFunc) (*Artifact, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	resp, err := d.opener.OpenDownload(ctx, jobID)
	if err != nil {
		return nil, apperrors.DownloadFailed(jobID, describe(ctx, err), withContext(ctx, err))
	}
	defer resp.Body.Close()

	total := resp.ContentLength
	if total > d.config.MaxBytes {
		return nil, apperrors.DownloadFailed(jobID,
			fmt.Sprintf("result of %d bytes exceeds the %d byte limit", total, d.config.MaxBytes), nil)
	}

	var buf bytes.Buffer
	if total > 0 {
		buf.Grow(int(total))
	}

	chunk := make([]byte, chunkSize)
	var received int64
	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			received += int64(n)
			if received > d.config.MaxBytes {
				return nil, apperrors.DownloadFailed(jobID,
					fmt.Sprintf("result exceeds the %d byte limit", d.config.MaxBytes), nil)
			}
			if total >= 0 && received > total {
				return nil, apperrors.DownloadFailed(jobID,
					fmt.Sprintf("received more than the announced %d bytes", total), nil)
			}
			buf.Write(chunk[:n])
			if total > 0 {
				onProgress(float64(received) / float64(total))
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return nil, apperrors.DownloadFailed(jobID, describe(ctx, readErr), withContext(ctx, readErr))
		}
	}

	if total >= 0 && received != total {
		return nil, apperrors.DownloadFailed(jobID,
			fmt.Sprintf("received %d of %d bytes", received, total), io.ErrUnexpectedEOF)
	}
	onProgress(1)

	return &Artifact{
		JobID:    jobID,
		Filename: filename(resp, jobID),
		Data:     buf.Bytes(),
		Size:     received,
	}, nil
}

func describe(ctx context.Context, err error) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "timed out"
	case errors.Is(ctx.Err(), context.Canceled), errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, io.ErrUnexpectedEOF):
		return "transfer interrupted"
	default:
		return err.Error()
	}
}

// withContext keeps the context's error reachable through errors.Is when the
// transport reports cancellation in its own words.
func withContext(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return errors.Join(err, ctxErr)
	}
	return err
}

// filename takes the server's Content-Disposition name when it is a plain
// base name.
func filename(resp *http.Response, jobID string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			name := params["filename"]
			if name != "" && name == filepath.Base(name) && name != "." && name != ".." {
				return name
			}
		}
	}
	return DefaultFilename(jobID)
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
