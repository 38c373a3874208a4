package download

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobctl/internal/api"
	"jobctl/internal/apperrors"
	"jobctl/internal/job"
)

func completeSource() StatusSource {
	return StatusFunc(func(context.Context, string) (job.State, error) {
		return job.StateComplete, nil
	})
}

type progressLog struct {
	mu     sync.Mutex
	values []float64
}

func (p *progressLog) record(f float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = append(p.values, f)
}

func (p *progressLog) snapshot() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float64(nil), p.values...)
}

type fakeMetrics struct {
	mu      sync.Mutex
	success []bool
	bytes   int64
}

func (m *fakeMetrics) RecordDownload(_ context.Context, success bool, bytes int64, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.success = append(m.success, success)
	m.bytes += bytes
}

// chunkedServer serves body in pieces, flushing between them.
func chunkedServer(t *testing.T, body string, pieces int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/download/job-1" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Header().Set("Content-Disposition", `attachment; filename="factorial_7.txt"`)
		step := len(body) / pieces
		for i := 0; i < len(body); i += step {
			end := min(i+step, len(body))
			_, _ = w.Write([]byte(body[i:end]))
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestDownload_ReportsMonotonicProgress(t *testing.T) {
	t.Parallel()

	body := strings.Repeat("5040", 64*1024)
	server := chunkedServer(t, body, 8)
	metrics := &fakeMetrics{}
	d := New(api.NewClient(server.URL, time.Second), completeSource(), Config{}, metrics)

	progress := &progressLog{}
	artifact, err := d.Download(context.Background(), "job-1", progress.record)
	require.NoError(t, err)

	assert.Equal(t, "job-1", artifact.JobID)
	assert.Equal(t, int64(len(body)), artifact.Size)
	assert.Equal(t, body, string(artifact.Data))
	assert.Equal(t, "factorial_7.txt", artifact.Filename)

	values := progress.snapshot()
	require.NotEmpty(t, values)
	assert.Equal(t, 0.0, values[0])
	assert.Equal(t, 1.0, values[len(values)-1])
	for i := 1; i < len(values); i++ {
		assert.GreaterOrEqual(t, values[i], values[i-1])
		assert.LessOrEqual(t, values[i], 1.0)
	}

	assert.Equal(t, []bool{true}, metrics.success)
	assert.Equal(t, int64(len(body)), metrics.bytes)
}

func TestDownload_NotReady(t *testing.T) {
	t.Parallel()

	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer server.Close()

	source := StatusFunc(func(context.Context, string) (job.State, error) {
		return job.StateProcessing, nil
	})
	d := New(api.NewClient(server.URL, time.Second), source, Config{}, nil)

	_, err := d.Download(context.Background(), "job-1", nil)
	assert.ErrorIs(t, err, apperrors.ErrNotReady)
	assert.Zero(t, requests, "no transfer may start before completion")
}

func TestDownload_StatusUnavailable(t *testing.T) {
	t.Parallel()

	cause := apperrors.StreamError("", "status unavailable", errors.New("dial tcp: refused"))
	source := StatusFunc(func(context.Context, string) (job.State, error) {
		return "", cause
	})
	d := New(api.NewClient("http://127.0.0.1:1", time.Second), source, Config{}, nil)

	_, err := d.Download(context.Background(), "job-9", nil)
	assert.ErrorIs(t, err, apperrors.ErrStreamError)
	assert.Equal(t, "job-9", apperrors.Reference(err))
}

func TestDownload_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
		config  Config
		message string
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"detail":"result expired"}`, http.StatusGone)
			},
			message: "result expired",
		},
		{
			name: "short body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Length", "100")
				_, _ = w.Write([]byte("only fifty bytes.................................."))
			},
			message: "transfer interrupted",
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Length", "10")
				_, _ = w.Write([]byte("12345"))
				w.(http.Flusher).Flush()
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			config:  Config{Timeout: 50 * time.Millisecond},
			message: "timed out",
		},
		{
			name: "over the size limit",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Length", "64")
				_, _ = w.Write(make([]byte, 64))
			},
			config:  Config{MaxBytes: 16},
			message: "byte limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			metrics := &fakeMetrics{}
			d := New(api.NewClient(server.URL, time.Second), completeSource(), tt.config, metrics)

			_, err := d.Download(context.Background(), "job-1", nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrDownloadFailed)
			assert.Contains(t, err.Error(), tt.message)
			assert.Equal(t, "job-1", apperrors.Reference(err))
			assert.Equal(t, []bool{false}, metrics.success)
		})
	}
}

func TestDownload_FailedAttemptStillResetsProgress(t *testing.T) {
	t.Parallel()

	t.Run("open fails", func(t *testing.T) {
		t.Parallel()
		d := New(api.NewClient("http://127.0.0.1:1", time.Second), completeSource(), Config{}, nil)

		progress := &progressLog{}
		_, err := d.Download(context.Background(), "job-1", progress.record)
		assert.ErrorIs(t, err, apperrors.ErrDownloadFailed)
		assert.Equal(t, []float64{0}, progress.snapshot())
	})

	t.Run("not ready", func(t *testing.T) {
		t.Parallel()
		source := StatusFunc(func(context.Context, string) (job.State, error) {
			return job.StateProcessing, nil
		})
		d := New(api.NewClient("http://127.0.0.1:1", time.Second), source, Config{}, nil)

		progress := &progressLog{}
		_, err := d.Download(context.Background(), "job-1", progress.record)
		assert.ErrorIs(t, err, apperrors.ErrNotReady)
		assert.Equal(t, []float64{0}, progress.snapshot())
	})
}

func TestDownload_Cancelled(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10")
		_, _ = w.Write([]byte("1"))
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer server.Close()

	d := New(api.NewClient(server.URL, time.Second), completeSource(), Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := d.Download(ctx, "job-1", nil)
	assert.ErrorIs(t, err, apperrors.ErrDownloadFailed)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestArtifact_Save(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	artifact := &Artifact{JobID: "job-1", Filename: DefaultFilename("job-1"), Data: []byte("120"), Size: 3}

	path, err := artifact.Save(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "factorial_job-1.txt"), path)

	explicit, err := artifact.Save(filepath.Join(dir, "out", "result.txt"))
	require.NoError(t, err)

	for _, p := range []string{path, explicit} {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.Equal(t, "120", string(data))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "temp files must not be left behind")
}

func TestFilename(t *testing.T) {
	t.Parallel()

	tests := []struct {
		header string
		want   string
	}{
		{"", "factorial_j.txt"},
		{`attachment; filename="result.txt"`, "result.txt"},
		{`attachment; filename="../etc/passwd"`, "factorial_j.txt"},
		{`attachment; filename=".."`, "factorial_j.txt"},
		{`not a header;;`, "factorial_j.txt"},
	}

	for _, tt := range tests {
		resp := &http.Response{Header: http.Header{}}
		if tt.header != "" {
			resp.Header.Set("Content-Disposition", tt.header)
		}
		assert.Equal(t, tt.want, filename(resp, "j"), tt.header)
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	assert.Equal(t, defaultTimeout, cfg.Timeout)
	assert.Equal(t, int64(defaultMaxBytes), cfg.MaxBytes)
}
