package cli

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"jobctl/internal/job"
)

func feed(jobs ...job.Job) <-chan job.Job {
	ch := make(chan job.Job, len(jobs))
	for _, j := range jobs {
		ch <- j
	}
	return ch
}

func lines(buf *bytes.Buffer) []string {
	return strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
}

func TestRunPlain_PrintsChangesAndDownloads(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	updates := feed(
		job.Job{State: job.StateIdle},
		job.Job{N: 20, State: job.StateSubmitting},
		job.Job{ID: "job-1", N: 20, State: job.StateProcessing, Progress: 10, ElapsedSeconds: 1},
		job.Job{ID: "job-1", N: 20, State: job.StateProcessing, Progress: 10, ElapsedSeconds: 2},
		job.Job{ID: "job-1", N: 20, State: job.StateProcessing, Progress: 50, ElapsedSeconds: 2},
		job.Job{ID: "job-1", N: 20, State: job.StateComplete, Progress: 100, ResultSize: 2048},
	)

	out := runPlain(context.Background(), &buf, &fakeSession{artifact: resultArtifact()}, updates,
		followOptions{Out: dir, Download: true})
	if out.Err != nil {
		t.Fatalf("runPlain() error: %v", out.Err)
	}

	saved := filepath.Join(dir, "factorial_job-1.txt")
	if out.Saved != saved {
		t.Errorf("saved = %q, want %q", out.Saved, saved)
	}
	want := []string{
		"idle",
		"submitting",
		"processing job=job-1 progress=10%",
		"processing job=job-1 progress=50%",
		`complete job=job-1 size="2.0 KB"`,
		"saved " + saved + " (0.0 KB)",
	}
	got := lines(&buf)
	if len(got) != len(want) {
		t.Fatalf("printed %d lines, want %d:\n%s", len(got), len(want), buf.String())
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRunPlain_ApprovalURLPrintedOnce(t *testing.T) {
	var buf bytes.Buffer
	pending := job.Job{N: 5000, State: job.StatePaymentPending, TransactionID: "TX1", ElapsedSeconds: 1}
	later := pending
	later.ElapsedSeconds = 2
	updates := feed(
		job.Job{N: 5000, State: job.StatePaymentPending},
		pending,
		later,
		job.Job{N: 5000, State: job.StateCancelled, TransactionID: "TX1"},
	)

	opts := followOptions{ApprovalURL: func(j job.Job) string {
		if j.State != job.StatePaymentPending || j.TransactionID == "" {
			return ""
		}
		return "https://pay.example/approve?token=" + j.TransactionID
	}}
	out := runPlain(context.Background(), &buf, &fakeSession{}, updates, opts)
	if !errors.Is(out.Err, errCancelled) {
		t.Errorf("error = %v, want errCancelled", out.Err)
	}

	want := []string{
		"payment_pending",
		"payment_pending transaction=TX1",
		"Approve the payment in your browser: https://pay.example/approve?token=TX1",
		"cancelled",
	}
	got := lines(&buf)
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("output:\n%s\nwant:\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
}

func TestRunPlain_CompleteWithoutDownload(t *testing.T) {
	var buf bytes.Buffer
	session := &fakeSession{err: errors.New("must not download")}
	updates := feed(job.Job{ID: "job-1", State: job.StateComplete, ResultSize: 10})

	out := runPlain(context.Background(), &buf, session, updates, followOptions{})
	if out.Err != nil {
		t.Errorf("error = %v, want nil", out.Err)
	}
	if out.Saved != "" {
		t.Errorf("saved = %q, want nothing", out.Saved)
	}
}

func TestRunPlain_Detach(t *testing.T) {
	t.Run("subscription closed", func(t *testing.T) {
		ch := make(chan job.Job, 1)
		ch <- job.Job{ID: "job-1", State: job.StateProcessing}
		close(ch)

		out := runPlain(context.Background(), &bytes.Buffer{}, &fakeSession{}, ch, followOptions{})
		if !out.Detached {
			t.Error("expected detached outcome")
		}
	})

	t.Run("context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		out := runPlain(ctx, &bytes.Buffer{}, &fakeSession{}, make(chan job.Job), followOptions{})
		if out.Detached {
			t.Error("idle job should not be reported as detached")
		}
		if out.Err != nil {
			t.Errorf("error = %v, want nil", out.Err)
		}
	})
}
