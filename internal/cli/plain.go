package cli

import (
	"context"
	"fmt"
	"io"

	"jobctl/internal/job"
)

// runPlain follows the job by printing a status line whenever it changes.
// Elapsed-time ticks alone do not print.
func runPlain(ctx context.Context, w io.Writer, session Session, updates <-chan job.Job, opts followOptions) outcome {
	var (
		last     string
		current  = job.Job{State: job.StateIdle}
		shownURL bool
	)

	for {
		select {
		case <-ctx.Done():
			return outcome{Job: current, Detached: current.State.Active()}
		case j, ok := <-updates:
			if !ok {
				return outcome{Job: current, Detached: current.State.Active()}
			}
			current = j

			if line := statusLine(j); line != last {
				_, _ = fmt.Fprintln(w, line)
				last = line
			}
			if !shownURL && opts.ApprovalURL != nil {
				if url := opts.ApprovalURL(j); url != "" {
					_, _ = fmt.Fprintf(w, "Approve the payment in your browser: %s\n", url)
					shownURL = true
				}
			}

			switch j.State {
			case job.StateComplete:
				out := outcome{Job: j}
				if !opts.Download {
					return out
				}
				artifact, err := session.Download(ctx)
				if err != nil {
					out.Err = err
					return out
				}
				out.Saved, out.Err = artifact.Save(opts.Out)
				if out.Err == nil {
					_, _ = fmt.Fprintf(w, "saved %s (%s)\n", out.Saved, formatKB(artifact.Size))
				}
				return out
			case job.StateError, job.StateCancelled:
				return outcome{Job: j, Err: jobError(j)}
			}
		}
	}
}
