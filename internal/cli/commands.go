// Package cli implements the jobctl command line: submitting a job, following
// it to completion and fetching its result.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/urfave/cli/v3"

	"jobctl/internal/config"
	"jobctl/internal/job"
	"jobctl/internal/orchestrator"
	"jobctl/internal/store"
)

const shutdownTimeout = 10 * time.Second

// NewCommand builds the jobctl command tree.
func NewCommand() *cli.Command {
	return &cli.Command{
		Name:  "jobctl",
		Usage: "Submit factorial jobs, follow their progress and fetch the results",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env",
				Usage: "environment file path",
				Value: ".env",
			},
			&cli.BoolFlag{
				Name:  "plain",
				Usage: "print status lines instead of the interactive view",
			},
		},
		Before: setup,
		Commands: []*cli.Command{
			{
				Name:      "compute",
				Usage:     "Submit a job for n and follow it to its result",
				ArgsUsage: "<n>",
				Flags:     followFlags(),
				Action:    ComputeAction,
			},
			{
				Name:      "resume",
				Usage:     "Reattach to the last job, or recover a paid job by transaction or token",
				ArgsUsage: "[reference]",
				Flags:     followFlags(),
				Action:    ResumeAction,
			},
			{
				Name:      "status",
				Usage:     "Show a job's state; without an id, the job a resume would reattach to",
				ArgsUsage: "[job-id]",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "print the status as JSON",
					},
				},
				Action: StatusAction,
			},
			{
				Name:      "download",
				Usage:     "Fetch a completed job's result",
				ArgsUsage: "<job-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "out",
						Usage: "file or directory to save the result to",
					},
				},
				Action: DownloadAction,
			},
		},
	}
}

func followFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "out",
			Usage: "file or directory to save the result to",
		},
		&cli.BoolFlag{
			Name:  "no-download",
			Usage: "stop once the job completes without fetching the result",
		},
	}
}

// setup loads the environment file and configures logging. Logs go to
// stderr so stdout carries only command output.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	if err := config.LoadDotEnv(cmd.String("env")); err != nil {
		return ctx, err
	}
	cfg := config.LoadClientConfig()
	slog.SetDefault(newLogger(cfg, os.Stderr))
	return ctx, nil
}

func newLogger(cfg *config.ClientConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// interactive reports whether the terminal view should run.
func interactive(cmd *cli.Command) bool {
	return !cmd.Bool("plain") && stdoutIsTTY()
}

// redirectLogs sends logs to a file under the state directory while the
// terminal view owns the screen. It returns a func that closes the file.
func redirectLogs(cfg *config.ClientConfig) func() {
	if cfg.StateDir == "" {
		slog.SetDefault(slog.New(slog.DiscardHandler))
		return func() {}
	}
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		slog.SetDefault(slog.New(slog.DiscardHandler))
		return func() {}
	}
	f, err := os.OpenFile(filepath.Join(cfg.StateDir, "jobctl.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		slog.SetDefault(slog.New(slog.DiscardHandler))
		return func() {}
	}
	slog.SetDefault(newLogger(cfg, f))
	return func() { _ = f.Close() }
}

func openApp(ctx context.Context) (*App, error) {
	return NewApp(ctx, config.LoadClientConfig())
}

func closeApp(app *App) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	app.Close(ctx)
}

// ComputeAction submits a job and follows it.
func ComputeAction(ctx context.Context, cmd *cli.Command) error {
	input := cmd.Args().First()

	return withFollow(ctx, cmd, func(app *App) (job.Job, error) {
		return app.Orchestrator.Start(input)
	})
}

// ResumeAction reattaches to the persisted job, or recovers the job of a paid
// transaction when a reference is given.
func ResumeAction(ctx context.Context, cmd *cli.Command) error {
	ref := cmd.Args().First()

	err := withFollow(ctx, cmd, func(app *App) (job.Job, error) {
		return app.Orchestrator.Resume(ctx, ref)
	})
	if errors.Is(err, orchestrator.ErrNothingToResume) {
		_, _ = fmt.Fprintln(cmd.Root().Writer, "Nothing to resume.")
		return nil
	}
	return err
}

// withFollow opens the client, runs begin and follows the resulting job
// until it ends or the user detaches.
func withFollow(ctx context.Context, cmd *cli.Command, begin func(app *App) (job.Job, error)) error {
	cfg := config.LoadClientConfig()
	view := interactive(cmd)
	if view {
		restore := redirectLogs(cfg)
		defer restore()
	}

	app, err := NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeApp(app)
	app.StartCallback()

	updates, unsubscribe := app.Orchestrator.Subscribe()
	defer unsubscribe()

	if _, err := begin(app); err != nil {
		return err
	}

	opts := followOptions{
		Out:         cmd.String("out"),
		Download:    !cmd.Bool("no-download"),
		ApprovalURL: app.ApprovalURL,
	}

	w := cmd.Root().Writer
	var out outcome
	if view {
		out = runView(ctx, app.Orchestrator, updates, opts)
	} else {
		out = runPlain(ctx, w, app.Orchestrator, updates, opts)
	}

	if out.Detached {
		_, _ = fmt.Fprintln(w, detachMessage(out.Job))
	}
	return out.Err
}

func detachMessage(j job.Job) string {
	if j.State == job.StatePaymentPending && j.TransactionID != "" {
		return fmt.Sprintf("Detached. After approving, run: jobctl resume %s", j.TransactionID)
	}
	return "Detached. The job keeps running; run: jobctl resume"
}

// StatusAction prints a job's state.
func StatusAction(ctx context.Context, cmd *cli.Command) error {
	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer closeApp(app)

	w := cmd.Root().Writer
	jobID := cmd.Args().First()
	if jobID == "" {
		active, err := app.Store.ActiveJob(ctx)
		if errors.Is(err, store.ErrNotFound) {
			_, _ = fmt.Fprintln(w, "No active job.")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read active job: %w", err)
		}
		jobID = active.JobID
	}

	state, err := app.Orchestrator.JobStatus(ctx, jobID)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(job.Status{ID: jobID, State: state})
	}
	_, _ = fmt.Fprintf(w, "%s: %s\n", jobID, stateLabel(state))
	return nil
}

// DownloadAction fetches a job's result once the job is complete.
func DownloadAction(ctx context.Context, cmd *cli.Command) error {
	jobID := cmd.Args().First()
	if jobID == "" {
		return errors.New("download needs a job id")
	}

	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer closeApp(app)

	w := cmd.Root().Writer
	onProgress := func(float64) {}
	if interactive(cmd) {
		bar := progress.New(progress.WithDefaultGradient(), progress.WithWidth(40))
		onProgress = func(fraction float64) {
			_, _ = fmt.Fprintf(w, "\r%s", bar.ViewAs(fraction))
		}
	}

	artifact, err := app.Orchestrator.DownloadJob(ctx, jobID, onProgress)
	if interactive(cmd) {
		_, _ = fmt.Fprintln(w)
	}
	if err != nil {
		return err
	}

	path, err := artifact.Save(cmd.String("out"))
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "saved %s (%s)\n", path, formatKB(artifact.Size))
	return nil
}
