package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"jobctl/internal/download"
	"jobctl/internal/job"
)

const maxBarWidth = 60

// Session is the part of the orchestrator the views drive.
type Session interface {
	Cancel() error
	Download(ctx context.Context) (*download.Artifact, error)
}

// followOptions controls what happens once a job is followed to the end.
type followOptions struct {
	Out         string // where the result is saved; a directory or file path
	Download    bool   // fetch the result on completion
	ApprovalURL func(job.Job) string
}

// outcome is what following a job produced.
type outcome struct {
	Job      job.Job
	Saved    string
	Detached bool
	Err      error
}

type jobMsg job.Job

type subscriptionClosedMsg struct{}

type downloadedMsg struct {
	path string
	size int64
	err  error
}

type jobModel struct {
	ctx     context.Context
	session Session
	updates <-chan job.Job
	opts    followOptions

	job         job.Job
	bar         progress.Model
	downloading bool
	saved       string
	savedSize   int64
	err         error
	detached    bool
	done        bool
}

func newJobModel(ctx context.Context, session Session, updates <-chan job.Job, opts followOptions) jobModel {
	return jobModel{
		ctx:     ctx,
		session: session,
		updates: updates,
		opts:    opts,
		job:     job.Job{State: job.StateIdle},
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

// runView follows the job in the interactive terminal view.
func runView(ctx context.Context, session Session, updates <-chan job.Job, opts followOptions) outcome {
	m := newJobModel(ctx, session, updates, opts)
	p := tea.NewProgram(m, tea.WithContext(ctx))
	final, err := p.Run()

	fm, ok := final.(jobModel)
	if !ok {
		fm = m
	}
	out := fm.outcome()
	if err != nil && ctx.Err() == nil && out.Err == nil {
		out.Err = err
	}
	if ctx.Err() != nil {
		out.Detached = out.Job.State.Active()
	}
	return out
}

func (m jobModel) outcome() outcome {
	return outcome{Job: m.job, Saved: m.saved, Detached: m.detached, Err: m.err}
}

func waitForJob(updates <-chan job.Job) tea.Cmd {
	return func() tea.Msg {
		j, ok := <-updates
		if !ok {
			return subscriptionClosedMsg{}
		}
		return jobMsg(j)
	}
}

func downloadCmd(ctx context.Context, session Session, out string) tea.Cmd {
	return func() tea.Msg {
		artifact, err := session.Download(ctx)
		if err != nil {
			return downloadedMsg{err: err}
		}
		path, err := artifact.Save(out)
		return downloadedMsg{path: path, size: artifact.Size, err: err}
	}
}

func (m jobModel) Init() tea.Cmd {
	return waitForJob(m.updates)
}

func (m jobModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.bar.Width = min(maxBarWidth, max(10, msg.Width-12))
		return m, nil

	case jobMsg:
		m.job = job.Job(msg)
		next := waitForJob(m.updates)
		switch m.job.State {
		case job.StateComplete:
			if !m.opts.Download {
				m.done = true
				return m, tea.Quit
			}
			if !m.downloading {
				m.downloading = true
				return m, tea.Batch(next, downloadCmd(m.ctx, m.session, m.opts.Out))
			}
		case job.StateError, job.StateCancelled:
			m.err = jobError(m.job)
			m.done = true
			return m, tea.Quit
		}
		return m, next

	case downloadedMsg:
		m.downloading = false
		m.done = true
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.saved = msg.path
			m.savedSize = msg.size
		}
		return m, tea.Quit

	case subscriptionClosedMsg:
		if !m.downloading {
			m.detached = m.job.State.Active()
			m.done = true
			return m, tea.Quit
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "c":
			if m.job.State.Active() {
				// The cancelled snapshot arrives through the subscription.
				if err := m.session.Cancel(); err != nil {
					m.err = err
				}
			}
			return m, nil
		case "q", "esc", "ctrl+c":
			m.detached = m.job.State.Active()
			m.done = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m jobModel) View() string {
	j := m.job
	var lines []string

	header := titleStyle.Render("jobctl") + "  " + stateStyle(j.State).Render(stateLabel(j.State))
	lines = append(lines, header)

	var details []string
	if j.N > 0 {
		details = append(details, fmt.Sprintf("n = %d", j.N))
	}
	if j.ID != "" {
		details = append(details, "job "+j.ID)
	}
	if j.State.Active() || j.ElapsedSeconds > 0 {
		details = append(details, "elapsed "+formatElapsed(j.ElapsedSeconds))
	}
	if len(details) > 0 {
		lines = append(lines, mutedStyle.Render(strings.Join(details, "  ·  ")))
	}

	switch j.State {
	case job.StateSubmitting:
		if j.RetryCount > 0 {
			lines = append(lines, mutedStyle.Render(fmt.Sprintf("Server busy, retry %d", j.RetryCount)))
		}
	case job.StatePaymentPending:
		if url := m.approvalURL(); url != "" {
			lines = append(lines, "Approve the payment in your browser:", linkStyle.Render(url))
		} else {
			lines = append(lines, mutedStyle.Render("Creating payment order..."))
		}
	case job.StateVerifyingPayment:
		if j.TransactionID != "" {
			lines = append(lines, mutedStyle.Render("Transaction "+j.TransactionID))
		}
	case job.StateProcessing:
		lines = append(lines, m.bar.ViewAs(float64(j.Progress)/100))
		if j.StreamAttempts > 0 {
			lines = append(lines, mutedStyle.Render(fmt.Sprintf("Reconnecting to status stream (attempt %d)", j.StreamAttempts)))
		}
	case job.StateComplete:
		lines = append(lines, m.bar.ViewAs(1))
		lines = append(lines, "Result size: "+formatKB(j.ResultSize))
		if m.downloading || j.DownloadFraction > 0 {
			lines = append(lines, "Downloading "+m.bar.ViewAs(j.DownloadFraction))
		}
	}

	switch {
	case m.err != nil:
		lines = append(lines, errorStyle.Render(m.err.Error()))
	case m.saved != "":
		lines = append(lines, okStyle.Render(fmt.Sprintf("Saved %s (%s)", m.saved, formatKB(m.savedSize))))
	}

	body := panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
	if m.done {
		return body + "\n"
	}
	return body + "\n" + mutedStyle.Render(m.hints()) + "\n"
}

func (m jobModel) hints() string {
	if m.job.State.Active() {
		return "c cancel job  ·  q detach"
	}
	return "q quit"
}

func (m jobModel) approvalURL() string {
	if m.opts.ApprovalURL == nil {
		return ""
	}
	return m.opts.ApprovalURL(m.job)
}

func stateStyle(s job.State) lipgloss.Style {
	switch s {
	case job.StateComplete:
		return okStyle
	case job.StateError, job.StateCancelled:
		return errorStyle
	default:
		return mutedStyle
	}
}

var (
	errCancelled = errors.New("job cancelled")
	errJobFailed = errors.New("job failed")
)
