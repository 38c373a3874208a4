package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"jobctl/internal/apperrors"
	"jobctl/internal/job"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	linkStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Underline(true)
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

var stateLabels = map[job.State]string{
	job.StateIdle:             "Idle",
	job.StateSubmitting:       "Submitting",
	job.StatePaymentPending:   "Waiting for payment approval",
	job.StateVerifyingPayment: "Verifying payment",
	job.StateProcessing:       "Processing",
	job.StateComplete:         "Complete",
	job.StateError:            "Failed",
	job.StateCancelled:        "Cancelled",
}

func stateLabel(s job.State) string {
	if label, ok := stateLabels[s]; ok {
		return label
	}
	return string(s)
}

// formatKB renders a result size the way the result panel always has.
func formatKB(size int64) string {
	return fmt.Sprintf("%.1f KB", float64(size)/1024)
}

func formatElapsed(seconds int) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	return fmt.Sprintf("%dm%02ds", seconds/60, seconds%60)
}

// statusLine is the one-line summary printed in plain mode.
func statusLine(j job.Job) string {
	var b strings.Builder
	b.WriteString(string(j.State))
	if j.ID != "" {
		fmt.Fprintf(&b, " job=%s", j.ID)
	}
	switch j.State {
	case job.StateSubmitting:
		if j.RetryCount > 0 {
			fmt.Fprintf(&b, " retry=%d", j.RetryCount)
		}
	case job.StatePaymentPending, job.StateVerifyingPayment:
		if j.TransactionID != "" {
			fmt.Fprintf(&b, " transaction=%s", j.TransactionID)
		}
	case job.StateProcessing:
		fmt.Fprintf(&b, " progress=%d%%", j.Progress)
		if j.StreamAttempts > 0 {
			fmt.Fprintf(&b, " reconnects=%d", j.StreamAttempts)
		}
	case job.StateComplete:
		fmt.Fprintf(&b, " size=%q", formatKB(j.ResultSize))
	case job.StateError:
		if j.Err != nil {
			fmt.Fprintf(&b, " error=%q", j.Err.Error())
		}
	}
	return b.String()
}

// jobError is the command error for a job that ended without a result.
func jobError(j job.Job) error {
	switch j.State {
	case job.StateCancelled:
		return errCancelled
	case job.StateError:
		if j.Err == nil {
			return errJobFailed
		}
		if ref := apperrors.Reference(j.Err); ref != "" {
			return fmt.Errorf("%w (reference %s)", j.Err, ref)
		}
		if j.ID != "" {
			return fmt.Errorf("%w (job %s)", j.Err, j.ID)
		}
		return j.Err
	}
	return nil
}

func stdoutIsTTY() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
