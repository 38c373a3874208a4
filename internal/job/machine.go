package job

import (
	"math"

	"jobctl/internal/apperrors"
)

// maxStreamedProgress is the ceiling for progress while processing; only a
// complete event reaches 100.
const maxStreamedProgress = 99

// Apply is the transition function. It returns the next Job, or an
// ErrInvalidTransition error (and the unchanged job) when the current state
// does not accept the event.
func Apply(j Job, e Event) (Job, error) {
	switch ev := e.(type) {
	case Reset:
		return Job{State: StateIdle}, nil

	case Cancelled:
		if !j.State.Active() {
			return j, invalid(j, e)
		}
		j.State = StateCancelled
		return j, nil

	case Started:
		if j.State != StateIdle {
			return j, invalid(j, e)
		}
		return Job{N: ev.N, State: StateSubmitting}, nil

	case PaymentRequired:
		if j.State != StateIdle {
			return j, invalid(j, e)
		}
		return Job{N: ev.N, State: StatePaymentPending}, nil

	case SubmitRetried:
		if j.State != StateSubmitting {
			return j, invalid(j, e)
		}
		j.RetryCount++
		return j, nil

	case Submitted:
		if j.State != StateSubmitting || ev.JobID == "" {
			return j, invalid(j, e)
		}
		j.ID = ev.JobID
		j.State = StateProcessing
		j.Progress = 0
		return j, nil

	case SubmitFailed:
		if j.State != StateSubmitting {
			return j, invalid(j, e)
		}
		j.State = StateError
		j.Err = ev.Err
		return j, nil

	case OrderCreated:
		if j.State != StatePaymentPending {
			return j, invalid(j, e)
		}
		j.TransactionID = ev.TransactionID
		j.CorrelationToken = ev.CorrelationToken
		return j, nil

	case PaymentApproved:
		if j.State != StatePaymentPending {
			return j, invalid(j, e)
		}
		if ev.TransactionID != "" {
			j.TransactionID = ev.TransactionID
		}
		j.State = StateVerifyingPayment
		return j, nil

	case PaymentRejected:
		if j.State != StatePaymentPending && j.State != StateVerifyingPayment {
			return j, invalid(j, e)
		}
		return Job{N: j.N, State: StateIdle, TransactionID: j.TransactionID, Err: ev.Err}, nil

	case RecoveryStarted:
		if j.State != StateIdle {
			return j, invalid(j, e)
		}
		return Job{
			N:                ev.N,
			State:            StateVerifyingPayment,
			TransactionID:    ev.TransactionID,
			CorrelationToken: ev.CorrelationToken,
		}, nil

	case PaymentVerified:
		if j.State != StateVerifyingPayment || ev.JobID == "" {
			return j, invalid(j, e)
		}
		j.ID = ev.JobID
		j.State = StateProcessing
		j.Progress = 0
		return j, nil

	case PaymentFailed:
		if j.State != StatePaymentPending && j.State != StateVerifyingPayment {
			return j, invalid(j, e)
		}
		j.State = StateError
		j.Err = ev.Err
		return j, nil

	case Attached:
		if j.State != StateIdle || ev.JobID == "" {
			return j, invalid(j, e)
		}
		return Job{ID: ev.JobID, N: ev.N, State: StateProcessing}, nil

	case Heartbeat:
		if j.State != StateProcessing {
			return j, invalid(j, e)
		}
		j.Progress = advance(j.Progress, ev.Step)
		return j, nil

	case ProgressReported:
		if j.State != StateProcessing {
			return j, invalid(j, e)
		}
		if !ev.HasValue {
			j.Progress = advance(j.Progress, ev.Step)
			return j, nil
		}
		j.Progress = clampProgress(ev.Percent, j.Progress)
		return j, nil

	case Reconnecting:
		if j.State != StateProcessing {
			return j, invalid(j, e)
		}
		j.StreamAttempts = ev.Attempt
		return j, nil

	case Completed:
		if j.State != StateProcessing {
			return j, invalid(j, e)
		}
		j.State = StateComplete
		j.Progress = 100
		j.ResultSize = ev.Size
		return j, nil

	case StreamFailed:
		if j.State != StateProcessing {
			return j, invalid(j, e)
		}
		j.State = StateError
		j.Err = apperrors.WithJob(ev.Err, j.ID)
		return j, nil

	case Ticked:
		if !j.State.Active() {
			return j, invalid(j, e)
		}
		j.ElapsedSeconds = int(ev.Elapsed.Seconds())
		return j, nil

	case DownloadProgressed:
		if j.State != StateComplete {
			return j, invalid(j, e)
		}
		j.DownloadFraction = math.Max(0, math.Min(1, ev.Fraction))
		return j, nil
	}

	return j, invalid(j, e)
}

func invalid(j Job, e Event) error {
	return apperrors.InvalidTransition(string(j.State), e.Name())
}

// advance bumps progress by a bounded step without crossing the ceiling.
func advance(current, step int) int {
	if step <= 0 {
		step = 1
	}
	if current >= maxStreamedProgress {
		return current
	}
	return min(current+step, maxStreamedProgress)
}

// clampProgress keeps a reported value within [previous, ceiling].
func clampProgress(reported float64, previous int) int {
	if math.IsNaN(reported) {
		return previous
	}
	if reported >= maxStreamedProgress {
		return max(previous, maxStreamedProgress)
	}
	return max(previous, int(math.Round(reported)))
}
