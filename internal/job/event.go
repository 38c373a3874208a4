package job

import "time"

// Event is an outcome reported to the orchestrator. The set of events is
// closed: only the types in this file implement it.
type Event interface {
	Name() string
	isEvent()
}

// Started begins an ungated job: idle -> submitting.
type Started struct{ N int64 }

// PaymentRequired begins a gated job: idle -> payment_pending.
type PaymentRequired struct{ N int64 }

// SubmitRetried records a failed submission attempt that will be retried.
type SubmitRetried struct {
	Attempt int
	Delay   time.Duration
	Err     error
}

// Submitted carries the job id returned by the compute endpoint.
type Submitted struct{ JobID string }

// SubmitFailed reports that every submission attempt failed.
type SubmitFailed struct{ Err error }

// OrderCreated records the provider transaction and correlation token.
type OrderCreated struct {
	TransactionID    string
	CorrelationToken string
}

// PaymentApproved is the payer's approval callback.
type PaymentApproved struct {
	TransactionID string
	PayerID       string
}

// PaymentRejected is a declined or cancelled authorization.
type PaymentRejected struct{ Err error }

// RecoveryStarted resumes an authorization after a restart: idle -> verifying_payment.
type RecoveryStarted struct {
	N                int64
	TransactionID    string
	CorrelationToken string
}

// PaymentVerified carries the job id yielded by capture or verification.
type PaymentVerified struct{ JobID string }

// PaymentFailed reports an order, capture or verification failure.
type PaymentFailed struct{ Err error }

// Attached reattaches to a job that was already submitted: idle -> processing.
type Attached struct {
	JobID string
	N     int64
}

// Heartbeat is a keep-alive from the status stream.
type Heartbeat struct{ Step int }

// ProgressReported is a progress event. Without a value it counts as a heartbeat.
type ProgressReported struct {
	Percent  float64
	HasValue bool
	Step     int
}

// Reconnecting reports that the status stream is being reopened.
type Reconnecting struct{ Attempt int }

// Completed is the stream's complete event.
type Completed struct{ Size int64 }

// StreamFailed is a server error event, an inactivity timeout or an
// unrecoverable channel failure.
type StreamFailed struct{ Err error }

// Ticked advances the elapsed-time counter.
type Ticked struct{ Elapsed time.Duration }

// DownloadProgressed reports the fraction of the result transferred so far.
type DownloadProgressed struct{ Fraction float64 }

// Cancelled is a user cancellation.
type Cancelled struct{}

// Reset discards the current job.
type Reset struct{}

func (Started) Name() string            { return "Started" }
func (PaymentRequired) Name() string    { return "PaymentRequired" }
func (SubmitRetried) Name() string      { return "SubmitRetried" }
func (Submitted) Name() string          { return "Submitted" }
func (SubmitFailed) Name() string       { return "SubmitFailed" }
func (OrderCreated) Name() string       { return "OrderCreated" }
func (PaymentApproved) Name() string    { return "PaymentApproved" }
func (PaymentRejected) Name() string    { return "PaymentRejected" }
func (RecoveryStarted) Name() string    { return "RecoveryStarted" }
func (PaymentVerified) Name() string    { return "PaymentVerified" }
func (PaymentFailed) Name() string      { return "PaymentFailed" }
func (Attached) Name() string           { return "Attached" }
func (Heartbeat) Name() string          { return "Heartbeat" }
func (ProgressReported) Name() string   { return "ProgressReported" }
func (Reconnecting) Name() string       { return "Reconnecting" }
func (Completed) Name() string          { return "Completed" }
func (StreamFailed) Name() string       { return "StreamFailed" }
func (Ticked) Name() string             { return "Ticked" }
func (DownloadProgressed) Name() string { return "DownloadProgressed" }
func (Cancelled) Name() string          { return "Cancelled" }
func (Reset) Name() string              { return "Reset" }

func (Started) isEvent()            {}
func (PaymentRequired) isEvent()    {}
func (SubmitRetried) isEvent()      {}
func (Submitted) isEvent()          {}
func (SubmitFailed) isEvent()       {}
func (OrderCreated) isEvent()       {}
func (PaymentApproved) isEvent()    {}
func (PaymentRejected) isEvent()    {}
func (RecoveryStarted) isEvent()    {}
func (PaymentVerified) isEvent()    {}
func (PaymentFailed) isEvent()      {}
func (Attached) isEvent()           {}
func (Heartbeat) isEvent()          {}
func (ProgressReported) isEvent()   {}
func (Reconnecting) isEvent()       {}
func (Completed) isEvent()          {}
func (StreamFailed) isEvent()       {}
func (Ticked) isEvent()             {}
func (DownloadProgressed) isEvent() {}
func (Cancelled) isEvent()          {}
func (Reset) isEvent()              {}
