package stream

import (
	"encoding/json"
	"log/slog"
	"strings"

	"jobctl/internal/apperrors"
	"jobctl/internal/job"
	"jobctl/pkg/sse"
)

// Status event names.
const (
	eventProgress  = "progress"
	eventComplete  = "complete"
	eventError     = "error"
	eventHeartbeat = "heartbeat"
	eventMessage   = "message"
)

// envelope is the unnamed-message format {"event": ..., "data": {...}}.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type progressPayload struct {
	Percent  *float64 `json:"percent"`
	Progress *float64 `json:"progress"`
}

type completePayload struct {
	Size int64 `json:"size"`
}

type errorPayload struct {
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

// interpret maps a wire event to a job event. terminal is true for complete
// and error. ok is false for event types the client does not know.
// Undecodable complete payloads are logged, since they complete with size 0.
func interpret(logger *slog.Logger, jobID string, ev *sse.Event, heartbeatStep int) (out job.Event, terminal, ok bool) {
	name, data := ev.Type, ev.Data
	if name == "" || name == eventMessage {
		var env envelope
		if err := json.Unmarshal([]byte(data), &env); err != nil || env.Event == "" {
			return job.Heartbeat{Step: heartbeatStep}, false, true
		}
		name, data = env.Event, string(env.Data)
	}

	switch strings.ToLower(name) {
	case eventHeartbeat, eventMessage:
		return job.Heartbeat{Step: heartbeatStep}, false, true

	case eventProgress:
		var p progressPayload
		if err := json.Unmarshal([]byte(data), &p); err == nil {
			if p.Percent != nil {
				return job.ProgressReported{Percent: *p.Percent, HasValue: true, Step: heartbeatStep}, false, true
			}
			if p.Progress != nil {
				return job.ProgressReported{Percent: *p.Progress, HasValue: true, Step: heartbeatStep}, false, true
			}
		}
		return job.ProgressReported{Step: heartbeatStep}, false, true

	case eventComplete:
		var c completePayload
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			logger.Warn("Malformed complete payload, result size unknown", "jobId", jobID, "error", err)
		}
		return job.Completed{Size: c.Size}, true, true

	case eventError:
		var e errorPayload
		_ = json.Unmarshal([]byte(data), &e)
		msg := e.Message
		if msg == "" {
			msg = e.Detail
		}
		if msg == "" {
			msg = "job failed on the server"
		}
		return job.StreamFailed{Err: apperrors.StreamError(jobID, msg, nil)}, true, true
	}

	return nil, false, false
}
