// Package observability provides the client's metrics.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrSuccess = "success"
	attrStep    = "step"
	attrOutcome = "outcome"
	attrEvent   = "event"
	attrState   = "state"
	attrGated   = "gated"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func stepAttr(step string) attribute.KeyValue {
	return attribute.String(attrStep, step)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func eventAttr(eventType string) attribute.KeyValue {
	if eventType == "" {
		eventType = "heartbeat"
	}
	return attribute.String(attrEvent, eventType)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

func gatedAttr(gated bool) attribute.KeyValue {
	return attribute.Bool(attrGated, gated)
}

// normalizePath keeps the callback server's fixed routes and folds anything
// else into one label value.
func normalizePath(path string) string {
	switch path {
	case "/payment/return", "/payment/cancel", "/livez", "/readyz", "/metrics":
		return path
	}
	if strings.HasPrefix(path, "/payment/") {
		return "/payment/{other}"
	}
	return "other"
}
