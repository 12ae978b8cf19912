// Package observability provides metrics and logging utilities.
package observability

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrOutcome = "outcome"
	attrReason  = "reason"
	attrState   = "state"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, reason)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

// idRoutes lists path prefixes whose next segment is an identifier.
var idRoutes = []struct {
	prefix      string
	placeholder string
}{
	{"/v1/jobs/", "{jobId}"},
	{"/v1/workers/", "{workerId}"},
	{"/get_result/", "{jobId}"},
}

// normalizePath replaces identifier segments with placeholders to keep label
// cardinality bounded.
func normalizePath(path string) string {
	for _, r := range idRoutes {
		rest, ok := strings.CutPrefix(path, r.prefix)
		if !ok || rest == "" {
			continue
		}
		id, tail, _ := strings.Cut(rest, "/")
		if r.prefix == "/v1/jobs/" && id == "next" {
			return path
		}
		if tail != "" {
			return r.prefix + r.placeholder + "/" + tail
		}
		return r.prefix + r.placeholder
	}
	return path
}

// NewLogger builds the process JSON logger at the named level
// (debug, info, warn or error; anything else means info).
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
