package job

import (
	"slices"

	"cerebro/internal/history"
	"cerebro/pkg/cloudevent"
)

// Event types delivered to job callbacks.
const (
	EventTypeCompleted = "cerebro.job.completed"
	EventTypeFailed    = "cerebro.job.failed"
)

// EventTypeFor maps a terminal state to its callback event type.
func EventTypeFor(s State) string {
	if s == StateFailed {
		return EventTypeFailed
	}
	return EventTypeCompleted
}

// knownEvent reports whether name is a valid callback filter entry. Both the
// full event type and the bare state name are accepted.
func knownEvent(name string) bool {
	switch name {
	case EventTypeCompleted, EventTypeFailed, string(StateCompleted), string(StateFailed):
		return true
	}
	return false
}

// FilteredEvents reports whether eventType passes filter. An empty filter
// passes everything.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	if slices.Contains(filter, eventType) {
		return true
	}
	switch eventType {
	case EventTypeCompleted:
		return slices.Contains(filter, string(StateCompleted))
	case EventTypeFailed:
		return slices.Contains(filter, string(StateFailed))
	}
	return false
}

// EventBuilder builds terminal-state CloudEvents.
type EventBuilder struct {
	source string
}

func NewEventBuilder(source string) *EventBuilder {
	return &EventBuilder{source: source}
}

// Build returns the event for a job that just reached a terminal state. The
// payload is the same snapshot the history ring keeps.
func (b *EventBuilder) Build(j *Job) *cloudevent.CloudEvent {
	return cloudevent.New(EventTypeFor(j.State), b.source, j.ID, Snapshot(j))
}

// Snapshot captures j as a history entry.
func Snapshot(j *Job) history.Entry {
	e := history.Entry{
		JobID:         j.ID,
		Status:        string(j.State),
		WorkerID:      j.WorkerID,
		Model:         j.Model,
		Error:         j.Error,
		Preview:       history.Preview(j.Prompt()),
		ResultPreview: history.ResultPreview(j.Result),
		MessageCount:  len(j.Messages),
		Metadata:      j.Metadata,
		Result:        j.Result,
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
	}
	if j.CompletedAt != nil {
		e.CompletedAt = *j.CompletedAt
		if j.StartedAt != nil {
			e.DurationMs = j.CompletedAt.Sub(*j.StartedAt).Milliseconds()
		}
	}
	return e
}
