package job

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// State is a job's lifecycle state.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// States lists every state in lifecycle order.
var States = []State{StateQueued, StateProcessing, StateCompleted, StateFailed}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

func (s State) Valid() bool {
	switch s {
	case StateQueued, StateProcessing, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Message is one chat turn, kept byte for byte as the producer sent it.
// Any JSON object is accepted; Role and Text read the common chat fields
// when they are present.
type Message json.RawMessage

// NewMessage builds a message with a role and plain-text content.
func NewMessage(role, text string) Message {
	b, _ := json.Marshal(struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{role, text})
	return b
}

func (m Message) MarshalJSON() ([]byte, error) {
	if len(m) == 0 {
		return []byte("null"), nil
	}
	return m, nil
}

func (m *Message) UnmarshalJSON(data []byte) error {
	*m = append((*m)[:0], data...)
	return nil
}

// IsObject reports whether m holds a JSON object.
func (m Message) IsObject() bool {
	b := bytes.TrimSpace(m)
	return len(b) > 0 && b[0] == '{' && json.Valid(b)
}

type chatFields struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func (m Message) fields() chatFields {
	var f chatFields
	_ = json.Unmarshal(m, &f)
	return f
}

// Role returns the "role" field, or "" when there is none.
func (m Message) Role() string {
	return m.fields().Role
}

// Text returns the "content" field as plain text when it is a JSON string,
// and its raw JSON otherwise.
func (m Message) Text() string {
	content := m.fields().Content
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	return string(content)
}

// Callback asks for a CloudEvent when the job reaches a terminal state.
type Callback struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"` // empty means every terminal event
	Key    string   `json:"key,omitempty"`    // HMAC signing key, overrides the service key
}

// Job is the canonical job record.
type Job struct {
	ID          string          `json:"job_id"`
	State       State           `json:"status"`
	Messages    []Message       `json:"messages"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	WorkerID    string          `json:"worker_id,omitempty"`
	Model       string          `json:"model,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`

	Callback *Callback `json:"-"`
}

// Prompt returns the text of the last user message, or of the last message
// when no user turn exists.
func (j *Job) Prompt() string {
	for i := len(j.Messages) - 1; i >= 0; i-- {
		if strings.EqualFold(j.Messages[i].Role(), "user") {
			return j.Messages[i].Text()
		}
	}
	if n := len(j.Messages); n > 0 {
		return j.Messages[n-1].Text()
	}
	return ""
}

// SubmitRequest is the producer's input to Submit.
type SubmitRequest struct {
	Messages []Message       `json:"messages"`
	Metadata json.RawMessage `json:"metadata,omitempty"` // any JSON object, stored verbatim
	Callback *Callback       `json:"callback,omitempty"`

	// CallbackURL is shorthand for a Callback with only a URL.
	CallbackURL string `json:"callback_url,omitempty"`
}

// CompleteRequest reports a worker's outcome for a dequeued job.
type CompleteRequest struct {
	JobID    string          `json:"job_id"`
	Status   State           `json:"status"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	Model    string          `json:"model,omitempty"`
	WorkerID string          `json:"worker_id,omitempty"`
}

// Stats is a point-in-time view of the coordinator. The flat per-state
// fields mirror Counts.
type Stats struct {
	QueueLength int64           `json:"queue_length"`
	Counts      map[State]int64 `json:"counts_by_state"`
	Queued      int64           `json:"queued"`
	Processing  int64           `json:"processing"`
	Completed   int64           `json:"completed"`
	Failed      int64           `json:"failed"`
	Workers     int             `json:"workers"`
}

// Keys names every backend key under a common prefix.
type Keys struct {
	Prefix string
}

func (k Keys) Job(id string) string { return k.Prefix + ":job:" + id }

func (k Keys) Queue() string { return k.Prefix + ":queue" }

func (k Keys) StateIndex(s State) string { return k.Prefix + ":jobs:state:" + string(s) }

func (k Keys) Workers() string { return k.Prefix + ":workers" }

func (k Keys) History() string { return k.Prefix + ":history" }
