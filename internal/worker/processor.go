package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cerebro/pkg/client"
)

// Output is what a processor produced for one job.
type Output struct {
	Result json.RawMessage
	// Model names the model that answered. Empty means the worker's
	// configured model.
	Model string
}

// Processor turns a dequeued job into a result. A returned error fails the
// job with the error text.
type Processor interface {
	Process(ctx context.Context, j *client.Job) (Output, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, j *client.Job) (Output, error)

func (f ProcessorFunc) Process(ctx context.Context, j *client.Job) (Output, error) {
	return f(ctx, j)
}

// Echo answers every job without calling a model.
type Echo struct{}

func (Echo) Process(_ context.Context, j *client.Job) (Output, error) {
	result, err := json.Marshal(map[string]any{
		"response": fmt.Sprintf("Processed %d messages.", len(j.Messages)),
		"messages": j.Messages,
	})
	return Output{Result: result}, err
}

// Ollama forwards the conversation to an Ollama chat endpoint
// (e.g. http://localhost:11434/api/chat) and returns its reply verbatim.
type Ollama struct {
	URL    string
	Model  string
	client *http.Client
}

func NewOllama(url, model string, timeout time.Duration) *Ollama {
	return &Ollama{URL: url, Model: model, client: &http.Client{Timeout: timeout}}
}

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []client.Message `json:"messages"`
	Stream   bool             `json:"stream"`
}

// modelOverride reads an optional "model" string from job metadata.
func modelOverride(metadata json.RawMessage) string {
	if len(metadata) == 0 {
		return ""
	}
	var meta struct {
		Model string `json:"model"`
	}
	_ = json.Unmarshal(metadata, &meta)
	return meta.Model
}

// Process sends the job's messages unchanged. A "model" key in the job's
// metadata overrides the configured model.
func (o *Ollama) Process(ctx context.Context, j *client.Job) (Output, error) {
	if len(j.Messages) == 0 {
		return Output{}, errors.New("job has no messages")
	}
	model := o.Model
	if m := modelOverride(j.Metadata); m != "" {
		model = m
	}

	body, err := json.Marshal(ollamaRequest{Model: model, Messages: j.Messages})
	if err != nil {
		return Output{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.URL, bytes.NewReader(body))
	if err != nil {
		return Output{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return Output{}, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Output{}, fmt.Errorf("read ollama response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Output{}, fmt.Errorf("ollama returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var shape struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return Output{}, fmt.Errorf("invalid JSON from ollama: %w", err)
	}
	if len(shape.Message) == 0 {
		return Output{}, errors.New("malformed response from ollama: missing message")
	}
	return Output{Result: json.RawMessage(data), Model: model}, nil
}
