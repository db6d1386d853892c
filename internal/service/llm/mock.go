package llm

import (
	"context"
	"sync"
)

// MockProvider returns scripted responses. It doubles as the offline
// provider for local development and as the test double for every service
// that calls a model.
type MockProvider struct {
	mu        sync.Mutex
	responses []string
	err       error
	requests  []Request
}

// NewMockProvider builds an empty mock; Complete answers "{}" until
// responses are enqueued.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

var _ Provider = (*MockProvider)(nil)

func (m *MockProvider) Name() string { return "mock" }

// Enqueue appends responses returned in order; the last one repeats once
// the queue drains.
func (m *MockProvider) Enqueue(responses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, responses...)
}

// Fail makes every following call return err until cleared with Fail(nil).
func (m *MockProvider) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Requests returns a copy of every request seen so far.
func (m *MockProvider) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// CallCount returns how many completions have been requested.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *MockProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}

	text := "{}"
	switch {
	case len(m.responses) > 1:
		text = m.responses[0]
		m.responses = m.responses[1:]
	case len(m.responses) == 1:
		text = m.responses[0]
	}

	c := &Completion{
		Text:       text,
		Model:      "mock",
		StopReason: "end_turn",
	}
	c.Usage.InputTokens = EstimateTokens(req.System + req.Prompt)
	c.Usage.OutputTokens = EstimateTokens(text)
	return c, nil
}

func (m *MockProvider) CompleteJSON(ctx context.Context, req Request, out any) (*Completion, error) {
	completion, err := m.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(completion.Text, out); err != nil {
		return completion, err
	}
	return completion, nil
}
