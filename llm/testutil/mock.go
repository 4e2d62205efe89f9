// Package testutil provides a canned llm.Completer for agent tests.
package testutil

import (
	"context"
	"sync"

	"github.com/c360studio/migrator/llm"
)

// MockLLMClient implements llm.Completer with scripted responses. It is
// safe for concurrent use.
//
//	// Canned prose
//	mock := &MockLLMClient{Responses: []*llm.Response{
//	    {Content: "Schema uses a hybrid split.", Model: "test-model"},
//	}}
//
//	// Failing endpoint
//	mock := &MockLLMClient{Err: errors.New("connection refused")}
type MockLLMClient struct {
	mu    sync.Mutex
	calls int
	next  int

	// Responses are returned in order; after the script runs out the
	// mock answers with empty content.
	Responses []*llm.Response

	// Err, when set, fails every call. It takes precedence over Responses.
	Err error
}

// Complete implements llm.Completer.
func (m *MockLLMClient) Complete(_ context.Context, _ llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.Err != nil {
		return nil, m.Err
	}
	if m.next < len(m.Responses) {
		resp := m.Responses[m.next]
		m.next++
		return resp, nil
	}
	return &llm.Response{Content: "", Model: "test-model"}, nil
}

// CallCount reports how many times Complete has been invoked.
func (m *MockLLMClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
