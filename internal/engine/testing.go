package engine

import (
	"context"
	"sync"

	"github.com/kamilpajak/veritas/pkg/models"
)

// MockAgent is a mock implementation of Agent for testing. It is safe for
// concurrent use so worker-pool tests can share one instance.
type MockAgent struct {
	AskFn func(ctx context.Context, question string, knowledge Knowledge) (*AgentAnswer, error)

	mu    sync.Mutex
	calls []string
}

// Ask calls the mock function.
func (m *MockAgent) Ask(ctx context.Context, question string, knowledge Knowledge) (*AgentAnswer, error) {
	m.mu.Lock()
	m.calls = append(m.calls, question)
	m.mu.Unlock()
	if m.AskFn != nil {
		return m.AskFn(ctx, question, knowledge)
	}
	return &AgentAnswer{
		SQL:    "SELECT 1",
		Result: models.Scalar("value", 1),
	}, nil
}

// Calls returns every question asked, in order.
func (m *MockAgent) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// MockAnalytical is a mock implementation of Analytical for testing.
type MockAnalytical struct {
	ExecuteFn func(ctx context.Context, query string) (*models.QueryResult, error)

	mu    sync.Mutex
	calls []string
}

// Execute calls the mock function.
func (m *MockAnalytical) Execute(ctx context.Context, query string) (*models.QueryResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, query)
	m.mu.Unlock()
	if m.ExecuteFn != nil {
		return m.ExecuteFn(ctx, query)
	}
	return models.Scalar("value", 1), nil
}

// Calls returns every query executed, in order.
func (m *MockAnalytical) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}
