package core

import (
	"context"
	"sync"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type MockDriver struct {
	mu       sync.Mutex
	Executed []string
	Err      error
	Closed   bool
}

func (m *MockDriver) ExecuteQuery(ctx context.Context, query string, params map[string]interface{}) (neo4j.EagerResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Executed = append(m.Executed, query)
	if m.Err != nil {
		return neo4j.EagerResult{}, m.Err
	}
	return neo4j.EagerResult{}, nil
}

func (m *MockDriver) BuildIndices(ctx context.Context) error {
	return nil
}

func (m *MockDriver) Close(ctx context.Context) error {
	m.Closed = true
	return nil
}

func (m *MockDriver) count(query string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.Executed {
		if q == query {
			n++
		}
	}
	return n
}
