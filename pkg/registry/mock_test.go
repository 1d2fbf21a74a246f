package registry

import (
	"errors"
	"sync"
)

type MockChannel struct {
	mu        sync.Mutex
	Written   []any
	Closed    bool
	WriteFunc func(v any) error
}

func (m *MockChannel) WriteJSON(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Closed {
		return errors.New("write on closed channel")
	}
	if m.WriteFunc != nil {
		if err := m.WriteFunc(v); err != nil {
			return err
		}
	}
	m.Written = append(m.Written, v)
	return nil
}

func (m *MockChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}
