package overflow

import (
	"context"
	"sync"

	"tenantguard/internal/audit"
)

// Memory is a process-local overflow queue for tests and ephemeral setups.
type Memory struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Push(_ context.Context, entry audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *Memory) Drain(ctx context.Context, fn func(context.Context, audit.Entry) error) (int, error) {
	m.mu.Lock()
	batch := m.entries
	m.entries = nil
	m.mu.Unlock()

	var (
		delivered int
		failed    []audit.Entry
		firstErr  error
	)
	for _, e := range batch {
		if ctx.Err() != nil {
			failed = append(failed, e)
			continue
		}
		if err := fn(ctx, e); err != nil {
			failed = append(failed, e)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delivered++
	}
	if firstErr == nil {
		firstErr = ctx.Err()
	}
	if len(failed) > 0 {
		m.mu.Lock()
		m.entries = append(failed, m.entries...)
		m.mu.Unlock()
	}
	return delivered, firstErr
}

func (m *Memory) Pending(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}

// Entries returns a snapshot of the queued entries.
func (m *Memory) Entries() []audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.Entry{}, m.entries...)
}
