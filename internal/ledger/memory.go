package ledger

import (
	"context"
	"sync"
)

// Memory is an in-process ledger for tests and local runs. Records are
// stored at indices 1..n.
type Memory struct {
	mu       sync.RWMutex
	records  []map[string]any
	failures map[uint64]error
	countErr error
	calls    map[uint64]int
}

// NewMemory returns a ledger holding records at indices 1..len(records).
func NewMemory(records ...map[string]any) *Memory {
	return &Memory{
		records:  records,
		failures: make(map[uint64]error),
		calls:    make(map[uint64]int),
	}
}

// Append adds a record at the next index and returns that index.
func (m *Memory) Append(fields map[string]any) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, fields)
	return uint64(len(m.records))
}

// Set replaces the record at index.
func (m *Memory) Set(index uint64, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index >= 1 && index <= uint64(len(m.records)) {
		m.records[index-1] = fields
	}
}

// FailAt makes RecordAt(index) return err until cleared with a nil err.
func (m *Memory) FailAt(index uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, index)
		return
	}
	m.failures[index] = err
}

// FailCount makes RecordCount return err until cleared with nil.
func (m *Memory) FailCount(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.countErr = err
}

// Calls reports how often RecordAt was invoked for index.
func (m *Memory) Calls(index uint64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[index]
}

// RecordCount implements Ledger.
func (m *Memory) RecordCount(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.countErr != nil {
		return 0, m.countErr
	}
	return uint64(len(m.records)), nil
}

// RecordAt implements Ledger.
func (m *Memory) RecordAt(ctx context.Context, index uint64) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	m.calls[index]++
	failure := m.failures[index]
	var fields map[string]any
	found := index >= 1 && index <= uint64(len(m.records))
	if found {
		fields = m.records[index-1]
	}
	m.mu.Unlock()

	if failure != nil {
		return Record{}, failure
	}
	if !found {
		return Record{}, ErrNotFound
	}
	return Record{Index: index, Fields: fields}, nil
}
