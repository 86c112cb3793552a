package storage

import "sync"

// MemoryLog keeps records in process memory. Nothing survives a restart
// of the process, but a MemoryLog handed to a new acceptor in the same
// process behaves like a disk that survived a crash, which is what tests
// and the demo use it for.
type MemoryLog struct {
	mu      sync.RWMutex
	records []Record
	closed  bool
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) Append(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	rec.Value = clone(rec.Value)
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryLog) Records() ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, len(m.records))
	for i, r := range m.records {
		r.Value = clone(r.Value)
		out[i] = r
	}
	return out, nil
}

func (m *MemoryLog) Dump() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return encode(m.records)
}

func (m *MemoryLog) Restore(data []byte) error {
	recs, err := Decode(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.records = recs
	return nil
}

// Close marks the log unusable. Records stay readable so a restarted
// acceptor can be built from Reopen.
func (m *MemoryLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Reopen returns a usable log holding the same records, simulating a
// node that restarts on top of its surviving disk.
func (m *MemoryLog) Reopen() *MemoryLog {
	recs, _ := m.Records()
	return &MemoryLog{records: recs}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
