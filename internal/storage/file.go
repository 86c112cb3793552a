package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

var ErrClosed = errors.New("storage: log closed")

// FileLog appends one JSON record per line and syncs the file after every
// append. Opening an existing file keeps its records for replay, minus a
// final record that a crash cut short.
type FileLog struct {
	mu   sync.Mutex
	path string
	fd   *os.File
}

func OpenFileLog(path string) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create log dir: %w", err)
	}
	if err := trimTornTail(path); err != nil {
		return nil, err
	}
	fd, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open log: %w", err)
	}
	return &FileLog{path: path, fd: fd}, nil
}

func (l *FileLog) Path() string { return l.path }

func (l *FileLog) Append(rec Record) error {
	by, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	by = append(by, '\n')
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fd == nil {
		return ErrClosed
	}
	if _, err := l.fd.Write(by); err != nil {
		return fmt.Errorf("storage: append: %w", err)
	}
	return l.fd.Sync()
}

func (l *FileLog) Records() ([]Record, error) {
	data, err := l.Dump()
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

func (l *FileLog) Dump() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// Restore replaces the whole log. The new content is written to a
// temporary file and renamed over the old one.
func (l *FileLog) Restore(data []byte) error {
	if _, err := Decode(data); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fd == nil {
		return ErrClosed
	}
	tmp := l.path + ".tmp"
	if err := writeSynced(tmp, data); err != nil {
		return err
	}
	if err := l.fd.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("storage: restore: %w", err)
	}
	fd, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		l.fd = nil
		return fmt.Errorf("storage: reopen after restore: %w", err)
	}
	l.fd = fd
	return nil
}

func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fd == nil {
		return nil
	}
	err := l.fd.Close()
	l.fd = nil
	return err
}

// trimTornTail truncates path to its last complete record. Append syncs
// before the acceptor answers, so a record that never fully reached disk
// was never acted on. Damage anywhere before the last line is left for
// Decode to report.
func trimTornTail(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("storage: read log: %w", err)
	}
	keep := completePrefix(data)
	if keep == len(data) {
		return nil
	}
	log.Printf("storage: %s: dropping %d bytes of a torn final record", path, len(data)-keep)
	if err := os.Truncate(path, int64(keep)); err != nil {
		return fmt.Errorf("storage: trim log: %w", err)
	}
	return nil
}

// completePrefix is the length of data up to the end of its last intact
// line. Only the final line is ever dropped.
func completePrefix(data []byte) int {
	n := len(data)
	if n == 0 {
		return 0
	}
	if data[n-1] != '\n' {
		return bytes.LastIndexByte(data, '\n') + 1
	}
	start := bytes.LastIndexByte(data[:n-1], '\n') + 1
	if _, err := Decode(data[start:]); err != nil {
		return start
	}
	return n
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
