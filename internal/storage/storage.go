// =============================================================================
// ACCEPTOR LOG - Write-ahead record of promises, accepts and decisions
// =============================================================================
//
// An acceptor must never forget what it promised or accepted, and it must
// never forget a decided value. Every state change is appended here and
// made durable BEFORE the acceptor answers the RPC that caused it.
//
// Record kinds, replayed in order on restart:
//
//   promise(n)         highest promised proposal number for the open instance
//   accept(n, v)       value accepted for the open instance
//   decide(i, v)       instance i is decided to v; opens instance i+1
//
// The same byte form (JSON lines) is used by Dump/Restore, which is how a
// joining replica copies the log of the primary.
//
// =============================================================================

package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type Kind string

const (
	KindPromise Kind = "promise"
	KindAccept  Kind = "accept"
	KindDecide  Kind = "decide"
)

// Record is one log entry. Round and Proposer carry the proposal number
// for promise and accept records; Instance is only meaningful for decide.
type Record struct {
	Kind     Kind   `json:"kind"`
	Instance uint64 `json:"instance,omitempty"`
	Round    uint64 `json:"round,omitempty"`
	Proposer string `json:"proposer,omitempty"`
	Value    []byte `json:"value,omitempty"`
}

// Log is the durable record store behind an acceptor. Append must not
// return before the record survives a crash.
type Log interface {
	Append(rec Record) error
	Records() ([]Record, error)
	Dump() ([]byte, error)
	Restore(data []byte) error
	Close() error
}

var ErrBadRecord = errors.New("storage: malformed record")

func encode(recs []Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Decode parses the JSON-lines form produced by Dump.
func Decode(data []byte) ([]Record, error) {
	var recs []Record
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRecord, err)
		}
		switch r.Kind {
		case KindPromise, KindAccept, KindDecide:
		default:
			return nil, fmt.Errorf("%w: kind %q", ErrBadRecord, r.Kind)
		}
		recs = append(recs, r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}
