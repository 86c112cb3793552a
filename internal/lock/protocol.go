package lock

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
)

// Replicated procedures, run through the RSM.
const (
	ProcAcquire = 0x7001
	ProcRelease = 0x7002
	ProcStat    = 0x7003
)

// Callbacks the primary sends to lock clients.
const (
	MethodRevoke = "lock.revoke"
	MethodRetry  = "lock.retry"
)

type Status int

const (
	OK Status = iota
	RETRY
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case RETRY:
		return "RETRY"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

var (
	ErrNotHeld    = errors.New("lock: not held by this client")
	ErrBadRequest = errors.New("lock: malformed request")
)

// Request is the argument of every replicated procedure. Client is the
// address the holder serves revoke and retry on; Xid is unique per
// client and lets the server recognize a request it already applied.
type Request struct {
	Lid    uint64
	Client string
	Xid    uint64
}

type Reply struct {
	Status Status
	Grants int
}

// NoticeArgs carries a revoke or retry for one lock.
type NoticeArgs struct {
	Lid uint64
}

type NoticeReply struct {
	OK bool
}

func marshal(v any) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		panic(fmt.Sprintf("lock: encode %T: %v", v, err))
	}
	return buf.Bytes()
}

func unmarshal(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}
