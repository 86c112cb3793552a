package rsm

import "fmt"

type Status int

const (
	OK Status = iota
	ERR
	BUSY
	NOTPRIMARY
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case ERR:
		return "ERR"
	case BUSY:
		return "BUSY"
	case NOTPRIMARY:
		return "NOTPRIMARY"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Client-facing methods.
const (
	MethodClientInvoke = "rsm.client_invoke"
	MethodMembers      = "rsm.members"
)

// Replica-to-replica methods.
const (
	MethodInvoke       = "rsm.invoke"
	MethodTransfer     = "rsm.transferreq"
	MethodTransferDone = "rsm.transferdonereq"
	MethodJoin         = "rsm.joinreq"
)

// Test control methods, served on a separate endpoint so a partitioned
// replica can still be repaired.
const (
	MethodNetRepair  = "rsm_test.net_repair"
	MethodBreakpoint = "rsm_test.breakpoint"
)

type ClientInvokeArgs struct {
	Proc int
	Req  []byte
}

type ClientInvokeReply struct {
	Status Status
	Resp   []byte
}

type MembersArgs struct {
	Src string
}

// MembersReply lists the current view with the primary appended last.
type MembersReply struct {
	Status  Status
	Members []string
}

type InvokeArgs struct {
	Proc int
	VS   Viewstamp
	Req  []byte
}

type InvokeReply struct {
	Status Status
}

type TransferArgs struct {
	Vid  uint64
	Last Viewstamp
}

// TransferReply carries the primary's state only when the caller's last
// viewstamp differs from the primary's.
type TransferReply struct {
	Status  Status
	Changed bool
	State   []byte
	Last    Viewstamp
}

type TransferDoneArgs struct {
	Vid uint64
}

type TransferDoneReply struct {
	Status Status
}

type JoinArgs struct {
	Last Viewstamp
}

// JoinReply carries the primary's serialized Paxos log.
type JoinReply struct {
	Status Status
	Log    []byte
}

type NetRepairArgs struct {
	Heal bool
}

type BreakpointArgs struct {
	B int
}

type TestReply struct {
	Status Status
}
