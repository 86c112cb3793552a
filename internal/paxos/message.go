// =============================================================================
// PAXOS MESSAGES - Request/reply pairs for the three acceptor RPCs
// =============================================================================
//
//   prepare(instance, n)     -> oldinstance(v) | promise(n_a, v_a) | reject(n_h)
//   accept(instance, n, v)   -> accepted bool
//   decide(instance, v)      -> ack
//   learn(instance)          -> decided value, if known (read-only)
//
// Every type carries at least one exported field so gob can encode it.
//
// =============================================================================

package paxos

const (
	MethodPrepare = "paxos.prepare"
	MethodAccept  = "paxos.accept"
	MethodDecide  = "paxos.decide"
	MethodLearn   = "paxos.learn"
)

type PrepareArgs struct {
	Instance uint64
	N        ProposalNumber
}

// PrepareReply is one of three outcomes. OldInstance means the instance is
// already decided and VA holds the decided value. Accept means a promise,
// with NA/VA the value accepted so far for the open instance (NA zero when
// none). Neither flag set is a reject; NH is the number that beat us.
type PrepareReply struct {
	OldInstance bool
	Accept      bool
	NA          ProposalNumber
	VA          []byte
	NH          ProposalNumber
}

type AcceptArgs struct {
	Instance uint64
	N        ProposalNumber
	V        []byte
}

type AcceptReply struct {
	Accepted bool
}

type DecideArgs struct {
	Instance uint64
	V        []byte
}

type DecideReply struct {
	OK bool
}

type LearnArgs struct {
	Instance uint64
}

type LearnReply struct {
	Decided bool
	V       []byte
}
