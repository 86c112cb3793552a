// =============================================================================
// PROPOSAL NUMBERS - Total order over competing proposals
// =============================================================================
//
// A proposal number is (Round, ProposerID). Rounds are compared first, the
// proposer address breaks ties:
//
//   (1, "a:1") < (1, "b:1") < (2, "a:1") < (3, "a:1")
//
// Two proposers can never mint the same number because the address is part
// of it. The zero value sorts below every real number and stands for
// "nothing promised" / "nothing accepted".
//
// =============================================================================

package paxos

import (
	"fmt"
	"log"
)

// Debug turns on per-message protocol tracing.
const Debug = false

func DPrintf(format string, a ...any) {
	if Debug {
		log.Printf(format, a...)
	}
}

type ProposalNumber struct {
	Round      uint64
	ProposerID string
}

func (p ProposalNumber) LessThan(o ProposalNumber) bool {
	if p.Round != o.Round {
		return p.Round < o.Round
	}
	return p.ProposerID < o.ProposerID
}

func (p ProposalNumber) GreaterThan(o ProposalNumber) bool { return o.LessThan(p) }

func (p ProposalNumber) Equal(o ProposalNumber) bool {
	return p.Round == o.Round && p.ProposerID == o.ProposerID
}

// AtLeast reports p >= o.
func (p ProposalNumber) AtLeast(o ProposalNumber) bool { return !p.LessThan(o) }

func (p ProposalNumber) IsZero() bool { return p.Round == 0 && p.ProposerID == "" }

func (p ProposalNumber) String() string {
	return fmt.Sprintf("(%d, %s)", p.Round, p.ProposerID)
}

// majority is the quorum size for a fixed node list.
func majority(nodes []string) int { return len(nodes)/2 + 1 }
