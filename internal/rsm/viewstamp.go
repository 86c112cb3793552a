package rsm

import "fmt"

// Viewstamp orders replicated operations: by view first, then by sequence
// number within the view.
type Viewstamp struct {
	Vid   uint64
	Seqno uint64
}

func (v Viewstamp) Less(o Viewstamp) bool {
	if v.Vid != o.Vid {
		return v.Vid < o.Vid
	}
	return v.Seqno < o.Seqno
}

// Next is the only stamp a replica at v may apply.
func (v Viewstamp) Next() Viewstamp {
	return Viewstamp{Vid: v.Vid, Seqno: v.Seqno + 1}
}

func (v Viewstamp) String() string {
	return fmt.Sprintf("(%d,%d)", v.Vid, v.Seqno)
}
