package membership

import "fmt"

// LocalState is one process's position in a view. It is rebuilt on every
// installed view; the only mutation allowed is marking ranks failed.
type LocalState struct {
	View   *View
	Rank   int
	Failed []bool
}

func NewLocalState(v *View, self Endpoint) (*LocalState, error) {
	r := v.Rank(self)
	if r < 0 {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotMember, self, v.ID)
	}
	return &LocalState{View: v, Rank: r, Failed: make([]bool, v.Size())}, nil
}

// Coordinator is the lowest rank not marked failed. With no failures it is
// rank 0.
func (ls *LocalState) Coordinator() int {
	for r, f := range ls.Failed {
		if !f {
			return r
		}
	}
	return -1
}

func (ls *LocalState) IsCoordinator() bool {
	return ls.Coordinator() == ls.Rank
}

// Fail marks rank as failed and reports whether it was live before.
func (ls *LocalState) Fail(rank int) bool {
	if rank < 0 || rank >= len(ls.Failed) || ls.Failed[rank] {
		return false
	}
	ls.Failed[rank] = true
	return true
}

func (ls *LocalState) IsFailed(rank int) bool {
	return ls.Failed[rank]
}

// Live returns the ranks not marked failed, in rank order.
func (ls *LocalState) Live() []int {
	live := make([]int, 0, len(ls.Failed))
	for r, f := range ls.Failed {
		if !f {
			live = append(live, r)
		}
	}
	return live
}

// Others returns the live ranks other than the local one.
func (ls *LocalState) Others() []int {
	others := make([]int, 0, len(ls.Failed))
	for r, f := range ls.Failed {
		if !f && r != ls.Rank {
			others = append(others, r)
		}
	}
	return others
}
