// Package flush drives the view-change round that gives virtual synchrony:
// every member that survives into the next view delivers exactly the same
// casts of the current view before any member installs the next one.
//
// The leader sends BLOCK, collects one Report per live member, computes how
// many casts each origin may still have in flight, sends those Targets, and
// releases the next view once every live member answered SYNCHED. Members
// hold incoming casts between their report and the targets so nothing past
// the targets is ever delivered.
package flush

import (
	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
)

type Phase int

const (
	Normal Phase = iota
	Blocking
	Syncing
)

func (p Phase) String() string {
	switch p {
	case Normal:
		return "normal"
	case Blocking:
		return "blocking"
	case Syncing:
		return "syncing"
	}
	return "unknown"
}

// Report is a member's BLOCKED answer.
type Report struct {
	Rank int
	// Casts is the number of casts the member sent in the view.
	Casts uint64
	// Sends[d] is the number of point-to-point messages sent to rank d.
	Sends []uint64
	// Delivered[o] is the highest cast of origin o the member delivered.
	Delivered []uint64
}

// Targets tells one member what it must have delivered before it is synced.
type Targets struct {
	// Casts[o] is the number of casts of origin o every survivor delivers.
	Casts []uint64
	// Holders[o] is a live rank that delivered Casts[o] casts of o.
	Holders []int
	// Sends[s] is the number of point-to-point messages rank s sent to this
	// member. Failed senders are exempt.
	Sends []uint64
}

// Missing is a range of origin's casts the member lacks, retrievable from
// Holder.
type Missing struct {
	Holder int
	Origin int
	From   uint64
	To     uint64
}

// Flush is the flush state of one process in one view. It plays the member
// role always and the leader role when it started the current round.
type Flush struct {
	me     int
	n      int
	failed []bool

	phase  Phase
	round  uint64
	leader int
	next   *membership.View

	reports map[int]Report
	synched map[int]bool
	targets *Targets
}

func New(me, n int) *Flush {
	return &Flush{me: me, n: n, failed: make([]bool, n), leader: -1}
}

func (f *Flush) Phase() Phase { return f.phase }

func (f *Flush) Round() uint64 { return f.round }

func (f *Flush) Leader() int { return f.leader }

func (f *Flush) Leading() bool { return f.phase != Normal && f.leader == f.me }

func (f *Flush) Next() *membership.View { return f.next }

func (f *Flush) Targets() *Targets { return f.targets }

// Fail marks rank failed so that the leader stops waiting for it.
func (f *Flush) Fail(rank int) {
	f.failed[rank] = true
}

func (f *Flush) live() []int {
	var live []int
	for r, failed := range f.failed {
		if !failed {
			live = append(live, r)
		}
	}
	return live
}

// Start opens a new round led by this process towards next and returns the
// live ranks, other than the leader, that must receive BLOCK.
func (f *Flush) Start(next *membership.View) []int {
	f.round++
	f.phase = Blocking
	f.leader = f.me
	f.next = next
	f.reports = make(map[int]Report)
	f.synched = make(map[int]bool)
	f.targets = nil
	var others []int
	for _, r := range f.live() {
		if r != f.me {
			others = append(others, r)
		}
	}
	return others
}

// Block handles a BLOCK from leader. It returns false when the round is
// stale. A live leader taking over from a failed one is followed whatever
// its round.
func (f *Flush) Block(leader int, round uint64, next *membership.View) bool {
	if f.failed[leader] {
		return false
	}
	takeover := f.phase != Normal && leader != f.leader && f.leader >= 0 && f.failed[f.leader]
	switch {
	case round == f.round && leader == f.leader && f.phase != Normal:
		return true
	case round > f.round, takeover:
	default:
		return false
	}
	f.round = round
	f.phase = Blocking
	f.leader = leader
	f.next = next
	f.reports = nil
	f.synched = nil
	f.targets = nil
	return true
}

// Reported handles a BLOCKED at the leader. Once every live member reported
// it returns the targets for each of them.
func (f *Flush) Reported(r Report, round uint64) (map[int]Targets, bool) {
	if !f.Leading() || f.phase != Blocking || round != f.round || f.failed[r.Rank] {
		return nil, false
	}
	f.reports[r.Rank] = r
	return f.trySync()
}

func (f *Flush) trySync() (map[int]Targets, bool) {
	live := f.live()
	for _, r := range live {
		if _, ok := f.reports[r]; !ok {
			return nil, false
		}
	}
	casts := make([]uint64, f.n)
	holders := make([]int, f.n)
	for o := range casts {
		holders[o] = -1
		for _, r := range live {
			rep := f.reports[r]
			if o < len(rep.Delivered) && (holders[o] < 0 || rep.Delivered[o] > casts[o]) {
				casts[o], holders[o] = rep.Delivered[o], r
			}
		}
		if rep, ok := f.reports[o]; ok && !f.failed[o] && rep.Casts > casts[o] {
			casts[o], holders[o] = rep.Casts, o
		}
	}
	out := make(map[int]Targets, len(live))
	for _, m := range live {
		sends := make([]uint64, f.n)
		for _, s := range live {
			if rep := f.reports[s]; m < len(rep.Sends) {
				sends[s] = rep.Sends[m]
			}
		}
		out[m] = Targets{Casts: casts, Holders: holders, Sends: sends}
	}
	f.phase = Syncing
	return out, true
}

// Sync handles the SYNC from the leader.
func (f *Flush) Sync(leader int, round uint64, t Targets) bool {
	if round != f.round || leader != f.leader || f.phase == Normal {
		return false
	}
	f.phase = Syncing
	f.targets = &t
	return true
}

// Synced reports whether the member reached its targets. delivered[o] is
// the highest cast of o delivered and received[s] the point-to-point count
// from s.
func (f *Flush) Synced(delivered, received []uint64) bool {
	if f.targets == nil {
		return false
	}
	for o, want := range f.targets.Casts {
		if delivered[o] < want {
			return false
		}
	}
	for s, want := range f.targets.Sends {
		if !f.failed[s] && received[s] < want {
			return false
		}
	}
	return true
}

// Missing lists the cast ranges the member still lacks and who holds them.
func (f *Flush) Missing(delivered []uint64) []Missing {
	if f.targets == nil {
		return nil
	}
	var out []Missing
	for o, want := range f.targets.Casts {
		h := f.targets.Holders[o]
		if delivered[o] < want && h >= 0 && h != f.me && !f.failed[h] {
			out = append(out, Missing{Holder: h, Origin: o, From: delivered[o] + 1, To: want})
		}
	}
	return out
}

// Allows reports whether a cast of origin with sequence seq may be delivered
// under the current targets.
func (f *Flush) Allows(origin int, seq uint64) bool {
	return f.targets == nil || seq <= f.targets.Casts[origin]
}

// Synched handles a SYNCHED at the leader and returns the next view once
// every live member is synced.
func (f *Flush) Synched(rank int, round uint64) (*membership.View, bool) {
	if !f.Leading() || f.phase != Syncing || round != f.round {
		return nil, false
	}
	f.synched[rank] = true
	return f.tryRelease()
}

func (f *Flush) tryRelease() (*membership.View, bool) {
	for _, r := range f.live() {
		if !f.synched[r] {
			return nil, false
		}
	}
	return f.next, true
}
