// Package merge agrees on one next view when coordinators of several views,
// for instance the two sides of a healed partition, discover each other.
//
// Each coordinator keeps a candidate list of (ViewID, address) pairs sorted
// the same way everywhere, proposes it to the other candidates, and decides
// once the list is stable, the WAIT period elapsed and every candidate's
// view is known. The merge completes when every candidate decided on the
// same list and round; the merged view is the address-deduplicated union of
// the candidate views. TERMINATE bounds the whole exchange and any invalid
// proposal aborts it everywhere.
package merge

import (
	"errors"
	"fmt"
	"slices"

	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
)

var (
	ErrPredecessor   = errors.New("merge: candidate is a predecessor of the current view")
	ErrDuplicateAddr = errors.New("merge: two candidates share an address")
	ErrInterrupted   = errors.New("merge: interrupted by a membership change")
)

type Candidate struct {
	ID   membership.ViewID
	Addr string
}

// Less is the candidate order every participant uses: descending logical
// time, then ascending creator.
func (c Candidate) Less(o Candidate) bool {
	if c.ID.LTime != o.ID.LTime {
		return c.ID.LTime > o.ID.LTime
	}
	return c.ID.Creator.Compare(o.ID.Creator) < 0
}

type Kind uint8

const (
	Propose Kind = iota + 1
	Decide
	Abort
)

func (k Kind) String() string {
	switch k {
	case Propose:
		return "PROPOSE"
	case Decide:
		return "DECIDE"
	case Abort:
		return "ABORT"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

type Message struct {
	Kind       Kind
	From       membership.ViewID
	Round      uint64
	Candidates []Candidate
	// State is the sender's current view (PROPOSE and DECIDE).
	State *membership.View
}

type Outbound struct {
	Addr string
	Msg  Message
}

// Output is what the caller must do after a transition.
type Output struct {
	Send []Outbound
	// Arm asks for the WAIT and TERMINATE timers of Epoch.
	Arm   bool
	Epoch uint64
	// Done carries the merged view when the merge completed.
	Done *membership.View
	// Aborted is set when the merge was abandoned; Err says why when the
	// abort was local.
	Aborted bool
	Err     error
}

type Coordinator struct {
	group   string
	self    Candidate
	current *membership.View

	active  bool
	epoch   uint64
	round   uint64
	waited  bool
	decided bool

	cands     []Candidate
	proposed  map[membership.ViewID]bool
	decisions map[membership.ViewID]bool
	states    map[membership.ViewID]*membership.View
}

// New creates the coordinator for current, reachable at addr.
func New(current *membership.View, addr string) *Coordinator {
	return &Coordinator{
		group:   current.Group,
		self:    Candidate{ID: current.ID, Addr: addr},
		current: current,
	}
}

func (c *Coordinator) Active() bool { return c.active }

func (c *Coordinator) Epoch() uint64 { return c.epoch }

func (c *Coordinator) Round() uint64 { return c.round }

func (c *Coordinator) Candidates() []Candidate { return slices.Clone(c.cands) }

// Reset drops any merge in progress, for instance because a view was
// installed. Timers of the old epoch become stale.
func (c *Coordinator) Reset(current *membership.View, addr string) {
	c.current = current
	c.group = current.Group
	c.self = Candidate{ID: current.ID, Addr: addr}
	c.clear()
}

func (c *Coordinator) clear() {
	c.active = false
	c.round = 0
	c.waited = false
	c.decided = false
	c.cands = nil
	c.proposed = nil
	c.decisions = nil
	c.states = nil
}

func (c *Coordinator) begin(out *Output) {
	c.active = true
	c.epoch++
	c.round = 1
	c.waited = false
	c.decided = false
	c.cands = []Candidate{c.self}
	c.proposed = make(map[membership.ViewID]bool)
	c.decisions = make(map[membership.ViewID]bool)
	c.states = map[membership.ViewID]*membership.View{c.self.ID: c.current}
	out.Arm = true
	out.Epoch = c.epoch
}

// Discover handles a concurrent-candidate notification: another coordinator
// of view id is reachable at addr.
func (c *Coordinator) Discover(id membership.ViewID, addr string) Output {
	var out Output
	cand := Candidate{ID: id, Addr: addr}
	// A predecessor is only announced by a process that has not caught up
	// yet; it is ignored here, while inside a PROPOSE it aborts the round.
	if id == c.self.ID || c.current.Supersedes(id) {
		return out
	}
	switch {
	case !c.active:
		c.begin(&out)
		c.union([]Candidate{cand})
		c.restart(&out)
	case c.union([]Candidate{cand}):
		c.round++
		c.restart(&out)
	}
	return out
}

func (c *Coordinator) index(id membership.ViewID) int {
	return slices.IndexFunc(c.cands, func(x Candidate) bool { return x.ID == id })
}

// union adds unknown candidates and reports whether the list grew.
func (c *Coordinator) union(cs []Candidate) bool {
	grew := false
	for _, x := range cs {
		if c.index(x.ID) < 0 {
			c.cands = append(c.cands, x)
			grew = true
		}
	}
	if grew {
		slices.SortFunc(c.cands, func(a, b Candidate) int {
			switch {
			case a.Less(b):
				return -1
			case b.Less(a):
				return 1
			}
			return 0
		})
	}
	return grew
}

func (c *Coordinator) sameList(cs []Candidate) bool {
	return slices.Equal(c.cands, cs)
}

func (c *Coordinator) validate() error {
	addrs := make(map[string]membership.ViewID, len(c.cands))
	for _, x := range c.cands {
		if c.current.Supersedes(x.ID) {
			return fmt.Errorf("%w: %s", ErrPredecessor, x.ID)
		}
		if other, ok := addrs[x.Addr]; ok {
			return fmt.Errorf("%w: %s by %s and %s", ErrDuplicateAddr, x.Addr, other, x.ID)
		}
		addrs[x.Addr] = x.ID
	}
	return nil
}

// restart validates the list after it changed, forgets acknowledgements of
// older rounds and proposes the list again.
func (c *Coordinator) restart(out *Output) {
	if err := c.validate(); err != nil {
		c.abort(out, err)
		return
	}
	c.proposed = make(map[membership.ViewID]bool)
	c.decisions = make(map[membership.ViewID]bool)
	c.decided = false
	c.broadcast(out, Propose, c.current)
}

func (c *Coordinator) broadcast(out *Output, kind Kind, state *membership.View) {
	for _, x := range c.cands {
		if x.ID == c.self.ID {
			continue
		}
		out.Send = append(out.Send, Outbound{Addr: x.Addr, Msg: Message{
			Kind:       kind,
			From:       c.self.ID,
			Round:      c.round,
			Candidates: slices.Clone(c.cands),
			State:      state,
		}})
	}
}

func (c *Coordinator) abort(out *Output, err error) {
	for _, x := range c.cands {
		if x.ID == c.self.ID {
			continue
		}
		out.Send = append(out.Send, Outbound{Addr: x.Addr, Msg: Message{Kind: Abort, From: c.self.ID}})
	}
	out.Aborted = true
	out.Err = err
	c.clear()
}

// Abort abandons the merge in progress.
func (c *Coordinator) Abort() Output {
	var out Output
	if c.active {
		c.abort(&out, ErrInterrupted)
	}
	return out
}

// Handle processes a PROPOSE, DECIDE or ABORT from another coordinator.
func (c *Coordinator) Handle(m Message) Output {
	var out Output
	switch m.Kind {
	case Propose:
		c.onPropose(m, &out)
	case Decide:
		c.onDecide(m, &out)
	case Abort:
		if c.active && c.index(m.From) >= 0 {
			c.abort(&out, nil)
		}
	}
	return out
}

func (c *Coordinator) onPropose(m Message, out *Output) {
	if m.From == c.self.ID || c.current.Supersedes(m.From) {
		return
	}
	if !c.active {
		c.begin(out)
	}
	if m.State != nil {
		c.states[m.From] = m.State
	}
	if c.sameList(m.Candidates) && m.Round == c.round {
		c.proposed[m.From] = true
		c.tryDecide(out)
		return
	}
	switch {
	case c.union(m.Candidates):
		c.round = max(m.Round, c.round) + 1
		c.restart(out)
	case c.sameList(m.Candidates) && m.Round > c.round:
		c.round = m.Round
		c.restart(out)
		if c.active {
			c.proposed[m.From] = true
			c.tryDecide(out)
		}
	}
}

func (c *Coordinator) onDecide(m Message, out *Output) {
	if !c.active || m.Round < c.round {
		return
	}
	if !c.sameList(m.Candidates) || m.Round != c.round {
		c.onPropose(Message{Kind: Propose, From: m.From, Round: m.Round, Candidates: m.Candidates, State: m.State}, out)
		return
	}
	if m.State != nil {
		c.states[m.From] = m.State
	}
	c.proposed[m.From] = true
	c.decisions[m.From] = true
	c.tryDecide(out)
	c.tryComplete(out)
}

// Wait handles expiry of the WAIT timer of epoch.
func (c *Coordinator) Wait(epoch uint64) Output {
	var out Output
	if !c.active || epoch != c.epoch {
		return out
	}
	c.waited = true
	c.tryDecide(&out)
	return out
}

// Terminate handles expiry of the TERMINATE timer of epoch.
func (c *Coordinator) Terminate(epoch uint64) Output {
	var out Output
	if !c.active || epoch != c.epoch {
		return out
	}
	c.abort(&out, fmt.Errorf("merge: round %d did not finish", c.round))
	return out
}

func (c *Coordinator) tryDecide(out *Output) {
	if !c.active || c.decided || !c.waited || len(c.cands) < 2 {
		return
	}
	for _, x := range c.cands {
		if x.ID == c.self.ID {
			continue
		}
		if !c.proposed[x.ID] || c.states[x.ID] == nil {
			return
		}
	}
	c.decided = true
	c.decisions[c.self.ID] = true
	c.broadcast(out, Decide, c.current)
	c.tryComplete(out)
}

func (c *Coordinator) tryComplete(out *Output) {
	if !c.active || !c.decided {
		return
	}
	for _, x := range c.cands {
		if !c.decisions[x.ID] {
			return
		}
	}
	parts := make([]*membership.View, len(c.cands))
	for i, x := range c.cands {
		parts[i] = c.states[x.ID]
	}
	merged, err := membership.Merge(c.group, parts)
	if err != nil {
		c.abort(out, err)
		return
	}
	out.Done = merged
	c.clear()
}
