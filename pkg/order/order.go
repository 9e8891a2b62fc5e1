// Package order implements sequencer-based total order with optimistic and
// uniform delivery.
//
// Every member hands each reliably delivered cast to the Orderer right after
// delivering it optimistically. The sequencer stamps casts with consecutive
// order numbers; members learn the stamps from the sequencer's casts. A
// member's contiguous ordered prefix is its entry in the uniformity vector,
// and a cast becomes uniform once a majority of the view reports an entry at
// or past its order number.
package order

import (
	"slices"
	"sort"

	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
)

// MsgID identifies a cast inside one view.
type MsgID struct {
	Sender int
	Seq    uint64
}

func (id MsgID) Less(o MsgID) bool {
	if id.Sender != o.Sender {
		return id.Sender < o.Sender
	}
	return id.Seq < o.Seq
}

// Assignment binds a cast to its global order number.
type Assignment struct {
	ID    MsgID
	Order uint64
}

// Delivery is a uniform delivery handed to the application.
type Delivery struct {
	ID      MsgID
	Order   uint64
	Payload []byte
}

// Majority is the number of ranks that must acknowledge an order number in a
// view of n members.
func Majority(n int) int {
	return n/2 + 1
}

type Orderer struct {
	me        int
	sequencer int
	n         int

	frozen  bool
	next    uint64
	pending []Assignment

	byID    map[MsgID]uint64
	byOrder map[uint64]MsgID
	msgs    map[MsgID][]byte

	ordered  uint64
	uniform  uint64
	seen     []uint64
	reported uint64
}

// New creates the orderer of one view. Order numbers in the view start after
// base. seen is the initial uniformity vector; nil means all zero.
func New(me, sequencer, n int, base uint64, seen []uint64) *Orderer {
	if seen == nil {
		seen = make([]uint64, n)
	}
	return &Orderer{
		me:        me,
		sequencer: sequencer,
		n:         n,
		next:      base,
		byID:      make(map[MsgID]uint64),
		byOrder:   make(map[uint64]MsgID),
		msgs:      make(map[MsgID][]byte),
		ordered:   base,
		uniform:   base,
		seen:      slices.Clone(seen),
		reported:  base,
	}
}

func (o *Orderer) IsSequencer() bool { return o.me == o.sequencer }

// Regular records a cast that was just delivered optimistically. At the
// sequencer it also draws the next order number, unless ordering is frozen
// for a view change.
func (o *Orderer) Regular(id MsgID, payload []byte) {
	if _, dup := o.msgs[id]; dup {
		return
	}
	if ord, ok := o.byID[id]; ok && ord <= o.ordered {
		return
	}
	o.msgs[id] = payload
	if o.IsSequencer() && !o.frozen {
		if _, ok := o.byID[id]; !ok {
			o.next++
			a := Assignment{ID: id, Order: o.next}
			o.record(a)
			o.pending = append(o.pending, a)
		}
	}
	o.advance()
}

// Assign records assignments carried by a sequencer cast.
func (o *Orderer) Assign(as []Assignment) {
	for _, a := range as {
		o.record(a)
	}
	o.advance()
}

func (o *Orderer) record(a Assignment) {
	if _, ok := o.byOrder[a.Order]; ok {
		return
	}
	o.byOrder[a.Order] = a.ID
	o.byID[a.ID] = a.Order
}

func (o *Orderer) advance() {
	for {
		id, ok := o.byOrder[o.ordered+1]
		if !ok {
			break
		}
		if _, have := o.msgs[id]; !have {
			break
		}
		o.ordered++
	}
	if o.ordered > o.seen[o.me] {
		o.seen[o.me] = o.ordered
	}
}

// TakePending returns and clears the assignments the sequencer has not sent
// yet.
func (o *Orderer) TakePending() []Assignment {
	p := o.pending
	o.pending = nil
	return p
}

func (o *Orderer) HasPending() bool { return len(o.pending) > 0 }

// Freeze stops the sequencer from drawing order numbers. Casts delivered
// afterwards are ordered when the view closes.
func (o *Orderer) Freeze() { o.frozen = true }

// Merge folds a remote uniformity vector into the local one by pointwise
// maximum.
func (o *Orderer) Merge(vec []uint64) {
	if len(vec) != len(o.seen) {
		return
	}
	for r, v := range vec {
		if v > o.seen[r] {
			o.seen[r] = v
		}
	}
}

// Seen returns a copy of the uniformity vector.
func (o *Orderer) Seen() []uint64 { return slices.Clone(o.seen) }

func (o *Orderer) Ordered() uint64 { return o.ordered }

func (o *Orderer) Uniform() uint64 { return o.uniform }

// InfoDue reports whether the local entry grew since it was last reported.
func (o *Orderer) InfoDue() bool { return o.seen[o.me] > o.reported }

func (o *Orderer) InfoSent() { o.reported = o.seen[o.me] }

func (o *Orderer) acks(ord uint64) int {
	count := 0
	for _, v := range o.seen {
		if v >= ord {
			count++
		}
	}
	return count
}

// Drain returns, in order, the casts that became uniform.
func (o *Orderer) Drain() []Delivery {
	var out []Delivery
	quorum := Majority(o.n)
	for o.uniform < o.ordered && o.acks(o.uniform+1) >= quorum {
		o.uniform++
		out = append(out, o.take(o.uniform))
	}
	return out
}

func (o *Orderer) take(ord uint64) Delivery {
	id := o.byOrder[ord]
	d := Delivery{ID: id, Order: ord, Payload: o.msgs[id]}
	delete(o.msgs, id)
	return d
}

// Close ends the view. Every member that survived the flush holds the same
// casts and the same assignments, so the tail computed here is identical at
// all of them: first the assigned casts in order-number order (assignments
// whose cast no survivor delivered are skipped), then the unassigned casts
// sorted by sender rank and sequence. It returns the tail and the last order
// number used.
func (o *Orderer) Close() ([]Delivery, uint64) {
	var tail []Delivery
	for o.uniform < o.ordered {
		o.uniform++
		tail = append(tail, o.take(o.uniform))
	}

	last := o.ordered
	var assigned []uint64
	for ord, id := range o.byOrder {
		if ord <= o.ordered {
			continue
		}
		if _, ok := o.msgs[id]; ok {
			assigned = append(assigned, ord)
		}
	}
	slices.Sort(assigned)
	for _, ord := range assigned {
		id := o.byOrder[ord]
		last++
		tail = append(tail, Delivery{ID: id, Order: last, Payload: o.msgs[id]})
		delete(o.msgs, id)
	}

	rest := make([]MsgID, 0, len(o.msgs))
	for id := range o.msgs {
		rest = append(rest, id)
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].Less(rest[j]) })
	for _, id := range rest {
		last++
		tail = append(tail, Delivery{ID: id, Order: last, Payload: o.msgs[id]})
		delete(o.msgs, id)
	}
	o.ordered, o.uniform = last, last
	return tail, last
}

// Remap carries a uniformity vector from old ranks to the ranks of next.
// Members that left are dropped, joiners start at zero.
func Remap(old, next *membership.View, vec []uint64) []uint64 {
	out := make([]uint64, next.Size())
	for r, m := range next.Members {
		if or := old.Rank(m); or >= 0 && or < len(vec) {
			out[r] = vec[or]
		}
	}
	return out
}

// Continues reports whether next keeps the order epoch of old: it does when
// next has no joiners.
func Continues(old, next *membership.View) bool {
	for _, m := range next.Members {
		if !old.Contains(m) {
			return false
		}
	}
	return true
}
