package order

import (
	"slices"
	"testing"

	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
)

func orders(ds []Delivery) []uint64 {
	out := make([]uint64, len(ds))
	for i, d := range ds {
		out[i] = d.Order
	}
	return out
}

// A is the sequencer of {A,B,C}; m1 is broadcast by A.
func TestUniformAtMajority(t *testing.T) {
	a, b, c := New(0, 0, 3, 0, nil), New(1, 0, 3, 0, nil), New(2, 0, 3, 0, nil)
	m1 := MsgID{Sender: 0, Seq: 1}

	a.Regular(m1, []byte("m1"))
	b.Regular(m1, []byte("m1"))
	c.Regular(m1, []byte("m1"))
	if got := a.Drain(); len(got) != 0 {
		t.Fatalf("A uniform before any ack: %v", got)
	}

	as := a.TakePending()
	if len(as) != 1 || as[0].Order != 1 {
		t.Fatalf("pending = %v, want m1 at order 1", as)
	}
	b.Assign(as)
	c.Assign(as)
	if b.Ordered() != 1 || c.Ordered() != 1 {
		t.Fatalf("ordered B=%d C=%d, want 1", b.Ordered(), c.Ordered())
	}

	// B tells A, A tells C; C tells B.
	a.Merge(b.Seen())
	c.Merge(a.Seen())
	b.Merge(c.Seen())

	for name, o := range map[string]*Orderer{"A": a, "B": b, "C": c} {
		got := o.Drain()
		if len(got) != 1 || got[0].ID != m1 || string(got[0].Payload) != "m1" {
			t.Fatalf("%s uniform deliveries = %v, want m1", name, got)
		}
		if o.Uniform() != 1 {
			t.Fatalf("%s Uniform() = %d, want 1", name, o.Uniform())
		}
		if more := o.Drain(); len(more) != 0 {
			t.Fatalf("%s delivered m1 twice", name)
		}
	}
}

func TestOrderWaitsForCast(t *testing.T) {
	b := New(1, 0, 3, 0, nil)
	m1, m2 := MsgID{2, 1}, MsgID{2, 2}
	b.Assign([]Assignment{{m1, 1}, {m2, 2}})
	b.Regular(m2, nil)
	if b.Ordered() != 0 {
		t.Fatalf("ordered = %d before m1 arrived, want 0", b.Ordered())
	}
	b.Regular(m1, nil)
	if b.Ordered() != 2 {
		t.Fatalf("ordered = %d, want 2", b.Ordered())
	}
}

func TestFrozenSequencerDoesNotAssign(t *testing.T) {
	a := New(0, 0, 2, 0, nil)
	a.Freeze()
	a.Regular(MsgID{1, 1}, nil)
	if a.HasPending() {
		t.Fatal("frozen sequencer produced assignments")
	}
}

func TestCloseIsDeterministic(t *testing.T) {
	build := func(me int) *Orderer {
		o := New(me, 0, 3, 0, nil)
		o.Assign([]Assignment{{MsgID{1, 1}, 1}, {MsgID{0, 9}, 2}, {MsgID{2, 4}, 3}})
		return o
	}
	x, y := build(1), build(2)
	// Same set of casts, different arrival order.
	for _, id := range []MsgID{{2, 5}, {1, 1}, {2, 4}, {1, 2}} {
		x.Regular(id, nil)
	}
	for _, id := range []MsgID{{1, 2}, {2, 4}, {1, 1}, {2, 5}} {
		y.Regular(id, nil)
	}
	tx, lx := x.Close()
	ty, ly := y.Close()
	if lx != ly || lx != 4 {
		t.Fatalf("last order x=%d y=%d, want 4", lx, ly)
	}
	idsX := make([]MsgID, len(tx))
	idsY := make([]MsgID, len(ty))
	for i := range tx {
		idsX[i] = tx[i].ID
	}
	for i := range ty {
		idsY[i] = ty[i].ID
	}
	want := []MsgID{{1, 1}, {2, 4}, {1, 2}, {2, 5}}
	if !slices.Equal(idsX, want) || !slices.Equal(idsY, want) {
		t.Fatalf("tails x=%v y=%v, want %v", idsX, idsY, want)
	}
	if !slices.Equal(orders(tx), []uint64{1, 2, 3, 4}) {
		t.Fatalf("tail orders = %v, want 1..4", orders(tx))
	}
}

func TestRemapAndContinues(t *testing.T) {
	old := &membership.View{Members: []membership.Endpoint{"a", "b", "c"}, Addrs: []string{"1", "2", "3"}}
	next := &membership.View{Members: []membership.Endpoint{"a", "c"}, Addrs: []string{"1", "3"}}
	if got := Remap(old, next, []uint64{5, 6, 7}); !slices.Equal(got, []uint64{5, 7}) {
		t.Fatalf("Remap = %v, want [5 7]", got)
	}
	if !Continues(old, next) {
		t.Fatal("shrinking view should continue the order epoch")
	}
	joined := &membership.View{Members: []membership.Endpoint{"c", "d"}, Addrs: []string{"3", "4"}}
	if got := Remap(old, joined, []uint64{5, 6, 7}); !slices.Equal(got, []uint64{7, 0}) {
		t.Fatalf("Remap = %v, want [7 0]", got)
	}
	if Continues(old, joined) {
		t.Fatal("view with a joiner must start a new order epoch")
	}
}
