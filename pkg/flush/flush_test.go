package flush

import (
	"slices"
	"testing"

	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
)

func nextView() *membership.View {
	return &membership.View{
		Group:   "g",
		ID:      membership.ViewID{LTime: 2, Creator: "a"},
		Members: []membership.Endpoint{"a", "c"},
		Addrs:   []string{"a:1", "c:1"},
	}
}

// Rank 1 failed: the leader flushes {0, 2} and computes targets without it.
func TestRoundExcludesFailedRank(t *testing.T) {
	leader, member := New(0, 3), New(2, 3)
	leader.Fail(1)
	member.Fail(1)

	blocked := leader.Start(nextView())
	if !slices.Equal(blocked, []int{2}) {
		t.Fatalf("BLOCK sent to %v, want [2]", blocked)
	}
	if !member.Block(0, leader.Round(), leader.Next()) {
		t.Fatal("member rejected BLOCK")
	}

	if _, done := leader.Reported(Report{Rank: 0, Casts: 4, Sends: []uint64{0, 0, 2}, Delivered: []uint64{4, 7, 3}}, 1); done {
		t.Fatal("targets computed before rank 2 reported")
	}
	targets, done := leader.Reported(Report{Rank: 2, Casts: 5, Sends: []uint64{1, 0, 0}, Delivered: []uint64{2, 9, 5}}, 1)
	if !done {
		t.Fatal("targets not computed after every live rank reported")
	}
	if _, ok := targets[1]; ok {
		t.Fatal("failed rank received targets")
	}
	tm := targets[2]
	if !slices.Equal(tm.Casts, []uint64{4, 9, 5}) {
		t.Fatalf("cast targets = %v, want [4 9 5]", tm.Casts)
	}
	if tm.Holders[1] != 2 || tm.Holders[0] != 0 {
		t.Fatalf("holders = %v, want origin 0 held by 0, origin 1 by 2", tm.Holders)
	}
	if tm.Sends[0] != 2 {
		t.Fatalf("send target from 0 = %d, want 2", tm.Sends[0])
	}

	if !member.Sync(0, 1, tm) {
		t.Fatal("member rejected SYNC")
	}
	if member.Synced([]uint64{2, 9, 5}, []uint64{2, 0, 0}) {
		t.Fatal("member synced while missing casts of origin 0")
	}
	miss := member.Missing([]uint64{2, 9, 5})
	want := []Missing{{Holder: 0, Origin: 0, From: 3, To: 4}}
	if !slices.Equal(miss, want) {
		t.Fatalf("Missing = %v, want %v", miss, want)
	}
	if !member.Allows(0, 4) || member.Allows(0, 5) {
		t.Fatal("Allows should admit origin 0 up to 4 only")
	}
	if !member.Synced([]uint64{4, 9, 5}, []uint64{2, 0, 0}) {
		t.Fatal("member not synced at targets")
	}

	leader.Sync(0, 1, targets[0])
	if _, ok := leader.Synched(2, 1); ok {
		t.Fatal("view released before the leader synced itself")
	}
	v, ok := leader.Synched(0, 1)
	if !ok || v.ID != nextView().ID {
		t.Fatalf("Synched = %v, %v; want next view", v, ok)
	}
}

func TestStaleRoundsAreIgnored(t *testing.T) {
	m := New(1, 2)
	if !m.Block(0, 3, nextView()) {
		t.Fatal("first BLOCK rejected")
	}
	if m.Block(0, 2, nextView()) {
		t.Fatal("older round accepted")
	}
	if m.Sync(0, 2, Targets{}) {
		t.Fatal("SYNC of an older round accepted")
	}
	if !m.Block(0, 3, nextView()) {
		t.Fatal("duplicate BLOCK of the current round rejected")
	}
	l := New(0, 2)
	l.Start(nextView())
	if _, ok := l.Reported(Report{Rank: 1, Delivered: []uint64{0, 0}}, 7); ok {
		t.Fatal("report of another round accepted")
	}
}

func TestTakeoverUsesHigherRound(t *testing.T) {
	m := New(2, 3)
	m.Block(0, 1, nextView())
	m.Fail(0)
	l := New(1, 3)
	l.Block(0, 1, nextView())
	l.Fail(0)
	l.Start(nextView())
	if l.Round() != 2 {
		t.Fatalf("takeover round = %d, want 2", l.Round())
	}
	if !m.Block(1, l.Round(), l.Next()) || m.Leader() != 1 {
		t.Fatal("member did not follow the new leader")
	}
}

func TestTakeoverWithLowerRound(t *testing.T) {
	m := New(2, 3)
	m.Block(0, 5, nextView())
	if m.Block(1, 1, nextView()) {
		t.Fatal("BLOCK of a lower round accepted while the leader is live")
	}
	m.Fail(0)
	if !m.Block(1, 1, nextView()) {
		t.Fatal("takeover BLOCK rejected after the leader failed")
	}
	if m.Round() != 1 || m.Leader() != 1 {
		t.Fatalf("round=%d leader=%d, want 1 and 1", m.Round(), m.Leader())
	}
	if m.Block(0, 9, nextView()) {
		t.Fatal("BLOCK from a failed leader accepted")
	}
}
