package stable

import (
	"math"
	"testing"
)

func TestSeqRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 1<<31 - 1, 1 << 31, 1<<32 - 1, 1 << 32, 1<<32 + 5, 3<<32 | 0x80000001, math.MaxUint64 - 10}
	for _, v := range values {
		for _, d := range []int64{0, 1, -1, 1000, -1000, 1<<31 - 1, -(1<<31 - 1)} {
			base := uint64(int64(v) - d)
			if d > 0 && base > v || d < 0 && base < v {
				continue // base would wrap the 64-bit space
			}
			if got := DecodeSeq(EncodeSeq(v), base); got != v {
				t.Fatalf("DecodeSeq(EncodeSeq(%#x), %#x) = %#x, want %#x", v, base, got, v)
			}
		}
	}
}

func TestSeqCrossesWrap(t *testing.T) {
	base := uint64(1<<32 - 3)
	next := base + 5
	if got := DecodeSeq(EncodeSeq(next), base); got != next {
		t.Fatalf("forward wrap: got %#x, want %#x", got, next)
	}
	base = 1<<32 + 2
	prev := base - 4
	if got := DecodeSeq(EncodeSeq(prev), base); got != prev {
		t.Fatalf("backward wrap: got %#x, want %#x", got, prev)
	}
}

func appendRange(s *Storage, sender int, from, to uint64) {
	for seq := from; seq <= to; seq++ {
		s.Append(&StoredMessage{Sender: sender, Seq: seq, Payload: []byte{byte(seq)}})
	}
}

func TestCleanOnlyAfterEveryLiveRow(t *testing.T) {
	s := New(0, 3, 4)
	appendRange(s, 1, 1, 5)

	if n, _ := s.MergeRow(1, []uint64{0, 5, 0}); n != 0 {
		t.Fatalf("pruned %d before rank 2 reported, want 0", n)
	}
	if got := s.Retained(1); got != 5 {
		t.Fatalf("Retained = %d, want 5", got)
	}
	n, err := s.MergeRow(2, []uint64{0, 3, 0})
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("pruned %d, want 3", n)
	}
	for _, m := range s.Retransmit(1, 1, 5) {
		if m.Seq <= 3 {
			t.Fatalf("seq %d retained after every live row passed it", m.Seq)
		}
	}

	// Rank 2 fails: its row no longer holds back cleanup.
	s.Fail(2)
	if n := s.Clean(); n != 2 {
		t.Fatalf("pruned %d after failure, want 2", n)
	}
	if got := s.Retained(1); got != 0 {
		t.Fatalf("Retained = %d, want 0", got)
	}
}

func TestGapsTargetHighestLiveHolder(t *testing.T) {
	s := New(0, 4, 100)
	appendRange(s, 3, 1, 2)
	s.MergeRow(1, []uint64{0, 0, 0, 6})
	s.MergeRow(2, []uint64{0, 0, 0, 9})
	s.Fail(3)
	s.Fail(2)

	reqs := s.Gaps()
	if len(reqs) != 1 {
		t.Fatalf("Gaps = %v, want one request", reqs)
	}
	want := Request{Holder: 1, Origin: 3, From: 3, To: 6}
	if reqs[0] != want {
		t.Fatalf("Gaps[0] = %+v, want %+v", reqs[0], want)
	}
}

func TestRetransmitSkipsCleaned(t *testing.T) {
	s := New(1, 2, 100)
	appendRange(s, 0, 1, 4)
	s.MergeRow(0, []uint64{2, 0})
	got := s.Retransmit(0, 1, 4)
	if len(got) != 2 || got[0].Seq != 3 || got[1].Seq != 4 {
		t.Fatalf("Retransmit returned %d messages, want seq 3 and 4", len(got))
	}
	if got := s.Retransmit(5, 1, 4); got != nil {
		t.Fatalf("Retransmit for unknown origin = %v, want nil", got)
	}
}

func TestGossipDue(t *testing.T) {
	s := New(0, 2, 3)
	appendRange(s, 1, 1, 2)
	if s.GossipDue() {
		t.Fatal("gossip due after 2 of 3 deliveries")
	}
	appendRange(s, 1, 3, 3)
	if !s.GossipDue() {
		t.Fatal("gossip not due after 3 deliveries")
	}
	s.GossipSent()
	if s.GossipDue() {
		t.Fatal("gossip still due after GossipSent")
	}
}
