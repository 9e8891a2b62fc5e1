package stack

import (
	"errors"
	"slices"
	"testing"

	"github.com/ryandielhenn/zephyrgroup/pkg/flush"
	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/merge"
	"github.com/ryandielhenn/zephyrgroup/pkg/order"
	"github.com/ryandielhenn/zephyrgroup/pkg/wire"
)

var testID = membership.ViewID{LTime: 7, Creator: "a"}

func TestSyncKeepsMissingHolders(t *testing.T) {
	in := &syncMsg{
		viewHeader: viewHeader{View: testID, From: 2},
		Round:      3,
		Targets: flush.Targets{
			Casts:   []uint64{4, 0, 9},
			Holders: []int{0, -1, 2},
			Sends:   []uint64{1, 0, 0},
		},
	}
	m, err := decode(encode(in))
	if err != nil {
		t.Fatalf("decode() error = %v", err)
	}
	out, ok := m.(*syncMsg)
	if !ok {
		t.Fatalf("decode() = %T, want *syncMsg", m)
	}
	if out.View != testID || out.From != 2 || out.Round != 3 {
		t.Fatalf("header = %+v round %d, want %+v round 3", out.viewHeader, out.Round, in.viewHeader)
	}
	if !slices.Equal(out.Targets.Holders, in.Targets.Holders) {
		t.Fatalf("holders = %v, want %v", out.Targets.Holders, in.Targets.Holders)
	}
	if !slices.Equal(out.Targets.Casts, in.Targets.Casts) || !slices.Equal(out.Targets.Sends, in.Targets.Sends) {
		t.Fatalf("targets = %+v, want %+v", out.Targets, in.Targets)
	}
}

func TestMergeMessageCarriesState(t *testing.T) {
	state, err := membership.NewView("g", testID,
		[]membership.Endpoint{"a", "b"}, []string{"a:1", "b:1"},
		[]membership.ViewID{{LTime: 6, Creator: "a"}, {LTime: 5, Creator: "b"}})
	if err != nil {
		t.Fatalf("NewView() error = %v", err)
	}
	other := membership.ViewID{LTime: 3, Creator: "c"}
	in := &mergeMsg{merge.Message{
		Kind:       merge.Decide,
		From:       testID,
		Round:      2,
		Candidates: []merge.Candidate{{ID: testID, Addr: "a:1"}, {ID: other, Addr: "c:1"}},
		State:      state,
	}}
	m, err := decode(encode(in))
	if err != nil {
		t.Fatalf("decode() error = %v", err)
	}
	out := m.(*mergeMsg)
	if out.Kind != merge.Decide || out.From != testID || out.Round != 2 {
		t.Fatalf("decoded %v from %v round %d", out.Kind, out.From, out.Round)
	}
	if !slices.Equal(out.Candidates, in.Candidates) {
		t.Fatalf("candidates = %v, want %v", out.Candidates, in.Candidates)
	}
	if out.State == nil || out.State.ID != testID || !slices.Equal(out.State.Previous, state.Previous) {
		t.Fatalf("state = %v, want %v", out.State, state)
	}

	abort, err := decode(encode(&mergeMsg{merge.Message{Kind: merge.Abort, From: other}}))
	if err != nil {
		t.Fatalf("decode(ABORT) error = %v", err)
	}
	if am := abort.(*mergeMsg); am.State != nil || len(am.Candidates) != 0 {
		t.Fatalf("ABORT decoded with state %v and candidates %v", am.State, am.Candidates)
	}
}

func TestCastBodyAssignments(t *testing.T) {
	in := castBody{
		Assign: []order.Assignment{
			{ID: order.MsgID{Sender: 1, Seq: 4}, Order: 10},
			{ID: order.MsgID{Sender: 0, Seq: 2}, Order: 11},
		},
	}
	out, err := decodeBody(encodeBody(in))
	if err != nil {
		t.Fatalf("decodeBody() error = %v", err)
	}
	if out.HasPayload || !slices.Equal(out.Assign, in.Assign) {
		t.Fatalf("decodeBody() = %+v, want %+v", out, in)
	}
}

func TestDecodeRejectsTruncatedFrames(t *testing.T) {
	frame := encode(&blockedMsg{
		viewHeader: viewHeader{View: testID, From: 1},
		Round:      1,
		Casts:      2,
		Sends:      []uint64{0, 0},
		Delivered:  []uint64{2, 2},
	})
	for _, n := range []int{0, 1, len(frame) / 2, len(frame) - 1} {
		if _, err := decode(frame[:n]); err == nil {
			t.Fatalf("decode(frame[:%d]) succeeded, want error", n)
		}
	}
	if _, err := decode(encode(&requestMsg{viewHeader: viewHeader{View: testID}})); err != nil {
		t.Fatalf("decode(request) error = %v", err)
	}
	if _, err := decodeBody([]byte{0xff}); !errors.Is(err, wire.ErrTruncated) {
		t.Fatalf("decodeBody(garbage) error = %v, want %v", err, wire.ErrTruncated)
	}
}

func TestRetransmitRequestKeepsRequesterRank(t *testing.T) {
	in := &retransmitMsg{viewHeader: viewHeader{View: testID, From: 2}, Origin: 1, Lo: 40, Hi: 45}
	m, err := decode(encode(in))
	if err != nil {
		t.Fatalf("decode() error = %v", err)
	}
	out, ok := m.(*retransmitMsg)
	if !ok {
		t.Fatalf("decode() = %T, want *retransmitMsg", m)
	}
	if out.From != 2 || out.Origin != 1 || out.Lo != 40 || out.Hi != 45 {
		t.Fatalf("decode() = %+v, want %+v", out, in)
	}
}
