package stack

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/internal/telemetry"
	"github.com/ryandielhenn/zephyrgroup/pkg/flush"
	"github.com/ryandielhenn/zephyrgroup/pkg/order"
	"github.com/ryandielhenn/zephyrgroup/pkg/stable"
)

// Stored message kinds.
const (
	storedData  uint8 = 1
	storedOrder uint8 = 2
)

func (s *Stack) cast(payload []byte) {
	if s.blockOK {
		panic(fmt.Sprintf("stack: cast after BlockOK in view %s", s.view.ID))
	}
	s.castBody(castBody{HasPayload: true, Payload: payload})
}

// castBody numbers, sends and self-delivers one cast. The sequencer draws
// the order number of its own data casts before sending, so the assignment
// travels with the cast.
func (s *Stack) castBody(b castBody) {
	s.castSeq++
	me, seq := s.self(), s.castSeq
	if s.ord.IsSequencer() {
		if b.HasPayload {
			s.ord.Regular(order.MsgID{Sender: me, Seq: seq}, b.Payload)
		}
		b.Assign = append(b.Assign, s.ord.TakePending()...)
	}
	raw := encodeBody(b)
	s.multicast(&castMsg{
		viewHeader: s.header(),
		Origin:     me,
		Seq:        stable.EncodeSeq(seq),
		Body:       raw,
		Seen:       s.ord.Seen(),
	})
	s.ord.InfoSent()
	s.deliver(me, seq, raw, b)
}

func (s *Stack) send(to int, payload []byte) {
	if s.blockOK {
		panic(fmt.Sprintf("stack: send after BlockOK in view %s", s.view.ID))
	}
	if to < 0 || to >= s.view.Size() || to == s.self() || s.ls.IsFailed(to) {
		s.logger.Warn("dropping send to invalid rank", zap.Int("rank", to))
		return
	}
	s.sendSeq[to]++
	s.sendTo(to, &p2pMsg{viewHeader: s.header(), Seq: s.sendSeq[to], Payload: payload})
}

func (s *Stack) onP2P(m *p2pMsg) {
	if m.Seq <= s.recvSeq[m.From] {
		return
	}
	s.recvSeq[m.From] = m.Seq
	s.app.Receive(m.From, m.Payload)
}

// holding reports whether incoming casts must wait for SYNC: this process
// reported BLOCKED in the current round and has no targets yet.
func (s *Stack) holding() bool {
	return s.fl.Phase() == flush.Blocking && s.reported == s.round()
}

func (s *Stack) onCast(m *castMsg) {
	n := s.view.Size()
	if m.Origin < 0 || m.Origin >= n {
		s.logger.Warn("dropping cast of unknown origin", zap.Int("origin", m.Origin))
		return
	}
	if !m.Retrans {
		if m.Origin != m.From {
			s.logger.Warn("dropping relayed cast not marked as retransmission", zap.Int("from", m.From))
			return
		}
		if s.ls.IsFailed(m.From) {
			s.logger.Debug("dropping cast from failed rank", zap.Int("from", m.From))
			return
		}
		if len(m.Seen) == n {
			s.ord.Merge(m.Seen)
		}
	}
	if s.holding() {
		s.held = append(s.held, m)
		return
	}
	s.acceptCast(m)
}

// acceptCast delivers m in FIFO order per origin, buffering casts that
// arrive early and dropping duplicates and casts past the flush targets.
func (s *Stack) acceptCast(m *castMsg) {
	o := m.Origin
	seq := stable.DecodeSeq(m.Seq, s.delivered[o])
	if seq <= s.delivered[o] {
		return
	}
	if !s.fl.Allows(o, seq) {
		s.logger.Debug("dropping cast past flush target", zap.Int("origin", o), zap.Uint64("seq", seq))
		return
	}
	if seq > s.delivered[o]+1 {
		if s.early[o] == nil {
			s.early[o] = make(map[uint64]*castMsg)
		}
		s.early[o][seq] = m
		return
	}
	s.deliverRaw(o, seq, m.Body)
	for {
		next := s.delivered[o] + 1
		em, ok := s.early[o][next]
		if !ok {
			return
		}
		delete(s.early[o], next)
		if !s.fl.Allows(o, next) {
			return
		}
		s.deliverRaw(o, next, em.Body)
	}
}

func (s *Stack) deliverRaw(origin int, seq uint64, raw []byte) {
	b, err := decodeBody(raw)
	if err != nil {
		// The sequence slot is consumed anyway, FIFO delivery must go on.
		s.logger.Error("undecodable cast body", zap.Int("origin", origin), zap.Uint64("seq", seq), zap.Error(err))
		b = castBody{}
	}
	s.deliver(origin, seq, raw, b)
}

func (s *Stack) deliver(origin int, seq uint64, raw []byte, b castBody) {
	k := storedOrder
	if b.HasPayload {
		k = storedData
	}
	s.store.Append(&stable.StoredMessage{Sender: origin, Seq: seq, Kind: k, Payload: raw})
	s.delivered[origin] = seq
	if b.HasPayload {
		s.app.Regular(Delivery{
			Origin:  origin,
			Sender:  s.view.Members[origin],
			Seq:     seq,
			Payload: b.Payload,
		})
		telemetry.Deliveries.WithLabelValues(s.cfg.Group, "regular").Inc()
		s.ord.Regular(order.MsgID{Sender: origin, Seq: seq}, b.Payload)
	}
	if len(b.Assign) > 0 {
		s.ord.Assign(b.Assign)
	}
}

func (s *Stack) drainUniform() {
	for _, d := range s.ord.Drain() {
		s.uniform(d)
	}
}

func (s *Stack) uniform(d order.Delivery) {
	s.app.Uniform(Delivery{
		Origin:  d.ID.Sender,
		Sender:  s.view.Members[d.ID.Sender],
		Seq:     d.ID.Seq,
		Order:   d.Order,
		Payload: d.Payload,
	})
	telemetry.Deliveries.WithLabelValues(s.cfg.Group, "uniform").Inc()
}

func (s *Stack) gossipRow() {
	row := s.store.Row(s.self())
	wire := make([]uint32, len(row))
	for i, v := range row {
		wire[i] = stable.EncodeSeq(v)
	}
	s.multicast(&stableMsg{viewHeader: s.header(), Row: wire})
	s.store.GossipSent()
}

func (s *Stack) onStable(m *stableMsg) {
	if len(m.Row) != s.view.Size() {
		s.logger.Warn("dropping stability row of wrong size", zap.Int("from", m.From), zap.Int("len", len(m.Row)))
		return
	}
	row := make([]uint64, len(m.Row))
	for c, v := range m.Row {
		row[c] = stable.DecodeSeq(v, s.store.Seen(m.From, c))
	}
	pruned, err := s.store.MergeRow(m.From, row)
	if err != nil {
		s.logger.Warn("stability row rejected", zap.Error(err))
		return
	}
	if pruned > 0 {
		s.logger.Debug("cleaned stable casts", zap.Int("pruned", pruned))
	}
}

// requestRetransmit asks holder for origin's casts in [from, to].
func (s *Stack) requestRetransmit(holder, origin int, from, to uint64) {
	s.logger.Debug("requesting retransmission",
		zap.Int("holder", holder), zap.Int("origin", origin), zap.Uint64("from", from), zap.Uint64("to", to))
	s.sendTo(holder, &retransmitMsg{viewHeader: s.header(), Origin: origin, Lo: from, Hi: to})
}

// onRetransmit replays retained casts. The requester's liveness is not
// checked; an answer to a failed member is harmless.
func (s *Stack) onRetransmit(m *retransmitMsg) {
	for _, sm := range s.store.Retransmit(m.Origin, m.Lo, m.Hi) {
		s.sendTo(m.From, &castMsg{
			viewHeader: s.header(),
			Origin:     sm.Sender,
			Seq:        stable.EncodeSeq(sm.Seq),
			Retrans:    true,
			Body:       sm.Payload,
		})
		telemetry.Retransmissions.WithLabelValues(s.cfg.Group).Inc()
	}
}
