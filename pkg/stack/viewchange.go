package stack

import (
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/internal/telemetry"
	"github.com/ryandielhenn/zephyrgroup/pkg/flush"
	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/order"
	"github.com/ryandielhenn/zephyrgroup/pkg/stable"
)

// maxFuture bounds the messages kept for views not installed yet.
const maxFuture = 4096

// roundKey names a flush round. Rounds of different leaders may share a
// number after a takeover.
type roundKey struct {
	Round  uint64
	Leader int
}

func (s *Stack) round() roundKey {
	return roundKey{Round: s.fl.Round(), Leader: s.fl.Leader()}
}

type early struct {
	from string
	m    scoped
}

// suspect marks rank failed, asks surviving holders for whatever the failed
// member delivered that we did not, and lets the coordinator start or
// restart a flush.
func (s *Stack) suspect(r int) {
	if !s.ls.Fail(r) {
		return
	}
	who := s.view.Members[r]
	s.logger.Info("member suspected", zap.Int("rank", r), zap.String("endpoint", string(who)), zap.Stringer("view", s.view))
	telemetry.Suspicions.WithLabelValues(s.cfg.Group).Inc()
	s.store.Fail(r)
	s.fl.Fail(r)
	s.fd.Remove(who)
	for _, req := range s.store.Gaps() {
		s.requestRetransmit(req.Holder, req.Origin, req.From, req.To)
	}
	if s.mc.Active() {
		s.applyMerge(s.mc.Abort())
	}
	s.reconsider()
}

// reconsider starts a flush when this process is the coordinator and the
// membership must change. A running round is restarted so the leader stops
// waiting for ranks that failed since.
func (s *Stack) reconsider() {
	if !s.ls.IsCoordinator() {
		return
	}
	if s.fl.Phase() == flush.Normal {
		if next := s.nextView(); next != nil {
			s.startFlush(next)
		} else {
			s.finishLeave()
		}
		return
	}
	if next := s.restrict(s.fl.Next()); next != nil {
		s.startFlush(next)
	} else {
		s.finishLeave()
	}
}

func (s *Stack) excluded(r int) bool {
	return s.ls.IsFailed(r) || s.leavers[r]
}

// nextView is the successor of the current view without failed members and
// leavers, or nil when nobody would remain.
func (s *Stack) nextView() *membership.View {
	next, err := s.view.Next(s.cfg.Self, func(r int) bool { return !s.excluded(r) })
	if err != nil {
		return nil
	}
	return next
}

// restrict removes failed members and leavers of the current view from
// next. A view that changes gets a new id.
func (s *Stack) restrict(next *membership.View) *membership.View {
	keep := func(e membership.Endpoint) bool {
		r := s.view.Rank(e)
		return r < 0 || !s.excluded(r)
	}
	if !slices.ContainsFunc(next.Members, func(e membership.Endpoint) bool { return !keep(e) }) {
		return next
	}
	var members []membership.Endpoint
	var addrs []string
	for i, m := range next.Members {
		if keep(m) {
			members = append(members, m)
			addrs = append(addrs, next.Addrs[i])
		}
	}
	if len(members) == 0 {
		return nil
	}
	id := membership.ViewID{LTime: next.ID.LTime + 1, Creator: s.cfg.Self}
	out, err := membership.NewView(next.Group, id, members, addrs, next.Previous)
	if err != nil {
		// A subset of a valid view is valid.
		panic(fmt.Sprintf("stack: restricting %s: %v", next, err))
	}
	return out
}

func (s *Stack) requestChange(leave bool) {
	if leave {
		if s.leaving {
			return
		}
		s.leaving = true
		s.leavers[s.self()] = true
	}
	if s.ls.IsCoordinator() {
		if !leave && s.fl.Phase() != flush.Normal {
			return
		}
		s.reconsider()
		return
	}
	s.sendTo(s.ls.Coordinator(), &requestMsg{viewHeader: s.header(), Leave: leave})
}

func (s *Stack) onRequest(m *requestMsg) {
	if !s.ls.IsCoordinator() {
		s.logger.Debug("ignoring view change request, not coordinator", zap.Int("from", m.From))
		return
	}
	if m.Leave {
		s.leavers[m.From] = true
	} else if s.fl.Phase() != flush.Normal {
		return
	}
	s.reconsider()
}

// startFlush opens a round towards next with this process as leader.
func (s *Stack) startFlush(next *membership.View) {
	others := s.fl.Start(next)
	if s.flushStart.IsZero() {
		s.flushStart = s.clock.Now()
	}
	s.logger.Info("flush started", zap.Uint64("round", s.fl.Round()), zap.Stringer("next", next))
	if len(others) > 0 {
		frame := encode(&blockMsg{viewHeader: s.header(), Round: s.fl.Round(), Next: next})
		for _, r := range others {
			s.tr.Send(s.view.Addrs[r], frame)
		}
	}
	s.block()
}

func (s *Stack) onBlock(m *blockMsg) {
	// A leader only leads when every lower rank failed.
	for r := 0; r < m.From; r++ {
		if !s.ls.IsFailed(r) && r != s.self() {
			s.suspect(r)
		}
	}
	prev := s.round()
	if !s.fl.Block(m.From, m.Round, m.Next) {
		s.logger.Debug("dropping stale BLOCK", zap.Int("from", m.From), zap.Uint64("round", m.Round))
		return
	}
	if s.flushStart.IsZero() {
		s.flushStart = s.clock.Now()
	}
	if s.round() != prev {
		// A new round: casts held for the old one are no longer bounded by it.
		held := s.held
		s.held = nil
		for _, hm := range held {
			s.acceptCast(hm)
		}
	}
	s.block()
}

// block plays the member role of a round: ask the application to stop, or
// report right away when it already did.
func (s *Stack) block() {
	if s.blockOK {
		s.report()
		return
	}
	if !s.blockAsked {
		s.blockAsked = true
		s.app.Block()
	}
}

func (s *Stack) onBlockOK() {
	if s.blockOK || !s.blockAsked {
		s.logger.Warn("unexpected BlockOK")
		return
	}
	if s.ord.IsSequencer() && s.ord.HasPending() {
		s.castBody(castBody{Assign: s.ord.TakePending()})
	}
	s.ord.Freeze()
	s.blockOK = true
	s.report()
}

func (s *Stack) report() {
	if s.fl.Phase() != flush.Blocking || s.reported == s.round() {
		return
	}
	s.reported = s.round()
	m := &blockedMsg{
		viewHeader: s.header(),
		Round:      s.fl.Round(),
		Casts:      s.castSeq,
		Sends:      slices.Clone(s.sendSeq),
		Delivered:  slices.Clone(s.delivered),
	}
	if s.fl.Leader() == s.self() {
		s.onBlocked(m)
		return
	}
	s.sendTo(s.fl.Leader(), m)
}

func (s *Stack) onBlocked(m *blockedMsg) {
	n := s.view.Size()
	if len(m.Sends) != n || len(m.Delivered) != n {
		s.logger.Warn("dropping malformed BLOCKED", zap.Int("from", m.From))
		return
	}
	targets, done := s.fl.Reported(flush.Report{Rank: m.From, Casts: m.Casts, Sends: m.Sends, Delivered: m.Delivered}, m.Round)
	if !done {
		return
	}
	s.logger.Debug("flush targets computed", zap.Uint64("round", m.Round), zap.Uint64s("casts", targets[s.self()].Casts))
	for _, r := range s.ls.Live() {
		t, ok := targets[r]
		if !ok {
			continue
		}
		sm := &syncMsg{viewHeader: s.header(), Round: m.Round, Targets: t}
		if r == s.self() {
			s.onSync(sm)
		} else {
			s.sendTo(r, sm)
		}
	}
}

func (s *Stack) onSync(m *syncMsg) {
	n := s.view.Size()
	t := m.Targets
	if len(t.Casts) != n || len(t.Holders) != n || len(t.Sends) != n {
		s.logger.Warn("dropping malformed SYNC", zap.Int("from", m.From))
		return
	}
	if !s.fl.Sync(m.From, m.Round, t) {
		s.logger.Debug("dropping stale SYNC", zap.Int("from", m.From), zap.Uint64("round", m.Round))
		return
	}
	held := s.held
	s.held = nil
	for _, hm := range held {
		s.acceptCast(hm)
	}
	for _, miss := range s.fl.Missing(s.delivered) {
		s.requestRetransmit(miss.Holder, miss.Origin, miss.From, miss.To)
	}
	s.checkSynced()
}

func (s *Stack) checkSynced() {
	if s.fl.Phase() != flush.Syncing || s.fl.Targets() == nil || s.synched == s.round() {
		return
	}
	if !s.fl.Synced(s.delivered, s.recvSeq) {
		return
	}
	s.synched = s.round()
	m := &synchedMsg{viewHeader: s.header(), Round: s.fl.Round()}
	if s.fl.Leader() == s.self() {
		s.onSynched(m)
		return
	}
	s.sendTo(s.fl.Leader(), m)
}

func (s *Stack) onSynched(m *synchedMsg) {
	next, ok := s.fl.Synched(m.From, m.Round)
	if !ok {
		return
	}
	s.multicast(&viewMsg{viewHeader: s.header(), Round: m.Round, Next: next})
	s.installNext(next)
}

func (s *Stack) onView(m *viewMsg) {
	if (roundKey{Round: m.Round, Leader: m.From}) != s.round() || s.synched != s.round() {
		s.logger.Debug("dropping stale VIEW", zap.Int("from", m.From), zap.Uint64("round", m.Round))
		return
	}
	s.installNext(m.Next)
}

// installNext installs a released view. A process missing from it either
// leaves or, when it was excluded, goes on alone and merges back later.
func (s *Stack) installNext(next *membership.View) {
	switch {
	case next.Contains(s.cfg.Self):
		s.install(next)
	case s.leaving:
		s.finishLeave()
	default:
		s.logger.Warn("excluded from view", zap.Stringer("next", next))
		s.install(membership.Singleton(s.cfg.Group, s.cfg.Self, s.cfg.Addr, next.ID.LTime+1, s.view.ID))
	}
}

func (s *Stack) finishLeave() {
	s.logger.Info("left group", zap.Stringer("view", s.view))
	s.left = true
	s.app.Left()
	if err := s.tr.Close(); err != nil {
		s.logger.Warn("closing transport", zap.Error(err))
	}
}

// install replaces every per-view structure. The old view's remaining
// ordered tail is delivered uniformly first; order numbers continue when
// the new view only lost members.
func (s *Stack) install(v *membership.View) {
	old := s.view
	var base uint64
	var seen []uint64
	if old != nil {
		tail, last := s.ord.Close()
		for _, d := range tail {
			s.uniform(d)
		}
		if order.Continues(old, v) {
			base = last
			seen = order.Remap(old, v, s.ord.Seen())
		}
		for r, a := range old.Addrs {
			if !v.Contains(old.Members[r]) {
				s.peers.AddAddr(a)
			}
		}
	}
	ls, err := membership.NewLocalState(v, s.cfg.Self)
	if err != nil {
		panic(fmt.Sprintf("stack: installing %s: %v", v, err))
	}
	n := v.Size()
	s.view, s.ls = v, ls
	s.epoch++
	s.store = stable.New(ls.Rank, n, s.cfg.GossipThreshold)
	s.ord = order.New(ls.Rank, 0, n, base, seen)
	s.fl = flush.New(ls.Rank, n)
	s.mc.Reset(v, s.cfg.Addr)

	s.castSeq = 0
	s.delivered = make([]uint64, n)
	s.early = make([]map[uint64]*castMsg, n)
	s.sendSeq = make([]uint64, n)
	s.recvSeq = make([]uint64, n)
	s.leavers = make([]bool, n)
	s.blockAsked, s.blockOK = false, false
	s.reported, s.synched = roundKey{}, roundKey{}
	s.held = nil

	for _, a := range v.Addrs {
		s.peers.RemoveAddr(a)
	}
	now := s.clock.Now()
	s.fd.Reset()
	for _, r := range ls.Others() {
		s.fd.Observe(v.Members[r], now)
	}
	if !s.flushStart.IsZero() {
		telemetry.FlushDuration.WithLabelValues(s.cfg.Group).Observe(now.Sub(s.flushStart).Seconds())
		s.flushStart = time.Time{}
	}
	telemetry.ViewInstalls.WithLabelValues(s.cfg.Group).Inc()
	telemetry.ViewMembers.WithLabelValues(s.cfg.Group).Set(float64(n))
	s.logger.Info("view installed", zap.Stringer("view", v), zap.Int("rank", ls.Rank))

	s.app.View(v, ls)
	s.arm(TimerTag{Component: CompFailure, Epoch: s.epoch, Purpose: PurposeHeartbeat}, s.cfg.HeartbeatInterval)
	s.arm(TimerTag{Component: CompOrder, Epoch: s.epoch, Purpose: PurposeInfo}, s.cfg.InfoPeriod)

	future := s.future
	s.future = nil
	for _, e := range future {
		s.receive(e.from, e.m)
	}
}

// keepEarly remembers m until its view is installed.
func (s *Stack) keepEarly(from string, m scoped) {
	if len(s.future) >= maxFuture {
		s.logger.Warn("dropping early message, buffer full", zap.Stringer("for", s.future[0].m.header().View))
		s.future = s.future[1:]
	}
	s.future = append(s.future, early{from: from, m: m})
}
