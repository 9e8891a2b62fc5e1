package stack

import (
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/internal/telemetry"
	"github.com/ryandielhenn/zephyrgroup/pkg/flush"
	"github.com/ryandielhenn/zephyrgroup/pkg/gossip"
	"github.com/ryandielhenn/zephyrgroup/pkg/merge"
)

// applyMerge carries out what the merge coordinator asked for.
func (s *Stack) applyMerge(out merge.Output) {
	for _, ob := range out.Send {
		s.tr.Send(ob.Addr, encode(&mergeMsg{ob.Msg}))
	}
	if out.Arm {
		s.arm(TimerTag{Component: CompMerge, Epoch: out.Epoch, Purpose: PurposeWait}, s.cfg.MergeWait)
		s.arm(TimerTag{Component: CompMerge, Epoch: out.Epoch, Purpose: PurposeTerminate}, s.cfg.MergeTerminate)
	}
	if out.Aborted {
		s.logger.Warn("merge aborted", zap.Error(out.Err))
		telemetry.Merges.WithLabelValues(s.cfg.Group, "aborted").Inc()
	}
	if out.Done == nil {
		return
	}
	s.logger.Info("merge decided", zap.Stringer("view", out.Done))
	telemetry.Merges.WithLabelValues(s.cfg.Group, "done").Inc()
	if s.fl.Phase() != flush.Normal {
		s.logger.Warn("dropping merged view, flush in progress", zap.Stringer("view", out.Done))
		return
	}
	if next := s.restrict(out.Done); next != nil {
		s.startFlush(next)
	}
}

func (s *Stack) onMerge(m merge.Message) {
	if !s.ls.IsCoordinator() || s.fl.Phase() != flush.Normal {
		s.logger.Debug("ignoring merge message", zap.Stringer("kind", m.Kind), zap.Stringer("from", m.From))
		return
	}
	s.applyMerge(s.mc.Handle(m))
}

// onHeartbeat feeds the failure detector for members of the view. A
// heartbeat of an outsider coordinator is a merge opportunity.
func (s *Stack) onHeartbeat(h gossip.Heartbeat) {
	if h.View == s.view.ID {
		if r := s.view.Rank(h.From); r >= 0 && !s.ls.IsFailed(r) {
			s.fd.Observe(h.From, s.clock.Now())
		}
		return
	}
	if s.view.Contains(h.From) || h.Addr == s.cfg.Addr || s.view.Supersedes(h.View) {
		return
	}
	if s.peers.Update(h, s.clock.Now()) {
		s.logger.Debug("outsider seen", zap.String("endpoint", string(h.From)), zap.Stringer("view", h.View))
	}
	if h.Coordinator && s.ls.IsCoordinator() && s.fl.Phase() == flush.Normal {
		s.applyMerge(s.mc.Discover(h.View, h.Addr))
	}
}

// heartbeat runs once per interval: it beats to the view and, from the
// coordinator, to every known outsider, then suspects silent members.
func (s *Stack) heartbeat() {
	coord := s.ls.IsCoordinator()
	frame := encode(&heartbeatMsg{gossip.Heartbeat{
		From:        s.cfg.Self,
		Addr:        s.cfg.Addr,
		View:        s.view.ID,
		Coordinator: coord,
	}})
	for _, r := range s.ls.Others() {
		s.tr.Send(s.view.Addrs[r], frame)
	}
	if coord {
		outsiders := s.peers.Addrs(func(a string) bool {
			return a == s.cfg.Addr || s.view.RankOfAddr(a) >= 0
		})
		for _, a := range outsiders {
			s.tr.Send(a, frame)
		}
	}

	now := s.clock.Now()
	for _, e := range s.fd.Suspects(now, s.cfg.PhiThreshold) {
		if r := s.view.Rank(e); r >= 0 && r != s.self() {
			s.suspect(r)
		}
	}
	s.peers.Expire(now.Add(-s.cfg.OutsiderTTL))
}
