// Package stack runs the protocol stack of one group: membership, failure
// detection, view merging, the virtual synchrony flush, reliable FIFO
// broadcast with stable storage, and sequencer total order with uniform
// delivery.
//
// A Stack owns all of its state and touches it from one goroutine only. The
// public methods are safe to call from anywhere; they queue an event and
// return. Inbound frames and timer firings are queued the same way, and
// events are processed strictly in arrival order.
package stack

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/pkg/flush"
	"github.com/ryandielhenn/zephyrgroup/pkg/gossip"
	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/merge"
	"github.com/ryandielhenn/zephyrgroup/pkg/order"
	"github.com/ryandielhenn/zephyrgroup/pkg/stable"
	"github.com/ryandielhenn/zephyrgroup/pkg/transport"
)

type event interface{ isEvent() }

type frameEvent struct {
	from string
	data []byte
}

type undeliveredEvent struct {
	to  string
	err error
}

type timerEvent struct{ tag TimerTag }

type castEvent struct{ payload []byte }

type sendEvent struct {
	to      int
	payload []byte
}

type blockOKEvent struct{}

type leaveEvent struct{}

type viewChangeEvent struct{}

type suspectEvent struct{ who membership.Endpoint }

type peerEvent struct {
	addr   string
	remove bool
}

type inspectEvent struct{ f func(*Stack) }

func (frameEvent) isEvent()       {}
func (undeliveredEvent) isEvent() {}
func (timerEvent) isEvent()       {}
func (castEvent) isEvent()        {}
func (sendEvent) isEvent()        {}
func (blockOKEvent) isEvent()     {}
func (leaveEvent) isEvent()       {}
func (viewChangeEvent) isEvent()  {}
func (suspectEvent) isEvent()     {}
func (peerEvent) isEvent()        {}
func (inspectEvent) isEvent()     {}

// queue is an unbounded FIFO of events.
type queue struct {
	mu    sync.Mutex
	items []event
	ready chan struct{}
}

func (q *queue) push(ev event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	ev := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return ev, true
}

type Option func(*Stack)

// WithClock replaces the wall clock, typically with a manual one in tests.
func WithClock(c Clock) Option {
	return func(s *Stack) { s.clock = c }
}

type Stack struct {
	cfg    Config
	logger *zap.Logger
	clock  Clock
	tr     transport.Transport
	app    Application
	q      queue

	view  *membership.View
	ls    *membership.LocalState
	epoch uint64
	store *stable.Storage
	ord   *order.Orderer
	fl    *flush.Flush
	mc    *merge.Coordinator
	fd    *gossip.PhiDetector
	peers *gossip.PeerList

	// Reliable FIFO broadcast, per view.
	castSeq   uint64
	delivered []uint64
	early     []map[uint64]*castMsg
	sendSeq   []uint64
	recvSeq   []uint64

	// Flush, per view.
	leavers    []bool
	blockAsked bool
	blockOK    bool
	reported   roundKey // round of the last BLOCKED sent
	synched    roundKey
	held       []*castMsg
	flushStart time.Time

	// Scoped messages for views not installed yet.
	future []early

	leaving bool
	left    bool
}

// New creates the stack of cfg.Group. The process starts alone in a
// singleton view and finds the rest of the group through merges with the
// seeds.
func New(cfg Config, tr transport.Transport, app Application, logger *zap.Logger, opts ...Option) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Stack{
		cfg:    cfg,
		logger: logger.Named("stack").With(zap.String("group", cfg.Group), zap.String("self", string(cfg.Self))),
		clock:  realClock{},
		tr:     tr,
		app:    app,
		q:      queue{ready: make(chan struct{}, 1)},
		fd:     gossip.NewPhiDetector(gossip.DefaultWindow, cfg.HeartbeatInterval),
		peers:  gossip.NewPeerList(cfg.Seeds),
	}
	for _, o := range opts {
		o(s)
	}
	tr.Listen(s)
	v := membership.Singleton(cfg.Group, cfg.Self, cfg.Addr, 1)
	s.mc = merge.New(v, cfg.Addr)
	s.q.push(inspectEvent{f: func(s *Stack) { s.install(v) }})
	return s, nil
}

// Deliver implements transport.Handler.
func (s *Stack) Deliver(from string, frame []byte) {
	s.q.push(frameEvent{from: from, data: frame})
}

// Undelivered implements transport.Handler.
func (s *Stack) Undelivered(to string, err error) {
	s.q.push(undeliveredEvent{to: to, err: err})
}

// Cast broadcasts payload to the view. Casting after BlockOK and before the
// next view is a programming error and panics the event loop.
func (s *Stack) Cast(payload []byte) {
	s.q.push(castEvent{payload: payload})
}

// Send sends payload to one rank of the current view.
func (s *Stack) Send(rank int, payload []byte) {
	s.q.push(sendEvent{to: rank, payload: payload})
}

// BlockOK confirms a Block request.
func (s *Stack) BlockOK() { s.q.push(blockOKEvent{}) }

// Leave removes the process from the group. Application.Left is called once
// the rest of the group installed a view without it.
func (s *Stack) Leave() { s.q.push(leaveEvent{}) }

// RequestViewChange asks the coordinator to install a fresh view over the
// live members.
func (s *Stack) RequestViewChange() { s.q.push(viewChangeEvent{}) }

// Suspect reports an external suspicion of who.
func (s *Stack) Suspect(who membership.Endpoint) { s.q.push(suspectEvent{who: who}) }

// AddPeer makes addr a merge probe target, for instance after discovery.
func (s *Stack) AddPeer(addr string) { s.q.push(peerEvent{addr: addr}) }

func (s *Stack) RemovePeer(addr string) { s.q.push(peerEvent{addr: addr, remove: true}) }

// Inspect runs f on the event goroutine.
func (s *Stack) Inspect(f func(*Stack)) { s.q.push(inspectEvent{f: f}) }

// CurrentView returns the installed view. It must only be called from the
// event goroutine, for example inside Inspect or an Application callback.
func (s *Stack) CurrentView() *membership.View { return s.view }

// LocalState returns the local state of the installed view, with the same
// restriction as CurrentView.
func (s *Stack) LocalState() *membership.LocalState { return s.ls }

// Run processes events until ctx is done or the process left the group.
func (s *Stack) Run(ctx context.Context) error {
	for {
		for s.Step() {
		}
		if s.left {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.q.ready:
		}
	}
}

// Step processes one queued event and reports whether there was one.
func (s *Stack) Step() bool {
	ev, ok := s.q.pop()
	if !ok {
		return false
	}
	if s.left {
		return true
	}
	s.handle(ev)
	if !s.left {
		s.afterEvent()
	}
	return true
}

func (s *Stack) handle(ev event) {
	switch ev := ev.(type) {
	case frameEvent:
		m, err := decode(ev.data)
		if err != nil {
			s.logger.Warn("dropping undecodable frame", zap.String("from", ev.from), zap.Error(err))
			return
		}
		s.receive(ev.from, m)
	case undeliveredEvent:
		if r := s.view.RankOfAddr(ev.to); r >= 0 && r != s.ls.Rank {
			s.logger.Warn("member unreachable", zap.String("addr", ev.to), zap.Error(ev.err))
			s.suspect(r)
		}
	case timerEvent:
		s.onTimer(ev.tag)
	case castEvent:
		s.cast(ev.payload)
	case sendEvent:
		s.send(ev.to, ev.payload)
	case blockOKEvent:
		s.onBlockOK()
	case leaveEvent:
		s.requestChange(true)
	case viewChangeEvent:
		s.requestChange(false)
	case suspectEvent:
		if r := s.view.Rank(ev.who); r >= 0 && r != s.ls.Rank {
			s.suspect(r)
		}
	case peerEvent:
		if ev.remove {
			s.peers.RemoveAddr(ev.addr)
		} else if ev.addr != s.cfg.Addr {
			s.peers.AddAddr(ev.addr)
		}
	case inspectEvent:
		ev.f(s)
	default:
		panic(fmt.Sprintf("stack: unknown event %T", ev))
	}
}

// receive dispatches a decoded message. Scoped messages of another view are
// stale or early: stale ones are dropped, early ones wait for the view.
func (s *Stack) receive(from string, m message) {
	switch m := m.(type) {
	case *heartbeatMsg:
		s.onHeartbeat(m.Heartbeat)
		return
	case *mergeMsg:
		s.onMerge(m.Message)
		return
	case *viewMsg:
		// The view release may come from a leader of this view only.
		if m.View != s.view.ID {
			s.logger.Debug("dropping view release of another view", zap.Stringer("for", m.View))
			return
		}
		s.onView(m)
		return
	}

	sm := m.(scoped)
	h := sm.header()
	if h.View != s.view.ID {
		if h.View.LTime > s.view.ID.LTime {
			s.keepEarly(from, sm)
		} else {
			s.logger.Debug("dropping stale message", zap.Stringer("for", h.View), zap.Uint8("kind", uint8(m.kind())))
		}
		return
	}
	if h.From < 0 || h.From >= s.view.Size() || s.view.Addrs[h.From] != from && from != "" {
		s.logger.Warn("dropping message with mismatched sender", zap.String("from", from), zap.Int("rank", h.From))
		return
	}
	s.dispatch(sm)
}

func (s *Stack) dispatch(m scoped) {
	switch m := m.(type) {
	case *castMsg:
		s.onCast(m)
	case *p2pMsg:
		s.onP2P(m)
	case *infoMsg:
		s.ord.Merge(m.Seen)
	case *stableMsg:
		s.onStable(m)
	case *retransmitMsg:
		s.onRetransmit(m)
	case *blockMsg:
		s.onBlock(m)
	case *blockedMsg:
		s.onBlocked(m)
	case *syncMsg:
		s.onSync(m)
	case *synchedMsg:
		s.onSynched(m)
	case *requestMsg:
		s.onRequest(m)
	}
}

// afterEvent runs the work every event may have made due: the sequencer's
// pending assignments, uniform deliveries, stability gossip and the flush
// sync check.
func (s *Stack) afterEvent() {
	if s.ord.IsSequencer() && s.ord.HasPending() && !s.blockOK {
		s.castBody(castBody{Assign: s.ord.TakePending()})
	}
	s.drainUniform()
	if s.store.GossipDue() {
		s.gossipRow()
	}
	s.checkSynced()
}

func (s *Stack) self() int { return s.ls.Rank }

func (s *Stack) header() viewHeader {
	return viewHeader{View: s.view.ID, From: s.ls.Rank}
}

func (s *Stack) sendTo(rank int, m message) {
	s.tr.Send(s.view.Addrs[rank], encode(m))
}

// multicast sends m to every live member but self.
func (s *Stack) multicast(m message) {
	frame := encode(m)
	for _, r := range s.ls.Others() {
		s.tr.Send(s.view.Addrs[r], frame)
	}
}

func (s *Stack) arm(tag TimerTag, d time.Duration) {
	s.clock.AfterFunc(d, func() { s.q.push(timerEvent{tag: tag}) })
}

func (s *Stack) onTimer(tag TimerTag) {
	switch tag.Purpose {
	case PurposeHeartbeat:
		if tag.Epoch != s.epoch {
			return
		}
		s.heartbeat()
		s.arm(tag, s.cfg.HeartbeatInterval)
	case PurposeInfo:
		if tag.Epoch != s.epoch {
			return
		}
		if s.ord.InfoDue() {
			s.multicast(&infoMsg{viewHeader: s.header(), Seen: s.ord.Seen()})
			s.ord.InfoSent()
		}
		if s.store.Pending() > 0 {
			s.gossipRow()
		}
		s.arm(tag, s.cfg.InfoPeriod)
	case PurposeWait:
		s.applyMerge(s.mc.Wait(tag.Epoch))
	case PurposeTerminate:
		s.applyMerge(s.mc.Terminate(tag.Epoch))
	}
}

var _ transport.Handler = (*Stack)(nil)

