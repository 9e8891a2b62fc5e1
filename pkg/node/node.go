// Package node is a replicated key/value service on top of a group stack.
// Writes are broadcast and applied when they become uniform, so every
// replica applies them in the same total order; reads are local. A member
// that joins through a merge receives the state of the new coordinator.
package node

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/pkg/kv"
	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/stack"
	"github.com/ryandielhenn/zephyrgroup/pkg/transport"
)

var ErrLeft = errors.New("node: left the group")

type Node struct {
	cfg    Config
	logger *zap.Logger
	kv     *kv.Store
	st     *stack.Stack

	mu      sync.Mutex
	view    *membership.View
	rank    int
	blocked bool
	// Writes submitted while blocked, cast once the next view is installed.
	queued  [][]byte
	waiters map[string]chan bool
	// A joiner waits for the coordinator's snapshot and keeps the uniform
	// writes that arrive before it.
	awaiting bool
	pending  []op
	regular  uint64
	applied  uint64
	left     chan struct{}
	leftOnce sync.Once
}

var _ stack.Application = (*Node)(nil)

// New creates the node and its group stack on tr. Run must be called to
// start processing.
func New(cfg Config, tr transport.Transport, logger *zap.Logger, opts ...stack.Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := &Node{
		cfg:     cfg,
		logger:  logger.Named("node"),
		kv:      kv.NewStore(cfg.CapacityBytes),
		rank:    -1,
		waiters: make(map[string]chan bool),
		left:    make(chan struct{}),
	}
	st, err := stack.New(cfg.Stack, tr, n, logger, opts...)
	if err != nil {
		return nil, err
	}
	n.st = st
	return n, nil
}

func (n *Node) Stack() *stack.Stack { return n.st }

// Run processes the group stack until ctx is done or the node left.
func (n *Node) Run(ctx context.Context) error {
	return n.st.Run(ctx)
}

// Leave asks the group to exclude this node and waits until it did.
func (n *Node) Leave(ctx context.Context) error {
	n.st.Leave()
	select {
	case <-n.left:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddPeer and RemovePeer feed discovered addresses to the merge discovery.
func (n *Node) AddPeer(addr string) { n.st.AddPeer(addr) }

func (n *Node) RemovePeer(addr string) { n.st.RemovePeer(addr) }

// submit broadcasts o and waits until this replica applied it. The result
// is true for a put, and for a delete when the key existed.
func (n *Node) submit(ctx context.Context, o op) (bool, error) {
	o.ID = uuid.NewString()
	ch := make(chan bool, 1)
	frame := encodeOp(o)

	n.mu.Lock()
	select {
	case <-n.left:
		n.mu.Unlock()
		return false, ErrLeft
	default:
	}
	n.waiters[o.ID] = ch
	// Cast under the lock so that a Block handled meanwhile sees the write
	// either queued here or already ahead of BlockOK in the stack's queue.
	if n.blocked {
		n.queued = append(n.queued, frame)
	} else {
		n.st.Cast(frame)
	}
	n.mu.Unlock()

	select {
	case ok := <-ch:
		return ok, nil
	case <-n.left:
		return false, ErrLeft
	case <-ctx.Done():
		n.mu.Lock()
		delete(n.waiters, o.ID)
		n.mu.Unlock()
		return false, ctx.Err()
	}
}

// View implements stack.Application.
func (n *Node) View(v *membership.View, ls *membership.LocalState) {
	n.mu.Lock()
	defer n.mu.Unlock()

	prev := n.view
	n.view, n.rank = v, ls.Rank
	n.blocked = false

	if ls.Rank == 0 && prev != nil {
		var snap []byte
		for r := 1; r < v.Size(); r++ {
			if prev.Contains(v.Members[r]) {
				continue
			}
			if snap == nil {
				snap = encodeSnapshot(n.kv.Snapshot())
			}
			n.logger.Info("sending state to joiner", zap.String("member", string(v.Members[r])), zap.Int("bytes", len(snap)))
			n.st.Send(r, snap)
		}
	}

	coord := v.Members[0]
	need := ls.Rank != 0 && (prev == nil || !prev.Contains(coord))
	switch {
	case need:
		n.awaiting, n.pending = true, nil
	case n.awaiting:
		n.logger.Warn("state transfer did not arrive, keeping local state", zap.Stringer("view", v))
		n.awaiting = false
		n.applyPending()
	}

	queued := n.queued
	n.queued = nil
	for _, frame := range queued {
		n.st.Cast(frame)
	}
	n.logger.Info("view", zap.Stringer("view", v), zap.Int("rank", ls.Rank), zap.Bool("awaiting_state", n.awaiting))
}

// Block implements stack.Application. The node never broadcasts on its own
// initiative, so it can confirm right away; new writes are queued.
func (n *Node) Block() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked = true
	n.st.BlockOK()
}

func (n *Node) Regular(stack.Delivery) {
	n.mu.Lock()
	n.regular++
	n.mu.Unlock()
}

// Uniform implements stack.Application: writes are applied in order.
func (n *Node) Uniform(d stack.Delivery) {
	o, err := decodeOp(d.Payload)
	if err != nil {
		n.logger.Error("dropping undecodable write", zap.String("sender", string(d.Sender)), zap.Error(err))
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.awaiting {
		n.pending = append(n.pending, o)
		return
	}
	n.apply(o)
}

// Receive implements stack.Application; the only point-to-point message is
// the coordinator's state snapshot.
func (n *Node) Receive(from int, payload []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.awaiting || from != 0 {
		n.logger.Debug("ignoring unexpected state", zap.Int("from", from))
		return
	}
	entries, err := decodeSnapshot(payload)
	if err != nil {
		n.logger.Error("dropping undecodable state", zap.Error(err))
		return
	}
	n.kv.Restore(entries)
	n.awaiting = false
	n.logger.Info("state received", zap.Int("keys", len(entries)), zap.Int("pending", len(n.pending)))
	n.applyPending()
}

func (n *Node) Left() {
	n.leftOnce.Do(func() { close(n.left) })
}

func (n *Node) applyPending() {
	pending := n.pending
	n.pending = nil
	for _, o := range pending {
		n.apply(o)
	}
}

// apply must be called with n.mu held.
func (n *Node) apply(o op) {
	var res bool
	switch o.Kind {
	case opPut:
		n.kv.PutUntil(o.Key, o.Value, o.expiry())
		res = true
	case opDelete:
		res = n.kv.Delete(o.Key)
	}
	n.applied++
	if ch, ok := n.waiters[o.ID]; ok {
		delete(n.waiters, o.ID)
		ch <- res
	}
}

// Status is a consistent copy of the node's view of the group.
type Status struct {
	View    *membership.View
	Rank    int
	Blocked bool
	Syncing bool
	Regular uint64
	Applied uint64
}

func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Status{
		View:    n.view,
		Rank:    n.rank,
		Blocked: n.blocked,
		Syncing: n.awaiting,
		Regular: n.regular,
		Applied: n.applied,
	}
}
