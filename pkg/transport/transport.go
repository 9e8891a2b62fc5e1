// Package transport moves opaque frames between group members. Sends are
// asynchronous; received frames and delivery failures are reported to a
// Handler. Implementations keep frames from one sender to one destination
// in FIFO order.
package transport

import (
	"errors"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/pkg/wire"
)

var (
	ErrClosed      = errors.New("transport: closed")
	ErrUnreachable = errors.New("transport: destination unreachable")
	ErrOutboxFull  = errors.New("transport: outbox full")
)

// Handler receives frames and delivery failures. Implementations must not
// block.
type Handler interface {
	Deliver(from string, frame []byte)
	Undelivered(to string, err error)
}

type Transport interface {
	// Addr is the address peers send to.
	Addr() string
	// Send queues frame for to and returns immediately.
	Send(to string, frame []byte)
	Listen(h Handler)
	Close() error
}

// Mux lets several groups share one transport. Every frame carries the
// group name in front of the group's own payload.
type Mux struct {
	t      Transport
	logger *zap.Logger

	mu     sync.RWMutex
	groups map[string]Handler
}

func NewMux(t Transport, logger *zap.Logger) *Mux {
	m := &Mux{t: t, logger: logger.Named("mux"), groups: make(map[string]Handler)}
	t.Listen(m)
	return m
}

// Group returns the transport of one group.
func (m *Mux) Group(name string) Transport {
	return &groupTransport{mux: m, name: name}
}

func (m *Mux) Close() error { return m.t.Close() }

func (m *Mux) Deliver(from string, frame []byte) {
	e := wire.FromBytes(frame)
	name, err := e.PopString()
	if err != nil {
		m.logger.Warn("dropping frame without group", zap.String("from", from), zap.Error(err))
		return
	}
	m.mu.RLock()
	h, ok := m.groups[name]
	m.mu.RUnlock()
	if !ok {
		m.logger.Debug("dropping frame for unknown group", zap.String("group", name), zap.String("from", from))
		return
	}
	h.Deliver(from, e.Bytes())
}

// Undelivered is reported to every group; the frame's group is unknown.
func (m *Mux) Undelivered(to string, err error) {
	m.mu.RLock()
	hs := make([]Handler, 0, len(m.groups))
	for _, h := range m.groups {
		hs = append(hs, h)
	}
	m.mu.RUnlock()
	for _, h := range hs {
		h.Undelivered(to, err)
	}
}

type groupTransport struct {
	mux  *Mux
	name string
}

func (g *groupTransport) Addr() string { return g.mux.t.Addr() }

func (g *groupTransport) Send(to string, frame []byte) {
	e := wire.FromBytes(slices.Clone(frame))
	e.PushString(g.name)
	g.mux.t.Send(to, e.Bytes())
}

func (g *groupTransport) Listen(h Handler) {
	g.mux.mu.Lock()
	g.mux.groups[g.name] = h
	g.mux.mu.Unlock()
}

// Close detaches the group; the shared transport stays open.
func (g *groupTransport) Close() error {
	g.mux.mu.Lock()
	delete(g.mux.groups, g.name)
	g.mux.mu.Unlock()
	return nil
}
