package transport

import (
	"fmt"
	"slices"
	"sync"
)

// Network is an in-process network. Send hands the frame to the
// destination's handler before returning, so delivery order is the order of
// Send calls. Frames to closed, unknown or partitioned addresses are
// reported undelivered to the sender.
type Network struct {
	mu        sync.Mutex
	endpoints map[string]*MemTransport
	side      map[string]int
}

func NewNetwork() *Network {
	return &Network{endpoints: make(map[string]*MemTransport)}
}

// Endpoint attaches a transport at addr.
func (n *Network) Endpoint(addr string) *MemTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := &MemTransport{net: n, addr: addr}
	n.endpoints[addr] = t
	return t
}

// Partition splits the network; addresses in different slices cannot reach
// each other. Addresses not listed are reachable only from each other.
func (n *Network) Partition(sides ...[]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.side = make(map[string]int)
	for i, s := range sides {
		for _, a := range s {
			n.side[a] = i + 1
		}
	}
}

func (n *Network) Heal() {
	n.mu.Lock()
	n.side = nil
	n.mu.Unlock()
}

func (n *Network) reachable(from, to string) bool {
	return n.side == nil || n.side[from] == n.side[to]
}

func (n *Network) send(from, to string, frame []byte) {
	n.mu.Lock()
	src := n.endpoints[from]
	dst, ok := n.endpoints[to]
	var err error
	switch {
	case !ok:
		err = fmt.Errorf("%w: %s", ErrUnreachable, to)
	case !n.reachable(from, to):
		err = fmt.Errorf("%w: %s partitioned from %s", ErrUnreachable, to, from)
	}
	h, srcH := dst.handler(), src.handler()
	n.mu.Unlock()

	if err == nil && h == nil {
		err = fmt.Errorf("%w: %s", ErrClosed, to)
	}
	if err != nil {
		if srcH != nil {
			srcH.Undelivered(to, err)
		}
		return
	}
	h.Deliver(from, slices.Clone(frame))
}

type MemTransport struct {
	net  *Network
	addr string

	mu     sync.Mutex
	h      Handler
	closed bool
}

func (t *MemTransport) handler() Handler {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	return t.h
}

func (t *MemTransport) Addr() string { return t.addr }

func (t *MemTransport) Send(to string, frame []byte) {
	if t.handler() == nil {
		return
	}
	t.net.send(t.addr, to, frame)
}

func (t *MemTransport) Listen(h Handler) {
	t.mu.Lock()
	t.h = h
	t.mu.Unlock()
}

func (t *MemTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.closed = true
	return nil
}
