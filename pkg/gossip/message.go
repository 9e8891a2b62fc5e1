package gossip

import (
	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/wire"
)

type State uint8

const (
	StateAlive State = iota
	StateSuspect
	StateDead
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateSuspect:
		return "suspect"
	case StateDead:
		return "dead"
	}
	return "unknown"
}

// Heartbeat is sent periodically to view members and, by coordinators, to
// known outsiders.
type Heartbeat struct {
	From        membership.Endpoint
	Addr        string
	View        membership.ViewID
	Coordinator bool
}

// Push writes the heartbeat into e.
func (h Heartbeat) Push(e *wire.Envelope) {
	e.PushBool(h.Coordinator)
	e.PushString(string(h.View.Creator))
	e.PushInt(h.View.LTime)
	e.PushString(h.Addr)
	e.PushString(string(h.From))
}

func PopHeartbeat(e *wire.Envelope) (Heartbeat, error) {
	var h Heartbeat
	from, err := e.PopString()
	if err != nil {
		return h, err
	}
	h.From = membership.Endpoint(from)
	if h.Addr, err = e.PopString(); err != nil {
		return h, err
	}
	if h.View.LTime, err = e.PopInt(); err != nil {
		return h, err
	}
	creator, err := e.PopString()
	if err != nil {
		return h, err
	}
	h.View.Creator = membership.Endpoint(creator)
	if h.Coordinator, err = e.PopBool(); err != nil {
		return h, err
	}
	return h, nil
}
