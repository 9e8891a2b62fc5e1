package gossip

import (
	"slices"
	"time"

	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
)

// Member is what is known about a process outside the local view.
type Member struct {
	ID         membership.Endpoint
	Addr       string
	View       membership.ViewID
	State      State
	LastUpdate time.Time
}

// PeerList tracks addresses outside the local view: configured seeds,
// addresses found through discovery, and processes that heartbeated us.
// Seeds and discovered addresses are kept until removed; heartbeat-only
// entries expire.
type PeerList struct {
	pinned  map[string]struct{}
	members map[string]*Member
}

func NewPeerList(seeds []string) *PeerList {
	p := &PeerList{
		pinned:  make(map[string]struct{}),
		members: make(map[string]*Member),
	}
	for _, s := range seeds {
		p.AddAddr(s)
	}
	return p
}

// AddAddr pins addr.
func (p *PeerList) AddAddr(addr string) {
	if addr == "" {
		return
	}
	p.pinned[addr] = struct{}{}
}

func (p *PeerList) RemoveAddr(addr string) {
	delete(p.pinned, addr)
	delete(p.members, addr)
}

// Update records a heartbeat from an outsider. It reports whether the
// sender announced a view not seen from that address before.
func (p *PeerList) Update(h Heartbeat, now time.Time) bool {
	m, ok := p.members[h.Addr]
	if !ok {
		p.members[h.Addr] = &Member{ID: h.From, Addr: h.Addr, View: h.View, State: StateAlive, LastUpdate: now}
		return true
	}
	changed := m.View != h.View
	m.ID, m.View, m.State, m.LastUpdate = h.From, h.View, StateAlive, now
	return changed
}

func (p *PeerList) Get(addr string) (Member, bool) {
	m, ok := p.members[addr]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// Expire marks members silent since before cutoff dead and drops the ones
// that are not pinned.
func (p *PeerList) Expire(cutoff time.Time) {
	for addr, m := range p.members {
		if !m.LastUpdate.Before(cutoff) {
			continue
		}
		m.State = StateDead
		if _, pinned := p.pinned[addr]; !pinned {
			delete(p.members, addr)
		}
	}
}

// Addrs returns every known address for which skip returns false, sorted.
func (p *PeerList) Addrs(skip func(addr string) bool) []string {
	set := make(map[string]struct{}, len(p.pinned)+len(p.members))
	for a := range p.pinned {
		set[a] = struct{}{}
	}
	for a, m := range p.members {
		if m.State != StateDead {
			set[a] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for a := range set {
		if skip == nil || !skip(a) {
			out = append(out, a)
		}
	}
	slices.Sort(out)
	return out
}
