package gossip

import (
	"math"
	"slices"
	"time"

	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
)

// DefaultWindow is the number of inter-arrival samples kept per peer.
const DefaultWindow = 64

// FailureDetector tracks heartbeat arrivals per peer.
type FailureDetector interface {
	Observe(id membership.Endpoint, t time.Time) // heartbeat received
	Phi(id membership.Endpoint, now time.Time) float64
	Remove(id membership.Endpoint)
}

type arrivals struct {
	last      time.Time
	intervals []float64
	next      int
	sum       float64
}

func (a *arrivals) add(d float64, window int) {
	if len(a.intervals) < window {
		a.intervals = append(a.intervals, d)
		a.sum += d
		return
	}
	a.sum += d - a.intervals[a.next]
	a.intervals[a.next] = d
	a.next = (a.next + 1) % window
}

// PhiDetector is a phi accrual failure detector that models inter-arrival
// times as exponentially distributed, so phi grows linearly with the time
// since the last heartbeat divided by the mean interval.
type PhiDetector struct {
	window   int
	expected time.Duration
	peers    map[membership.Endpoint]*arrivals
}

var _ FailureDetector = (*PhiDetector)(nil)

// NewPhiDetector returns a detector keeping window samples per peer.
// expected is the assumed mean interval until the first sample exists.
func NewPhiDetector(window int, expected time.Duration) *PhiDetector {
	if window <= 0 {
		window = DefaultWindow
	}
	return &PhiDetector{
		window:   window,
		expected: expected,
		peers:    make(map[membership.Endpoint]*arrivals),
	}
}

func (d *PhiDetector) Observe(id membership.Endpoint, t time.Time) {
	a, ok := d.peers[id]
	if !ok {
		d.peers[id] = &arrivals{last: t}
		return
	}
	if t.After(a.last) {
		a.add(float64(t.Sub(a.last)), d.window)
		a.last = t
	}
}

// Phi is zero for unknown peers.
func (d *PhiDetector) Phi(id membership.Endpoint, now time.Time) float64 {
	a, ok := d.peers[id]
	if !ok {
		return 0
	}
	mean := float64(d.expected)
	if n := len(a.intervals); n > 0 {
		mean = a.sum / float64(n)
	}
	if mean <= 0 {
		mean = float64(time.Millisecond)
	}
	elapsed := float64(now.Sub(a.last))
	if elapsed <= 0 {
		return 0
	}
	return elapsed / mean * math.Log10(math.E)
}

func (d *PhiDetector) Remove(id membership.Endpoint) {
	delete(d.peers, id)
}

// Reset forgets every peer.
func (d *PhiDetector) Reset() {
	clear(d.peers)
}

// Suspects returns the tracked peers whose phi exceeds threshold, sorted.
func (d *PhiDetector) Suspects(now time.Time, threshold float64) []membership.Endpoint {
	var out []membership.Endpoint
	for id := range d.peers {
		if d.Phi(id, now) > threshold {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}
