// Package stable keeps the per-view delivery matrix and the log of casts
// that some live member may still be missing. It decides when a cast can be
// forgotten and which gaps must be repaired after a failure.
package stable

import (
	"fmt"
	"slices"
)

// StoredMessage is one retained cast. Messages of a sender form a singly
// linked list in sequence order.
type StoredMessage struct {
	Sender  int
	Seq     uint64
	Kind    uint8
	Payload []byte

	next *StoredMessage
}

type senderLog struct {
	head, tail *StoredMessage
	n          int
}

func (l *senderLog) append(m *StoredMessage) {
	if l.tail == nil {
		l.head, l.tail = m, m
	} else {
		l.tail.next = m
		l.tail = m
	}
	l.n++
}

// pruneTo drops every message with Seq <= seq from the head.
func (l *senderLog) pruneTo(seq uint64) int {
	pruned := 0
	for l.head != nil && l.head.Seq <= seq {
		l.head = l.head.next
		l.n--
		pruned++
	}
	if l.head == nil {
		l.tail = nil
	}
	return pruned
}

// Request asks Holder to resend Origin's casts in [From, To].
type Request struct {
	Holder int
	Origin int
	From   uint64
	To     uint64
}

// Storage is owned by a single view. A new view gets a new Storage; nothing
// is carried over.
type Storage struct {
	me        int
	failed    []bool
	table     [][]uint64
	logs      []senderLog
	threshold int
	pending   int
}

// New creates the storage for a view of n members seen from rank me. A
// gossip becomes due after gossipThreshold local deliveries.
func New(me, n int, gossipThreshold int) *Storage {
	table := make([][]uint64, n)
	for r := range table {
		table[r] = make([]uint64, n)
	}
	if gossipThreshold <= 0 {
		gossipThreshold = 1
	}
	return &Storage{
		me:        me,
		failed:    make([]bool, n),
		table:     table,
		logs:      make([]senderLog, n),
		threshold: gossipThreshold,
	}
}

func (s *Storage) Size() int { return len(s.table) }

// Append retains a delivered cast and records it in the local row.
// Messages must be appended in per-sender sequence order.
func (s *Storage) Append(m *StoredMessage) {
	m.next = nil
	s.logs[m.Sender].append(m)
	s.Delivered(m.Sender, m.Seq)
}

// Delivered raises the local row for sender to seq.
func (s *Storage) Delivered(sender int, seq uint64) {
	if seq > s.table[s.me][sender] {
		s.table[s.me][sender] = seq
		s.pending++
	}
}

// Seen returns the highest sequence from sender known delivered by observer.
func (s *Storage) Seen(observer, sender int) uint64 {
	return s.table[observer][sender]
}

// Row returns a copy of observer's row.
func (s *Storage) Row(observer int) []uint64 {
	return slices.Clone(s.table[observer])
}

// MergeRow folds a row reported by observer into the table by pointwise
// maximum and collects whatever became stable. It returns the number of
// pruned messages.
func (s *Storage) MergeRow(observer int, row []uint64) (int, error) {
	if observer < 0 || observer >= len(s.table) || len(row) != len(s.table) {
		return 0, fmt.Errorf("stable: row from rank %d of length %d in view of %d", observer, len(row), len(s.table))
	}
	if observer == s.me {
		return 0, nil
	}
	for c, v := range row {
		if v > s.table[observer][c] {
			s.table[observer][c] = v
		}
	}
	return s.Clean(), nil
}

// Fail excludes rank's row from stability decisions.
func (s *Storage) Fail(rank int) {
	s.failed[rank] = true
}

// StableSeq is the minimum over live rows for sender: every live member has
// delivered sender's casts up to it.
func (s *Storage) StableSeq(sender int) uint64 {
	var min uint64
	first := true
	for r, row := range s.table {
		if s.failed[r] {
			continue
		}
		if first || row[sender] < min {
			min = row[sender]
			first = false
		}
	}
	return min
}

// Clean discards, for every sender, the retained casts the whole live view
// has delivered.
func (s *Storage) Clean() int {
	pruned := 0
	for c := range s.logs {
		pruned += s.logs[c].pruneTo(s.StableSeq(c))
	}
	return pruned
}

// Retained returns how many casts from sender are still held.
func (s *Storage) Retained(sender int) int {
	return s.logs[sender].n
}

// GossipDue reports whether enough deliveries happened since the last
// gossip to send the local row again.
func (s *Storage) GossipDue() bool {
	return s.pending >= s.threshold
}

// Pending is the number of local deliveries not yet gossiped.
func (s *Storage) Pending() int { return s.pending }

// GossipSent resets the delivery counter after the local row was sent.
func (s *Storage) GossipSent() {
	s.pending = 0
}

// Gaps computes retransmission requests for the local row. For every failed
// sender, the live row that reports the highest sequence becomes the holder
// of whatever the local row lacks.
func (s *Storage) Gaps() []Request {
	var reqs []Request
	for c := range s.logs {
		if !s.failed[c] {
			continue
		}
		holder, max := -1, s.table[s.me][c]
		for r, row := range s.table {
			if s.failed[r] || r == s.me {
				continue
			}
			if row[c] > max {
				holder, max = r, row[c]
			}
		}
		if holder >= 0 {
			reqs = append(reqs, Request{Holder: holder, Origin: c, From: s.table[s.me][c] + 1, To: max})
		}
	}
	return reqs
}

// Retransmit returns the retained casts of origin in [from, to]. Casts
// already cleaned are skipped; the whole live view has them, so the
// requester's copy will come from elsewhere or is not needed.
func (s *Storage) Retransmit(origin int, from, to uint64) []*StoredMessage {
	if origin < 0 || origin >= len(s.logs) {
		return nil
	}
	var out []*StoredMessage
	for m := s.logs[origin].head; m != nil && m.Seq <= to; m = m.next {
		if m.Seq >= from {
			out = append(out, m)
		}
	}
	return out
}
