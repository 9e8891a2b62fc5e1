package stack

import (
	"fmt"

	"github.com/ryandielhenn/zephyrgroup/pkg/flush"
	"github.com/ryandielhenn/zephyrgroup/pkg/gossip"
	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/merge"
	"github.com/ryandielhenn/zephyrgroup/pkg/order"
	"github.com/ryandielhenn/zephyrgroup/pkg/wire"
)

type kind uint8

const (
	kindCast kind = iota + 1
	kindP2P
	kindInfo
	kindStable
	kindRetransmit
	kindHeartbeat
	kindBlock
	kindBlocked
	kindSync
	kindSynched
	kindView
	kindRequest
	kindMerge
)

// message is the closed set of protocol messages. push writes the
// message-specific fields; the frame header is written by encode.
type message interface {
	kind() kind
	push(e *wire.Envelope)
}

// viewHeader scopes a message to one view and names the sender's rank in it.
type viewHeader struct {
	View membership.ViewID
	From int
}

func (h viewHeader) header() viewHeader { return h }

type scoped interface {
	message
	header() viewHeader
}

type castMsg struct {
	viewHeader
	Origin  int
	Seq     uint32
	Retrans bool
	// Body is the encoded castBody, kept as is in stable storage.
	Body []byte
	Seen []uint64
}

// castBody is what a cast carries for the layers above FIFO delivery. A
// body without payload only carries sequencer assignments.
type castBody struct {
	HasPayload bool
	Payload    []byte
	Assign     []order.Assignment
}

type p2pMsg struct {
	viewHeader
	Seq     uint64
	Payload []byte
}

type infoMsg struct {
	viewHeader
	Seen []uint64
}

type stableMsg struct {
	viewHeader
	Row []uint32
}

type retransmitMsg struct {
	viewHeader
	Origin int
	// Lo and Hi bound the requested sequence range, inclusive.
	Lo, Hi uint64
}

type heartbeatMsg struct {
	gossip.Heartbeat
}

type blockMsg struct {
	viewHeader
	Round uint64
	Next  *membership.View
}

type blockedMsg struct {
	viewHeader
	Round     uint64
	Casts     uint64
	Sends     []uint64
	Delivered []uint64
}

type syncMsg struct {
	viewHeader
	Round   uint64
	Targets flush.Targets
}

type synchedMsg struct {
	viewHeader
	Round uint64
}

type viewMsg struct {
	viewHeader
	Round uint64
	Next  *membership.View
}

// requestMsg asks the coordinator for a view change, excluding the sender
// when Leave is set.
type requestMsg struct {
	viewHeader
	Leave bool
}

type mergeMsg struct {
	merge.Message
}

func (*castMsg) kind() kind       { return kindCast }
func (*p2pMsg) kind() kind        { return kindP2P }
func (*infoMsg) kind() kind       { return kindInfo }
func (*stableMsg) kind() kind     { return kindStable }
func (*retransmitMsg) kind() kind { return kindRetransmit }
func (*heartbeatMsg) kind() kind  { return kindHeartbeat }
func (*blockMsg) kind() kind      { return kindBlock }
func (*blockedMsg) kind() kind    { return kindBlocked }
func (*syncMsg) kind() kind       { return kindSync }
func (*synchedMsg) kind() kind    { return kindSynched }
func (*viewMsg) kind() kind       { return kindView }
func (*requestMsg) kind() kind    { return kindRequest }
func (*mergeMsg) kind() kind      { return kindMerge }

func (m *castMsg) push(e *wire.Envelope) {
	e.PushUints(m.Seen)
	e.PushBytes(m.Body)
	e.PushBool(m.Retrans)
	e.PushUint32(m.Seq)
	e.PushUint(uint64(m.Origin))
}

func (m *p2pMsg) push(e *wire.Envelope) {
	e.PushBytes(m.Payload)
	e.PushUint(m.Seq)
}

func (m *infoMsg) push(e *wire.Envelope) {
	e.PushUints(m.Seen)
}

func (m *stableMsg) push(e *wire.Envelope) {
	row := make([]uint64, len(m.Row))
	for i, v := range m.Row {
		row[i] = uint64(v)
	}
	e.PushUints(row)
}

func (m *retransmitMsg) push(e *wire.Envelope) {
	e.PushUint(m.Hi)
	e.PushUint(m.Lo)
	e.PushUint(uint64(m.Origin))
}

func (m *heartbeatMsg) push(e *wire.Envelope) {
	m.Heartbeat.Push(e)
}

func (m *blockMsg) push(e *wire.Envelope) {
	pushView(e, m.Next)
	e.PushUint(m.Round)
}

func (m *blockedMsg) push(e *wire.Envelope) {
	e.PushUints(m.Delivered)
	e.PushUints(m.Sends)
	e.PushUint(m.Casts)
	e.PushUint(m.Round)
}

func (m *syncMsg) push(e *wire.Envelope) {
	holders := make([]uint64, len(m.Targets.Holders))
	for i, h := range m.Targets.Holders {
		holders[i] = uint64(h + 1)
	}
	e.PushUints(m.Targets.Sends)
	e.PushUints(holders)
	e.PushUints(m.Targets.Casts)
	e.PushUint(m.Round)
}

func (m *synchedMsg) push(e *wire.Envelope) {
	e.PushUint(m.Round)
}

func (m *viewMsg) push(e *wire.Envelope) {
	pushView(e, m.Next)
	e.PushUint(m.Round)
}

func (m *requestMsg) push(e *wire.Envelope) {
	e.PushBool(m.Leave)
}

func (m *mergeMsg) push(e *wire.Envelope) {
	if m.State != nil {
		pushView(e, m.State)
	}
	e.PushBool(m.State != nil)
	ltimes := make([]uint64, len(m.Candidates))
	creators := make([]string, len(m.Candidates))
	addrs := make([]string, len(m.Candidates))
	for i, c := range m.Candidates {
		ltimes[i] = uint64(c.ID.LTime)
		creators[i] = string(c.ID.Creator)
		addrs[i] = c.Addr
	}
	e.PushStrings(addrs)
	e.PushStrings(creators)
	e.PushUints(ltimes)
	e.PushUint(m.Round)
	pushID(e, m.From)
	e.PushUint(uint64(m.Kind))
}

func pushID(e *wire.Envelope, id membership.ViewID) {
	e.PushString(string(id.Creator))
	e.PushInt(id.LTime)
}

func popID(e *wire.Envelope) (membership.ViewID, error) {
	var id membership.ViewID
	var err error
	if id.LTime, err = e.PopInt(); err != nil {
		return id, err
	}
	creator, err := e.PopString()
	id.Creator = membership.Endpoint(creator)
	return id, err
}

func pushView(e *wire.Envelope, v *membership.View) {
	ltimes := make([]uint64, len(v.Previous))
	creators := make([]string, len(v.Previous))
	for i, p := range v.Previous {
		ltimes[i] = uint64(p.LTime)
		creators[i] = string(p.Creator)
	}
	members := make([]string, len(v.Members))
	for i, m := range v.Members {
		members[i] = string(m)
	}
	e.PushStrings(creators)
	e.PushUints(ltimes)
	e.PushStrings(v.Addrs)
	e.PushStrings(members)
	pushID(e, v.ID)
	e.PushString(v.Group)
}

func popView(e *wire.Envelope) (*membership.View, error) {
	group, err := e.PopString()
	if err != nil {
		return nil, err
	}
	id, err := popID(e)
	if err != nil {
		return nil, err
	}
	members, err := e.PopStrings()
	if err != nil {
		return nil, err
	}
	addrs, err := e.PopStrings()
	if err != nil {
		return nil, err
	}
	ltimes, err := e.PopUints()
	if err != nil {
		return nil, err
	}
	creators, err := e.PopStrings()
	if err != nil {
		return nil, err
	}
	if len(ltimes) != len(creators) {
		return nil, fmt.Errorf("%w: %d previous times for %d creators", wire.ErrTruncated, len(ltimes), len(creators))
	}
	eps := make([]membership.Endpoint, len(members))
	for i, m := range members {
		eps[i] = membership.Endpoint(m)
	}
	prev := make([]membership.ViewID, len(ltimes))
	for i := range ltimes {
		prev[i] = membership.ViewID{LTime: int64(ltimes[i]), Creator: membership.Endpoint(creators[i])}
	}
	return membership.NewView(group, id, eps, addrs, prev)
}

func encodeBody(b castBody) []byte {
	e := wire.New()
	triples := make([]uint64, 0, 3*len(b.Assign))
	for _, a := range b.Assign {
		triples = append(triples, uint64(a.ID.Sender), a.ID.Seq, a.Order)
	}
	e.PushUints(triples)
	e.PushBytes(b.Payload)
	e.PushBool(b.HasPayload)
	return e.Bytes()
}

func decodeBody(data []byte) (castBody, error) {
	var b castBody
	e := wire.FromBytes(append([]byte(nil), data...))
	var err error
	if b.HasPayload, err = e.PopBool(); err != nil {
		return b, err
	}
	if b.Payload, err = e.PopBytes(); err != nil {
		return b, err
	}
	triples, err := e.PopUints()
	if err != nil {
		return b, err
	}
	if len(triples)%3 != 0 {
		return b, fmt.Errorf("%w: %d assignment fields", wire.ErrTruncated, len(triples))
	}
	for i := 0; i < len(triples); i += 3 {
		b.Assign = append(b.Assign, order.Assignment{
			ID:    order.MsgID{Sender: int(triples[i]), Seq: triples[i+1]},
			Order: triples[i+2],
		})
	}
	return b, nil
}

// encode frames m: kind, then the view header for scoped messages, then the
// message fields.
func encode(m message) []byte {
	e := wire.New()
	m.push(e)
	if s, ok := m.(scoped); ok {
		h := s.header()
		e.PushUint(uint64(h.From))
		pushID(e, h.View)
	}
	e.PushUint(uint64(m.kind()))
	return e.Bytes()
}

func decode(frame []byte) (message, error) {
	e := wire.FromBytes(frame)
	k, err := e.PopUint()
	if err != nil {
		return nil, err
	}
	switch kind(k) {
	case kindHeartbeat:
		h, err := gossip.PopHeartbeat(e)
		return &heartbeatMsg{h}, err
	case kindMerge:
		return popMerge(e)
	}

	var h viewHeader
	if h.View, err = popID(e); err != nil {
		return nil, err
	}
	from, err := e.PopUint()
	if err != nil {
		return nil, err
	}
	h.From = int(from)

	switch kind(k) {
	case kindCast:
		m := &castMsg{viewHeader: h}
		origin, err := e.PopUint()
		if err != nil {
			return nil, err
		}
		m.Origin = int(origin)
		if m.Seq, err = e.PopUint32(); err != nil {
			return nil, err
		}
		if m.Retrans, err = e.PopBool(); err != nil {
			return nil, err
		}
		if m.Body, err = e.PopBytes(); err != nil {
			return nil, err
		}
		m.Seen, err = e.PopUints()
		return m, err
	case kindP2P:
		m := &p2pMsg{viewHeader: h}
		if m.Seq, err = e.PopUint(); err != nil {
			return nil, err
		}
		m.Payload, err = e.PopBytes()
		return m, err
	case kindInfo:
		m := &infoMsg{viewHeader: h}
		m.Seen, err = e.PopUints()
		return m, err
	case kindStable:
		row, err := e.PopUints()
		if err != nil {
			return nil, err
		}
		m := &stableMsg{viewHeader: h, Row: make([]uint32, len(row))}
		for i, v := range row {
			m.Row[i] = uint32(v)
		}
		return m, nil
	case kindRetransmit:
		m := &retransmitMsg{viewHeader: h}
		origin, err := e.PopUint()
		if err != nil {
			return nil, err
		}
		m.Origin = int(origin)
		if m.Lo, err = e.PopUint(); err != nil {
			return nil, err
		}
		m.Hi, err = e.PopUint()
		return m, err
	case kindBlock, kindView:
		round, err := e.PopUint()
		if err != nil {
			return nil, err
		}
		next, err := popView(e)
		if err != nil {
			return nil, err
		}
		if kind(k) == kindBlock {
			return &blockMsg{viewHeader: h, Round: round, Next: next}, nil
		}
		return &viewMsg{viewHeader: h, Round: round, Next: next}, nil
	case kindBlocked:
		m := &blockedMsg{viewHeader: h}
		if m.Round, err = e.PopUint(); err != nil {
			return nil, err
		}
		if m.Casts, err = e.PopUint(); err != nil {
			return nil, err
		}
		if m.Sends, err = e.PopUints(); err != nil {
			return nil, err
		}
		m.Delivered, err = e.PopUints()
		return m, err
	case kindSync:
		m := &syncMsg{viewHeader: h}
		if m.Round, err = e.PopUint(); err != nil {
			return nil, err
		}
		if m.Targets.Casts, err = e.PopUints(); err != nil {
			return nil, err
		}
		holders, err := e.PopUints()
		if err != nil {
			return nil, err
		}
		m.Targets.Holders = make([]int, len(holders))
		for i, v := range holders {
			m.Targets.Holders[i] = int(v) - 1
		}
		m.Targets.Sends, err = e.PopUints()
		return m, err
	case kindSynched:
		m := &synchedMsg{viewHeader: h}
		m.Round, err = e.PopUint()
		return m, err
	case kindRequest:
		m := &requestMsg{viewHeader: h}
		m.Leave, err = e.PopBool()
		return m, err
	}
	return nil, fmt.Errorf("unknown message kind %d", k)
}

func popMerge(e *wire.Envelope) (*mergeMsg, error) {
	m := &mergeMsg{}
	k, err := e.PopUint()
	if err != nil {
		return nil, err
	}
	m.Kind = merge.Kind(k)
	if m.From, err = popID(e); err != nil {
		return nil, err
	}
	if m.Round, err = e.PopUint(); err != nil {
		return nil, err
	}
	ltimes, err := e.PopUints()
	if err != nil {
		return nil, err
	}
	creators, err := e.PopStrings()
	if err != nil {
		return nil, err
	}
	addrs, err := e.PopStrings()
	if err != nil {
		return nil, err
	}
	if len(ltimes) != len(creators) || len(ltimes) != len(addrs) {
		return nil, fmt.Errorf("%w: candidate list of uneven length", wire.ErrTruncated)
	}
	for i := range ltimes {
		m.Candidates = append(m.Candidates, merge.Candidate{
			ID:   membership.ViewID{LTime: int64(ltimes[i]), Creator: membership.Endpoint(creators[i])},
			Addr: addrs[i],
		})
	}
	hasState, err := e.PopBool()
	if err != nil {
		return nil, err
	}
	if hasState {
		if m.State, err = popView(e); err != nil {
			return nil, err
		}
	}
	return m, nil
}
