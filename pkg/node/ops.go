package node

import (
	"errors"
	"fmt"
	"time"

	"github.com/ryandielhenn/zephyrgroup/pkg/kv"
	"github.com/ryandielhenn/zephyrgroup/pkg/wire"
)

var errUnknownOp = errors.New("node: unknown operation")

type opKind uint8

const (
	opPut opKind = iota + 1
	opDelete
)

// op is a write broadcast to the group. ID lets the writer find its own
// operation among the uniform deliveries.
type op struct {
	Kind     opKind
	ID       string
	Key      string
	Value    []byte
	ExpireAt int64 // unix nanoseconds, 0 for no expiry
}

func (o op) expiry() time.Time {
	if o.ExpireAt == 0 {
		return time.Time{}
	}
	return time.Unix(0, o.ExpireAt)
}

func encodeOp(o op) []byte {
	e := wire.New()
	e.PushInt(o.ExpireAt)
	e.PushBytes(o.Value)
	e.PushString(o.Key)
	e.PushString(o.ID)
	e.PushUint(uint64(o.Kind))
	return e.Bytes()
}

func decodeOp(b []byte) (op, error) {
	var o op
	e := wire.FromBytes(append([]byte(nil), b...))
	k, err := e.PopUint()
	if err != nil {
		return o, err
	}
	o.Kind = opKind(k)
	if o.Kind != opPut && o.Kind != opDelete {
		return o, fmt.Errorf("%w: %d", errUnknownOp, k)
	}
	if o.ID, err = e.PopString(); err != nil {
		return o, err
	}
	if o.Key, err = e.PopString(); err != nil {
		return o, err
	}
	if o.Value, err = e.PopBytes(); err != nil {
		return o, err
	}
	o.ExpireAt, err = e.PopInt()
	return o, err
}

// encodeSnapshot frames the entries so they pop in their original order.
func encodeSnapshot(entries []kv.Entry) []byte {
	e := wire.New()
	for i := len(entries) - 1; i >= 0; i-- {
		var exp int64
		if !entries[i].ExpireAt.IsZero() {
			exp = entries[i].ExpireAt.UnixNano()
		}
		e.PushInt(exp)
		e.PushBytes(entries[i].Value)
		e.PushString(entries[i].Key)
	}
	e.PushUint(uint64(len(entries)))
	return e.Bytes()
}

func decodeSnapshot(b []byte) ([]kv.Entry, error) {
	e := wire.FromBytes(append([]byte(nil), b...))
	n, err := e.PopUint()
	if err != nil {
		return nil, err
	}
	if n > uint64(e.Len()) {
		return nil, fmt.Errorf("%w: %d entries in %d bytes", wire.ErrTruncated, n, e.Len())
	}
	out := make([]kv.Entry, n)
	for i := range out {
		if out[i].Key, err = e.PopString(); err != nil {
			return nil, err
		}
		if out[i].Value, err = e.PopBytes(); err != nil {
			return nil, err
		}
		exp, err := e.PopInt()
		if err != nil {
			return nil, err
		}
		if exp != 0 {
			out[i].ExpireAt = time.Unix(0, exp)
		}
	}
	return out, nil
}
