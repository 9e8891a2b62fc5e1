// Package wire implements the message envelope every protocol header is
// encoded with. Fields are pushed in front of what is already in the
// envelope and popped from the front, so a layer that pushes its header
// before handing the envelope down pops it again, in reverse order, on the
// receiving side.
//
// Field encodings are the protobuf wire primitives from protowire: varints,
// zigzag varints, fixed32 and length-delimited bytes.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrTruncated = errors.New("wire: truncated envelope")

type Envelope struct {
	buf []byte
}

func New() *Envelope {
	return &Envelope{}
}

// FromBytes wraps a received frame. The envelope takes ownership of b.
func FromBytes(b []byte) *Envelope {
	return &Envelope{buf: b}
}

func (e *Envelope) Bytes() []byte { return e.buf }

func (e *Envelope) Len() int { return len(e.buf) }

func (e *Envelope) prepend(field []byte) {
	out := make([]byte, 0, len(field)+len(e.buf))
	out = append(out, field...)
	e.buf = append(out, e.buf...)
}

func (e *Envelope) PushUint(v uint64) {
	e.prepend(protowire.AppendVarint(nil, v))
}

func (e *Envelope) PushInt(v int64) {
	e.PushUint(protowire.EncodeZigZag(v))
}

func (e *Envelope) PushBool(v bool) {
	e.PushUint(protowire.EncodeBool(v))
}

func (e *Envelope) PushUint32(v uint32) {
	e.prepend(protowire.AppendFixed32(nil, v))
}

func (e *Envelope) PushBytes(v []byte) {
	e.prepend(protowire.AppendBytes(nil, v))
}

func (e *Envelope) PushString(v string) {
	e.prepend(protowire.AppendString(nil, v))
}

// PushUints pushes a counted list as a single field.
func (e *Envelope) PushUints(vs []uint64) {
	var field []byte
	field = protowire.AppendVarint(field, uint64(len(vs)))
	for _, v := range vs {
		field = protowire.AppendVarint(field, v)
	}
	e.prepend(field)
}

func (e *Envelope) PushStrings(vs []string) {
	var field []byte
	field = protowire.AppendVarint(field, uint64(len(vs)))
	for _, v := range vs {
		field = protowire.AppendString(field, v)
	}
	e.prepend(field)
}

func truncated(n int) error {
	return fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(n))
}

func (e *Envelope) PopUint() (uint64, error) {
	v, n := protowire.ConsumeVarint(e.buf)
	if n < 0 {
		return 0, truncated(n)
	}
	e.buf = e.buf[n:]
	return v, nil
}

func (e *Envelope) PopInt() (int64, error) {
	v, err := e.PopUint()
	return protowire.DecodeZigZag(v), err
}

func (e *Envelope) PopBool() (bool, error) {
	v, err := e.PopUint()
	return protowire.DecodeBool(v), err
}

func (e *Envelope) PopUint32() (uint32, error) {
	v, n := protowire.ConsumeFixed32(e.buf)
	if n < 0 {
		return 0, truncated(n)
	}
	e.buf = e.buf[n:]
	return v, nil
}

// PopBytes returns a copy of the next length-delimited field.
func (e *Envelope) PopBytes() ([]byte, error) {
	v, n := protowire.ConsumeBytes(e.buf)
	if n < 0 {
		return nil, truncated(n)
	}
	e.buf = e.buf[n:]
	return append([]byte(nil), v...), nil
}

func (e *Envelope) PopString() (string, error) {
	v, n := protowire.ConsumeString(e.buf)
	if n < 0 {
		return "", truncated(n)
	}
	e.buf = e.buf[n:]
	return v, nil
}

func (e *Envelope) PopUints() ([]uint64, error) {
	count, err := e.PopUint()
	if err != nil {
		return nil, err
	}
	if count > uint64(len(e.buf)) {
		return nil, fmt.Errorf("%w: list of %d in %d bytes", ErrTruncated, count, len(e.buf))
	}
	vs := make([]uint64, count)
	for i := range vs {
		if vs[i], err = e.PopUint(); err != nil {
			return nil, err
		}
	}
	return vs, nil
}

func (e *Envelope) PopStrings() ([]string, error) {
	count, err := e.PopUint()
	if err != nil {
		return nil, err
	}
	if count > uint64(len(e.buf)) {
		return nil, fmt.Errorf("%w: list of %d in %d bytes", ErrTruncated, count, len(e.buf))
	}
	vs := make([]string, count)
	for i := range vs {
		if vs[i], err = e.PopString(); err != nil {
			return nil, err
		}
	}
	return vs, nil
}
