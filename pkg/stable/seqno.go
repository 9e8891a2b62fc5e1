package stable

// Sequence numbers travel as their low 32 bits. The receiver rebuilds the
// 64-bit value against a base it already knows for the same sender, normally
// the last sequence it delivered from that sender.

// EncodeSeq returns the wire form of seq.
func EncodeSeq(seq uint64) uint32 {
	return uint32(seq)
}

// DecodeSeq reconstructs the 64-bit sequence closest to base whose low half is
// wire. When the wire sign bit is clear but the base's low half has its sign
// bit set, the wire counter wrapped past the base and the high half moves up
// by one; the opposite flip moves it down. Any value within 2^31 of base is
// reproduced exactly.
func DecodeSeq(wire uint32, base uint64) uint64 {
	high := base >> 32
	low := uint32(base)
	const sign = uint32(1) << 31
	switch {
	case low&sign != 0 && wire&sign == 0 && wire < low-sign:
		high++
	case low&sign == 0 && wire&sign != 0 && wire-sign > low && high > 0:
		high--
	}
	return high<<32 | uint64(wire)
}
