//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package gen2

// BitWriter accumulates a bitstream, most significant bit first.
// The final byte is zero-padded on the right.
type BitWriter struct {
	buf  []byte
	nbit int
}

// WriteBit appends a single bit.
func (w *BitWriter) WriteBit(set bool) {
	if w.nbit%8 == 0 {
		w.buf = append(w.buf, 0)
	}
	if set {
		w.buf[w.nbit/8] |= 0x80 >> uint(w.nbit%8)
	}
	w.nbit++
}

// WriteBits appends the low n bits of v, most significant first.
func (w *BitWriter) WriteBits(v uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		w.WriteBit((v>>uint(i))&1 == 1)
	}
}

// WriteMask appends the first n bits of mask.
// Bits are taken from mask[0] bit 7 onward, regardless of how many
// bytes the mask holds, so a 12 bit window over {0xA2, 0xF5}
// yields 1010 0010 1111.
func (w *BitWriter) WriteMask(mask []byte, n int) {
	for i := 0; i < n; i++ {
		w.WriteBit(mask[i/8]&(0x80>>uint(i%8)) != 0)
	}
}

// WriteEBV appends v as an Extensible Bit Vector:
// 8 bit blocks, each an extension bit followed by 7 data bits,
// with the most significant block first.
func (w *BitWriter) WriteEBV(v uint32) {
	var groups [5]uint8
	n := 0
	for {
		groups[n] = uint8(v & 0x7F)
		n++
		v >>= 7
		if v == 0 {
			break
		}
	}
	for i := n - 1; i >= 0; i-- {
		ext := uint64(0)
		if i > 0 {
			ext = 1
		}
		w.WriteBits(ext<<7|uint64(groups[i]), 8)
	}
}

// Len returns the number of bits written.
func (w *BitWriter) Len() int {
	return w.nbit
}

// Bytes returns a copy of the written bits.
func (w *BitWriter) Bytes() []byte {
	out := make([]byte, len(w.buf))
	copy(out, w.buf)
	return out
}

// BitReader consumes a bitstream produced in BitWriter order.
type BitReader struct {
	data []byte
	nbit int
	pos  int
}

// NewBitReader reads the first nbit bits of data.
// nbit is clamped to the bits actually present.
func NewBitReader(data []byte, nbit int) *BitReader {
	if nbit > len(data)*8 {
		nbit = len(data) * 8
	}
	if nbit < 0 {
		nbit = 0
	}
	return &BitReader{data: data, nbit: nbit}
}

// Remaining returns the number of unread bits.
func (r *BitReader) Remaining() int {
	return r.nbit - r.pos
}

// ReadBits returns the next n bits as an unsigned value.
// It reports false without consuming anything when fewer than n bits remain.
func (r *BitReader) ReadBits(n int) (uint64, bool) {
	if n > r.Remaining() || n > 64 {
		return 0, false
	}
	var v uint64
	for i := 0; i < n; i++ {
		bit := r.data[r.pos/8] & (0x80 >> uint(r.pos%8))
		v <<= 1
		if bit != 0 {
			v |= 1
		}
		r.pos++
	}
	return v, true
}

// ReadEBV reads an Extensible Bit Vector.
func (r *BitReader) ReadEBV() (uint32, bool) {
	var v uint64
	for i := 0; i < 5; i++ {
		block, ok := r.ReadBits(8)
		if !ok {
			return 0, false
		}
		v = v<<7 | (block & 0x7F)
		if block&0x80 == 0 {
			return uint32(v), v <= 0xFFFFFFFF
		}
	}
	return 0, false
}
