//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package gen2 encodes Gen2 access commands into the bit-exact buffers
// transmitted by the reader chip, and decodes the tag replies it reports.
//
// Encoded buffers exclude the RN16 handle and CRC-16,
// which the device appends on transmission.
package gen2

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
)

// Command identifies a Gen2 command kind.
type Command uint8

const (
	CmdUnknown = Command(iota)
	CmdSelect
	CmdRead
	CmdWrite
	CmdKill1
	CmdKill2
	CmdLock
	CmdAccess
	CmdBlockWrite
)

// MemoryBank selects one of the four Gen2 tag memory banks.
type MemoryBank uint8

const (
	BankReserved = MemoryBank(0)
	BankEPC      = MemoryBank(1)
	BankTID      = MemoryBank(2)
	BankUser     = MemoryBank(3)
)

// SelectTarget is the flag a Select command modifies.
type SelectTarget uint8

const (
	TargetSession0 = SelectTarget(iota)
	TargetSession1
	TargetSession2
	TargetSession3
	TargetSelectedFlag
)

// SelectAction is the 3 bit Gen2 action applied to matching
// and non-matching tags. See the Gen2 Select action table.
type SelectAction uint8

const (
	Action000 = SelectAction(iota) // match: assert SL or A, else: deassert SL or B
	Action001                      // match: assert SL or A, else: nothing
	Action010                      // match: nothing, else: deassert SL or B
	Action011                      // match: negate SL or A<->B, else: nothing
	Action100                      // match: deassert SL or B, else: assert SL or A
	Action101                      // match: deassert SL or B, else: nothing
	Action110                      // match: nothing, else: assert SL or A
	Action111                      // match: nothing, else: negate SL or A<->B
)

const (
	// MaxEncodedBytes is the largest buffer a single command may occupy;
	// it is also the size of the device's whole Tx command buffer.
	MaxEncodedBytes = 128
	// MaxMaskBits is the largest Select mask, bounded by its 8 bit Length field.
	MaxMaskBits = 255
	// MaxWordCount bounds Read and BlockWrite word counts (8 bit field).
	MaxWordCount = 255
)

var (
	ErrUnknownCommand = fmt.Errorf("unknown gen2 command")
	ErrMemoryBank     = fmt.Errorf("invalid memory bank")
	ErrMaskLength     = fmt.Errorf("invalid select mask length")
	ErrSelectField    = fmt.Errorf("invalid select target or action")
	ErrWordCount      = fmt.Errorf("invalid word count")
	ErrBufferLength   = fmt.Errorf("encoded command exceeds buffer length")
)

// Spec is the argument payload of one Gen2 command.
// The concrete types in this package are the only implementations.
type Spec interface {
	Command() Command
	encode(w *BitWriter) error
}

// EncodedCommand is a transmit-ready command buffer.
// Index is its slot in a sequence table, or -1 when not yet appended.
type EncodedCommand struct {
	Spec          Spec
	Index         int
	TransactionID uint8
	Bits          int
	Buffer        []byte
}

// Command returns the kind of the command that produced the buffer.
func (ec EncodedCommand) Command() Command {
	if ec.Spec == nil {
		return CmdUnknown
	}
	return ec.Spec.Command()
}

// Encode produces the bit-exact buffer for spec.
// The result depends only on spec; identical inputs yield identical buffers.
func Encode(spec Spec) (EncodedCommand, error) {
	if spec == nil {
		return EncodedCommand{}, errors.Wrap(ErrUnknownCommand, "nil command spec")
	}

	w := &BitWriter{}
	if err := spec.encode(w); err != nil {
		return EncodedCommand{}, errors.WithMessagef(err, "failed to encode %v", spec.Command())
	}

	if (w.Len()+7)/8 > MaxEncodedBytes {
		return EncodedCommand{}, errors.Wrapf(ErrBufferLength,
			"%v needs %d bits, limit is %d bytes", spec.Command(), w.Len(), MaxEncodedBytes)
	}

	return EncodedCommand{
		Spec:   spec,
		Index:  -1,
		Bits:   w.Len(),
		Buffer: w.Bytes(),
	}, nil
}

func checkBank(b MemoryBank) error {
	if b > BankUser {
		return errors.Wrapf(ErrMemoryBank, "bank %d", b)
	}
	return nil
}

// Select asserts or deasserts a session or SL flag on tags whose memory
// matches Mask, starting at BitPointer in MemoryBank.
type Select struct {
	Target     SelectTarget
	Action     SelectAction
	MemoryBank MemoryBank
	BitPointer uint32
	BitCount   int
	Mask       []byte
	Truncate   bool
}

func (s *Select) Command() Command { return CmdSelect }

func (s *Select) encode(w *BitWriter) error {
	if s.Target > TargetSelectedFlag || s.Action > Action111 {
		return errors.Wrapf(ErrSelectField, "target %d, action %d", s.Target, s.Action)
	}
	if err := checkBank(s.MemoryBank); err != nil {
		return err
	}
	if s.BitCount < 0 || s.BitCount > MaxMaskBits || s.BitCount > len(s.Mask)*8 {
		return errors.Wrapf(ErrMaskLength, "%d bits from a %d byte mask", s.BitCount, len(s.Mask))
	}

	w.WriteBits(0xA, 4)
	w.WriteBits(uint64(s.Target), 3)
	w.WriteBits(uint64(s.Action), 3)
	w.WriteBits(uint64(s.MemoryBank), 2)
	w.WriteEBV(s.BitPointer)
	w.WriteBits(uint64(s.BitCount), 8)
	w.WriteMask(s.Mask, s.BitCount)
	w.WriteBit(s.Truncate)
	return nil
}

// Read requests WordCount words from MemoryBank starting at WordPointer.
type Read struct {
	MemoryBank  MemoryBank
	WordPointer uint32
	WordCount   int
}

func (r *Read) Command() Command { return CmdRead }

func (r *Read) encode(w *BitWriter) error {
	if err := checkBank(r.MemoryBank); err != nil {
		return err
	}
	// a zero count asks the tag for the whole bank,
	// which the fixed size reply buffers cannot hold
	if r.WordCount < 1 || r.WordCount > MaxWordCount {
		return errors.Wrapf(ErrWordCount, "read of %d words", r.WordCount)
	}

	w.WriteBits(0xC2, 8)
	w.WriteBits(uint64(r.MemoryBank), 2)
	w.WriteEBV(r.WordPointer)
	w.WriteBits(uint64(r.WordCount), 8)
	return nil
}

// Write stores one word. The device applies cover-coding.
type Write struct {
	MemoryBank  MemoryBank
	WordPointer uint32
	Data        uint16
}

func (wr *Write) Command() Command { return CmdWrite }

func (wr *Write) encode(w *BitWriter) error {
	if err := checkBank(wr.MemoryBank); err != nil {
		return err
	}

	w.WriteBits(0xC3, 8)
	w.WriteBits(uint64(wr.MemoryBank), 2)
	w.WriteEBV(wr.WordPointer)
	w.WriteBits(uint64(wr.Data), 16)
	return nil
}

// Kill is one half of the two-step kill sequence.
// The first step carries the password's upper word, the second its lower word.
type Kill struct {
	Password uint16
	Recom    uint8
	Second   bool
}

func (k *Kill) Command() Command {
	if k.Second {
		return CmdKill2
	}
	return CmdKill1
}

func (k *Kill) encode(w *BitWriter) error {
	w.WriteBits(0xC4, 8)
	w.WriteBits(uint64(k.Password), 16)
	w.WriteBits(uint64(k.Recom&0x7), 3)
	return nil
}

// LockTarget indexes the five lockable regions of a tag.
type LockTarget int

const (
	LockKillPassword = LockTarget(iota)
	LockAccessPassword
	LockEPC
	LockTID
	LockUser
	numLockTargets
)

// LockAction describes the mask and action bits for one LockTarget.
// A region is only changed when its corresponding mask bit is set.
type LockAction struct {
	WriteMask bool
	PermaMask bool
	WriteLock bool
	Permalock bool
}

// Lock changes the lock state of tag memory regions.
type Lock struct {
	Actions [numLockTargets]LockAction
}

func (l *Lock) Command() Command { return CmdLock }

// Payload returns the 20 bit Mask/Action field:
// mask bits 19..10 then action bits 9..0, two bits per region
// in kill, access, EPC, TID, User order.
func (l *Lock) Payload() uint32 {
	var p uint32
	set := func(bit uint, v bool) {
		if v {
			p |= 1 << bit
		}
	}
	for t := 0; t < int(numLockTargets); t++ {
		a := l.Actions[t]
		hi := uint(19 - 2*t)
		lo := uint(9 - 2*t)
		set(hi, a.WriteMask)
		set(hi-1, a.PermaMask)
		set(lo, a.WriteLock)
		set(lo-1, a.Permalock)
	}
	return p
}

func (l *Lock) encode(w *BitWriter) error {
	w.WriteBits(0xC5, 8)
	w.WriteBits(uint64(l.Payload()), 20)
	return nil
}

// Access transmits one half of the access password.
type Access struct {
	Password uint16
}

func (a *Access) Command() Command { return CmdAccess }

func (a *Access) encode(w *BitWriter) error {
	w.WriteBits(0xC6, 8)
	w.WriteBits(uint64(a.Password), 16)
	return nil
}

// BlockWrite stores several consecutive words.
type BlockWrite struct {
	MemoryBank  MemoryBank
	WordPointer uint32
	Data        []uint16
}

func (b *BlockWrite) Command() Command { return CmdBlockWrite }

func (b *BlockWrite) encode(w *BitWriter) error {
	if err := checkBank(b.MemoryBank); err != nil {
		return err
	}
	if len(b.Data) < 1 || len(b.Data) > MaxWordCount {
		return errors.Wrapf(ErrWordCount, "block write of %d words", len(b.Data))
	}

	w.WriteBits(0xC7, 8)
	w.WriteBits(uint64(b.MemoryBank), 2)
	w.WriteEBV(b.WordPointer)
	w.WriteBits(uint64(len(b.Data)), 8)
	for _, d := range b.Data {
		w.WriteBits(uint64(d), 16)
	}
	return nil
}

var cmdStrs = [...][]byte{
	CmdUnknown:    []byte("Unknown"),
	CmdSelect:     []byte("Select"),
	CmdRead:       []byte("Read"),
	CmdWrite:      []byte("Write"),
	CmdKill1:      []byte("Kill1"),
	CmdKill2:      []byte("Kill2"),
	CmdLock:       []byte("Lock"),
	CmdAccess:     []byte("Access"),
	CmdBlockWrite: []byte("BlockWrite"),
}

func (c Command) String() string {
	if int(c) < len(cmdStrs) {
		return string(cmdStrs[c])
	}
	return fmt.Sprintf("Command(%d)", uint8(c))
}

func (c Command) MarshalText() ([]byte, error) {
	if !(int(c) < len(cmdStrs)) {
		return nil, errors.Errorf("unknown Command: %d", c)
	}
	return cmdStrs[c], nil
}

func (c *Command) UnmarshalText(text []byte) error {
	for i := range cmdStrs {
		if bytes.Equal(cmdStrs[i], text) {
			*c = Command(i)
			return nil
		}
	}
	return errors.Errorf("unknown Command: %q", string(text))
}
