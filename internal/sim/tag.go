//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package sim

import (
	"encoding/binary"
	"math/rand"

	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/ex10"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/gen2"
)

const (
	userWords     = 32
	reservedWords = 4
)

// Tag is a simulated Gen2 tag.
// Memory holds the four banks; the EPC bank starts with StoredCRC and PC.
type Tag struct {
	Memory [4][]uint16
	// WriteLocked banks reject Write and BlockWrite with MemoryLocked.
	WriteLocked [4]bool
	// Unresponsive tags singulate but stop replying once halted.
	Unresponsive bool
	// RSSI reported with each read, cdBm.
	RSSI int16

	flags  [4]ex10.Target
	sl     bool
	killed bool

	secure     bool
	accessStep int
}

// NewTag builds a tag with a 96 bit EPC.
func NewTag(epc []byte) *Tag {
	n := (len(epc) + 1) / 2
	epcBank := make([]uint16, 2+n)
	for i := 0; i < n; i++ {
		var w uint16
		w = uint16(epc[2*i]) << 8
		if 2*i+1 < len(epc) {
			w |= uint16(epc[2*i+1])
		}
		epcBank[2+i] = w
	}
	epcBank[1] = uint16(n) << 11
	epcBank[0] = 0xFFFF ^ epcBank[1]

	tid := []uint16{0xE280, 0x1160, 0x2000, 0x0000, 0x0000, 0x0000}
	copy(tid[3:], epcBank[2:])

	return &Tag{
		Memory: [4][]uint16{
			gen2.BankReserved: make([]uint16, reservedWords),
			gen2.BankEPC:      epcBank,
			gen2.BankTID:      tid,
			gen2.BankUser:     make([]uint16, userWords),
		},
		RSSI: -6000,
	}
}

// NewPopulation returns n tags with distinct EPCs derived from seed.
func NewPopulation(n int, seed int64) []*Tag {
	rnd := rand.New(rand.NewSource(seed))
	tags := make([]*Tag, n)
	for i := range tags {
		epc := make([]byte, 12)
		binary.BigEndian.PutUint32(epc[0:], 0x30000000|uint32(rnd.Int31n(1<<28)))
		binary.BigEndian.PutUint32(epc[4:], rnd.Uint32())
		binary.BigEndian.PutUint32(epc[8:], uint32(i))
		tags[i] = NewTag(epc)
		tags[i].RSSI = int16(-4000 - rnd.Intn(3000))
	}
	return tags
}

// EPC returns the EPC bytes, as sized by the PC word.
func (t *Tag) EPC() []byte {
	bank := t.Memory[gen2.BankEPC]
	n := int(bank[1] >> 11)
	if 2+n > len(bank) {
		n = len(bank) - 2
	}
	out := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		binary.BigEndian.PutUint16(out[2*i:], bank[2+i])
	}
	return out
}

func (t *Tag) PC() uint16 {
	return t.Memory[gen2.BankEPC][1]
}

func (t *Tag) StoredCRC() uint16 {
	return t.Memory[gen2.BankEPC][0]
}

// Flag returns the inventoried flag for session s.
func (t *Tag) Flag(s ex10.Session) ex10.Target {
	return t.flags[s&3]
}

// SL returns the selected flag.
func (t *Tag) SL() bool {
	return t.sl
}

func (t *Tag) Killed() bool {
	return t.killed
}

// release returns the tag to the open state when the reader lets it go.
func (t *Tag) release() {
	t.secure = false
	t.accessStep = 0
}

func (t *Tag) accessPassword() uint32 {
	r := t.Memory[gen2.BankReserved]
	return uint32(r[2])<<16 | uint32(r[3])
}

func (t *Tag) killPassword() uint32 {
	r := t.Memory[gen2.BankReserved]
	return uint32(r[0])<<16 | uint32(r[1])
}

// bit returns bit i of a bank, counting from the MSB of word 0.
func (t *Tag) bit(bank gen2.MemoryBank, i uint32) (bool, bool) {
	mem := t.Memory[bank]
	w := i / 16
	if int(w) >= len(mem) {
		return false, false
	}
	return mem[w]&(0x8000>>(i%16)) != 0, true
}

// matches reports whether the select mask matches the tag's memory.
func (t *Tag) matches(s *gen2.Select) bool {
	for i := 0; i < s.BitCount; i++ {
		want := s.Mask[i/8]&(0x80>>(uint(i)%8)) != 0
		got, ok := t.bit(s.MemoryBank, s.BitPointer+uint32(i))
		if !ok || got != want {
			return false
		}
	}
	return true
}

// applySelect applies a Select command's action per the Gen2 action table.
func (t *Tag) applySelect(s *gen2.Select) {
	const (
		none = iota
		assert
		deassert
		negate
	)
	actions := [8][2]int{
		gen2.Action000: {assert, deassert},
		gen2.Action001: {assert, none},
		gen2.Action010: {none, deassert},
		gen2.Action011: {negate, none},
		gen2.Action100: {deassert, assert},
		gen2.Action101: {deassert, none},
		gen2.Action110: {none, assert},
		gen2.Action111: {none, negate},
	}

	act := actions[s.Action&7][0]
	if !t.matches(s) {
		act = actions[s.Action&7][1]
	}

	if s.Target == gen2.TargetSelectedFlag {
		switch act {
		case assert:
			t.sl = true
		case deassert:
			t.sl = false
		case negate:
			t.sl = !t.sl
		}
		return
	}

	sess := int(s.Target) & 3
	switch act {
	case assert:
		t.flags[sess] = ex10.TargetA
	case deassert:
		t.flags[sess] = ex10.TargetB
	case negate:
		t.flags[sess] = t.flags[sess].Flip()
	}
}

// execute runs an access command against the tag and builds its reply.
// A tag that ignores the command yields a NoReply transaction.
func (t *Tag) execute(ec gen2.EncodedCommand, handle uint16) *gen2.Transaction {
	id := ec.TransactionID
	cmd := ec.Command()
	reply := func(code gen2.ErrorCode, words []uint16) *gen2.Transaction {
		return gen2.BuildReply(id, cmd, code, words, handle)
	}

	switch spec := ec.Spec.(type) {
	case *gen2.Read:
		mem := t.Memory[spec.MemoryBank]
		end := int(spec.WordPointer) + spec.WordCount
		if end > len(mem) {
			return reply(gen2.ErrorMemoryOverrun, nil)
		}
		words := make([]uint16, spec.WordCount)
		copy(words, mem[spec.WordPointer:end])
		return reply(gen2.NoError, words)

	case *gen2.Write:
		return reply(t.write(spec.MemoryBank, spec.WordPointer, []uint16{spec.Data}), nil)

	case *gen2.BlockWrite:
		return reply(t.write(spec.MemoryBank, spec.WordPointer, spec.Data), nil)

	case *gen2.Access:
		pwd := t.accessPassword()
		if t.accessStep == 0 {
			if spec.Password != uint16(pwd>>16) {
				return reply(gen2.ErrorNoReply, nil)
			}
			t.accessStep = 1
			return reply(gen2.NoError, nil)
		}
		t.accessStep = 0
		if spec.Password != uint16(pwd) {
			return reply(gen2.ErrorNoReply, nil)
		}
		t.secure = true
		return reply(gen2.NoError, nil)

	case *gen2.Kill:
		pwd := t.killPassword()
		if !spec.Second {
			if spec.Password != uint16(pwd>>16) {
				return reply(gen2.ErrorNoReply, nil)
			}
			return reply(gen2.NoError, nil)
		}
		if spec.Password != uint16(pwd) || pwd == 0 {
			return reply(gen2.ErrorNoReply, nil)
		}
		t.killed = true
		return reply(gen2.NoError, nil)

	case *gen2.Lock:
		if t.accessPassword() != 0 && !t.secure {
			return reply(gen2.ErrorInsufficientPrivileges, nil)
		}
		banks := [...]gen2.MemoryBank{
			gen2.LockEPC:  gen2.BankEPC,
			gen2.LockTID:  gen2.BankTID,
			gen2.LockUser: gen2.BankUser,
		}
		for i, a := range spec.Actions {
			if !a.WriteMask || i < int(gen2.LockEPC) {
				continue
			}
			t.WriteLocked[banks[i]] = a.WriteLock
		}
		return reply(gen2.NoError, nil)
	}

	return reply(gen2.ErrorNotSupported, nil)
}

func (t *Tag) write(bank gen2.MemoryBank, ptr uint32, data []uint16) gen2.ErrorCode {
	if t.WriteLocked[bank] {
		return gen2.ErrorMemoryLocked
	}
	mem := t.Memory[bank]
	if int(ptr)+len(data) > len(mem) {
		return gen2.ErrorMemoryOverrun
	}
	copy(mem[ptr:], data)
	return gen2.NoError
}
