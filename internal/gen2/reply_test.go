//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package gen2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// userMemory applies encoded Write commands to a word array
// the way a tag would, so encode and decode can be checked together.
type userMemory [8]uint16

func (m *userMemory) apply(t *testing.T, ec EncodedCommand) *Transaction {
	t.Helper()
	rd := NewBitReader(ec.Buffer, ec.Bits)
	code, ok := rd.ReadBits(8)
	require.True(t, ok)
	bank, _ := rd.ReadBits(2)
	require.Equal(t, uint64(BankUser), bank)
	ptr, ok := rd.ReadEBV()
	require.True(t, ok)

	switch code {
	case 0xC3:
		data, ok := rd.ReadBits(16)
		require.True(t, ok)
		m[ptr] = uint16(data)
		return BuildReply(0, CmdWrite, NoError, nil, 0x5555)
	case 0xC2:
		n, ok := rd.ReadBits(8)
		require.True(t, ok)
		return BuildReply(1, CmdRead, NoError, m[ptr:ptr+uint32(n)], 0x5555)
	}
	t.Fatalf("unexpected opcode 0x%02X", code)
	return nil
}

func TestWriteReadRoundTrip(t *testing.T) {
	var mem userMemory
	for _, word := range []uint16{0x0000, 0x0001, 0x7FFF, 0x8000, 0xA5A5, 0xBEEF, 0xFFFF} {
		for _, ptr := range []uint32{0, 3, 7} {
			wr, err := Encode(&Write{MemoryBank: BankUser, WordPointer: ptr, Data: word})
			require.NoError(t, err)
			rd, err := Encode(&Read{MemoryBank: BankUser, WordPointer: ptr, WordCount: 1})
			require.NoError(t, err)

			wReply := Decode(CmdWrite, mem.apply(t, wr))
			require.False(t, CheckError(wReply), wReply.Error)

			rReply := Decode(CmdRead, mem.apply(t, rd))
			require.False(t, CheckError(rReply), rReply.Error)
			require.Len(t, rReply.Data, 1)
			assert.Equal(t, word, rReply.Data[0])
			assert.Equal(t, uint16(0x5555), rReply.Handle)
		}
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		tx   *Transaction
		code ErrorCode
		data []uint16
	}{
		{"read words", CmdRead, BuildReply(0, CmdRead, NoError, []uint16{1, 2, 3}, 9), NoError, []uint16{1, 2, 3}},
		{"write ok", CmdWrite, BuildReply(0, CmdWrite, NoError, nil, 9), NoError, nil},
		{"memory locked", CmdWrite, BuildReply(0, CmdWrite, ErrorMemoryLocked, nil, 9), ErrorMemoryLocked, nil},
		{"memory overrun", CmdRead, BuildReply(0, CmdRead, ErrorMemoryOverrun, nil, 9), ErrorMemoryOverrun, nil},
		{"insufficient power", CmdLock, BuildReply(0, CmdLock, ErrorInsufficientPower, nil, 9), ErrorInsufficientPower, nil},
		{"access handle only", CmdAccess, BuildReply(0, CmdAccess, NoError, nil, 9), NoError, nil},
		{"no reply", CmdRead, BuildReply(0, CmdRead, ErrorNoReply, nil, 0), ErrorNoReply, nil},
		{"crc", CmdWrite, BuildReply(0, CmdWrite, ErrorCRC, nil, 0), ErrorCRC, nil},
		{"nil packet", CmdRead, nil, ErrorReplyLength, nil},
		{"read without words", CmdRead, BuildReply(0, CmdWrite, NoError, nil, 9), ErrorReplyLength, nil},
		{"select has no reply", CmdSelect, BuildReply(0, CmdWrite, NoError, nil, 9), ErrorReplyLength, nil},
		{"unknown tag code", CmdWrite, &Transaction{NumBits: 25, Data: []byte{0xFF, 0x80, 0x00, 0x00}}, ErrorNonSpecific, nil},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			r := Decode(tc.cmd, tc.tx)
			assert.Equal(t, tc.code, r.Error)
			assert.Equal(t, tc.cmd, r.Command)
			assert.Equal(t, tc.code != NoError, CheckError(r))
			if tc.data == nil {
				assert.Empty(t, r.Data)
			} else {
				assert.Equal(t, tc.data, r.Data)
			}
			if tc.code == NoError {
				assert.NoError(t, r.Err())
			} else {
				assert.Equal(t, ReplyError{Command: tc.cmd, Code: tc.code}, r.Err())
			}
		})
	}
}

func TestDecodeReply_ReadWordCount(t *testing.T) {
	ec, err := Encode(&Read{MemoryBank: BankUser, WordCount: 1})
	require.NoError(t, err)

	r := DecodeReply(ec, BuildReply(0, CmdRead, NoError, []uint16{0xCAFE}, 9))
	assert.Equal(t, NoError, r.Error)
	assert.Equal(t, []uint16{0xCAFE}, r.Data)

	r = DecodeReply(ec, BuildReply(0, CmdRead, NoError, []uint16{1, 2, 3}, 9))
	assert.Equal(t, ErrorReplyLength, r.Error)
	assert.Empty(t, r.Data)

	r = DecodeReply(ec, BuildReply(0, CmdRead, ErrorMemoryOverrun, nil, 9))
	assert.Equal(t, ErrorMemoryOverrun, r.Error)

	wr, err := Encode(&Write{MemoryBank: BankUser, Data: 7})
	require.NoError(t, err)
	assert.Equal(t, NoError, DecodeReply(wr, BuildReply(0, CmdWrite, NoError, nil, 9)).Error)
}

func TestDecodeInto_ZeroesStaleData(t *testing.T) {
	var r Reply
	DecodeInto(&r, CmdRead, BuildReply(0, CmdRead, NoError, []uint16{0xDEAD, 0xBEEF}, 1))
	require.Equal(t, []uint16{0xDEAD, 0xBEEF}, r.Data)

	backing := r.Data[:cap(r.Data)]
	short := &Transaction{NumBits: 20, Data: []byte{0x00, 0x12, 0x30}}
	DecodeInto(&r, CmdRead, short)

	assert.Equal(t, ErrorReplyLength, r.Error)
	assert.Empty(t, r.Data)
	for _, w := range backing {
		assert.Zero(t, w)
	}
}

func TestErrorCodeString(t *testing.T) {
	assert.Equal(t, "MemoryLocked", ErrorMemoryLocked.String())
	assert.Equal(t, "NoError", NoError.String())
	assert.Equal(t, "ErrorCode(0x0A)", ErrorCode(0x0A).String())
	assert.Equal(t, "Write reply error: MemoryLocked",
		ReplyError{Command: CmdWrite, Code: ErrorMemoryLocked}.Error())
}
