//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package gen2

import (
	"fmt"
)

// ErrorCode is the outcome of one Gen2 transaction.
// Values below 0x10 are the tag's own error codes;
// the rest are assigned by the host while decoding.
type ErrorCode uint8

const (
	ErrorOther                  = ErrorCode(0x00)
	ErrorNotSupported           = ErrorCode(0x01)
	ErrorInsufficientPrivileges = ErrorCode(0x02)
	ErrorMemoryOverrun          = ErrorCode(0x03)
	ErrorMemoryLocked           = ErrorCode(0x04)
	ErrorCryptoSuite            = ErrorCode(0x05)
	ErrorCommandNotEncapsulated = ErrorCode(0x06)
	ErrorResponseBufferOverflow = ErrorCode(0x07)
	ErrorSecurityTimeout        = ErrorCode(0x08)
	ErrorInsufficientPower      = ErrorCode(0x0B)
	ErrorNonSpecific            = ErrorCode(0x0F)

	NoError          = ErrorCode(0x10)
	ErrorNoReply     = ErrorCode(0x11)
	ErrorCRC         = ErrorCode(0x12)
	ErrorReplyLength = ErrorCode(0x13)
)

var errorNames = map[ErrorCode]string{
	ErrorOther:                  "Other",
	ErrorNotSupported:           "NotSupported",
	ErrorInsufficientPrivileges: "InsufficientPrivileges",
	ErrorMemoryOverrun:          "MemoryOverrun",
	ErrorMemoryLocked:           "MemoryLocked",
	ErrorCryptoSuite:            "CryptoSuite",
	ErrorCommandNotEncapsulated: "CommandNotEncapsulated",
	ErrorResponseBufferOverflow: "ResponseBufferOverflow",
	ErrorSecurityTimeout:        "SecurityTimeout",
	ErrorInsufficientPower:      "InsufficientPower",
	ErrorNonSpecific:            "NonSpecific",
	NoError:                     "NoError",
	ErrorNoReply:                "NoReply",
	ErrorCRC:                    "CrcError",
	ErrorReplyLength:            "ReplyLength",
}

func (e ErrorCode) String() string {
	if s, ok := errorNames[e]; ok {
		return s
	}
	return fmt.Sprintf("ErrorCode(0x%02X)", uint8(e))
}

// TransactionStatus is the device's verdict on a reply before decoding.
type TransactionStatus uint8

const (
	StatusOK = TransactionStatus(iota)
	StatusNoReply
	StatusCRCError
	StatusInvalid
)

// Transaction is the raw content of a Gen2Transaction event packet:
// the reply bits as received, with the CRC already checked and removed.
type Transaction struct {
	TransactionID uint8
	Status        TransactionStatus
	NumBits       int
	Data          []byte
}

// Reply is a decoded Gen2Transaction.
type Reply struct {
	Command Command
	Error   ErrorCode
	Data    []uint16
	Handle  uint16
}

// ReplyError reports a Reply that did not decode to NoError.
type ReplyError struct {
	Command Command
	Code    ErrorCode
}

func (e ReplyError) Error() string {
	return fmt.Sprintf("%v reply error: %v", e.Command, e.Code)
}

// CheckError reports whether the reply carries an error.
func CheckError(r Reply) bool {
	return r.Error != NoError
}

// Err returns a ReplyError when CheckError is true, else nil.
func (r Reply) Err() error {
	if !CheckError(r) {
		return nil
	}
	return ReplyError{Command: r.Command, Code: r.Error}
}

// Decode interprets tx as the reply to a cmd command.
func Decode(cmd Command, tx *Transaction) Reply {
	var r Reply
	DecodeInto(&r, cmd, tx)
	return r
}

// DecodeReply interprets tx as the reply to ec. A successful Read reply
// must carry exactly the requested word count.
func DecodeReply(ec EncodedCommand, tx *Transaction) Reply {
	r := Decode(ec.Command(), tx)
	if rd, ok := ec.Spec.(*Read); ok && r.Error == NoError && len(r.Data) != rd.WordCount {
		r.Error = ErrorReplyLength
		r.Data = r.Data[:0]
	}
	return r
}

// DecodeInto decodes into dst, reusing its Data storage.
// dst is zeroed first, so a short or garbled reply leaves no data
// from a previous decode behind.
func DecodeInto(dst *Reply, cmd Command, tx *Transaction) {
	data := dst.Data[:cap(dst.Data)]
	for i := range data {
		data[i] = 0
	}
	*dst = Reply{Command: cmd, Error: ErrorReplyLength, Data: data[:0]}

	if tx == nil {
		return
	}

	switch tx.Status {
	case StatusOK:
	case StatusNoReply:
		dst.Error = ErrorNoReply
		return
	case StatusCRCError:
		dst.Error = ErrorCRC
		return
	default:
		return
	}

	rd := NewBitReader(tx.Data, tx.NumBits)

	switch cmd {
	case CmdKill1, CmdAccess:
		// immediate replies with no header bit on success
		if rd.Remaining() == 16 {
			h, _ := rd.ReadBits(16)
			dst.Handle = uint16(h)
			dst.Error = NoError
			return
		}
	case CmdRead, CmdWrite, CmdKill2, CmdLock, CmdBlockWrite:
	default:
		return
	}

	header, ok := rd.ReadBits(1)
	if !ok {
		return
	}

	if header == 1 {
		if rd.Remaining() != 8+16 {
			return
		}
		code, _ := rd.ReadBits(8)
		h, _ := rd.ReadBits(16)
		dst.Handle = uint16(h)
		dst.Error = tagErrorCode(uint8(code))
		return
	}

	payload := rd.Remaining() - 16
	if cmd != CmdRead {
		if payload != 0 {
			return
		}
	} else if payload < 16 || payload%16 != 0 {
		return
	}

	for i := 0; i < payload/16; i++ {
		w, _ := rd.ReadBits(16)
		dst.Data = append(dst.Data, uint16(w))
	}
	h, _ := rd.ReadBits(16)
	dst.Handle = uint16(h)
	dst.Error = NoError
}

func tagErrorCode(code uint8) ErrorCode {
	if code > uint8(ErrorNonSpecific) {
		return ErrorNonSpecific
	}
	return ErrorCode(code)
}

// BuildReply assembles the reply bits a tag backscatters for cmd:
// success replies carry words (Read only) then the handle,
// error replies carry the error header and code then the handle.
// Host-assigned codes produce the matching transaction status instead.
func BuildReply(id uint8, cmd Command, code ErrorCode, words []uint16, handle uint16) *Transaction {
	tx := &Transaction{TransactionID: id}
	switch code {
	case ErrorNoReply:
		tx.Status = StatusNoReply
		return tx
	case ErrorCRC:
		tx.Status = StatusCRCError
		return tx
	case ErrorReplyLength:
		tx.Status = StatusInvalid
		return tx
	}

	w := &BitWriter{}
	switch {
	case code != NoError:
		w.WriteBit(true)
		w.WriteBits(uint64(code), 8)
	case cmd == CmdKill1 || cmd == CmdAccess:
	default:
		w.WriteBit(false)
		if cmd == CmdRead {
			for _, word := range words {
				w.WriteBits(uint64(word), 16)
			}
		}
	}
	w.WriteBits(uint64(handle), 16)

	tx.NumBits = w.Len()
	tx.Data = w.Bytes()
	return tx
}
