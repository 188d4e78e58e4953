//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package access

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
	"github.com/pkg/errors"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/fifo"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/gen2"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/inventory"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/sequence"
)

// Transaction ids of the write and read-back commands of a WriteRead.
const (
	WriteTransactionID = uint8(0)
	ReadTransactionID  = uint8(1)
)

// WriteRead describes a write of Data to Bank at WordPointer
// followed by a one word read of the same location.
type WriteRead struct {
	Bank        gen2.MemoryBank
	WordPointer uint32
	Data        uint16
}

func (wr WriteRead) specs() []gen2.Spec {
	return []gen2.Spec{
		&gen2.Write{MemoryBank: wr.Bank, WordPointer: wr.WordPointer, Data: wr.Data},
		&gen2.Read{MemoryBank: wr.Bank, WordPointer: wr.WordPointer, WordCount: 1},
	}
}

// CommitHalted builds the sequence and enables both commands
// for halted tags.
func (wr WriteRead) CommitHalted(ctx context.Context, seq *sequence.Table) error {
	if err := seq.Build(ctx, wr.specs()...); err != nil {
		return err
	}
	return seq.SetHaltedEnables(ctx, []bool{true, true})
}

// CommitAutoAccess builds the sequence and enables both commands
// to run automatically on every singulated tag.
func (wr WriteRead) CommitAutoAccess(ctx context.Context, seq *sequence.Table) error {
	if err := seq.Build(ctx, wr.specs()...); err != nil {
		return err
	}
	return seq.SetAutoAccessEnables(ctx, []bool{true, true})
}

// AutoAccessReport counts the replies checked by an AutoAccessVerifier.
type AutoAccessReport struct {
	Tags        int `json:"tags"`
	Writes      int `json:"writes"`
	Reads       int `json:"reads"`
	LockedSkips int `json:"lockedSkips"`
	ReplyErrors int `json:"replyErrors"`
	Incomplete  int `json:"incomplete"`
	Verified    int `json:"verified"`
	Mismatches  int `json:"mismatches"`
}

// Check returns ErrVerification unless at least one tag was verified
// and nothing failed.
func (r AutoAccessReport) Check() error {
	switch {
	case r.Verified == 0:
		return errors.Wrap(ErrVerification, "no auto access reads verified")
	case r.Mismatches > 0 || r.ReplyErrors > 0:
		return errors.Wrapf(ErrVerification, "%d mismatches and %d reply errors over %d tags",
			r.Mismatches, r.ReplyErrors, r.Tags)
	}
	return nil
}

type autoState int

const (
	awaitTag = autoState(iota)
	awaitWrite
	awaitRead
)

// AutoAccessVerifier follows continuous inventory packets when a
// WriteRead sequence is enabled for auto access. Every tag must be followed
// by the write reply then the read reply, and the read must return the
// written value. A transaction id that is not in the sequence is an error.
type AutoAccessVerifier struct {
	lc  logger.LoggingClient
	seq *sequence.Table

	state autoState
	epc   []byte
	// set when the tag's write was rejected as locked
	locked bool

	mu     sync.Mutex
	report AutoAccessReport
}

func NewAutoAccessVerifier(lc logger.LoggingClient, seq *sequence.Table) *AutoAccessVerifier {
	return &AutoAccessVerifier{lc: lc, seq: seq}
}

// Subscriber returns the verifier as an inventory subscriber.
func (v *AutoAccessVerifier) Subscriber() inventory.Subscriber {
	return v.Handle
}

func (v *AutoAccessVerifier) Report() AutoAccessReport {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.report
}

func (v *AutoAccessVerifier) count(f func(r *AutoAccessReport)) {
	v.mu.Lock()
	f(&v.report)
	v.mu.Unlock()
}

// Handle checks one packet.
func (v *AutoAccessVerifier) Handle(p fifo.Packet) error {
	switch p.Kind {
	case fifo.KindTagRead:
		if p.TagRead == nil {
			return nil
		}
		if v.state != awaitTag {
			v.lc.Warn("Tag read before the previous tag's access replies.",
				"epc", hex.EncodeToString(v.epc), "packet", p.String())
			v.count(func(r *AutoAccessReport) { r.Incomplete++ })
		}
		v.count(func(r *AutoAccessReport) { r.Tags++ })
		v.epc = p.TagRead.EPC
		v.locked = false
		v.state = awaitWrite

	case fifo.KindGen2Transaction:
		if p.Transaction == nil {
			return nil
		}
		return v.onTransaction(p)

	case fifo.KindInventoryRoundSummary:
		if v.state != awaitTag {
			v.lc.Warn("Round ended before the tag's access replies.",
				"epc", hex.EncodeToString(v.epc), "packet", p.String())
			v.count(func(r *AutoAccessReport) { r.Incomplete++ })
			v.state = awaitTag
		}
	}
	return nil
}

func (v *AutoAccessVerifier) onTransaction(p fifo.Packet) error {
	id := p.Transaction.TransactionID
	cmd, ok := v.seq.ByTransactionID(id)
	if !ok || (id != WriteTransactionID && id != ReadTransactionID) {
		v.lc.Error("Unknown transaction id.", "packet", p.String(), "epc", hex.EncodeToString(v.epc))
		return errors.Wrapf(ErrUnexpectedTransaction, "transaction id %d", id)
	}

	want := awaitWrite
	if id == ReadTransactionID {
		want = awaitRead
	}
	if v.state != want {
		v.lc.Error("Gen2 transaction out of order.", "packet", p.String(),
			"epc", hex.EncodeToString(v.epc), "command", cmd.Command().String())
		return errors.Wrapf(ErrUnexpectedTransaction, "%v reply out of order", cmd.Command())
	}

	reply := gen2.DecodeReply(cmd, p.Transaction)
	if id == WriteTransactionID {
		v.count(func(r *AutoAccessReport) { r.Writes++ })
		v.state = awaitRead
		if !gen2.CheckError(reply) {
			return nil
		}
		if reply.Error == gen2.ErrorMemoryLocked {
			v.locked = true
			v.count(func(r *AutoAccessReport) { r.LockedSkips++ })
			return nil
		}
		v.lc.Error("Auto access write failed.", "epc", hex.EncodeToString(v.epc),
			"index", cmd.Index, "error", reply.Error.String())
		v.count(func(r *AutoAccessReport) { r.ReplyErrors++ })
		return nil
	}

	v.count(func(r *AutoAccessReport) { r.Reads++ })
	v.state = awaitTag
	if err := reply.Err(); err != nil {
		v.lc.Error("Auto access read failed.", "epc", hex.EncodeToString(v.epc),
			"index", cmd.Index, "error", err.Error())
		v.count(func(r *AutoAccessReport) { r.ReplyErrors++ })
		return nil
	}
	if v.locked {
		return nil
	}

	written, ok := v.seq.ByTransactionID(WriteTransactionID)
	w, isWrite := written.Spec.(*gen2.Write)
	if !ok || !isWrite || len(reply.Data) == 0 {
		return nil
	}
	if reply.Data[0] != w.Data {
		v.lc.Error("Auto access read does not match written value.", "epc", hex.EncodeToString(v.epc),
			"written", fmt.Sprintf("0x%04X", w.Data), "read", fmt.Sprintf("0x%04X", reply.Data[0]))
		v.count(func(r *AutoAccessReport) { r.Mismatches++ })
		return nil
	}
	v.count(func(r *AutoAccessReport) { r.Verified++ })
	return nil
}
