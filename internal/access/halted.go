//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package access holds the per-tag access logic run while inventory is in
// progress: the halted-tag state machine that drives a committed command
// sequence against each halted tag, and a verifier for the replies of
// auto-access sequences.
package access

import (
	"context"
	"fmt"
	"sync"

	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
	"github.com/pkg/errors"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/ex10"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/fifo"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/gen2"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/inventory"
)

var (
	ErrUnexpectedTransaction = fmt.Errorf("unexpected gen2 transaction")
	ErrVerification          = fmt.Errorf("access verification failed")
)

// Report counts the outcomes of halted tag accesses.
type Report struct {
	Halted        int `json:"halted"`
	NotHalted     int `json:"notHalted"`
	MissingHalted int `json:"missingHalted"`
	Lost          int `json:"lost"`
	SequenceFail  int `json:"sequenceFailures"`
	Replies       int `json:"replies"`
	LockedSkips   int `json:"lockedSkips"`
	ReplyErrors   int `json:"replyErrors"`
	Protocol      int `json:"protocolErrors"`
	Verified      int `json:"verified"`
	Mismatches    int `json:"mismatches"`
	Acked         int `json:"acked"`
	Naked         int `json:"naked"`
}

// Check returns ErrVerification unless every accessed tag
// was read back without error or mismatch.
func (r Report) Check() error {
	switch {
	case r.Halted == 0:
		return errors.Wrap(ErrVerification, "no tags halted")
	case r.Mismatches > 0:
		return errors.Wrapf(ErrVerification, "%d read values did not match the written value", r.Mismatches)
	case r.Naked > 0:
		return errors.Wrapf(ErrVerification, "%d of %d halted tags were rejected", r.Naked, r.Halted)
	}
	return nil
}

// memoryLocation identifies one word of tag memory.
type memoryLocation struct {
	bank gen2.MemoryBank
	ptr  uint32
}

// ReadWrite is an inventory.HaltedHandler that runs the halted-enabled
// commands on each halted tag and decides whether to retire it.
// Values written are compared with later reads of the same location.
//
// A tag whose Write is rejected with MemoryLocked is skipped, not failed.
// Any other reply error, or a reply out of order, rejects the tag.
type ReadWrite struct {
	lc logger.LoggingClient

	mu     sync.Mutex
	report Report
}

var _ inventory.HaltedHandler = (*ReadWrite)(nil)

func NewReadWrite(lc logger.LoggingClient) *ReadWrite {
	return &ReadWrite{lc: lc}
}

// Report returns a copy of the counters so far.
func (rw *ReadWrite) Report() Report {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.report
}

func (rw *ReadWrite) count(f func(r *Report)) {
	rw.mu.Lock()
	f(&rw.report)
	rw.mu.Unlock()
}

// OnHalted implements inventory.HaltedHandler.
func (rw *ReadWrite) OnHalted(ctx context.Context, ta inventory.TagAccess, tagRead fifo.Packet) inventory.HaltedDecision {
	d := rw.access(ctx, ta, tagRead)
	rw.count(func(r *Report) {
		if d == inventory.AckTagAndContinue {
			r.Acked++
		} else {
			r.Naked++
		}
	})
	return d
}

func (rw *ReadWrite) access(ctx context.Context, ta inventory.TagAccess, tagRead fifo.Packet) inventory.HaltedDecision {
	if tagRead.TagRead == nil || !tagRead.TagRead.HaltedOnTag {
		// the device has already moved past this tag
		rw.count(func(r *Report) { r.NotHalted++ })
		return inventory.AckTagAndContinue
	}

	p, err := ta.WaitPacket(ctx)
	if err != nil || p.Kind != fifo.KindHalted {
		rw.lc.Error("Halted packet did not follow halted tag read.",
			"tagRead", tagRead.String(), "next", p.String(), "error", fmt.Sprint(err))
		rw.count(func(r *Report) { r.MissingHalted++ })
		return inventory.AckTagAndContinue
	}
	ta.RemovePacket()
	rw.count(func(r *Report) { r.Halted++ })

	seq := ta.Sequence()
	seq.Rewind(ex10.TriggerHalted)
	expected := seq.EnabledCount(ex10.TriggerHalted)

	switch ta.ExecuteAccessCommands(ctx) {
	case inventory.TagAccessSuccess:
	case inventory.TagAccessTagLost:
		rw.count(func(r *Report) { r.Lost++ })
		return inventory.NakTagAndContinue
	default:
		rw.count(func(r *Report) { r.SequenceFail++ })
		return inventory.NakTagAndContinue
	}

	decision := inventory.AckTagAndContinue
	written := map[memoryLocation]uint16{}
	for i := 0; i < expected; i++ {
		if !rw.consumeReply(ctx, ta, tagRead, written) {
			decision = inventory.NakTagAndContinue
			break
		}
	}

	if decision == inventory.NakTagAndContinue {
		rw.discardReplies(ctx, ta)
		return decision
	}

	if err := ta.RemoveHaltedPacket(ctx); err != nil {
		rw.lc.Error("Access sequence did not end with a halted packet.",
			"tagRead", tagRead.String(), "error", err.Error())
		rw.count(func(r *Report) { r.MissingHalted++ })
	}
	return decision
}

// consumeReply decodes the next reply against the command expected to have
// produced it, and returns false if the tag should be rejected.
func (rw *ReadWrite) consumeReply(ctx context.Context, ta inventory.TagAccess, tagRead fifo.Packet, written map[memoryLocation]uint16) bool {
	p, err := ta.WaitPacket(ctx)
	if err != nil {
		rw.lc.Error("Missing gen2 transaction.", "tagRead", tagRead.String(), "error", err.Error())
		rw.count(func(r *Report) { r.Protocol++ })
		return false
	}
	if p.Kind != fifo.KindGen2Transaction || p.Transaction == nil {
		rw.lc.Error("Unexpected packet while awaiting a gen2 transaction.",
			"tagRead", tagRead.String(), "packet", p.String())
		rw.count(func(r *Report) { r.Protocol++ })
		return false
	}

	cmd, ok := ta.Sequence().NextEnabled(ex10.TriggerHalted)
	ta.RemovePacket()
	if !ok {
		rw.lc.Error("More gen2 transactions than enabled halted commands.", "packet", p.String())
		rw.count(func(r *Report) { r.Protocol++ })
		return false
	}
	if p.Transaction.TransactionID != cmd.TransactionID {
		rw.lc.Error("Gen2 transaction id does not match the enabled command.",
			"packet", p.String(), "index", cmd.Index, "command", cmd.Command().String(),
			"transactionID", cmd.TransactionID)
		rw.count(func(r *Report) { r.Protocol++ })
		return false
	}

	reply := gen2.DecodeReply(cmd, p.Transaction)
	rw.count(func(r *Report) { r.Replies++ })

	if gen2.CheckError(reply) {
		if reply.Error == gen2.ErrorMemoryLocked && isWrite(cmd.Spec) {
			rw.lc.Info("Skipping locked tag memory.",
				"tagRead", tagRead.String(), "index", cmd.Index, "command", cmd.Command().String())
			rw.count(func(r *Report) { r.LockedSkips++ })
			return true
		}
		rw.lc.Error("Gen2 reply error.", "tagRead", tagRead.String(),
			"index", cmd.Index, "command", cmd.Command().String(), "error", reply.Error.String())
		rw.count(func(r *Report) { r.ReplyErrors++ })
		return false
	}

	switch spec := cmd.Spec.(type) {
	case *gen2.Write:
		written[memoryLocation{spec.MemoryBank, spec.WordPointer}] = spec.Data
	case *gen2.BlockWrite:
		for i, w := range spec.Data {
			written[memoryLocation{spec.MemoryBank, spec.WordPointer + uint32(i)}] = w
		}
	case *gen2.Read:
		rw.compare(tagRead, spec, reply.Data, written)
	}
	return true
}

func (rw *ReadWrite) compare(tagRead fifo.Packet, spec *gen2.Read, data []uint16, written map[memoryLocation]uint16) {
	for i, got := range data {
		loc := memoryLocation{spec.MemoryBank, spec.WordPointer + uint32(i)}
		want, ok := written[loc]
		if !ok {
			continue
		}
		if got != want {
			rw.lc.Error("Read value does not match written value.", "tagRead", tagRead.String(),
				"bank", int(loc.bank), "word", loc.ptr,
				"written", fmt.Sprintf("0x%04X", want), "read", fmt.Sprintf("0x%04X", got))
			rw.count(func(r *Report) { r.Mismatches++ })
			continue
		}
		rw.count(func(r *Report) { r.Verified++ })
	}
}

// discardReplies removes the rest of an abandoned access sequence,
// up to and including its closing halted packet.
func (rw *ReadWrite) discardReplies(ctx context.Context, ta inventory.TagAccess) {
	for {
		p, err := ta.WaitPacket(ctx)
		if err != nil {
			rw.lc.Warn("Abandoned access sequence did not complete.", "error", err.Error())
			return
		}
		switch p.Kind {
		case fifo.KindGen2Transaction:
			ta.RemovePacket()
		case fifo.KindHalted:
			ta.RemovePacket()
			return
		default:
			rw.lc.Warn("Abandoned access sequence ended without a halted packet.", "packet", p.String())
			return
		}
	}
}

func isWrite(spec gen2.Spec) bool {
	switch spec.(type) {
	case *gen2.Write, *gen2.BlockWrite:
		return true
	}
	return false
}
