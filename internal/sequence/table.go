//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package sequence owns the host copy of the device's access command
// sequence: a fixed capacity list of encoded Gen2 commands and the
// per-trigger enable vectors that decide when each one runs.
//
// The device holds a single active sequence. A Table must be fully
// rebuilt (Clear, Append, Commit, then enables) before each use,
// and must not be shared by concurrent callers.
package sequence

import (
	"context"
	"fmt"

	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
	"github.com/pkg/errors"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/ex10"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/gen2"
)

const (
	// MaxTxCommandCount is the number of command slots in the device.
	MaxTxCommandCount = 10
	// MaxBufferBytes bounds the summed size of all encoded commands.
	MaxBufferBytes = gen2.MaxEncodedBytes
)

var (
	ErrCapacity         = fmt.Errorf("command sequence is full")
	ErrNotCommitted     = fmt.Errorf("command sequence has not been committed")
	ErrEnableOutOfRange = fmt.Errorf("enable vector is longer than the sequence")
)

// Table is the command sequence and its three trigger vectors.
type Table struct {
	lc  logger.LoggingClient
	dev ex10.SequenceWriter

	cmds      []gen2.EncodedCommand
	nBytes    int
	committed bool

	enables [ex10.NumTriggers][]bool
	cursor  [ex10.NumTriggers]int
}

// NewTable returns an empty table that commits to dev.
func NewTable(lc logger.LoggingClient, dev ex10.SequenceWriter) *Table {
	return &Table{
		lc:   lc,
		dev:  dev,
		cmds: make([]gen2.EncodedCommand, 0, MaxTxCommandCount),
	}
}

// Clear releases every slot and disables all triggers.
// It only affects the host copy; the device sees the change on Commit.
func (t *Table) Clear() {
	t.cmds = t.cmds[:0]
	t.nBytes = 0
	t.committed = false
	for i := range t.enables {
		t.enables[i] = nil
		t.cursor[i] = 0
	}
}

// Append encodes spec and stores it in the next slot, returning its index.
// On failure the table is unchanged.
func (t *Table) Append(spec gen2.Spec, transactionID uint8) (int, error) {
	if len(t.cmds) >= MaxTxCommandCount {
		return -1, errors.Wrapf(ErrCapacity, "cannot append %v, %d commands already queued",
			specCommand(spec), len(t.cmds))
	}

	ec, err := gen2.Encode(spec)
	if err != nil {
		return -1, err
	}

	if t.nBytes+len(ec.Buffer) > MaxBufferBytes {
		return -1, errors.Wrapf(gen2.ErrBufferLength,
			"%v needs %d bytes, %d of %d in use", ec.Command(), len(ec.Buffer), t.nBytes, MaxBufferBytes)
	}

	ec.Index = len(t.cmds)
	ec.TransactionID = transactionID
	t.cmds = append(t.cmds, ec)
	t.nBytes += len(ec.Buffer)
	t.committed = false
	return ec.Index, nil
}

func specCommand(spec gen2.Spec) gen2.Command {
	if spec == nil {
		return gen2.CmdUnknown
	}
	return spec.Command()
}

// Commit writes the appended commands to the device as its active sequence.
// All trigger vectors are reset, so enables must be set afterwards.
func (t *Table) Commit(ctx context.Context) error {
	if err := t.dev.WriteSequence(ctx, t.Commands()); err != nil {
		return errors.Wrapf(err, "failed to commit %d commands", len(t.cmds))
	}
	for i := range t.enables {
		t.enables[i] = nil
		t.cursor[i] = 0
	}
	t.committed = true
	return nil
}

// SetEnables sets the trigger vector for trigger. The vector may be shorter
// than the table; missing entries are false. The trigger's cursor is rewound.
func (t *Table) SetEnables(ctx context.Context, trigger ex10.Trigger, enables []bool) error {
	if trigger < 0 || trigger >= ex10.NumTriggers {
		return errors.Errorf("invalid trigger %d", trigger)
	}
	if !t.committed {
		return errors.Wrapf(ErrNotCommitted, "cannot set %v enables", trigger)
	}
	if len(enables) > len(t.cmds) {
		return errors.Wrapf(ErrEnableOutOfRange, "%d %v enables for %d commands",
			len(enables), trigger, len(t.cmds))
	}

	v := make([]bool, len(t.cmds))
	copy(v, enables)
	if err := t.dev.WriteEnables(ctx, trigger, v); err != nil {
		return errors.Wrapf(err, "failed to write %v enables", trigger)
	}

	t.enables[trigger] = v
	t.cursor[trigger] = 0
	return nil
}

func (t *Table) SetHaltedEnables(ctx context.Context, enables []bool) error {
	return t.SetEnables(ctx, ex10.TriggerHalted, enables)
}

func (t *Table) SetAutoAccessEnables(ctx context.Context, enables []bool) error {
	return t.SetEnables(ctx, ex10.TriggerAutoAccess, enables)
}

func (t *Table) SetSelectEnables(ctx context.Context, enables []bool) error {
	return t.SetEnables(ctx, ex10.TriggerSelect, enables)
}

// Enables returns a copy of the trigger vector.
func (t *Table) Enables(trigger ex10.Trigger) []bool {
	if trigger < 0 || trigger >= ex10.NumTriggers {
		return nil
	}
	v := make([]bool, len(t.enables[trigger]))
	copy(v, t.enables[trigger])
	return v
}

// EnabledCount returns how many commands the trigger runs.
func (t *Table) EnabledCount(trigger ex10.Trigger) int {
	n := 0
	for _, e := range t.Enables(trigger) {
		if e {
			n++
		}
	}
	return n
}

// NextEnabled returns the next command, in index order, enabled for trigger,
// and advances the trigger's cursor past it. The cursor does not wrap.
//
// When no enabled command remains, it returns the first command and false.
// A caller expecting more replies than there are enabled commands would
// otherwise attribute a reply to the wrong command, so the false result
// must be treated as a correlation failure.
func (t *Table) NextEnabled(trigger ex10.Trigger) (gen2.EncodedCommand, bool) {
	if trigger >= 0 && trigger < ex10.NumTriggers {
		v := t.enables[trigger]
		for i := t.cursor[trigger]; i < len(v) && i < len(t.cmds); i++ {
			if v[i] {
				t.cursor[trigger] = i + 1
				return t.cmds[i], true
			}
		}
	}

	if len(t.cmds) == 0 {
		t.lc.Warn("No commands in sequence.", "trigger", trigger.String())
		return gen2.EncodedCommand{Index: -1}, false
	}
	t.lc.Warn("No enabled command left, falling back to the first entry.",
		"trigger", trigger.String(), "command", t.cmds[0].Command().String())
	return t.cmds[0], false
}

// Rewind resets the trigger's cursor to the start of the table.
func (t *Table) Rewind(trigger ex10.Trigger) {
	if trigger >= 0 && trigger < ex10.NumTriggers {
		t.cursor[trigger] = 0
	}
}

// ByTransactionID finds the command appended with id.
func (t *Table) ByTransactionID(id uint8) (gen2.EncodedCommand, bool) {
	for _, c := range t.cmds {
		if c.TransactionID == id {
			return c, true
		}
	}
	return gen2.EncodedCommand{Index: -1}, false
}

// At returns the command at index i.
func (t *Table) At(i int) (gen2.EncodedCommand, bool) {
	if i < 0 || i >= len(t.cmds) {
		return gen2.EncodedCommand{Index: -1}, false
	}
	return t.cmds[i], true
}

// Commands returns a copy of the queued commands.
func (t *Table) Commands() []gen2.EncodedCommand {
	out := make([]gen2.EncodedCommand, len(t.cmds))
	copy(out, t.cmds)
	return out
}

func (t *Table) Len() int {
	return len(t.cmds)
}

// Committed reports whether the device holds the current commands.
func (t *Table) Committed() bool {
	return t.committed
}

// Build clears the table, appends specs with transaction ids 0..n-1,
// and commits them.
func (t *Table) Build(ctx context.Context, specs ...gen2.Spec) error {
	t.Clear()
	for i, s := range specs {
		if _, err := t.Append(s, uint8(i)); err != nil {
			t.Clear()
			return err
		}
	}
	return t.Commit(ctx)
}
