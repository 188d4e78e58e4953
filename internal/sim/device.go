//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package sim is a simulated reader chip. It implements ex10.Device over
// a population of simulated tags, producing the event FIFO packets
// real firmware would for inventory rounds, halts and access commands.
//
// Packets are generated lazily: a running round advances by one tag
// each time the event FIFO is empty and the caller peeks.
package sim

import (
	"context"
	"sync"

	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
	"github.com/pkg/errors"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/ex10"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/fifo"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/gen2"
)

const (
	rampUpUs        = 1500
	rampDownUs      = 500
	roundStartUs    = 250
	selectUs        = 400
	accessCommandUs = 350
)

// Device is a simulated Ex10 reader. It is safe for concurrent use,
// though a single caller is expected to drive it.
type Device struct {
	lc logger.LoggingClient

	mu   sync.Mutex
	tags []*Tag
	now  uint32
	out  *fifo.Queue

	seq     []gen2.EncodedCommand
	enables [ex10.NumTriggers][]bool

	cw      bool
	antenna uint8
	mode    ex10.RfMode
	power   int16

	round  *round
	halted *Tag
	handle uint16

	forced  []fifo.SummaryReason
	failErr error
	starts  []ex10.RoundParams
}

type round struct {
	params  ex10.RoundParams
	pending []*Tag
	start   uint32
	next    int
	tags    uint32
	slots   uint32
}

var _ ex10.Device = (*Device)(nil)

// New returns a simulated device in front of tags.
func New(lc logger.LoggingClient, tags []*Tag) *Device {
	return &Device{
		lc:     lc,
		tags:   tags,
		out:    fifo.NewQueue(64),
		handle: 0x4A10,
	}
}

// ForceSummaryReasons makes the next rounds end with the given reasons
// instead of Done, one per round.
func (d *Device) ForceSummaryReasons(reasons ...fifo.SummaryReason) {
	d.mu.Lock()
	d.forced = append(d.forced, reasons...)
	d.mu.Unlock()
}

// FailNextStart makes the next StartInventory call return err.
func (d *Device) FailNextStart(err error) {
	d.mu.Lock()
	d.failErr = err
	d.mu.Unlock()
}

// Starts returns the parameters of every accepted StartInventory call.
func (d *Device) Starts() []ex10.RoundParams {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ex10.RoundParams, len(d.starts))
	copy(out, d.starts)
	return out
}

// Tags returns the simulated population.
func (d *Device) Tags() []*Tag {
	return d.tags
}

func (d *Device) DeviceTime() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// Advance moves the device clock forward.
func (d *Device) Advance(us uint32) {
	d.mu.Lock()
	d.now += us
	d.mu.Unlock()
}

func (d *Device) Peek() (fifo.Packet, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.out.IsEmpty() {
		d.step()
	}
	return d.out.Peek()
}

func (d *Device) Remove() {
	d.mu.Lock()
	d.out.Remove()
	d.mu.Unlock()
}

func (d *Device) push(kind fifo.Kind, p fifo.Packet) {
	p.Kind = kind
	p.Timestamp = d.now
	d.out.Push(p)
}

func (d *Device) WriteSequence(ctx context.Context, cmds []gen2.EncodedCommand) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.round != nil && d.halted == nil {
		return errors.Wrap(ex10.ErrOpRunning, "cannot replace the command sequence")
	}
	d.seq = append(d.seq[:0], cmds...)
	for i := range d.enables {
		d.enables[i] = nil
	}
	return nil
}

func (d *Device) WriteEnables(ctx context.Context, trigger ex10.Trigger, enables []bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if trigger < 0 || trigger >= ex10.NumTriggers {
		return errors.Wrapf(ex10.ErrDeviceCommand, "invalid trigger %d", trigger)
	}
	if len(enables) > len(d.seq) {
		return errors.Wrapf(ex10.ErrDeviceCommand, "%d enables for %d commands", len(enables), len(d.seq))
	}
	d.enables[trigger] = append([]bool(nil), enables...)
	return nil
}

func (d *Device) enabled(trigger ex10.Trigger) []gen2.EncodedCommand {
	var out []gen2.EncodedCommand
	for i, e := range d.enables[trigger] {
		if e {
			out = append(out, d.seq[i])
		}
	}
	return out
}

func (d *Device) CWOn(ctx context.Context, antenna uint8, mode ex10.RfMode, txPowerCdbm int16) error {
	if antenna < ex10.MinAntenna || antenna > ex10.MaxAntenna {
		return errors.Wrapf(ex10.ErrUnsupportedAntenna, "antenna %d", antenna)
	}
	if !mode.IsValid() {
		return errors.Wrapf(ex10.ErrUnsupportedRfMode, "mode %d", mode)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.rampUp(antenna, mode, txPowerCdbm)
	return nil
}

func (d *Device) rampUp(antenna uint8, mode ex10.RfMode, power int16) {
	if d.cw && d.antenna == antenna && d.mode == mode && d.power == power {
		return
	}
	d.cw = true
	d.antenna, d.mode, d.power = antenna, mode, power
	d.now += rampUpUs
}

func (d *Device) CWIsOn() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cw
}

// SendSelect applies the select-enabled commands to every tag.
func (d *Device) SendSelect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.cw {
		return errors.Wrap(ex10.ErrDeviceCommand, "send select requires CW on")
	}
	if d.round != nil {
		return errors.Wrap(ex10.ErrOpRunning, "cannot send select during a round")
	}
	d.sendSelects()
	return nil
}

func (d *Device) sendSelects() {
	for _, c := range d.enabled(ex10.TriggerSelect) {
		s, ok := c.Spec.(*gen2.Select)
		if !ok {
			d.lc.Warn("Skipping non-select command enabled as select.",
				"index", c.Index, "command", c.Command().String())
			continue
		}
		for _, t := range d.tags {
			if !t.killed {
				t.applySelect(s)
			}
		}
		d.now += selectUs
	}
}

func (d *Device) StartInventory(ctx context.Context, p ex10.RoundParams) error {
	if err := p.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failErr; err != nil {
		d.failErr = nil
		return err
	}
	if d.round != nil {
		return errors.Wrap(ex10.ErrOpRunning, "inventory round already running")
	}

	d.rampUp(p.Antenna, p.RfMode, p.TxPowerCdbm)
	if p.SendSelects {
		d.sendSelects()
	}

	r := &round{params: p, start: d.now}
	cfg := p.Config
	for _, t := range d.tags {
		if t.killed || !cfg.Select.Participates(t.sl) || t.flags[cfg.Session] != cfg.Target {
			continue
		}
		r.pending = append(r.pending, t)
	}
	d.round = r
	d.starts = append(d.starts, p)
	d.now += roundStartUs
	return nil
}

// step produces the next packets of the running round.
func (d *Device) step() {
	r := d.round
	if r == nil || d.halted != nil {
		return
	}

	if r.next >= len(r.pending) {
		d.endRound(d.nextReason())
		return
	}

	t := r.pending[r.next]
	r.next++
	r.tags++
	r.slots++
	d.now += tagTimeUs(r.params.RfMode)

	cfg := r.params.Config
	tr := &fifo.TagRead{
		PC:          t.PC(),
		EPC:         t.EPC(),
		StoredCRC:   t.StoredCRC(),
		Antenna:     r.params.Antenna,
		RSSI:        t.RSSI,
		HaltedOnTag: cfg.HaltOnAllTags,
	}
	if cfg.FastID {
		tid := make([]byte, 0, 2*len(t.Memory[gen2.BankTID]))
		for _, w := range t.Memory[gen2.BankTID] {
			tid = append(tid, byte(w>>8), byte(w))
		}
		tr.TID = tid
	}
	d.push(fifo.KindTagRead, fifo.Packet{TagRead: tr})

	d.handle += 0x0101
	if cfg.HaltOnAllTags {
		d.halted = t
		d.push(fifo.KindHalted, fifo.Packet{Halted: &fifo.Halted{Handle: d.handle}})
		return
	}

	if cfg.AutoAccess {
		for _, c := range d.enabled(ex10.TriggerAutoAccess) {
			d.now += accessCommandUs
			d.push(fifo.KindGen2Transaction, fifo.Packet{Transaction: t.execute(c, d.handle)})
		}
	}
	t.flags[cfg.Session] = cfg.Target.Flip()
	t.release()
}

func (d *Device) nextReason() fifo.SummaryReason {
	if len(d.forced) == 0 {
		return fifo.SummaryDone
	}
	reason := d.forced[0]
	d.forced = d.forced[1:]
	return reason
}

func (d *Device) endRound(reason fifo.SummaryReason) {
	r := d.round
	q := r.params.Config.InitialQ
	d.push(fifo.KindInventoryRoundSummary, fifo.Packet{RoundSummary: &fifo.InventoryRoundSummary{
		Reason:                    reason,
		DurationUs:                d.now - r.start,
		TotalSlots:                r.slots,
		NumTags:                   r.tags,
		FinalQ:                    q,
		MinQCount:                 r.params.Config.StartingMinQCount,
		QueriesSinceValidEPCCount: r.params.Config.StartingMaxQueriesSinceValidEPCCount,
	}})
	d.round = nil
	if reason == fifo.SummaryRegulatory {
		d.rampDown()
	}
}

// ContinueFromHalted releases the halted tag. An acked tag
// flips its inventoried flag; a naked one keeps it.
func (d *Device) ContinueFromHalted(ctx context.Context, nak bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.halted == nil {
		return ex10.ErrNotHalted
	}
	if !nak && d.round != nil {
		cfg := d.round.params.Config
		d.halted.flags[cfg.Session] = cfg.Target.Flip()
	}
	d.halted.release()
	d.halted = nil
	return nil
}

// ExecuteAccessCommands runs the halted-enabled commands on the halted tag,
// pushing one Gen2Transaction per command, then a Halted packet.
func (d *Device) ExecuteAccessCommands(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.halted == nil {
		return ex10.ErrNotHalted
	}
	cmds := d.enabled(ex10.TriggerHalted)
	if len(cmds) == 0 {
		return ex10.ErrEmptyCommandSequence
	}
	if d.halted.Unresponsive {
		d.now += accessCommandUs
		return errors.Wrapf(ex10.ErrTagLost, "handle 0x%04X", d.handle)
	}

	for _, c := range cmds {
		d.now += accessCommandUs
		d.push(fifo.KindGen2Transaction, fifo.Packet{Transaction: d.halted.execute(c, d.handle)})
	}
	d.push(fifo.KindHalted, fifo.Packet{Halted: &fifo.Halted{Handle: d.handle}})
	return nil
}

// StopTransmitting aborts a running round with a Host summary and ramps down.
func (d *Device) StopTransmitting(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.halted != nil {
		d.halted.release()
		d.halted = nil
	}
	if d.round != nil {
		d.endRound(fifo.SummaryHost)
	}
	d.rampDown()
	return nil
}

func (d *Device) RampDown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.round != nil {
		return errors.Wrap(ex10.ErrOpRunning, "cannot ramp down during a round")
	}
	d.rampDown()
	return nil
}

// rampDown drops CW. Session 0 flags do not persist without power.
func (d *Device) rampDown() {
	if !d.cw {
		return
	}
	d.cw = false
	d.now += rampDownUs
	for _, t := range d.tags {
		t.flags[ex10.SessionS0] = ex10.TargetA
	}
}

// tagTimeUs is the air time of one singulation in mode m.
// Lower numbered modes within a family use faster link rates.
func tagTimeUs(m ex10.RfMode) uint32 {
	family := uint32(m) / 100
	return 600 + 400*family + 4*(uint32(m)%100)
}
