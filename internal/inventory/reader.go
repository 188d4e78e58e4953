//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
	"github.com/pkg/errors"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/ex10"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/fifo"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/sequence"
)

const (
	// DefaultPacketTimeout bounds each wait for the next event packet.
	DefaultPacketTimeout = 200 * time.Millisecond
	pollInterval         = time.Millisecond
)

var (
	ErrPacketTimeout    = fmt.Errorf("timed out waiting for an event packet")
	ErrUnexpectedPacket = fmt.Errorf("unexpected event packet")
	ErrMissingHalted    = fmt.Errorf("halted packet missing")
	ErrStopRequested    = fmt.Errorf("stop requested")
	ErrInventoryRunning = fmt.Errorf("continuous inventory already running")
	ErrInventoryFailed  = fmt.Errorf("inventory stopped on error")
	ErrNoTags           = fmt.Errorf("no tags found")
)

// Clock is the host's monotonic time source used to bound packet waits.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// StopConditions end continuous inventory. Zero leaves a dimension unbounded.
type StopConditions struct {
	MaxDurationUs     uint32
	MaxNumberOfRounds uint32
	MaxNumberOfTags   uint32
}

// ContinuousParams configure a continuous inventory.
type ContinuousParams struct {
	Round ex10.RoundParams
	Stop  StopConditions
	// DualTarget alternates the queried target A, B, A... after each round.
	DualTarget bool
}

// Reader is the inventory round controller. It owns the command sequence
// table and an event queue fed from the device; packets pass through
// the continuous inventory state machine as they enter the queue.
//
// A Reader is single threaded: it must only be driven by one goroutine.
type Reader struct {
	lc    logger.LoggingClient
	dev   ex10.Device
	seq   *sequence.Table
	clock Clock
	queue *fifo.Queue

	// PacketTimeout bounds WaitPacket.
	PacketTimeout time.Duration

	cont *continuous
}

// NewReader returns a Reader for dev.
func NewReader(lc logger.LoggingClient, dev ex10.Device) *Reader {
	return &Reader{
		lc:            lc,
		dev:           dev,
		seq:           sequence.NewTable(lc, dev),
		clock:         systemClock{},
		queue:         fifo.NewQueue(64),
		PacketTimeout: DefaultPacketTimeout,
	}
}

// WithClock replaces the time source used for packet waits.
func (r *Reader) WithClock(c Clock) *Reader {
	r.clock = c
	return r
}

// Sequence returns the reader's command sequence table.
func (r *Reader) Sequence() *sequence.Table {
	return r.seq
}

// Device returns the underlying device.
func (r *Reader) Device() ex10.Device {
	return r.dev
}

// Peek returns the oldest unconsumed packet, pulling one from the device
// when the queue is empty.
func (r *Reader) Peek() (fifo.Packet, bool) {
	if r.queue.IsEmpty() {
		r.ingest()
	}
	return r.queue.Peek()
}

// Remove discards the oldest packet.
func (r *Reader) Remove() {
	r.queue.Remove()
}

var _ fifo.Source = (*Reader)(nil)

// ingest moves one device packet into the queue, running the continuous
// inventory state machine on it. That may queue further host packets.
func (r *Reader) ingest() {
	p, ok := r.dev.Peek()
	if !ok {
		return
	}
	r.dev.Remove()
	r.queue.Push(p)
	if r.cont != nil {
		r.cont.handle(p)
		if r.cont.finished {
			r.cont = nil
		}
	}
}

// WaitPacket returns the next packet without removing it, polling until
// one arrives, the context ends, or PacketTimeout elapses.
func (r *Reader) WaitPacket(ctx context.Context) (fifo.Packet, error) {
	deadline := r.clock.Now().Add(r.PacketTimeout)
	for {
		if p, ok := r.Peek(); ok {
			return p, nil
		}
		if err := ctx.Err(); err != nil {
			return fifo.Packet{}, err
		}
		if !r.clock.Now().Before(deadline) {
			return fifo.Packet{}, errors.Wrapf(ErrPacketTimeout, "after %v", r.PacketTimeout)
		}
		r.clock.Sleep(pollInterval)
	}
}

// RemovePacket discards the oldest packet.
func (r *Reader) RemovePacket() {
	r.Remove()
}

// RemoveHaltedPacket waits for the Halted packet that closes an access
// sequence and removes it. Any other packet is left in place.
func (r *Reader) RemoveHaltedPacket(ctx context.Context) error {
	p, err := r.WaitPacket(ctx)
	if err != nil {
		return errors.Wrap(ErrMissingHalted, err.Error())
	}
	if p.Kind != fifo.KindHalted {
		return errors.Wrapf(ErrMissingHalted, "found %v", p)
	}
	r.Remove()
	return nil
}

// ExecuteAccessCommands runs the halted-enabled commands on the halted tag.
func (r *Reader) ExecuteAccessCommands(ctx context.Context) TagAccessResult {
	err := r.dev.ExecuteAccessCommands(ctx)
	switch {
	case err == nil:
		return TagAccessSuccess
	case errors.Is(err, ex10.ErrTagLost):
		r.lc.Info("Tag lost while executing access commands.", "error", err.Error())
		return TagAccessTagLost
	}
	r.lc.Error("Failed to execute access commands.", "error", err.Error())
	return TagAccessHaltSequenceWriteError
}

// ContinueFromHalted releases the halted tag.
func (r *Reader) ContinueFromHalted(ctx context.Context, d HaltedDecision) error {
	return r.dev.ContinueFromHalted(ctx, d == NakTagAndContinue)
}

// SendSelect ramps up on the given mode if needed,
// then transmits the select-enabled commands once.
func (r *Reader) SendSelect(ctx context.Context, antenna uint8, mode ex10.RfMode, txPowerCdbm int16) error {
	if !r.dev.CWIsOn() {
		if err := r.dev.CWOn(ctx, antenna, mode, txPowerCdbm); err != nil {
			return errors.WithMessage(err, "failed to ramp up for select")
		}
	}
	return errors.WithMessage(r.dev.SendSelect(ctx), "failed to send select")
}

// ContinuousInventory starts rounds that continue, one after the other,
// until a stop condition is met, Stop is called, or the device fails.
// The run ends with a ContinuousInventorySummary packet in the queue.
func (r *Reader) ContinuousInventory(ctx context.Context, p ContinuousParams) error {
	if r.cont != nil {
		return ErrInventoryRunning
	}
	if err := p.Round.Validate(); err != nil {
		return err
	}

	c := &continuous{
		r:         r,
		ctx:       ctx,
		params:    p,
		round:     p.Round,
		startTime: r.dev.DeviceTime(),
	}
	if err := r.dev.StartInventory(ctx, p.Round); err != nil {
		return errors.WithMessage(err, "failed to start inventory")
	}
	r.cont = c
	return nil
}

// Stop asks a running continuous inventory to stop. The final
// summary reports the Host stop reason unless another came first.
func (r *Reader) Stop(ctx context.Context) error {
	if r.cont != nil {
		r.cont.stopRequested = true
	}
	return errors.WithMessage(r.dev.StopTransmitting(ctx), "failed to stop transmitting")
}

// InventoryRunning reports whether continuous inventory is in progress.
func (r *Reader) InventoryRunning() bool {
	return r.cont != nil
}

// continuous tracks one continuous inventory.
type continuous struct {
	r      *Reader
	ctx    context.Context
	params ContinuousParams
	round  ex10.RoundParams

	startTime uint32
	rounds    uint32
	tags      uint32

	stopRequested bool
	finished      bool

	reason    fifo.StopReason
	lastOpID  uint8
	lastOpErr uint8
}

func (c *continuous) handle(p fifo.Packet) {
	switch p.Kind {
	case fifo.KindTagRead:
		c.tags++
	case fifo.KindInventoryRoundSummary:
		if p.RoundSummary != nil {
			c.onRoundSummary(p)
		}
	}
}

func (c *continuous) onRoundSummary(p fifo.Packet) {
	s := p.RoundSummary
	switch s.Reason {
	case fifo.SummaryDone, fifo.SummaryHost:
		c.rounds++
	case fifo.SummaryRegulatory:
		// resume where the device left off
		cfg := &c.round.Config
		cfg.InitialQ = clampQ(s.FinalQ, cfg.MinQ, cfg.MaxQ)
		cfg.StartingMinQCount = s.MinQCount
		cfg.StartingMaxQueriesSinceValidEPCCount = s.QueriesSinceValidEPCCount
	case fifo.SummaryTxNotRampedUp, fifo.SummaryUnsupported:
	case fifo.SummaryEventFifoFull:
		c.fail(p, fifo.SRDeviceEventFifoFull, "event fifo full")
		return
	case fifo.SummaryInvalidParam:
		c.fail(p, fifo.SRDeviceInventoryInvalidParam, "invalid inventory parameter")
		return
	case fifo.SummaryLmacOverload:
		c.fail(p, fifo.SRDeviceLmacOverload, "lmac overload")
		return
	default:
		c.fail(p, fifo.SRDeviceInventorySummaryReasonInvalid,
			fmt.Sprintf("invalid round summary reason %v", s.Reason))
		return
	}

	if c.checkStopConditions(p.Timestamp) {
		c.finish(p.Timestamp)
		return
	}

	if err := c.continueInventory(s.Reason); err != nil {
		reason, opID, opErr := ex10.StopReasonFor(err)
		c.lastOpID, c.lastOpErr = opID, opErr
		c.fail(p, reason, err.Error())
	}
}

// checkStopConditions records the first satisfied stop reason.
func (c *continuous) checkStopConditions(ts uint32) bool {
	if c.reason != fifo.SRNone {
		return true
	}
	stop := c.params.Stop
	switch {
	case stop.MaxNumberOfRounds != 0 && c.rounds >= stop.MaxNumberOfRounds:
		c.reason = fifo.SRMaxNumberOfRounds
	case stop.MaxNumberOfTags != 0 && c.tags >= stop.MaxNumberOfTags:
		c.reason = fifo.SRMaxNumberOfTags
	case stop.MaxDurationUs != 0 && ts-c.startTime >= stop.MaxDurationUs:
		// unsigned subtraction handles counter wraparound
		c.reason = fifo.SRMaxDuration
	case c.stopRequested:
		c.reason = fifo.SRHost
	}
	return c.reason != fifo.SRNone
}

func (c *continuous) continueInventory(reason fifo.SummaryReason) error {
	cfg := &c.round.Config
	resetQ := func() {
		cfg.InitialQ = c.params.Round.Config.InitialQ
		cfg.StartingMinQCount = 0
		cfg.StartingMaxQueriesSinceValidEPCCount = 0
	}

	if c.params.DualTarget {
		if reason == fifo.SummaryDone {
			cfg.Target = cfg.Target.Flip()
			resetQ()
		}
		if !c.r.dev.CWIsOn() && cfg.Session == ex10.SessionS0 {
			// S0 flags are lost with CW, every tag is back in A
			cfg.Target = ex10.TargetA
			resetQ()
		}
	} else if reason == fifo.SummaryDone || reason == fifo.SummaryHost {
		resetQ()
	}

	// selects are only sent with the first round;
	// resending them would undo the target transitions
	c.round.SendSelects = false
	return c.r.dev.StartInventory(c.ctx, c.round)
}

func (c *continuous) fail(p fifo.Packet, reason fifo.StopReason, msg string) {
	c.r.lc.Error("Continuous inventory stopped on error.",
		"reason", reason.String(), "packet", p.String(), "error", msg)
	c.r.queue.Push(fifo.Packet{
		Kind:      fifo.KindResult,
		Timestamp: p.Timestamp,
		Result:    &fifo.Result{Message: msg},
	})
	if c.reason == fifo.SRNone {
		c.reason = reason
	}
	c.finish(p.Timestamp)
}

func (c *continuous) finish(ts uint32) {
	c.r.queue.Push(fifo.Packet{
		Kind:      fifo.KindContinuousInventorySummary,
		Timestamp: ts,
		ContinuousSummary: &fifo.ContinuousInventorySummary{
			DurationUs:              ts - c.startTime,
			NumberOfInventoryRounds: c.rounds,
			NumberOfTags:            c.tags,
			Reason:                  c.reason,
			LastOpID:                c.lastOpID,
			LastOpError:             c.lastOpErr,
		},
	})
	c.finished = true
}

func clampQ(q, min, max uint8) uint8 {
	if q < min {
		return min
	}
	if q > max {
		return max
	}
	return q
}

// IsErrorStop reports whether a stop reason represents a failure
// rather than a satisfied stop condition.
func IsErrorStop(reason fifo.StopReason) bool {
	switch reason {
	case fifo.SRNone, fifo.SRHost, fifo.SRMaxNumberOfRounds,
		fifo.SRMaxNumberOfTags, fifo.SRMaxDuration:
		return false
	}
	return true
}

// RequireTags applies the caller policy that an inventory finding
// no tags is a failure.
func RequireTags(s fifo.ContinuousInventorySummary) error {
	if s.NumberOfTags == 0 {
		return errors.Wrapf(ErrNoTags, "%d rounds over %d us, stop reason %v",
			s.NumberOfInventoryRounds, s.DurationUs, s.Reason)
	}
	return nil
}

// ReadRate returns tags per second over durationUs, or zero.
func ReadRate(tags, durationUs uint32) uint32 {
	if durationUs == 0 {
		return 0
	}
	return uint32(uint64(tags) * 1000000 / uint64(durationUs))
}
