//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/ex10"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/fifo"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/gen2"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/sim"
)

func getTestingLogger() logger.LoggingClient {
	if testing.Verbose() {
		return logger.NewClientStdOut("test", false, "DEBUG")
	}

	return logger.NewMockClient()
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time        { return c.now }
func (c *fakeClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }

func newSimReader(nTags int) (*Reader, *sim.Device) {
	lc := getTestingLogger()
	dev := sim.New(lc, sim.NewPopulation(nTags, 7))
	return NewReader(lc, dev).WithClock(&fakeClock{now: time.Unix(0, 0)}), dev
}

func defaultParams(target ex10.Target, dual bool) ContinuousParams {
	return ContinuousParams{
		Round: ex10.RoundParams{
			Antenna:     1,
			RfMode:      222,
			TxPowerCdbm: 3000,
			Config:      ex10.DynamicQConfig(4, ex10.SessionS2, target),
		},
		DualTarget: dual,
	}
}

func TestRunInventory_MaxRounds(t *testing.T) {
	r, dev := newSimReader(5)
	p := defaultParams(ex10.TargetA, true)
	p.Stop.MaxNumberOfRounds = 4

	tally := NewTally()
	s, err := r.RunInventory(context.Background(), p, nil, tally.Subscriber())
	require.NoError(t, err)
	assert.Equal(t, fifo.SRMaxNumberOfRounds, s.Reason)
	assert.Equal(t, uint32(4), s.NumberOfInventoryRounds)
	// dual target reads the whole population every round
	assert.Equal(t, uint32(20), s.NumberOfTags)
	assert.Equal(t, 5, tally.Len())
	assert.Equal(t, 20, tally.Reads())

	starts := dev.Starts()
	require.Len(t, starts, 4)
	assert.Equal(t, []ex10.Target{ex10.TargetA, ex10.TargetB, ex10.TargetA, ex10.TargetB},
		[]ex10.Target{starts[0].Config.Target, starts[1].Config.Target,
			starts[2].Config.Target, starts[3].Config.Target})
	assert.False(t, r.InventoryRunning())
}

func TestRunInventory_ZeroTagsIsCallerFailure(t *testing.T) {
	r, _ := newSimReader(0)
	p := defaultParams(ex10.TargetA, false)
	p.Stop.MaxDurationUs = 500000

	s, err := r.RunInventory(context.Background(), p, nil, nil)
	require.NoError(t, err, "an empty field is not an inventory error")
	assert.Equal(t, fifo.SRMaxDuration, s.Reason)
	assert.Equal(t, uint32(0), s.NumberOfTags)
	assert.GreaterOrEqual(t, s.DurationUs, uint32(500000))

	err = RequireTags(s)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoTags))
}

func TestRunInventory_MaxTagsCheckedAtRoundEnd(t *testing.T) {
	r, _ := newSimReader(10)
	p := defaultParams(ex10.TargetA, false)
	p.Stop.MaxNumberOfTags = 3

	s, err := r.RunInventory(context.Background(), p, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, fifo.SRMaxNumberOfTags, s.Reason)
	assert.Equal(t, uint32(10), s.NumberOfTags)
	assert.Equal(t, uint32(1), s.NumberOfInventoryRounds)
	require.NoError(t, RequireTags(s))
}

func TestRunInventory_DurationWraparound(t *testing.T) {
	r, dev := newSimReader(3)
	dev.Advance(0xFFFFFFFF - 1000)
	p := defaultParams(ex10.TargetA, false)
	p.Stop.MaxDurationUs = 20000

	s, err := r.RunInventory(context.Background(), p, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, fifo.SRMaxDuration, s.Reason)
	assert.GreaterOrEqual(t, s.DurationUs, uint32(20000))
	assert.Less(t, s.DurationUs, uint32(30000))
	assert.Equal(t, uint32(3), s.NumberOfTags)
}

func TestRunInventory_DeviceSummaryError(t *testing.T) {
	r, dev := newSimReader(2)
	dev.ForceSummaryReasons(fifo.SummaryLmacOverload)

	var kinds []fifo.Kind
	s, err := r.RunInventory(context.Background(), defaultParams(ex10.TargetA, false), nil,
		func(p fifo.Packet) error {
			kinds = append(kinds, p.Kind)
			return nil
		})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInventoryFailed))
	assert.Equal(t, fifo.SRDeviceLmacOverload, s.Reason)
	assert.Equal(t, []fifo.Kind{fifo.KindTagRead, fifo.KindTagRead, fifo.KindInventoryRoundSummary,
		fifo.KindResult, fifo.KindContinuousInventorySummary}, kinds)
}

func TestRunInventory_ContinueError(t *testing.T) {
	r, dev := newSimReader(2)
	failed := false
	s, err := r.RunInventory(context.Background(), defaultParams(ex10.TargetA, true), nil,
		func(p fifo.Packet) error {
			if p.Kind == fifo.KindTagRead && !failed {
				failed = true
				dev.FailNextStart(ex10.OpError{OpID: 0xA2, Code: 5})
			}
			return nil
		})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInventoryFailed))
	assert.Equal(t, fifo.SROpError, s.Reason)
	assert.Equal(t, uint8(0xA2), s.LastOpID)
	assert.Equal(t, uint8(5), s.LastOpError)
	assert.Equal(t, uint32(1), s.NumberOfInventoryRounds)
}

func TestRunInventory_HostStop(t *testing.T) {
	r, _ := newSimReader(8)
	seen := 0
	s, err := r.RunInventory(context.Background(), defaultParams(ex10.TargetA, true), nil,
		func(p fifo.Packet) error {
			if p.Kind == fifo.KindTagRead {
				seen++
				if seen == 3 {
					return ErrStopRequested
				}
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, fifo.SRHost, s.Reason)
	assert.Equal(t, 3, seen)
	assert.Equal(t, uint32(3), s.NumberOfTags)
}

func TestRunInventory_SubscriberError(t *testing.T) {
	r, _ := newSimReader(4)
	boom := errors.New("boom")
	s, err := r.RunInventory(context.Background(), defaultParams(ex10.TargetA, true), nil,
		func(p fifo.Packet) error { return boom })
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, fifo.SRHost, s.Reason)
}

func TestRunInventory_Cancelled(t *testing.T) {
	r, _ := newSimReader(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s, err := r.RunInventory(ctx, defaultParams(ex10.TargetA, true), nil, nil)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, fifo.SRHost, s.Reason)
}

func TestRunInventory_HaltedDecisions(t *testing.T) {
	tests := []struct {
		name     string
		decision HaltedDecision
		calls    int
	}{
		// acked tags flip to B and are not seen by the second round
		{"ack", AckTagAndContinue, 5},
		{"nak", NakTagAndContinue, 10},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, _ := newSimReader(5)
			p := defaultParams(ex10.TargetA, false)
			p.Round.Config.HaltOnAllTags = true
			p.Stop.MaxNumberOfRounds = 2

			calls := 0
			h := HaltedHandlerFunc(func(ctx context.Context, ta TagAccess, tagRead fifo.Packet) HaltedDecision {
				calls++
				assert.True(t, tagRead.TagRead.HaltedOnTag)
				pkt, err := ta.WaitPacket(ctx)
				require.NoError(t, err)
				assert.Equal(t, fifo.KindHalted, pkt.Kind)
				ta.RemovePacket()
				return tc.decision
			})

			s, err := r.RunInventory(context.Background(), p, h, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.calls, calls)
			assert.Equal(t, uint32(tc.calls), s.NumberOfTags)
		})
	}
}

func TestReader_HaltedAccess(t *testing.T) {
	r, dev := newSimReader(1)
	ctx := context.Background()
	require.NoError(t, r.Sequence().Build(ctx,
		&gen2.Write{MemoryBank: gen2.BankUser, WordPointer: 2, Data: 0x1234},
		&gen2.Read{MemoryBank: gen2.BankUser, WordPointer: 2, WordCount: 1}))
	require.NoError(t, r.Sequence().SetHaltedEnables(ctx, []bool{true, true}))

	p := defaultParams(ex10.TargetA, false)
	p.Round.Config.HaltOnAllTags = true
	p.Stop.MaxNumberOfRounds = 1

	var replies []gen2.Reply
	h := HaltedHandlerFunc(func(ctx context.Context, ta TagAccess, tagRead fifo.Packet) HaltedDecision {
		pkt, err := ta.WaitPacket(ctx)
		require.NoError(t, err)
		require.Equal(t, fifo.KindHalted, pkt.Kind)
		ta.RemovePacket()

		require.Equal(t, TagAccessSuccess, ta.ExecuteAccessCommands(ctx))
		for i := 0; i < 2; i++ {
			pkt, err := ta.WaitPacket(ctx)
			require.NoError(t, err)
			require.Equal(t, fifo.KindGen2Transaction, pkt.Kind)
			cmd, ok := ta.Sequence().NextEnabled(ex10.TriggerHalted)
			require.True(t, ok)
			replies = append(replies, gen2.DecodeReply(cmd, pkt.Transaction))
			ta.RemovePacket()
		}
		require.NoError(t, ta.RemoveHaltedPacket(ctx))
		return AckTagAndContinue
	})

	_, err := r.RunInventory(ctx, p, h, nil)
	require.NoError(t, err)
	require.Len(t, replies, 2)
	assert.Equal(t, gen2.NoError, replies[0].Error)
	assert.Equal(t, []uint16{0x1234}, replies[1].Data)
	assert.Equal(t, uint16(0x1234), dev.Tags()[0].Memory[gen2.BankUser][2])
}

func TestReader_WaitPacketTimeout(t *testing.T) {
	r, _ := newSimReader(1)
	_, err := r.WaitPacket(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPacketTimeout))

	err = r.RemoveHaltedPacket(context.Background())
	assert.True(t, errors.Is(err, ErrMissingHalted))
}

func TestContinuousInventory_AlreadyRunning(t *testing.T) {
	r, _ := newSimReader(1)
	ctx := context.Background()
	require.NoError(t, r.ContinuousInventory(ctx, defaultParams(ex10.TargetA, false)))
	assert.True(t, errors.Is(r.ContinuousInventory(ctx, defaultParams(ex10.TargetA, false)), ErrInventoryRunning))

	bad := defaultParams(ex10.TargetA, false)
	bad.Round.Antenna = 0
	r2, _ := newSimReader(1)
	assert.True(t, errors.Is(r2.ContinuousInventory(ctx, bad), ex10.ErrUnsupportedAntenna))
}

// scriptDevice replays prepared packets and records round starts.
type scriptDevice struct {
	*fifo.Queue
	cw     bool
	now    uint32
	starts []ex10.RoundParams
}

func (d *scriptDevice) WriteSequence(context.Context, []gen2.EncodedCommand) error { return nil }
func (d *scriptDevice) WriteEnables(context.Context, ex10.Trigger, []bool) error   { return nil }
func (d *scriptDevice) DeviceTime() uint32                                         { return d.now }
func (d *scriptDevice) StartInventory(_ context.Context, p ex10.RoundParams) error {
	d.starts = append(d.starts, p)
	return nil
}
func (d *scriptDevice) StopTransmitting(context.Context) error { d.cw = false; return nil }
func (d *scriptDevice) RampDown(context.Context) error         { d.cw = false; return nil }
func (d *scriptDevice) CWOn(context.Context, uint8, ex10.RfMode, int16) error {
	d.cw = true
	return nil
}
func (d *scriptDevice) CWIsOn() bool                                   { return d.cw }
func (d *scriptDevice) SendSelect(context.Context) error               { return nil }
func (d *scriptDevice) ContinueFromHalted(context.Context, bool) error { return nil }
func (d *scriptDevice) ExecuteAccessCommands(context.Context) error    { return nil }

func summaryPacket(ts uint32, s fifo.InventoryRoundSummary) fifo.Packet {
	return fifo.Packet{Kind: fifo.KindInventoryRoundSummary, Timestamp: ts, RoundSummary: &s}
}

func TestContinuousInventory_RegulatoryPreservesQ(t *testing.T) {
	dev := &scriptDevice{Queue: fifo.NewQueue(4), cw: true}
	dev.Push(summaryPacket(10, fifo.InventoryRoundSummary{
		Reason: fifo.SummaryRegulatory, FinalQ: 11, MinQCount: 3, QueriesSinceValidEPCCount: 7}))
	dev.Push(summaryPacket(20, fifo.InventoryRoundSummary{Reason: fifo.SummaryDone, FinalQ: 9}))
	dev.Push(summaryPacket(30, fifo.InventoryRoundSummary{Reason: fifo.SummaryDone}))

	r := NewReader(getTestingLogger(), dev).WithClock(&fakeClock{})
	p := defaultParams(ex10.TargetA, true)
	p.Round.SendSelects = true
	p.Stop.MaxNumberOfRounds = 2

	s, err := r.RunInventory(context.Background(), p, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), s.NumberOfInventoryRounds)
	assert.Equal(t, uint32(30), s.DurationUs)

	require.Len(t, dev.starts, 3)
	assert.True(t, dev.starts[0].SendSelects)

	afterReg := dev.starts[1]
	assert.False(t, afterReg.SendSelects)
	assert.Equal(t, ex10.TargetA, afterReg.Config.Target, "regulatory does not flip target")
	assert.Equal(t, uint8(11), afterReg.Config.InitialQ)
	assert.Equal(t, uint8(3), afterReg.Config.StartingMinQCount)
	assert.Equal(t, uint8(7), afterReg.Config.StartingMaxQueriesSinceValidEPCCount)

	afterDone := dev.starts[2]
	assert.Equal(t, ex10.TargetB, afterDone.Config.Target)
	assert.Equal(t, uint8(4), afterDone.Config.InitialQ)
	assert.Equal(t, uint8(0), afterDone.Config.StartingMinQCount)
}

func TestContinuousInventory_S0ResetsTargetWithoutCW(t *testing.T) {
	dev := &scriptDevice{Queue: fifo.NewQueue(4)}
	dev.Push(summaryPacket(10, fifo.InventoryRoundSummary{Reason: fifo.SummaryDone}))
	dev.Push(summaryPacket(20, fifo.InventoryRoundSummary{Reason: fifo.SummaryDone}))

	r := NewReader(getTestingLogger(), dev).WithClock(&fakeClock{})
	p := defaultParams(ex10.TargetA, true)
	p.Round.Config.Session = ex10.SessionS0
	p.Stop.MaxNumberOfRounds = 2

	_, err := r.RunInventory(context.Background(), p, nil, nil)
	require.NoError(t, err)
	require.Len(t, dev.starts, 2)
	assert.Equal(t, ex10.TargetA, dev.starts[1].Config.Target)
}

func TestRunSequence(t *testing.T) {
	r, dev := newSimReader(4)
	dev.ForceSummaryReasons(fifo.SummaryRegulatory)

	rounds := []ex10.RoundParams{
		defaultParams(ex10.TargetA, false).Round,
		defaultParams(ex10.TargetB, false).Round,
		defaultParams(ex10.TargetA, false).Round,
	}
	rounds[2].TxPowerCdbm = 2000

	var tags, summaries int
	err := r.RunSequence(context.Background(), rounds, func(p fifo.Packet) error {
		switch p.Kind {
		case fifo.KindTagRead:
			tags++
		case fifo.KindInventoryRoundSummary:
			summaries++
		default:
			t.Errorf("unexpected %v published", p.Kind)
		}
		return nil
	}, false)
	require.NoError(t, err)
	// the restarted round finds every tag already in B
	assert.Equal(t, 4, summaries)
	assert.Equal(t, 4+0+4+4, tags)

	starts := dev.Starts()
	require.Len(t, starts, 4)
	assert.Equal(t, ex10.TargetA, starts[1].Config.Target)
	assert.Equal(t, int16(2000), starts[3].TxPowerCdbm)
}

func TestRunSequence_StopAndFail(t *testing.T) {
	r, _ := newSimReader(4)
	rounds := []ex10.RoundParams{defaultParams(ex10.TargetA, false).Round}
	n := 0
	err := r.RunSequence(context.Background(), rounds, func(p fifo.Packet) error {
		n++
		return ErrStopRequested
	}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r, dev := newSimReader(1)
	dev.ForceSummaryReasons(fifo.SummaryEventFifoFull)
	err = r.RunSequence(context.Background(), rounds, nil, false)
	assert.True(t, errors.Is(err, ErrInventoryFailed))
}

func TestRunSequence_Cancelled(t *testing.T) {
	rounds := make([]ex10.RoundParams, 8)
	for i := range rounds {
		rounds[i] = defaultParams(ex10.TargetA, false).Round
	}

	t.Run("before start", func(t *testing.T) {
		r, dev := newSimReader(50)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		tags := 0
		err := r.RunSequence(ctx, rounds, func(p fifo.Packet) error {
			tags++
			return nil
		}, false)
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Zero(t, tags)
		assert.LessOrEqual(t, len(dev.Starts()), 1)
	})

	t.Run("during a round", func(t *testing.T) {
		r, dev := newSimReader(50)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		tags := 0
		err := r.RunSequence(ctx, rounds, func(p fifo.Packet) error {
			if p.Kind == fifo.KindTagRead {
				tags++
				cancel()
			}
			return nil
		}, false)
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Equal(t, 1, tags)
		assert.Len(t, dev.Starts(), 1)
		assert.False(t, r.InventoryRunning())

		// the reader is usable again
		require.NoError(t, r.RunSequence(context.Background(), rounds[:1], nil, false))
	})
}

func TestReadRate(t *testing.T) {
	assert.Equal(t, uint32(0), ReadRate(10, 0))
	assert.Equal(t, uint32(200), ReadRate(100, 500000))
	assert.Equal(t, uint32(4000000000), ReadRate(4000000000, 1000000))
}
