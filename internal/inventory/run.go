//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package inventory

import (
	"context"

	"github.com/pkg/errors"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/ex10"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/fifo"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/sequence"
)

// HaltedDecision is what to do with a halted tag once access completes.
type HaltedDecision int

const (
	// AckTagAndContinue retires the tag for this round.
	AckTagAndContinue = HaltedDecision(0)
	// NakTagAndContinue leaves the tag's inventoried flag unchanged.
	NakTagAndContinue = HaltedDecision(1)
)

func (d HaltedDecision) String() string {
	if d == NakTagAndContinue {
		return "Nak"
	}
	return "Ack"
}

// TagAccessResult is the outcome of executing access commands.
type TagAccessResult int

const (
	TagAccessSuccess = TagAccessResult(iota)
	TagAccessTagLost
	TagAccessHaltSequenceWriteError
)

// TagAccess is what a HaltedHandler may do while a tag is halted.
type TagAccess interface {
	WaitPacket(ctx context.Context) (fifo.Packet, error)
	RemovePacket()
	RemoveHaltedPacket(ctx context.Context) error
	ExecuteAccessCommands(ctx context.Context) TagAccessResult
	Sequence() *sequence.Table
}

var _ TagAccess = (*Reader)(nil)

// HaltedHandler decides the fate of each halted tag. tagRead is the
// TagRead packet that reported the halt; it has already been removed.
type HaltedHandler interface {
	OnHalted(ctx context.Context, access TagAccess, tagRead fifo.Packet) HaltedDecision
}

// HaltedHandlerFunc adapts a function to HaltedHandler.
type HaltedHandlerFunc func(ctx context.Context, access TagAccess, tagRead fifo.Packet) HaltedDecision

func (f HaltedHandlerFunc) OnHalted(ctx context.Context, access TagAccess, tagRead fifo.Packet) HaltedDecision {
	return f(ctx, access, tagRead)
}

// Subscriber receives packets removed by a run loop.
// Returning ErrStopRequested ends the run without error.
type Subscriber func(p fifo.Packet) error

// RunInventory runs a continuous inventory to completion: every packet is
// removed and handed to sub; halted tags go to h before being released.
// It returns the final summary. An error stop reason returns ErrInventoryFailed
// carrying the preceding Result message.
func (r *Reader) RunInventory(ctx context.Context, p ContinuousParams, h HaltedHandler, sub Subscriber) (fifo.ContinuousInventorySummary, error) {
	if err := r.ContinuousInventory(ctx, p); err != nil {
		return fifo.ContinuousInventorySummary{}, err
	}
	defer r.idle()

	var (
		lastResult   string
		runErr       error
		unsubscribed = sub == nil
	)
	for {
		if runErr == nil {
			if err := ctx.Err(); err != nil {
				runErr = err
				r.requestStop()
			}
		}

		pkt, err := r.WaitPacket(context.Background())
		if err != nil {
			r.lc.Error("Continuous inventory packet wait failed.", "error", err.Error())
			return fifo.ContinuousInventorySummary{}, err
		}
		r.Remove()

		if !unsubscribed && runErr == nil {
			if err := sub(pkt); err != nil {
				if !errors.Is(err, ErrStopRequested) {
					runErr = err
				}
				unsubscribed = true
				r.requestStop()
			}
		}

		switch pkt.Kind {
		case fifo.KindTagRead:
			if pkt.TagRead != nil && pkt.TagRead.HaltedOnTag {
				r.handleHalted(ctx, pkt, h)
			}
		case fifo.KindResult:
			if pkt.Result != nil {
				lastResult = pkt.Result.Message
			}
		case fifo.KindContinuousInventorySummary:
			s := *pkt.ContinuousSummary
			if runErr != nil {
				return s, runErr
			}
			if IsErrorStop(s.Reason) {
				return s, errors.Wrapf(ErrInventoryFailed, "%v: %s", s.Reason, lastResult)
			}
			return s, nil
		}
	}
}

// idle stops transmitting and discards whatever a finished
// or abandoned run left behind.
func (r *Reader) idle() {
	if err := r.dev.StopTransmitting(context.Background()); err != nil {
		r.lc.Warn("Failed to stop transmitting.", "error", err.Error())
	}
	r.cont = nil
	if n := fifo.Drain(r.dev) + r.queue.Len(); n > 0 {
		r.lc.Debug("Discarded unconsumed packets.", "count", n)
	}
	r.queue.Reset()
}

func (r *Reader) requestStop() {
	if r.cont == nil || r.cont.stopRequested {
		return
	}
	if err := r.Stop(context.Background()); err != nil {
		r.lc.Error("Failed to stop inventory.", "error", err.Error())
	}
}

func (r *Reader) handleHalted(ctx context.Context, tagRead fifo.Packet, h HaltedHandler) {
	decision := AckTagAndContinue
	if h != nil && !r.stopping() {
		decision = h.OnHalted(ctx, r, tagRead)
	}
	if err := r.ContinueFromHalted(ctx, decision); err != nil && !errors.Is(err, ex10.ErrNotHalted) {
		r.lc.Error("Failed to continue from halted.",
			"decision", decision.String(), "packet", tagRead.String(), "error", err.Error())
	}
}

func (r *Reader) stopping() bool {
	return r.cont != nil && r.cont.stopRequested
}

// RunSequence runs rounds in order, once each. Rounds interrupted by
// regulatory timers or before Tx ramped up are restarted with their Q state
// preserved. Only TagRead and InventoryRoundSummary packets are published
// unless publishAll is set. The run ends when every round has completed,
// sub returns an error, a round fails, or ctx is cancelled.
func (r *Reader) RunSequence(ctx context.Context, rounds []ex10.RoundParams, sub Subscriber, publishAll bool) error {
	if len(rounds) == 0 {
		return nil
	}
	if r.cont != nil {
		return ErrInventoryRunning
	}
	defer r.idle()

	idx := 0
	current := rounds[0]
	if err := r.dev.StartInventory(ctx, current); err != nil {
		return errors.WithMessagef(err, "failed to start round 0")
	}

	published := 0
	for {
		if err := ctx.Err(); err != nil {
			r.lc.Info("Inventory sequence cancelled.", "round", idx, "rounds", len(rounds))
			return err
		}

		pkt, err := r.WaitPacket(ctx)
		if err != nil {
			return errors.WithMessagef(err, "round %d of %d", idx, len(rounds))
		}
		r.Remove()

		if pkt.Kind == fifo.KindInventoryRoundSummary && pkt.RoundSummary != nil {
			s := pkt.RoundSummary
			switch s.Reason {
			case fifo.SummaryRegulatory, fifo.SummaryTxNotRampedUp:
				cfg := &current.Config
				cfg.InitialQ = clampQ(s.FinalQ, cfg.MinQ, cfg.MaxQ)
				cfg.StartingMinQCount = s.MinQCount
				cfg.StartingMaxQueriesSinceValidEPCCount = s.QueriesSinceValidEPCCount
				current.SendSelects = false
				if err := r.dev.StartInventory(ctx, current); err != nil {
					return errors.WithMessagef(err, "failed to restart round %d", idx)
				}
			case fifo.SummaryDone, fifo.SummaryHost:
				idx++
				if idx < len(rounds) {
					next := rounds[idx]
					if next.TxPowerCdbm != current.TxPowerCdbm {
						if err := r.dev.RampDown(ctx); err != nil {
							return errors.WithMessagef(err, "failed to ramp down before round %d", idx)
						}
					}
					next.Config.StartingMinQCount = 0
					next.Config.StartingMaxQueriesSinceValidEPCCount = 0
					current = next
					if err := r.dev.StartInventory(ctx, current); err != nil {
						return errors.WithMessagef(err, "failed to start round %d", idx)
					}
				}
			default:
				r.lc.Error("Inventory round failed.", "round", idx, "packet", pkt.String())
				return errors.Wrapf(ErrInventoryFailed, "round %d ended with %v", idx, s.Reason)
			}
		}

		if sub != nil && (publishAll || pkt.Kind == fifo.KindTagRead || pkt.Kind == fifo.KindInventoryRoundSummary) {
			if err := sub(pkt); err != nil {
				if errors.Is(err, ErrStopRequested) {
					return nil
				}
				return err
			}
		}

		if pkt.Kind == fifo.KindInventoryRoundSummary && pkt.RoundSummary != nil {
			if reason := pkt.RoundSummary.Reason; reason == fifo.SummaryDone || reason == fifo.SummaryHost {
				published++
				if published >= len(rounds) {
					return nil
				}
			}
		}
	}
}
