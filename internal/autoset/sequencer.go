//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package autoset runs inventory across a progression of RF modes, from
// fastest to most sensitive, and reports per mode statistics.
package autoset

import (
	"context"
	"fmt"

	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
	"github.com/pkg/errors"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/ex10"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/fifo"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/gen2"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/inventory"
)

// symmetryThreshold is the smallest tag count at which a difference
// between the A and B passes is put down to collisions.
const symmetryThreshold = 10

var ErrAsymmetric = fmt.Errorf("target A and B tag counts differ")

// RfModeInventoryStats accumulate one (mode, target) pass.
type RfModeInventoryStats struct {
	RfMode     ex10.RfMode `json:"rfMode"`
	Target     ex10.Target `json:"target"`
	TagCount   uint32      `json:"tagCount"`
	DurationUs uint32      `json:"durationUs"`
}

// ReadRate is tags per second.
func (s RfModeInventoryStats) ReadRate() uint32 {
	return inventory.ReadRate(s.TagCount, s.DurationUs)
}

func (s RfModeInventoryStats) String() string {
	return fmt.Sprintf("%d, %v, %d, %.3f, %d",
		s.RfMode, s.Target, s.TagCount, float64(s.DurationUs)/1e6, s.ReadRate())
}

// Symmetry is the outcome of comparing the A and B pass tag counts.
type Symmetry int

const (
	SymmetryMatch = Symmetry(iota)
	SymmetryWarn
	SymmetryFail
)

// CheckSymmetry compares the tag counts of a dual target run.
// Any difference is tolerated with a warning once the smaller count
// exceeds 10 tags; below that it is an error. Zero tags is always an error.
func CheckSymmetry(a, b uint32) (Symmetry, error) {
	small := a
	if b < small {
		small = b
	}
	switch {
	case small == 0:
		return SymmetryFail, errors.Wrapf(inventory.ErrNoTags, "target A found %d, target B found %d", a, b)
	case a == b:
		return SymmetryMatch, nil
	case small > symmetryThreshold:
		return SymmetryWarn, nil
	}
	return SymmetryFail, errors.Wrapf(ErrAsymmetric, "target A found %d, target B found %d", a, b)
}

// Params configure an autoset run.
type Params struct {
	Mode        ModeID
	Region      ex10.Region
	Antenna     uint8
	TxPowerCdbm int16
	InitialQ    uint8
	Session     ex10.Session
	// Target is the single target to run, ignored when DualTarget is set.
	Target     ex10.Target
	DualTarget bool
	RemainOn   bool
}

// Result is the outcome of an autoset run.
type Result struct {
	Mode    ModeID                 `json:"mode"`
	Stats   []RfModeInventoryStats `json:"stats"`
	TotalA  uint32                 `json:"totalA"`
	TotalB  uint32                 `json:"totalB"`
	Warning string                 `json:"warning,omitempty"`
}

// Sequencer drives a Reader through an autoset progression.
type Sequencer struct {
	lc logger.LoggingClient
	r  *inventory.Reader
}

func NewSequencer(lc logger.LoggingClient, r *inventory.Reader) *Sequencer {
	return &Sequencer{lc: lc, r: r}
}

func (p Params) targets() []ex10.Target {
	if p.DualTarget {
		return []ex10.Target{ex10.TargetA, ex10.TargetB}
	}
	return []ex10.Target{p.Target}
}

// selects builds one Select per target that moves every tag
// into that target for the session.
func selects(session ex10.Session) []gen2.Spec {
	mk := func(a gen2.SelectAction) gen2.Spec {
		return &gen2.Select{
			Target:     gen2.SelectTarget(session),
			Action:     a,
			MemoryBank: gen2.BankEPC,
		}
	}
	// an empty mask matches every tag
	return []gen2.Spec{mk(gen2.Action000), mk(gen2.Action100)}
}

// Run sends a select for the first target once, using the most sensitive
// mode, then runs each mode in turn for each target. sub, if not nil,
// receives the TagRead and InventoryRoundSummary packets.
func (s *Sequencer) Run(ctx context.Context, p Params, sub inventory.Subscriber) (Result, error) {
	res := Result{Mode: p.Mode}
	if res.Mode == ModeInvalid {
		res.Mode = DefaultMode(p.Region)
	}
	modes, err := Modes(res.Mode, p.Region)
	if err != nil {
		return res, err
	}

	targets := p.targets()
	seq := s.r.Sequence()
	if err := seq.Build(ctx, selects(p.Session)...); err != nil {
		return res, errors.WithMessage(err, "failed to build autoset selects")
	}
	enables := []bool{targets[0] == ex10.TargetA, targets[0] == ex10.TargetB}
	if err := seq.SetSelectEnables(ctx, enables); err != nil {
		return res, err
	}
	if err := s.r.SendSelect(ctx, p.Antenna, modes[len(modes)-1], p.TxPowerCdbm); err != nil {
		return res, err
	}

	var rounds []ex10.RoundParams
	for _, t := range targets {
		for _, m := range modes {
			res.Stats = append(res.Stats, RfModeInventoryStats{RfMode: m, Target: t})
			rounds = append(rounds, ex10.RoundParams{
				Antenna:     p.Antenna,
				RfMode:      m,
				TxPowerCdbm: p.TxPowerCdbm,
				Config:      ex10.DynamicQConfig(p.InitialQ, p.Session, t),
				RemainOn:    p.RemainOn,
			})
		}
	}

	idx := 0
	boundary := s.r.Device().DeviceTime()
	collect := func(pkt fifo.Packet) error {
		switch pkt.Kind {
		case fifo.KindTagRead:
			if idx < len(res.Stats) {
				res.Stats[idx].TagCount++
			}
		case fifo.KindInventoryRoundSummary:
			reason := pkt.RoundSummary.Reason
			if (reason == fifo.SummaryDone || reason == fifo.SummaryHost) && idx < len(res.Stats) {
				res.Stats[idx].DurationUs = pkt.Timestamp - boundary
				boundary = pkt.Timestamp
				idx++
			}
		}
		if sub != nil {
			return sub(pkt)
		}
		return nil
	}

	if err := s.r.RunSequence(ctx, rounds, collect, false); err != nil {
		return res, errors.WithMessagef(err, "autoset mode %d", res.Mode)
	}

	for _, st := range res.Stats {
		if st.Target == ex10.TargetA {
			res.TotalA += st.TagCount
		} else {
			res.TotalB += st.TagCount
		}
	}
	s.logStats(res)

	var problems inventory.MultiErr
	for _, t := range targets {
		total := res.TotalA
		if t == ex10.TargetB {
			total = res.TotalB
		}
		if total == 0 {
			problems = append(problems, errors.Wrapf(inventory.ErrNoTags, "target %v", t))
		}
	}
	if p.DualTarget && len(problems) == 0 {
		sym, err := CheckSymmetry(res.TotalA, res.TotalB)
		switch sym {
		case SymmetryWarn:
			res.Warning = fmt.Sprintf("target A found %d tags, target B found %d", res.TotalA, res.TotalB)
			s.lc.Warn("Autoset tag counts differ between targets.", "A", res.TotalA, "B", res.TotalB)
		case SymmetryFail:
			problems = append(problems, err)
		}
	}
	if len(problems) > 0 {
		s.lc.Error("Autoset failed.", "mode", int(res.Mode), "error", problems.Error())
		return res, problems
	}
	return res, nil
}

func (s *Sequencer) logStats(res Result) {
	s.lc.Info("Autoset results: rf_mode, target, tag_count, duration_s, read_rate", "mode", int(res.Mode))
	sum := map[ex10.Target]*RfModeInventoryStats{}
	for _, st := range res.Stats {
		s.lc.Info(st.String())
		t, ok := sum[st.Target]
		if !ok {
			t = &RfModeInventoryStats{Target: st.Target}
			sum[st.Target] = t
		}
		t.TagCount += st.TagCount
		t.DurationUs += st.DurationUs
	}
	for _, target := range []ex10.Target{ex10.TargetA, ex10.TargetB} {
		if t, ok := sum[target]; ok {
			s.lc.Info(fmt.Sprintf("total, %v, %d, %.3f, %d",
				target, t.TagCount, float64(t.DurationUs)/1e6, t.ReadRate()))
		}
	}
}
