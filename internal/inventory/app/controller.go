//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package inventoryapp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/access"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/autoset"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/ex10"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/fifo"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/gen2"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/inventory"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/logutil"
)

const (
	// defaultMaxDurationUs bounds inventory runs configured without stop conditions.
	defaultMaxDurationUs = 10 * 1000 * 1000
	// autoAccessRounds is the fixed round count of the auto-access use case.
	autoAccessRounds = 2

	captureExt = ".cbor"
)

var (
	ErrRunInProgress = errors.New("a run is already in progress")
	ErrReadRate      = errors.New("read rate below minimum")
	ErrStopReason    = errors.New("unexpected stop reason")
)

// submitRun hands run to the task loop. It fails if a run is executing.
func (app *InventoryApp) submitRun(run *Run) error {
	select {
	case app.runReqs <- run:
		return nil
	default:
		return ErrRunInProgress
	}
}

// taskLoop owns the reader: runs execute one at a time on this goroutine,
// and option updates from the configuration provider are applied between them.
func (app *InventoryApp) taskLoop(ctx context.Context) {
	app.lc.Info("Starting task loop.")
	for {
		select {
		case <-ctx.Done():
			app.lc.Info("Task loop stopped.")
			return

		case run := <-app.runReqs:
			app.execute(ctx, run)

		case rawConfig := <-app.confUpdateCh:
			newOpts, ok := rawConfig.(*inventory.Options)
			if !ok {
				app.lc.Warn("Unable to decode options from the configuration provider.", "raw", fmt.Sprintf("%#v", rawConfig))
				continue
			}
			if err := newOpts.Validate(); err != nil {
				app.lc.Error("Invalid provider options.", "error", err.Error())
				continue
			}
			app.setOptions(*newOpts)
			app.lc.Info("Options updated from the configuration provider.", "options", newOpts.String())
		}
	}
}

// execute runs a use case to completion and records the outcome.
func (app *InventoryApp) execute(ctx context.Context, run *Run) {
	defer close(run.done)
	stop := context.AfterFunc(ctx, run.cancel)
	defer stop()
	defer run.cancel()

	// AfterFunc may not have fired yet
	if ctx.Err() != nil || run.ctx.Err() != nil {
		now := time.Now()
		run.update(func(rep *RunReport) {
			rep.Status = RunStatusCancelled
			rep.EndedAt = &now
		})
		return
	}

	start := time.Now()
	run.update(func(rep *RunReport) {
		rep.Status = RunStatusRunning
		rep.StartedAt = &start
	})
	rep := run.Report(false)
	app.lc.Info("Run started.", "id", rep.ID, "options", rep.Options.String())

	subs := []inventory.Subscriber{run.tally.Subscriber()}
	rec, closeCapture := app.openCapture(run)
	if rec != nil {
		subs = append(subs, func(p fifo.Packet) error {
			// the first failure sticks in rec.Err, logged once the run ends;
			// capture errors do not fail the run
			_ = rec.Record(p)
			return nil
		})
	}

	err := app.runUseCase(run.ctx, run, fanout(subs...))

	if rec != nil {
		app.logWrap().WarnIfErr(rec.Err(), "Packet capture failed.",
			logutil.KeyValue{Key: "id", Val: rep.ID}, logutil.KeyValue{Key: "captured", Val: rec.Count()})
		run.update(func(rep *RunReport) { rep.Captured = rec.Count() })
	}
	closeCapture()

	end := time.Now()
	run.update(func(rep *RunReport) {
		rep.EndedAt = &end
		switch {
		case err == nil:
			rep.Status = RunStatusPassed
		case errors.Is(err, context.Canceled):
			rep.Status = RunStatusCancelled
			rep.Error = err.Error()
		default:
			rep.Status = RunStatusFailed
			rep.Error = err.Error()
		}
	})

	if err != nil {
		app.lc.Error("Run failed.", "id", rep.ID, "useCase", string(rep.UseCase), "error", err.Error())
		return
	}
	app.lc.Info("Run passed.", "id", rep.ID, "useCase", string(rep.UseCase),
		"tags", run.tally.Len(), "duration", end.Sub(start).String())
}

// openCapture creates the run's capture file in the capture directory.
// With no directory configured, or on error, the run is not captured.
func (app *InventoryApp) openCapture(run *Run) (*fifo.Recorder, func()) {
	dir := app.config.Service.CaptureDir
	if dir == "" {
		return nil, func() {}
	}

	path := filepath.Join(dir, run.ID()+captureExt)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		app.lc.Error("Failed to create capture file.", "path", path, "error", err.Error())
		return nil, func() {}
	}
	run.setCapture(path)

	return fifo.NewRecorder(f), func() {
		if err := f.Close(); err != nil {
			app.lc.Error("Failed to close capture file.", "path", path, "error", err.Error())
		}
	}
}

// fanout passes each packet to every subscriber in order,
// stopping at the first error.
func fanout(subs ...inventory.Subscriber) inventory.Subscriber {
	return func(p fifo.Packet) error {
		for _, s := range subs {
			if err := s(p); err != nil {
				return err
			}
		}
		return nil
	}
}

func (app *InventoryApp) runUseCase(ctx context.Context, run *Run, sub inventory.Subscriber) error {
	rep := run.Report(false)
	opts := rep.Options
	switch rep.UseCase {
	case inventory.UseCaseInventory:
		return app.runInventory(ctx, run, opts, sub)
	case inventory.UseCaseAccess:
		return app.runAccess(ctx, run, opts, sub)
	case inventory.UseCaseAutoAccess:
		return app.runAutoAccess(ctx, run, opts, sub)
	case inventory.UseCaseAutoset:
		return app.runAutoset(ctx, run, opts, sub)
	}
	return errors.Wrapf(inventory.ErrInvalidOptions, "unknown use case %q", opts.UseCase)
}

func continuousParams(opts inventory.Options) inventory.ContinuousParams {
	_, dual, _ := opts.Targets()
	p := inventory.ContinuousParams{
		Round:      opts.RoundParams(),
		Stop:       opts.StopConditions(),
		DualTarget: dual,
	}
	if p.Stop == (inventory.StopConditions{}) {
		p.Stop.MaxDurationUs = defaultMaxDurationUs
	}
	return p
}

// recordSummary stores the final continuous inventory summary.
// A run that failed to start has none.
func recordSummary(run *Run, s fifo.ContinuousInventorySummary) {
	if s == (fifo.ContinuousInventorySummary{}) {
		return
	}
	run.update(func(rep *RunReport) {
		rep.Summary = &s
		rep.ReadRate = inventory.ReadRate(s.NumberOfTags, s.DurationUs)
	})
}

// checkSummary applies the checks every continuous use case shares:
// at least one tag, and the minimum read rate.
func checkSummary(s fifo.ContinuousInventorySummary, minReadRate uint32) error {
	if err := inventory.RequireTags(s); err != nil {
		return err
	}
	if rate := inventory.ReadRate(s.NumberOfTags, s.DurationUs); rate < minReadRate {
		return errors.Wrapf(ErrReadRate, "%d tags/s, minimum %d", rate, minReadRate)
	}
	return nil
}

// runInventory runs a plain continuous inventory, clearing any
// access sequence an earlier run left on the device.
func (app *InventoryApp) runInventory(ctx context.Context, run *Run, opts inventory.Options, sub inventory.Subscriber) error {
	if err := app.reader.Sequence().Build(ctx); err != nil {
		return errors.WithMessage(err, "failed to clear the command sequence")
	}

	s, err := app.reader.RunInventory(ctx, continuousParams(opts), nil, sub)
	recordSummary(run, s)
	if err != nil {
		return err
	}
	return checkSummary(s, opts.MinReadRate)
}

// runAccess halts on every tag, writes a random word to user memory,
// and reads it back.
func (app *InventoryApp) runAccess(ctx context.Context, run *Run, opts inventory.Options, sub inventory.Subscriber) error {
	wr := access.WriteRead{Bank: gen2.BankUser, WordPointer: 0, Data: uint16(app.rnd.Intn(1 << 16))}
	if err := wr.CommitHalted(ctx, app.reader.Sequence()); err != nil {
		return errors.WithMessage(err, "failed to build the access sequence")
	}

	p := continuousParams(opts)
	p.Round.Config.HaltOnAllTags = true
	rw := access.NewReadWrite(app.lc)

	s, err := app.reader.RunInventory(ctx, p, rw, sub)
	report := rw.Report()
	run.update(func(rep *RunReport) { rep.Access = &report })
	recordSummary(run, s)
	if err != nil {
		return err
	}
	if err := checkSummary(s, opts.MinReadRate); err != nil {
		return err
	}
	return report.Check()
}

// runAutoAccess lets the device write and read back every singulated tag
// on its own, for a fixed number of rounds.
func (app *InventoryApp) runAutoAccess(ctx context.Context, run *Run, opts inventory.Options, sub inventory.Subscriber) error {
	seq := app.reader.Sequence()
	wr := access.WriteRead{Bank: gen2.BankUser, WordPointer: 0, Data: uint16(app.rnd.Intn(1 << 16))}
	if err := wr.CommitAutoAccess(ctx, seq); err != nil {
		return errors.WithMessage(err, "failed to build the auto access sequence")
	}

	p := continuousParams(opts)
	p.Round.Config.AutoAccess = true
	p.Stop = inventory.StopConditions{MaxNumberOfRounds: autoAccessRounds}

	v := access.NewAutoAccessVerifier(app.lc, seq)
	s, err := app.reader.RunInventory(ctx, p, nil, fanout(sub, v.Subscriber()))
	report := v.Report()
	run.update(func(rep *RunReport) { rep.AutoAccess = &report })
	recordSummary(run, s)
	if err != nil {
		return err
	}
	if s.Reason != fifo.SRMaxNumberOfRounds {
		return errors.Wrapf(ErrStopReason, "%v, expected %v", s.Reason, fifo.SRMaxNumberOfRounds)
	}
	if err := checkSummary(s, opts.MinReadRate); err != nil {
		return err
	}
	return report.Check()
}

// runAutoset runs the autoset mode progression.
func (app *InventoryApp) runAutoset(ctx context.Context, run *Run, opts inventory.Options, sub inventory.Subscriber) error {
	region, err := ex10.ParseRegion(opts.Region)
	if err != nil {
		return err
	}
	target, dual, err := opts.Targets()
	if err != nil {
		return err
	}

	seq := autoset.NewSequencer(app.lc, app.reader)
	res, err := seq.Run(ctx, autoset.Params{
		Mode:        autoset.ModeID(opts.AutosetMode),
		Region:      region,
		Antenna:     opts.Antenna,
		TxPowerCdbm: opts.TxPowerCdbm,
		InitialQ:    opts.InitialQ,
		Session:     ex10.Session(opts.Session),
		Target:      target,
		DualTarget:  dual,
		RemainOn:    opts.RemainOn,
	}, sub)
	run.update(func(rep *RunReport) { rep.Autoset = &res })
	return err
}
