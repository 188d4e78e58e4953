//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package inventoryapp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/access"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/autoset"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/fifo"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/inventory"
)

type RunStatus string

const (
	RunStatusPending   = RunStatus("pending")
	RunStatusRunning   = RunStatus("running")
	RunStatusPassed    = RunStatus("passed")
	RunStatusFailed    = RunStatus("failed")
	RunStatusCancelled = RunStatus("cancelled")
)

// RunReport is the externally visible state of a Run.
type RunReport struct {
	ID         string                           `json:"id"`
	UseCase    inventory.UseCase                `json:"useCase"`
	Options    inventory.Options                `json:"options"`
	Status     RunStatus                        `json:"status"`
	StartedAt  *time.Time                       `json:"startedAt,omitempty"`
	EndedAt    *time.Time                       `json:"endedAt,omitempty"`
	Error      string                           `json:"error,omitempty"`
	Summary    *fifo.ContinuousInventorySummary `json:"summary,omitempty"`
	ReadRate   uint32                           `json:"readRate"`
	TagCount   int                              `json:"tagCount"`
	Reads      int                              `json:"reads"`
	Tags       []inventory.TagReport            `json:"tags,omitempty"`
	Access     *access.Report                   `json:"access,omitempty"`
	AutoAccess *access.AutoAccessReport         `json:"autoAccess,omitempty"`
	Autoset    *autoset.Result                  `json:"autoset,omitempty"`
	Captured   int                              `json:"capturedPackets"`
}

// Run is one execution of a use case. The task loop writes it
// while HTTP handlers read it.
type Run struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	tally  *inventory.Tally

	mu          sync.RWMutex
	report      RunReport
	capturePath string
}

func newRun(useCase inventory.UseCase, opts inventory.Options) *Run {
	ctx, cancel := context.WithCancel(context.Background())
	opts.UseCase = string(useCase)
	return &Run{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		tally:  inventory.NewTally(),
		report: RunReport{
			ID:      uuid.New().String(),
			UseCase: useCase,
			Options: opts,
			Status:  RunStatusPending,
		},
	}
}

func (r *Run) ID() string {
	return r.report.ID
}

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Cancel requests the run to stop. A pending run never starts.
func (r *Run) Cancel() {
	r.cancel()
}

// Report returns a copy of the run's report; withTags includes
// the per EPC tallies.
func (r *Run) Report(withTags bool) RunReport {
	r.mu.RLock()
	rep := r.report
	r.mu.RUnlock()

	rep.TagCount = r.tally.Len()
	rep.Reads = r.tally.Reads()
	if withTags {
		rep.Tags = r.tally.Snapshot()
	}
	return rep
}

func (r *Run) update(f func(rep *RunReport)) {
	r.mu.Lock()
	f(&r.report)
	r.mu.Unlock()
}

func (r *Run) setCapture(path string) {
	r.mu.Lock()
	r.capturePath = path
	r.mu.Unlock()
}

// CapturePath returns the packet capture file, if any.
func (r *Run) CapturePath() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.capturePath
}
