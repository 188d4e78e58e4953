//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package ex10 defines the narrow contract between the host-side protocol
// logic and an Impinj Ex10 family reader chip: device operations,
// inventory round parameters, and the errors those operations report.
//
// Transport, RF power control, calibration and regulatory timing live
// behind Device and are not modelled here.
package ex10

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/fifo"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/gen2"
)

// Trigger selects one of the device's command enable vectors.
type Trigger int

const (
	// TriggerHalted commands run when the host asks the device
	// to execute access commands on a halted tag.
	TriggerHalted = Trigger(iota)
	// TriggerAutoAccess commands run automatically on every singulated tag
	// when the round enables auto access.
	TriggerAutoAccess
	// TriggerSelect commands are sent as Selects when Tx ramps up
	// or when the host calls SendSelect.
	TriggerSelect
	NumTriggers
)

var triggerStrs = [...]string{
	TriggerHalted:     "halted",
	TriggerAutoAccess: "auto-access",
	TriggerSelect:     "select",
}

func (t Trigger) String() string {
	if 0 <= int(t) && int(t) < len(triggerStrs) {
		return triggerStrs[t]
	}
	return fmt.Sprintf("Trigger(%d)", int(t))
}

// SequenceWriter receives the host's command sequence and enable vectors.
type SequenceWriter interface {
	WriteSequence(ctx context.Context, cmds []gen2.EncodedCommand) error
	WriteEnables(ctx context.Context, trigger Trigger, enables []bool) error
}

// Device is a reader chip. Its packets are consumed through fifo.Source
// in the order the device produced them.
type Device interface {
	fifo.Source
	SequenceWriter

	// DeviceTime returns the device's microsecond counter.
	DeviceTime() uint32

	// StartInventory ramps up Tx if needed and starts one inventory round.
	StartInventory(ctx context.Context, p RoundParams) error
	// StopTransmitting stops the running op and ramps down.
	StopTransmitting(ctx context.Context) error
	// RampDown ramps Tx down between rounds without ending inventory state.
	RampDown(ctx context.Context) error
	// CWOn ramps up Tx on the given antenna and mode.
	CWOn(ctx context.Context, antenna uint8, mode RfMode, txPowerCdbm int16) error
	CWIsOn() bool

	// SendSelect transmits the select-enabled commands and waits for the op.
	SendSelect(ctx context.Context) error
	// ContinueFromHalted releases a halted tag, acking or naking it.
	ContinueFromHalted(ctx context.Context, nak bool) error
	// ExecuteAccessCommands runs the halted-enabled commands against the
	// currently halted tag. It returns ErrTagLost if the tag stopped replying.
	ExecuteAccessCommands(ctx context.Context) error
}

var (
	ErrTagLost              = fmt.Errorf("halted tag lost")
	ErrNotHalted            = fmt.Errorf("device is not halted on a tag")
	ErrOpRunning            = fmt.Errorf("an op is already running")
	ErrOpTimeout            = fmt.Errorf("device op timed out")
	ErrDeviceCommand        = fmt.Errorf("device command failed")
	ErrAggBufferOverflow    = fmt.Errorf("aggregate op buffer overflow")
	ErrRampCallback         = fmt.Errorf("ramp callback reported power above threshold")
	ErrInvalidRoundConfig   = fmt.Errorf("invalid inventory round config")
	ErrUnsupportedRfMode    = fmt.Errorf("unsupported rf mode")
	ErrUnsupportedRegion    = fmt.Errorf("unsupported region")
	ErrUnsupportedAntenna   = fmt.Errorf("unsupported antenna")
	ErrEmptyCommandSequence = fmt.Errorf("no commands enabled")
)

// OpError is a device op that completed with an error status,
// or did not complete in time.
type OpError struct {
	OpID    uint8
	Code    uint8
	Timeout bool
}

func (e OpError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("op 0x%02X timed out", e.OpID)
	}
	return fmt.Sprintf("op 0x%02X failed with error 0x%02X", e.OpID, e.Code)
}

// StopReasonFor maps an error from a Device call made while continuing
// inventory to the stop reason reported in the continuous summary,
// and extracts op details when available.
func StopReasonFor(err error) (reason fifo.StopReason, opID, opErr uint8) {
	var oe OpError
	switch {
	case err == nil:
		return fifo.SRNone, 0, 0
	case errors.As(err, &oe) && oe.Timeout:
		return fifo.SRSdkTimeoutError, oe.OpID, oe.Code
	case errors.As(err, &oe):
		return fifo.SROpError, oe.OpID, oe.Code
	case errors.Is(err, ErrOpTimeout):
		return fifo.SRSdkTimeoutError, 0, 0
	case errors.Is(err, ErrDeviceCommand):
		return fifo.SRDeviceCommandError, 0, 0
	case errors.Is(err, ErrAggBufferOverflow):
		return fifo.SRDeviceAggregateBufferOverflow, 0, 0
	case errors.Is(err, ErrRampCallback):
		return fifo.SRDeviceRampCallbackError, 0, 0
	}
	return fifo.SRReasonUnknown, 0, 0
}
