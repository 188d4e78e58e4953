//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package fifo models the reader chip's event FIFO:
// the typed packets it emits, and the strictly ordered
// peek/remove queue through which they are consumed.
package fifo

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/gen2"
)

// Kind identifies which payload a Packet carries.
type Kind uint8

const (
	KindInvalid = Kind(iota)
	KindTagRead
	KindHalted
	KindGen2Transaction
	KindAggregateOpSummary
	KindInventoryRoundSummary
	KindContinuousInventorySummary
	KindResult
)

// Packet is one event FIFO entry.
// Exactly one payload pointer, selected by Kind, is set.
// Timestamp is the device's free running microsecond counter.
type Packet struct {
	Kind      Kind   `cbor:"1,keyasint"`
	Timestamp uint32 `cbor:"2,keyasint"`

	TagRead           *TagRead                    `cbor:"3,keyasint,omitempty"`
	Halted            *Halted                     `cbor:"4,keyasint,omitempty"`
	Transaction       *gen2.Transaction           `cbor:"5,keyasint,omitempty"`
	OpSummary         *AggregateOpSummary         `cbor:"6,keyasint,omitempty"`
	RoundSummary      *InventoryRoundSummary      `cbor:"7,keyasint,omitempty"`
	ContinuousSummary *ContinuousInventorySummary `cbor:"8,keyasint,omitempty"`
	Result            *Result                     `cbor:"9,keyasint,omitempty"`
}

// TagRead reports a singulated tag.
// HaltedOnTag is set when the device holds the tag in the acknowledged
// state, waiting for the host to run access commands or release it.
type TagRead struct {
	PC          uint16
	EPC         []byte
	StoredCRC   uint16
	TID         []byte `cbor:",omitempty"`
	Antenna     uint8
	RSSI        int16 // cdBm
	HaltedOnTag bool
}

// Halted marks the device entering, or returning to, the halted state.
type Halted struct {
	Handle uint16
}

// AggregateOpSummary reports the result of a device aggregate op.
type AggregateOpSummary struct {
	OpsRun           uint16
	LastInnerOpRun   uint8
	LastInnerOpError uint8
}

// InventoryRoundSummary closes one inventory round.
// The Q fields let the host resume a round interrupted by regulatory timers.
type InventoryRoundSummary struct {
	Reason                    SummaryReason
	DurationUs                uint32
	TotalSlots                uint32
	NumTags                   uint32
	FinalQ                    uint8
	MinQCount                 uint8
	QueriesSinceValidEPCCount uint8
}

// ContinuousInventorySummary is inserted by the host when
// continuous inventory stops.
type ContinuousInventorySummary struct {
	DurationUs              uint32
	NumberOfInventoryRounds uint32
	NumberOfTags            uint32
	Reason                  StopReason
	LastOpID                uint8
	LastOpError             uint8
}

// Result is inserted by the host to carry an error detected while
// continuing inventory, ahead of the summary that reports it.
type Result struct {
	Message string
}

// SummaryReason is why an inventory round ended.
type SummaryReason uint8

const (
	SummaryNone = SummaryReason(iota)
	SummaryDone
	SummaryHost
	SummaryRegulatory
	SummaryEventFifoFull
	SummaryTxNotRampedUp
	SummaryInvalidParam
	SummaryLmacOverload
	SummaryUnsupported
)

// StopReason is why continuous inventory ended.
type StopReason uint8

const (
	SRNone = StopReason(iota)
	SRHost
	SRMaxNumberOfRounds
	SRMaxNumberOfTags
	SRMaxDuration
	SROpError
	SRSdkTimeoutError
	SRDeviceCommandError
	SRDeviceAggregateBufferOverflow
	SRDeviceRampCallbackError
	SRDeviceEventFifoFull
	SRDeviceInventoryInvalidParam
	SRDeviceLmacOverload
	SRDeviceInventorySummaryReasonInvalid
	SRReasonUnknown
)

var kindStrs = [...][]byte{
	KindInvalid:                    []byte("Invalid"),
	KindTagRead:                    []byte("TagRead"),
	KindHalted:                     []byte("Halted"),
	KindGen2Transaction:            []byte("Gen2Transaction"),
	KindAggregateOpSummary:         []byte("AggregateOpSummary"),
	KindInventoryRoundSummary:      []byte("InventoryRoundSummary"),
	KindContinuousInventorySummary: []byte("ContinuousInventorySummary"),
	KindResult:                     []byte("Result"),
}

func (k Kind) String() string {
	if int(k) < len(kindStrs) {
		return string(kindStrs[k])
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	if !(int(k) < len(kindStrs)) {
		return nil, errors.Errorf("unknown packet Kind: %d", k)
	}
	return kindStrs[k], nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	for i := range kindStrs {
		if bytes.Equal(kindStrs[i], text) {
			*k = Kind(i)
			return nil
		}
	}
	return errors.Errorf("unknown packet Kind: %q", string(text))
}

var summaryStrs = [...]string{
	SummaryNone:          "None",
	SummaryDone:          "Done",
	SummaryHost:          "Host",
	SummaryRegulatory:    "Regulatory",
	SummaryEventFifoFull: "EventFifoFull",
	SummaryTxNotRampedUp: "TxNotRampedUp",
	SummaryInvalidParam:  "InvalidParam",
	SummaryLmacOverload:  "LmacOverload",
	SummaryUnsupported:   "Unsupported",
}

func (r SummaryReason) String() string {
	if int(r) < len(summaryStrs) {
		return summaryStrs[r]
	}
	return fmt.Sprintf("SummaryReason(%d)", uint8(r))
}

var stopStrs = [...]string{
	SRNone:                                "None",
	SRHost:                                "Host",
	SRMaxNumberOfRounds:                   "MaxNumberOfRounds",
	SRMaxNumberOfTags:                     "MaxNumberOfTags",
	SRMaxDuration:                         "MaxDuration",
	SROpError:                             "OpError",
	SRSdkTimeoutError:                     "SdkTimeoutError",
	SRDeviceCommandError:                  "DeviceCommandError",
	SRDeviceAggregateBufferOverflow:       "DeviceAggregateBufferOverflow",
	SRDeviceRampCallbackError:             "DeviceRampCallbackError",
	SRDeviceEventFifoFull:                 "DeviceEventFifoFull",
	SRDeviceInventoryInvalidParam:         "DeviceInventoryInvalidParam",
	SRDeviceLmacOverload:                  "DeviceLmacOverload",
	SRDeviceInventorySummaryReasonInvalid: "DeviceInventorySummaryReasonInvalid",
	SRReasonUnknown:                       "ReasonUnknown",
}

func (r StopReason) String() string {
	if int(r) < len(stopStrs) {
		return stopStrs[r]
	}
	return fmt.Sprintf("StopReason(%d)", uint8(r))
}

func (r StopReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *StopReason) UnmarshalText(text []byte) error {
	for i, s := range stopStrs {
		if s == string(text) {
			*r = StopReason(i)
			return nil
		}
	}
	return errors.Errorf("unknown stop reason: %q", string(text))
}

// String renders the packet for diagnostics.
func (p Packet) String() string {
	switch {
	case p.Kind == KindTagRead && p.TagRead != nil:
		return fmt.Sprintf("[%10d us] TagRead epc=%s halted=%t antenna=%d rssi=%d",
			p.Timestamp, hex.EncodeToString(p.TagRead.EPC), p.TagRead.HaltedOnTag,
			p.TagRead.Antenna, p.TagRead.RSSI)
	case p.Kind == KindGen2Transaction && p.Transaction != nil:
		return fmt.Sprintf("[%10d us] Gen2Transaction id=%d status=%d bits=%d data=%s",
			p.Timestamp, p.Transaction.TransactionID, p.Transaction.Status,
			p.Transaction.NumBits, hex.EncodeToString(p.Transaction.Data))
	case p.Kind == KindInventoryRoundSummary && p.RoundSummary != nil:
		return fmt.Sprintf("[%10d us] InventoryRoundSummary reason=%v tags=%d final_q=%d",
			p.Timestamp, p.RoundSummary.Reason, p.RoundSummary.NumTags, p.RoundSummary.FinalQ)
	case p.Kind == KindContinuousInventorySummary && p.ContinuousSummary != nil:
		s := p.ContinuousSummary
		return fmt.Sprintf("[%10d us] ContinuousInventorySummary reason=%v rounds=%d tags=%d duration_us=%d",
			p.Timestamp, s.Reason, s.NumberOfInventoryRounds, s.NumberOfTags, s.DurationUs)
	case p.Kind == KindResult && p.Result != nil:
		return fmt.Sprintf("[%10d us] Result %s", p.Timestamp, p.Result.Message)
	}
	return fmt.Sprintf("[%10d us] %v", p.Timestamp, p.Kind)
}
