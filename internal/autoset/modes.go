//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package autoset

import (
	"fmt"

	"github.com/pkg/errors"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/ex10"
)

// ModeID names an autoset progression of RF modes.
type ModeID uint32

const (
	// ModeInvalid selects the default progression for the region.
	ModeInvalid = ModeID(0)
	Mode1120    = ModeID(1120)
	Mode1122    = ModeID(1122)
	Mode1123    = ModeID(1123)
	Mode1220    = ModeID(1220)
	Mode1320    = ModeID(1320)
	Mode1322    = ModeID(1322)
	Mode1323    = ModeID(1323)
	Mode1420    = ModeID(1420)
)

var ErrUnknownMode = fmt.Errorf("unknown autoset mode")

// modeLists hold each progression, fastest and least sensitive first.
// Every list has the same length.
var modeLists = map[ModeID][]ex10.RfMode{
	Mode1120: {102, 120, 202, 222},
	Mode1122: {103, 123, 203, 223},
	Mode1123: {103, 124, 203, 225},
	Mode1220: {120, 202, 222, 241},
	Mode1320: {123, 223, 241, 323},
	Mode1322: {124, 225, 244, 323},
	Mode1323: {125, 226, 244, 324},
	Mode1420: {141, 241, 285, 382},
}

// ModeIDs returns every autoset mode in ascending order.
func ModeIDs() []ModeID {
	return []ModeID{Mode1120, Mode1122, Mode1123, Mode1220, Mode1320, Mode1322, Mode1323, Mode1420}
}

// DefaultMode is the progression used when none is configured.
// ETSI channels are narrower and need the slower link rates.
func DefaultMode(region ex10.Region) ModeID {
	if region.IsETSI() {
		return Mode1420
	}
	return Mode1120
}

// Modes returns the RF modes of id, resolving ModeInvalid by region.
func Modes(id ModeID, region ex10.Region) ([]ex10.RfMode, error) {
	if id == ModeInvalid {
		id = DefaultMode(region)
	}
	list, ok := modeLists[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownMode, "%d", id)
	}
	out := make([]ex10.RfMode, len(list))
	copy(out, list)
	return out, nil
}
