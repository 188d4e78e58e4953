//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package ex10

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Session is a Gen2 inventory session, S0 through S3.
type Session uint8

const (
	SessionS0 = Session(iota)
	SessionS1
	SessionS2
	SessionS3
)

func (s Session) String() string {
	return fmt.Sprintf("S%d", uint8(s))
}

// Target is the inventoried flag value a round queries.
type Target uint8

const (
	TargetA = Target(0)
	TargetB = Target(1)
)

func (t Target) String() string {
	switch t {
	case TargetA:
		return "A"
	case TargetB:
		return "B"
	}
	return fmt.Sprintf("Target(%d)", uint8(t))
}

// Flip returns the opposite target.
func (t Target) Flip() Target {
	if t == TargetA {
		return TargetB
	}
	return TargetA
}

// SelectType is the Sel field of the Query: which tags take part
// in a round according to their SL flag.
type SelectType uint8

const (
	SelectAll = SelectType(iota)
	SelectAll2
	SelectNotAsserted
	SelectAsserted
)

// Participates reports whether a tag with the given SL flag
// responds to a Query with this Sel value.
func (st SelectType) Participates(sl bool) bool {
	switch st {
	case SelectNotAsserted:
		return !sl
	case SelectAsserted:
		return sl
	}
	return true
}

// RfMode identifies a modulation and data rate combination.
type RfMode uint32

var rfModes = [...]RfMode{
	1, 3, 5, 7, 11, 12, 13, 15,
	102, 103, 120, 123, 124, 125, 141, 146, 147, 148, 185,
	202, 203, 222, 223, 225, 226, 241, 244, 285,
	302, 323, 324, 325, 342, 343, 344, 345, 382,
}

// IsValid reports whether the device supports mode m.
func (m RfMode) IsValid() bool {
	for _, v := range rfModes {
		if v == m {
			return true
		}
	}
	return false
}

// RfModes returns every supported mode, in ascending order.
func RfModes() []RfMode {
	out := make([]RfMode, len(rfModes))
	copy(out, rfModes[:])
	return out
}

// Region is a regulatory region name.
type Region string

const (
	RegionFCC         = Region("FCC")
	RegionHK          = Region("HK")
	RegionTaiwan      = Region("TAIWAN")
	RegionETSILower   = Region("ETSI_LOWER")
	RegionETSIUpper   = Region("ETSI_UPPER")
	RegionKorea       = Region("KOREA")
	RegionMalaysia    = Region("MALAYSIA")
	RegionChina       = Region("CHINA")
	RegionSouthAfrica = Region("SOUTH_AFRICA")
	RegionBrazil      = Region("BRAZIL")
	RegionThailand    = Region("THAILAND")
	RegionSingapore   = Region("SINGAPORE")
	RegionAustralia   = Region("AUSTRALIA")
	RegionIndia       = Region("INDIA")
	RegionUruguay     = Region("URUGUAY")
	RegionVietnam     = Region("VIETNAM")
	RegionIsrael      = Region("ISRAEL")
	RegionPhilippines = Region("PHILIPPINES")
	RegionIndonesia   = Region("INDONESIA")
	RegionNewZealand  = Region("NEW_ZEALAND")
	RegionJapan2      = Region("JAPAN2")
	RegionPeru        = Region("PERU")
	RegionRussia      = Region("RUSSIA")
)

var regions = [...]Region{
	RegionFCC, RegionHK, RegionTaiwan, RegionETSILower, RegionETSIUpper,
	RegionKorea, RegionMalaysia, RegionChina, RegionSouthAfrica, RegionBrazil,
	RegionThailand, RegionSingapore, RegionAustralia, RegionIndia, RegionUruguay,
	RegionVietnam, RegionIsrael, RegionPhilippines, RegionIndonesia,
	RegionNewZealand, RegionJapan2, RegionPeru, RegionRussia,
}

// ParseRegion matches a region name, ignoring case.
func ParseRegion(s string) (Region, error) {
	for _, r := range regions {
		if strings.EqualFold(string(r), s) {
			return r, nil
		}
	}
	return "", errors.Wrapf(ErrUnsupportedRegion, "%q", s)
}

// IsETSI reports whether the region uses the ETSI channel plans.
func (r Region) IsETSI() bool {
	return r == RegionETSILower || r == RegionETSIUpper
}

const (
	MinAntenna = 1
	MaxAntenna = 2
	MaxQ       = 15
)

// InventoryRoundConfig holds the Query and Q-algorithm parameters
// of one inventory round.
type InventoryRoundConfig struct {
	InitialQ      uint8
	MinQ          uint8
	MaxQ          uint8
	NumMinQCycles uint8
	FixedQ        bool

	Session Session
	Select  SelectType
	Target  Target

	HaltOnAllTags bool
	TagFocus      bool
	FastID        bool
	AutoAccess    bool
	AbortOnFail   bool
	HaltOnFail    bool

	// Values carried over from the summary of a round
	// that ended for regulatory reasons.
	StartingMinQCount                    uint8
	StartingMaxQueriesSinceValidEPCCount uint8
}

// Validate checks the Q and session fields.
// A fixed Q round must have InitialQ == MinQ == MaxQ.
func (c InventoryRoundConfig) Validate() error {
	switch {
	case c.InitialQ > MaxQ || c.MinQ > MaxQ || c.MaxQ > MaxQ:
		return errors.Wrapf(ErrInvalidRoundConfig,
			"q values must be at most %d: initial=%d min=%d max=%d", MaxQ, c.InitialQ, c.MinQ, c.MaxQ)
	case c.FixedQ && !(c.InitialQ == c.MinQ && c.MinQ == c.MaxQ):
		return errors.Wrapf(ErrInvalidRoundConfig,
			"fixed q requires initial=min=max: initial=%d min=%d max=%d", c.InitialQ, c.MinQ, c.MaxQ)
	case c.MinQ > c.InitialQ || c.InitialQ > c.MaxQ:
		return errors.Wrapf(ErrInvalidRoundConfig,
			"q values out of order: initial=%d min=%d max=%d", c.InitialQ, c.MinQ, c.MaxQ)
	case c.Session > SessionS3:
		return errors.Wrapf(ErrInvalidRoundConfig, "invalid session %d", c.Session)
	case c.Select > SelectAsserted:
		return errors.Wrapf(ErrInvalidRoundConfig, "invalid select type %d", c.Select)
	case c.Target > TargetB:
		return errors.Wrapf(ErrInvalidRoundConfig, "invalid target %d", c.Target)
	}
	return nil
}

// FixedQConfig returns a config for fixed Q rounds.
func FixedQConfig(q uint8, s Session, t Target) InventoryRoundConfig {
	return InventoryRoundConfig{InitialQ: q, MinQ: q, MaxQ: q, FixedQ: true, Session: s, Target: t}
}

// DynamicQConfig returns a config letting the device adapt Q over the full range.
func DynamicQConfig(initialQ uint8, s Session, t Target) InventoryRoundConfig {
	return InventoryRoundConfig{InitialQ: initialQ, MinQ: 0, MaxQ: MaxQ, Session: s, Target: t}
}

// RoundParams are the arguments of one inventory round start.
type RoundParams struct {
	Antenna     uint8
	RfMode      RfMode
	TxPowerCdbm int16
	Config      InventoryRoundConfig
	// SendSelects transmits the select-enabled commands when Tx ramps up.
	SendSelects bool
	// RemainOn disables regulatory ramp down timers.
	RemainOn bool
}

// Validate checks antenna, mode and round config.
func (p RoundParams) Validate() error {
	if p.Antenna < MinAntenna || p.Antenna > MaxAntenna {
		return errors.Wrapf(ErrUnsupportedAntenna, "antenna %d", p.Antenna)
	}
	if !p.RfMode.IsValid() {
		return errors.Wrapf(ErrUnsupportedRfMode, "mode %d", p.RfMode)
	}
	return p.Config.Validate()
}
