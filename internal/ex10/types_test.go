//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package ex10

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/fifo"
)

func TestInventoryRoundConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		config InventoryRoundConfig
		valid  bool
	}{
		{"fixed", FixedQConfig(4, SessionS0, TargetA), true},
		{"dynamic", DynamicQConfig(8, SessionS2, TargetB), true},
		{"fixed q mismatch", InventoryRoundConfig{InitialQ: 4, MinQ: 3, MaxQ: 4, FixedQ: true}, false},
		{"q above 15", InventoryRoundConfig{InitialQ: 16, MinQ: 0, MaxQ: 16}, false},
		{"initial below min", InventoryRoundConfig{InitialQ: 2, MinQ: 3, MaxQ: 15}, false},
		{"initial above max", InventoryRoundConfig{InitialQ: 9, MinQ: 0, MaxQ: 8}, false},
		{"bad session", InventoryRoundConfig{InitialQ: 4, MaxQ: 15, Session: 4}, false},
		{"bad target", InventoryRoundConfig{InitialQ: 4, MaxQ: 15, Target: 2}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.config.Validate()
			if tc.valid {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidRoundConfig))
		})
	}
}

func TestRoundParams_Validate(t *testing.T) {
	p := RoundParams{Antenna: 1, RfMode: 222, Config: FixedQConfig(0, SessionS0, TargetA)}
	require.NoError(t, p.Validate())

	bad := p
	bad.Antenna = 3
	assert.True(t, errors.Is(bad.Validate(), ErrUnsupportedAntenna))

	bad = p
	bad.RfMode = 4
	assert.True(t, errors.Is(bad.Validate(), ErrUnsupportedRfMode))
}

func TestParseRegion(t *testing.T) {
	r, err := ParseRegion("etsi_lower")
	require.NoError(t, err)
	assert.Equal(t, RegionETSILower, r)
	assert.True(t, r.IsETSI())

	_, err = ParseRegion("MARS")
	assert.True(t, errors.Is(err, ErrUnsupportedRegion))
}

func TestSelectType_Participates(t *testing.T) {
	assert.True(t, SelectAll.Participates(true))
	assert.True(t, SelectAll2.Participates(false))
	assert.True(t, SelectAsserted.Participates(true))
	assert.False(t, SelectAsserted.Participates(false))
	assert.True(t, SelectNotAsserted.Participates(false))
	assert.False(t, SelectNotAsserted.Participates(true))
}

func TestStopReasonFor(t *testing.T) {
	tests := []struct {
		err    error
		reason fifo.StopReason
	}{
		{nil, fifo.SRNone},
		{OpError{OpID: 0xA0, Code: 3}, fifo.SROpError},
		{errors.Wrap(OpError{OpID: 0xA0, Timeout: true}, "ramp up"), fifo.SRSdkTimeoutError},
		{errors.Wrap(ErrDeviceCommand, "write"), fifo.SRDeviceCommandError},
		{ErrAggBufferOverflow, fifo.SRDeviceAggregateBufferOverflow},
		{ErrRampCallback, fifo.SRDeviceRampCallbackError},
		{errors.New("other"), fifo.SRReasonUnknown},
	}
	for _, tc := range tests {
		reason, _, _ := StopReasonFor(tc.err)
		assert.Equal(t, tc.reason, reason, "%v", tc.err)
	}

	_, opID, opErr := StopReasonFor(OpError{OpID: 0xA0, Code: 3})
	assert.Equal(t, uint8(0xA0), opID)
	assert.Equal(t, uint8(3), opErr)
}
