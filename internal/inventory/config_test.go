//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package inventory

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/ex10"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		Name        string
		Modify      func(o *Options)
		ExpectError bool
	}{
		{Name: "Valid defaults", Modify: func(o *Options) {}},
		{Name: "Invalid Antenna", Modify: func(o *Options) { o.Antenna = 3 }, ExpectError: true},
		{Name: "Zero Antenna", Modify: func(o *Options) { o.Antenna = 0 }, ExpectError: true},
		{Name: "Invalid Session", Modify: func(o *Options) { o.Session = 4 }, ExpectError: true},
		{Name: "Invalid Target", Modify: func(o *Options) { o.Target = "C" }, ExpectError: true},
		{Name: "Lowercase Target", Modify: func(o *Options) { o.Target = "b" }},
		{Name: "Invalid Region", Modify: func(o *Options) { o.Region = "ATLANTIS" }, ExpectError: true},
		{Name: "Invalid Q", Modify: func(o *Options) { o.InitialQ = 16 }, ExpectError: true},
		{Name: "Invalid RF Mode", Modify: func(o *Options) { o.RfMode = 4 }, ExpectError: true},
		{Name: "Autoset Ignores RF Mode", Modify: func(o *Options) { o.UseCase = "autoset"; o.RfMode = 0 }},
		{Name: "Invalid Use Case", Modify: func(o *Options) { o.UseCase = "kill" }, ExpectError: true},
		{Name: "Invalid Power", Modify: func(o *Options) { o.TxPowerCdbm = 4000 }, ExpectError: true},
	}

	for _, tc := range tests {
		t.Run(tc.Name, func(t *testing.T) {
			opts := DefaultOptions()
			tc.Modify(&opts)
			err := opts.Validate()
			if tc.ExpectError {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidOptions))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestOptions_Targets(t *testing.T) {
	o := DefaultOptions()
	first, dual, err := o.Targets()
	require.NoError(t, err)
	assert.Equal(t, ex10.TargetA, first)
	assert.True(t, dual)

	o.Target = "B"
	first, dual, err = o.Targets()
	require.NoError(t, err)
	assert.Equal(t, ex10.TargetB, first)
	assert.False(t, dual)

	p := o.RoundParams()
	assert.Equal(t, ex10.TargetB, p.Config.Target)
	assert.Equal(t, ex10.SessionS2, p.Config.Session)
	require.NoError(t, p.Validate())
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
[Service]
Port = 8080
LogLevel = "DEBUG"

[Options]
UseCase = "autoset"
Region = "ETSI_LOWER"
Target = "A"
Session = 1
MaxDurationUs = 500000

[Simulator]
TagPopulation = 12
`))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Service.Port)
	assert.Equal(t, "autoset", cfg.Options.UseCase)
	assert.Equal(t, uint8(1), cfg.Options.Session)
	assert.Equal(t, uint32(500000), cfg.Options.StopConditions().MaxDurationUs)
	assert.Equal(t, 12, cfg.Simulator.TagPopulation)
	// unspecified values keep their defaults
	assert.Equal(t, int16(3000), cfg.Options.TxPowerCdbm)
	assert.Equal(t, uint8(8), cfg.Options.InitialQ)
}

func TestParseConfig_UnexpectedItems(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
[Options]
Region = "FCC"
Colour = "blue"

[Extra]
Value = 1
`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnexpectedConfigItems))
	assert.Contains(t, err.Error(), "Options.Colour")
	assert.Contains(t, err.Error(), "Extra")
	assert.Equal(t, "FCC", cfg.Options.Region)
}

func TestParseConfig_Invalid(t *testing.T) {
	_, err := ParseConfig([]byte(`
[Service]
LogLevel = "LOUD"
[Options]
Antenna = 9
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOUD")
	assert.Contains(t, err.Error(), "antenna")

	_, err = ParseConfig([]byte(`[Options`))
	assert.Error(t, err)
}
