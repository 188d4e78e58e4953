//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package inventory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/fifo"
)

func TestMovingMean(t *testing.T) {
	tests := []struct {
		name   string
		window int
		values []float64
		want   float64
	}{
		{"empty", 3, nil, 0},
		{"partial", 3, []float64{-60, -50}, -55},
		{"full", 3, []float64{-60, -50, -40}, -50},
		{"wrapped", 3, []float64{-60, -50, -40, -30, -20}, -30},
		{"window of one", 1, []float64{-70, -45}, -45},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := newMovingMean(tc.window)
			for _, v := range tc.values {
				m.add(v)
			}
			assert.InDelta(t, tc.want, m.mean(), 1e-9)
		})
	}

	assert.Panics(t, func() { newMovingMean(0) })
}

func tagRead(ts uint32, epc []byte, rssi int16) fifo.Packet {
	return fifo.Packet{Kind: fifo.KindTagRead, Timestamp: ts, TagRead: &fifo.TagRead{
		EPC: epc, Antenna: 1, RSSI: rssi,
	}}
}

func TestTally(t *testing.T) {
	now := time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC)
	tally := NewTally()
	tally.now = func() time.Time { return now }

	sub := tally.Subscriber()
	a, b := []byte{0xAA, 0x01}, []byte{0x0B}
	require.NoError(t, sub(tagRead(100, b, -5000)))
	require.NoError(t, sub(tagRead(200, a, -6000)))
	require.NoError(t, sub(fifo.Packet{Kind: fifo.KindInventoryRoundSummary, RoundSummary: &fifo.InventoryRoundSummary{}}))
	require.NoError(t, sub(fifo.Packet{Kind: fifo.KindTagRead}))
	now = now.Add(time.Second)
	require.NoError(t, sub(tagRead(300, a, -4000)))

	assert.Equal(t, 2, tally.Len())
	assert.Equal(t, 3, tally.Reads())

	snap := tally.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "0b", snap[0].EPC)
	assert.Equal(t, "aa01", snap[1].EPC)

	ta := snap[1]
	assert.Equal(t, 2, ta.Reads)
	assert.Equal(t, uint32(200), ta.FirstSeenUs)
	assert.Equal(t, uint32(300), ta.LastSeenUs)
	assert.Equal(t, now, ta.LastReadOn)
	assert.InDelta(t, -50.0, ta.MeanRSSI, 1e-9)
	assert.Empty(t, ta.TID)
}
