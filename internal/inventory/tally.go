//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package inventory

import (
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.impcloud.net/RSP-Inventory-Suite/ex10-inventory/internal/fifo"
)

// TallyWindowSize is the number of reads in a tag's RSSI moving mean.
const TallyWindowSize = 20

// movingMean averages the last n values added, in fixed storage.
type movingMean struct {
	values []float64
	total  float64
	next   int
}

func newMovingMean(n int) *movingMean {
	if n <= 0 {
		panic("illegal window size")
	}
	return &movingMean{values: make([]float64, 0, n)}
}

func (m *movingMean) add(v float64) {
	if len(m.values) < cap(m.values) {
		m.values = append(m.values, v)
		m.total += v
		return
	}

	m.total += v - m.values[m.next]
	m.values[m.next] = v
	m.next = (m.next + 1) % cap(m.values)
}

// mean returns 0 when empty.
func (m *movingMean) mean() float64 {
	if len(m.values) == 0 {
		return 0
	}
	return m.total / float64(len(m.values))
}

// tagStats accumulates the reads of one EPC.
type tagStats struct {
	epc        string
	tid        string
	antenna    uint8
	reads      int
	firstSeen  uint32
	lastSeen   uint32
	lastReadOn time.Time
	rssi       *movingMean
}

// TagReport is the externally visible tally of one EPC.
type TagReport struct {
	EPC         string    `json:"epc"`
	TID         string    `json:"tid,omitempty"`
	Antenna     uint8     `json:"antenna"`
	Reads       int       `json:"reads"`
	FirstSeenUs uint32    `json:"firstSeenUs"`
	LastSeenUs  uint32    `json:"lastSeenUs"`
	LastReadOn  time.Time `json:"lastReadOn"`
	MeanRSSI    float64   `json:"meanRssiDbm"`
}

// Tally counts TagRead packets per EPC. It is safe for concurrent use,
// so a report can be read while a run is still adding to it.
type Tally struct {
	mu    sync.RWMutex
	tags  map[string]*tagStats
	reads int
	now   func() time.Time
}

func NewTally() *Tally {
	return &Tally{
		tags: make(map[string]*tagStats),
		now:  time.Now,
	}
}

// Add records p if it is a TagRead; other packets are ignored.
func (t *Tally) Add(p fifo.Packet) {
	if p.Kind != fifo.KindTagRead || p.TagRead == nil {
		return
	}
	tr := p.TagRead
	epc := hex.EncodeToString(tr.EPC)

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.tags[epc]
	if !ok {
		s = &tagStats{
			epc:       epc,
			firstSeen: p.Timestamp,
			rssi:      newMovingMean(TallyWindowSize),
		}
		t.tags[epc] = s
	}
	if len(tr.TID) > 0 {
		s.tid = hex.EncodeToString(tr.TID)
	}
	s.antenna = tr.Antenna
	s.reads++
	s.lastSeen = p.Timestamp
	s.lastReadOn = t.now()
	s.rssi.add(float64(tr.RSSI) / 100)
	t.reads++
}

// Subscriber returns a Subscriber adding each packet to the tally.
func (t *Tally) Subscriber() Subscriber {
	return func(p fifo.Packet) error {
		t.Add(p)
		return nil
	}
}

// Len returns the number of distinct EPCs.
func (t *Tally) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tags)
}

// Reads returns the total number of reads.
func (t *Tally) Reads() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.reads
}

// Snapshot returns every tag's tally, sorted by EPC.
func (t *Tally) Snapshot() []TagReport {
	t.mu.RLock()
	out := make([]TagReport, 0, len(t.tags))
	for _, s := range t.tags {
		out = append(out, TagReport{
			EPC:         s.epc,
			TID:         s.tid,
			Antenna:     s.antenna,
			Reads:       s.reads,
			FirstSeenUs: s.firstSeen,
			LastSeenUs:  s.lastSeen,
			LastReadOn:  s.lastReadOn,
			MeanRSSI:    s.rssi.mean(),
		})
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EPC < out[j].EPC })
	return out
}
