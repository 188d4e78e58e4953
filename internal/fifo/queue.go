//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package fifo

// Source yields packets in arrival order.
// Peek is idempotent; the same packet is returned until Remove discards it.
type Source interface {
	Peek() (Packet, bool)
	Remove()
}

// Queue is a slice backed packet FIFO implementing Source.
// It is not safe for concurrent use.
type Queue struct {
	items []Packet
}

var _ Source = (*Queue)(nil)

// NewQueue returns an empty queue with room for prealloc packets.
func NewQueue(prealloc int) *Queue {
	return &Queue{items: make([]Packet, 0, prealloc)}
}

// Push appends p to the tail.
func (q *Queue) Push(p Packet) {
	q.items = append(q.items, p)
}

// Peek returns the oldest packet without removing it.
func (q *Queue) Peek() (Packet, bool) {
	if len(q.items) == 0 {
		return Packet{}, false
	}
	return q.items[0], true
}

// Remove discards the oldest packet, if any.
func (q *Queue) Remove() {
	if len(q.items) == 0 {
		return
	}
	q.items[0] = Packet{}
	q.items = q.items[1:]
}

// Reset empties the queue.
func (q *Queue) Reset() {
	q.items = q.items[:0]
}

func (q *Queue) IsEmpty() bool {
	return len(q.items) == 0
}

func (q *Queue) Len() int {
	return len(q.items)
}

// Drain removes every queued packet, returning how many were discarded.
func Drain(src Source) int {
	n := 0
	for {
		if _, ok := src.Peek(); !ok {
			return n
		}
		src.Remove()
		n++
	}
}
