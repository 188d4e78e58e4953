//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package fifo

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// capture streams are a sequence of CBOR encoded Packets
var (
	captureEncMode cbor.EncMode
	captureDecMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	captureEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create capture CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	captureDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create capture CBOR decoder mode: %v", err))
	}
}

// Recorder writes the packets passed to Record to a capture stream,
// in the order the caller consumed them.
type Recorder struct {
	enc *cbor.Encoder
	err error
	n   int
}

func NewRecorder(w io.Writer) *Recorder {
	return &Recorder{enc: captureEncMode.NewEncoder(w)}
}

// Record writes p to the capture stream. Once a write fails,
// Record returns that error and writes nothing more.
func (r *Recorder) Record(p Packet) error {
	if r.err != nil {
		return r.err
	}
	if err := r.enc.Encode(p); err != nil {
		r.err = errors.Wrapf(err, "failed to record packet %d", r.n)
		return r.err
	}
	r.n++
	return nil
}

// Count returns the number of packets recorded.
func (r *Recorder) Count() int {
	return r.n
}

// Err returns the first error encountered while recording.
func (r *Recorder) Err() error {
	return r.err
}

// ReadCapture decodes a capture stream into a Queue,
// so a recorded run can be replayed through any consumer.
func ReadCapture(rd io.Reader) (*Queue, error) {
	dec := captureDecMode.NewDecoder(rd)
	q := NewQueue(64)
	for {
		var p Packet
		err := dec.Decode(&p)
		if err == io.EOF {
			return q, nil
		}
		if err != nil {
			return q, errors.Wrapf(err, "failed to decode packet %d", q.Len())
		}
		q.Push(p)
	}
}
