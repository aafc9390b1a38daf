// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sam

import (
	"fmt"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/protocol"
)

const (
	EventCounterMax       = 26
	EventCounterRecordMax = 3
	EventCeilingMax       = 26
	EventCeilingRecordMax = 3

	valuesPerRecord = 9
	// Counter and ceiling values follow an 8-byte header in the response.
	valuesOffset = 8
)

// ReadTarget selects a single counter (or ceiling) or a record of nine.
type ReadTarget int

const (
	ReadSingle ReadTarget = iota
	ReadRecord
)

var readEventStatuses = baseStatuses.With(protocol.StatusTable{
	0x6900: {Info: "An event counter cannot be incremented.", Err: ErrCounterOverflow},
	0x6A00: {Info: "Incorrect P1 or P2.", Err: ErrIllegalParameter},
	0x6200: {Info: "Correct execution with warning: data not signed."},
})

// ReadEventValues is Read Event Counter or Read Ceilings. The values read
// are stored in the SAM image.
type ReadEventValues struct {
	base
	ceilings bool
	target   ReadTarget
	index    int
}

// NewReadEventCounter reads counter index (0..26) or counter record index
// (1..3).
func NewReadEventCounter(s *SAM, target ReadTarget, index int) (*ReadEventValues, error) {
	var p2 protocol.Parameter
	switch target {
	case ReadRecord:
		if index < 1 || index > EventCounterRecordMax {
			return nil, fmt.Errorf("%w: counter record %d out of range 1..%d", ErrIllegalArgument, index, EventCounterRecordMax)
		}
		p2 = protocol.Parameter(0xE0 + index)
	default:
		if index < 0 || index > EventCounterMax {
			return nil, fmt.Errorf("%w: counter %d out of range 0..%d", ErrIllegalArgument, index, EventCounterMax)
		}
		p2 = protocol.Parameter(0x80 + index)
	}
	apdu := newCommand(s, protocol.InsSamReadEventCounter, 0x00, p2, nil).WithLe(0).WithName("Read Event Counter")
	return &ReadEventValues{base: base{apdu: apdu, statuses: readEventStatuses}, target: target, index: index}, nil
}

// NewReadCeilings reads ceiling index (0..26) or ceiling record index
// (1..3).
func NewReadCeilings(s *SAM, target ReadTarget, index int) (*ReadEventValues, error) {
	var p1, p2 protocol.Parameter
	switch target {
	case ReadRecord:
		if index < 1 || index > EventCeilingRecordMax {
			return nil, fmt.Errorf("%w: ceiling record %d out of range 1..%d", ErrIllegalArgument, index, EventCeilingRecordMax)
		}
		p2 = protocol.Parameter(0xB0 + index)
	default:
		if index < 0 || index > EventCeilingMax {
			return nil, fmt.Errorf("%w: ceiling %d out of range 0..%d", ErrIllegalArgument, index, EventCeilingMax)
		}
		p1 = protocol.Parameter(index)
		p2 = 0xB8
	}
	apdu := newCommand(s, protocol.InsSamReadCeilings, p1, p2, nil).WithLe(0).WithName("Read Ceilings")
	return &ReadEventValues{base: base{apdu: apdu, statuses: readEventStatuses}, ceilings: true, target: target, index: index}, nil
}

func (r *ReadEventValues) Apply(s *SAM, resp protocol.Response) error {
	if err := r.check(resp); err != nil {
		return err
	}
	dst := s.eventCounters
	if r.ceilings {
		dst = s.eventCeilings
	}
	d := resp.Data
	if r.target == ReadRecord {
		if len(d) < valuesOffset+3*valuesPerRecord {
			return fmt.Errorf("%w: %s: response of %d bytes", ErrUnexpectedResponse, r.Name(), len(d))
		}
		first := (r.index - 1) * valuesPerRecord
		for i := range valuesPerRecord {
			off := valuesOffset + 3*i
			dst[first+i] = unsigned(d[off : off+3])
		}
		return nil
	}
	if len(d) < valuesOffset+4 {
		return fmt.Errorf("%w: %s: response of %d bytes", ErrUnexpectedResponse, r.Name(), len(d))
	}
	dst[int(d[valuesOffset])] = unsigned(d[valuesOffset+1 : valuesOffset+4])
	return nil
}
