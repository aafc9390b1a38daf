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

package card

import (
	"fmt"
	"maps"
	"slices"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/protocol"
)

var responseOK = protocol.NewResponse(protocol.SWSuccess)

func checkData(data []byte, max int) error {
	if len(data) < 1 || len(data) > max {
		return fmt.Errorf("%w: data length %d out of range 1..%d", ErrIllegalArgument, len(data), max)
	}
	return nil
}

// RecordWriteMode distinguishes the three record modification commands.
type RecordWriteMode int

const (
	// RecordUpdate replaces the record content.
	RecordUpdate RecordWriteMode = iota
	// RecordWrite ORs the data into the record.
	RecordWrite
	// RecordAppend adds a record on top of a cyclic file.
	RecordAppend
)

// RecordWriter is Update Record, Write Record or Append Record.
type RecordWriter struct {
	base
	mode   RecordWriteMode
	sfi    byte
	record int
	data   []byte
}

// NewRecordWriter builds the command for mode. record is ignored by
// RecordAppend.
func NewRecordWriter(c *Card, mode RecordWriteMode, sfi byte, record int, data []byte) (*RecordWriter, error) {
	if err := checkSFI(sfi); err != nil {
		return nil, err
	}
	if err := checkData(data, c.PayloadCapacity()); err != nil {
		return nil, err
	}
	var apdu protocol.Command
	switch mode {
	case RecordUpdate, RecordWrite:
		if err := checkRecordNumber(record); err != nil {
			return nil, err
		}
		ins, name := protocol.InsUpdateRecord, "Update Record"
		if mode == RecordWrite {
			ins, name = protocol.InsWriteRecord, "Write Record"
		}
		apdu = protocol.NewCommand(c.Class(), ins, protocol.Parameter(record), sfiP2(sfi, 0x04), slices.Clone(data)).
			WithName(fmt.Sprintf("%s SFI %02Xh REC %d", name, sfi, record))
	case RecordAppend:
		apdu = protocol.NewCommand(c.Class(), protocol.InsAppendRecord, 0x00, sfiP2(sfi, 0x00), slices.Clone(data)).
			WithName(fmt.Sprintf("Append Record SFI %02Xh", sfi))
	default:
		return nil, fmt.Errorf("%w: record write mode %d", ErrIllegalArgument, mode)
	}
	return &RecordWriter{
		base:   base{apdu: apdu, statuses: writeStatuses},
		mode:   mode,
		sfi:    sfi,
		record: record,
		data:   slices.Clone(data),
	}, nil
}

func (w *RecordWriter) UsesSessionBuffer() bool { return true }

func (w *RecordWriter) Apply(c *Card, resp protocol.Response, inSession bool) error {
	if err := w.check(resp); err != nil {
		return err
	}
	switch w.mode {
	case RecordUpdate:
		c.setRecord(w.sfi, w.record, w.data)
	case RecordWrite:
		c.fillContent(w.sfi, w.record, w.data, 0)
	case RecordAppend:
		c.addCyclicContent(w.sfi, w.data)
	}
	return nil
}

func (w *RecordWriter) AnticipatedResponse(*Card) (protocol.Response, error) {
	return responseOK, nil
}

// BinaryWriter is Update Binary or Write Binary.
type BinaryWriter struct {
	base
	update bool
	sfi    byte
	offset int
	data   []byte
}

// NewBinaryWriter builds Update Binary (update true) or Write Binary.
func NewBinaryWriter(c *Card, update bool, sfi byte, offset int, data []byte) (*BinaryWriter, error) {
	if err := checkSFI(sfi); err != nil {
		return nil, err
	}
	if offset < 0 || offset > OffsetBinaryMax {
		return nil, fmt.Errorf("%w: offset %d", ErrIllegalArgument, offset)
	}
	if err := checkData(data, c.PayloadCapacity()); err != nil {
		return nil, err
	}
	ins, name := protocol.InsWriteBinary, "Write Binary"
	if update {
		ins, name = protocol.InsUpdateBinary, "Update Binary"
	}
	p1, p2 := binaryParams(sfi, offset)
	apdu := protocol.NewCommand(c.Class(), ins, p1, p2, slices.Clone(data)).
		WithName(fmt.Sprintf("%s SFI %02Xh OFFSET %d", name, sfi, offset))
	return &BinaryWriter{
		base:   base{apdu: apdu, statuses: writeStatuses},
		update: update,
		sfi:    sfi,
		offset: offset,
		data:   slices.Clone(data),
	}, nil
}

func (w *BinaryWriter) UsesSessionBuffer() bool { return true }

func (w *BinaryWriter) Apply(c *Card, resp protocol.Response, inSession bool) error {
	if err := w.check(resp); err != nil {
		return err
	}
	if w.update {
		c.setContent(w.sfi, 1, w.data, w.offset)
	} else {
		c.fillContent(w.sfi, 1, w.data, w.offset)
	}
	return nil
}

func (w *BinaryWriter) AnticipatedResponse(*Card) (protocol.Response, error) {
	return responseOK, nil
}

var counterStatuses = protocol.NewStatusTable().With(protocol.StatusTable{
	0x6400: {Info: "Too many modifications in session", Err: ErrSessionBufferOverflow},
	0x6700: {Info: "Lc value not supported", Err: ErrIllegalParameter},
	0x6981: {Info: "The current EF is not a Counters or Simulated Counter EF", Err: ErrDataAccess},
	0x6982: {Info: "Security conditions not fulfilled (no session, wrong key, encryption required)", Err: ErrSecurityContext},
	0x6985: {Info: "Access forbidden (Never access mode, DF is invalidated, etc..)", Err: ErrAccessForbidden},
	0x6986: {Info: "Command not allowed (no current EF)", Err: ErrDataAccess},
	0x6A80: {Info: "Overflow error", Err: ErrDataOutOfBounds},
	0x6A82: {Info: "File not found", Err: ErrDataAccess},
	0x6B00: {Info: "P1 or P2 value not supported", Err: ErrDataAccess},
	0x6103: {Info: "Successful execution (possible only in ISO7816 T=0)"},
})

var counterMultipleStatuses = counterStatuses.With(protocol.StatusTable{
	0x6A80: {Info: "Incorrect command data (Lc not a multiple of 4, counter number out of range)", Err: ErrIllegalParameter},
	0x6B00: {Info: "Incorrect P1 or P2", Err: ErrIllegalParameter},
})

func checkCounter(n, value int) error {
	if n < CounterNumberMin || n > CounterNumberMax {
		return fmt.Errorf("%w: counter number %d out of range", ErrIllegalArgument, n)
	}
	if value < 0 || value > CounterValueMax {
		return fmt.Errorf("%w: counter value %d out of range", ErrIllegalArgument, value)
	}
	return nil
}

// CounterChange is Increase or Decrease on one counter.
type CounterChange struct {
	base
	decrease bool
	sfi      byte
	counter  int
	value    int
}

func NewCounterChange(c *Card, decrease bool, sfi byte, counter, value int) (*CounterChange, error) {
	if err := checkSFI(sfi); err != nil {
		return nil, err
	}
	if err := checkCounter(counter, value); err != nil {
		return nil, err
	}
	ins, name := protocol.InsIncrease, "Increase"
	if decrease {
		ins, name = protocol.InsDecrease, "Decrease"
	}
	apdu := protocol.NewCommand(c.Class(), ins, protocol.Parameter(counter), protocol.Parameter(sfi<<3), put24(value)).
		WithLe(0).
		WithSuccessfulStatus(0x6103).
		WithName(fmt.Sprintf("%s SFI %02Xh COUNTER %d VALUE %d", name, sfi, counter, value))
	return &CounterChange{
		base:     base{apdu: apdu, statuses: counterStatuses},
		decrease: decrease,
		sfi:      sfi,
		counter:  counter,
		value:    value,
	}, nil
}

func (cc *CounterChange) UsesSessionBuffer() bool { return true }

func (cc *CounterChange) Apply(c *Card, resp protocol.Response, inSession bool) error {
	if err := cc.check(resp); err != nil {
		return err
	}
	if len(resp.Data) != 3 {
		return fmt.Errorf("%w: %s: new counter value of %d bytes", ErrUnexpectedResponse, cc.Name(), len(resp.Data))
	}
	c.setCounter(cc.sfi, cc.counter, resp.Data)
	return nil
}

// AnticipatedResponse computes the new counter value from the cached one.
func (cc *CounterChange) AnticipatedResponse(c *Card) (protocol.Response, error) {
	cur, err := cachedCounter(c, cc.sfi, cc.counter)
	if err != nil {
		return protocol.Response{}, err
	}
	v, err := applyDelta(cur, cc.value, cc.decrease)
	if err != nil {
		return protocol.Response{}, err
	}
	return protocol.NewResponse(protocol.SWSuccess, put24(v)...), nil
}

func cachedCounter(c *Card, sfi byte, n int) (int, error) {
	if ef := c.FileBySFI(sfi); ef != nil {
		v, ok, err := ef.Data.Counter(n)
		if err != nil {
			return 0, err
		}
		if ok {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: value of counter %d in EF %02Xh is unknown", ErrNoAnticipatedResponse, n, sfi)
}

func applyDelta(cur, delta int, decrease bool) (int, error) {
	v := cur + delta
	if decrease {
		v = cur - delta
	}
	if v < 0 || v > CounterValueMax {
		return 0, fmt.Errorf("%w: counter would become %d", ErrDataOutOfBounds, v)
	}
	return v, nil
}

// CounterChangeMultiple is Increase Multiple or Decrease Multiple.
type CounterChangeMultiple struct {
	base
	decrease bool
	sfi      byte
	values   map[int]int
}

// NewCounterChangeMultiple changes several counters of one EF; values maps
// counter numbers to the amount added or subtracted.
func NewCounterChangeMultiple(c *Card, decrease bool, sfi byte, values map[int]int) (*CounterChangeMultiple, error) {
	if err := checkSFI(sfi); err != nil {
		return nil, err
	}
	if len(values) == 0 || len(values)*4 > c.PayloadCapacity() {
		return nil, fmt.Errorf("%w: %d counters", ErrIllegalArgument, len(values))
	}
	data := make([]byte, 0, 4*len(values))
	for _, n := range slices.Sorted(maps.Keys(values)) {
		if err := checkCounter(n, values[n]); err != nil {
			return nil, err
		}
		data = append(data, byte(n))
		data = append(data, put24(values[n])...)
	}
	ins, name := protocol.InsIncreaseMultiple, "Increase Multiple"
	if decrease {
		ins, name = protocol.InsDecreaseMultiple, "Decrease Multiple"
	}
	apdu := protocol.NewCommand(c.Class(), ins, 0x00, protocol.Parameter(sfi<<3), data).
		WithLe(0).
		WithSuccessfulStatus(0x6103).
		WithName(fmt.Sprintf("%s SFI %02Xh", name, sfi))
	return &CounterChangeMultiple{
		base:     base{apdu: apdu, statuses: counterMultipleStatuses},
		decrease: decrease,
		sfi:      sfi,
		values:   maps.Clone(values),
	}, nil
}

func (cc *CounterChangeMultiple) UsesSessionBuffer() bool { return true }

func (cc *CounterChangeMultiple) Apply(c *Card, resp protocol.Response, inSession bool) error {
	if err := cc.check(resp); err != nil {
		return err
	}
	for i := 0; i+4 <= len(resp.Data); i += 4 {
		c.setCounter(cc.sfi, int(resp.Data[i]), resp.Data[i+1:i+4])
	}
	return nil
}

func (cc *CounterChangeMultiple) AnticipatedResponse(c *Card) (protocol.Response, error) {
	data := make([]byte, 0, 4*len(cc.values))
	for _, n := range slices.Sorted(maps.Keys(cc.values)) {
		cur, err := cachedCounter(c, cc.sfi, n)
		if err != nil {
			return protocol.Response{}, err
		}
		v, err := applyDelta(cur, cc.values[n], cc.decrease)
		if err != nil {
			return protocol.Response{}, err
		}
		data = append(data, byte(n))
		data = append(data, put24(v)...)
	}
	return protocol.NewResponse(protocol.SWSuccess, data...), nil
}

var lifecycleStatuses = protocol.NewStatusTable().With(protocol.StatusTable{
	0x6400: {Info: "Too many modifications in session", Err: ErrSessionBufferOverflow},
	0x6700: {Info: "Lc value not supported", Err: ErrDataAccess},
	0x6982: {Info: "Security conditions not fulfilled (no session, wrong key)", Err: ErrSecurityContext},
	0x6985: {Info: "Access forbidden (DF context is invalid)", Err: ErrAccessForbidden},
})

// Lifecycle is Invalidate or Rehabilitate on the current DF.
type Lifecycle struct {
	base
	invalidate bool
}

func NewInvalidate(c *Card) *Lifecycle {
	apdu := protocol.NewCommand(c.Class(), protocol.InsInvalidate, 0x00, 0x00, nil).WithName("Invalidate")
	return &Lifecycle{base: base{apdu: apdu, statuses: lifecycleStatuses}, invalidate: true}
}

func NewRehabilitate(c *Card) *Lifecycle {
	apdu := protocol.NewCommand(c.Class(), protocol.InsRehabilitate, 0x00, 0x00, nil).WithName("Rehabilitate")
	return &Lifecycle{base: base{apdu: apdu, statuses: lifecycleStatuses}}
}

func (l *Lifecycle) UsesSessionBuffer() bool { return true }

func (l *Lifecycle) Apply(c *Card, resp protocol.Response, inSession bool) error {
	if err := l.check(resp); err != nil {
		return err
	}
	c.dfInvalidated = l.invalidate
	return nil
}

func (l *Lifecycle) AnticipatedResponse(*Card) (protocol.Response, error) {
	return responseOK, nil
}
