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
	"bytes"
	"fmt"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/protocol"
	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/tlv"
)

// ReadRecords reads one record, or several records from a start record when
// the card supports it.
type ReadRecords struct {
	base
	sfi    byte
	first  int
	mode   ReadMode
	length int
}

func NewReadRecords(c *Card, sfi byte, first int, mode ReadMode, expectedLength int) (*ReadRecords, error) {
	if err := checkSFI(sfi); err != nil {
		return nil, err
	}
	if err := checkRecordNumber(first); err != nil {
		return nil, err
	}
	if expectedLength < 0 || expectedLength > 255 {
		return nil, fmt.Errorf("%w: expected length %d", ErrIllegalArgument, expectedLength)
	}
	low := byte(0x05)
	if mode == ReadOneRecord {
		low = 0x04
	}
	apdu := protocol.NewCommand(c.Class(), protocol.InsReadRecords, protocol.Parameter(first), sfiP2(sfi, low), nil).
		WithLe(byte(expectedLength)).
		WithName(fmt.Sprintf("Read Records SFI %02Xh REC %d", sfi, first))
	return &ReadRecords{
		base:   base{apdu: apdu, statuses: readStatuses},
		sfi:    sfi,
		first:  first,
		mode:   mode,
		length: expectedLength,
	}, nil
}

func (r *ReadRecords) SFI() byte        { return r.sfi }
func (r *ReadRecords) FirstRecord() int { return r.first }
func (r *ReadRecords) Mode() ReadMode   { return r.mode }

func (r *ReadRecords) Apply(c *Card, resp protocol.Response, inSession bool) error {
	ok, err := r.checkBestEffort(resp, inSession)
	if !ok {
		return err
	}
	recs, err := r.records(resp.Data)
	if err != nil {
		return err
	}
	for _, n := range sortedKeys(recs) {
		c.setRecord(r.sfi, n, recs[n])
	}
	return nil
}

// records splits the response. In multiple mode the data is a sequence of
// record number, length, content.
func (r *ReadRecords) records(data []byte) (map[int][]byte, error) {
	out := make(map[int][]byte)
	if len(data) == 0 {
		return out, nil
	}
	if r.mode == ReadOneRecord {
		out[r.first] = data
		return out, nil
	}
	for len(data) > 0 {
		if len(data) < 2 || len(data) < 2+int(data[1]) {
			return nil, fmt.Errorf("%w: %s: truncated record list", ErrUnexpectedResponse, r.Name())
		}
		n, l := int(data[0]), int(data[1])
		out[n] = data[2 : 2+l]
		data = data[2+l:]
	}
	return out, nil
}

var readRecordMultipleStatuses = readStatuses.With(protocol.StatusTable{
	0x6700: {Info: "Lc value not supported", Err: ErrIllegalParameter},
	0x6A80: {Info: "Incorrect command data (incorrect Tag, incorrect Length, R. Length > RecSize, R. Offset + R. Length > RecSize, R. Length = 0)", Err: ErrIllegalParameter},
	0x6200: {Info: "Successful execution, partial read only: issue another Read Record Multiple from record (P1 + (Size of returned data) / (R. Length)) to continue reading"},
})

// ReadRecordMultiple reads the same slice of several consecutive records.
type ReadRecordMultiple struct {
	base
	sfi    byte
	record int
	offset int
	length int
}

func NewReadRecordMultiple(c *Card, sfi byte, record, offset, length int) (*ReadRecordMultiple, error) {
	if err := checkSFI(sfi); err != nil {
		return nil, err
	}
	if err := checkRecordNumber(record); err != nil {
		return nil, err
	}
	if offset < 0 || offset > OffsetMax || length < DataLengthMin || length > DataLengthMax {
		return nil, fmt.Errorf("%w: offset %d length %d", ErrIllegalArgument, offset, length)
	}
	t, err := tlv.SimpleEncoding.Encode(tlv.NewSimpleTag(0x54), []byte{byte(offset), byte(length)})
	if err != nil {
		return nil, err
	}
	apdu := protocol.NewCommand(c.Class(), protocol.InsReadRecordMultiple, protocol.Parameter(record), protocol.Parameter(sfi<<3|0x05), t.Encode()).
		WithLe(0).
		WithSuccessfulStatus(0x6200).
		WithName(fmt.Sprintf("Read Record Multiple SFI %02Xh REC %d OFFSET %d LENGTH %d", sfi, record, offset, length))
	return &ReadRecordMultiple{
		base:   base{apdu: apdu, statuses: readRecordMultipleStatuses},
		sfi:    sfi,
		record: record,
		offset: offset,
		length: length,
	}, nil
}

func (r *ReadRecordMultiple) Apply(c *Card, resp protocol.Response, inSession bool) error {
	ok, err := r.checkBestEffort(resp, inSession)
	if !ok {
		return err
	}
	n := len(resp.Data) / r.length
	for i := range n {
		c.setContent(r.sfi, r.record+i, resp.Data[i*r.length:(i+1)*r.length], r.offset)
	}
	return nil
}

// RecordsRead returns how many records the response covers; a partial read
// (6200) covers fewer than requested.
func (r *ReadRecordMultiple) RecordsRead(resp protocol.Response) int {
	return len(resp.Data) / r.length
}

var searchStatuses = readStatuses.With(protocol.StatusTable{
	0x6400: {Info: "Too many modifications in session", Err: ErrSessionBufferOverflow},
	0x6700: {Info: "Lc value not supported", Err: ErrIllegalParameter},
	0x6A80: {Info: "Incorrect command data (S. Length incompatible with Lc, S. Length > RecSize, S. Offset + S. Length > RecSize, S. Mask bigger than S. Data)", Err: ErrIllegalParameter},
})

// SearchCommandData describes a Search Record Multiple and receives its
// result in MatchingRecordNumbers.
//
// Mask is ANDed with the record content before comparison; missing mask
// bytes are FFh.
type SearchCommandData struct {
	SFI                   byte
	StartRecord           int
	Offset                int
	SearchData            []byte
	Mask                  []byte
	RepeatedOffset        bool
	FetchFirstMatch       bool
	MatchingRecordNumbers []int
}

// NewSearchCommandData returns search parameters with the defaults SFI 1
// and start record 1.
func NewSearchCommandData() *SearchCommandData {
	return &SearchCommandData{SFI: 1, StartRecord: 1}
}

// SearchRecordMultiple searches records matching a pattern.
type SearchRecordMultiple struct {
	base
	data *SearchCommandData
}

func NewSearchRecordMultiple(c *Card, d *SearchCommandData) (*SearchRecordMultiple, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: nil search data", ErrIllegalArgument)
	}
	if err := checkSFI(d.SFI); err != nil {
		return nil, err
	}
	if err := checkRecordNumber(d.StartRecord); err != nil {
		return nil, err
	}
	n := len(d.SearchData)
	if d.Offset < 0 || d.Offset > OffsetMax || n < 1 || n > DataLengthMax-d.Offset {
		return nil, fmt.Errorf("%w: search offset %d length %d", ErrIllegalArgument, d.Offset, n)
	}
	if len(d.Mask) > n {
		return nil, fmt.Errorf("%w: mask longer than search data", ErrIllegalArgument)
	}
	in := make([]byte, 3, 3+2*n)
	if d.RepeatedOffset {
		in[0] = 0x80
	}
	if d.FetchFirstMatch {
		in[0] |= 0x01
	}
	in[1] = byte(d.Offset)
	in[2] = byte(n)
	in = append(in, d.SearchData...)
	in = append(in, d.Mask...)
	in = append(in, bytes.Repeat([]byte{0xFF}, n-len(d.Mask))...)
	apdu := protocol.NewCommand(c.Class(), protocol.InsSearchRecordMultiple, protocol.Parameter(d.StartRecord), protocol.Parameter(d.SFI<<3|0x07), in).
		WithLe(0).
		WithName(fmt.Sprintf("Search Record Multiple SFI %02Xh REC %d", d.SFI, d.StartRecord))
	return &SearchRecordMultiple{base: base{apdu: apdu, statuses: searchStatuses}, data: d}, nil
}

func (s *SearchRecordMultiple) Apply(c *Card, resp protocol.Response, inSession bool) error {
	ok, err := s.checkBestEffort(resp, inSession)
	if !ok || len(resp.Data) == 0 {
		return err
	}
	n := int(resp.Data[0])
	if len(resp.Data) < 1+n {
		return fmt.Errorf("%w: %s: truncated record list", ErrUnexpectedResponse, s.Name())
	}
	for i := 1; i <= n; i++ {
		s.data.MatchingRecordNumbers = append(s.data.MatchingRecordNumbers, int(resp.Data[i]))
	}
	if s.data.FetchFirstMatch && n > 0 {
		if first := resp.Data[1+n:]; len(first) > 0 {
			c.setRecord(s.data.SFI, s.data.MatchingRecordNumbers[0], first)
		}
	}
	return nil
}

// ReadBinary reads a slice of a binary file.
type ReadBinary struct {
	base
	sfi    byte
	offset int
	length int
}

func NewReadBinary(c *Card, sfi byte, offset, length int) (*ReadBinary, error) {
	if err := checkSFI(sfi); err != nil {
		return nil, err
	}
	if offset < 0 || offset > OffsetBinaryMax || length < 1 || length > 255 {
		return nil, fmt.Errorf("%w: offset %d length %d", ErrIllegalArgument, offset, length)
	}
	p1, p2 := binaryParams(sfi, offset)
	apdu := protocol.NewCommand(c.Class(), protocol.InsReadBinary, p1, p2, nil).
		WithLe(byte(length)).
		WithName(fmt.Sprintf("Read Binary SFI %02Xh OFFSET %d LENGTH %d", sfi, offset, length))
	return &ReadBinary{base: base{apdu: apdu, statuses: readStatuses}, sfi: sfi, offset: offset, length: length}, nil
}

// binaryParams puts the offset MSB in P1, or selects the EF by SFI when the
// offset fits in P2.
func binaryParams(sfi byte, offset int) (protocol.Parameter, protocol.Parameter) {
	msb := byte(offset >> 8)
	lsb := byte(offset)
	if msb > 0 {
		return protocol.Parameter(msb), protocol.Parameter(lsb)
	}
	return protocol.Parameter(0x80 + sfi), protocol.Parameter(lsb)
}

func (r *ReadBinary) Apply(c *Card, resp protocol.Response, inSession bool) error {
	ok, err := r.checkBestEffort(resp, inSession)
	if !ok || len(resp.Data) == 0 {
		return err
	}
	c.setContent(r.sfi, 1, resp.Data, r.offset)
	return nil
}
