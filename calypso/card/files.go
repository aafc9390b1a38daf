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
)

// FileHeader is the header of an elementary file as returned by Select File
// or Get Data (FCP).
type FileHeader struct {
	LID              uint16
	RecordsNumber    int
	RecordSize       int
	Type             EFType
	AccessConditions []byte
	KeyIndexes       []byte
	DFStatus         byte
	// SharedReference is set when the file shares its data with another EF.
	SharedReference *uint16
}

func (h *FileHeader) clone() *FileHeader {
	if h == nil {
		return nil
	}
	c := *h
	c.AccessConditions = slices.Clone(h.AccessConditions)
	c.KeyIndexes = slices.Clone(h.KeyIndexes)
	if h.SharedReference != nil {
		ref := *h.SharedReference
		c.SharedReference = &ref
	}
	return &c
}

// merge fills the fields of h left empty with the ones of src.
func (h *FileHeader) merge(src *FileHeader) {
	if src == nil {
		return
	}
	if h.AccessConditions == nil {
		h.AccessConditions = slices.Clone(src.AccessConditions)
	}
	if h.KeyIndexes == nil {
		h.KeyIndexes = slices.Clone(src.KeyIndexes)
	}
	if h.DFStatus == 0 {
		h.DFStatus = src.DFStatus
	}
	if h.SharedReference == nil && src.SharedReference != nil {
		ref := *src.SharedReference
		h.SharedReference = &ref
	}
}

// DirectoryHeader is the header of the current DF.
type DirectoryHeader struct {
	LID              uint16
	AccessConditions []byte
	KeyIndexes       []byte
	DFStatus         byte
	kifs             map[WriteAccessLevel]byte
	kvcs             map[WriteAccessLevel]byte
}

// KIF returns the key identifier of the session key for level.
func (h *DirectoryHeader) KIF(level WriteAccessLevel) (byte, bool) {
	v, ok := h.kifs[level]
	return v, ok
}

// KVC returns the key version of the session key for level.
func (h *DirectoryHeader) KVC(level WriteAccessLevel) (byte, bool) {
	v, ok := h.kvcs[level]
	return v, ok
}

func (h *DirectoryHeader) clone() *DirectoryHeader {
	if h == nil {
		return nil
	}
	c := *h
	c.AccessConditions = slices.Clone(h.AccessConditions)
	c.KeyIndexes = slices.Clone(h.KeyIndexes)
	c.kifs = maps.Clone(h.kifs)
	c.kvcs = maps.Clone(h.kvcs)
	return &c
}

// ElementaryFile is an EF of the card image, identified by its SFI and/or
// the LID found in its header.
type ElementaryFile struct {
	SFI    byte
	Header *FileHeader
	Data   *FileData
}

func (f *ElementaryFile) clone() *ElementaryFile {
	return &ElementaryFile{SFI: f.SFI, Header: f.Header.clone(), Data: f.Data.clone()}
}

// FileData holds the known content of an EF, record by record. Binary files
// keep their content in record 1.
type FileData struct {
	records map[int][]byte
}

func newFileData() *FileData {
	return &FileData{records: make(map[int][]byte)}
}

func (d *FileData) clone() *FileData {
	c := newFileData()
	for k, v := range d.records {
		c.records[k] = slices.Clone(v)
	}
	return c
}

// Records returns a copy of all the known records, keyed by record number.
func (d *FileData) Records() map[int][]byte {
	out := make(map[int][]byte, len(d.records))
	for k, v := range d.records {
		out[k] = slices.Clone(v)
	}
	return out
}

// Content returns the content of record 1.
func (d *FileData) Content() []byte {
	return d.Record(1)
}

// Record returns the content of record n, or nil if it was never read.
func (d *FileData) Record(n int) []byte {
	return slices.Clone(d.records[n])
}

// ContentAt returns length bytes of record n starting at offset.
func (d *FileData) ContentAt(n, offset, length int) ([]byte, error) {
	if offset < 0 || length < 1 {
		return nil, fmt.Errorf("%w: offset %d length %d", ErrIllegalArgument, offset, length)
	}
	rec, ok := d.records[n]
	if !ok {
		return nil, nil
	}
	if offset >= len(rec) {
		return nil, fmt.Errorf("%w: offset %d >= content length %d", ErrDataOutOfBounds, offset, len(rec))
	}
	if offset+length > len(rec) {
		return nil, fmt.Errorf("%w: offset %d + length %d > content length %d", ErrDataOutOfBounds, offset, length, len(rec))
	}
	return slices.Clone(rec[offset : offset+length]), nil
}

// Counter returns the value of counter n, stored on 3 bytes in record 1.
// ok is false when the counter is beyond the known content.
func (d *FileData) Counter(n int) (value int, ok bool, err error) {
	if n < 1 {
		return 0, false, fmt.Errorf("%w: counter number %d", ErrIllegalArgument, n)
	}
	rec, found := d.records[1]
	if !found {
		return 0, false, nil
	}
	i := (n - 1) * 3
	if i >= len(rec) {
		return 0, false, nil
	}
	if i+3 > len(rec) {
		return 0, false, fmt.Errorf("%w: counter #%d has a truncated value", ErrDataOutOfBounds, n)
	}
	return int(rec[i])<<16 | int(rec[i+1])<<8 | int(rec[i+2]), true, nil
}

// Counters returns every complete counter of record 1, keyed by number.
func (d *FileData) Counters() map[int]int {
	out := make(map[int]int)
	rec := d.records[1]
	for i, c := 0, 1; i+3 <= len(rec); i, c = i+3, c+1 {
		out[c] = int(rec[i])<<16 | int(rec[i+1])<<8 | int(rec[i+2])
	}
	return out
}

func (d *FileData) setRecord(n int, content []byte) {
	d.records[n] = slices.Clone(content)
}

// setContent writes content at offset in record n, growing the record when
// needed. When growing, existing bytes beyond offset are not preserved.
func (d *FileData) setContent(n int, content []byte, offset int) {
	newLen := offset + len(content)
	old, ok := d.records[n]
	var rec []byte
	switch {
	case !ok:
		rec = make([]byte, newLen)
	case len(old) <= offset:
		rec = make([]byte, newLen)
		copy(rec, old)
	case len(old) < newLen:
		rec = make([]byte, newLen)
		copy(rec, old[:offset])
	default:
		rec = old
	}
	copy(rec[offset:], content)
	d.records[n] = rec
}

func (d *FileData) setCounter(n int, value []byte) {
	d.setContent(1, value, (n-1)*3)
}

// fillContent ORs content into record n at offset.
func (d *FileData) fillContent(n int, content []byte, offset int) {
	padded := make([]byte, offset+len(content))
	copy(padded[offset:], content)
	old, ok := d.records[n]
	if !ok {
		d.records[n] = padded
		return
	}
	if len(old) < len(padded) {
		for i := range old {
			padded[i] |= old[i]
		}
		d.records[n] = padded
		return
	}
	for i := range padded {
		old[i] |= padded[i]
	}
}

// addCyclicContent shifts every record up by one and stores content as
// record 1.
func (d *FileData) addCyclicContent(content []byte) {
	keys := slices.Sorted(maps.Keys(d.records))
	for _, k := range slices.Backward(keys) {
		d.records[k+1] = d.records[k]
	}
	d.records[1] = slices.Clone(content)
}

func sortedKeys(m map[int][]byte) []int {
	return slices.Sorted(maps.Keys(m))
}
