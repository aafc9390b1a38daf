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
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
)

// HexBytes marshals to JSON as an upper case hex string.
type HexBytes []byte

func (h HexBytes) String() string {
	return fmt.Sprintf("%X", []byte(h))
}

func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *HexBytes) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("hex bytes: %w", err)
	}
	*h = v
	return nil
}

const (
	svLoadLogLength  = 22
	svDebitLogLength = 19
)

// SvLoadLogRecord is the last SV reload entry of a card.
type SvLoadLogRecord struct {
	Amount  int      `json:"amount"`
	Balance int      `json:"balance"`
	Date    HexBytes `json:"loadDate"`
	Time    HexBytes `json:"loadTime"`
	Free    HexBytes `json:"freeData"`
	KVC     byte     `json:"kvc"`
	SAMID   HexBytes `json:"samId"`
	SAMTNum int      `json:"samTNum"`
	SVTNum  int      `json:"svTNum"`
}

// ParseSvLoadLog decodes a load log found at offset in data. Logs come from
// SV Get responses or from the record of the reload log EF.
func ParseSvLoadLog(data []byte, offset int) (*SvLoadLogRecord, error) {
	if offset < 0 || len(data) < offset+svLoadLogLength {
		return nil, fmt.Errorf("%w: SV load log needs %d bytes at offset %d, got %d", ErrUnexpectedResponse, svLoadLogLength, offset, len(data))
	}
	b := data[offset:]
	return &SvLoadLogRecord{
		Date:    slices.Clone(b[0:2]),
		Free:    HexBytes{b[2], b[4]},
		KVC:     b[3],
		Balance: signed24(b[5:8]),
		Amount:  signed24(b[8:11]),
		Time:    slices.Clone(b[11:13]),
		SAMID:   slices.Clone(b[13:17]),
		SAMTNum: unsigned(b[17:20]),
		SVTNum:  unsigned(b[20:22]),
	}, nil
}

func (r *SvLoadLogRecord) String() string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf("SvLoadLogRecord<%v>", err)
	}
	return string(b)
}

// SvDebitLogRecord is an SV debit entry of a card. Undebit operations are
// logged with a negative amount.
type SvDebitLogRecord struct {
	Amount  int      `json:"amount"`
	Balance int      `json:"balance"`
	Date    HexBytes `json:"debitDate"`
	Time    HexBytes `json:"debitTime"`
	KVC     byte     `json:"kvc"`
	SAMID   HexBytes `json:"samId"`
	SAMTNum int      `json:"samTNum"`
	SVTNum  int      `json:"svTNum"`
}

func ParseSvDebitLog(data []byte, offset int) (*SvDebitLogRecord, error) {
	if offset < 0 || len(data) < offset+svDebitLogLength {
		return nil, fmt.Errorf("%w: SV debit log needs %d bytes at offset %d, got %d", ErrUnexpectedResponse, svDebitLogLength, offset, len(data))
	}
	b := data[offset:]
	return &SvDebitLogRecord{
		Amount:  signed16(b[0:2]),
		Date:    slices.Clone(b[2:4]),
		Time:    slices.Clone(b[4:6]),
		KVC:     b[6],
		SAMID:   slices.Clone(b[7:11]),
		SAMTNum: unsigned(b[11:14]),
		Balance: signed24(b[14:17]),
		SVTNum:  unsigned(b[17:19]),
	}, nil
}

func (r *SvDebitLogRecord) String() string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf("SvDebitLogRecord<%v>", err)
	}
	return string(b)
}

func unsigned(b []byte) int {
	var v int
	for _, x := range b {
		v = v<<8 | int(x)
	}
	return v
}

func signed24(b []byte) int {
	v := unsigned(b[:3])
	if v&0x800000 != 0 {
		v -= 0x1000000
	}
	return v
}

func signed16(b []byte) int {
	return int(int16(uint16(b[0])<<8 | uint16(b[1])))
}

func put24(v int) []byte {
	return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
}
