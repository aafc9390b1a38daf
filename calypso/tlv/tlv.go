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

// Package tlv implements the SIMPLE-TLV and BER-TLV data objects of
// ISO/IEC 7816-4 used in card responses (FCI, FCP) and command data.
package tlv

import (
	"encoding/binary"
	"fmt"
)

type EncodingType int

const (
	// ISO/IEC 7816-4
	SimpleEncodingType EncodingType = iota + 1
	// ISO/IEC 7816-4, X.690 without the indefinite form
	BEREncodingType
)

func (e EncodingType) String() string {
	switch e {
	case SimpleEncodingType:
		return "SimpleEncoding"
	case BEREncodingType:
		return "BEREncoding"
	default:
		return fmt.Sprintf("UnknownEncoding(%d)", e)
	}
}

var (
	SimpleEncoding = EncoderOptions{
		Type: SimpleEncodingType,
	}
	BEREncoding = EncoderOptions{
		Type: BEREncodingType,
	}
)

type EncoderOptions struct {
	Type EncodingType
}

const (
	maxSimpleTLVLength = 0xFFFF
	maxBERLength       = 0xFFFF
)

func (e EncoderOptions) Encode(tag Tag, value []byte) (TLV, error) {
	switch e.Type {
	case SimpleEncodingType:
		st, err := tag.Simple()
		if err != nil {
			return nil, err
		}
		if len(value) > maxSimpleTLVLength {
			return nil, fmt.Errorf("tlv SimpleEncoding requires value length <= %d got value length %d", maxSimpleTLVLength, len(value))
		}
		return &simple{tag: st, val: value}, nil
	case BEREncodingType:
		if _, err := DecodeTagType(tag); err != nil {
			return nil, err
		}
		if len(value) > maxBERLength {
			return nil, fmt.Errorf("tlv BEREncoding requires value length <= %d got value length %d", maxBERLength, len(value))
		}
		return &ber{tag: tag, val: value}, nil
	}
	return nil, fmt.Errorf("tlv %v", e)
}

type TLV interface {
	Tag() Tag
	Value() []byte
	Size() uint
	Encoding() EncodingType
	Encode() []byte
}

type simple struct {
	tag byte
	val []byte
}

func (s *simple) Tag() Tag {
	return NewSimpleTag(s.tag)
}

func (s *simple) Value() []byte {
	ret := make([]byte, len(s.val))
	copy(ret, s.val)
	return ret
}

func (s *simple) Size() uint {
	if len(s.val) < 0xFF {
		return uint(1 + 1 + len(s.val)) // 1 tag byte, 1 length byte, variable value bytes
	}
	// 1 tag byte, 3 length bytes (1 static, 2 for length value), variable value bytes
	return uint(1 + 3 + len(s.val))
}

func (s *simple) Encoding() EncodingType {
	return SimpleEncodingType
}

func (s *simple) Encode() []byte {
	out := make([]byte, s.Size())
	out[0] = s.tag
	if len(s.val) < 0xFF {
		out[1] = byte(len(s.val))
		copy(out[2:], s.val)
	} else {
		out[1] = 0xFF
		binary.BigEndian.PutUint16(out[2:4], uint16(len(s.val)))
		copy(out[4:], s.val)
	}
	return out
}

type ber struct {
	tag      Tag
	val      []byte
	children []TLV
}

func (b *ber) Tag() Tag {
	return b.tag
}

func (b *ber) Value() []byte {
	ret := make([]byte, len(b.val))
	copy(ret, b.val)
	return ret
}

func berLengthSize(n int) int {
	switch {
	case n < 0x80:
		return 1
	case n <= 0xFF:
		return 2
	default:
		return 3
	}
}

func (b *ber) Size() uint {
	return uint(len(b.tag) + berLengthSize(len(b.val)) + len(b.val))
}

func (b *ber) Encoding() EncodingType {
	return BEREncodingType
}

// Children returns the nested objects of a constructed TLV.
func (b *ber) Children() []TLV {
	return b.children
}

func (b *ber) Encode() []byte {
	out := make([]byte, 0, b.Size())
	out = append(out, b.tag...)
	n := len(b.val)
	switch berLengthSize(n) {
	case 1:
		out = append(out, byte(n))
	case 2:
		out = append(out, 0x81, byte(n))
	default:
		out = append(out, 0x82, byte(n>>8), byte(n))
	}
	return append(out, b.val...)
}

// Constructed is implemented by BER TLVs decoded from a constructed tag.
type Constructed interface {
	TLV
	Children() []TLV
}

func readLength(data []byte) (int, []byte, error) {
	if len(data) == 0 {
		return 0, nil, fmt.Errorf("%w: missing length", ErrShortData)
	}
	first := data[0]
	switch {
	case first < 0x80:
		return int(first), data[1:], nil
	case first == 0x81:
		if len(data) < 2 {
			return 0, nil, fmt.Errorf("%w: truncated length", ErrShortData)
		}
		return int(data[1]), data[2:], nil
	case first == 0x82:
		if len(data) < 3 {
			return 0, nil, fmt.Errorf("%w: truncated length", ErrShortData)
		}
		return int(binary.BigEndian.Uint16(data[1:3])), data[3:], nil
	default:
		return 0, nil, fmt.Errorf("tlv: unsupported length byte 0x%02X", first)
	}
}

// Decode parses a single BER-TLV at the start of data and returns the
// remaining bytes. Constructed values are decoded recursively.
func Decode(data []byte) (TLV, []byte, error) {
	tag, rest, err := readTag(data)
	if err != nil {
		return nil, nil, err
	}
	n, rest, err := readLength(rest)
	if err != nil {
		return nil, nil, fmt.Errorf("tag %s: %w", tag, err)
	}
	if len(rest) < n {
		return nil, nil, fmt.Errorf("%w: tag %s wants %d bytes, %d left", ErrShortData, tag, n, len(rest))
	}
	t := &ber{tag: tag, val: rest[:n]}
	if tag.Constructed() {
		t.children, err = DecodeMany(t.val)
		if err != nil {
			return nil, nil, fmt.Errorf("tag %s: %w", tag, err)
		}
	}
	return t, rest[n:], nil
}

// DecodeMany parses consecutive BER-TLVs until data is exhausted. Padding
// bytes 0x00 and 0xFF between objects are skipped.
func DecodeMany(data []byte) ([]TLV, error) {
	var out []TLV
	for len(data) > 0 {
		if data[0] == 0x00 || data[0] == 0xFF {
			data = data[1:]
			continue
		}
		t, rest, err := Decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
		data = rest
	}
	return out, nil
}

// Find returns the value of the first object with the given tag, searching
// constructed objects depth first.
func Find(data []byte, tag Tag) ([]byte, bool, error) {
	tlvs, err := DecodeMany(data)
	if err != nil {
		return nil, false, err
	}
	v, ok := find(tlvs, tag.Uint32())
	return v, ok, nil
}

func find(tlvs []TLV, key uint32) ([]byte, bool) {
	for _, t := range tlvs {
		if t.Tag().Uint32() == key {
			return t.Value(), true
		}
		if c, ok := t.(Constructed); ok {
			if v, ok := find(c.Children(), key); ok {
				return v, true
			}
		}
	}
	return nil, false
}

// Flatten maps every primitive tag found in data to its value. When a tag
// appears more than once the first occurrence wins.
func Flatten(data []byte) (map[uint32][]byte, error) {
	tlvs, err := DecodeMany(data)
	if err != nil {
		return nil, err
	}
	out := make(map[uint32][]byte)
	flatten(tlvs, out)
	return out, nil
}

func flatten(tlvs []TLV, out map[uint32][]byte) {
	for _, t := range tlvs {
		if c, ok := t.(Constructed); ok && t.Tag().Constructed() {
			flatten(c.Children(), out)
			continue
		}
		key := t.Tag().Uint32()
		if _, ok := out[key]; !ok {
			out[key] = t.Value()
		}
	}
}
