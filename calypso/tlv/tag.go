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

package tlv

import (
	"errors"
	"fmt"
)

var ErrShortData = errors.New("tlv: short data")

// Tag is the raw, encoded tag field of a TLV.
type Tag []byte

func (t Tag) Simple() (byte, error) {
	if len(t) != 1 {
		return 0x00, fmt.Errorf("simple TLV encoding requires 1 byte tag, got %d bytes", len(t))
	}
	if t[0] == 0x00 || t[0] == 0xFF {
		return 0x00, fmt.Errorf("simple TLV encoding reserves tag values 0x00 and 0xFF got 0x%X", t[0])
	}
	return t[0], nil
}

func NewSimpleTag(tag byte) Tag {
	return []byte{tag}
}

// NewTag parses a BER tag written as an integer, e.g. 0x5F2D or 0xBF0C.
func NewTag(v uint32) Tag {
	switch {
	case v > 0xFFFFFF:
		return Tag{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	case v > 0xFFFF:
		return Tag{byte(v >> 16), byte(v >> 8), byte(v)}
	case v > 0xFF:
		return Tag{byte(v >> 8), byte(v)}
	default:
		return Tag{byte(v)}
	}
}

// Uint32 returns the encoded tag bytes as an integer, the form used as map
// key by Flatten.
func (t Tag) Uint32() uint32 {
	var v uint32
	for _, b := range t {
		v = v<<8 | uint32(b)
	}
	return v
}

func (t Tag) Class() TagClass {
	if len(t) == 0 {
		return UniversalClass
	}
	return DecodeTagClass(t[0])
}

func (t Tag) Constructed() bool {
	return len(t) > 0 && DecodeContentType(t[0]) == ConstructedType
}

func (t Tag) Number() (TagType, error) {
	return DecodeTagType(t)
}

func (t Tag) String() string {
	return fmt.Sprintf("%X", []byte(t))
}

// TagClass holds the class in the two high order bits of the leading octet.
type TagClass uint8

const (
	UniversalClass       TagClass = 0x00      // 0 stored in 2 high order bits of octet.
	ApplicationClass     TagClass = 0x01 << 6 // 1 stored in 2 high order bits of octet.
	ContextSpecificClass TagClass = 0x02 << 6 // 2 stored in 2 high order bits of octet.
	PrivateClass         TagClass = 0x03 << 6 // 3 stored in 2 high order bits of octet.
)

func (c TagClass) String() string {
	switch c {
	case UniversalClass:
		return "Universal"
	case ApplicationClass:
		return "Application"
	case ContextSpecificClass:
		return "ContextSpecific"
	default:
		return "Private"
	}
}

func DecodeTagClass(octet uint8) TagClass {
	return TagClass(octet & (0x03 << 6))
}

type ContentType uint8

const (
	PrimitiveType   ContentType = 0x00
	ConstructedType ContentType = 0x01
)

func DecodeContentType(octet uint8) ContentType {
	if octet&(0x01<<5) != 0 {
		return ConstructedType
	}
	return PrimitiveType
}

// TagType is the tag number, without class and content type bits.
type TagType uint64

const multiByteTag = 0x1F

// DecodeTagType decodes the tag number of the tag starting at data[0].
//
// When bits B5-B1 of the leading byte are not all set they hold the number.
// Otherwise the number continues on subsequent bytes, 7 bits each, B8 set on
// every byte but the last.
func DecodeTagType(data []byte) (TagType, error) {
	if len(data) == 0 {
		return 0, ErrShortData
	}
	leading := data[0] & multiByteTag
	if leading != multiByteTag {
		return TagType(leading), nil
	}
	if len(data) < 2 {
		return 0, fmt.Errorf("%w: long form tag without subsequent byte", ErrShortData)
	}
	if data[1]&0x7F == 0 {
		return 0, fmt.Errorf("tlv: invalid long form tag, first subsequent byte is zero")
	}
	var n TagType
	for idx, octet := range data[1:] {
		if idx >= 8 {
			return 0, fmt.Errorf("tlv: tag too large")
		}
		n = n<<7 | TagType(octet&0x7F)
		if octet&0x80 == 0 {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: tag bytes consumed before end sequence", ErrShortData)
}

// readTag splits the tag field off data.
func readTag(data []byte) (Tag, []byte, error) {
	if len(data) == 0 {
		return nil, nil, ErrShortData
	}
	size := 1
	if data[0]&multiByteTag == multiByteTag {
		for {
			if size >= len(data) {
				return nil, nil, fmt.Errorf("%w: truncated tag", ErrShortData)
			}
			b := data[size]
			size++
			if b&0x80 == 0 {
				break
			}
		}
	}
	return Tag(data[:size]), data[size:], nil
}
