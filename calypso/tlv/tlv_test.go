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
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A Calypso FCI: 6F { 84 DFName, A5 { BF0C { C7 serial, 53 startup } } }.
var sampleFCI = []byte{
	0x6F, 0x1F,
	0x84, 0x05, 0x31, 0x54, 0x49, 0x43, 0x2E,
	0xA5, 0x16,
	0xBF, 0x0C, 0x13,
	0xC7, 0x08, 0x00, 0x00, 0x00, 0x00, 0x12, 0x34, 0x56, 0x78,
	0x53, 0x07, 0x0A, 0x3C, 0x20, 0x05, 0x14, 0x10, 0x01,
	0x00, 0x00,
}

func TestSimpleEncode(t *testing.T) {
	t.Parallel()

	v, err := SimpleEncoding.Encode(NewSimpleTag(0x54), []byte{0x00, 0x1D})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x54, 0x02, 0x00, 0x1D}, v.Encode())
	assert.Equal(t, uint(4), v.Size())

	_, err = SimpleEncoding.Encode(NewSimpleTag(0xFF), nil)
	assert.Error(t, err)
	_, err = SimpleEncoding.Encode(Tag{0x5F, 0x2D}, nil)
	assert.Error(t, err)
}

func TestBEREncodeLongLength(t *testing.T) {
	t.Parallel()

	val := bytes.Repeat([]byte{0xAB}, 0x90)
	v, err := BEREncoding.Encode(NewTag(0x85), val)
	require.NoError(t, err)
	enc := v.Encode()
	assert.Equal(t, []byte{0x85, 0x81, 0x90}, enc[:3])

	back, rest, err := Decode(enc)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, val, back.Value())
}

func TestDecodeTagType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []byte
		want TagType
		err  bool
	}{
		{name: "single byte", in: []byte{0x84}, want: 4},
		{name: "two bytes", in: []byte{0x5F, 0x2D}, want: 0x2D},
		{name: "three bytes", in: []byte{0xBF, 0x81, 0x0C}, want: 0x8C},
		{name: "zero subsequent", in: []byte{0x5F, 0x80}, err: true},
		{name: "truncated", in: []byte{0x5F, 0x81}, err: true},
		{name: "empty", in: nil, err: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := DecodeTagType(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTagClassAndType(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ApplicationClass, Tag{0x6F}.Class())
	assert.True(t, Tag{0x6F}.Constructed())
	assert.Equal(t, ContextSpecificClass, Tag{0x84}.Class())
	assert.False(t, Tag{0x84}.Constructed())
	assert.Equal(t, PrivateClass, Tag{0xC7}.Class())
	assert.Equal(t, uint32(0xBF0C), NewTag(0xBF0C).Uint32())
}

func TestFlatten(t *testing.T) {
	t.Parallel()

	got, err := Flatten(sampleFCI)
	require.NoError(t, err)
	want := map[uint32][]byte{
		0x84: {0x31, 0x54, 0x49, 0x43, 0x2E},
		0xC7: {0x00, 0x00, 0x00, 0x00, 0x12, 0x34, 0x56, 0x78},
		0x53: {0x0A, 0x3C, 0x20, 0x05, 0x14, 0x10, 0x01},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Flatten() mismatch (-want +got):\n%s", diff)
	}
}

func TestFind(t *testing.T) {
	t.Parallel()

	v, ok, err := Find(sampleFCI, NewTag(0xBF0C))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, v, 0x13)

	_, ok, err = Find(sampleFCI, NewTag(0x85))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecodeTruncated(t *testing.T) {
	t.Parallel()

	_, _, err := Decode([]byte{0x84, 0x05, 0x01})
	assert.ErrorIs(t, err, ErrShortData)
	_, err = DecodeMany([]byte{0x6F, 0x03, 0x84, 0x05, 0x00})
	assert.Error(t, err)
}
