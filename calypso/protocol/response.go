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

package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Response is a response APDU split into its data field and status word.
type Response struct {
	Data []byte
	SW   uint16
}

// ParseResponse splits raw response bytes. The slice is copied.
func ParseResponse(raw []byte) (Response, error) {
	if len(raw) < 2 {
		return Response{}, fmt.Errorf("%w: response of %d bytes has no status word", ErrCardCommunication, len(raw))
	}
	n := len(raw) - 2
	data := make([]byte, n)
	copy(data, raw[:n])
	return Response{Data: data, SW: binary.BigEndian.Uint16(raw[n:])}, nil
}

// NewResponse builds a response from its parts, mostly for anticipated
// responses and tests.
func NewResponse(sw uint16, data ...byte) Response {
	return Response{Data: data, SW: sw}
}

// Bytes returns data followed by SW1 SW2.
func (r Response) Bytes() []byte {
	out := make([]byte, len(r.Data)+2)
	copy(out, r.Data)
	binary.BigEndian.PutUint16(out[len(r.Data):], r.SW)
	return out
}

// SW1 returns the high order status byte.
func (r Response) SW1() byte { return byte(r.SW >> 8) }

// SW2 returns the low order status byte.
func (r Response) SW2() byte { return byte(r.SW) }

func (r Response) String() string {
	return fmt.Sprintf("%s %04X", hex.EncodeToString(r.Data), r.SW)
}
