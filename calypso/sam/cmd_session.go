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
	"slices"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/protocol"
)

var selectDiversifierStatuses = baseStatuses.With(protocol.StatusTable{
	0x6700: {Info: "Incorrect Lc.", Err: ErrIllegalParameter},
	0x6985: {Info: "Preconditions not satisfied: the SAM is locked.", Err: ErrAccessForbidden},
})

// SelectDiversifier gives the SAM the serial number used to diversify the
// card keys.
type SelectDiversifier struct {
	base
}

func NewSelectDiversifier(s *SAM, diversifier []byte) (*SelectDiversifier, error) {
	if n := len(diversifier); n != 4 && n != 8 {
		return nil, fmt.Errorf("%w: bad diversifier length %d, want 4 or 8", ErrIllegalArgument, n)
	}
	apdu := newCommand(s, protocol.InsSamSelectDiversifier, 0x00, 0x00, slices.Clone(diversifier)).
		WithName("Select Diversifier")
	return &SelectDiversifier{base{apdu: apdu, statuses: selectDiversifierStatuses}}, nil
}

// Diversifier pads a key diversifier of 1 to 8 bytes with leading zeros to
// the 4 or 8 bytes Select Diversifier accepts.
func Diversifier(b []byte) ([]byte, error) {
	n := len(b)
	if n < 1 || n > 8 {
		return nil, fmt.Errorf("%w: key diversifier length %d out of range 1..8", ErrIllegalArgument, n)
	}
	size := 8
	if n <= 4 {
		size = 4
	}
	out := make([]byte, size)
	copy(out[size-n:], b)
	return out, nil
}

var getChallengeStatuses = baseStatuses.With(protocol.StatusTable{
	0x6700: {Info: "Incorrect Le.", Err: ErrIllegalParameter},
})

// GetChallenge reads the terminal challenge given to Open Secure Session.
type GetChallenge struct {
	base
	length    int
	challenge []byte
}

// NewGetChallenge asks for a 4-byte (legacy session) or 8-byte (extended
// mode) challenge.
func NewGetChallenge(s *SAM, length int) (*GetChallenge, error) {
	if length != 4 && length != 8 {
		return nil, fmt.Errorf("%w: challenge length %d, want 4 or 8", ErrIllegalArgument, length)
	}
	apdu := newCommand(s, protocol.InsSamGetChallenge, 0x00, 0x00, nil).
		WithLe(byte(length)).WithName("Get Challenge")
	return &GetChallenge{base: base{apdu: apdu, statuses: getChallengeStatuses}, length: length}, nil
}

func (g *GetChallenge) Apply(_ *SAM, resp protocol.Response) error {
	if err := g.check(resp); err != nil {
		return err
	}
	if len(resp.Data) != g.length {
		return fmt.Errorf("%w: %s: challenge of %d bytes, want %d", ErrUnexpectedResponse, g.Name(), len(resp.Data), g.length)
	}
	g.challenge = slices.Clone(resp.Data)
	return nil
}

func (g *GetChallenge) Challenge() []byte { return slices.Clone(g.challenge) }

var digestInitStatuses = baseStatuses.With(protocol.StatusTable{
	0x6700: {Info: "Incorrect Lc.", Err: ErrIllegalParameter},
	0x6900: {Info: "An event counter cannot be incremented.", Err: ErrCounterOverflow},
	0x6985: {Info: "Preconditions not satisfied.", Err: ErrAccessForbidden},
	0x6A00: {Info: "Incorrect P2.", Err: ErrIllegalParameter},
	0x6A83: {Info: "Record not found: signing key not found.", Err: ErrDataAccess},
})

// DigestInit starts the session digest with the Open Secure Session
// response.
type DigestInit struct {
	base
}

// NewDigestInit builds Digest Init for the work key kif/kvc. verification
// selects the verification mode, extended the Rev3.2 session mode.
func NewDigestInit(s *SAM, verification, extended bool, kif, kvc byte, digestData []byte) (*DigestInit, error) {
	if kif == 0 || kvc == 0 {
		return nil, fmt.Errorf("%w: KIF %02Xh and KVC %02Xh must be set", ErrIllegalArgument, kif, kvc)
	}
	if len(digestData) == 0 {
		return nil, fmt.Errorf("%w: empty digest data", ErrIllegalArgument)
	}
	var p1 protocol.Parameter
	if verification {
		p1++
	}
	if extended {
		p1 += 2
	}
	data := append([]byte{kif, kvc}, digestData...)
	apdu := newCommand(s, protocol.InsSamDigestInit, p1, protocol.ParamFF, data).WithName("Digest Init")
	return &DigestInit{base{apdu: apdu, statuses: digestInitStatuses}}, nil
}

var digestUpdateStatuses = baseStatuses.With(protocol.StatusTable{
	0x6700: {Info: "Lc value not supported.", Err: ErrIllegalParameter},
	0x6985: {Info: "Preconditions not satisfied.", Err: ErrAccessForbidden},
	0x6A80: {Info: "Incorrect value in the incoming data: session in Rev.3.2 mode with encryption/decryption active and not enough data (less than 5 bytes for and odd occurrence or less than 2 bytes for an even occurrence).", Err: ErrIncorrectInputData},
	0x6B00: {Info: "Incorrect P1.", Err: ErrIllegalParameter},
})

// DigestUpdate adds one card command or response to the session digest.
type DigestUpdate struct {
	base
}

func NewDigestUpdate(s *SAM, encryptedSession bool, digestData []byte) (*DigestUpdate, error) {
	if n := len(digestData); n == 0 || n > 255 {
		return nil, fmt.Errorf("%w: digest data length %d out of range 1..255", ErrIllegalArgument, n)
	}
	var p2 protocol.Parameter
	if encryptedSession {
		p2 = 0x80
	}
	apdu := newCommand(s, protocol.InsSamDigestUpdate, 0x00, p2, slices.Clone(digestData)).WithName("Digest Update")
	return &DigestUpdate{base{apdu: apdu, statuses: digestUpdateStatuses}}, nil
}

var digestCloseStatuses = baseStatuses.With(protocol.StatusTable{
	0x6985: {Info: "Preconditions not satisfied.", Err: ErrAccessForbidden},
})

// DigestClose ends the digest and returns the terminal session signature.
type DigestClose struct {
	base
	length    int
	signature []byte
}

func NewDigestClose(s *SAM, expectedLength int) (*DigestClose, error) {
	if expectedLength != 4 && expectedLength != 8 {
		return nil, fmt.Errorf("%w: bad signature length %d, want 4 or 8", ErrIllegalArgument, expectedLength)
	}
	apdu := newCommand(s, protocol.InsSamDigestClose, 0x00, 0x00, nil).
		WithLe(byte(expectedLength)).WithName("Digest Close")
	return &DigestClose{base: base{apdu: apdu, statuses: digestCloseStatuses}, length: expectedLength}, nil
}

func (d *DigestClose) Apply(_ *SAM, resp protocol.Response) error {
	if err := d.check(resp); err != nil {
		return err
	}
	if len(resp.Data) != d.length {
		return fmt.Errorf("%w: %s: signature of %d bytes, want %d", ErrUnexpectedResponse, d.Name(), len(resp.Data), d.length)
	}
	d.signature = slices.Clone(resp.Data)
	return nil
}

func (d *DigestClose) Signature() []byte { return slices.Clone(d.signature) }

var digestAuthenticateStatuses = baseStatuses.With(protocol.StatusTable{
	0x6700: {Info: "Incorrect Lc.", Err: ErrIllegalParameter},
	0x6985: {Info: "Preconditions not satisfied.", Err: ErrAccessForbidden},
	0x6988: {Info: "Incorrect signature.", Err: ErrSecurityData},
})

// DigestAuthenticate checks the card half of the session signature.
type DigestAuthenticate struct {
	base
}

func NewDigestAuthenticate(s *SAM, signature []byte) (*DigestAuthenticate, error) {
	if n := len(signature); n != 4 && n != 8 && n != 16 {
		return nil, fmt.Errorf("%w: bad signature length %d", ErrIllegalArgument, n)
	}
	apdu := newCommand(s, protocol.InsSamDigestAuthenticate, 0x00, 0x00, slices.Clone(signature)).
		WithName("Digest Authenticate")
	return &DigestAuthenticate{base{apdu: apdu, statuses: digestAuthenticateStatuses}}, nil
}

var giveRandomStatuses = baseStatuses.With(protocol.StatusTable{
	0x6700: {Info: "Incorrect Lc.", Err: ErrIllegalParameter},
})

// GiveRandom passes the card challenge to the SAM before a ciphering
// command.
type GiveRandom struct {
	base
}

func NewGiveRandom(s *SAM, random []byte) (*GiveRandom, error) {
	if len(random) != 8 {
		return nil, fmt.Errorf("%w: random of %d bytes, want 8", ErrIllegalArgument, len(random))
	}
	apdu := newCommand(s, protocol.InsSamGiveRandom, 0x00, 0x00, slices.Clone(random)).WithName("Give Random")
	return &GiveRandom{base{apdu: apdu, statuses: giveRandomStatuses}}, nil
}
