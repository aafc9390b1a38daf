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
	"errors"
	"fmt"
	"slices"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/protocol"
)

var verifyPinStatuses = protocol.NewStatusTable().With(protocol.StatusTable{
	0x6700: {Info: "Lc value not supported (only 00h, 04h or 08h are supported)", Err: ErrIllegalParameter},
	0x6900: {Info: "Transaction Counter is 0", Err: ErrTerminated},
	0x6982: {Info: "Security conditions not fulfilled (Get Challenge not done: challenge unavailable)", Err: ErrSecurityContext},
	0x6985: {Info: "Access forbidden (a session is open or DF is invalidated)", Err: ErrAccessForbidden},
	0x63C1: {Info: "Incorrect PIN (1 attempt remaining)", Err: ErrPIN},
	0x63C2: {Info: "Incorrect PIN (2 attempt remaining)", Err: ErrPIN},
	0x6983: {Info: "Presentation rejected (PIN is blocked)", Err: ErrPIN},
	0x6D00: {Info: "PIN function not present", Err: ErrIllegalParameter},
})

// VerifyPin presents the PIN, or reads the attempt counter when built with
// NewVerifyPinReadCounter.
type VerifyPin struct {
	base
	readCounterOnly bool
	attempts        int
}

// NewVerifyPin presents a plain 4-byte PIN or an 8-byte ciphered PIN.
func NewVerifyPin(c *Card, encrypted bool, pin []byte) (*VerifyPin, error) {
	want := PINLength
	if encrypted {
		want = 8
	}
	if len(pin) != want {
		return nil, fmt.Errorf("%w: PIN data of %d bytes, want %d", ErrIllegalArgument, len(pin), want)
	}
	apdu := protocol.NewCommand(c.Class(), protocol.InsVerifyPIN, 0x00, 0x00, slices.Clone(pin)).
		WithName("Verify PIN")
	return &VerifyPin{base: base{apdu: apdu, statuses: verifyPinStatuses}}, nil
}

// NewVerifyPinReadCounter reads the remaining PIN attempts.
func NewVerifyPinReadCounter(c *Card) *VerifyPin {
	apdu := protocol.NewCommand(c.Class(), protocol.InsVerifyPIN, 0x00, 0x00, nil).
		WithName("Check PIN status")
	return &VerifyPin{base: base{apdu: apdu, statuses: verifyPinStatuses}, readCounterOnly: true}
}

func (v *VerifyPin) Apply(c *Card, resp protocol.Response, inSession bool) error {
	err := v.check(resp)
	if err != nil && !errors.Is(err, ErrPIN) {
		return err
	}
	if v.readCounterOnly {
		err = nil
	}
	switch resp.SW {
	case 0x6983:
		v.attempts = 0
	case 0x63C1:
		v.attempts = 1
	case 0x63C2:
		v.attempts = 2
	case 0x9000:
		v.attempts = 3
	default:
		return fmt.Errorf("%w: %s: incorrect status word %04Xh", ErrIllegalArgument, v.Name(), resp.SW)
	}
	c.setPINAttemptsRemaining(v.attempts)
	// A wrong PIN is still an error once the counter is recorded.
	return err
}

// RemainingAttempts returns the attempt counter decoded by Apply.
func (v *VerifyPin) RemainingAttempts() int { return v.attempts }

var changePinStatuses = keyStatuses.With(protocol.StatusTable{
	0x6700: {Info: "Lc value not supported (not 04h, 10h, 18h, 20h)", Err: ErrIllegalParameter},
	0x6B00: {Info: "Incorrect P2 (not FFh)", Err: ErrIllegalParameter},
})

// ChangePin sets a new PIN, plain (4 bytes) or ciphered (16 bytes).
type ChangePin struct {
	base
}

func NewChangePin(c *Card, newPin []byte) (*ChangePin, error) {
	if n := len(newPin); n != 0x04 && n != 0x10 {
		return nil, fmt.Errorf("%w: bad PIN data length %d", ErrIllegalArgument, n)
	}
	apdu := protocol.NewCommand(c.Class(), protocol.InsChangePIN, 0x00, protocol.ParamFF, slices.Clone(newPin)).
		WithName("Change PIN")
	return &ChangePin{base{apdu: apdu, statuses: changePinStatuses}}, nil
}

func (p *ChangePin) Apply(c *Card, resp protocol.Response, inSession bool) error {
	return p.check(resp)
}

// ChangeKey replaces one of the three DF keys with a SAM computed cryptogram.
type ChangeKey struct {
	base
}

func NewChangeKey(c *Card, keyIndex byte, cryptogram []byte) (*ChangeKey, error) {
	if keyIndex < 1 || keyIndex > 3 {
		return nil, fmt.Errorf("%w: key index %d", ErrIllegalArgument, keyIndex)
	}
	if len(cryptogram) == 0 {
		return nil, fmt.Errorf("%w: empty cryptogram", ErrIllegalArgument)
	}
	apdu := protocol.NewCommand(c.Class(), protocol.InsChangeKey, 0x00, protocol.Parameter(keyIndex), slices.Clone(cryptogram)).
		WithName(fmt.Sprintf("Change Key %d", keyIndex))
	return &ChangeKey{base{apdu: apdu, statuses: keyStatuses}}, nil
}

func (k *ChangeKey) Apply(c *Card, resp protocol.Response, inSession bool) error {
	return k.check(resp)
}
