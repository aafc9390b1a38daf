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

const pinLength = 4

// ciphered is embedded by the commands returning data computed by the SAM.
type ciphered struct {
	base
	out []byte
}

func (c *ciphered) Apply(_ *SAM, resp protocol.Response) error {
	if err := c.check(resp); err != nil {
		return err
	}
	if len(resp.Data) == 0 {
		return fmt.Errorf("%w: %s: no data in response", ErrUnexpectedResponse, c.Name())
	}
	c.out = slices.Clone(resp.Data)
	return nil
}

// CipheredData returns the cryptogram computed by the SAM.
func (c *ciphered) CipheredData() []byte { return slices.Clone(c.out) }

var cardGenerateKeyStatuses = baseStatuses.With(protocol.StatusTable{
	0x6700: {Info: "Incorrect Lc.", Err: ErrIllegalParameter},
	0x6985: {Info: "Preconditions not satisfied.", Err: ErrAccessForbidden},
	0x6A00: {Info: "Incorrect P1 or P2", Err: ErrIllegalParameter},
	0x6A80: {Info: "Incorrect incoming data: unknown or incorrect format", Err: ErrIncorrectInputData},
	0x6A83: {Info: "Record not found: ciphering key or key to cipher not found", Err: ErrDataAccess},
})

// CardGenerateKey computes the Change Key cryptogram of the source key,
// ciphered with the ciphering key. A zero ciphering KIF and KVC selects the
// null key.
type CardGenerateKey struct {
	ciphered
}

func NewCardGenerateKey(s *SAM, cipheringKIF, cipheringKVC, sourceKIF, sourceKVC byte) *CardGenerateKey {
	var (
		p2   protocol.Parameter = 0xFF
		data []byte
	)
	if cipheringKIF == 0 && cipheringKVC == 0 {
		p2 = 0x00
		data = []byte{sourceKIF, sourceKVC, 0x90}
	} else {
		data = []byte{cipheringKIF, cipheringKVC, sourceKIF, sourceKVC, 0x90}
	}
	apdu := newCommand(s, protocol.InsSamCardGenerateKey, protocol.ParamFF, p2, data).WithName("Card Generate Key")
	return &CardGenerateKey{ciphered{base: base{apdu: apdu, statuses: cardGenerateKeyStatuses}}}
}

var cardCipherPinStatuses = baseStatuses.With(protocol.StatusTable{
	0x6700: {Info: "Incorrect Lc.", Err: ErrIllegalParameter},
	0x6900: {Info: "An event counter cannot be incremented.", Err: ErrCounterOverflow},
	0x6985: {Info: "Preconditions not satisfied.", Err: ErrAccessForbidden},
	0x6A00: {Info: "Incorrect P1 or P2", Err: ErrIllegalParameter},
	0x6A83: {Info: "Record not found: ciphering key not found", Err: ErrDataAccess},
})

// CardCipherPin ciphers the current PIN for Verify PIN, or the current and
// new PIN for Change PIN when newPIN is set.
type CardCipherPin struct {
	ciphered
}

func NewCardCipherPin(s *SAM, kif, kvc byte, currentPIN, newPIN []byte) (*CardCipherPin, error) {
	if len(currentPIN) != pinLength {
		return nil, fmt.Errorf("%w: current PIN of %d bytes, want %d", ErrIllegalArgument, len(currentPIN), pinLength)
	}
	if newPIN != nil && len(newPIN) != pinLength {
		return nil, fmt.Errorf("%w: new PIN of %d bytes, want %d", ErrIllegalArgument, len(newPIN), pinLength)
	}
	var (
		p1   protocol.Parameter = 0x80
		data = make([]byte, 6, 10)
	)
	data[0], data[1] = kif, kvc
	copy(data[2:6], currentPIN)
	if newPIN != nil {
		p1 = 0x40
		data = append(data, newPIN...)
	}
	apdu := newCommand(s, protocol.InsSamCardCipherPIN, p1, protocol.ParamFF, data).WithName("Card Cipher PIN")
	return &CardCipherPin{ciphered{base: base{apdu: apdu, statuses: cardCipherPinStatuses}}}, nil
}

var unlockStatuses = baseStatuses.With(protocol.StatusTable{
	0x6700: {Info: "Incorrect Lc.", Err: ErrIllegalParameter},
	0x6985: {Info: "Preconditions not satisfied (SAM not locked?).", Err: ErrAccessForbidden},
	0x6988: {Info: "Incorrect UnlockData.", Err: ErrSecurityData},
})

// Unlock unlocks a SAM locked by its issuer.
type Unlock struct {
	base
}

func NewUnlock(s *SAM, unlockData []byte) (*Unlock, error) {
	if n := len(unlockData); n != 8 && n != 16 {
		return nil, fmt.Errorf("%w: unlock data of %d bytes, want 8 or 16", ErrIllegalArgument, n)
	}
	apdu := newCommand(s, protocol.InsSamUnlock, 0x00, 0x00, slices.Clone(unlockData)).WithName("Unlock")
	return &Unlock{base{apdu: apdu, statuses: unlockStatuses}}, nil
}
