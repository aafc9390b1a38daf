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

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/protocol"
)

// Command is a card command: the APDU to send and the logic applying its
// response to the card image.
type Command interface {
	Name() string
	APDU() protocol.Command
	// UsesSessionBuffer reports whether the command consumes space in the
	// modifications buffer of a secure session.
	UsesSessionBuffer() bool
	// Apply checks the status of resp and updates c. Read commands run
	// outside a secure session tolerate "file not found" and "record not
	// found".
	Apply(c *Card, resp protocol.Response, inSession bool) error
}

// Anticipator is implemented by commands whose response can be computed in
// advance from the card image, so that they may be sent along with Close
// Secure Session.
type Anticipator interface {
	AnticipatedResponse(c *Card) (protocol.Response, error)
}

// Skipper is implemented by every command. Skipped reports whether the last
// response was a "file not found" or "record not found" tolerated outside a
// secure session.
type Skipper interface {
	Skipped() bool
}

// ErrNoAnticipatedResponse is returned by AnticipatedResponse when the
// cached card image is not enough to predict the response.
var ErrNoAnticipatedResponse = errors.New("card: response cannot be anticipated")

// ApplyResponses applies resps to c in order. It fails if resps has fewer
// entries than cmds, after applying the ones received.
func ApplyResponses(c *Card, cmds []Command, resps []protocol.Response, inSession bool) error {
	for i, cmd := range cmds {
		if i >= len(resps) {
			return fmt.Errorf("%w: %d commands sent, %d responses received", protocol.ErrCardCommunication, len(cmds), len(resps))
		}
		if err := cmd.Apply(c, resps[i], inSession); err != nil {
			return err
		}
	}
	return nil
}

// APDUs extracts the APDUs of cmds.
func APDUs(cmds []Command) []protocol.Command {
	out := make([]protocol.Command, len(cmds))
	for i, cmd := range cmds {
		out[i] = cmd.APDU()
	}
	return out
}

// base holds what every command shares.
type base struct {
	apdu     protocol.Command
	statuses protocol.StatusTable
	skipped  bool
}

func (b *base) Name() string            { return b.apdu.Name() }
func (b *base) APDU() protocol.Command  { return b.apdu }
func (b *base) UsesSessionBuffer() bool { return false }
func (b *base) Skipped() bool           { return b.skipped }

func (b *base) check(resp protocol.Response) error {
	return b.statuses.Check(b.apdu, resp)
}

// checkBestEffort is check for reads: outside a session, file and record not
// found are reported as ok=false instead of an error.
func (b *base) checkBestEffort(resp protocol.Response, inSession bool) (ok bool, err error) {
	b.skipped = false
	err = b.check(resp)
	if err == nil {
		return true, nil
	}
	if !inSession && errors.Is(err, ErrDataAccess) && (resp.SW == 0x6A82 || resp.SW == 0x6A83) {
		b.skipped = true
		return false, nil
	}
	return false, err
}

// Status tables shared by several commands.
var (
	readStatuses = protocol.NewStatusTable().With(protocol.StatusTable{
		0x6981: {Info: "Command forbidden on binary files", Err: ErrDataAccess},
		0x6982: {Info: "Security conditions not fulfilled (PIN code not presented, encryption required)", Err: ErrSecurityContext},
		0x6985: {Info: "Access forbidden (Never access mode, stored value log file and a stored value operation was done during the current session)", Err: ErrAccessForbidden},
		0x6986: {Info: "Command not allowed (no current EF)", Err: ErrDataAccess},
		0x6A82: {Info: "File not found", Err: ErrDataAccess},
		0x6A83: {Info: "Record not found (record index is 0, or above NumRec)", Err: ErrDataAccess},
		0x6B00: {Info: "P2 value not supported", Err: ErrIllegalParameter},
	})

	writeStatuses = protocol.NewStatusTable().With(protocol.StatusTable{
		0x6400: {Info: "Too many modifications in session", Err: ErrSessionBufferOverflow},
		0x6700: {Info: "Lc value not supported", Err: ErrDataAccess},
		0x6981: {Info: "Command forbidden on cyclic files when the record exists and is not record 01h and on binary files", Err: ErrDataAccess},
		0x6982: {Info: "Security conditions not fulfilled (no session, wrong key, encryption required)", Err: ErrSecurityContext},
		0x6985: {Info: "Access forbidden (Never access mode, DF is invalidated, etc..)", Err: ErrAccessForbidden},
		0x6986: {Info: "Command not allowed (no current EF)", Err: ErrDataAccess},
		0x6A82: {Info: "File not found", Err: ErrDataAccess},
		0x6A83: {Info: "Record is not found (record index is 0 or above NumRec)", Err: ErrDataAccess},
		0x6B00: {Info: "P2 value not supported", Err: ErrIllegalParameter},
	})

	keyStatuses = protocol.NewStatusTable().With(protocol.StatusTable{
		0x6700: {Info: "Lc value not supported (not 04h, 10h, 18h, 20h)", Err: ErrIllegalParameter},
		0x6900: {Info: "Transaction Counter is 0", Err: ErrTerminated},
		0x6982: {Info: "Security conditions not fulfilled (Get Challenge not done: challenge unavailable)", Err: ErrSecurityContext},
		0x6985: {Info: "Access forbidden (a session is open or DF is invalidated)", Err: ErrAccessForbidden},
		0x6988: {Info: "Incorrect Cryptogram", Err: ErrSecurityData},
		0x6A80: {Info: "Decrypted message incorrect (key algorithm not supported, incorrect padding, etc.)", Err: ErrSecurityData},
		0x6A87: {Info: "Lc not compatible with P2", Err: ErrIllegalParameter},
		0x6B00: {Info: "Incorrect P1 or P2", Err: ErrIllegalParameter},
	})
)

func checkSFI(sfi byte) error {
	if sfi > SFIMax {
		return fmt.Errorf("%w: SFI %d out of range", ErrIllegalArgument, sfi)
	}
	return nil
}

func checkRecordNumber(n int) error {
	if n < RecordNumberMin || n > RecordNumberMax {
		return fmt.Errorf("%w: record number %d out of range", ErrIllegalArgument, n)
	}
	return nil
}

// sfiP2 computes P2 of record commands: SFI in the 5 high bits, the low bits
// given, or the current EF when sfi is 0.
func sfiP2(sfi byte, low byte) protocol.Parameter {
	if sfi == 0 {
		return protocol.Parameter(low)
	}
	return protocol.Parameter(sfi<<3 | low)
}
