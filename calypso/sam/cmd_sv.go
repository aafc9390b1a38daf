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

const svGetHeaderLength = 4

var svPrepareStatuses = baseStatuses.With(protocol.StatusTable{
	0x6700: {Info: "Lc value not supported.", Err: ErrIllegalParameter},
	0x6985: {Info: "Preconditions not satisfied.", Err: ErrAccessForbidden},
	0x6A00: {Info: "Incorrect P1 or P2", Err: ErrIllegalParameter},
	0x6A80: {Info: "Incorrect incoming data.", Err: ErrIncorrectInputData},
	0x6A83: {Info: "Record not found: ciphering key not found", Err: ErrDataAccess},
})

// SvPrepare is SV Prepare Load, Debit or Undebit. It computes the data that
// completes the card SV command.
type SvPrepare struct {
	base
	serial []byte
	out    []byte
}

// NewSvPrepareLoad prepares an SV Reload from the SV Get header and
// response and the reload data built by the card command.
func NewSvPrepareLoad(s *SAM, svGetHeader, svGetData, svCommandData []byte) (*SvPrepare, error) {
	return newSvPrepare(s, protocol.InsSamSvPrepareLoad, "SV Prepare Load", svGetHeader, svGetData, svCommandData)
}

// NewSvPrepareDebit prepares an SV Debit, or an SV Undebit when undebit is
// set.
func NewSvPrepareDebit(s *SAM, undebit bool, svGetHeader, svGetData, svCommandData []byte) (*SvPrepare, error) {
	if undebit {
		return newSvPrepare(s, protocol.InsSamSvPrepareUndebit, "SV Prepare Undebit", svGetHeader, svGetData, svCommandData)
	}
	return newSvPrepare(s, protocol.InsSamSvPrepareDebit, "SV Prepare Debit", svGetHeader, svGetData, svCommandData)
}

func newSvPrepare(s *SAM, ins protocol.Instruction, name string, header, getData, cmdData []byte) (*SvPrepare, error) {
	if len(header) != svGetHeaderLength {
		return nil, fmt.Errorf("%w: SV Get header of %d bytes, want %d", ErrIllegalArgument, len(header), svGetHeaderLength)
	}
	if len(getData) == 0 || len(cmdData) == 0 {
		return nil, fmt.Errorf("%w: missing SV Get or SV command data", ErrIllegalArgument)
	}
	data := make([]byte, 0, len(header)+len(getData)+len(cmdData))
	data = append(data, header...)
	data = append(data, getData...)
	data = append(data, cmdData...)
	apdu := newCommand(s, ins, 0x01, protocol.ParamFF, data).WithName(name)
	return &SvPrepare{base: base{apdu: apdu, statuses: svPrepareStatuses}, serial: s.SerialNumber()}, nil
}

func (p *SvPrepare) Apply(_ *SAM, resp protocol.Response) error {
	if err := p.check(resp); err != nil {
		return err
	}
	p.out = slices.Clone(resp.Data)
	return nil
}

// ComplementaryData returns what the card SV command is finalized with: the
// SAM serial number followed by the SAM response.
func (p *SvPrepare) ComplementaryData() []byte {
	return append(slices.Clone(p.serial), p.out...)
}

var svCheckStatuses = baseStatuses.With(protocol.StatusTable{
	0x6700: {Info: "Incorrect Lc.", Err: ErrIllegalParameter},
	0x6985: {Info: "No active SV transaction.", Err: ErrAccessForbidden},
	0x6988: {Info: "Incorrect SV signature.", Err: ErrSecurityData},
})

// SvCheck authenticates the SV signature returned by the card. Without a
// signature it cancels the pending SV transaction.
type SvCheck struct {
	base
}

func NewSvCheck(s *SAM, cardSignature []byte) (*SvCheck, error) {
	if n := len(cardSignature); n != 0 && n != 3 && n != 6 {
		return nil, fmt.Errorf("%w: SV card signature of %d bytes", ErrIllegalArgument, n)
	}
	name := "SV Check"
	if len(cardSignature) == 0 {
		name = "SV Check (abort)"
	}
	apdu := newCommand(s, protocol.InsSamSvCheck, 0x00, 0x00, slices.Clone(cardSignature)).WithName(name)
	return &SvCheck{base{apdu: apdu, statuses: svCheckStatuses}}, nil
}
