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
	"errors"
	"fmt"
	"slices"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/protocol"
)

var psoComputeStatuses = baseStatuses.With(protocol.StatusTable{
	0x6700: {Info: "Incorrect Lc.", Err: ErrIllegalParameter},
	0x6900: {Info: "An event counter cannot be incremented.", Err: ErrCounterOverflow},
	0x6985: {Info: "Preconditions not satisfied.", Err: ErrAccessForbidden},
	0x6A80: {Info: "Incorrect value in the incoming data.", Err: ErrIncorrectInputData},
	0x6A83: {Info: "Record not found: signing key not found.", Err: ErrDataAccess},
	0x6B00: {Info: "Incorrect P1 or P2.", Err: ErrIllegalParameter},
})

// PSOComputeSignature signs the data of a SignatureComputationData.
type PSOComputeSignature struct {
	base
	data *SignatureComputationData
}

func NewPSOComputeSignature(s *SAM, d *SignatureComputationData) (*PSOComputeSignature, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	in := append(d.header(d.signatureSize), d.data...)
	apdu := newCommand(s, protocol.InsSamPSOComputeSignature, 0x9E, 0x9A, in).WithName("PSO Compute Signature")
	return &PSOComputeSignature{base: base{apdu: apdu, statuses: psoComputeStatuses}, data: d}, nil
}

func (p *PSOComputeSignature) Apply(_ *SAM, resp protocol.Response) error {
	if err := p.check(resp); err != nil {
		return err
	}
	out := resp.Data
	d := p.data
	if len(out) < d.signatureSize || (d.traceability && len(out) < len(d.data)+d.signatureSize) {
		return fmt.Errorf("%w: %s: response of %d bytes", ErrUnexpectedResponse, p.Name(), len(out))
	}
	if d.traceability {
		d.signedData = slices.Clone(out[:len(d.data)])
	} else {
		d.signedData = slices.Clone(d.data)
	}
	d.signature = slices.Clone(out[len(out)-d.signatureSize:])
	d.processed = true
	return nil
}

var psoVerifyStatuses = baseStatuses.With(protocol.StatusTable{
	0x6982: {Info: "Busy status: the command is temporarily unavailable.", Err: ErrSecurityContext},
	0x6985: {Info: "Preconditions not satisfied.", Err: ErrAccessForbidden},
	0x6988: {Info: "Incorrect signature.", Err: ErrSecurityData},
	0x6A80: {Info: "Incorrect parameters in incoming data.", Err: ErrIncorrectInputData},
	0x6A83: {Info: "Record not found: signing key not found.", Err: ErrDataAccess},
	0x6B00: {Info: "Incorrect P1 or P2.", Err: ErrIllegalParameter},
})

// PSOVerifySignature checks the signature of a SignatureVerificationData.
type PSOVerifySignature struct {
	base
	data *SignatureVerificationData
}

func NewPSOVerifySignature(s *SAM, d *SignatureVerificationData) (*PSOVerifySignature, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	in := d.header(len(d.signature))
	in = append(in, d.data...)
	in = append(in, d.signature...)
	apdu := newCommand(s, protocol.InsSamPSOVerifySignature, 0x00, 0xA8, in).WithName("PSO Verify Signature")
	return &PSOVerifySignature{base: base{apdu: apdu, statuses: psoVerifyStatuses}, data: d}, nil
}

// Apply records the verification result. An incorrect signature is
// recorded and returned as an error wrapping ErrSecurityData.
func (p *PSOVerifySignature) Apply(_ *SAM, resp protocol.Response) error {
	err := p.check(resp)
	switch {
	case err == nil:
		p.data.valid = true
		p.data.processed = true
	case errors.Is(err, ErrSecurityData):
		p.data.valid = false
		p.data.processed = true
	}
	return err
}
