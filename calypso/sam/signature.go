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
)

const (
	signedDataMax           = 208
	signedDataTraceMax      = 206
	signatureSizeMax        = 8
	defaultSignatureSize    = 8
	traceSerialBits         = 8 * 8
	tracePartialSerialBits  = 7 * 8
	keyDiversifierLengthMax = 8
)

// signatureParams are the settings shared by signature computation and
// verification.
type signatureParams struct {
	kif, kvc       byte
	data           []byte
	keyDiversifier []byte
	traceability   bool
	traceOffset    int
	partialSerial  bool
	busy           bool
}

func (p *signatureParams) validate() error {
	maxLen := signedDataMax
	if p.traceability {
		maxLen = signedDataTraceMax
	}
	if n := len(p.data); n < 1 || n > maxLen {
		return fmt.Errorf("%w: data length %d out of range 1..%d", ErrIllegalArgument, n, maxLen)
	}
	if p.traceability {
		bits := traceSerialBits
		if p.partialSerial {
			bits = tracePartialSerialBits
		}
		if limit := len(p.data)*8 - bits; p.traceOffset < 0 || p.traceOffset > limit {
			return fmt.Errorf("%w: traceability offset %d out of range 0..%d", ErrIllegalArgument, p.traceOffset, limit)
		}
	}
	if n := len(p.keyDiversifier); p.keyDiversifier != nil && (n < 1 || n > keyDiversifierLengthMax) {
		return fmt.Errorf("%w: key diversifier length %d out of range 1..%d", ErrIllegalArgument, n, keyDiversifierLengthMax)
	}
	return nil
}

// opMode is the OpMode byte of PSO Compute and Verify Signature.
func (p *signatureParams) opMode(signatureSize int) byte {
	var mode byte
	if p.traceability {
		if p.partialSerial {
			mode |= 4
		} else {
			mode |= 6
		}
	}
	if p.busy {
		mode |= 8
	}
	return mode<<4 | byte(signatureSize)
}

// header returns SignKeyNum, SignKeyRef, OpMode and the optional trace
// offset.
func (p *signatureParams) header(signatureSize int) []byte {
	h := []byte{0xFF, p.kif, p.kvc, p.opMode(signatureSize)}
	if p.traceability {
		h = append(h, byte(p.traceOffset>>8), byte(p.traceOffset))
	}
	return h
}

// SignatureComputationData holds the input and, once processed, the output
// of a PSO Compute Signature.
type SignatureComputationData struct {
	signatureParams
	signatureSize int

	processed  bool
	signedData []byte
	signature  []byte
}

// NewSignatureComputationData signs data with the key kif/kvc. The
// signature is 8 bytes and busy mode is on unless changed.
func NewSignatureComputationData(data []byte, kif, kvc byte) *SignatureComputationData {
	return &SignatureComputationData{
		signatureParams: signatureParams{kif: kif, kvc: kvc, data: slices.Clone(data), busy: true},
		signatureSize:   defaultSignatureSize,
	}
}

func (d *SignatureComputationData) WithSignatureSize(n int) *SignatureComputationData {
	d.signatureSize = n
	return d
}

// WithKeyDiversifier diversifies the signing key with b instead of the SAM
// default diversifier.
func (d *SignatureComputationData) WithKeyDiversifier(b []byte) *SignatureComputationData {
	d.keyDiversifier = slices.Clone(b)
	return d
}

// WithSAMTraceabilityMode makes the SAM insert its serial number and
// counter at bit offset in the data before signing it.
func (d *SignatureComputationData) WithSAMTraceabilityMode(offset int, partialSerial bool) *SignatureComputationData {
	d.traceability = true
	d.traceOffset = offset
	d.partialSerial = partialSerial
	return d
}

func (d *SignatureComputationData) WithoutBusyMode() *SignatureComputationData {
	d.busy = false
	return d
}

func (d *SignatureComputationData) Validate() error {
	if d.signatureSize < 1 || d.signatureSize > signatureSizeMax {
		return fmt.Errorf("%w: signature size %d out of range 1..%d", ErrIllegalArgument, d.signatureSize, signatureSizeMax)
	}
	return d.validate()
}

func (d *SignatureComputationData) KeyDiversifier() []byte { return slices.Clone(d.keyDiversifier) }

// SignedData returns the data actually signed, which includes the SAM
// traceability information in traceability mode.
func (d *SignatureComputationData) SignedData() ([]byte, error) {
	if !d.processed {
		return nil, ErrNotProcessed
	}
	return slices.Clone(d.signedData), nil
}

func (d *SignatureComputationData) Signature() ([]byte, error) {
	if !d.processed {
		return nil, ErrNotProcessed
	}
	return slices.Clone(d.signature), nil
}

// SignatureVerificationData holds the input and, once processed, the
// result of a PSO Verify Signature.
type SignatureVerificationData struct {
	signatureParams
	signature []byte

	processed bool
	valid     bool
}

func NewSignatureVerificationData(data, signature []byte, kif, kvc byte) *SignatureVerificationData {
	return &SignatureVerificationData{
		signatureParams: signatureParams{kif: kif, kvc: kvc, data: slices.Clone(data), busy: true},
		signature:       slices.Clone(signature),
	}
}

func (d *SignatureVerificationData) WithKeyDiversifier(b []byte) *SignatureVerificationData {
	d.keyDiversifier = slices.Clone(b)
	return d
}

// WithSAMTraceabilityMode tells the SAM where the traceability information
// of the signing SAM lies in the data.
func (d *SignatureVerificationData) WithSAMTraceabilityMode(offset int, partialSerial bool) *SignatureVerificationData {
	d.traceability = true
	d.traceOffset = offset
	d.partialSerial = partialSerial
	return d
}

func (d *SignatureVerificationData) WithoutBusyMode() *SignatureVerificationData {
	d.busy = false
	return d
}

func (d *SignatureVerificationData) Validate() error {
	if n := len(d.signature); n < 1 || n > signatureSizeMax {
		return fmt.Errorf("%w: signature size %d out of range 1..%d", ErrIllegalArgument, n, signatureSizeMax)
	}
	return d.validate()
}

func (d *SignatureVerificationData) KeyDiversifier() []byte { return slices.Clone(d.keyDiversifier) }

// IsSignatureValid reports the verification result.
func (d *SignatureVerificationData) IsSignatureValid() (bool, error) {
	if !d.processed {
		return false, ErrNotProcessed
	}
	return d.valid, nil
}
