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

// Package sam models a Calypso SAM and the commands a terminal sends to it
// to authenticate card sessions, prepare stored value operations and
// compute or verify signatures.
package sam

import (
	"encoding/hex"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/protocol"
)

type ProductType int

const (
	ProductUnknown ProductType = iota
	ProductC1
	ProductS1DX
	ProductS1E1
	ProductCSAMF
)

func (p ProductType) String() string {
	switch p {
	case ProductUnknown:
		return "UNKNOWN"
	case ProductC1:
		return "SAM_C1"
	case ProductS1DX:
		return "SAM_S1DX"
	case ProductS1E1:
		return "SAM_S1E1"
	case ProductCSAMF:
		return "CSAM_F"
	default:
		return fmt.Sprintf("ProductType(%d)", int(p))
	}
}

// Class returns the class byte of the commands sent to a SAM of type p.
func (p ProductType) Class() protocol.Class {
	if p == ProductS1DX {
		return protocol.ClassLegacy
	}
	return protocol.ClassSAM
}

// MaxDigestDataLength is the largest digest data a single Digest Update
// Multiple may carry, 0 when unknown.
func (p ProductType) MaxDigestDataLength() int {
	switch p {
	case ProductC1:
		return 255
	case ProductS1DX:
		return 70
	case ProductS1E1:
		return 240
	case ProductCSAMF:
		return 247
	default:
		return 0
	}
}

var atrPattern = regexp.MustCompile("^3B(.{6}|.{10})805A(.{20})829000$")

// SAM is the image of a Calypso SAM, built from its power-on data and
// completed by the responses to the counter and ceiling reading commands.
// A SAM is not safe for concurrent use.
type SAM struct {
	powerOnData []byte
	productType ProductType

	platform           byte
	applicationType    byte
	applicationSubtype byte
	softwareIssuer     byte
	softwareVersion    byte
	softwareRevision   byte
	serial             []byte

	eventCounters map[int]int
	eventCeilings map[int]int
}

// New builds a SAM from its ATR. An ATR that does not follow the Calypso
// SAM layout gives a SAM of type ProductUnknown with no startup
// information.
func New(atr []byte) *SAM {
	s := &SAM{
		powerOnData:   slices.Clone(atr),
		serial:        make([]byte, 4),
		eventCounters: make(map[int]int),
		eventCeilings: make(map[int]int),
	}
	m := atrPattern.FindStringSubmatch(strings.ToUpper(hex.EncodeToString(atr)))
	if m == nil {
		return s
	}
	info, err := hex.DecodeString(m[2])
	if err != nil {
		return s
	}
	s.platform = info[0]
	s.applicationType = info[1]
	s.applicationSubtype = info[2]
	s.softwareIssuer = info[3]
	s.softwareVersion = info[4]
	s.softwareRevision = info[5]
	copy(s.serial, info[6:10])
	switch s.applicationSubtype {
	case 0xC1:
		s.productType = ProductC1
	case 0xD0, 0xD1, 0xD2:
		s.productType = ProductS1DX
	case 0xE1:
		s.productType = ProductS1E1
	}
	return s
}

func (s *SAM) PowerOnData() []byte      { return slices.Clone(s.powerOnData) }
func (s *SAM) ProductType() ProductType { return s.productType }
func (s *SAM) Class() protocol.Class    { return s.productType.Class() }
func (s *SAM) SerialNumber() []byte     { return slices.Clone(s.serial) }
func (s *SAM) Platform() byte           { return s.platform }
func (s *SAM) ApplicationType() byte    { return s.applicationType }
func (s *SAM) ApplicationSubtype() byte { return s.applicationSubtype }
func (s *SAM) SoftwareIssuer() byte     { return s.softwareIssuer }
func (s *SAM) SoftwareVersion() byte    { return s.softwareVersion }
func (s *SAM) SoftwareRevision() byte   { return s.softwareRevision }

// EventCounter returns the value of counter n, if it was read.
func (s *SAM) EventCounter(n int) (int, bool) {
	v, ok := s.eventCounters[n]
	return v, ok
}

func (s *SAM) EventCounters() map[int]int { return maps.Clone(s.eventCounters) }

// EventCeiling returns the value of ceiling n, if it was read.
func (s *SAM) EventCeiling(n int) (int, bool) {
	v, ok := s.eventCeilings[n]
	return v, ok
}

func (s *SAM) EventCeilings() map[int]int { return maps.Clone(s.eventCeilings) }

func (s *SAM) String() string {
	return fmt.Sprintf("SAM{type: %s, serial: %X, platform: %02X, software: %02X.%02X.%02X}",
		s.productType, s.serial, s.platform, s.softwareIssuer, s.softwareVersion, s.softwareRevision)
}

func unsigned(b []byte) int {
	var v int
	for _, x := range b {
		v = v<<8 | int(x)
	}
	return v
}
