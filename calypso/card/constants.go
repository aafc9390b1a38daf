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

import "fmt"

const (
	SFIMin = 0
	SFIMax = 30

	RecordNumberMin = 1
	RecordNumberMax = 250

	CounterNumberMin = 1
	CounterNumberMax = 83

	CounterValueMax = 0xFFFFFF

	OffsetMax       = 249
	OffsetBinaryMax = 0x7FFF

	DataLengthMin = 1
	DataLengthMax = 250

	PINLength = 4

	StoredValueFileStructureID byte = 0x20
	SvReloadLogFileSFI         byte = 0x14
	SvReloadLogFileRecords          = 1
	SvDebitLogFileSFI          byte = 0x15
	SvDebitLogFileRecords           = 3
	SvLogFileRecordLength           = 29

	PayloadCapacity = 250
)

// File types in the proprietary information of a select file response.
const (
	fileTypeMF = 1
	fileTypeDF = 2
	fileTypeEF = 4
)

// Offsets in the 23-byte proprietary information (tag 85).
const (
	selSFIOffset      = 0
	selTypeOffset     = 1
	selEFTypeOffset   = 2
	selRecSizeOffset  = 3
	selNumRecOffset   = 4
	selACOffset       = 5
	selACLength       = 4
	selNKeyOffset     = 9
	selNKeyLength     = 4
	selDFStatusOffset = 13
	selKVCsOffset     = 14
	selKIFsOffset     = 17
	selDataRefOffset  = 14
	selLIDOffset      = 21

	proprietaryInformationLength = 23
)

type ProductType int

const (
	ProductUnknown ProductType = iota
	ProductPrimeRevision1
	ProductPrimeRevision2
	ProductPrimeRevision3
	ProductLight
	ProductBasic
)

func (p ProductType) String() string {
	switch p {
	case ProductPrimeRevision1:
		return "PRIME_REVISION_1"
	case ProductPrimeRevision2:
		return "PRIME_REVISION_2"
	case ProductPrimeRevision3:
		return "PRIME_REVISION_3"
	case ProductLight:
		return "LIGHT"
	case ProductBasic:
		return "BASIC"
	default:
		return "UNKNOWN"
	}
}

// EFType is the structure of an elementary file. The values are the ones
// found in the card's file descriptors.
type EFType byte

const (
	EFBinary            EFType = 1
	EFLinear            EFType = 2
	EFCyclic            EFType = 4
	EFSimulatedCounters EFType = 8
	EFCounters          EFType = 9
)

func (t EFType) String() string {
	switch t {
	case EFBinary:
		return "BINARY"
	case EFLinear:
		return "LINEAR"
	case EFCyclic:
		return "CYCLIC"
	case EFSimulatedCounters:
		return "SIMULATED_COUNTERS"
	case EFCounters:
		return "COUNTERS"
	default:
		return fmt.Sprintf("EFType(%d)", byte(t))
	}
}

func parseEFType(b byte) (EFType, error) {
	switch t := EFType(b); t {
	case EFBinary, EFLinear, EFCyclic, EFSimulatedCounters, EFCounters:
		return t, nil
	}
	return 0, fmt.Errorf("%w: unknown EF type %d", ErrUnexpectedResponse, b)
}

// WriteAccessLevel selects the session key used to open a secure session.
type WriteAccessLevel int

const (
	LevelPersonalization WriteAccessLevel = iota
	LevelLoad
	LevelDebit
)

func (l WriteAccessLevel) String() string {
	switch l {
	case LevelPersonalization:
		return "PERSONALIZATION"
	case LevelLoad:
		return "LOAD"
	case LevelDebit:
		return "DEBIT"
	default:
		return fmt.Sprintf("WriteAccessLevel(%d)", int(l))
	}
}

// KeyIndex is the key index sent in Open Secure Session (1 to 3).
func (l WriteAccessLevel) KeyIndex() byte {
	return byte(l) + 1
}

type SvOperation int

const (
	SvReload SvOperation = iota
	SvDebit
)

func (o SvOperation) String() string {
	if o == SvReload {
		return "RELOAD"
	}
	return "DEBIT"
}

// SvAction distinguishes a regular operation from its cancellation
// (undebit).
type SvAction int

const (
	SvDo SvAction = iota
	SvUndo
)

type SelectFileControl int

const (
	SelectFirstEF SelectFileControl = iota
	SelectNextEF
	SelectCurrentDF
)

type ReadMode int

const (
	ReadOneRecord ReadMode = iota
	ReadMultipleRecords
)
