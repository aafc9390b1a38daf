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

import "fmt"

type Instruction byte

// Several card and SAM instructions share a byte value, so commands carry
// their own name and Instruction only prints the raw value.
func (i Instruction) String() string {
	return fmt.Sprintf("INS(0x%02X)", byte(i))
}

// Card instructions.
const (
	InsGetData              Instruction = 0xCA
	InsOpenSession          Instruction = 0x8A
	InsCloseSession         Instruction = 0x8E
	InsReadRecords          Instruction = 0xB2
	InsUpdateRecord         Instruction = 0xDC
	InsWriteRecord          Instruction = 0xD2
	InsAppendRecord         Instruction = 0xE2
	InsReadBinary           Instruction = 0xB0
	InsUpdateBinary         Instruction = 0xD6
	InsWriteBinary          Instruction = 0xD0
	InsSearchRecordMultiple Instruction = 0xA2
	InsReadRecordMultiple   Instruction = 0xB3
	InsGetChallenge         Instruction = 0x84
	InsIncrease             Instruction = 0x32
	InsDecrease             Instruction = 0x30
	InsIncreaseMultiple     Instruction = 0x3A
	InsDecreaseMultiple     Instruction = 0x38
	InsSelectFile           Instruction = 0xA4
	InsChangeKey            Instruction = 0xD8
	InsChangePIN            Instruction = 0xD8
	InsVerifyPIN            Instruction = 0x20
	InsSvGet                Instruction = 0x7C
	InsSvDebit              Instruction = 0xBA
	InsSvReload             Instruction = 0xB8
	InsSvUndebit            Instruction = 0xBC
	InsInvalidate           Instruction = 0x04
	InsRehabilitate         Instruction = 0x44
	InsRatification         Instruction = 0xB2
	InsGetResponse          Instruction = 0xC0
)

// SAM instructions.
const (
	InsSamSelectDiversifier   Instruction = 0x14
	InsSamGetChallenge        Instruction = 0x84
	InsSamDigestInit          Instruction = 0x8A
	InsSamDigestUpdate        Instruction = 0x8C
	InsSamDigestClose         Instruction = 0x8E
	InsSamDigestAuthenticate  Instruction = 0x82
	InsSamGiveRandom          Instruction = 0x86
	InsSamCardGenerateKey     Instruction = 0x12
	InsSamCardCipherPIN       Instruction = 0x12
	InsSamUnlock              Instruction = 0x20
	InsSamReadEventCounter    Instruction = 0xBE
	InsSamReadCeilings        Instruction = 0xBE
	InsSamSvCheck             Instruction = 0x58
	InsSamSvPrepareDebit      Instruction = 0x54
	InsSamSvPrepareLoad       Instruction = 0x56
	InsSamSvPrepareUndebit    Instruction = 0x5C
	InsSamPSOComputeSignature Instruction = 0x2A
	InsSamPSOVerifySignature  Instruction = 0x2A
)
