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

import (
	"encoding/hex"
	"fmt"
	"slices"
)

// Class is the CLA byte of a command APDU.
type Class byte

const (
	ClassISO               Class = 0x00
	ClassLegacy            Class = 0x94
	ClassLegacyStoredValue Class = 0xFA
	ClassSAM               Class = 0x80
	ClassUnknown           Class = 0xFF
)

func (c Class) String() string {
	switch c {
	case ClassISO:
		return "ISO"
	case ClassLegacy:
		return "Legacy"
	case ClassLegacyStoredValue:
		return "LegacyStoredValue"
	case ClassSAM:
		return "SAM"
	default:
		return fmt.Sprintf("UnknownClass(0x%02X)", byte(c))
	}
}

// SWSuccess is the ISO 7816-4 "normal processing" status word.
const SWSuccess uint16 = 0x9000

const maxShortData = 0xFF

// Command is a short ISO 7816-4 command APDU.
//
// Commands are values; the With* methods return modified copies.
type Command struct {
	name       string
	cla        Class
	ins        Instruction
	p1         Parameter
	p2         Parameter
	data       []byte
	le         byte
	hasLe      bool
	successful []uint16
}

func NewCommand(class Class, ins Instruction, param1, param2 Parameter, data []byte) Command {
	return Command{cla: class, ins: ins, p1: param1, p2: param2, data: data}
}

// WithLe sets the expected response length. An Le of 0 means "up to 256 bytes".
func (c Command) WithLe(le byte) Command {
	c.le = le
	c.hasLe = true
	return c
}

func (c Command) WithName(name string) Command {
	c.name = name
	return c
}

// WithSuccessfulStatus adds status words that are treated like 9000.
func (c Command) WithSuccessfulStatus(sw ...uint16) Command {
	c.successful = append(slices.Clone(c.successful), sw...)
	return c
}

func (c Command) Name() string {
	if c.name == "" {
		return c.ins.String()
	}
	return c.name
}

func (c Command) Class() Class             { return c.cla }
func (c Command) Instruction() Instruction { return c.ins }
func (c Command) P1() Parameter            { return c.p1 }
func (c Command) P2() Parameter            { return c.p2 }
func (c Command) Data() []byte             { return c.data }

// Le returns the expected length and whether one was set.
func (c Command) Le() (byte, bool) { return c.le, c.hasLe }

// IsCase4 reports whether the command carries both incoming data and an Le.
func (c Command) IsCase4() bool {
	return len(c.data) > 0 && c.hasLe
}

// Successful reports whether sw ends the command normally.
func (c Command) Successful(sw uint16) bool {
	return sw == SWSuccess || slices.Contains(c.successful, sw)
}

// Encode returns the wire form of the command.
//
// With data the layout is CLA INS P1 P2 Lc data [Le]. Without data P3 carries
// Le, or 0x00 when no Le was set.
func (c Command) Encode() ([]byte, error) {
	if len(c.data) > maxShortData {
		return nil, fmt.Errorf("%s: data length %d exceeds short APDU limit", c.Name(), len(c.data))
	}
	if len(c.data) == 0 {
		return []byte{byte(c.cla), byte(c.ins), byte(c.p1), byte(c.p2), c.le}, nil
	}
	req := make([]byte, 5, 6+len(c.data))
	req[0] = byte(c.cla)
	req[1] = byte(c.ins)
	req[2] = byte(c.p1)
	req[3] = byte(c.p2)
	req[4] = byte(len(c.data))
	req = append(req, c.data...)
	if c.hasLe {
		req = append(req, c.le)
	}
	return req, nil
}

// MustEncode is Encode for commands built from validated arguments.
func (c Command) MustEncode() []byte {
	b, err := c.Encode()
	if err != nil {
		panic(err)
	}
	return b
}

func (c Command) String() string {
	b, err := c.Encode()
	if err != nil {
		return fmt.Sprintf("%s <%v>", c.Name(), err)
	}
	return fmt.Sprintf("%s %s", c.Name(), hex.EncodeToString(b))
}

// GetResponse fetches the remainder of a response announced by a 61xx status.
func GetResponse(le byte) Command {
	return NewCommand(ClassISO, InsGetResponse, EmptyParam, EmptyParam, nil).WithLe(le).WithName("Get Response")
}
