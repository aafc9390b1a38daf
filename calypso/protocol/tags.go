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
	"errors"
	"fmt"
)

var ErrInvalidDataTag = errors.New("invalid data tag")

// DataTag identifies an object readable with Get Data. The tag is carried in
// P1 P2.
type DataTag struct {
	name   string
	p1, p2 Parameter
}

var (
	TagFCIForCurrentDF         = NewDataTag("FCI for current DF", 0x00, 0x6F)
	TagFCPForCurrentFile       = NewDataTag("FCP for current file", 0x00, 0x62)
	TagEFList                  = NewDataTag("EF list", 0x00, 0xC0)
	TagTraceabilityInformation = NewDataTag("Traceability information", 0x01, 0x85)
)

func NewDataTag(name string, p1, p2 Parameter) DataTag {
	return DataTag{name: name, p1: p1, p2: p2}
}

func (t DataTag) Params() (Parameter, Parameter, error) {
	if t.name == "" {
		return 0, 0, ErrInvalidDataTag
	}
	return t.p1, t.p2, nil
}

func (t DataTag) Name() string { return t.name }

func (t DataTag) String() string {
	return fmt.Sprintf("DataTag{%s, 0x%02X%02X}", t.name, byte(t.p1), byte(t.p2))
}
