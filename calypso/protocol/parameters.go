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

type Parameter byte

const (
	EmptyParam Parameter = 0x00

	// Select Application P1: selection by DF name.
	ParamSelectByName Parameter = 0x04
	// Select Application P2 file occurrence, ORed with the control info.
	ParamOccurrenceFirst    Parameter = 0x00
	ParamOccurrenceLast     Parameter = 0x01
	ParamOccurrenceNext     Parameter = 0x02
	ParamOccurrencePrevious Parameter = 0x03
	ParamControlFCI         Parameter = 0x00
	ParamControlFCP         Parameter = 0x04
	ParamControlFMD         Parameter = 0x08
	ParamControlNone        Parameter = 0x0C

	// Used by the SAM for "no key record" and by PIN/key commands.
	ParamFF Parameter = 0xFF
)
