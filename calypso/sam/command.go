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

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/protocol"
)

// Command is a SAM command: the APDU to send and the logic applying its
// response.
type Command interface {
	Name() string
	APDU() protocol.Command
	// Apply checks the status of resp and keeps what the command returns,
	// updating s when the command reads SAM data.
	Apply(s *SAM, resp protocol.Response) error
}

// ApplyResponses applies resps in order and fails if a response is missing.
func ApplyResponses(s *SAM, cmds []Command, resps []protocol.Response) error {
	for i, cmd := range cmds {
		if i >= len(resps) {
			return fmt.Errorf("%w: %d SAM commands sent, %d responses received", protocol.ErrCardCommunication, len(cmds), len(resps))
		}
		if err := cmd.Apply(s, resps[i]); err != nil {
			return err
		}
	}
	return nil
}

func APDUs(cmds []Command) []protocol.Command {
	out := make([]protocol.Command, len(cmds))
	for i, cmd := range cmds {
		out[i] = cmd.APDU()
	}
	return out
}

type base struct {
	apdu     protocol.Command
	statuses protocol.StatusTable
}

func (b *base) Name() string           { return b.apdu.Name() }
func (b *base) APDU() protocol.Command { return b.apdu }

func (b *base) check(resp protocol.Response) error {
	return b.statuses.Check(b.apdu, resp)
}

// Apply only checks the status, for commands returning nothing.
func (b *base) Apply(_ *SAM, resp protocol.Response) error {
	return b.check(resp)
}

var baseStatuses = protocol.NewStatusTable().With(protocol.StatusTable{
	0x6D00: {Info: "Instruction unknown.", Err: ErrIllegalParameter},
	0x6E00: {Info: "Class not supported.", Err: ErrIllegalParameter},
})

func newCommand(s *SAM, ins protocol.Instruction, p1, p2 protocol.Parameter, data []byte) protocol.Command {
	return protocol.NewCommand(s.Class(), ins, p1, p2, data)
}
