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

package transaction

import (
	"slices"
	"sync"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/protocol"
)

// auditLog keeps the raw APDUs exchanged with the card and the SAM, in the
// order they were exchanged. A nil or disabled log records nothing.
type auditLog struct {
	enabled bool

	mu   sync.Mutex
	data [][]byte
}

func (a *auditLog) record(cmds []protocol.Command, resps []protocol.Response) {
	if a == nil || !a.enabled {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, cmd := range cmds {
		b, err := cmd.Encode()
		if err != nil {
			continue
		}
		a.data = append(a.data, b)
		if i < len(resps) {
			a.data = append(a.data, resps[i].Bytes())
		}
	}
}

func (a *auditLog) snapshot() [][]byte {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([][]byte, len(a.data))
	for i, b := range a.data {
		out[i] = slices.Clone(b)
	}
	return out
}
