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
	"maps"
)

var (
	// ErrReaderCommunication reports a failure talking to the reader itself.
	ErrReaderCommunication = errors.New("reader communication failure")
	// ErrCardCommunication reports a failure talking to the card or SAM
	// through a working reader (card removed, malformed response).
	ErrCardCommunication = errors.New("card communication failure")
	// ErrUnknownStatus is wrapped when a status word is absent from a table.
	ErrUnknownStatus = errors.New("unknown status word")
)

// Status describes one status word of a command.
//
// A nil Err marks the status word as successful.
type Status struct {
	Info string
	Err  error
}

// StatusTable maps status words to their meaning for a command.
type StatusTable map[uint16]Status

// NewStatusTable returns a table containing only the 9000 entry.
func NewStatusTable() StatusTable {
	return StatusTable{SWSuccess: {Info: "Success"}}
}

// With returns a copy of t with the given entries added or replaced.
func (t StatusTable) With(entries StatusTable) StatusTable {
	out := maps.Clone(t)
	if out == nil {
		out = StatusTable{}
	}
	maps.Copy(out, entries)
	return out
}

// Check returns nil when the response status word is successful for the
// command and a *StatusError otherwise.
func (t StatusTable) Check(cmd Command, resp Response) error {
	st, ok := t[resp.SW]
	if ok && st.Err == nil {
		return nil
	}
	if !ok && cmd.Successful(resp.SW) {
		return nil
	}
	if !ok {
		return &StatusError{Command: cmd.Name(), SW: resp.SW, Info: "Unknown status", Err: ErrUnknownStatus}
	}
	return &StatusError{Command: cmd.Name(), SW: resp.SW, Info: st.Info, Err: st.Err}
}

// Info returns the description of sw, or an empty string.
func (t StatusTable) Info(sw uint16) string {
	return t[sw].Info
}

// StatusError is returned when a card or SAM answers with an error status.
type StatusError struct {
	Command string
	SW      uint16
	Info    string
	Err     error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s (SW %04X): %v", e.Command, e.Info, e.SW, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// StatusWord extracts the status word carried by err, if any.
func StatusWord(err error) (uint16, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.SW, true
	}
	return 0, false
}
