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

// Package calypso finds and opens the readers holding Calypso cards and
// SAMs. Card and SAM commands live in the card and sam packages; secure
// sessions in the transaction package.
package calypso

import (
	"fmt"
	"strings"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/internal/pcsc"
	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/internal/stub"
	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/protocol"
)

const (
	PCSCReader = protocol.PCSC
	StubReader = protocol.Stub
)

// ReaderInfo describes a reader that can be opened.
type ReaderInfo struct {
	Name string
	Type protocol.ReaderType
	// SAM is set for readers whose name designates a SAM slot.
	SAM bool
}

// Readers lists the PC/SC readers followed by the plugged stub readers.
func Readers() ([]ReaderInfo, error) {
	names, err := pcsc.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("listing PC/SC readers: %w", err)
	}
	var readers []ReaderInfo
	for _, name := range names {
		readers = append(readers, newReaderInfo(name, PCSCReader))
	}
	return append(readers, StubReaders()...), nil
}

// StubReaders lists the plugged stub readers.
func StubReaders() []ReaderInfo {
	var readers []ReaderInfo
	for _, name := range stub.Names() {
		readers = append(readers, newReaderInfo(name, StubReader))
	}
	return readers
}

func newReaderInfo(name string, typ protocol.ReaderType) ReaderInfo {
	return ReaderInfo{Name: name, Type: typ, SAM: isSAMReader(name)}
}

func isSAMReader(name string) bool {
	return strings.Contains(strings.ToUpper(name), "SAM")
}

// Open connects to the reader described by ri.
func Open(ri ReaderInfo) (protocol.Reader, error) {
	factory, err := protocol.GetFactory(ri.Type)
	if err != nil {
		return nil, err
	}
	return factory(ri.Name)
}

// StubOption configures a stub reader.
type StubOption = stub.Option

var (
	// WithPowerOnData sets the ATR of the card in a stub reader.
	WithPowerOnData = stub.WithPowerOnData
	WithContactless = stub.WithContactless
)

// Stub is an in-memory reader answering from a script of hex patterns.
type Stub = stub.Reader

// OpenStub plugs a stub reader and returns it. The reader can then be
// found by Readers and opened by name.
func OpenStub(name string, opts ...StubOption) *Stub {
	r := stub.New(name, opts...)
	stub.Plug(r)
	return r
}

// CloseStub unplugs the named stub reader.
func CloseStub(name string) {
	stub.Unplug(name)
}
