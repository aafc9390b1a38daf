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

package pcsc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/protocol"
)

func init() {
	protocol.RegisterImpl(protocol.PCSC, Open)
}

// ListReaders returns the names of the readers known to the PC/SC service.
func ListReaders() ([]string, error) {
	ctx, err := newSmartCardContext()
	if err != nil {
		return nil, err
	}
	defer ctx.Close()
	return ctx.ListReaders()
}

// Reader is a connection to the card present in a PC/SC reader.
type Reader struct {
	name string
	atr  []byte

	mu     sync.Mutex
	ctx    *smartCardContext
	handle *smartCardHandle
}

// Open connects to the card present in the named reader.
func Open(name string) (protocol.Reader, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty reader name", protocol.ErrReaderCommunication)
	}
	ctx, err := newSmartCardContext()
	if err != nil {
		return nil, err
	}
	handle, err := ctx.Connect(name)
	if err != nil {
		ctx.Close()
		return nil, err
	}
	atr, err := handle.Status()
	if err != nil {
		handle.Close()
		ctx.Close()
		return nil, err
	}
	return &Reader{name: name, atr: atr, ctx: ctx, handle: handle}, nil
}

func (r *Reader) Name() string { return r.name }

func (r *Reader) PowerOnData() []byte { return slices.Clone(r.atr) }

// Contactless guesses the interface from the reader name, as PC/SC drivers
// expose contactless slots as separate readers named after them.
func (r *Reader) Contactless() bool {
	n := strings.ToLower(r.name)
	return strings.Contains(n, "contactless") || strings.Contains(n, "picc")
}

// Transmit sends the commands of req within one PC/SC transaction.
func (r *Reader) Transmit(ctx context.Context, req protocol.Request) ([]protocol.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handle == nil {
		return nil, fmt.Errorf("%w: reader %q is closed", protocol.ErrReaderCommunication, r.name)
	}
	if len(req.Commands) == 0 {
		return nil, nil
	}
	tx, err := r.handle.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Close()
	return protocol.Exchange(ctx, tx, req)
}

// ReleaseChannel disconnects from the card. The next Open reconnects.
func (r *Reader) ReleaseChannel() error {
	return r.Close()
}

func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handle == nil {
		return nil
	}
	hErr := r.handle.Close()
	cErr := r.ctx.Close()

	r.ctx = nil
	r.handle = nil

	return errors.Join(hErr, cErr)
}

// TransmitRaw sends one APDU and returns the raw response, status word
// included.
func (t *smartCardTransaction) TransmitRaw(apdu []byte) ([]byte, error) {
	if len(apdu) == 0 {
		return nil, fmt.Errorf("%w: empty APDU", protocol.ErrCardCommunication)
	}
	resp, err := t.transmit(apdu)
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 {
		return nil, fmt.Errorf("%w: scard response too short: %d", protocol.ErrCardCommunication, len(resp))
	}
	return resp, nil
}

// scErr is a PC/SC return code.
type scErr struct {
	rc int64
}

const (
	rcNoSmartCard    = 0x8010000C
	rcRemovedCard    = 0x80100069
	rcResetCard      = 0x80100068
	rcUnresponsive   = 0x80100066
	rcNoService      = 0x8010001D
	rcReaderNotFound = 0x80100009
)

func (e *scErr) Error() string {
	switch e.rc {
	case rcNoSmartCard:
		return "pcsc: no smart card in reader"
	case rcRemovedCard:
		return "pcsc: smart card removed"
	case rcResetCard:
		return "pcsc: smart card reset"
	case rcUnresponsive:
		return "pcsc: smart card unresponsive"
	case rcNoService:
		return "pcsc: smart card service not running"
	case rcReaderNotFound:
		return "pcsc: unknown reader"
	}
	return fmt.Sprintf("pcsc: rc 0x%08X", uint32(e.rc))
}

// Unwrap classifies the failure: the card went away, or the reader stack
// failed.
func (e *scErr) Unwrap() error {
	switch e.rc {
	case rcNoSmartCard, rcRemovedCard, rcResetCard, rcUnresponsive:
		return protocol.ErrCardCommunication
	}
	return protocol.ErrReaderCommunication
}
