// Copyright 2020 Google LLC
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

//go:build darwin || linux || freebsd || openbsd

package pcsc

// #cgo darwin LDFLAGS: -framework PCSC
// #cgo linux pkg-config: libpcsclite
// #cgo freebsd CFLAGS: -I/usr/local/include/
// #cgo freebsd CFLAGS: -I/usr/local/include/PCSC
// #cgo freebsd LDFLAGS: -L/usr/local/lib/
// #cgo freebsd LDFLAGS: -lpcsclite
// #cgo openbsd CFLAGS: -I/usr/local/include/
// #cgo openbsd CFLAGS: -I/usr/local/include/PCSC
// #cgo openbsd LDFLAGS: -L/usr/local/lib/
// #cgo openbsd LDFLAGS: -lpcsclite
// #include <stdlib.h>
// #include <PCSC/winscard.h>
// #include <PCSC/wintypes.h>
import "C"

import (
	"bytes"
	"fmt"
	"unsafe"
)

const (
	rcSuccess   = C.SCARD_S_SUCCESS
	rcNoReaders = 0x8010002E
	maxATRSize  = 33
)

func scCheck(rc C.LONG) error {
	if rc == rcSuccess {
		return nil
	}
	return &scErr{int64(uint32(rc))}
}

func isRCNoReaders(rc C.LONG) bool {
	return uint32(rc) == rcNoReaders
}

type smartCardContext struct {
	ctx C.SCARDCONTEXT
}

func newSmartCardContext() (*smartCardContext, error) {
	var ctx C.SCARDCONTEXT
	rc := C.SCardEstablishContext(C.SCARD_SCOPE_SYSTEM, nil, nil, &ctx)
	if err := scCheck(rc); err != nil {
		return nil, err
	}
	return &smartCardContext{ctx: ctx}, nil
}

func (c *smartCardContext) Close() error {
	return scCheck(C.SCardReleaseContext(c.ctx))
}

func (c *smartCardContext) ListReaders() ([]string, error) {
	var n C.DWORD
	rc := C.SCardListReaders(c.ctx, nil, nil, &n)
	// pcscd reports an error when no reader is plugged.
	if isRCNoReaders(rc) {
		return nil, nil
	}
	if err := scCheck(rc); err != nil {
		return nil, err
	}

	d := make([]byte, n)
	rc = C.SCardListReaders(c.ctx, nil, (*C.char)(unsafe.Pointer(&d[0])), &n)
	if err := scCheck(rc); err != nil {
		return nil, err
	}

	var readers []string
	for _, d := range bytes.Split(d, []byte{0}) {
		if len(d) > 0 {
			readers = append(readers, string(d))
		}
	}
	return readers, nil
}

type smartCardHandle struct {
	h        C.SCARDHANDLE
	protocol C.DWORD
}

func (c *smartCardContext) Connect(reader string) (*smartCardHandle, error) {
	var (
		handle         C.SCARDHANDLE
		activeProtocol C.DWORD
	)
	name := C.CString(reader)
	defer C.free(unsafe.Pointer(name))
	rc := C.SCardConnect(c.ctx, name,
		C.SCARD_SHARE_EXCLUSIVE, C.SCARD_PROTOCOL_T0|C.SCARD_PROTOCOL_T1,
		&handle, &activeProtocol)
	if err := scCheck(rc); err != nil {
		return nil, err
	}
	return &smartCardHandle{h: handle, protocol: activeProtocol}, nil
}

// Status returns the ATR of the connected card.
func (h *smartCardHandle) Status() ([]byte, error) {
	var (
		state, proto C.DWORD
		atr          [maxATRSize]byte
		readerLen    C.DWORD
	)
	atrLen := C.DWORD(len(atr))
	rc := C.SCardStatus(h.h, nil, &readerLen, &state, &proto, (*C.BYTE)(&atr[0]), &atrLen)
	if err := scCheck(rc); err != nil {
		return nil, err
	}
	return bytes.Clone(atr[:atrLen]), nil
}

func (h *smartCardHandle) Close() error {
	return scCheck(C.SCardDisconnect(h.h, C.SCARD_LEAVE_CARD))
}

type smartCardTransaction struct {
	h        C.SCARDHANDLE
	protocol C.DWORD
}

func (h *smartCardHandle) Begin() (*smartCardTransaction, error) {
	if err := scCheck(C.SCardBeginTransaction(h.h)); err != nil {
		return nil, err
	}
	return &smartCardTransaction{h: h.h, protocol: h.protocol}, nil
}

func (t *smartCardTransaction) Close() error {
	return scCheck(C.SCardEndTransaction(t.h, C.SCARD_LEAVE_CARD))
}

func (t *smartCardTransaction) transmit(req []byte) ([]byte, error) {
	var resp [C.MAX_BUFFER_SIZE_EXTENDED]byte
	reqN := C.DWORD(len(req))
	respN := C.DWORD(len(resp))
	pci := C.SCARD_PCI_T1
	if t.protocol == C.SCARD_PROTOCOL_T0 {
		pci = C.SCARD_PCI_T0
	}
	rc := C.SCardTransmit(
		t.h,
		pci,
		(*C.BYTE)(&req[0]), reqN, nil,
		(*C.BYTE)(&resp[0]), &respN)
	if err := scCheck(rc); err != nil {
		return nil, fmt.Errorf("transmitting request: %w", err)
	}
	return bytes.Clone(resp[:respN]), nil
}
