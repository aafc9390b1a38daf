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

package pcsc

import (
	"bytes"
	"fmt"
	"syscall"
	"unsafe"
)

var (
	winscard                  = syscall.NewLazyDLL("Winscard.dll")
	procSCardEstablishContext = winscard.NewProc("SCardEstablishContext")
	procSCardListReadersW     = winscard.NewProc("SCardListReadersW")
	procSCardReleaseContext   = winscard.NewProc("SCardReleaseContext")
	procSCardConnectW         = winscard.NewProc("SCardConnectW")
	procSCardStatusW          = winscard.NewProc("SCardStatusW")
	procSCardDisconnect       = winscard.NewProc("SCardDisconnect")
	procSCardBeginTransaction = winscard.NewProc("SCardBeginTransaction")
	procSCardEndTransaction   = winscard.NewProc("SCardEndTransaction")
	procSCardTransmit         = winscard.NewProc("SCardTransmit")
	varSCardT0Pci             = winscard.NewProc("g_rgSCardT0Pci")
	varSCardT1Pci             = winscard.NewProc("g_rgSCardT1Pci")
)

const (
	scardScopeSystem      = 2
	scardShareExclusive   = 1
	scardLeaveCard        = 0
	scardProtocolT0       = 1
	scardProtocolT1       = 2
	maxBufferSizeExtended = (4 + 3 + (1 << 16) + 3 + 2)
	maxATRSize            = 36
	rcSuccess             = 0
)

func scCheck(rc uintptr) error {
	if rc == rcSuccess {
		return nil
	}
	return &scErr{int64(rc)}
}

func isRCNoReaders(rc uintptr) bool {
	return rc == 0x8010002E
}

type smartCardContext struct {
	ctx syscall.Handle
}

func newSmartCardContext() (*smartCardContext, error) {
	var ctx syscall.Handle

	r0, _, _ := procSCardEstablishContext.Call(
		uintptr(scardScopeSystem),
		uintptr(0),
		uintptr(0),
		uintptr(unsafe.Pointer(&ctx)),
	)
	if err := scCheck(r0); err != nil {
		return nil, err
	}
	return &smartCardContext{ctx: ctx}, nil
}

func (c *smartCardContext) Close() error {
	r0, _, _ := procSCardReleaseContext.Call(uintptr(c.ctx))
	return scCheck(r0)
}

func (c *smartCardContext) ListReaders() ([]string, error) {
	var n uint32
	r0, _, _ := procSCardListReadersW.Call(
		uintptr(c.ctx),
		uintptr(unsafe.Pointer(nil)),
		uintptr(unsafe.Pointer(nil)),
		uintptr(unsafe.Pointer(&n)),
	)

	if isRCNoReaders(r0) {
		return nil, nil
	}

	if err := scCheck(r0); err != nil {
		return nil, err
	}

	d := make([]uint16, n)
	r0, _, _ = procSCardListReadersW.Call(
		uintptr(c.ctx),
		uintptr(unsafe.Pointer(nil)),
		uintptr(unsafe.Pointer(&d[0])),
		uintptr(unsafe.Pointer(&n)),
	)
	if err := scCheck(r0); err != nil {
		return nil, err
	}

	var readers []string
	j := 0
	for i := 0; i < len(d); i++ {
		if d[i] != 0 {
			continue
		}
		if i > j {
			readers = append(readers, syscall.UTF16ToString(d[j:i]))
		}
		j = i + 1
		if i+1 < len(d) && d[i+1] == 0 {
			break
		}
	}

	return readers, nil
}

func (c *smartCardContext) Connect(reader string) (*smartCardHandle, error) {
	var (
		handle         syscall.Handle
		activeProtocol uint32
	)
	readerPtr, err := syscall.UTF16PtrFromString(reader)
	if err != nil {
		return nil, fmt.Errorf("invalid reader string: %v", err)
	}
	r0, _, _ := procSCardConnectW.Call(
		uintptr(c.ctx),
		uintptr(unsafe.Pointer(readerPtr)),
		scardShareExclusive,
		scardProtocolT0|scardProtocolT1,
		uintptr(unsafe.Pointer(&handle)),
		uintptr(unsafe.Pointer(&activeProtocol)),
	)
	if err := scCheck(r0); err != nil {
		return nil, err
	}
	return &smartCardHandle{handle: handle, protocol: activeProtocol}, nil
}

type smartCardHandle struct {
	handle   syscall.Handle
	protocol uint32
}

// Status returns the ATR of the connected card.
func (h *smartCardHandle) Status() ([]byte, error) {
	var (
		state, proto uint32
		atr          [maxATRSize]byte
		readerLen    uint32
	)
	atrLen := uint32(len(atr))
	r0, _, _ := procSCardStatusW.Call(
		uintptr(h.handle),
		uintptr(0),
		uintptr(unsafe.Pointer(&readerLen)),
		uintptr(unsafe.Pointer(&state)),
		uintptr(unsafe.Pointer(&proto)),
		uintptr(unsafe.Pointer(&atr[0])),
		uintptr(unsafe.Pointer(&atrLen)),
	)
	if err := scCheck(r0); err != nil {
		return nil, err
	}
	return bytes.Clone(atr[:atrLen]), nil
}

func (h *smartCardHandle) Close() error {
	r0, _, _ := procSCardDisconnect.Call(uintptr(h.handle), scardLeaveCard)
	return scCheck(r0)
}

func (h *smartCardHandle) Begin() (*smartCardTransaction, error) {
	r0, _, _ := procSCardBeginTransaction.Call(uintptr(h.handle))
	if err := scCheck(r0); err != nil {
		return nil, err
	}
	return &smartCardTransaction{handle: h.handle, protocol: h.protocol}, nil
}

func (t *smartCardTransaction) Close() error {
	r0, _, _ := procSCardEndTransaction.Call(uintptr(t.handle), scardLeaveCard)
	return scCheck(r0)
}

type smartCardTransaction struct {
	handle   syscall.Handle
	protocol uint32
}

func (t *smartCardTransaction) transmit(req []byte) ([]byte, error) {
	var resp [maxBufferSizeExtended]byte
	reqN := len(req)
	respN := uint32(len(resp))
	pci := varSCardT1Pci.Addr()
	if t.protocol == scardProtocolT0 {
		pci = varSCardT0Pci.Addr()
	}
	r0, _, _ := procSCardTransmit.Call(
		uintptr(t.handle),
		pci,
		uintptr(unsafe.Pointer(&req[0])),
		uintptr(reqN),
		uintptr(0),
		uintptr(unsafe.Pointer(&resp[0])),
		uintptr(unsafe.Pointer(&respN)),
	)

	if err := scCheck(r0); err != nil {
		return nil, fmt.Errorf("transmitting request: %w", err)
	}
	return bytes.Clone(resp[:respN]), nil
}
