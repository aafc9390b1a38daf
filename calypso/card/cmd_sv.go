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

package card

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/protocol"
)

const (
	svReloadAmountMin = -8388608
	svReloadAmountMax = 8388607
	svDebitAmountMax  = 32767
)

// svPostponed is the status of an SV operation done inside a session: the
// card answers at Close Secure Session.
const svPostponed uint16 = 0x6200

func svClass(c *Card) protocol.Class {
	if c.Class() == protocol.ClassLegacy {
		return protocol.ClassLegacyStoredValue
	}
	return protocol.ClassISO
}

var svGetStatuses = protocol.NewStatusTable().With(protocol.StatusTable{
	0x6982: {Info: "Security conditions not fulfilled", Err: ErrSecurityContext},
	0x6985: {Info: "Preconditions not satisfied (a store value operation was already done in the current session)", Err: ErrAccessForbidden},
	0x6A81: {Info: "Incorrect P1 or P2", Err: ErrIllegalParameter},
	0x6A86: {Info: "Le inconsistent with P2", Err: ErrIllegalParameter},
	0x6D00: {Info: "SV function not present", Err: ErrIllegalParameter},
})

// SvGet reads the SV balance and the last load or debit log, and prepares
// the card for an SV operation.
type SvGet struct {
	base
	op       SvOperation
	extended bool
	header   []byte
}

func NewSvGet(c *Card, op SvOperation, extended bool) *SvGet {
	var p1, p2 protocol.Parameter = 0x00, 0x09
	if extended {
		p1 = 0x01
	}
	if op == SvReload {
		p2 = 0x07
	}
	apdu := protocol.NewCommand(svClass(c), protocol.InsSvGet, p1, p2, nil).
		WithLe(0).WithName("SV Get - " + op.String())
	return &SvGet{
		base:     base{apdu: apdu, statuses: svGetStatuses},
		op:       op,
		extended: extended,
		header:   []byte{byte(protocol.InsSvGet), byte(p1), byte(p2), 0x00},
	}
}

func (g *SvGet) Apply(c *Card, resp protocol.Response, inSession bool) error {
	if err := g.check(resp); err != nil {
		return err
	}
	d := resp.Data
	var (
		kvc       byte
		tnum, bal int
		load      *SvLoadLogRecord
		debit     *SvDebitLogRecord
		err       error
	)
	switch len(d) {
	case 0x21, 0x1E:
		kvc = d[0]
		tnum = unsigned(d[1:3])
		bal = signed24(d[8:11])
		if len(d) == 0x21 {
			load, err = ParseSvLoadLog(d, 11)
		} else {
			debit, err = ParseSvDebitLog(d, 11)
		}
	case 0x3D:
		kvc = d[8]
		tnum = unsigned(d[9:11])
		bal = signed24(d[17:20])
		if load, err = ParseSvLoadLog(d, 20); err == nil {
			debit, err = ParseSvDebitLog(d, 42)
		}
	default:
		return fmt.Errorf("%w: %s: incorrect response length %d", ErrUnexpectedResponse, g.Name(), len(d))
	}
	if err != nil {
		return err
	}
	c.setSvData(kvc, g.header, resp.Bytes(), bal, tnum, load, debit)
	return nil
}

func (g *SvGet) Operation() SvOperation { return g.op }

var svOperationStatuses = protocol.NewStatusTable().With(protocol.StatusTable{
	0x6400: {Info: "Too many modifications in session", Err: ErrSessionBufferOverflow},
	0x6700: {Info: "Lc value not supported", Err: ErrIllegalParameter},
	0x6900: {Info: "Transaction counter is 0 or SV TNum is FFFEh or FFFFh", Err: ErrTerminated},
	0x6985: {Info: "Preconditions not satisfied", Err: ErrAccessForbidden},
	0x6988: {Info: "Incorrect signatureHi", Err: ErrSecurityData},
	0x6200: {Info: "Successful execution, response data postponed until session closing"},
})

var svReloadStatuses = svOperationStatuses.With(protocol.StatusTable{
	0x6900: {Info: "Transaction counter is 0 or SV TNum is FFFEh or FFFFh or SV balance overflow", Err: ErrTerminated},
})

// SvOperationCommand is an SV Reload, Debit or Undebit. It is built with the
// operation data, then finalized with the complementary data computed by the
// SAM from SvDataForSAM.
type SvOperationCommand struct {
	base
	ins      protocol.Instruction
	class    protocol.Class
	extended bool
	reload   bool
	dataIn   []byte
	final    bool
}

func checkSvDateTime(date, time []byte) error {
	if len(date) != 2 || len(time) != 2 {
		return fmt.Errorf("%w: SV date and time must be 2 bytes", ErrIllegalArgument)
	}
	return nil
}

// NewSvReload prepares an SV Reload of amount (which may be negative).
func NewSvReload(c *Card, amount int, kvc byte, date, time, free []byte, extended bool) (*SvOperationCommand, error) {
	if amount < svReloadAmountMin || amount > svReloadAmountMax {
		return nil, fmt.Errorf("%w: amount %d out of range %d..%d", ErrIllegalArgument, amount, svReloadAmountMin, svReloadAmountMax)
	}
	if err := checkSvDateTime(date, time); err != nil {
		return nil, err
	}
	if len(free) != 2 {
		return nil, fmt.Errorf("%w: SV free data must be 2 bytes", ErrIllegalArgument)
	}
	in := make([]byte, 18+svSignatureLength(extended))
	copy(in[1:3], date)
	in[3] = free[0]
	in[4] = kvc
	in[5] = free[1]
	copy(in[6:9], put24(amount))
	copy(in[9:11], time)
	return newSvOperation(c, protocol.InsSvReload, true, in, extended, svReloadStatuses), nil
}

// NewSvDebit prepares an SV Debit, or an SV Undebit when action is SvUndo.
func NewSvDebit(c *Card, action SvAction, amount int, kvc byte, date, time []byte, extended bool) (*SvOperationCommand, error) {
	if amount < 0 || amount > svDebitAmountMax {
		return nil, fmt.Errorf("%w: amount %d out of range 0..%d", ErrIllegalArgument, amount, svDebitAmountMax)
	}
	if err := checkSvDateTime(date, time); err != nil {
		return nil, err
	}
	ins := protocol.InsSvDebit
	signed := -amount
	if action == SvUndo {
		ins = protocol.InsSvUndebit
		signed = amount
	}
	in := make([]byte, 15+svSignatureLength(extended))
	binary.BigEndian.PutUint16(in[1:3], uint16(int16(signed)))
	copy(in[3:5], date)
	copy(in[5:7], time)
	in[7] = kvc
	return newSvOperation(c, ins, false, in, extended, svOperationStatuses), nil
}

func svSignatureLength(extended bool) int {
	if extended {
		return 10
	}
	return 5
}

func newSvOperation(c *Card, ins protocol.Instruction, reload bool, in []byte, extended bool, st protocol.StatusTable) *SvOperationCommand {
	op := &SvOperationCommand{
		ins:      ins,
		class:    svClass(c),
		extended: extended,
		reload:   reload,
		dataIn:   in,
	}
	op.statuses = st
	op.apdu = op.build(0, 0)
	return op
}

func (o *SvOperationCommand) build(p1, p2 byte) protocol.Command {
	return protocol.NewCommand(o.class, o.ins, protocol.Parameter(p1), protocol.Parameter(p2), slices.Clone(o.dataIn)).
		WithSuccessfulStatus(svPostponed).WithName(svOperationName(o.ins))
}

func svOperationName(ins protocol.Instruction) string {
	switch ins {
	case protocol.InsSvReload:
		return "SV Reload"
	case protocol.InsSvDebit:
		return "SV Debit"
	default:
		return "SV Undebit"
	}
}

// SvDataForSAM returns the data SV Prepare Load/Debit/Undebit expects after
// the SV Get header and data: a pseudo APDU header followed by the operation
// data.
func (o *SvOperationCommand) SvDataForSAM() []byte {
	var n, lc byte = 11, 0x17
	if !o.reload {
		n, lc = 8, 0x14
	}
	if o.extended {
		lc += 5
	}
	out := []byte{byte(o.ins), 0x00, 0x00, lc}
	return append(out, o.dataIn[:n]...)
}

// Finalize completes the command with the SAM complementary data: SAM id,
// transaction number, signature and the P1 P2 and first data byte.
func (o *SvOperationCommand) Finalize(complementary []byte) error {
	want := 15
	if o.extended {
		want = 20
	}
	if len(complementary) != want {
		return fmt.Errorf("%w: bad SV prepare load data length %d, want %d", ErrIllegalArgument, len(complementary), want)
	}
	cd := complementary
	o.dataIn[0] = cd[6]
	start := 11
	if !o.reload {
		start = 8
	}
	copy(o.dataIn[start:start+4], cd[0:4])
	copy(o.dataIn[start+4:start+7], cd[7:10])
	copy(o.dataIn[start+7:], cd[10:])
	o.apdu = o.build(cd[4], cd[5])
	o.final = true
	return nil
}

func (o *SvOperationCommand) IsFinalized() bool       { return o.final }
func (o *SvOperationCommand) UsesSessionBuffer() bool { return true }

func (o *SvOperationCommand) Apply(c *Card, resp protocol.Response, inSession bool) error {
	if err := o.check(resp); err != nil {
		return err
	}
	if n := len(resp.Data); n != 0 && n != 3 && n != 6 {
		return fmt.Errorf("%w: %s: bad length in response %d", ErrUnexpectedResponse, o.Name(), n)
	}
	c.setSvOperationSignature(resp.Data)
	return nil
}

// AnticipatedResponse is the postponed status the card returns inside a
// session.
func (o *SvOperationCommand) AnticipatedResponse(*Card) (protocol.Response, error) {
	return protocol.NewResponse(svPostponed), nil
}
