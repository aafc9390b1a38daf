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
	"fmt"
	"slices"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/protocol"
)

var openSessionStatuses = protocol.NewStatusTable().With(protocol.StatusTable{
	0x6700: {Info: "Lc value not supported", Err: ErrIllegalParameter},
	0x6900: {Info: "Transaction Counter is 0", Err: ErrTerminated},
	0x6981: {Info: "Command forbidden (read requested and current EF is a Binary file)", Err: ErrDataAccess},
	0x6982: {Info: "Security conditions not fulfilled (PIN code not presented, AES key forbidding the compatibility mode, encryption required)", Err: ErrSecurityContext},
	0x6985: {Info: "Access forbidden (Never access mode, Session already opened)", Err: ErrAccessForbidden},
	0x6986: {Info: "Command not allowed (read requested and no current EF)", Err: ErrDataAccess},
	0x6A81: {Info: "Wrong key index", Err: ErrIllegalParameter},
	0x6A82: {Info: "File not found", Err: ErrDataAccess},
	0x6A83: {Info: "Record not found (record index is above NumRec)", Err: ErrDataAccess},
	0x6B00: {Info: "P1 or P2 value not supported", Err: ErrIllegalParameter},
	0x61FF: {Info: "Correct execution (ISO7816 T=0)"},
})

// OpenSession is Open Secure Session. Besides opening the session it may
// read one record, whose content is returned with the card challenge.
type OpenSession struct {
	base
	product  ProductType
	extended bool
	sfi      byte
	record   int

	// Filled by Apply.
	raw                []byte
	transactionCounter []byte
	challenge          []byte
	ratified           bool
	manageAuthorized   bool
	kif                *byte
	kvc                *byte
	recordData         []byte
}

// NewOpenSession builds the encoding matching the card revision. keyIndex is
// 1 to 3, sfi and record select an optional record to read (0 for none).
func NewOpenSession(c *Card, keyIndex byte, samChallenge []byte, sfi byte, record int) (*OpenSession, error) {
	if err := checkSFI(sfi); err != nil {
		return nil, err
	}
	if record < 0 || record > RecordNumberMax {
		return nil, fmt.Errorf("%w: record number %d", ErrIllegalArgument, record)
	}
	o := &OpenSession{
		product:  c.ProductType(),
		extended: c.IsExtendedModeSupported(),
		sfi:      sfi,
		record:   record,
	}
	var apdu protocol.Command
	switch c.ProductType() {
	case ProductPrimeRevision1, ProductPrimeRevision2:
		if keyIndex == 0 {
			return nil, fmt.Errorf("%w: key index can't be zero for revision %s", ErrIllegalArgument, c.ProductType())
		}
		p1 := byte(record)<<3 + keyIndex
		if c.ProductType() == ProductPrimeRevision2 {
			p1 += 0x80
		}
		apdu = protocol.NewCommand(protocol.ClassLegacy, protocol.InsOpenSession, protocol.Parameter(p1), protocol.Parameter(sfi<<3), slices.Clone(samChallenge))
	case ProductPrimeRevision3, ProductLight, ProductBasic:
		p1 := byte(record)<<3 + keyIndex
		p2 := sfi<<3 | 0x01
		data := slices.Clone(samChallenge)
		if o.extended {
			p2 = sfi<<3 | 0x02
			data = append([]byte{0x00}, samChallenge...)
		}
		apdu = protocol.NewCommand(protocol.ClassISO, protocol.InsOpenSession, protocol.Parameter(p1), protocol.Parameter(p2), data)
	default:
		return nil, fmt.Errorf("%w: product type %s isn't supported", ErrIllegalArgument, c.ProductType())
	}
	o.apdu = apdu.WithLe(0).WithName(fmt.Sprintf("Open Secure Session KEY %d SFI %02Xh REC %d", keyIndex, sfi, record))
	o.statuses = openSessionStatuses
	return o, nil
}

func (o *OpenSession) Apply(c *Card, resp protocol.Response, inSession bool) error {
	if err := o.check(resp); err != nil {
		return err
	}
	if err := o.parse(resp.Data); err != nil {
		return err
	}
	c.setDFRatified(o.ratified)
	if len(o.recordData) > 0 {
		c.setRecord(o.sfi, o.record, o.recordData)
	}
	return nil
}

func (o *OpenSession) parse(data []byte) error {
	o.raw = slices.Clone(data)
	switch o.product {
	case ProductPrimeRevision1:
		return o.parseLegacy(data, 0)
	case ProductPrimeRevision2:
		return o.parseLegacy(data, 1)
	default:
		return o.parseRev3(data)
	}
}

func (o *OpenSession) parseRev3(data []byte) error {
	off := 0
	if o.extended {
		off = 4
	}
	if len(data) < 8+off || len(data) < 8+off+int(data[7+off]) {
		return fmt.Errorf("%w: %s: response of %d bytes", ErrUnexpectedResponse, o.Name(), len(data))
	}
	if o.extended {
		o.ratified = data[8]&0x01 == 0
		o.manageAuthorized = data[8]&0x02 != 0
	} else {
		o.ratified = data[4] == 0x00
	}
	kif, kvc := data[5+off], data[6+off]
	o.kif, o.kvc = &kif, &kvc
	n := int(data[7+off])
	o.recordData = slices.Clone(data[8+off : 8+off+n])
	o.transactionCounter = slices.Clone(data[0:3])
	o.challenge = slices.Clone(data[3 : 4+off])
	return nil
}

// parseLegacy decodes Rev1 (kvcLen 0) and Rev2.4 (kvcLen 1) responses:
// [KVC] TC(3) RN(1) [ratification(2)] [record(29)].
func (o *OpenSession) parseLegacy(data []byte, kvcLen int) error {
	base := 4 + kvcLen
	switch len(data) {
	case base:
		o.ratified = true
	case base + 29:
		o.ratified = true
		o.recordData = slices.Clone(data[base:])
	case base + 2:
		o.ratified = false
	case base + 2 + 29:
		o.ratified = false
		o.recordData = slices.Clone(data[base+2:])
	default:
		return fmt.Errorf("%w: %s: bad response length %d", ErrUnexpectedResponse, o.Name(), len(data))
	}
	if kvcLen == 1 {
		kvc := data[0]
		o.kvc = &kvc
	}
	o.transactionCounter = slices.Clone(data[kvcLen : kvcLen+3])
	o.challenge = slices.Clone(data[kvcLen+3 : kvcLen+4])
	return nil
}

// Response returns the response data as received, used to initialize the
// session digest.
func (o *OpenSession) Response() []byte              { return slices.Clone(o.raw) }
func (o *OpenSession) CardChallenge() []byte         { return slices.Clone(o.challenge) }
func (o *OpenSession) TransactionCounter() int       { return unsigned(o.transactionCounter) }
func (o *OpenSession) PreviouslyRatified() bool      { return o.ratified }
func (o *OpenSession) ManageSessionAuthorized() bool { return o.manageAuthorized }
func (o *OpenSession) RecordData() []byte            { return slices.Clone(o.recordData) }

// KIF returns the key identifier of the session key; legacy cards do not
// return it.
func (o *OpenSession) KIF() (byte, bool) {
	if o.kif == nil {
		return 0, false
	}
	return *o.kif, true
}

// KVC returns the version of the session key; Rev1 cards do not return it.
func (o *OpenSession) KVC() (byte, bool) {
	if o.kvc == nil {
		return 0, false
	}
	return *o.kvc, true
}

var closeSessionStatuses = protocol.NewStatusTable().With(protocol.StatusTable{
	0x6700: {Info: "Lc signatureLo not supported (e.g. Lc=4 with a Revision 3.2 mode for Open Secure Session)", Err: ErrIllegalParameter},
	0x6B00: {Info: "P1 or P2 signature not supported", Err: ErrIllegalParameter},
	0x6988: {Info: "incorrect signatureLo", Err: ErrSecurityData},
	0x6985: {Info: "No session was opened", Err: ErrAccessForbidden},
})

// CloseSession is Close Secure Session, or its abort form.
type CloseSession struct {
	base
	extended bool
	abort    bool

	signature []byte
	postponed []byte
}

// NewCloseSession closes the session with the terminal signature (4 or 8
// bytes). ratificationAsked makes the card wait for a ratification command.
func NewCloseSession(c *Card, ratificationAsked bool, terminalSignature []byte) (*CloseSession, error) {
	if n := len(terminalSignature); n != 0 && n != 4 && n != 8 {
		return nil, fmt.Errorf("%w: invalid terminal session signature length %d", ErrIllegalArgument, n)
	}
	var p1 protocol.Parameter
	if ratificationAsked {
		p1 = 0x80
	}
	apdu := protocol.NewCommand(c.Class(), protocol.InsCloseSession, p1, 0x00, slices.Clone(terminalSignature)).
		WithLe(0).WithName("Close Secure Session")
	return &CloseSession{
		base:     base{apdu: apdu, statuses: closeSessionStatuses},
		extended: c.IsExtendedModeSupported(),
	}, nil
}

// NewAbortSession cancels the current session. Modifications are lost.
func NewAbortSession(c *Card) *CloseSession {
	apdu := protocol.NewCommand(c.Class(), protocol.InsCloseSession, 0x00, 0x00, nil).
		WithLe(0).WithName("Abort Secure Session")
	return &CloseSession{
		base:     base{apdu: apdu, statuses: closeSessionStatuses},
		extended: c.IsExtendedModeSupported(),
		abort:    true,
	}
}

func (cs *CloseSession) Apply(c *Card, resp protocol.Response, inSession bool) error {
	if err := cs.check(resp); err != nil {
		return err
	}
	sig := 4
	if cs.extended {
		sig = 8
	}
	d := resp.Data
	switch len(d) {
	case 0:
		cs.signature, cs.postponed = nil, nil
	case sig:
		cs.signature = slices.Clone(d)
	case sig + 4:
		cs.postponed = slices.Clone(d[1:4])
		cs.signature = slices.Clone(d[4:])
	case sig + 7:
		cs.postponed = slices.Clone(d[1:7])
		cs.signature = slices.Clone(d[7:])
	default:
		return fmt.Errorf("%w: %s: unexpected response length %d", ErrUnexpectedResponse, cs.Name(), len(d))
	}
	return nil
}

// Signature returns the low part of the card session signature.
func (cs *CloseSession) Signature() []byte { return slices.Clone(cs.signature) }

// PostponedData returns the data an SV operation postponed to the close.
func (cs *CloseSession) PostponedData() []byte { return slices.Clone(cs.postponed) }

func (cs *CloseSession) IsAbort() bool { return cs.abort }

// NewRatification returns the command that ratifies a closed session in
// contactless mode: a Read Record that the card is not expected to honour.
func NewRatification(c *Card) protocol.Command {
	return protocol.NewCommand(c.Class(), protocol.InsRatification, 0x00, 0x00, nil).
		WithLe(0).WithName("Ratification")
}

var getChallengeStatuses = protocol.NewStatusTable()

// GetChallenge asks the card for an 8-byte challenge.
type GetChallenge struct {
	base
}

func NewGetChallenge(c *Card) *GetChallenge {
	apdu := protocol.NewCommand(c.Class(), protocol.InsGetChallenge, 0x00, 0x00, nil).
		WithLe(0x08).WithName("Get Challenge")
	return &GetChallenge{base{apdu: apdu, statuses: getChallengeStatuses}}
}

func (g *GetChallenge) Apply(c *Card, resp protocol.Response, inSession bool) error {
	if err := g.check(resp); err != nil {
		return err
	}
	c.setCardChallenge(resp.Data)
	return nil
}
