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
	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/tlv"
)

const (
	tagDFName            = 0x84
	tagSerialNumber      = 0xC7
	tagDiscretionaryData = 0x53
	tagProprietaryInfo   = 0x85
)

var selectFileStatuses = protocol.NewStatusTable().With(protocol.StatusTable{
	0x6700: {Info: "Lc value not supported", Err: ErrIllegalParameter},
	0x6A82: {Info: "File not found", Err: ErrDataAccess},
	0x6119: {Info: "Correct execution (ISO7816 T=0)"},
})

// SelectFile selects an EF or DF and records its header.
type SelectFile struct {
	base
}

// NewSelectFileByControl selects the first EF, the next EF or the current
// DF.
func NewSelectFileByControl(c *Card, ctrl SelectFileControl) (*SelectFile, error) {
	var p1, p2 protocol.Parameter
	switch ctrl {
	case SelectFirstEF:
		p1, p2 = 0x02, 0x00
	case SelectNextEF:
		p1, p2 = 0x02, 0x02
	case SelectCurrentDF:
		p1, p2 = 0x09, 0x00
	default:
		return nil, fmt.Errorf("%w: unsupported select file control %d", ErrIllegalArgument, ctrl)
	}
	apdu := protocol.NewCommand(c.Class(), protocol.InsSelectFile, p1, p2, []byte{0x00, 0x00}).
		WithLe(0).WithName("Select File")
	return &SelectFile{base{apdu: apdu, statuses: selectFileStatuses}}, nil
}

// NewSelectFileByLID selects a file by its 2-byte LID.
func NewSelectFileByLID(c *Card, lid uint16) *SelectFile {
	var p1 protocol.Parameter = 0x09
	if c.Class() == protocol.ClassLegacy {
		p1 = 0x08
		if c.ProductType() == ProductPrimeRevision2 {
			p1 = 0x02
		}
	}
	data := binary.BigEndian.AppendUint16(nil, lid)
	apdu := protocol.NewCommand(c.Class(), protocol.InsSelectFile, p1, 0x00, data).
		WithLe(0).WithName(fmt.Sprintf("Select File %04Xh", lid))
	return &SelectFile{base{apdu: apdu, statuses: selectFileStatuses}}
}

func (s *SelectFile) Apply(c *Card, resp protocol.Response, inSession bool) error {
	if err := s.check(resp); err != nil {
		return err
	}
	return applyFCP(c, resp.Data)
}

// applyFCP updates c with the proprietary information (tag 85) of a Select
// File or Get Data (FCP) response.
func applyFCP(c *Card, data []byte) error {
	info, ok, err := tlv.Find(data, tlv.NewTag(tagProprietaryInfo))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	if !ok || len(info) < proprietaryInformationLength {
		return fmt.Errorf("%w: proprietary information (85h) missing or short", ErrUnexpectedResponse)
	}
	sfi := info[selSFIOffset]
	switch info[selTypeOffset] {
	case fileTypeMF, fileTypeDF:
		c.setDirectoryHeader(directoryHeaderFrom(info))
	case fileTypeEF:
		h, err := fileHeaderFrom(info)
		if err != nil {
			return err
		}
		c.setFileHeader(sfi, h)
	default:
		return fmt.Errorf("%w: unknown file type %02Xh", ErrUnexpectedResponse, info[selTypeOffset])
	}
	return nil
}

func directoryHeaderFrom(info []byte) *DirectoryHeader {
	h := &DirectoryHeader{
		LID:              binary.BigEndian.Uint16(info[selLIDOffset:]),
		AccessConditions: slices.Clone(info[selACOffset : selACOffset+selACLength]),
		KeyIndexes:       slices.Clone(info[selNKeyOffset : selNKeyOffset+selNKeyLength]),
		DFStatus:         info[selDFStatusOffset],
		kifs:             make(map[WriteAccessLevel]byte),
		kvcs:             make(map[WriteAccessLevel]byte),
	}
	for i, level := range []WriteAccessLevel{LevelPersonalization, LevelLoad, LevelDebit} {
		h.kvcs[level] = info[selKVCsOffset+i]
		h.kifs[level] = info[selKIFsOffset+i]
	}
	return h
}

func fileHeaderFrom(info []byte) (*FileHeader, error) {
	typ, err := parseEFType(info[selEFTypeOffset])
	if err != nil {
		return nil, err
	}
	h := &FileHeader{
		LID:              binary.BigEndian.Uint16(info[selLIDOffset:]),
		Type:             typ,
		AccessConditions: slices.Clone(info[selACOffset : selACOffset+selACLength]),
		KeyIndexes:       slices.Clone(info[selNKeyOffset : selNKeyOffset+selNKeyLength]),
		DFStatus:         info[selDFStatusOffset],
	}
	if typ == EFBinary {
		h.RecordSize = int(info[selRecSizeOffset])<<8 | int(info[selNumRecOffset])
		h.RecordsNumber = 1
	} else {
		h.RecordSize = int(info[selRecSizeOffset])
		h.RecordsNumber = int(info[selNumRecOffset])
	}
	if ref := binary.BigEndian.Uint16(info[selDataRefOffset:]); ref != 0 {
		h.SharedReference = &ref
	}
	return h, nil
}

var getDataStatuses = protocol.NewStatusTable().With(protocol.StatusTable{
	0x6A88: {Info: "Data object not found (optional mode not available)", Err: ErrDataAccess},
	0x6B00: {Info: "P1 or P2 value not supported", Err: ErrDataAccess},
})

// GetData reads a data object of the current DF or file.
type GetData struct {
	base
	tag protocol.DataTag
}

// NewGetData builds Get Data for one of the tags TagFCIForCurrentDF,
// TagFCPForCurrentFile, TagEFList or TagTraceabilityInformation.
func NewGetData(c *Card, tag protocol.DataTag) (*GetData, error) {
	p1, p2, err := tag.Params()
	if err != nil {
		return nil, err
	}
	statuses := getDataStatuses
	switch tag {
	case protocol.TagFCIForCurrentDF:
		statuses = getDataStatuses.With(protocol.StatusTable{
			0x6283: {Info: "Successful execution, FCI request and DF is invalidated"},
		})
	case protocol.TagFCPForCurrentFile:
		statuses = getDataStatuses.With(protocol.StatusTable{
			0x6A82: {Info: "File not found", Err: ErrDataAccess},
		})
	case protocol.TagEFList, protocol.TagTraceabilityInformation:
	default:
		return nil, fmt.Errorf("%w: %s", protocol.ErrInvalidDataTag, tag)
	}
	apdu := protocol.NewCommand(c.Class(), protocol.InsGetData, p1, p2, nil).
		WithLe(0).WithName("Get Data " + tag.Name())
	return &GetData{base: base{apdu: apdu, statuses: statuses}, tag: tag}, nil
}

func (g *GetData) Apply(c *Card, resp protocol.Response, inSession bool) error {
	if err := g.check(resp); err != nil {
		return err
	}
	switch g.tag {
	case protocol.TagFCIForCurrentDF:
		return c.InitializeWithFCI(resp)
	case protocol.TagFCPForCurrentFile:
		return applyFCP(c, resp.Data)
	case protocol.TagEFList:
		headers, err := parseEFList(resp.Data)
		if err != nil {
			return err
		}
		for _, e := range headers {
			c.setFileHeader(e.sfi, e.header)
		}
	case protocol.TagTraceabilityInformation:
		c.setTraceabilityInformation(resp.Data)
	}
	return nil
}

const (
	efListDescriptorsOffset = 2
	efListDescriptorLength  = 8
	efListDescriptorData    = 2
)

type efListEntry struct {
	sfi    byte
	header *FileHeader
}

// parseEFList decodes the EF list: C0 len, then one 8-byte descriptor
// (C1 06 LID SFI type recSize numRec) per file.
func parseEFList(data []byte) ([]efListEntry, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: EF list of %d bytes", ErrUnexpectedResponse, len(data))
	}
	n := int(data[1]) / efListDescriptorLength
	if len(data) < efListDescriptorsOffset+n*efListDescriptorLength {
		return nil, fmt.Errorf("%w: EF list truncated", ErrUnexpectedResponse)
	}
	out := make([]efListEntry, 0, n)
	for i := range n {
		d := data[efListDescriptorsOffset+i*efListDescriptorLength+efListDescriptorData:]
		typ, err := parseEFType(d[3])
		if err != nil {
			return nil, err
		}
		out = append(out, efListEntry{
			sfi: d[2],
			header: &FileHeader{
				LID:           binary.BigEndian.Uint16(d[0:2]),
				Type:          typ,
				RecordSize:    int(d[4]),
				RecordsNumber: int(d[5]),
			},
		})
	}
	return out, nil
}

type fciData struct {
	dfName            []byte
	serial            []byte
	discretionaryData []byte
	dfInvalidated     bool
}

// parseFCI extracts the DF name, serial number and startup information of a
// Calypso FCI.
func parseFCI(resp protocol.Response) (*fciData, error) {
	f := &fciData{dfInvalidated: resp.SW == 0x6283}
	tags, err := tlv.Flatten(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: bad FCI format: %v", ErrIllegalArgument, err)
	}
	f.dfName = tags[tagDFName]
	if len(f.dfName) < 5 || len(f.dfName) > 16 {
		return nil, fmt.Errorf("%w: bad FCI format: DF name (84h) length %d", ErrIllegalArgument, len(f.dfName))
	}
	f.serial = tags[tagSerialNumber]
	if len(f.serial) != 8 {
		return nil, fmt.Errorf("%w: bad FCI format: serial number (C7h) length %d", ErrIllegalArgument, len(f.serial))
	}
	f.discretionaryData = tags[tagDiscretionaryData]
	if len(f.discretionaryData) < startupInfoMinLength {
		return nil, fmt.Errorf("%w: bad FCI format: discretionary data (53h) length %d", ErrIllegalArgument, len(f.discretionaryData))
	}
	return f, nil
}
