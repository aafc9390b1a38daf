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

// Package card models a Calypso card: the image of its application built
// from selection data and command responses, and the commands that read and
// modify it.
package card

import (
	"fmt"
	"slices"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/protocol"
)

const (
	rev1ATRLength           = 20
	rev1ModificationsMax    = 3
	rev2ModificationsMax    = 6
	basicModificationsMax   = 3
	startupInfoMinLength    = 7
	siBufferSizeIndicator   = 0
	siPlatform              = 1
	siApplicationType       = 2
	siApplicationSubtype    = 3
	siSoftwareIssuer        = 4
	siSoftwareVersion       = 5
	siSoftwareRevision      = 6
	appTypeWithPIN          = 0x01
	appTypeWithSV           = 0x02
	appTypeRatificationCmd  = 0x04
	appTypeRev32Mode        = 0x08
	appTypeWithPublicAuthen = 0x10
)

var bufferSizeIndicatorToBufferSize = [...]int{
	0, 0, 0, 0, 0, 0, 215, 256, 304, 362, 430, 512, 608, 724, 861, 1024, 1217, 1448, 1722, 2048,
	2435, 2896, 3444, 4096, 4870, 5792, 6888, 8192, 9741, 11585, 13777, 16384, 19483, 23170,
	27554, 32768, 38967, 46340, 55108, 65536, 77935, 92681, 110217, 131072, 155871, 185363,
	220435, 262144, 311743, 370727, 440871, 524288, 623487, 741455, 881743, 1048576,
}

// Card is the image of a Calypso card application.
//
// It is filled at selection time and updated by every command response. A
// Card is not safe for concurrent use.
type Card struct {
	powerOnData    []byte
	selectResponse []byte

	dfName      []byte
	serial      []byte
	startupInfo []byte
	productType ProductType
	class       protocol.Class

	applicationType     byte
	applicationSubtype  byte
	sessionModification byte

	hce                    bool
	extendedMode           bool
	ratificationOnDeselect bool
	pki                    bool
	svFeature              bool
	pinFeature             bool

	modificationsInBytes bool
	modificationsMax     int

	dfInvalidated bool
	dfRatified    *bool

	pinAttempts *int

	challenge    []byte
	traceability []byte
	directory    *DirectoryHeader
	files        []*ElementaryFile
	filesBackup  []*ElementaryFile
	currentSFI   byte
	currentLID   uint16

	svKVC                byte
	svGetHeader          []byte
	svGetData            []byte
	svBalance            *int
	svLastTNum           int
	svLoadLog            *SvLoadLogRecord
	svDebitLog           *SvDebitLogRecord
	svOperationSignature []byte
}

// New returns an empty card image. It is normally obtained through a
// Selector.
func New() *Card {
	return &Card{
		class:                protocol.ClassUnknown,
		modificationsInBytes: true,
	}
}

// InitializeWithPowerOnData builds the image of a Revision 1 card from its
// ATR, which carries the serial number and the startup information.
func (c *Card) InitializeWithPowerOnData(atr []byte) error {
	if len(atr) != rev1ATRLength {
		return fmt.Errorf("%w: unexpected ATR length %d", ErrIllegalArgument, len(atr))
	}
	c.powerOnData = slices.Clone(atr)
	c.dfName = nil
	c.serial = make([]byte, 8)
	copy(c.serial[4:], atr[12:16])
	c.modificationsInBytes = false
	c.modificationsMax = rev1ModificationsMax
	c.startupInfo = make([]byte, startupInfoMinLength)
	c.startupInfo[0] = byte(c.modificationsMax)
	copy(c.startupInfo[1:], atr[6:12])
	c.ratificationOnDeselect = true
	c.productType = ProductPrimeRevision1
	c.class = protocol.ClassLegacy
	return nil
}

// SetPowerOnData records the ATR of a card selected by AID.
func (c *Card) SetPowerOnData(atr []byte) {
	c.powerOnData = slices.Clone(atr)
}

// InitializeWithFCI builds the image from the response to Select
// Application or Get Data (FCI). An empty response is ignored.
func (c *Card) InitializeWithFCI(resp protocol.Response) error {
	c.selectResponse = resp.Bytes()
	if len(resp.Data) == 0 {
		return nil
	}
	fci, err := parseFCI(resp)
	if err != nil {
		return err
	}
	c.dfInvalidated = fci.dfInvalidated
	c.dfName = fci.dfName
	c.serial = fci.serial
	c.startupInfo = fci.discretionaryData

	c.applicationType = c.startupInfo[siApplicationType]
	c.productType, err = computeProductType(c.applicationType)
	if err != nil {
		return err
	}
	c.applicationSubtype = c.startupInfo[siApplicationSubtype]
	if c.applicationSubtype == 0x00 || c.applicationSubtype == 0xFF {
		return fmt.Errorf("%w: unexpected application subtype %02Xh", ErrIllegalArgument, c.applicationSubtype)
	}
	c.sessionModification = c.startupInfo[siBufferSizeIndicator]

	switch c.productType {
	case ProductPrimeRevision2:
		c.class = protocol.ClassLegacy
		c.modificationsInBytes = false
		c.modificationsMax = rev2ModificationsMax
	case ProductBasic:
		if c.sessionModification < 0x04 || c.sessionModification > 0x37 {
			return fmt.Errorf("%w: session modification byte %02Xh out of range 04h..37h", ErrIllegalArgument, c.sessionModification)
		}
		c.class = protocol.ClassISO
		c.modificationsInBytes = false
		c.modificationsMax = basicModificationsMax
	default:
		if c.sessionModification < 0x06 || c.sessionModification > 0x37 {
			return fmt.Errorf("%w: session modification byte %02Xh out of range 06h..37h", ErrIllegalArgument, c.sessionModification)
		}
		c.class = protocol.ClassISO
		c.modificationsInBytes = true
		c.modificationsMax = bufferSizeIndicatorToBufferSize[c.sessionModification]
	}

	if c.productType == ProductPrimeRevision3 {
		c.extendedMode = c.applicationType&appTypeRev32Mode != 0
		c.ratificationOnDeselect = c.applicationType&appTypeRatificationCmd == 0
		c.pki = c.applicationType&appTypeWithPublicAuthen != 0
	}
	if c.productType == ProductPrimeRevision3 || c.productType == ProductPrimeRevision2 {
		c.svFeature = c.applicationType&appTypeWithSV != 0
		c.pinFeature = c.applicationType&appTypeWithPIN != 0
	}
	c.hce = c.serial[3]&0x80 != 0
	return nil
}

func computeProductType(appType byte) (ProductType, error) {
	switch {
	case appType == 0:
		return ProductUnknown, fmt.Errorf("%w: invalid application type 00h", ErrIllegalArgument)
	case appType == 0xFF:
		return ProductUnknown, nil
	case appType <= 0x1F:
		return ProductPrimeRevision2, nil
	case appType >= 0x90 && appType <= 0x97:
		return ProductLight, nil
	case appType >= 0x98 && appType <= 0x9F:
		return ProductBasic, nil
	default:
		return ProductPrimeRevision3, nil
	}
}

func (c *Card) ProductType() ProductType { return c.productType }
func (c *Card) Class() protocol.Class    { return c.class }
func (c *Card) IsHCE() bool              { return c.hce }
func (c *Card) DFName() []byte           { return slices.Clone(c.dfName) }
func (c *Card) PowerOnData() []byte      { return slices.Clone(c.powerOnData) }

// SelectApplicationResponse returns the raw response (data and status word)
// used to initialize the card, or nil.
func (c *Card) SelectApplicationResponse() []byte { return slices.Clone(c.selectResponse) }

// SerialNumberFull returns the 8-byte Calypso serial number.
func (c *Card) SerialNumberFull() []byte { return slices.Clone(c.serial) }

// ApplicationSerialNumber returns the serial number with its two leading
// bytes cleared.
func (c *Card) ApplicationSerialNumber() []byte {
	s := slices.Clone(c.serial)
	if len(s) >= 2 {
		s[0], s[1] = 0, 0
	}
	return s
}

func (c *Card) StartupInfo() []byte { return slices.Clone(c.startupInfo) }

func (c *Card) startupByte(i int) byte {
	if i >= len(c.startupInfo) {
		return 0
	}
	return c.startupInfo[i]
}

func (c *Card) SessionModification() byte { return c.sessionModification }
func (c *Card) Platform() byte            { return c.startupByte(siPlatform) }
func (c *Card) ApplicationType() byte     { return c.applicationType }
func (c *Card) ApplicationSubtype() byte  { return c.applicationSubtype }
func (c *Card) SoftwareIssuer() byte      { return c.startupByte(siSoftwareIssuer) }
func (c *Card) SoftwareVersion() byte     { return c.startupByte(siSoftwareVersion) }
func (c *Card) SoftwareRevision() byte    { return c.startupByte(siSoftwareRevision) }

func (c *Card) IsExtendedModeSupported() bool           { return c.extendedMode }
func (c *Card) IsRatificationOnDeselectSupported() bool { return c.ratificationOnDeselect }
func (c *Card) IsSvFeatureAvailable() bool              { return c.svFeature }
func (c *Card) IsPINFeatureAvailable() bool             { return c.pinFeature }
func (c *Card) IsPKIModeSupported() bool                { return c.pki }

// PayloadCapacity is the maximum data length of a single command.
func (c *Card) PayloadCapacity() int { return PayloadCapacity }

// IsModificationsCounterInBytes reports whether the session buffer is
// counted in bytes rather than in commands.
func (c *Card) IsModificationsCounterInBytes() bool { return c.modificationsInBytes }

// ModificationsCounter returns the session buffer size, in bytes or in
// commands.
func (c *Card) ModificationsCounter() int { return c.modificationsMax }

func (c *Card) IsDFInvalidated() bool { return c.dfInvalidated }

// IsDFRatified returns the ratification status reported by the last Open
// Secure Session.
func (c *Card) IsDFRatified() (bool, error) {
	if c.dfRatified == nil {
		return false, fmt.Errorf("%w: no session was opened", ErrState)
	}
	return *c.dfRatified, nil
}

func (c *Card) setDFRatified(v bool) {
	c.dfRatified = &v
}

func (c *Card) TraceabilityInformation() []byte { return slices.Clone(c.traceability) }

func (c *Card) setTraceabilityInformation(b []byte) {
	c.traceability = slices.Clone(b)
}

// CardChallenge returns the last challenge returned by Get Challenge or Open
// Secure Session.
func (c *Card) CardChallenge() []byte { return slices.Clone(c.challenge) }

func (c *Card) setCardChallenge(b []byte) {
	c.challenge = slices.Clone(b)
}

// PINAttemptsRemaining returns the number of PIN presentations left.
func (c *Card) PINAttemptsRemaining() (int, error) {
	if c.pinAttempts == nil {
		return 0, fmt.Errorf("%w: PIN status has not been checked", ErrState)
	}
	return *c.pinAttempts, nil
}

func (c *Card) IsPINBlocked() (bool, error) {
	n, err := c.PINAttemptsRemaining()
	return n == 0, err
}

func (c *Card) setPINAttemptsRemaining(n int) {
	c.pinAttempts = &n
}

func (c *Card) DirectoryHeader() *DirectoryHeader { return c.directory }

func (c *Card) setDirectoryHeader(h *DirectoryHeader) {
	c.directory = h
	c.dfInvalidated = h.DFStatus&0x01 != 0
}

// FileBySFI returns the file with the given SFI, or nil.
func (c *Card) FileBySFI(sfi byte) *ElementaryFile {
	if sfi == 0 {
		return nil
	}
	for _, ef := range c.files {
		if ef.SFI == sfi {
			return ef
		}
	}
	return nil
}

// FileByLID returns the file whose header has the given LID, or nil.
func (c *Card) FileByLID(lid uint16) *ElementaryFile {
	for _, ef := range c.files {
		if ef.Header != nil && ef.Header.LID == lid {
			return ef
		}
	}
	return nil
}

// Files returns every file known so far, in discovery order.
func (c *Card) Files() []*ElementaryFile {
	return slices.Clone(c.files)
}

// FilesBySFI returns the files having an SFI, keyed by SFI.
func (c *Card) FilesBySFI() map[byte]*ElementaryFile {
	out := make(map[byte]*ElementaryFile)
	for _, ef := range c.files {
		if ef.SFI != 0 {
			out[ef.SFI] = ef
		}
	}
	return out
}

func (c *Card) updateCurrentSFI(sfi byte) {
	if sfi != 0 {
		c.currentSFI = sfi
	}
}

func (c *Card) updateCurrentLID(lid uint16) {
	if lid != 0 {
		c.currentLID = lid
	}
}

// currentFile returns the current EF, creating it when unknown.
func (c *Card) currentFile() *ElementaryFile {
	switch {
	case c.currentSFI != 0:
		for _, ef := range c.files {
			if ef.SFI == c.currentSFI {
				return ef
			}
		}
	case c.currentLID != 0:
		for _, ef := range c.files {
			if ef.Header != nil && ef.Header.LID == c.currentLID {
				return ef
			}
		}
	}
	ef := &ElementaryFile{SFI: c.currentSFI, Data: newFileData()}
	c.files = append(c.files, ef)
	return ef
}

func (c *Card) setFileHeader(sfi byte, h *FileHeader) {
	c.updateCurrentSFI(sfi)
	c.updateCurrentLID(h.LID)
	ef := c.currentFile()
	if ef.Header == nil {
		ef.Header = h
		return
	}
	ef.Header.merge(h)
}

func (c *Card) setRecord(sfi byte, n int, content []byte) {
	c.updateCurrentSFI(sfi)
	c.currentFile().Data.setRecord(n, content)
}

func (c *Card) setContent(sfi byte, n int, content []byte, offset int) {
	c.updateCurrentSFI(sfi)
	c.currentFile().Data.setContent(n, content, offset)
}

func (c *Card) setCounter(sfi byte, n int, value []byte) {
	c.updateCurrentSFI(sfi)
	c.currentFile().Data.setCounter(n, value)
}

func (c *Card) fillContent(sfi byte, n int, content []byte, offset int) {
	c.updateCurrentSFI(sfi)
	c.currentFile().Data.fillContent(n, content, offset)
}

func (c *Card) addCyclicContent(sfi byte, content []byte) {
	c.updateCurrentSFI(sfi)
	c.currentFile().Data.addCyclicContent(content)
}

// BackupFiles saves a deep copy of the files, restored by RestoreFiles when
// a session is cancelled.
func (c *Card) BackupFiles() {
	c.filesBackup = cloneFiles(c.files)
}

func (c *Card) RestoreFiles() {
	c.files = cloneFiles(c.filesBackup)
}

func cloneFiles(src []*ElementaryFile) []*ElementaryFile {
	out := make([]*ElementaryFile, 0, len(src))
	for _, ef := range src {
		out = append(out, ef.clone())
	}
	return out
}

func (c *Card) setSvData(kvc byte, header, data []byte, balance, tnum int, load *SvLoadLogRecord, debit *SvDebitLogRecord) {
	c.svKVC = kvc
	c.svGetHeader = slices.Clone(header)
	c.svGetData = slices.Clone(data)
	c.svBalance = &balance
	c.svLastTNum = tnum
	// An SV Get returns one log only; the other one is kept.
	if load != nil {
		c.svLoadLog = load
	}
	if debit != nil {
		c.svDebitLog = debit
	}
}

// ResetSvData forgets the SV data read so far. The logs are then taken from
// the SV log files.
func (c *Card) ResetSvData() {
	c.svKVC = 0
	c.svGetHeader = nil
	c.svGetData = nil
	c.svBalance = nil
	c.svLastTNum = 0
	c.svLoadLog = nil
	c.svDebitLog = nil
}

// SvBalance returns the balance read by the last SV Get.
func (c *Card) SvBalance() (int, error) {
	if c.svBalance == nil {
		return 0, fmt.Errorf("%w: no SV Get command has been executed", ErrState)
	}
	return *c.svBalance, nil
}

func (c *Card) SvLastTNum() (int, error) {
	if c.svBalance == nil {
		return 0, fmt.Errorf("%w: no SV Get command has been executed", ErrState)
	}
	return c.svLastTNum, nil
}

func (c *Card) SvKVC() byte { return c.svKVC }

// SvGetHeader returns the header of the last SV Get, needed by the SAM to
// prepare an SV operation.
func (c *Card) SvGetHeader() ([]byte, error) {
	if len(c.svGetHeader) == 0 {
		return nil, fmt.Errorf("%w: SV Get header not available", ErrState)
	}
	return slices.Clone(c.svGetHeader), nil
}

// SvGetData returns the full response of the last SV Get.
func (c *Card) SvGetData() ([]byte, error) {
	if len(c.svGetData) == 0 {
		return nil, fmt.Errorf("%w: SV Get data not available", ErrState)
	}
	return slices.Clone(c.svGetData), nil
}

// SvOperationSignature returns the signature returned by the last SV
// operation, checked by the SAM outside a session.
func (c *Card) SvOperationSignature() []byte { return slices.Clone(c.svOperationSignature) }

func (c *Card) setSvOperationSignature(b []byte) {
	c.svOperationSignature = slices.Clone(b)
}

// SvLoadLog returns the last load log, from SV Get or else from the reload
// log file.
func (c *Card) SvLoadLog() *SvLoadLogRecord {
	if c.svLoadLog == nil {
		if ef := c.FileBySFI(SvReloadLogFileSFI); ef != nil {
			if rec, err := ParseSvLoadLog(ef.Data.Content(), 0); err == nil {
				c.svLoadLog = rec
			}
		}
	}
	return c.svLoadLog
}

// SvDebitLogLast returns the last debit log, from SV Get or else from the
// debit log file.
func (c *Card) SvDebitLogLast() *SvDebitLogRecord {
	if c.svDebitLog == nil {
		if all := c.SvDebitLogAll(); len(all) > 0 {
			c.svDebitLog = all[0]
		}
	}
	return c.svDebitLog
}

// SvDebitLogAll decodes every record of the debit log file, most recent
// first.
func (c *Card) SvDebitLogAll() []*SvDebitLogRecord {
	ef := c.FileBySFI(SvDebitLogFileSFI)
	if ef == nil {
		return nil
	}
	recs := ef.Data.records
	var out []*SvDebitLogRecord
	for _, n := range sortedKeys(recs) {
		if rec, err := ParseSvDebitLog(recs[n], 0); err == nil {
			out = append(out, rec)
		}
	}
	return out
}

func (c *Card) String() string {
	return fmt.Sprintf("Card{product: %s, class: %s, serial: %X, dfName: %X, startupInfo: %X, files: %d}",
		c.productType, c.class, c.serial, c.dfName, c.startupInfo, len(c.files))
}
