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
	"fmt"
	"maps"
	"slices"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/card"
	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/protocol"
	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/sam"
)

func (t *CardTransaction) requireProduct(command string, types ...card.ProductType) error {
	if !slices.Contains(types, t.card.ProductType()) {
		return fmt.Errorf("%w: %s is not available for a %s card", ErrUnsupported, command, t.card.ProductType())
	}
	return nil
}

func checkRange(name string, v, lo, hi int) error {
	if v < lo || v > hi {
		return fmt.Errorf("%w: %s %d not in [%d..%d]", ErrIllegalArgument, name, v, lo, hi)
	}
	return nil
}

// PrepareReleaseChannel releases the card channel after the next process
// operation.
func (t *CardTransaction) PrepareReleaseChannel() {
	t.release = true
}

func (t *CardTransaction) PrepareSelectFile(lid uint16) error {
	return t.add(card.NewSelectFileByLID(t.card, lid))
}

func (t *CardTransaction) PrepareSelectFileControl(ctrl card.SelectFileControl) error {
	cmd, err := card.NewSelectFileByControl(t.card, ctrl)
	if err != nil {
		return err
	}
	return t.add(cmd)
}

func (t *CardTransaction) PrepareGetData(tag protocol.DataTag) error {
	cmd, err := card.NewGetData(t.card, tag)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupported, err)
	}
	return t.add(cmd)
}

// PrepareReadRecord reads one record. Inside a session in contact mode the
// record size must be known: use PrepareReadRecords.
func (t *CardTransaction) PrepareReadRecord(sfi byte, record int) error {
	if t.state == sessionOpen && !t.reader.Contactless() {
		return fmt.Errorf("%w: explicit record size is expected inside a secure session in contact mode", ErrIllegalState)
	}
	cmd, err := card.NewReadRecords(t.card, sfi, record, card.ReadOneRecord, 0)
	if err != nil {
		return err
	}
	return t.add(cmd)
}

// PrepareReadRecords reads the records from to to of sfi, all recordSize
// bytes long. The reading is split over as many commands as the card
// payload capacity requires.
func (t *CardTransaction) PrepareReadRecords(sfi byte, from, to, recordSize int) error {
	if err := checkRange("first record", from, card.RecordNumberMin, card.RecordNumberMax); err != nil {
		return err
	}
	if err := checkRange("last record", to, from, card.RecordNumberMax); err != nil {
		return err
	}
	if to == from {
		cmd, err := card.NewReadRecords(t.card, sfi, from, card.ReadOneRecord, recordSize)
		if err != nil {
			return err
		}
		return t.add(cmd)
	}

	// Each record comes with a 2 byte header in a multiple records read.
	perRecord := recordSize + 2
	if err := checkRange("record size", recordSize, 1, t.card.PayloadCapacity()-2); err != nil {
		return err
	}
	perAPDU := t.card.PayloadCapacity() / perRecord
	current, remaining := from, to-from+1
	for current < to {
		n := min(remaining, perAPDU)
		cmd, err := card.NewReadRecords(t.card, sfi, current, card.ReadMultipleRecords, n*perRecord)
		if err != nil {
			return err
		}
		if err := t.add(cmd); err != nil {
			return err
		}
		current += n
		remaining -= n
	}
	if current == to {
		cmd, err := card.NewReadRecords(t.card, sfi, current, card.ReadOneRecord, recordSize)
		if err != nil {
			return err
		}
		return t.add(cmd)
	}
	return nil
}

// PrepareReadRecordsPartially reads length bytes at offset in the records
// from to to of sfi.
func (t *CardTransaction) PrepareReadRecordsPartially(sfi byte, from, to, offset, length int) error {
	if err := t.requireProduct("Read Record Multiple", card.ProductPrimeRevision3, card.ProductLight); err != nil {
		return err
	}
	if err := checkRange("first record", from, card.RecordNumberMin, card.RecordNumberMax); err != nil {
		return err
	}
	if err := checkRange("last record", to, from, card.RecordNumberMax); err != nil {
		return err
	}
	if err := checkRange("offset", offset, 0, card.OffsetMax); err != nil {
		return err
	}
	if err := checkRange("length", length, card.DataLengthMin, card.DataLengthMax-offset); err != nil {
		return err
	}
	perAPDU := t.card.PayloadCapacity() / length
	for current := from; current <= to; current += perAPDU {
		cmd, err := card.NewReadRecordMultiple(t.card, sfi, current, offset, length)
		if err != nil {
			return err
		}
		if err := t.add(cmd); err != nil {
			return err
		}
	}
	return nil
}

// PrepareReadBinary reads length bytes at offset in the binary file sfi.
func (t *CardTransaction) PrepareReadBinary(sfi byte, offset, length int) error {
	if err := t.requireProduct("Read Binary", card.ProductPrimeRevision3); err != nil {
		return err
	}
	if err := checkRange("offset", offset, 0, card.OffsetBinaryMax); err != nil {
		return err
	}
	if length < 1 {
		return fmt.Errorf("%w: length %d", ErrIllegalArgument, length)
	}
	if err := t.selectBinaryFile(sfi); err != nil {
		return err
	}
	for remaining := length; remaining > 0; {
		n := min(remaining, t.card.PayloadCapacity())
		cmd, err := card.NewReadBinary(t.card, sfi, offset, n)
		if err != nil {
			return err
		}
		if err := t.add(cmd); err != nil {
			return err
		}
		offset += n
		remaining -= n
	}
	return nil
}

// selectBinaryFile reads one byte of sfi so that it becomes the current
// file: offsets above 255 leave no room for the SFI in the command.
func (t *CardTransaction) selectBinaryFile(sfi byte) error {
	if sfi == 0 {
		return nil
	}
	cmd, err := card.NewReadBinary(t.card, sfi, 0, 1)
	if err != nil {
		return err
	}
	return t.add(cmd)
}

// PrepareReadCounter reads the n first counters of sfi.
func (t *CardTransaction) PrepareReadCounter(sfi byte, n int) error {
	if err := checkRange("counters", n, card.CounterNumberMin, card.CounterNumberMax); err != nil {
		return err
	}
	return t.PrepareReadRecords(sfi, 1, 1, n*3)
}

// PrepareSearchRecords searches the records matching d. The matching record
// numbers are stored in d once processed.
func (t *CardTransaction) PrepareSearchRecords(d *card.SearchCommandData) error {
	if err := t.requireProduct("Search Record Multiple", card.ProductPrimeRevision3); err != nil {
		return err
	}
	cmd, err := card.NewSearchRecordMultiple(t.card, d)
	if err != nil {
		return err
	}
	return t.add(cmd)
}

func (t *CardTransaction) PrepareAppendRecord(sfi byte, data []byte) error {
	return t.prepareRecordWrite(card.RecordAppend, sfi, 0, data)
}

func (t *CardTransaction) PrepareUpdateRecord(sfi byte, record int, data []byte) error {
	return t.prepareRecordWrite(card.RecordUpdate, sfi, record, data)
}

func (t *CardTransaction) PrepareWriteRecord(sfi byte, record int, data []byte) error {
	return t.prepareRecordWrite(card.RecordWrite, sfi, record, data)
}

func (t *CardTransaction) prepareRecordWrite(mode card.RecordWriteMode, sfi byte, record int, data []byte) error {
	cmd, err := card.NewRecordWriter(t.card, mode, sfi, record, data)
	if err != nil {
		return err
	}
	return t.add(cmd)
}

func (t *CardTransaction) PrepareUpdateBinary(sfi byte, offset int, data []byte) error {
	return t.prepareBinaryWrite(true, sfi, offset, data)
}

func (t *CardTransaction) PrepareWriteBinary(sfi byte, offset int, data []byte) error {
	return t.prepareBinaryWrite(false, sfi, offset, data)
}

// prepareBinaryWrite splits data in chunks fitting the card payload.
func (t *CardTransaction) prepareBinaryWrite(update bool, sfi byte, offset int, data []byte) error {
	if err := t.requireProduct("Update/Write Binary", card.ProductPrimeRevision3); err != nil {
		return err
	}
	if err := checkRange("offset", offset, 0, card.OffsetBinaryMax); err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty data", ErrIllegalArgument)
	}
	if err := t.selectBinaryFile(sfi); err != nil {
		return err
	}
	for chunk := range slices.Chunk(data, t.card.PayloadCapacity()) {
		cmd, err := card.NewBinaryWriter(t.card, update, sfi, offset, chunk)
		if err != nil {
			return err
		}
		if err := t.add(cmd); err != nil {
			return err
		}
		offset += len(chunk)
	}
	return nil
}

func (t *CardTransaction) PrepareIncreaseCounter(sfi byte, counter, value int) error {
	return t.prepareCounterChange(false, sfi, counter, value)
}

func (t *CardTransaction) PrepareDecreaseCounter(sfi byte, counter, value int) error {
	return t.prepareCounterChange(true, sfi, counter, value)
}

func (t *CardTransaction) prepareCounterChange(decrease bool, sfi byte, counter, value int) error {
	cmd, err := card.NewCounterChange(t.card, decrease, sfi, counter, value)
	if err != nil {
		return err
	}
	return t.add(cmd)
}

// PrepareIncreaseCounters increases several counters of sfi; values maps
// counter numbers to increments.
func (t *CardTransaction) PrepareIncreaseCounters(sfi byte, values map[int]int) error {
	return t.prepareCountersChange(false, sfi, values)
}

// PrepareDecreaseCounters decreases several counters of sfi; values maps
// counter numbers to decrements.
func (t *CardTransaction) PrepareDecreaseCounters(sfi byte, values map[int]int) error {
	return t.prepareCountersChange(true, sfi, values)
}

func (t *CardTransaction) prepareCountersChange(decrease bool, sfi byte, values map[int]int) error {
	if err := t.requireProduct("Increase/Decrease Multiple", card.ProductPrimeRevision3, card.ProductPrimeRevision2); err != nil {
		return err
	}
	if err := checkRange("counters", len(values), card.CounterNumberMin, card.CounterNumberMax); err != nil {
		return err
	}
	perAPDU := t.card.PayloadCapacity() / 4
	for keys := range slices.Chunk(slices.Sorted(maps.Keys(values)), perAPDU) {
		part := make(map[int]int, len(keys))
		for _, k := range keys {
			part[k] = values[k]
		}
		cmd, err := card.NewCounterChangeMultiple(t.card, decrease, sfi, part)
		if err != nil {
			return err
		}
		if err := t.add(cmd); err != nil {
			return err
		}
	}
	return nil
}

// PrepareSetCounter increases or decreases counter of sfi to reach value.
// The current value must have been read.
func (t *CardTransaction) PrepareSetCounter(sfi byte, counter, value int) error {
	var old int
	var ok bool
	if ef := t.card.FileBySFI(sfi); ef != nil {
		var err error
		if old, ok, err = ef.Data.Counter(counter); err != nil {
			return fmt.Errorf("%w: %w", ErrIllegalState, err)
		}
	}
	if !ok {
		return fmt.Errorf("%w: the value of counter %d in file %02Xh is not available", ErrIllegalState, counter, sfi)
	}
	switch delta := value - old; {
	case delta > 0:
		t.logger.Debug("increasing counter", "sfi", sfi, "counter", counter, "from", old, "to", value)
		return t.PrepareIncreaseCounter(sfi, counter, delta)
	case delta < 0:
		t.logger.Debug("decreasing counter", "sfi", sfi, "counter", counter, "from", old, "to", value)
		return t.PrepareDecreaseCounter(sfi, counter, -delta)
	default:
		t.logger.Info("counter already set", "sfi", sfi, "counter", counter, "value", value)
		return nil
	}
}

// PrepareCheckPinStatus reads the number of PIN attempts remaining.
func (t *CardTransaction) PrepareCheckPinStatus() error {
	if !t.card.IsPINFeatureAvailable() {
		return fmt.Errorf("%w: PIN is not available for this card", ErrUnsupported)
	}
	return t.add(card.NewVerifyPinReadCounter(t.card))
}

func (t *CardTransaction) samProduct() (sam.ProductType, bool) {
	if t.setting == nil {
		return sam.ProductUnknown, false
	}
	return t.setting.SAM().ProductType(), true
}

// PrepareSvGet reads the SV status before the SV operation op. action tells
// whether the debit to come is a debit or an undebit.
func (t *CardTransaction) PrepareSvGet(op card.SvOperation, action card.SvAction) error {
	if !t.card.IsSvFeatureAvailable() {
		return fmt.Errorf("%w: Stored Value is not available for this card", ErrUnsupported)
	}
	product, ok := t.samProduct()
	extended := t.card.IsExtendedModeSupported() && (!ok || product == sam.ProductC1)
	if t.setting != nil && t.setting.IsSvLoadAndDebitLogEnabled() && !extended {
		// Without the extended mode one SV Get returns one log only.
		other := card.SvReload
		if op == card.SvReload {
			other = card.SvDebit
		}
		if err := t.add(card.NewSvGet(t.card, other, false)); err != nil {
			return err
		}
	}
	if err := t.add(card.NewSvGet(t.card, op, extended)); err != nil {
		return err
	}
	t.svAction = action
	return nil
}

// svExtendedAllowed tells whether SV operations may use the extended mode.
func (t *CardTransaction) svExtendedAllowed() bool {
	product, ok := t.samProduct()
	return t.card.IsExtendedModeSupported() && ok && product == sam.ProductC1
}

// checkSvInSession allows one SV operation per secure session.
func (t *CardTransaction) checkSvInSession() error {
	if t.state != sessionOpen {
		return nil
	}
	if t.svInSession {
		return fmt.Errorf("%w: only one SV operation is allowed per secure session", ErrIllegalState)
	}
	return nil
}

// checkSvKey checks the SV key designated by the KVC of the last SV Get, its
// KIF being the one assigned to level.
func (t *CardTransaction) checkSvKey(level card.WriteAccessLevel) error {
	if t.sam == nil {
		return nil
	}
	kvc := t.card.SvKVC()
	kif := t.sam.computeKIF(level, nil, &kvc)
	if !t.setting.IsSvKeyAuthorized(kif, &kvc) {
		return fmt.Errorf("%w: SV key KIF=%s KVC=%02Xh", ErrUnauthorizedKey, keyString(kif), kvc)
	}
	return nil
}

var svZero = []byte{0x00, 0x00}

// PrepareSvReload reloads amount, with zero date, time and free data.
func (t *CardTransaction) PrepareSvReload(amount int) error {
	return t.PrepareSvReloadAt(amount, svZero, svZero, svZero)
}

// PrepareSvReloadAt reloads amount. date, time and free are 2 bytes each
// and go to the load log.
func (t *CardTransaction) PrepareSvReloadAt(amount int, date, time, free []byte) error {
	cmd, err := card.NewSvReload(t.card, amount, t.card.SvKVC(), date, time, free, t.svExtendedAllowed())
	if err != nil {
		return err
	}
	if err := t.checkSvInSession(); err != nil {
		return err
	}
	if err := t.checkSvKey(card.LevelLoad); err != nil {
		return err
	}
	if err := t.add(cmd); err != nil {
		return err
	}
	t.svInSession = t.state == sessionOpen
	t.svAmount = amount
	return nil
}

// PrepareSvDebit debits, or undebits, amount with zero date and time.
func (t *CardTransaction) PrepareSvDebit(amount int) error {
	return t.PrepareSvDebitAt(amount, svZero, svZero)
}

// PrepareSvDebitAt debits amount, or cancels a debit of amount when the SV
// Get was prepared with card.SvUndo.
func (t *CardTransaction) PrepareSvDebitAt(amount int, date, time []byte) error {
	if t.svAction == card.SvDo && (t.setting == nil || !t.setting.IsSvNegativeBalanceAuthorized()) {
		balance, err := t.card.SvBalance()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrIllegalState, err)
		}
		if balance-amount < 0 {
			return fmt.Errorf("%w: negative balances not allowed", ErrIllegalState)
		}
	}
	cmd, err := card.NewSvDebit(t.card, t.svAction, amount, t.card.SvKVC(), date, time, t.svExtendedAllowed())
	if err != nil {
		return err
	}
	if err := t.checkSvInSession(); err != nil {
		return err
	}
	if err := t.checkSvKey(card.LevelDebit); err != nil {
		return err
	}
	if err := t.add(cmd); err != nil {
		return err
	}
	t.svInSession = t.state == sessionOpen
	t.svAmount = amount
	return nil
}

// PrepareSvReadAllLogs reads the SV load and debit log files.
func (t *CardTransaction) PrepareSvReadAllLogs() error {
	if !t.card.IsSvFeatureAvailable() {
		return fmt.Errorf("%w: Stored Value is not available for this card", ErrUnsupported)
	}
	if t.card.ApplicationSubtype() != card.StoredValueFileStructureID {
		return fmt.Errorf("%w: the current application is not an SV application", ErrUnsupported)
	}
	t.card.ResetSvData()
	if err := t.PrepareReadRecords(card.SvReloadLogFileSFI, 1, card.SvReloadLogFileRecords, card.SvLogFileRecordLength); err != nil {
		return err
	}
	return t.PrepareReadRecords(card.SvDebitLogFileSFI, 1, card.SvDebitLogFileRecords, card.SvLogFileRecordLength)
}

func (t *CardTransaction) PrepareInvalidate() error {
	if t.card.IsDFInvalidated() {
		return fmt.Errorf("%w: the card is already invalidated", ErrIllegalState)
	}
	return t.add(card.NewInvalidate(t.card))
}

func (t *CardTransaction) PrepareRehabilitate() error {
	if !t.card.IsDFInvalidated() {
		return fmt.Errorf("%w: the card is not invalidated", ErrIllegalState)
	}
	return t.add(card.NewRehabilitate(t.card))
}
