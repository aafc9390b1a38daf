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
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/protocol"
)

var (
	testLoadLog  = unhex("1234 AA 79 BB 000100 000064 5678 11223344 000007 0005")
	testDebitLog = unhex("FFF6 1234 5678 79 11223344 000008 0000F6 0006")
)

func TestParseSvLogs(t *testing.T) {
	t.Parallel()

	load, err := ParseSvLoadLog(testLoadLog, 0)
	require.NoError(t, err)
	wantLoad := &SvLoadLogRecord{
		Amount:  100,
		Balance: 256,
		Date:    HexBytes{0x12, 0x34},
		Time:    HexBytes{0x56, 0x78},
		Free:    HexBytes{0xAA, 0xBB},
		KVC:     0x79,
		SAMID:   HexBytes{0x11, 0x22, 0x33, 0x44},
		SAMTNum: 7,
		SVTNum:  5,
	}
	if diff := cmp.Diff(wantLoad, load); diff != "" {
		t.Errorf("ParseSvLoadLog() mismatch (-want +got):\n%s", diff)
	}

	debit, err := ParseSvDebitLog(testDebitLog, 0)
	require.NoError(t, err)
	wantDebit := &SvDebitLogRecord{
		Amount:  -10,
		Balance: 246,
		Date:    HexBytes{0x12, 0x34},
		Time:    HexBytes{0x56, 0x78},
		KVC:     0x79,
		SAMID:   HexBytes{0x11, 0x22, 0x33, 0x44},
		SAMTNum: 8,
		SVTNum:  6,
	}
	if diff := cmp.Diff(wantDebit, debit); diff != "" {
		t.Errorf("ParseSvDebitLog() mismatch (-want +got):\n%s", diff)
	}

	_, err = ParseSvLoadLog(testLoadLog, 1)
	assert.ErrorIs(t, err, ErrUnexpectedResponse)
	_, err = ParseSvDebitLog(testDebitLog[:18], 0)
	assert.ErrorIs(t, err, ErrUnexpectedResponse)
}

func TestSvLogJSON(t *testing.T) {
	t.Parallel()

	debit, err := ParseSvDebitLog(testDebitLog, 0)
	require.NoError(t, err)
	b, err := json.Marshal(debit)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"debitDate":"1234"`)
	assert.Contains(t, string(b), `"samId":"11223344"`)

	var back SvDebitLogRecord
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, *debit, back)
}

func TestSignedDecoding(t *testing.T) {
	t.Parallel()

	assert.Equal(t, -1, signed24([]byte{0xFF, 0xFF, 0xFF}))
	assert.Equal(t, 8388607, signed24([]byte{0x7F, 0xFF, 0xFF}))
	assert.Equal(t, -8388608, signed24([]byte{0x80, 0x00, 0x00}))
	assert.Equal(t, -32768, signed16([]byte{0x80, 0x00}))
	assert.Equal(t, []byte{0xFF, 0xFF, 0x9C}, put24(-100))
}

func TestSvGetApply(t *testing.T) {
	t.Parallel()

	t.Run("reload", func(t *testing.T) {
		t.Parallel()
		c := newTestCard(t, 0x2B)
		resp := append(unhex("79 0005 C1C2C3 D1D2 000100"), testLoadLog...)
		require.Len(t, resp, 0x21)
		cmd := NewSvGet(c, SvReload, false)
		require.NoError(t, cmd.Apply(c, ok(resp...), false))

		bal, err := c.SvBalance()
		require.NoError(t, err)
		assert.Equal(t, 256, bal)
		tnum, err := c.SvLastTNum()
		require.NoError(t, err)
		assert.Equal(t, 5, tnum)
		assert.Equal(t, byte(0x79), c.SvKVC())
		header, err := c.SvGetHeader()
		require.NoError(t, err)
		assert.Equal(t, []byte{0x7C, 0x00, 0x07, 0x00}, header)
		data, err := c.SvGetData()
		require.NoError(t, err)
		assert.Equal(t, append(resp, 0x90, 0x00), data)
		require.NotNil(t, c.SvLoadLog())
		assert.Equal(t, 100, c.SvLoadLog().Amount)
		assert.Nil(t, c.SvDebitLogLast())
	})

	t.Run("debit", func(t *testing.T) {
		t.Parallel()
		c := newTestCard(t, 0x2B)
		resp := append(unhex("79 0006 C1C2C3 D1D2 0000F6"), testDebitLog...)
		require.Len(t, resp, 0x1E)
		require.NoError(t, NewSvGet(c, SvDebit, false).Apply(c, ok(resp...), false))
		require.NotNil(t, c.SvDebitLogLast())
		assert.Equal(t, -10, c.SvDebitLogLast().Amount)
		assert.Nil(t, c.SvLoadLog())
	})

	t.Run("extended", func(t *testing.T) {
		t.Parallel()
		c := newTestCard(t, 0x2B)
		resp := unhex("0102030405060708 7A 0006 C1C2C3C4C5C6 0000F6")
		resp = append(resp, testLoadLog...)
		resp = append(resp, testDebitLog...)
		require.Len(t, resp, 0x3D)
		cmd := NewSvGet(c, SvDebit, true)
		require.NoError(t, cmd.Apply(c, ok(resp...), false))
		assert.Equal(t, SvDebit, cmd.Operation())
		assert.Equal(t, byte(0x7A), c.SvKVC())
		bal, err := c.SvBalance()
		require.NoError(t, err)
		assert.Equal(t, 246, bal)
		require.NotNil(t, c.SvLoadLog())
		require.NotNil(t, c.SvDebitLogLast())
		header, err := c.SvGetHeader()
		require.NoError(t, err)
		assert.Equal(t, []byte{0x7C, 0x01, 0x09, 0x00}, header)
	})

	t.Run("bad length", func(t *testing.T) {
		t.Parallel()
		c := newTestCard(t, 0x2B)
		err := NewSvGet(c, SvDebit, false).Apply(c, ok(0x01, 0x02), false)
		assert.ErrorIs(t, err, ErrUnexpectedResponse)
	})

	t.Run("not present", func(t *testing.T) {
		t.Parallel()
		c := newTestCard(t, 0x2B)
		err := NewSvGet(c, SvDebit, false).Apply(c, protocol.NewResponse(0x6D00), false)
		assert.ErrorIs(t, err, ErrIllegalParameter)
	})
}

func TestSvLogsFromFiles(t *testing.T) {
	t.Parallel()

	c := newTestCard(t, 0x2B)
	c.setRecord(SvReloadLogFileSFI, 1, testLoadLog)
	c.setRecord(SvDebitLogFileSFI, 1, testDebitLog)
	c.setRecord(SvDebitLogFileSFI, 2, unhex("FFFB 1230 0000 79 11223344 000005 000100 0004"))

	require.NotNil(t, c.SvLoadLog())
	assert.Equal(t, 5, c.SvLoadLog().SVTNum)
	all := c.SvDebitLogAll()
	require.Len(t, all, 2)
	assert.Equal(t, -10, all[0].Amount)
	assert.Equal(t, -5, all[1].Amount)
	assert.Equal(t, all[0], c.SvDebitLogLast())
}

func TestSvReload(t *testing.T) {
	t.Parallel()

	c := newTestCard(t, 0x2B)
	cmd, err := NewSvReload(c, 100, 0x79, unhex("1234"), unhex("5678"), unhex("AABB"), false)
	require.NoError(t, err)
	assert.Equal(t, "SV Reload", cmd.Name())
	assert.True(t, cmd.UsesSessionBuffer())
	assert.False(t, cmd.IsFinalized())
	assert.Equal(t, unhex("B8000017 00 1234 AA 79 BB 000064 5678"), cmd.SvDataForSAM())

	assert.ErrorIs(t, cmd.Finalize(make([]byte, 20)), ErrIllegalArgument)
	require.NoError(t, cmd.Finalize(unhex("01020304 55 66 77 000009 A1A2A3A4A5")))
	assert.True(t, cmd.IsFinalized())
	assert.Equal(t, "00B8556617"+"77"+"1234AA79BB0000645678"+"01020304"+"000009"+"A1A2A3A4A5", encoded(t, cmd))

	resp, err := cmd.AnticipatedResponse(c)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x6200), resp.SW)
	require.NoError(t, cmd.Apply(c, resp, true))
	assert.Empty(t, c.SvOperationSignature())

	require.NoError(t, cmd.Apply(c, ok(0xC1, 0xC2, 0xC3), false))
	assert.Equal(t, []byte{0xC1, 0xC2, 0xC3}, c.SvOperationSignature())
	assert.ErrorIs(t, cmd.Apply(c, ok(0xC1), false), ErrUnexpectedResponse)
	assert.ErrorIs(t, cmd.Apply(c, protocol.NewResponse(0x6988), false), ErrSecurityData)
}

func TestSvReloadExtended(t *testing.T) {
	t.Parallel()

	c := newTestCard(t, 0x2B)
	cmd, err := NewSvReload(c, -1, 0x79, unhex("1234"), unhex("5678"), unhex("0000"), true)
	require.NoError(t, err)
	sam := cmd.SvDataForSAM()
	assert.Equal(t, byte(0x1C), sam[3])
	assert.Equal(t, unhex("FFFFFF"), sam[10:13])

	require.NoError(t, cmd.Finalize(unhex("01020304 00 00 77 000009 A1A2A3A4A5A6A7A8A9AA")))
	b, err := cmd.APDU().Encode()
	require.NoError(t, err)
	assert.Equal(t, byte(0x1C), b[4])
	assert.Equal(t, unhex("A1A2A3A4A5A6A7A8A9AA"), b[len(b)-10:])
}

func TestSvDebit(t *testing.T) {
	t.Parallel()

	c := newTestCard(t, 0x2B)
	debit, err := NewSvDebit(c, SvDo, 10, 0x79, unhex("1234"), unhex("5678"), false)
	require.NoError(t, err)
	assert.Equal(t, "SV Debit", debit.Name())
	assert.Equal(t, unhex("BA000014 00 FFF6 1234 5678 79"), debit.SvDataForSAM())

	require.NoError(t, debit.Finalize(unhex("01020304 11 22 33 000009 A1A2A3A4A5")))
	assert.Equal(t, "00BA112214"+"33"+"FFF6"+"1234"+"5678"+"79"+"01020304"+"000009"+"A1A2A3A4A5", encoded(t, debit))

	undo, err := NewSvDebit(c, SvUndo, 10, 0x79, unhex("1234"), unhex("5678"), false)
	require.NoError(t, err)
	assert.Equal(t, "SV Undebit", undo.Name())
	assert.Equal(t, unhex("BC000014 00 000A 1234 5678 79"), undo.SvDataForSAM())

	legacy := newTestCard(t, 0x06)
	l, err := NewSvDebit(legacy, SvDo, 1, 0x79, unhex("1234"), unhex("5678"), false)
	require.NoError(t, err)
	assert.Equal(t, protocol.ClassLegacyStoredValue, l.APDU().Class())
}

func TestSvArgumentErrors(t *testing.T) {
	t.Parallel()

	c := newTestCard(t, 0x2B)
	date, tm := unhex("1234"), unhex("5678")
	_, err := NewSvReload(c, 8388608, 0x79, date, tm, unhex("0000"), false)
	assert.ErrorIs(t, err, ErrIllegalArgument)
	_, err = NewSvReload(c, 1, 0x79, date, tm, unhex("00"), false)
	assert.ErrorIs(t, err, ErrIllegalArgument)
	_, err = NewSvDebit(c, SvDo, 32768, 0x79, date, tm, false)
	assert.ErrorIs(t, err, ErrIllegalArgument)
	_, err = NewSvDebit(c, SvDo, -1, 0x79, date, tm, false)
	assert.ErrorIs(t, err, ErrIllegalArgument)
	_, err = NewSvDebit(c, SvDo, 1, 0x79, date[:1], tm, false)
	assert.ErrorIs(t, err, ErrIllegalArgument)
}
