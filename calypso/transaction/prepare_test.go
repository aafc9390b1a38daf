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
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/card"
	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/internal/stub"
)

func TestPrepareReadRecords(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		from, to int
		size     int
		want     int
		wantErr  error
	}{
		{name: "one record", from: 1, to: 1, size: 29, want: 1},
		{name: "one apdu", from: 1, to: 3, size: 29, want: 1},
		{name: "split", from: 1, to: 10, size: 29, want: 2},
		{name: "split with last record", from: 1, to: 9, size: 29, want: 2},
		{name: "record zero", from: 0, to: 1, size: 29, wantErr: ErrIllegalArgument},
		{name: "reversed", from: 3, to: 2, size: 29, wantErr: ErrIllegalArgument},
		{name: "record too large", from: 1, to: 2, size: 250, wantErr: ErrIllegalArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tx := New(stub.New("card"), newCard(t, 0x0A, 0x20, 0x05), nil)
			err := tx.PrepareReadRecords(0x07, tt.from, tt.to, tt.size)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, tx.PreparedCommands())
				return
			}
			require.NoError(t, err)
			assert.Len(t, tx.PreparedCommands(), tt.want)
		})
	}
}

func TestPrepareProductChecks(t *testing.T) {
	t.Parallel()

	rev2 := New(stub.New("card"), newCard(t, 0x0A, 0x06, 0x05), nil)
	assert.ErrorIs(t, rev2.PrepareReadBinary(0x01, 0, 10), ErrUnsupported)
	assert.ErrorIs(t, rev2.PrepareUpdateBinary(0x01, 0, []byte{1}), ErrUnsupported)
	assert.ErrorIs(t, rev2.PrepareReadRecordsPartially(0x01, 1, 2, 0, 10), ErrUnsupported)
	assert.ErrorIs(t, rev2.PrepareSearchRecords(&card.SearchCommandData{SFI: 0x01, StartRecord: 1}), ErrUnsupported)
	assert.ErrorIs(t, rev2.PrepareCheckPinStatus(), ErrUnsupported)
	require.NoError(t, rev2.PrepareIncreaseCounters(0x19, map[int]int{1: 1, 2: 2}))
	assert.Len(t, rev2.PreparedCommands(), 1)
}

func TestPrepareBinary(t *testing.T) {
	t.Parallel()

	tx := New(stub.New("card"), newCard(t, 0x0A, 0x20, 0x05), nil)
	require.NoError(t, tx.PrepareReadBinary(0x01, 0, 300))
	names := tx.PreparedCommands()
	require.Len(t, names, 3)
	assert.Equal(t, "Read Binary SFI 01h OFFSET 0 LENGTH 1", names[0])
	assert.Equal(t, "Read Binary SFI 01h OFFSET 250 LENGTH 50", names[2])

	other := New(stub.New("card"), newCard(t, 0x0A, 0x20, 0x05), nil)
	require.NoError(t, other.PrepareUpdateBinary(0, 10, make([]byte, 300)))
	assert.Len(t, other.PreparedCommands(), 2)
	assert.ErrorIs(t, other.PrepareWriteBinary(0, 0, nil), ErrIllegalArgument)
	assert.ErrorIs(t, other.PrepareReadBinary(0, -1, 1), ErrIllegalArgument)
}

func TestPrepareCounters(t *testing.T) {
	t.Parallel()

	tx := New(stub.New("card"), newCard(t, 0x0A, 0x20, 0x05), nil)
	values := make(map[int]int)
	for i := 1; i <= 70; i++ {
		values[i] = i
	}
	require.NoError(t, tx.PrepareDecreaseCounters(0x19, values))
	assert.Len(t, tx.PreparedCommands(), 2)
	assert.ErrorIs(t, tx.PrepareIncreaseCounters(0x19, nil), ErrIllegalArgument)
}

func TestPrepareSetCounter(t *testing.T) {
	t.Parallel()

	r := stub.New("card")
	script(t, r, "00B201CC03", "000064 9000")
	tx := New(r, newCard(t, 0x0A, 0x20, 0x05), nil)

	assert.ErrorIs(t, tx.PrepareSetCounter(0x19, 1, 150), ErrIllegalState)

	require.NoError(t, tx.PrepareReadCounter(0x19, 1))
	require.NoError(t, tx.ProcessCommands(context.Background()))

	require.NoError(t, tx.PrepareSetCounter(0x19, 1, 100))
	assert.Empty(t, tx.PreparedCommands())
	require.NoError(t, tx.PrepareSetCounter(0x19, 1, 150))
	require.NoError(t, tx.PrepareSetCounter(0x19, 1, 40))
	assert.Equal(t, []string{
		"Increase SFI 19h COUNTER 1 VALUE 50",
		"Decrease SFI 19h COUNTER 1 VALUE 60",
	}, tx.PreparedCommands())
}

func TestPrepareLifecycle(t *testing.T) {
	t.Parallel()

	tx := New(stub.New("card"), newCard(t, 0x0A, 0x20, 0x05), nil)
	assert.ErrorIs(t, tx.PrepareRehabilitate(), ErrIllegalState)
	require.NoError(t, tx.PrepareInvalidate())
	assert.Equal(t, []string{"Invalidate"}, tx.PreparedCommands())
}

func TestPrepareReadRecordInSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0x0A, 0x20)
	f.scriptSession(t)
	tx := f.transaction()
	require.NoError(t, tx.PrepareReadRecord(0x07, 1))
	require.NoError(t, tx.ProcessOpening(context.Background(), card.LevelDebit))
	assert.ErrorIs(t, tx.PrepareReadRecord(0x07, 1), ErrIllegalState)
	require.NoError(t, tx.PrepareReadRecords(0x07, 1, 1, 29))
}

func TestPrepareSvReadAllLogs(t *testing.T) {
	t.Parallel()

	notSv := New(stub.New("card"), newCard(t, 0x0A, 0x22, 0x05), nil)
	assert.ErrorIs(t, notSv.PrepareSvReadAllLogs(), ErrUnsupported)

	tx := New(stub.New("card"), newCard(t, 0x0A, 0x22, card.StoredValueFileStructureID), nil)
	require.NoError(t, tx.PrepareSvReadAllLogs())
	names := tx.PreparedCommands()
	require.Len(t, names, 2)
	assert.True(t, strings.HasPrefix(names[0], "Read Records SFI 14h"))
	assert.True(t, strings.HasPrefix(names[1], "Read Records SFI 15h"))
}

func TestPrepareSvOrdering(t *testing.T) {
	t.Parallel()

	tx := New(stub.New("card"), newCard(t, 0x0A, 0x22, 0x05), nil)
	assert.ErrorIs(t, tx.PrepareSvReload(100), ErrIllegalState)

	require.NoError(t, tx.PrepareSvGet(card.SvReload, card.SvDo))
	assert.ErrorIs(t, tx.PrepareSvReload(100), ErrIllegalState)
}

const svReloadGetResponse = "79 0005 C1C2C3 D1D2 000100" +
	"1234 AA 79 BB 000100 000064 5678 11223344 000007 0005" + "9000"

const svDebitGetResponse = "79 0006 C1C2C3 D1D2 000100" +
	"FFF6 1234 5678 79 11223344 000008 0000F6 0006" + "9000"

func TestSvReload(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name    string
		check   string
		wantErr error
	}{
		{name: "ok", check: "9000"},
		{name: "bad signature", check: "6988", wantErr: ErrSvAuthentication},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, 0x0A, 0x22)
			script(t, f.cardReader,
				"007C000700", svReloadGetResponse,
				"00B85566.*", "C1C2C3 9000",
			)
			script(t, f.samReader,
				"8014000008"+cardSerial, "9000",
				"805601FF.*", "556677 000009 A1A2A3A4A5 9000",
				"8058000003C1C2C3", tt.check,
			)
			ctx := context.Background()
			tx := f.transaction()

			require.NoError(t, tx.PrepareSvGet(card.SvReload, card.SvDo))
			require.NoError(t, tx.ProcessCommands(ctx))
			balance, err := f.card.SvBalance()
			require.NoError(t, err)
			assert.Equal(t, 256, balance)

			require.NoError(t, tx.PrepareSvReload(100))
			err = tx.ProcessCommands(ctx)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, f.journal.kinds())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []byte{0xC1, 0xC2, 0xC3}, f.card.SvOperationSignature())

			h := hexHistory(f.cardReader)
			require.Len(t, h, 2)
			assert.True(t, strings.HasPrefix(h[1], "00B8556617770000007900000064000011223344000009A1A2A3A4A5"), h[1])

			require.Len(t, f.journal.entries, 1)
			e := f.journal.entries[0]
			assert.Equal(t, EntrySvOperation, e.Kind)
			assert.Equal(t, card.SvReload, e.SvOperation)
			assert.Equal(t, 100, e.SvAmount)
			assert.Equal(t, 256, e.SvBalance)
		})
	}
}

func TestSvDebitBalance(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0x0A, 0x22)
	script(t, f.cardReader, "007C000900", svDebitGetResponse)
	tx := f.transaction()
	require.NoError(t, tx.PrepareSvGet(card.SvDebit, card.SvDo))
	require.NoError(t, tx.ProcessCommands(context.Background()))

	assert.ErrorIs(t, tx.PrepareSvDebit(300), ErrIllegalState)
	assert.ErrorIs(t, tx.PrepareSvReload(10), ErrIllegalState)
	require.NoError(t, tx.PrepareSvDebit(200))
	assert.Equal(t, []string{"SV Debit"}, tx.PreparedCommands())

	f.setting.AuthorizeSvNegativeBalance()
	other := f.transaction()
	require.NoError(t, other.PrepareSvGet(card.SvDebit, card.SvDo))
	require.NoError(t, other.ProcessCommands(context.Background()))
	require.NoError(t, other.PrepareSvDebit(300))
}

func TestSvKeyAuthorization(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		setup   func(s *SecuritySetting)
		wantErr error
	}{
		{name: "no restriction", setup: func(*SecuritySetting) {}},
		{name: "authorized", setup: func(s *SecuritySetting) {
			s.AssignKIF(card.LevelDebit, 0x79, 0x30).AddAuthorizedSvKey(0x30, 0x79)
		}},
		{name: "other KVC", setup: func(s *SecuritySetting) {
			s.AssignKIF(card.LevelDebit, 0x79, 0x30).AddAuthorizedSvKey(0x30, 0x78)
		}, wantErr: ErrUnauthorizedKey},
		{name: "KIF unknown", setup: func(s *SecuritySetting) {
			s.AddAuthorizedSvKey(0x30, 0x79)
		}, wantErr: ErrUnauthorizedKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, 0x0A, 0x22)
			script(t, f.cardReader, "007C000900", svDebitGetResponse)
			tt.setup(f.setting)
			tx := f.transaction()
			require.NoError(t, tx.PrepareSvGet(card.SvDebit, card.SvDo))
			require.NoError(t, tx.ProcessCommands(context.Background()))

			err := tx.PrepareSvDebit(10)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, tx.PreparedCommands())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []string{"SV Debit"}, tx.PreparedCommands())
		})
	}
}

func TestSvDebitInSession(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name    string
		check   string
		wantErr error
	}{
		{name: "ok", check: "9000"},
		{name: "bad postponed signature", check: "6988", wantErr: ErrSvAuthentication},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, 0x0A, 0x22)
			f.scriptSession(t)
			script(t, f.cardReader,
				"007C000900", svDebitGetResponse,
				"00BA5566.*", "6200",
			)
			require.NoError(t, f.cardReader.AddCommandOnce("008E8000045A5B5C5D00", "03 D1D2D3 A1A2A3A4 9000"))
			script(t, f.samReader,
				"805401FF.*", "556677 000009 A1A2A3A4A5 9000",
				"8058000003D1D2D3", tt.check,
			)
			ctx := context.Background()
			tx := f.transaction()

			require.NoError(t, tx.PrepareSvGet(card.SvDebit, card.SvDo))
			require.NoError(t, tx.ProcessOpening(ctx, card.LevelDebit))
			balance, err := f.card.SvBalance()
			require.NoError(t, err)
			assert.Equal(t, 256, balance)

			require.NoError(t, tx.PrepareSvDebit(100))
			assert.ErrorIs(t, tx.PrepareSvDebit(1), ErrIllegalState)
			err = tx.ProcessClosing(ctx)

			h := hexHistory(f.cardReader)
			require.Len(t, h, 4)
			assert.True(t, strings.HasPrefix(h[2], "00BA55661477FF9C"), h[2])
			assert.Equal(t, "008E8000045A5B5C5D00", h[3])
			sh := hexHistory(f.samReader)
			assert.Equal(t, "8058000003D1D2D3", sh[len(sh)-1])

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, []EntryKind{EntrySessionClosed}, f.journal.kinds())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []EntryKind{EntrySessionClosed, EntrySvOperation}, f.journal.kinds())
			e := f.journal.entries[1]
			assert.Equal(t, card.SvDebit, e.SvOperation)
			assert.Equal(t, 100, e.SvAmount)
		})
	}
}

func TestSvGetBothLogs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0x0A, 0x22)
	f.setting.EnableSvLoadAndDebitLog()
	tx := f.transaction()
	require.NoError(t, tx.PrepareSvGet(card.SvDebit, card.SvDo))
	assert.Equal(t, []string{"SV Get - " + card.SvReload.String(), "SV Get - " + card.SvDebit.String()}, tx.PreparedCommands())
}
