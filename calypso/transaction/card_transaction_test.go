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
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/card"
	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/internal/stub"
	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/protocol"
	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/sam"
)

const (
	atrC1      = "3B3F9600805A4880C120501711223344829000"
	cardSerial = "0000000012345678"
)

func unhex(s string) []byte {
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		panic(err)
	}
	return b
}

func fci(bufferSize, appType, appSubtype byte) []byte {
	return []byte{
		0x6F, 0x1F,
		0x84, 0x05, 0x31, 0x54, 0x49, 0x43, 0x2E,
		0xA5, 0x16,
		0xBF, 0x0C, 0x13,
		0xC7, 0x08, 0x00, 0x00, 0x00, 0x00, 0x12, 0x34, 0x56, 0x78,
		0x53, 0x07, bufferSize, 0x3C, appType, appSubtype, 0x14, 0x10, 0x01,
	}
}

func newCard(t *testing.T, bufferSize, appType, appSubtype byte) *card.Card {
	t.Helper()
	c := card.New()
	require.NoError(t, c.InitializeWithFCI(protocol.NewResponse(protocol.SWSuccess, fci(bufferSize, appType, appSubtype)...)))
	return c
}

// script adds pattern/response pairs to r.
func script(t *testing.T, r *stub.Reader, rules ...string) {
	t.Helper()
	require.Zero(t, len(rules)%2)
	for i := 0; i < len(rules); i += 2 {
		require.NoError(t, r.AddCommand(rules[i], rules[i+1]))
	}
}

func hexHistory(r *stub.Reader) []string {
	var out []string
	for _, h := range r.History() {
		out = append(out, strings.ToUpper(hex.EncodeToString(h)))
	}
	return out
}

type memJournal struct {
	mu      sync.Mutex
	entries []Entry
	err     error
}

func (j *memJournal) Record(_ context.Context, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.entries = append(j.entries, e)
	return nil
}

func (j *memJournal) kinds() []EntryKind {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []EntryKind
	for _, e := range j.entries {
		out = append(out, e.Kind)
	}
	return out
}

type fixture struct {
	cardReader *stub.Reader
	samReader  *stub.Reader
	card       *card.Card
	setting    *SecuritySetting
	journal    *memJournal
}

func newFixture(t *testing.T, bufferSize, appType byte) *fixture {
	t.Helper()
	samReader := stub.New("SAM", stub.WithPowerOnData(unhex(atrC1)))
	setting, err := NewSecuritySetting(samReader, sam.New(unhex(atrC1)))
	require.NoError(t, err)
	return &fixture{
		cardReader: stub.New("card"),
		samReader:  samReader,
		card:       newCard(t, bufferSize, appType, 0x05),
		setting:    setting,
		journal:    &memJournal{},
	}
}

func (f *fixture) transaction() *CardTransaction {
	return New(f.cardReader, f.card, f.setting, WithJournal(f.journal))
}

// scriptSession answers a rev3 session with a 4 byte challenge and any
// digest command.
func (f *fixture) scriptSession(t *testing.T) {
	t.Helper()
	script(t, f.samReader,
		"8014000008"+cardSerial, "9000",
		"8084000004", "C1C2C3C4 9000",
		"808A00FF.*", "9000",
		"808C.*", "9000",
		"808E000004", "5A5B5C5D 9000",
		"8082000004A1A2A3A4", "9000",
	)
	script(t, f.cardReader,
		"008A....04C1C2C3C400", "0304909800307900 9000",
		"008E8000045A5B5C5D00", "A1A2A3A4 9000",
		"008E000000", "9000",
	)
}

func TestSessionDigest(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0x0A, 0x20)
	f.setting.EnableTransactionAudit()
	script(t, f.samReader,
		"8014000008"+cardSerial, "9000",
		"8084000004", "C1C2C3C4 9000",
		"808A00FF0E3079030490980030790411223344", "9000",
		"808C000007 00DC014402AABB", "9000",
		"808C000002 9000", "9000",
		"808E000004", "5A5B5C5D 9000",
		"8082000004A1A2A3A4", "9000",
	)
	script(t, f.cardReader,
		"008A0B3904C1C2C3C400", "030490980030790411223344 9000",
		"00DC014402AABB", "9000",
		"008E8000045A5B5C5D00", "A1A2A3A4 9000",
	)

	tx := f.transaction()
	ctx := context.Background()
	require.NoError(t, tx.PrepareReadRecords(0x07, 1, 1, 4))
	require.NoError(t, tx.ProcessOpening(ctx, card.LevelDebit))
	assert.True(t, tx.IsSessionOpen())
	assert.Empty(t, tx.PreparedCommands())
	assert.Equal(t, unhex("11223344"), f.card.FileBySFI(0x07).Data.Record(1))

	require.NoError(t, tx.PrepareUpdateRecord(0x08, 1, unhex("AABB")))
	require.NoError(t, tx.ProcessClosing(ctx))
	assert.False(t, tx.IsSessionOpen())
	assert.Equal(t, unhex("AABB"), f.card.FileBySFI(0x08).Data.Record(1))

	want := []string{"008A0B3904C1C2C3C400", "00DC014402AABB", "008E8000045A5B5C5D00"}
	if diff := cmp.Diff(want, hexHistory(f.cardReader)); diff != "" {
		t.Errorf("card APDUs mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, tx.AuditData(), 20)

	require.Len(t, f.journal.entries, 1)
	e := f.journal.entries[0]
	assert.Equal(t, EntrySessionClosed, e.Kind)
	assert.Equal(t, tx.ID(), e.TransactionID)
	assert.Equal(t, unhex(cardSerial), e.CardSerial)
	assert.Equal(t, card.LevelDebit, e.Level)
	assert.Len(t, e.Audit, 20)
}

func TestProcessOpeningState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("no setting", func(t *testing.T) {
		t.Parallel()
		tx := New(stub.New("card"), newCard(t, 0x0A, 0x20, 0x05), nil)
		assert.ErrorIs(t, tx.ProcessOpening(ctx, card.LevelDebit), ErrNoSecuritySetting)
	})

	t.Run("already open", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0x0A, 0x20)
		f.scriptSession(t)
		tx := f.transaction()
		require.NoError(t, tx.ProcessOpening(ctx, card.LevelLoad))
		assert.ErrorIs(t, tx.ProcessOpening(ctx, card.LevelLoad), ErrSessionState)
	})

	t.Run("closing without session", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0x0A, 0x20)
		tx := f.transaction()
		assert.ErrorIs(t, tx.ProcessClosing(ctx), ErrSessionState)
		assert.ErrorIs(t, tx.ProcessCancel(ctx), ErrSessionState)
	})
}

func TestAtomicTransaction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	data := make([]byte, 200)

	t.Run("overflow", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0x06, 0x20)
		tx := f.transaction()
		require.NoError(t, tx.PrepareUpdateRecord(0x08, 1, data))
		require.NoError(t, tx.PrepareUpdateRecord(0x08, 2, data))
		assert.ErrorIs(t, tx.ProcessOpening(ctx, card.LevelDebit), ErrAtomicTransaction)
		assert.Empty(t, f.cardReader.History())
		assert.False(t, tx.IsSessionOpen())
	})

	t.Run("multiple sessions", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0x06, 0x20)
		f.setting.EnableMultipleSession()
		f.scriptSession(t)
		script(t, f.cardReader, "00DC0.*", "9000")

		tx := f.transaction()
		require.NoError(t, tx.PrepareUpdateRecord(0x08, 1, data))
		require.NoError(t, tx.PrepareUpdateRecord(0x08, 2, data))
		require.NoError(t, tx.ProcessOpening(ctx, card.LevelDebit))
		require.NoError(t, tx.ProcessClosing(ctx))

		var opens, closes int
		var updates []string
		for _, h := range hexHistory(f.cardReader) {
			switch {
			case strings.HasPrefix(h, "008A"):
				opens++
			case strings.HasPrefix(h, "008E"):
				closes++
			case strings.HasPrefix(h, "00DC"):
				updates = append(updates, h[:10])
			}
		}
		assert.Equal(t, 2, opens)
		assert.Equal(t, 2, closes)
		assert.Equal(t, []string{"00DC0144C8", "00DC0244C8"}, updates)
		assert.Equal(t, []EntryKind{EntrySessionClosed, EntrySessionClosed}, f.journal.kinds())
	})
}

func TestProcessCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0x0A, 0x20)
	f.scriptSession(t)
	ctx := context.Background()

	tx := f.transaction()
	require.NoError(t, tx.ProcessOpening(ctx, card.LevelDebit))
	require.NoError(t, tx.PrepareUpdateRecord(0x08, 1, unhex("AABB")))
	require.NoError(t, tx.ProcessCancel(ctx))

	assert.False(t, tx.IsSessionOpen())
	assert.Empty(t, tx.PreparedCommands())
	h := hexHistory(f.cardReader)
	assert.Equal(t, "008E000000", h[len(h)-1])
	assert.Equal(t, []EntryKind{EntrySessionCancelled}, f.journal.kinds())
}

func TestErrorInSessionAborts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0x0A, 0x20)
	f.scriptSession(t)
	script(t, f.cardReader, "00DC014402AABB", "6A82")
	ctx := context.Background()

	tx := f.transaction()
	require.NoError(t, tx.ProcessOpening(ctx, card.LevelDebit))
	require.NoError(t, tx.PrepareUpdateRecord(0x08, 1, unhex("AABB")))
	require.NoError(t, tx.PrepareReadRecords(0x07, 1, 1, 4))

	err := tx.ProcessCommands(ctx)
	var anomaly *CardAnomalyError
	require.ErrorAs(t, err, &anomaly)
	assert.ErrorIs(t, err, card.ErrDataAccess)
	assert.False(t, tx.IsSessionOpen())

	h := hexHistory(f.cardReader)
	assert.Equal(t, "008E000000", h[len(h)-1])
	assert.Equal(t, []EntryKind{EntrySessionCancelled}, f.journal.kinds())
}

func TestUnauthorizedKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0x0A, 0x20)
	f.setting.AddAuthorizedSessionKey(0x21, 0x79)
	f.scriptSession(t)

	tx := f.transaction()
	err := tx.ProcessOpening(context.Background(), card.LevelDebit)
	assert.ErrorIs(t, err, ErrUnauthorizedKey)
	assert.False(t, tx.IsSessionOpen())
	h := hexHistory(f.cardReader)
	assert.Equal(t, "008E000000", h[len(h)-1])
}

func TestSessionAuthenticationFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0x0A, 0x20)
	require.NoError(t, f.samReader.AddCommandOnce("8082000004A1A2A3A4", "6988"))
	f.scriptSession(t)
	ctx := context.Background()

	tx := f.transaction()
	require.NoError(t, tx.ProcessOpening(ctx, card.LevelDebit))
	err := tx.ProcessClosing(ctx)
	assert.ErrorIs(t, err, ErrSessionAuthentication)
	assert.False(t, tx.IsSessionOpen())
	assert.Empty(t, f.journal.kinds())
}

func TestJournalFailureIsNotReturned(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0x0A, 0x20)
	f.journal.err = errors.New("disk full")
	f.scriptSession(t)
	ctx := context.Background()

	tx := f.transaction()
	require.NoError(t, tx.ProcessOpening(ctx, card.LevelDebit))
	require.NoError(t, tx.ProcessClosing(ctx))
}

func TestProcessCommandsOutOfSession(t *testing.T) {
	t.Parallel()

	r := stub.New("card", stub.WithContactless(true))
	script(t, r,
		"00B2013C04", "11223344 9000",
		"00B2023C04", "6981",
	)
	c := newCard(t, 0x0A, 0x20, 0x05)
	ctx := context.Background()

	tx := New(r, c, nil)
	require.NoError(t, tx.PrepareReadRecords(0x07, 1, 1, 4))
	tx.PrepareReleaseChannel()
	require.NoError(t, tx.ProcessCommands(ctx))
	assert.Equal(t, unhex("11223344"), c.FileBySFI(0x07).Data.Record(1))
	assert.Equal(t, 1, r.Releases())

	require.NoError(t, tx.PrepareReadRecords(0x07, 2, 2, 4))
	var anomaly *CardAnomalyError
	assert.ErrorAs(t, tx.ProcessCommands(ctx), &anomaly)
	assert.Empty(t, tx.PreparedCommands())
	assert.Equal(t, 1, r.Releases())
}

func TestProcessCommandsFileNotFound(t *testing.T) {
	t.Parallel()

	r := stub.New("card")
	script(t, r, "00B2014C04", "6A82")
	c := newCard(t, 0x0A, 0x20, 0x05)
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	tx := New(r, c, nil, WithLogger(logger))
	require.NoError(t, tx.PrepareReadRecords(0x09, 1, 1, 4))
	require.NoError(t, tx.ProcessCommands(context.Background()))
	assert.Nil(t, c.FileBySFI(0x09))
	assert.Contains(t, logs.String(), `"msg":"card data not found"`)
	assert.Contains(t, logs.String(), `"sw":"6A82"`)
}

func TestProcessCommandsNoRule(t *testing.T) {
	t.Parallel()

	tx := New(stub.New("card"), newCard(t, 0x0A, 0x20, 0x05), nil)
	require.NoError(t, tx.PrepareReadRecords(0x07, 1, 1, 4))
	err := tx.ProcessCommands(context.Background())
	var ioErr *CardIOError
	require.ErrorAs(t, err, &ioErr)
	assert.ErrorIs(t, err, stub.ErrNoRule)
}

func TestVerifyPin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("plain", func(t *testing.T) {
		t.Parallel()
		r := stub.New("card")
		require.NoError(t, r.AddCommandOnce("002000000431323334", "63C1"))
		script(t, r, "002000000431323334", "9000")
		c := newCard(t, 0x0A, 0x21, 0x05)
		tx := New(r, c, nil)

		err := tx.ProcessVerifyPin(ctx, []byte("1234"))
		assert.ErrorIs(t, err, card.ErrPIN)
		n, err := c.PINAttemptsRemaining()
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		require.NoError(t, tx.ProcessVerifyPin(ctx, []byte("1234")))
		n, err = c.PINAttemptsRemaining()
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("ciphered", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0x0A, 0x21)
		f.setting.SetPINVerificationCipheringKey(0x30, 0x79)
		script(t, f.cardReader,
			"0084000008", "0102030405060708 9000",
			"00200000081122334455667788", "9000",
		)
		script(t, f.samReader,
			"8014000008"+cardSerial, "9000",
			"80860000080102030405060708", "9000",
			"801280FF06307931323334", "1122334455667788 9000",
		)
		tx := f.transaction()
		require.NoError(t, tx.ProcessVerifyPin(ctx, []byte("1234")))
		n, err := f.card.PINAttemptsRemaining()
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("no ciphering key", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 0x0A, 0x21)
		script(t, f.cardReader, "0084000008", "0102030405060708 9000")
		err := f.transaction().ProcessVerifyPin(ctx, []byte("1234"))
		assert.ErrorIs(t, err, ErrIllegalState)
	})

	t.Run("checks", func(t *testing.T) {
		t.Parallel()
		noPIN := New(stub.New("card"), newCard(t, 0x0A, 0x20, 0x05), nil)
		assert.ErrorIs(t, noPIN.ProcessVerifyPin(ctx, []byte("1234")), ErrUnsupported)

		tx := New(stub.New("card"), newCard(t, 0x0A, 0x21, 0x05), nil)
		assert.ErrorIs(t, tx.ProcessVerifyPin(ctx, []byte("12")), ErrIllegalArgument)
		require.NoError(t, tx.PrepareCheckPinStatus())
		assert.ErrorIs(t, tx.ProcessVerifyPin(ctx, []byte("1234")), ErrIllegalState)
	})
}

func TestCheckPinStatus(t *testing.T) {
	t.Parallel()

	r := stub.New("card")
	script(t, r, "0020000000", "63C2")
	c := newCard(t, 0x0A, 0x21, 0x05)
	tx := New(r, c, nil)
	require.NoError(t, tx.PrepareCheckPinStatus())
	require.NoError(t, tx.ProcessCommands(context.Background()))
	n, err := c.PINAttemptsRemaining()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestChangePinPlain(t *testing.T) {
	t.Parallel()

	r := stub.New("card")
	script(t, r, "00D8 00FF 04 35363738", "9000")
	tx := New(r, newCard(t, 0x0A, 0x21, 0x05), nil)
	require.NoError(t, tx.ProcessChangePin(context.Background(), []byte("5678")))
	assert.Len(t, r.History(), 1)
}

func TestChangeKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0x0A, 0x20)
	script(t, f.cardReader,
		"0084000008", "0102030405060708 9000",
		"00D8000118.*", "9000",
	)
	script(t, f.samReader,
		"8014000008"+cardSerial, "9000",
		"80860000080102030405060708", "9000",
		"8012FFFF052779217990", strings.Repeat("AB", 24)+"9000",
	)
	ctx := context.Background()
	tx := f.transaction()
	require.NoError(t, tx.ProcessChangeKey(ctx, 1, 0x21, 0x79, 0x27, 0x79))
	assert.ErrorIs(t, tx.ProcessChangeKey(ctx, 4, 0x21, 0x79, 0x27, 0x79), ErrIllegalArgument)
}
