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

package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/card"
	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/transaction"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	return s
}

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func TestRecordAndList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t)

	entries := []transaction.Entry{
		{
			TransactionID: "tx-1",
			Kind:          transaction.EntrySessionClosed,
			Time:          t0,
			CardSerial:    []byte{0x00, 0x00, 0x00, 0x00, 0x12, 0x34, 0x56, 0x78},
			Level:         card.LevelDebit,
			Audit:         [][]byte{{0x00, 0x8A, 0x0B, 0x39}, {0x90, 0x00}},
		},
		{
			TransactionID: "tx-1",
			Kind:          transaction.EntrySvOperation,
			Time:          t0.Add(time.Second),
			CardSerial:    []byte{0x00, 0x00, 0x00, 0x00, 0x12, 0x34, 0x56, 0x78},
			Level:         card.LevelDebit,
			SvOperation:   card.SvDebit,
			SvAmount:      50,
			SvBalance:     206,
		},
		{
			TransactionID: "tx-2",
			Kind:          transaction.EntrySessionCancelled,
			Time:          t0.Add(2 * time.Second),
			CardSerial:    []byte{0x11, 0x22},
			Level:         card.LevelLoad,
		},
	}
	for _, e := range entries {
		require.NoError(t, s.Record(ctx, e))
	}

	got, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	var gotEntries []transaction.Entry
	for _, r := range got {
		assert.NotEmpty(t, r.ID)
		gotEntries = append(gotEntries, r.Entry)
	}
	want := []transaction.Entry{entries[2], entries[1], entries[0]}
	if diff := cmp.Diff(want, gotEntries); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}

	r, err := s.Get(ctx, got[1].ID)
	require.NoError(t, err)
	assert.Equal(t, 206, r.SvBalance)
	assert.Equal(t, card.SvDebit, r.SvOperation)
}

func TestListFilter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t)
	for i, kind := range []transaction.EntryKind{
		transaction.EntrySessionClosed,
		transaction.EntrySessionClosed,
		transaction.EntrySessionCancelled,
		transaction.EntrySvOperation,
	} {
		id, serial := "even", []byte{0xAA}
		if i%2 == 1 {
			id, serial = "odd", []byte{0xBB}
		}
		require.NoError(t, s.Record(ctx, transaction.Entry{
			TransactionID: id,
			Kind:          kind,
			Time:          t0.Add(time.Duration(i) * time.Minute),
			CardSerial:    serial,
			Level:         card.LevelLoad,
		}))
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{name: "all", filter: Filter{}, want: 4},
		{name: "limit", filter: Filter{Limit: 2}, want: 2},
		{name: "kind", filter: Filter{Kind: transaction.EntrySessionClosed}, want: 2},
		{name: "transaction", filter: Filter{TransactionID: "odd"}, want: 2},
		{name: "serial lower case", filter: Filter{CardSerial: "bb"}, want: 2},
		{name: "combined", filter: Filter{Kind: transaction.EntrySessionClosed, CardSerial: "AA"}, want: 1},
		{name: "none", filter: Filter{TransactionID: "missing"}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := s.List(ctx, tt.filter)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}

	newest, err := s.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, newest, 1)
	assert.Equal(t, transaction.EntrySvOperation, newest[0].Kind)
}

func TestRecordDefaultsTime(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t)
	s.now = func() time.Time { return t0 }

	require.NoError(t, s.Record(ctx, transaction.Entry{
		TransactionID: "tx",
		Kind:          transaction.EntrySessionClosed,
		CardSerial:    []byte{0x01},
	}))
	got, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Time.Equal(t0))
	assert.Equal(t, card.LevelPersonalization, got[0].Level)
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	_, err := openStore(t).Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "journal.db")
	s, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, path, s.Path())
	require.NoError(t, s.Record(ctx, transaction.Entry{TransactionID: "tx", Kind: transaction.EntrySessionClosed, CardSerial: []byte{0x01}}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	var versions int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&versions))
	assert.Equal(t, 1, versions)
}
