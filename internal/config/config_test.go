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

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/card"
	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/protocol"
	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/sam"
	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/transaction"
)

type nopReader struct{}

func (nopReader) Name() string        { return "SAM" }
func (nopReader) PowerOnData() []byte { return nil }
func (nopReader) Contactless() bool   { return false }
func (nopReader) Close() error        { return nil }

func (nopReader) Transmit(context.Context, protocol.Request) ([]protocol.Response, error) {
	return nil, nil
}

const sample = `
[readers]
card = "ACS ACR1252 PICC"
sam = "ACS ACR1252 SAM"

[card]
aid = "315449432E49434131"

[security]
multiple_session = true
transaction_audit = true
default_keys = [{ level = "debit", kif = 0x30, kvc = 0x79 }]
assigned_kifs = [{ level = "load", kif = 0x27, kvc = 0x79 }]
authorized_session_keys = [{ kif = 0x30, kvc = 0x79 }]
pin_verification_key = { kif = 0x30, kvc = 0x79 }

[journal]
path = "/var/lib/calypso/journal.db"
`

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	want := &Config{
		Readers: Readers{Card: "ACS ACR1252 PICC", SAM: "ACS ACR1252 SAM"},
		Card:    Card{AID: "315449432E49434131"},
		Security: Security{
			MultipleSession:       true,
			TransactionAudit:      true,
			DefaultKeys:           []Key{{Level: "debit", KIF: 0x30, KVC: 0x79}},
			AssignedKIFs:          []Key{{Level: "load", KIF: 0x27, KVC: 0x79}},
			AuthorizedSessionKeys: []Key{{KIF: 0x30, KVC: 0x79}},
			PINVerificationKey:    &Key{KIF: 0x30, KVC: 0x79},
		},
		Journal: Journal{Path: "/var/lib/calypso/journal.db"},
		Log:     Log{Level: "info", Format: "text"},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissing(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "none.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	aid, err := cfg.Card.AIDBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("1TIC."), aid)
}

func TestLoadInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{name: "syntax", content: "[card\naid ="},
		{name: "aid", content: "[card]\naid = \"31\""},
		{name: "aid hex", content: "[card]\naid = \"zz\""},
		{name: "level", content: "[security]\ndefault_keys = [{ level = \"admin\", kif = 1, kvc = 2 }]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "config.toml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sub", "config.toml")
	cfg := Default()
	cfg.Readers.SAM = "SAM 0"
	cfg.Security.SvNegativeBalance = true
	require.NoError(t, Save(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "SAM 0", got.Readers.SAM)
	assert.True(t, got.Security.SvNegativeBalance)
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]card.WriteAccessLevel{
		"personalization": card.LevelPersonalization,
		"PERSO":           card.LevelPersonalization,
		"Load":            card.LevelLoad,
		"debit":           card.LevelDebit,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("")
	assert.Error(t, err)
}

func TestSecurityApply(t *testing.T) {
	t.Parallel()

	atr := []byte{0x3B, 0x3F, 0x96, 0x00, 0x80, 0x5A, 0x48, 0x80, 0xC1, 0x20, 0x50, 0x17, 0x11, 0x22, 0x33, 0x44, 0x82, 0x90, 0x00}
	s, err := transaction.NewSecuritySetting(nopReader{}, sam.New(atr))
	require.NoError(t, err)

	sec := Security{
		RatificationMechanism: true,
		SvLoadAndDebitLog:     true,
		DefaultKeys:           []Key{{Level: "debit", KIF: 0x30, KVC: 0x79}},
		AssignedKIFs:          []Key{{Level: "load", KIF: 0x27, KVC: 0x7A}},
		AuthorizedSvKeys:      []Key{{KIF: 0x3A, KVC: 0x79}},
	}
	require.NoError(t, sec.Apply(s))

	assert.True(t, s.IsRatificationMechanismEnabled())
	assert.True(t, s.IsSvLoadAndDebitLogEnabled())
	assert.False(t, s.IsMultipleSessionEnabled())
	kif, ok := s.DefaultKIF(card.LevelDebit)
	assert.True(t, ok)
	assert.Equal(t, byte(0x30), kif)
	kvc, ok := s.DefaultKVC(card.LevelDebit)
	assert.True(t, ok)
	assert.Equal(t, byte(0x79), kvc)
	kif, ok = s.KIF(card.LevelLoad, 0x7A)
	assert.True(t, ok)
	assert.Equal(t, byte(0x27), kif)
	other := byte(0x3B)
	assert.False(t, s.IsSvKeyAuthorized(&other, &kvc))

	bad := Security{AssignedKIFs: []Key{{Level: "root"}}}
	assert.Error(t, bad.Apply(s))
}
