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

package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso"
	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/card"
	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/transaction"
	"github.com/eclipse-keyple/keyple-card-calypso-go/internal/config"
	"github.com/eclipse-keyple/keyple-card-calypso-go/internal/journal"
)

const (
	atrC1 = "3B3F9600805A4880C120501711223344829000"

	selectApplication = "00A4040005315449432E00"
	// FCI of a revision 3 SV card, serial 0000000012345678.
	fciSV = "6F1F 8405315449432E A516 BF0C13 C708 0000000012345678 5307 0A3C2205141001 9000"

	svReloadGetResponse = "79 0005 C1C2C3 D1D2 000100" +
		"1234 AA 79 BB 000100 000064 5678 11223344 000007 0005" + "9000"
	svDebitGetResponse = "79 0006 C1C2C3 D1D2 000100" +
		"FFF6 1234 5678 79 11223344 000008 0000F6 0006" + "9000"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

type cli struct {
	config  string
	journal string
	card    *calypso.Stub
	sam     *calypso.Stub
}

// setupCLI plugs a card and a SAM stub reader named after the test and
// writes a configuration using them.
func setupCLI(t *testing.T, withJournal bool) *cli {
	t.Helper()
	dir := t.TempDir()
	cardName := t.Name() + " card reader"
	samName := t.Name() + " SAM reader"
	cardStub := calypso.OpenStub(cardName)
	samStub := calypso.OpenStub(samName, calypso.WithPowerOnData(unhex(atrC1)))
	t.Cleanup(func() {
		calypso.CloseStub(cardName)
		calypso.CloseStub(samName)
	})
	require.NoError(t, cardStub.AddCommand(selectApplication, fciSV))

	cfg := config.Default()
	cfg.Readers = config.Readers{Card: cardName, SAM: samName}
	cfg.Log.Level = "error"
	c := &cli{config: filepath.Join(dir, "config.toml"), card: cardStub, sam: samStub}
	if withJournal {
		c.journal = filepath.Join(dir, "journal.db")
		cfg.Journal.Path = c.journal
	}
	require.NoError(t, config.Save(c.config, cfg))
	return c
}

func (c *cli) script(t *testing.T, r *calypso.Stub, rules ...string) {
	t.Helper()
	for i := 0; i+1 < len(rules); i += 2 {
		require.NoError(t, r.AddCommand(rules[i], rules[i+1]))
	}
}

func resetFlags() {
	cfgFile, verbose, cardReader, samReader, aidFlag, journalPath = "", false, "", "", "", ""
	readTo, readRecordSize = 0, card.SvLogFileRecordLength
	svUndo = false
	journalLimit, journalKind, journalSerial, journalTx = 20, "", "", ""
}

// execute runs the root command with the configuration of c.
func (c *cli) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(append([]string{"--config", c.config}, args...))
	defer rootCmd.SetArgs(nil)
	err := rootCmd.Execute()
	return buf.String(), err
}

func unhex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

func TestVersionCmd(t *testing.T) {
	c := setupCLI(t, false)
	out, err := c.execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "calypso version dev")
}

func TestCommands(t *testing.T) {
	names := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"readers", "select", "read", "sv", "journal", "version"} {
		assert.True(t, names[want], want)
	}

	var sub []string
	for _, cmd := range svCmd.Commands() {
		sub = append(sub, cmd.Name())
	}
	assert.ElementsMatch(t, []string{"balance", "reload", "debit"}, sub)
}

func TestReadersCmd(t *testing.T) {
	c := setupCLI(t, false)
	out, err := c.execute(t, "readers")
	require.NoError(t, err)
	assert.Contains(t, out, t.Name()+" card reader (Stub)\n")
	assert.Contains(t, out, t.Name()+" SAM reader (Stub) [SAM]")
}

func TestSelectCmd(t *testing.T) {
	c := setupCLI(t, false)
	out, err := c.execute(t, "select")
	require.NoError(t, err)
	assert.Contains(t, out, "Serial number: 0000000012345678")
	assert.Contains(t, out, "PRIME_REVISION_3")
	assert.Contains(t, out, "DF name:       315449432E")
	assert.Contains(t, out, "Stored Value:  yes")
	assert.Contains(t, out, "Modifications: 430 bytes")
}

func TestSelectCmdErrors(t *testing.T) {
	c := setupCLI(t, false)

	_, err := c.execute(t, "select", "--reader", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `reader "missing" not found`)

	_, err = c.execute(t, "select", "--aid", "3154")
	assert.Error(t, err)

	_, err = c.execute(t, "select", "--aid", "A000000291")
	assert.Error(t, err)
}

func TestReadCmd(t *testing.T) {
	c := setupCLI(t, false)
	c.script(t, c.card, "00B2013C00", "0102030405 9000")

	out, err := c.execute(t, "read", "0x07", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "SFI 07h record 1: 0102030405")

	_, err = c.execute(t, "read", "seven", "1")
	assert.Error(t, err)
	_, err = c.execute(t, "read", "7")
	assert.Error(t, err)
}

func TestSvBalanceCmd(t *testing.T) {
	c := setupCLI(t, false)
	c.script(t, c.card, "007C000900", svDebitGetResponse)

	out, err := c.execute(t, "sv", "balance")
	require.NoError(t, err)
	assert.Contains(t, out, "Balance: 256")
	assert.Contains(t, out, "Last transaction number: 6")
}

func TestSvReloadCmd(t *testing.T) {
	c := setupCLI(t, true)
	c.script(t, c.card,
		"007C000700", svReloadGetResponse,
		"00B85566.*", "C1C2C3 9000",
	)
	c.script(t, c.sam,
		"80140000080000000012345678", "9000",
		"805601FF.*", "556677 000009 A1A2A3A4A5 9000",
		"8058000003C1C2C3", "9000",
	)

	out, err := c.execute(t, "sv", "reload", "100")
	require.NoError(t, err)
	assert.Contains(t, out, "SV RELOAD of 100 done")
	assert.Contains(t, out, "Balance: 256 -> 356")

	out, err = c.execute(t, "journal", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "SV_OPERATION")
	assert.Contains(t, out, "RELOAD 100 (balance 256)")
	assert.Contains(t, out, "Total: 1 entries")

	store, err := journal.Open(c.journal)
	require.NoError(t, err)
	records, err := store.List(context.Background(), journal.Filter{})
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.Len(t, records, 1)
	assert.Equal(t, transaction.EntrySvOperation, records[0].Kind)

	out, err = c.execute(t, "journal", "show", records[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Transaction: "+records[0].TransactionID)
	assert.Contains(t, out, "SV:          RELOAD 100, balance 256")

	out, err = c.execute(t, "journal", "list", "--kind", "session_closed")
	require.NoError(t, err)
	assert.Contains(t, out, "No journal entries")
}

func TestSvDebitCmd(t *testing.T) {
	c := setupCLI(t, false)
	c.script(t, c.card, "007C000900", svDebitGetResponse)

	_, err := c.execute(t, "sv", "debit", "300")
	assert.ErrorIs(t, err, transaction.ErrIllegalState)

	_, err = c.execute(t, "sv", "debit", "ten")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid amount")
}

func TestJournalCmdWithoutJournal(t *testing.T) {
	c := setupCLI(t, false)
	_, err := c.execute(t, "journal", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no journal configured")
}
