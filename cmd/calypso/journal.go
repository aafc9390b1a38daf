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
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/transaction"
	"github.com/eclipse-keyple/keyple-card-calypso-go/internal/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the transaction journal",
}

var journalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List journaled transaction events, newest first",
	Args:  cobra.NoArgs,
	RunE:  runJournalList,
}

var journalShowCmd = &cobra.Command{
	Use:   "show [entry-id]",
	Short: "Show one journal entry with its audit data",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalShow,
}

var (
	journalLimit  int
	journalKind   string
	journalSerial string
	journalTx     string
)

func init() {
	f := journalListCmd.Flags()
	f.IntVarP(&journalLimit, "limit", "n", 20, "maximum number of entries")
	f.StringVar(&journalKind, "kind", "", "only entries of this kind (SESSION_CLOSED, SESSION_CANCELLED, SV_OPERATION)")
	f.StringVar(&journalSerial, "serial", "", "only entries of this card serial number, in hex")
	f.StringVar(&journalTx, "transaction", "", "only entries of this transaction id")

	journalCmd.AddCommand(journalListCmd)
	journalCmd.AddCommand(journalShowCmd)
	rootCmd.AddCommand(journalCmd)
}

func openConfiguredJournal() (*journal.Store, error) {
	store, err := openJournal()
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if store == nil {
		return nil, errors.New("no journal configured: set journal.path or --journal")
	}
	return store, nil
}

func runJournalList(cmd *cobra.Command, _ []string) error {
	store, err := openConfiguredJournal()
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(context.Background(), journal.Filter{
		TransactionID: journalTx,
		Kind:          transaction.EntryKind(strings.ToUpper(journalKind)),
		CardSerial:    journalSerial,
		Limit:         journalLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list journal: %w", err)
	}
	if len(records) == 0 {
		cmd.Println("No journal entries")
		return nil
	}
	for _, r := range records {
		cmd.Printf("%s  %s  %-18s  card %X  %s",
			r.Time.Local().Format("2006-01-02 15:04:05"), r.ID, kindString(r.Kind), r.CardSerial, r.Level)
		if r.Kind == transaction.EntrySvOperation {
			cmd.Printf("  %s %d (balance %d)", r.SvOperation, r.SvAmount, r.SvBalance)
		}
		cmd.Println()
	}
	cmd.Printf("Total: %d entries\n", len(records))
	return nil
}

func runJournalShow(cmd *cobra.Command, args []string) error {
	store, err := openConfiguredJournal()
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := store.Get(context.Background(), args[0])
	if err != nil {
		return err
	}
	cmd.Printf("Entry:       %s\n", r.ID)
	cmd.Printf("Transaction: %s\n", r.TransactionID)
	cmd.Printf("Kind:        %s\n", kindString(r.Kind))
	cmd.Printf("Time:        %s\n", r.Time.Local().Format("2006-01-02 15:04:05.000"))
	cmd.Printf("Card:        %X\n", r.CardSerial)
	cmd.Printf("Level:       %s\n", r.Level)
	if r.Kind == transaction.EntrySvOperation {
		cmd.Printf("SV:          %s %d, balance %d\n", r.SvOperation, r.SvAmount, r.SvBalance)
	}
	if len(r.Audit) > 0 {
		cmd.Println("Audit:")
		for _, apdu := range r.Audit {
			cmd.Printf("  %X\n", apdu)
		}
	}
	return nil
}

func kindString(k transaction.EntryKind) string {
	switch k {
	case transaction.EntrySessionCancelled:
		return color.YellowString("%s", k)
	case transaction.EntrySvOperation:
		return color.CyanString("%s", k)
	default:
		return color.GreenString("%s", k)
	}
}
