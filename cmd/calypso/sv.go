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
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/card"
)

var svCmd = &cobra.Command{
	Use:   "sv",
	Short: "Operate the Stored Value purse",
	Long:  `Read the balance of the Stored Value purse, reload it or debit it.`,
}

var svBalanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Print the SV balance and the last logs",
	Args:  cobra.NoArgs,
	RunE:  runSvBalance,
}

var svReloadCmd = &cobra.Command{
	Use:   "reload [amount]",
	Short: "Reload the SV purse",
	Args:  cobra.ExactArgs(1),
	RunE:  runSvReload,
}

var svDebitCmd = &cobra.Command{
	Use:   "debit [amount]",
	Short: "Debit the SV purse",
	Long:  `Debits the SV purse, or with --undo cancels a previous debit of the amount.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runSvDebit,
}

var svUndo bool

func init() {
	svDebitCmd.Flags().BoolVar(&svUndo, "undo", false, "cancel a previous debit (undebit)")

	svCmd.AddCommand(svBalanceCmd)
	svCmd.AddCommand(svReloadCmd)
	svCmd.AddCommand(svDebitCmd)
	rootCmd.AddCommand(svCmd)
}

func runSvBalance(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	s, err := newCardSession(ctx, false)
	if err != nil {
		return fmt.Errorf("failed to select card: %w", err)
	}
	defer s.Close()

	if err := s.tx.PrepareSvGet(card.SvDebit, card.SvDo); err != nil {
		return err
	}
	if err := s.tx.ProcessCommands(ctx); err != nil {
		return fmt.Errorf("failed to read SV status: %w", err)
	}
	printSvStatus(cmd, s.card)
	return nil
}

func runSvReload(cmd *cobra.Command, args []string) error {
	amount, err := parseAmount(args[0])
	if err != nil {
		return err
	}
	return svOperation(cmd, card.SvReload, card.SvDo, amount)
}

func runSvDebit(cmd *cobra.Command, args []string) error {
	amount, err := parseAmount(args[0])
	if err != nil {
		return err
	}
	action := card.SvDo
	if svUndo {
		action = card.SvUndo
	}
	return svOperation(cmd, card.SvDebit, action, amount)
}

func parseAmount(s string) (int, error) {
	amount, err := strconv.Atoi(s)
	if err != nil || amount < 0 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return amount, nil
}

// svOperation reads the SV status then runs the operation, outside of any
// secure session. The SAM checks the card signature.
func svOperation(cmd *cobra.Command, op card.SvOperation, action card.SvAction, amount int) error {
	ctx := context.Background()
	s, err := newCardSession(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to prepare the SV operation: %w", err)
	}
	defer s.Close()

	if err := s.tx.PrepareSvGet(op, action); err != nil {
		return err
	}
	if err := s.tx.ProcessCommands(ctx); err != nil {
		return fmt.Errorf("failed to read SV status: %w", err)
	}
	before, err := s.card.SvBalance()
	if err != nil {
		return err
	}

	if op == card.SvReload {
		err = s.tx.PrepareSvReload(amount)
	} else {
		err = s.tx.PrepareSvDebit(amount)
	}
	if err != nil {
		return err
	}
	if err := s.tx.ProcessCommands(ctx); err != nil {
		return fmt.Errorf("SV %s failed: %w", op, err)
	}

	after := before + amount
	if op == card.SvDebit && action == card.SvDo {
		after = before - amount
	}
	color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "SV %s of %d done\n", op, amount)
	cmd.Printf("Balance: %d -> %d\n", before, after)
	return nil
}

func printSvStatus(cmd *cobra.Command, c *card.Card) {
	balance, err := c.SvBalance()
	if err != nil {
		cmd.Println("No SV data")
		return
	}
	cmd.Printf("Balance: %d\n", balance)
	if tnum, err := c.SvLastTNum(); err == nil {
		cmd.Printf("Last transaction number: %d\n", tnum)
	}
	if l := c.SvLoadLog(); l != nil {
		cmd.Printf("Last load:  amount %d, balance %d, SAM %X/%d\n", l.Amount, l.Balance, []byte(l.SAMID), l.SAMTNum)
	}
	if l := c.SvDebitLogLast(); l != nil {
		cmd.Printf("Last debit: amount %d, balance %d, SAM %X/%d\n", l.Amount, l.Balance, []byte(l.SAMID), l.SAMTNum)
	}
}
