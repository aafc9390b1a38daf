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

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/card"
)

var selectCmd = &cobra.Command{
	Use:   "select",
	Short: "Select the Calypso application and describe the card",
	Args:  cobra.NoArgs,
	RunE:  runSelect,
}

func init() {
	rootCmd.AddCommand(selectCmd)
}

func runSelect(cmd *cobra.Command, _ []string) error {
	r, c, err := selectCard(context.Background())
	if err != nil {
		return fmt.Errorf("failed to select card: %w", err)
	}
	defer r.Close()

	printCard(cmd, c)
	return nil
}

func printCard(cmd *cobra.Command, c *card.Card) {
	label := color.New(color.Bold).SprintFunc()
	cmd.Printf("%s %X\n", label("Serial number:"), c.ApplicationSerialNumber())
	cmd.Printf("%s %s\n", label("Product type: "), c.ProductType())
	cmd.Printf("%s %X\n", label("DF name:      "), c.DFName())
	cmd.Printf("%s %02Xh / %02Xh\n", label("Application:  "), c.ApplicationType(), c.ApplicationSubtype())
	cmd.Printf("%s %d", label("Modifications:"), c.ModificationsCounter())
	if c.IsModificationsCounterInBytes() {
		cmd.Println(" bytes")
	} else {
		cmd.Println(" commands")
	}
	cmd.Printf("%s %s\n", label("Stored Value: "), feature(c.IsSvFeatureAvailable()))
	cmd.Printf("%s %s\n", label("PIN:          "), feature(c.IsPINFeatureAvailable()))
	cmd.Printf("%s %s\n", label("Extended mode:"), feature(c.IsExtendedModeSupported()))
	if c.IsDFInvalidated() {
		color.New(color.FgRed).Fprintln(cmd.OutOrStdout(), "The application is invalidated")
	}
}

func feature(ok bool) string {
	if ok {
		return color.GreenString("yes")
	}
	return color.RedString("no")
}
