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
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/card"
)

var readCmd = &cobra.Command{
	Use:   "read [sfi] [record]",
	Short: "Read records of an elementary file",
	Long: `Reads one record, or the records up to --to, of the file with the given
short file identifier. Numbers may be written in decimal or with a 0x prefix.`,
	Args: cobra.ExactArgs(2),
	RunE: runRead,
}

var (
	readTo         int
	readRecordSize int
)

func init() {
	readCmd.Flags().IntVar(&readTo, "to", 0, "last record to read")
	readCmd.Flags().IntVar(&readRecordSize, "size", card.SvLogFileRecordLength, "record size when reading several records")
	rootCmd.AddCommand(readCmd)
}

func runRead(cmd *cobra.Command, args []string) error {
	sfi, err := strconv.ParseUint(args[0], 0, 8)
	if err != nil {
		return fmt.Errorf("invalid SFI %q: %w", args[0], err)
	}
	from, err := strconv.ParseUint(args[1], 0, 8)
	if err != nil {
		return fmt.Errorf("invalid record number %q: %w", args[1], err)
	}
	to := int(from)
	if readTo > 0 {
		to = readTo
	}

	ctx := context.Background()
	s, err := newCardSession(ctx, false)
	if err != nil {
		return fmt.Errorf("failed to select card: %w", err)
	}
	defer s.Close()

	if to == int(from) {
		err = s.tx.PrepareReadRecord(byte(sfi), to)
	} else {
		err = s.tx.PrepareReadRecords(byte(sfi), int(from), to, readRecordSize)
	}
	if err != nil {
		return err
	}
	if err := s.tx.ProcessCommands(ctx); err != nil {
		return fmt.Errorf("failed to read: %w", err)
	}

	f := s.card.FileBySFI(byte(sfi))
	if f == nil {
		cmd.Printf("No data read from SFI %02Xh\n", sfi)
		return nil
	}
	records := f.Data.Records()
	numbers := make([]int, 0, len(records))
	for n := range records {
		numbers = append(numbers, n)
	}
	slices.Sort(numbers)
	for _, n := range numbers {
		cmd.Printf("SFI %02Xh record %d: %X\n", sfi, n, records[n])
	}
	return nil
}
