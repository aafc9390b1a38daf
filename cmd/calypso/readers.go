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
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var readersCmd = &cobra.Command{
	Use:   "readers",
	Short: "List the available readers",
	Args:  cobra.NoArgs,
	RunE:  runReaders,
}

func init() {
	rootCmd.AddCommand(readersCmd)
}

func runReaders(cmd *cobra.Command, _ []string) error {
	readers := availableReaders()
	if len(readers) == 0 {
		cmd.Println("No readers found")
		return nil
	}
	samTag := color.New(color.FgYellow).SprintFunc()
	for _, ri := range readers {
		line := ri.Name + " (" + ri.Type.String() + ")"
		if ri.SAM {
			line += " " + samTag("[SAM]")
		}
		cmd.Println(line)
	}
	return nil
}
