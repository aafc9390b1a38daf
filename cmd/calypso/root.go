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
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/eclipse-keyple/keyple-card-calypso-go/internal/config"
	"github.com/eclipse-keyple/keyple-card-calypso-go/internal/logger"
)

var (
	cfgFile     string
	verbose     bool
	cardReader  string
	samReader   string
	aidFlag     string
	journalPath string
)

// Loaded by the root command before any subcommand runs.
var (
	cfg    *config.Config
	appLog *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "calypso",
	Short: "Calypso card transactions",
	Long: `Select Calypso cards, read their files and operate their Stored Value
purse through PC/SC readers and a SAM.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&cfgFile, "config", "", "config file (default ~/.calypso/config.toml)")
	f.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	f.StringVar(&cardReader, "reader", "", "card reader name")
	f.StringVar(&samReader, "sam-reader", "", "SAM reader name")
	f.StringVar(&aidFlag, "aid", "", "application identifier, in hex")
	f.StringVar(&journalPath, "journal", "", "transaction journal database")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	path := cfgFile
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	c, err := config.Load(path)
	if err != nil {
		return err
	}
	if cardReader != "" {
		c.Readers.Card = cardReader
	}
	if samReader != "" {
		c.Readers.SAM = samReader
	}
	if aidFlag != "" {
		c.Card.AID = aidFlag
		if _, err := c.Card.AIDBytes(); err != nil {
			return err
		}
	}
	if journalPath != "" {
		c.Journal.Path = journalPath
	}

	l, err := logger.New(cmd.ErrOrStderr(), logger.Options{
		Level:   c.Log.Level,
		Format:  c.Log.Format,
		Verbose: verbose,
	})
	if err != nil {
		return err
	}
	cfg, appLog = c, l
	appLog.Debug("configuration loaded", slog.String("path", path))
	return nil
}
