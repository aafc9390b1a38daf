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

// Package config loads the TOML configuration of the calypso command:
// readers, application, security setting, journal and logging.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/card"
	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/transaction"
)

// DefaultAID is the Calypso AID prefix selected when none is configured.
const DefaultAID = "315449432E"

type Config struct {
	Readers  Readers  `toml:"readers"`
	Card     Card     `toml:"card"`
	Security Security `toml:"security"`
	Journal  Journal  `toml:"journal"`
	Log      Log      `toml:"log"`
}

// Readers names the card and SAM readers. Empty names are looked up among
// the available readers: the first SAM reader, the first other one.
type Readers struct {
	Card string `toml:"card"`
	SAM  string `toml:"sam"`
}

type Card struct {
	AID string `toml:"aid"`
	// AcceptInvalidated selects invalidated applications too.
	AcceptInvalidated bool `toml:"accept_invalidated"`
}

// AIDBytes decodes the hex AID.
func (c Card) AIDBytes() ([]byte, error) {
	b, err := hex.DecodeString(strings.ReplaceAll(c.AID, " ", ""))
	if err != nil {
		return nil, fmt.Errorf("config: card.aid: %w", err)
	}
	if len(b) < 5 || len(b) > 16 {
		return nil, fmt.Errorf("config: card.aid: length %d not in [5..16]", len(b))
	}
	return b, nil
}

// Key designates a SAM key. Level is one of personalization, load or debit
// for the keys bound to a session level.
type Key struct {
	Level string `toml:"level,omitempty"`
	KIF   uint8  `toml:"kif"`
	KVC   uint8  `toml:"kvc"`
}

type Security struct {
	MultipleSession       bool `toml:"multiple_session"`
	RatificationMechanism bool `toml:"ratification_mechanism"`
	PINPlainTransmission  bool `toml:"pin_plain_transmission"`
	TransactionAudit      bool `toml:"transaction_audit"`
	SvLoadAndDebitLog     bool `toml:"sv_load_and_debit_log"`
	SvNegativeBalance     bool `toml:"sv_negative_balance"`

	// DefaultKeys give the KIF and KVC of a level when the card does not.
	DefaultKeys []Key `toml:"default_keys"`
	// AssignedKIFs map a level and KVC to the KIF to use.
	AssignedKIFs          []Key `toml:"assigned_kifs"`
	AuthorizedSessionKeys []Key `toml:"authorized_session_keys"`
	AuthorizedSvKeys      []Key `toml:"authorized_sv_keys"`

	PINVerificationKey *Key `toml:"pin_verification_key,omitempty"`
	PINModificationKey *Key `toml:"pin_modification_key,omitempty"`
}

type Journal struct {
	// Path of the SQLite journal. Empty disables the journal.
	Path string `toml:"path"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Card: Card{AID: DefaultAID},
		Log:  Log{Level: "info", Format: "text"},
	}
}

// Dir returns ~/.calypso.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".calypso"), nil
}

// DefaultPath returns ~/.calypso/config.toml.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads the file at path over the defaults. A missing file gives the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path, creating the directory if needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Validate checks the AID and the key levels.
func (c *Config) Validate() error {
	if _, err := c.Card.AIDBytes(); err != nil {
		return err
	}
	for _, keys := range [][]Key{c.Security.DefaultKeys, c.Security.AssignedKIFs} {
		for _, k := range keys {
			if _, err := ParseLevel(k.Level); err != nil {
				return err
			}
		}
	}
	return nil
}

// ParseLevel parses a write access level name, case insensitive.
func ParseLevel(s string) (card.WriteAccessLevel, error) {
	switch strings.ToLower(s) {
	case "personalization", "perso":
		return card.LevelPersonalization, nil
	case "load":
		return card.LevelLoad, nil
	case "debit":
		return card.LevelDebit, nil
	default:
		return 0, fmt.Errorf("config: unknown write access level %q", s)
	}
}

// Apply copies the security configuration to s.
func (sec Security) Apply(s *transaction.SecuritySetting) error {
	if sec.MultipleSession {
		s.EnableMultipleSession()
	}
	if sec.RatificationMechanism {
		s.EnableRatificationMechanism()
	}
	if sec.PINPlainTransmission {
		s.EnablePINPlainTransmission()
	}
	if sec.TransactionAudit {
		s.EnableTransactionAudit()
	}
	if sec.SvLoadAndDebitLog {
		s.EnableSvLoadAndDebitLog()
	}
	if sec.SvNegativeBalance {
		s.AuthorizeSvNegativeBalance()
	}
	for _, k := range sec.DefaultKeys {
		level, err := ParseLevel(k.Level)
		if err != nil {
			return err
		}
		s.AssignDefaultKIF(level, k.KIF).AssignDefaultKVC(level, k.KVC)
	}
	for _, k := range sec.AssignedKIFs {
		level, err := ParseLevel(k.Level)
		if err != nil {
			return err
		}
		s.AssignKIF(level, k.KVC, k.KIF)
	}
	for _, k := range sec.AuthorizedSessionKeys {
		s.AddAuthorizedSessionKey(k.KIF, k.KVC)
	}
	for _, k := range sec.AuthorizedSvKeys {
		s.AddAuthorizedSvKey(k.KIF, k.KVC)
	}
	if k := sec.PINVerificationKey; k != nil {
		s.SetPINVerificationCipheringKey(k.KIF, k.KVC)
	}
	if k := sec.PINModificationKey; k != nil {
		s.SetPINModificationCipheringKey(k.KIF, k.KVC)
	}
	return nil
}
