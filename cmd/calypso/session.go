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
	"log/slog"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso"
	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/card"
	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/protocol"
	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/sam"
	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/transaction"
	"github.com/eclipse-keyple/keyple-card-calypso-go/internal/journal"
)

// availableReaders lists the PC/SC and stub readers. Without a PC/SC
// service only the stub readers are returned.
func availableReaders() []calypso.ReaderInfo {
	readers, err := calypso.Readers()
	if err != nil {
		appLog.Debug("PC/SC readers unavailable", slog.Any("error", err))
		return calypso.StubReaders()
	}
	return readers
}

// openReader opens the reader called name, or the first SAM or card reader
// when name is empty.
func openReader(name string, wantSAM bool) (protocol.Reader, error) {
	for _, ri := range availableReaders() {
		if name != "" && ri.Name != name {
			continue
		}
		if name == "" && ri.SAM != wantSAM {
			continue
		}
		appLog.Debug("opening reader", slog.String("reader", ri.Name), slog.Bool("sam", ri.SAM))
		return calypso.Open(ri)
	}
	if name != "" {
		return nil, fmt.Errorf("reader %q not found", name)
	}
	if wantSAM {
		return nil, errors.New("no SAM reader found")
	}
	return nil, errors.New("no card reader found")
}

// selectCard selects the configured application in the card reader.
func selectCard(ctx context.Context) (protocol.Reader, *card.Card, error) {
	r, err := openReader(cfg.Readers.Card, false)
	if err != nil {
		return nil, nil, err
	}
	aid, err := cfg.Card.AIDBytes()
	if err != nil {
		r.Close()
		return nil, nil, err
	}
	sel := card.Selector{AID: aid, AcceptInvalidated: cfg.Card.AcceptInvalidated}
	c, err := sel.Select(ctx, r)
	if err != nil {
		r.Close()
		return nil, nil, err
	}
	appLog.Debug("card selected",
		slog.String("reader", r.Name()),
		slog.String("serial", fmt.Sprintf("%X", c.ApplicationSerialNumber())),
		slog.String("product", c.ProductType().String()),
	)
	return r, c, nil
}

// securitySetting selects the SAM and builds the security setting from the
// configuration.
func securitySetting(ctx context.Context) (*transaction.SecuritySetting, error) {
	r, err := openReader(cfg.Readers.SAM, true)
	if err != nil {
		return nil, err
	}
	s, err := (&sam.Selector{}).Select(ctx, r)
	if err != nil {
		r.Close()
		return nil, err
	}
	setting, err := transaction.NewSecuritySetting(r, s)
	if err != nil {
		r.Close()
		return nil, err
	}
	if err := cfg.Security.Apply(setting); err != nil {
		r.Close()
		return nil, err
	}
	appLog.Debug("SAM selected", slog.String("reader", r.Name()), slog.String("product", s.ProductType().String()))
	return setting, nil
}

// openJournal returns nil when no journal is configured.
func openJournal() (*journal.Store, error) {
	if cfg.Journal.Path == "" {
		return nil, nil
	}
	return journal.Open(cfg.Journal.Path)
}

// cardSession bundles what a card command needs. Close releases all of it.
type cardSession struct {
	reader  protocol.Reader
	card    *card.Card
	setting *transaction.SecuritySetting
	journal *journal.Store
	tx      *transaction.CardTransaction
}

func newCardSession(ctx context.Context, withSAM bool) (*cardSession, error) {
	r, c, err := selectCard(ctx)
	if err != nil {
		return nil, err
	}
	s := &cardSession{reader: r, card: c}
	if withSAM {
		if s.setting, err = securitySetting(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}
	if s.journal, err = openJournal(); err != nil {
		s.Close()
		return nil, err
	}

	opts := []transaction.Option{transaction.WithLogger(appLog)}
	if s.journal != nil {
		opts = append(opts, transaction.WithJournal(s.journal))
	}
	s.tx = transaction.New(r, c, s.setting, opts...)
	return s, nil
}

func (s *cardSession) Close() {
	if s.journal != nil {
		s.journal.Close()
	}
	if s.setting != nil {
		s.setting.SAMReader().Close()
	}
	s.reader.Close()
}
