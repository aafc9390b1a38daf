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

package card

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/protocol"
)

// ErrNotSelected is returned by Select when the card does not match the
// selector or refuses the application selection.
var ErrNotSelected = errors.New("card: not selected")

const (
	aidMinLength      = 5
	aidMaxLength      = 16
	swCardInvalidated = 0x6283
)

// Selector describes how to select a Calypso application and which
// commands to run right after selection.
//
// With no AID the card is expected to be a Revision 1 card, identified by
// its power-on data.
type Selector struct {
	AID []byte
	// Occurrence and Control are ORed into P2 of Select Application.
	Occurrence protocol.Parameter
	Control    protocol.Parameter
	// PowerOnData, when set, must match the hex encoded ATR.
	PowerOnData *regexp.Regexp
	// AcceptInvalidated accepts a card whose DF is invalidated (6283).
	AcceptInvalidated bool
	// SuccessfulStatusWords are extra status words accepted for Select
	// Application.
	SuccessfulStatusWords []uint16

	commands []Command
}

// template is the card image used to build the commands run at selection
// time, before the real card is known.
func template() *Card {
	return &Card{class: protocol.ClassISO, productType: ProductPrimeRevision3}
}

// PrepareReadRecord reads one record once the application is selected.
func (s *Selector) PrepareReadRecord(sfi byte, record int) error {
	if sfi == 0 {
		return fmt.Errorf("%w: SFI 0 is not allowed at selection", ErrIllegalArgument)
	}
	cmd, err := NewReadRecords(template(), sfi, record, ReadOneRecord, 0)
	if err != nil {
		return err
	}
	s.commands = append(s.commands, cmd)
	return nil
}

func (s *Selector) PrepareGetData(tag protocol.DataTag) error {
	cmd, err := NewGetData(template(), tag)
	if err != nil {
		return err
	}
	s.commands = append(s.commands, cmd)
	return nil
}

func (s *Selector) PrepareSelectFileByLID(lid uint16) {
	s.commands = append(s.commands, NewSelectFileByLID(template(), lid))
}

func (s *Selector) PrepareSelectFile(ctrl SelectFileControl) error {
	cmd, err := NewSelectFileByControl(template(), ctrl)
	if err != nil {
		return err
	}
	s.commands = append(s.commands, cmd)
	return nil
}

// SelectApplication returns the Select Application command of s.
func (s *Selector) SelectApplication() (protocol.Command, error) {
	if n := len(s.AID); n < aidMinLength || n > aidMaxLength {
		return protocol.Command{}, fmt.Errorf("%w: AID length %d out of range %d..%d", ErrIllegalArgument, n, aidMinLength, aidMaxLength)
	}
	sw := slices.Clone(s.SuccessfulStatusWords)
	if s.AcceptInvalidated {
		sw = append(sw, swCardInvalidated)
	}
	return protocol.NewCommand(protocol.ClassISO, protocol.InsSelectFile, protocol.ParamSelectByName, s.Occurrence|s.Control, slices.Clone(s.AID)).
		WithLe(0).
		WithSuccessfulStatus(sw...).
		WithName("Select Application"), nil
}

// Select selects the application on the card present in r and returns its
// image, updated with the commands prepared on s.
func (s *Selector) Select(ctx context.Context, r protocol.Reader) (*Card, error) {
	atr := r.PowerOnData()
	if s.PowerOnData != nil && !s.PowerOnData.MatchString(strings.ToUpper(hex.EncodeToString(atr))) {
		return nil, fmt.Errorf("%w: power-on data %X does not match %s", ErrNotSelected, atr, s.PowerOnData)
	}
	c := New()
	if len(s.AID) == 0 {
		if len(atr) == 0 {
			return nil, fmt.Errorf("%w: no power-on data and no AID", ErrNotSelected)
		}
		if err := c.InitializeWithPowerOnData(atr); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNotSelected, err)
		}
	} else {
		cmd, err := s.SelectApplication()
		if err != nil {
			return nil, err
		}
		resps, err := r.Transmit(ctx, protocol.Request{Commands: []protocol.Command{cmd}})
		if err != nil {
			return nil, err
		}
		if len(resps) != 1 {
			return nil, fmt.Errorf("%w: no response to %s", protocol.ErrCardCommunication, cmd.Name())
		}
		if !cmd.Successful(resps[0].SW) {
			return nil, fmt.Errorf("%w: %s returned %04Xh", ErrNotSelected, cmd.Name(), resps[0].SW)
		}
		c.SetPowerOnData(atr)
		if err := c.InitializeWithFCI(resps[0]); err != nil {
			return nil, fmt.Errorf("%w: invalid card response: %w", ErrNotSelected, err)
		}
	}
	if len(s.commands) == 0 {
		return c, nil
	}
	resps, err := r.Transmit(ctx, protocol.Request{Commands: APDUs(s.commands)})
	if err != nil {
		return nil, err
	}
	if len(resps) != len(s.commands) {
		return nil, fmt.Errorf("%w: %d commands, %d responses", protocol.ErrCardCommunication, len(s.commands), len(resps))
	}
	if err := ApplyResponses(c, s.commands, resps, false); err != nil {
		return nil, fmt.Errorf("%w: invalid card response: %w", ErrNotSelected, err)
	}
	return c, nil
}
