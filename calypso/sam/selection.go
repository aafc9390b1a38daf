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

package sam

import (
	"context"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/protocol"
)

// Selector describes the SAM expected in a reader.
type Selector struct {
	// ProductType restricts the application subtype found in the ATR.
	// ProductUnknown accepts any ATR.
	ProductType ProductType
	// SerialNumber is a regular expression the 8 hex digits of the serial
	// number must match. Empty matches any serial number.
	SerialNumber string
	// UnlockData, 8 or 16 bytes, is sent with Unlock once the SAM is
	// identified.
	UnlockData []byte
}

// PowerOnDataPattern returns the regular expression the hex encoded ATR
// must match.
func (sel *Selector) PowerOnDataPattern() (*regexp.Regexp, error) {
	var mask string
	switch sel.ProductType {
	case ProductUnknown:
		return regexp.MustCompile(".*"), nil
	case ProductC1:
		mask = "C1"
	case ProductS1DX:
		mask = "D."
	case ProductS1E1:
		mask = "E1"
	case ProductCSAMF:
		mask = ".."
	default:
		return nil, fmt.Errorf("%w: unknown SAM product type %s", ErrIllegalArgument, sel.ProductType)
	}
	sn := ".{8}"
	if sel.SerialNumber != "" {
		if _, err := regexp.Compile(sel.SerialNumber); err != nil {
			return nil, fmt.Errorf("%w: serial number pattern: %w", ErrIllegalArgument, err)
		}
		sn = "(?:" + sel.SerialNumber + ")"
	}
	return regexp.Compile("^3B(?:.{6}|.{10})805A..80" + mask + "20.{4}" + sn + "829000$")
}

// Select identifies the SAM in r, unlocking it when UnlockData is set.
func (sel *Selector) Select(ctx context.Context, r protocol.Reader) (*SAM, error) {
	re, err := sel.PowerOnDataPattern()
	if err != nil {
		return nil, err
	}
	atr := r.PowerOnData()
	if len(atr) == 0 {
		return nil, fmt.Errorf("%w: no power-on data in reader %q", ErrNotSelected, r.Name())
	}
	if !re.MatchString(strings.ToUpper(hex.EncodeToString(atr))) {
		return nil, fmt.Errorf("%w: power-on data %X does not match %s", ErrNotSelected, atr, re)
	}
	s := New(atr)
	if sel.UnlockData == nil {
		return s, nil
	}
	unlock, err := NewUnlock(s, sel.UnlockData)
	if err != nil {
		return nil, err
	}
	resps, err := r.Transmit(ctx, protocol.Request{Commands: []protocol.Command{unlock.APDU()}})
	if err != nil {
		return nil, err
	}
	if err := ApplyResponses(s, []Command{unlock}, resps); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotSelected, err)
	}
	return s, nil
}
