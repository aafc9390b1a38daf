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

package transaction

import (
	"context"
	"time"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/card"
)

// EntryKind tells what a journal entry records.
type EntryKind string

const (
	EntrySessionClosed    EntryKind = "SESSION_CLOSED"
	EntrySessionCancelled EntryKind = "SESSION_CANCELLED"
	EntrySvOperation      EntryKind = "SV_OPERATION"
)

// Entry is one journaled event of a card transaction.
type Entry struct {
	TransactionID string
	Kind          EntryKind
	Time          time.Time
	CardSerial    []byte
	Level         card.WriteAccessLevel

	// Set for EntrySvOperation only.
	SvOperation card.SvOperation
	SvAmount    int
	SvBalance   int

	// The APDUs exchanged so far, when the transaction audit is enabled.
	Audit [][]byte
}

// A Journal persists transaction events. Record errors are logged by the
// transaction and never returned to the caller.
type Journal interface {
	Record(ctx context.Context, e Entry) error
}
