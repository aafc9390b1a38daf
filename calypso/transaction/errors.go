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
	"errors"
	"fmt"
)

var (
	// ErrSessionState is returned when an operation needs a secure session
	// to be open, or closed, and it is not.
	ErrSessionState = errors.New("transaction: bad session state")
	// ErrIllegalState is returned when the prepared commands or the card
	// image do not allow the operation.
	ErrIllegalState = errors.New("transaction: illegal state")
	// ErrAtomicTransaction is returned when the prepared modifications do
	// not fit in the card modifications buffer and multiple sessions are
	// disabled.
	ErrAtomicTransaction = errors.New("transaction: modifications buffer overflow in atomic mode")
	// ErrUnauthorizedKey is returned when the card session key is not in
	// the authorized list.
	ErrUnauthorizedKey = errors.New("transaction: unauthorized key")
	// ErrSessionAuthentication is returned when the SAM rejects the card
	// session signature.
	ErrSessionAuthentication = errors.New("transaction: card session authentication failed")
	// ErrSvAuthentication is returned when the SAM rejects the signature of
	// an SV operation.
	ErrSvAuthentication = errors.New("transaction: SV operation authentication failed")
	// ErrCloseSession is returned when the card rejects the terminal session
	// signature.
	ErrCloseSession = errors.New("transaction: close secure session failed")
	// ErrInconsistentData is returned when the number of responses does not
	// match the number of commands sent.
	ErrInconsistentData = errors.New("transaction: inconsistent data")
	// ErrUnsupported is returned for operations the card or SAM does not
	// provide.
	ErrUnsupported       = errors.New("transaction: unsupported operation")
	ErrIllegalArgument   = errors.New("transaction: illegal argument")
	ErrInvalidSignature  = errors.New("transaction: invalid signature")
	ErrNoSecuritySetting = errors.New("transaction: no security setting")
)

// CardIOError reports a failure to communicate with the card or its reader.
type CardIOError struct {
	Op  string
	Err error
}

func (e *CardIOError) Error() string {
	return fmt.Sprintf("transaction: card communication error while %s: %v", e.Op, e.Err)
}

func (e *CardIOError) Unwrap() error { return e.Err }

// SamIOError reports a failure to communicate with the SAM or its reader.
type SamIOError struct {
	Op  string
	Err error
}

func (e *SamIOError) Error() string {
	return fmt.Sprintf("transaction: SAM communication error while %s: %v", e.Op, e.Err)
}

func (e *SamIOError) Unwrap() error { return e.Err }

// CardAnomalyError reports an unexpected status word or response from the
// card.
type CardAnomalyError struct {
	Op  string
	Err error
}

func (e *CardAnomalyError) Error() string {
	return fmt.Sprintf("transaction: card command error while %s: %v", e.Op, e.Err)
}

func (e *CardAnomalyError) Unwrap() error { return e.Err }

// SamAnomalyError reports an unexpected status word or response from the
// SAM.
type SamAnomalyError struct {
	Op  string
	Err error
}

func (e *SamAnomalyError) Error() string {
	return fmt.Sprintf("transaction: SAM command error while %s: %v", e.Op, e.Err)
}

func (e *SamAnomalyError) Unwrap() error { return e.Err }
