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

import "errors"

// Status word error kinds. SAM command errors are *protocol.StatusError
// values wrapping one of these.
var (
	ErrAccessForbidden    = errors.New("sam: access forbidden")
	ErrCounterOverflow    = errors.New("sam: counter overflow")
	ErrDataAccess         = errors.New("sam: data access")
	ErrIllegalParameter   = errors.New("sam: illegal parameter")
	ErrIncorrectInputData = errors.New("sam: incorrect input data")
	ErrSecurityContext    = errors.New("sam: security context")
	ErrSecurityData       = errors.New("sam: security data")
)

var (
	ErrIllegalArgument    = errors.New("sam: illegal argument")
	ErrUnexpectedResponse = errors.New("sam: unexpected response")
	// ErrNotSelected is returned by Selector.Select when the SAM does not
	// match the selector or refuses to be unlocked.
	ErrNotSelected = errors.New("sam: not selected")
	// ErrNotProcessed is returned when reading the result of a signature
	// operation that was not processed yet.
	ErrNotProcessed = errors.New("sam: operation not processed")
)
