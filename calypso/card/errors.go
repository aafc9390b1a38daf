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

import "errors"

// Status word error kinds. Card command errors are *protocol.StatusError
// values wrapping one of these.
var (
	ErrAccessForbidden       = errors.New("card: access forbidden")
	ErrDataAccess            = errors.New("card: data access")
	ErrDataOutOfBounds       = errors.New("card: data out of bounds")
	ErrIllegalParameter      = errors.New("card: illegal parameter")
	ErrPIN                   = errors.New("card: PIN")
	ErrSecurityContext       = errors.New("card: security context")
	ErrSecurityData          = errors.New("card: security data")
	ErrSessionBufferOverflow = errors.New("card: session buffer overflow")
	ErrTerminated            = errors.New("card: terminated")
)

var (
	// ErrIllegalArgument is returned when a command cannot be built from the
	// given arguments.
	ErrIllegalArgument = errors.New("card: illegal argument")
	// ErrUnexpectedResponse is returned when response data cannot be parsed.
	ErrUnexpectedResponse = errors.New("card: unexpected response")
	// ErrState is returned when the card image lacks the requested data.
	ErrState = errors.New("card: data not available")
)
