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

// Package pcsc is the PC/SC reader back-end: libpcsclite or PCSC.framework
// through cgo on unix systems, Winscard.dll on Windows.
package pcsc

// https://ludovicrousseau.blogspot.com/2010/04/pcsc-sample-in-c.html
// https://learn.microsoft.com/en-us/windows/win32/api/winscard/
