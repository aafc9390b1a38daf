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

// Package stub is an in-memory reader back-end. A stub reader answers
// commands from a script of hex patterns, which makes card and SAM
// exchanges reproducible in tests and demos.
package stub

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/protocol"
)

func init() {
	protocol.RegisterImpl(protocol.Stub, open)
}

var (
	// ErrNoCard is wrapped when a command reaches a reader with no card.
	ErrNoCard = errors.New("stub: no card in reader")
	// ErrNoRule is wrapped when no rule of the script matches a command.
	ErrNoRule = errors.New("stub: no response scripted")
	// ErrUnknownReader is returned when opening a reader that was not
	// plugged.
	ErrUnknownReader = errors.New("stub: unknown reader")
)

var (
	mu      sync.Mutex
	plugged = make(map[string]*Reader)
)

// Plug makes r available to the PC/SC-like registry under its name.
func Plug(r *Reader) {
	mu.Lock()
	defer mu.Unlock()
	plugged[r.name] = r
}

// Unplug removes the named reader.
func Unplug(name string) {
	mu.Lock()
	defer mu.Unlock()
	delete(plugged, name)
}

// Names returns the names of the plugged readers, sorted.
func Names() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(plugged))
	for n := range plugged {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func open(name string) (protocol.Reader, error) {
	mu.Lock()
	defer mu.Unlock()
	r, ok := plugged[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownReader, name)
	}
	return r, nil
}

type rule struct {
	command  *regexp.Regexp
	response []byte
	once     bool
}

// Reader is a scripted reader. It is safe for concurrent use.
type Reader struct {
	name        string
	contactless bool

	mu      sync.Mutex
	atr     []byte
	present bool
	rules   []rule
	history [][]byte

	// releases counts the logical channel releases.
	releases int
}

type Option func(*Reader)

func WithPowerOnData(atr []byte) Option {
	return func(r *Reader) { r.atr = slices.Clone(atr) }
}

func WithContactless(v bool) Option {
	return func(r *Reader) { r.contactless = v }
}

// New returns a reader with a card inserted and an empty script.
func New(name string, opts ...Option) *Reader {
	r := &Reader{name: name, present: true}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddCommand scripts the response to the commands whose hex form matches
// pattern. Patterns are case insensitive, may contain spaces and match the
// whole APDU.
func (r *Reader) AddCommand(pattern, response string) error {
	return r.add(pattern, response, false)
}

// AddCommandOnce is AddCommand for a rule used once. Pending one-shot rules
// take precedence over permanent ones.
func (r *Reader) AddCommandOnce(pattern, response string) error {
	return r.add(pattern, response, true)
}

func (r *Reader) add(pattern, response string, once bool) error {
	re, err := regexp.Compile("^(?i:" + compact(pattern) + ")$")
	if err != nil {
		return fmt.Errorf("stub: command pattern %q: %w", pattern, err)
	}
	resp, err := hex.DecodeString(compact(response))
	if err != nil {
		return fmt.Errorf("stub: response %q: %w", response, err)
	}
	if len(resp) < 2 {
		return fmt.Errorf("stub: response %q has no status word", response)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule{command: re, response: resp, once: once})
	return nil
}

func compact(s string) string {
	return strings.ReplaceAll(s, " ", "")
}

// InsertCard puts a card with the given ATR in the reader.
func (r *Reader) InsertCard(atr []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.atr = slices.Clone(atr)
	r.present = true
}

// RemoveCard makes every following command fail.
func (r *Reader) RemoveCard() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.present = false
}

// History returns the APDUs received so far, in order.
func (r *Reader) History() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.history))
	for i, h := range r.history {
		out[i] = slices.Clone(h)
	}
	return out
}

func (r *Reader) ResetHistory() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = nil
}

func (r *Reader) Name() string { return r.name }

func (r *Reader) PowerOnData() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.atr)
}

func (r *Reader) Contactless() bool { return r.contactless }

func (r *Reader) Transmit(ctx context.Context, req protocol.Request) ([]protocol.Response, error) {
	return protocol.Exchange(ctx, r, req)
}

// TransmitRaw answers one APDU from the script.
func (r *Reader) TransmitRaw(apdu []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.present {
		return nil, fmt.Errorf("%w: %w", protocol.ErrCardCommunication, ErrNoCard)
	}
	r.history = append(r.history, slices.Clone(apdu))
	h := strings.ToUpper(hex.EncodeToString(apdu))
	if i := r.match(h, true); i >= 0 {
		resp := r.rules[i].response
		r.rules = slices.Delete(r.rules, i, i+1)
		return slices.Clone(resp), nil
	}
	if i := r.match(h, false); i >= 0 {
		return slices.Clone(r.rules[i].response), nil
	}
	return nil, fmt.Errorf("%w: %w for %s", protocol.ErrCardCommunication, ErrNoRule, h)
}

func (r *Reader) match(h string, once bool) int {
	for i, ru := range r.rules {
		if ru.once == once && ru.command.MatchString(h) {
			return i
		}
	}
	return -1
}

// ReleaseChannel ends the current logical channel. The card stays in the
// reader.
func (r *Reader) ReleaseChannel() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releases++
	return nil
}

func (r *Reader) Releases() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releases
}

// Close is a no-op: a stub reader stays plugged until Unplug.
func (r *Reader) Close() error { return nil }
