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
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/protocol"
	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/sam"
)

// SamTransaction prepares and processes commands addressed to a SAM alone:
// data signatures and event counters.
type SamTransaction struct {
	reader protocol.Reader
	sam    *sam.SAM
	audit  *auditLog
	logger *slog.Logger

	defaultDiversifier []byte
	currentDiversifier []byte

	commands []sam.Command
}

type SamOption func(*SamTransaction)

func WithSamLogger(l *slog.Logger) SamOption {
	return func(t *SamTransaction) { t.logger = l }
}

// WithSamAudit records the APDUs exchanged with the SAM.
func WithSamAudit() SamOption {
	return func(t *SamTransaction) { t.audit.enabled = true }
}

// NewSamTransaction returns a transaction with the SAM s found in r. Keys
// are diversified with the SAM serial number unless a signature data sets
// its own diversifier.
func NewSamTransaction(r protocol.Reader, s *sam.SAM, opts ...SamOption) *SamTransaction {
	t := &SamTransaction{
		reader:             r,
		sam:                s,
		audit:              &auditLog{},
		logger:             slog.New(slog.DiscardHandler),
		defaultDiversifier: s.SerialNumber(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *SamTransaction) SAM() *sam.SAM { return t.sam }

func (t *SamTransaction) AuditData() [][]byte { return t.audit.snapshot() }

// selectDiversifier queues Select Diversifier when the key diversifier
// changes. An empty div stands for the default diversifier.
func (t *SamTransaction) selectDiversifier(div []byte) error {
	if len(div) == 0 {
		div = t.defaultDiversifier
	}
	if bytes.Equal(div, t.currentDiversifier) {
		return nil
	}
	padded, err := sam.Diversifier(div)
	if err != nil {
		return err
	}
	cmd, err := sam.NewSelectDiversifier(t.sam, padded)
	if err != nil {
		return err
	}
	t.currentDiversifier = bytes.Clone(div)
	t.commands = append(t.commands, cmd)
	return nil
}

// PrepareComputeSignature signs d. The signature is available from d once
// processed.
func (t *SamTransaction) PrepareComputeSignature(d *sam.SignatureComputationData) error {
	if d == nil {
		return fmt.Errorf("%w: nil signature computation data", ErrIllegalArgument)
	}
	cmd, err := sam.NewPSOComputeSignature(t.sam, d)
	if err != nil {
		return err
	}
	if err := t.selectDiversifier(d.KeyDiversifier()); err != nil {
		return err
	}
	t.commands = append(t.commands, cmd)
	return nil
}

// PrepareVerifySignature checks the signature of d. ProcessCommands
// returns ErrInvalidSignature when it is wrong.
func (t *SamTransaction) PrepareVerifySignature(d *sam.SignatureVerificationData) error {
	if d == nil {
		return fmt.Errorf("%w: nil signature verification data", ErrIllegalArgument)
	}
	cmd, err := sam.NewPSOVerifySignature(t.sam, d)
	if err != nil {
		return err
	}
	if err := t.selectDiversifier(d.KeyDiversifier()); err != nil {
		return err
	}
	t.commands = append(t.commands, cmd)
	return nil
}

// eventRecord is the record holding event counter or ceiling n.
func eventRecord(n int) int {
	return n/9 + 1
}

func (t *SamTransaction) PrepareReadEventCounter(n int) error {
	cmd, err := sam.NewReadEventCounter(t.sam, sam.ReadSingle, n)
	if err != nil {
		return err
	}
	t.commands = append(t.commands, cmd)
	return nil
}

// PrepareReadEventCounters reads the counters from to to, by whole
// records.
func (t *SamTransaction) PrepareReadEventCounters(from, to int) error {
	return t.prepareEventRecords(sam.NewReadEventCounter, from, to)
}

func (t *SamTransaction) PrepareReadEventCeiling(n int) error {
	cmd, err := sam.NewReadCeilings(t.sam, sam.ReadSingle, n)
	if err != nil {
		return err
	}
	t.commands = append(t.commands, cmd)
	return nil
}

// PrepareReadEventCeilings reads the ceilings from to to, by whole
// records.
func (t *SamTransaction) PrepareReadEventCeilings(from, to int) error {
	return t.prepareEventRecords(sam.NewReadCeilings, from, to)
}

func (t *SamTransaction) prepareEventRecords(build func(*sam.SAM, sam.ReadTarget, int) (*sam.ReadEventValues, error), from, to int) error {
	if err := checkRange("first counter", from, 0, sam.EventCounterMax); err != nil {
		return err
	}
	if err := checkRange("last counter", to, from, sam.EventCounterMax); err != nil {
		return err
	}
	for rec := eventRecord(from); rec <= eventRecord(to); rec++ {
		cmd, err := build(t.sam, sam.ReadRecord, rec)
		if err != nil {
			return err
		}
		t.commands = append(t.commands, cmd)
	}
	return nil
}

// ProcessCommands sends the prepared commands, stopping at the first
// failure.
func (t *SamTransaction) ProcessCommands(ctx context.Context) error {
	if len(t.commands) == 0 {
		return nil
	}
	cmds := t.commands
	t.commands = nil

	req := protocol.Request{Commands: sam.APDUs(cmds), StopOnUnsuccessful: true}
	resps, err := t.reader.Transmit(ctx, req)
	t.audit.record(req.Commands, resps)
	if err != nil {
		return &SamIOError{Op: "transmitting the SAM commands", Err: err}
	}
	if len(resps) > len(cmds) {
		return fmt.Errorf("%w: %d SAM commands, %d responses", ErrInconsistentData, len(cmds), len(resps))
	}
	for i, resp := range resps {
		err := cmds[i].Apply(t.sam, resp)
		if err == nil {
			continue
		}
		t.logger.Debug("SAM command failed", "command", cmds[i].Name(), "err", err)
		if _, ok := cmds[i].(*sam.PSOVerifySignature); ok && errors.Is(err, sam.ErrSecurityData) {
			return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
		}
		return &SamAnomalyError{Op: "processing the SAM responses", Err: err}
	}
	if len(resps) < len(cmds) {
		return fmt.Errorf("%w: %d SAM commands, %d responses", ErrInconsistentData, len(cmds), len(resps))
	}
	return nil
}
