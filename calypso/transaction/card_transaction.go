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
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/card"
	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/protocol"
)

// Cost of a command in a modifications buffer counted in bytes: the APDU
// without its 5 byte header, plus 6 bytes of overhead.
const (
	apduHeaderLength         = 5
	sessionBufferCommandCost = 6
)

type sessionState int

const (
	sessionClosed sessionState = iota
	sessionOpen
)

// channelReleaser is implemented by readers able to end the logical
// channel with the card.
type channelReleaser interface {
	ReleaseChannel() error
}

// CardTransaction prepares card commands and processes them, in or out of a
// secure session. A CardTransaction is not safe for concurrent use.
type CardTransaction struct {
	id      string
	reader  protocol.Reader
	card    *card.Card
	setting *SecuritySetting
	sam     *samProcessor
	audit   *auditLog
	logger  *slog.Logger
	journal Journal
	now     func() time.Time

	state       sessionState
	level       card.WriteAccessLevel
	modsCounter int
	svInSession bool
	release     bool

	commands []card.Command

	// SV state. svLast is the last SV command added, svGet the operation of
	// the last SV Get.
	svLast     protocol.Instruction
	svGet      card.SvOperation
	svAction   card.SvAction
	svPending  *card.SvOperationCommand
	svAmount   int
	svComplete bool
}

type Option func(*CardTransaction)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(t *CardTransaction) { t.logger = l }
}

// WithJournal records closed sessions, cancellations and SV operations in j.
func WithJournal(j Journal) Option {
	return func(t *CardTransaction) { t.journal = j }
}

// New returns a transaction with the card c inserted in r. setting may be
// nil for transactions without secure session.
func New(r protocol.Reader, c *card.Card, setting *SecuritySetting, opts ...Option) *CardTransaction {
	t := &CardTransaction{
		id:          uuid.NewString(),
		reader:      r,
		card:        c,
		setting:     setting,
		logger:      slog.New(slog.DiscardHandler),
		now:         time.Now,
		modsCounter: c.ModificationsCounter(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("transaction", t.id)
	t.audit = &auditLog{enabled: setting != nil && setting.IsTransactionAuditEnabled()}
	if setting != nil {
		t.sam = newSamProcessor(setting, c, t.audit, t.logger)
	}
	return t
}

func (t *CardTransaction) ID() string                        { return t.id }
func (t *CardTransaction) Card() *card.Card                  { return t.card }
func (t *CardTransaction) Reader() protocol.Reader           { return t.reader }
func (t *CardTransaction) SecuritySetting() *SecuritySetting { return t.setting }
func (t *CardTransaction) IsSessionOpen() bool               { return t.state == sessionOpen }

// AuditData returns the APDUs exchanged with the card and the SAM, each
// command followed by its response. It is empty unless the transaction
// audit is enabled.
func (t *CardTransaction) AuditData() [][]byte {
	return t.audit.snapshot()
}

// PreparedCommands returns the names of the commands waiting to be
// processed.
func (t *CardTransaction) PreparedCommands() []string {
	names := make([]string, len(t.commands))
	for i, cmd := range t.commands {
		names[i] = cmd.Name()
	}
	return names
}

// add queues cmd, checking the order rules of SV commands.
func (t *CardTransaction) add(cmd card.Command) error {
	switch c := cmd.(type) {
	case *card.SvGet:
		t.svGet = c.Operation()
		t.svLast = protocol.InsSvGet
	case *card.SvOperationCommand:
		if len(t.commands) > 0 {
			return fmt.Errorf("%w: an SV operation must be the first prepared command", ErrIllegalState)
		}
		if t.svLast != protocol.InsSvGet {
			return fmt.Errorf("%w: an SV operation must follow an SV Get", ErrIllegalState)
		}
		ins := c.APDU().Instruction()
		if (ins == protocol.InsSvReload) != (t.svGet == card.SvReload) {
			return fmt.Errorf("%w: SV operation %s does not match the SV Get %s", ErrIllegalState, c.Name(), t.svGet)
		}
		t.svLast = ins
		t.svPending = c
		t.svComplete = true
	}
	t.commands = append(t.commands, cmd)
	return nil
}

// commandsProcessed forgets the prepared commands once sent.
func (t *CardTransaction) commandsProcessed() {
	t.commands = nil
	t.svPending = nil
}

// takeSvComplete reports whether an SV operation was sent since the last
// call.
func (t *CardTransaction) takeSvComplete() bool {
	v := t.svComplete
	t.svComplete = false
	return v
}

func (t *CardTransaction) transmit(ctx context.Context, op string, apdus []protocol.Command, stopOnUnsuccessful bool) ([]protocol.Response, error) {
	resps, err := t.reader.Transmit(ctx, protocol.Request{Commands: apdus, StopOnUnsuccessful: stopOnUnsuccessful})
	t.audit.record(apdus, resps)
	if err != nil {
		return resps, &CardIOError{Op: op, Err: err}
	}
	return resps, nil
}

// apply updates the card image with the responses received for cmds.
func (t *CardTransaction) apply(op string, cmds []card.Command, resps []protocol.Response, inSession bool) error {
	n := min(len(cmds), len(resps))
	err := card.ApplyResponses(t.card, cmds[:n], resps[:n], inSession)
	for i, cmd := range cmds[:n] {
		if s, ok := cmd.(card.Skipper); ok && s.Skipped() {
			t.logger.Debug("card data not found", "command", cmd.Name(), "sw", fmt.Sprintf("%04X", resps[i].SW))
		}
	}
	if err != nil {
		return &CardAnomalyError{Op: op, Err: err}
	}
	if len(resps) != len(cmds) {
		return fmt.Errorf("%w: %s: %d card commands, %d responses", ErrInconsistentData, op, len(cmds), len(resps))
	}
	return nil
}

// finalizeSv completes the pending SV command with the SAM data.
func (t *CardTransaction) finalizeSv(ctx context.Context, cmds []card.Command) error {
	op := t.svPending
	if op == nil || op.IsFinalized() || !slices.Contains(cmds, card.Command(op)) {
		return nil
	}
	if t.sam == nil {
		return fmt.Errorf("%w: SV operations need a SAM", ErrNoSecuritySetting)
	}
	data, err := t.sam.svComplementaryData(ctx, op)
	if err != nil {
		return err
	}
	return op.Finalize(data)
}

func (t *CardTransaction) bufferCost(cmd card.Command) int {
	if !t.card.IsModificationsCounterInBytes() {
		return 1
	}
	b, err := cmd.APDU().Encode()
	if err != nil {
		return len(cmd.APDU().Data()) + sessionBufferCommandCost
	}
	return len(b) + sessionBufferCommandCost - apduHeaderLength
}

func (t *CardTransaction) checkMultipleSession(cmd card.Command) error {
	if !t.setting.IsMultipleSessionEnabled() {
		return fmt.Errorf("%w: %s does not fit in the modifications buffer", ErrAtomicTransaction, cmd.Name())
	}
	t.logger.Debug("modifications buffer overflow, splitting the session", "command", cmd.Name())
	return nil
}

// abortOnError cancels the open session, if any, when *errp is set.
func (t *CardTransaction) abortOnError(ctx context.Context, errp *error) {
	if *errp == nil || t.state != sessionOpen {
		return
	}
	if err := t.ProcessCancel(context.WithoutCancel(ctx)); err != nil {
		t.logger.Error("aborting the secure session", "err", err)
	}
	t.state = sessionClosed
	if t.sam != nil {
		t.sam.endDigest()
	}
}

// releaseChannel ends the card channel when it was asked for.
func (t *CardTransaction) releaseChannel() error {
	if !t.release {
		return nil
	}
	t.release = false
	r, ok := t.reader.(channelReleaser)
	if !ok {
		t.logger.Debug("reader has no channel to release", "reader", t.reader.Name())
		return nil
	}
	if err := r.ReleaseChannel(); err != nil {
		return &CardIOError{Op: "releasing the card channel", Err: err}
	}
	return nil
}

func (t *CardTransaction) record(ctx context.Context, e Entry) {
	if t.journal == nil {
		return
	}
	e.TransactionID = t.id
	e.Time = t.now()
	e.CardSerial = t.card.SerialNumberFull()
	e.Level = t.level
	e.Audit = t.audit.snapshot()
	if err := t.journal.Record(ctx, e); err != nil {
		t.logger.Warn("recording the journal entry", "kind", e.Kind, "err", err)
	}
}

func (t *CardTransaction) recordSv(ctx context.Context) {
	balance, _ := t.card.SvBalance()
	t.record(ctx, Entry{Kind: EntrySvOperation, SvOperation: t.svGet, SvAmount: t.svAmount, SvBalance: balance})
}

// ProcessOpening opens a secure session at level and sends the prepared
// commands in it. When the modifications do not fit in the card buffer and
// multiple sessions are enabled, intermediate sessions are opened and
// closed.
func (t *CardTransaction) ProcessOpening(ctx context.Context, level card.WriteAccessLevel) (err error) {
	if t.sam == nil {
		return ErrNoSecuritySetting
	}
	if t.state == sessionOpen {
		return fmt.Errorf("%w: a secure session is already open", ErrSessionState)
	}
	defer t.abortOnError(ctx, &err)
	t.level = level
	t.modsCounter = t.card.ModificationsCounter()

	var batch []card.Command
	for _, cmd := range t.commands {
		if cmd.UsesSessionBuffer() {
			t.modsCounter -= t.bufferCost(cmd)
			if t.modsCounter < 0 {
				if err := t.checkMultipleSession(cmd); err != nil {
					return err
				}
				if err := t.atomicOpening(ctx, level, batch); err != nil {
					return err
				}
				if err := t.atomicClosing(ctx, nil, false); err != nil {
					return err
				}
				t.modsCounter = t.card.ModificationsCounter() - t.bufferCost(cmd)
				batch = nil
			}
		}
		batch = append(batch, cmd)
	}
	if err := t.atomicOpening(ctx, level, batch); err != nil {
		return err
	}
	t.commandsProcessed()
	t.svInSession = t.svComplete
	return nil
}

// ProcessCommands sends the prepared commands, in the open session if any.
func (t *CardTransaction) ProcessCommands(ctx context.Context) (err error) {
	if t.state == sessionOpen {
		defer t.abortOnError(ctx, &err)
		return t.processInSession(ctx)
	}
	return t.processOutOfSession(ctx)
}

func (t *CardTransaction) processOutOfSession(ctx context.Context) error {
	defer t.commandsProcessed()
	sv := t.takeSvComplete()
	if err := t.atomicCommands(ctx, t.commands); err != nil {
		return err
	}
	if sv {
		if err := t.sam.checkSv(ctx, t.card.SvOperationSignature()); err != nil {
			return err
		}
		t.recordSv(ctx)
	}
	return t.releaseChannel()
}

func (t *CardTransaction) processInSession(ctx context.Context) error {
	var batch []card.Command
	read := false
	for _, cmd := range t.commands {
		if cmd.UsesSessionBuffer() {
			t.modsCounter -= t.bufferCost(cmd)
			if t.modsCounter < 0 {
				if err := t.checkMultipleSession(cmd); err != nil {
					return err
				}
				if read {
					if err := t.atomicCommands(ctx, batch); err != nil {
						return err
					}
					batch = nil
				}
				if err := t.atomicClosing(ctx, batch, false); err != nil {
					return err
				}
				if err := t.atomicOpening(ctx, t.level, nil); err != nil {
					return err
				}
				t.modsCounter = t.card.ModificationsCounter() - t.bufferCost(cmd)
				read = false
				batch = nil
			}
		} else {
			read = true
		}
		batch = append(batch, cmd)
	}
	if err := t.atomicCommands(ctx, batch); err != nil {
		return err
	}
	t.commandsProcessed()
	return nil
}

// ProcessClosing sends the prepared commands and closes the session. The
// modifications are sent with Close Secure Session and their responses are
// anticipated in the session digest.
func (t *CardTransaction) ProcessClosing(ctx context.Context) (err error) {
	defer t.abortOnError(ctx, &err)
	if t.state != sessionOpen {
		return fmt.Errorf("%w: no secure session is open", ErrSessionState)
	}
	var batch []card.Command
	read := false
	for _, cmd := range t.commands {
		if cmd.UsesSessionBuffer() {
			t.modsCounter -= t.bufferCost(cmd)
			if t.modsCounter < 0 {
				if err := t.checkMultipleSession(cmd); err != nil {
					return err
				}
				if read {
					if err := t.atomicCommands(ctx, batch); err != nil {
						return err
					}
					batch = nil
				}
				if err := t.atomicClosing(ctx, batch, false); err != nil {
					return err
				}
				if err := t.atomicOpening(ctx, t.level, nil); err != nil {
					return err
				}
				t.modsCounter = t.card.ModificationsCounter() - t.bufferCost(cmd)
				read = false
				batch = nil
			}
		} else {
			read = true
		}
		batch = append(batch, cmd)
	}
	if read {
		if err := t.atomicCommands(ctx, batch); err != nil {
			return err
		}
		batch = nil
	}
	if err := t.atomicClosing(ctx, batch, t.setting.IsRatificationMechanismEnabled()); err != nil {
		return err
	}
	t.commandsProcessed()
	return t.releaseChannel()
}

// ProcessCancel aborts the open session. The card image is restored to its
// state at the session opening.
func (t *CardTransaction) ProcessCancel(ctx context.Context) error {
	if t.state != sessionOpen {
		return fmt.Errorf("%w: no secure session is open", ErrSessionState)
	}
	t.card.RestoreFiles()
	abort := card.NewAbortSession(t.card)
	resps, err := t.transmit(ctx, "aborting the secure session", []protocol.Command{abort.APDU()}, false)
	if err != nil {
		return err
	}
	if err := t.apply("aborting the secure session", []card.Command{abort}, resps, false); err != nil {
		return err
	}
	t.commandsProcessed()
	t.state = sessionClosed
	t.sam.endDigest()
	if t.takeSvComplete() {
		// SV Check without signature cancels the SV operation in the SAM.
		if err := t.sam.checkSv(ctx, nil); err != nil {
			t.logger.Warn("cancelling the SV operation in the SAM", "err", err)
		}
	}
	t.record(ctx, Entry{Kind: EntrySessionCancelled})
	return t.releaseChannel()
}

func (t *CardTransaction) atomicOpening(ctx context.Context, level card.WriteAccessLevel, cmds []card.Command) error {
	t.card.BackupFiles()

	var sfi byte
	var record int
	if len(cmds) > 0 {
		if rr, ok := cmds[0].(*card.ReadRecords); ok && rr.Mode() == card.ReadOneRecord {
			sfi, record = rr.SFI(), rr.FirstRecord()
			cmds = cmds[1:]
		}
	}
	challenge, err := t.sam.challenge(ctx)
	if err != nil {
		return err
	}
	open, err := card.NewOpenSession(t.card, level.KeyIndex(), challenge, sfi, record)
	if err != nil {
		return err
	}
	all := append([]card.Command{open}, cmds...)
	if err := t.finalizeSv(ctx, all); err != nil {
		return err
	}
	apdus := card.APDUs(all)

	t.state = sessionOpen
	resps, err := t.transmit(ctx, "opening the secure session", apdus, true)
	if err != nil {
		return err
	}
	if err := t.apply("opening the secure session", all, resps, true); err != nil {
		return err
	}

	var cardKIF, cardKVC *byte
	if v, ok := open.KIF(); ok {
		cardKIF = &v
	}
	if v, ok := open.KVC(); ok {
		cardKVC = &v
	}
	kvc := t.sam.computeKVC(level, cardKVC)
	kif := t.sam.computeKIF(level, cardKIF, kvc)
	if !t.setting.IsSessionKeyAuthorized(kif, kvc) {
		return fmt.Errorf("%w: KIF=%s KVC=%s", ErrUnauthorizedKey, keyString(kif), keyString(kvc))
	}
	t.logger.Debug("secure session open", "level", level, "kif", keyString(kif), "kvc", keyString(kvc))
	t.sam.initDigest(false, false, *kif, *kvc, open.Response())
	return t.sam.push(apdus, resps, 1)
}

func keyString(b *byte) string {
	if b == nil {
		return "undefined"
	}
	return fmt.Sprintf("%02Xh", *b)
}

// atomicCommands sends cmds in one request, stopping at the first failure.
func (t *CardTransaction) atomicCommands(ctx context.Context, cmds []card.Command) error {
	if len(cmds) == 0 {
		return nil
	}
	if err := t.finalizeSv(ctx, cmds); err != nil {
		return err
	}
	apdus := card.APDUs(cmds)
	resps, err := t.transmit(ctx, "sending the card commands", apdus, true)
	if err != nil {
		return err
	}
	inSession := t.state == sessionOpen
	if inSession {
		if err := t.sam.push(apdus, resps, 0); err != nil {
			return err
		}
	}
	return t.apply("sending the card commands", cmds, resps, inSession)
}

// anticipated returns the responses the card will give to cmds when sent
// with Close Secure Session.
func (t *CardTransaction) anticipated(cmds []card.Command) ([]protocol.Response, error) {
	out := make([]protocol.Response, len(cmds))
	for i, cmd := range cmds {
		a, ok := cmd.(card.Anticipator)
		if !ok {
			out[i] = protocol.NewResponse(protocol.SWSuccess)
			continue
		}
		r, err := a.AnticipatedResponse(t.card)
		if err != nil {
			return nil, fmt.Errorf("%w: anticipating the response to %s: %w", ErrIllegalState, cmd.Name(), err)
		}
		out[i] = r
	}
	return out, nil
}

// atomicClosing sends cmds with Close Secure Session, the session digest
// being fed with their anticipated responses.
func (t *CardTransaction) atomicClosing(ctx context.Context, cmds []card.Command, ratification bool) error {
	if err := t.finalizeSv(ctx, cmds); err != nil {
		return err
	}
	apdus := card.APDUs(cmds)
	expected, err := t.anticipated(cmds)
	if err != nil {
		return err
	}
	if err := t.sam.push(apdus, expected, 0); err != nil {
		return err
	}
	signature, err := t.sam.terminalSignature(ctx)
	if err != nil {
		return err
	}
	closing, err := card.NewCloseSession(t.card, !ratification, signature)
	if err != nil {
		return err
	}
	reqs := append(slices.Clone(apdus), closing.APDU())
	ratify := ratification && t.reader.Contactless()
	if ratify {
		reqs = append(reqs, card.NewRatification(t.card))
	}

	resps, err := t.transmit(ctx, "closing the secure session", reqs, true)
	if err != nil {
		// The card may leave the field before answering the ratification.
		if !ratify || len(resps) != len(reqs)-1 {
			return err
		}
		t.logger.Debug("no response to the ratification command", "err", err)
	}
	if ratify && len(resps) == len(reqs) {
		resps = resps[:len(resps)-1]
	}
	var closeResp *protocol.Response
	if len(resps) == len(cmds)+1 {
		closeResp = &resps[len(resps)-1]
		resps = resps[:len(resps)-1]
	}
	if err := t.apply("closing the secure session", cmds, resps, true); err != nil {
		return err
	}
	t.state = sessionClosed
	t.sam.endDigest()
	if closeResp == nil {
		return fmt.Errorf("%w: no response to Close Secure Session", ErrInconsistentData)
	}
	if err := closing.Apply(t.card, *closeResp, false); err != nil {
		if errors.Is(err, card.ErrSecurityData) {
			return fmt.Errorf("%w: %w", ErrCloseSession, err)
		}
		return &CardAnomalyError{Op: "closing the secure session", Err: err}
	}
	if err := t.sam.authenticate(ctx, closing.Signature()); err != nil {
		return err
	}
	t.record(ctx, Entry{Kind: EntrySessionClosed})
	if t.takeSvComplete() {
		if err := t.sam.checkSv(ctx, closing.PostponedData()); err != nil {
			return err
		}
		t.recordSv(ctx)
	}
	return nil
}

// ProcessVerifyPin presents pin to the card, ciphered with the SAM unless
// plain transmission is enabled. No command may be prepared.
func (t *CardTransaction) ProcessVerifyPin(ctx context.Context, pin []byte) (err error) {
	defer t.abortOnError(ctx, &err)
	if len(pin) != card.PINLength {
		return fmt.Errorf("%w: the PIN must be %d bytes long", ErrIllegalArgument, card.PINLength)
	}
	if !t.card.IsPINFeatureAvailable() {
		return fmt.Errorf("%w: PIN is not available for this card", ErrUnsupported)
	}
	if len(t.commands) > 0 {
		return fmt.Errorf("%w: no commands should have been prepared prior to a PIN submission", ErrIllegalState)
	}
	var verify *card.VerifyPin
	if t.setting != nil && !t.setting.IsPINPlainTransmissionEnabled() {
		if err := t.atomicCommands(ctx, []card.Command{card.NewGetChallenge(t.card)}); err != nil {
			return err
		}
		ciphered, err := t.sam.cipheredPIN(ctx, t.card.CardChallenge(), pin, nil)
		if err != nil {
			return err
		}
		if verify, err = card.NewVerifyPin(t.card, true, ciphered); err != nil {
			return err
		}
	} else {
		if verify, err = card.NewVerifyPin(t.card, false, pin); err != nil {
			return err
		}
	}
	if err := t.atomicCommands(ctx, []card.Command{verify}); err != nil {
		return err
	}
	return t.releaseChannel()
}

// ProcessChangePin sets a new PIN, outside a secure session.
func (t *CardTransaction) ProcessChangePin(ctx context.Context, newPin []byte) error {
	if len(newPin) != card.PINLength {
		return fmt.Errorf("%w: the PIN must be %d bytes long", ErrIllegalArgument, card.PINLength)
	}
	if !t.card.IsPINFeatureAvailable() {
		return fmt.Errorf("%w: PIN is not available for this card", ErrUnsupported)
	}
	if t.state == sessionOpen {
		return fmt.Errorf("%w: a secure session is open", ErrSessionState)
	}
	data := newPin
	if t.setting != nil && !t.setting.IsPINPlainTransmissionEnabled() {
		if err := t.atomicCommands(ctx, []card.Command{card.NewGetChallenge(t.card)}); err != nil {
			return err
		}
		ciphered, err := t.sam.cipheredPIN(ctx, t.card.CardChallenge(), make([]byte, card.PINLength), newPin)
		if err != nil {
			return err
		}
		data = ciphered
	}
	change, err := card.NewChangePin(t.card, data)
	if err != nil {
		return err
	}
	if err := t.atomicCommands(ctx, []card.Command{change}); err != nil {
		return err
	}
	return t.releaseChannel()
}

// ProcessChangeKey replaces the key keyIndex (1 to 3) of the current DF by
// the SAM key newKIF/newKVC, ciphered with the issuer key.
func (t *CardTransaction) ProcessChangeKey(ctx context.Context, keyIndex, newKIF, newKVC, issuerKIF, issuerKVC byte) error {
	if t.card.ProductType() == card.ProductBasic {
		return fmt.Errorf("%w: Change Key is not available for this card", ErrUnsupported)
	}
	if keyIndex < 1 || keyIndex > 3 {
		return fmt.Errorf("%w: key index %d", ErrIllegalArgument, keyIndex)
	}
	if t.state == sessionOpen {
		return fmt.Errorf("%w: a secure session is open", ErrSessionState)
	}
	if t.sam == nil {
		return ErrNoSecuritySetting
	}
	if err := t.atomicCommands(ctx, []card.Command{card.NewGetChallenge(t.card)}); err != nil {
		return err
	}
	cryptogram, err := t.sam.encryptedKey(ctx, t.card.CardChallenge(), issuerKIF, issuerKVC, newKIF, newKVC)
	if err != nil {
		return err
	}
	change, err := card.NewChangeKey(t.card, keyIndex, cryptogram)
	if err != nil {
		return err
	}
	if err := t.atomicCommands(ctx, []card.Command{change}); err != nil {
		return err
	}
	return t.releaseChannel()
}
