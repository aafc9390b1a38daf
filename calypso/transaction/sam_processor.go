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

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/card"
	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/protocol"
	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/sam"
)

// kifUndefined is the KIF returned by cards that leave the choice of the
// key to the terminal.
const kifUndefined = 0xFF

// samProcessor runs the SAM side of a card transaction: terminal challenge,
// session digest, key and PIN ciphering, and SV preparation and checking.
type samProcessor struct {
	reader  protocol.Reader
	sam     *sam.SAM
	setting *SecuritySetting
	card    *card.Card
	audit   *auditLog
	logger  *slog.Logger

	diversified bool

	// Session digest. cache holds the Open Secure Session response followed
	// by the card requests and responses exchanged since.
	digesting    bool
	digestInit   bool
	encryption   bool
	verification bool
	kif, kvc     byte
	cache        [][]byte
}

func newSamProcessor(setting *SecuritySetting, c *card.Card, audit *auditLog, logger *slog.Logger) *samProcessor {
	return &samProcessor{
		reader:  setting.SAMReader(),
		sam:     setting.SAM(),
		setting: setting,
		card:    c,
		audit:   audit,
		logger:  logger,
	}
}

// transmit sends cmds to the SAM and applies the responses.
func (p *samProcessor) transmit(ctx context.Context, op string, cmds ...sam.Command) error {
	req := protocol.Request{Commands: sam.APDUs(cmds)}
	resps, err := p.reader.Transmit(ctx, req)
	p.audit.record(req.Commands, resps)
	if err != nil {
		return &SamIOError{Op: op, Err: err}
	}
	if len(resps) != len(cmds) {
		return fmt.Errorf("%w: %s: %d SAM commands, %d responses", ErrInconsistentData, op, len(cmds), len(resps))
	}
	if err := sam.ApplyResponses(p.sam, cmds, resps); err != nil {
		return &SamAnomalyError{Op: op, Err: err}
	}
	return nil
}

// diversifier returns Select Diversifier with the card serial number the
// first time it is called.
func (p *samProcessor) diversifier() ([]sam.Command, error) {
	if p.diversified {
		return nil, nil
	}
	cmd, err := sam.NewSelectDiversifier(p.sam, p.card.SerialNumberFull())
	if err != nil {
		return nil, err
	}
	p.diversified = true
	return []sam.Command{cmd}, nil
}

// challenge returns the terminal challenge sent in Open Secure Session.
func (p *samProcessor) challenge(ctx context.Context) ([]byte, error) {
	cmds, err := p.diversifier()
	if err != nil {
		return nil, err
	}
	n := 4
	if p.card.IsExtendedModeSupported() {
		n = 8
	}
	gc, err := sam.NewGetChallenge(p.sam, n)
	if err != nil {
		return nil, err
	}
	cmds = append(cmds, gc)
	if err := p.transmit(ctx, "getting the SAM challenge", cmds...); err != nil {
		return nil, err
	}
	p.logger.Debug("terminal challenge", "challenge", fmt.Sprintf("%X", gc.Challenge()))
	return gc.Challenge(), nil
}

// computeKVC returns the card KVC, or the default KVC of level when the card
// gave none.
func (p *samProcessor) computeKVC(level card.WriteAccessLevel, kvc *byte) *byte {
	if kvc != nil {
		return kvc
	}
	if v, ok := p.setting.DefaultKVC(level); ok {
		return &v
	}
	return nil
}

// computeKIF returns the card KIF when it designates a key, otherwise the
// KIF assigned to level and kvc, or the default KIF of level.
func (p *samProcessor) computeKIF(level card.WriteAccessLevel, kif, kvc *byte) *byte {
	if (kif != nil && *kif != kifUndefined) || kvc == nil {
		return kif
	}
	if v, ok := p.setting.KIF(level, *kvc); ok {
		return &v
	}
	if v, ok := p.setting.DefaultKIF(level); ok {
		return &v
	}
	return nil
}

// initDigest starts a new session digest from the Open Secure Session
// response data.
func (p *samProcessor) initDigest(encryption, verification bool, kif, kvc byte, openData []byte) {
	p.encryption = encryption
	p.verification = verification
	p.kif, p.kvc = kif, kvc
	p.cache = [][]byte{openData}
	p.digestInit = false
	p.digesting = true
}

// endDigest forgets the session key once the session is over.
func (p *samProcessor) endDigest() {
	p.digesting = false
	p.kif, p.kvc = 0, 0
	p.cache = nil
}

// push adds the card exchanges from index start to the digest. The Le of
// case 4 commands is not part of the digest.
func (p *samProcessor) push(reqs []protocol.Command, resps []protocol.Response, start int) error {
	for i := start; i < len(reqs) && i < len(resps); i++ {
		b, err := reqs[i].Encode()
		if err != nil {
			return err
		}
		if reqs[i].IsCase4() {
			b = b[:len(b)-1]
		}
		p.cache = append(p.cache, b, resps[i].Bytes())
	}
	return nil
}

// pending turns the digest cache into SAM commands: Digest Init the first
// time, one Digest Update per cached item and, when withClose is set, Digest
// Close.
func (p *samProcessor) pending(withClose bool) ([]sam.Command, *sam.DigestClose, error) {
	if len(p.cache) == 0 && !p.digestInit {
		return nil, nil, fmt.Errorf("%w: digest data cache is empty", ErrIllegalState)
	}
	var cmds []sam.Command
	cache := p.cache
	if !p.digestInit {
		if len(cache)%2 == 0 {
			return nil, nil, fmt.Errorf("%w: digest data cache is inconsistent", ErrIllegalState)
		}
		di, err := sam.NewDigestInit(p.sam, p.verification, p.card.IsExtendedModeSupported(), p.kif, p.kvc, cache[0])
		if err != nil {
			return nil, nil, err
		}
		cmds = append(cmds, di)
		cache = cache[1:]
	}
	for _, b := range cache {
		up, err := sam.NewDigestUpdate(p.sam, p.encryption, b)
		if err != nil {
			return nil, nil, err
		}
		cmds = append(cmds, up)
	}
	var dc *sam.DigestClose
	if withClose {
		n := 4
		if p.card.IsExtendedModeSupported() {
			n = 8
		}
		var err error
		if dc, err = sam.NewDigestClose(p.sam, n); err != nil {
			return nil, nil, err
		}
		cmds = append(cmds, dc)
	}
	p.digestInit = true
	p.cache = nil
	return cmds, dc, nil
}

// pendingIfDigesting is pending without Digest Close, or nothing when no
// session digest is running.
func (p *samProcessor) pendingIfDigesting() ([]sam.Command, error) {
	if !p.digesting {
		return nil, nil
	}
	cmds, _, err := p.pending(false)
	return cmds, err
}

// terminalSignature completes the digest and returns the signature sent in
// Close Secure Session.
func (p *samProcessor) terminalSignature(ctx context.Context) ([]byte, error) {
	cmds, dc, err := p.pending(true)
	if err != nil {
		return nil, err
	}
	if err := p.transmit(ctx, "getting the terminal signature", cmds...); err != nil {
		return nil, err
	}
	return dc.Signature(), nil
}

// authenticate checks the card session signature.
func (p *samProcessor) authenticate(ctx context.Context, signature []byte) error {
	da, err := sam.NewDigestAuthenticate(p.sam, signature)
	if err != nil {
		return &SamAnomalyError{Op: "authenticating the card signature", Err: err}
	}
	err = p.transmit(ctx, "authenticating the card signature", da)
	if errors.Is(err, sam.ErrSecurityData) {
		return fmt.Errorf("%w: %w", ErrSessionAuthentication, err)
	}
	return err
}

// encryptedKey returns the cryptogram of the key sourceKIF/sourceKVC
// ciphered with cipheringKIF/cipheringKVC for Change Key.
func (p *samProcessor) encryptedKey(ctx context.Context, challenge []byte, cipheringKIF, cipheringKVC, sourceKIF, sourceKVC byte) ([]byte, error) {
	cmds, err := p.diversifier()
	if err != nil {
		return nil, err
	}
	gr, err := sam.NewGiveRandom(p.sam, challenge)
	if err != nil {
		return nil, err
	}
	gk := sam.NewCardGenerateKey(p.sam, cipheringKIF, cipheringKVC, sourceKIF, sourceKVC)
	cmds = append(cmds, gr, gk)
	if err := p.transmit(ctx, "generating the key ciphered data", cmds...); err != nil {
		return nil, err
	}
	return gk.CipheredData(), nil
}

// cipheredPIN returns the ciphered PIN block for Verify PIN, or for Change
// PIN when newPIN is set. Inside a session the session key is used.
func (p *samProcessor) cipheredPIN(ctx context.Context, challenge, currentPIN, newPIN []byte) ([]byte, error) {
	var key keyRef
	switch {
	case p.digesting:
		key = keyRef{kif: p.kif, kvc: p.kvc}
	case newPIN == nil:
		if p.setting.pinVerificationKey == nil {
			return nil, fmt.Errorf("%w: no KIF or KVC defined for the PIN verification ciphering key", ErrIllegalState)
		}
		key = *p.setting.pinVerificationKey
	default:
		if p.setting.pinModificationKey == nil {
			return nil, fmt.Errorf("%w: no KIF or KVC defined for the PIN modification ciphering key", ErrIllegalState)
		}
		key = *p.setting.pinModificationKey
	}
	cmds, err := p.diversifier()
	if err != nil {
		return nil, err
	}
	digest, err := p.pendingIfDigesting()
	if err != nil {
		return nil, err
	}
	cmds = append(cmds, digest...)
	gr, err := sam.NewGiveRandom(p.sam, challenge)
	if err != nil {
		return nil, err
	}
	cp, err := sam.NewCardCipherPin(p.sam, key.kif, key.kvc, currentPIN, newPIN)
	if err != nil {
		return nil, err
	}
	cmds = append(cmds, gr, cp)
	if err := p.transmit(ctx, "generating the PIN ciphered data", cmds...); err != nil {
		return nil, err
	}
	return cp.CipheredData(), nil
}

// svComplementaryData runs SV Prepare for op and returns the data op is
// finalized with.
func (p *samProcessor) svComplementaryData(ctx context.Context, op *card.SvOperationCommand) ([]byte, error) {
	header, err := p.card.SvGetHeader()
	if err != nil {
		return nil, err
	}
	data, err := p.card.SvGetData()
	if err != nil {
		return nil, err
	}
	var prep *sam.SvPrepare
	switch op.APDU().Instruction() {
	case protocol.InsSvReload:
		prep, err = sam.NewSvPrepareLoad(p.sam, header, data, op.SvDataForSAM())
	case protocol.InsSvUndebit:
		prep, err = sam.NewSvPrepareDebit(p.sam, true, header, data, op.SvDataForSAM())
	default:
		prep, err = sam.NewSvPrepareDebit(p.sam, false, header, data, op.SvDataForSAM())
	}
	if err != nil {
		return nil, err
	}
	cmds, err := p.diversifier()
	if err != nil {
		return nil, err
	}
	digest, err := p.pendingIfDigesting()
	if err != nil {
		return nil, err
	}
	cmds = append(cmds, digest...)
	cmds = append(cmds, prep)
	if err := p.transmit(ctx, "preparing the SV command", cmds...); err != nil {
		return nil, err
	}
	return prep.ComplementaryData(), nil
}

// checkSv authenticates the SV operation from the card signature, or the
// postponed data returned at session closing.
func (p *samProcessor) checkSv(ctx context.Context, signature []byte) error {
	sc, err := sam.NewSvCheck(p.sam, signature)
	if err != nil {
		return &SamAnomalyError{Op: "checking the SV operation", Err: err}
	}
	err = p.transmit(ctx, "checking the SV operation", sc)
	var ioErr *SamIOError
	switch {
	case errors.Is(err, sam.ErrSecurityData):
		return fmt.Errorf("%w: %w", ErrSvAuthentication, err)
	case errors.As(err, &ioErr):
		return fmt.Errorf("%w: %w", ErrSvAuthentication, err)
	}
	return err
}
