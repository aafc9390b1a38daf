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
	"fmt"
	"slices"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/card"
	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/protocol"
	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/sam"
)

// SecuritySetting holds the SAM and the key policy used by secure
// sessions. The setters return the setting so calls can be chained.
type SecuritySetting struct {
	samReader protocol.Reader
	sam       *sam.SAM

	multipleSession       bool
	ratificationMechanism bool
	pinPlainTransmission  bool
	transactionAudit      bool
	svLoadAndDebitLog     bool
	svNegativeBalance     bool

	kifs        map[card.WriteAccessLevel]map[byte]byte
	defaultKIFs map[card.WriteAccessLevel]byte
	defaultKVCs map[card.WriteAccessLevel]byte

	sessionKeys []uint16
	svKeys      []uint16

	pinVerificationKey *keyRef
	pinModificationKey *keyRef
}

type keyRef struct {
	kif, kvc byte
}

// NewSecuritySetting returns a setting using the SAM s found in r. The SAM
// product type must be known.
func NewSecuritySetting(r protocol.Reader, s *sam.SAM) (*SecuritySetting, error) {
	if r == nil || s == nil {
		return nil, fmt.Errorf("%w: SAM reader and SAM are required", ErrIllegalArgument)
	}
	if s.ProductType() == sam.ProductUnknown {
		return nil, fmt.Errorf("%w: SAM product type is unknown", ErrIllegalArgument)
	}
	return &SecuritySetting{
		samReader:   r,
		sam:         s,
		kifs:        make(map[card.WriteAccessLevel]map[byte]byte),
		defaultKIFs: make(map[card.WriteAccessLevel]byte),
		defaultKVCs: make(map[card.WriteAccessLevel]byte),
	}, nil
}

func (s *SecuritySetting) SAMReader() protocol.Reader { return s.samReader }
func (s *SecuritySetting) SAM() *sam.SAM              { return s.sam }

// EnableMultipleSession allows the prepared modifications to be split over
// several secure sessions when they overflow the card buffer.
func (s *SecuritySetting) EnableMultipleSession() *SecuritySetting {
	s.multipleSession = true
	return s
}

// EnableRatificationMechanism asks for a ratification when closing a
// session in contactless mode.
func (s *SecuritySetting) EnableRatificationMechanism() *SecuritySetting {
	s.ratificationMechanism = true
	return s
}

func (s *SecuritySetting) EnablePINPlainTransmission() *SecuritySetting {
	s.pinPlainTransmission = true
	return s
}

// EnableTransactionAudit records every APDU exchanged with the card and
// the SAM.
func (s *SecuritySetting) EnableTransactionAudit() *SecuritySetting {
	s.transactionAudit = true
	return s
}

// EnableSvLoadAndDebitLog makes SV Get read both logs on cards without the
// extended mode.
func (s *SecuritySetting) EnableSvLoadAndDebitLog() *SecuritySetting {
	s.svLoadAndDebitLog = true
	return s
}

func (s *SecuritySetting) AuthorizeSvNegativeBalance() *SecuritySetting {
	s.svNegativeBalance = true
	return s
}

// AssignKIF sets the KIF used for the session key of the given level and
// KVC, for cards that do not return a KIF.
func (s *SecuritySetting) AssignKIF(level card.WriteAccessLevel, kvc, kif byte) *SecuritySetting {
	m, ok := s.kifs[level]
	if !ok {
		m = make(map[byte]byte)
		s.kifs[level] = m
	}
	m[kvc] = kif
	return s
}

func (s *SecuritySetting) AssignDefaultKIF(level card.WriteAccessLevel, kif byte) *SecuritySetting {
	s.defaultKIFs[level] = kif
	return s
}

func (s *SecuritySetting) AssignDefaultKVC(level card.WriteAccessLevel, kvc byte) *SecuritySetting {
	s.defaultKVCs[level] = kvc
	return s
}

// AddAuthorizedSessionKey restricts the session keys accepted. With no key
// added, every key is accepted.
func (s *SecuritySetting) AddAuthorizedSessionKey(kif, kvc byte) *SecuritySetting {
	s.sessionKeys = append(s.sessionKeys, keyID(kif, kvc))
	return s
}

// AddAuthorizedSvKey restricts the SV keys accepted. With no key added,
// every key is accepted.
func (s *SecuritySetting) AddAuthorizedSvKey(kif, kvc byte) *SecuritySetting {
	s.svKeys = append(s.svKeys, keyID(kif, kvc))
	return s
}

func (s *SecuritySetting) SetPINVerificationCipheringKey(kif, kvc byte) *SecuritySetting {
	s.pinVerificationKey = &keyRef{kif: kif, kvc: kvc}
	return s
}

func (s *SecuritySetting) SetPINModificationCipheringKey(kif, kvc byte) *SecuritySetting {
	s.pinModificationKey = &keyRef{kif: kif, kvc: kvc}
	return s
}

func (s *SecuritySetting) IsMultipleSessionEnabled() bool       { return s.multipleSession }
func (s *SecuritySetting) IsRatificationMechanismEnabled() bool { return s.ratificationMechanism }
func (s *SecuritySetting) IsPINPlainTransmissionEnabled() bool  { return s.pinPlainTransmission }
func (s *SecuritySetting) IsTransactionAuditEnabled() bool      { return s.transactionAudit }
func (s *SecuritySetting) IsSvLoadAndDebitLogEnabled() bool     { return s.svLoadAndDebitLog }
func (s *SecuritySetting) IsSvNegativeBalanceAuthorized() bool  { return s.svNegativeBalance }

// KIF returns the KIF assigned to level and kvc.
func (s *SecuritySetting) KIF(level card.WriteAccessLevel, kvc byte) (byte, bool) {
	kif, ok := s.kifs[level][kvc]
	return kif, ok
}

func (s *SecuritySetting) DefaultKIF(level card.WriteAccessLevel) (byte, bool) {
	kif, ok := s.defaultKIFs[level]
	return kif, ok
}

func (s *SecuritySetting) DefaultKVC(level card.WriteAccessLevel) (byte, bool) {
	kvc, ok := s.defaultKVCs[level]
	return kvc, ok
}

// IsSessionKeyAuthorized reports whether the key may be used to open a
// session. A nil KIF or KVC is never authorized.
func (s *SecuritySetting) IsSessionKeyAuthorized(kif, kvc *byte) bool {
	return authorized(s.sessionKeys, kif, kvc)
}

// IsSvKeyAuthorized reports whether the key may be used for SV operations.
// Any key is accepted until AddAuthorizedSvKey is called.
func (s *SecuritySetting) IsSvKeyAuthorized(kif, kvc *byte) bool {
	if len(s.svKeys) == 0 {
		return true
	}
	return authorized(s.svKeys, kif, kvc)
}

func authorized(keys []uint16, kif, kvc *byte) bool {
	if kif == nil || kvc == nil {
		return false
	}
	if len(keys) == 0 {
		return true
	}
	return slices.Contains(keys, keyID(*kif, *kvc))
}

func keyID(kif, kvc byte) uint16 {
	return uint16(kif)<<8 | uint16(kvc)
}
