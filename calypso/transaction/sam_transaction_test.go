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
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/internal/stub"
	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/sam"
)

func newSamTransaction(t *testing.T, rules ...string) (*SamTransaction, *stub.Reader) {
	t.Helper()
	r := stub.New("SAM", stub.WithPowerOnData(unhex(atrC1)))
	script(t, r, rules...)
	return NewSamTransaction(r, sam.New(unhex(atrC1)), WithSamAudit()), r
}

func TestComputeSignature(t *testing.T) {
	t.Parallel()

	tx, r := newSamTransaction(t,
		"801400000411223344", "9000",
		"8014000008 0102030405060708", "9000",
		"802A9E9A09FF2C01880102030405", "A1A2A3A4A5A6A7A8 9000",
	)
	first := sam.NewSignatureComputationData(unhex("0102030405"), 0x2C, 0x01)
	second := sam.NewSignatureComputationData(unhex("0102030405"), 0x2C, 0x01)
	other := sam.NewSignatureComputationData(unhex("0102030405"), 0x2C, 0x01).
		WithKeyDiversifier(unhex("0102030405060708"))

	_, err := first.Signature()
	assert.ErrorIs(t, err, sam.ErrNotProcessed)

	require.NoError(t, tx.PrepareComputeSignature(first))
	require.NoError(t, tx.PrepareComputeSignature(second))
	require.NoError(t, tx.PrepareComputeSignature(other))
	require.NoError(t, tx.ProcessCommands(context.Background()))

	for _, d := range []*sam.SignatureComputationData{first, second, other} {
		sig, err := d.Signature()
		require.NoError(t, err)
		assert.Equal(t, unhex("A1A2A3A4A5A6A7A8"), sig)
	}

	var got []string
	for _, h := range hexHistory(r) {
		got = append(got, h[:4])
	}
	want := []string{"8014", "802A", "802A", "8014", "802A"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("SAM instructions mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, tx.AuditData(), 10)
}

func TestVerifySignature(t *testing.T) {
	t.Parallel()

	tx, _ := newSamTransaction(t,
		"801400000411223344", "9000",
		"802A00A80DFF2C01840102030405A1A2A3A4", "9000",
		"802A00A80DFF2C01840102030405B1B2B3B4", "6988",
	)
	ctx := context.Background()

	good := sam.NewSignatureVerificationData(unhex("0102030405"), unhex("A1A2A3A4"), 0x2C, 0x01)
	require.NoError(t, tx.PrepareVerifySignature(good))
	require.NoError(t, tx.ProcessCommands(ctx))
	valid, err := good.IsSignatureValid()
	require.NoError(t, err)
	assert.True(t, valid)

	bad := sam.NewSignatureVerificationData(unhex("0102030405"), unhex("B1B2B3B4"), 0x2C, 0x01)
	require.NoError(t, tx.PrepareVerifySignature(bad))
	assert.ErrorIs(t, tx.ProcessCommands(ctx), ErrInvalidSignature)
	valid, err = bad.IsSignatureValid()
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestSamTransactionErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("nil data", func(t *testing.T) {
		t.Parallel()
		tx, _ := newSamTransaction(t)
		assert.ErrorIs(t, tx.PrepareComputeSignature(nil), ErrIllegalArgument)
		assert.ErrorIs(t, tx.PrepareVerifySignature(nil), ErrIllegalArgument)
		require.NoError(t, tx.ProcessCommands(ctx))
	})

	t.Run("anomaly", func(t *testing.T) {
		t.Parallel()
		tx, r := newSamTransaction(t,
			"801400000411223344", "6A83",
		)
		require.NoError(t, tx.PrepareComputeSignature(sam.NewSignatureComputationData(unhex("01"), 0x2C, 0x01)))
		var anomaly *SamAnomalyError
		assert.ErrorAs(t, tx.ProcessCommands(ctx), &anomaly)
		assert.Len(t, r.History(), 1)
	})

	t.Run("io", func(t *testing.T) {
		t.Parallel()
		tx, _ := newSamTransaction(t)
		require.NoError(t, tx.PrepareReadEventCounter(1))
		var ioErr *SamIOError
		assert.ErrorAs(t, tx.ProcessCommands(ctx), &ioErr)
	})
}

func TestReadEventCounters(t *testing.T) {
	t.Parallel()

	var values strings.Builder
	for i := 1; i <= 9; i++ {
		fmt.Fprintf(&values, "%06X", i)
	}
	header := strings.Repeat("00", 8)
	tx, r := newSamTransaction(t,
		"80BE00E100", header+values.String()+"9000",
		"80BE00E200", header+values.String()+"9000",
		"80BE008500", header+"05 00000A 9000",
		"80BE00B100", header+values.String()+"9000",
	)
	s := tx.SAM()

	require.NoError(t, tx.PrepareReadEventCounters(0, 10))
	require.NoError(t, tx.PrepareReadEventCounter(5))
	require.NoError(t, tx.PrepareReadEventCeilings(2, 3))
	require.NoError(t, tx.ProcessCommands(context.Background()))
	assert.Len(t, r.History(), 4)

	n, ok := s.EventCounter(0)
	assert.True(t, ok)
	assert.Equal(t, 1, n)
	n, ok = s.EventCounter(5)
	assert.True(t, ok)
	assert.Equal(t, 10, n)
	n, ok = s.EventCounter(17)
	assert.True(t, ok)
	assert.Equal(t, 9, n)
	n, ok = s.EventCeiling(3)
	assert.True(t, ok)
	assert.Equal(t, 4, n)

	assert.ErrorIs(t, tx.PrepareReadEventCounters(5, 3), ErrIllegalArgument)
	assert.ErrorIs(t, tx.PrepareReadEventCeilings(0, sam.EventCounterMax+1), ErrIllegalArgument)
}
