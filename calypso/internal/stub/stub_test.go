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

package stub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/protocol"
)

func TestReaderScript(t *testing.T) {
	t.Parallel()

	r := New("card", WithPowerOnData([]byte{0x3B, 0x00}))
	require.NoError(t, r.AddCommand("0084000008", "1122334455667788 9000"))
	require.NoError(t, r.AddCommandOnce("00B2014C00", "6A83"))
	require.NoError(t, r.AddCommand("00B2014C00", "AABB 9000"))

	cmds := []protocol.Command{
		protocol.NewCommand(protocol.ClassISO, protocol.InsGetChallenge, 0, 0, nil).WithLe(8),
		protocol.NewCommand(protocol.ClassISO, protocol.InsReadRecords, 1, 0x4C, nil).WithLe(0),
		protocol.NewCommand(protocol.ClassISO, protocol.InsReadRecords, 1, 0x4C, nil).WithLe(0),
	}
	resps, err := r.Transmit(context.Background(), protocol.Request{Commands: cmds})
	require.NoError(t, err)
	require.Len(t, resps, 3)
	assert.Equal(t, []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}, resps[0].Data)
	assert.Equal(t, uint16(0x6A83), resps[1].SW)
	assert.Equal(t, []byte{0xAA, 0xBB}, resps[2].Data)
	assert.Len(t, r.History(), 3)
}

func TestReaderStopOnUnsuccessful(t *testing.T) {
	t.Parallel()

	r := New("card")
	require.NoError(t, r.AddCommand("00B2.*", "6A82"))
	cmd := protocol.NewCommand(protocol.ClassISO, protocol.InsReadRecords, 1, 0x4C, nil).WithLe(0)
	resps, err := r.Transmit(context.Background(), protocol.Request{
		Commands:           []protocol.Command{cmd, cmd},
		StopOnUnsuccessful: true,
	})
	require.NoError(t, err)
	assert.Len(t, resps, 1)
}

func TestReaderGetResponseChaining(t *testing.T) {
	t.Parallel()

	r := New("card")
	require.NoError(t, r.AddCommand("00A404000531544943 2E00", "6104"))
	require.NoError(t, r.AddCommand("00C0000004", "01020304 9000"))
	cmd := protocol.NewCommand(protocol.ClassISO, protocol.InsSelectFile, 0x04, 0x00, []byte("1TIC.")).WithLe(0)
	resps, err := r.Transmit(context.Background(), protocol.Request{Commands: []protocol.Command{cmd}})
	require.NoError(t, err)
	require.Len(t, resps, 1)
	assert.Equal(t, []byte{1, 2, 3, 4}, resps[0].Data)
	assert.Equal(t, protocol.SWSuccess, resps[0].SW)
}

func TestReaderErrors(t *testing.T) {
	t.Parallel()

	r := New("card")
	_, err := r.TransmitRaw([]byte{0x00, 0x84, 0x00, 0x00, 0x08})
	assert.ErrorIs(t, err, ErrNoRule)
	assert.ErrorIs(t, err, protocol.ErrCardCommunication)

	r.RemoveCard()
	_, err = r.TransmitRaw([]byte{0x00, 0x84, 0x00, 0x00, 0x08})
	assert.ErrorIs(t, err, ErrNoCard)

	assert.Error(t, r.AddCommand("(", "9000"))
	assert.Error(t, r.AddCommand("00", "90"))
	assert.Error(t, r.AddCommand("00", "zz"))
}

func TestRegistry(t *testing.T) {
	r := New("stub-registry-test")
	Plug(r)
	t.Cleanup(func() { Unplug("stub-registry-test") })

	f, err := protocol.GetFactory(protocol.Stub)
	require.NoError(t, err)
	got, err := f("stub-registry-test")
	require.NoError(t, err)
	assert.Same(t, r, got)
	assert.Contains(t, Names(), "stub-registry-test")

	_, err = f("missing")
	assert.ErrorIs(t, err, ErrUnknownReader)
}
