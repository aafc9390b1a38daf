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

// Package protocol holds the APDU plumbing shared by the card, SAM and reader
// packages.
package protocol

import (
	"context"
	"fmt"
)

// Request is an ordered batch of commands sent to one card in one exchange.
type Request struct {
	Commands []Command
	// StopOnUnsuccessful ends the batch at the first response whose status
	// word is not successful for its command.
	StopOnUnsuccessful bool
}

// Reader is a connection to a card or SAM.
type Reader interface {
	Name() string
	// Transmit sends the commands of req in order and returns one response per
	// command sent. Fewer responses than commands are returned when the batch
	// was stopped early.
	Transmit(ctx context.Context, req Request) ([]Response, error)
	// PowerOnData returns the ATR of the card in the field.
	PowerOnData() []byte
	Contactless() bool
	Close() error
}

// RawTransmitter sends a single encoded APDU and returns the raw response.
// Reader back-ends implement it and delegate Transmit to Exchange.
type RawTransmitter interface {
	TransmitRaw(apdu []byte) ([]byte, error)
}

// Exchange runs req over t, chaining Get Response on 61xx and re-issuing
// commands with the right Le on 6Cxx.
func Exchange(ctx context.Context, t RawTransmitter, req Request) ([]Response, error) {
	resps := make([]Response, 0, len(req.Commands))
	for _, cmd := range req.Commands {
		if err := ctx.Err(); err != nil {
			return resps, err
		}
		resp, err := exchangeOne(t, cmd)
		if err != nil {
			return resps, err
		}
		resps = append(resps, resp)
		if req.StopOnUnsuccessful && !cmd.Successful(resp.SW) {
			break
		}
	}
	return resps, nil
}

func exchangeOne(t RawTransmitter, cmd Command) (Response, error) {
	apdu, err := cmd.Encode()
	if err != nil {
		return Response{}, err
	}
	resp, err := transmitOne(t, apdu)
	if err != nil {
		return Response{}, fmt.Errorf("%s: %w", cmd.Name(), err)
	}
	if resp.SW1() == 0x6C && len(cmd.Data()) == 0 {
		resp, err = transmitOne(t, cmd.WithLe(resp.SW2()).MustEncode())
		if err != nil {
			return Response{}, fmt.Errorf("%s: %w", cmd.Name(), err)
		}
	}
	data := resp.Data
	for resp.SW1() == 0x61 {
		resp, err = transmitOne(t, GetResponse(resp.SW2()).MustEncode())
		if err != nil {
			return Response{}, fmt.Errorf("%s: get response: %w", cmd.Name(), err)
		}
		data = append(data, resp.Data...)
	}
	resp.Data = data
	return resp, nil
}

func transmitOne(t RawTransmitter, apdu []byte) (Response, error) {
	raw, err := t.TransmitRaw(apdu)
	if err != nil {
		return Response{}, err
	}
	return ParseResponse(raw)
}
