// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the out-of-process control channel framing from
// spec.md §6: a small header plus a payload that, for Publish/PublishReply
// frames, is itself the message canonical serialization from pkg/message.
// Framing, reliability, and transport are otherwise implementation choices;
// this package picks length-prefixed frames over a byte stream (a pipe, in
// the reference out-of-process loader) because that is the minimal choice
// that preserves message boundaries and in-order delivery, as §6 requires.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/abstractmachines/edgegate/errors"
)

// Kind is the closed set of control-channel frame kinds.
type Kind byte

const (
	KindCreate Kind = iota
	KindStart
	KindDestroy
	KindPublish
	KindPublishReply
)

// Frame is one message exchanged over the out-of-process control channel.
type Frame struct {
	Kind    Kind
	Payload []byte
}

// Write encodes f as [1 byte kind][4 byte big-endian payload length][payload]
// and writes it to w.
func Write(w io.Writer, f Frame) error {
	header := make([]byte, 5)
	header[0] = byte(f.Kind)
	binary.BigEndian.PutUint32(header[1:], uint32(len(f.Payload)))
	if _, err := w.Write(header); err != nil {
		return errors.Wrap(errors.ErrBrokerFailure, errors.New("failed to write frame header: "+err.Error()))
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return errors.Wrap(errors.ErrBrokerFailure, errors.New("failed to write frame payload: "+err.Error()))
		}
	}
	return nil
}

// Read decodes one Frame from r, blocking until a full frame is available.
func Read(r io.Reader) (Frame, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(header[1:])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, errors.Wrap(errors.ErrBrokerFailure, errors.New("truncated frame payload: "+err.Error()))
		}
	}
	return Frame{Kind: Kind(header[0]), Payload: payload}, nil
}
