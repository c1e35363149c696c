// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package message implements the gateway's immutable message envelope:
// an ordered property mapping plus an opaque payload, with a canonical
// serialized form used by out-of-process loaders and tests.
package message

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/abstractmachines/edgegate/errors"
)

// Message is an immutable value: an ordered set of unique-keyed UTF-8
// properties plus an opaque payload. Once constructed it is never mutated;
// New defensively copies both the property values and the payload so the
// message is independent of the caller's buffers, and Properties/Payload
// return copies so holders can't mutate it through an accessor either.
type Message struct {
	keys   []string
	values map[string]string
	payload []byte
}

// New constructs a Message from a property mapping and a payload. The order
// of props is preserved in the canonical serialization (Go map iteration
// order is not, so New takes the ordered keys explicitly via orderedKeys;
// when orderedKeys is nil the keys are sorted for a deterministic, if
// arbitrary, order).
func New(props map[string]string, payload []byte, orderedKeys []string) (Message, error) {
	keys := orderedKeys
	if keys == nil {
		keys = make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		sortStrings(keys)
	}
	if len(keys) != len(props) {
		return Message{}, errors.Wrap(errors.ErrInvalid, errors.New("orderedKeys does not match props"))
	}

	values := make(map[string]string, len(props))
	seen := make(map[string]struct{}, len(props))
	orderedCopy := make([]string, 0, len(keys))
	for _, k := range keys {
		v, ok := props[k]
		if !ok {
			return Message{}, errors.Wrap(errors.ErrInvalid, errors.New("orderedKeys references unknown property "+k))
		}
		if _, dup := seen[k]; dup {
			return Message{}, errors.Wrap(errors.ErrInvalid, errors.New("duplicate property key "+k))
		}
		seen[k] = struct{}{}
		values[k] = v
		orderedCopy = append(orderedCopy, k)
	}

	pl := make([]byte, len(payload))
	copy(pl, payload)

	return Message{keys: orderedCopy, values: values, payload: pl}, nil
}

func sortStrings(s []string) {
	// insertion sort: property lists are small (a handful of entries per
	// message), and avoids importing sort just for this.
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Property returns the value for name and whether it was present.
func (m Message) Property(name string) (string, bool) {
	v, ok := m.values[name]
	return v, ok
}

// Properties returns the ordered (name, value) pairs.
func (m Message) Properties() []Property {
	out := make([]Property, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, Property{Name: k, Value: m.values[k]})
	}
	return out
}

// Payload returns a copy of the opaque payload bytes.
func (m Message) Payload() []byte {
	out := make([]byte, len(m.payload))
	copy(out, m.payload)
	return out
}

// Property is a single ordered (name, value) pair, as returned by
// Properties.
type Property struct {
	Name  string
	Value string
}

// Equal reports whether two messages have the same properties (in order)
// and the same payload.
func (m Message) Equal(o Message) bool {
	if len(m.keys) != len(o.keys) {
		return false
	}
	for i, k := range m.keys {
		if o.keys[i] != k || m.values[k] != o.values[k] {
			return false
		}
	}
	return bytes.Equal(m.payload, o.payload)
}

// Serialize renders the canonical wire form described in the gateway's
// external interfaces: a 4-byte big-endian total frame length (including
// itself), a 4-byte property count, each property as a pair of
// NUL-terminated UTF-8 strings, a 4-byte payload length, then the payload.
func (m Message) Serialize() []byte {
	var body bytes.Buffer

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(m.keys)))
	body.Write(countBuf[:])

	for _, k := range m.keys {
		body.WriteString(k)
		body.WriteByte(0)
		body.WriteString(m.values[k])
		body.WriteByte(0)
	}

	var payloadLenBuf [4]byte
	binary.BigEndian.PutUint32(payloadLenBuf[:], uint32(len(m.payload)))
	body.Write(payloadLenBuf[:])
	body.Write(m.payload)

	total := 4 + body.Len()
	out := make([]byte, 4, total)
	binary.BigEndian.PutUint32(out, uint32(total))
	out = append(out, body.Bytes()...)
	return out
}

// Deserialize parses the canonical wire form produced by Serialize.
func Deserialize(data []byte) (Message, error) {
	if len(data) < 8 {
		return Message{}, errors.Wrap(errors.ErrInvalid, errors.New("frame too short"))
	}
	total := binary.BigEndian.Uint32(data[0:4])
	if int(total) != len(data) {
		return Message{}, errors.Wrap(errors.ErrInvalid, errors.New("frame length mismatch"))
	}

	r := bytes.NewReader(data[4:])

	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return Message{}, errors.Wrap(errors.ErrInvalid, errors.New("truncated property count"))
	}
	count := binary.BigEndian.Uint32(countBuf[:])

	keys := make([]string, 0, count)
	values := make(map[string]string, count)
	for i := uint32(0); i < count; i++ {
		name, err := readCString(r)
		if err != nil {
			return Message{}, errors.Wrap(errors.ErrInvalid, errors.New("truncated property name"))
		}
		value, err := readCString(r)
		if err != nil {
			return Message{}, errors.Wrap(errors.ErrInvalid, errors.New("truncated property value"))
		}
		if _, dup := values[name]; dup {
			return Message{}, errors.Wrap(errors.ErrInvalid, errors.New("duplicate property key "+name))
		}
		keys = append(keys, name)
		values[name] = value
	}

	var payloadLenBuf [4]byte
	if _, err := io.ReadFull(r, payloadLenBuf[:]); err != nil {
		return Message{}, errors.Wrap(errors.ErrInvalid, errors.New("truncated payload length"))
	}
	payloadLen := binary.BigEndian.Uint32(payloadLenBuf[:])

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, errors.Wrap(errors.ErrInvalid, errors.New("truncated payload"))
		}
	}
	if r.Len() != 0 {
		return Message{}, errors.Wrap(errors.ErrInvalid, errors.New("trailing bytes after payload"))
	}

	return Message{keys: keys, values: values, payload: payload}, nil
}

func readCString(r *bytes.Reader) (string, error) {
	var buf bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return buf.String(), nil
		}
		buf.WriteByte(b)
	}
}
