// SPDX-FileCopyrightText: Copyright (C) 2026  Superlogin Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire implements the superlogin stream framing and the nonce
// bound signed records used to authenticate state changing commands.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

const (
	// MaxFrameSize is the largest accepted frame body.
	MaxFrameSize = 1 << 20

	framePrefixLen = 4
)

// ErrFrameTooLarge is the error returned for oversized frames.
var ErrFrameTooLarge = errors.New("wire: frame too large")

// WriteFrame CBOR encodes v and writes it with a 4 byte big endian length
// prefix, in a single Write call.
func WriteFrame(w io.Writer, v interface{}) error {
	blob, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	if len(blob) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	toSend := make([]byte, framePrefixLen, framePrefixLen+len(blob))
	binary.BigEndian.PutUint32(toSend, uint32(len(blob)))
	toSend = append(toSend, blob...)
	count, err := w.Write(toSend)
	if err != nil {
		return err
	}
	if count != len(toSend) {
		return fmt.Errorf("wire: short write: %d != %d", count, len(toSend))
	}
	return nil
}

// ReadFrame reads one frame and decodes it into v.
func ReadFrame(r io.Reader, v interface{}) error {
	prefix := make([]byte, framePrefixLen)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return err
	}
	frameLen := binary.BigEndian.Uint32(prefix)
	if frameLen > MaxFrameSize {
		return ErrFrameTooLarge
	}
	blob := make([]byte, frameLen)
	if _, err := io.ReadFull(r, blob); err != nil {
		return err
	}
	return cbor.Unmarshal(blob, v)
}
