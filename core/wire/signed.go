// SPDX-FileCopyrightText: Copyright (C) 2026  Superlogin Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/superlogin/core/crypto/signing"
)

const signedRecordContext = "superlogin-signed-record"

var (
	// ErrNonceMismatch is the error returned when a record was signed
	// over a nonce other than the session's current one.
	ErrNonceMismatch = errors.New("wire: signed record nonce mismatch")

	// ErrBadSignature is the error returned when a record's signature
	// does not verify.
	ErrBadSignature = errors.New("wire: signed record signature invalid")

	// ErrMalformedRecord is the error returned when a record can not be
	// decoded.
	ErrMalformedRecord = errors.New("wire: malformed signed record")
)

// SignedRecord is a payload signed together with a server issued nonce.
type SignedRecord struct {
	Payload   []byte
	Nonce     []byte
	Signature []byte
	PublicKey *signing.PublicKey
}

func signedMessage(nonce, payload []byte) []byte {
	msg := make([]byte, 0, len(signedRecordContext)+4+len(nonce)+len(payload))
	msg = append(msg, signedRecordContext...)
	msg = binary.BigEndian.AppendUint32(msg, uint32(len(nonce)))
	msg = append(msg, nonce...)
	return append(msg, payload...)
}

// SignRecord CBOR encodes payload, signs it over nonce with key, and
// returns the encoded record.
func SignRecord(key *signing.PrivateKey, payload interface{}, nonce []byte) ([]byte, error) {
	raw, err := cbor.Marshal(payload)
	if err != nil {
		return nil, err
	}
	sig, err := key.Sign(signedMessage(nonce, raw))
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(&SignedRecord{
		Payload:   raw,
		Nonce:     nonce,
		Signature: sig,
		PublicKey: key.PublicKey(),
	})
}

// OpenSignedRecord decodes a record and checks it against expectedNonce.
// The nonce is compared before the signature is verified or the payload
// looked at.
func OpenSignedRecord(raw, expectedNonce []byte) (*SignedRecord, error) {
	r := new(SignedRecord)
	if err := cbor.Unmarshal(raw, r); err != nil {
		return nil, ErrMalformedRecord
	}
	if len(expectedNonce) == 0 || subtle.ConstantTimeCompare(r.Nonce, expectedNonce) != 1 {
		return nil, ErrNonceMismatch
	}
	if r.PublicKey == nil || !r.PublicKey.Verify(signedMessage(r.Nonce, r.Payload), r.Signature) {
		return nil, ErrBadSignature
	}
	return r, nil
}

// Decode decodes the signed payload into v.
func (r *SignedRecord) Decode(v interface{}) error {
	if err := cbor.Unmarshal(r.Payload, v); err != nil {
		return ErrMalformedRecord
	}
	return nil
}
