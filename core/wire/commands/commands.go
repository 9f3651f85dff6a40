// SPDX-FileCopyrightText: Copyright (C) 2026  Superlogin Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package commands defines the superlogin command set and the records
// exchanged by each command.
package commands

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/text/secure/precis"

	"github.com/katzenpost/superlogin/core/crypto/signing"
	"github.com/katzenpost/superlogin/core/crypto/symmetric"
	"github.com/katzenpost/superlogin/derivation"
)

// Command identifies a request.
type Command uint8

const (
	GetNonce Command = iota + 1
	Register
	Logout
	LoginByToken
	RequestDerivationParams
	RequestACOByLoginName
	LoginByKey
	RequestACOBySecretID
	ChangePasswordAndLogin
)

var commandNames = map[Command]string{
	GetNonce:                "GetNonce",
	Register:                "Register",
	Logout:                  "Logout",
	LoginByToken:            "LoginByToken",
	RequestDerivationParams: "RequestDerivationParams",
	RequestACOByLoginName:   "RequestACOByLoginName",
	LoginByKey:              "LoginByKey",
	RequestACOBySecretID:    "RequestACOBySecretId",
	ChangePasswordAndLogin:  "ChangePasswordAndLogin",
}

func (c Command) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return fmt.Sprintf("[Unknown command: %d]", uint8(c))
}

// Request is one client to server frame.
type Request struct {
	ID      uint64
	Command Command
	Payload []byte
}

// Response is one server to client frame, answering the Request of the
// same ID.
type Response struct {
	ID      uint64
	Payload []byte
	Error   *RemoteError `cbor:",omitempty"`
}

// NewRequest encodes args into a request.  A nil args encodes an empty
// payload.
func NewRequest(id uint64, cmd Command, args interface{}) (*Request, error) {
	r := &Request{ID: id, Command: cmd}
	if args == nil {
		return r, nil
	}
	var err error
	if r.Payload, err = cbor.Marshal(args); err != nil {
		return nil, err
	}
	return r, nil
}

// DecodeArgs decodes the request payload into v.
func (r *Request) DecodeArgs(v interface{}) error {
	if err := cbor.Unmarshal(r.Payload, v); err != nil {
		return &RemoteError{Code: BadRequest, Message: fmt.Sprintf("%s: %v", r.Command, err)}
	}
	return nil
}

// Decode decodes the response payload into v, or returns the remote error.
func (r *Response) Decode(v interface{}) error {
	if r.Error != nil {
		return r.Error
	}
	if v == nil {
		return nil
	}
	return cbor.Unmarshal(r.Payload, v)
}

// ErrorCode classifies a remote error.
type ErrorCode uint8

const (
	Internal ErrorCode = iota + 1
	BadRequest
	IllegalState
	UnknownCommand
)

var (
	// ErrRemoteInternal is matched by remote errors of code Internal.
	ErrRemoteInternal = errors.New("commands: remote internal error")

	// ErrRemoteBadRequest is matched by remote errors of code BadRequest.
	ErrRemoteBadRequest = errors.New("commands: remote rejected malformed request")

	// ErrRemoteIllegalState is matched by remote errors of code
	// IllegalState, returned when a command is not valid in the session's
	// current login state.
	ErrRemoteIllegalState = errors.New("commands: remote illegal state")

	// ErrRemoteUnknownCommand is matched by remote errors of code
	// UnknownCommand.
	ErrRemoteUnknownCommand = errors.New("commands: remote unknown command")
)

// RemoteError is an error reported by the peer.
type RemoteError struct {
	Code    ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// Unwrap maps the code to one of the ErrRemote sentinels.
func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case BadRequest:
		return ErrRemoteBadRequest
	case IllegalState:
		return ErrRemoteIllegalState
	case UnknownCommand:
		return ErrRemoteUnknownCommand
	default:
		return ErrRemoteInternal
	}
}

// Status is the outcome of an authentication attempt.
type Status uint8

const (
	// Success means the session is now logged in.
	Success Status = iota + 1

	// LoginUnavailable means the login name is taken (on registration)
	// or the credentials were rejected (on login).
	LoginUnavailable

	// LoginIDUnavailable means the derived login id collides with an
	// existing user.  The client should retry with a new salt.
	LoginIDUnavailable

	// RestoreIDUnavailable means the restore id collides with an
	// existing user.  The client should retry with a new restore key.
	RestoreIDUnavailable
)

func (s Status) String() string {
	switch s {
	case Success:
		return "Success"
	case LoginUnavailable:
		return "LoginUnavailable"
	case LoginIDUnavailable:
		return "LoginIdUnavailable"
	case RestoreIDUnavailable:
		return "RestoreIdUnavailable"
	default:
		return fmt.Sprintf("[Unknown status: %d]", uint8(s))
	}
}

// AuthenticationResult is returned by every command that can log a
// session in.  LoginName, LoginToken and ApplicationData are set only on
// Success.
type AuthenticationResult struct {
	Status          Status
	LoginName       string `cbor:",omitempty"`
	LoginToken      []byte `cbor:",omitempty"`
	ApplicationData []byte `cbor:",omitempty"`
}

// NewFailure returns a result carrying only a status.
func NewFailure(s Status) *AuthenticationResult {
	return &AuthenticationResult{Status: s}
}

// NonceResult is the reply to GetNonce.
type NonceResult struct {
	Nonce []byte
}

// RegistrationArgs is the signed payload of Register.
type RegistrationArgs struct {
	LoginName        string
	LoginID          []byte
	LoginPublicKey   *signing.PublicKey
	DerivationParams *derivation.Params
	RestoreID        []byte
	PackedACO        []byte
	ExtraData        []byte `cbor:",omitempty"`
}

// SignedArgs carries an encoded wire.SignedRecord.
type SignedArgs struct {
	Record []byte
}

// LoginByTokenArgs are the arguments of LoginByToken.
type LoginByTokenArgs struct {
	Token []byte
}

// LoginNameArgs are the arguments of RequestDerivationParams.
type LoginNameArgs struct {
	LoginName string
}

// DerivationParamsResult is the reply to RequestDerivationParams.
type DerivationParamsResult struct {
	Params *derivation.Params
}

// RequestACOByLoginNameArgs are the arguments of RequestACOByLoginName.
type RequestACOByLoginNameArgs struct {
	LoginName string
	LoginID   []byte
}

// RequestACOResult is the reply to RequestACOByLoginName.  Nonce is the
// session nonce the following LoginByKey must be signed over.
type RequestACOResult struct {
	PackedACO []byte
	Nonce     []byte
}

// LoginPayload is the signed payload of LoginByKey.
type LoginPayload struct {
	LoginName string
}

// RequestACOBySecretIDArgs are the arguments of RequestACOBySecretId.
type RequestACOBySecretIDArgs struct {
	RestoreID []byte
}

// PackedACOResult is the reply to RequestACOBySecretId.  PackedACO is
// empty when no object has the given restore id.
type PackedACOResult struct {
	PackedACO []byte `cbor:",omitempty"`
}

// ChangePasswordArgs are the arguments of ChangePasswordAndLogin.  Record
// is a wire.SignedRecord of ChangePasswordPayload, signed with the login
// key being replaced.
type ChangePasswordArgs struct {
	LoginName string
	Record    []byte
}

// ChangePasswordPayload is the signed payload of ChangePasswordAndLogin.
type ChangePasswordPayload struct {
	PackedACO        []byte
	DerivationParams *derivation.Params
	LoginPublicKey   *signing.PublicKey
	LoginID          []byte
}

// RestoreAccessPayload is the content of every superlogin access control
// object.
type RestoreAccessPayload struct {
	Login           string
	LoginPrivateKey *signing.PrivateKey
	DataStorageKey  symmetric.Key
}

// MaxLoginNameSize is the maximum normalized login name length in bytes.
const MaxLoginNameSize = 256

// ErrInvalidLoginName is the error returned for login names that are not
// valid PRECIS usernames.
var ErrInvalidLoginName = errors.New("commands: invalid login name")

// NormalizeLoginName returns the canonical form of a login name.  Both
// peers normalize before signing or looking a name up.
func NormalizeLoginName(name string) (string, error) {
	s, err := precis.UsernameCasePreserved.String(name)
	if err != nil || s == "" || len(s) > MaxLoginNameSize {
		return "", ErrInvalidLoginName
	}
	return s, nil
}
