// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// A Kind classifies errors that cross the wire.
type Kind string

const (
	KindProtocol         Kind = "protocol_error"
	KindDecryption       Kind = "decryption_error"
	KindTimeout          Kind = "timeout"
	KindChecksumMismatch Kind = "checksum_mismatch"
	KindPermissionDenied Kind = "permission_denied"
	KindVersionMismatch  Kind = "version_mismatch"
	KindNameMismatch     Kind = "name_mismatch"
	KindUnknownCommand   Kind = "unknown_command"
	KindRemote           Kind = "remote_error"
	KindPoolTask         Kind = "pool_task_error"
	KindNotFound         Kind = "not_found"
	KindInternal         Kind = "internal"
)

// Numeric codes carried next to the kind, compatible with the cluster's
// historic error numbering.
const (
	CodeInternal          = 1000
	CodeUnparseable       = 3000
	CodeChecksumMismatch  = 3005
	CodeProtectedFile     = 3007
	CodeSyncError         = 3016
	CodeSendRequest       = 3018
	CodeTimeout           = 3021
	CodeUnknownNode       = 3022
	CodeCommandTooLong    = 3024
	CodeDecryption        = 3025
	CodeUnknownTask       = 3027
	CodeDuplicateNode     = 3028
	CodeMasterNodeName    = 3029
	CodeNameMismatch      = 3030
	CodeVersionMismatch   = 3031
	CodeUnknownRequest    = 3032
	CodeFileNotFound      = 3034
	CodeStringNotFound    = 3035
	CodeInvalidJSON       = 3036
	CodePoolTask          = 3037
	CodeExtraValid        = 3038
	CodeReceiveTimeout    = 3039
	CodeUnknownCommand    = 3040
	CodePermissionDenied  = 3041
	CodeProtocolViolation = 3042
)

// Error is a well known error. Errors of the same Kind compare equal under
// errors.Is, so the exported sentinels below can be used to test the kind
// of any error returned from this package or received from the peer.
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

var (
	ErrProtocol         = &Error{Kind: KindProtocol, Code: CodeProtocolViolation}
	ErrDecryption       = &Error{Kind: KindDecryption, Code: CodeDecryption, Message: "could not decrypt message from peer"}
	ErrTimeout          = &Error{Kind: KindTimeout, Code: CodeTimeout}
	ErrChecksumMismatch = &Error{Kind: KindChecksumMismatch, Code: CodeChecksumMismatch}
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied, Code: CodePermissionDenied}
	ErrVersionMismatch  = &Error{Kind: KindVersionMismatch, Code: CodeVersionMismatch}
	ErrNameMismatch     = &Error{Kind: KindNameMismatch, Code: CodeNameMismatch}
	ErrUnknownCommand   = &Error{Kind: KindUnknownCommand, Code: CodeUnknownCommand}
	ErrRemote           = &Error{Kind: KindRemote, Code: CodeUnparseable}
	ErrPoolTask         = &Error{Kind: KindPoolTask, Code: CodePoolTask}
	ErrNotFound         = &Error{Kind: KindNotFound, Code: CodeFileNotFound}
	ErrInternal         = &Error{Kind: KindInternal, Code: CodeInternal}
)

// ErrClosed is returned when operating on a closed endpoint.
var ErrClosed = errors.New("connection closed")

func newError(kind Kind, code int, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewError returns a well known error of the given kind.
func NewError(kind Kind, code int, format string, args ...interface{}) error {
	return newError(kind, code, format, args...)
}

func newProtocolError(err error, msgContext string) error {
	return newError(KindProtocol, CodeProtocolViolation, "%s: %v", msgContext, err)
}

func newHandleError(err error, msgContext string) error {
	return fmt.Errorf("handling %v: %w", msgContext, err)
}

// RemoteError is an error reported by the peer in an "err" response. It
// matches ErrRemote and, through Unwrap, the kind the peer reported.
type RemoteError struct {
	Err *Error
}

func (e *RemoteError) Error() string {
	return "remote: " + e.Err.Error()
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

// ErrorToWire returns the structured error description sent in an "err"
// response. Errors that are not well known are reported as internal.
func ErrorToWire(err error) []byte {
	var werr *Error
	if !errors.As(err, &werr) {
		werr = &Error{Kind: KindInternal, Code: CodeInternal, Message: err.Error()}
	}
	bs, jerr := json.Marshal(werr)
	if jerr != nil {
		panic("bug: marshalling error: " + jerr.Error())
	}
	return bs
}

// ErrorFromWire parses an "err" response payload. Payloads that are not a
// structured error are kept verbatim as the message.
func ErrorFromWire(bs []byte) *RemoteError {
	var werr Error
	if err := json.Unmarshal(bs, &werr); err != nil || werr.Kind == "" {
		return &RemoteError{Err: &Error{Kind: KindRemote, Code: CodeUnparseable, Message: string(bs)}}
	}
	return &RemoteError{Err: &werr}
}
