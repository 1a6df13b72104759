// Package common provides shared constants, types, and utilities
// used across the VPN session daemon and its front ends.
package common

import (
	"errors"
	"fmt"
)

// Sentinel errors for authorization, registry and session operations.
// These can be checked with errors.Is() for proper error handling.
var (
	// Authorization errors.
	ErrAccessDenied = errors.New("access denied")

	// ACL misuse.
	ErrDuplicateGrant = errors.New("UID already granted access")
	ErrNoSuchGrant    = errors.New("UID is not listed in access list")

	// Session readiness and state errors.
	ErrNotReady     = errors.New("backend not ready to connect")
	ErrInvalidState = errors.New("invalid session state")

	// Credential queue misuse.
	ErrAlreadyProvided = errors.New("request already provided")
	ErrUnknownRequest  = errors.New("unknown request")

	// Configuration errors.
	ErrSealed        = errors.New("configuration is sealed")
	ErrInvalidConfig = errors.New("invalid configuration profile")
	ErrAliasExists   = errors.New("alias already in use")

	// Lookup and transport errors.
	ErrNotFound  = errors.New("not found")
	ErrLookup    = errors.New("identity lookup failed")
	ErrTransport = errors.New("transport failure")

	// Generic argument validation.
	ErrInvalidArgument = errors.New("invalid argument")
)

// AccessDeniedError is returned when an ACL or owner check fails.
type AccessDeniedError struct {
	UID       uint32
	OwnerOnly bool
}

func (e *AccessDeniedError) Error() string {
	if e.OwnerOnly {
		return fmt.Sprintf("owner access denied (requester UID %d)", e.UID)
	}
	return fmt.Sprintf("access denied (requester UID %d)", e.UID)
}

// Is makes errors.Is(err, ErrAccessDenied) match.
func (e *AccessDeniedError) Is(target error) bool {
	return target == ErrAccessDenied
}

// TypeGroup names one class of outstanding user input.
type TypeGroup struct {
	Type  uint32
	Group uint32
}

// NotReadyError signals that the backend needs more user input. It is a
// request to drain the credential queue, never an authorization failure.
type NotReadyError struct {
	Pending []TypeGroup
	Message string
}

func (e *NotReadyError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("backend not ready: %d input class(es) outstanding", len(e.Pending))
}

// Is makes errors.Is(err, ErrNotReady) match.
func (e *NotReadyError) Is(target error) bool {
	return target == ErrNotReady
}

// RequestError carries the offending request id of a queue misuse.
type RequestError struct {
	ID  uint32
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %d: %v", e.ID, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// NotFoundError reports a path, alias or request that does not resolve.
type NotFoundError struct {
	What string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.What, e.Key)
}

// Is makes errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// LookupError is returned when a caller identity cannot be resolved.
// Authorization must fail closed on it.
type LookupError struct {
	Sender string
	Err    error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("failed to resolve credentials of %q: %v", e.Sender, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrLookup) match.
func (e *LookupError) Is(target error) bool {
	return target == ErrLookup
}

// TransportError is returned when a call could not be delivered or
// answered. The callee state is unknown afterwards.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport failure: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrTransport) match.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// StateError is returned when an operation is not valid in the current
// session state.
type StateError struct {
	Op    string
	State string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}

// Is makes errors.Is(err, ErrInvalidState) match.
func (e *StateError) Is(target error) bool {
	return target == ErrInvalidState
}

// ErrorKind classifies errors into the taxonomy front ends render.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindAuth
	KindACL
	KindNotReady
	KindQueue
	KindSealed
	KindLookup
	KindTransport
	KindNotFound
	KindState
	KindInvalid
	KindInternal
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindAuth:
		return "auth"
	case KindACL:
		return "acl"
	case KindNotReady:
		return "not-ready"
	case KindQueue:
		return "queue"
	case KindSealed:
		return "sealed"
	case KindLookup:
		return "lookup"
	case KindTransport:
		return "transport"
	case KindNotFound:
		return "not-found"
	case KindState:
		return "state"
	case KindInvalid:
		return "invalid"
	default:
		return "internal"
	}
}

// Kind returns the taxonomy class of err.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrTransport):
		return KindTransport
	case errors.Is(err, ErrLookup):
		return KindLookup
	case errors.Is(err, ErrAccessDenied):
		return KindAuth
	case errors.Is(err, ErrDuplicateGrant), errors.Is(err, ErrNoSuchGrant):
		return KindACL
	case errors.Is(err, ErrNotReady):
		return KindNotReady
	case errors.Is(err, ErrAlreadyProvided), errors.Is(err, ErrUnknownRequest):
		return KindQueue
	case errors.Is(err, ErrSealed):
		return KindSealed
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidState):
		return KindState
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrInvalidConfig), errors.Is(err, ErrAliasExists):
		return KindInvalid
	default:
		return KindInternal
	}
}

// Retryable reports whether a caller may retry after re-querying state.
// Only transport failures qualify.
func Retryable(err error) bool {
	return Kind(err) == KindTransport
}

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}
