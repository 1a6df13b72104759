package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/vpn-sessiond/common"
)

// Error names sent on the bus for domain failures.
const (
	ErrorPrefix = "net.openvpn.v3.error."

	ErrorAccessDenied    = ErrorPrefix + "acl.denied"
	ErrorDuplicateGrant  = ErrorPrefix + "acl.duplicate"
	ErrorNoSuchGrant     = ErrorPrefix + "acl.nogrant"
	ErrorNotReady        = ErrorPrefix + "ready"
	ErrorAlreadyProvided = ErrorPrefix + "queue.provided"
	ErrorUnknownRequest  = ErrorPrefix + "queue.unknown"
	ErrorSealed          = ErrorPrefix + "config.sealed"
	ErrorInvalidConfig   = ErrorPrefix + "config.invalid"
	ErrorAliasExists     = ErrorPrefix + "config.alias"
	ErrorNotFound        = ErrorPrefix + "notfound"
	ErrorInvalidState    = ErrorPrefix + "state"
	ErrorInvalidArgument = ErrorPrefix + "argument"
	ErrorLookup          = ErrorPrefix + "lookup"
	ErrorInternal        = ErrorPrefix + "internal"
)

const freedesktopErrorPrefix = "org.freedesktop.DBus.Error."

// errorNames maps sentinels to bus names. Order matters: the first
// match wins.
var errorNames = []struct {
	err  error
	name string
}{
	{common.ErrLookup, ErrorLookup},
	{common.ErrAccessDenied, ErrorAccessDenied},
	{common.ErrDuplicateGrant, ErrorDuplicateGrant},
	{common.ErrNoSuchGrant, ErrorNoSuchGrant},
	{common.ErrNotReady, ErrorNotReady},
	{common.ErrAlreadyProvided, ErrorAlreadyProvided},
	{common.ErrUnknownRequest, ErrorUnknownRequest},
	{common.ErrSealed, ErrorSealed},
	{common.ErrInvalidConfig, ErrorInvalidConfig},
	{common.ErrAliasExists, ErrorAliasExists},
	{common.ErrNotFound, ErrorNotFound},
	{common.ErrInvalidState, ErrorInvalidState},
	{common.ErrInvalidArgument, ErrorInvalidArgument},
}

// ToDBusError converts a domain error into a bus error reply. Internal
// failures keep their message but carry the generic internal name.
//
// The first body element is always the message. Access denials append
// the requester uid and the owner-only flag, queue misuse appends the
// request id, so FromDBusError can rebuild the typed error.
func ToDBusError(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	var de *dbus.Error
	if errors.As(err, &de) {
		return de
	}

	body := []interface{}{err.Error()}
	var denied *common.AccessDeniedError
	var reqErr *common.RequestError
	switch {
	case errors.As(err, &denied):
		body = append(body, denied.UID, denied.OwnerOnly)
	case errors.As(err, &reqErr):
		body = append(body, reqErr.ID)
	}
	return dbus.NewError(errorName(err), body)
}

func errorName(err error) string {
	for _, e := range errorNames {
		if errors.Is(err, e.err) {
			return e.name
		}
	}
	return ErrorInternal
}

// RemoteError is a domain error reported by the service. It matches the
// corresponding common sentinel with errors.Is.
type RemoteError struct {
	Name    string
	Message string
	err     error
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return e.err
}

// FromDBusError converts the error of a bus call made for op back into
// the domain taxonomy. Anything the service did not answer itself is a
// *common.TransportError.
func FromDBusError(op string, err error) error {
	if err == nil {
		return nil
	}

	name, message, body, ok := dbusError(err)
	if !ok {
		return &common.TransportError{Op: op, Err: err}
	}

	switch {
	case name == ErrorNotReady:
		return &common.NotReadyError{Message: message}
	case name == ErrorAccessDenied && len(body) == 3:
		uid, uidOK := body[1].(uint32)
		ownerOnly, flagOK := body[2].(bool)
		if uidOK && flagOK {
			return &common.AccessDeniedError{UID: uid, OwnerOnly: ownerOnly}
		}
		return remoteError(name, message)
	case strings.HasPrefix(name, ErrorPrefix):
		if len(body) == 2 {
			if id, ok := body[1].(uint32); ok {
				inner := strings.TrimPrefix(message, fmt.Sprintf("request %d: ", id))
				return &common.RequestError{ID: id, Err: remoteError(name, inner)}
			}
		}
		return remoteError(name, message)
	case name == freedesktopErrorPrefix+"UnknownObject":
		return &common.NotFoundError{What: "object", Key: message}
	default:
		return &common.TransportError{Op: op, Err: err}
	}
}

func remoteError(name, message string) *RemoteError {
	re := &RemoteError{Name: name, Message: message}
	for _, e := range errorNames {
		if e.name == name {
			re.err = e.err
			break
		}
	}
	return re
}

func dbusError(err error) (name, message string, body []interface{}, ok bool) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "", "", nil, false
	}

	var pe *dbus.Error
	if errors.As(err, &pe) {
		return pe.Name, pe.Error(), pe.Body, true
	}
	var ve dbus.Error
	if errors.As(err, &ve) {
		return ve.Name, ve.Error(), ve.Body, true
	}
	return "", "", nil, false
}
