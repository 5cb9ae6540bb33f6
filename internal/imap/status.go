package imap

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/emersion/go-imap/client"
)

// Status is the outcome of a command sent to the IMAP server.
type Status int

const (
	// StatusOK means the server answered OK.
	StatusOK Status = iota
	// StatusAuthFailed means the server refused the credentials.
	StatusAuthFailed
	// StatusNotFound means the mailbox or message does not exist.
	StatusNotFound
	// StatusRejected means the server answered NO or BAD for another reason.
	StatusRejected
	// StatusTransportError means the connection failed or was closed.
	StatusTransportError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusAuthFailed:
		return "auth-failed"
	case StatusNotFound:
		return "not-found"
	case StatusRejected:
		return "rejected"
	case StatusTransportError:
		return "transport-error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Op names the session step that produced a StatusError.
type Op string

const (
	OpConnect Op = "connect"
	OpLogin   Op = "login"
	OpSelect  Op = "select"
	OpSearch  Op = "search"
	OpFetch   Op = "fetch"
	OpStore   Op = "store"
	OpIdle    Op = "idle"
)

// StatusError carries the classified outcome of a failed IMAP command.
type StatusError struct {
	Op     Op
	Status Status
	Err    error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("imap %s failed (%s): %v", e.Op, e.Status, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// StatusOf returns the Status carried by err, StatusOK for nil and
// StatusTransportError for errors that did not come from a session command.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return StatusTransportError
}

// newStatusError classifies err. Connection level failures always win over
// the status the caller expects for a server refusal.
func newStatusError(op Op, refused Status, err error) *StatusError {
	status := refused
	if isTransportError(err) {
		status = StatusTransportError
	}
	return &StatusError{Op: op, Status: status, Err: err}
}

// isTransportError reports whether err was caused by the connection rather
// than by a tagged NO/BAD response.
func isTransportError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	// The client drops to the logout state when the server hangs up.
	if errors.Is(err, client.ErrNotLoggedIn) || errors.Is(err, client.ErrAlreadyLoggedOut) || errors.Is(err, client.ErrNoMailboxSelected) {
		return true
	}

	// go-imap reports a dropped connection with a plain error.
	return strings.Contains(err.Error(), "connection closed")
}
