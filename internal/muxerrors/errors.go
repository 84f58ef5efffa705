// Package muxerrors defines the error taxonomy shared across the mux:
// transport, framing, protocol, client, timeout and configuration
// failures, each carrying a stable code so callers can branch on
// category without string matching.
package muxerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code classifies an Error into one of the categories from the
// propagation rule: local absorption of transient errors, global
// reset for terminal ones.
type Code string

const (
	// Transport covers downstream read/write failures: the serial
	// port or UDP socket is gone. Always escalates to a connection
	// reset.
	Transport Code = "transport"
	// Framing covers bad HDLC FCS or a missed upstream magic token.
	// Dropped silently; never surfaced to a caller.
	Framing Code = "framing"
	// Protocol covers unknown downstream types, bad lengths, sequence
	// mismatches, unknown protocol versions. Logged and dropped.
	Protocol Code = "protocol"
	// Client covers auth failure, bad hello, oversized commands.
	// Results in the client being rejected or closed.
	Client Code = "client"
	// Timeout covers in-flight command timeouts after retries are
	// exhausted.
	Timeout Code = "timeout"
	// Configuration covers CLI/config-file failures. Fatal at startup.
	Configuration Code = "configuration"
)

// Error is an application error carrying a taxonomy Code and wrapping
// the underlying cause (if any) with github.com/pkg/errors, which
// attaches a stack trace to the wrapped value. Unwrap and Cause reach
// through the Error to that cause; formatting the Error itself (even
// with %+v) prints only its message, not the stack trace.
type Error struct {
	Code    Code
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause to the standard errors.Is/As.
func (e *Error) Unwrap() error {
	return e.err
}

// New creates an Error with no underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error wrapping err with a stack trace attached via
// github.com/pkg/errors, tagged with the given taxonomy code.
func Wrap(code Code, message string, err error) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{Code: code, Message: message, err: errors.Wrap(err, message)}
}

// Cause returns the deepest wrapped error, as github.com/pkg/errors.Cause.
func Cause(err error) error {
	for {
		e, ok := err.(*Error)
		if !ok || e.err == nil {
			break
		}
		err = e.err
	}
	return errors.Cause(err)
}
