// Package gserr defines the sentinel error values that cross every package
// boundary in gsfleet. Components wrap these with fmt.Errorf("...: %w", ...)
// so callers can still errors.Is against the abstract kind described in the
// design (ConfigError, TransientNetwork, AlreadySubscribed, ...).
package gserr

import "errors"

var (
	// ErrConfig signals a synchronous, construction-time configuration
	// mistake: ambiguous or missing credentials, an unparseable Redis URL,
	// etc. Never returned from a running connection.
	ErrConfig = errors.New("gsfleet: invalid configuration")

	// ErrInvalidUsage signals a caller mistake detected synchronously,
	// such as Console.Send() being handed a subscribe-shaped command.
	ErrInvalidUsage = errors.New("gsfleet: invalid usage")

	// ErrAlreadySubscribed is returned by subscribe operations when the
	// (event,key) pair (or event name, for console subscriptions) is
	// already registered.
	ErrAlreadySubscribed = errors.New("gsfleet: already subscribed")

	// ErrNotSubscribed is the unsubscribe-side mirror of
	// ErrAlreadySubscribed.
	ErrNotSubscribed = errors.New("gsfleet: not subscribed")

	// ErrRetriesExhausted is returned once a retry-bounded operation
	// (an RPC send, a REST call) has consumed its configured attempt
	// budget without success.
	ErrRetriesExhausted = errors.New("gsfleet: retries exhausted")

	// ErrConsoleRefused is returned by Server.Connect when the platform
	// reports allowed=false, or returns no connection details, for a
	// console connection attempt.
	ErrConsoleRefused = errors.New("gsfleet: console connection refused")

	// ErrClosed is returned by operations attempted against a disposed
	// entity (Instance, Console Connection, Supervisor, ...).
	ErrClosed = errors.New("gsfleet: closed")

	// ErrNotReady is returned by Supervisor operations that require
	// readyState == Ready (e.g. OpenServerConnection before start
	// completes).
	ErrNotReady = errors.New("gsfleet: supervisor not ready")
)
