// Package mcerr defines the result-code taxonomy shared by every layer of
// the daemon: the kernel driver, the MCP protocol, and the client wire
// protocol all report failures as an mcerr.Kind, optionally wrapping the
// lower-level cause (an errno, an MCP subcode, or another error).
package mcerr

import (
	"errors"
	"fmt"
)

// Kind is the abstract result code visible to clients, independent of its
// cause. It is also the wire encoding of ResultCode in package wire.
type Kind uint32

const (
	Ok Kind = iota
	InfoNotification
	InvalidParameter
	NullPointer
	UnknownDevice
	UnknownSession
	DeviceAlreadyOpen
	SessionPending
	TciTooBig
	TciGreaterThanWsm
	WsmNotFound
	BlockBufferNotFound
	SocketConnect
	SocketWrite
	SocketRead
	SocketLength
	DaemonVersion
	DaemonUnreachable
	Timeout
	Notification
	NotImplemented
	McpError
	KmodNotOpen
	KmodVersion
	DriverError

	// MCP-level subcodes. Each is its own Kind and goes out on the wire as
	// itself (e.g. WrongPublicKey), not folded into McpError; they are
	// listed separately here only to keep MCP-specific failures visually
	// grouped from the broader daemon-level Kinds above.
	WrongPublicKey
	ContainerTypeMismatch
	ContainerLocked
	SpNoChild
	TlNoChild
	UnwrapRootFailed
	UnwrapSpFailed
	UnwrapTrustletFailed
)

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint32(k))
}

var kindNames = map[Kind]string{
	Ok:                    "Ok",
	InfoNotification:      "InfoNotification",
	InvalidParameter:      "InvalidParameter",
	NullPointer:           "NullPointer",
	UnknownDevice:         "UnknownDevice",
	UnknownSession:        "UnknownSession",
	DeviceAlreadyOpen:     "DeviceAlreadyOpen",
	SessionPending:        "SessionPending",
	TciTooBig:             "TciTooBig",
	TciGreaterThanWsm:     "TciGreaterThanWsm",
	WsmNotFound:           "WsmNotFound",
	BlockBufferNotFound:   "BlockBufferNotFound",
	SocketConnect:         "SocketConnect",
	SocketWrite:           "SocketWrite",
	SocketRead:            "SocketRead",
	SocketLength:          "SocketLength",
	DaemonVersion:         "DaemonVersion",
	DaemonUnreachable:     "DaemonUnreachable",
	Timeout:               "Timeout",
	Notification:          "Notification",
	NotImplemented:        "NotImplemented",
	McpError:              "McpError",
	KmodNotOpen:           "KmodNotOpen",
	KmodVersion:           "KmodVersion",
	DriverError:           "DriverError",
	WrongPublicKey:        "WrongPublicKey",
	ContainerTypeMismatch: "ContainerTypeMismatch",
	ContainerLocked:       "ContainerLocked",
	SpNoChild:             "SpNoChild",
	TlNoChild:             "TlNoChild",
	UnwrapRootFailed:      "UnwrapRootFailed",
	UnwrapSpFailed:        "UnwrapSpFailed",
	UnwrapTrustletFailed:  "UnwrapTrustletFailed",
}

// Error is the concrete error type returned across package boundaries in
// this daemon. It pairs an abstract Kind with the underlying cause, mirroring
// the way vm.Machine in the teacher repo wraps a sentinel error with the
// syscall-level cause via fmt.Errorf("%w: %w", ...).
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an *Error of the given kind with no wrapped cause.
func New(kind Kind) *Error {
	return &Error{Kind: kind}
}

// Wrap returns an *Error of the given kind wrapping cause. If cause is nil,
// Wrap returns nil, matching the errors.New / fmt.Errorf convention used
// throughout this daemon's lower layers (kmod in particular).
func Wrap(kind Kind, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Err: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, and
// McpError otherwise — every escaping error must be attributable to some
// Kind by the time it reaches the wire.
func KindOf(err error) Kind {
	if err == nil {
		return Ok
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return McpError
}
