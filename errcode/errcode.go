// Package errcode implements the categorical (category, code) error pairs
// that cross every boundary of the core, per the wire error taxonomy. There
// is no free-form error-string contract on the wire; every failure a caller
// can observe is one of these pairs plus a human-readable reason.
package errcode

import (
	"fmt"
	"sync"
)

// Category is a stable, process-wide small integer identifying a family of
// error codes. Categories are registered once at process startup and never
// change their numeric value thereafter, since the value is serialized on
// the wire inside a revoke control message.
type Category uint32

// Well-known categories, named in the registry map below. Index 0xFF is "unknown".
const (
	System Category = iota
	Generic
	Transport
	Protocol
	Dispatch
	Repository
	Security
	Locator
	Raft
	Unknown Category = 0xFF
)

// Code is the signed per-category value.
type Code int32

// Error is the categorical pair surfaced across every boundary, with an
// optional human-readable reason attached for logs (never parsed by peers)
// and an optional Hint carrying any machine-consumable payload the code
// defines (e.g. NotLeader's redirect target) — callers that need to act on
// it read Hint, not Reason.
type Error struct {
	Category Category
	Code     Code
	Reason   string
	Hint     string
}

func (e *Error) Error() string {
	name := categoryName(e.Category)
	if e.Reason == "" {
		return fmt.Sprintf("%s: code %d", name, e.Code)
	}
	return fmt.Sprintf("%s: %s (code %d)", name, e.Reason, e.Code)
}

// New builds a categorical error with a reason.
func New(cat Category, code Code, reason string) *Error {
	return &Error{Category: cat, Code: code, Reason: reason}
}

// NewWithHint builds a categorical error carrying a machine-consumable hint
// alongside its human-readable reason.
func NewWithHint(cat Category, code Code, reason, hint string) *Error {
	return &Error{Category: cat, Code: code, Reason: reason, Hint: hint}
}

// Transport codes.
const (
	FrameFormatError Code = iota + 1
	HpackError
	InsufficientBytes
	ParseError
)

// Protocol codes.
const (
	ClosedUpstream Code = iota + 1
)

// Dispatch codes.
const (
	DuplicateSlot Code = iota + 1
	InvalidArgument
	NotConnected
	RevokedChannel
	SlotNotFound
	UnboundDispatch
	UncaughtError
)

// Locator codes.
const (
	ServiceNotAvailable Code = iota + 1
	RoutingStorageError
	MissingVersionError
	GatewayDuplicateService
	GatewayMissingService
)

// Security codes.
const (
	TokenNotFound Code = iota + 1
	Unauthorized
	PermissionDenied
	PermissionsChanged
	InvalidAclFraming
)

// Raft codes.
const (
	NotLeader Code = iota + 1
	UnknownResult
)

var (
	registryMu sync.RWMutex
	registry   = map[Category]string{
		System:      "system",
		Generic:     "generic",
		Transport:   "transport",
		Protocol:    "protocol",
		Dispatch:    "dispatch",
		Repository:  "repository",
		Security:    "security",
		Locator:     "locator",
		Raft:        "raft",
		Unknown:     "unknown",
	}
)

// Register adds (or renames) a category in the process-wide registry. Used
// by embedders that define their own categories above the reserved range.
func Register(cat Category, name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[cat] = name
}

func categoryName(cat Category) string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if name, ok := registry[cat]; ok {
		return name
	}
	return "unknown"
}

// Is reports whether err is a categorical Error with the given category and
// code, unwrapping causal chains built with github.com/pkg/errors.
func Is(err error, cat Category, code Code) bool {
	type causer interface{ Cause() error }
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Category == cat && e.Code == code
		}
		c, ok := err.(causer)
		if !ok {
			return false
		}
		err = c.Cause()
	}
	return false
}
