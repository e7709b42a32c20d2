// Package errs classifies gateway failures so that each transport can decide
// how far an error may travel: back to the client, into the log, or up to
// process exit.
package errs

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindTransport is a socket or broker I/O failure; it ends the affected session.
	KindTransport
	// KindProtocol is malformed input; reported in-band where the transport allows it.
	KindProtocol
	// KindValidation is a missing or mistyped field; the message is dropped without reply.
	KindValidation
	// KindStore is a query failure against the backing store.
	KindStore
	// KindConfiguration is fatal at startup.
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindValidation:
		return "validation"
	case KindStore:
		return "store"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

var (
	ErrUnknownType       = errors.New("unknown message type")
	ErrMissingField      = errors.New("missing required field")
	ErrMistypedField     = errors.New("mistyped field")
	ErrNotPermitted      = errors.New("message type not permitted on this transport")
	ErrUnknownCommand    = errors.New("unknown command")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrBrokerUnreachable = errors.New("broker unreachable")
	ErrTopicUnsafe       = errors.New("value not usable as a topic segment")
	ErrNoAcknowledgement = errors.New("no acknowledgement from broker")
)

// Error carries a Kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Transport(op string, err error) error     { return New(KindTransport, op, err) }
func Protocol(op string, err error) error      { return New(KindProtocol, op, err) }
func Validation(op string, err error) error    { return New(KindValidation, op, err) }
func Store(op string, err error) error         { return New(KindStore, op, err) }
func Configuration(op string, err error) error { return New(KindConfiguration, op, err) }

// KindOf returns the outermost classification found in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
