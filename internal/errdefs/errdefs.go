// Package errdefs defines the closed set of failures a transfer session can end with.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies a transfer failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindNegotiation
	KindChannel
	KindPrecondition
	KindCodec
	KindIncompleteTransfer
	KindIntegrity
	KindServerNotification
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindNegotiation:
		return "NegotiationError"
	case KindChannel:
		return "ChannelError"
	case KindPrecondition:
		return "PreconditionError"
	case KindCodec:
		return "CodecError"
	case KindIncompleteTransfer:
		return "IncompleteTransferError"
	case KindIntegrity:
		return "IntegrityError"
	case KindServerNotification:
		return "ServerNotificationError"
	default:
		return "UnknownError"
	}
}

// Sentinels for errors.Is matching against a Kind.
var (
	ErrNegotiation        = &Error{Kind: KindNegotiation}
	ErrChannel            = &Error{Kind: KindChannel}
	ErrPrecondition       = &Error{Kind: KindPrecondition}
	ErrCodec              = &Error{Kind: KindCodec}
	ErrIncompleteTransfer = &Error{Kind: KindIncompleteTransfer}
	ErrIntegrity          = &Error{Kind: KindIntegrity}
	ErrServerNotification = &Error{Kind: KindServerNotification}
)

// Error is a classified transfer failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Negotiation(op string, err error) error { return newError(KindNegotiation, op, err) }

func Channel(op string, err error) error { return newError(KindChannel, op, err) }

func Precondition(op string, err error) error { return newError(KindPrecondition, op, err) }

func Codec(op string, err error) error { return newError(KindCodec, op, err) }

func IncompleteTransfer(op string, err error) error {
	return newError(KindIncompleteTransfer, op, err)
}

func Integrity(op string, err error) error { return newError(KindIntegrity, op, err) }

func ServerNotification(op string, err error) error {
	return newError(KindServerNotification, op, err)
}
