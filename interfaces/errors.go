package interfaces

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode is the short machine-readable code carried by session errors.
type ErrorCode string

const (
	CodeChainNotConfigured      ErrorCode = "CHAIN_NOT_CONFIGURED"
	CodeSSRNotSupported         ErrorCode = "SSR_NOT_SUPPORTED"
	CodeWeb3ClientVersion       ErrorCode = "WEB3_CLIENTVERSION_ERROR"
	CodeRelayerMetadata         ErrorCode = "FHEVM_RELAYER_METADATA_ERROR"
	CodeInvalidACLAddress       ErrorCode = "INVALID_ACL_ADDRESS"
	CodeSignature               ErrorCode = "SIGNATURE_ERROR"
	CodeSignatureExpired        ErrorCode = "SIGNATURE_EXPIRED"
	CodeSignatureMismatch       ErrorCode = "SIGNATURE_MISMATCH"
	CodeInstanceCreationFailure ErrorCode = "INSTANCE_CREATION_ERROR"
)

// Error is a coded session error. Two errors match under errors.Is when their
// codes are equal, so the sentinels below can be used for classification.
type Error struct {
	Code ErrorCode
	Msg  string
	Err  error
}

// NewError creates a coded error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// WrapError creates a coded error wrapping a cause.
func WrapError(code ErrorCode, err error, msg string) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a coded error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrChainNotConfigured = &Error{Code: CodeChainNotConfigured}
	ErrSSRNotSupported    = &Error{Code: CodeSSRNotSupported}
	ErrWeb3ClientVersion  = &Error{Code: CodeWeb3ClientVersion}
	ErrRelayerMetadata    = &Error{Code: CodeRelayerMetadata}
	ErrInvalidACLAddress  = &Error{Code: CodeInvalidACLAddress}
	ErrSignature          = &Error{Code: CodeSignature}
	ErrSignatureExpired   = &Error{Code: CodeSignatureExpired}
	ErrSignatureMismatch  = &Error{Code: CodeSignatureMismatch}
)

// ErrCanceled is returned when the caller's context is done before an
// operation completes. It carries no code and is never retried automatically.
var ErrCanceled = errors.New("operation canceled")

// CheckCanceled returns ErrCanceled wrapping the context error if ctx is done.
func CheckCanceled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCanceled, err)
	}
	return nil
}
