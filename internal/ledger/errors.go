package ledger

import (
	"errors"
	"fmt"
)

// ─────────────────────────────────────────────
// Error codes
// ─────────────────────────────────────────────

// ErrorCode is the stable, client-facing failure kind.
type ErrorCode string

const (
	CodeInvalidAction     ErrorCode = "INVALID_ACTION"
	CodeInvalidAmount     ErrorCode = "INVALID_AMOUNT"
	CodeUserNotFound      ErrorCode = "USER_NOT_FOUND"
	CodeNotEnoughPoints   ErrorCode = "NOT_ENOUGH_POINTS"
	CodeTransactionFailed ErrorCode = "TRANSACTION_FAILED"
	CodeRedemptionInvalid ErrorCode = "REDEMPTION_INVALID"
	CodeInvalidRequest    ErrorCode = "INVALID_REQUEST"
)

// DomainError carries a code for status mapping plus optional context for
// logs. Instances are never mutated; WithContext and WithMessage copy.
type DomainError struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	cause   error
}

func (e *DomainError) Error() string {
	if len(e.Context) == 0 {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s (context: %+v)", e.Code, e.Message, e.Context)
}

// Is matches any DomainError with the same code.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func (e *DomainError) Unwrap() error { return e.cause }

func (e *DomainError) clone() *DomainError {
	ctx := make(map[string]any, len(e.Context))
	for k, v := range e.Context {
		ctx[k] = v
	}
	return &DomainError{Code: e.Code, Message: e.Message, Context: ctx, cause: e.cause}
}

// WithContext returns a copy with the key/value pairs added.
func (e *DomainError) WithContext(keyValues ...any) *DomainError {
	if len(keyValues)%2 != 0 {
		panic("WithContext requires key-value pairs")
	}
	out := e.clone()
	for i := 0; i < len(keyValues); i += 2 {
		key, ok := keyValues[i].(string)
		if !ok {
			panic(fmt.Sprintf("context key must be string, got %T", keyValues[i]))
		}
		out.Context[key] = keyValues[i+1]
	}
	return out
}

// WithMessage returns a copy with a more specific message.
func (e *DomainError) WithMessage(msg string) *DomainError {
	out := e.clone()
	out.Message = msg
	return out
}

// Wrap returns a copy that unwraps to cause.
func (e *DomainError) Wrap(cause error) *DomainError {
	out := e.clone()
	out.cause = cause
	return out
}

var (
	ErrInvalidAction     = &DomainError{Code: CodeInvalidAction, Message: "Invalid action"}
	ErrInvalidAmount     = &DomainError{Code: CodeInvalidAmount, Message: "Invalid amount"}
	ErrUserNotFound      = &DomainError{Code: CodeUserNotFound, Message: "User not found"}
	ErrNotEnoughPoints   = &DomainError{Code: CodeNotEnoughPoints, Message: "Not enough points"}
	ErrTransactionFailed = &DomainError{Code: CodeTransactionFailed, Message: "Transaction failed"}
	ErrRedemptionInvalid = &DomainError{Code: CodeRedemptionInvalid, Message: "Invalid Code"}
	ErrInvalidRequest    = &DomainError{Code: CodeInvalidRequest, Message: "Invalid request"}
)

// CodeOf extracts the code from err, if err is (or wraps) a DomainError.
func CodeOf(err error) (ErrorCode, bool) {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code, true
	}
	return "", false
}
