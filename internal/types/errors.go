package types

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Error kinds. Every *Error unwraps to exactly one of these.
var (
	ErrValidation   = errors.New("validation error")
	ErrBusinessRule = errors.New("business rule violation")
	ErrTransient    = errors.New("transient failure")
	ErrNotFound     = errors.New("not found")
)

const (
	CodeInvalidQuantity      = "invalid_quantity"
	CodeInvalidOrderShape    = "invalid_order_shape"
	CodeNotFillable          = "not_fillable"
	CodeInsufficientFunds    = "insufficient_funds"
	CodeInsufficientMargin   = "insufficient_margin"
	CodeInsufficientPosition = "insufficient_position"
	CodeNotTradable          = "not_tradable"
	CodeNotShortable         = "not_shortable"
	CodeRiskViolation        = "risk_violation"
	CodePDTRestricted        = "pdt_restricted"
	CodeNotCancellable       = "not_cancellable"
	CodeNotFound             = "not_found"
	CodeUnavailable          = "unavailable"
)

type Error struct {
	Kind    error
	Code    string
	Message string
	Reasons []string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if len(e.Reasons) > 0 {
		msg = msg + ": " + strings.Join(e.Reasons, "; ")
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Reason is the human-readable rejection text stored on an order.
func (e *Error) Reason() string {
	if len(e.Reasons) > 0 {
		return strings.Join(e.Reasons, "; ")
	}
	return e.Message
}

func Validation(code, format string, args ...any) *Error {
	return &Error{Kind: ErrValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Business(code, format string, args ...any) *Error {
	return &Error{Kind: ErrBusinessRule, Code: code, Message: fmt.Sprintf(format, args...)}
}

// RiskRejection carries every violated control.
func RiskRejection(reasons []string) *Error {
	return &Error{Kind: ErrBusinessRule, Code: CodeRiskViolation, Message: "order violates risk controls", Reasons: reasons}
}

func Transient(err error, format string, args ...any) *Error {
	return &Error{Kind: ErrTransient, Code: CodeUnavailable, Message: fmt.Sprintf(format, args...), Err: err}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: ErrNotFound, Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// ErrorCode returns the code of the first *Error in err's chain, or "".
func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// RejectionReason is the text recorded on a rejected order for err.
func RejectionReason(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason()
	}
	return err.Error()
}

// IsTransient reports whether err should leave the order untouched for the next pass.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	return false
}
