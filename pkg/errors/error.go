package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"runtime"
	"strings"
)

const maxStackDepth = 10

// Error is a coded error. Code selects the process exit status, Details carries
// key/value context such as an operator hint.
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Err     error
	Stack   string
}

func newError(code ErrorCode, msg string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: msg,
		Details: make(map[string]interface{}),
		Err:     cause,
		Stack:   callers(3),
	}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.Message()
	}
	if e.Err == nil {
		return msg
	}
	if cause := e.Err.Error(); cause != msg {
		return msg + ": " + cause
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Format prints the stack after the message for %+v.
func (e *Error) Format(s fmt.State, verb rune) {
	switch {
	case verb == 'v' && s.Flag('+'):
		_, _ = io.WriteString(s, e.Error())
		_, _ = io.WriteString(s, e.Stack)
	case verb == 'q':
		_, _ = fmt.Fprintf(s, "%q", e.Error())
	default:
		_, _ = io.WriteString(s, e.Error())
	}
}

// New creates an error carrying the default message of code.
func New(code ErrorCode) *Error {
	return newError(code, code.Message(), nil)
}

func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return newError(code, fmt.Sprintf(format, args...), nil)
}

// Wrap attaches code to err. Returns nil for a nil err. A coded err is kept
// as the cause, so its own code stays reachable through Is.
func Wrap(err error, code ErrorCode) *Error {
	if err == nil {
		return nil
	}
	return newError(code, code.Message(), err)
}

func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return newError(code, fmt.Sprintf(format, args...), err)
}

func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Detail returns a detail as a string, or "" if unset. Nested coded causes
// are searched when the outer error lacks the key.
func (e *Error) Detail(key string) string {
	for cur := e; cur != nil; {
		if v, ok := cur.Details[key]; ok {
			return fmt.Sprint(v)
		}
		var next *Error
		if cur.Err == nil || !stderrors.As(cur.Err, &next) {
			break
		}
		cur = next
	}
	return ""
}

// GetCode returns the outermost code in the chain, InternalServerError for
// uncoded errors and Success for nil.
func GetCode(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return InternalServerError
}

// GetError returns the outermost coded error, wrapping uncoded ones.
func GetError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return Wrap(err, InternalServerError)
}

// Is reports whether any coded error in the chain carries code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var e *Error
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// ValidationError reports a bad input value.
func ValidationError(field, reason string) *Error {
	return Newf(ValidationFailed, "invalid %s: %s", field, reason).
		WithDetail("field", field).
		WithDetail("reason", reason)
}

func callers(skip int) string {
	var pcs [maxStackDepth]uintptr
	n := runtime.Callers(skip+1, pcs[:])
	if n == 0 {
		return ""
	}
	var b strings.Builder
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") {
			fmt.Fprintf(&b, "\n\t%s:%d %s", frame.File, frame.Line, frame.Function)
		}
		if !more {
			return b.String()
		}
	}
}
