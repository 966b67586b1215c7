// Package fault classifies errors coming back from the agent backend into the
// four outcomes the client reacts to differently.
package fault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Kind is the client-side reaction class of an error.
type Kind int

const (
	// Transient is a network or backend hiccup, retried by the owning loop's
	// next natural cycle.
	Transient Kind = iota
	// Cancelled is an expected, superseded or aborted attempt. Never surfaced.
	Cancelled
	// Invalid is a malformed backend response or a rejected request.
	Invalid
	// Unavailable means the backend is unreachable and dependent work is held.
	Unavailable
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Cancelled:
		return "cancelled"
	case Invalid:
		return "invalid"
	case Unavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error carries an explicit classification for an underlying error.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := "<nil>"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// HTTPStatus builds a fault for a non-2xx response.
func HTTPStatus(op string, status int, body string) error {
	return &Error{
		Kind:       kindForStatus(status),
		Op:         op,
		StatusCode: status,
		Err:        fmt.Errorf("http %d: %s", status, compact(body, 240)),
	}
}

// Wrap classifies err and attaches op, keeping an existing classification.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Op == "" {
			return &Error{Kind: fe.Kind, Op: op, StatusCode: fe.StatusCode, Err: fe.Err}
		}
		return err
	}
	return &Error{Kind: KindOf(err), Op: op, Err: err}
}

// KindOf classifies an arbitrary error. Explicit *Error values win; context
// cancellation is Cancelled; everything unrecognised is Transient.
func KindOf(err error) Kind {
	if err == nil {
		return Transient
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return Invalid
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return Unavailable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Unavailable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return Unavailable
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return Transient
	}
	return classifyText(err.Error())
}

func IsCancelled(err error) bool {
	return err != nil && KindOf(err) == Cancelled
}

func IsUnavailable(err error) bool {
	return err != nil && KindOf(err) == Unavailable
}

// Notice renders an error as a one-line, user-facing message.
func Notice(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		switch fe.Kind {
		case Unavailable:
			return "backend unreachable: " + compact(rootMessage(fe), 160)
		case Invalid:
			return "unexpected backend response: " + compact(rootMessage(fe), 160)
		}
	}
	return compact(err.Error(), 200)
}

func rootMessage(fe *Error) string {
	if fe.Err == nil {
		return fe.Kind.String()
	}
	return fe.Err.Error()
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return Transient
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return Unavailable
	case status >= 500:
		return Transient
	case status >= 400:
		return Invalid
	default:
		return Transient
	}
}

func classifyText(errText string) Kind {
	normalized := strings.ToLower(strings.TrimSpace(errText))
	switch {
	case strings.Contains(normalized, "context canceled"):
		return Cancelled
	case strings.Contains(normalized, "connection refused"), strings.Contains(normalized, "no such host"), strings.Contains(normalized, "network is unreachable"):
		return Unavailable
	case strings.Contains(normalized, "deadline exceeded"), strings.Contains(normalized, "timed out"):
		return Transient
	case strings.Contains(normalized, "connection reset"), strings.Contains(normalized, "broken pipe"), strings.Contains(normalized, "eof"):
		return Transient
	case strings.Contains(normalized, "invalid character"), strings.Contains(normalized, "cannot unmarshal"):
		return Invalid
	default:
		return Transient
	}
}

func compact(text string, limit int) string {
	single := strings.Join(strings.Fields(text), " ")
	if limit <= 0 || len(single) <= limit {
		return single
	}
	if limit <= 3 {
		return single[:limit]
	}
	return single[:limit-3] + "..."
}
