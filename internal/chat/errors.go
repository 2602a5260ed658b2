package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrorKind classifies a failed request cycle.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindTransport
	KindUpstream
	KindProtocol
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindUpstream:
		return "upstream"
	case KindProtocol:
		return "protocol"
	default:
		return "internal"
	}
}

const maxDetailLen = 512

// Error is the single error type that crosses the worker boundary.
type Error struct {
	Kind    ErrorKind
	Status  int // HTTP status for upstream errors, 0 otherwise
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindTransport:
		return "network error: " + e.Message
	case KindUpstream:
		return fmt.Sprintf("upstream error (HTTP %d): %s", e.Status, e.Message)
	case KindProtocol:
		return "protocol error: " + e.Message
	default:
		return "internal error: " + e.Message
	}
}

func (e *Error) Unwrap() error { return e.Err }

// coldStartSignatures match failures of a local runtime that has not
// finished loading the model yet.
var coldStartSignatures = []string{
	"connection refused",
	"model is loading",
	"loading model",
}

// ColdStart reports whether the failure looks like a runtime or model that
// is not loaded yet.
func (e *Error) ColdStart() bool {
	if e.Kind != KindTransport && e.Kind != KindUpstream {
		return false
	}
	detail := strings.ToLower(e.Message)
	if e.Err != nil {
		detail += " " + strings.ToLower(e.Err.Error())
	}
	for _, sig := range coldStartSignatures {
		if strings.Contains(detail, sig) {
			return true
		}
	}
	return false
}

// Canceled reports whether the failure was caused by cancellation rather
// than by the backend.
func (e *Error) Canceled() bool {
	return errors.Is(e.Err, context.Canceled)
}

// TransportError wraps a network-layer failure.
func TransportError(err error) *Error {
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg = "request timed out"
	case errors.Is(err, context.Canceled):
		msg = "request canceled"
	}
	return &Error{Kind: KindTransport, Message: msg, Err: err}
}

// UpstreamError builds an error for a non-2xx reply. The server-provided
// error.message is used when the body carries one, the raw body otherwise.
func UpstreamError(status int, body []byte) *Error {
	msg := upstreamMessage(body)
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", status)
	}
	return &Error{Kind: KindUpstream, Status: status, Message: msg}
}

// ProtocolError reports a reply whose shape is not understood.
func ProtocolError(format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Message: fmt.Sprintf(format, args...)}
}

// InternalError wraps any failure that is not attributable to the backend.
func InternalError(err error) *Error {
	return &Error{Kind: KindInternal, Message: err.Error(), Err: err}
}

// AsError returns err as a *Error, wrapping unclassified errors as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return TransportError(err)
	}
	return InternalError(err)
}

type errorEnvelope struct {
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func upstreamMessage(body []byte) string {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil && env.Error.Message != "" {
		return env.Error.Message
	}
	// Ollama reports errors as {"error":"..."}.
	var flat struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &flat); err == nil && flat.Error != "" {
		return flat.Error
	}
	raw := strings.TrimSpace(string(body))
	return truncate(raw, maxDetailLen)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
