package router

import "errors"

// ErrorKind classifies a failed invocation.
type ErrorKind string

const (
	// KindNone marks a successful invocation.
	KindNone ErrorKind = ""
	// KindNotRegistered means no endpoint is registered for the tool.
	// Never retried; no network attempt is made.
	KindNotRegistered ErrorKind = "not_registered"
	// KindTransient covers connection failures, timeouts and 5xx responses.
	// Retried per policy, then surfaced.
	KindTransient ErrorKind = "transient"
	// KindApplication is a tool-reported business error or a 4xx response.
	// Never retried; passed through verbatim.
	KindApplication ErrorKind = "application"
	// KindBreakerOpen is a fast failure while the tool's circuit is open.
	KindBreakerOpen ErrorKind = "breaker_open"
)

var (
	// ErrNotRegistered is returned from EndpointFor for unknown tools.
	ErrNotRegistered = errors.New("no endpoint registered for tool")
	// ErrBreakerOpen signals a short-circuited call.
	ErrBreakerOpen = errors.New("circuit breaker open")
)
