package voice

import (
	"errors"
	"strings"

	"github.com/murmurapp/voicebridge/pkg/realtime"
)

// Sentinel errors returned by the [Manager].
var (
	// ErrBusy means a connect attempt was refused because one is already
	// in progress or a connection is open.
	ErrBusy = errors.New("voice: connection attempt already in progress")

	// ErrReconnectExhausted is the terminal error after the reconnect
	// budget is spent.
	ErrReconnectExhausted = errors.New("voice: reconnect attempts exhausted")

	// ErrNoToken means the token source produced no usable credential; no
	// socket is opened in that case.
	ErrNoToken = errors.New("voice: no auth token available")
)

// transientCodes are upstream error codes that are operational noise: the
// connection stays up and the error is only logged.
var transientCodes = map[string]bool{
	"response_cancel_not_active": true,
	"rate_limit_exceeded":        true,
	"session_update_failed":      true,
}

// transientFragments catch providers that vary their codes but keep
// recognizable message text.
var transientFragments = []string{
	"cancellation failed",
	"no active response",
	"rate limit",
	"timed out",
	"timeout",
	"unsupported voice",
	"voice not supported",
	"invalid session.update",
}

// IsTransientUpstream reports whether an upstream error event is expected
// noise (swallowed, connection continues) rather than a fault that breaks
// the session.
func IsTransientUpstream(detail realtime.ErrorDetail) bool {
	if transientCodes[detail.Code] {
		return true
	}
	msg := strings.ToLower(detail.Message)
	for _, f := range transientFragments {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}
