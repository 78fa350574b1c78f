// Package providererr classifies upstream dispatch failures and renders
// them as the OpenAI-compatible error envelope the proxy returns to
// clients.
package providererr

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/davecgh/go-spew/spew"

	"github.com/johnzilla/arbstr/internal/retry"
)

// Error is an upstream-facing error carrying the HTTP status the client
// should see. It implements retry.StatusCoder so the retry controller can
// classify it without knowing anything about providers.
type Error struct {
	Status   int
	Message  string
	Provider string // empty for errors that occur before a provider is chosen
}

func (e *Error) Error() string   { return e.Message }
func (e *Error) StatusCode() int { return e.Status }

var _ retry.StatusCoder = (*Error)(nil)

// New builds an Error with no associated provider (routing failures,
// malformed requests, internal errors).
func New(status int, format string, args ...any) *Error {
	return &Error{Status: status, Message: fmt.Sprintf(format, args...)}
}

// WithProvider builds an Error attributed to a specific upstream.
func WithProvider(status int, provider, format string, args ...any) *Error {
	return &Error{Status: status, Provider: provider, Message: fmt.Sprintf(format, args...)}
}

// FromDispatch classifies a transport-level failure (DNS, connect refused,
// timeout) from calling provider, mapping it to a synthetic 502 per the
// upstream dispatch contract -- the provider never got a chance to respond.
func FromDispatch(provider string, err error) *Error {
	log.Printf("[ProviderErr] dispatch to %q failed:\n%s", provider, spew.Sdump(err))
	return WithProvider(http.StatusBadGateway, provider, "failed to reach provider %q: %s", provider, err)
}

// FromUpstreamStatus builds an Error from a non-2xx upstream HTTP response,
// preserving the upstream's own status code.
func FromUpstreamStatus(provider string, status int, body string) *Error {
	return WithProvider(status, provider, "provider %q returned status %d: %s", provider, status, body)
}

// IsCircuitFailure reports whether status should count against a
// provider's circuit breaker. This reuses the retry controller's
// retryable-status set deliberately: both represent "transient, the
// provider might recover" -- a 4xx means the provider is healthy and the
// caller's request was bad, so it must not trip anything.
func IsCircuitFailure(status int) bool {
	return retry.IsRetryable(status)
}

type envelope struct {
	Error envelopeBody `json:"error"`
}

type envelopeBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// WriteJSON renders status/message as the OpenAI-compatible error envelope.
func WriteJSON(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := envelope{Error: envelopeBody{Message: message, Type: "arbstr_error", Code: status}}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[ProviderErr] failed to encode error envelope: %v", err)
	}
}

// Write renders e as the OpenAI-compatible error envelope.
func (e *Error) Write(w http.ResponseWriter) {
	WriteJSON(w, e.Status, e.Message)
}
