// Package xerrors defines the error taxonomy shared across the translation
// worker: transport failures, timeouts, and semantic (caller-fault) errors.
// Call sites check kind with errors.Is, never by matching strings.
package xerrors

import "errors"

// Sentinel kinds. Wrap these with fmt.Errorf("...: %w", Timeout) at the call
// site so errors.Is still matches while the message stays specific.
var (
	// Timeout marks an operation that exceeded its deadline (STT/MT/TTS round
	// trip, websocket write, etc.). Callers may retry on the next chunk.
	Timeout = errors.New("timeout")

	// Transport marks a connection-level failure: dial error, unexpected
	// close, read/write error on a live socket. Distinguishes "the service
	// said no" (Semantic) from "we couldn't talk to it at all".
	Transport = errors.New("transport failure")

	// Semantic marks a well-formed error response from a downstream service
	// (e.g. an MT error envelope) that a retry will not fix without a
	// different input.
	Semantic = errors.New("semantic error")

	// Closed marks an operation attempted after the owning component was
	// shut down.
	Closed = errors.New("component closed")
)

// Kind wraps err so errors.Is(wrapped, kind) succeeds while preserving the
// original error text via %w-style chaining.
type Kind struct {
	kind error
	msg  string
	err  error
}

func (k *Kind) Error() string {
	if k.err != nil {
		return k.msg + ": " + k.err.Error()
	}
	return k.msg
}

func (k *Kind) Unwrap() error {
	if k.err != nil {
		return k.err
	}
	return k.kind
}

func (k *Kind) Is(target error) bool {
	return target == k.kind
}

// Wrap produces an error that satisfies errors.Is(result, kind) and carries
// msg plus the wrapped cause for logging.
func Wrap(kind error, msg string, cause error) error {
	return &Kind{kind: kind, msg: msg, err: cause}
}

// New is Wrap without an underlying cause.
func New(kind error, msg string) error {
	return &Kind{kind: kind, msg: msg}
}
