// Package flow implements the single-flight correlation gateway that launches
// one external presentation flow at a time and delivers its terminal outcome
// to the caller exactly once.
//
// Nothing in this package performs network or storage I/O. Containers,
// adapters and decoders are supplied by the caller.
package flow

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors carried by failure outcomes. Classify with errors.Is.
var (
	// Input errors: surfaced synchronously, never retried.
	ErrNoActiveContext = errors.New("no active presentation context")
	ErrInvalidInput    = errors.New("invalid input")

	// Concurrency error: surfaced to the new caller only.
	ErrFlowInProgress = errors.New("flow already in progress")

	// External failures: delivered through the completion handle.
	ErrMalformedResult = errors.New("malformed result")
	ErrFlowFailed      = errors.New("presentation flow failed")
	ErrLaunchFailed    = errors.New("presentation flow launch failed")
	ErrContextDetached = errors.New("presentation context detached")
)

// genericFailureReason is used when the surface reports an error without a message.
const genericFailureReason = "presentation flow reported an error"

// Kind is the closed set of terminal outcomes.
type Kind int

const (
	KindSuccess Kind = iota
	KindCancelled
	KindFailure
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindCancelled:
		return "cancelled"
	case KindFailure:
		return "failure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the decoded terminal result of one flow.
// Payload is set for KindSuccess only; Reason and Err for KindFailure only.
type Outcome struct {
	Kind    Kind
	Payload map[string]any
	Reason  string
	Err     error
}

// Succeeded returns a success outcome carrying payload.
func Succeeded(payload map[string]any) Outcome {
	return Outcome{Kind: KindSuccess, Payload: payload}
}

// Cancelled returns the user-cancellation outcome.
func Cancelled() Outcome {
	return Outcome{Kind: KindCancelled}
}

// Failed returns a failure outcome. An empty reason falls back to the
// message of err.
func Failed(err error, reason string) Outcome {
	if err == nil {
		err = ErrFlowFailed
	}
	if reason == "" {
		reason = err.Error()
	}
	return Outcome{Kind: KindFailure, Reason: reason, Err: err}
}

// Error returns nil unless the outcome is a failure.
func (o Outcome) Error() error {
	if o.Kind != KindFailure {
		return nil
	}
	if o.Err == nil {
		return errors.New(o.Reason)
	}
	if o.Reason == "" || strings.Contains(o.Err.Error(), o.Reason) {
		return o.Err
	}
	return fmt.Errorf("%w: %s", o.Err, o.Reason)
}

// IsInputError reports whether err belongs to the input error class.
func IsInputError(err error) bool {
	return errors.Is(err, ErrNoActiveContext) || errors.Is(err, ErrInvalidInput)
}

// IsExternalFailure reports whether err was produced by the presentation flow
// or its container rather than by the caller.
func IsExternalFailure(err error) bool {
	return errors.Is(err, ErrMalformedResult) ||
		errors.Is(err, ErrFlowFailed) ||
		errors.Is(err, ErrLaunchFailed) ||
		errors.Is(err, ErrContextDetached)
}
