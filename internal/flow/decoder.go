package flow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SuccessDecoder turns the payload of an OK signal into a structured result.
// Returning an error marks the result as malformed.
type SuccessDecoder func(payload json.RawMessage) (map[string]any, error)

// DecodeObject is the fallback SuccessDecoder: any JSON object is accepted
// as-is.
func DecodeObject(payload json.RawMessage) (map[string]any, error) {
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Decode maps a raw signal to an Outcome. It never panics: a decoder panic
// or error yields a malformed-result failure.
func Decode(sig RawSignal, success SuccessDecoder) Outcome {
	switch sig.Status {
	case StatusOK:
		return decodeSuccess(sig.Payload, success)
	case StatusCanceled:
		return Cancelled()
	default:
		reason := ""
		if sig.ErrorMessage != nil {
			reason = strings.TrimSpace(*sig.ErrorMessage)
		}
		if reason == "" {
			reason = genericFailureReason
		}
		return Failed(ErrFlowFailed, reason)
	}
}

func decodeSuccess(payload json.RawMessage, success SuccessDecoder) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = malformed(fmt.Sprint(r))
		}
	}()

	if success == nil {
		success = DecodeObject
	}
	result, err := success(payload)
	if err != nil {
		return malformed(err.Error())
	}
	if result == nil {
		return malformed("empty result")
	}
	return Succeeded(result)
}

func malformed(detail string) Outcome {
	return Outcome{
		Kind:   KindFailure,
		Reason: ErrMalformedResult.Error(),
		Err:    fmt.Errorf("%w: %s", ErrMalformedResult, detail),
	}
}
