package flow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Token correlates a completion signal with the gateway that launched the flow.
type Token int

// Default correlation tokens per flow kind.
const (
	DefaultDropInToken Token = 0x1337
	DefaultCustomToken Token = 0x420
)

func (t Token) String() string {
	return fmt.Sprintf("%#x", int(t))
}

// Status is the raw terminal status reported by a presentation surface.
type Status int

const (
	StatusOther Status = iota
	StatusOK
	StatusCanceled
)

// ParseStatus maps a wire status to a Status. Unknown values are StatusOther.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ok", "result_ok":
		return StatusOK
	case "canceled", "cancelled", "result_canceled":
		return StatusCanceled
	default:
		return StatusOther
	}
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusCanceled:
		return "canceled"
	default:
		return "other"
	}
}

// RawSignal is the undecoded completion signal produced by a surface.
// It is consumed once by Decode.
type RawSignal struct {
	RequestCode  Token
	Status       Status
	Payload      json.RawMessage
	ErrorMessage *string
}
