package payment

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ResultTypeNonce is the only result type a custom flow may report.
const ResultTypeNonce = "paymentMethodNonce"

// PaymentMethodNonce is the tokenized payment method returned by a flow.
type PaymentMethodNonce struct {
	Nonce       string `json:"nonce"`
	TypeLabel   string `json:"typeLabel"`
	Description string `json:"description"`
	IsDefault   bool   `json:"isDefault"`
}

// Map renders the nonce in the reply shape.
func (n PaymentMethodNonce) Map() map[string]any {
	return map[string]any{
		"nonce":       n.Nonce,
		"typeLabel":   n.TypeLabel,
		"description": n.Description,
		"isDefault":   n.IsDefault,
	}
}

// DropInResult is the payload of a successful drop-in flow.
type DropInResult struct {
	PaymentMethodNonce *PaymentMethodNonce `json:"paymentMethodNonce"`
	DeviceData         string              `json:"deviceData"`
}

// CustomResult is the payload of a successful custom flow.
type CustomResult struct {
	Type               string              `json:"type"`
	PaymentMethodNonce *PaymentMethodNonce `json:"paymentMethodNonce"`
}

// DecodeDropInResult is the flow.SuccessDecoder for drop-in flows.
func DecodeDropInResult(payload json.RawMessage) (map[string]any, error) {
	var r DropInResult
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("decoding drop-in result: %w", err)
	}
	if r.PaymentMethodNonce == nil || r.PaymentMethodNonce.Nonce == "" {
		return nil, errors.New("drop-in result has no payment method nonce")
	}
	return map[string]any{
		"paymentMethodNonce": r.PaymentMethodNonce.Map(),
		"deviceData":         r.DeviceData,
	}, nil
}

// DecodeCustomResult is the flow.SuccessDecoder for custom flows. The reply
// is the nonce itself.
func DecodeCustomResult(payload json.RawMessage) (map[string]any, error) {
	var r CustomResult
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("decoding custom result: %w", err)
	}
	if r.Type != ResultTypeNonce {
		return nil, fmt.Errorf("invalid activity result type %q", r.Type)
	}
	if r.PaymentMethodNonce == nil || r.PaymentMethodNonce.Nonce == "" {
		return nil, errors.New("custom result has no payment method nonce")
	}
	return r.PaymentMethodNonce.Map(), nil
}
