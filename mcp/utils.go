package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cygnus-agents/paycore"
	paycorehttp "github.com/cygnus-agents/paycore/http"
	"github.com/cygnus-agents/paycore/types"
)

// remarshal copies v into out through its JSON form. Values in _meta and
// structured content arrive as generic maps once they crossed the wire.
func remarshal(v interface{}, out interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// ExtractProofFromMeta returns the proof attached to a call, or nil when
// the call carries none.
func ExtractProofFromMeta(meta mcpsdk.Meta) (*paycore.Proof, error) {
	raw, ok := meta[MetaKeyPayment]
	if !ok || raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, paycore.Wrap(err, paycore.ErrCodeDecode, "malformed proof in _meta")
	}
	envelope, err := paycorehttp.DecodeProof(data)
	if err != nil {
		return nil, err
	}
	return &envelope.Proof, nil
}

// AttachProofToMeta returns a copy of meta with proof attached.
func AttachProofToMeta(meta mcpsdk.Meta, proof paycore.Proof, resource *types.ResourceInfo) mcpsdk.Meta {
	out := make(mcpsdk.Meta, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out[MetaKeyPayment] = types.ProofEnvelope{Version: types.VersionCurrent, Resource: resource, Proof: proof}
	return out
}

// ExtractReceiptFromMeta returns the receipt a paid call returned, or nil.
func ExtractReceiptFromMeta(meta mcpsdk.Meta) (*types.SettlementReceipt, error) {
	raw, ok := meta[MetaKeyPaymentResponse]
	if !ok || raw == nil {
		return nil, nil
	}
	var receipt types.SettlementReceipt
	if err := remarshal(raw, &receipt); err != nil {
		return nil, paycore.Wrap(err, paycore.ErrCodeDecode, "malformed receipt in _meta")
	}
	return &receipt, nil
}

// ExtractDemandFromResult returns the demand of a payment required result.
// Structured content is preferred; the first text item is the fallback.
// A result that is not a payment required answer yields nil.
func ExtractDemandFromResult(result *mcpsdk.CallToolResult, received time.Time) (*types.DemandEnvelope, error) {
	if result == nil || !result.IsError {
		return nil, nil
	}

	var data []byte
	if result.StructuredContent != nil {
		encoded, err := json.Marshal(result.StructuredContent)
		if err == nil && looksLikeDemand(encoded) {
			data = encoded
		}
	}
	if data == nil && len(result.Content) > 0 {
		if text, ok := result.Content[0].(*mcpsdk.TextContent); ok && looksLikeDemand([]byte(text.Text)) {
			data = []byte(text.Text)
		}
	}
	if data == nil {
		return nil, nil
	}

	return paycorehttp.DecodeDemand(data, received)
}

func looksLikeDemand(data []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	_, hasVersion := probe["version"]
	_, hasDemand := probe["demand"]
	_, hasLegacy := probe["maxAmountRequired"]
	return hasVersion && (hasDemand || hasLegacy)
}

// ToolResourceURL returns custom when set, otherwise the mcp:// URL of tool.
func ToolResourceURL(toolName, custom string) string {
	if custom != "" {
		return custom
	}
	return ToolResourcePrefix + toolName
}

// toolNameFromResource recovers the tool name from an mcp:// resource URL.
func toolNameFromResource(resource string) string {
	if name := strings.TrimPrefix(resource, ToolResourcePrefix); name != resource && name != "" {
		return name
	}
	return ""
}

// PaymentRequiredError is returned when a tool demands payment and the
// client did not pay.
type PaymentRequiredError struct {
	Code    int
	Message string
	Demand  *types.DemandEnvelope
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("payment required (%d): %s", e.Code, e.Message)
}

// NewPaymentRequiredError returns a PaymentRequiredError for demand.
func NewPaymentRequiredError(message string, demand *types.DemandEnvelope) *PaymentRequiredError {
	if message == "" {
		message = "payment required"
	}
	return &PaymentRequiredError{Code: PaymentRequiredCode, Message: message, Demand: demand}
}

// IsPaymentRequiredError reports whether err is or wraps a PaymentRequiredError.
func IsPaymentRequiredError(err error) bool {
	var target *PaymentRequiredError
	return errors.As(err, &target)
}

// DemandFromError returns the demand carried by a PaymentRequiredError.
func DemandFromError(err error) (*types.DemandEnvelope, bool) {
	var target *PaymentRequiredError
	if !errors.As(err, &target) || target.Demand == nil {
		return nil, false
	}
	return target.Demand, true
}

func argumentsOf(raw json.RawMessage) map[string]interface{} {
	args := map[string]interface{}{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &args)
	}
	return args
}
