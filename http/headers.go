package http

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cygnus-agents/paycore"
	"github.com/cygnus-agents/paycore/types"
)

// ============================================================================
// Header Encoding/Decoding Functions
// ============================================================================

func encodeHeader(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func decodeHeader(header string) ([]byte, error) {
	if header == "" {
		return nil, fmt.Errorf("header is empty")
	}
	if !base64Regex.MatchString(header) {
		return nil, fmt.Errorf("invalid header format: not valid base64")
	}
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encoding: %w", err)
	}
	return data, nil
}

func decodeError(err error, message string) error {
	return paycore.Wrap(err, paycore.ErrCodeDecode, message)
}

// EncodeDemandHeader encodes a demand envelope for PAYMENT-REQUIRED.
func EncodeDemandHeader(envelope types.DemandEnvelope) (string, error) {
	if envelope.Version == 0 {
		envelope.Version = types.VersionCurrent
	}
	return encodeHeader(envelope)
}

// DecodeDemandHeader decodes and validates a PAYMENT-REQUIRED header.
// Legacy envelopes are upgraded relative to received.
func DecodeDemandHeader(header string, received time.Time) (*types.DemandEnvelope, error) {
	data, err := decodeHeader(header)
	if err != nil {
		return nil, decodeError(err, "malformed payment-required header")
	}
	return DecodeDemand(data, received)
}

// DecodeDemand validates and decodes a JSON demand envelope of any
// supported version.
func DecodeDemand(data []byte, received time.Time) (*types.DemandEnvelope, error) {
	version, err := types.DetectVersion(data)
	if err != nil {
		return nil, decodeError(err, "malformed demand envelope")
	}
	if version == types.VersionCurrent {
		if err := ValidateDemandEnvelope(data).err("demand envelope"); err != nil {
			return nil, paycore.Wrap(err, paycore.ErrCodeInvalidDemand, "demand envelope failed validation")
		}
	}
	envelope, err := types.ParseDemand(data, received)
	if err != nil {
		return nil, paycore.Wrap(err, paycore.ErrCodeInvalidDemand, "demand envelope failed validation")
	}
	if err := paycore.ValidateDemand(envelope.Demand); err != nil {
		return nil, err
	}
	return envelope, nil
}

// EncodeProofHeader encodes a proof for PAYMENT-SIGNATURE.
func EncodeProofHeader(proof paycore.Proof, resource *types.ResourceInfo) (string, error) {
	return encodeHeader(types.ProofEnvelope{Version: types.VersionCurrent, Resource: resource, Proof: proof})
}

// DecodeProofHeader decodes and validates a PAYMENT-SIGNATURE header.
func DecodeProofHeader(header string) (*types.ProofEnvelope, error) {
	data, err := decodeHeader(header)
	if err != nil {
		return nil, decodeError(err, "malformed payment-signature header")
	}
	return DecodeProof(data)
}

// DecodeProof validates and decodes a JSON proof envelope.
func DecodeProof(data []byte) (*types.ProofEnvelope, error) {
	if err := ValidateProofEnvelope(data).err("proof envelope"); err != nil {
		return nil, decodeError(err, "proof envelope failed validation")
	}
	envelope, err := types.ToProofEnvelope(data)
	if err != nil {
		return nil, decodeError(err, "malformed proof envelope")
	}
	return envelope, nil
}

// EncodeReceiptHeader encodes a receipt for PAYMENT-RESPONSE.
func EncodeReceiptHeader(receipt types.SettlementReceipt) (string, error) {
	return encodeHeader(receipt)
}

// DecodeReceiptHeader decodes a PAYMENT-RESPONSE header.
func DecodeReceiptHeader(header string) (*types.SettlementReceipt, error) {
	data, err := decodeHeader(header)
	if err != nil {
		return nil, decodeError(err, "malformed payment-response header")
	}
	receipt, err := types.ToSettlementReceipt(data)
	if err != nil {
		return nil, decodeError(err, "malformed settlement receipt")
	}
	return receipt, nil
}

// GetPaymentSettleResponse extracts the settlement receipt from a response.
func GetPaymentSettleResponse(resp *http.Response) (*types.SettlementReceipt, error) {
	header := resp.Header.Get(HeaderPaymentResponse)
	if header == "" {
		return nil, fmt.Errorf("payment response header not found")
	}
	return DecodeReceiptHeader(header)
}
