package types

import (
	"encoding/json"

	"github.com/cygnus-agents/paycore"
)

// DemandEnvelope is the body of a PAYMENT-REQUIRED header.
type DemandEnvelope struct {
	Version    int                    `json:"version"`
	Error      string                 `json:"error,omitempty"`
	Resource   *ResourceInfo          `json:"resource,omitempty"`
	Demand     paycore.Demand         `json:"demand"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

// ProofEnvelope is the body of a PAYMENT-SIGNATURE header.
type ProofEnvelope struct {
	Version  int           `json:"version"`
	Resource *ResourceInfo `json:"resource,omitempty"`
	Proof    paycore.Proof `json:"proof"`
}

// SettlementReceipt is the body of a PAYMENT-RESPONSE header.
type SettlementReceipt struct {
	Version     int                      `json:"version"`
	Success     bool                     `json:"success"`
	DemandID    string                   `json:"demandId"`
	Method      paycore.SettlementMethod `json:"method"`
	Payer       string                   `json:"payer,omitempty"`
	Amount      paycore.Amount           `json:"amount"`
	Network     paycore.Network          `json:"network,omitempty"`
	TxHash      string                   `json:"txHash,omitempty"`
	ChannelID   string                   `json:"channelId,omitempty"`
	Sequence    uint64                   `json:"sequence,omitempty"`
	ErrorReason string                   `json:"errorReason,omitempty"`
}

// ResourceInfo describes the resource being paid for.
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Unmarshal helpers

// ToDemandEnvelope unmarshals bytes to a demand envelope
func ToDemandEnvelope(data []byte) (*DemandEnvelope, error) {
	var envelope DemandEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	return &envelope, nil
}

// ToProofEnvelope unmarshals bytes to a proof envelope
func ToProofEnvelope(data []byte) (*ProofEnvelope, error) {
	var envelope ProofEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	return &envelope, nil
}

// ToSettlementReceipt unmarshals bytes to a settlement receipt
func ToSettlementReceipt(data []byte) (*SettlementReceipt, error) {
	var receipt SettlementReceipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// ReceiptFor builds the receipt returned to the payer of proof.
func ReceiptFor(proof paycore.Proof, amount paycore.Amount) SettlementReceipt {
	receipt := SettlementReceipt{
		Version:  VersionCurrent,
		Success:  true,
		DemandID: proof.DemandID,
		Method:   proof.Method,
		Amount:   amount,
	}
	switch {
	case proof.Channel != nil:
		receipt.Payer = proof.Channel.Payer
		receipt.ChannelID = proof.Channel.Update.ChannelID
		receipt.Sequence = proof.Channel.Update.Sequence
	case proof.OnChain != nil:
		receipt.TxHash = proof.OnChain.TxHash
		receipt.Network = proof.OnChain.Network
	}
	return receipt
}
