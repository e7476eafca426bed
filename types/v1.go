package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cygnus-agents/paycore"
)

// DemandV1 is the flat demand format of version 1 payees. The amount is a
// decimal string and the expiry is relative to when the demand is received.
type DemandV1 struct {
	Version           int      `json:"version"`
	ID                string   `json:"id"`
	MaxAmountRequired string   `json:"maxAmountRequired"`
	Asset             string   `json:"asset,omitempty"`
	Network           string   `json:"network,omitempty"`
	PayTo             string   `json:"payTo"`
	Resource          string   `json:"resource,omitempty"`
	Description       string   `json:"description,omitempty"`
	MaxTimeoutSeconds int      `json:"maxTimeoutSeconds"`
	Schemes           []string `json:"schemes,omitempty"`
}

// ToDemandV1 unmarshals bytes to a v1 demand
func ToDemandV1(data []byte) (*DemandV1, error) {
	var demand DemandV1
	if err := json.Unmarshal(data, &demand); err != nil {
		return nil, err
	}
	return &demand, nil
}

// Upgrade converts d to the current envelope. received anchors the relative
// timeout. A v1 demand without schemes accepts on-chain settlement only.
func (d DemandV1) Upgrade(received time.Time) (*DemandEnvelope, error) {
	amount, err := strconv.ParseUint(d.MaxAmountRequired, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid maxAmountRequired %q: %w", d.MaxAmountRequired, err)
	}
	if d.MaxTimeoutSeconds <= 0 {
		return nil, fmt.Errorf("maxTimeoutSeconds must be positive, got %d", d.MaxTimeoutSeconds)
	}

	accepts := []paycore.SettlementMethod{paycore.MethodOnChain}
	if len(d.Schemes) > 0 {
		accepts = accepts[:0]
		for _, s := range d.Schemes {
			accepts = append(accepts, paycore.SettlementMethod(s))
		}
	}

	envelope := &DemandEnvelope{
		Version: VersionCurrent,
		Demand: paycore.Demand{
			ID:          d.ID,
			Amount:      paycore.Amount(amount),
			Asset:       paycore.Asset(d.Asset),
			Network:     paycore.Network(d.Network),
			Destination: d.PayTo,
			Accepts:     accepts,
			Expiry:      received.Add(time.Duration(d.MaxTimeoutSeconds) * time.Second),
			Resource:    d.Resource,
		},
	}
	if d.Resource != "" {
		envelope.Resource = &ResourceInfo{URL: d.Resource, Description: d.Description}
	}
	return envelope, nil
}
