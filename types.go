package paycore

import (
	"fmt"
	"strings"
	"time"
)

// Network represents a ledger network identifier in CAIP-2 format
// Format: namespace:reference (e.g., "eip155:1" for Ethereum mainnet)
type Network string

// Parse splits the network into namespace and reference components
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// Match checks if this network matches a pattern (supports wildcards)
// e.g., "eip155:1" matches "eip155:*" and "eip155:*" matches "eip155:1"
func (n Network) Match(pattern Network) bool {
	if n == pattern {
		return true
	}

	nStr := string(n)
	patternStr := string(pattern)

	if strings.HasSuffix(patternStr, ":*") {
		return strings.HasPrefix(nStr, strings.TrimSuffix(patternStr, "*"))
	}
	if strings.HasSuffix(nStr, ":*") {
		return strings.HasPrefix(patternStr, strings.TrimSuffix(nStr, "*"))
	}
	return false
}

// Amount is an integer quantity of an asset's minor units.
type Amount uint64

// Asset identifies what is being paid. The empty string and "native" both mean
// the ledger's native coin.
type Asset string

// AssetNative is the ledger's native coin.
const AssetNative Asset = "native"

// IsNative reports whether a refers to the native coin.
func (a Asset) IsNative() bool {
	return a == "" || a == AssetNative
}

// ============================================================================
// Payment Demand / Proof
// ============================================================================

// SettlementMethod is a way a demand can be paid.
type SettlementMethod string

const (
	MethodChannel SettlementMethod = "channel"
	MethodOnChain SettlementMethod = "onchain"
)

// Demand is the challenge attached to a payment-required response.
type Demand struct {
	ID          string             `json:"id"`
	Amount      Amount             `json:"amount"`
	Asset       Asset              `json:"asset,omitempty"`
	Network     Network            `json:"network,omitempty"`
	Destination string             `json:"destination"`
	Accepts     []SettlementMethod `json:"accepts"`
	Expiry      time.Time          `json:"expiry"`
	Resource    string             `json:"resource,omitempty"`
}

// AcceptsMethod reports whether the demand can be settled with m.
func (d Demand) AcceptsMethod(m SettlementMethod) bool {
	for _, accepted := range d.Accepts {
		if accepted == m {
			return true
		}
	}
	return false
}

// Expired reports whether the demand can no longer be settled at now.
func (d Demand) Expired(now time.Time) bool {
	return now.After(d.Expiry)
}

// Proof is the evidence returned for a settled demand. Exactly one of
// Channel and OnChain is set, matching Method.
type Proof struct {
	Method    SettlementMethod `json:"method"`
	DemandID  string           `json:"demandId"`
	Channel   *ChannelProof    `json:"channel,omitempty"`
	OnChain   *OnChainProof    `json:"onchain,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

// ChannelProof carries the co-signed update that moved the payment.
type ChannelProof struct {
	Update BalanceUpdate `json:"update"`
	Payer  string        `json:"payer"`
	Payee  string        `json:"payee"`
	Amount Amount        `json:"amount"`
}

// OnChainProof carries the transaction that moved the payment.
type OnChainProof struct {
	TxHash      string    `json:"txHash"`
	Network     Network   `json:"network"`
	Status      TxStatus  `json:"status"`
	ConfirmedAt time.Time `json:"confirmedAt"`
}

// TransferInfo is the value movement a ledger reports for a transaction.
type TransferInfo struct {
	Hash   string `json:"hash"`
	Source string `json:"source"`
	To     string `json:"to"`
	Amount Amount `json:"amount"`
	Asset  Asset  `json:"asset,omitempty"`
}

// ============================================================================
// Channels
// ============================================================================

// ChannelStatus is a state of the channel lifecycle.
type ChannelStatus string

const (
	ChannelOpening            ChannelStatus = "opening"
	ChannelActive             ChannelStatus = "active"
	ChannelCooperativeClosing ChannelStatus = "cooperative_closing"
	ChannelDisputing          ChannelStatus = "disputing"
	ChannelClosed             ChannelStatus = "closed"
)

// Role identifies which side of a channel a party is on. The opener is A.
type Role int

const (
	RoleA Role = iota
	RoleB
)

func (r Role) String() string {
	if r == RoleA {
		return "A"
	}
	return "B"
}

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleA {
		return RoleB
	}
	return RoleA
}

// BalanceUpdate proposes a new split of a channel's capacity. The proposer
// signs first and the counterparty co-signs to accept.
type BalanceUpdate struct {
	ChannelID string `json:"channelId"`
	BalanceA  Amount `json:"balanceA"`
	BalanceB  Amount `json:"balanceB"`
	Sequence  uint64 `json:"sequence"`
	Final     bool   `json:"final,omitempty"`
	SigA      []byte `json:"sigA,omitempty"`
	SigB      []byte `json:"sigB,omitempty"`
}

// Signature returns the signature of role.
func (u BalanceUpdate) Signature(r Role) []byte {
	if r == RoleA {
		return u.SigA
	}
	return u.SigB
}

// WithSignature returns a copy of u carrying sig for role.
func (u BalanceUpdate) WithSignature(r Role, sig []byte) BalanceUpdate {
	sig = append([]byte(nil), sig...)
	if r == RoleA {
		u.SigA = sig
	} else {
		u.SigB = sig
	}
	return u
}

// Balance returns the balance held by role.
func (u BalanceUpdate) Balance(r Role) Amount {
	if r == RoleA {
		return u.BalanceA
	}
	return u.BalanceB
}

// FullySigned reports whether both parties signed.
func (u BalanceUpdate) FullySigned() bool {
	return len(u.SigA) > 0 && len(u.SigB) > 0
}

// SameSplit reports whether u and o describe the same balances.
func (u BalanceUpdate) SameSplit(o BalanceUpdate) bool {
	return u.BalanceA == o.BalanceA && u.BalanceB == o.BalanceB
}

// ChannelSnapshot is a read-only copy of a channel's state.
type ChannelSnapshot struct {
	ID              string        `json:"id"`
	ParticipantA    string        `json:"participantA"`
	ParticipantB    string        `json:"participantB"`
	LocalRole       Role          `json:"localRole"`
	Capacity        Amount        `json:"capacity"`
	BalanceA        Amount        `json:"balanceA"`
	BalanceB        Amount        `json:"balanceB"`
	Sequence        uint64        `json:"sequence"`
	Status          ChannelStatus `json:"status"`
	EscrowTx        string        `json:"escrowTx"`
	OpenedAt        time.Time     `json:"openedAt"`
	LastActivity    time.Time     `json:"lastActivity"`
	DisputeDeadline time.Time     `json:"disputeDeadline,omitempty"`
	Latest          BalanceUpdate `json:"latest"`
}

// Counterparty returns the address of the remote participant.
func (s ChannelSnapshot) Counterparty() string {
	if s.LocalRole == RoleA {
		return s.ParticipantB
	}
	return s.ParticipantA
}

// LocalBalance returns the balance held by the local party.
func (s ChannelSnapshot) LocalBalance() Amount {
	if s.LocalRole == RoleA {
		return s.BalanceA
	}
	return s.BalanceB
}

// ChannelAnnouncement tells a counterparty about a freshly opened channel.
type ChannelAnnouncement struct {
	ChannelID    string  `json:"channelId"`
	ParticipantA string  `json:"participantA"`
	ParticipantB string  `json:"participantB"`
	Capacity     Amount  `json:"capacity"`
	EscrowTx     string  `json:"escrowTx"`
	Network      Network `json:"network"`
}

// Settlement is the outcome of closing a channel.
type Settlement struct {
	ChannelID string        `json:"channelId"`
	Final     BalanceUpdate `json:"final"`
	TxHash    string        `json:"txHash"`
	// Forced is set when the channel settled because a dispute timer elapsed.
	Forced bool   `json:"forced,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ============================================================================
// Policies
// ============================================================================

// TransferKind labels what a signature authorizes.
type TransferKind string

const (
	TransferOnChainPayment TransferKind = "onchain_payment"
	TransferChannelUpdate  TransferKind = "channel_update"
	TransferChannelCosign  TransferKind = "channel_cosign"
	TransferEscrowOpen     TransferKind = "escrow_open"
	TransferEscrowClose    TransferKind = "escrow_close"
	TransferEscrowDispute  TransferKind = "escrow_dispute"
)

// Transfer is a proposed movement of value submitted for authorization.
// Amount is always the local party's outflow; Digest is the exact payload the
// signature will cover.
type Transfer struct {
	ID        string       `json:"id"`
	Kind      TransferKind `json:"kind"`
	Recipient string       `json:"recipient"`
	Amount    Amount       `json:"amount"`
	Asset     Asset        `json:"asset,omitempty"`
	RiskScore float64      `json:"riskScore,omitempty"`
	Digest    []byte       `json:"digest"`
}

// TimeWindow allows signing on the given weekdays between StartMinute and
// EndMinute (minutes after midnight, end exclusive) in Location.
type TimeWindow struct {
	Days        []time.Weekday `json:"days,omitempty" yaml:"days"`
	StartMinute int            `json:"startMinute" yaml:"start_minute"`
	EndMinute   int            `json:"endMinute" yaml:"end_minute"`
	Location    *time.Location `json:"-" yaml:"-"`
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	if w.Location != nil {
		t = t.In(w.Location)
	}
	if len(w.Days) > 0 {
		found := false
		for _, d := range w.Days {
			if d == t.Weekday() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	minute := t.Hour()*60 + t.Minute()
	if w.StartMinute <= w.EndMinute {
		return minute >= w.StartMinute && minute < w.EndMinute
	}
	// window wraps midnight
	return minute >= w.StartMinute || minute < w.EndMinute
}

// Policy is a named, revocable rule set gating signatures.
type Policy struct {
	ID                  string       `json:"id"`
	Name                string       `json:"name"`
	MaxAmount           Amount       `json:"maxAmount"`
	AllowedRecipients   []string     `json:"allowedRecipients,omitempty"`
	Windows             []TimeWindow `json:"windows,omitempty"`
	RequireSecondSigner bool         `json:"requireSecondSigner,omitempty"`
	// RiskThreshold is ignored when zero.
	RiskThreshold float64 `json:"riskThreshold,omitempty"`
}

// Authorization is the result of evaluating a transfer against a policy.
type Authorization struct {
	Authorized         bool   `json:"authorized"`
	Reason             string `json:"reason,omitempty"`
	RequiresEscalation bool   `json:"requiresEscalation,omitempty"`
	PolicyID           string `json:"policyId"`
}

// ============================================================================
// Ledger boundary
// ============================================================================

// TxKind tells the ledger client which transaction to build.
type TxKind string

const (
	TxTransfer       TxKind = "transfer"
	TxEscrowOpen     TxKind = "escrow_open"
	TxEscrowSettle   TxKind = "escrow_settle"
	TxEscrowDispute  TxKind = "escrow_dispute"
	TxEscrowFinalize TxKind = "escrow_finalize"
)

// TxParams describes a transaction to construct.
type TxParams struct {
	Kind   TxKind `json:"kind"`
	To     string `json:"to"`
	Amount Amount `json:"amount"`
	Asset  Asset  `json:"asset,omitempty"`
	Memo   string `json:"memo,omitempty"`
	// ValidFor bounds how long the transaction may be included. Zero means
	// the ledger client default.
	ValidFor time.Duration `json:"validFor,omitempty"`
	Escrow   *EscrowCall   `json:"escrow,omitempty"`
}

// EscrowCall carries the channel data for escrow transactions.
type EscrowCall struct {
	ChannelID    string `json:"channelId"`
	Counterparty string `json:"counterparty"`
	BalanceA     Amount `json:"balanceA"`
	BalanceB     Amount `json:"balanceB"`
	Sequence     uint64 `json:"sequence"`
	SigA         []byte `json:"sigA,omitempty"`
	SigB         []byte `json:"sigB,omitempty"`
}

// EscrowCallFor builds escrow call data from a channel update.
func EscrowCallFor(u BalanceUpdate, counterparty string) *EscrowCall {
	return &EscrowCall{
		ChannelID:    u.ChannelID,
		Counterparty: counterparty,
		BalanceA:     u.BalanceA,
		BalanceB:     u.BalanceB,
		Sequence:     u.Sequence,
		SigA:         u.SigA,
		SigB:         u.SigB,
	}
}

// Transaction is an unsigned ledger transaction. Payload is the ledger's own
// encoding and is only interpreted by the ledger client that produced it.
type Transaction struct {
	Source      string   `json:"source"`
	Nonce       uint64   `json:"nonce"`
	Params      TxParams `json:"params"`
	SigningHash []byte   `json:"signingHash"`
	Payload     []byte   `json:"payload"`
	// ValidUntil is the last moment the transaction may be broadcast.
	ValidUntil time.Time `json:"validUntil,omitempty"`
}

// SignedTransaction is a transaction with its signature attached.
type SignedTransaction struct {
	Transaction Transaction `json:"transaction"`
	Signature   []byte      `json:"signature"`
	Raw         []byte      `json:"raw"`
	Hash        string      `json:"hash"`
}

// BroadcastResult is the ledger's answer to a broadcast.
type BroadcastResult struct {
	Success bool   `json:"success"`
	Hash    string `json:"hash"`
	Error   string `json:"error,omitempty"`
}

// TxStatus is the confirmation state of a transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
	TxNotFound  TxStatus = "not_found"
)

// Account is the ledger view of an address.
type Account struct {
	Address string `json:"address"`
	Balance Amount `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}
