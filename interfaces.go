package paycore

import (
	"context"
	"time"
)

// ============================================================================
// Ledger collaborator
// ============================================================================

// LedgerClient is the narrow surface of the ledger this module relies on.
// Implementations own all ledger semantics (encoding, fees, nonces); callers
// only move typed values across this boundary.
type LedgerClient interface {
	// Network returns the CAIP-2 identifier of the ledger.
	Network() Network

	// ConstructTransaction builds an unsigned transaction from source.
	ConstructTransaction(ctx context.Context, source string, params TxParams) (*Transaction, error)

	// SignTransaction attaches a signature over tx.SigningHash. The key that
	// produced it never crosses this boundary.
	SignTransaction(ctx context.Context, tx *Transaction, signature []byte) (*SignedTransaction, error)

	// BroadcastTransaction submits a signed transaction.
	BroadcastTransaction(ctx context.Context, signed *SignedTransaction) (BroadcastResult, error)

	// GetTransactionStatus reports the confirmation state of hash.
	GetTransactionStatus(ctx context.Context, hash string) (TxStatus, error)

	// LoadAccount returns the ledger view of address.
	LoadAccount(ctx context.Context, address string) (Account, error)
}

// TransferLookup is implemented by ledger clients that can decode the
// recipient and amount of a transfer. Payees use it to bind on-chain proofs
// to the demand they answer.
type TransferLookup interface {
	// GetTransfer decodes the transfer sent in hash. Transactions that move
	// no value to a recipient fail with a decode error.
	GetTransfer(ctx context.Context, hash string) (TransferInfo, error)
}

// ============================================================================
// Signing
// ============================================================================

// Authorizer gates every signature behind a policy.
type Authorizer interface {
	// Address returns the address signatures recover to.
	Address() string

	// SignIfAuthorized signs transfer.Digest only if the transfer passes
	// policyID. A rejection returns a policy_rejected error together with
	// the Authorization explaining it.
	SignIfAuthorized(ctx context.Context, transfer Transfer, policyID string) ([]byte, Authorization, error)
}

// ============================================================================
// Channel peers
// ============================================================================

// Counterparty is the remote side of a channel, reached over some transport.
type Counterparty interface {
	// AnnounceChannel tells the counterparty about a confirmed escrow.
	AnnounceChannel(ctx context.Context, announcement ChannelAnnouncement) error

	// RequestCoSign sends an update signed by the proposer and returns it
	// carrying both signatures.
	RequestCoSign(ctx context.Context, update BalanceUpdate) (BalanceUpdate, error)

	// RequestClose sends the final update of a cooperative close.
	RequestClose(ctx context.Context, update BalanceUpdate) (BalanceUpdate, error)
}

// CounterpartyResolver returns the transport for a remote address.
type CounterpartyResolver interface {
	Resolve(address string) (Counterparty, error)
}

// ChannelProvider is what the payment-required client needs from the
// channel manager.
type ChannelProvider interface {
	// FindChannel returns an active channel toward counterparty whose local
	// balance covers amount.
	FindChannel(counterparty string, amount Amount) (ChannelSnapshot, bool)

	// ProposeUpdate pays amount to the counterparty of channelID.
	ProposeUpdate(ctx context.Context, channelID string, amount Amount) (BalanceUpdate, error)
}

// ============================================================================
// Idempotency
// ============================================================================

// SettlementStatus represents the result of checking a SettlementStore.
type SettlementStatus int

const (
	// StatusNotFound means no cached result and no in-flight request.
	StatusNotFound SettlementStatus = iota
	// StatusCached means a cached result was found.
	StatusCached
	// StatusInFlight means another request is currently processing this settlement.
	StatusInFlight
)

// SettlementStore deduplicates on-chain settlements per demand so a retried
// demand never pays twice. Implementations must be safe for concurrent use.
type SettlementStore interface {
	// CheckAndMark atomically checks the store and marks key in-flight when
	// neither a result nor another in-flight attempt exists.
	CheckAndMark(ctx context.Context, key string) (SettlementStatus, *Proof, error)

	// WaitForResult blocks until the in-flight attempt for key finishes. A
	// nil proof means the attempt failed and the caller may try again.
	WaitForResult(ctx context.Context, key string) (*Proof, error)

	// Complete stores proof under key and releases waiters.
	Complete(ctx context.Context, key string, proof *Proof) error

	// Fail clears the in-flight marker without storing a result.
	Fail(ctx context.Context, key string) error
}

// ============================================================================
// Journal
// ============================================================================

// TransactionRecord is one settlement attempt as written to the journal.
type TransactionRecord struct {
	Kind        string
	Source      string
	Destination string
	Amount      Amount
	Asset       Asset
	Memo        string
	TxHash      string
	ChannelID   string
	Status      string
	Error       string
	CreatedAt   time.Time
}

// AuditRecord is a security-relevant event, such as a rejected update.
type AuditRecord struct {
	Action    string
	ChannelID string
	Payload   interface{}
	Result    string
	CreatedAt time.Time
}

// Recorder persists settlement history. Implementations must not fail the
// operation they record; errors are theirs to log.
type Recorder interface {
	RecordTransaction(ctx context.Context, rec TransactionRecord)
	RecordAudit(ctx context.Context, rec AuditRecord)
	ArchiveChannel(ctx context.Context, snapshot ChannelSnapshot, settlement Settlement)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) RecordTransaction(context.Context, TransactionRecord) {}
func (NopRecorder) RecordAudit(context.Context, AuditRecord) {}
func (NopRecorder) ArchiveChannel(context.Context, ChannelSnapshot, Settlement) {}
