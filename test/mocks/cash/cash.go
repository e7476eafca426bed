// Package cash is an in-memory ledger for tests. It implements
// paycore.LedgerClient with real secp256k1 signature checks so transactions
// signed by signers/evm pass through it unchanged.
package cash

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/cygnus-agents/paycore"
	"github.com/cygnus-agents/paycore/mechanisms/evm"
)

// Network is the identifier reported by the cash ledger.
const Network paycore.Network = "cash:local"

// EscrowAddress holds the funds of opened channels.
const EscrowAddress = "0x000000000000000000000000000000000000e5c0"

// ============================================================================
// Cash Ledger
// ============================================================================

type entry struct {
	signed paycore.SignedTransaction
	status paycore.TxStatus
}

// Ledger is an in-memory paycore.LedgerClient.
type Ledger struct {
	mu       sync.Mutex
	balances map[string]paycore.Amount
	nonces   map[string]uint64
	txs      map[string]*entry
	order    []string

	hold       bool
	failNext   int
	failErr    error
	rejectNext int
	broadcasts int
	now        func() time.Time
}

// NewLedger creates an empty ledger. Broadcast transactions confirm
// immediately unless Hold is called.
func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[string]paycore.Amount),
		nonces:   make(map[string]uint64),
		txs:      make(map[string]*entry),
		now:      time.Now,
	}
}

func key(address string) string {
	return strings.ToLower(common.HexToAddress(address).Hex())
}

// Fund credits address with amount.
func (l *Ledger) Fund(address string, amount paycore.Amount) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[key(address)] += amount
}

// Balance returns the balance of address.
func (l *Ledger) Balance(address string) paycore.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[key(address)]
}

// Hold keeps broadcast transactions pending until Confirm or Revert.
func (l *Ledger) Hold() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hold = true
}

// FailBroadcasts makes the next n broadcasts return err.
func (l *Ledger) FailBroadcasts(n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = n
	l.failErr = err
}

// RejectBroadcasts makes the next n broadcasts return an unsuccessful
// result without an error, like a node refusing the transaction.
func (l *Ledger) RejectBroadcasts(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejectNext = n
}

// SetClock replaces the clock used for validity windows.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Confirm marks hash confirmed.
func (l *Ledger) Confirm(hash string) {
	l.setStatus(hash, paycore.TxConfirmed)
}

// Revert marks hash failed.
func (l *Ledger) Revert(hash string) {
	l.setStatus(hash, paycore.TxFailed)
}

func (l *Ledger) setStatus(hash string, status paycore.TxStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.txs[hash]; ok {
		e.status = status
	}
}

// Broadcasts returns the number of broadcast attempts, failed ones included.
func (l *Ledger) Broadcasts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broadcasts
}

// Transactions returns accepted transactions in broadcast order.
func (l *Ledger) Transactions() []paycore.SignedTransaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]paycore.SignedTransaction, 0, len(l.order))
	for _, h := range l.order {
		out = append(out, l.txs[h].signed)
	}
	return out
}

// TransactionsOfKind returns accepted transactions of kind.
func (l *Ledger) TransactionsOfKind(kind paycore.TxKind) []paycore.SignedTransaction {
	var out []paycore.SignedTransaction
	for _, tx := range l.Transactions() {
		if tx.Transaction.Params.Kind == kind {
			out = append(out, tx)
		}
	}
	return out
}

// ============================================================================
// paycore.LedgerClient
// ============================================================================

// Network returns the cash network identifier.
func (l *Ledger) Network() paycore.Network {
	return Network
}

// ConstructTransaction builds a transaction whose signing hash is the
// keccak256 of its JSON encoding.
func (l *Ledger) ConstructTransaction(ctx context.Context, source string, params paycore.TxParams) (*paycore.Transaction, error) {
	if !common.IsHexAddress(source) {
		return nil, paycore.NewPaymentError(paycore.ErrCodeDecode, fmt.Sprintf("invalid source %q", source), nil)
	}

	l.mu.Lock()
	nonce := l.nonces[key(source)]
	l.nonces[key(source)] = nonce + 1
	now := l.now()
	l.mu.Unlock()

	validFor := params.ValidFor
	if validFor <= 0 {
		validFor = evm.DefaultValidityPeriod * time.Second
	}
	tx := &paycore.Transaction{
		Source:     common.HexToAddress(source).Hex(),
		Nonce:      nonce,
		Params:     params,
		ValidUntil: now.Add(validFor),
	}
	payload, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}
	tx.Payload = payload
	tx.SigningHash = crypto.Keccak256(payload)
	return tx, nil
}

// SignTransaction attaches signature after checking it recovers to the source.
func (l *Ledger) SignTransaction(ctx context.Context, tx *paycore.Transaction, signature []byte) (*paycore.SignedTransaction, error) {
	if !evm.VerifySignature(tx.Source, tx.SigningHash, signature) {
		return nil, paycore.NewPaymentError(paycore.ErrCodeDecode, "signature does not match source", nil)
	}
	raw := append(append([]byte(nil), tx.Payload...), signature...)
	return &paycore.SignedTransaction{
		Transaction: *tx,
		Signature:   append([]byte(nil), signature...),
		Raw:         raw,
		Hash:        hexutil.Encode(crypto.Keccak256(raw)),
	}, nil
}

// BroadcastTransaction applies the transaction's value movement.
func (l *Ledger) BroadcastTransaction(ctx context.Context, signed *paycore.SignedTransaction) (paycore.BroadcastResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.broadcasts++

	if err := ctx.Err(); err != nil {
		return paycore.BroadcastResult{}, err
	}
	if l.failNext > 0 {
		l.failNext--
		return paycore.BroadcastResult{Hash: signed.Hash, Error: l.failErr.Error()}, l.failErr
	}
	if l.rejectNext > 0 {
		l.rejectNext--
		return paycore.BroadcastResult{Hash: signed.Hash, Error: "rejected"}, nil
	}
	tx := signed.Transaction
	if !tx.ValidUntil.IsZero() && l.now().After(tx.ValidUntil) {
		return paycore.BroadcastResult{Hash: signed.Hash, Error: "expired"},
			paycore.NewPaymentError(paycore.ErrCodeDemandExpired, "transaction validity window elapsed", nil)
	}
	if _, ok := l.txs[signed.Hash]; ok {
		// rebroadcast of a known transaction
		return paycore.BroadcastResult{Success: true, Hash: signed.Hash}, nil
	}

	if err := l.applyLocked(tx); err != nil {
		return paycore.BroadcastResult{Hash: signed.Hash, Error: err.Error()}, nil
	}

	status := paycore.TxConfirmed
	if l.hold {
		status = paycore.TxPending
	}
	l.txs[signed.Hash] = &entry{signed: *signed, status: status}
	l.order = append(l.order, signed.Hash)
	return paycore.BroadcastResult{Success: true, Hash: signed.Hash}, nil
}

func (l *Ledger) applyLocked(tx paycore.Transaction) error {
	from := key(tx.Source)
	var to string
	var amount paycore.Amount

	switch tx.Params.Kind {
	case paycore.TxTransfer:
		to, amount = key(tx.Params.To), tx.Params.Amount
	case paycore.TxEscrowOpen:
		to, amount = key(EscrowAddress), tx.Params.Amount
	case paycore.TxEscrowSettle, paycore.TxEscrowDispute, paycore.TxEscrowFinalize:
		// escrow payouts are contract logic and not modelled here
		return nil
	default:
		return fmt.Errorf("unsupported kind %q", tx.Params.Kind)
	}

	if l.balances[from] < amount {
		return fmt.Errorf("insufficient funds")
	}
	l.balances[from] -= amount
	l.balances[to] += amount
	return nil
}

// GetTransactionStatus reports the status of hash.
func (l *Ledger) GetTransactionStatus(ctx context.Context, hash string) (paycore.TxStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e, ok := l.txs[hash]
	if !ok {
		return paycore.TxNotFound, nil
	}
	return e.status, nil
}

// GetTransfer reports the source, recipient and amount of a transfer.
func (l *Ledger) GetTransfer(ctx context.Context, hash string) (paycore.TransferInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return paycore.TransferInfo{}, err
	}
	e, ok := l.txs[hash]
	if !ok {
		return paycore.TransferInfo{}, paycore.NewPaymentError(paycore.ErrCodeDecode, fmt.Sprintf("unknown transaction %s", hash), nil)
	}
	tx := e.signed.Transaction
	if tx.Params.Kind != paycore.TxTransfer {
		return paycore.TransferInfo{}, paycore.NewPaymentError(paycore.ErrCodeDecode,
			fmt.Sprintf("transaction %s is %s, not a transfer", hash, tx.Params.Kind), nil)
	}
	return paycore.TransferInfo{
		Hash:   hash,
		Source: tx.Source,
		To:     tx.Params.To,
		Amount: tx.Params.Amount,
		Asset:  tx.Params.Asset,
	}, nil
}

// LoadAccount returns the balance and next nonce of address.
func (l *Ledger) LoadAccount(ctx context.Context, address string) (paycore.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return paycore.Account{
		Address: common.HexToAddress(address).Hex(),
		Balance: l.balances[key(address)],
		Nonce:   l.nonces[key(address)],
	}, nil
}
