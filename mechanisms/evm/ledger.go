package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/cygnus-agents/paycore"
)

// Ledger implements paycore.LedgerClient for EVM chains. Transactions are
// legacy EIP-155 transactions; the signing hash handed out is the one the
// chain signer expects, so the key holder signs it without knowing anything
// about EVM encoding.
type Ledger struct {
	backend  Backend
	network  paycore.Network
	chainID  *big.Int
	signer   types.Signer
	escrow   *common.Address
	gasLimit uint64
	validFor time.Duration
	nonces   *NonceManager
	now      func() time.Time
	logger   *zap.Logger
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLedgerLogger sets the logger.
func WithLedgerLogger(logger *zap.Logger) LedgerOption {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithLedgerClock sets the clock used for validity windows.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) {
		l.now = now
	}
}

// NewLedger creates a ledger adapter over backend.
func NewLedger(backend Backend, network paycore.Network, cfg LedgerConfig, opts ...LedgerOption) (*Ledger, error) {
	if backend == nil {
		return nil, errors.New("ledger backend is required")
	}
	chainID := cfg.ChainID
	if chainID == nil {
		known, ok := NetworkChainIDs[string(network)]
		if !ok {
			return nil, fmt.Errorf("unknown chain id for network %s", network)
		}
		chainID = known
	}

	l := &Ledger{
		backend:  backend,
		network:  network,
		chainID:  new(big.Int).Set(chainID),
		signer:   types.LatestSignerForChainID(chainID),
		gasLimit: cfg.GasLimit,
		validFor: time.Duration(cfg.DefaultValidFor) * time.Second,
		nonces:   NewNonceManager(backend),
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	if l.validFor <= 0 {
		l.validFor = DefaultValidityPeriod * time.Second
	}
	if cfg.EscrowContract != "" {
		if !common.IsHexAddress(cfg.EscrowContract) {
			return nil, fmt.Errorf("invalid escrow contract address: %s", cfg.EscrowContract)
		}
		escrow := common.HexToAddress(cfg.EscrowContract)
		l.escrow = &escrow
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Dial connects to an RPC endpoint and returns a ledger over it. The chain id
// is read from the node when cfg does not set one.
func Dial(ctx context.Context, rpcURL string, network paycore.Network, cfg LedgerConfig, opts ...LedgerOption) (*Ledger, *ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	if cfg.ChainID == nil {
		chainID, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to read chain id: %w", err)
		}
		cfg.ChainID = chainID
	}
	l, err := NewLedger(client, network, cfg, opts...)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return l, client, nil
}

// Network returns the CAIP-2 identifier of the chain.
func (l *Ledger) Network() paycore.Network {
	return l.network
}

// ChainID returns the chain id transactions are signed for.
func (l *Ledger) ChainID() *big.Int {
	return new(big.Int).Set(l.chainID)
}

// EscrowContract returns the configured escrow address, or "" when unset.
func (l *Ledger) EscrowContract() string {
	if l.escrow == nil {
		return ""
	}
	return l.escrow.Hex()
}

// ConstructTransaction builds an unsigned transaction for params.
func (l *Ledger) ConstructTransaction(ctx context.Context, source string, params paycore.TxParams) (*paycore.Transaction, error) {
	if !common.IsHexAddress(source) {
		return nil, paycore.NewPaymentError(paycore.ErrCodeDecode, fmt.Sprintf("invalid source address %q", source), nil)
	}
	from := common.HexToAddress(source)

	to, value, data, err := l.callFor(params)
	if err != nil {
		return nil, err
	}

	nonce, err := l.nonces.Reserve(ctx, from)
	if err != nil {
		return nil, paycore.Classify(fmt.Errorf("failed to get nonce: %w", err))
	}

	gasPrice, err := l.backend.SuggestGasPrice(ctx)
	if err != nil {
		l.nonces.Release(from, nonce)
		return nil, paycore.Classify(fmt.Errorf("failed to get gas price: %w", err))
	}

	gas := l.gasLimit
	if gas == 0 {
		gas, err = l.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &to,
			Value: value,
			Data:  data,
		})
		if err != nil {
			l.nonces.Release(from, nonce)
			return nil, paycore.Classify(fmt.Errorf("failed to estimate gas: %w", err))
		}
	}
	if gas < MinTransferGas {
		gas = MinTransferGas
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     data,
	})
	payload, err := tx.MarshalBinary()
	if err != nil {
		l.nonces.Release(from, nonce)
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}

	validFor := params.ValidFor
	if validFor <= 0 {
		validFor = l.validFor
	}

	return &paycore.Transaction{
		Source:      from.Hex(),
		Nonce:       nonce,
		Params:      params,
		SigningHash: l.signer.Hash(tx).Bytes(),
		Payload:     payload,
		ValidUntil:  l.now().Add(validFor),
	}, nil
}

func (l *Ledger) callFor(params paycore.TxParams) (common.Address, *big.Int, []byte, error) {
	value := new(big.Int).SetUint64(uint64(params.Amount))

	switch params.Kind {
	case paycore.TxTransfer:
		if !common.IsHexAddress(params.To) {
			return common.Address{}, nil, nil, paycore.NewPaymentError(paycore.ErrCodeDecode,
				fmt.Sprintf("invalid recipient address %q", params.To), nil)
		}
		if params.Asset.IsNative() {
			return common.HexToAddress(params.To), value, []byte(params.Memo), nil
		}
		if !common.IsHexAddress(string(params.Asset)) {
			return common.Address{}, nil, nil, paycore.NewPaymentError(paycore.ErrCodeDecode,
				fmt.Sprintf("asset %q is not a token address", params.Asset), nil)
		}
		data, err := PackERC20Transfer(params.To, params.Amount)
		if err != nil {
			return common.Address{}, nil, nil, err
		}
		return common.HexToAddress(string(params.Asset)), new(big.Int), data, nil
	}

	if l.escrow == nil {
		return common.Address{}, nil, nil, paycore.NewPaymentError(paycore.ErrCodeSettlementFailed,
			"no escrow contract configured", nil)
	}

	var (
		data []byte
		err  error
	)
	switch params.Kind {
	case paycore.TxEscrowOpen:
		counterparty := params.To
		if params.Escrow != nil && params.Escrow.Counterparty != "" {
			counterparty = params.Escrow.Counterparty
		}
		data, err = PackEscrowOpen(counterparty)
	case paycore.TxEscrowSettle:
		data, err = PackEscrowUpdate(FunctionEscrowSettle, params.Escrow)
		value = new(big.Int)
	case paycore.TxEscrowDispute:
		data, err = PackEscrowUpdate(FunctionEscrowDispute, params.Escrow)
		value = new(big.Int)
	case paycore.TxEscrowFinalize:
		if params.Escrow == nil {
			return common.Address{}, nil, nil, paycore.NewPaymentError(paycore.ErrCodeDecode, "escrow call data missing", nil)
		}
		data, err = PackEscrowFinalize(params.Escrow.ChannelID)
		value = new(big.Int)
	default:
		return common.Address{}, nil, nil, paycore.NewPaymentError(paycore.ErrCodeDecode,
			fmt.Sprintf("unsupported transaction kind %q", params.Kind), nil)
	}
	if err != nil {
		return common.Address{}, nil, nil, err
	}
	return *l.escrow, value, data, nil
}

// SignTransaction attaches signature to tx and checks that it recovers to
// the transaction source.
func (l *Ledger) SignTransaction(ctx context.Context, tx *paycore.Transaction, signature []byte) (*paycore.SignedTransaction, error) {
	if tx == nil {
		return nil, paycore.NewPaymentError(paycore.ErrCodeDecode, "transaction is nil", nil)
	}
	decoded := new(types.Transaction)
	if err := decoded.UnmarshalBinary(tx.Payload); err != nil {
		return nil, paycore.Wrap(err, paycore.ErrCodeDecode, "failed to decode transaction payload")
	}
	sig, err := NormalizeSignature(signature)
	if err != nil {
		return nil, paycore.Wrap(err, paycore.ErrCodeDecode, "invalid transaction signature")
	}
	signed, err := decoded.WithSignature(l.signer, sig)
	if err != nil {
		return nil, paycore.Wrap(err, paycore.ErrCodeDecode, "failed to attach signature")
	}
	sender, err := types.Sender(l.signer, signed)
	if err != nil {
		return nil, paycore.Wrap(err, paycore.ErrCodeDecode, "failed to recover sender")
	}
	if sender != common.HexToAddress(tx.Source) {
		return nil, paycore.NewPaymentError(paycore.ErrCodeDecode,
			fmt.Sprintf("signature recovers to %s, expected %s", sender.Hex(), tx.Source), nil)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode signed transaction: %w", err)
	}
	return &paycore.SignedTransaction{
		Transaction: *tx,
		Signature:   sig,
		Raw:         raw,
		Hash:        signed.Hash().Hex(),
	}, nil
}

// BroadcastTransaction submits signed. Transactions past their validity
// window are refused without contacting the node.
func (l *Ledger) BroadcastTransaction(ctx context.Context, signed *paycore.SignedTransaction) (paycore.BroadcastResult, error) {
	if signed == nil {
		return paycore.BroadcastResult{}, paycore.NewPaymentError(paycore.ErrCodeDecode, "signed transaction is nil", nil)
	}
	from := common.HexToAddress(signed.Transaction.Source)

	if until := signed.Transaction.ValidUntil; !until.IsZero() && l.now().After(until) {
		l.nonces.Release(from, signed.Transaction.Nonce)
		return paycore.BroadcastResult{Hash: signed.Hash, Error: "validity window elapsed"},
			paycore.NewPaymentError(paycore.ErrCodeDemandExpired, "transaction validity window elapsed", map[string]interface{}{
				"validUntil": until,
			})
	}

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(signed.Raw); err != nil {
		return paycore.BroadcastResult{}, paycore.Wrap(err, paycore.ErrCodeDecode, "failed to decode signed transaction")
	}

	if err := l.backend.SendTransaction(ctx, tx); err != nil {
		l.logger.Warn("broadcast failed",
			zap.String("hash", tx.Hash().Hex()),
			zap.Uint64("nonce", tx.Nonce()),
			zap.Error(err))
		l.nonces.Release(from, tx.Nonce())
		return paycore.BroadcastResult{Hash: tx.Hash().Hex(), Error: err.Error()}, paycore.Classify(err)
	}

	l.logger.Debug("transaction broadcast",
		zap.String("hash", tx.Hash().Hex()),
		zap.String("network", string(l.network)))
	return paycore.BroadcastResult{Success: true, Hash: tx.Hash().Hex()}, nil
}

// GetTransactionStatus reports the confirmation state of hash.
func (l *Ledger) GetTransactionStatus(ctx context.Context, hash string) (paycore.TxStatus, error) {
	raw, err := hexutil.Decode(hash)
	if err != nil || len(raw) != common.HashLength {
		return "", paycore.NewPaymentError(paycore.ErrCodeDecode, fmt.Sprintf("invalid transaction hash %q", hash), nil)
	}
	txHash := common.BytesToHash(raw)

	receipt, err := l.backend.TransactionReceipt(ctx, txHash)
	if err == nil {
		if receipt.Status == TxStatusSuccess {
			return paycore.TxConfirmed, nil
		}
		return paycore.TxFailed, nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return "", paycore.Classify(fmt.Errorf("failed to get receipt: %w", err))
	}

	if _, _, err := l.backend.TransactionByHash(ctx, txHash); err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return paycore.TxNotFound, nil
		}
		return "", paycore.Classify(fmt.Errorf("failed to get transaction: %w", err))
	}
	return paycore.TxPending, nil
}

// GetTransfer decodes the recipient and amount of the transaction hash.
// Native transfers report the value sent; ERC-20 transfers report the token
// as the asset. Escrow calls are not transfers.
func (l *Ledger) GetTransfer(ctx context.Context, hash string) (paycore.TransferInfo, error) {
	raw, err := hexutil.Decode(hash)
	if err != nil || len(raw) != common.HashLength {
		return paycore.TransferInfo{}, paycore.NewPaymentError(paycore.ErrCodeDecode, fmt.Sprintf("invalid transaction hash %q", hash), nil)
	}
	tx, _, err := l.backend.TransactionByHash(ctx, common.BytesToHash(raw))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return paycore.TransferInfo{}, paycore.NewPaymentError(paycore.ErrCodeDecode, fmt.Sprintf("unknown transaction %s", hash), nil)
		}
		return paycore.TransferInfo{}, paycore.Classify(fmt.Errorf("failed to get transaction: %w", err))
	}
	notTransfer := func(reason string) error {
		return paycore.NewPaymentError(paycore.ErrCodeDecode, fmt.Sprintf("transaction %s is not a transfer: %s", hash, reason), nil)
	}
	if tx.To() == nil {
		return paycore.TransferInfo{}, notTransfer("contract creation")
	}
	if l.escrow != nil && *tx.To() == *l.escrow {
		return paycore.TransferInfo{}, notTransfer("escrow call")
	}
	from, err := types.Sender(l.signer, tx)
	if err != nil {
		return paycore.TransferInfo{}, paycore.NewPaymentError(paycore.ErrCodeDecode,
			fmt.Sprintf("cannot recover sender of %s: %v", hash, err), nil)
	}

	info := paycore.TransferInfo{Hash: tx.Hash().Hex(), Source: from.Hex()}
	value := tx.Value()
	if to, amount, ok := UnpackERC20Transfer(tx.Data()); ok && value.Sign() == 0 {
		info.To = to.Hex()
		info.Asset = paycore.Asset(tx.To().Hex())
		value = amount
	} else {
		info.To = tx.To().Hex()
	}
	if !value.IsUint64() {
		return paycore.TransferInfo{}, paycore.NewPaymentError(paycore.ErrCodeArithmeticOverflow,
			"transfer value does not fit in an amount", map[string]interface{}{"value": value.String()})
	}
	info.Amount = paycore.Amount(value.Uint64())
	return info, nil
}

// LoadAccount returns the balance and pending nonce of address.
func (l *Ledger) LoadAccount(ctx context.Context, address string) (paycore.Account, error) {
	if !common.IsHexAddress(address) {
		return paycore.Account{}, paycore.NewPaymentError(paycore.ErrCodeDecode, fmt.Sprintf("invalid address %q", address), nil)
	}
	account := common.HexToAddress(address)

	balance, err := l.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return paycore.Account{}, paycore.Classify(fmt.Errorf("failed to get balance: %w", err))
	}
	if !balance.IsUint64() {
		return paycore.Account{}, paycore.NewPaymentError(paycore.ErrCodeArithmeticOverflow,
			"balance does not fit in an amount", map[string]interface{}{"balance": balance.String()})
	}
	nonce, err := l.backend.PendingNonceAt(ctx, account)
	if err != nil {
		return paycore.Account{}, paycore.Classify(fmt.Errorf("failed to get nonce: %w", err))
	}
	return paycore.Account{
		Address: account.Hex(),
		Balance: paycore.Amount(balance.Uint64()),
		Nonce:   nonce,
	}, nil
}
