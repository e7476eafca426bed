package http

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cygnus-agents/paycore"
	"github.com/cygnus-agents/paycore/extensions/idempotency"
)

// DefaultMaxProofAge is how old a proof may be when it is presented.
const DefaultMaxProofAge = 300 * time.Second

// ChannelVerifier checks channel receipts. *channel.Manager implements it.
type ChannelVerifier interface {
	VerifyReceipt(update paycore.BalanceUpdate) (paycore.Amount, error)
}

// StatusChecker reports transaction confirmation. *ledger.Gateway
// implements it.
type StatusChecker interface {
	Status(ctx context.Context, hash string) (paycore.TxStatus, error)
	Network() paycore.Network
}

// TransferReader decodes confirmed transfers. *ledger.Gateway implements
// it; ok is false when the underlying ledger client cannot.
type TransferReader interface {
	Transfer(ctx context.Context, hash string) (info paycore.TransferInfo, ok bool, err error)
}

// ProofVerifier checks the proofs payers present. Each proof is redeemed
// at most once.
//
// On-chain proofs must be confirmed. When the ledger also implements
// TransferReader and its client can decode transfers, the transfer must pay
// the payee at least the price; otherwise a confirmed transaction is
// accepted at the price without binding it to payee or amount. The asset is
// never compared.
type ProofVerifier struct {
	channels ChannelVerifier
	ledger   StatusChecker
	redeemed paycore.SettlementStore
	maxAge   time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// VerifierOption configures a ProofVerifier.
type VerifierOption func(*ProofVerifier)

// WithChannelReceipts accepts channel proofs checked against v.
func WithChannelReceipts(v ChannelVerifier) VerifierOption {
	return func(p *ProofVerifier) { p.channels = v }
}

// WithLedger accepts on-chain proofs confirmed on ledger.
func WithLedger(ledger StatusChecker) VerifierOption {
	return func(p *ProofVerifier) { p.ledger = ledger }
}

// WithRedeemedStore sets where redeemed proofs are remembered. Share a
// Redis-backed store between payee replicas.
func WithRedeemedStore(s paycore.SettlementStore) VerifierOption {
	return func(p *ProofVerifier) {
		if s != nil {
			p.redeemed = s
		}
	}
}

// WithMaxProofAge overrides DefaultMaxProofAge.
func WithMaxProofAge(d time.Duration) VerifierOption {
	return func(p *ProofVerifier) {
		if d > 0 {
			p.maxAge = d
		}
	}
}

// WithVerifierLogger sets the logger.
func WithVerifierLogger(logger *zap.Logger) VerifierOption {
	return func(p *ProofVerifier) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithVerifierClock sets the clock.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(p *ProofVerifier) { p.now = now }
}

// NewProofVerifier creates a verifier. Without WithChannelReceipts or
// WithLedger the corresponding proofs are refused.
func NewProofVerifier(opts ...VerifierOption) *ProofVerifier {
	v := &ProofVerifier{
		maxAge: DefaultMaxProofAge,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.redeemed == nil {
		v.redeemed = paycore.NewSettlementCache(2 * v.maxAge)
	}
	return v
}

func rejected(format string, args ...interface{}) *paycore.PaymentError {
	return paycore.NewPaymentError(paycore.ErrCodeInvalidDemand, fmt.Sprintf(format, args...), nil)
}

func redemptionKey(proof paycore.Proof) string {
	if proof.Channel != nil {
		u := proof.Channel.Update
		return fmt.Sprintf("channel:%s:%d", strings.ToLower(u.ChannelID), u.Sequence)
	}
	return idempotency.TransactionKey(proof.OnChain.TxHash)
}

// Verify checks that proof pays at least price to payee and redeems it.
// It returns the amount the proof credits.
func (v *ProofVerifier) Verify(ctx context.Context, proof paycore.Proof, price paycore.Amount, payee string) (paycore.Amount, error) {
	if err := v.checkShape(proof); err != nil {
		return 0, err
	}
	if age := v.now().Sub(proof.CreatedAt); proof.CreatedAt.IsZero() || age > v.maxAge {
		return 0, paycore.NewPaymentError(paycore.ErrCodeDemandExpired, "proof is too old", map[string]interface{}{
			"createdAt": proof.CreatedAt,
			"maxAge":    v.maxAge.String(),
		})
	}

	key := redemptionKey(proof)
	status, _, err := v.redeemed.CheckAndMark(ctx, key)
	if err != nil {
		return 0, paycore.Wrap(err, paycore.ErrCodeNetworkTransient, "redemption store unavailable")
	}
	if status != paycore.StatusNotFound {
		return 0, paycore.NewPaymentError(paycore.ErrCodeStaleOrInvalidUpdate, "proof already redeemed", map[string]interface{}{
			"demandId": proof.DemandID,
		})
	}

	var credited paycore.Amount
	switch proof.Method {
	case paycore.MethodChannel:
		credited, err = v.verifyChannel(proof.Channel, price, payee)
	default:
		credited, err = v.verifyOnChain(ctx, proof.OnChain, price, payee)
	}
	if err != nil {
		if ferr := v.redeemed.Fail(context.WithoutCancel(ctx), key); ferr != nil {
			v.logger.Warn("failed to release redemption", zap.String("key", key), zap.Error(ferr))
		}
		return 0, err
	}
	if cerr := v.redeemed.Complete(context.WithoutCancel(ctx), key, &proof); cerr != nil {
		v.logger.Warn("failed to record redemption", zap.String("key", key), zap.Error(cerr))
	}
	return credited, nil
}

func (v *ProofVerifier) checkShape(proof paycore.Proof) error {
	switch proof.Method {
	case paycore.MethodChannel:
		if proof.Channel == nil {
			return rejected("channel proof carries no update")
		}
		if v.channels == nil {
			return rejected("channel proofs are not accepted")
		}
	case paycore.MethodOnChain:
		if proof.OnChain == nil || proof.OnChain.TxHash == "" {
			return rejected("on-chain proof carries no transaction")
		}
		if v.ledger == nil {
			return rejected("on-chain proofs are not accepted")
		}
	default:
		return rejected("unsupported settlement method %q", proof.Method)
	}
	return nil
}

func (v *ProofVerifier) verifyChannel(p *paycore.ChannelProof, price paycore.Amount, payee string) (paycore.Amount, error) {
	if !strings.EqualFold(p.Payee, payee) {
		return 0, rejected("proof pays %s, not %s", p.Payee, payee)
	}
	credited, err := v.channels.VerifyReceipt(p.Update)
	if err != nil {
		return 0, err
	}
	if credited < price {
		return 0, rejected("receipt credits %d, price is %d", credited, price)
	}
	return credited, nil
}

// verifyOnChain checks network, age and confirmation, then binds the
// transfer to payee and price when the ledger can decode it.
func (v *ProofVerifier) verifyOnChain(ctx context.Context, p *paycore.OnChainProof, price paycore.Amount, payee string) (paycore.Amount, error) {
	if p.Network != "" && !p.Network.Match(v.ledger.Network()) {
		return 0, rejected("proof is on %s, expected %s", p.Network, v.ledger.Network())
	}
	if err := paycore.ValidateProofAge(*p, v.now(), v.maxAge); err != nil {
		return 0, err
	}
	status, err := v.ledger.Status(ctx, p.TxHash)
	if err != nil {
		return 0, err
	}
	if status != paycore.TxConfirmed {
		return 0, paycore.NewPaymentError(paycore.ErrCodeSettlementFailed, "transaction is not confirmed", map[string]interface{}{
			"txHash": p.TxHash,
			"status": status,
		})
	}

	reader, ok := v.ledger.(TransferReader)
	if !ok {
		return price, nil
	}
	info, ok, err := reader.Transfer(ctx, p.TxHash)
	if err != nil {
		return 0, err
	}
	if !ok {
		v.logger.Debug("ledger cannot decode transfers, accepting confirmed transaction",
			zap.String("tx_hash", p.TxHash))
		return price, nil
	}
	if !strings.EqualFold(info.To, payee) {
		return 0, rejected("transaction %s pays %s, not %s", p.TxHash, info.To, payee)
	}
	if info.Amount < price {
		return 0, rejected("transaction %s pays %d, price is %d", p.TxHash, info.Amount, price)
	}
	return info.Amount, nil
}
