package policy

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cygnus-agents/paycore"
	"github.com/cygnus-agents/paycore/mechanisms/evm"
	evmsigner "github.com/cygnus-agents/paycore/signers/evm"
)

const (
	alice = "0x00000000000000000000000000000000000000aa"
	bob   = "0x00000000000000000000000000000000000000bb"
)

// Wednesday 10:30 UTC
var fixedNow = time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)

func newTestSigner(t *testing.T) (*Signer, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	secret := hex.EncodeToString(crypto.FromECDSA(key))
	ks, err := evmsigner.NewKeySignerFromPrivateKey(secret)
	require.NoError(t, err)
	return NewSigner(ks, WithClock(func() time.Time { return fixedNow })), secret
}

func transfer(amount paycore.Amount, recipient string) paycore.Transfer {
	return paycore.Transfer{
		ID:        "t-1",
		Kind:      paycore.TransferOnChainPayment,
		Recipient: recipient,
		Amount:    amount,
		Digest:    crypto.Keccak256([]byte("payload")),
	}
}

func TestSigner_DefinePolicy(t *testing.T) {
	s, _ := newTestSigner(t)

	id, err := s.DefinePolicy(paycore.Policy{Name: "daily", MaxAmount: 100})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	p, ok := s.Policy(id)
	require.True(t, ok)
	assert.Equal(t, "daily", p.Name)

	named, err := s.DefinePolicy(paycore.Policy{ID: "fixed", MaxAmount: 1})
	require.NoError(t, err)
	assert.Equal(t, "fixed", named)
	assert.Len(t, s.Policies(), 2)

	_, err = s.DefinePolicy(paycore.Policy{Name: "zero"})
	assert.Error(t, err)
	_, err = s.DefinePolicy(paycore.Policy{MaxAmount: 1, Windows: []paycore.TimeWindow{{StartMinute: -1, EndMinute: 10}}})
	assert.Error(t, err)

	require.NoError(t, s.DeletePolicy(id))
	assert.True(t, paycore.IsCode(s.DeletePolicy(id), paycore.ErrCodePolicyNotFound))
}

func TestSigner_PolicyIsCopied(t *testing.T) {
	s, _ := newTestSigner(t)
	recipients := []string{bob}
	id, err := s.DefinePolicy(paycore.Policy{MaxAmount: 100, AllowedRecipients: recipients})
	require.NoError(t, err)

	recipients[0] = alice
	p, _ := s.Policy(id)
	assert.Equal(t, bob, p.AllowedRecipients[0])

	p.AllowedRecipients[0] = alice
	again, _ := s.Policy(id)
	assert.Equal(t, bob, again.AllowedRecipients[0])
}

func TestSigner_Evaluate(t *testing.T) {
	s, _ := newTestSigner(t)
	openWindow := paycore.TimeWindow{StartMinute: 9 * 60, EndMinute: 17 * 60}
	closedWindow := paycore.TimeWindow{StartMinute: 18 * 60, EndMinute: 20 * 60}

	tests := []struct {
		name       string
		policy     paycore.Policy
		transfer   paycore.Transfer
		authorized bool
		reason     string
		escalate   bool
	}{
		{
			name:       "within limits",
			policy:     paycore.Policy{MaxAmount: 100},
			transfer:   transfer(100, bob),
			authorized: true,
		},
		{
			name:     "amount over limit",
			policy:   paycore.Policy{MaxAmount: 100},
			transfer: transfer(101, bob),
			reason:   ReasonAmountExceeded,
		},
		{
			name:     "recipient not allowed",
			policy:   paycore.Policy{MaxAmount: 100, AllowedRecipients: []string{alice}},
			transfer: transfer(1, bob),
			reason:   ReasonRecipientNotListed,
		},
		{
			name:       "recipient allowed ignoring case",
			policy:     paycore.Policy{MaxAmount: 100, AllowedRecipients: []string{"0x00000000000000000000000000000000000000BB"}},
			transfer:   transfer(1, bob),
			authorized: true,
		},
		{
			name:     "outside window",
			policy:   paycore.Policy{MaxAmount: 100, Windows: []paycore.TimeWindow{closedWindow}},
			transfer: transfer(1, bob),
			reason:   ReasonOutsideWindow,
		},
		{
			name:       "inside one of several windows",
			policy:     paycore.Policy{MaxAmount: 100, Windows: []paycore.TimeWindow{closedWindow, openWindow}},
			transfer:   transfer(1, bob),
			authorized: true,
		},
		{
			name:     "wrong weekday",
			policy:   paycore.Policy{MaxAmount: 100, Windows: []paycore.TimeWindow{{Days: []time.Weekday{time.Saturday}, StartMinute: 0, EndMinute: 1440}}},
			transfer: transfer(1, bob),
			reason:   ReasonOutsideWindow,
		},
		{
			name:     "risk above threshold",
			policy:   paycore.Policy{MaxAmount: 100, RiskThreshold: 0.5},
			transfer: func() paycore.Transfer { tr := transfer(1, bob); tr.RiskScore = 0.7; return tr }(),
			reason:   ReasonRiskTooHigh,
		},
		{
			name:     "second signer required",
			policy:   paycore.Policy{MaxAmount: 100, RequireSecondSigner: true},
			transfer: transfer(1, bob),
			reason:   ReasonSecondSigner,
			escalate: true,
		},
		{
			// amount is checked before the recipient
			name:     "short circuit on amount",
			policy:   paycore.Policy{MaxAmount: 1, AllowedRecipients: []string{alice}, RequireSecondSigner: true},
			transfer: transfer(5, bob),
			reason:   ReasonAmountExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := s.DefinePolicy(tt.policy)
			require.NoError(t, err)

			auth := s.Evaluate(tt.transfer, id)
			assert.Equal(t, tt.authorized, auth.Authorized)
			assert.Equal(t, tt.reason, auth.Reason)
			assert.Equal(t, tt.escalate, auth.RequiresEscalation)
			assert.Equal(t, id, auth.PolicyID)
		})
	}
}

func TestSigner_EvaluateUnknownPolicy(t *testing.T) {
	s, _ := newTestSigner(t)
	auth := s.Evaluate(transfer(1, bob), "missing")
	assert.False(t, auth.Authorized)
	assert.Equal(t, ReasonPolicyNotFound, auth.Reason)
}

func TestSigner_SelfAlwaysAllowed(t *testing.T) {
	s, _ := newTestSigner(t)
	id, err := s.DefinePolicy(paycore.Policy{MaxAmount: 100, AllowedRecipients: []string{alice}})
	require.NoError(t, err)

	auth := s.Evaluate(transfer(1, s.Address()), id)
	assert.True(t, auth.Authorized)
}

func TestSigner_SignIfAuthorized(t *testing.T) {
	s, _ := newTestSigner(t)
	id, err := s.DefinePolicy(paycore.Policy{MaxAmount: 100})
	require.NoError(t, err)

	tr := transfer(50, bob)
	sig, auth, err := s.SignIfAuthorized(context.Background(), tr, id)
	require.NoError(t, err)
	assert.True(t, auth.Authorized)
	assert.True(t, evm.VerifySignature(s.Address(), tr.Digest, sig))

	sig, auth, err = s.SignIfAuthorized(context.Background(), transfer(500, bob), id)
	assert.Nil(t, sig)
	assert.False(t, auth.Authorized)
	assert.Equal(t, ReasonAmountExceeded, auth.Reason)
	assert.True(t, paycore.IsCode(err, paycore.ErrCodePolicyRejected))

	bad := tr
	bad.Digest = []byte("short")
	_, _, err = s.SignIfAuthorized(context.Background(), bad, id)
	assert.True(t, paycore.IsCode(err, paycore.ErrCodeDecode))
}

func TestSigner_DeletedPolicyStopsSigning(t *testing.T) {
	s, _ := newTestSigner(t)
	id, _ := s.DefinePolicy(paycore.Policy{MaxAmount: 100})
	require.NoError(t, s.DeletePolicy(id))

	_, auth, err := s.SignIfAuthorized(context.Background(), transfer(1, bob), id)
	assert.True(t, paycore.IsCode(err, paycore.ErrCodePolicyRejected))
	assert.Equal(t, ReasonPolicyNotFound, auth.Reason)
}

func TestSigner_RotateKey(t *testing.T) {
	s, secret := newTestSigner(t)
	id, _ := s.DefinePolicy(paycore.Policy{MaxAmount: 100})
	before := s.Address()

	next, _ := crypto.GenerateKey()
	nextSecret := hex.EncodeToString(crypto.FromECDSA(next))

	err := s.RotateKey(nextSecret, nextSecret)
	assert.True(t, paycore.IsCode(err, paycore.ErrCodeKeyRotationRejected))
	assert.Equal(t, before, s.Address())

	err = s.RotateKey(secret, "not-hex")
	assert.True(t, paycore.IsCode(err, paycore.ErrCodeKeyRotationRejected))
	assert.Equal(t, before, s.Address())

	require.NoError(t, s.RotateKey(secret, nextSecret))
	assert.Equal(t, crypto.PubkeyToAddress(next.PublicKey).Hex(), s.Address())

	tr := transfer(1, bob)
	sig, _, err := s.SignIfAuthorized(context.Background(), tr, id)
	require.NoError(t, err)
	assert.True(t, evm.VerifySignature(s.Address(), tr.Digest, sig))
	assert.False(t, evm.VerifySignature(before, tr.Digest, sig))
}

func TestSigner_EvaluateProperties(t *testing.T) {
	s, _ := newTestSigner(t)

	rapid.Check(t, func(t *rapid.T) {
		maxAmount := paycore.Amount(rapid.Uint64Range(1, 1_000_000).Draw(t, "max"))
		amount := paycore.Amount(rapid.Uint64Range(0, 2_000_000).Draw(t, "amount"))
		threshold := rapid.Float64Range(0, 1).Draw(t, "threshold")
		risk := rapid.Float64Range(0, 1).Draw(t, "risk")
		escalate := rapid.Bool().Draw(t, "escalate")

		id, err := s.DefinePolicy(paycore.Policy{MaxAmount: maxAmount, RiskThreshold: threshold, RequireSecondSigner: escalate})
		if err != nil {
			t.Fatalf("DefinePolicy: %v", err)
		}
		tr := transfer(amount, bob)
		tr.RiskScore = risk

		first := s.Evaluate(tr, id)
		second := s.Evaluate(tr, id)
		if first != second {
			t.Fatalf("evaluation is not deterministic: %+v vs %+v", first, second)
		}

		if amount > maxAmount && first.Reason != ReasonAmountExceeded {
			t.Fatalf("amount %d over %d must be rejected first, got %q", amount, maxAmount, first.Reason)
		}
		if first.Authorized && (amount > maxAmount || escalate || (threshold > 0 && risk > threshold)) {
			t.Fatalf("authorized a transfer that violates the policy: %+v", first)
		}

		sig, auth, err := s.SignIfAuthorized(context.Background(), tr, id)
		if auth.Authorized != (sig != nil) || auth.Authorized != (err == nil) {
			t.Fatalf("signature must exist exactly when authorized: auth=%+v sig=%x err=%v", auth, sig, err)
		}
	})
}
