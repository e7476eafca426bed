package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cygnus-agents/paycore"
	"github.com/cygnus-agents/paycore/client"
	"github.com/cygnus-agents/paycore/types"
)

const price = paycore.Amount(1_000)

// paidRoute serves GET /weather behind the payment middleware of payee.
func paidRoute(payee *peer, verifier *ProofVerifier, opts ...Options) *gin.Engine {
	r := gin.New()
	r.GET("/weather", PaymentMiddleware(price, payee.address(), verifier, opts...), func(c *gin.Context) {
		receipt, _ := c.Get(ContextKeyReceipt)
		c.JSON(http.StatusOK, gin.H{"weather": "sunny", "paidBy": receipt.(types.SettlementReceipt).Payer})
	})
	return r
}

func get(r http.Handler, proofHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/weather", nil)
	if proofHeader != "" {
		req.Header.Set(HeaderPaymentSignature, proofHeader)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func channelProof(t *testing.T, payer, payee *peer, channelID string, amount paycore.Amount) paycore.Proof {
	t.Helper()
	update, err := payer.manager.ProposeUpdate(context.Background(), channelID, amount)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	return paycore.Proof{
		Method:   paycore.MethodChannel,
		DemandID: "demand-1",
		Channel: &paycore.ChannelProof{
			Update: update,
			Payer:  payer.address(),
			Payee:  payee.address(),
			Amount: amount,
		},
		CreatedAt: time.Now(),
	}
}

func proofHeader(t *testing.T, proof paycore.Proof) string {
	t.Helper()
	header, err := EncodeProofHeader(proof, nil)
	if err != nil {
		t.Fatalf("encode proof: %v", err)
	}
	return header
}

func TestPaymentMiddleware_RequiresPayment(t *testing.T) {
	_, _, payee := pair(t)
	endpoint := types.ChannelEndpoint{URL: payee.server.URL, Address: payee.address()}
	r := paidRoute(payee, NewProofVerifier(WithChannelReceipts(payee.manager)),
		WithDescription("Weather data"),
		WithResourceRootURL("https://api.example.com"),
		WithExtensions(types.ChannelEndpointExtension{Endpoint: endpoint}))

	before := time.Now()
	w := get(r, "")
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}

	envelope, err := DecodeDemandHeader(w.Header().Get(HeaderPaymentRequired), time.Now())
	if err != nil {
		t.Fatalf("decode demand: %v", err)
	}
	d := envelope.Demand
	if d.Amount != price || d.Destination != payee.address() {
		t.Errorf("unexpected demand %+v", d)
	}
	if d.ID == "" || !d.AcceptsMethod(paycore.MethodChannel) || !d.AcceptsMethod(paycore.MethodOnChain) {
		t.Errorf("unexpected demand %+v", d)
	}
	if d.Expiry.Before(before.Add(DefaultDemandTTL - time.Second)) {
		t.Errorf("expiry %s too early", d.Expiry)
	}
	if d.Resource != "https://api.example.com/weather" {
		t.Errorf("unexpected resource %q", d.Resource)
	}
	if envelope.Resource == nil || envelope.Resource.Description != "Weather data" {
		t.Errorf("unexpected resource info %+v", envelope.Resource)
	}
	if got, ok := types.ChannelEndpointOf(envelope); !ok || got != endpoint {
		t.Errorf("expected endpoint %+v, got %+v", endpoint, got)
	}

	var body types.DemandEnvelope
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body.Error == "" || body.Demand.ID != d.ID {
		t.Errorf("body does not mirror the header: %+v", body)
	}

	// every challenge is a fresh demand
	again, _ := DecodeDemandHeader(get(r, "").Header().Get(HeaderPaymentRequired), time.Now())
	if again.Demand.ID == d.ID {
		t.Error("demand id reused")
	}
}

func TestPaymentMiddleware_ChannelProof(t *testing.T) {
	book, payer, payee := pair(t)
	snap := openChannel(t, book, payer, payee, 10_000_000)
	r := paidRoute(payee, NewProofVerifier(WithChannelReceipts(payee.manager)))

	header := proofHeader(t, channelProof(t, payer, payee, snap.ID, price))
	w := get(r, header)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	receipt, err := DecodeReceiptHeader(w.Header().Get(HeaderPaymentResponse))
	if err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if !receipt.Success || receipt.Method != paycore.MethodChannel || receipt.ChannelID != snap.ID || receipt.Sequence != 1 {
		t.Errorf("unexpected receipt %+v", receipt)
	}
	if receipt.Amount != price || receipt.Payer != payer.address() {
		t.Errorf("unexpected receipt %+v", receipt)
	}
	if !strings.Contains(w.Body.String(), payer.address()) {
		t.Errorf("handler did not see the receipt: %s", w.Body.String())
	}

	t.Run("replay", func(t *testing.T) {
		w := get(r, header)
		if w.Code != http.StatusPaymentRequired {
			t.Fatalf("expected 402, got %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), "already redeemed") {
			t.Errorf("unexpected body %s", w.Body.String())
		}
	})
}

func TestPaymentMiddleware_RejectsChannelProofs(t *testing.T) {
	book, payer, payee := pair(t)
	snap := openChannel(t, book, payer, payee, 10_000_000)

	t.Run("underpaid", func(t *testing.T) {
		r := paidRoute(payee, NewProofVerifier(WithChannelReceipts(payee.manager)))
		w := get(r, proofHeader(t, channelProof(t, payer, payee, snap.ID, price-1)))
		if w.Code != http.StatusPaymentRequired {
			t.Errorf("expected 402, got %d", w.Code)
		}
	})

	t.Run("other payee", func(t *testing.T) {
		proof := channelProof(t, payer, payee, snap.ID, price)
		proof.Channel.Payee = payer.address()
		r := paidRoute(payee, NewProofVerifier(WithChannelReceipts(payee.manager)))
		if w := get(r, proofHeader(t, proof)); w.Code != http.StatusPaymentRequired {
			t.Errorf("expected 402, got %d", w.Code)
		}
	})

	t.Run("too old", func(t *testing.T) {
		proof := channelProof(t, payer, payee, snap.ID, price)
		later := func() time.Time { return time.Now().Add(DefaultMaxProofAge + time.Second) }
		r := paidRoute(payee, NewProofVerifier(WithChannelReceipts(payee.manager), WithVerifierClock(later)))
		w := get(r, proofHeader(t, proof))
		if w.Code != http.StatusPaymentRequired {
			t.Errorf("expected 402, got %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), "too old") {
			t.Errorf("unexpected body %s", w.Body.String())
		}
	})

	t.Run("not accepted", func(t *testing.T) {
		proof := channelProof(t, payer, payee, snap.ID, price)
		r := paidRoute(payee, NewProofVerifier(WithLedger(payee.gateway)))
		if w := get(r, proofHeader(t, proof)); w.Code != http.StatusPaymentRequired {
			t.Errorf("expected 402, got %d", w.Code)
		}
	})

	t.Run("garbage header", func(t *testing.T) {
		r := paidRoute(payee, NewProofVerifier(WithChannelReceipts(payee.manager)))
		if w := get(r, "!!not-base64!!"); w.Code != http.StatusPaymentRequired {
			t.Errorf("expected 402, got %d", w.Code)
		}
	})
}

func TestPaymentMiddleware_OnChainProof(t *testing.T) {
	book, payer, payee := pair(t)
	book.Fund(payer.address(), 1_000_000)
	settler := client.New(client.Config{PolicyID: testPolicy}, payer.signer, payer.gateway)
	r := paidRoute(payee, NewProofVerifier(WithLedger(payee.gateway)))

	envelope, err := DecodeDemandHeader(get(r, "").Header().Get(HeaderPaymentRequired), time.Now())
	if err != nil {
		t.Fatalf("decode demand: %v", err)
	}
	proof, err := settler.SettleDemand(context.Background(), envelope.Demand)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if book.Balance(payee.address()) != price {
		t.Fatalf("payee not paid: %d", book.Balance(payee.address()))
	}

	header := proofHeader(t, *proof)
	w := get(r, header)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	receipt, err := DecodeReceiptHeader(w.Header().Get(HeaderPaymentResponse))
	if err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt.TxHash != proof.OnChain.TxHash || receipt.Method != paycore.MethodOnChain {
		t.Errorf("unexpected receipt %+v", receipt)
	}

	if w := get(r, header); w.Code != http.StatusPaymentRequired {
		t.Errorf("replayed transaction accepted: %d", w.Code)
	}

	t.Run("unknown transaction", func(t *testing.T) {
		forged := *proof
		onChain := *proof.OnChain
		onChain.TxHash = "0x" + strings.Repeat("0", 64)
		forged.OnChain = &onChain
		if w := get(r, proofHeader(t, forged)); w.Code != http.StatusPaymentRequired {
			t.Errorf("expected 402, got %d", w.Code)
		}
	})

	t.Run("other network", func(t *testing.T) {
		forged := *proof
		onChain := *proof.OnChain
		onChain.TxHash = "0x" + strings.Repeat("1", 64)
		onChain.Network = "eip155:1"
		forged.OnChain = &onChain
		if w := get(r, proofHeader(t, forged)); w.Code != http.StatusPaymentRequired {
			t.Errorf("expected 402, got %d", w.Code)
		}
	})
}

func TestProofVerifier_FailedVerificationReleasesProof(t *testing.T) {
	book, payer, payee := pair(t)
	snap := openChannel(t, book, payer, payee, 10_000_000)
	proof := channelProof(t, payer, payee, snap.ID, price)
	v := NewProofVerifier(WithChannelReceipts(payee.manager))
	ctx := context.Background()

	// a price the receipt cannot cover does not consume it
	if _, err := v.Verify(ctx, proof, price+1, payee.address()); err == nil {
		t.Fatal("expected rejection")
	}
	credited, err := v.Verify(ctx, proof, price, payee.address())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if credited != price {
		t.Errorf("expected %d credited, got %d", price, credited)
	}
	_, err = v.Verify(ctx, proof, price, payee.address())
	expectCode(t, err, paycore.ErrCodeStaleOrInvalidUpdate)
}

func TestProofVerifier_BindsOnChainTransfer(t *testing.T) {
	book, payer, payee := pair(t)
	other := newPeer(t, book)
	book.Fund(payer.address(), 1_000_000)
	settler := client.New(client.Config{PolicyID: testPolicy}, payer.signer, payer.gateway)
	v := NewProofVerifier(WithLedger(payee.gateway))
	ctx := context.Background()

	pay := func(id, to string, amount paycore.Amount) paycore.Proof {
		t.Helper()
		proof, err := settler.SettleDemand(ctx, paycore.Demand{
			ID:          id,
			Amount:      amount,
			Destination: to,
			Accepts:     []paycore.SettlementMethod{paycore.MethodOnChain},
			Network:     book.Network(),
			Expiry:      time.Now().Add(time.Minute),
		})
		if err != nil {
			t.Fatalf("settle %s: %v", id, err)
		}
		return *proof
	}

	t.Run("other recipient", func(t *testing.T) {
		proof := pay("demand-other", other.address(), price)
		_, err := v.Verify(ctx, proof, price, payee.address())
		expectCode(t, err, paycore.ErrCodeInvalidDemand)
	})

	t.Run("underpaid", func(t *testing.T) {
		proof := pay("demand-short", payee.address(), price-1)
		_, err := v.Verify(ctx, proof, price, payee.address())
		expectCode(t, err, paycore.ErrCodeInvalidDemand)
	})

	t.Run("overpaid credits the transfer", func(t *testing.T) {
		proof := pay("demand-more", payee.address(), price+500)
		credited, err := v.Verify(ctx, proof, price, payee.address())
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if credited != price+500 {
			t.Errorf("expected %d credited, got %d", price+500, credited)
		}
	})
}
