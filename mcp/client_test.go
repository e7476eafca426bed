package mcp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cygnus-agents/paycore"
	"github.com/cygnus-agents/paycore/circuitbreaker"
	"github.com/cygnus-agents/paycore/client"
	paycorehttp "github.com/cygnus-agents/paycore/http"
	"github.com/cygnus-agents/paycore/ledger"
	"github.com/cygnus-agents/paycore/policy"
	"github.com/cygnus-agents/paycore/retry"
	evmsigner "github.com/cygnus-agents/paycore/signers/evm"
	"github.com/cygnus-agents/paycore/test/mocks/cash"
)

type fakeSettler struct {
	mu      sync.Mutex
	demands []paycore.Demand
	err     error
}

func (s *fakeSettler) SettleDemand(_ context.Context, demand paycore.Demand) (*paycore.Proof, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.demands = append(s.demands, demand)
	if s.err != nil {
		return nil, s.err
	}
	proof := onChainProof(demand.ID)
	return &proof, nil
}

func (s *fakeSettler) settled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.demands)
}

// connect serves server in memory and returns a connected client session.
func connect(t *testing.T, server *mcpsdk.Server) *mcpsdk.ClientSession {
	t.Helper()
	ctx := context.Background()
	serverTransport, clientTransport := mcpsdk.NewInMemoryTransports()
	serverSession, err := server.Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = serverSession.Close() })

	c := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-agent", Version: "1.0.0"}, nil)
	session, err := c.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return session
}

// weatherServer serves a paid get_weather and a free ping.
func weatherServer(t *testing.T, verifier Verifier) (*mcpsdk.ClientSession, *int) {
	t.Helper()
	calls := new(int)
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "weather", Version: "1.0.0"}, nil)
	paid := NewPaymentWrapper(verifier, PaymentWrapperConfig{Price: price, Payee: payee})
	server.AddTool(&mcpsdk.Tool{Name: "get_weather", InputSchema: objectSchema(nil, nil)}, paid.Wrap(weatherHandler(calls)))
	server.AddTool(&mcpsdk.Tool{Name: "ping", InputSchema: objectSchema(nil, nil)},
		func(context.Context, *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "pong"}}}, nil
		})
	return connect(t, server), calls
}

func text(result *ToolCallResult) string {
	if len(result.Content) == 0 {
		return ""
	}
	if tc, ok := result.Content[0].(*mcpsdk.TextContent); ok {
		return tc.Text
	}
	return ""
}

func TestPayingClient_AutoPayment(t *testing.T) {
	session, calls := weatherServer(t, &fakeVerifier{})
	settler := &fakeSettler{}
	var after *AfterPaymentContext
	c := NewPayingClient(session, settler, Options{})
	c.OnAfterPayment(func(ctx AfterPaymentContext) error {
		after = &ctx
		return nil
	})

	result, err := c.CallTool(context.Background(), "get_weather", map[string]interface{}{"city": "NYC"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !result.PaymentMade || result.IsError || text(result) != "sunny" {
		t.Errorf("unexpected result %+v", result)
	}
	if result.Receipt == nil || result.Receipt.Amount != price || result.Receipt.Method != paycore.MethodOnChain {
		t.Errorf("unexpected receipt %+v", result.Receipt)
	}
	if settler.settled() != 1 || *calls != 1 {
		t.Errorf("expected one settlement and one tool call, got %d and %d", settler.settled(), *calls)
	}
	if after == nil || after.Receipt == nil || after.Proof.DemandID != result.Receipt.DemandID {
		t.Errorf("unexpected after payment context %+v", after)
	}
}

func TestPayingClient_FreeTool(t *testing.T) {
	session, _ := weatherServer(t, &fakeVerifier{})
	settler := &fakeSettler{}
	result, err := NewPayingClient(session, settler, Options{}).CallTool(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if result.PaymentMade || text(result) != "pong" || settler.settled() != 0 {
		t.Errorf("free tool was paid for: %+v", result)
	}
}

func TestPayingClient_Declines(t *testing.T) {
	tests := []struct {
		name    string
		options Options
		hook    PaymentRequiredHook
	}{
		{name: "auto payment off", options: Options{AutoPayment: BoolPtr(false)}},
		{
			name: "denied",
			options: Options{OnPaymentRequested: func(ctx PaymentRequiredContext) (bool, error) {
				return ctx.Demand.Demand.Amount < price, nil
			}},
		},
		{
			name: "aborted by hook",
			hook: func(PaymentRequiredContext) (*PaymentRequiredHookResult, error) {
				return &PaymentRequiredHookResult{Abort: true}, nil
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, calls := weatherServer(t, &fakeVerifier{})
			settler := &fakeSettler{}
			c := NewPayingClient(session, settler, tt.options)
			if tt.hook != nil {
				c.OnPaymentRequired(tt.hook)
			}
			_, err := c.CallTool(context.Background(), "get_weather", nil)
			if !IsPaymentRequiredError(err) {
				t.Fatalf("expected payment required error, got %v", err)
			}
			demand, ok := DemandFromError(err)
			if !ok || demand.Demand.Amount != price {
				t.Errorf("unexpected demand %+v", demand)
			}
			if settler.settled() != 0 || *calls != 0 {
				t.Error("declined payment was made")
			}
		})
	}
}

func TestPayingClient_HookProvidesProof(t *testing.T) {
	session, calls := weatherServer(t, &fakeVerifier{})
	settler := &fakeSettler{}
	c := NewPayingClient(session, settler, Options{})
	c.OnPaymentRequired(func(ctx PaymentRequiredContext) (*PaymentRequiredHookResult, error) {
		proof := onChainProof("prepaid-" + ctx.Demand.Demand.ID)
		return &PaymentRequiredHookResult{Proof: &proof}, nil
	})

	result, err := c.CallTool(context.Background(), "get_weather", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !result.PaymentMade || *calls != 1 || settler.settled() != 0 {
		t.Errorf("expected the hook proof to be used, got %+v", result)
	}
}

func TestPayingClient_SettlementFails(t *testing.T) {
	session, calls := weatherServer(t, &fakeVerifier{})
	settler := &fakeSettler{err: paycore.NewPaymentError(paycore.ErrCodePolicyRejected, "over limit", nil)}
	var before int
	c := NewPayingClient(session, settler, Options{})
	c.OnBeforePayment(func(PaymentRequiredContext) error {
		before++
		return nil
	})

	_, err := c.CallTool(context.Background(), "get_weather", nil)
	if !paycore.IsCode(err, paycore.ErrCodePolicyRejected) {
		t.Errorf("expected policy_rejected, got %v", err)
	}
	if before != 1 || *calls != 0 {
		t.Errorf("expected one before hook and no tool call, got %d and %d", before, *calls)
	}
}

func TestPayingClient_ProofRejected(t *testing.T) {
	session, _ := weatherServer(t, &fakeVerifier{err: errors.New("ledger unavailable")})
	_, err := NewPayingClient(session, &fakeSettler{}, Options{}).CallTool(context.Background(), "get_weather", nil)
	if !IsPaymentRequiredError(err) {
		t.Fatalf("expected payment required error, got %v", err)
	}
	if demand, _ := DemandFromError(err); demand == nil || demand.Error != "ledger unavailable" {
		t.Errorf("expected the rejection reason, got %+v", demand)
	}
}

// TestPaidToolOnChain pays a tool with a real on-chain transfer that the
// server checks against the ledger.
func TestPaidToolOnChain(t *testing.T) {
	book := cash.NewLedger()
	noSleep := func(context.Context, time.Duration) error { return nil }
	gateway := func() *ledger.Gateway {
		return ledger.NewGateway(book, circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), nil),
			retry.New(retry.Policy{MaxRetries: 2}, retry.WithSleeper(noSleep)),
			ledger.WithPollInterval(2*time.Millisecond))
	}

	key, err := evmsigner.GenerateKeySigner()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := policy.NewSigner(key)
	if _, err := signer.DefinePolicy(paycore.Policy{ID: "agents", MaxAmount: 10_000}); err != nil {
		t.Fatalf("define policy: %v", err)
	}
	book.Fund(key.Address(), 5_000)
	settler := client.New(client.Config{PolicyID: "agents"}, signer, gateway())

	calls := 0
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "weather", Version: "1.0.0"}, nil)
	paid := NewPaymentWrapper(paycorehttp.NewProofVerifier(paycorehttp.WithLedger(gateway())),
		PaymentWrapperConfig{Price: price, Payee: payee, Accepts: []paycore.SettlementMethod{paycore.MethodOnChain}})
	server.AddTool(&mcpsdk.Tool{Name: "get_weather", InputSchema: objectSchema(nil, nil)}, paid.Wrap(weatherHandler(&calls)))

	c := NewPayingClient(connect(t, server), settler, Options{})
	result, err := c.CallTool(context.Background(), "get_weather", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if result.Receipt == nil || result.Receipt.TxHash == "" || calls != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if book.Balance(payee) != price || book.Balance(key.Address()) != 5_000-price {
		t.Errorf("unexpected balances payee=%d payer=%d", book.Balance(payee), book.Balance(key.Address()))
	}

	// the same transaction cannot pay twice
	proof := onChainProof(result.Receipt.DemandID)
	proof.OnChain.TxHash = result.Receipt.TxHash
	proof.OnChain.Network = result.Receipt.Network
	if _, err := c.CallToolWithProof(context.Background(), "get_weather", nil, proof); !IsPaymentRequiredError(err) {
		t.Errorf("expected replay to be refused, got %v", err)
	}
}
