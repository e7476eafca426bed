package mcp

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cygnus-agents/paycore"
	"github.com/cygnus-agents/paycore/policy"
	evmsigner "github.com/cygnus-agents/paycore/signers/evm"
)

// fakeChannels keeps channels in memory with the payer as role A.
type fakeChannels struct {
	channels map[string]paycore.ChannelSnapshot
	opened   time.Duration
}

func newFakeChannels() *fakeChannels {
	return &fakeChannels{channels: make(map[string]paycore.ChannelSnapshot)}
}

func (f *fakeChannels) OpenChannel(_ context.Context, counterparty string, capacity paycore.Amount, timeout time.Duration) (paycore.ChannelSnapshot, error) {
	if capacity == 0 {
		return paycore.ChannelSnapshot{}, paycore.NewPaymentError(paycore.ErrCodeCapacityOutOfRange, "capacity must be positive", nil)
	}
	f.opened = timeout
	snap := paycore.ChannelSnapshot{
		ID:           "0xc1",
		ParticipantA: "0xpayer",
		ParticipantB: counterparty,
		LocalRole:    paycore.RoleA,
		Capacity:     capacity,
		BalanceA:     capacity,
		Status:       paycore.ChannelActive,
		EscrowTx:     "0xescrow",
	}
	f.channels[snap.ID] = snap
	return snap, nil
}

func (f *fakeChannels) ProposeUpdate(_ context.Context, channelID string, amount paycore.Amount) (paycore.BalanceUpdate, error) {
	snap, err := f.Channel(channelID)
	if err != nil {
		return paycore.BalanceUpdate{}, err
	}
	if amount > snap.BalanceA {
		return paycore.BalanceUpdate{}, paycore.NewPaymentError(paycore.ErrCodeCapacityExceeded, "insufficient channel balance", nil)
	}
	snap.BalanceA -= amount
	snap.BalanceB += amount
	snap.Sequence++
	f.channels[channelID] = snap
	return paycore.BalanceUpdate{ChannelID: channelID, BalanceA: snap.BalanceA, BalanceB: snap.BalanceB, Sequence: snap.Sequence}, nil
}

func (f *fakeChannels) CloseCooperative(_ context.Context, channelID string) (paycore.Settlement, error) {
	snap, err := f.Channel(channelID)
	if err != nil {
		return paycore.Settlement{}, err
	}
	snap.Status = paycore.ChannelClosed
	f.channels[channelID] = snap
	return paycore.Settlement{ChannelID: channelID, TxHash: "0xclose", Final: paycore.BalanceUpdate{Sequence: snap.Sequence + 1, Final: true}}, nil
}

func (f *fakeChannels) CloseUnilateral(_ context.Context, channelID string) (paycore.ChannelSnapshot, error) {
	snap, err := f.Channel(channelID)
	if err != nil {
		return paycore.ChannelSnapshot{}, err
	}
	snap.Status = paycore.ChannelDisputing
	snap.DisputeDeadline = time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	f.channels[channelID] = snap
	return snap, nil
}

func (f *fakeChannels) Channel(id string) (paycore.ChannelSnapshot, error) {
	snap, ok := f.channels[id]
	if !ok {
		return paycore.ChannelSnapshot{}, paycore.NewPaymentError(paycore.ErrCodeChannelNotFound, "channel not found", nil)
	}
	return snap, nil
}

func (f *fakeChannels) Channels() []paycore.ChannelSnapshot {
	out := make([]paycore.ChannelSnapshot, 0, len(f.channels))
	for _, snap := range f.channels {
		out = append(out, snap)
	}
	return out
}

func toolSession(t *testing.T, tools *Tools) *mcpsdk.ClientSession {
	t.Helper()
	return connect(t, tools.NewServer(&mcpsdk.Implementation{Name: "paycore", Version: "1.0.0"}))
}

func call(t *testing.T, session *mcpsdk.ClientSession, name string, args map[string]interface{}, out interface{}) *mcpsdk.CallToolResult {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("call %s: %v", name, err)
	}
	if out != nil && !result.IsError {
		tc, ok := result.Content[0].(*mcpsdk.TextContent)
		if !ok {
			t.Fatalf("call %s: expected text content", name)
		}
		if err := json.Unmarshal([]byte(tc.Text), out); err != nil {
			t.Fatalf("call %s: decode result: %v", name, err)
		}
	}
	return result
}

func errorCode(t *testing.T, result *mcpsdk.CallToolResult) string {
	t.Helper()
	if !result.IsError {
		t.Fatal("expected error result")
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal([]byte(result.Content[0].(*mcpsdk.TextContent).Text), &body); err != nil {
		t.Fatalf("decode error result: %v", err)
	}
	return body.Code
}

func TestTools_Register(t *testing.T) {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "paycore", Version: "1.0.0"}, nil)
	names := (&Tools{Channels: newFakeChannels()}).Register(server)
	sort.Strings(names)
	want := []string{ToolCloseChannel, ToolListChannels, ToolOpenChannel, ToolPayChannel}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("expected %v, got %v", want, names)
		}
	}

	session := connect(t, server)
	listed, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(listed.Tools) != len(want) {
		t.Errorf("expected %d tools, got %d", len(want), len(listed.Tools))
	}
}

func TestTools_ChannelLifecycle(t *testing.T) {
	channels := newFakeChannels()
	session := toolSession(t, &Tools{Channels: channels, OpenTimeout: time.Minute})

	var opened ChannelView
	call(t, session, ToolOpenChannel, map[string]interface{}{"counterparty": "0xpayee", "capacity": 10_000}, &opened)
	if opened.ID != "0xc1" || opened.LocalBalance != 10_000 || opened.Role != "A" || opened.Counterparty != "0xpayee" {
		t.Errorf("unexpected channel %+v", opened)
	}
	if channels.opened != time.Minute {
		t.Errorf("expected the configured timeout, got %s", channels.opened)
	}

	var paid ChannelView
	call(t, session, ToolPayChannel, map[string]interface{}{"channelId": "0xc1", "amount": 2_500}, &paid)
	if paid.Sequence != 1 || paid.LocalBalance != 7_500 || paid.RemoteBalance != 2_500 {
		t.Errorf("unexpected channel %+v", paid)
	}

	var listed struct {
		Channels []ChannelView `json:"channels"`
	}
	call(t, session, ToolListChannels, nil, &listed)
	if len(listed.Channels) != 1 || listed.Channels[0].Sequence != 1 {
		t.Errorf("unexpected listing %+v", listed)
	}

	var closed CloseView
	call(t, session, ToolCloseChannel, map[string]interface{}{"channelId": "0xc1"}, &closed)
	if closed.Status != string(paycore.ChannelClosed) || closed.TxHash != "0xclose" || closed.FinalSequence != 2 {
		t.Errorf("unexpected close %+v", closed)
	}
}

func TestTools_ForceClose(t *testing.T) {
	channels := newFakeChannels()
	session := toolSession(t, &Tools{Channels: channels})
	call(t, session, ToolOpenChannel, map[string]interface{}{"counterparty": "0xpayee", "capacity": 10_000, "timeoutSeconds": 5}, nil)
	if channels.opened != 5*time.Second {
		t.Errorf("expected 5s timeout, got %s", channels.opened)
	}

	var closed CloseView
	call(t, session, ToolCloseChannel, map[string]interface{}{"channelId": "0xc1", "force": true}, &closed)
	if !closed.Forced || closed.Status != string(paycore.ChannelDisputing) {
		t.Errorf("unexpected close %+v", closed)
	}
	var listed struct {
		Channels []ChannelView `json:"channels"`
	}
	call(t, session, ToolListChannels, nil, &listed)
	if listed.Channels[0].DisputeDeadline != "2026-03-05T10:00:00Z" {
		t.Errorf("unexpected deadline %q", listed.Channels[0].DisputeDeadline)
	}
}

func TestTools_Errors(t *testing.T) {
	session := toolSession(t, &Tools{Channels: newFakeChannels(), Settler: &fakeSettler{}})

	tests := []struct {
		name string
		tool string
		args map[string]interface{}
		code string
	}{
		{"unknown channel", ToolPayChannel, map[string]interface{}{"channelId": "0xdead", "amount": 1}, paycore.ErrCodeChannelNotFound},
		{"zero capacity", ToolOpenChannel, map[string]interface{}{"counterparty": "0xpayee", "capacity": 0}, paycore.ErrCodeCapacityOutOfRange},
		{"invalid demand", ToolSettleDemand, map[string]interface{}{"id": "d-1", "amount": 0, "destination": "0xpayee", "accepts": []string{"onchain"}, "expiry": "2026-03-04T10:31:00Z"}, paycore.ErrCodeInvalidDemand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := call(t, session, tt.tool, tt.args, nil)
			if got := errorCode(t, result); got != tt.code {
				t.Errorf("expected %s, got %s", tt.code, got)
			}
		})
	}
}

func TestTools_SettleDemand(t *testing.T) {
	settler := &fakeSettler{}
	session := toolSession(t, &Tools{Settler: settler})

	var proof paycore.Proof
	call(t, session, ToolSettleDemand, map[string]interface{}{
		"id":          "d-9",
		"amount":      1_000,
		"destination": payee,
		"accepts":     []string{"onchain"},
		"expiry":      time.Now().Add(time.Minute).UTC().Format(time.RFC3339),
	}, &proof)
	if proof.DemandID != "d-9" || proof.Method != paycore.MethodOnChain {
		t.Errorf("unexpected proof %+v", proof)
	}
	if settler.settled() != 1 {
		t.Errorf("expected one settlement, got %d", settler.settled())
	}
}

func TestTools_Policies(t *testing.T) {
	key, err := evmsigner.GenerateKeySigner()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := policy.NewSigner(key)
	session := toolSession(t, &Tools{Policies: signer})

	var defined struct {
		PolicyID string `json:"policyId"`
	}
	call(t, session, ToolDefinePolicy, map[string]interface{}{
		"name":              "daily",
		"maxAmount":         5_000,
		"allowedRecipients": []string{payee},
	}, &defined)
	if defined.PolicyID == "" {
		t.Fatal("expected a generated policy id")
	}
	p, ok := signer.Policy(defined.PolicyID)
	if !ok || p.MaxAmount != 5_000 || len(p.AllowedRecipients) != 1 {
		t.Errorf("unexpected policy %+v", p)
	}

	var listed struct {
		Policies []paycore.Policy `json:"policies"`
	}
	call(t, session, ToolListPolicies, nil, &listed)
	if len(listed.Policies) != 1 || listed.Policies[0].Name != "daily" {
		t.Errorf("unexpected policies %+v", listed.Policies)
	}

	call(t, session, ToolDeletePolicy, map[string]interface{}{"policyId": defined.PolicyID}, nil)
	if _, ok := signer.Policy(defined.PolicyID); ok {
		t.Error("policy survived deletion")
	}
	result := call(t, session, ToolDeletePolicy, map[string]interface{}{"policyId": defined.PolicyID}, nil)
	if got := errorCode(t, result); got != paycore.ErrCodePolicyNotFound {
		t.Errorf("expected policy_not_found, got %s", got)
	}
}

func TestDecodeArgs(t *testing.T) {
	var in struct {
		Amount paycore.Amount `json:"amount"`
	}
	if err := decodeArgs(nil, &in); err != nil {
		t.Errorf("empty arguments rejected: %v", err)
	}
	err := decodeArgs(json.RawMessage(`{"amount":"lots"}`), &in)
	if paycore.CodeOf(err) != paycore.ErrCodeDecode {
		t.Errorf("expected decode_error, got %v", err)
	}
}
