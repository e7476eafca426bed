package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/cygnus-agents/paycore"
)

// Agent tool names.
const (
	ToolSettleDemand = "settle_demand"
	ToolOpenChannel  = "open_channel"
	ToolPayChannel   = "pay_channel"
	ToolCloseChannel = "close_channel"
	ToolListChannels = "list_channels"
	ToolDefinePolicy = "define_policy"
	ToolDeletePolicy = "delete_policy"
	ToolListPolicies = "list_policies"
)

// DefaultOpenTimeout bounds open_channel when the caller gives no timeout.
const DefaultOpenTimeout = 2 * time.Minute

// ChannelOperator is the channel surface exposed to agents.
// *channel.Manager implements it.
type ChannelOperator interface {
	OpenChannel(ctx context.Context, counterparty string, capacity paycore.Amount, timeout time.Duration) (paycore.ChannelSnapshot, error)
	ProposeUpdate(ctx context.Context, channelID string, amount paycore.Amount) (paycore.BalanceUpdate, error)
	CloseCooperative(ctx context.Context, channelID string) (paycore.Settlement, error)
	CloseUnilateral(ctx context.Context, channelID string) (paycore.ChannelSnapshot, error)
	Channel(id string) (paycore.ChannelSnapshot, error)
	Channels() []paycore.ChannelSnapshot
}

// PolicyAdmin manages spending policies. *policy.Signer implements it.
type PolicyAdmin interface {
	DefinePolicy(p paycore.Policy) (string, error)
	DeletePolicy(id string) error
	Policies() []paycore.Policy
}

// Tools exposes an agent's payment functions as MCP tools. Tools whose
// backing field is nil are not registered.
type Tools struct {
	Settler     Settler
	Channels    ChannelOperator
	Policies    PolicyAdmin
	OpenTimeout time.Duration
	Logger      *zap.Logger
}

// ChannelView is the agent-facing summary of a channel.
type ChannelView struct {
	ID              string         `json:"id"`
	Counterparty    string         `json:"counterparty"`
	Role            string         `json:"role"`
	Status          string         `json:"status"`
	Capacity        paycore.Amount `json:"capacity"`
	LocalBalance    paycore.Amount `json:"localBalance"`
	RemoteBalance   paycore.Amount `json:"remoteBalance"`
	Sequence        uint64         `json:"sequence"`
	EscrowTx        string         `json:"escrowTx,omitempty"`
	DisputeDeadline string         `json:"disputeDeadline,omitempty"`
}

// CloseView is the outcome of close_channel.
type CloseView struct {
	ChannelID     string `json:"channelId"`
	Status        string `json:"status"`
	TxHash        string `json:"txHash,omitempty"`
	FinalSequence uint64 `json:"finalSequence"`
	Forced        bool   `json:"forced,omitempty"`
}

// ViewOf summarizes snap.
func ViewOf(snap paycore.ChannelSnapshot) ChannelView {
	local := snap.LocalBalance()
	view := ChannelView{
		ID:            snap.ID,
		Counterparty:  snap.Counterparty(),
		Role:          snap.LocalRole.String(),
		Status:        string(snap.Status),
		Capacity:      snap.Capacity,
		LocalBalance:  local,
		RemoteBalance: snap.Capacity - local,
		Sequence:      snap.Sequence,
		EscrowTx:      snap.EscrowTx,
	}
	if !snap.DisputeDeadline.IsZero() {
		view.DisputeDeadline = snap.DisputeDeadline.UTC().Format(time.RFC3339)
	}
	return view
}

type toolFunc func(ctx context.Context, args json.RawMessage) (interface{}, error)

// NewServer returns an MCP server with t registered.
func (t *Tools) NewServer(impl *mcpsdk.Implementation) *mcpsdk.Server {
	server := mcpsdk.NewServer(impl, nil)
	t.Register(server)
	return server
}

// Register adds the tools to server and returns their names.
func (t *Tools) Register(server *mcpsdk.Server) []string {
	var names []string
	add := func(name, description string, schema map[string]interface{}, fn toolFunc) {
		server.AddTool(&mcpsdk.Tool{Name: name, Description: description, InputSchema: schema}, t.handler(name, fn))
		names = append(names, name)
	}

	if t.Settler != nil {
		add(ToolSettleDemand, "Pay a demand by channel or on-chain transfer and return the proof.",
			objectSchema([]string{"id", "amount", "destination", "accepts", "expiry"}, map[string]interface{}{
				"id":          prop("string", "Demand identifier"),
				"amount":      prop("integer", "Amount in minor units"),
				"destination": prop("string", "Payee address"),
				"accepts":     map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string", "enum": []string{"channel", "onchain"}}},
				"expiry":      prop("string", "RFC 3339 expiry"),
				"network":     prop("string", "CAIP-2 network"),
				"asset":       prop("string", "Asset identifier"),
				"resource":    prop("string", "Resource being paid for"),
			}),
			t.settleDemand)
	}
	if t.Channels != nil {
		add(ToolOpenChannel, "Open a payment channel funded with capacity.",
			objectSchema([]string{"counterparty", "capacity"}, map[string]interface{}{
				"counterparty":   prop("string", "Counterparty address"),
				"capacity":       prop("integer", "Escrowed amount in minor units"),
				"timeoutSeconds": prop("integer", "Seconds to wait for the escrow to confirm"),
			}),
			t.openChannel)
		add(ToolPayChannel, "Pay the counterparty of an open channel.",
			objectSchema([]string{"channelId", "amount"}, map[string]interface{}{
				"channelId": prop("string", "Channel identifier"),
				"amount":    prop("integer", "Amount in minor units"),
			}),
			t.payChannel)
		add(ToolCloseChannel, "Close a channel cooperatively, or unilaterally when force is set.",
			objectSchema([]string{"channelId"}, map[string]interface{}{
				"channelId": prop("string", "Channel identifier"),
				"force":     prop("boolean", "Submit the latest state without the counterparty"),
			}),
			t.closeChannel)
		add(ToolListChannels, "List known channels.", objectSchema(nil, nil), t.listChannels)
	}
	if t.Policies != nil {
		add(ToolDefinePolicy, "Create or replace a spending policy.",
			objectSchema([]string{"maxAmount"}, map[string]interface{}{
				"id":                  prop("string", "Policy identifier, generated when empty"),
				"name":                prop("string", "Display name"),
				"maxAmount":           prop("integer", "Largest single transfer"),
				"allowedRecipients":   map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				"requireSecondSigner": prop("boolean", "Escalate every transfer"),
				"riskThreshold":       prop("number", "Escalate transfers scoring at or above this"),
			}),
			t.definePolicy)
		add(ToolDeletePolicy, "Delete a spending policy.",
			objectSchema([]string{"policyId"}, map[string]interface{}{
				"policyId": prop("string", "Policy identifier"),
			}),
			t.deletePolicy)
		add(ToolListPolicies, "List spending policies.", objectSchema(nil, nil), t.listPolicies)
	}
	return names
}

func (t *Tools) logger() *zap.Logger {
	if t.Logger == nil {
		return zap.NewNop()
	}
	return t.Logger
}

func (t *Tools) handler(name string, fn toolFunc) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		out, err := fn(ctx, req.Params.Arguments)
		if err != nil {
			t.logger().Info("tool failed",
				zap.String("tool", name),
				zap.String("code", paycore.CodeOf(err)),
				zap.Error(err))
			return errorResult(err), nil
		}
		return jsonResult(out)
	}
}

func (t *Tools) settleDemand(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var demand paycore.Demand
	if err := decodeArgs(args, &demand); err != nil {
		return nil, err
	}
	if err := paycore.ValidateDemand(demand); err != nil {
		return nil, err
	}
	return t.Settler.SettleDemand(ctx, demand)
}

func (t *Tools) openChannel(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var in struct {
		Counterparty   string         `json:"counterparty"`
		Capacity       paycore.Amount `json:"capacity"`
		TimeoutSeconds int            `json:"timeoutSeconds"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	timeout := t.OpenTimeout
	if in.TimeoutSeconds > 0 {
		timeout = time.Duration(in.TimeoutSeconds) * time.Second
	}
	if timeout <= 0 {
		timeout = DefaultOpenTimeout
	}
	snap, err := t.Channels.OpenChannel(ctx, in.Counterparty, in.Capacity, timeout)
	if err != nil {
		return nil, err
	}
	return ViewOf(snap), nil
}

func (t *Tools) payChannel(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var in struct {
		ChannelID string         `json:"channelId"`
		Amount    paycore.Amount `json:"amount"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if _, err := t.Channels.ProposeUpdate(ctx, in.ChannelID, in.Amount); err != nil {
		return nil, err
	}
	snap, err := t.Channels.Channel(in.ChannelID)
	if err != nil {
		return nil, err
	}
	return ViewOf(snap), nil
}

func (t *Tools) closeChannel(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var in struct {
		ChannelID string `json:"channelId"`
		Force     bool   `json:"force"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.Force {
		snap, err := t.Channels.CloseUnilateral(ctx, in.ChannelID)
		if err != nil {
			return nil, err
		}
		return CloseView{ChannelID: snap.ID, Status: string(snap.Status), FinalSequence: snap.Sequence, Forced: true}, nil
	}
	settlement, err := t.Channels.CloseCooperative(ctx, in.ChannelID)
	if err != nil {
		return nil, err
	}
	view := CloseView{
		ChannelID:     settlement.ChannelID,
		TxHash:        settlement.TxHash,
		FinalSequence: settlement.Final.Sequence,
		Forced:        settlement.Forced,
	}
	if snap, err := t.Channels.Channel(settlement.ChannelID); err == nil {
		view.Status = string(snap.Status)
	} else {
		view.Status = string(paycore.ChannelClosed)
	}
	return view, nil
}

func (t *Tools) listChannels(context.Context, json.RawMessage) (interface{}, error) {
	snaps := t.Channels.Channels()
	views := make([]ChannelView, 0, len(snaps))
	for _, snap := range snaps {
		views = append(views, ViewOf(snap))
	}
	return map[string]interface{}{"channels": views}, nil
}

func (t *Tools) definePolicy(_ context.Context, args json.RawMessage) (interface{}, error) {
	var p paycore.Policy
	if err := decodeArgs(args, &p); err != nil {
		return nil, err
	}
	id, err := t.Policies.DefinePolicy(p)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"policyId": id}, nil
}

func (t *Tools) deletePolicy(_ context.Context, args json.RawMessage) (interface{}, error) {
	var in struct {
		PolicyID string `json:"policyId"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if err := t.Policies.DeletePolicy(in.PolicyID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"deleted": in.PolicyID}, nil
}

func (t *Tools) listPolicies(context.Context, json.RawMessage) (interface{}, error) {
	policies := t.Policies.Policies()
	if policies == nil {
		policies = []paycore.Policy{}
	}
	return map[string]interface{}{"policies": policies}, nil
}

func decodeArgs(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return paycore.Wrap(err, paycore.ErrCodeDecode, "malformed tool arguments")
	}
	return nil
}

func objectSchema(required []string, properties map[string]interface{}) map[string]interface{} {
	schema := map[string]interface{}{"type": "object"}
	if len(properties) > 0 {
		schema["properties"] = properties
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func prop(typ, description string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": description}
}

func jsonResult(v interface{}) (*mcpsdk.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	var structured interface{}
	if err := json.Unmarshal(data, &structured); err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return &mcpsdk.CallToolResult{
		Content:           []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
		StructuredContent: structured,
	}, nil
}

// errorResult reports err to the agent with its code and whether a retry
// can help.
func errorResult(err error) *mcpsdk.CallToolResult {
	body := map[string]interface{}{
		"code":      paycore.CodeOf(err),
		"message":   err.Error(),
		"retryable": paycore.IsRetryable(err),
	}
	data, _ := json.Marshal(body)
	return &mcpsdk.CallToolResult{
		Content:           []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
		StructuredContent: body,
		IsError:           true,
	}
}
