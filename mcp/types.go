package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cygnus-agents/paycore"
	"github.com/cygnus-agents/paycore/types"
)

const (
	// PaymentRequiredCode is the code carried by payment required errors.
	PaymentRequiredCode = 402

	// MetaKeyPayment is the _meta key holding a proof (client to server).
	MetaKeyPayment = "paycore/payment"

	// MetaKeyPaymentResponse is the _meta key holding a receipt (server to client).
	MetaKeyPaymentResponse = "paycore/payment-response"

	// ToolResourcePrefix prefixes the resource URL of a paid tool.
	ToolResourcePrefix = "mcp://tool/"
)

// Settler turns a demand into a proof of payment. *client.Client implements it.
type Settler interface {
	SettleDemand(ctx context.Context, demand paycore.Demand) (*paycore.Proof, error)
}

// Verifier checks that a proof pays price to payee and redeems it.
// *http.ProofVerifier implements it.
type Verifier interface {
	Verify(ctx context.Context, proof paycore.Proof, price paycore.Amount, payee string) (paycore.Amount, error)
}

// ToolCaller calls tools on an MCP server. *mcpsdk.ClientSession implements it.
type ToolCaller interface {
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
}

// PaymentRequiredContext is provided to payment required hooks.
type PaymentRequiredContext struct {
	ToolName  string
	Arguments map[string]interface{}
	Demand    types.DemandEnvelope
}

// PaymentRequiredHookResult is returned from payment required hooks. A
// non-nil Proof is used instead of settling the demand.
type PaymentRequiredHookResult struct {
	Proof *paycore.Proof
	Abort bool
}

// PaymentRequiredHook is called when a tool answers with a demand.
type PaymentRequiredHook func(context PaymentRequiredContext) (*PaymentRequiredHookResult, error)

// BeforePaymentHook is called before a demand is settled.
type BeforePaymentHook func(context PaymentRequiredContext) error

// AfterPaymentHook is called after the paid call returned.
type AfterPaymentHook func(context AfterPaymentContext) error

// AfterPaymentContext is provided to after payment hooks.
type AfterPaymentContext struct {
	ToolName string
	Proof    paycore.Proof
	Result   *ToolCallResult
	Receipt  *types.SettlementReceipt
}

// Options configures PayingClient behavior.
type Options struct {
	// AutoPayment settles demands without asking. Nil means true.
	AutoPayment *bool

	// OnPaymentRequested approves or denies a payment before it is made.
	OnPaymentRequested func(context PaymentRequiredContext) (bool, error)
}

// BoolPtr returns a pointer to b.
//
//	options := mcp.Options{AutoPayment: mcp.BoolPtr(false)}
func BoolPtr(b bool) *bool {
	return &b
}

// ToolCallResult is the result of a tool call through a PayingClient.
type ToolCallResult struct {
	Content           []mcpsdk.Content
	StructuredContent interface{}
	IsError           bool
	Receipt           *types.SettlementReceipt
	PaymentMade       bool
}

// ServerHookContext is provided to server hooks.
type ServerHookContext struct {
	ToolName  string
	Arguments map[string]interface{}
	Proof     paycore.Proof
	Credited  paycore.Amount
}

// AfterExecutionContext is provided to after execution hooks.
type AfterExecutionContext struct {
	ServerHookContext
	Result *mcpsdk.CallToolResult
}

// BeforeExecutionHook can block a paid call after its proof verified.
type BeforeExecutionHook func(context ServerHookContext) (bool, error)

// AfterExecutionHook is called once the tool ran.
type AfterExecutionHook func(context AfterExecutionContext) error

// PaymentWrapperHooks holds server-side hooks.
type PaymentWrapperHooks struct {
	OnBeforeExecution BeforeExecutionHook
	OnAfterExecution  AfterExecutionHook
}
