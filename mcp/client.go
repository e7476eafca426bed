package mcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/cygnus-agents/paycore"
	"github.com/cygnus-agents/paycore/types"
)

// PayingClient calls MCP tools and pays for them when asked.
type PayingClient struct {
	session ToolCaller
	settler Settler
	options Options
	logger  *zap.Logger
	now     func() time.Time

	mu                   sync.RWMutex
	paymentRequiredHooks []PaymentRequiredHook
	beforePaymentHooks   []BeforePaymentHook
	afterPaymentHooks    []AfterPaymentHook
}

// ClientOption configures a PayingClient.
type ClientOption func(*PayingClient)

// WithClientLogger sets the logger.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *PayingClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClientClock overrides the clock used to upgrade legacy demands.
func WithClientClock(now func() time.Time) ClientOption {
	return func(c *PayingClient) {
		c.now = now
	}
}

// NewPayingClient wraps session. Demands are settled through settler.
func NewPayingClient(session ToolCaller, settler Settler, options Options, opts ...ClientOption) *PayingClient {
	c := &PayingClient{
		session: session,
		settler: settler,
		options: options,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "mcp_client"))
	return c
}

// Session returns the wrapped session.
func (c *PayingClient) Session() ToolCaller {
	return c.session
}

// OnPaymentRequired registers a hook run when a tool demands payment. The
// first hook returning a result decides.
func (c *PayingClient) OnPaymentRequired(hook PaymentRequiredHook) *PayingClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paymentRequiredHooks = append(c.paymentRequiredHooks, hook)
	return c
}

// OnBeforePayment registers a hook run before a demand is settled.
func (c *PayingClient) OnBeforePayment(hook BeforePaymentHook) *PayingClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beforePaymentHooks = append(c.beforePaymentHooks, hook)
	return c
}

// OnAfterPayment registers a hook run after the paid call returned.
func (c *PayingClient) OnAfterPayment(hook AfterPaymentHook) *PayingClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.afterPaymentHooks = append(c.afterPaymentHooks, hook)
	return c
}

func (c *PayingClient) hooks() ([]PaymentRequiredHook, []BeforePaymentHook, []AfterPaymentHook) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]PaymentRequiredHook(nil), c.paymentRequiredHooks...),
		append([]BeforePaymentHook(nil), c.beforePaymentHooks...),
		append([]AfterPaymentHook(nil), c.afterPaymentHooks...)
}

func (c *PayingClient) autoPayment() bool {
	return c.options.AutoPayment == nil || *c.options.AutoPayment
}

// CallTool calls name with args. When the tool answers with a demand the
// demand is settled and the call repeated once with the proof attached.
func (c *PayingClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolCallResult, error) {
	result, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("call tool %s: %w", name, err)
	}

	demand, err := ExtractDemandFromResult(result, c.now())
	if err != nil {
		return nil, err
	}
	if demand == nil {
		return c.toResult(result, false)
	}

	reqContext := PaymentRequiredContext{ToolName: name, Arguments: args, Demand: *demand}
	requiredHooks, beforeHooks, afterHooks := c.hooks()

	var proof *paycore.Proof
	for _, hook := range requiredHooks {
		hookResult, err := hook(reqContext)
		if err != nil {
			return nil, err
		}
		if hookResult == nil {
			continue
		}
		if hookResult.Abort {
			return nil, NewPaymentRequiredError("payment aborted by hook", demand)
		}
		if hookResult.Proof != nil {
			proof = hookResult.Proof
			break
		}
	}

	if proof == nil {
		if !c.autoPayment() {
			return nil, NewPaymentRequiredError(demandReason(demand), demand)
		}
		if c.options.OnPaymentRequested != nil {
			approved, err := c.options.OnPaymentRequested(reqContext)
			if err != nil {
				return nil, err
			}
			if !approved {
				return nil, NewPaymentRequiredError("payment request denied", demand)
			}
		}
		for _, hook := range beforeHooks {
			if err := hook(reqContext); err != nil {
				return nil, err
			}
		}
		proof, err = c.settler.SettleDemand(ctx, demand.Demand)
		if err != nil {
			c.logger.Info("settlement failed",
				zap.String("tool", name),
				zap.String("demand_id", demand.Demand.ID),
				zap.String("code", paycore.CodeOf(err)),
				zap.Error(err))
			return nil, err
		}
	}

	return c.callWithProof(ctx, name, args, *proof, demand.Resource, afterHooks)
}

// CallToolWithProof calls name with an existing proof attached.
func (c *PayingClient) CallToolWithProof(ctx context.Context, name string, args map[string]interface{}, proof paycore.Proof) (*ToolCallResult, error) {
	_, _, afterHooks := c.hooks()
	return c.callWithProof(ctx, name, args, proof, nil, afterHooks)
}

func (c *PayingClient) callWithProof(ctx context.Context, name string, args map[string]interface{}, proof paycore.Proof, resource *types.ResourceInfo, afterHooks []AfterPaymentHook) (*ToolCallResult, error) {
	result, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
		Meta:      AttachProofToMeta(nil, proof, resource),
	})
	if err != nil {
		return nil, fmt.Errorf("call tool %s: %w", name, err)
	}

	// a second demand means the server refused the proof
	demand, err := ExtractDemandFromResult(result, c.now())
	if err != nil {
		return nil, err
	}
	if demand != nil {
		return nil, NewPaymentRequiredError(demandReason(demand), demand)
	}

	out, err := c.toResult(result, true)
	if err != nil {
		return nil, err
	}
	for _, hook := range afterHooks {
		if err := hook(AfterPaymentContext{ToolName: name, Proof: proof, Result: out, Receipt: out.Receipt}); err != nil {
			c.logger.Warn("after payment hook failed", zap.String("tool", name), zap.Error(err))
		}
	}
	return out, nil
}

func (c *PayingClient) toResult(result *mcpsdk.CallToolResult, paid bool) (*ToolCallResult, error) {
	receipt, err := ExtractReceiptFromMeta(result.Meta)
	if err != nil {
		return nil, err
	}
	return &ToolCallResult{
		Content:           result.Content,
		StructuredContent: result.StructuredContent,
		IsError:           result.IsError,
		Receipt:           receipt,
		PaymentMade:       paid,
	}, nil
}

func demandReason(demand *types.DemandEnvelope) string {
	if demand.Error != "" {
		return demand.Error
	}
	return "payment required"
}
