package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/cygnus-agents/paycore"
	"github.com/cygnus-agents/paycore/types"
)

// DefaultDemandTTL is how long a demand issued for a tool call stays valid.
const DefaultDemandTTL = 60 * time.Second

// PaymentWrapperConfig configures a PaymentWrapper.
type PaymentWrapperConfig struct {
	Price   paycore.Amount
	Payee   string
	Network paycore.Network
	Asset   paycore.Asset
	// Accepts defaults to channel and on-chain settlement.
	Accepts    []paycore.SettlementMethod
	DemandTTL  time.Duration
	Resource   *types.ResourceInfo
	Extensions []types.DemandExtension
	Hooks      *PaymentWrapperHooks
	Logger     *zap.Logger
}

// PaymentWrapper puts tool handlers behind a price.
type PaymentWrapper struct {
	verifier Verifier
	config   PaymentWrapperConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewPaymentWrapper returns a wrapper charging config.Price to config.Payee.
// It panics when either is missing.
func NewPaymentWrapper(verifier Verifier, config PaymentWrapperConfig) *PaymentWrapper {
	if config.Price == 0 {
		panic("PaymentWrapperConfig.Price must be positive")
	}
	if config.Payee == "" {
		panic("PaymentWrapperConfig.Payee is required")
	}
	if len(config.Accepts) == 0 {
		config.Accepts = []paycore.SettlementMethod{paycore.MethodChannel, paycore.MethodOnChain}
	}
	if config.DemandTTL <= 0 {
		config.DemandTTL = DefaultDemandTTL
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentWrapper{
		verifier: verifier,
		config:   config,
		logger:   logger.With(zap.String("component", "mcp_payment")),
		now:      time.Now,
	}
}

// Wrap returns handler guarded by payment. The receipt of a paid call is
// returned under MetaKeyPaymentResponse in the result _meta.
func (w *PaymentWrapper) Wrap(handler mcpsdk.ToolHandler) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		toolName := req.Params.Name
		if toolName == "" && w.config.Resource != nil {
			toolName = toolNameFromResource(w.config.Resource.URL)
		}
		if toolName == "" {
			toolName = "paid_tool"
		}

		proof, err := ExtractProofFromMeta(req.Params.Meta)
		if err != nil {
			return w.paymentRequired(toolName, err.Error())
		}
		if proof == nil {
			return w.paymentRequired(toolName, "payment required to access this tool")
		}

		credited, err := w.verifier.Verify(ctx, *proof, w.config.Price, w.config.Payee)
		if err != nil {
			w.logger.Info("proof rejected",
				zap.String("tool", toolName),
				zap.String("demand_id", proof.DemandID),
				zap.String("code", paycore.CodeOf(err)),
				zap.Error(err))
			return w.paymentRequired(toolName, err.Error())
		}

		hookContext := ServerHookContext{
			ToolName:  toolName,
			Arguments: argumentsOf(req.Params.Arguments),
			Proof:     *proof,
			Credited:  credited,
		}
		if w.config.Hooks != nil && w.config.Hooks.OnBeforeExecution != nil {
			proceed, err := w.config.Hooks.OnBeforeExecution(hookContext)
			if err != nil {
				return w.paymentRequired(toolName, err.Error())
			}
			if !proceed {
				return w.paymentRequired(toolName, "execution blocked by hook")
			}
		}

		result, err := handler(ctx, req)
		if err != nil {
			return result, err
		}
		if result == nil {
			result = &mcpsdk.CallToolResult{}
		}

		if w.config.Hooks != nil && w.config.Hooks.OnAfterExecution != nil {
			if err := w.config.Hooks.OnAfterExecution(AfterExecutionContext{ServerHookContext: hookContext, Result: result}); err != nil {
				w.logger.Warn("after execution hook failed", zap.String("tool", toolName), zap.Error(err))
			}
		}

		// The proof is redeemed even when the tool reports an error.
		receipt := types.ReceiptFor(*proof, credited)
		if result.Meta == nil {
			result.Meta = mcpsdk.Meta{}
		}
		result.Meta[MetaKeyPaymentResponse] = receipt

		w.logger.Info("tool call paid",
			zap.String("tool", toolName),
			zap.String("demand_id", receipt.DemandID),
			zap.String("method", string(receipt.Method)),
			zap.Uint64("amount", uint64(credited)))
		return result, nil
	}
}

// Demand returns a fresh demand envelope for toolName.
func (w *PaymentWrapper) Demand(toolName, reason string) types.DemandEnvelope {
	info := &types.ResourceInfo{URL: ToolResourceURL(toolName, "")}
	if w.config.Resource != nil {
		info.URL = ToolResourceURL(toolName, w.config.Resource.URL)
		info.Description = w.config.Resource.Description
		info.MimeType = w.config.Resource.MimeType
	}
	envelope := types.DemandEnvelope{
		Version:  types.VersionCurrent,
		Error:    reason,
		Resource: info,
		Demand: paycore.Demand{
			ID:          uuid.NewString(),
			Amount:      w.config.Price,
			Asset:       w.config.Asset,
			Network:     w.config.Network,
			Destination: w.config.Payee,
			Accepts:     w.config.Accepts,
			Expiry:      w.now().Add(w.config.DemandTTL).UTC(),
			Resource:    info.URL,
		},
	}
	types.Apply(&envelope, w.config.Extensions...)
	return envelope
}

func (w *PaymentWrapper) paymentRequired(toolName, reason string) (*mcpsdk.CallToolResult, error) {
	envelope := w.Demand(toolName, reason)
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal demand: %w", err)
	}
	var structured map[string]interface{}
	if err := json.Unmarshal(data, &structured); err != nil {
		return nil, fmt.Errorf("marshal demand: %w", err)
	}
	return &mcpsdk.CallToolResult{
		StructuredContent: structured,
		Content:           []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
		IsError:           true,
	}, nil
}
