package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cygnus-agents/paycore"
	"github.com/cygnus-agents/paycore/types"
)

// DefaultDemandTTL is how long an issued demand can be settled.
const DefaultDemandTTL = 60 * time.Second

// Context keys set on paid requests.
const (
	ContextKeyProof   = "paycore.proof"
	ContextKeyReceipt = "paycore.receipt"
)

// PaymentMiddlewareOptions is the options for the PaymentMiddleware.
type PaymentMiddlewareOptions struct {
	Description     string
	MimeType        string
	Resource        string
	ResourceRootURL string
	Network         paycore.Network
	Asset           paycore.Asset
	Accepts         []paycore.SettlementMethod
	DemandTTL       time.Duration
	Extensions      []types.DemandExtension
	Logger          *zap.Logger
	now             func() time.Time
}

// Options is the type for the options for the PaymentMiddleware.
type Options func(*PaymentMiddlewareOptions)

// WithDescription is an option for the PaymentMiddleware to set the description.
func WithDescription(description string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Description = description
	}
}

// WithMimeType is an option for the PaymentMiddleware to set the mime type.
func WithMimeType(mimeType string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.MimeType = mimeType
	}
}

// WithResource is an option for the PaymentMiddleware to set the resource.
func WithResource(resource string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Resource = resource
	}
}

// WithResourceRootURL prefixes the request path when no resource is set.
func WithResourceRootURL(resourceRootURL string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.ResourceRootURL = resourceRootURL
	}
}

// WithNetwork is an option for the PaymentMiddleware to set the network explicitly.
func WithNetwork(network paycore.Network) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Network = network
	}
}

// WithAsset sets the asset demanded.
func WithAsset(asset paycore.Asset) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Asset = asset
	}
}

// WithAccepts restricts the settlement methods offered.
func WithAccepts(methods ...paycore.SettlementMethod) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Accepts = methods
	}
}

// WithDemandTTL sets how long issued demands stay valid.
func WithDemandTTL(ttl time.Duration) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.DemandTTL = ttl
	}
}

// WithExtensions adds demand extensions.
func WithExtensions(extensions ...types.DemandExtension) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Extensions = append(options.Extensions, extensions...)
	}
}

// WithMiddlewareLogger sets the logger.
func WithMiddlewareLogger(logger *zap.Logger) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Logger = logger
	}
}

// PaymentMiddleware is the gin middleware for a payee. Requests without a
// valid PAYMENT-SIGNATURE get a 402 carrying a fresh demand for price paid
// to payee. Verified requests proceed with the receipt in PAYMENT-RESPONSE.
func PaymentMiddleware(price paycore.Amount, payee string, verifier *ProofVerifier, opts ...Options) gin.HandlerFunc {
	options := &PaymentMiddlewareOptions{
		Accepts:   []paycore.SettlementMethod{paycore.MethodChannel, paycore.MethodOnChain},
		DemandTTL: DefaultDemandTTL,
		Logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	logger := options.Logger.With(zap.String("component", "payment_middleware"))

	return func(c *gin.Context) {
		resource := options.Resource
		if resource == "" {
			resource = options.ResourceRootURL + c.Request.URL.Path
		}
		info := &types.ResourceInfo{URL: resource, Description: options.Description, MimeType: options.MimeType}

		header := c.GetHeader(HeaderPaymentSignature)
		if header == "" {
			paymentRequired(c, options, price, payee, info, "PAYMENT-SIGNATURE header is required")
			return
		}

		envelope, err := DecodeProofHeader(header)
		if err != nil {
			logger.Debug("undecodable proof", zap.Error(err))
			paymentRequired(c, options, price, payee, info, err.Error())
			return
		}

		credited, err := verifier.Verify(c.Request.Context(), envelope.Proof, price, payee)
		if err != nil {
			logger.Info("proof rejected",
				zap.String("demand_id", envelope.Proof.DemandID),
				zap.String("method", string(envelope.Proof.Method)),
				zap.String("code", paycore.CodeOf(err)),
				zap.Error(err))
			paymentRequired(c, options, price, payee, info, err.Error())
			return
		}

		receipt := types.ReceiptFor(envelope.Proof, credited)
		encoded, err := EncodeReceiptHeader(receipt)
		if err != nil {
			logger.Error("failed to encode receipt", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "version": types.VersionCurrent})
			return
		}

		logger.Info("payment accepted",
			zap.String("demand_id", receipt.DemandID),
			zap.String("method", string(receipt.Method)),
			zap.Uint64("amount", uint64(credited)))
		c.Set(ContextKeyProof, envelope.Proof)
		c.Set(ContextKeyReceipt, receipt)
		c.Header(HeaderPaymentResponse, encoded)
		c.Next()
	}
}

func paymentRequired(c *gin.Context, options *PaymentMiddlewareOptions, price paycore.Amount, payee string, info *types.ResourceInfo, reason string) {
	envelope := types.DemandEnvelope{
		Version:  types.VersionCurrent,
		Error:    reason,
		Resource: info,
		Demand: paycore.Demand{
			ID:          uuid.NewString(),
			Amount:      price,
			Asset:       options.Asset,
			Network:     options.Network,
			Destination: payee,
			Accepts:     options.Accepts,
			Expiry:      options.now().Add(options.DemandTTL).UTC(),
			Resource:    info.URL,
		},
	}
	types.Apply(&envelope, options.Extensions...)

	encoded, err := EncodeDemandHeader(envelope)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "version": types.VersionCurrent})
		return
	}
	c.Header(HeaderPaymentRequired, encoded)
	c.AbortWithStatusJSON(http.StatusPaymentRequired, envelope)
}
