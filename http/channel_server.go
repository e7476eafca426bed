package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cygnus-agents/paycore"
	"github.com/cygnus-agents/paycore/internal/metrics"
)

// ChannelHandler is the inbound side of a channel manager.
// *channel.Manager implements it.
type ChannelHandler interface {
	RegisterRemoteChannel(ctx context.Context, a paycore.ChannelAnnouncement) (paycore.ChannelSnapshot, error)
	AcceptUpdate(ctx context.Context, update paycore.BalanceUpdate) (paycore.BalanceUpdate, error)
	AcceptClose(ctx context.Context, update paycore.BalanceUpdate) (paycore.BalanceUpdate, error)
}

// Rate limit defaults
const (
	DefaultPeerRPS   = 20.0
	DefaultPeerBurst = 40
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ChannelServer serves the counterparty endpoints. Every peer gets its own
// token bucket, keyed by HeaderPeer or the client IP.
type ChannelServer struct {
	channels ChannelHandler
	rps      float64
	burst    int
	metrics  *metrics.Collector
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

// ChannelServerOption configures a ChannelServer.
type ChannelServerOption func(*ChannelServer)

// WithPeerRateLimit sets the per-peer request rate and burst.
func WithPeerRateLimit(rps float64, burst int) ChannelServerOption {
	return func(s *ChannelServer) {
		if rps > 0 {
			s.rps = rps
		}
		if burst > 0 {
			s.burst = burst
		}
	}
}

// WithServerMetrics sets the metrics collector.
func WithServerMetrics(m *metrics.Collector) ChannelServerOption {
	return func(s *ChannelServer) { s.metrics = m }
}

// WithServerLogger sets the logger.
func WithServerLogger(logger *zap.Logger) ChannelServerOption {
	return func(s *ChannelServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewChannelServer creates a server delivering requests to channels.
func NewChannelServer(channels ChannelHandler, opts ...ChannelServerOption) *ChannelServer {
	s := &ChannelServer{
		channels: channels,
		rps:      DefaultPeerRPS,
		burst:    DefaultPeerBurst,
		logger:   zap.NewNop(),
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "channel_server"))
	return s
}

// Register mounts the counterparty endpoints on r.
func (s *ChannelServer) Register(r gin.IRouter) {
	group := r.Group("", s.observe, s.limit)
	group.POST(PathAnnounce, s.handleAnnounce)
	group.POST(PathUpdates, s.handleUpdate)
	group.POST(PathClose, s.handleClose)
}

// Prune forgets peers idle for longer than idle.
func (s *ChannelServer) Prune(idle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-idle)
	pruned := 0
	for peer, v := range s.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(s.visitors, peer)
			pruned++
		}
	}
	return pruned
}

func peerOf(c *gin.Context) string {
	if peer := c.GetHeader(HeaderPeer); peer != "" {
		return peer
	}
	return c.ClientIP()
}

func (s *ChannelServer) allow(peer string) bool {
	s.mu.Lock()
	v, ok := s.visitors[peer]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(s.rps), s.burst)}
		s.visitors[peer] = v
	}
	v.lastSeen = s.now()
	s.mu.Unlock()
	return v.limiter.Allow()
}

func (s *ChannelServer) limit(c *gin.Context) {
	peer := peerOf(c)
	if s.allow(peer) {
		c.Next()
		return
	}
	s.metrics.RecordRateLimited(c.FullPath())
	s.logger.Warn("peer rate limited", zap.String("peer", peer), zap.String("path", c.FullPath()))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{
		Error: paycore.NewPaymentError(paycore.ErrCodeNetworkTransient, "too many requests", nil),
	})
}

func (s *ChannelServer) observe(c *gin.Context) {
	start := s.now()
	c.Next()
	s.metrics.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), s.now().Sub(start))
}

func (s *ChannelServer) handleAnnounce(c *gin.Context) {
	var announcement paycore.ChannelAnnouncement
	if err := c.ShouldBindJSON(&announcement); err != nil {
		s.fail(c, paycore.Wrap(err, paycore.ErrCodeDecode, "malformed announcement"))
		return
	}
	snap, err := s.channels.RegisterRemoteChannel(c.Request.Context(), announcement)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channelId": snap.ID, "status": snap.Status})
}

func (s *ChannelServer) handleUpdate(c *gin.Context) {
	s.handleBalanceUpdate(c, s.channels.AcceptUpdate)
}

func (s *ChannelServer) handleClose(c *gin.Context) {
	s.handleBalanceUpdate(c, s.channels.AcceptClose)
}

func (s *ChannelServer) handleBalanceUpdate(c *gin.Context, accept func(context.Context, paycore.BalanceUpdate) (paycore.BalanceUpdate, error)) {
	var update paycore.BalanceUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		s.fail(c, paycore.Wrap(err, paycore.ErrCodeDecode, "malformed balance update"))
		return
	}
	cosigned, err := accept(c.Request.Context(), update)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cosigned)
}

func (s *ChannelServer) fail(c *gin.Context, err error) {
	pe := paycore.Classify(err)
	status := statusFor(pe.Code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("channel request failed", zap.String("path", c.FullPath()), zap.Error(err))
	} else {
		s.logger.Debug("channel request rejected", zap.String("path", c.FullPath()), zap.String("code", pe.Code))
	}
	// the cause stays local; only code, message and details travel
	c.AbortWithStatusJSON(status, errorResponse{Error: paycore.NewPaymentError(pe.Code, pe.Message, pe.Details)})
}

func statusFor(code string) int {
	switch code {
	case paycore.ErrCodeDecode:
		return http.StatusBadRequest
	case paycore.ErrCodePolicyRejected, paycore.ErrCodePolicyNotFound:
		return http.StatusForbidden
	case paycore.ErrCodeChannelNotFound:
		return http.StatusNotFound
	case paycore.ErrCodeStaleOrInvalidUpdate, paycore.ErrCodeUpdateInFlight,
		paycore.ErrCodeInvalidState, paycore.ErrCodeArbitrationRequired:
		return http.StatusConflict
	case paycore.ErrCodeCapacityExceeded, paycore.ErrCodeCapacityOutOfRange, paycore.ErrCodeArithmeticOverflow:
		return http.StatusUnprocessableEntity
	case paycore.ErrCodeCircuitOpen, paycore.ErrCodeNetworkTransient:
		return http.StatusServiceUnavailable
	case paycore.ErrCodePaymentTimeout, paycore.ErrCodeOpenTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
