package main

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cygnus-agents/paycore"
	"github.com/cygnus-agents/paycore/internal/journal"
	"github.com/cygnus-agents/paycore/mcp"
)

const maxHistory = 500

// channelReader is the read side of the channel manager.
type channelReader interface {
	Address() string
	Channel(id string) (paycore.ChannelSnapshot, error)
	Channels() []paycore.ChannelSnapshot
}

// historyReader is the query side of the journal.
type historyReader interface {
	Transactions(ctx context.Context, address string, limit int) ([]journal.Transaction, error)
	Audits(ctx context.Context, channelID string) ([]journal.Audit, error)
}

// api serves the read-only operator endpoints.
type api struct {
	channels channelReader
	// history is nil when the journal is disabled.
	history historyReader
}

type routerDeps struct {
	api      *api
	registry prometheus.Gatherer
	// counterparty mounts the channel protocol endpoints.
	counterparty interface{ Register(gin.IRouter) }
	tools        *mcpsdk.Server
	mcpPath      string
}

func newRouter(d routerDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "address": d.api.channels.Address()})
	})
	if d.registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{})))
	}
	if d.counterparty != nil {
		d.counterparty.Register(r)
	}

	v1 := r.Group("/v1")
	v1.GET("/channels", d.api.listChannels)
	v1.GET("/channels/:id", d.api.getChannel)
	v1.GET("/channels/:id/audit", d.api.channelAudit)
	v1.GET("/transactions", d.api.transactions)

	if d.tools != nil {
		handler := gin.WrapH(mcpsdk.NewSSEHandler(func(*http.Request) *mcpsdk.Server { return d.tools }, nil))
		r.Any(d.mcpPath, handler)
	}
	return r
}

func (a *api) listChannels(c *gin.Context) {
	snaps := a.channels.Channels()
	views := make([]mcp.ChannelView, 0, len(snaps))
	for _, snap := range snaps {
		views = append(views, mcp.ViewOf(snap))
	}
	c.JSON(http.StatusOK, gin.H{"channels": views})
}

func (a *api) getChannel(c *gin.Context) {
	snap, err := a.channels.Channel(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, mcp.ViewOf(snap))
}

func (a *api) channelAudit(c *gin.Context) {
	if a.history == nil {
		journalDisabled(c)
		return
	}
	rows, err := a.history.Audits(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"audits": rows})
}

func (a *api) transactions(c *gin.Context) {
	if a.history == nil {
		journalDisabled(c)
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			fail(c, paycore.NewPaymentError(paycore.ErrCodeDecode, "limit must be a positive integer", nil))
			return
		}
		limit = min(n, maxHistory)
	}
	address := c.Query("address")
	if address == "" {
		address = a.channels.Address()
	}
	rows, err := a.history.Transactions(c.Request.Context(), address, limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": rows})
}

func journalDisabled(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "journal_disabled", "message": "journal is not configured"}})
}

func fail(c *gin.Context, err error) {
	pe := paycore.Classify(err)
	status := http.StatusInternalServerError
	switch pe.Code {
	case paycore.ErrCodeChannelNotFound:
		status = http.StatusNotFound
	case paycore.ErrCodeDecode:
		status = http.StatusBadRequest
	}
	c.AbortWithStatusJSON(status, gin.H{"error": paycore.NewPaymentError(pe.Code, pe.Message, pe.Details)})
}
