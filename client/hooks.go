package client

import (
	"context"
	"time"

	"github.com/cygnus-agents/paycore"
)

// ============================================================================
// Hook Context Types
// ============================================================================

// SettleContext is passed to every settlement hook.
type SettleContext struct {
	Ctx       context.Context
	Demand    paycore.Demand
	Timestamp time.Time
}

// SettleResultContext carries a successful settlement.
type SettleResultContext struct {
	SettleContext
	Proof    *paycore.Proof
	Duration time.Duration
}

// SettleFailureContext carries a failed settlement.
type SettleFailureContext struct {
	SettleContext
	Error    error
	Duration time.Duration
}

// ============================================================================
// Hook Result Types
// ============================================================================

// BeforeHookResult aborts the settlement with Reason when Abort is set.
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// SettleFailureHookResult replaces the error with Proof when Recovered is set.
type SettleFailureHookResult struct {
	Recovered bool
	Proof     *paycore.Proof
}

// ============================================================================
// Hook Function Types
// ============================================================================

// BeforeSettleHook runs before any value moves. An error or an abort result
// stops the settlement.
type BeforeSettleHook func(SettleContext) (*BeforeHookResult, error)

// AfterSettleHook runs after a successful settlement. Errors are logged and
// never change the result.
type AfterSettleHook func(SettleResultContext) error

// OnSettleFailureHook runs when a settlement fails and may recover it.
type OnSettleFailureHook func(SettleFailureContext) (*SettleFailureHookResult, error)

// OnBeforeSettle registers hook.
func (c *Client) OnBeforeSettle(hook BeforeSettleHook) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beforeSettleHooks = append(c.beforeSettleHooks, hook)
	return c
}

// OnAfterSettle registers hook.
func (c *Client) OnAfterSettle(hook AfterSettleHook) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.afterSettleHooks = append(c.afterSettleHooks, hook)
	return c
}

// OnSettleFailure registers hook.
func (c *Client) OnSettleFailure(hook OnSettleFailureHook) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSettleFailureHooks = append(c.onSettleFailureHooks, hook)
	return c
}

func (c *Client) hooks() ([]BeforeSettleHook, []AfterSettleHook, []OnSettleFailureHook) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.beforeSettleHooks, c.afterSettleHooks, c.onSettleFailureHooks
}
