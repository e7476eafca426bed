package channel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/cygnus-agents/paycore"
	"github.com/cygnus-agents/paycore/ledger"
	"github.com/cygnus-agents/paycore/mechanisms/evm"
)

// OpenChannel locks capacity in escrow toward counterparty and returns the
// channel once the escrow transaction is confirmed. If confirmation does not
// arrive within timeout (the configured OpenTimeout when zero) the call
// fails with open_timeout and no channel is tracked.
func (m *Manager) OpenChannel(ctx context.Context, counterparty string, capacity paycore.Amount, timeout time.Duration) (paycore.ChannelSnapshot, error) {
	if err := paycore.ValidateCapacity(capacity, m.config.MinCapacity, m.config.MaxCapacity); err != nil {
		return paycore.ChannelSnapshot{}, err
	}
	if !common.IsHexAddress(counterparty) {
		return paycore.ChannelSnapshot{}, paycore.NewPaymentError(paycore.ErrCodeDecode,
			fmt.Sprintf("invalid counterparty address %q", counterparty), nil)
	}
	self := m.Address()
	if strings.EqualFold(self, counterparty) {
		return paycore.ChannelSnapshot{}, paycore.NewPaymentError(paycore.ErrCodeInvalidState, "cannot open a channel with self", nil)
	}
	counterparty = common.HexToAddress(counterparty).Hex()

	if timeout <= 0 {
		timeout = m.config.OpenTimeout
	}
	openCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	params := paycore.TxParams{
		Kind:   paycore.TxEscrowOpen,
		To:     counterparty,
		Amount: capacity,
		Escrow: &paycore.EscrowCall{Counterparty: counterparty},
	}
	signed, err := m.gateway.Submit(openCtx, self, params, m.signTx(paycore.TransferEscrowOpen, counterparty, capacity))
	if err != nil {
		if ledger.IsTimeout(err) {
			return paycore.ChannelSnapshot{}, m.openTimeout(counterparty, "", err)
		}
		return paycore.ChannelSnapshot{}, err
	}

	id, err := evm.DeriveChannelID(self, counterparty, signed.Hash)
	if err != nil {
		return paycore.ChannelSnapshot{}, err
	}
	now := m.now()
	r := newRecord(paycore.ChannelSnapshot{
		ID:           id,
		ParticipantA: self,
		ParticipantB: counterparty,
		LocalRole:    paycore.RoleA,
		Capacity:     capacity,
		BalanceA:     capacity,
		Status:       paycore.ChannelOpening,
		EscrowTx:     signed.Hash,
		OpenedAt:     now,
		LastActivity: now,
	})
	if !m.insert(r) {
		return paycore.ChannelSnapshot{}, paycore.NewPaymentError(paycore.ErrCodeInvalidState, fmt.Sprintf("channel %s already exists", id), nil)
	}

	if err := m.gateway.WaitConfirmed(openCtx, signed.Hash); err != nil {
		m.remove(id)
		snap := r.snapshot()
		m.recordTx(ctx, paycore.TxEscrowOpen, snap, capacity, signed.Hash, err)
		if ledger.IsTimeout(err) {
			return paycore.ChannelSnapshot{}, m.openTimeout(counterparty, signed.Hash, err)
		}
		return paycore.ChannelSnapshot{}, err
	}

	snap, err := m.transition(r, paycore.ChannelActive, func(s *paycore.ChannelSnapshot) {
		s.Latest = paycore.BalanceUpdate{ChannelID: id, BalanceA: capacity, BalanceB: 0, Sequence: 0}
		s.LastActivity = m.now()
	})
	if err != nil {
		return paycore.ChannelSnapshot{}, err
	}
	m.recordTx(ctx, paycore.TxEscrowOpen, snap, capacity, signed.Hash, nil)
	m.logger.Info("channel opened",
		zap.String("channel_id", id),
		zap.String("counterparty", counterparty),
		zap.Uint64("capacity", uint64(capacity)),
		zap.String("escrow_tx", signed.Hash))

	announcement := paycore.ChannelAnnouncement{
		ChannelID:    id,
		ParticipantA: self,
		ParticipantB: counterparty,
		Capacity:     capacity,
		EscrowTx:     signed.Hash,
		Network:      m.gateway.Network(),
	}
	_, err = callCounterparty(ctx, m, counterparty, "announce", func(ctx context.Context, cp paycore.Counterparty) (struct{}, error) {
		return struct{}{}, cp.AnnounceChannel(ctx, announcement)
	})
	if err != nil {
		// the escrow is on-chain; the counterparty can still register it later
		m.logger.Warn("channel announcement failed",
			zap.String("channel_id", id),
			zap.String("counterparty", counterparty),
			zap.Error(err))
		m.recorder.RecordAudit(ctx, paycore.AuditRecord{
			Action:    "announce_failed",
			ChannelID: id,
			Payload:   announcement,
			Result:    err.Error(),
			CreatedAt: m.now(),
		})
	}
	return snap, nil
}

func (m *Manager) openTimeout(counterparty, hash string, cause error) error {
	m.logger.Warn("escrow not confirmed in time",
		zap.String("counterparty", counterparty),
		zap.String("escrow_tx", hash))
	return paycore.Wrap(cause, paycore.ErrCodeOpenTimeout, "escrow transaction not confirmed in time").
		WithDetail("escrowTx", hash)
}

// RegisterRemoteChannel tracks a channel opened by the counterparty. The
// escrow transaction must be confirmed and the announced id must match the
// derivation from the participants and the escrow transaction.
func (m *Manager) RegisterRemoteChannel(ctx context.Context, a paycore.ChannelAnnouncement) (paycore.ChannelSnapshot, error) {
	if existing, err := m.Channel(a.ChannelID); err == nil {
		if strings.EqualFold(existing.EscrowTx, a.EscrowTx) {
			return existing, nil
		}
		return paycore.ChannelSnapshot{}, errStale("channel %s already registered with another escrow", a.ChannelID)
	}

	if !strings.EqualFold(a.ParticipantB, m.Address()) {
		return paycore.ChannelSnapshot{}, paycore.NewPaymentError(paycore.ErrCodeInvalidState,
			fmt.Sprintf("announcement for %s does not name this party", a.ChannelID), nil)
	}
	if a.Network != "" && a.Network != m.gateway.Network() {
		return paycore.ChannelSnapshot{}, paycore.NewPaymentError(paycore.ErrCodeInvalidState,
			fmt.Sprintf("announcement is for network %s", a.Network), nil)
	}
	if err := paycore.ValidateCapacity(a.Capacity, m.config.MinCapacity, m.config.MaxCapacity); err != nil {
		return paycore.ChannelSnapshot{}, err
	}
	id, err := evm.DeriveChannelID(a.ParticipantA, a.ParticipantB, a.EscrowTx)
	if err != nil {
		return paycore.ChannelSnapshot{}, err
	}
	if !strings.EqualFold(id, a.ChannelID) {
		return paycore.ChannelSnapshot{}, errStale("channel id %s does not match escrow derivation %s", a.ChannelID, id)
	}

	status, err := m.gateway.Status(ctx, a.EscrowTx)
	if err != nil {
		return paycore.ChannelSnapshot{}, err
	}
	if status != paycore.TxConfirmed {
		return paycore.ChannelSnapshot{}, paycore.NewPaymentError(paycore.ErrCodeInvalidState,
			fmt.Sprintf("escrow %s is %s", a.EscrowTx, status), nil)
	}

	now := m.now()
	r := newRecord(paycore.ChannelSnapshot{
		ID:           id,
		ParticipantA: common.HexToAddress(a.ParticipantA).Hex(),
		ParticipantB: common.HexToAddress(a.ParticipantB).Hex(),
		LocalRole:    paycore.RoleB,
		Capacity:     a.Capacity,
		BalanceA:     a.Capacity,
		Status:       paycore.ChannelActive,
		EscrowTx:     a.EscrowTx,
		OpenedAt:     now,
		LastActivity: now,
		Latest:       paycore.BalanceUpdate{ChannelID: id, BalanceA: a.Capacity, Sequence: 0},
	})
	if !m.insert(r) {
		return m.Channel(id)
	}
	m.metrics.RecordChannelTransition(string(paycore.ChannelOpening), string(paycore.ChannelActive))
	m.logger.Info("remote channel registered",
		zap.String("channel_id", id),
		zap.String("counterparty", a.ParticipantA),
		zap.Uint64("capacity", uint64(a.Capacity)))
	return r.snapshot(), nil
}
