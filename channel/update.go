package channel

import (
	"bytes"
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/cygnus-agents/paycore"
)

// ProposeUpdate pays amount to the counterparty of channelID. The update is
// signed locally, co-signed by the counterparty and only then committed. A
// channel with another operation in flight fails immediately with
// update_in_flight.
func (m *Manager) ProposeUpdate(ctx context.Context, channelID string, amount paycore.Amount) (paycore.BalanceUpdate, error) {
	if amount == 0 {
		return paycore.BalanceUpdate{}, paycore.NewPaymentError(paycore.ErrCodeInvalidDemand, "amount must be positive", nil)
	}
	r, err := m.get(channelID)
	if err != nil {
		return paycore.BalanceUpdate{}, err
	}
	if !r.tryLock() {
		m.metrics.RecordChannelUpdate("outbound", paycore.ErrCodeUpdateInFlight)
		return paycore.BalanceUpdate{}, errInFlight(channelID)
	}
	defer r.unlock()

	if err := m.resolvePending(ctx, r); err != nil {
		return paycore.BalanceUpdate{}, err
	}

	snap := r.snapshot()
	if snap.Status != paycore.ChannelActive {
		return paycore.BalanceUpdate{}, errNotActive(snap.ID, snap.Status)
	}

	local := snap.LocalRole
	localBalance, err := paycore.SubAmount(snap.LocalBalance(), amount)
	if err != nil {
		m.metrics.RecordChannelUpdate("outbound", paycore.ErrCodeCapacityExceeded)
		return paycore.BalanceUpdate{}, paycore.NewPaymentError(paycore.ErrCodeCapacityExceeded,
			"local balance does not cover the payment", map[string]interface{}{
				"channelId": snap.ID,
				"balance":   uint64(snap.LocalBalance()),
				"amount":    uint64(amount),
			})
	}
	remoteBalance, err := paycore.AddAmount(snap.Latest.Balance(local.Other()), amount)
	if err != nil {
		return paycore.BalanceUpdate{}, err
	}

	update := paycore.BalanceUpdate{ChannelID: snap.ID, Sequence: snap.Sequence + 1}
	if local == paycore.RoleA {
		update.BalanceA, update.BalanceB = localBalance, remoteBalance
	} else {
		update.BalanceA, update.BalanceB = remoteBalance, localBalance
	}
	if err := paycore.ValidateSplit(update, snap.Capacity); err != nil {
		return paycore.BalanceUpdate{}, err
	}

	sig, err := m.sign(ctx, paycore.TransferChannelUpdate, snap.Counterparty(), amount, update)
	if err != nil {
		m.metrics.RecordChannelUpdate("outbound", paycore.CodeOf(err))
		return paycore.BalanceUpdate{}, err
	}
	update = update.WithSignature(local, sig)

	cosigned, err := m.requestCoSign(ctx, r, update)
	if err != nil {
		return paycore.BalanceUpdate{}, err
	}

	m.commitUpdate(r, cosigned)
	m.metrics.RecordChannelUpdate("outbound", "committed")
	m.logger.Debug("update committed",
		zap.String("channel_id", snap.ID),
		zap.Uint64("sequence", cosigned.Sequence),
		zap.Uint64("amount", uint64(amount)))
	return cosigned, nil
}

// requestCoSign sends a locally signed update and checks the answer. A
// transport failure leaves the update pending so the next proposal can find
// out whether the counterparty applied it.
func (m *Manager) requestCoSign(ctx context.Context, r *record, update paycore.BalanceUpdate) (paycore.BalanceUpdate, error) {
	snap := r.snapshot()
	cosigned, err := callCounterparty(ctx, m, snap.Counterparty(), "cosign", func(ctx context.Context, cp paycore.Counterparty) (paycore.BalanceUpdate, error) {
		return cp.RequestCoSign(ctx, update)
	})
	if committed, ok := paycore.CommittedUpdate(err); ok && m.checkCoSigned(snap, update, committed) == nil {
		// the first answer was lost; the counterparty already applied it
		cosigned, err = committed, nil
	}
	if err != nil {
		if !paycore.IsCallerFault(err) {
			pending := update
			r.setPending(&pending)
		}
		m.metrics.RecordChannelUpdate("outbound", paycore.CodeOf(err))
		m.logger.Warn("co-signature not obtained",
			zap.String("channel_id", snap.ID),
			zap.Uint64("sequence", update.Sequence),
			zap.Error(err))
		return paycore.BalanceUpdate{}, err
	}
	r.setPending(nil)

	if err := m.checkCoSigned(snap, update, cosigned); err != nil {
		m.metrics.RecordChannelUpdate("outbound", paycore.ErrCodeStaleOrInvalidUpdate)
		return paycore.BalanceUpdate{}, m.reject(ctx, "invalid_cosignature", cosigned, err)
	}
	return cosigned, nil
}

// checkCoSigned verifies that the counterparty returned exactly the update
// that was sent, with a valid signature of its own added.
func (m *Manager) checkCoSigned(snap paycore.ChannelSnapshot, sent, got paycore.BalanceUpdate) *paycore.PaymentError {
	local := snap.LocalRole
	if !strings.EqualFold(got.ChannelID, sent.ChannelID) || got.Sequence != sent.Sequence ||
		!got.SameSplit(sent) || got.Final != sent.Final {
		return errStale("co-signed update differs from the proposal")
	}
	if !bytes.Equal(got.Signature(local), sent.Signature(local)) {
		return errStale("co-signed update carries a different proposer signature")
	}
	if !m.verify(got, local.Other(), snap.Counterparty()) {
		return errStale("counterparty signature does not verify")
	}
	return nil
}

// resolvePending retries an update whose co-signature was lost in transit.
// If the counterparty applied it, it is committed locally; if the
// counterparty never saw it, it is dropped.
func (m *Manager) resolvePending(ctx context.Context, r *record) error {
	pending := r.pendingUpdate()
	if pending == nil {
		return nil
	}
	snap := r.snapshot()
	if pending.Sequence != snap.Sequence+1 {
		r.setPending(nil)
		return nil
	}

	m.logger.Info("resolving pending update",
		zap.String("channel_id", snap.ID),
		zap.Uint64("sequence", pending.Sequence))
	cosigned, err := m.requestCoSign(ctx, r, *pending)
	if err != nil {
		if paycore.IsCallerFault(err) {
			// the counterparty rejected it, so it never applied it
			r.setPending(nil)
			return nil
		}
		return err
	}
	m.commitUpdate(r, cosigned)
	return nil
}

func (m *Manager) commitUpdate(r *record, u paycore.BalanceUpdate) paycore.ChannelSnapshot {
	now := m.now()
	return r.commit(func(s *paycore.ChannelSnapshot) {
		s.BalanceA = u.BalanceA
		s.BalanceB = u.BalanceB
		s.Sequence = u.Sequence
		s.Latest = u
		s.LastActivity = now
	})
}

// AcceptUpdate validates an update proposed by the counterparty, co-signs it
// and commits it. The proposer signature must verify, the sequence must be
// exactly one above the current one, the capacity must be conserved and the
// local balance must not decrease. A rejected update leaves the channel
// unchanged and is written to the audit log.
func (m *Manager) AcceptUpdate(ctx context.Context, update paycore.BalanceUpdate) (paycore.BalanceUpdate, error) {
	r, err := m.get(update.ChannelID)
	if err != nil {
		return paycore.BalanceUpdate{}, err
	}
	if err := r.lock(ctx, m.config.LockWait); err != nil {
		return paycore.BalanceUpdate{}, err
	}
	defer r.unlock()

	snap := r.snapshot()
	if committed, ok := replayOf(snap, update); ok {
		return paycore.BalanceUpdate{}, m.reject(ctx, "reject_update", update, errReplayed(committed))
	}
	if snap.Status != paycore.ChannelActive {
		return paycore.BalanceUpdate{}, m.reject(ctx, "reject_update", update, errNotActive(snap.ID, snap.Status))
	}
	if update.Final {
		return paycore.BalanceUpdate{}, m.reject(ctx, "reject_update", update,
			errStale("final updates are only accepted when closing"))
	}
	if perr := m.validateInbound(snap, update); perr != nil {
		return paycore.BalanceUpdate{}, m.reject(ctx, "reject_update", update, perr)
	}

	local := snap.LocalRole
	inflow := update.Balance(local) - snap.LocalBalance()
	sig, err := m.sign(ctx, paycore.TransferChannelCosign, snap.Counterparty(), 0, update)
	if err != nil {
		if pe := paycore.Classify(err); paycore.IsCallerFault(pe) {
			return paycore.BalanceUpdate{}, m.reject(ctx, "reject_update", update, pe)
		}
		return paycore.BalanceUpdate{}, err
	}
	cosigned := update.WithSignature(local, sig)

	m.commitUpdate(r, cosigned)
	r.addReceipt(cosigned.Sequence, inflow)
	m.metrics.RecordChannelUpdate("inbound", "committed")
	m.logger.Debug("update accepted",
		zap.String("channel_id", snap.ID),
		zap.Uint64("sequence", cosigned.Sequence),
		zap.Uint64("inflow", uint64(inflow)))
	return cosigned, nil
}

// validateInbound runs the checks shared by AcceptUpdate and AcceptClose.
func (m *Manager) validateInbound(snap paycore.ChannelSnapshot, u paycore.BalanceUpdate) *paycore.PaymentError {
	if u.Sequence != snap.Sequence+1 {
		return errStale("sequence %d is not the successor of %d", u.Sequence, snap.Sequence)
	}
	if err := paycore.ValidateSplit(u, snap.Capacity); err != nil {
		return paycore.Classify(err)
	}
	local := snap.LocalRole
	if u.Balance(local) < snap.LocalBalance() {
		return errStale("update decreases the local balance from %d to %d", snap.LocalBalance(), u.Balance(local))
	}
	if !m.verify(u, local.Other(), snap.Counterparty()) {
		return errStale("proposer signature does not verify")
	}
	return nil
}

// replayOf recognizes a resend of the update committed last, which happens
// when the co-signed answer was lost in transit. The resend is still
// rejected as stale; the rejection carries the committed update.
func replayOf(snap paycore.ChannelSnapshot, u paycore.BalanceUpdate) (paycore.BalanceUpdate, bool) {
	latest := snap.Latest
	if u.Sequence == 0 || u.Sequence != latest.Sequence || !latest.FullySigned() {
		return paycore.BalanceUpdate{}, false
	}
	proposer := snap.LocalRole.Other()
	if !u.SameSplit(latest) || u.Final != latest.Final || !bytes.Equal(u.Signature(proposer), latest.Signature(proposer)) {
		return paycore.BalanceUpdate{}, false
	}
	return latest, true
}

// VerifyReceipt checks that a co-signed update is part of the local history
// of its channel and returns what it credited to the local party. Payees use
// it to accept channel proofs.
func (m *Manager) VerifyReceipt(update paycore.BalanceUpdate) (paycore.Amount, error) {
	r, err := m.get(update.ChannelID)
	if err != nil {
		return 0, err
	}
	snap := r.snapshot()
	if !update.FullySigned() {
		return 0, errStale("receipt is not signed by both parties")
	}
	if update.Sequence > snap.Sequence {
		return 0, errStale("receipt sequence %d is ahead of committed %d", update.Sequence, snap.Sequence)
	}
	if !m.verify(update, paycore.RoleA, snap.ParticipantA) || !m.verify(update, paycore.RoleB, snap.ParticipantB) {
		return 0, errStale("receipt signatures do not verify")
	}
	amount, ok := r.receipt(update.Sequence)
	if !ok {
		return 0, errStale("sequence %d did not credit this party", update.Sequence)
	}
	return amount, nil
}
