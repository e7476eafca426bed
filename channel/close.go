package channel

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cygnus-agents/paycore"
)

// CloseCooperative closes channelID with a final update co-signed by the
// counterparty and settles it on-chain. If the co-signature cannot be
// obtained the channel returns to Active. If the settlement transaction
// fails the channel stays CooperativeClosing and a later call resubmits it.
func (m *Manager) CloseCooperative(ctx context.Context, channelID string) (paycore.Settlement, error) {
	r, err := m.get(channelID)
	if err != nil {
		return paycore.Settlement{}, err
	}
	if !r.tryLock() {
		return paycore.Settlement{}, errInFlight(channelID)
	}
	defer r.unlock()

	snap := r.snapshot()
	final := snap.Latest
	switch {
	case snap.Status == paycore.ChannelCooperativeClosing && final.Final && final.FullySigned():
		// co-signed earlier; only the settlement is missing
	case snap.Status == paycore.ChannelActive:
		final, err = m.collectFinal(ctx, r)
		if err != nil {
			return paycore.Settlement{}, err
		}
	default:
		return paycore.Settlement{}, errNotActive(snap.ID, snap.Status)
	}

	snap = r.snapshot()
	params := paycore.TxParams{
		Kind:   paycore.TxEscrowSettle,
		Escrow: paycore.EscrowCallFor(final, snap.Counterparty()),
	}
	signed, err := m.gateway.SubmitAndConfirm(ctx, m.Address(), params, m.signTx(paycore.TransferEscrowClose, snap.Counterparty(), 0))
	hash := ""
	if signed != nil {
		hash = signed.Hash
	}
	m.recordTx(ctx, paycore.TxEscrowSettle, snap, 0, hash, err)
	if err != nil {
		m.logger.Warn("cooperative settlement failed",
			zap.String("channel_id", snap.ID),
			zap.Error(err))
		return paycore.Settlement{}, err
	}

	closed, err := m.transition(r, paycore.ChannelClosed, func(s *paycore.ChannelSnapshot) {
		s.LastActivity = m.now()
	})
	if err != nil {
		return paycore.Settlement{}, err
	}
	settlement := paycore.Settlement{ChannelID: closed.ID, Final: final, TxHash: hash}
	m.archive(ctx, closed, settlement)
	return settlement, nil
}

// collectFinal moves r to CooperativeClosing and obtains the counterparty's
// signature on a final update carrying the current split.
func (m *Manager) collectFinal(ctx context.Context, r *record) (paycore.BalanceUpdate, error) {
	snap, err := m.transition(r, paycore.ChannelCooperativeClosing, nil)
	if err != nil {
		return paycore.BalanceUpdate{}, err
	}
	revert := func() {
		if _, err := m.transition(r, paycore.ChannelActive, nil); err != nil {
			m.logger.Error("failed to revert cooperative close", zap.String("channel_id", snap.ID), zap.Error(err))
		}
	}

	final := paycore.BalanceUpdate{
		ChannelID: snap.ID,
		BalanceA:  snap.BalanceA,
		BalanceB:  snap.BalanceB,
		Sequence:  snap.Sequence + 1,
		Final:     true,
	}
	sig, err := m.sign(ctx, paycore.TransferChannelUpdate, snap.Counterparty(), 0, final)
	if err != nil {
		revert()
		return paycore.BalanceUpdate{}, err
	}
	final = final.WithSignature(snap.LocalRole, sig)

	cosigned, err := callCounterparty(ctx, m, snap.Counterparty(), "close", func(ctx context.Context, cp paycore.Counterparty) (paycore.BalanceUpdate, error) {
		return cp.RequestClose(ctx, final)
	})
	if committed, ok := paycore.CommittedUpdate(err); ok && m.checkCoSigned(snap, final, committed) == nil {
		cosigned, err = committed, nil
	}
	if err != nil {
		revert()
		m.logger.Warn("counterparty did not co-sign close",
			zap.String("channel_id", snap.ID),
			zap.Error(err))
		return paycore.BalanceUpdate{}, err
	}
	if perr := m.checkCoSigned(snap, final, cosigned); perr != nil {
		revert()
		return paycore.BalanceUpdate{}, m.reject(ctx, "invalid_close_cosignature", cosigned, perr)
	}

	m.commitUpdate(r, cosigned)
	return cosigned, nil
}

// AcceptClose co-signs a final update proposed by the counterparty. The
// final update must keep the current split. The channel moves to
// CooperativeClosing and waits for ConfirmClosed.
func (m *Manager) AcceptClose(ctx context.Context, update paycore.BalanceUpdate) (paycore.BalanceUpdate, error) {
	r, err := m.get(update.ChannelID)
	if err != nil {
		return paycore.BalanceUpdate{}, err
	}
	if err := r.lock(ctx, m.config.LockWait); err != nil {
		return paycore.BalanceUpdate{}, err
	}
	defer r.unlock()

	snap := r.snapshot()
	if committed, ok := replayOf(snap, update); ok && committed.Final {
		return paycore.BalanceUpdate{}, m.reject(ctx, "reject_close", update, errReplayed(committed))
	}
	if snap.Status != paycore.ChannelActive {
		return paycore.BalanceUpdate{}, m.reject(ctx, "reject_close", update, errNotActive(snap.ID, snap.Status))
	}
	if !update.Final {
		return paycore.BalanceUpdate{}, m.reject(ctx, "reject_close", update, errStale("close requires a final update"))
	}
	if !update.SameSplit(snap.Latest) {
		return paycore.BalanceUpdate{}, m.reject(ctx, "reject_close", update, errStale("final update changes the split"))
	}
	if perr := m.validateInbound(snap, update); perr != nil {
		return paycore.BalanceUpdate{}, m.reject(ctx, "reject_close", update, perr)
	}

	sig, err := m.sign(ctx, paycore.TransferChannelCosign, snap.Counterparty(), 0, update)
	if err != nil {
		return paycore.BalanceUpdate{}, err
	}
	cosigned := update.WithSignature(snap.LocalRole, sig)

	if _, err := m.transition(r, paycore.ChannelCooperativeClosing, nil); err != nil {
		return paycore.BalanceUpdate{}, err
	}
	m.commitUpdate(r, cosigned)
	return cosigned, nil
}

// ConfirmClosed finishes a cooperative close initiated by the counterparty
// once its settlement transaction is confirmed.
func (m *Manager) ConfirmClosed(ctx context.Context, channelID, txHash string) (paycore.Settlement, error) {
	r, err := m.get(channelID)
	if err != nil {
		return paycore.Settlement{}, err
	}
	if err := r.lock(ctx, m.config.LockWait); err != nil {
		return paycore.Settlement{}, err
	}
	defer r.unlock()

	snap := r.snapshot()
	if snap.Status != paycore.ChannelCooperativeClosing || !snap.Latest.Final {
		return paycore.Settlement{}, errNotActive(snap.ID, snap.Status)
	}
	status, err := m.gateway.Status(ctx, txHash)
	if err != nil {
		return paycore.Settlement{}, err
	}
	if status != paycore.TxConfirmed {
		return paycore.Settlement{}, paycore.NewPaymentError(paycore.ErrCodeInvalidState,
			fmt.Sprintf("settlement %s is %s", txHash, status), nil)
	}

	closed, err := m.transition(r, paycore.ChannelClosed, nil)
	if err != nil {
		return paycore.Settlement{}, err
	}
	settlement := paycore.Settlement{ChannelID: closed.ID, Final: closed.Latest, TxHash: txHash}
	m.archive(ctx, closed, settlement)
	return settlement, nil
}

// CloseUnilateral submits the latest co-signed update on-chain without the
// counterparty and starts the dispute period.
func (m *Manager) CloseUnilateral(ctx context.Context, channelID string) (paycore.ChannelSnapshot, error) {
	r, err := m.get(channelID)
	if err != nil {
		return paycore.ChannelSnapshot{}, err
	}
	if !r.tryLock() {
		return paycore.ChannelSnapshot{}, errInFlight(channelID)
	}
	defer r.unlock()

	snap := r.snapshot()
	if !canTransition(snap.Status, paycore.ChannelDisputing) {
		return paycore.ChannelSnapshot{}, errInvalidState(snap.ID, snap.Status, paycore.ChannelDisputing)
	}

	hash, err := m.submitDispute(ctx, snap, snap.Latest)
	if err != nil {
		return paycore.ChannelSnapshot{}, err
	}

	deadline := m.now().Add(m.config.DisputePeriod)
	disputing, err := m.transition(r, paycore.ChannelDisputing, func(s *paycore.ChannelSnapshot) {
		s.DisputeDeadline = deadline
		s.LastActivity = m.now()
	})
	if err != nil {
		return paycore.ChannelSnapshot{}, err
	}
	m.logger.Info("dispute started",
		zap.String("channel_id", snap.ID),
		zap.Uint64("sequence", snap.Latest.Sequence),
		zap.String("tx", hash),
		zap.Time("deadline", deadline))
	return disputing, nil
}

func (m *Manager) submitDispute(ctx context.Context, snap paycore.ChannelSnapshot, u paycore.BalanceUpdate) (string, error) {
	params := paycore.TxParams{
		Kind:   paycore.TxEscrowDispute,
		Escrow: paycore.EscrowCallFor(u, snap.Counterparty()),
	}
	signed, err := m.gateway.SubmitAndConfirm(ctx, m.Address(), params, m.signTx(paycore.TransferEscrowDispute, snap.Counterparty(), 0))
	hash := ""
	if signed != nil {
		hash = signed.Hash
	}
	m.recordTx(ctx, paycore.TxEscrowDispute, snap, 0, hash, err)
	return hash, err
}

// ObserveDispute handles an update the counterparty submitted to the
// escrow. A valid update with a higher sequence replaces ours; a lower one
// is answered by resubmitting ours. Two different updates with the same
// sequence cannot be resolved here: the call fails with
// arbitration_required and the channel is left unchanged.
func (m *Manager) ObserveDispute(ctx context.Context, channelID string, update paycore.BalanceUpdate) (paycore.ChannelSnapshot, error) {
	r, err := m.get(channelID)
	if err != nil {
		return paycore.ChannelSnapshot{}, err
	}
	if err := r.lock(ctx, m.config.LockWait); err != nil {
		return paycore.ChannelSnapshot{}, err
	}
	defer r.unlock()

	snap := r.snapshot()
	if snap.Status != paycore.ChannelDisputing && !canTransition(snap.Status, paycore.ChannelDisputing) {
		return paycore.ChannelSnapshot{}, errNotActive(snap.ID, snap.Status)
	}
	if perr := m.validateDisputed(snap, update); perr != nil {
		return paycore.ChannelSnapshot{}, m.reject(ctx, "reject_dispute", update, perr)
	}

	latest := snap.Latest
	if update.Sequence == latest.Sequence && !update.SameSplit(latest) {
		perr := paycore.NewPaymentError(paycore.ErrCodeArbitrationRequired,
			fmt.Sprintf("conflicting updates at sequence %d", update.Sequence),
			map[string]interface{}{"channelId": snap.ID, "sequence": update.Sequence})
		m.logger.Error("conflicting co-signed updates",
			zap.String("channel_id", snap.ID),
			zap.Uint64("sequence", update.Sequence))
		m.recorder.RecordAudit(ctx, paycore.AuditRecord{
			Action:    "arbitration_required",
			ChannelID: snap.ID,
			Payload:   map[string]paycore.BalanceUpdate{"local": latest, "observed": update},
			Result:    perr.Code,
			CreatedAt: m.now(),
		})
		return paycore.ChannelSnapshot{}, perr
	}

	if snap.Status != paycore.ChannelDisputing {
		deadline := m.now().Add(m.config.DisputePeriod)
		if snap, err = m.transition(r, paycore.ChannelDisputing, func(s *paycore.ChannelSnapshot) {
			s.DisputeDeadline = deadline
		}); err != nil {
			return paycore.ChannelSnapshot{}, err
		}
	}

	switch {
	case update.Sequence > latest.Sequence:
		m.logger.Info("newer update observed in dispute",
			zap.String("channel_id", snap.ID),
			zap.Uint64("sequence", update.Sequence))
		return m.commitUpdate(r, update), nil

	case update.Sequence < latest.Sequence:
		m.logger.Info("stale update observed in dispute, resubmitting latest",
			zap.String("channel_id", snap.ID),
			zap.Uint64("observed", update.Sequence),
			zap.Uint64("latest", latest.Sequence))
		if _, err := m.submitDispute(ctx, snap, latest); err != nil {
			return r.snapshot(), err
		}
	}
	return r.snapshot(), nil
}

// validateDisputed checks an update seen on-chain: both signatures valid
// (sequence 0 is the unsigned opening split) and the capacity conserved.
func (m *Manager) validateDisputed(snap paycore.ChannelSnapshot, u paycore.BalanceUpdate) *paycore.PaymentError {
	if err := paycore.ValidateSplit(u, snap.Capacity); err != nil {
		return paycore.Classify(err)
	}
	if u.Sequence == 0 {
		if u.BalanceA != snap.Capacity {
			return errStale("opening split must leave the capacity with the opener")
		}
		return nil
	}
	if !m.verify(u, paycore.RoleA, snap.ParticipantA) || !m.verify(u, paycore.RoleB, snap.ParticipantB) {
		return errStale("disputed update is not signed by both parties")
	}
	return nil
}

// FinalizeDispute closes a disputing channel once its deadline has passed.
// The settlement is marked forced and the OnForcedSettlement callback fires.
func (m *Manager) FinalizeDispute(ctx context.Context, channelID string) (paycore.Settlement, error) {
	r, err := m.get(channelID)
	if err != nil {
		return paycore.Settlement{}, err
	}
	if !r.tryLock() {
		return paycore.Settlement{}, errInFlight(channelID)
	}
	defer r.unlock()

	snap := r.snapshot()
	if snap.Status != paycore.ChannelDisputing {
		return paycore.Settlement{}, errNotActive(snap.ID, snap.Status)
	}
	if !m.now().After(snap.DisputeDeadline) {
		return paycore.Settlement{}, paycore.NewPaymentError(paycore.ErrCodeInvalidState,
			fmt.Sprintf("dispute period of %s ends at %s", snap.ID, snap.DisputeDeadline.Format("2006-01-02T15:04:05Z07:00")), nil)
	}

	params := paycore.TxParams{
		Kind:   paycore.TxEscrowFinalize,
		Escrow: &paycore.EscrowCall{ChannelID: snap.ID, Counterparty: snap.Counterparty()},
	}
	signed, err := m.gateway.SubmitAndConfirm(ctx, m.Address(), params, m.signTx(paycore.TransferEscrowClose, snap.Counterparty(), 0))
	hash := ""
	if signed != nil {
		hash = signed.Hash
	}
	m.recordTx(ctx, paycore.TxEscrowFinalize, snap, 0, hash, err)
	if err != nil {
		return paycore.Settlement{}, err
	}

	closed, err := m.transition(r, paycore.ChannelClosed, nil)
	if err != nil {
		return paycore.Settlement{}, err
	}
	settlement := paycore.Settlement{
		ChannelID: closed.ID,
		Final:     closed.Latest,
		TxHash:    hash,
		Forced:    true,
		Reason:    ReasonDisputeTimeout,
	}
	m.archive(ctx, closed, settlement)
	if m.onForcedSettlement != nil {
		m.onForcedSettlement(settlement)
	}
	return settlement, nil
}
