package channel

import (
	"context"

	"go.uber.org/zap"

	"github.com/cygnus-agents/paycore"
)

// SweepResult reports what one Sweep did.
type SweepResult struct {
	// Finalized holds disputes settled after their deadline.
	Finalized []paycore.Settlement
	// Closed holds idle channels the counterparty agreed to close and stalled
	// closes that settled on resubmission.
	Closed []paycore.Settlement
	// Disputed lists channels closed without the counterparty.
	Disputed []string
	// Failed maps channel ids to the error that stopped them.
	Failed map[string]error
}

// Sweep acts on CheckExpiredChannels. Elapsed disputes are finalized. Idle
// channels are closed cooperatively, or unilaterally when the counterparty
// does not co-sign. A stalled cooperative close has its co-signed final
// update resubmitted, and is disputed with that update if the settlement
// fails again.
func (m *Manager) Sweep(ctx context.Context) SweepResult {
	res := SweepResult{Failed: make(map[string]error)}
	for _, exp := range m.CheckExpiredChannels(m.now()) {
		if ctx.Err() != nil {
			break
		}
		switch exp.Reason {
		case ReasonDisputeTimeout:
			settlement, err := m.FinalizeDispute(ctx, exp.ChannelID)
			if err != nil {
				res.Failed[exp.ChannelID] = err
				continue
			}
			res.Finalized = append(res.Finalized, settlement)

		case ReasonIdleTimeout, ReasonCloseStalled:
			settlement, err := m.CloseCooperative(ctx, exp.ChannelID)
			if err == nil {
				res.Closed = append(res.Closed, settlement)
				continue
			}
			m.logger.Info("channel not closed cooperatively, disputing",
				zap.String("channel_id", exp.ChannelID),
				zap.String("reason", exp.Reason),
				zap.Error(err))
			if _, uerr := m.CloseUnilateral(ctx, exp.ChannelID); uerr != nil {
				res.Failed[exp.ChannelID] = uerr
				continue
			}
			res.Disputed = append(res.Disputed, exp.ChannelID)
		}
	}

	for id, err := range res.Failed {
		m.logger.Warn("sweep failed for channel", zap.String("channel_id", id), zap.Error(err))
	}
	return res
}
