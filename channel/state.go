package channel

import (
	"fmt"

	"github.com/cygnus-agents/paycore"
)

var transitions = map[paycore.ChannelStatus][]paycore.ChannelStatus{
	paycore.ChannelOpening:            {paycore.ChannelActive},
	paycore.ChannelActive:             {paycore.ChannelCooperativeClosing, paycore.ChannelDisputing},
	paycore.ChannelCooperativeClosing: {paycore.ChannelClosed, paycore.ChannelActive, paycore.ChannelDisputing},
	paycore.ChannelDisputing:          {paycore.ChannelClosed},
}

// canTransition reports whether a channel may move from one status to
// another. A cooperative close that fails to collect a co-signature returns
// to Active; one that stalls after co-signing may still be disputed.
func canTransition(from, to paycore.ChannelStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func errInvalidState(id string, from, to paycore.ChannelStatus) *paycore.PaymentError {
	return paycore.NewPaymentError(paycore.ErrCodeInvalidState,
		fmt.Sprintf("channel %s cannot move from %s to %s", id, from, to),
		map[string]interface{}{"channelId": id, "status": string(from)})
}

func errNotActive(id string, status paycore.ChannelStatus) *paycore.PaymentError {
	return paycore.NewPaymentError(paycore.ErrCodeInvalidState,
		fmt.Sprintf("channel %s is %s", id, status),
		map[string]interface{}{"channelId": id, "status": string(status)})
}

func errInFlight(id string) *paycore.PaymentError {
	return paycore.NewPaymentError(paycore.ErrCodeUpdateInFlight,
		fmt.Sprintf("channel %s has an operation in flight", id),
		map[string]interface{}{"channelId": id})
}

func errStale(format string, args ...interface{}) *paycore.PaymentError {
	return paycore.NewPaymentError(paycore.ErrCodeStaleOrInvalidUpdate, fmt.Sprintf(format, args...), nil)
}

func errReplayed(committed paycore.BalanceUpdate) *paycore.PaymentError {
	return errStale("update %d is already committed", committed.Sequence).
		WithDetail(paycore.DetailCommittedUpdate, committed)
}
