package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cygnus-agents/paycore"
	"github.com/cygnus-agents/paycore/mechanisms/evm"
	"github.com/cygnus-agents/paycore/retry"
)

// signBoth returns u signed by both parties of f.
func signBoth(t *testing.T, f *fixture, u paycore.BalanceUpdate) paycore.BalanceUpdate {
	t.Helper()
	digest, err := evm.HashBalanceUpdate(f.a.manager.Config().Domain, u)
	require.NoError(t, err)
	sigA, err := f.a.key.SignDigest(digest)
	require.NoError(t, err)
	sigB, err := f.b.key.SignDigest(digest)
	require.NoError(t, err)
	return u.WithSignature(paycore.RoleA, sigA).WithSignature(paycore.RoleB, sigB)
}

func TestCloseCooperative(t *testing.T) {
	f := newFixture(t)
	snap := f.open(t, capacity)
	ctx := context.Background()
	_, err := f.a.manager.ProposeUpdate(ctx, snap.ID, 1_000_000)
	require.NoError(t, err)

	settlement, err := f.a.manager.CloseCooperative(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, settlement.ChannelID)
	assert.NotEmpty(t, settlement.TxHash)
	assert.False(t, settlement.Forced)
	assert.True(t, settlement.Final.Final)
	assert.True(t, settlement.Final.FullySigned())
	assert.Equal(t, uint64(2), settlement.Final.Sequence)
	assert.Equal(t, paycore.Amount(9_000_000), settlement.Final.BalanceA)
	assert.Equal(t, paycore.Amount(1_000_000), settlement.Final.BalanceB)

	_, err = f.a.manager.Channel(snap.ID)
	requireCode(t, err, paycore.ErrCodeChannelNotFound)
	require.Len(t, f.a.recorder.settlements(), 1)
	assert.Len(t, f.book.TransactionsOfKind(paycore.TxEscrowSettle), 1)

	remote, err := f.b.manager.Channel(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, paycore.ChannelCooperativeClosing, remote.Status)

	// B finishes once it sees the settlement
	_, err = f.b.manager.ProposeUpdate(ctx, snap.ID, 1)
	requireCode(t, err, paycore.ErrCodeInvalidState)
	closed, err := f.b.manager.ConfirmClosed(ctx, snap.ID, settlement.TxHash)
	require.NoError(t, err)
	assert.Equal(t, settlement.Final, closed.Final)
	_, err = f.b.manager.Channel(snap.ID)
	requireCode(t, err, paycore.ErrCodeChannelNotFound)
}

func TestCloseCooperative_RefusedReturnsToActive(t *testing.T) {
	f := newFixture(t)
	snap := f.open(t, capacity)
	require.NoError(t, f.b.signer.DeletePolicy(testPolicy))

	_, err := f.a.manager.CloseCooperative(context.Background(), snap.ID)
	requireCode(t, err, paycore.ErrCodePolicyRejected)

	got, err := f.a.manager.Channel(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, paycore.ChannelActive, got.Status)
	assert.Zero(t, got.Sequence)
	assert.Empty(t, f.book.TransactionsOfKind(paycore.TxEscrowSettle))
}

func TestCloseCooperative_LostResponse(t *testing.T) {
	f := newFixture(t)
	snap := f.open(t, capacity)
	f.toB.DropResponses(1)

	settlement, err := f.a.manager.CloseCooperative(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), settlement.Final.Sequence)
}

func TestCloseCooperative_ResubmitsAfterSettlementFailure(t *testing.T) {
	f := newFixture(t)
	snap := f.open(t, capacity)
	ctx := context.Background()
	f.book.RejectBroadcasts(1)

	_, err := f.a.manager.CloseCooperative(ctx, snap.ID)
	requireCode(t, err, paycore.ErrCodeSettlementFailed)
	got, err := f.a.manager.Channel(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, paycore.ChannelCooperativeClosing, got.Status)
	assert.True(t, got.Latest.Final)

	settlement, err := f.a.manager.CloseCooperative(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Latest, settlement.Final)
}

func TestAcceptClose_RejectsChangedSplit(t *testing.T) {
	f := newFixture(t)
	snap := f.open(t, capacity)

	final := paycore.BalanceUpdate{ChannelID: snap.ID, BalanceA: capacity - 10, BalanceB: 10, Sequence: 1, Final: true}
	digest, err := evm.HashBalanceUpdate(f.a.manager.Config().Domain, final)
	require.NoError(t, err)
	sig, err := f.a.key.SignDigest(digest)
	require.NoError(t, err)

	_, err = f.b.manager.AcceptClose(context.Background(), final.WithSignature(paycore.RoleA, sig))
	requireCode(t, err, paycore.ErrCodeStaleOrInvalidUpdate)

	got, _ := f.b.manager.Channel(snap.ID)
	assert.Equal(t, paycore.ChannelActive, got.Status)
	assert.Contains(t, f.b.recorder.auditActions(), "reject_close")
}

func TestConfirmClosed_RequiresConfirmedSettlement(t *testing.T) {
	f := newFixture(t)
	snap := f.open(t, capacity)

	_, err := f.b.manager.ConfirmClosed(context.Background(), snap.ID, "0x01")
	requireCode(t, err, paycore.ErrCodeInvalidState)
}

func TestUnilateralCloseAndFinalize(t *testing.T) {
	var forced []paycore.Settlement
	f := newFixture(t, OnForcedSettlement(func(s paycore.Settlement) { forced = append(forced, s) }))
	snap := f.open(t, capacity)
	ctx := context.Background()
	_, err := f.a.manager.ProposeUpdate(ctx, snap.ID, 2_500)
	require.NoError(t, err)

	disputing, err := f.a.manager.CloseUnilateral(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, paycore.ChannelDisputing, disputing.Status)
	assert.Equal(t, f.clock.Now().Add(DefaultDisputePeriod), disputing.DisputeDeadline)
	require.Len(t, f.book.TransactionsOfKind(paycore.TxEscrowDispute), 1)

	_, err = f.a.manager.ProposeUpdate(ctx, snap.ID, 1)
	requireCode(t, err, paycore.ErrCodeInvalidState)

	_, err = f.a.manager.FinalizeDispute(ctx, snap.ID)
	requireCode(t, err, paycore.ErrCodeInvalidState)

	f.clock.Advance(DefaultDisputePeriod + time.Second)
	settlement, err := f.a.manager.FinalizeDispute(ctx, snap.ID)
	require.NoError(t, err)
	assert.True(t, settlement.Forced)
	assert.Equal(t, ReasonDisputeTimeout, settlement.Reason)
	assert.Equal(t, uint64(1), settlement.Final.Sequence)
	assert.Equal(t, paycore.Amount(2_500), settlement.Final.BalanceB)

	require.Len(t, forced, 1)
	assert.Equal(t, settlement, forced[0])
	_, err = f.a.manager.Channel(snap.ID)
	requireCode(t, err, paycore.ErrCodeChannelNotFound)
}

func TestCloseUnilateral_SubmitFailureKeepsStatus(t *testing.T) {
	f := newFixture(t)
	snap := f.open(t, capacity)
	f.book.RejectBroadcasts(1)

	_, err := f.a.manager.CloseUnilateral(context.Background(), snap.ID)
	requireCode(t, err, paycore.ErrCodeSettlementFailed)

	got, _ := f.a.manager.Channel(snap.ID)
	assert.Equal(t, paycore.ChannelActive, got.Status)
}

func TestObserveDispute(t *testing.T) {
	t.Run("older update is answered with ours", func(t *testing.T) {
		f := newFixture(t)
		snap := f.open(t, capacity)
		ctx := context.Background()
		first, err := f.a.manager.ProposeUpdate(ctx, snap.ID, 100)
		require.NoError(t, err)
		_, err = f.b.manager.ProposeUpdate(ctx, snap.ID, 40)
		require.NoError(t, err)

		got, err := f.a.manager.ObserveDispute(ctx, snap.ID, first)
		require.NoError(t, err)
		assert.Equal(t, paycore.ChannelDisputing, got.Status)
		assert.Equal(t, uint64(2), got.Latest.Sequence)

		submitted := f.book.TransactionsOfKind(paycore.TxEscrowDispute)
		require.Len(t, submitted, 1)
		assert.Equal(t, uint64(2), submitted[0].Transaction.Params.Escrow.Sequence)
	})

	t.Run("newer update replaces ours", func(t *testing.T) {
		f := newFixture(t, WithRetry(retry.New(retry.Policy{MaxRetries: 0}, retry.WithSleeper(noSleep))))
		snap := f.open(t, capacity)
		ctx := context.Background()
		f.toB.DropResponses(1)
		_, err := f.a.manager.ProposeUpdate(ctx, snap.ID, 100)
		require.Error(t, err)

		remote, _ := f.b.manager.Channel(snap.ID)
		got, err := f.a.manager.ObserveDispute(ctx, snap.ID, remote.Latest)
		require.NoError(t, err)
		assert.Equal(t, paycore.ChannelDisputing, got.Status)
		assert.Equal(t, remote.Latest, got.Latest)
		assert.Equal(t, paycore.Amount(100), got.BalanceB)
		assert.Empty(t, f.book.TransactionsOfKind(paycore.TxEscrowDispute))
	})

	t.Run("conflicting update at same sequence", func(t *testing.T) {
		f := newFixture(t)
		snap := f.open(t, capacity)
		ctx := context.Background()
		_, err := f.a.manager.ProposeUpdate(ctx, snap.ID, 100)
		require.NoError(t, err)

		conflicting := signBoth(t, f, paycore.BalanceUpdate{ChannelID: snap.ID, BalanceA: capacity - 900, BalanceB: 900, Sequence: 1})
		_, err = f.a.manager.ObserveDispute(ctx, snap.ID, conflicting)
		requireCode(t, err, paycore.ErrCodeArbitrationRequired)

		got, _ := f.a.manager.Channel(snap.ID)
		assert.Equal(t, paycore.ChannelActive, got.Status)
		assert.Equal(t, paycore.Amount(100), got.BalanceB)
		assert.Contains(t, f.a.recorder.auditActions(), "arbitration_required")
	})

	t.Run("half-signed update is rejected", func(t *testing.T) {
		f := newFixture(t)
		snap := f.open(t, capacity)
		u := signBoth(t, f, paycore.BalanceUpdate{ChannelID: snap.ID, BalanceA: 0, BalanceB: capacity, Sequence: 5})
		u.SigB = nil

		_, err := f.a.manager.ObserveDispute(context.Background(), snap.ID, u)
		requireCode(t, err, paycore.ErrCodeStaleOrInvalidUpdate)
		got, _ := f.a.manager.Channel(snap.ID)
		assert.Equal(t, paycore.ChannelActive, got.Status)
	})
}

func TestLoopback_UnknownPeer(t *testing.T) {
	r := NewStaticResolver()
	_, err := r.Resolve("0xabc")
	assert.Error(t, err)

	lb := NewLoopback(nil)
	r.Add("0xABC", lb)
	got, err := r.Resolve("0xabc")
	require.NoError(t, err)
	assert.Same(t, lb, got)
}
