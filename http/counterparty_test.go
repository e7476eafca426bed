package http

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"

	"github.com/cygnus-agents/paycore"
	"github.com/cygnus-agents/paycore/test/mocks/cash"
)

// lossyTransport applies requests to path but loses the first n answers.
type lossyTransport struct {
	path  string
	lose  atomic.Int32
	calls atomic.Int32
}

func (l *lossyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Path != l.path {
		return http.DefaultTransport.RoundTrip(req)
	}
	l.calls.Add(1)
	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if l.lose.Add(-1) >= 0 {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}
	}
	return resp, nil
}

func TestCounterparty_Lifecycle(t *testing.T) {
	book, payer, payee := pair(t)
	snap := openChannel(t, book, payer, payee, 10_000_000)
	ctx := context.Background()

	remote, err := payee.manager.Channel(snap.ID)
	if err != nil {
		t.Fatalf("announcement did not reach the payee: %v", err)
	}
	if remote.LocalRole != paycore.RoleB || remote.Capacity != snap.Capacity {
		t.Errorf("unexpected remote channel %+v", remote)
	}

	update, err := payer.manager.ProposeUpdate(ctx, snap.ID, 1_500)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if !update.FullySigned() || update.Sequence != 1 {
		t.Errorf("expected co-signed update 1, got %+v", update)
	}
	credited, err := payee.manager.VerifyReceipt(update)
	if err != nil || credited != 1_500 {
		t.Errorf("expected receipt for 1500, got %d (%v)", credited, err)
	}

	settlement, err := payer.manager.CloseCooperative(ctx, snap.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !settlement.Final.Final || settlement.Final.BalanceB != 1_500 {
		t.Errorf("unexpected settlement %+v", settlement)
	}
	remote, _ = payee.manager.Channel(snap.ID)
	if remote.Status != paycore.ChannelCooperativeClosing {
		t.Errorf("expected payee to wait for settlement, got %s", remote.Status)
	}
}

func TestCounterparty_LostAnswerRecovered(t *testing.T) {
	book, payer, payee := pair(t)
	lossy := &lossyTransport{path: PathUpdates}
	lossy.lose.Store(1)
	payer.dial(payee, lossy)
	snap := openChannel(t, book, payer, payee, 10_000_000)

	update, err := payer.manager.ProposeUpdate(context.Background(), snap.ID, 700)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if got := lossy.calls.Load(); got != 2 {
		t.Errorf("expected one resend, got %d calls", got)
	}

	local, _ := payer.manager.Channel(snap.ID)
	remote, _ := payee.manager.Channel(snap.ID)
	if local.Sequence != 1 || remote.Sequence != 1 {
		t.Fatalf("expected both sides at sequence 1, got %d and %d", local.Sequence, remote.Sequence)
	}
	if !bytes.Equal(local.Latest.Signature(paycore.RoleB), update.Signature(paycore.RoleB)) {
		t.Error("payer committed a different co-signature than it returned")
	}

	// the channel keeps working afterwards
	if _, err := payer.manager.ProposeUpdate(context.Background(), snap.ID, 300); err != nil {
		t.Fatalf("second propose: %v", err)
	}
	remote, _ = payee.manager.Channel(snap.ID)
	if remote.BalanceB != 1_000 {
		t.Errorf("expected payee balance 1000, got %d", remote.BalanceB)
	}
}

func TestCounterparty_RemoteErrors(t *testing.T) {
	book, payer, payee := pair(t)
	snap := openChannel(t, book, payer, payee, 10_000_000)
	cp := payer.dial(payee, nil)
	ctx := context.Background()

	t.Run("unknown channel", func(t *testing.T) {
		_, err := cp.RequestCoSign(ctx, paycore.BalanceUpdate{ChannelID: "0xdead", Sequence: 1})
		expectCode(t, err, paycore.ErrCodeChannelNotFound)
	})

	t.Run("unsigned update", func(t *testing.T) {
		_, err := cp.RequestCoSign(ctx, paycore.BalanceUpdate{ChannelID: snap.ID, BalanceA: snap.Capacity - 1, BalanceB: 1, Sequence: 1})
		expectCode(t, err, paycore.ErrCodeStaleOrInvalidUpdate)
	})

	t.Run("close with changed split", func(t *testing.T) {
		_, err := cp.RequestClose(ctx, paycore.BalanceUpdate{ChannelID: snap.ID, BalanceA: 0, BalanceB: snap.Capacity, Sequence: 1, Final: true})
		expectCode(t, err, paycore.ErrCodeStaleOrInvalidUpdate)
	})

	t.Run("malformed body", func(t *testing.T) {
		resp, err := http.Post(payee.server.URL+PathUpdates, "application/json", strings.NewReader("{"))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		expectCode(t, remoteError(resp.StatusCode, body), paycore.ErrCodeDecode)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", resp.StatusCode)
		}
	})

	remote, _ := payee.manager.Channel(snap.ID)
	if remote.Sequence != 0 {
		t.Errorf("rejected requests changed the channel: sequence %d", remote.Sequence)
	}
}

func TestCounterparty_RateLimited(t *testing.T) {
	payee := newPeer(t, cash.NewLedger(), WithPeerRateLimit(1, 1))
	cp := NewCounterpartyClient(CounterpartyConfig{URL: payee.server.URL, Identity: "agent-1"})
	other := NewCounterpartyClient(CounterpartyConfig{URL: payee.server.URL, Identity: "agent-2"})
	ctx := context.Background()
	update := paycore.BalanceUpdate{ChannelID: "0xdead", Sequence: 1}

	_, err := cp.RequestCoSign(ctx, update)
	expectCode(t, err, paycore.ErrCodeChannelNotFound)
	_, err = cp.RequestCoSign(ctx, update)
	expectCode(t, err, paycore.ErrCodeNetworkTransient)
	if !paycore.IsRetryable(err) {
		t.Error("rate limiting should be retryable")
	}

	// buckets are per peer
	_, err = other.RequestCoSign(ctx, update)
	expectCode(t, err, paycore.ErrCodeChannelNotFound)
}

func TestChannelServer_Prune(t *testing.T) {
	s := NewChannelServer(nil)
	s.allow("a")
	s.allow("b")
	if n := s.Prune(-1); n != 2 {
		t.Errorf("expected 2 pruned, got %d", n)
	}
	s.allow("c")
	if n := s.Prune(1 << 40); n != 0 {
		t.Errorf("expected nothing pruned, got %d", n)
	}
}

func TestStatusFor(t *testing.T) {
	tests := map[string]int{
		paycore.ErrCodeDecode:               http.StatusBadRequest,
		paycore.ErrCodePolicyRejected:       http.StatusForbidden,
		paycore.ErrCodeChannelNotFound:      http.StatusNotFound,
		paycore.ErrCodeStaleOrInvalidUpdate: http.StatusConflict,
		paycore.ErrCodeUpdateInFlight:       http.StatusConflict,
		paycore.ErrCodeCapacityExceeded:     http.StatusUnprocessableEntity,
		paycore.ErrCodeNetworkTransient:     http.StatusServiceUnavailable,
		paycore.ErrCodePaymentTimeout:       http.StatusGatewayTimeout,
		paycore.ErrCodeSettlementFailed:     http.StatusInternalServerError,
	}
	for code, want := range tests {
		if got := statusFor(code); got != want {
			t.Errorf("statusFor(%s) = %d, want %d", code, got, want)
		}
	}
}

func TestRemoteError_WithoutBody(t *testing.T) {
	tests := []struct {
		status int
		code   string
	}{
		{http.StatusBadGateway, paycore.ErrCodeNetworkTransient},
		{http.StatusTooManyRequests, paycore.ErrCodeNetworkTransient},
		{http.StatusTeapot, paycore.ErrCodeSettlementFailed},
	}
	for _, tt := range tests {
		err := remoteError(tt.status, []byte("upstream says no"))
		if got := paycore.CodeOf(err); got != tt.code {
			t.Errorf("status %d: expected %s, got %s", tt.status, tt.code, got)
		}
	}
}

type staticAuth map[string]string

func (a staticAuth) GetAuthHeaders(context.Context) (map[string]string, error) { return a, nil }

func TestCounterpartyClient_Headers(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cp := NewCounterpartyClient(CounterpartyConfig{
		URL:          srv.URL,
		Identity:     "0xabc",
		AuthProvider: staticAuth{"Authorization": "Bearer token"},
	})
	if err := cp.AnnounceChannel(context.Background(), paycore.ChannelAnnouncement{ChannelID: "0x01"}); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if got.Get("Authorization") != "Bearer token" {
		t.Errorf("auth header not sent: %v", got)
	}
	if got.Get(HeaderPeer) != "0xabc" {
		t.Errorf("peer header not sent: %v", got)
	}
	if got.Get("Content-Type") != "application/json" {
		t.Errorf("unexpected content type %q", got.Get("Content-Type"))
	}
}

func TestCounterpartyClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cp := NewCounterpartyClient(CounterpartyConfig{URL: url})
	_, err := cp.RequestCoSign(context.Background(), paycore.BalanceUpdate{})
	expectCode(t, err, paycore.ErrCodeNetworkTransient)
}
