package stream

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// receiveAllStreams raises the receive ceiling of every stream the
// connection accepts, standing in for a receiving application. Other
// events are forwarded on the returned channel, which closes when the
// connection does.
func receiveAllStreams(conn *Connection, receiveMax uint64) <-chan Event {
	out := make(chan Event, eventBufferSize)
	go func() {
		defer close(out)
		for ev := range conn.Events() {
			if ev.Type == EventStream {
				_ = ev.Stream.SetReceiveMax(receiveMax)
				continue
			}
			select {
			case out <- ev:
			default:
			}
		}
	}()
	return out
}

// TestMoneyEndToEnd moves value from client to server at a 2:1 rate
// and checks the totals on both sides, including the aggregate
// invariants over per-stream totals.
func TestMoneyEndToEnd(t *testing.T) {
	pair, err := newTestPair(big.NewRat(2, 1), 0, nil)
	require.NoError(t, err)
	defer pair.close()

	receiveAllStreams(pair.server, 10_000)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, pair.client.Connect(ctx))

	s, err := pair.client.CreateStream()
	require.NoError(t, err)
	require.NoError(t, s.SetSendMax(500))

	require.Eventually(t, func() bool {
		return s.TotalSent() == 500
	}, 10*time.Second, 10*time.Millisecond, "value did not drain")

	// 500 at rate 2 delivers 1000.
	assert.Equal(t, int64(500), pair.client.TotalSent().Int64())
	assert.Equal(t, int64(1000), pair.client.TotalDelivered().Int64())

	require.Eventually(t, func() bool {
		return pair.server.TotalReceived().Int64() == 1000
	}, 5*time.Second, 10*time.Millisecond)

	// Aggregate totals match the per-stream sums.
	pair.client.mu.Lock()
	var streamSent uint64
	for _, cs := range pair.client.registry.streams {
		streamSent += cs.totalSent
	}
	pair.client.mu.Unlock()
	assert.Equal(t, pair.client.TotalSent().Uint64(), streamSent)

	pair.server.mu.Lock()
	var streamReceived uint64
	for _, ss := range pair.server.registry.streams {
		streamReceived += ss.totalReceived
	}
	pair.server.mu.Unlock()
	assert.Equal(t, pair.server.TotalReceived().Uint64(), streamReceived)
}

// TestInboundMoneyBeyondReceiveMax covers the receive ceiling: a
// transfer allocating 150 to a stream that will only take 100 is
// rejected with a StreamMaxMoney advertisement and nothing credited.
func TestInboundMoneyBeyondReceiveMax(t *testing.T) {
	server := newIdleConnection(t, true)
	server.mu.Lock()
	s, err := server.registry.acceptRemote(1)
	require.NoError(t, err)
	s.receiveMax = 100
	server.mu.Unlock()

	env, err := newCryptoEnvelope(testSecret, false)
	require.NoError(t, err)

	inner := &Packet{
		Sequence:      1,
		PacketType:    PacketTypePrepare,
		PrepareAmount: 0,
		Frames:        []Frame{&StreamMoneyFrame{StreamID: 1, Shares: 1}},
	}
	ciphertext, err := env.encrypt(inner.Marshal())
	require.NoError(t, err)
	prepare := &Prepare{
		Amount:             150,
		ExpiresAt:          time.Now().Add(30 * time.Second),
		ExecutionCondition: env.generateCondition(ciphertext),
		Destination:        "test.local",
		Data:               ciphertext,
	}
	raw, err := prepare.Marshal()
	require.NoError(t, err)

	response := server.HandleData(raw)
	fulfill, reject, err := UnmarshalResponse(response)
	require.NoError(t, err)
	require.Nil(t, fulfill, "transfer must not fulfill")
	require.Equal(t, CodeApplicationError, reject.Code)

	// The reject carries our window advertisement.
	plaintext, err := env.decrypt(reject.Data)
	require.NoError(t, err)
	rejectPacket := &Packet{}
	require.NoError(t, rejectPacket.Unmarshal(plaintext))
	assert.Equal(t, PacketTypeReject, rejectPacket.PacketType)
	assert.Equal(t, uint64(1), rejectPacket.Sequence)
	assert.Equal(t, uint64(150), rejectPacket.PrepareAmount)

	var maxMoney *StreamMaxMoneyFrame
	for _, f := range rejectPacket.Frames {
		if mm, ok := f.(*StreamMaxMoneyFrame); ok && mm.StreamID == 1 {
			maxMoney = mm
		}
	}
	require.NotNil(t, maxMoney, "expected StreamMaxMoney in reject")
	assert.Equal(t, uint64(100), maxMoney.ReceiveMax)
	assert.Equal(t, uint64(0), maxMoney.TotalReceived)

	// Nothing was credited.
	assert.Equal(t, uint64(0), s.TotalReceived())
	assert.Equal(t, int64(0), server.TotalReceived().Int64())
}

// TestGracefulClose covers the close handshake: an open stream drains
// mid-transfer, the final packet carries ConnectionClose(NoError), and
// both sides emit end then close.
func TestGracefulClose(t *testing.T) {
	pair, err := newTestPair(big.NewRat(1, 1), 0, nil)
	require.NoError(t, err)
	defer pair.close()

	serverEvents := receiveAllStreams(pair.server, 1_000_000)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, pair.client.Connect(ctx))

	clientEvents := pair.client.Events()

	s, err := pair.client.CreateStream()
	require.NoError(t, err)
	require.NoError(t, s.SetSendMax(200))
	_, err = s.Write([]byte("closing time"))
	require.NoError(t, err)

	require.NoError(t, pair.client.End(ctx))

	// The stream drained before the close.
	assert.Equal(t, uint64(200), s.TotalSent())
	assert.True(t, pair.client.IsClosed())

	wantOrder := []EventType{EventEnd, EventClose}
	var clientOrder []EventType
	for ev := range clientEvents {
		if ev.Type == EventEnd || ev.Type == EventClose {
			clientOrder = append(clientOrder, ev.Type)
		}
	}
	assert.Equal(t, wantOrder, clientOrder, "client event order")

	// The server saw the remote close and finished cleanly.
	require.Eventually(t, func() bool {
		return pair.server.IsClosed()
	}, 5*time.Second, 10*time.Millisecond)
	pair.server.mu.Lock()
	serverErr := pair.server.closeErr
	pair.server.mu.Unlock()
	assert.Nil(t, serverErr)
	assert.Equal(t, uint64(200), pair.server.TotalReceived().Uint64())

	deadline := time.After(2 * time.Second)
	sawEnd := false
	for {
		var ev Event
		var open bool
		select {
		case ev, open = <-serverEvents:
		case <-deadline:
			t.Fatal("timed out waiting for server events")
		}
		if !open {
			break
		}
		if ev.Type == EventEnd {
			sawEnd = true
		}
	}
	assert.True(t, sawEnd, "server should emit end on remote graceful close")
}

// TestIdleTimeout covers the inactivity destruction: exactly one error
// event with the timeout reason, then exactly one close.
func TestIdleTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SharedSecret = testSecret
	cfg.SourceAccount = "test.idle"
	cfg.DestinationAccount = "test.remote"
	cfg.IdleTimeout = 200 * time.Millisecond

	plugin := PluginFunc(func(_ context.Context, _ []byte) ([]byte, error) {
		return marshalPlainReject(CodeTemporaryFailure, "unreachable"), nil
	})
	conn, err := NewConnection(plugin, cfg)
	require.NoError(t, err)

	var errorEvents, closeEvents int
	var gotErr error
	deadline := time.After(5 * time.Second)
	for {
		var ev Event
		var open bool
		select {
		case ev, open = <-conn.Events():
		case <-deadline:
			t.Fatal("idle timer never fired")
		}
		if !open {
			break
		}
		switch ev.Type {
		case EventError:
			errorEvents++
			gotErr = ev.Err
		case EventClose:
			closeEvents++
		}
	}

	assert.Equal(t, 1, errorEvents, "exactly one error event")
	assert.Equal(t, 1, closeEvents, "exactly one close event")
	require.ErrorIs(t, gotErr, ErrTimedOut)
	assert.Equal(t, "Connection timed out due to inactivity", gotErr.Error())
	assert.True(t, conn.IsClosed())
}

// TestIdleTimeoutZeroDisabled verifies the documented contract: an
// idle timeout of zero disables the timer entirely, so a silent
// connection stays open.
func TestIdleTimeoutZeroDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SharedSecret = testSecret
	cfg.SourceAccount = "test.idle"
	cfg.DestinationAccount = "test.remote"
	cfg.IdleTimeout = 0

	plugin := PluginFunc(func(_ context.Context, _ []byte) ([]byte, error) {
		return marshalPlainReject(CodeTemporaryFailure, "unreachable"), nil
	})
	conn, err := NewConnection(plugin, cfg)
	require.NoError(t, err)
	defer conn.Destroy(nil)

	select {
	case ev := <-conn.Events():
		t.Fatalf("unexpected %s event with idle timer disabled", ev.Type)
	case <-time.After(300 * time.Millisecond):
	}
	assert.False(t, conn.IsClosed())
}

// TestNegativeIdleTimeoutRejected verifies a negative timeout is a
// configuration error rather than a hidden sentinel.
func TestNegativeIdleTimeoutRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SharedSecret = testSecret
	cfg.SourceAccount = "test.idle"
	cfg.DestinationAccount = "test.remote"
	cfg.IdleTimeout = -1

	plugin := PluginFunc(func(_ context.Context, _ []byte) ([]byte, error) {
		return marshalPlainReject(CodeTemporaryFailure, "unreachable"), nil
	})
	_, err := NewConnection(plugin, cfg)
	assert.Error(t, err)
}

// TestDestroyStopsTraffic covers the cancellation property: after
// Destroy, at most the single ConnectionClose leaves the endpoint.
func TestDestroyStopsTraffic(t *testing.T) {
	pair, err := newTestPair(big.NewRat(1, 1), 0, nil)
	require.NoError(t, err)
	defer pair.close()

	receiveAllStreams(pair.server, 1_000_000)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, pair.client.Connect(ctx))

	// Quiesce, then destroy and watch the counter.
	require.Eventually(t, func() bool {
		pair.client.mu.Lock()
		defer pair.client.mu.Unlock()
		return !pair.client.sending
	}, 5*time.Second, 10*time.Millisecond)

	before := pair.clientToServe.sentPrepares()
	pair.client.Destroy(nil)

	s, err := pair.client.CreateStream()
	assert.Nil(t, s)
	assert.ErrorIs(t, err, ErrConnectionClosed)

	time.Sleep(100 * time.Millisecond)
	after := pair.clientToServe.sentPrepares()
	assert.LessOrEqual(t, after-before, 1, "at most one ConnectionClose after destroy")
}

// TestConnectionTagSurfaced verifies the server-attached tag is
// readable by the application.
func TestConnectionTagSurfaced(t *testing.T) {
	pair, err := newTestPair(nil, 0, func(_, server *Config) {
		server.ConnectionTag = "invoice-42"
	})
	require.NoError(t, err)
	defer pair.close()
	assert.Equal(t, "invoice-42", pair.server.ConnectionTag())
}
