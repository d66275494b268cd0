package stream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newIdleConnection builds a connection whose plugin rejects
// everything, with the idle timer disabled. Useful for exercising
// state machinery without traffic.
func newIdleConnection(t *testing.T, isServer bool) *Connection {
	t.Helper()
	cfg := DefaultConfig()
	cfg.IsServer = isServer
	cfg.SharedSecret = testSecret
	cfg.SourceAccount = "test.local"
	if !isServer {
		cfg.DestinationAccount = "test.remote"
	}
	cfg.IdleTimeout = 0
	plugin := PluginFunc(func(_ context.Context, _ []byte) ([]byte, error) {
		return marshalPlainReject(CodeTemporaryFailure, "unreachable"), nil
	})
	conn, err := NewConnection(plugin, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Destroy(nil) })
	return conn
}

// TestRegistryLocalStreamParity verifies locally-originated ids follow
// the role's parity and advance by two.
func TestRegistryLocalStreamParity(t *testing.T) {
	tests := []struct {
		name     string
		isServer bool
		wantIDs  []uint64
	}{
		{"initiator opens odd ids", false, []uint64{1, 3, 5}},
		{"responder opens even ids", true, []uint64{2, 4, 6}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newIdleConnection(t, tt.isServer)
			conn.mu.Lock()
			defer conn.mu.Unlock()
			for _, want := range tt.wantIDs {
				s, err := conn.registry.createLocal()
				require.NoError(t, err)
				assert.Equal(t, want, s.ID())
			}
		})
	}
}

// TestRegistryLocalStreamLimit verifies creation fails past the peer's
// ceiling and queues a blocked frame.
func TestRegistryLocalStreamLimit(t *testing.T) {
	conn := newIdleConnection(t, false)
	conn.mu.Lock()
	defer conn.mu.Unlock()

	conn.registry.remoteMaxStreamID = 3
	for i := 0; i < 2; i++ {
		_, err := conn.registry.createLocal()
		require.NoError(t, err)
	}
	_, err := conn.registry.createLocal()
	assert.ErrorIs(t, err, ErrMaxStreamsReached)

	require.NotEmpty(t, conn.queuedFrames)
	blocked, ok := conn.queuedFrames[len(conn.queuedFrames)-1].(*ConnectionStreamIdBlockedFrame)
	require.True(t, ok)
	assert.Equal(t, uint64(3), blocked.MaxStreamID)
}

// TestRegistryAcceptRemote verifies parity and ceiling enforcement for
// peer-originated streams.
func TestRegistryAcceptRemote(t *testing.T) {
	tests := []struct {
		name     string
		isServer bool
		id       uint64
		wantCode ErrorCode
	}{
		{"server accepts odd", true, 1, 0},
		{"server rejects even", true, 4, ErrProtocolViolation},
		{"client accepts even", false, 2, 0},
		{"client rejects odd", false, 3, ErrProtocolViolation},
		{"id above ceiling", true, 999, ErrStreamIdError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newIdleConnection(t, tt.isServer)
			conn.mu.Lock()
			defer conn.mu.Unlock()

			s, err := conn.registry.acceptRemote(tt.id)
			if tt.wantCode == 0 {
				require.NoError(t, err)
				assert.Equal(t, tt.id, s.ID())
				// Accepting the same id again returns the same stream.
				again, err := conn.registry.acceptRemote(tt.id)
				require.NoError(t, err)
				assert.Same(t, s, again)
				return
			}
			require.Error(t, err)
			connErr, ok := err.(*ConnectionError)
			require.True(t, ok)
			assert.Equal(t, tt.wantCode, connErr.Code)
		})
	}
}

// TestRegistryCeilingTopUp verifies a ConnectionMaxStreamId is queued
// once the peer crosses three quarters of the id space.
func TestRegistryCeilingTopUp(t *testing.T) {
	conn := newIdleConnection(t, true)
	conn.mu.Lock()
	defer conn.mu.Unlock()

	// Default ceiling is 20; id 17 is past 75% of it.
	_, err := conn.registry.acceptRemote(17)
	require.NoError(t, err)

	var found bool
	for _, f := range conn.queuedFrames {
		if _, ok := f.(*ConnectionMaxStreamIdFrame); ok {
			found = true
		}
	}
	assert.True(t, found, "expected a ConnectionMaxStreamId advertisement")
}

// TestRegistryTombstones verifies a removed stream id never reopens
// and removal queues a StreamClose exactly once.
func TestRegistryTombstones(t *testing.T) {
	conn := newIdleConnection(t, true)
	conn.mu.Lock()
	defer conn.mu.Unlock()

	s, err := conn.registry.acceptRemote(1)
	require.NoError(t, err)
	conn.registry.remove(s)

	assert.True(t, conn.registry.isClosed(1))
	assert.Nil(t, conn.registry.get(1))
	assert.False(t, s.open)

	var closes int
	for _, f := range conn.queuedFrames {
		if cf, ok := f.(*StreamCloseFrame); ok && cf.StreamID == 1 {
			closes++
		}
	}
	assert.Equal(t, 1, closes)

	// Removing again is a no-op.
	conn.registry.remove(s)
	assert.True(t, conn.registry.isClosed(1))
}
