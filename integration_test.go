package stream

import (
	"bytes"
	"context"
	"io"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDataRoundTrip streams 100,000 bytes client to server, more than
// the connection byte window and the packet size, so chunking, window
// advertisement and reassembly all get exercised.
func TestDataRoundTrip(t *testing.T) {
	pair, err := newTestPair(big.NewRat(1, 1), 0, nil)
	require.NoError(t, err)
	defer pair.close()

	const total = 100_000
	payload := make([]byte, total)
	for i := range payload {
		payload[i] = byte(i * 31)
	}

	// The receiving application drains the peer stream as it arrives.
	received := make(chan []byte, 1)
	go func() {
		for ev := range pair.server.Events() {
			if ev.Type != EventStream {
				continue
			}
			go func(s *Stream) {
				var buf bytes.Buffer
				chunk := make([]byte, 8192)
				for {
					n, err := s.Read(chunk)
					buf.Write(chunk[:n])
					if err != nil {
						received <- buf.Bytes()
						return
					}
				}
			}(ev.Stream)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, pair.client.Connect(ctx))

	s, err := pair.client.CreateStream()
	require.NoError(t, err)

	n, err := s.Write(payload)
	require.NoError(t, err)
	require.Equal(t, total, n)
	require.NoError(t, s.End())
	require.NoError(t, pair.client.End(ctx))

	select {
	case got := <-received:
		require.Len(t, got, total)
		assert.True(t, bytes.Equal(payload, got), "delivered bytes differ")
	case <-time.After(30 * time.Second):
		t.Fatal("receiver never drained the stream")
	}
}

// TestBidirectionalStreams runs value and data in both directions at
// once over one connection.
func TestBidirectionalStreams(t *testing.T) {
	pair, err := newTestPair(big.NewRat(1, 1), 0, nil)
	require.NoError(t, err)
	defer pair.close()

	receiveAllStreams(pair.server, 100_000)
	receiveAllStreams(pair.client, 100_000)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, pair.client.Connect(ctx))

	// Client to server.
	cs, err := pair.client.CreateStream()
	require.NoError(t, err)
	require.NoError(t, cs.SetSendMax(300))

	// Server to client, once the server side is connected.
	require.NoError(t, pair.server.Connect(ctx))
	ss, err := pair.server.CreateStream()
	require.NoError(t, err)
	require.NoError(t, ss.SetSendMax(700))

	require.Eventually(t, func() bool {
		return cs.TotalSent() == 300 && ss.TotalSent() == 700
	}, 15*time.Second, 10*time.Millisecond, "value did not drain both ways")

	assert.Equal(t, int64(300), pair.client.TotalSent().Int64())
	assert.Equal(t, int64(700), pair.server.TotalSent().Int64())
	require.Eventually(t, func() bool {
		return pair.server.TotalReceived().Int64() == 300 &&
			pair.client.TotalReceived().Int64() == 700
	}, 5*time.Second, 10*time.Millisecond)
}

// TestStreamEndDeliversEOF verifies a reader sees io.EOF once the
// sending side ends the stream and all bytes are consumed.
func TestStreamEndDeliversEOF(t *testing.T) {
	pair, err := newTestPair(nil, 0, nil)
	require.NoError(t, err)
	defer pair.close()

	streams := make(chan *Stream, 1)
	go func() {
		for ev := range pair.server.Events() {
			if ev.Type == EventStream {
				streams <- ev.Stream
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, pair.client.Connect(ctx))

	s, err := pair.client.CreateStream()
	require.NoError(t, err)
	_, err = s.Write([]byte("final bytes"))
	require.NoError(t, err)
	require.NoError(t, s.End())

	var peer *Stream
	select {
	case peer = <-streams:
	case <-time.After(10 * time.Second):
		t.Fatal("server never saw the stream")
	}

	got, err := io.ReadAll(peer)
	require.NoError(t, err)
	assert.Equal(t, "final bytes", string(got))
}

// TestAssetDetailsExchanged verifies both sides learn the peer's asset
// code and scale during the handshake.
func TestAssetDetailsExchanged(t *testing.T) {
	pair, err := newTestPair(nil, 0, nil)
	require.NoError(t, err)
	defer pair.close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, pair.client.Connect(ctx))

	require.Eventually(t, func() bool {
		code, _, ok := pair.server.DestinationAssetDetails()
		return ok && code == "ABC"
	}, 5*time.Second, 10*time.Millisecond, "server never learned client asset")

	require.Eventually(t, func() bool {
		code, scale, ok := pair.client.DestinationAssetDetails()
		return ok && code == "XYZ" && scale == 9
	}, 5*time.Second, 10*time.Millisecond, "client never learned server asset")
}
