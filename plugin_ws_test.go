package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsTestServer spins up an HTTP test server whose websocket endpoint
// hands connections to accept.
func wsTestServer(t *testing.T, accept func(*WebSocketPlugin)) string {
	t.Helper()
	listener := NewWebSocketListener(accept)
	srv := httptest.NewServer(http.HandlerFunc(listener.ServeHTTP))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// TestWebSocketRequestResponse verifies a request sent by the dialer
// is served by the remote handler and correlated back.
func TestWebSocketRequestResponse(t *testing.T) {
	var serverPlugin *WebSocketPlugin
	var mu sync.Mutex
	url := wsTestServer(t, func(p *WebSocketPlugin) {
		p.SetHandler(func(request []byte) []byte {
			return append([]byte("echo:"), request...)
		})
		mu.Lock()
		serverPlugin = p
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := DialWebSocket(ctx, url, nil)
	require.NoError(t, err)
	defer client.Close()

	response, err := client.SendData(ctx, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:ping"), response)

	// Several requests in a row keep correlating.
	for i := 0; i < 5; i++ {
		response, err = client.SendData(ctx, []byte{byte(i)})
		require.NoError(t, err)
		assert.Equal(t, []byte{'e', 'c', 'h', 'o', ':', byte(i)}, response)
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, serverPlugin)
}

// TestWebSocketBidirectional verifies the server side of the socket
// can originate requests served by the dialer's handler.
func TestWebSocketBidirectional(t *testing.T) {
	accepted := make(chan *WebSocketPlugin, 1)
	url := wsTestServer(t, func(p *WebSocketPlugin) {
		accepted <- p
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := DialWebSocket(ctx, url, func(request []byte) []byte {
		return append([]byte("client-handled:"), request...)
	})
	require.NoError(t, err)
	defer client.Close()

	var server *WebSocketPlugin
	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("server never accepted the socket")
	}
	defer server.Close()

	response, err := server.SendData(ctx, []byte("from-server"))
	require.NoError(t, err)
	assert.Equal(t, []byte("client-handled:from-server"), response)
}

// TestWebSocketConnectionPair runs the full protocol over a real
// websocket: probe, money, and close handshake.
func TestWebSocketConnectionPair(t *testing.T) {
	serverReady := make(chan *Connection, 1)
	url := wsTestServer(t, func(p *WebSocketPlugin) {
		cfg := DefaultConfig()
		cfg.IsServer = true
		cfg.SharedSecret = testSecret
		cfg.SourceAccount = "test.ws.server"
		cfg.SourceAssetCode = "XYZ"
		cfg.SourceAssetScale = 6
		conn, err := NewConnection(p, cfg)
		if err != nil {
			t.Error(err)
			return
		}
		p.SetHandler(conn.HandleData)
		serverReady <- conn
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	plugin, err := DialWebSocket(ctx, url, nil)
	require.NoError(t, err)
	defer plugin.Close()

	cfg := DefaultConfig()
	cfg.SharedSecret = testSecret
	cfg.SourceAccount = "test.ws.client"
	cfg.DestinationAccount = "test.ws.server"
	cfg.SourceAssetCode = "ABC"
	cfg.SourceAssetScale = 6
	client, err := NewConnection(plugin, cfg)
	require.NoError(t, err)
	defer client.Destroy(nil)
	plugin.SetHandler(client.HandleData)

	require.NoError(t, client.Connect(ctx))

	var server *Connection
	select {
	case server = <-serverReady:
	case <-time.After(10 * time.Second):
		t.Fatal("server connection never built")
	}
	defer server.Destroy(nil)
	receiveAllStreams(server, 10_000)

	s, err := client.CreateStream()
	require.NoError(t, err)
	require.NoError(t, s.SetSendMax(250))

	require.Eventually(t, func() bool {
		return s.TotalSent() == 250
	}, 15*time.Second, 10*time.Millisecond, "value did not move over websocket")
	assert.Equal(t, int64(250), server.TotalReceived().Int64())

	require.NoError(t, client.End(ctx))
	require.Eventually(t, func() bool {
		return server.IsClosed()
	}, 5*time.Second, 10*time.Millisecond)
}
