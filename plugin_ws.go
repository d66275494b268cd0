package stream

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocket transport adapter. One socket carries both directions:
// either side frames a serialized Prepare as a request and the peer
// answers with the matching response. This is the concrete Plugin the
// repository ships; any other packet transport can stand in behind the
// same interface.
//
// Message layout: kind (1 byte: 0=request, 1=response) ∥ correlation
// id (4 bytes big-endian) ∥ transfer envelope bytes.

const (
	wsKindRequest  = 0x00
	wsKindResponse = 0x01
	wsHeaderLen    = 5
)

// WebSocketPlugin is a Plugin over one websocket connection. Outbound
// SendData calls are correlated with their responses by id; inbound
// requests are served by the handler (normally Connection.HandleData)
// and answered on the same socket.
type WebSocketPlugin struct {
	conn    *websocket.Conn
	handler func([]byte) []byte

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint32]chan []byte
	nextID  uint32
	closed  bool
	done    chan struct{}
}

// DialWebSocket connects to a websocket endpoint and starts the read
// loop. handler serves requests initiated by the remote side and may
// be nil for a send-only endpoint.
func DialWebSocket(ctx context.Context, url string, handler func([]byte) []byte) (*WebSocketPlugin, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWebSocketPlugin(conn, handler), nil
}

// NewWebSocketPlugin wraps an established websocket connection,
// typically one a WebSocketListener just upgraded.
func NewWebSocketPlugin(conn *websocket.Conn, handler func([]byte) []byte) *WebSocketPlugin {
	p := &WebSocketPlugin{
		conn:    conn,
		handler: handler,
		pending: make(map[uint32]chan []byte),
		done:    make(chan struct{}),
	}
	go p.readLoop()
	return p
}

// SendData implements Plugin: one request out, the matching response
// back.
func (p *WebSocketPlugin) SendData(ctx context.Context, data []byte) ([]byte, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("websocket plugin closed")
	}
	p.nextID++
	id := p.nextID
	ch := make(chan []byte, 1)
	p.pending[id] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	if err := p.writeMessage(wsKindRequest, id, data); err != nil {
		return nil, err
	}

	select {
	case response := <-ch:
		return response, nil
	case <-p.done:
		return nil, fmt.Errorf("websocket closed while awaiting response")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts the socket down and fails all pending sends.
func (p *WebSocketPlugin) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()
	return p.conn.Close()
}

// writeMessage frames and sends one message under the write lock, as
// the websocket library allows only one concurrent writer.
func (p *WebSocketPlugin) writeMessage(kind byte, id uint32, payload []byte) error {
	msg := make([]byte, wsHeaderLen+len(payload))
	msg[0] = kind
	binary.BigEndian.PutUint32(msg[1:wsHeaderLen], id)
	copy(msg[wsHeaderLen:], payload)

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		return fmt.Errorf("write websocket message: %w", err)
	}
	return nil
}

// readLoop dispatches inbound messages: responses to their waiting
// SendData call, requests to the handler.
func (p *WebSocketPlugin) readLoop() {
	defer func() {
		p.mu.Lock()
		if !p.closed {
			p.closed = true
			close(p.done)
		}
		p.mu.Unlock()
	}()

	for {
		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Msg("websocket read loop ended")
			return
		}
		if len(msg) < wsHeaderLen {
			log.Warn().Int("len", len(msg)).Msg("short websocket message")
			continue
		}
		kind := msg[0]
		id := binary.BigEndian.Uint32(msg[1:wsHeaderLen])
		payload := msg[wsHeaderLen:]

		switch kind {
		case wsKindResponse:
			p.mu.Lock()
			ch, ok := p.pending[id]
			p.mu.Unlock()
			if !ok {
				log.Warn().Uint32("id", id).Msg("response for unknown request")
				continue
			}
			ch <- append([]byte(nil), payload...)
		case wsKindRequest:
			p.mu.Lock()
			handler := p.handler
			p.mu.Unlock()
			if handler == nil {
				log.Warn().Msg("request received but no handler installed")
				continue
			}
			// Serve off the read loop so a slow handler cannot stall
			// response dispatch.
			request := append([]byte(nil), payload...)
			go func() {
				response := handler(request)
				if response == nil {
					return
				}
				if err := p.writeMessage(wsKindResponse, id, response); err != nil {
					log.Warn().Err(err).Msg("write websocket response")
				}
			}()
		default:
			log.Warn().Uint8("kind", kind).Msg("unknown websocket message kind")
		}
	}
}

// SetHandler installs the inbound request handler after construction,
// for servers that create the Connection only once the socket is up.
func (p *WebSocketPlugin) SetHandler(handler func([]byte) []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
}

// WebSocketListener accepts websocket connections over HTTP and hands
// each one to the accept callback as a ready WebSocketPlugin.
type WebSocketListener struct {
	upgrader websocket.Upgrader
	accept   func(*WebSocketPlugin)
}

// NewWebSocketListener builds a listener; accept runs once per
// upgraded connection.
func NewWebSocketListener(accept func(*WebSocketPlugin)) *WebSocketListener {
	return &WebSocketListener{
		upgrader: websocket.Upgrader{},
		accept:   accept,
	}
}

// ServeHTTP implements http.Handler by upgrading the request to a
// websocket and handing it off.
func (l *WebSocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	l.accept(NewWebSocketPlugin(conn, nil))
}
