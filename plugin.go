package stream

import (
	"context"
)

// Plugin is the transport boundary. It carries one serialized Prepare
// envelope to the remote endpoint and returns the serialized Fulfill
// or Reject that came back.
//
// The connection issues at most one SendData call at a time, so
// implementations only need to be safe for sequential use from one
// goroutine. Network transports (see WebSocketPlugin) typically also
// drive the receiving side, feeding inbound Prepares to
// Connection.HandleData and writing its responses back.
type Plugin interface {
	SendData(ctx context.Context, data []byte) ([]byte, error)
}

// PluginFunc adapts a function to the Plugin interface.
type PluginFunc func(ctx context.Context, data []byte) ([]byte, error)

// SendData implements Plugin.
func (f PluginFunc) SendData(ctx context.Context, data []byte) ([]byte, error) {
	return f(ctx, data)
}
