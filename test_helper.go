package stream

import (
	"context"
	"fmt"
	"math/big"
	"sync"
)

// In-process connector used by the package tests. It stands in for the
// relay network between two connections: it applies an exchange rate,
// enforces a per-packet maximum, and can be scripted to inject rejects,
// all without a real transport.

// testConnector implements Plugin by converting each Prepare's amount
// at a fixed rate and forwarding it to the target handler (normally
// the peer connection's HandleData).
type testConnector struct {
	mu sync.Mutex

	// rate converts source to destination units.
	rate *big.Rat
	// maxPacket rejects larger amounts with an amount-too-large
	// reject; zero means unlimited.
	maxPacket uint64
	// target serves the forwarded Prepare.
	target func([]byte) []byte
	// intercept runs before forwarding; returning a reject short-
	// circuits the transfer. Used to script temporary failures.
	intercept func(prepare *Prepare) *Reject

	prepareCount int
}

// newTestConnector builds a connector with the given rate (nil means
// 1:1) and per-packet maximum (0 means unlimited).
func newTestConnector(rate *big.Rat, maxPacket uint64) *testConnector {
	if rate == nil {
		rate = big.NewRat(1, 1)
	}
	return &testConnector{rate: rate, maxPacket: maxPacket}
}

// setTarget points the connector at the receiving side.
func (tc *testConnector) setTarget(target func([]byte) []byte) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.target = target
}

// setIntercept installs a scripted behavior for subsequent transfers.
func (tc *testConnector) setIntercept(fn func(prepare *Prepare) *Reject) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.intercept = fn
}

// sentPrepares reports how many transfers passed through.
func (tc *testConnector) sentPrepares() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.prepareCount
}

// SendData implements Plugin.
func (tc *testConnector) SendData(_ context.Context, data []byte) ([]byte, error) {
	prepare, err := UnmarshalPrepare(data)
	if err != nil {
		return nil, fmt.Errorf("connector could not parse transfer: %w", err)
	}

	tc.mu.Lock()
	tc.prepareCount++
	intercept := tc.intercept
	target := tc.target
	rate := tc.rate
	maxPacket := tc.maxPacket
	tc.mu.Unlock()

	if intercept != nil {
		if reject := intercept(prepare); reject != nil {
			return reject.Marshal()
		}
	}

	if maxPacket > 0 && prepare.Amount > maxPacket {
		reject := &Reject{
			Code:        CodeAmountTooLarge,
			TriggeredBy: "test.connector",
			Message:     "packet size exceeded",
			Data:        amountTooLargeData(prepare.Amount, maxPacket),
		}
		return reject.Marshal()
	}

	if target == nil {
		reject := &Reject{
			Code:        CodeTemporaryFailure,
			TriggeredBy: "test.connector",
			Message:     "no route to destination",
		}
		return reject.Marshal()
	}

	converted := new(big.Rat).Mul(new(big.Rat).SetInt(new(big.Int).SetUint64(prepare.Amount)), rate)
	destAmount := clampBigToUint64(new(big.Int).Quo(converted.Num(), converted.Denom()))

	forwarded := &Prepare{
		Amount:             destAmount,
		ExpiresAt:          prepare.ExpiresAt,
		ExecutionCondition: prepare.ExecutionCondition,
		Destination:        prepare.Destination,
		Data:               prepare.Data,
	}
	raw, err := forwarded.Marshal()
	if err != nil {
		return nil, fmt.Errorf("connector could not re-marshal transfer: %w", err)
	}
	response := target(raw)
	if response == nil {
		return nil, fmt.Errorf("target returned no response")
	}
	return response, nil
}

// testPair is a client and server connection joined by connectors in
// both directions.
type testPair struct {
	client        *Connection
	server        *Connection
	clientToServe *testConnector
	serveToClient *testConnector
}

// testSecret is the shared secret used across the package tests.
var testSecret = []byte("0123456789abcdef0123456789abcdef")

// newTestPair wires two connections back to back with the given
// client→server rate and per-packet maximum. Overrides mutate the
// configs before the connections are built.
func newTestPair(rate *big.Rat, maxPacket uint64, override func(client, server *Config)) (*testPair, error) {
	clientToServer := newTestConnector(rate, maxPacket)
	var inverse *big.Rat
	if rate != nil && rate.Sign() != 0 {
		inverse = new(big.Rat).Inv(rate)
	}
	serverToClient := newTestConnector(inverse, 0)

	clientCfg := DefaultConfig()
	clientCfg.SharedSecret = testSecret
	clientCfg.SourceAccount = "test.client"
	clientCfg.DestinationAccount = "test.server"
	clientCfg.SourceAssetCode = "ABC"
	clientCfg.SourceAssetScale = 9

	serverCfg := DefaultConfig()
	serverCfg.IsServer = true
	serverCfg.SharedSecret = testSecret
	serverCfg.SourceAccount = "test.server"
	serverCfg.SourceAssetCode = "XYZ"
	serverCfg.SourceAssetScale = 9

	if override != nil {
		override(&clientCfg, &serverCfg)
	}

	client, err := NewConnection(clientToServer, clientCfg)
	if err != nil {
		return nil, err
	}
	server, err := NewConnection(serverToClient, serverCfg)
	if err != nil {
		client.Destroy(nil)
		return nil, err
	}

	clientToServer.setTarget(server.HandleData)
	serverToClient.setTarget(client.HandleData)

	return &testPair{
		client:        client,
		server:        server,
		clientToServe: clientToServer,
		serveToClient: serverToClient,
	}, nil
}

// close tears both connections down.
func (p *testPair) close() {
	p.client.Destroy(nil)
	p.server.Destroy(nil)
}
