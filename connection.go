// Package stream implements the connection core of a payment-and-data
// streaming protocol layered over a hop-by-hop conditional-transfer
// packet transport.
//
// A Connection multiplexes many logical bidirectional streams, each
// carrying fungible value and ordered bytes, over a single shared
// secret. The send loop discovers path capacity and an exchange rate
// with unfulfillable probe packets, allocates money across streams,
// packs data frames under two independent flow-control windows, and
// retries through temporary path errors. The inbound handler validates
// incoming transfers, credits streams, and answers with the
// fulfillment derived from the shared secret.
//
// Architecture:
//   - Inner packets (frames + amounts) are authenticated-encrypted
//     with keys derived from the shared secret
//   - The transport is an external Plugin: one serialized Prepare in,
//     one serialized Fulfill or Reject out
//   - All state mutation is serialized under one connection mutex;
//     the send loop and the inbound handler never run concurrently
//     inside it
package stream

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
)

// Connection is one endpoint of a streaming relationship. Create it
// with NewConnection, then Connect (client) or feed inbound transfers
// to HandleData (server).
type Connection struct {
	mu   sync.Mutex
	cond *sync.Cond

	cfg    Config
	env    *cryptoEnvelope
	plugin Plugin

	registry *streamRegistry

	destinationAccount string
	destAssetCode      string
	destAssetScale     uint8
	destAssetKnown     bool

	// nextSequence numbers outbound packets, starting at 1.
	nextSequence uint64

	// Rate discovery state. exchangeRate stays nil until the prober
	// succeeds; maxPacketAmount only shrinks; testMaxPacketAmount is
	// the current probing ceiling and grows back on full-size
	// fulfillments.
	exchangeRate        *big.Rat
	slippage            *big.Rat
	maxPacketAmount     uint64
	testMaxPacketAmount uint64
	lastPacketRate      *big.Rat

	// Running totals. Source units for totalSent, destination units
	// for totalDelivered, our units for totalReceived.
	totalSent      big.Int
	totalDelivered big.Int
	totalReceived  big.Int

	// queuedFrames drain into the next outbound packet or response.
	queuedFrames []Frame

	// advertisePending marks locally-raised windows the peer has not
	// seen yet, making the next packet worth sending on its own.
	advertisePending bool

	connected             bool
	closed                bool
	localClosed           bool
	remoteClosed          bool
	remoteKnowsOurAddress bool
	sending               bool

	closeErr error

	// pendingRemoteClose and pendingFatal stage terminal transitions
	// discovered while a packet is being handled, applied after the
	// response is built so the peer still gets an answer.
	pendingRemoteClose *ConnectionError
	pendingFatal       error

	// Connection-level outgoing byte window.
	remoteConnMaxOffset uint64
	connBytesSent       uint64

	retryDelay time.Duration
	lastActive time.Time

	ctx    context.Context
	cancel context.CancelFunc

	events      chan Event
	eventsDone  bool
	wake        chan struct{}
	connectedCh chan struct{}
}

// NewConnection builds a connection over the given transport plugin.
// The connection starts closed in the sense that no traffic flows
// until Connect is called or, for a server, until the first inbound
// packet arrives.
func NewConnection(plugin Plugin, cfg Config) (*Connection, error) {
	if plugin == nil {
		return nil, fmt.Errorf("plugin cannot be nil")
	}
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	env, err := newCryptoEnvelope(cfg.SharedSecret, cfg.EnablePadding)
	if err != nil {
		return nil, err
	}

	slippage := new(big.Rat)
	slippage.SetFloat64(cfg.Slippage)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		cfg:                 cfg,
		env:                 env,
		plugin:              plugin,
		destinationAccount:  cfg.DestinationAccount,
		nextSequence:        1,
		slippage:            slippage,
		maxPacketAmount:     amountUnlimited,
		testMaxPacketAmount: amountUnlimited,
		remoteConnMaxOffset: uint64(cfg.ConnectionBufferSize),
		retryDelay:          retryDelayInitial,
		lastActive:          time.Now(),
		ctx:                 ctx,
		cancel:              cancel,
		events:              make(chan Event, eventBufferSize),
		wake:                make(chan struct{}, 1),
		connectedCh:         make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	c.registry = newStreamRegistry(c)
	// The initiator addresses us directly, so a responder never has to
	// announce itself.
	c.remoteKnowsOurAddress = cfg.IsServer

	if cfg.IdleTimeout > 0 {
		go c.idleLoop()
	}

	log.Debug().
		Bool("isServer", cfg.IsServer).
		Str("sourceAccount", cfg.SourceAccount).
		Msg("connection created")
	return c, nil
}

// Connect starts the send loop and blocks until the connection is
// usable: the first rate probe succeeded and the peer acknowledged our
// address. Returns the close error if the connection dies first.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		if err == nil {
			err = ErrConnectionClosed
		}
		return err
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.wakeSendLoopLocked()
	c.mu.Unlock()

	select {
	case <-c.connectedCh:
		return nil
	case <-c.ctx.Done():
		c.mu.Lock()
		err := c.closeErr
		c.mu.Unlock()
		if err == nil {
			err = ErrConnectionClosed
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateStream opens a new locally-originated stream.
func (c *Connection) CreateStream() (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.localClosed {
		return nil, ErrConnectionClosed
	}
	s, err := c.registry.createLocal()
	if err != nil {
		c.wakeSendLoopLocked()
		return nil, err
	}
	c.wakeSendLoopLocked()
	return s, nil
}

// End closes the connection gracefully: every open stream drains its
// queued data and value, a ConnectionClose(NoError) rides the final
// packet, and the end and close events fire.
func (c *Connection) End(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.localClosed = true
	var errs *multierror.Error
	for _, s := range c.registry.openStreamsInOrder() {
		s.endPending = true
	}
	c.wakeSendLoopLocked()

	done := make(chan struct{})
	go func() {
		c.mu.Lock()
		for !c.closed {
			c.cond.Wait()
		}
		c.mu.Unlock()
		close(done)
	}()
	c.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		// Give up on draining and tear down.
		c.Destroy(ctx.Err())
		errs = multierror.Append(errs, ctx.Err())
	}
	return errs.ErrorOrNil()
}

// Destroy tears the connection down immediately. Streams are closed,
// at most one ConnectionClose goes out, and the error (if any) and
// close events fire. Safe to call more than once.
func (c *Connection) Destroy(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.finalizeLocked(err, err != nil)
	sendClose := !c.remoteClosed
	c.mu.Unlock()

	if sendClose {
		code := ErrNoError
		message := ""
		if err != nil {
			code = ErrInternalError
			message = err.Error()
		}
		c.sendConnectionClose(code, message)
	}
}

// finalizeLocked flips the connection into its terminal state and
// emits the terminal events exactly once. Callers hold the mutex.
func (c *Connection) finalizeLocked(err error, emitError bool) {
	if c.closed {
		return
	}
	c.closed = true
	c.sending = false
	c.closeErr = err

	var errs *multierror.Error
	for _, s := range c.registry.openStreamsInOrder() {
		s.open = false
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("stream %d closed: %w", s.id, err))
		}
	}
	if errs.ErrorOrNil() != nil {
		log.Debug().
			Err(errs).
			Msg("streams closed with connection")
	}

	if emitError && err != nil {
		c.emitEvent(Event{Type: EventError, Err: err})
	}
	if c.localClosed && err == nil {
		c.emitEvent(Event{Type: EventEnd})
	}
	c.emitEvent(Event{Type: EventClose})
	if !c.eventsDone {
		c.eventsDone = true
		close(c.events)
	}

	c.cancel()
	c.cond.Broadcast()

	log.Info().
		Err(err).
		Str("totalSent", c.totalSent.String()).
		Msg("connection closed")
}

// sendConnectionClose pushes one best-effort packet carrying only a
// ConnectionClose frame. It is the single send permitted after the
// terminal state is reached.
func (c *Connection) sendConnectionClose(code ErrorCode, message string) {
	c.mu.Lock()
	packet := &Packet{
		Sequence:      c.nextSequence,
		PacketType:    PacketTypePrepare,
		PrepareAmount: 0,
		Frames: []Frame{&ConnectionCloseFrame{
			ErrorCode:    code,
			ErrorMessage: message,
		}},
	}
	c.nextSequence++
	destination := c.destinationAccount
	c.mu.Unlock()

	if destination == "" {
		return
	}

	ciphertext, err := c.env.encrypt(packet.Marshal())
	if err != nil {
		log.Warn().Err(err).Msg("encrypt connection close")
		return
	}
	condition, err := randomCondition()
	if err != nil {
		log.Warn().Err(err).Msg("condition for connection close")
		return
	}
	prepare := &Prepare{
		Amount:             0,
		ExpiresAt:          time.Now().Add(defaultPrepareExpiry),
		ExecutionCondition: condition,
		Destination:        destination,
		Data:               ciphertext,
	}
	raw, err := prepare.Marshal()
	if err != nil {
		log.Warn().Err(err).Msg("marshal connection close")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultPrepareExpiry)
	defer cancel()
	if _, err := c.plugin.SendData(ctx, raw); err != nil {
		log.Debug().Err(err).Msg("connection close send failed")
	}
}

// closeStreamLocked retires a stream, carrying the given error state in
// the StreamClose frame the registry queues.
func (c *Connection) closeStreamLocked(s *Stream, code ErrorCode, message string) {
	if code != ErrNoError {
		s.errorCode = code
		s.errorMessage = message
	}
	c.registry.remove(s)
	c.cond.Broadcast()
}

// queueFrameLocked appends a control frame for the next outbound packet
// or inbound response.
func (c *Connection) queueFrameLocked(f Frame) {
	c.queuedFrames = append(c.queuedFrames, f)
}

// drainQueuedFramesLocked hands over and clears the queued frames.
func (c *Connection) drainQueuedFramesLocked() []Frame {
	frames := c.queuedFrames
	c.queuedFrames = nil
	return frames
}

// wakeSendLoopLocked makes sure the send loop will run soon. When a
// loop is already active a single pending wake-up is recorded; the
// send is idempotent since the channel holds at most one signal.
func (c *Connection) wakeSendLoopLocked() {
	if c.closed {
		return
	}
	if c.sending {
		select {
		case c.wake <- struct{}{}:
		default:
		}
		return
	}
	if c.destinationAccount == "" {
		// Nothing can be sent until the peer's address is known.
		return
	}
	c.sending = true
	go c.runSendLoop()
}

// markConnectedLocked fires the connect event the first time the
// connection becomes usable.
func (c *Connection) markConnectedLocked() {
	if c.connected {
		return
	}
	c.connected = true
	close(c.connectedCh)
	c.emitEvent(Event{Type: EventConnect})
	log.Info().
		Str("destination", c.destinationAccount).
		Msg("connection established")
}

// bumpActivityLocked refreshes the idle deadline.
func (c *Connection) bumpActivityLocked() {
	c.lastActive = time.Now()
}

// idleLoop destroys the connection once it has seen no traffic for the
// configured idle timeout.
func (c *Connection) idleLoop() {
	timeout := c.cfg.IdleTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-timer.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			remaining := time.Until(c.lastActive.Add(timeout))
			c.mu.Unlock()
			if remaining <= 0 {
				log.Warn().
					Dur("idleTimeout", timeout).
					Msg("destroying idle connection")
				c.Destroy(ErrTimedOut)
				return
			}
			timer.Reset(remaining)
		}
	}
}

// --- accessors ---

// SourceAccount returns our transport address.
func (c *Connection) SourceAccount() string {
	return c.cfg.SourceAccount
}

// DestinationAccount returns the peer's transport address, or "" if it
// is not yet known.
func (c *Connection) DestinationAccount() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destinationAccount
}

// ConnectionTag returns the opaque tag the server attached to this
// connection, if any.
func (c *Connection) ConnectionTag() string {
	return c.cfg.ConnectionTag
}

// IsClosed reports whether the connection reached its terminal state.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ExchangeRate returns the measured rate and whether one is known yet.
func (c *Connection) ExchangeRate() (*big.Rat, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exchangeRate == nil {
		return nil, false
	}
	return new(big.Rat).Set(c.exchangeRate), true
}

// LastPacketExchangeRate returns the prepared/sent ratio of the most
// recent money-carrying packet, or nil if none was sent yet.
func (c *Connection) LastPacketExchangeRate() *big.Rat {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastPacketRate == nil {
		return nil
	}
	return new(big.Rat).Set(c.lastPacketRate)
}

// TotalSent returns the source amount sent and fulfilled so far.
func (c *Connection) TotalSent() *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(&c.totalSent)
}

// TotalDelivered returns the destination amount the peer reported
// receiving.
func (c *Connection) TotalDelivered() *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(&c.totalDelivered)
}

// TotalReceived returns the amount credited to local streams.
func (c *Connection) TotalReceived() *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(&c.totalReceived)
}

// DestinationAssetDetails returns the peer's asset code and scale and
// whether they are known yet.
func (c *Connection) DestinationAssetDetails() (string, uint8, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destAssetCode, c.destAssetScale, c.destAssetKnown
}

// --- connection-level incoming data accounting ---

// incomingWindowAllowsLocked checks proposed per-stream end offsets
// against the connection-level byte window: the sum of accepted
// offsets may not exceed the sum of read cursors plus the buffer size.
func (c *Connection) incomingWindowAllowsLocked(proposed map[uint64]uint64) bool {
	var sumOffsets, sumCursors uint64
	for _, s := range c.registry.streams {
		end := maxU64(s.maxIncomingOffset, proposed[s.id])
		sumOffsets = satAdd(sumOffsets, end)
		sumCursors = satAdd(sumCursors, s.readCursor)
	}
	return sumOffsets <= satAdd(sumCursors, uint64(c.cfg.ConnectionBufferSize))
}

// connMaxIncomingOffsetLocked is the connection byte window advertised
// in ConnectionMaxData frames.
func (c *Connection) connMaxIncomingOffsetLocked() uint64 {
	var sumCursors uint64
	for _, s := range c.registry.streams {
		sumCursors = satAdd(sumCursors, s.readCursor)
	}
	return satAdd(sumCursors, uint64(c.cfg.ConnectionBufferSize))
}

// applyConnectionMaxDataLocked updates the outgoing connection byte
// window from a ConnectionMaxData frame. Values comfortably above the
// packet size raise the ceiling; smaller values override it downward
// on the assumption the peer knows its own buffer.
func (c *Connection) applyConnectionMaxDataLocked(maxOffset uint64) {
	if maxOffset > 2*MaxDataSize {
		c.remoteConnMaxOffset = maxU64(c.remoteConnMaxOffset, maxOffset)
	} else {
		c.remoteConnMaxOffset = maxOffset
	}
}
