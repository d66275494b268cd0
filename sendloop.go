package stream

import (
	"context"
	"fmt"
	"math/big"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
)

// streamDataFrameOverhead approximates the frame header cost of one
// StreamData entry (type, length prefix, stream id, offset) reserved
// out of the byte budget before asking a stream for data.
const streamDataFrameOverhead = 20

// outgoingPacket is one fully assembled packet plus the bookkeeping
// needed to settle it when the response arrives.
type outgoingPacket struct {
	packet         *Packet
	sequence       uint64
	sourceAmount   uint64
	minDestination uint64

	// moneyStreams hold value against this packet's sequence.
	moneyStreams []*Stream
	// dataChunks are retransmitted if the packet rejects.
	dataChunks map[*Stream][]dataChunk
	// newDataBytes counts first-transmission bytes against the
	// connection window; retransmissions were already counted.
	newDataBytes uint64

	// carriesAddress marks a ConnectionNewAddress announcement whose
	// fulfillment proves the peer knows us.
	carriesAddress bool
	// carriesClose marks the final packet of a graceful end.
	carriesClose bool
	// probesCeiling marks a packet that used up the whole test
	// ceiling, so its fulfillment grows the ceiling.
	probesCeiling bool
}

// runSendLoop is the single-flight packet builder. One instance runs
// per connection; wakeSendLoopLocked either starts it or records a
// pending wake-up for it. The loop exits when a built packet would
// carry nothing worth sending.
func (c *Connection) runSendLoop() {
	log.Trace().Msg("send loop started")
	for {
		// Yield one scheduler turn so bursts of stream notifications
		// coalesce into one packet.
		runtime.Gosched()

		c.mu.Lock()
		if c.closed {
			c.sending = false
			c.cond.Broadcast()
			c.mu.Unlock()
			return
		}

		if c.exchangeRate == nil {
			if !c.needsSendLoopLocked() {
				c.sending = false
				c.cond.Broadcast()
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
			if err := c.probeExchangeRate(); err != nil {
				c.Destroy(err)
				return
			}
			c.mu.Lock()
			c.markConnectedLocked()
			c.mu.Unlock()
			continue
		}

		out := c.buildPacketLocked()
		if out == nil {
			c.sending = false
			c.cond.Broadcast()
			c.mu.Unlock()
			log.Trace().Msg("send loop idle")
			return
		}
		c.mu.Unlock()

		c.dispatchPacket(out)

		if out.carriesClose {
			c.mu.Lock()
			c.finalizeLocked(nil, false)
			c.mu.Unlock()
			return
		}

		// Consume at most one pending wake-up so a notification that
		// arrived mid-dispatch does not spin an extra empty iteration.
		select {
		case <-c.wake:
		default:
		}
	}
}

// buildPacketLocked assembles the next outbound packet: queued control
// frames, window advertisements, stream closes, money allocation, then
// data. Returns nil when the result would carry nothing substantive.
func (c *Connection) buildPacketLocked() *outgoingPacket {
	out := &outgoingPacket{
		sequence:   c.nextSequence,
		dataChunks: make(map[*Stream][]dataChunk),
	}
	packet := &Packet{
		Sequence:   out.sequence,
		PacketType: PacketTypePrepare,
	}
	out.packet = packet

	substantive := false

	// Announce our address and asset until the peer has acknowledged
	// a packet carrying them.
	if !c.remoteKnowsOurAddress && c.cfg.SourceAccount != "" {
		packet.Frames = append(packet.Frames,
			&ConnectionNewAddressFrame{SourceAccount: c.cfg.SourceAccount},
			&ConnectionAssetDetailsFrame{
				SourceAssetCode:  c.cfg.SourceAssetCode,
				SourceAssetScale: c.cfg.SourceAssetScale,
			},
		)
		out.carriesAddress = true
		substantive = true
	}

	if queued := c.drainQueuedFramesLocked(); len(queued) > 0 {
		packet.Frames = append(packet.Frames, queued...)
		substantive = true
	}

	// A window the peer has not seen yet is worth a packet by itself.
	if c.advertisePending {
		c.advertisePending = false
		substantive = true
	}

	streams := c.registry.openStreamsInOrder()

	// Advertise current receive ceilings on every packet.
	for _, s := range streams {
		packet.Frames = append(packet.Frames,
			&StreamMaxMoneyFrame{
				StreamID:      s.id,
				ReceiveMax:    s.receiveMax,
				TotalReceived: s.totalReceived,
			},
			&StreamMaxDataFrame{
				StreamID:  s.id,
				MaxOffset: s.maxAcceptableOffsetLocked(),
			},
		)
	}

	// Streams that finished draining close now.
	for _, s := range streams {
		if s.endPending && !s.sentEnd && s.isDrainedLocked() {
			code := ErrNoError
			if s.errorMessage != "" {
				code = ErrApplicationError
			}
			packet.Frames = append(packet.Frames, &StreamCloseFrame{
				StreamID:     s.id,
				ErrorCode:    code,
				ErrorMessage: s.errorMessage,
			})
			s.sentEnd = true
			c.registry.remove(s)
			c.cond.Broadcast()
			substantive = true
		}
	}

	// Money allocation in id order, capped by the probing ceiling and
	// each stream's remote window.
	remainingCap := minU64(c.testMaxPacketAmount, c.maxPacketAmount)
	startingCap := remainingCap
	for _, s := range streams {
		if !s.open || s.sentEnd {
			continue
		}
		want := s.availableToSendLocked()
		if want == 0 {
			continue
		}
		amount := minU64(want, remainingCap)
		windowCap := destToSourceCeil(s.remoteMoneyWindowLocked(), c.exchangeRate)
		blockedByWindow := false
		if amount > windowCap {
			amount = windowCap
			blockedByWindow = true
		}
		if amount > 0 {
			packet.Frames = append(packet.Frames, &StreamMoneyFrame{
				StreamID: s.id,
				Shares:   amount,
			})
			s.holdOutgoingLocked(out.sequence, amount)
			out.moneyStreams = append(out.moneyStreams, s)
			remainingCap -= amount
			out.sourceAmount += amount
			substantive = true
		}
		if blockedByWindow || (amount == 0 && windowCap == 0) {
			packet.Frames = append(packet.Frames, &StreamMoneyBlockedFrame{
				StreamID:  s.id,
				SendMax:   s.sendMax,
				TotalSent: s.totalSent,
			})
		}
	}
	if out.sourceAmount > 0 && out.sourceAmount == startingCap {
		out.probesCeiling = true
	}

	// Byte budget: what fits in the packet, clamped by the
	// connection-level outgoing window.
	budget := MaxDataSize - packet.encodedLength()
	if budget < 0 {
		budget = 0
	}
	connWindow := satSub(c.remoteConnMaxOffset, c.connBytesSent)
	if uint64(budget) > connWindow {
		budget = int(connWindow)
		if c.anyStreamHasDataLocked() {
			packet.Frames = append(packet.Frames, &ConnectionDataBlockedFrame{
				MaxOffset: c.remoteConnMaxOffset,
			})
		}
	}

	for _, s := range streams {
		if !s.open && !s.hasDataToSendLocked() {
			continue
		}
		blockedSent := false
		for budget > streamDataFrameOverhead {
			preOffset := s.outStart
			chunk, blocked := s.availableDataToSendLocked(budget - streamDataFrameOverhead)
			if blocked && !blockedSent {
				blockedSent = true
				packet.Frames = append(packet.Frames, &StreamDataBlockedFrame{
					StreamID:  s.id,
					MaxOffset: s.remoteMaxOffset,
				})
			}
			if len(chunk.data) == 0 {
				break
			}
			packet.Frames = append(packet.Frames, &StreamDataFrame{
				StreamID: s.id,
				Offset:   chunk.offset,
				Data:     chunk.data,
			})
			out.dataChunks[s] = append(out.dataChunks[s], chunk)
			if s.outStart > preOffset {
				out.newDataBytes += s.outStart - preOffset
			}
			budget -= len(chunk.data) + streamDataFrameOverhead
			substantive = true
		}
	}
	c.connBytesSent = satAdd(c.connBytesSent, out.newDataBytes)

	// A graceful end closes the connection once every stream has
	// drained; the close frame rides the final packet.
	if c.localClosed && !c.remoteClosed && c.allStreamsDoneLocked() {
		packet.Frames = append(packet.Frames, &ConnectionCloseFrame{
			ErrorCode:    ErrNoError,
			ErrorMessage: "",
		})
		out.carriesClose = true
		substantive = true
	}

	if !substantive {
		return nil
	}

	out.minDestination = applyRateWithSlippage(out.sourceAmount, c.exchangeRate, c.slippage)
	packet.PrepareAmount = out.minDestination
	if out.sourceAmount > 0 {
		c.lastPacketRate = rateFromAmounts(out.minDestination, out.sourceAmount)
	}
	c.nextSequence++
	return out
}

// needsSendLoopLocked reports whether anything justifies running the
// prober and building packets: an unconnected initiator, queued
// control frames, a pending graceful close, or a stream with value or
// data to move.
func (c *Connection) needsSendLoopLocked() bool {
	if !c.connected && !c.cfg.IsServer {
		return true
	}
	if len(c.queuedFrames) > 0 || c.localClosed || c.advertisePending {
		return true
	}
	for _, s := range c.registry.streams {
		if s.availableToSendLocked() > 0 || s.hasDataToSendLocked() || (s.endPending && !s.sentEnd) {
			return true
		}
	}
	return false
}

// anyStreamHasDataLocked reports whether any stream has bytes waiting.
func (c *Connection) anyStreamHasDataLocked() bool {
	for _, s := range c.registry.streams {
		if s.hasDataToSendLocked() {
			return true
		}
	}
	return false
}

// allStreamsDoneLocked reports whether no stream still has value or
// data to move.
func (c *Connection) allStreamsDoneLocked() bool {
	for _, s := range c.registry.streams {
		if s.open || s.hasDataToSendLocked() || len(s.holds) > 0 {
			return false
		}
	}
	return true
}

// dispatchPacket encrypts, sends and settles one packet. The mutex is
// released for the transport round trip and reacquired to apply the
// response.
func (c *Connection) dispatchPacket(out *outgoingPacket) {
	ciphertext, err := c.env.encrypt(out.packet.Marshal())
	if err != nil {
		c.settleReject(out, &Reject{Code: CodeTemporaryFailure, Message: err.Error()})
		return
	}
	condition := c.env.generateCondition(ciphertext)

	c.mu.Lock()
	destination := c.destinationAccount
	c.mu.Unlock()

	prepare := &Prepare{
		Amount:             out.sourceAmount,
		ExpiresAt:          time.Now().Add(defaultPrepareExpiry),
		ExecutionCondition: condition,
		Destination:        destination,
		Data:               ciphertext,
	}
	raw, err := prepare.Marshal()
	if err != nil {
		c.settleReject(out, &Reject{Code: CodeTemporaryFailure, Message: err.Error()})
		return
	}

	log.Debug().
		Uint64("sequence", out.sequence).
		Uint64("sourceAmount", out.sourceAmount).
		Uint64("minDestination", out.minDestination).
		Int("frames", len(out.packet.Frames)).
		Msg("sending packet")

	ctx, cancel := context.WithTimeout(c.ctx, defaultPrepareExpiry)
	response, err := c.plugin.SendData(ctx, raw)
	cancel()
	if err != nil {
		log.Debug().Err(err).Uint64("sequence", out.sequence).Msg("transport error")
		c.settleReject(out, &Reject{Code: CodeTemporaryFailure, Message: err.Error()})
		return
	}

	fulfill, reject, err := UnmarshalResponse(response)
	if err != nil {
		log.Warn().Err(err).Uint64("sequence", out.sequence).Msg("undecodable response")
		c.settleReject(out, &Reject{Code: CodeTemporaryFailure, Message: err.Error()})
		return
	}
	if fulfill != nil {
		c.settleFulfill(out, fulfill, condition)
		return
	}
	c.settleReject(out, reject)
}

// settleFulfill applies a fulfilled packet: holds execute, totals
// grow, the response's frames are processed, and the probing ceiling
// may grow.
func (c *Connection) settleFulfill(out *outgoingPacket, fulfill *Fulfill, condition []byte) {
	if !fulfillmentMatches(fulfill.Fulfillment, condition) {
		c.Destroy(&ConnectionError{
			Code:    ErrProtocolViolation,
			Message: "fulfillment does not match condition",
		})
		return
	}

	delivered := out.minDestination
	inner := &Packet{}
	innerOK := c.decryptResponsePacket(fulfill.Data, out.sequence, PacketTypeFulfill, inner) == nil
	if innerOK {
		delivered = inner.PrepareAmount
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.bumpActivityLocked()
	c.retryDelay = retryDelayInitial

	for _, s := range out.moneyStreams {
		s.executeHoldLocked(out.sequence)
	}
	addToTotal(&c.totalSent, out.sourceAmount)
	addToTotal(&c.totalDelivered, delivered)

	if out.carriesAddress {
		c.remoteKnowsOurAddress = true
	}

	if out.probesCeiling {
		c.growTestMaxPacketLocked()
	}
	c.cond.Broadcast()
	c.mu.Unlock()

	if innerOK {
		c.handleResponseFrames(inner.Frames)
	}

	log.Debug().
		Uint64("sequence", out.sequence).
		Uint64("sourceAmount", out.sourceAmount).
		Uint64("delivered", delivered).
		Msg("packet fulfilled")
}

// growTestMaxPacketLocked raises the probing ceiling after a packet of
// exactly that size fulfilled: additively when the path limit is
// known, multiplicatively while it is not.
func (c *Connection) growTestMaxPacketLocked() {
	if c.testMaxPacketAmount == amountUnlimited {
		return
	}
	var grown uint64
	if c.maxPacketAmount != amountUnlimited {
		grown = satAdd(c.testMaxPacketAmount, maxU64(1, c.maxPacketAmount/10))
		grown = minU64(grown, c.maxPacketAmount)
	} else {
		grown = satAdd(c.testMaxPacketAmount, c.testMaxPacketAmount)
	}
	if grown != c.testMaxPacketAmount {
		c.testMaxPacketAmount = grown
		log.Trace().
			Uint64("testMaxPacketAmount", grown).
			Msg("test packet ceiling grown")
	}
}

// settleReject returns a packet's holds and data to their streams and
// reacts to the reject code: path limits shrink on amount-too-large,
// temporary errors back off, other final errors kill the connection.
func (c *Connection) settleReject(out *outgoingPacket, reject *Reject) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.bumpActivityLocked()

	for _, s := range out.moneyStreams {
		s.cancelHoldLocked(out.sequence)
	}
	for s, chunks := range out.dataChunks {
		for _, chunk := range chunks {
			s.resendDataLocked(chunk)
		}
	}
	c.mu.Unlock()

	log.Debug().
		Uint64("sequence", out.sequence).
		Str("code", reject.Code).
		Str("message", reject.Message).
		Msg("packet rejected")

	switch {
	case reject.Code == CodeAmountTooLarge:
		c.applyAmountTooLarge(out, reject)
	case reject.Code == CodeApplicationError:
		inner := &Packet{}
		if err := c.decryptResponsePacket(reject.Data, out.sequence, PacketTypeReject, inner); err == nil {
			c.handleResponseFrames(inner.Frames)
		}
	case codeIsTemporary(reject.Code):
		if reject.Code == CodeInsufficientLiquidity {
			c.shrinkTestMaxPacket()
		}
		c.sleepRetryDelay()
	case codeIsFinal(reject.Code):
		c.Destroy(&RejectError{ILPCode: reject.Code, Message: reject.Message})
	default:
		c.sleepRetryDelay()
	}
}

// applyAmountTooLarge shrinks the path limit from an F08 reject's
// received/maximum pair.
func (c *Connection) applyAmountTooLarge(out *outgoingPacket, reject *Reject) {
	received, maximum, err := parseAmountTooLargeData(reject.Data)
	c.mu.Lock()
	if err != nil || received == 0 {
		// No usable data: fall back to one less than what we tried.
		if out.sourceAmount > 0 {
			c.maxPacketAmount = minU64(c.maxPacketAmount, out.sourceAmount-1)
		}
	} else {
		limit := new(big.Int).SetUint64(out.sourceAmount)
		limit.Mul(limit, new(big.Int).SetUint64(maximum))
		limit.Div(limit, new(big.Int).SetUint64(received))
		c.maxPacketAmount = minU64(c.maxPacketAmount, clampBigToUint64(limit))
	}
	c.testMaxPacketAmount = minU64(c.testMaxPacketAmount, c.maxPacketAmount)
	dead := c.maxPacketAmount == 0
	log.Debug().
		Uint64("maxPacketAmount", c.maxPacketAmount).
		Msg("path packet limit reduced")
	c.mu.Unlock()

	if dead {
		c.Destroy(ErrSendMoney)
	}
}

// decryptResponsePacket opens and validates an inner response packet:
// it must decrypt, parse, echo our sequence, and carry the expected
// type.
func (c *Connection) decryptResponsePacket(data []byte, sequence uint64, want PacketType, into *Packet) error {
	if len(data) == 0 {
		return fmt.Errorf("no response packet")
	}
	plaintext, err := c.env.decrypt(data)
	if err != nil {
		return err
	}
	if err := into.Unmarshal(plaintext); err != nil {
		return err
	}
	if into.Sequence != sequence {
		return fmt.Errorf("response sequence %d does not match request %d", into.Sequence, sequence)
	}
	if into.PacketType != want {
		return fmt.Errorf("response packet type %s, expected %s", into.PacketType, want)
	}
	return nil
}
