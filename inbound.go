package stream

import (
	"math/big"

	"github.com/rs/zerolog/log"
)

// Inbound handling. The transport driver hands every Prepare addressed
// to this connection to HandleData and sends back whatever bytes it
// returns. All validation happens before any state changes; crediting
// is atomic with the decision to fulfill.

// HandleData processes one serialized inbound Prepare and returns the
// serialized Fulfill or Reject response.
func (c *Connection) HandleData(data []byte) []byte {
	prepare, err := UnmarshalPrepare(data)
	if err != nil {
		log.Debug().Err(err).Msg("unparseable inbound transfer")
		return marshalPlainReject(CodeUnexpectedPayment, "could not parse transfer")
	}

	plaintext, err := c.env.decrypt(prepare.Data)
	if err != nil {
		log.Debug().Err(err).Msg("inbound payload failed decryption")
		return marshalPlainReject(CodeUnexpectedPayment, "could not decrypt data")
	}

	packet := &Packet{}
	if err := packet.Unmarshal(plaintext); err != nil {
		log.Debug().Err(err).Msg("inbound payload failed parsing")
		return marshalPlainReject(CodeUnexpectedPayment, "could not parse packet")
	}
	if packet.PacketType != PacketTypePrepare {
		log.Warn().
			Stringer("packetType", packet.PacketType).
			Msg("inbound packet type does not match transfer")
		return marshalPlainReject(CodeUnexpectedPayment, "unexpected packet type")
	}

	c.mu.Lock()
	c.bumpActivityLocked()
	if c.closed {
		c.mu.Unlock()
		return marshalPlainReject(CodeUnexpectedPayment, "connection is closed")
	}

	log.Debug().
		Uint64("sequence", packet.Sequence).
		Uint64("amount", prepare.Amount).
		Int("frames", len(packet.Frames)).
		Msg("handling inbound packet")

	response := c.handlePrepareLocked(prepare, packet)
	remoteClose := c.pendingRemoteClose
	c.pendingRemoteClose = nil
	fatal := c.pendingFatal
	c.pendingFatal = nil
	if fatal != nil {
		c.finalizeLocked(fatal, true)
	}
	wake := len(c.queuedFrames) > 0 || c.needsSendLoopLocked()
	if wake && fatal == nil && remoteClose == nil {
		c.wakeSendLoopLocked()
	}
	c.mu.Unlock()

	if remoteClose != nil && fatal == nil {
		c.closeFromRemote(remoteClose)
	}
	return response
}

// handlePrepareLocked validates the packet, applies its frames, and
// builds the response. Any reject carries the queued response frames
// so the peer still learns our window and close state.
func (c *Connection) handlePrepareLocked(prepare *Prepare, packet *Packet) []byte {
	// Tombstoned streams ignore stray frames, but value or data for
	// one is a hard error: the peer is using a retired id.
	frames := make([]Frame, 0, len(packet.Frames))
	for _, f := range packet.Frames {
		id, hasStream := streamIDOf(f)
		if !hasStream || !c.registry.isClosed(id) {
			frames = append(frames, f)
			continue
		}
		if carriesValueOrData(f) {
			c.queueFrameLocked(&StreamCloseFrame{
				StreamID:  id,
				ErrorCode: ErrStreamStateError,
			})
			return c.rejectWithPacketLocked(packet.Sequence, prepare.Amount, "stream is closed")
		}
	}

	// Make sure every referenced stream exists.
	var newStreams []*Stream
	for _, f := range frames {
		id, hasStream := streamIDOf(f)
		if !hasStream {
			continue
		}
		if c.registry.get(id) != nil {
			continue
		}
		s, err := c.registry.acceptRemote(id)
		if err != nil {
			connErr, ok := err.(*ConnectionError)
			if !ok {
				connErr = &ConnectionError{Code: ErrInternalError, Message: err.Error()}
			}
			c.queueFrameLocked(&ConnectionCloseFrame{
				ErrorCode:    connErr.Code,
				ErrorMessage: connErr.Message,
			})
			c.pendingFatal = connErr
			return c.rejectWithPacketLocked(packet.Sequence, prepare.Amount, connErr.Message)
		}
		newStreams = append(newStreams, s)
	}
	for _, s := range newStreams {
		c.emitEvent(Event{Type: EventStream, Stream: s})
	}

	c.processControlFramesLocked(frames)

	// Byte windows: a chunk past a stream's window or the connection
	// window is a flow-control violation, fatal to the connection.
	proposed := make(map[uint64]uint64)
	for _, f := range frames {
		df, ok := f.(*StreamDataFrame)
		if !ok {
			continue
		}
		end := df.Offset + uint64(len(df.Data))
		proposed[df.StreamID] = maxU64(proposed[df.StreamID], end)
	}
	for id, end := range proposed {
		s := c.registry.get(id)
		if s == nil {
			continue
		}
		if end > maxU64(s.maxIncomingOffset, s.maxAcceptableOffsetLocked()) {
			violation := &ConnectionError{
				Code:    ErrFlowControlError,
				Message: "data exceeds advertised window",
			}
			c.queueFrameLocked(&ConnectionCloseFrame{
				ErrorCode:    violation.Code,
				ErrorMessage: violation.Message,
			})
			c.pendingFatal = violation
			return c.rejectWithPacketLocked(packet.Sequence, prepare.Amount, violation.Message)
		}
	}
	if !c.incomingWindowAllowsLocked(proposed) {
		violation := &ConnectionError{
			Code:    ErrFlowControlError,
			Message: "data exceeds connection window",
		}
		c.queueFrameLocked(&ConnectionCloseFrame{
			ErrorCode:    violation.Code,
			ErrorMessage: violation.Message,
		})
		c.pendingFatal = violation
		return c.rejectWithPacketLocked(packet.Sequence, prepare.Amount, violation.Message)
	}

	// The sender demanded a minimum destination amount; honor it.
	if packet.PrepareAmount > prepare.Amount {
		log.Debug().
			Uint64("demanded", packet.PrepareAmount).
			Uint64("received", prepare.Amount).
			Msg("rejecting transfer below demanded minimum")
		return c.rejectWithPacketLocked(packet.Sequence, prepare.Amount, "received amount below minimum")
	}

	// Only the holder of the shared secret can fulfill. Test packets
	// with random conditions land here and learn the received amount
	// from the reject.
	fulfillment := c.env.generateFulfillment(prepare.Data)
	if !fulfillmentMatches(fulfillment, prepare.ExecutionCondition) {
		return c.rejectWithPacketLocked(packet.Sequence, prepare.Amount, "cannot fulfill condition")
	}

	// Split the value across StreamMoney frames by share weight and
	// check every target can take its part.
	type credit struct {
		s      *Stream
		amount uint64
	}
	var credits []credit
	var moneyFrames []*StreamMoneyFrame
	totalShares := new(big.Int)
	for _, f := range frames {
		if mf, ok := f.(*StreamMoneyFrame); ok {
			moneyFrames = append(moneyFrames, mf)
			totalShares.Add(totalShares, new(big.Int).SetUint64(mf.Shares))
		}
	}
	for _, mf := range moneyFrames {
		if totalShares.Sign() == 0 {
			break
		}
		s := c.registry.get(mf.StreamID)
		if s == nil || !s.open {
			c.queueFrameLocked(&StreamCloseFrame{
				StreamID:  mf.StreamID,
				ErrorCode: ErrStreamStateError,
			})
			return c.rejectWithPacketLocked(packet.Sequence, prepare.Amount, "stream is closed")
		}
		amount := new(big.Int).SetUint64(prepare.Amount)
		amount.Mul(amount, new(big.Int).SetUint64(mf.Shares))
		amount.Div(amount, totalShares)
		share := clampBigToUint64(amount)
		if !s.withinReceiveToleranceLocked(share) {
			c.queueFrameLocked(&StreamMaxMoneyFrame{
				StreamID:      s.id,
				ReceiveMax:    s.receiveMax,
				TotalReceived: s.totalReceived,
			})
			log.Debug().
				Uint64("streamID", s.id).
				Uint64("amount", share).
				Uint64("receiveMax", s.receiveMax).
				Msg("rejecting transfer above stream receive ceiling")
			return c.rejectWithPacketLocked(packet.Sequence, prepare.Amount, "exceeded receive limit")
		}
		credits = append(credits, credit{s: s, amount: share})
	}

	// Everything checks out: credit money, deliver data, fulfill.
	for _, cr := range credits {
		cr.s.addReceivedLocked(cr.amount)
		addToTotal(&c.totalReceived, cr.amount)
	}
	for _, f := range frames {
		if df, ok := f.(*StreamDataFrame); ok {
			if s := c.registry.get(df.StreamID); s != nil {
				s.pushIncomingDataLocked(df.Data, df.Offset)
			}
		}
	}
	c.cond.Broadcast()

	responsePacket := &Packet{
		Sequence:      packet.Sequence,
		PacketType:    PacketTypeFulfill,
		PrepareAmount: prepare.Amount,
		Frames:        c.responseFramesLocked(),
	}
	ciphertext, err := c.env.encrypt(responsePacket.Marshal())
	if err != nil {
		log.Error().Err(err).Msg("encrypt fulfill response")
		return marshalPlainReject(CodeTemporaryFailure, "internal error")
	}
	fulfillEnvelope := &Fulfill{Fulfillment: fulfillment, Data: ciphertext}
	raw, err := fulfillEnvelope.Marshal()
	if err != nil {
		log.Error().Err(err).Msg("marshal fulfill response")
		return marshalPlainReject(CodeTemporaryFailure, "internal error")
	}
	return raw
}

// processControlFramesLocked applies the control frames of an inbound
// packet or response. Money and data frames are handled by the callers.
func (c *Connection) processControlFramesLocked(frames []Frame) {
	for _, f := range frames {
		switch frame := f.(type) {
		case *ConnectionNewAddressFrame:
			first := c.destinationAccount == ""
			c.destinationAccount = frame.SourceAccount
			if first {
				log.Info().
					Str("destination", frame.SourceAccount).
					Msg("learned peer address")
				// Introduce our asset in return and consider the
				// connection usable.
				c.queueFrameLocked(&ConnectionAssetDetailsFrame{
					SourceAssetCode:  c.cfg.SourceAssetCode,
					SourceAssetScale: c.cfg.SourceAssetScale,
				})
				c.markConnectedLocked()
			}
		case *ConnectionAssetDetailsFrame:
			c.destAssetCode = frame.SourceAssetCode
			c.destAssetScale = frame.SourceAssetScale
			c.destAssetKnown = true
		case *ConnectionCloseFrame:
			c.remoteClosed = true
			c.pendingRemoteClose = &ConnectionError{
				Code:    frame.ErrorCode,
				Message: frame.ErrorMessage,
			}
		case *ConnectionMaxDataFrame:
			c.applyConnectionMaxDataLocked(frame.MaxOffset)
			c.wakeSendLoopLocked()
		case *ConnectionDataBlockedFrame:
			log.Debug().
				Uint64("maxOffset", frame.MaxOffset).
				Msg("peer blocked by connection byte window")
		case *ConnectionMaxStreamIdFrame:
			c.registry.remoteMaxStreamID = maxU64(c.registry.remoteMaxStreamID, frame.MaxStreamID)
		case *ConnectionStreamIdBlockedFrame:
			log.Debug().
				Uint64("maxStreamID", frame.MaxStreamID).
				Msg("peer blocked by stream-id ceiling")
		case *StreamCloseFrame:
			s := c.registry.get(frame.StreamID)
			if s == nil {
				continue
			}
			s.remoteSentEnd = true
			s.endPending = true
			if frame.ErrorCode != ErrNoError {
				s.errorCode = frame.ErrorCode
				s.errorMessage = frame.ErrorMessage
				log.Debug().
					Uint64("streamID", s.id).
					Stringer("code", frame.ErrorCode).
					Str("message", frame.ErrorMessage).
					Msg("peer closed stream with error")
			}
			// Stop asking for more value on a stream the peer ended.
			s.sendMax = minU64(s.sendMax, satAdd(s.totalSent, s.holdTotalLocked()))
			c.cond.Broadcast()
		case *StreamMaxMoneyFrame:
			s := c.registry.get(frame.StreamID)
			if s == nil {
				continue
			}
			s.remoteReceiveMax = frame.ReceiveMax
			s.remoteReceived = frame.TotalReceived
			c.wakeSendLoopLocked()
		case *StreamMoneyBlockedFrame:
			log.Debug().
				Uint64("streamID", frame.StreamID).
				Uint64("sendMax", frame.SendMax).
				Msg("peer blocked by stream value window")
		case *StreamMaxDataFrame:
			s := c.registry.get(frame.StreamID)
			if s == nil {
				continue
			}
			s.remoteMaxOffset = frame.MaxOffset
			c.wakeSendLoopLocked()
		case *StreamDataBlockedFrame:
			log.Debug().
				Uint64("streamID", frame.StreamID).
				Uint64("maxOffset", frame.MaxOffset).
				Msg("peer blocked by stream byte window")
		}
	}
}

// handleResponseFrames applies the control frames of a fulfill or
// reject response on the sending side.
func (c *Connection) handleResponseFrames(frames []Frame) {
	c.mu.Lock()
	c.processControlFramesLocked(frames)
	remoteClose := c.pendingRemoteClose
	c.pendingRemoteClose = nil
	c.mu.Unlock()

	if remoteClose != nil {
		c.closeFromRemote(remoteClose)
	}
}

// closeFromRemote finishes the connection after the peer sent
// ConnectionClose. No close goes back; the peer already knows.
func (c *Connection) closeFromRemote(reason *ConnectionError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	var err error
	if reason.Code != ErrNoError {
		err = reason
	}
	log.Info().
		Stringer("code", reason.Code).
		Str("message", reason.Message).
		Msg("remote closed connection")
	if err == nil && !c.localClosed {
		c.emitEvent(Event{Type: EventEnd})
	}
	c.finalizeLocked(err, err != nil)
}

// responseFramesLocked assembles the frames riding a fulfill: window
// advertisements for the connection and every open stream, closes for
// streams that just drained, and anything queued.
func (c *Connection) responseFramesLocked() []Frame {
	// Streams the peer ended and we have drained close here, which
	// queues their StreamClose frames.
	for _, s := range c.registry.openStreamsInOrder() {
		if s.remoteSentEnd && !s.sentEnd && s.isDrainedLocked() {
			c.closeStreamLocked(s, s.errorCode, s.errorMessage)
		}
	}

	frames := []Frame{
		&ConnectionMaxDataFrame{MaxOffset: c.connMaxIncomingOffsetLocked()},
	}
	for _, s := range c.registry.openStreamsInOrder() {
		frames = append(frames,
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
	return append(frames, c.drainQueuedFramesLocked()...)
}

// rejectWithPacketLocked builds an application-level reject whose data
// is an encrypted response packet. Queued frames (closes, window
// advertisements) are flushed inside it so a rejected packet still
// carries our state to the peer.
func (c *Connection) rejectWithPacketLocked(sequence, receivedAmount uint64, message string) []byte {
	responsePacket := &Packet{
		Sequence:      sequence,
		PacketType:    PacketTypeReject,
		PrepareAmount: receivedAmount,
		Frames:        c.drainQueuedFramesLocked(),
	}
	ciphertext, err := c.env.encrypt(responsePacket.Marshal())
	if err != nil {
		log.Error().Err(err).Msg("encrypt reject response")
		return marshalPlainReject(CodeTemporaryFailure, "internal error")
	}
	reject := &Reject{
		Code:        CodeApplicationError,
		TriggeredBy: c.cfg.SourceAccount,
		Message:     message,
		Data:        ciphertext,
	}
	raw, err := reject.Marshal()
	if err != nil {
		log.Error().Err(err).Msg("marshal reject response")
		return marshalPlainReject(CodeTemporaryFailure, "internal error")
	}
	return raw
}

// marshalPlainReject builds a reject with no packet payload, used when
// state must stay untouched or cryptography is unavailable.
func marshalPlainReject(code, message string) []byte {
	reject := &Reject{Code: code, Message: message}
	raw, err := reject.Marshal()
	if err != nil {
		// Only reachable with a malformed code constant.
		log.Error().Err(err).Msg("marshal plain reject")
		return nil
	}
	return raw
}

// streamIDOf extracts the stream id from stream-bearing frames.
func streamIDOf(f Frame) (uint64, bool) {
	switch frame := f.(type) {
	case *StreamCloseFrame:
		return frame.StreamID, true
	case *StreamMoneyFrame:
		return frame.StreamID, true
	case *StreamMaxMoneyFrame:
		return frame.StreamID, true
	case *StreamMoneyBlockedFrame:
		return frame.StreamID, true
	case *StreamDataFrame:
		return frame.StreamID, true
	case *StreamMaxDataFrame:
		return frame.StreamID, true
	case *StreamDataBlockedFrame:
		return frame.StreamID, true
	default:
		return 0, false
	}
}

// carriesValueOrData reports whether a frame moves money or bytes, the
// two things a tombstoned stream must never accept.
func carriesValueOrData(f Frame) bool {
	switch frame := f.(type) {
	case *StreamMoneyFrame:
		return frame.Shares > 0
	case *StreamDataFrame:
		return len(frame.Data) > 0
	default:
		return false
	}
}
