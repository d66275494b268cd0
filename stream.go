package stream

import (
	"fmt"
	"io"

	"github.com/armon/circbuf"
	"github.com/rs/zerolog/log"
)

// Stream is one bidirectional logical channel multiplexed over a
// connection. It carries fungible value and ordered bytes, each under
// its own flow-control window.
//
// All state is guarded by the owning connection's mutex; public
// methods take it. Internal methods with the Locked suffix expect it
// held, which is how the send loop and the inbound handler reach
// stream state without re-entering the lock.
type Stream struct {
	id   uint64
	conn *Connection

	open          bool
	sentEnd       bool
	remoteSentEnd bool
	endPending    bool
	errorCode     ErrorCode
	errorMessage  string

	// Value plane. Outgoing value is reserved in holds keyed by the
	// packet sequence that carries it, and only counted into totalSent
	// when that packet fulfills.
	sendMax          uint64
	totalSent        uint64
	receiveMax       uint64
	totalReceived    uint64
	remoteReceiveMax uint64
	remoteReceived   uint64
	holds            map[uint64]uint64

	// Outgoing data plane. outBuf holds bytes queued by Write that
	// have not been pulled into a packet; outStart is the stream
	// offset of outBuf[0]. Chunks from rejected packets wait in
	// resendQueue and are retransmitted before any new bytes.
	outBuf          []byte
	outStart        uint64
	resendQueue     []dataChunk
	remoteMaxOffset uint64

	// Incoming data plane. Out-of-order chunks wait in reassembly
	// until the gap below them fills; contiguous bytes move into
	// readBuf where Read consumes them. nextIncomingOffset is the next
	// in-order byte expected, readCursor counts bytes handed to Read,
	// maxIncomingOffset is the highest end offset seen.
	reassembly         map[uint64][]byte
	readBuf            *circbuf.Buffer
	nextIncomingOffset uint64
	readCursor         uint64
	maxIncomingOffset  uint64
}

// dataChunk is a retransmission unit: bytes at a fixed stream offset.
type dataChunk struct {
	offset uint64
	data   []byte
}

// newStream builds a stream record owned by conn. Callers hold conn.mu.
func newStream(conn *Connection, id uint64) *Stream {
	buf, err := circbuf.NewBuffer(int64(conn.cfg.ConnectionBufferSize))
	if err != nil {
		// Only reachable with a non-positive buffer size, which the
		// config validation already excluded.
		panic(fmt.Sprintf("create read buffer: %v", err))
	}
	return &Stream{
		id:         id,
		conn:       conn,
		open:       true,
		holds:      make(map[uint64]uint64),
		reassembly: make(map[uint64][]byte),
		readBuf:    buf,
	}
}

// ID returns the stream id. Ids opened by the responder are even,
// by the initiator odd.
func (s *Stream) ID() uint64 {
	return s.id
}

// IsOpen reports whether the stream can still carry value or data.
func (s *Stream) IsOpen() bool {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.open
}

// SetSendMax raises the total amount the stream is willing to send.
// Lowering below what was already sent is rejected.
func (s *Stream) SetSendMax(limit uint64) error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	if !s.open {
		return ErrStreamClosed
	}
	if limit < s.totalSent {
		return fmt.Errorf("send max %d is below the %d already sent", limit, s.totalSent)
	}
	s.sendMax = limit
	s.conn.wakeSendLoopLocked()
	return nil
}

// SendMax returns the total amount the stream is willing to send.
func (s *Stream) SendMax() uint64 {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.sendMax
}

// TotalSent returns the amount sent and fulfilled so far.
func (s *Stream) TotalSent() uint64 {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.totalSent
}

// SetReceiveMax raises the total amount the stream will accept. The
// new ceiling is advertised to the peer on the next packet.
func (s *Stream) SetReceiveMax(limit uint64) error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	if !s.open {
		return ErrStreamClosed
	}
	if limit < s.totalReceived {
		return fmt.Errorf("receive max %d is below the %d already received", limit, s.totalReceived)
	}
	s.receiveMax = limit
	s.conn.advertisePending = true
	s.conn.wakeSendLoopLocked()
	return nil
}

// ReceiveMax returns the total amount the stream will accept.
func (s *Stream) ReceiveMax() uint64 {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.receiveMax
}

// TotalReceived returns the amount credited to this stream so far.
func (s *Stream) TotalReceived() uint64 {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.totalReceived
}

// ReadableLength reports how many in-order bytes are ready for Read.
func (s *Stream) ReadableLength() int {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return int(s.readBuf.TotalWritten())
}

// Write queues bytes for transmission, blocking while the local buffer
// is full. It implements io.Writer.
func (s *Stream) Write(p []byte) (int, error) {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()

	written := 0
	for written < len(p) {
		if !s.open || s.endPending {
			return written, ErrStreamClosed
		}
		if s.conn.closed {
			return written, ErrConnectionClosed
		}
		room := s.conn.cfg.ConnectionBufferSize - len(s.outBuf)
		if room <= 0 {
			s.conn.cond.Wait()
			continue
		}
		n := len(p) - written
		if n > room {
			n = room
		}
		s.outBuf = append(s.outBuf, p[written:written+n]...)
		written += n
		s.conn.wakeSendLoopLocked()
	}
	return written, nil
}

// Read delivers in-order bytes, blocking until data arrives or the
// remote end of the stream closes. It implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()

	for s.readBuf.TotalWritten() == 0 {
		if s.remoteSentEnd || !s.open {
			return 0, io.EOF
		}
		if s.conn.closed {
			return 0, ErrConnectionClosed
		}
		s.conn.cond.Wait()
	}

	// Drain the ring buffer, keep what does not fit. The buffer has no
	// built-in Read, so take everything and re-write the remainder.
	buffered := s.readBuf.Bytes()
	n := copy(p, buffered)
	remaining := buffered[n:]
	s.readBuf.Reset()
	if len(remaining) > 0 {
		if _, err := s.readBuf.Write(remaining); err != nil {
			return n, fmt.Errorf("requeue read buffer: %w", err)
		}
	}
	s.readCursor += uint64(n)
	// Consuming bytes widens the incoming window; let the peer know.
	s.conn.advertisePending = true
	s.conn.wakeSendLoopLocked()
	s.conn.cond.Broadcast()
	return n, nil
}

// End closes the stream gracefully: queued data and value drain first,
// then a close frame goes out. Blocks until drained or the connection
// dies.
func (s *Stream) End() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()

	if !s.open {
		return nil
	}
	// Queued data and the committed send ceiling still drain; the
	// close frame follows once availableToSend hits zero.
	s.endPending = true
	s.conn.wakeSendLoopLocked()

	for s.open && !s.conn.closed {
		s.conn.cond.Wait()
	}
	if s.conn.closed && s.open {
		return ErrConnectionClosed
	}
	return nil
}

// CloseWithError closes the stream immediately with an application
// error carried to the peer.
func (s *Stream) CloseWithError(message string) error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	if !s.open {
		return nil
	}
	s.errorCode = ErrApplicationError
	s.errorMessage = message
	s.conn.closeStreamLocked(s, ErrApplicationError, message)
	s.conn.wakeSendLoopLocked()
	return nil
}

// --- value plane, connection-owned ---

// holdTotalLocked sums outstanding holds.
func (s *Stream) holdTotalLocked() uint64 {
	var total uint64
	for _, amount := range s.holds {
		total = satAdd(total, amount)
	}
	return total
}

// availableToSendLocked returns how much value could go into the next
// packet: the send ceiling minus what was sent or is in flight.
func (s *Stream) availableToSendLocked() uint64 {
	return satSub(satSub(s.sendMax, s.totalSent), s.holdTotalLocked())
}

// remoteMoneyWindowLocked returns the destination-unit headroom the
// peer advertised for this stream.
func (s *Stream) remoteMoneyWindowLocked() uint64 {
	return satSub(s.remoteReceiveMax, s.remoteReceived)
}

// holdOutgoingLocked reserves value against the packet sequence that
// will carry it.
func (s *Stream) holdOutgoingLocked(sequence, amount uint64) {
	if amount == 0 {
		return
	}
	s.holds[sequence] = amount
}

// executeHoldLocked commits a hold after its packet fulfilled.
func (s *Stream) executeHoldLocked(sequence uint64) uint64 {
	amount, ok := s.holds[sequence]
	if !ok {
		return 0
	}
	delete(s.holds, sequence)
	s.totalSent = satAdd(s.totalSent, amount)
	return amount
}

// cancelHoldLocked releases a hold after its packet rejected.
func (s *Stream) cancelHoldLocked(sequence uint64) uint64 {
	amount, ok := s.holds[sequence]
	if !ok {
		return 0
	}
	delete(s.holds, sequence)
	return amount
}

// canReceiveLocked returns the stream's incoming value headroom.
func (s *Stream) canReceiveLocked() uint64 {
	return satSub(s.receiveMax, s.totalReceived)
}

// withinReceiveToleranceLocked checks an incoming amount against the
// receive ceiling with the 1.01 tolerance that absorbs intermediary
// rounding: amount ≤ canReceive · 1.01.
func (s *Stream) withinReceiveToleranceLocked(amount uint64) bool {
	headroom := s.canReceiveLocked()
	if amount <= headroom {
		return true
	}
	// amount·100 ≤ headroom·101, in big enough arithmetic to not wrap.
	if amount > amountUnlimited/100 || headroom > amountUnlimited/101 {
		return true
	}
	return amount*100 <= headroom*101
}

// addReceivedLocked credits incoming value.
func (s *Stream) addReceivedLocked(amount uint64) {
	s.totalReceived = satAdd(s.totalReceived, amount)
}

// --- outgoing data plane, connection-owned ---

// hasDataToSendLocked reports whether any bytes are queued or awaiting
// retransmission.
func (s *Stream) hasDataToSendLocked() bool {
	return len(s.resendQueue) > 0 || len(s.outBuf) > 0
}

// availableDataToSendLocked pulls up to maxBytes for the next packet.
// Retransmissions go first and are not window-checked: their offsets
// were inside the window when first sent. New bytes honor the
// per-stream remote offset cap. blocked reports data left behind only
// because of that cap.
func (s *Stream) availableDataToSendLocked(maxBytes int) (chunk dataChunk, blocked bool) {
	if maxBytes <= 0 {
		return dataChunk{}, s.hasDataToSendLocked()
	}

	if len(s.resendQueue) > 0 {
		head := s.resendQueue[0]
		if len(head.data) <= maxBytes {
			s.resendQueue = s.resendQueue[1:]
			return head, false
		}
		s.resendQueue[0] = dataChunk{offset: head.offset + uint64(maxBytes), data: head.data[maxBytes:]}
		return dataChunk{offset: head.offset, data: head.data[:maxBytes]}, false
	}

	if len(s.outBuf) == 0 {
		return dataChunk{}, false
	}

	n := minU64(uint64(len(s.outBuf)), uint64(maxBytes))
	window := satSub(s.remoteMaxOffset, s.outStart)
	if window < n {
		n = window
		blocked = true
	}
	if n == 0 {
		return dataChunk{}, true
	}

	chunk = dataChunk{offset: s.outStart, data: append([]byte(nil), s.outBuf[:n]...)}
	s.outBuf = s.outBuf[n:]
	s.outStart += n
	s.conn.cond.Broadcast()
	return chunk, blocked
}

// resendDataLocked queues bytes from a rejected packet for
// retransmission ahead of new data.
func (s *Stream) resendDataLocked(chunk dataChunk) {
	if len(chunk.data) == 0 {
		return
	}
	s.resendQueue = append(s.resendQueue, chunk)
}

// outgoingOffsetsLocked reports the data sent so far and the peer's cap.
func (s *Stream) outgoingOffsetsLocked() (current, max uint64) {
	return s.outStart, s.remoteMaxOffset
}

// --- incoming data plane, connection-owned ---

// bufferedIncomingLocked counts bytes held for this stream: in-order
// bytes not yet read plus chunks parked in reassembly.
func (s *Stream) bufferedIncomingLocked() uint64 {
	buffered := satSub(s.nextIncomingOffset, s.readCursor)
	for _, chunk := range s.reassembly {
		buffered += uint64(len(chunk))
	}
	return buffered
}

// maxAcceptableOffsetLocked is the incoming byte window:
// readCursor − buffered + maxBufferedData.
func (s *Stream) maxAcceptableOffsetLocked() uint64 {
	limit := satAdd(s.readCursor, uint64(s.conn.cfg.ConnectionBufferSize))
	return satSub(limit, s.bufferedIncomingLocked())
}

// pushIncomingDataLocked accepts a chunk at a fixed offset, parking it
// until the bytes below it arrive. Overlap with already-delivered
// bytes is trimmed; exact duplicates are dropped.
func (s *Stream) pushIncomingDataLocked(data []byte, offset uint64) {
	if len(data) == 0 {
		return
	}
	end := offset + uint64(len(data))
	if end > s.maxIncomingOffset {
		s.maxIncomingOffset = end
	}

	if end <= s.nextIncomingOffset {
		return
	}
	if offset < s.nextIncomingOffset {
		data = data[s.nextIncomingOffset-offset:]
		offset = s.nextIncomingOffset
	}
	if existing, ok := s.reassembly[offset]; ok && uint64(len(existing)) >= uint64(len(data)) {
		return
	}
	s.reassembly[offset] = append([]byte(nil), data...)
	s.drainReassemblyLocked()
}

// drainReassemblyLocked moves contiguous chunks into the read buffer.
func (s *Stream) drainReassemblyLocked() {
	for {
		chunk, ok := s.reassembly[s.nextIncomingOffset]
		if !ok {
			break
		}
		delete(s.reassembly, s.nextIncomingOffset)
		if _, err := s.readBuf.Write(chunk); err != nil {
			// The ring buffer is sized to the flow-control window, so
			// a failed write means the peer overran it.
			log.Error().
				Err(err).
				Uint64("streamID", s.id).
				Msg("read buffer overrun")
			return
		}
		s.nextIncomingOffset += uint64(len(chunk))
	}
	s.conn.cond.Broadcast()
}

// incomingOffsetsLocked reports the incoming data plane positions.
func (s *Stream) incomingOffsetsLocked() (max, current, maxAcceptable uint64) {
	return s.maxIncomingOffset, s.nextIncomingOffset, s.maxAcceptableOffsetLocked()
}

// isDrainedLocked reports whether nothing is left to send or settle on
// this stream.
func (s *Stream) isDrainedLocked() bool {
	return !s.hasDataToSendLocked() && len(s.holds) == 0 && s.availableToSendLocked() == 0
}
