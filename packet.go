package stream

import (
	"fmt"
)

// MaxDataSize is the maximum plaintext size of an encoded inner packet.
// Packet assembly never exceeds it, and padded packets are zero-filled
// up to exactly this size before encryption.
const MaxDataSize = 32767

// PacketType mirrors the transfer type the inner packet rode in on.
// The inner type must match the outer envelope or the packet is
// rejected, which stops an intermediary from replaying a Prepare's
// payload inside a Fulfill.
type PacketType uint8

const (
	// PacketTypePrepare marks a packet carried in a Prepare transfer.
	PacketTypePrepare PacketType = 12
	// PacketTypeFulfill marks a packet carried in a Fulfill transfer.
	PacketTypeFulfill PacketType = 13
	// PacketTypeReject marks a packet carried in a Reject transfer.
	PacketTypeReject PacketType = 14
)

// String returns a human-readable representation of the packet type.
func (t PacketType) String() string {
	switch t {
	case PacketTypePrepare:
		return "Prepare"
	case PacketTypeFulfill:
		return "Fulfill"
	case PacketTypeReject:
		return "Reject"
	default:
		return fmt.Sprintf("PacketType(%d)", uint8(t))
	}
}

// FrameType identifies a frame within a packet.
type FrameType uint8

const (
	// FrameTypeConnectionClose closes the whole connection.
	FrameTypeConnectionClose FrameType = 0x01
	// FrameTypeConnectionNewAddress tells the peer our transport address.
	FrameTypeConnectionNewAddress FrameType = 0x02
	// FrameTypeConnectionMaxData advertises the connection byte window.
	FrameTypeConnectionMaxData FrameType = 0x03
	// FrameTypeConnectionDataBlocked reports being capped by the peer's
	// connection byte window.
	FrameTypeConnectionDataBlocked FrameType = 0x04
	// FrameTypeConnectionMaxStreamId advertises the stream-id ceiling.
	FrameTypeConnectionMaxStreamId FrameType = 0x05
	// FrameTypeConnectionStreamIdBlocked reports being capped by the
	// peer's stream-id ceiling.
	FrameTypeConnectionStreamIdBlocked FrameType = 0x06
	// FrameTypeConnectionAssetDetails tells the peer our asset and scale.
	FrameTypeConnectionAssetDetails FrameType = 0x07
	// FrameTypeStreamClose closes one stream.
	FrameTypeStreamClose FrameType = 0x10
	// FrameTypeStreamMoney carries value allocated to one stream.
	FrameTypeStreamMoney FrameType = 0x11
	// FrameTypeStreamMaxMoney advertises a stream's value window.
	FrameTypeStreamMaxMoney FrameType = 0x12
	// FrameTypeStreamMoneyBlocked reports being capped by the peer's
	// stream value window.
	FrameTypeStreamMoneyBlocked FrameType = 0x13
	// FrameTypeStreamData carries bytes for one stream.
	FrameTypeStreamData FrameType = 0x14
	// FrameTypeStreamMaxData advertises a stream's byte window.
	FrameTypeStreamMaxData FrameType = 0x15
	// FrameTypeStreamDataBlocked reports being capped by the peer's
	// stream byte window.
	FrameTypeStreamDataBlocked FrameType = 0x16
)

// Frame is one typed entry in a packet. Implementations are plain
// structs holding the frame's body fields.
type Frame interface {
	// Type returns the frame's wire type.
	Type() FrameType
	// writeBody appends the frame body (without type byte or length
	// prefix) to w.
	writeBody(w *wireWriter)
	// readBody parses the frame body from r, which holds exactly the
	// frame's length-prefixed contents.
	readBody(r *wireReader) error
}

// ConnectionCloseFrame ends the connection, carrying the reason.
type ConnectionCloseFrame struct {
	ErrorCode    ErrorCode
	ErrorMessage string
}

// Type implements Frame.
func (f *ConnectionCloseFrame) Type() FrameType { return FrameTypeConnectionClose }

func (f *ConnectionCloseFrame) writeBody(w *wireWriter) {
	w.writeUint8(uint8(f.ErrorCode))
	w.writeString(f.ErrorMessage)
}

func (f *ConnectionCloseFrame) readBody(r *wireReader) error {
	code, err := r.readUint8()
	if err != nil {
		return err
	}
	f.ErrorCode = ErrorCode(code)
	f.ErrorMessage, err = r.readString()
	return err
}

// ConnectionNewAddressFrame announces the sender's transport address.
type ConnectionNewAddressFrame struct {
	SourceAccount string
}

// Type implements Frame.
func (f *ConnectionNewAddressFrame) Type() FrameType { return FrameTypeConnectionNewAddress }

func (f *ConnectionNewAddressFrame) writeBody(w *wireWriter) {
	w.writeString(f.SourceAccount)
}

func (f *ConnectionNewAddressFrame) readBody(r *wireReader) (err error) {
	f.SourceAccount, err = r.readString()
	return err
}

// ConnectionMaxDataFrame advertises how many connection-level bytes the
// sender will accept in total.
type ConnectionMaxDataFrame struct {
	MaxOffset uint64
}

// Type implements Frame.
func (f *ConnectionMaxDataFrame) Type() FrameType { return FrameTypeConnectionMaxData }

func (f *ConnectionMaxDataFrame) writeBody(w *wireWriter) {
	w.writeVarUint(f.MaxOffset)
}

func (f *ConnectionMaxDataFrame) readBody(r *wireReader) (err error) {
	f.MaxOffset, err = r.readVarUint()
	return err
}

// ConnectionDataBlockedFrame reports the sender has more bytes to send
// than the peer's connection window allows.
type ConnectionDataBlockedFrame struct {
	MaxOffset uint64
}

// Type implements Frame.
func (f *ConnectionDataBlockedFrame) Type() FrameType { return FrameTypeConnectionDataBlocked }

func (f *ConnectionDataBlockedFrame) writeBody(w *wireWriter) {
	w.writeVarUint(f.MaxOffset)
}

func (f *ConnectionDataBlockedFrame) readBody(r *wireReader) (err error) {
	f.MaxOffset, err = r.readVarUint()
	return err
}

// ConnectionMaxStreamIdFrame advertises the highest stream id the
// sender will accept from the peer.
type ConnectionMaxStreamIdFrame struct {
	MaxStreamID uint64
}

// Type implements Frame.
func (f *ConnectionMaxStreamIdFrame) Type() FrameType { return FrameTypeConnectionMaxStreamId }

func (f *ConnectionMaxStreamIdFrame) writeBody(w *wireWriter) {
	w.writeVarUint(f.MaxStreamID)
}

func (f *ConnectionMaxStreamIdFrame) readBody(r *wireReader) (err error) {
	f.MaxStreamID, err = r.readVarUint()
	return err
}

// ConnectionStreamIdBlockedFrame reports the sender wants to open more
// streams than the peer's ceiling allows.
type ConnectionStreamIdBlockedFrame struct {
	MaxStreamID uint64
}

// Type implements Frame.
func (f *ConnectionStreamIdBlockedFrame) Type() FrameType {
	return FrameTypeConnectionStreamIdBlocked
}

func (f *ConnectionStreamIdBlockedFrame) writeBody(w *wireWriter) {
	w.writeVarUint(f.MaxStreamID)
}

func (f *ConnectionStreamIdBlockedFrame) readBody(r *wireReader) (err error) {
	f.MaxStreamID, err = r.readVarUint()
	return err
}

// ConnectionAssetDetailsFrame announces the sender's asset code and scale.
type ConnectionAssetDetailsFrame struct {
	SourceAssetCode  string
	SourceAssetScale uint8
}

// Type implements Frame.
func (f *ConnectionAssetDetailsFrame) Type() FrameType { return FrameTypeConnectionAssetDetails }

func (f *ConnectionAssetDetailsFrame) writeBody(w *wireWriter) {
	w.writeString(f.SourceAssetCode)
	w.writeUint8(f.SourceAssetScale)
}

func (f *ConnectionAssetDetailsFrame) readBody(r *wireReader) error {
	code, err := r.readString()
	if err != nil {
		return err
	}
	f.SourceAssetCode = code
	f.SourceAssetScale, err = r.readUint8()
	return err
}

// StreamCloseFrame ends one stream, carrying the reason.
type StreamCloseFrame struct {
	StreamID     uint64
	ErrorCode    ErrorCode
	ErrorMessage string
}

// Type implements Frame.
func (f *StreamCloseFrame) Type() FrameType { return FrameTypeStreamClose }

func (f *StreamCloseFrame) writeBody(w *wireWriter) {
	w.writeVarUint(f.StreamID)
	w.writeUint8(uint8(f.ErrorCode))
	w.writeString(f.ErrorMessage)
}

func (f *StreamCloseFrame) readBody(r *wireReader) error {
	id, err := r.readVarUint()
	if err != nil {
		return err
	}
	f.StreamID = id
	code, err := r.readUint8()
	if err != nil {
		return err
	}
	f.ErrorCode = ErrorCode(code)
	f.ErrorMessage, err = r.readString()
	return err
}

// StreamMoneyFrame allocates a relative share of the packet's value to
// one stream. Shares only have meaning relative to the other
// StreamMoney frames in the same packet.
type StreamMoneyFrame struct {
	StreamID uint64
	Shares   uint64
}

// Type implements Frame.
func (f *StreamMoneyFrame) Type() FrameType { return FrameTypeStreamMoney }

func (f *StreamMoneyFrame) writeBody(w *wireWriter) {
	w.writeVarUint(f.StreamID)
	w.writeVarUint(f.Shares)
}

func (f *StreamMoneyFrame) readBody(r *wireReader) error {
	id, err := r.readVarUint()
	if err != nil {
		return err
	}
	f.StreamID = id
	f.Shares, err = r.readVarUint()
	return err
}

// StreamMaxMoneyFrame advertises how much value a stream will accept.
type StreamMaxMoneyFrame struct {
	StreamID      uint64
	ReceiveMax    uint64
	TotalReceived uint64
}

// Type implements Frame.
func (f *StreamMaxMoneyFrame) Type() FrameType { return FrameTypeStreamMaxMoney }

func (f *StreamMaxMoneyFrame) writeBody(w *wireWriter) {
	w.writeVarUint(f.StreamID)
	w.writeVarUint(f.ReceiveMax)
	w.writeVarUint(f.TotalReceived)
}

func (f *StreamMaxMoneyFrame) readBody(r *wireReader) error {
	id, err := r.readVarUint()
	if err != nil {
		return err
	}
	f.StreamID = id
	if f.ReceiveMax, err = r.readVarUint(); err != nil {
		return err
	}
	f.TotalReceived, err = r.readVarUint()
	return err
}

// StreamMoneyBlockedFrame reports a stream wants to send more value
// than the peer's window allows.
type StreamMoneyBlockedFrame struct {
	StreamID  uint64
	SendMax   uint64
	TotalSent uint64
}

// Type implements Frame.
func (f *StreamMoneyBlockedFrame) Type() FrameType { return FrameTypeStreamMoneyBlocked }

func (f *StreamMoneyBlockedFrame) writeBody(w *wireWriter) {
	w.writeVarUint(f.StreamID)
	w.writeVarUint(f.SendMax)
	w.writeVarUint(f.TotalSent)
}

func (f *StreamMoneyBlockedFrame) readBody(r *wireReader) error {
	id, err := r.readVarUint()
	if err != nil {
		return err
	}
	f.StreamID = id
	if f.SendMax, err = r.readVarUint(); err != nil {
		return err
	}
	f.TotalSent, err = r.readVarUint()
	return err
}

// StreamDataFrame carries a contiguous chunk of a stream's bytes.
type StreamDataFrame struct {
	StreamID uint64
	Offset   uint64
	Data     []byte
}

// Type implements Frame.
func (f *StreamDataFrame) Type() FrameType { return FrameTypeStreamData }

func (f *StreamDataFrame) writeBody(w *wireWriter) {
	w.writeVarUint(f.StreamID)
	w.writeVarUint(f.Offset)
	w.writeVarOctets(f.Data)
}

func (f *StreamDataFrame) readBody(r *wireReader) error {
	id, err := r.readVarUint()
	if err != nil {
		return err
	}
	f.StreamID = id
	if f.Offset, err = r.readVarUint(); err != nil {
		return err
	}
	f.Data, err = r.readVarOctets()
	return err
}

// StreamMaxDataFrame advertises how many bytes a stream will accept.
type StreamMaxDataFrame struct {
	StreamID  uint64
	MaxOffset uint64
}

// Type implements Frame.
func (f *StreamMaxDataFrame) Type() FrameType { return FrameTypeStreamMaxData }

func (f *StreamMaxDataFrame) writeBody(w *wireWriter) {
	w.writeVarUint(f.StreamID)
	w.writeVarUint(f.MaxOffset)
}

func (f *StreamMaxDataFrame) readBody(r *wireReader) error {
	id, err := r.readVarUint()
	if err != nil {
		return err
	}
	f.StreamID = id
	f.MaxOffset, err = r.readVarUint()
	return err
}

// StreamDataBlockedFrame reports a stream has more bytes to send than
// the peer's window allows.
type StreamDataBlockedFrame struct {
	StreamID  uint64
	MaxOffset uint64
}

// Type implements Frame.
func (f *StreamDataBlockedFrame) Type() FrameType { return FrameTypeStreamDataBlocked }

func (f *StreamDataBlockedFrame) writeBody(w *wireWriter) {
	w.writeVarUint(f.StreamID)
	w.writeVarUint(f.MaxOffset)
}

func (f *StreamDataBlockedFrame) readBody(r *wireReader) error {
	id, err := r.readVarUint()
	if err != nil {
		return err
	}
	f.StreamID = id
	f.MaxOffset, err = r.readVarUint()
	return err
}

// newFrameOfType returns an empty frame struct for a known type, or nil
// for an unknown type (the decoder then skips the frame by its length).
func newFrameOfType(t FrameType) Frame {
	switch t {
	case FrameTypeConnectionClose:
		return &ConnectionCloseFrame{}
	case FrameTypeConnectionNewAddress:
		return &ConnectionNewAddressFrame{}
	case FrameTypeConnectionMaxData:
		return &ConnectionMaxDataFrame{}
	case FrameTypeConnectionDataBlocked:
		return &ConnectionDataBlockedFrame{}
	case FrameTypeConnectionMaxStreamId:
		return &ConnectionMaxStreamIdFrame{}
	case FrameTypeConnectionStreamIdBlocked:
		return &ConnectionStreamIdBlockedFrame{}
	case FrameTypeConnectionAssetDetails:
		return &ConnectionAssetDetailsFrame{}
	case FrameTypeStreamClose:
		return &StreamCloseFrame{}
	case FrameTypeStreamMoney:
		return &StreamMoneyFrame{}
	case FrameTypeStreamMaxMoney:
		return &StreamMaxMoneyFrame{}
	case FrameTypeStreamMoneyBlocked:
		return &StreamMoneyBlockedFrame{}
	case FrameTypeStreamData:
		return &StreamDataFrame{}
	case FrameTypeStreamMaxData:
		return &StreamMaxDataFrame{}
	case FrameTypeStreamDataBlocked:
		return &StreamDataBlockedFrame{}
	default:
		return nil
	}
}

// Packet is the inner, encrypted unit multiplexed over one transfer.
//
// Wire format (before encryption):
//   - Sequence: var-uint, starts at 1 and increases per packet
//   - PacketType: 1 byte (12=Prepare, 13=Fulfill, 14=Reject)
//   - PrepareAmount: var-uint. In a Prepare this is the minimum
//     destination amount the sender demands; in a Fulfill or Reject it
//     echoes the amount the receiver saw arrive.
//   - FrameCount: var-uint
//   - Frames: FrameCount entries of (type byte, length-prefixed body)
//
// Serialization is symmetric: round-tripping a valid packet yields
// byte-identical output.
type Packet struct {
	Sequence      uint64
	PacketType    PacketType
	PrepareAmount uint64
	Frames        []Frame
}

// Marshal serializes the packet.
func (p *Packet) Marshal() []byte {
	w := newWireWriter()
	w.writeVarUint(p.Sequence)
	w.writeUint8(uint8(p.PacketType))
	w.writeVarUint(p.PrepareAmount)
	w.writeVarUint(uint64(len(p.Frames)))
	for _, f := range p.Frames {
		w.writeUint8(uint8(f.Type()))
		body := newWireWriter()
		f.writeBody(body)
		w.writeVarOctets(body.bytes())
	}
	return w.bytes()
}

// encodedLength returns the current serialized size of the packet.
// The send loop uses it to keep the plaintext under MaxDataSize while
// appending data frames.
func (p *Packet) encodedLength() int {
	return len(p.Marshal())
}

// Unmarshal parses a packet. Unknown frame types are skipped via their
// length prefix; trailing bytes beyond the frame count are ignored,
// which is how zero-padding decodes cleanly.
func (p *Packet) Unmarshal(data []byte) error {
	r := newWireReader(data)
	seq, err := r.readVarUint()
	if err != nil {
		return fmt.Errorf("packet sequence: %w", err)
	}
	if seq < 1 {
		return fmt.Errorf("packet sequence must be at least 1, got %d", seq)
	}
	p.Sequence = seq

	t, err := r.readUint8()
	if err != nil {
		return fmt.Errorf("packet type: %w", err)
	}
	switch PacketType(t) {
	case PacketTypePrepare, PacketTypeFulfill, PacketTypeReject:
		p.PacketType = PacketType(t)
	default:
		return fmt.Errorf("unknown packet type %d", t)
	}

	if p.PrepareAmount, err = r.readVarUint(); err != nil {
		return fmt.Errorf("packet prepare amount: %w", err)
	}

	count, err := r.readVarUint()
	if err != nil {
		return fmt.Errorf("packet frame count: %w", err)
	}

	p.Frames = p.Frames[:0]
	for i := uint64(0); i < count; i++ {
		ft, err := r.readUint8()
		if err != nil {
			return fmt.Errorf("frame %d type: %w", i, err)
		}
		body, err := r.readVarOctets()
		if err != nil {
			return fmt.Errorf("frame %d body: %w", i, err)
		}
		frame := newFrameOfType(FrameType(ft))
		if frame == nil {
			// Forward compatibility: skip frames we do not recognize.
			continue
		}
		if err := frame.readBody(newWireReader(body)); err != nil {
			return fmt.Errorf("frame %d (%#02x): %w", i, ft, err)
		}
		p.Frames = append(p.Frames, frame)
	}
	return nil
}
