package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// allFrameTypesPacket exercises every frame variant at once.
func allFrameTypesPacket() *Packet {
	return &Packet{
		Sequence:      7,
		PacketType:    PacketTypePrepare,
		PrepareAmount: 123456,
		Frames: []Frame{
			&ConnectionCloseFrame{ErrorCode: ErrNoError, ErrorMessage: ""},
			&ConnectionNewAddressFrame{SourceAccount: "example.alice.abc123"},
			&ConnectionMaxDataFrame{MaxOffset: 65534},
			&ConnectionDataBlockedFrame{MaxOffset: 1000},
			&ConnectionMaxStreamIdFrame{MaxStreamID: 20},
			&ConnectionStreamIdBlockedFrame{MaxStreamID: 20},
			&ConnectionAssetDetailsFrame{SourceAssetCode: "XRP", SourceAssetScale: 9},
			&StreamCloseFrame{StreamID: 1, ErrorCode: ErrApplicationError, ErrorMessage: "done"},
			&StreamMoneyFrame{StreamID: 1, Shares: 100},
			&StreamMaxMoneyFrame{StreamID: 1, ReceiveMax: 5000, TotalReceived: 200},
			&StreamMoneyBlockedFrame{StreamID: 3, SendMax: 900, TotalSent: 400},
			&StreamDataFrame{StreamID: 1, Offset: 300, Data: []byte("hello stream")},
			&StreamMaxDataFrame{StreamID: 1, MaxOffset: 65534},
			&StreamDataBlockedFrame{StreamID: 3, MaxOffset: 1200},
		},
	}
}

// TestPacketRoundTrip verifies encode(decode(p)) is byte-identical for
// every frame variant.
func TestPacketRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		packet *Packet
	}{
		{
			name: "minimal prepare",
			packet: &Packet{
				Sequence:      1,
				PacketType:    PacketTypePrepare,
				PrepareAmount: 0,
			},
		},
		{
			name: "fulfill with amount",
			packet: &Packet{
				Sequence:      42,
				PacketType:    PacketTypeFulfill,
				PrepareAmount: 999999999999,
			},
		},
		{
			name: "reject with frames",
			packet: &Packet{
				Sequence:      3,
				PacketType:    PacketTypeReject,
				PrepareAmount: 150,
				Frames: []Frame{
					&StreamMaxMoneyFrame{StreamID: 1, ReceiveMax: 100, TotalReceived: 0},
				},
			},
		},
		{
			name:   "every frame type",
			packet: allFrameTypesPacket(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.packet.Marshal()

			decoded := &Packet{}
			require.NoError(t, decoded.Unmarshal(encoded))
			assert.Equal(t, tt.packet.Sequence, decoded.Sequence)
			assert.Equal(t, tt.packet.PacketType, decoded.PacketType)
			assert.Equal(t, tt.packet.PrepareAmount, decoded.PrepareAmount)
			require.Len(t, decoded.Frames, len(tt.packet.Frames))

			// Re-encoding the decoded packet must be byte-identical.
			assert.Equal(t, encoded, decoded.Marshal(), "round trip not symmetric")
		})
	}
}

// TestPacketUnknownFrameSkipped verifies forward compatibility: an
// unknown frame type is skipped via its length prefix and the rest of
// the packet still parses.
func TestPacketUnknownFrameSkipped(t *testing.T) {
	w := newWireWriter()
	w.writeVarUint(9)                  // sequence
	w.writeUint8(uint8(PacketTypePrepare))
	w.writeVarUint(50)                 // prepare amount
	w.writeVarUint(2)                  // frame count

	// Unknown frame type 0x7f with a 3-byte body.
	w.writeUint8(0x7f)
	w.writeVarOctets([]byte{0xde, 0xad, 0xbf})

	// Followed by a known frame.
	w.writeUint8(uint8(FrameTypeStreamMoney))
	body := newWireWriter()
	(&StreamMoneyFrame{StreamID: 1, Shares: 5}).writeBody(body)
	w.writeVarOctets(body.bytes())

	p := &Packet{}
	require.NoError(t, p.Unmarshal(w.bytes()))
	require.Len(t, p.Frames, 1)
	money, ok := p.Frames[0].(*StreamMoneyFrame)
	require.True(t, ok)
	assert.Equal(t, uint64(1), money.StreamID)
	assert.Equal(t, uint64(5), money.Shares)
}

// TestPacketTrailingPaddingIgnored verifies zero padding after the
// declared frames decodes cleanly.
func TestPacketTrailingPaddingIgnored(t *testing.T) {
	p := &Packet{Sequence: 2, PacketType: PacketTypePrepare, PrepareAmount: 10}
	encoded := p.Marshal()
	padded := make([]byte, len(encoded)+512)
	copy(padded, encoded)

	decoded := &Packet{}
	require.NoError(t, decoded.Unmarshal(padded))
	assert.Equal(t, uint64(2), decoded.Sequence)
	assert.Equal(t, uint64(10), decoded.PrepareAmount)
}

// TestPacketUnmarshalErrors verifies malformed packets are refused.
func TestPacketUnmarshalErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"zero sequence", []byte{0x01, 0x00, 12, 0x01, 0x00, 0x01, 0x00}},
		{"unknown packet type", []byte{0x01, 0x01, 99, 0x01, 0x00, 0x01, 0x00}},
		{"truncated frame count", []byte{0x01, 0x01, 12, 0x01, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Packet{}
			assert.Error(t, p.Unmarshal(tt.data))
		})
	}
}
