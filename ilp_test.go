package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPrepareRoundTrip verifies the Prepare envelope codec.
func TestPrepareRoundTrip(t *testing.T) {
	expiry := time.Date(2024, 5, 17, 10, 30, 45, 123_000_000, time.UTC)
	prepare := &Prepare{
		Amount:             1_000_000,
		ExpiresAt:          expiry,
		ExecutionCondition: make([]byte, 32),
		Destination:        "example.bob.connection",
		Data:               []byte("sealed payload"),
	}
	raw, err := prepare.Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalPrepare(raw)
	require.NoError(t, err)
	assert.Equal(t, prepare.Amount, decoded.Amount)
	assert.True(t, expiry.Equal(decoded.ExpiresAt), "expiry: want %v, got %v", expiry, decoded.ExpiresAt)
	assert.Equal(t, prepare.ExecutionCondition, decoded.ExecutionCondition)
	assert.Equal(t, prepare.Destination, decoded.Destination)
	assert.Equal(t, prepare.Data, decoded.Data)
}

// TestFulfillRejectRoundTrip verifies the response envelope codecs and
// that UnmarshalResponse distinguishes them.
func TestFulfillRejectRoundTrip(t *testing.T) {
	fulfillment := make([]byte, 32)
	fulfillment[31] = 0x7a
	fulfill := &Fulfill{Fulfillment: fulfillment, Data: []byte("response packet")}
	raw, err := fulfill.Marshal()
	require.NoError(t, err)

	gotFulfill, gotReject, err := UnmarshalResponse(raw)
	require.NoError(t, err)
	require.Nil(t, gotReject)
	assert.Equal(t, fulfillment, gotFulfill.Fulfillment)
	assert.Equal(t, []byte("response packet"), gotFulfill.Data)

	reject := &Reject{
		Code:        CodeAmountTooLarge,
		TriggeredBy: "example.connector",
		Message:     "packet size exceeded",
		Data:        amountTooLargeData(1500, 1000),
	}
	raw, err = reject.Marshal()
	require.NoError(t, err)

	gotFulfill, gotReject, err = UnmarshalResponse(raw)
	require.NoError(t, err)
	require.Nil(t, gotFulfill)
	assert.Equal(t, CodeAmountTooLarge, gotReject.Code)
	assert.Equal(t, "example.connector", gotReject.TriggeredBy)

	received, maximum, err := parseAmountTooLargeData(gotReject.Data)
	require.NoError(t, err)
	assert.Equal(t, uint64(1500), received)
	assert.Equal(t, uint64(1000), maximum)
}

// TestEnvelopeValidation verifies malformed envelopes are refused.
func TestEnvelopeValidation(t *testing.T) {
	_, err := (&Prepare{ExecutionCondition: []byte{1, 2, 3}}).Marshal()
	assert.Error(t, err, "short condition")

	_, err = (&Fulfill{Fulfillment: []byte{1}}).Marshal()
	assert.Error(t, err, "short fulfillment")

	_, err = (&Reject{Code: "TOOLONG"}).Marshal()
	assert.Error(t, err, "bad code length")

	_, _, err = UnmarshalResponse([]byte{0xff, 0x00})
	assert.Error(t, err, "unknown envelope type")

	_, err = UnmarshalPrepare(nil)
	assert.Error(t, err, "empty input")
}

// TestILPTimestamp verifies the 17-character expiry format.
func TestILPTimestamp(t *testing.T) {
	ts := time.Date(2023, 12, 31, 23, 59, 58, 999_000_000, time.UTC)
	raw := formatILPTimestamp(ts)
	assert.Equal(t, "20231231235958999", string(raw))

	parsed, err := parseILPTimestamp(raw)
	require.NoError(t, err)
	assert.True(t, ts.Equal(parsed))

	_, err = parseILPTimestamp([]byte("not a timestamp!!"))
	assert.Error(t, err)
}
