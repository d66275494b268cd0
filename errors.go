package stream

import (
	"errors"
	"fmt"
)

// ErrorCode identifies why a connection or stream was closed.
// Carried in ConnectionClose and StreamClose frames.
type ErrorCode uint8

const (
	// ErrNoError indicates a clean close with no error.
	ErrNoError ErrorCode = 0x01
	// ErrInternalError indicates the endpoint hit an unexpected fault.
	ErrInternalError ErrorCode = 0x02
	// ErrEndpointBusy indicates the endpoint cannot take more work.
	ErrEndpointBusy ErrorCode = 0x03
	// ErrFlowControlError indicates the peer exceeded an advertised window.
	ErrFlowControlError ErrorCode = 0x04
	// ErrStreamIdError indicates a stream id outside the allowed range.
	ErrStreamIdError ErrorCode = 0x05
	// ErrStreamStateError indicates a frame for a stream in the wrong state.
	ErrStreamStateError ErrorCode = 0x06
	// ErrFrameFormatError indicates an unparseable frame.
	ErrFrameFormatError ErrorCode = 0x07
	// ErrProtocolViolation indicates the peer broke a protocol rule.
	ErrProtocolViolation ErrorCode = 0x08
	// ErrApplicationError indicates an application-level close reason.
	ErrApplicationError ErrorCode = 0x09
)

// String returns a human-readable representation of the error code.
func (c ErrorCode) String() string {
	switch c {
	case ErrNoError:
		return "NoError"
	case ErrInternalError:
		return "InternalError"
	case ErrEndpointBusy:
		return "EndpointBusy"
	case ErrFlowControlError:
		return "FlowControlError"
	case ErrStreamIdError:
		return "StreamIdError"
	case ErrStreamStateError:
		return "StreamStateError"
	case ErrFrameFormatError:
		return "FrameFormatError"
	case ErrProtocolViolation:
		return "ProtocolViolation"
	case ErrApplicationError:
		return "ApplicationError"
	default:
		return fmt.Sprintf("ErrorCode(%d)", uint8(c))
	}
}

// Transfer-level reject codes used by the hop-by-hop transport. Codes
// starting with F are final, T temporary, R relative-timeout.
const (
	// CodeAmountTooLarge is returned by an intermediary whose per-packet
	// limit was exceeded. Its data section carries the received and
	// maximum amounts.
	CodeAmountTooLarge = "F08"
	// CodeApplicationError carries an encrypted response packet from the
	// remote endpoint.
	CodeApplicationError = "F99"
	// CodeUnexpectedPayment is returned when an inbound transfer cannot
	// be tied to a known connection or decrypted.
	CodeUnexpectedPayment = "F06"
	// CodeTemporaryFailure is a generic retriable failure.
	CodeTemporaryFailure = "T00"
	// CodeInsufficientLiquidity signals transient shortage on the path.
	// It additionally shrinks the probing ceiling.
	CodeInsufficientLiquidity = "T04"
)

// codeIsTemporary reports whether a reject code is retriable.
func codeIsTemporary(code string) bool {
	return len(code) == 3 && code[0] == 'T'
}

// codeIsFinal reports whether a reject code is a final failure.
func codeIsFinal(code string) bool {
	return len(code) == 3 && code[0] == 'F'
}

// Sentinel errors surfaced by the public API.
var (
	// ErrConnectionClosed is returned by operations on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrStreamClosed is returned by operations on a closed stream.
	ErrStreamClosed = errors.New("stream closed")
	// ErrMaxStreamsReached is returned when the peer's stream-id ceiling
	// blocks opening another stream.
	ErrMaxStreamsReached = errors.New("maximum number of open streams reached")
	// ErrTimedOut is the idle-timeout destruction reason.
	ErrTimedOut = errors.New("Connection timed out due to inactivity")
	// ErrSendMoney is returned when the path cannot carry any value.
	ErrSendMoney = errors.New("cannot send any money through this path")
	// ErrExchangeRate is returned when the rate probe cannot reach the
	// required precision.
	ErrExchangeRate = errors.New("unable to determine exchange rate with sufficient precision")
)

// ConnectionError wraps an error code and message received in, or about
// to be sent in, a ConnectionClose or StreamClose frame.
type ConnectionError struct {
	Code    ErrorCode
	Message string
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote closed connection: %s", e.Code)
	}
	return fmt.Sprintf("remote closed connection: %s: %s", e.Code, e.Message)
}

// RejectError carries a transfer-level reject that aborted an operation.
type RejectError struct {
	ILPCode string
	Message string
}

// Error implements the error interface.
func (e *RejectError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("transfer rejected with %s", e.ILPCode)
	}
	return fmt.Sprintf("transfer rejected with %s: %s", e.ILPCode, e.Message)
}
