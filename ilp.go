package stream

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Outer transfer envelopes carried hop-by-hop by the relay network.
// The connection core builds Prepares and consumes Fulfills and
// Rejects; everything here crosses the Plugin boundary as bytes.
//
// Envelope format: a type byte (12=Prepare, 13=Fulfill, 14=Reject)
// followed by a var-octet string holding the type-specific contents.

// ilpTimestampFormat is the 17-character fixed timestamp used in
// Prepare expiries: YYYYMMDDHHMMSSmmm in UTC.
const ilpTimestampFormat = "20060102150405.000"

// defaultPrepareExpiry is how far in the future outgoing Prepares
// expire.
const defaultPrepareExpiry = 30 * time.Second

// Prepare is a conditional transfer offered to the remote endpoint.
type Prepare struct {
	// Amount is the source amount in the sender's units.
	Amount uint64
	// ExpiresAt bounds how long the condition may stay outstanding.
	ExpiresAt time.Time
	// ExecutionCondition is the SHA-256 digest the fulfillment must
	// hash to.
	ExecutionCondition []byte
	// Destination is the remote endpoint's transport address.
	Destination string
	// Data is the sealed inner packet.
	Data []byte
}

// Fulfill executes a Prepare by revealing the condition's preimage.
type Fulfill struct {
	// Fulfillment is the 32-byte preimage of the execution condition.
	Fulfillment []byte
	// Data is the sealed inner response packet.
	Data []byte
}

// Reject declines a Prepare.
type Reject struct {
	// Code is the three-character reject code (F08, F99, T00, ...).
	Code string
	// TriggeredBy is the address of the node that rejected.
	TriggeredBy string
	// Message is a human-readable reason.
	Message string
	// Data carries code-specific contents; for F99 the sealed inner
	// response packet, for F08 the received/maximum amount pair.
	Data []byte
}

// Marshal serializes a Prepare envelope.
//
// Contents layout:
//   - Amount: 8 bytes big-endian
//   - ExpiresAt: 17 ASCII characters, YYYYMMDDHHMMSSmmm UTC
//   - ExecutionCondition: 32 bytes
//   - Destination: var-octet string
//   - Data: var-octet string
func (p *Prepare) Marshal() ([]byte, error) {
	if len(p.ExecutionCondition) != ConditionLen {
		return nil, fmt.Errorf("execution condition must be %d bytes, got %d", ConditionLen, len(p.ExecutionCondition))
	}
	contents := newWireWriter()
	var amt [8]byte
	binary.BigEndian.PutUint64(amt[:], p.Amount)
	contents.writeRaw(amt[:])
	contents.writeRaw(formatILPTimestamp(p.ExpiresAt))
	contents.writeRaw(p.ExecutionCondition)
	contents.writeVarOctets([]byte(p.Destination))
	contents.writeVarOctets(p.Data)

	w := newWireWriter()
	w.writeUint8(uint8(PacketTypePrepare))
	w.writeVarOctets(contents.bytes())
	return w.bytes(), nil
}

// Marshal serializes a Fulfill envelope.
func (f *Fulfill) Marshal() ([]byte, error) {
	if len(f.Fulfillment) != ConditionLen {
		return nil, fmt.Errorf("fulfillment must be %d bytes, got %d", ConditionLen, len(f.Fulfillment))
	}
	contents := newWireWriter()
	contents.writeRaw(f.Fulfillment)
	contents.writeVarOctets(f.Data)

	w := newWireWriter()
	w.writeUint8(uint8(PacketTypeFulfill))
	w.writeVarOctets(contents.bytes())
	return w.bytes(), nil
}

// Marshal serializes a Reject envelope.
func (r *Reject) Marshal() ([]byte, error) {
	if len(r.Code) != 3 {
		return nil, fmt.Errorf("reject code must be 3 characters, got %q", r.Code)
	}
	contents := newWireWriter()
	contents.writeRaw([]byte(r.Code))
	contents.writeVarOctets([]byte(r.TriggeredBy))
	contents.writeVarOctets([]byte(r.Message))
	contents.writeVarOctets(r.Data)

	w := newWireWriter()
	w.writeUint8(uint8(PacketTypeReject))
	w.writeVarOctets(contents.bytes())
	return w.bytes(), nil
}

// parseEnvelope splits an envelope into its type and contents.
func parseEnvelope(data []byte) (PacketType, *wireReader, error) {
	r := newWireReader(data)
	t, err := r.readUint8()
	if err != nil {
		return 0, nil, fmt.Errorf("envelope type: %w", err)
	}
	contents, err := r.readVarOctets()
	if err != nil {
		return 0, nil, fmt.Errorf("envelope contents: %w", err)
	}
	return PacketType(t), newWireReader(contents), nil
}

// UnmarshalPrepare parses a serialized Prepare envelope.
func UnmarshalPrepare(data []byte) (*Prepare, error) {
	t, r, err := parseEnvelope(data)
	if err != nil {
		return nil, err
	}
	if t != PacketTypePrepare {
		return nil, fmt.Errorf("expected Prepare envelope, got %s", t)
	}
	amt, err := r.readRaw(8)
	if err != nil {
		return nil, fmt.Errorf("prepare amount: %w", err)
	}
	tsRaw, err := r.readRaw(17)
	if err != nil {
		return nil, fmt.Errorf("prepare expiry: %w", err)
	}
	expiresAt, err := parseILPTimestamp(tsRaw)
	if err != nil {
		return nil, fmt.Errorf("prepare expiry: %w", err)
	}
	cond, err := r.readRaw(ConditionLen)
	if err != nil {
		return nil, fmt.Errorf("prepare condition: %w", err)
	}
	dest, err := r.readVarOctets()
	if err != nil {
		return nil, fmt.Errorf("prepare destination: %w", err)
	}
	payload, err := r.readVarOctets()
	if err != nil {
		return nil, fmt.Errorf("prepare data: %w", err)
	}
	return &Prepare{
		Amount:             binary.BigEndian.Uint64(amt),
		ExpiresAt:          expiresAt,
		ExecutionCondition: append([]byte(nil), cond...),
		Destination:        string(dest),
		Data:               append([]byte(nil), payload...),
	}, nil
}

// UnmarshalResponse parses a serialized Fulfill or Reject envelope.
// Exactly one of the returned values is non-nil on success.
func UnmarshalResponse(data []byte) (*Fulfill, *Reject, error) {
	t, r, err := parseEnvelope(data)
	if err != nil {
		return nil, nil, err
	}
	switch t {
	case PacketTypeFulfill:
		fulfillment, err := r.readRaw(ConditionLen)
		if err != nil {
			return nil, nil, fmt.Errorf("fulfillment: %w", err)
		}
		payload, err := r.readVarOctets()
		if err != nil {
			return nil, nil, fmt.Errorf("fulfill data: %w", err)
		}
		return &Fulfill{
			Fulfillment: append([]byte(nil), fulfillment...),
			Data:        append([]byte(nil), payload...),
		}, nil, nil
	case PacketTypeReject:
		code, err := r.readRaw(3)
		if err != nil {
			return nil, nil, fmt.Errorf("reject code: %w", err)
		}
		triggeredBy, err := r.readVarOctets()
		if err != nil {
			return nil, nil, fmt.Errorf("reject triggered-by: %w", err)
		}
		message, err := r.readVarOctets()
		if err != nil {
			return nil, nil, fmt.Errorf("reject message: %w", err)
		}
		payload, err := r.readVarOctets()
		if err != nil {
			return nil, nil, fmt.Errorf("reject data: %w", err)
		}
		return nil, &Reject{
			Code:        string(code),
			TriggeredBy: string(triggeredBy),
			Message:     string(message),
			Data:        append([]byte(nil), payload...),
		}, nil
	default:
		return nil, nil, fmt.Errorf("expected Fulfill or Reject envelope, got %s", t)
	}
}

// amountTooLargeData builds the data section of an F08 reject:
// the amount that arrived and the maximum the node can forward, both
// 8-byte big-endian.
func amountTooLargeData(received, maximum uint64) []byte {
	out := make([]byte, 16)
	binary.BigEndian.PutUint64(out[0:8], received)
	binary.BigEndian.PutUint64(out[8:16], maximum)
	return out
}

// parseAmountTooLargeData extracts the received/maximum pair from an
// F08 reject's data section.
func parseAmountTooLargeData(data []byte) (received, maximum uint64, err error) {
	if len(data) < 16 {
		return 0, 0, fmt.Errorf("amount-too-large data too short: got %d bytes, need 16", len(data))
	}
	return binary.BigEndian.Uint64(data[0:8]), binary.BigEndian.Uint64(data[8:16]), nil
}

// formatILPTimestamp renders a time as the 17-character envelope
// timestamp.
func formatILPTimestamp(t time.Time) []byte {
	s := t.UTC().Format(ilpTimestampFormat)
	// Drop the dot the reference layout does not carry.
	out := make([]byte, 0, 17)
	out = append(out, s[:14]...)
	out = append(out, s[15:]...)
	return out
}

// parseILPTimestamp parses the 17-character envelope timestamp.
func parseILPTimestamp(raw []byte) (time.Time, error) {
	if len(raw) != 17 {
		return time.Time{}, fmt.Errorf("timestamp must be 17 characters, got %d", len(raw))
	}
	withDot := string(raw[:14]) + "." + string(raw[14:])
	t, err := time.ParseInLocation(ilpTimestampFormat, withDot, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t, nil
}
