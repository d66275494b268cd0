package stream

import (
	"fmt"
	"time"
)

// Defaults for Config fields left at their zero value.
const (
	// DefaultMaxRemoteStreams caps concurrently open remote-initiated
	// streams. The stream-id ceiling starts at twice this value since
	// ids advance by two.
	DefaultMaxRemoteStreams = 10
	// DefaultConnectionBufferSize is the per-direction byte window.
	DefaultConnectionBufferSize = 65534
	// DefaultExchangeRatePrecision is the minimum number of significant
	// digits the rate probe must measure.
	DefaultExchangeRatePrecision = 3
	// DefaultIdleTimeout destroys a connection after this much
	// inactivity. Zero in the config disables the timer.
	DefaultIdleTimeout = 60 * time.Second
	// retryDelayInitial is the first backoff applied to temporary
	// transfer errors.
	retryDelayInitial = 100 * time.Millisecond
	// retryDelayMax caps the backoff.
	retryDelayMax = 12 * time.Hour
)

// Config holds the tunable options of a connection.
type Config struct {
	// IsServer selects the responder role. Responders open even stream
	// ids, initiators odd ones.
	IsServer bool

	// SharedSecret is the 32+ byte secret both endpoints derived out of
	// band. Every packet key comes from it.
	SharedSecret []byte

	// SourceAccount is our transport address, announced to the peer in
	// ConnectionNewAddress frames.
	SourceAccount string

	// DestinationAccount is the peer's transport address. Optional for
	// a server at construction; required before anything can be sent.
	DestinationAccount string

	// SourceAssetCode and SourceAssetScale describe our asset.
	SourceAssetCode  string
	SourceAssetScale uint8

	// Slippage is the maximum tolerated exchange-rate degradation
	// relative to the first measured rate, in [0,1].
	Slippage float64

	// EnablePadding zero-fills every inner packet to MaxDataSize before
	// encryption, hiding packet sizes from intermediaries.
	EnablePadding bool

	// ConnectionTag is an opaque identifier the server attached to this
	// connection's address, surfaced for application routing.
	ConnectionTag string

	// MaxRemoteStreams caps concurrently open remote-initiated streams.
	MaxRemoteStreams int

	// ConnectionBufferSize is the per-direction data window in bytes.
	ConnectionBufferSize int

	// MinExchangeRatePrecision is the number of significant digits the
	// rate probe requires before the connection is usable.
	MinExchangeRatePrecision int

	// IdleTimeout destroys the connection after this much inactivity.
	// Zero disables the timer; DefaultConfig fills in
	// DefaultIdleTimeout.
	IdleTimeout time.Duration
}

// DefaultConfig returns a client-role config with all tunables at
// their defaults. SharedSecret, SourceAccount and DestinationAccount
// still have to be filled in.
func DefaultConfig() Config {
	return Config{
		MaxRemoteStreams:         DefaultMaxRemoteStreams,
		ConnectionBufferSize:     DefaultConnectionBufferSize,
		MinExchangeRatePrecision: DefaultExchangeRatePrecision,
		IdleTimeout:              DefaultIdleTimeout,
	}
}

// withDefaults fills zero-valued tunables and validates the rest.
func (c Config) withDefaults() (Config, error) {
	if len(c.SharedSecret) < minSharedSecretLen {
		return c, fmt.Errorf("shared secret too short: got %d bytes, need at least %d", len(c.SharedSecret), minSharedSecretLen)
	}
	if c.Slippage < 0 || c.Slippage > 1 {
		return c, fmt.Errorf("slippage must be within [0,1], got %v", c.Slippage)
	}
	if !c.IsServer && c.DestinationAccount == "" {
		return c, fmt.Errorf("destination account is required for a client connection")
	}
	if c.MaxRemoteStreams == 0 {
		c.MaxRemoteStreams = DefaultMaxRemoteStreams
	}
	if c.ConnectionBufferSize == 0 {
		c.ConnectionBufferSize = DefaultConnectionBufferSize
	}
	if c.MinExchangeRatePrecision == 0 {
		c.MinExchangeRatePrecision = DefaultExchangeRatePrecision
	}
	if c.IdleTimeout < 0 {
		return c, fmt.Errorf("idle timeout must not be negative, got %v", c.IdleTimeout)
	}
	return c, nil
}
