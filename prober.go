package stream

import (
	"context"
	"math/big"
	"time"

	"github.com/rs/zerolog/log"
)

// Path probing. Before any real value moves, the connection volleys
// unfulfillable test packets to learn two things: the biggest packet
// the path forwards (from amount-too-large rejects) and the exchange
// rate, measured precisely enough that slippage enforcement means
// something.

// maxProbeAttempts bounds the whole discovery.
const maxProbeAttempts = 20

// initialProbeVolley spans thirteen orders of magnitude so at least
// one amount lands under the path limit while another is big enough to
// carry rate precision.
var initialProbeVolley = []uint64{1, 1e3, 1e6, 1e9, 1e12}

// probeResult is the outcome of one test packet.
type probeResult struct {
	source uint64

	// delivered is the destination amount the far end reported, when
	// its application-level reject carried a readable packet.
	delivered   uint64
	deliveredOK bool

	// f08Max is the path limit derived from an amount-too-large
	// reject: source · maximum ∕ received.
	f08Max   uint64
	f08Found bool

	temporary bool
	fatal     error
}

// probeExchangeRate drives the discovery until the rate is known with
// the required precision, the path proves unusable, or the attempt cap
// is hit. Runs on the send-loop goroutine with the sending flag held,
// so at most one volley is ever in flight.
func (c *Connection) probeExchangeRate() error {
	precision := c.cfg.MinExchangeRatePrecision
	volley := append([]uint64(nil), initialProbeVolley...)

	for attempt := 0; attempt < maxProbeAttempts; attempt++ {
		c.mu.Lock()
		if c.closed {
			err := c.closeErr
			c.mu.Unlock()
			if err == nil {
				err = ErrConnectionClosed
			}
			return err
		}
		c.mu.Unlock()

		log.Debug().
			Int("attempt", attempt).
			Uints64("volley", volley).
			Msg("probing path")

		results := make([]probeResult, 0, len(volley))
		for _, amount := range volley {
			r := c.sendProbe(amount)
			if r.fatal != nil {
				return r.fatal
			}
			results = append(results, r)
		}

		if err := c.applyProbeLimits(results); err != nil {
			return err
		}

		if rate, ok := bestProbeRate(results, precision); ok {
			c.mu.Lock()
			c.exchangeRate = rate
			c.retryDelay = retryDelayInitial
			c.mu.Unlock()
			log.Info().
				Str("rate", rate.RatString()).
				Msg("exchange rate discovered")
			return nil
		}

		next, sawTemporary := nextProbeVolley(results)
		if sawTemporary {
			smallest := smallestTried(results)
			next = append(next, smallest-smallest/3)
			c.sleepRetryDelay()
		}
		if len(next) == 0 {
			return ErrExchangeRate
		}
		volley = next
	}
	return ErrExchangeRate
}

// sendProbe fires one unfulfillable test packet and classifies the
// response.
func (c *Connection) sendProbe(amount uint64) probeResult {
	result := probeResult{source: amount}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		result.fatal = ErrConnectionClosed
		return result
	}
	sequence := c.nextSequence
	c.nextSequence++
	destination := c.destinationAccount
	c.mu.Unlock()

	packet := &Packet{
		Sequence:      sequence,
		PacketType:    PacketTypePrepare,
		PrepareAmount: 0,
	}
	ciphertext, err := c.env.encrypt(packet.Marshal())
	if err != nil {
		result.fatal = err
		return result
	}
	condition, err := randomCondition()
	if err != nil {
		result.fatal = err
		return result
	}
	prepare := &Prepare{
		Amount:             amount,
		ExpiresAt:          time.Now().Add(defaultPrepareExpiry),
		ExecutionCondition: condition,
		Destination:        destination,
		Data:               ciphertext,
	}
	raw, err := prepare.Marshal()
	if err != nil {
		result.fatal = err
		return result
	}

	ctx, cancel := context.WithTimeout(c.ctx, defaultPrepareExpiry)
	defer cancel()
	response, err := c.plugin.SendData(ctx, raw)
	if err != nil {
		log.Debug().
			Err(err).
			Uint64("amount", amount).
			Msg("probe transport error")
		result.temporary = true
		return result
	}

	c.mu.Lock()
	c.bumpActivityLocked()
	c.mu.Unlock()

	fulfill, reject, err := UnmarshalResponse(response)
	if err != nil {
		log.Debug().Err(err).Msg("undecodable probe response")
		result.temporary = true
		return result
	}
	if fulfill != nil {
		// A test packet has no known fulfillment; a fulfill here means
		// an intermediary is forging them. Nothing useful to learn.
		log.Warn().
			Uint64("amount", amount).
			Msg("test packet unexpectedly fulfilled")
		return result
	}

	switch {
	case reject.Code == CodeAmountTooLarge:
		received, maximum, err := parseAmountTooLargeData(reject.Data)
		if err != nil || received == 0 {
			log.Debug().Err(err).Msg("amount-too-large reject without usable data")
			return result
		}
		limit := new(big.Int).SetUint64(amount)
		limit.Mul(limit, new(big.Int).SetUint64(maximum))
		limit.Div(limit, new(big.Int).SetUint64(received))
		result.f08Max = clampBigToUint64(limit)
		result.f08Found = true
	case reject.Code == CodeApplicationError:
		inner := &Packet{}
		if err := c.decryptResponsePacket(reject.Data, sequence, PacketTypeReject, inner); err != nil {
			log.Debug().Err(err).Msg("probe reject without readable packet")
			return result
		}
		c.handleResponseFrames(inner.Frames)
		result.delivered = inner.PrepareAmount
		result.deliveredOK = true
	case codeIsTemporary(reject.Code):
		if reject.Code == CodeInsufficientLiquidity {
			c.shrinkTestMaxPacket()
		}
		result.temporary = true
	case codeIsFinal(reject.Code):
		result.fatal = &RejectError{ILPCode: reject.Code, Message: reject.Message}
	default:
		result.temporary = true
	}
	return result
}

// applyProbeLimits folds amount-too-large results into the path limit.
// A limit of zero means nothing fits and the connection is useless.
func (c *Connection) applyProbeLimits(results []probeResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := false
	for _, r := range results {
		if r.f08Found && r.f08Max < c.maxPacketAmount {
			c.maxPacketAmount = r.f08Max
			changed = true
		}
	}
	if changed {
		c.testMaxPacketAmount = c.maxPacketAmount
		log.Debug().
			Uint64("maxPacketAmount", c.maxPacketAmount).
			Msg("path packet limit updated")
	}
	if c.maxPacketAmount == 0 {
		return ErrSendMoney
	}
	return nil
}

// bestProbeRate picks the rate measured with the most significant
// digits, if that count reaches the required precision.
func bestProbeRate(results []probeResult, precision int) (*big.Rat, bool) {
	bestDigits := 0
	var best *probeResult
	for i := range results {
		r := &results[i]
		if !r.deliveredOK || r.source == 0 {
			continue
		}
		if digits := significantDigits(r.delivered); digits > bestDigits {
			bestDigits = digits
			best = r
		}
	}
	if best == nil || bestDigits < precision {
		return nil, false
	}
	return rateFromAmounts(best.delivered, best.source), true
}

// nextProbeVolley builds the follow-up volley out of the unique path
// limits discovered this round.
func nextProbeVolley(results []probeResult) (volley []uint64, sawTemporary bool) {
	seen := make(map[uint64]struct{})
	for _, r := range results {
		if r.temporary {
			sawTemporary = true
		}
		if !r.f08Found || r.f08Max == 0 || r.f08Max == amountUnlimited {
			continue
		}
		if _, dup := seen[r.f08Max]; dup {
			continue
		}
		seen[r.f08Max] = struct{}{}
		volley = append(volley, r.f08Max)
	}
	return volley, sawTemporary
}

// smallestTried returns the smallest source amount of the round.
func smallestTried(results []probeResult) uint64 {
	smallest := uint64(amountUnlimited)
	for _, r := range results {
		if r.source < smallest {
			smallest = r.source
		}
	}
	return smallest
}

// sleepRetryDelay waits out the current backoff and grows it by half,
// up to the cap.
func (c *Connection) sleepRetryDelay() {
	c.mu.Lock()
	delay := c.retryDelay
	c.retryDelay = c.retryDelay * 3 / 2
	if c.retryDelay > retryDelayMax {
		c.retryDelay = retryDelayMax
	}
	c.mu.Unlock()

	select {
	case <-time.After(delay):
	case <-c.ctx.Done():
	}
}

// shrinkTestMaxPacket cuts the probing ceiling by a third after an
// insufficient-liquidity reject, flooring at 2.
func (c *Connection) shrinkTestMaxPacket() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.testMaxPacketAmount == amountUnlimited {
		return
	}
	shrunk := c.testMaxPacketAmount - c.testMaxPacketAmount/3
	c.testMaxPacketAmount = maxU64(2, shrunk)
	log.Debug().
		Uint64("testMaxPacketAmount", c.testMaxPacketAmount).
		Msg("test packet ceiling shrunk")
}
