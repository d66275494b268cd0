package stream

import (
	"sort"

	"github.com/rs/zerolog/log"
)

// streamRegistry owns the id space and lifecycle of a connection's
// streams. The responder opens even ids, the initiator odd ids, both
// starting from their parity's lowest value and advancing by two. A
// closed id is tombstoned and never reopened.
//
// All methods expect the connection mutex held.
type streamRegistry struct {
	conn *Connection

	streams map[uint64]*Stream
	closed  map[uint64]struct{}

	// nextStreamID is the next locally-originated id.
	nextStreamID uint64
	// maxStreamID is the highest id we accept from the peer.
	maxStreamID uint64
	// remoteMaxStreamID is the highest id the peer accepts from us.
	remoteMaxStreamID uint64
}

// newStreamRegistry sets up the id space for the given role.
func newStreamRegistry(conn *Connection) *streamRegistry {
	next := uint64(1)
	if conn.cfg.IsServer {
		next = 2
	}
	ceiling := uint64(2 * conn.cfg.MaxRemoteStreams)
	return &streamRegistry{
		conn:              conn,
		streams:           make(map[uint64]*Stream),
		closed:            make(map[uint64]struct{}),
		nextStreamID:      next,
		maxStreamID:       ceiling,
		remoteMaxStreamID: ceiling,
	}
}

// createLocal opens a locally-originated stream. Fails when the peer's
// id ceiling is reached, in which case a ConnectionStreamIdBlocked
// frame is queued so the peer knows to raise it.
func (r *streamRegistry) createLocal() (*Stream, error) {
	if r.nextStreamID > r.remoteMaxStreamID {
		r.conn.queueFrameLocked(&ConnectionStreamIdBlockedFrame{MaxStreamID: r.remoteMaxStreamID})
		return nil, ErrMaxStreamsReached
	}
	s := newStream(r.conn, r.nextStreamID)
	r.streams[r.nextStreamID] = s
	r.nextStreamID += 2
	log.Debug().
		Uint64("streamID", s.id).
		Msg("opened local stream")
	return s, nil
}

// get returns an open stream by id, or nil.
func (r *streamRegistry) get(id uint64) *Stream {
	return r.streams[id]
}

// isClosed reports whether the id was used and retired.
func (r *streamRegistry) isClosed(id uint64) bool {
	_, ok := r.closed[id]
	return ok
}

// acceptRemote ensures a remote-originated stream exists, creating it
// on first sight. Ids with our own parity or beyond the advertised
// ceiling violate the protocol and return a ConnectionError.
func (r *streamRegistry) acceptRemote(id uint64) (*Stream, error) {
	if s, ok := r.streams[id]; ok {
		return s, nil
	}

	localParity := uint64(1)
	if r.conn.cfg.IsServer {
		localParity = 0
	}
	if id%2 == localParity {
		return nil, &ConnectionError{
			Code:    ErrProtocolViolation,
			Message: "wrong parity for remote stream id",
		}
	}
	if id > r.maxStreamID {
		return nil, &ConnectionError{
			Code:    ErrStreamIdError,
			Message: "stream id exceeds advertised maximum",
		}
	}

	s := newStream(r.conn, id)
	r.streams[id] = s

	// Top up the ceiling advertisement once the peer has burned
	// through most of the id space we offered.
	if id*4 > r.maxStreamID*3 {
		r.conn.queueFrameLocked(&ConnectionMaxStreamIdFrame{MaxStreamID: r.maxStreamID})
	}

	log.Debug().
		Uint64("streamID", id).
		Msg("accepted remote stream")
	return s, nil
}

// remove retires a stream. If no StreamClose went out yet, one is
// queued carrying the stream's error state. Removing a
// remote-originated stream frees a slot, so the ceiling moves up and
// the new value is advertised.
func (r *streamRegistry) remove(s *Stream) {
	if _, ok := r.streams[s.id]; !ok {
		return
	}
	delete(r.streams, s.id)
	r.closed[s.id] = struct{}{}

	if !s.sentEnd {
		code := ErrNoError
		message := ""
		if s.errorMessage != "" {
			code = ErrApplicationError
			message = s.errorMessage
		}
		r.conn.queueFrameLocked(&StreamCloseFrame{
			StreamID:     s.id,
			ErrorCode:    code,
			ErrorMessage: message,
		})
		s.sentEnd = true
	}
	s.open = false

	if r.isRemoteID(s.id) {
		r.maxStreamID += 2
		r.conn.queueFrameLocked(&ConnectionMaxStreamIdFrame{MaxStreamID: r.maxStreamID})
	}

	log.Debug().
		Uint64("streamID", s.id).
		Msg("removed stream")
}

// isRemoteID reports whether the id's parity marks it peer-originated.
func (r *streamRegistry) isRemoteID(id uint64) bool {
	remoteParity := uint64(1)
	if !r.conn.cfg.IsServer {
		remoteParity = 0
	}
	return id%2 == remoteParity
}

// openStreamsInOrder returns open streams sorted by id. The send loop
// allocates money in this order so allocation is deterministic.
func (r *streamRegistry) openStreamsInOrder() []*Stream {
	out := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
