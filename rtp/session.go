package rtp

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/opd-ai/rtpfec/fec"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// maxPendingFEC bounds how many uncorrectable FEC packets wait for late
// media before they are given up.
const maxPendingFEC = fec.MaxGroupSize

// SessionConfig holds the receive-side settings of a Session.
type SessionConfig struct {
	// ClockRate is the RTP clock rate of the media stream in Hz.
	ClockRate uint32
	// FECPayloadType is the payload type carried by FEC packets.
	FECPayloadType uint8
	// Latency is how long media waits in the jitter buffer.
	Latency time.Duration
	// Capacity bounds the number of buffered media packets.
	Capacity int
	// FECHistory is how many FEC sequence numbers are remembered for
	// duplicate suppression.
	FECHistory int
	// TimeProvider drives the jitter buffer and skew estimator. Nil uses
	// the wall clock.
	TimeProvider TimeProvider
}

// DefaultSessionConfig returns settings suited to a 48 kHz audio stream.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ClockRate:      48000,
		FECPayloadType: 127,
		Latency:        100 * time.Millisecond,
		Capacity:       1024,
		FECHistory:     128,
	}
}

// Statistics summarises a Session.
type Statistics struct {
	MediaReceived uint64
	FECReceived   uint64
	FECDuplicates uint64
	FECErrors     uint64
	Recovered     uint64
	RecoveredLate uint64
	Uncorrectable uint64
	PendingFEC    int
	Skew          time.Duration
	SkewResets    uint64
	Jitter        JitterStats
	FEC           fec.Stats
}

type pendingFEC struct {
	packet    *rtp.Packet
	protected []uint16
}

// Session receives one media stream and its FEC stream. Media packets are
// stamped by the skew estimator and buffered; each FEC packet is run
// against the buffer and a recovered packet is inserted in place of the
// lost one.
type Session struct {
	mu            sync.Mutex
	id            uuid.UUID
	remoteAddr    net.Addr
	config        SessionConfig
	created       time.Time
	buffer        *JitterBuffer
	skew          *SkewEstimator
	reconstructor *fec.Reconstructor
	seenFEC       *lru.Cache
	pending       []pendingFEC
	ssrc          uint32
	hasSSRC       bool
	closed        bool
	stats         Statistics
}

// NewSession creates a receive session for the stream arriving from
// remoteAddr.
func NewSession(remoteAddr net.Addr, config SessionConfig) (*Session, error) {
	if remoteAddr == nil {
		return nil, fmt.Errorf("remote address cannot be nil")
	}
	if config.FECPayloadType > 127 {
		return nil, fmt.Errorf("%w: FEC payload type %d", ErrInvalidConfig, config.FECPayloadType)
	}
	if config.FECHistory <= 0 {
		return nil, fmt.Errorf("%w: FEC history must be positive", ErrInvalidConfig)
	}

	buffer, err := NewJitterBuffer(config.Latency, config.Capacity, config.TimeProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create jitter buffer: %w", err)
	}
	skew, err := NewSkewEstimator(config.ClockRate, config.TimeProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create skew estimator: %w", err)
	}
	seenFEC, err := lru.New(config.FECHistory)
	if err != nil {
		return nil, fmt.Errorf("failed to create FEC history: %w", err)
	}

	s := &Session{
		id:            uuid.New(),
		remoteAddr:    remoteAddr,
		config:        config,
		created:       time.Now(),
		buffer:        buffer,
		skew:          skew,
		reconstructor: fec.NewReconstructor(),
		seenFEC:       seenFEC,
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewSession",
		"session_id":  s.id.String(),
		"remote_addr": remoteAddr.String(),
		"clock_rate":  config.ClockRate,
		"fec_type":    config.FECPayloadType,
		"latency":     config.Latency.String(),
	}).Info("Created RTP receive session")

	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// RemoteAddr returns the address the stream arrives from.
func (s *Session) RemoteAddr() net.Addr {
	return s.remoteAddr
}

// Config returns the session settings.
func (s *Session) Config() SessionConfig {
	return s.config
}

// ReceiveMedia buffers a media packet. The first packet fixes the stream's
// SSRC; packets from any other SSRC are rejected.
func (s *Session) ReceiveMedia(pkt *rtp.Packet) error {
	if pkt == nil {
		return ErrNilPacket
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	if !s.hasSSRC {
		s.ssrc = pkt.SSRC
		s.hasSSRC = true
		logrus.WithFields(logrus.Fields{
			"function":   "Session.ReceiveMedia",
			"session_id": s.id.String(),
			"ssrc":       pkt.SSRC,
		}).Info("Accepted new SSRC for stream")
	} else if pkt.SSRC != s.ssrc {
		logrus.WithFields(logrus.Fields{
			"function":      "Session.ReceiveMedia",
			"session_id":    s.id.String(),
			"expected_ssrc": s.ssrc,
			"received_ssrc": pkt.SSRC,
		}).Warn("Unexpected SSRC in RTP packet")
		return fmt.Errorf("%w: expected %d, got %d", ErrUnexpectedSSRC, s.ssrc, pkt.SSRC)
	}

	s.stats.MediaReceived++
	playout := s.skew.Update(pkt.Timestamp)
	if err := s.buffer.PushAt(pkt, playout); err != nil {
		return err
	}

	if len(s.pending) > 0 {
		s.retryPendingLocked()
	}
	return nil
}

// ReceiveFEC runs a FEC packet against the buffered media. Repeated FEC
// sequence numbers are ignored. A FEC packet whose group is still missing
// more than one packet is kept and retried as media arrives, until one of
// the missing packets falls behind the playout point.
func (s *Session) ReceiveFEC(pkt *rtp.Packet) (fec.Outcome, error) {
	if pkt == nil {
		return fec.OutcomeError, ErrNilPacket
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fec.OutcomeError, ErrSessionClosed
	}

	s.stats.FECReceived++
	if seen, _ := s.seenFEC.ContainsOrAdd(pkt.SequenceNumber, struct{}{}); seen {
		s.stats.FECDuplicates++
		logrus.WithFields(logrus.Fields{
			"function":     "Session.ReceiveFEC",
			"session_id":   s.id.String(),
			"fec_sequence": pkt.SequenceNumber,
		}).Debug("Ignoring duplicate FEC packet")
		return fec.OutcomeNothingToDo, nil
	}

	outcome, err := s.reconstructLocked(pkt)
	if outcome == fec.OutcomeUncorrectable {
		s.deferLocked(pkt)
	}
	return outcome, err
}

// Pop returns the next media packet due for playout, recovered or not.
func (s *Session) Pop() (*rtp.Packet, bool) {
	return s.buffer.Pop()
}

// Buffer returns the session's jitter buffer.
func (s *Session) Buffer() *JitterBuffer {
	return s.buffer
}

func (s *Session) reconstructLocked(pkt *rtp.Packet) (fec.Outcome, error) {
	var (
		recovered *rtp.Packet
		outcome   fec.Outcome
		err       error
	)

	s.buffer.WithLock(func(held *HeldPackets) {
		recovered, outcome, err = s.reconstructor.Reconstruct(held, pkt)
		if recovered == nil {
			return
		}
		if insertErr := held.Insert(recovered); insertErr != nil {
			s.stats.RecoveredLate++
			logrus.WithFields(logrus.Fields{
				"function":   "Session.reconstruct",
				"session_id": s.id.String(),
				"sequence":   recovered.SequenceNumber,
				"error":      insertErr.Error(),
			}).Debug("Recovered packet could not be buffered")
			return
		}
		s.stats.Recovered++
	})

	if outcome == fec.OutcomeError {
		s.stats.FECErrors++
	}
	return outcome, err
}

// deferLocked keeps an uncorrectable FEC packet for retry while none of its
// missing packets has been played out.
func (s *Session) deferLocked(pkt *rtp.Packet) {
	parsed, err := fec.ParsePacket(pkt.Payload)
	if err != nil {
		s.stats.Uncorrectable++
		return
	}
	protected := parsed.Protected()

	if s.expiredLocked(protected) {
		s.stats.Uncorrectable++
		return
	}

	if len(s.pending) >= maxPendingFEC {
		s.pending = s.pending[1:]
		s.stats.Uncorrectable++
	}
	s.pending = append(s.pending, pendingFEC{packet: pkt, protected: protected})
}

func (s *Session) expiredLocked(protected []uint16) bool {
	var expired bool
	s.buffer.WithLock(func(held *HeldPackets) {
		for _, seq := range fec.Classify(protected, held).Missing {
			if held.PlayedOut(seq) {
				expired = true
				return
			}
		}
	})
	return expired
}

func (s *Session) retryPendingLocked() {
	kept := s.pending[:0]
	for _, p := range s.pending {
		var state fec.LossState
		s.buffer.WithLock(func(held *HeldPackets) {
			state = fec.Classify(p.protected, held).State()
		})

		switch {
		case state == fec.LossNone:
		case s.expiredLocked(p.protected):
			s.stats.Uncorrectable++
		case state == fec.LossSingle:
			if outcome, err := s.reconstructLocked(p.packet); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":     "Session.retryPending",
					"session_id":   s.id.String(),
					"fec_sequence": p.packet.SequenceNumber,
					"outcome":      outcome.String(),
					"error":        err.Error(),
				}).Warn("Pending FEC packet failed on retry")
			}
		default:
			kept = append(kept, p)
		}
	}
	for i := len(kept); i < len(s.pending); i++ {
		s.pending[i] = pendingFEC{}
	}
	s.pending = kept
}

// Statistics returns a snapshot of the session counters.
func (s *Session) Statistics() Statistics {
	s.mu.Lock()
	stats := s.stats
	stats.PendingFEC = len(s.pending)
	s.mu.Unlock()

	stats.Skew = s.skew.Skew()
	stats.SkewResets = s.skew.Resets()
	stats.Jitter = s.buffer.Stats()
	stats.FEC = s.reconstructor.Stats()
	return stats
}

// Close stops the session and drops everything it holds.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.pending = nil
	s.seenFEC.Purge()
	s.buffer.Reset()

	logrus.WithFields(logrus.Fields{
		"function":   "Session.Close",
		"session_id": s.id.String(),
		"lifetime":   time.Since(s.created).String(),
	}).Info("Closed RTP receive session")

	return nil
}
