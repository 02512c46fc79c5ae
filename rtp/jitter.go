package rtp

import (
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/rtpfec/fec"
	"github.com/opd-ai/rtpfec/limits"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// playedHistory is how many played packets stay visible to Lookup, enough
// for any FEC group still to arrive for them.
const playedHistory = fec.MaxGroupSize

type bufferedPacket struct {
	packet    *rtp.Packet
	arrival   time.Time
	recovered bool
}

// JitterStats is a snapshot of jitter buffer counters.
type JitterStats struct {
	Buffered   int
	Pushed     uint64
	Inserted   uint64
	Played     uint64
	Duplicates uint64
	Late       uint64
	Overflow   uint64
	Lost       uint64
}

// JitterBuffer holds received media packets keyed by sequence number and
// releases them in sequence order once they have waited for the configured
// latency. Sequence comparisons are wraparound safe.
//
// It implements fec.PacketLookup. Lookup also sees the last few played
// packets, so FEC arriving after part of its group has played still finds
// them; sequence numbers skipped as lost stay missing. Callers running the
// FEC engine should do so inside WithLock so the held set cannot change
// underneath it.
type JitterBuffer struct {
	mu           sync.Mutex
	latency      time.Duration
	capacity     int
	packets      map[uint16]*bufferedPacket
	lastPlayed   uint16
	played       bool
	history      [playedHistory]*rtp.Packet
	historyPos   int
	timeProvider TimeProvider
	stats        JitterStats
}

// NewJitterBuffer creates a jitter buffer that holds at most capacity
// packets and delays each one by latency. A nil timeProvider uses the wall
// clock.
func NewJitterBuffer(latency time.Duration, capacity int, timeProvider TimeProvider) (*JitterBuffer, error) {
	if latency < 0 {
		return nil, fmt.Errorf("%w: negative latency %v", ErrInvalidConfig, latency)
	}
	if err := limits.ValidateJitterCapacity(capacity); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if timeProvider == nil {
		timeProvider = DefaultTimeProvider{}
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewJitterBuffer",
		"latency":  latency.String(),
		"capacity": capacity,
	}).Debug("Creating jitter buffer")

	return &JitterBuffer{
		latency:      latency,
		capacity:     capacity,
		packets:      make(map[uint16]*bufferedPacket, capacity),
		timeProvider: timeProvider,
	}, nil
}

// Push buffers a received packet stamped with the current time.
func (jb *JitterBuffer) Push(pkt *rtp.Packet) error {
	return jb.PushAt(pkt, jb.timeProvider.Now())
}

// PushAt buffers a received packet whose playout clock starts at arrival.
// Packets at or before the last played sequence number are rejected with
// ErrLatePacket, repeated ones with ErrDuplicatePacket.
func (jb *JitterBuffer) PushAt(pkt *rtp.Packet, arrival time.Time) error {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if err := jb.addLocked(pkt, arrival, false); err != nil {
		return err
	}
	jb.stats.Pushed++
	return nil
}

// Insert buffers a reconstructed packet. It is eligible for playout as soon
// as it reaches the head of the buffer.
func (jb *JitterBuffer) Insert(pkt *rtp.Packet) error {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	return jb.insertLocked(pkt)
}

func (jb *JitterBuffer) insertLocked(pkt *rtp.Packet) error {
	if err := jb.addLocked(pkt, time.Time{}, true); err != nil {
		return err
	}
	jb.stats.Inserted++
	return nil
}

func (jb *JitterBuffer) addLocked(pkt *rtp.Packet, arrival time.Time, recovered bool) error {
	if pkt == nil {
		return ErrNilPacket
	}
	seq := pkt.SequenceNumber

	if jb.playedOutLocked(seq) {
		jb.stats.Late++
		logrus.WithFields(logrus.Fields{
			"function":    "JitterBuffer.add",
			"sequence":    seq,
			"last_played": jb.lastPlayed,
			"recovered":   recovered,
		}).Debug("Dropping packet behind playout point")
		return fmt.Errorf("%w: sequence %d, last played %d", ErrLatePacket, seq, jb.lastPlayed)
	}
	if _, exists := jb.packets[seq]; exists {
		jb.stats.Duplicates++
		return fmt.Errorf("%w: sequence %d", ErrDuplicatePacket, seq)
	}

	jb.packets[seq] = &bufferedPacket{packet: pkt, arrival: arrival, recovered: recovered}

	if len(jb.packets) > jb.capacity {
		oldest, _ := jb.oldestLocked()
		delete(jb.packets, oldest)
		jb.skipToLocked(oldest)
		jb.stats.Overflow++
		logrus.WithFields(logrus.Fields{
			"function": "JitterBuffer.add",
			"evicted":  oldest,
			"capacity": jb.capacity,
		}).Warn("Jitter buffer full, evicted oldest packet")
	}

	return nil
}

// Pop returns the packet at the head of the buffer once it is due. Missing
// sequence numbers before a due packet are skipped and counted as lost.
func (jb *JitterBuffer) Pop() (*rtp.Packet, bool) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	seq, ok := jb.oldestLocked()
	if !ok {
		return nil, false
	}

	entry := jb.packets[seq]
	if !entry.recovered && jb.timeProvider.Since(entry.arrival) < jb.latency {
		return nil, false
	}

	delete(jb.packets, seq)
	jb.skipToLocked(seq)
	jb.stats.Played++

	jb.history[jb.historyPos] = entry.packet
	jb.historyPos = (jb.historyPos + 1) % playedHistory

	return entry.packet, true
}

// Lookup returns the buffered or recently played packet with the given
// sequence number.
func (jb *JitterBuffer) Lookup(seq uint16) (*rtp.Packet, bool) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	return jb.lookupLocked(seq)
}

func (jb *JitterBuffer) lookupLocked(seq uint16) (*rtp.Packet, bool) {
	if entry, ok := jb.packets[seq]; ok {
		return entry.packet, true
	}
	if !jb.playedOutLocked(seq) {
		return nil, false
	}
	for _, pkt := range jb.history {
		if pkt != nil && pkt.SequenceNumber == seq {
			return pkt, true
		}
	}
	return nil, false
}

// WithLock runs fn with the buffer locked. The HeldPackets view is only
// valid inside fn.
func (jb *JitterBuffer) WithLock(fn func(held *HeldPackets)) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	fn(&HeldPackets{jb: jb})
}

// Len returns the number of buffered packets.
func (jb *JitterBuffer) Len() int {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	return len(jb.packets)
}

// Stats returns a snapshot of the buffer counters.
func (jb *JitterBuffer) Stats() JitterStats {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	stats := jb.stats
	stats.Buffered = len(jb.packets)
	return stats
}

// Reset drops every buffered packet and forgets the playout point.
func (jb *JitterBuffer) Reset() {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	cleared := len(jb.packets)
	jb.packets = make(map[uint16]*bufferedPacket, jb.capacity)
	jb.played = false
	jb.lastPlayed = 0
	jb.history = [playedHistory]*rtp.Packet{}
	jb.historyPos = 0

	logrus.WithFields(logrus.Fields{
		"function":        "JitterBuffer.Reset",
		"cleared_packets": cleared,
	}).Info("Jitter buffer reset")
}

func (jb *JitterBuffer) playedOutLocked(seq uint16) bool {
	return jb.played && fec.SeqDiff(seq, jb.lastPlayed) <= 0
}

func (jb *JitterBuffer) oldestLocked() (uint16, bool) {
	var (
		oldest uint16
		found  bool
	)
	for seq := range jb.packets {
		if !found || fec.SeqLess(seq, oldest) {
			oldest = seq
			found = true
		}
	}
	return oldest, found
}

// skipToLocked moves the playout point to seq, counting the gap as lost.
func (jb *JitterBuffer) skipToLocked(seq uint16) {
	if jb.played {
		if gap := fec.SeqDiff(seq, jb.lastPlayed) - 1; gap > 0 {
			jb.stats.Lost += uint64(gap)
		}
	}
	jb.lastPlayed = seq
	jb.played = true
}

// HeldPackets is the view of a locked JitterBuffer handed to WithLock
// callbacks. It implements fec.PacketLookup.
type HeldPackets struct {
	jb *JitterBuffer
}

// Lookup returns the buffered or recently played packet with the given
// sequence number.
func (h *HeldPackets) Lookup(seq uint16) (*rtp.Packet, bool) {
	return h.jb.lookupLocked(seq)
}

// Insert buffers a reconstructed packet.
func (h *HeldPackets) Insert(pkt *rtp.Packet) error {
	return h.jb.insertLocked(pkt)
}

// PlayedOut reports whether seq is at or behind the playout point.
func (h *HeldPackets) PlayedOut(seq uint16) bool {
	return h.jb.playedOutLocked(seq)
}

var (
	_ fec.PacketLookup = (*JitterBuffer)(nil)
	_ fec.PacketLookup = (*HeldPackets)(nil)
)
