package rtp

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	skewWindowSamples  = 512
	skewWindowDuration = 2 * time.Second
	skewResetThreshold = time.Second
)

// SkewEstimator maps RTP timestamps onto the receiver clock. It tracks the
// difference between receive time and RTP time, smooths the minimum of that
// difference over a sliding window, and produces output times that never go
// backwards.
type SkewEstimator struct {
	mu           sync.Mutex
	clockRate    uint32
	timeProvider TimeProvider

	started  bool
	lastRTP  uint32
	extRTP   int64
	baseRTP  int64
	baseTime time.Time

	window       []time.Duration
	windowPos    int
	windowFilled bool
	windowStart  time.Time
	windowMin    time.Duration
	skew         time.Duration

	lastOut time.Time
	hasOut  bool
	resets  uint64
}

// NewSkewEstimator creates an estimator for a stream with the given RTP
// clock rate. A nil timeProvider uses the wall clock.
func NewSkewEstimator(clockRate uint32, timeProvider TimeProvider) (*SkewEstimator, error) {
	if clockRate == 0 {
		return nil, fmt.Errorf("%w: clock rate cannot be zero", ErrInvalidConfig)
	}
	if timeProvider == nil {
		timeProvider = DefaultTimeProvider{}
	}
	return &SkewEstimator{
		clockRate:    clockRate,
		timeProvider: timeProvider,
		window:       make([]time.Duration, 0, skewWindowSamples),
	}, nil
}

// Update records a packet with the given RTP timestamp received now and
// returns its smoothed receiver time.
func (e *SkewEstimator) Update(rtpTimestamp uint32) time.Time {
	return e.UpdateAt(rtpTimestamp, e.timeProvider.Now())
}

// UpdateAt records a packet with the given RTP timestamp received at now.
func (e *SkewEstimator) UpdateAt(rtpTimestamp uint32, now time.Time) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		e.resetLocked(rtpTimestamp, now)
	} else {
		e.extRTP += int64(int32(rtpTimestamp - e.lastRTP))
		e.lastRTP = rtpTimestamp
	}

	sendDiff := e.rtpDuration(e.extRTP - e.baseRTP)
	delta := now.Sub(e.baseTime) - sendDiff

	if d := delta - e.skew; d > skewResetThreshold || d < -skewResetThreshold {
		logrus.WithFields(logrus.Fields{
			"function":  "SkewEstimator.Update",
			"timestamp": rtpTimestamp,
			"delta":     delta.String(),
			"skew":      e.skew.String(),
		}).Warn("Timestamp jump detected, resetting skew estimation")
		e.resets++
		e.resetLocked(rtpTimestamp, now)
		sendDiff, delta = 0, 0
	}

	e.addSampleLocked(delta, now)

	out := e.baseTime.Add(sendDiff + e.skew)
	if e.hasOut && out.Before(e.lastOut) {
		out = e.lastOut
	}
	e.lastOut = out
	e.hasOut = true

	return out
}

// addSampleLocked tracks the minimum delta. While the first window fills the
// skew follows the minimum directly; afterwards it moves 1/125 of the way
// towards the window minimum per sample.
func (e *SkewEstimator) addSampleLocked(delta time.Duration, now time.Time) {
	if !e.windowFilled {
		e.window = append(e.window, delta)
		if len(e.window) == 1 || delta < e.windowMin {
			e.windowMin = delta
		}
		e.skew = e.windowMin

		if len(e.window) >= skewWindowSamples || now.Sub(e.windowStart) >= skewWindowDuration {
			e.windowFilled = true
			e.windowPos = 0
		}
		return
	}

	e.window[e.windowPos] = delta
	e.windowPos = (e.windowPos + 1) % len(e.window)

	e.windowMin = e.window[0]
	for _, d := range e.window[1:] {
		if d < e.windowMin {
			e.windowMin = d
		}
	}
	e.skew = (e.windowMin + 124*e.skew) / 125
}

func (e *SkewEstimator) resetLocked(rtpTimestamp uint32, now time.Time) {
	e.started = true
	e.lastRTP = rtpTimestamp
	e.extRTP = int64(rtpTimestamp)
	e.baseRTP = e.extRTP
	e.baseTime = now
	e.window = e.window[:0]
	e.windowPos = 0
	e.windowFilled = false
	e.windowStart = now
	e.windowMin = 0
	e.skew = 0
}

func (e *SkewEstimator) rtpDuration(ticks int64) time.Duration {
	rate := int64(e.clockRate)
	return time.Duration(ticks/rate)*time.Second + time.Duration(ticks%rate)*time.Second/time.Duration(rate)
}

// Skew returns the current smoothed skew.
func (e *SkewEstimator) Skew() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.skew
}

// Resets returns how many timestamp jumps forced a restart.
func (e *SkewEstimator) Resets() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.resets
}

// Reset forgets all history, including the last output time.
func (e *SkewEstimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.started = false
	e.hasOut = false
	e.window = e.window[:0]
	e.windowFilled = false
	e.skew = 0
}
