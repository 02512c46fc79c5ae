package fec

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// Outcome classifies a Reconstruct call.
type Outcome int

const (
	// OutcomeNothingToDo means the whole protected group is held.
	OutcomeNothingToDo Outcome = iota
	// OutcomeUncorrectable means two or more protected packets are missing.
	OutcomeUncorrectable
	// OutcomeReconstructed means the single missing packet was rebuilt.
	OutcomeReconstructed
	// OutcomeError means the FEC packet or held set could not be used.
	OutcomeError
)

// String returns a human readable outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeNothingToDo:
		return "nothing_to_do"
	case OutcomeUncorrectable:
		return "uncorrectable"
	case OutcomeReconstructed:
		return "reconstructed"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Stats counts Reconstruct outcomes.
type Stats struct {
	NothingToDo   uint64
	Uncorrectable uint64
	Reconstructed uint64
	Errors        uint64
	Malformed     uint64
	Unsupported   uint64
}

// Reconstructor runs the recovery pipeline: mask expansion, loss
// classification and XOR recovery. It keeps no packet state between calls;
// the counters are safe for concurrent use.
type Reconstructor struct {
	nothingToDo   atomic.Uint64
	uncorrectable atomic.Uint64
	reconstructed atomic.Uint64
	errors        atomic.Uint64
	malformed     atomic.Uint64
	unsupported   atomic.Uint64
}

// NewReconstructor creates a Reconstructor with zeroed counters.
func NewReconstructor() *Reconstructor {
	return &Reconstructor{}
}

var defaultReconstructor = NewReconstructor()

// Reconstruct runs the shared default Reconstructor.
func Reconstruct(held PacketLookup, fecPkt *rtp.Packet) (*rtp.Packet, Outcome, error) {
	return defaultReconstructor.Reconstruct(held, fecPkt)
}

// DefaultStats returns the counters of the shared default Reconstructor.
func DefaultStats() Stats {
	return defaultReconstructor.Stats()
}

// Reconstruct tries to rebuild the one packet of fecPkt's group that held
// lacks. held must not change for the duration of the call.
//
// The returned packet is non-nil only with OutcomeReconstructed and is owned
// by the caller. OutcomeUncorrectable comes with ErrUncorrectable; every
// OutcomeError comes with an error wrapping one of the package sentinels.
func (r *Reconstructor) Reconstruct(held PacketLookup, fecPkt *rtp.Packet) (*rtp.Packet, Outcome, error) {
	if fecPkt == nil {
		r.errors.Add(1)
		r.malformed.Add(1)
		return nil, OutcomeError, fmt.Errorf("%w: nil FEC packet", ErrMalformedHeader)
	}

	parsed, err := ParsePacket(fecPkt.Payload)
	if err != nil {
		r.recordError(err)
		logrus.WithFields(logrus.Fields{
			"function":     "Reconstructor.Reconstruct",
			"fec_sequence": fecPkt.SequenceNumber,
			"payload_size": len(fecPkt.Payload),
			"error":        err.Error(),
		}).Warn("Discarding unusable FEC packet")
		return nil, OutcomeError, err
	}

	loss := Classify(parsed.Protected(), held)

	switch loss.State() {
	case LossNone:
		r.nothingToDo.Add(1)
		return nil, OutcomeNothingToDo, nil

	case LossMultiple:
		r.uncorrectable.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "Reconstructor.Reconstruct",
			"sn_base":  parsed.Header.SNBase,
			"mask":     fmt.Sprintf("%#04x", parsed.Level.Mask),
			"missing":  loss.Missing,
		}).Warn("FEC group lost more than one packet")
		return nil, OutcomeUncorrectable, fmt.Errorf("%w: %d of %d", ErrUncorrectable,
			len(loss.Missing), len(loss.Missing)+len(loss.Present))
	}

	recovered, err := Recover(parsed, loss, held, fecPkt.SSRC)
	if err != nil {
		r.recordError(err)
		logrus.WithFields(logrus.Fields{
			"function": "Reconstructor.Reconstruct",
			"sn_base":  parsed.Header.SNBase,
			"missing":  loss.Missing[0],
			"error":    err.Error(),
		}).Error("FEC reconstruction failed")
		return nil, OutcomeError, err
	}

	r.reconstructed.Add(1)
	logrus.WithFields(logrus.Fields{
		"function":     "Reconstructor.Reconstruct",
		"sequence":     recovered.SequenceNumber,
		"timestamp":    recovered.Timestamp,
		"payload_size": len(recovered.Payload),
	}).Debug("Recovered packet from FEC")

	return recovered, OutcomeReconstructed, nil
}

func (r *Reconstructor) recordError(err error) {
	r.errors.Add(1)
	switch {
	case errors.Is(err, ErrUnsupportedFormat):
		r.unsupported.Add(1)
	case errors.Is(err, ErrMalformedHeader):
		r.malformed.Add(1)
	}
}

// Stats returns a snapshot of the outcome counters.
func (r *Reconstructor) Stats() Stats {
	return Stats{
		NothingToDo:   r.nothingToDo.Load(),
		Uncorrectable: r.uncorrectable.Load(),
		Reconstructed: r.reconstructed.Load(),
		Errors:        r.errors.Load(),
		Malformed:     r.malformed.Load(),
		Unsupported:   r.unsupported.Load(),
	}
}
