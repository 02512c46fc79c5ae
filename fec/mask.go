package fec

import "math/bits"

// ExpandMask returns the sequence numbers protected by a short mask.
// Bit 15 covers snBase, bit 0 covers snBase+15. Sequence numbers wrap at
// 2^16 and are returned in increasing offset order.
func ExpandMask(snBase, mask uint16) []uint16 {
	protected := make([]uint16, 0, bits.OnesCount16(mask))
	for offset := uint16(0); offset < MaxGroupSize; offset++ {
		if mask&(1<<(MaxGroupSize-1-offset)) != 0 {
			protected = append(protected, snBase+offset)
		}
	}
	return protected
}

// BuildMask is the inverse of ExpandMask. It reports false when a sequence
// number lies outside the 16-wide window starting at snBase.
func BuildMask(snBase uint16, seqs []uint16) (uint16, bool) {
	var mask uint16
	for _, seq := range seqs {
		offset := seq - snBase
		if offset >= MaxGroupSize {
			return 0, false
		}
		mask |= 1 << (MaxGroupSize - 1 - offset)
	}
	return mask, true
}

// SeqDiff returns a-b interpreted as a signed distance on the 16-bit
// sequence number circle.
func SeqDiff(a, b uint16) int16 {
	return int16(a - b)
}

// SeqLess reports whether a comes before b, accounting for wraparound.
func SeqLess(a, b uint16) bool {
	return SeqDiff(a, b) < 0
}
