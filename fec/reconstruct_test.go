package fec

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testMediaSSRC = uint32(476325762)
	testFECSSRC   = uint32(867589674)
	testFECType   = uint8(127)
)

func mediaPacket(seq uint16, ts uint32, payload []byte) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           testMediaSSRC,
		},
		Payload: payload,
	}
}

// generateGroup builds n media packets with varied headers and payload sizes
// starting at seq, and the FEC packet protecting all of them.
func generateGroup(t *testing.T, rng *rand.Rand, seq uint16, n int) ([]*rtp.Packet, *rtp.Packet) {
	t.Helper()

	media := make([]*rtp.Packet, 0, n)
	for i := 0; i < n; i++ {
		payload := make([]byte, rng.Intn(200))
		rng.Read(payload)

		p := mediaPacket(seq+uint16(i), rng.Uint32(), payload)
		p.Marker = rng.Intn(2) == 1
		p.PayloadType = uint8(rng.Intn(128))
		media = append(media, p)
	}

	fecPkt, err := NewEncoder(testFECType, testFECSSRC).Encode(media)
	require.NoError(t, err)

	return media, fecPkt
}

func assertSamePacket(t *testing.T, want, got *rtp.Packet) {
	t.Helper()
	require.NotNil(t, got)

	assert.Equal(t, want.Version, got.Version)
	assert.Equal(t, want.Marker, got.Marker)
	assert.Equal(t, want.PayloadType, got.PayloadType)
	assert.Equal(t, want.SequenceNumber, got.SequenceNumber)
	assert.Equal(t, want.Timestamp, got.Timestamp)
	assert.Equal(t, want.SSRC, got.SSRC)
	assert.Equal(t, len(want.Payload), len(got.Payload))

	wantRaw, err := want.Marshal()
	require.NoError(t, err)
	gotRaw, err := got.Marshal()
	require.NoError(t, err)
	assert.Equal(t, wantRaw, gotRaw)
}

func without(media []*rtp.Packet, drop ...int) PacketMap {
	held := PacketMap{}
	for i, p := range media {
		skip := false
		for _, d := range drop {
			if d == i {
				skip = true
			}
		}
		if !skip {
			held[p.SequenceNumber] = p
		}
	}
	return held
}

// TestReconstructConcreteGroup rebuilds packet 101 of a four packet group
// with two-byte payloads.
func TestReconstructConcreteGroup(t *testing.T) {
	aa, bb, cc, dd := []byte("AA"), []byte("BB"), []byte("CC"), []byte("DD")

	level := make([]byte, 2)
	for _, p := range [][]byte{aa, bb, cc, dd} {
		xorBytes(level, p)
	}
	body, err := (&Packet{
		Header:  Header{SNBase: 100},
		Level:   LevelHeader{ProtectionLength: 2, Mask: 0b1111000000000000},
		Payload: level,
	}).Marshal()
	require.NoError(t, err)

	fecPkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: testFECType, SSRC: testFECSSRC},
		Payload: body,
	}
	held := NewPacketMap(
		mediaPacket(100, 0, aa),
		mediaPacket(102, 0, cc),
		mediaPacket(103, 0, dd),
	)

	recovered, outcome, err := NewReconstructor().Reconstruct(held, fecPkt)
	require.NoError(t, err)
	require.Equal(t, OutcomeReconstructed, outcome)
	require.NotNil(t, recovered)

	assert.Equal(t, uint16(101), recovered.SequenceNumber)
	assert.Equal(t, []byte("BB"), recovered.Payload)
	assert.Equal(t, uint8(2), recovered.Version)
	assert.Equal(t, uint8(96), recovered.PayloadType)
	assert.Equal(t, testMediaSSRC, recovered.SSRC)
}

// TestReconstructEveryPosition removes each packet of groups of 2 to 16 in
// turn and expects a byte-exact copy back.
func TestReconstructEveryPosition(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for _, base := range []uint16{1, 40000, 65530} {
		for n := 2; n <= MaxGroupSize; n++ {
			t.Run(fmt.Sprintf("base_%d_size_%d", base, n), func(t *testing.T) {
				media, fecPkt := generateGroup(t, rng, base, n)

				for lost := range media {
					recovered, outcome, err := NewReconstructor().Reconstruct(without(media, lost), fecPkt)
					require.NoError(t, err, "lost index %d", lost)
					require.Equal(t, OutcomeReconstructed, outcome)
					assertSamePacket(t, media[lost], recovered)
				}
			})
		}
	}
}

func TestReconstructSparseMask(t *testing.T) {
	media := []*rtp.Packet{
		mediaPacket(10, 1000, []byte{1, 2, 3}),
		mediaPacket(13, 1090, []byte{4}),
		mediaPacket(25, 1450, []byte{5, 6, 7, 8, 9}),
	}
	fecPkt, err := NewEncoder(testFECType, testFECSSRC).Encode(media)
	require.NoError(t, err)

	parsed, err := ParsePacket(fecPkt.Payload)
	require.NoError(t, err)
	assert.Equal(t, []uint16{10, 13, 25}, parsed.Protected())

	held := without(media, 1)
	// Unprotected neighbours must not disturb recovery.
	held[11] = mediaPacket(11, 1030, []byte{0xff, 0xff})

	recovered, outcome, err := Reconstruct(held, fecPkt)
	require.NoError(t, err)
	require.Equal(t, OutcomeReconstructed, outcome)
	assertSamePacket(t, media[1], recovered)
}

func TestReconstructCSRCAndExtensionPackets(t *testing.T) {
	media := []*rtp.Packet{
		mediaPacket(500, 90000, []byte{1, 2, 3, 4}),
		mediaPacket(501, 93000, []byte{5, 6}),
		mediaPacket(502, 96000, []byte{7, 8, 9}),
	}
	media[1].Header.CSRC = []uint32{0x01020304}
	require.NoError(t, media[2].Header.SetExtension(1, []byte{0xaa, 0xaa}))

	fecPkt, err := NewEncoder(testFECType, testFECSSRC).Encode(media)
	require.NoError(t, err)

	for lost := range media {
		recovered, outcome, err := Reconstruct(without(media, lost), fecPkt)
		require.NoError(t, err)
		require.Equal(t, OutcomeReconstructed, outcome)

		wantRaw, err := media[lost].Marshal()
		require.NoError(t, err)
		gotRaw, err := recovered.Marshal()
		require.NoError(t, err)
		assert.Equal(t, wantRaw, gotRaw, "lost index %d", lost)
	}
}

func TestReconstructNothingToDo(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	media, fecPkt := generateGroup(t, rng, 300, 5)

	r := NewReconstructor()
	recovered, outcome, err := r.Reconstruct(without(media), fecPkt)
	assert.NoError(t, err)
	assert.Equal(t, OutcomeNothingToDo, outcome)
	assert.Nil(t, recovered)
	assert.Equal(t, uint64(1), r.Stats().NothingToDo)
	assert.Zero(t, r.Stats().Reconstructed)
}

func TestReconstructEmptyMask(t *testing.T) {
	body, err := (&Packet{Header: Header{SNBase: 9}}).Marshal()
	require.NoError(t, err)

	recovered, outcome, err := NewReconstructor().Reconstruct(PacketMap{}, &rtp.Packet{Payload: body})
	assert.NoError(t, err)
	assert.Equal(t, OutcomeNothingToDo, outcome)
	assert.Nil(t, recovered)
}

// TestReconstructUncorrectable drops every subset of two or more packets
// from a four packet group.
func TestReconstructUncorrectable(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	media, fecPkt := generateGroup(t, rng, 65534, 4)
	r := NewReconstructor()

	var cases int
	for subset := 0; subset < 1<<len(media); subset++ {
		var drop []int
		for i := range media {
			if subset&(1<<i) != 0 {
				drop = append(drop, i)
			}
		}
		if len(drop) < 2 {
			continue
		}
		cases++

		recovered, outcome, err := r.Reconstruct(without(media, drop...), fecPkt)
		assert.ErrorIs(t, err, ErrUncorrectable, "dropped %v", drop)
		assert.Equal(t, OutcomeUncorrectable, outcome)
		assert.Nil(t, recovered)
	}

	stats := r.Stats()
	assert.Equal(t, uint64(cases), stats.Uncorrectable)
	assert.Zero(t, stats.Errors)
}

func TestReconstructMalformed(t *testing.T) {
	r := NewReconstructor()

	tests := []struct {
		name    string
		fecPkt  *rtp.Packet
		wantErr error
	}{
		{"nil packet", nil, ErrMalformedHeader},
		{"eight byte payload", &rtp.Packet{Payload: make([]byte, 8)}, ErrMalformedHeader},
		{"missing level header", &rtp.Packet{Payload: make([]byte, HeaderSize+3)}, ErrMalformedHeader},
		{"long mask", &rtp.Packet{Payload: append([]byte{0x40}, make([]byte, 17)...)}, ErrUnsupportedFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recovered, outcome, err := r.Reconstruct(PacketMap{}, tt.fecPkt)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, OutcomeError, outcome)
			assert.Nil(t, recovered)
		})
	}

	stats := r.Stats()
	assert.Equal(t, uint64(4), stats.Errors)
	assert.Equal(t, uint64(3), stats.Malformed)
	assert.Equal(t, uint64(1), stats.Unsupported)
}

// vanishingLookup reports a packet once and then forgets it, imitating a
// buffer mutated between classification and recovery.
type vanishingLookup struct {
	held  PacketMap
	seen  map[uint16]bool
	fades uint16
}

func (v *vanishingLookup) Lookup(seq uint16) (*rtp.Packet, bool) {
	if seq == v.fades && v.seen[seq] {
		return nil, false
	}
	v.seen[seq] = true
	return v.held.Lookup(seq)
}

func TestReconstructInternalInconsistency(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	media, fecPkt := generateGroup(t, rng, 20, 4)

	lookup := &vanishingLookup{
		held:  without(media, 0),
		seen:  map[uint16]bool{},
		fades: media[2].SequenceNumber,
	}

	r := NewReconstructor()
	recovered, outcome, err := r.Reconstruct(lookup, fecPkt)
	assert.ErrorIs(t, err, ErrInternalInconsistency)
	assert.Equal(t, OutcomeError, outcome)
	assert.Nil(t, recovered)
	assert.Equal(t, uint64(1), r.Stats().Errors)
	assert.NotEqual(t, r.Stats().Errors, r.Stats().Uncorrectable)
}

func TestRecoverRejectsWrongLoss(t *testing.T) {
	_, err := Recover(&Packet{}, Loss{Missing: []uint16{1, 2}}, PacketMap{}, 0)
	assert.ErrorIs(t, err, ErrInternalInconsistency)

	_, err = Recover(&Packet{}, Loss{}, PacketMap{}, 0)
	assert.ErrorIs(t, err, ErrInternalInconsistency)
}

func TestRecoverScratchLimit(t *testing.T) {
	huge := &Packet{
		Level:   LevelHeader{Mask: 0xc000},
		Payload: make([]byte, 70000),
	}
	_, err := Recover(huge, Loss{Missing: []uint16{0}}, PacketMap{}, 0)
	assert.ErrorIs(t, err, ErrAllocation)
}

func TestRecoverCorruptLength(t *testing.T) {
	media := []*rtp.Packet{
		mediaPacket(1, 0, []byte{1, 2}),
		mediaPacket(2, 0, []byte{3, 4}),
	}
	fecPkt, err := NewEncoder(testFECType, testFECSSRC).Encode(media)
	require.NoError(t, err)

	parsed, err := ParsePacket(fecPkt.Payload)
	require.NoError(t, err)
	parsed.Header.LengthRecovery = 0x00ff

	_, err = Recover(parsed, Classify(parsed.Protected(), without(media, 1)), without(media, 1), 0)
	assert.ErrorIs(t, err, ErrCorruptRecovery)

	// A held packet larger than the protected region cannot belong to the group.
	held := without(media, 1)
	held[1] = mediaPacket(1, 0, make([]byte, 64))
	parsed, err = ParsePacket(fecPkt.Payload)
	require.NoError(t, err)
	_, err = Recover(parsed, Classify(parsed.Protected(), held), held, 0)
	assert.ErrorIs(t, err, ErrCorruptRecovery)
}

// TestReconstructSingleMemberGroup falls back to the FEC stream SSRC when no
// other protected packet is held.
func TestReconstructSingleMemberGroup(t *testing.T) {
	original := mediaPacket(77, 1234, []byte("solo"))
	fecPkt, err := NewEncoder(testFECType, testFECSSRC).Encode([]*rtp.Packet{original})
	require.NoError(t, err)

	recovered, outcome, err := Reconstruct(PacketMap{}, fecPkt)
	require.NoError(t, err)
	require.Equal(t, OutcomeReconstructed, outcome)
	assert.Equal(t, uint16(77), recovered.SequenceNumber)
	assert.Equal(t, uint32(1234), recovered.Timestamp)
	assert.Equal(t, []byte("solo"), recovered.Payload)
	assert.Equal(t, testFECSSRC, recovered.SSRC)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "nothing_to_do", OutcomeNothingToDo.String())
	assert.Equal(t, "uncorrectable", OutcomeUncorrectable.String())
	assert.Equal(t, "reconstructed", OutcomeReconstructed.String())
	assert.Equal(t, "error", OutcomeError.String())
	assert.Equal(t, "unknown", Outcome(-1).String())
}

func TestDefaultStatsCountsPackageCalls(t *testing.T) {
	before := DefaultStats()
	_, outcome, _ := Reconstruct(PacketMap{}, &rtp.Packet{Payload: make([]byte, 2)})
	assert.Equal(t, OutcomeError, outcome)
	assert.Equal(t, before.Errors+1, DefaultStats().Errors)
}
