package rtp

import (
	"net"
	"testing"
	"time"

	"github.com/opd-ai/rtpfec/fec"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5004}
}

func newTestSession(t *testing.T) (*Session, *mockTimeProvider) {
	t.Helper()

	clock := newMockTimeProvider()
	config := DefaultSessionConfig()
	config.TimeProvider = clock

	session, err := NewSession(testRemoteAddr(), config)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })
	return session, clock
}

// mediaGroup returns media packets first..first+n-1 and their FEC packet.
func mediaGroup(t *testing.T, first uint16, n int) ([]*rtp.Packet, *rtp.Packet) {
	t.Helper()

	media := make([]*rtp.Packet, n)
	for i := range media {
		media[i] = testPacket(first + uint16(i))
	}
	fecPkt, err := fec.NewEncoder(127, 0xfec0).Encode(media)
	require.NoError(t, err)
	return media, fecPkt
}

// receiveExcept feeds media into the session 20ms apart, skipping the
// listed indices.
func receiveExcept(t *testing.T, session *Session, clock *mockTimeProvider, media []*rtp.Packet, skip ...int) {
	t.Helper()

	skipped := make(map[int]bool, len(skip))
	for _, i := range skip {
		skipped[i] = true
	}
	for i, p := range media {
		if !skipped[i] {
			require.NoError(t, session.ReceiveMedia(p))
		}
		clock.Advance(20 * time.Millisecond)
	}
}

func drain(session *Session) []*rtp.Packet {
	var out []*rtp.Packet
	for {
		pkt, ok := session.Pop()
		if !ok {
			return out
		}
		out = append(out, pkt)
	}
}

func TestNewSessionValidation(t *testing.T) {
	tests := []struct {
		name     string
		addr     net.Addr
		modify   func(*SessionConfig)
		errorMsg string
	}{
		{"nil address", nil, func(*SessionConfig) {}, "remote address cannot be nil"},
		{"FEC payload type", testRemoteAddr(), func(c *SessionConfig) { c.FECPayloadType = 128 }, "FEC payload type"},
		{"FEC history", testRemoteAddr(), func(c *SessionConfig) { c.FECHistory = 0 }, "FEC history"},
		{"capacity", testRemoteAddr(), func(c *SessionConfig) { c.Capacity = 0 }, "jitter buffer"},
		{"clock rate", testRemoteAddr(), func(c *SessionConfig) { c.ClockRate = 0 }, "skew estimator"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultSessionConfig()
			tt.modify(&config)

			session, err := NewSession(tt.addr, config)
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
			assert.Nil(t, session)
		})
	}
}

func TestSessionAccessors(t *testing.T) {
	session, _ := newTestSession(t)
	other, _ := newTestSession(t)

	assert.NotEqual(t, session.ID(), other.ID())
	assert.Equal(t, testRemoteAddr().String(), session.RemoteAddr().String())
	assert.Equal(t, uint32(48000), session.Config().ClockRate)
	assert.NotNil(t, session.Buffer())
}

func TestSessionRecoversSingleLoss(t *testing.T) {
	session, clock := newTestSession(t)
	media, fecPkt := mediaGroup(t, 65534, 4)

	receiveExcept(t, session, clock, media, 2)

	outcome, err := session.ReceiveFEC(fecPkt)
	require.NoError(t, err)
	assert.Equal(t, fec.OutcomeReconstructed, outcome)

	clock.Advance(200 * time.Millisecond)
	played := drain(session)
	require.Len(t, played, 4)
	for i, p := range played {
		assert.Equal(t, media[i].SequenceNumber, p.SequenceNumber)
		assert.Equal(t, media[i].Timestamp, p.Timestamp)
		assert.Equal(t, media[i].SSRC, p.SSRC)
		assert.Equal(t, media[i].Payload, p.Payload)
	}

	stats := session.Statistics()
	assert.Equal(t, uint64(3), stats.MediaReceived)
	assert.Equal(t, uint64(1), stats.FECReceived)
	assert.Equal(t, uint64(1), stats.Recovered)
	assert.Equal(t, uint64(1), stats.FEC.Reconstructed)
	assert.Zero(t, stats.Jitter.Lost)
}

func TestSessionNothingToDo(t *testing.T) {
	session, clock := newTestSession(t)
	media, fecPkt := mediaGroup(t, 10, 3)

	receiveExcept(t, session, clock, media)

	outcome, err := session.ReceiveFEC(fecPkt)
	require.NoError(t, err)
	assert.Equal(t, fec.OutcomeNothingToDo, outcome)
	assert.Equal(t, uint64(1), session.Statistics().FEC.NothingToDo)
}

func TestSessionIgnoresDuplicateFEC(t *testing.T) {
	session, clock := newTestSession(t)
	media, fecPkt := mediaGroup(t, 10, 4)

	receiveExcept(t, session, clock, media, 1)

	outcome, err := session.ReceiveFEC(fecPkt)
	require.NoError(t, err)
	assert.Equal(t, fec.OutcomeReconstructed, outcome)

	outcome, err = session.ReceiveFEC(fecPkt)
	require.NoError(t, err)
	assert.Equal(t, fec.OutcomeNothingToDo, outcome)

	stats := session.Statistics()
	assert.Equal(t, uint64(2), stats.FECReceived)
	assert.Equal(t, uint64(1), stats.FECDuplicates)
	assert.Equal(t, uint64(1), stats.Recovered)
}

func TestSessionRetriesPendingFEC(t *testing.T) {
	session, clock := newTestSession(t)
	media, fecPkt := mediaGroup(t, 10, 4)

	receiveExcept(t, session, clock, media, 1, 2)

	outcome, err := session.ReceiveFEC(fecPkt)
	assert.ErrorIs(t, err, fec.ErrUncorrectable)
	assert.Equal(t, fec.OutcomeUncorrectable, outcome)

	stats := session.Statistics()
	assert.Equal(t, 1, stats.PendingFEC)
	assert.Zero(t, stats.Uncorrectable)

	// A late arrival leaves one packet missing, which the held FEC packet
	// now covers.
	require.NoError(t, session.ReceiveMedia(media[1]))

	stats = session.Statistics()
	assert.Zero(t, stats.PendingFEC)
	assert.Equal(t, uint64(1), stats.Recovered)

	clock.Advance(200 * time.Millisecond)
	played := drain(session)
	require.Len(t, played, 4)
	assert.Equal(t, media[2].Payload, played[2].Payload)
}

func TestSessionPendingFECExpires(t *testing.T) {
	session, clock := newTestSession(t)
	media, fecPkt := mediaGroup(t, 10, 4)

	receiveExcept(t, session, clock, media, 1, 2)

	_, err := session.ReceiveFEC(fecPkt)
	assert.ErrorIs(t, err, fec.ErrUncorrectable)

	clock.Advance(200 * time.Millisecond)
	assert.Len(t, drain(session), 2)

	require.NoError(t, session.ReceiveMedia(testPacket(14)))

	stats := session.Statistics()
	assert.Zero(t, stats.PendingFEC)
	assert.Equal(t, uint64(1), stats.Uncorrectable)
	assert.Equal(t, uint64(2), stats.Jitter.Lost)
}

func TestSessionFECAfterPlayout(t *testing.T) {
	session, clock := newTestSession(t)
	media, fecPkt := mediaGroup(t, 10, 4)

	receiveExcept(t, session, clock, media, 0, 3)
	clock.Advance(200 * time.Millisecond)
	require.Len(t, drain(session), 2)
	require.NoError(t, session.ReceiveMedia(testPacket(14)))

	// 10 is behind the playout point, so the group can never be completed.
	outcome, err := session.ReceiveFEC(fecPkt)
	assert.ErrorIs(t, err, fec.ErrUncorrectable)
	assert.Equal(t, fec.OutcomeUncorrectable, outcome)

	stats := session.Statistics()
	assert.Zero(t, stats.PendingFEC)
	assert.Equal(t, uint64(1), stats.Uncorrectable)
}

// receiveAndPlay feeds media 20ms apart like receiveExcept, playing out
// whatever is due after each step, and returns the number played.
func receiveAndPlay(t *testing.T, session *Session, clock *mockTimeProvider, media []*rtp.Packet, skip int) int {
	t.Helper()

	var played int
	for i, p := range media {
		if i != skip {
			require.NoError(t, session.ReceiveMedia(p))
		}
		clock.Advance(20 * time.Millisecond)
		played += len(drain(session))
	}
	return played
}

func TestSessionLosslessGroupSpanningPlayout(t *testing.T) {
	session, clock := newTestSession(t)
	media, fecPkt := mediaGroup(t, 65532, 8)

	// Eight 20ms frames outlast the 100ms latency, so half the group has
	// played by the time its FEC packet arrives.
	require.Equal(t, 4, receiveAndPlay(t, session, clock, media, -1))

	outcome, err := session.ReceiveFEC(fecPkt)
	require.NoError(t, err)
	assert.Equal(t, fec.OutcomeNothingToDo, outcome)

	stats := session.Statistics()
	assert.Zero(t, stats.Uncorrectable)
	assert.Zero(t, stats.PendingFEC)
	assert.Zero(t, stats.RecoveredLate)
	assert.Zero(t, stats.FEC.Reconstructed)
}

func TestSessionRecoversAfterPartialPlayout(t *testing.T) {
	session, clock := newTestSession(t)
	media, fecPkt := mediaGroup(t, 65532, 8)

	require.Equal(t, 4, receiveAndPlay(t, session, clock, media, 6))

	outcome, err := session.ReceiveFEC(fecPkt)
	require.NoError(t, err)
	assert.Equal(t, fec.OutcomeReconstructed, outcome)

	clock.Advance(200 * time.Millisecond)
	rest := drain(session)
	require.Len(t, rest, 4)
	assert.Equal(t, media[6].SequenceNumber, rest[2].SequenceNumber)
	assert.Equal(t, media[6].Payload, rest[2].Payload)

	stats := session.Statistics()
	assert.Equal(t, uint64(1), stats.Recovered)
	assert.Zero(t, stats.Jitter.Lost)
}

func TestSessionRecoveredLate(t *testing.T) {
	session, clock := newTestSession(t)
	media, fecPkt := mediaGroup(t, 10, 4)

	receiveExcept(t, session, clock, media, 1)
	clock.Advance(200 * time.Millisecond)
	require.Len(t, drain(session), 3)

	// 11 was skipped at playout; it is rebuilt but cannot be played.
	outcome, err := session.ReceiveFEC(fecPkt)
	require.NoError(t, err)
	assert.Equal(t, fec.OutcomeReconstructed, outcome)
	assert.Empty(t, drain(session))

	stats := session.Statistics()
	assert.Zero(t, stats.Recovered)
	assert.Equal(t, uint64(1), stats.RecoveredLate)
	assert.Equal(t, uint64(1), stats.Jitter.Lost)
}

func TestSessionLogsFailedRetry(t *testing.T) {
	hook := logtest.NewGlobal()
	t.Cleanup(func() { logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks)) })

	session, clock := newTestSession(t)
	media, fecPkt := mediaGroup(t, 10, 4)

	receiveExcept(t, session, clock, media, 1, 2)
	_, err := session.ReceiveFEC(fecPkt)
	require.ErrorIs(t, err, fec.ErrUncorrectable)

	// The late packet is longer than the FEC packet protects, so the retry
	// cannot produce a packet.
	oversized := testPacket(11)
	oversized.Payload = make([]byte, 40)
	require.NoError(t, session.ReceiveMedia(oversized))

	stats := session.Statistics()
	assert.Zero(t, stats.PendingFEC)
	assert.Zero(t, stats.Recovered)
	assert.Equal(t, uint64(1), stats.FECErrors)

	var found bool
	for _, entry := range hook.AllEntries() {
		if entry.Message == "Pending FEC packet failed on retry" {
			found = true
			assert.Equal(t, logrus.WarnLevel, entry.Level)
			assert.Equal(t, session.ID().String(), entry.Data["session_id"])
			assert.Equal(t, fec.OutcomeError.String(), entry.Data["outcome"])
		}
	}
	assert.True(t, found)
}

func TestSessionMalformedFEC(t *testing.T) {
	session, _ := newTestSession(t)

	bad := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 127, SequenceNumber: 1, SSRC: 0xfec0},
		Payload: []byte{1, 2, 3},
	}
	outcome, err := session.ReceiveFEC(bad)
	assert.ErrorIs(t, err, fec.ErrMalformedHeader)
	assert.Equal(t, fec.OutcomeError, outcome)

	stats := session.Statistics()
	assert.Equal(t, uint64(1), stats.FECErrors)
	assert.Zero(t, stats.PendingFEC)
}

func TestSessionRejectsUnexpectedSSRC(t *testing.T) {
	session, _ := newTestSession(t)

	require.NoError(t, session.ReceiveMedia(testPacket(1)))

	stranger := testPacket(2)
	stranger.SSRC = 0x9999
	assert.ErrorIs(t, session.ReceiveMedia(stranger), ErrUnexpectedSSRC)
	assert.ErrorIs(t, session.ReceiveMedia(nil), ErrNilPacket)

	_, err := session.ReceiveFEC(nil)
	assert.ErrorIs(t, err, ErrNilPacket)
	assert.Equal(t, 1, session.Buffer().Len())
}

func TestSessionClose(t *testing.T) {
	session, _ := newTestSession(t)
	media, fecPkt := mediaGroup(t, 10, 2)

	require.NoError(t, session.ReceiveMedia(media[0]))
	require.NoError(t, session.Close())
	require.NoError(t, session.Close())

	assert.Equal(t, 0, session.Buffer().Len())
	assert.ErrorIs(t, session.ReceiveMedia(media[1]), ErrSessionClosed)

	_, err := session.ReceiveFEC(fecPkt)
	assert.ErrorIs(t, err, ErrSessionClosed)
}
