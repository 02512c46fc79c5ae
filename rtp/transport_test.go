package rtp

import (
	"net"
	"testing"
	"time"

	"github.com/opd-ai/rtpfec/netsim"
	"github.com/opd-ai/rtpfec/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTransportIntegration(t *testing.T) {
	tests := []struct {
		name        string
		transport   transport.Transport
		expectError bool
		errorMsg    string
	}{
		{
			name:        "Valid transport",
			transport:   NewMockTransport(),
			expectError: false,
		},
		{
			name:        "Nil transport",
			transport:   nil,
			expectError: true,
			errorMsg:    "transport cannot be nil",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			integration, err := NewTransportIntegration(tt.transport)

			if tt.expectError {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
				assert.Nil(t, integration)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, integration)
				assert.Equal(t, tt.transport, integration.transport)
				assert.NotNil(t, integration.sessions)
				assert.Equal(t, 0, len(integration.sessions))
			}
		})
	}
}

func TestTransportIntegrationSessionLifecycle(t *testing.T) {
	integration, err := NewTransportIntegration(NewMockTransport())
	require.NoError(t, err)
	remoteAddr, _ := net.ResolveUDPAddr("udp", "127.0.0.1:54321")

	_, err = integration.CreateSession(nil, DefaultSessionConfig())
	assert.Error(t, err)

	session, err := integration.CreateSession(remoteAddr, DefaultSessionConfig())
	require.NoError(t, err)
	require.NotNil(t, session)

	_, err = integration.CreateSession(remoteAddr, DefaultSessionConfig())
	assert.ErrorIs(t, err, ErrSessionExists)

	found, ok := integration.GetSession(remoteAddr)
	assert.True(t, ok)
	assert.Equal(t, session, found)

	sessions := integration.Sessions()
	assert.Len(t, sessions, 1)
	delete(sessions, remoteAddr.String())
	assert.Len(t, integration.Sessions(), 1)

	require.NoError(t, integration.CloseSession(remoteAddr))
	assert.ErrorIs(t, integration.CloseSession(remoteAddr), ErrSessionNotFound)
	assert.ErrorIs(t, session.ReceiveMedia(testPacket(1)), ErrSessionClosed)

	bad := DefaultSessionConfig()
	bad.Capacity = 0
	_, err = integration.CreateSession(remoteAddr, bad)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, ok = integration.GetSession(remoteAddr)
	assert.False(t, ok)
}

func TestTransportIntegrationClose(t *testing.T) {
	integration, err := NewTransportIntegration(NewMockTransport())
	require.NoError(t, err)

	var sessions []*Session
	for port := 6000; port < 6003; port++ {
		s, err := integration.CreateSession(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: port}, DefaultSessionConfig())
		require.NoError(t, err)
		sessions = append(sessions, s)
	}

	require.NoError(t, integration.Close())
	assert.Empty(t, integration.Sessions())
	for _, s := range sessions {
		assert.ErrorIs(t, s.ReceiveMedia(testPacket(1)), ErrSessionClosed)
	}
}

type simulatedLink struct {
	sender      *netsim.Endpoint
	receiver    *netsim.Endpoint
	integration *TransportIntegration
	clock       *mockTimeProvider
}

func newSimulatedLink(t *testing.T, drop netsim.DropFunc) *simulatedLink {
	t.Helper()

	network, err := netsim.NewNetwork(netsim.Config{Drop: drop})
	require.NoError(t, err)

	link := &simulatedLink{
		sender:   network.NewEndpoint(),
		receiver: network.NewEndpoint(),
		clock:    newMockTimeProvider(),
	}
	t.Cleanup(func() {
		link.sender.Close()
		link.receiver.Close()
	})

	link.integration, err = NewTransportIntegration(link.receiver)
	require.NoError(t, err)
	t.Cleanup(func() { link.integration.Close() })

	return link
}

func (l *simulatedLink) sessionConfig() SessionConfig {
	config := DefaultSessionConfig()
	config.TimeProvider = l.clock
	return config
}

func TestTransportIntegrationRecoversOverSimulatedNetwork(t *testing.T) {
	// Datagram 2 is the third media packet of the first group.
	link := newSimulatedLink(t, netsim.DropIndices(2))

	session, err := link.integration.CreateSession(link.sender.LocalAddr(), link.sessionConfig())
	require.NoError(t, err)

	packetizer, err := NewPacketizer(DefaultPacketizerConfig(), link.sender, link.receiver.LocalAddr())
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		require.NoError(t, packetizer.PacketizeAndSend([]byte{0x10, byte(i)}, 960, false))
		link.clock.Advance(20 * time.Millisecond)
	}

	stats := session.Statistics()
	assert.Equal(t, uint64(7), stats.MediaReceived)
	assert.Equal(t, uint64(2), stats.FECReceived)
	assert.Equal(t, uint64(1), stats.Recovered)
	assert.Equal(t, uint64(1), stats.FEC.NothingToDo)

	link.clock.Advance(200 * time.Millisecond)
	played := drain(session)
	require.Len(t, played, 8)
	for i, pkt := range played {
		assert.Equal(t, uint16(i), pkt.SequenceNumber)
		assert.Equal(t, []byte{0x10, byte(i)}, pkt.Payload)
	}
}

func TestTransportIntegrationRejectsForeignFEC(t *testing.T) {
	link := newSimulatedLink(t, netsim.DropIndices(0))

	config := link.sessionConfig()
	config.FECPayloadType = 100
	session, err := link.integration.CreateSession(link.sender.LocalAddr(), config)
	require.NoError(t, err)

	packetizer, err := NewPacketizer(DefaultPacketizerConfig(), link.sender, link.receiver.LocalAddr())
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, packetizer.PacketizeAndSend([]byte{byte(i)}, 960, false))
	}

	stats := session.Statistics()
	assert.Equal(t, uint64(3), stats.MediaReceived)
	assert.Zero(t, stats.FECReceived)
	assert.Zero(t, stats.Recovered)
}

func TestTransportIntegrationIgnoresUnknownSource(t *testing.T) {
	link := newSimulatedLink(t, nil)

	packetizer, err := NewPacketizer(DefaultPacketizerConfig(), link.sender, link.receiver.LocalAddr())
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, packetizer.PacketizeAndSend([]byte{byte(i)}, 960, false))
	}
	assert.Empty(t, link.integration.Sessions())
}
