package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/rtpfec/limits"
	"github.com/sirupsen/logrus"
)

// readTimeout bounds each read so the loop notices Close.
const readTimeout = 100 * time.Millisecond

// UDPTransport implements Transport over a UDP socket.
type UDPTransport struct {
	conn     net.PacketConn
	handlers map[PacketType]PacketHandler
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewUDPTransport creates a new UDP transport listener.
func NewUDPTransport(listenAddr string) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	transport := &UDPTransport{
		conn:     conn,
		handlers: make(map[PacketType]PacketHandler),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewUDPTransport",
		"local_addr": conn.LocalAddr().String(),
	}).Info("UDP transport listening")

	go transport.processPackets()

	return transport, nil
}

// RegisterHandler registers a handler for a specific packet type.
func (t *UDPTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handlers[packetType] = handler
}

// Send sends a packet to the specified address.
func (t *UDPTransport) Send(packet *Packet, addr net.Addr) error {
	data, err := packet.Serialize()
	if err != nil {
		return err
	}

	_, err = t.conn.WriteTo(data, addr)
	return err
}

// Close shuts down the transport and waits for the read loop to exit.
func (t *UDPTransport) Close() error {
	t.cancel()
	err := t.conn.Close()
	<-t.done
	return err
}

// processPackets handles incoming packets until the transport is closed.
func (t *UDPTransport) processPackets() {
	defer close(t.done)
	buffer := make([]byte, limits.MaxDatagram)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			t.processIncomingPacket(buffer)
		}
	}
}

// processIncomingPacket reads and dispatches a single incoming packet.
func (t *UDPTransport) processIncomingPacket(buffer []byte) {
	_ = t.conn.SetReadDeadline(time.Now().Add(readTimeout))

	n, addr, err := t.conn.ReadFrom(buffer)
	if err != nil {
		t.handleReadError(err)
		return
	}

	packet, err := ParsePacket(buffer[:n])
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "UDPTransport.processIncomingPacket",
			"remote_addr": addr.String(),
			"size":        n,
			"error":       err.Error(),
		}).Debug("Dropping unparseable datagram")
		return
	}

	t.dispatchPacketToHandler(packet, addr)
}

func (t *UDPTransport) handleReadError(err error) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return
	}
	if t.ctx.Err() != nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "UDPTransport.handleReadError",
		"error":    err.Error(),
	}).Warn("UDP read failed")
}

// dispatchPacketToHandler runs the handler registered for the packet type.
// Handlers run on the read goroutine so packets of one source are handled
// in arrival order.
func (t *UDPTransport) dispatchPacketToHandler(packet *Packet, addr net.Addr) {
	t.mu.RLock()
	handler, exists := t.handlers[packet.PacketType]
	t.mu.RUnlock()

	if !exists {
		return
	}
	if err := handler(packet, addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "UDPTransport.dispatchPacketToHandler",
			"packet_type": packet.PacketType.String(),
			"remote_addr": addr.String(),
			"error":       err.Error(),
		}).Debug("Packet handler returned error")
	}
}

// LocalAddr returns the local address the transport is listening on.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}
