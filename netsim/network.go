package netsim

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"

	"github.com/opd-ai/rtpfec/transport"
	"github.com/sirupsen/logrus"
)

var (
	// ErrEndpointClosed indicates Send on a closed endpoint.
	ErrEndpointClosed = errors.New("endpoint closed")

	// ErrUnknownDestination indicates no endpoint owns the address.
	ErrUnknownDestination = errors.New("unknown destination")
)

// DropFunc decides whether the index-th datagram sent on a network is lost.
// Indices start at zero.
type DropFunc func(index uint64, packet *transport.Packet) bool

// DropIndices drops the datagrams with the given indices.
func DropIndices(indices ...uint64) DropFunc {
	drop := make(map[uint64]struct{}, len(indices))
	for _, i := range indices {
		drop[i] = struct{}{}
	}
	return func(index uint64, _ *transport.Packet) bool {
		_, ok := drop[index]
		return ok
	}
}

// DropEveryNth drops every n-th datagram of packetType, counting from one.
func DropEveryNth(n uint64, packetType transport.PacketType) DropFunc {
	var seen uint64
	return func(_ uint64, packet *transport.Packet) bool {
		if n == 0 || packet.PacketType != packetType {
			return false
		}
		seen++
		return seen%n == 0
	}
}

// Config controls loss on a Network.
type Config struct {
	// LossRate is the probability, 0 to 1, that a datagram is dropped.
	LossRate float64
	// Seed seeds the loss generator.
	Seed int64
	// Drop, when set, replaces random loss.
	Drop DropFunc
}

// Stats counts datagrams on a Network.
type Stats struct {
	Sent          uint64
	Delivered     uint64
	Dropped       uint64
	Undeliverable uint64
}

// DeliveryRecord describes one datagram for test verification.
type DeliveryRecord struct {
	Index      uint64
	From       string
	To         string
	PacketType transport.PacketType
	Size       int
	Dropped    bool
	Error      error
}

// Addr is the address of a simulated endpoint.
type Addr string

// Network returns the simulated network name.
func (a Addr) Network() string { return "sim" }

func (a Addr) String() string { return string(a) }

// Network is a set of endpoints joined by a lossy link.
type Network struct {
	mu          sync.Mutex
	config      Config
	rng         *rand.Rand
	endpoints   map[string]*Endpoint
	nextID      int
	sent        uint64
	stats       Stats
	deliveryLog []DeliveryRecord
	keepLog     bool
}

// NewNetwork creates an empty simulated network.
func NewNetwork(config Config) (*Network, error) {
	if config.LossRate < 0 || config.LossRate > 1 {
		return nil, fmt.Errorf("loss rate %v outside [0, 1]", config.LossRate)
	}

	logrus.Warn("SIMULATION FUNCTION - NOT A REAL OPERATION")
	logrus.WithFields(logrus.Fields{
		"function":  "NewNetwork",
		"loss_rate": config.LossRate,
		"seed":      config.Seed,
		"pattern":   config.Drop != nil,
	}).Info("Creating simulated network")

	return &Network{
		config:    config,
		rng:       rand.New(rand.NewSource(config.Seed)),
		endpoints: make(map[string]*Endpoint),
	}, nil
}

// RecordDeliveries turns the delivery log on or off.
func (n *Network) RecordDeliveries(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.keepLog = enabled
}

// NewEndpoint attaches a new endpoint with a fresh address.
func (n *Network) NewEndpoint() *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	addr := Addr(fmt.Sprintf("sim-%d", n.nextID))
	endpoint := &Endpoint{
		network:  n,
		addr:     addr,
		handlers: make(map[transport.PacketType]transport.PacketHandler),
	}
	n.endpoints[string(addr)] = endpoint

	return endpoint
}

func (n *Network) detach(addr Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.endpoints, string(addr))
}

// deliver frames packet, applies loss and hands it to the destination.
// The handler runs outside the network lock.
func (n *Network) deliver(from Addr, packet *transport.Packet, to net.Addr) error {
	data, err := packet.Serialize()
	if err != nil {
		return err
	}

	n.mu.Lock()
	index := n.sent
	n.sent++
	n.stats.Sent++

	record := DeliveryRecord{
		Index:      index,
		From:       string(from),
		To:         to.String(),
		PacketType: packet.PacketType,
		Size:       len(data),
	}

	dest, exists := n.endpoints[to.String()]
	switch {
	case n.dropLocked(index, packet):
		n.stats.Dropped++
		record.Dropped = true
	case !exists:
		n.stats.Undeliverable++
		record.Error = fmt.Errorf("%w: %s", ErrUnknownDestination, to.String())
	default:
		n.stats.Delivered++
	}
	if n.keepLog {
		n.deliveryLog = append(n.deliveryLog, record)
	}
	n.mu.Unlock()

	if record.Dropped {
		logrus.WithFields(logrus.Fields{
			"function":    "Network.deliver",
			"index":       index,
			"packet_type": packet.PacketType.String(),
			"to":          to.String(),
		}).Debug("Simulated loss")
		return nil
	}
	if record.Error != nil {
		return record.Error
	}

	received, err := transport.ParsePacket(data)
	if err != nil {
		return err
	}
	dest.dispatch(received, from)
	return nil
}

func (n *Network) dropLocked(index uint64, packet *transport.Packet) bool {
	if n.config.Drop != nil {
		return n.config.Drop(index, packet)
	}
	return n.config.LossRate > 0 && n.rng.Float64() < n.config.LossRate
}

// Stats returns the network counters.
func (n *Network) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.stats
}

// DeliveryLog returns a copy of the recorded deliveries.
func (n *Network) DeliveryLog() []DeliveryRecord {
	n.mu.Lock()
	defer n.mu.Unlock()

	log := make([]DeliveryRecord, len(n.deliveryLog))
	copy(log, n.deliveryLog)
	return log
}
