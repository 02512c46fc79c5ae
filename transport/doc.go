// Package transport carries framed media and FEC datagrams.
//
// Every datagram starts with a one-byte PacketType followed by a complete
// RTP packet:
//
//	[packet type (1 byte)][RTP packet (variable length)]
//
// The Transport interface is satisfied by UDPTransport and by the in-memory
// simulator in package netsim, so senders and receivers can be tested over
// a lossy link without sockets:
//
//	transport, err := transport.NewUDPTransport("127.0.0.1:0")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer transport.Close()
//
//	transport.RegisterHandler(transport.PacketFEC, func(p *transport.Packet, addr net.Addr) error {
//	    // p.Data is the RTP-framed FEC packet
//	    return nil
//	})
//
// Handlers are invoked sequentially from the read loop, so packets from one
// peer are seen in arrival order.
package transport
