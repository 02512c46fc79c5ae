// Package rtp is the receive and send side around the parity FEC engine.
//
// On the receive side a Session accepts media and FEC packets for one
// stream. Media packets are stamped by a SkewEstimator, which maps RTP
// timestamps onto the local clock, and held in a JitterBuffer keyed by
// sequence number. Each FEC packet is run through fec.Reconstructor while
// the buffer is locked, and a rebuilt packet is inserted where the lost one
// would have been:
//
//	session, err := rtp.NewSession(remoteAddr, rtp.DefaultSessionConfig())
//	if err != nil {
//	    return err
//	}
//	_ = session.ReceiveMedia(mediaPacket)
//	outcome, err := session.ReceiveFEC(fecPacket)
//	for {
//	    pkt, ok := session.Pop()
//	    if !ok {
//	        break
//	    }
//	    play(pkt)
//	}
//
// The jitter buffer releases packets in sequence order once they have
// waited for the configured latency, and keeps the last few played packets
// visible to the FEC engine. A lost packet can only be repaired before its
// playout slot passes, so the latency should cover the duration of one FEC
// group.
//
// On the send side a Packetizer stamps sequence numbers, timestamps and an
// SSRC onto media frames and follows every group of frames with a FEC
// packet. TransportIntegration binds sessions to a transport.Transport and
// routes incoming datagrams by source address.
//
// Sequence numbers are compared with wraparound-safe arithmetic throughout,
// so streams may cross the 16-bit rollover at any point.
package rtp
