// Package factory builds the transport used by senders and receivers,
// either a real UDP socket or an endpoint on an in-memory lossy network.
//
// # Configuration
//
// The factory starts from defaults and applies environment overrides:
//   - RTPFEC_USE_SIMULATION: "true" or "false" to enable simulation mode
//   - RTPFEC_LOSS_RATE: simulated loss probability between 0 and 1
//   - RTPFEC_SEED: integer seed for simulated loss
//   - RTPFEC_LISTEN_ADDR: UDP listen address
//
// # Usage
//
//	f := factory.NewTransportFactory()
//	tr, err := f.CreateTransport()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tr.Close()
//
// In simulation mode every transport created by one factory is an endpoint
// on the same network, so a sender and a receiver built from it can reach
// each other.
package factory
