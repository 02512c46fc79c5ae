// Package netsim provides an in-memory lossy network for exercising FEC
// senders and receivers without sockets.
//
// A Network hands out Endpoints, each of which satisfies
// transport.Transport. Datagrams sent between endpoints are framed and
// parsed exactly as on the wire, then either dropped or delivered
// synchronously to the destination's registered handler.
//
// Loss is either random, driven by a seeded generator so runs repeat, or
// decided by a DropFunc for deterministic patterns:
//
//	network, _ := netsim.NewNetwork(netsim.Config{
//	    Drop: netsim.DropIndices(3, 9),
//	})
//	sender := network.NewEndpoint()
//	receiver := network.NewEndpoint()
//
// This implementation is for testing and simulation only.
package netsim
