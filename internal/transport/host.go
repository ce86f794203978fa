package transport

import (
	"fmt"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
)

// defaultListenAddrs listens on every interface with an ephemeral port for
// both TCP and QUIC, letting the LAN class pick whichever completes a
// connection first.
var defaultListenAddrs = []string{
	"/ip4/0.0.0.0/tcp/0",
	"/ip4/0.0.0.0/udp/0/quic-v1",
	"/ip6/::/tcp/0",
	"/ip6/::/udp/0/quic-v1",
}

// NewHost builds the libp2p host backing the LAN and direct-radio transport
// classes: TCP + QUIC transports, the node's own Ed25519 identity, and the
// given listen addresses (empty = defaults).
func NewHost(priv crypto.PrivKey, listenAddrs []string) (host.Host, error) {
	if len(listenAddrs) == 0 {
		listenAddrs = defaultListenAddrs
	}
	hostOpts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(libp2pquic.NewTransport),
		libp2p.ListenAddrStrings(listenAddrs...),
		libp2p.NATPortMap(),
		libp2p.EnableHolePunching(),
	}
	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return nil, fmt.Errorf("transport: create libp2p host: %w", err)
	}
	return h, nil
}
