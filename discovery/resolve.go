package discovery

import (
	"fmt"
	"net"

	"github.com/TorrentDamDev/bittorrent/wire"
)

// resolveUDP is the production Resolver: a plain DNS lookup via
// net.ResolveUDPAddr, re-run on every reseed since the bootstrap's A
// records may rotate.
func resolveUDP(hostport string) (wire.PeerInfo, error) {
	addr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return wire.PeerInfo{}, fmt.Errorf("resolving %s: %w", hostport, err)
	}
	return wire.PeerInfo{IP: addr.IP, Port: uint16(addr.Port)}, nil
}
