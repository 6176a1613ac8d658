package transport

import (
	"fmt"
	"net"
	"strings"
)

// Scheme prefixes accepted by Resolve. "unix://" is the reserved local
// scheme; everything else is TCP.
const (
	schemeTCP  = "tcp://"
	schemeUnix = "unix://"
)

// Resolve maps a connection address to the network and dial address of
// the underlying socket.
//
//	"tcp://host:port"  → ("tcp", "host:port")
//	"host:port"        → ("tcp", "host:port")
//	"unix:///run/x.sock" → ("unix", "/run/x.sock")
func Resolve(addr string) (network, address string, err error) {
	if path, ok := strings.CutPrefix(addr, schemeUnix); ok {
		if path == "" {
			return "", "", fmt.Errorf("empty unix socket path in %q", addr)
		}
		return "unix", path, nil
	}

	hostport := strings.TrimPrefix(addr, schemeTCP)
	if _, _, err := net.SplitHostPort(hostport); err != nil {
		return "", "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return "tcp", hostport, nil
}
