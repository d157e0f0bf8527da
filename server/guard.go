package server

import (
	"net"

	"golang.org/x/net/netutil"
)

// guard applies the connection-level limits to ln. Header read and idle
// timeouts are enforced by the http.Server built in New; connections that
// miss them are closed before any handler runs.
func (s *Server) guard(ln net.Listener) net.Listener {
	if s.config.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConns)
	}
	return ln
}
