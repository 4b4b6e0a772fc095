// Package tunnel publishes the HTTP API on a public HTTPS endpoint so the
// mobile client can register and poll printer state from outside the LAN.
package tunnel

import (
	"context"
	"net"
)

// Tunnel provides a listener whose traffic arrives via a public URL.
type Tunnel interface {
	// Start establishes the tunnel and returns the listener to serve on.
	Start(ctx context.Context) (net.Listener, error)
	// URL returns the public URL, empty until Start succeeds.
	URL() string
	Close() error
}
