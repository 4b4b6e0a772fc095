package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"golang.ngrok.com/ngrok"
	ngrokconfig "golang.ngrok.com/ngrok/config"
)

// Ngrok tunnels the API through ngrok's edge. Without a configured domain a
// random one is assigned per session (free plan); a fixed domain keeps the
// mobile client's endpoint stable across restarts.
type Ngrok struct {
	authToken string
	domain    string

	ln  net.Listener
	url string
}

// NewNgrok creates an Ngrok tunnel. domain may be empty.
func NewNgrok(authToken, domain string) *Ngrok {
	return &Ngrok{authToken: authToken, domain: domain}
}

// Start opens the tunnel and returns the listener to serve HTTP on.
func (n *Ngrok) Start(ctx context.Context) (net.Listener, error) {
	if n.authToken == "" {
		return nil, errors.New("ngrok authtoken is required (tunnel.authtoken or PRINTWATCH_NGROK_AUTHTOKEN)")
	}

	endpoint := ngrokconfig.HTTPEndpoint()
	if n.domain != "" {
		endpoint = ngrokconfig.HTTPEndpoint(ngrokconfig.WithDomain(n.domain))
	}

	ln, err := ngrok.Listen(ctx, endpoint, ngrok.WithAuthtoken(n.authToken))
	if err != nil {
		return nil, fmt.Errorf("opening ngrok tunnel: %w", err)
	}

	n.ln = ln
	n.url = ln.Addr().String()
	if !strings.HasPrefix(n.url, "http") {
		n.url = "https://" + n.url
	}

	slog.Info("tunnel established", "public_url", n.url)
	return ln, nil
}

// URL returns the public URL assigned by ngrok.
func (n *Ngrok) URL() string {
	return n.url
}

// Close tears the tunnel down.
func (n *Ngrok) Close() error {
	if n.ln == nil {
		return nil
	}
	err := n.ln.Close()
	n.ln = nil
	n.url = ""
	return err
}

var _ Tunnel = (*Ngrok)(nil)
