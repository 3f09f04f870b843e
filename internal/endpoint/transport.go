package endpoint

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"

	"github.com/buildkite/subagent/internal/tlsconfig"
	"golang.org/x/net/http2"
)

// HTTPClient returns a client that speaks HTTP/2 to ep: h2c over unix
// sockets and plain http, TLS for https.
func HTTPClient(ep Endpoint, tlsOpts tlsconfig.Options) (*http.Client, error) {
	transport, err := transportFor(ep, tlsOpts)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: transport}, nil
}

func transportFor(ep Endpoint, tlsOpts tlsconfig.Options) (http.RoundTripper, error) {
	dialer := &net.Dialer{}

	switch ep.Scheme {
	case "https":
		tlsCfg, err := tlsconfig.ResolveClient(tlsOpts)
		if err != nil {
			return nil, err
		}
		return &http.Transport{
			Proxy:             http.ProxyFromEnvironment,
			TLSClientConfig:   tlsCfg,
			ForceAttemptHTTP2: true,
		}, nil
	case "unix":
		return &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", ep.Address)
			},
		}, nil
	}

	parsed, err := url.Parse(ep.BaseURL)
	if err != nil || parsed.Host == "" {
		return &http.Transport{}, nil
	}
	host := parsed.Host
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", host)
		},
	}, nil
}
