package proxy

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/tonproxy/tonproxy/tonproxy-srv/config"
)

// RouteKind selects how the relay engine handles a connection.
type RouteKind int

const (
	// RouteTunnel is an opaque byte tunnel (CONNECT).
	RouteTunnel RouteKind = iota
	// RouteForwardRewritten is a plain-HTTP exchange redirected to the
	// TON gateway.
	RouteForwardRewritten
	// RouteForwardAsIs is a plain-HTTP exchange to the original target.
	RouteForwardAsIs
)

func (k RouteKind) String() string {
	switch k {
	case RouteTunnel:
		return "tunnel"
	case RouteForwardRewritten:
		return "forward-rewritten"
	case RouteForwardAsIs:
		return "forward"
	}
	return "unknown"
}

// RouteDecision is produced once per connection and consumed by the
// relay engine.
type RouteDecision struct {
	Kind       RouteKind
	TargetAddr string // host:port the relay dials
	Authority  string // authority for the forwarded Host header (forward paths)
	RequestURI string // rewritten request-target (forward paths)
}

// Router classifies parsed requests against the TON domain set and picks
// the upstream target. It is pure and shares only the immutable config.
type Router struct {
	cfg     *config.Config
	matcher *DomainMatcher
	gateway *url.URL
}

// NewRouter builds a router from a validated config.
func NewRouter(cfg *config.Config, matcher *DomainMatcher) (*Router, error) {
	gw, err := url.Parse(cfg.TonGateway)
	if err != nil || gw.Host == "" {
		return nil, NewProxyError(ErrCodeConfigurationError, GetErrorDescription(ErrCodeConfigurationError),
			fmt.Errorf("ton_gateway %q is not an absolute URL", cfg.TonGateway))
	}
	return &Router{cfg: cfg, matcher: matcher, gateway: gw}, nil
}

// Route decides the upstream target and handling for one request.
func (rt *Router) Route(req *ParsedRequest) (RouteDecision, error) {
	if req.Method == http.MethodConnect {
		return rt.routeConnect(req)
	}
	return rt.routeForward(req)
}

// routeConnect handles CONNECT. The payload is opaque, so a matched host
// redirects the tunnel endpoint to the gateway rather than anything in
// the stream.
func (rt *Router) routeConnect(req *ParsedRequest) (RouteDecision, error) {
	host, port := splitAuthority(req.Target, "443")
	if host == "" {
		return RouteDecision{}, NewUnresolvableTargetError(fmt.Errorf("CONNECT target %q has no host", req.Target))
	}

	if rt.matcher.Matches(host) {
		gwPort := rt.gateway.Port()
		if gwPort == "" {
			gwPort = "443"
		}
		return RouteDecision{
			Kind:       RouteTunnel,
			TargetAddr: net.JoinHostPort(rt.gateway.Hostname(), gwPort),
		}, nil
	}

	return RouteDecision{
		Kind:       RouteTunnel,
		TargetAddr: net.JoinHostPort(host, port),
	}, nil
}

// routeForward handles plain HTTP verbs, in absolute-form (the normal
// proxy request shape) or origin-form with a Host header.
func (rt *Router) routeForward(req *ParsedRequest) (RouteDecision, error) {
	var authority, path string

	if strings.HasPrefix(req.Target, "http://") || strings.HasPrefix(req.Target, "https://") {
		u, err := url.Parse(req.Target)
		if err != nil {
			return RouteDecision{}, NewMalformedRequestError(fmt.Errorf("invalid request target %q: %w", req.Target, err))
		}
		authority = u.Host
		path = u.RequestURI()
	} else {
		authority = req.Host()
		path = req.Target
	}

	if authority == "" {
		return RouteDecision{}, NewUnresolvableTargetError(fmt.Errorf("no Host header and no absolute request target"))
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	host, port := splitAuthority(authority, "80")

	if rt.matcher.Matches(host) {
		gwPort := rt.gateway.Port()
		if gwPort == "" {
			// Rewritten exchanges are plain HTTP regardless of the
			// gateway URL scheme.
			gwPort = "80"
		}
		basePath := strings.TrimSuffix(rt.gateway.Path, "/")
		return RouteDecision{
			Kind:       RouteForwardRewritten,
			TargetAddr: net.JoinHostPort(rt.gateway.Hostname(), gwPort),
			Authority:  rt.gateway.Host,
			RequestURI: basePath + "/" + normalizeHost(host) + path,
		}, nil
	}

	return RouteDecision{
		Kind:       RouteForwardAsIs,
		TargetAddr: net.JoinHostPort(host, port),
		Authority:  authority,
		RequestURI: path,
	}, nil
}

// splitAuthority splits host[:port], defaulting the port. IPv6 literals
// keep their brackets stripped for dialing via JoinHostPort.
func splitAuthority(authority, defaultPort string) (host, port string) {
	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		host = strings.TrimSuffix(strings.TrimPrefix(authority, "["), "]")
		port = defaultPort
	}
	return host, port
}
