package geolocation

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/anstrom/camwatch/internal/errors"
)

const defaultDNSTimeout = 3 * time.Second

// Resolver turns hostnames into IPv4 addresses before a lookup.
type Resolver struct {
	server string
	client *dns.Client
}

// NewResolver queries server ("host:port"). An empty server disables
// resolution and every address passes through unchanged.
func NewResolver(server string) *Resolver {
	if server != "" {
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}
	}
	return &Resolver{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: defaultDNSTimeout},
	}
}

// Resolve returns the first A record for host. IP literals are returned as is.
func (r *Resolver) Resolve(ctx context.Context, host string) (string, error) {
	if net.ParseIP(host) != nil || r.server == "" {
		return host, nil
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return "", errors.ErrNetwork(host, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return "", errors.NewWithTarget(errors.CodeNetwork,
			"dns lookup failed: "+dns.RcodeToString[in.Rcode], host)
	}
	for _, ans := range in.Answer {
		if a, ok := ans.(*dns.A); ok {
			return a.A.String(), nil
		}
	}
	return "", errors.NewWithTarget(errors.CodeNetwork, "no A record", host)
}
