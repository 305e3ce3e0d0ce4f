// Package discovery finds web servers on a network with nmap. Each open
// port becomes an http_server_found message, which the watcher turns into
// a scan.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/Ullaakut/nmap/v3"

	"github.com/anstrom/camwatch/internal/bus"
	"github.com/anstrom/camwatch/internal/errors"
	"github.com/anstrom/camwatch/internal/logging"
)

const (
	defaultPorts   = "80,8080"
	defaultTimeout = 5 * time.Minute
	// Limit to /16 or smaller IPv4 networks
	minPrefixBits = 16
)

// Runner executes an nmap scan built from opts.
type Runner interface {
	Run(ctx context.Context, opts ...nmap.Option) (*nmap.Run, error)
}

// Publisher emits bus messages.
type Publisher interface {
	Emit(t bus.Type, producer string, payload any) bool
}

// Config holds discovery settings.
type Config struct {
	// Ports is an nmap port list such as "80,443,8000-8100".
	Ports   string
	Timeout time.Duration
}

// Server is a reachable web server.
type Server struct {
	URL     string `json:"url"`
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Service string `json:"service,omitempty"`
}

// Discoverer runs port scans and announces the servers it finds.
type Discoverer struct {
	cfg       Config
	runner    Runner
	publisher Publisher
	logger    *logging.Logger
}

// Option configures a Discoverer.
type Option func(*Discoverer)

// WithRunner replaces the nmap runner.
func WithRunner(r Runner) Option {
	return func(d *Discoverer) { d.runner = r }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Discoverer) { d.logger = l }
}

// New creates a discoverer. pub may be nil when discovered servers are
// only returned to the caller.
func New(cfg Config, pub Publisher, opts ...Option) *Discoverer {
	if cfg.Ports == "" {
		cfg.Ports = defaultPorts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	d := &Discoverer{
		cfg:       cfg,
		runner:    nmapRunner{},
		publisher: pub,
		logger:    logging.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.WithComponent("discovery")
	return d
}

// Discover scans networks, which may be addresses, hostnames or CIDR
// blocks, and returns every open web port found.
func (d *Discoverer) Discover(ctx context.Context, networks ...string) ([]Server, error) {
	if len(networks) == 0 {
		return nil, errors.New(errors.CodeValidation, "no networks to discover")
	}
	for _, n := range networks {
		if err := validateNetwork(n); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	start := time.Now()
	run, err := d.runner.Run(ctx, buildOptions(networks, d.cfg)...)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.Wrap(errors.CodeTimeout, "nmap discovery timed out", err)
		}
		return nil, errors.Wrap(errors.CodeScanFailed, "nmap discovery failed", err)
	}

	var servers []Server
	for i := range run.Hosts {
		servers = append(servers, webServers(&run.Hosts[i])...)
	}

	for _, s := range servers {
		if d.publisher != nil {
			d.publisher.Emit(bus.TypeHTTPServerFound, bus.SourceDiscovery, bus.HTTPServerFoundPayload{URL: s.URL})
		}
		d.logger.Debug("Web server found", "url", s.URL, "service", s.Service)
	}

	d.logger.Info("Discovery completed",
		"networks", strings.Join(networks, ","),
		"hosts", len(run.Hosts),
		"servers", len(servers),
		"duration", time.Since(start))
	return servers, nil
}

func buildOptions(networks []string, cfg Config) []nmap.Option {
	options := []nmap.Option{
		nmap.WithTargets(networks...),
		nmap.WithPorts(cfg.Ports),
		nmap.WithConnectScan(), // no root needed
		nmap.WithServiceInfo(),
		nmap.WithSkipHostDiscovery(), // cameras often drop ping
	}

	if cfg.Timeout <= time.Minute {
		options = append(options, nmap.WithTimingTemplate(nmap.TimingAggressive))
	} else {
		options = append(options, nmap.WithTimingTemplate(nmap.TimingNormal))
	}
	return options
}

// validateNetwork rejects empty targets and IPv4 blocks larger than /16.
func validateNetwork(network string) error {
	network = strings.TrimSpace(network)
	if network == "" {
		return errors.ErrInvalidTarget(network)
	}
	if !strings.Contains(network, "/") {
		return nil
	}

	_, ipnet, err := net.ParseCIDR(network)
	if err != nil {
		return errors.WrapWithTarget(errors.CodeValidation, "invalid CIDR", network, err)
	}
	ones, bits := ipnet.Mask.Size()
	if bits == 32 && ones < minPrefixBits {
		return errors.NewWithTarget(errors.CodeValidation,
			fmt.Sprintf("network too large, use /%d or smaller", minPrefixBits), network)
	}
	return nil
}

// webServers lists the open ports of host that can speak HTTP.
func webServers(host *nmap.Host) []Server {
	if len(host.Addresses) == 0 || host.Status.State == "down" {
		return nil
	}
	address := hostAddress(host)

	var servers []Server
	for i := range host.Ports {
		p := &host.Ports[i]
		if p.State.State != "open" || p.Protocol != "tcp" || !speaksHTTP(p.Service) {
			continue
		}
		servers = append(servers, Server{
			URL:     serverURL(address, p.ID, isTLS(p.ID, p.Service)),
			Address: address,
			Port:    p.ID,
			Service: p.Service.Name,
		})
	}
	return servers
}

// hostAddress prefers the IP address over any MAC reported by nmap.
func hostAddress(host *nmap.Host) string {
	for _, a := range host.Addresses {
		if a.AddrType == "ipv4" || a.AddrType == "ipv6" {
			return a.Addr
		}
	}
	return host.Addresses[0].Addr
}

// speaksHTTP is true for unidentified services and anything nmap names
// http, https-alt, http-proxy and so on.
func speaksHTTP(s nmap.Service) bool {
	name := strings.ToLower(s.Name)
	return name == "" || strings.Contains(name, "http") || name == "ssl"
}

func isTLS(port uint16, s nmap.Service) bool {
	name := strings.ToLower(s.Name)
	return s.Tunnel == "ssl" || name == "https" || name == "ssl" || port == 443 || port == 8443
}

func serverURL(address string, port uint16, tls bool) string {
	scheme, defaultPort := "http", uint16(80)
	if tls {
		scheme, defaultPort = "https", 443
	}
	host := address
	if strings.Contains(address, ":") {
		host = "[" + address + "]"
	}
	if port == defaultPort {
		return scheme + "://" + host
	}
	return scheme + "://" + net.JoinHostPort(address, strconv.Itoa(int(port)))
}

type nmapRunner struct{}

func (nmapRunner) Run(ctx context.Context, opts ...nmap.Option) (*nmap.Run, error) {
	scanner, err := nmap.NewScanner(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create nmap scanner: %w", err)
	}

	result, warnings, err := scanner.Run()
	if err != nil {
		return nil, err
	}
	if warnings != nil && len(*warnings) > 0 {
		logging.Warn("Discovery completed with warnings", "warnings", *warnings)
	}
	return result, nil
}
