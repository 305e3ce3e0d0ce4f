package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/camwatch/internal/bus"
	"github.com/anstrom/camwatch/internal/discovery"
	"github.com/anstrom/camwatch/internal/logging"
)

var (
	discoverPorts   string
	discoverScan    bool
	discoverTimeout time.Duration
)

// discoverCmd represents the discover command
var discoverCmd = &cobra.Command{
	Use:   "discover NETWORK...",
	Short: "Find web servers with nmap",
	Long: `Run an nmap connect scan over the given addresses, host names or CIDR
blocks (up to /16) and list every open port that serves HTTP. With --scan
each server found is announced on the message bus and scanned for
cameras. Requires the nmap binary on PATH.`,
	Example: `  camwatch discover 192.168.1.0/24
  camwatch discover 10.0.0.0/22 --ports 80,8000-8100 --scan`,
	Args:    cobra.MinimumNArgs(1),
	PreRunE: bindPipelineFlags,
	RunE:    runDiscover,
}

func init() {
	rootCmd.AddCommand(discoverCmd)
	addPipelineFlags(discoverCmd.Flags())

	discoverCmd.Flags().StringVar(&discoverPorts, "ports", "", "Ports to probe (default discovery.ports)")
	discoverCmd.Flags().BoolVar(&discoverScan, "scan", false, "Scan every server found for cameras")
	discoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", 2*time.Minute, "Maximum time to wait for scans with --scan")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ports := cfg.Discovery.Ports
	if discoverPorts != "" {
		ports = discoverPorts
	}
	if err := validatePorts(ports); err != nil {
		return fmt.Errorf("invalid port specification '%s': %w", ports, err)
	}

	logger := logging.Default()
	dcfg := discovery.Config{Ports: ports, Timeout: cfg.Discovery.Timeout}

	if !discoverScan {
		servers, err := discovery.New(dcfg, nil, discovery.WithLogger(logger)).
			Discover(cmd.Context(), args...)
		if err != nil {
			return err
		}
		printServers(cmd.OutOrStdout(), servers)
		return nil
	}

	p, err := newPipeline(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	c := collect(p.Bus(), bus.TypeScanResult)
	p.Start()

	servers, err := discovery.New(dcfg, p.Bus(), discovery.WithLogger(logger)).
		Discover(cmd.Context(), args...)
	if err != nil {
		_ = p.shutdown(serveShutdownTimeout)
		return err
	}
	printServers(cmd.OutOrStdout(), servers)

	// scans are queued asynchronously by the http_server_found subscriber
	ctx, cancel := withTimeout(cmd.Context(), discoverTimeout)
	defer cancel()
	if !c.waitFor(ctx, bus.TypeScanResult, len(servers)) {
		logger.Warn("Timed out waiting for scan results", "servers", len(servers))
	}
	if err := p.shutdown(serveShutdownTimeout); err != nil {
		logger.Warn("Pipeline shutdown incomplete", "error", err)
	}

	scans, _, _ := splitMessages(c.messages())
	fmt.Fprintln(cmd.OutOrStdout())
	printScanResults(cmd.OutOrStdout(), scans)
	return nil
}

func printServers(w io.Writer, servers []discovery.Server) {
	table := tablewriter.NewWriter(w)
	table.Header("URL", "Address", "Port", "Service")
	for _, s := range servers {
		_ = table.Append([]string{s.URL, s.Address, strconv.Itoa(int(s.Port)), s.Service})
	}
	_ = table.Render()
	fmt.Fprintf(w, "%d web servers found\n", len(servers))
}
