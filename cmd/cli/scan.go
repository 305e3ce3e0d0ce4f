package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/camwatch/internal/bus"
	"github.com/anstrom/camwatch/internal/logging"
)

var (
	scanTargets string
	scanTimeout time.Duration
	scanLocate  bool
	scanJSON    bool
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan [target...]",
	Short: "Check targets for network cameras",
	Long: `Fetch each target, extract the page title and match it against the
detection rules. Targets are host names, addresses or http(s) URLs; a bare
host is fetched over http.

With --locate every camera found is also geolocated.`,
	Example: `  camwatch scan 192.168.1.10
  camwatch scan --targets "10.0.0.5,cam.local:8080" --locate
  camwatch scan https://203.0.113.7 --json`,
	PreRunE: bindPipelineFlags,
	RunE:    runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	addPipelineFlags(scanCmd.Flags())

	scanCmd.Flags().StringVar(&scanTargets, "targets", "", "Comma-separated list of targets to scan")
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 2*time.Minute, "Maximum time to wait for all results")
	scanCmd.Flags().BoolVar(&scanLocate, "locate", false, "Geolocate every camera found")
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "Print results as JSON")
}

// scanOutput is the --json document.
type scanOutput struct {
	Results   []bus.ScanResultPayload        `json:"results"`
	Locations []bus.GeolocationResultPayload `json:"locations,omitempty"`
	Errors    []bus.ErrorPayload             `json:"errors,omitempty"`
}

func runScan(cmd *cobra.Command, args []string) error {
	targets := parseTargets(args, scanTargets)
	if len(targets) == 0 {
		return fmt.Errorf("no targets given; pass them as arguments or with --targets")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if scanLocate {
		cfg.Geolocation.Enabled = true
		cfg.Geolocation.AutoLocateCameras = true
	}

	logger := logging.Default()
	p, err := newPipeline(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}

	c := collect(p.Bus(), bus.TypeScanResult, bus.TypeGeolocationResult, bus.TypeError)
	p.Start()

	for _, target := range targets {
		req, err := p.Scan(target)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "skipping %s: %v\n", target, err)
			continue
		}
		logger.Debug("Scan queued", "request_id", req.ID, "target", req.Target)
	}

	// Shutdown drains the queue, then the geolocation lookups it caused.
	if err := p.shutdown(scanTimeout); err != nil {
		logger.Warn("Pipeline shutdown incomplete", "error", err)
	}

	scans, locations, errs := splitMessages(c.messages())
	if scanJSON {
		return printJSON(cmd.OutOrStdout(), scanOutput{Results: scans, Locations: locations, Errors: errs})
	}

	out := cmd.OutOrStdout()
	printScanResults(out, scans)
	if len(locations) > 0 {
		fmt.Fprintln(out)
		printLocations(out, locations)
	}

	cameras := 0
	for _, s := range scans {
		if s.IsCamera {
			cameras++
		}
	}
	fmt.Fprintf(out, "\n%d targets scanned, %d cameras found\n", len(scans), cameras)
	if verbose {
		printErrors(cmd.ErrOrStderr(), errs)
	}
	return nil
}

// withTimeout is a context bounded by d unless d is zero.
func withTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}
