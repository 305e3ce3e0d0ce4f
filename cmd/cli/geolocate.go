package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/camwatch/internal/bus"
	"github.com/anstrom/camwatch/internal/logging"
	"github.com/anstrom/camwatch/internal/watcher"
)

var (
	geolocateTimeout time.Duration
	geolocateJSON    bool
)

// geolocateCmd represents the geolocate command
var geolocateCmd = &cobra.Command{
	Use:   "geolocate ADDRESS...",
	Short: "Look up the location of addresses or host names",
	Long: `Queue each address on the background geolocation worker and print the
results. Host names are resolved first, through geolocation.dns_server
when it is set.`,
	Example: `  camwatch geolocate 203.0.113.7
  camwatch geolocate cam.example.com 198.51.100.20 --json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGeolocate,
}

func init() {
	rootCmd.AddCommand(geolocateCmd)

	geolocateCmd.Flags().DurationVar(&geolocateTimeout, "timeout", time.Minute, "Maximum time to wait for all lookups")
	geolocateCmd.Flags().BoolVar(&geolocateJSON, "json", false, "Print results as JSON")
}

func runGeolocate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Geolocation.Enabled = true
	cfg.Geolocation.AutoLocateCameras = false

	w, err := watcher.New(cfg, watcher.WithLogger(logging.Default()))
	if err != nil {
		return err
	}
	c := collect(w.Bus(), bus.TypeGeolocationResult, bus.TypeError)
	w.Start()

	for _, addr := range parseTargets(args, "") {
		if err := w.EnqueueGeolocation(addr); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "skipping %s: %v\n", addr, err)
		}
	}

	ctx, cancel := withTimeout(cmd.Context(), geolocateTimeout)
	defer cancel()
	if err := w.Shutdown(ctx); err != nil {
		logging.Warn("Geolocation queue not drained", "error", err)
	}

	_, locations, errs := splitMessages(c.messages())
	if geolocateJSON {
		return printJSON(cmd.OutOrStdout(), struct {
			Locations []bus.GeolocationResultPayload `json:"locations"`
			Errors    []bus.ErrorPayload             `json:"errors,omitempty"`
		}{locations, errs})
	}

	printLocations(cmd.OutOrStdout(), locations)
	printErrors(cmd.ErrOrStderr(), errs)
	return nil
}
