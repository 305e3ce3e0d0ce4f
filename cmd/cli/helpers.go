package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/anstrom/camwatch/internal/bus"
	"github.com/anstrom/camwatch/internal/config"
	"github.com/anstrom/camwatch/internal/db"
	"github.com/anstrom/camwatch/internal/logging"
	"github.com/anstrom/camwatch/internal/metrics"
	"github.com/anstrom/camwatch/internal/watcher"
)

const (
	maxPortNumber   = 65535
	databaseTimeout = 10 * time.Second
)

// pipeline is a watcher plus the optional database behind its store.
type pipeline struct {
	*watcher.Watcher
	database *db.DB
}

// newPipeline builds a watcher from cfg. When the database is enabled the
// schema is migrated and results are persisted.
func newPipeline(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pipeline, error) {
	m := metrics.Default()
	opts := []watcher.Option{watcher.WithMetrics(m), watcher.WithLogger(logger)}

	var database *db.DB
	if cfg.Database.Enabled {
		dbCtx, cancel := context.WithTimeout(ctx, databaseTimeout)
		defer cancel()

		var err error
		database, err = db.ConnectAndMigrate(dbCtx, &cfg.Database.Config)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		opts = append(opts, watcher.WithStore(db.NewStore(database, m)))
	}

	w, err := watcher.New(cfg, opts...)
	if err != nil {
		if database != nil {
			_ = database.Close()
		}
		return nil, err
	}
	return &pipeline{Watcher: w, database: database}, nil
}

// shutdown drains the pipeline within timeout and closes the database.
func (p *pipeline) shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := p.Shutdown(ctx)
	if p.database != nil {
		if cerr := p.database.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// collector records bus messages of the given types.
type collector struct {
	mu   sync.Mutex
	msgs []bus.Message
	sub  *bus.Subscription
	seen chan struct{}
}

func collect(b *bus.Bus, types ...bus.Type) *collector {
	c := &collector{seen: make(chan struct{}, 1)}
	c.sub = b.Subscribe(bus.ByType(types...), func(msg bus.Message) {
		c.mu.Lock()
		c.msgs = append(c.msgs, msg)
		c.mu.Unlock()
		select {
		case c.seen <- struct{}{}:
		default:
		}
	})
	return c
}

func (c *collector) messages() []bus.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.Message(nil), c.msgs...)
}

func (c *collector) count(t bus.Type) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.msgs {
		if m.Type == t {
			n++
		}
	}
	return n
}

// waitFor blocks until at least n messages of type t have arrived or ctx
// is done.
func (c *collector) waitFor(ctx context.Context, t bus.Type, n int) bool {
	for c.count(t) < n {
		select {
		case <-c.seen:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// parseTargets merges positional arguments with a comma-separated list.
func parseTargets(args []string, list string) []string {
	var targets []string
	seen := make(map[string]bool)
	add := func(t string) {
		t = strings.TrimSpace(t)
		if t != "" && !seen[t] {
			seen[t] = true
			targets = append(targets, t)
		}
	}
	for _, a := range args {
		add(a)
	}
	for _, t := range strings.Split(list, ",") {
		add(t)
	}
	return targets
}

// validatePorts checks an nmap style port list such as "80,443,8000-8100".
func validatePorts(ports string) error {
	if strings.TrimSpace(ports) == "" {
		return fmt.Errorf("empty port specification")
	}

	for _, part := range strings.Split(ports, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.Contains(part, "-") {
			rangeParts := strings.Split(part, "-")
			if len(rangeParts) != 2 {
				return fmt.Errorf("invalid port range: %s", part)
			}
			start, err := parsePort(rangeParts[0])
			if err != nil {
				return err
			}
			end, err := parsePort(rangeParts[1])
			if err != nil {
				return err
			}
			if start > end {
				return fmt.Errorf("invalid port range: %s (start > end)", part)
			}
			continue
		}

		if _, err := parsePort(part); err != nil {
			return err
		}
	}
	return nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid port: %s", s)
	}
	if port < 1 || port > maxPortNumber {
		return 0, fmt.Errorf("port out of range: %d", port)
	}
	return port, nil
}

// printScanResults renders scan results sorted by target.
func printScanResults(w io.Writer, results []bus.ScanResultPayload) {
	sort.Slice(results, func(i, j int) bool { return results[i].Target < results[j].Target })

	table := tablewriter.NewWriter(w)
	table.Header("Target", "Title", "Camera", "Status", "Error", "Duration")
	for _, r := range results {
		camera := "no"
		if r.IsCamera {
			camera = "yes"
		}
		status := "-"
		if r.StatusCode != 0 {
			status = strconv.Itoa(r.StatusCode)
		}
		_ = table.Append([]string{
			r.Target,
			truncate(r.Title, 48),
			camera,
			status,
			r.Error,
			(time.Duration(r.DurationMS) * time.Millisecond).String(),
		})
	}
	_ = table.Render()
}

// printLocations renders geolocation results sorted by address.
func printLocations(w io.Writer, locations []bus.GeolocationResultPayload) {
	sort.Slice(locations, func(i, j int) bool { return locations[i].Address < locations[j].Address })

	table := tablewriter.NewWriter(w)
	table.Header("Address", "City", "Region", "Country", "Org")
	for _, l := range locations {
		_ = table.Append([]string{l.Address, l.City, l.Region, l.Country, l.Org})
	}
	_ = table.Render()
}

// printErrors lists error messages, one per line.
func printErrors(w io.Writer, errs []bus.ErrorPayload) {
	for _, e := range errs {
		if e.Target != "" {
			fmt.Fprintf(w, "%s error for %s: %s (%s)\n", e.Source, e.Target, e.Message, e.Kind)
		} else {
			fmt.Fprintf(w, "%s error: %s (%s)\n", e.Source, e.Message, e.Kind)
		}
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// splitMessages sorts collected messages by payload type.
func splitMessages(msgs []bus.Message) (
	scans []bus.ScanResultPayload, locations []bus.GeolocationResultPayload, errs []bus.ErrorPayload,
) {
	for _, m := range msgs {
		switch p := m.Payload.(type) {
		case bus.ScanResultPayload:
			scans = append(scans, p)
		case bus.GeolocationResultPayload:
			locations = append(locations, p)
		case bus.ErrorPayload:
			errs = append(errs, p)
		}
	}
	return scans, locations, errs
}
