package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/camwatch/internal/bus"
	"github.com/anstrom/camwatch/internal/config"
	"github.com/anstrom/camwatch/internal/db"
	"github.com/anstrom/camwatch/internal/detection"
	"github.com/anstrom/camwatch/internal/discovery"
)

func TestValidatePorts(t *testing.T) {
	tests := []struct {
		name    string
		ports   string
		wantErr bool
	}{
		{name: "single port", ports: "80"},
		{name: "port list", ports: "80,443,8080"},
		{name: "port range", ports: "8000-8100"},
		{name: "mixed with spaces", ports: "80, 554 ,8000-8100"},
		{name: "trailing comma", ports: "80,"},
		{name: "empty", ports: "", wantErr: true},
		{name: "blank", ports: "   ", wantErr: true},
		{name: "too high", ports: "65536", wantErr: true},
		{name: "zero", ports: "0", wantErr: true},
		{name: "reversed range", ports: "443-80", wantErr: true},
		{name: "too many range parts", ports: "80-443-8080", wantErr: true},
		{name: "not a number", ports: "80,abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePorts(tt.ports)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParsePort(t *testing.T) {
	port, err := parsePort(" 8080 ")
	require.NoError(t, err)
	assert.Equal(t, 8080, port)

	_, err = parsePort("70000")
	assert.ErrorContains(t, err, "out of range")

	_, err = parsePort("http")
	assert.ErrorContains(t, err, "invalid port")
}

func TestParseTargets(t *testing.T) {
	tests := []struct {
		name string
		args []string
		list string
		want []string
	}{
		{name: "nothing", want: nil},
		{name: "args only", args: []string{"a.example", "b.example"}, want: []string{"a.example", "b.example"}},
		{name: "list only", list: "a.example, b.example", want: []string{"a.example", "b.example"}},
		{
			name: "args before list, duplicates dropped",
			args: []string{"b.example", "a.example"},
			list: "a.example,c.example,,b.example",
			want: []string{"b.example", "a.example", "c.example"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseTargets(tt.args, tt.list))
		})
	}
}

func TestApplyOverrides(t *testing.T) {
	v := viper.New()
	v.Set("scanning.workers", 7)
	v.Set("scanning.timeout", "3s")
	v.Set("scanning.rate_limit", 2.5)
	v.Set("detection.case_insensitive", true)
	v.Set("geolocation.enabled", true)
	v.Set("api.port", 9090)
	v.Set("database.host", "db.internal")
	v.Set("schedule.cron", "@every 10m")
	v.Set("nats.url", "nats://nats:4222")
	v.Set("logging.level", "debug")

	cfg := config.Default()
	applyOverrides(cfg, v)

	assert.Equal(t, 7, cfg.Scanning.Workers)
	assert.Equal(t, 3*time.Second, cfg.Scanning.Timeout)
	assert.InDelta(t, 2.5, cfg.Scanning.RateLimit, 0.001)
	assert.True(t, cfg.Detection.CaseInsensitive)
	assert.True(t, cfg.Geolocation.Enabled)
	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "@every 10m", cfg.Schedule.Cron)
	assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestBindChangedFlags(t *testing.T) {
	v := viper.New()
	v.SetDefault("scanning.workers", 8)
	v.SetDefault("detection.rules_file", "rules.json")

	fs := pflag.NewFlagSet("scan", pflag.ContinueOnError)
	addPipelineFlags(fs)
	require.NoError(t, fs.Parse([]string{"--workers", "3"}))

	require.NoError(t, bindChangedFlags(v, fs, pipelineFlags))
	assert.Equal(t, 3, v.GetInt("scanning.workers"))
	// --rules was not given, so the zero flag value must not win
	assert.Equal(t, "rules.json", v.GetString("detection.rules_file"))
}

func TestSplitMessages(t *testing.T) {
	msgs := []bus.Message{
		bus.NewMessage(bus.TypeScanResult, bus.SourceScan, bus.ScanResultPayload{Target: "http://a"}),
		bus.NewMessage(bus.TypeGeolocationResult, bus.SourceGeolocation, bus.GeolocationResultPayload{Address: "1.2.3.4"}),
		bus.NewMessage(bus.TypeError, bus.SourceGeolocation, bus.ErrorPayload{Message: "boom"}),
		bus.NewMessage(bus.TypeScanResult, bus.SourceScan, bus.ScanResultPayload{Target: "http://b"}),
		bus.NewMessage(bus.TypeMJPEGFrame, bus.SourceStream, bus.MJPEGFramePayload{Seq: 1}),
	}

	scans, locations, errs := splitMessages(msgs)
	assert.Len(t, scans, 2)
	assert.Len(t, locations, 1)
	require.Len(t, errs, 1)
	assert.Equal(t, "boom", errs[0].Message)
}

func TestCollectorWaitFor(t *testing.T) {
	b := bus.New()
	defer b.Close()

	c := collect(b, bus.TypeScanResult)
	b.Emit(bus.TypeScanResult, bus.SourceScan, bus.ScanResultPayload{Target: "http://a"})
	b.Emit(bus.TypeError, bus.SourceScan, bus.ErrorPayload{Message: "ignored"})
	b.Emit(bus.TypeScanResult, bus.SourceScan, bus.ScanResultPayload{Target: "http://b"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.True(t, c.waitFor(ctx, bus.TypeScanResult, 2))
	assert.Equal(t, 0, c.count(bus.TypeError))

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	assert.False(t, c.waitFor(short, bus.TypeScanResult, 3))
}

func TestPrintScanResults(t *testing.T) {
	var buf bytes.Buffer
	printScanResults(&buf, []bus.ScanResultPayload{
		{Target: "http://b.example", Title: "Welcome", StatusCode: 200, DurationMS: 12},
		{Target: "http://a.example", Title: "Network Camera", IsCamera: true, StatusCode: 200, DurationMS: 40},
		{Target: "http://c.example", Error: "connection refused"},
	})

	out := buf.String()
	assert.Contains(t, out, "Network Camera")
	assert.Contains(t, out, "connection refused")
	assert.Contains(t, out, "40ms")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("a.example")), bytes.Index(buf.Bytes(), []byte("b.example")))
}

func TestPrintServers(t *testing.T) {
	var buf bytes.Buffer
	printServers(&buf, []discovery.Server{
		{URL: "http://10.0.0.5:8000", Address: "10.0.0.5", Port: 8000, Service: "http-alt"},
	})
	assert.Contains(t, buf.String(), "http://10.0.0.5:8000")
	assert.Contains(t, buf.String(), "1 web servers found")
}

func TestPrintRules(t *testing.T) {
	var buf bytes.Buffer
	printRules(&buf, []detection.Rule{
		detection.NewRule("network", "camera"),
		{},
	})
	out := buf.String()
	assert.Contains(t, out, "network, camera")
	assert.Contains(t, out, "never matches")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "kamérá...", truncate("kamérákamérá", 9))
}

func TestRulesValidateCommand(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name     string
		file     string
		content  string
		wantErr  bool
		contains string
	}{
		{
			name:     "json rules",
			file:     "rules.json",
			content:  `[{"intitle": ["network", "camera"]}, {"intitle": ["webcamxp"]}]`,
			contains: "2 rules OK",
		},
		{
			name:     "yaml rules",
			file:     "rules.yaml",
			content:  "- intitle: [\"live view\", \"axis\"]\n",
			contains: "1 rules OK",
		},
		{name: "empty list", file: "empty.json", content: `[]`, wantErr: true},
		{name: "bad json", file: "bad.json", content: `{"intitle":`, wantErr: true},
		{name: "missing file", file: "missing.json", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			if tt.content != "" {
				require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))
			}

			var out bytes.Buffer
			rootCmd.SetOut(&out)
			rootCmd.SetErr(&out)
			rootCmd.SetArgs([]string{"rules", "validate", path})
			defer rootCmd.SetArgs(nil)

			err := rootCmd.Execute()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, out.String(), tt.contains)
		})
	}
}

func TestWithTimeout(t *testing.T) {
	ctx, cancel := withTimeout(context.Background(), 0)
	defer cancel()
	_, ok := ctx.Deadline()
	assert.False(t, ok)

	ctx, cancel = withTimeout(context.Background(), time.Minute)
	defer cancel()
	_, ok = ctx.Deadline()
	assert.True(t, ok)
}

func TestPrintMigrations(t *testing.T) {
	var buf bytes.Buffer
	printMigrations(&buf, []db.MigrationStatus{
		{Name: "001_initial", Applied: true, AppliedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		{Name: "002_streams", Applied: true, AppliedAt: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC), Modified: true},
		{Name: "003_pending"},
	})
	out := buf.String()
	assert.Contains(t, out, "001_initial")
	assert.Contains(t, out, "file changed")
	assert.Contains(t, out, "3 migrations, 1 pending")
}
