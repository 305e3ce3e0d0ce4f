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
	streamFrames   int
	streamDuration time.Duration
)

// streamCmd represents the stream command
var streamCmd = &cobra.Command{
	Use:   "stream URL",
	Short: "Read an MJPEG stream and print its frames",
	Long: `Open a multipart/x-mixed-replace stream and print one line per block:
sequence number, content type, payload size and whether the block was
well formed. Stops after --frames blocks, after --duration, or when the
stream ends.`,
	Example: `  camwatch stream http://192.168.1.20/video.mjpg --frames 20
  camwatch stream cam.local:8080/mjpg/video.mjpg --duration 30s`,
	Args: cobra.ExactArgs(1),
	RunE: runStream,
}

func init() {
	rootCmd.AddCommand(streamCmd)

	streamCmd.Flags().IntVar(&streamFrames, "frames", 10, "Stop after this many blocks (0 = no limit)")
	streamCmd.Flags().DurationVar(&streamDuration, "duration", 0, "Stop after this long (0 = no limit)")
}

func runStream(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Stream.MaxBlocks = streamFrames
	cfg.Geolocation.Enabled = false

	w, err := watcher.New(cfg, watcher.WithLogger(logging.Default()))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	frames := 0
	w.Bus().Subscribe(bus.ByType(bus.TypeMJPEGFrame), func(msg bus.Message) {
		f, ok := msg.Payload.(bus.MJPEGFramePayload)
		if !ok {
			return
		}
		frames++
		status := "ok"
		if !f.Valid {
			status = "invalid: " + f.Error
		}
		fmt.Fprintf(out, "#%-5d %-12s %8d bytes  %s\n", f.Seq, f.ContentType, f.Length, status)
	})
	w.Start()

	ctx, cancel := withTimeout(cmd.Context(), streamDuration)
	defer cancel()
	streamErr := w.OpenStream(ctx, args[0])

	// frames is only read after Shutdown has drained the subscriber
	if err := w.Shutdown(cmd.Context()); err != nil {
		logging.Warn("Pipeline shutdown incomplete", "error", err)
	}
	fmt.Fprintf(out, "%d blocks read\n", frames)

	if streamErr != nil && ctx.Err() == nil {
		return streamErr
	}
	return nil
}
