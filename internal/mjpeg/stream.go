package mjpeg

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/anstrom/camwatch/internal/errors"
	"github.com/anstrom/camwatch/internal/logging"
)

// StreamState is the lifecycle state of a Stream.
type StreamState int32

const (
	Initialising StreamState = iota
	Streaming
	Finished
	Failed
)

// String returns the state name.
func (s StreamState) String() string {
	switch s {
	case Initialising:
		return "initialising"
	case Streaming:
		return "streaming"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	defaultStreamTimeout = 10 * time.Second
	defaultUserAgent     = "libcurl-agent/1.0"
	readChunkSize        = 32 << 10
)

// StreamConfig controls how a Stream connects.
type StreamConfig struct {
	// Timeout bounds the whole stream, including the body.
	Timeout   time.Duration
	UserAgent string
	// MaxBlocks stops the stream after this many blocks. Zero means no limit.
	MaxBlocks int
	Client    *http.Client
}

// Stream reads an MJPEG stream over HTTP and demuxes it.
type Stream struct {
	url     string
	cfg     StreamConfig
	onBlock func(Block)
	state   atomic.Int32
	demuxer atomic.Pointer[Demuxer]
	logger  *logging.Logger
}

// NewStream creates a stream for url. onBlock receives every demuxed block.
func NewStream(url string, cfg StreamConfig, onBlock func(Block)) *Stream {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultStreamTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &Stream{
		url:     url,
		cfg:     cfg,
		onBlock: onBlock,
		logger:  logging.Default().WithComponent("mjpeg").WithTarget(url),
	}
}

// State returns the current stream state.
func (s *Stream) State() StreamState {
	return StreamState(s.state.Load())
}

// ID returns the demuxer identity once the stream is connected, or 0.
func (s *Stream) ID() uint64 {
	if d := s.demuxer.Load(); d != nil {
		return d.ID()
	}
	return 0
}

// Run connects and demuxes until the body ends, the timeout passes or
// MaxBlocks is reached. Reaching a limit is not an error.
func (s *Stream) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	err := s.run(ctx, cancel)
	if err != nil {
		s.state.Store(int32(Failed))
		s.logger.Warn("MJPEG stream failed", "error", err)
		return err
	}
	s.state.Store(int32(Finished))
	return nil
}

func (s *Stream) run(ctx context.Context, stop context.CancelFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return errors.ErrInvalidTarget(s.url)
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)

	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return errors.ErrNetwork(s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.ErrNetwork(s.url, errors.New(errors.CodeNetwork, "unexpected status "+resp.Status))
	}

	boundary, err := BoundaryFromContentType(resp.Header.Get("Content-Type"))
	if err != nil {
		return err
	}

	var blocks int
	limitHit := false
	demuxer := NewDemuxer(boundary, func(b Block) {
		if limitHit {
			return
		}
		if s.onBlock != nil {
			s.onBlock(b)
		}
		blocks++
		if s.cfg.MaxBlocks > 0 && blocks >= s.cfg.MaxBlocks {
			limitHit = true
			stop()
		}
	})
	s.demuxer.Store(demuxer)
	s.state.Store(int32(Streaming))
	s.logger.Debug("MJPEG stream connected", "stream_id", demuxer.ID(), "boundary", boundary)

	chunk := make([]byte, readChunkSize)
	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			_, _ = demuxer.Write(chunk[:n])
		}
		if limitHit {
			return nil
		}
		if readErr == io.EOF {
			return demuxer.Close()
		}
		if readErr != nil {
			_ = demuxer.Close()
			if ctx.Err() != nil {
				// long-lived streams end at the configured timeout
				return nil
			}
			return errors.ErrNetwork(s.url, readErr)
		}
	}
}
