// Package mjpeg splits multipart/x-mixed-replace streams, as served by IP
// cameras, into discrete blocks.
//
// The Demuxer is fed incrementally through Write. A block whose header or
// payload is damaged is reported as invalid and the demuxer searches forward
// for the next boundary, so one bad frame never ends the stream.
package mjpeg

import (
	"bytes"
	"mime"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/anstrom/camwatch/internal/errors"
)

// ErrorCode describes the most recent framing problem seen by a demuxer.
type ErrorCode int

const (
	NoError ErrorCode = iota
	ErrMalformedHeader
	ErrTruncatedPayload
	ErrOversizedBlock
)

// String returns the error code name.
func (e ErrorCode) String() string {
	switch e {
	case NoError:
		return "no_error"
	case ErrMalformedHeader:
		return "malformed_header"
	case ErrTruncatedPayload:
		return "truncated_payload"
	case ErrOversizedBlock:
		return "oversized_block"
	default:
		return "unknown"
	}
}

const (
	// DefaultMaxHeaderBytes caps the header section of a single block.
	DefaultMaxHeaderBytes = 8 << 10
	// DefaultMaxPayloadBytes caps the declared length of a single block.
	DefaultMaxPayloadBytes = 16 << 20
)

// Block is one part of a multipart stream.
type Block struct {
	StreamID       uint64
	Seq            uint64
	ContentType    string
	DeclaredLength int
	Payload        []byte
	Valid          bool
	Err            ErrorCode
}

// Stats counts blocks produced by a demuxer.
type Stats struct {
	Valid   uint64
	Invalid uint64
}

type parseState int

const (
	seekBoundary parseState = iota
	boundaryLine
	headers
	payload
)

var lastID atomic.Uint64

// Demuxer parses a multipart byte stream. It is not safe for concurrent use.
type Demuxer struct {
	id        uint64
	delimiter []byte
	onBlock   func(Block)

	state   parseState
	buf     []byte
	seq     uint64
	err     ErrorCode
	stats   Stats
	maxHdr  int
	maxBody int

	contentType   string
	contentLength int
	headerBytes   int
	headerErr     bool
	sawHeader     bool
	body          []byte
}

// NewDemuxer creates a demuxer for the given boundary. onBlock is called
// synchronously from Write for every block, valid or not.
func NewDemuxer(boundary string, onBlock func(Block)) *Demuxer {
	boundary = strings.TrimPrefix(boundary, "--")
	return &Demuxer{
		id:        lastID.Add(1),
		delimiter: []byte("--" + boundary),
		onBlock:   onBlock,
		maxHdr:    DefaultMaxHeaderBytes,
		maxBody:   DefaultMaxPayloadBytes,
	}
}

// SetLimits overrides the header and payload caps. Non-positive values keep
// the current limit.
func (d *Demuxer) SetLimits(maxHeaderBytes, maxPayloadBytes int) {
	if maxHeaderBytes > 0 {
		d.maxHdr = maxHeaderBytes
	}
	if maxPayloadBytes > 0 {
		d.maxBody = maxPayloadBytes
	}
}

// ID returns the demuxer's identity. IDs increase across instances.
func (d *Demuxer) ID() uint64 {
	return d.id
}

// Err returns the most recent framing error, or NoError.
func (d *Demuxer) Err() ErrorCode {
	return d.err
}

// Stats returns block counts.
func (d *Demuxer) Stats() Stats {
	return d.stats
}

// BoundaryFromContentType extracts the boundary parameter of a multipart
// Content-Type header.
func BoundaryFromContentType(contentType string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", errors.ErrProtocol("", "invalid content type", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return "", errors.ErrProtocol("", "not a multipart content type: "+mediaType, nil)
	}
	boundary := strings.TrimPrefix(params["boundary"], "--")
	if boundary == "" {
		return "", errors.ErrProtocol("", "multipart content type without boundary", nil)
	}
	return boundary, nil
}

// Write feeds stream bytes. It never fails.
func (d *Demuxer) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	for d.advance() {
	}
	return len(p), nil
}

// Close reports a partially received payload as a truncated block.
func (d *Demuxer) Close() error {
	if d.state == payload {
		d.emitInvalid(ErrTruncatedPayload, d.body)
	}
	d.state = seekBoundary
	d.buf = nil
	return nil
}

// advance makes one unit of progress and reports whether to continue.
func (d *Demuxer) advance() bool {
	switch d.state {
	case seekBoundary:
		return d.stepSeek()
	case boundaryLine:
		return d.stepBoundaryLine()
	case headers:
		return d.stepHeaders()
	case payload:
		return d.stepPayload()
	}
	return false
}

func (d *Demuxer) stepSeek() bool {
	idx := bytes.Index(d.buf, d.delimiter)
	if idx < 0 {
		// keep a tail long enough to hold a split delimiter
		if keep := len(d.delimiter) - 1; len(d.buf) > keep {
			d.buf = append(d.buf[:0], d.buf[len(d.buf)-keep:]...)
		}
		return false
	}
	d.buf = d.buf[idx+len(d.delimiter):]
	d.state = boundaryLine
	return true
}

func (d *Demuxer) stepBoundaryLine() bool {
	idx := bytes.IndexByte(d.buf, '\n')
	if idx < 0 {
		if len(d.buf) > d.maxHdr {
			d.buf = d.buf[:0]
			d.state = seekBoundary
		}
		return false
	}
	line := strings.TrimSpace(string(d.buf[:idx]))
	d.buf = d.buf[idx+1:]
	if line == "--" {
		// closing delimiter
		d.state = seekBoundary
		return true
	}
	d.resetHeaders()
	d.state = headers
	return true
}

func (d *Demuxer) resetHeaders() {
	d.contentType = ""
	d.contentLength = -1
	d.headerBytes = 0
	d.headerErr = false
	d.sawHeader = false
}

func (d *Demuxer) stepHeaders() bool {
	idx := bytes.IndexByte(d.buf, '\n')
	if idx < 0 {
		if d.headerBytes+len(d.buf) > d.maxHdr {
			d.emitInvalid(ErrMalformedHeader, nil)
			d.state = seekBoundary
			return true
		}
		return false
	}

	raw := d.buf[:idx]
	d.headerBytes += idx + 1
	d.buf = d.buf[idx+1:]

	if bytes.HasPrefix(raw, d.delimiter) {
		// a new part began before the header section ended
		d.emitInvalid(ErrMalformedHeader, nil)
		d.buf = append(append([]byte(nil), raw[len(d.delimiter):]...), append([]byte{'\n'}, d.buf...)...)
		d.state = boundaryLine
		return true
	}

	if d.headerBytes > d.maxHdr {
		d.emitInvalid(ErrMalformedHeader, nil)
		d.state = seekBoundary
		return true
	}

	line := strings.TrimRight(string(raw), "\r")
	if strings.TrimSpace(line) == "" {
		if !d.sawHeader {
			// tolerate blank lines between the boundary and the first header
			return true
		}
		return d.endHeaders()
	}

	d.sawHeader = true
	key, value, ok := strings.Cut(line, ":")
	if !ok {
		d.headerErr = true
		return true
	}
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "content-type":
		d.contentType = strings.TrimSpace(value)
	case "content-length":
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			d.headerErr = true
		} else {
			d.contentLength = n
		}
	}
	return true
}

func (d *Demuxer) endHeaders() bool {
	if d.headerErr || d.contentType == "" || d.contentLength < 0 {
		d.emitInvalid(ErrMalformedHeader, nil)
		d.state = seekBoundary
		return true
	}
	if d.contentLength > d.maxBody {
		d.emitInvalid(ErrOversizedBlock, nil)
		d.state = seekBoundary
		return true
	}
	d.body = make([]byte, 0, d.contentLength)
	d.state = payload
	return true
}

func (d *Demuxer) stepPayload() bool {
	need := d.contentLength - len(d.body)
	take := need
	if take > len(d.buf) {
		take = len(d.buf)
	}

	searchFrom := len(d.body) - len(d.delimiter) + 1
	if searchFrom < 0 {
		searchFrom = 0
	}
	d.body = append(d.body, d.buf[:take]...)
	d.buf = d.buf[take:]

	if idx := bytes.Index(d.body[searchFrom:], d.delimiter); idx >= 0 {
		// the next part started before the declared length was reached
		cut := searchFrom + idx
		rest := append([]byte(nil), d.body[cut+len(d.delimiter):]...)
		d.emitInvalid(ErrTruncatedPayload, bytes.TrimRight(d.body[:cut], "\r\n"))
		d.buf = append(rest, d.buf...)
		d.state = boundaryLine
		return true
	}

	if len(d.body) < d.contentLength {
		return false
	}

	d.emit(Block{
		ContentType:    d.contentType,
		DeclaredLength: d.contentLength,
		Payload:        d.body,
		Valid:          true,
	})
	d.body = nil
	d.state = seekBoundary
	return true
}

func (d *Demuxer) emitInvalid(code ErrorCode, partial []byte) {
	d.err = code
	var payloadCopy []byte
	if len(partial) > 0 {
		payloadCopy = append([]byte(nil), partial...)
	}
	length := d.contentLength
	if d.state != payload && d.state != headers {
		length = -1
	}
	d.emit(Block{
		ContentType:    d.contentType,
		DeclaredLength: length,
		Payload:        payloadCopy,
		Err:            code,
	})
	d.body = nil
}

func (d *Demuxer) emit(b Block) {
	d.seq++
	b.StreamID = d.id
	b.Seq = d.seq
	if b.Valid {
		d.stats.Valid++
	} else {
		d.stats.Invalid++
	}
	if d.onBlock != nil {
		d.onBlock(b)
	}
}
