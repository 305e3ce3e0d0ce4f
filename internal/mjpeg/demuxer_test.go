package mjpeg

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/camwatch/internal/errors"
)

const testBoundary = "myboundary"

func part(payload []byte) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", testBoundary, len(payload))
	b.Write(payload)
	b.WriteString("\r\n")
	return b.Bytes()
}

func frames(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = bytes.Repeat([]byte{0xFF, 0xD8, byte(i)}, 50+i*7)
	}
	return out
}

func collect(boundary string) (*Demuxer, *[]Block) {
	var blocks []Block
	d := NewDemuxer(boundary, func(b Block) {
		blocks = append(blocks, b)
	})
	return d, &blocks
}

func TestDemuxWellFormedStream(t *testing.T) {
	payloads := frames(5)
	var stream bytes.Buffer
	for _, p := range payloads {
		stream.Write(part(p))
	}
	stream.WriteString("--" + testBoundary + "--\r\n")

	t.Run("single write", func(t *testing.T) {
		d, blocks := collect(testBoundary)
		_, _ = d.Write(stream.Bytes())
		require.NoError(t, d.Close())

		require.Len(t, *blocks, len(payloads))
		for i, b := range *blocks {
			assert.True(t, b.Valid)
			assert.Equal(t, "image/jpeg", b.ContentType)
			assert.Equal(t, len(payloads[i]), b.DeclaredLength)
			assert.Equal(t, payloads[i], b.Payload)
			assert.Equal(t, uint64(i+1), b.Seq)
			assert.Equal(t, d.ID(), b.StreamID)
		}
		assert.Equal(t, NoError, d.Err())
		assert.Equal(t, Stats{Valid: 5}, d.Stats())
	})

	t.Run("byte at a time", func(t *testing.T) {
		d, blocks := collect(testBoundary)
		for _, c := range stream.Bytes() {
			_, _ = d.Write([]byte{c})
		}
		require.Len(t, *blocks, len(payloads))
		for i, b := range *blocks {
			assert.True(t, b.Valid)
			assert.Equal(t, payloads[i], b.Payload)
		}
	})

	t.Run("random chunks", func(t *testing.T) {
		rng := rand.New(rand.NewSource(7))
		for round := 0; round < 20; round++ {
			d, blocks := collect(testBoundary)
			data := stream.Bytes()
			for len(data) > 0 {
				n := 1 + rng.Intn(64)
				if n > len(data) {
					n = len(data)
				}
				_, _ = d.Write(data[:n])
				data = data[n:]
			}
			require.Len(t, *blocks, len(payloads))
		}
	})
}

func TestDemuxResynchronises(t *testing.T) {
	payloads := frames(4)

	tests := []struct {
		name    string
		corrupt []byte
		code    ErrorCode
	}{
		{
			name:    "missing content length",
			corrupt: []byte("--" + testBoundary + "\r\nContent-Type: image/jpeg\r\n\r\nGARBAGE\r\n"),
			code:    ErrMalformedHeader,
		},
		{
			name:    "header line without colon",
			corrupt: []byte("--" + testBoundary + "\r\nContent-Type image/jpeg\r\nContent-Length: 3\r\n\r\nabc\r\n"),
			code:    ErrMalformedHeader,
		},
		{
			name:    "non numeric length",
			corrupt: []byte("--" + testBoundary + "\r\nContent-Type: image/jpeg\r\nContent-Length: x\r\n\r\nabc\r\n"),
			code:    ErrMalformedHeader,
		},
		{
			name:    "payload shorter than declared",
			corrupt: []byte("--" + testBoundary + "\r\nContent-Type: image/jpeg\r\nContent-Length: 9999\r\n\r\nshort\r\n"),
			code:    ErrTruncatedPayload,
		},
		{
			name:    "boundary inside header section",
			corrupt: []byte("--" + testBoundary + "\r\nContent-Type: image/jpeg\r\n"),
			code:    ErrMalformedHeader,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stream bytes.Buffer
			stream.Write(part(payloads[0]))
			stream.Write(part(payloads[1]))
			stream.Write(tt.corrupt)
			stream.Write(part(payloads[2]))
			stream.Write(part(payloads[3]))

			d, blocks := collect(testBoundary)
			_, _ = d.Write(stream.Bytes())
			require.NoError(t, d.Close())

			var valid [][]byte
			invalid := 0
			for _, b := range *blocks {
				if b.Valid {
					valid = append(valid, b.Payload)
				} else {
					invalid++
					assert.Equal(t, tt.code, b.Err)
				}
			}
			assert.Equal(t, 1, invalid)
			assert.Equal(t, payloads, valid)
			assert.Equal(t, tt.code, d.Err())
			assert.Equal(t, Stats{Valid: 4, Invalid: 1}, d.Stats())
		})
	}
}

func TestDemuxLimits(t *testing.T) {
	t.Run("oversized block", func(t *testing.T) {
		d, blocks := collect(testBoundary)
		d.SetLimits(0, 10)
		_, _ = d.Write(part(bytes.Repeat([]byte("x"), 20)))
		_, _ = d.Write(part([]byte("ok")))
		require.Len(t, *blocks, 2)
		assert.Equal(t, ErrOversizedBlock, (*blocks)[0].Err)
		assert.True(t, (*blocks)[1].Valid)
	})

	t.Run("oversized header section", func(t *testing.T) {
		d, blocks := collect(testBoundary)
		d.SetLimits(64, 0)
		_, _ = d.Write([]byte("--" + testBoundary + "\r\nX-Long: " + string(bytes.Repeat([]byte("a"), 200))))
		_, _ = d.Write([]byte("\r\n"))
		_, _ = d.Write(part([]byte("ok")))
		require.NotEmpty(t, *blocks)
		assert.Equal(t, ErrMalformedHeader, (*blocks)[0].Err)
		last := (*blocks)[len(*blocks)-1]
		assert.True(t, last.Valid)
		assert.Equal(t, []byte("ok"), last.Payload)
	})

	t.Run("truncated at close", func(t *testing.T) {
		d, blocks := collect(testBoundary)
		_, _ = d.Write([]byte("--" + testBoundary + "\r\nContent-Type: image/jpeg\r\nContent-Length: 10\r\n\r\nabc"))
		require.Empty(t, *blocks)
		require.NoError(t, d.Close())
		require.Len(t, *blocks, 1)
		assert.False(t, (*blocks)[0].Valid)
		assert.Equal(t, ErrTruncatedPayload, (*blocks)[0].Err)
		assert.Equal(t, []byte("abc"), (*blocks)[0].Payload)
		assert.Equal(t, 10, (*blocks)[0].DeclaredLength)
	})
}

func TestDemuxerIDsIncrease(t *testing.T) {
	a := NewDemuxer("x", nil)
	b := NewDemuxer("x", nil)
	assert.Greater(t, b.ID(), a.ID())
}

func TestBoundaryFromContentType(t *testing.T) {
	tests := []struct {
		ct      string
		want    string
		wantErr bool
	}{
		{"multipart/x-mixed-replace; boundary=myboundary", "myboundary", false},
		{`multipart/x-mixed-replace;boundary="--frame"`, "frame", false},
		{"multipart/x-mixed-replace", "", true},
		{"image/jpeg", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.ct, func(t *testing.T) {
			got, err := BoundaryFromContentType(tt.ct)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsCode(err, errors.CodeProtocol))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
