package natsbridge

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/camwatch/internal/bus"
	"github.com/anstrom/camwatch/internal/errors"
	"github.com/anstrom/camwatch/internal/logging"
	"github.com/anstrom/camwatch/internal/scanning"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu       sync.Mutex
	msgs     []published
	handlers map[string]nats.MsgHandler
	drained  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: map[string]nats.MsgHandler{}}
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{subject, data})
	return nil
}

func (c *fakeConn) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[subject] = cb
	return nil, nil
}

func (c *fakeConn) Drain() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drained = true
	return nil
}

func (c *fakeConn) deliver(subject, reply string, data []byte) {
	c.mu.Lock()
	h := c.handlers[subject]
	c.mu.Unlock()
	h(&nats.Msg{Subject: subject, Reply: reply, Data: data})
}

func (c *fakeConn) on(subject string) []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []published
	for _, m := range c.msgs {
		if m.subject == subject {
			out = append(out, m)
		}
	}
	return out
}

type fakeScanner struct {
	mu      sync.Mutex
	targets []string
}

func (s *fakeScanner) Scan(target string) (scanning.ScanRequest, error) {
	req, err := scanning.NewScanRequest(target)
	if err != nil {
		return req, err
	}
	s.mu.Lock()
	s.targets = append(s.targets, req.Target)
	s.mu.Unlock()
	return req, nil
}

func newBridge(t *testing.T) (*Bridge, *fakeConn, *fakeScanner, *bus.Bus) {
	t.Helper()
	conn := newFakeConn()
	scanner := &fakeScanner{}
	b := bus.New(bus.WithLogger(logging.NewDiscard()))
	br := New(conn, b, scanner, "lab.", logging.NewDiscard())
	require.NoError(t, br.Start())
	t.Cleanup(b.Close)
	return br, conn, scanner, b
}

func TestSubjects(t *testing.T) {
	br := New(newFakeConn(), bus.New(), nil, "", logging.NewDiscard())
	assert.Equal(t, "camwatch.scan.result", br.Subject(bus.TypeScanResult))
	assert.Equal(t, "camwatch.geolocation.result", br.Subject(bus.TypeGeolocationResult))
	assert.Equal(t, "camwatch.error", br.Subject(bus.TypeError))
	assert.Empty(t, br.Subject(bus.TypeMJPEGFrame))
	assert.Equal(t, "camwatch.scan.request", br.RequestSubject())
}

func TestForwardsResults(t *testing.T) {
	_, conn, _, b := newBridge(t)

	b.Emit(bus.TypeMJPEGFrame, bus.SourceStream, bus.MJPEGFramePayload{URL: "http://cam"})
	b.Emit(bus.TypeScanResult, bus.SourceScan, bus.ScanResultPayload{Target: "http://10.0.0.1", IsCamera: true})

	require.Eventually(t, func() bool { return len(conn.on("lab.scan.result")) == 1 }, time.Second, 10*time.Millisecond)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(conn.on("lab.scan.result")[0].data, &decoded))
	assert.Equal(t, "scan_result", decoded["type"])
	assert.Equal(t, "http://10.0.0.1", decoded["target"])
	assert.Equal(t, true, decoded["isCamera"])

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Len(t, conn.msgs, 1, "frames are not forwarded")
}

func TestScanRequests(t *testing.T) {
	_, conn, scanner, _ := newBridge(t)

	conn.deliver("lab.scan.request", "", []byte("10.0.0.5"))
	conn.deliver("lab.scan.request", "_INBOX.1", []byte(`{"target":"cam.local:8080"}`))
	conn.deliver("lab.scan.request", "_INBOX.2", []byte(`{"target":"ftp://x"}`))

	assert.Equal(t, []string{"http://10.0.0.5", "http://cam.local:8080"}, scanner.targets)

	var ok ScanReply
	require.Len(t, conn.on("_INBOX.1"), 1)
	require.NoError(t, json.Unmarshal(conn.on("_INBOX.1")[0].data, &ok))
	assert.Equal(t, "http://cam.local:8080", ok.Target)
	assert.NotEmpty(t, ok.RequestID)
	assert.Empty(t, ok.Error)

	var rejected ScanReply
	require.Len(t, conn.on("_INBOX.2"), 1)
	require.NoError(t, json.Unmarshal(conn.on("_INBOX.2")[0].data, &rejected))
	assert.Equal(t, string(errors.CodeValidation), rejected.Code)
	assert.Empty(t, rejected.RequestID)
}

func TestClose(t *testing.T) {
	br, conn, _, b := newBridge(t)
	subs := b.Subscribers()

	require.NoError(t, br.Close())
	require.NoError(t, br.Close())
	assert.True(t, conn.drained)
	assert.Equal(t, subs-1, b.Subscribers())
	assert.True(t, errors.IsCode(br.Start(), errors.CodePoolClosed))
}

func TestParseTarget(t *testing.T) {
	assert.Equal(t, "10.0.0.1", parseTarget([]byte(" 10.0.0.1\n")))
	assert.Equal(t, "cam", parseTarget([]byte(`{"target":" cam "}`)))
	assert.Equal(t, "{broken", parseTarget([]byte("{broken")))
}
