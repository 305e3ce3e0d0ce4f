// Package natsbridge connects the message bus to NATS. Scan and
// geolocation results are forwarded to subjects under a prefix, and scan
// requests published to <prefix>.scan.request are queued on the pipeline.
package natsbridge

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/anstrom/camwatch/internal/bus"
	"github.com/anstrom/camwatch/internal/errors"
	"github.com/anstrom/camwatch/internal/logging"
	"github.com/anstrom/camwatch/internal/scanning"
)

const reconnectWait = 2 * time.Second

// Conn is the part of *nats.Conn the bridge uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

// Scanner queues scan requests.
type Scanner interface {
	Scan(target string) (scanning.ScanRequest, error)
}

// ScanRequest is the body of a scan request message. A plain text body is
// taken as the target.
type ScanRequest struct {
	Target string `json:"target"`
}

// ScanReply answers a request that carried a reply subject.
type ScanReply struct {
	RequestID string `json:"request_id,omitempty"`
	Target    string `json:"target"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Connect dials NATS and keeps reconnecting for as long as the process runs.
func Connect(url, name string, logger *logging.Logger) (*nats.Conn, error) {
	log := logger.WithComponent("nats")
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.Wrap(errors.CodeNetwork, "failed to connect to NATS", err)
	}
	return nc, nil
}

// Bridge forwards messages between the bus and NATS.
type Bridge struct {
	conn    Conn
	bus     *bus.Bus
	scanner Scanner
	prefix  string
	logger  *logging.Logger

	mu      sync.Mutex
	sub     *bus.Subscription
	started bool
	closed  bool
}

// New creates a bridge. An empty prefix defaults to "camwatch".
func New(conn Conn, b *bus.Bus, scanner Scanner, prefix string, logger *logging.Logger) *Bridge {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = "camwatch"
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Bridge{
		conn:    conn,
		bus:     b,
		scanner: scanner,
		prefix:  prefix,
		logger:  logger.WithComponent("natsbridge"),
	}
}

// Subject returns the NATS subject for a bus message type, or "" when the
// type is not forwarded.
func (br *Bridge) Subject(t bus.Type) string {
	switch t {
	case bus.TypeScanResult:
		return br.prefix + ".scan.result"
	case bus.TypeGeolocationResult:
		return br.prefix + ".geolocation.result"
	case bus.TypeError:
		return br.prefix + ".error"
	default:
		return ""
	}
}

// RequestSubject is where scan requests are received.
func (br *Bridge) RequestSubject() string {
	return br.prefix + ".scan.request"
}

// Start subscribes to scan requests and begins forwarding bus messages.
func (br *Bridge) Start() error {
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.closed {
		return errors.ErrPoolClosed("nats bridge")
	}
	if br.started {
		return nil
	}

	if br.scanner != nil {
		if _, err := br.conn.Subscribe(br.RequestSubject(), br.handleRequest); err != nil {
			return errors.Wrap(errors.CodeNetwork, "failed to subscribe to "+br.RequestSubject(), err)
		}
	}

	br.sub = br.bus.Subscribe(
		bus.ByType(bus.TypeScanResult, bus.TypeGeolocationResult, bus.TypeError),
		br.forward,
	)
	br.started = true
	br.logger.Info("NATS bridge started", "prefix", br.prefix)
	return nil
}

// Close stops forwarding and drains the connection.
func (br *Bridge) Close() error {
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.closed {
		return nil
	}
	br.closed = true
	if br.sub != nil {
		br.sub.Unsubscribe()
	}
	return br.conn.Drain()
}

func (br *Bridge) forward(msg bus.Message) {
	subject := br.Subject(msg.Type)
	if subject == "" {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		br.logger.Error("Failed to encode bus message", "message_type", msg.Type, "error", err)
		return
	}
	if err := br.conn.Publish(subject, data); err != nil {
		br.logger.Warn("Failed to publish to NATS", "subject", subject, "error", err)
	}
}

func (br *Bridge) handleRequest(m *nats.Msg) {
	target := parseTarget(m.Data)
	reply := ScanReply{Target: target}

	req, err := br.scanner.Scan(target)
	if err != nil {
		reply.Code = string(errors.GetCode(err))
		reply.Error = err.Error()
		br.logger.ErrorScan("NATS scan request rejected", target, err)
	} else {
		reply.RequestID = req.ID
		reply.Target = req.Target
	}

	if m.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := br.conn.Publish(m.Reply, data); err != nil {
		br.logger.Warn("Failed to answer scan request", "reply", m.Reply, "error", err)
	}
}

func parseTarget(data []byte) string {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var req ScanRequest
		if err := json.Unmarshal([]byte(trimmed), &req); err == nil {
			return strings.TrimSpace(req.Target)
		}
	}
	return trimmed
}
