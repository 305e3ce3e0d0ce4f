package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of a message.
type Type string

const (
	TypeScanResult         Type = "scan_result"
	TypeError              Type = "error"
	TypeGeolocationRequest Type = "geolocation_request"
	TypeGeolocationResult  Type = "geolocation_result"
	TypeMJPEGFrame         Type = "mjpeg_frame"
	TypeHTTPServerFound    Type = "http_server_found"
)

// Error sources.
const (
	SourceScan        = "scan"
	SourceGeolocation = "geolocation"
	SourceStream      = "stream"
	SourceDiscovery   = "discovery"
)

// Message is an immutable envelope carried by the bus.
type Message struct {
	ID        uuid.UUID
	Type      Type
	Producer  string
	Timestamp time.Time
	Payload   any
}

// NewMessage stamps a payload with an ID and the current time.
func NewMessage(t Type, producer string, payload any) Message {
	return Message{
		ID:        uuid.New(),
		Type:      t,
		Producer:  producer,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// ScanResultPayload is published once per scan request.
type ScanResultPayload struct {
	RequestID  string `json:"requestId"`
	Target     string `json:"target"`
	Title      string `json:"title"`
	IsCamera   bool   `json:"isCamera"`
	Error      string `json:"error,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	DurationMS int64  `json:"durationMs"`
}

// ErrorPayload reports a failure scoped to one request.
type ErrorPayload struct {
	Source  string `json:"source"`
	Target  string `json:"target,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// GeolocationRequestPayload asks for an address to be located.
type GeolocationRequestPayload struct {
	Address string `json:"address"`
}

// GeolocationResultPayload is a successful lookup.
type GeolocationResultPayload struct {
	Address string `json:"address"`
	City    string `json:"city"`
	Region  string `json:"region"`
	Country string `json:"country"`
	Org     string `json:"org"`
	Loc     string `json:"loc,omitempty"`
}

// MJPEGFramePayload describes one demuxed block. Image bytes are not carried.
type MJPEGFramePayload struct {
	URL         string `json:"url"`
	StreamID    uint64 `json:"streamId"`
	Seq         uint64 `json:"seq"`
	ContentType string `json:"contentType,omitempty"`
	Length      int    `json:"length"`
	Valid       bool   `json:"valid"`
	Error       string `json:"error,omitempty"`
}

// HTTPServerFoundPayload announces a reachable web server.
type HTTPServerFoundPayload struct {
	URL string `json:"url"`
}

// MarshalJSON flattens the payload next to the envelope fields, producing
// e.g. {"type":"scan_result","target":...,"isCamera":true,...}.
func (m Message) MarshalJSON() ([]byte, error) {
	fields := make(map[string]any)
	if m.Payload != nil {
		raw, err := json.Marshal(m.Payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			fields = map[string]any{"payload": json.RawMessage(raw)}
		}
	}
	fields["id"] = m.ID.String()
	fields["type"] = m.Type
	fields["timestamp"] = m.Timestamp
	if m.Producer != "" {
		fields["producer"] = m.Producer
	}
	return json.Marshal(fields)
}
