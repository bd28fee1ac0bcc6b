package protocol

import (
	"time"
)

// MessageType identifies the payload carried by a ClientMessage or
// AgentMessage envelope.
type MessageType string

// Client -> agent message types.
const (
	TypePortSubscribe         MessageType = "port_subscribe"
	TypePortUnsubscribe       MessageType = "port_unsubscribe"
	TypeConnectionUnsubscribe MessageType = "connection_unsubscribe"
	TypeSwitchProtocolVersion MessageType = "switch_protocol_version"
)

// Agent -> client message types.
const (
	TypeSubscribeResult        MessageType = "subscribe_result"
	TypeNewConnectionV1        MessageType = "new_connection_v1"
	TypeNewConnectionV2        MessageType = "new_connection_v2"
	TypeData                   MessageType = "data"
	TypeClose                  MessageType = "close"
	TypeHTTPRequestChunked     MessageType = "http_request_chunked"
	TypeLogMessage             MessageType = "log_message"
	TypeProtocolVersionGranted MessageType = "protocol_version_granted"
)

// MirroredRequestID is the request id carried by every chunked HTTP message
// produced for a mirrored session. Each mirrored HTTP request gets its own
// connection id, so the request id within a connection is always zero.
const MirroredRequestID uint16 = 0

// ClientMessage is the envelope for messages received from the client over
// the control channel. Exactly one payload field is set, according to Type.
type ClientMessage struct {
	Type                  MessageType `json:"type"`
	Port                  uint16      `json:"port,omitempty"`
	ConnectionID          uint64      `json:"connection_id,omitempty"`
	SwitchProtocolVersion string      `json:"switch_protocol_version,omitempty"`
}

// AgentMessage is the envelope for messages sent to the client. Exactly one
// payload field is set, according to Type.
type AgentMessage struct {
	Type            MessageType         `json:"type"`
	Timestamp       time.Time           `json:"timestamp"`
	SubscribeResult *SubscribeResult    `json:"subscribe_result,omitempty"`
	NewConnectionV1 *NewConnectionV1    `json:"new_connection_v1,omitempty"`
	NewConnectionV2 *NewConnectionV2    `json:"new_connection_v2,omitempty"`
	Data            *Data               `json:"data,omitempty"`
	Close           *Close              `json:"close,omitempty"`
	HTTPRequest     *ChunkedHTTPRequest `json:"http_request,omitempty"`
	Log             *LogMessage         `json:"log,omitempty"`
	GrantedVersion  string              `json:"granted_version,omitempty"`
}

// SubscribeResult acknowledges a PortSubscribe. Either Port is echoed back on
// success or Error describes why the subscription failed.
type SubscribeResult struct {
	Port  uint16 `json:"port"`
	Error string `json:"error,omitempty"`
}

// NewConnectionV1 is the legacy new-connection announcement.
type NewConnectionV1 struct {
	ConnectionID    uint64 `json:"connection_id"`
	RemoteAddress   string `json:"remote_address"`
	DestinationPort uint16 `json:"destination_port"`
	SourcePort      uint16 `json:"source_port"`
	LocalAddress    string `json:"local_address"`
}

// TransportType tags the transport of a captured connection in the unified
// announcement shape.
type TransportType string

const (
	TransportTCP TransportType = "tcp"
	TransportTLS TransportType = "tls"
)

// Transport describes how the captured bytes reached the workload. For TLS
// connections the ALPN protocol and SNI server name observed during the
// handshake are included when available.
type Transport struct {
	Type         TransportType `json:"type"`
	ALPNProtocol string        `json:"alpn_protocol,omitempty"`
	ServerName   string        `json:"server_name,omitempty"`
}

// NewConnectionV2 is the unified new-connection announcement: the legacy
// shape plus a transport tag.
type NewConnectionV2 struct {
	Connection NewConnectionV1 `json:"connection"`
	Transport  Transport       `json:"transport"`
}

// Data carries captured bytes for one connection. Empty Bytes signals
// end-of-stream, a legacy convention kept for backward compatibility.
type Data struct {
	ConnectionID uint64 `json:"connection_id"`
	Bytes        []byte `json:"bytes"`
}

// Close announces that a captured connection finished.
type Close struct {
	ConnectionID uint64 `json:"connection_id"`
}

// HTTPRequestHead is the parsed head of a mirrored HTTP/1.x request.
type HTTPRequestHead struct {
	Method  string              `json:"method"`
	URI     string              `json:"uri"`
	Headers map[string][]string `json:"headers"`
	Version string              `json:"version"`
}

// ChunkedHTTPRequest delivers a mirrored HTTP request incrementally. The
// first message for a request carries Start; every message carries zero or
// more body frames and IsLast is set exactly once, on the final message.
type ChunkedHTTPRequest struct {
	ConnectionID uint64            `json:"connection_id"`
	RequestID    uint16            `json:"request_id"`
	Start        *HTTPRequestStart `json:"start,omitempty"`
	Frames       [][]byte          `json:"frames,omitempty"`
	IsLast       bool              `json:"is_last"`
}

// HTTPRequestStart is the metadata sent with the first chunked message of a
// mirrored HTTP request.
type HTTPRequestStart struct {
	Request     HTTPRequestHead `json:"request"`
	Source      string          `json:"source"`
	Destination string          `json:"destination"`
	Transport   Transport       `json:"transport"`
}

// LogLevel is the severity of a LogMessage.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogMessage is a leveled, human-readable diagnostic for the client. It is
// used when a feature cannot be honored under the negotiated protocol
// version, or when a mirrored connection failed.
type LogMessage struct {
	Level   LogLevel `json:"level"`
	Message string   `json:"message"`
}

// NewAgentMessage wraps a typed payload in an envelope with the current
// timestamp.
func NewAgentMessage(t MessageType) AgentMessage {
	return AgentMessage{Type: t, Timestamp: time.Now().UTC()}
}

// LogAgentMessage builds a LogMessage envelope.
func LogAgentMessage(level LogLevel, message string) AgentMessage {
	m := NewAgentMessage(TypeLogMessage)
	m.Log = &LogMessage{Level: level, Message: message}
	return m
}
