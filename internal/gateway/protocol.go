package gateway

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolVersion is the operator protocol revision spoken by this server.
const ProtocolVersion = 1

// Frame types for the operator WebSocket protocol.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// Server-pushed events.
const (
	EventConnectChallenge = "connect.challenge"
	EventBotProvisioned   = "bots.provisioned"
)

// Connection limits advertised in hello-ok and enforced by the server.
const (
	maxFramePayload  = 4 << 20
	handshakeTimeout = 10 * time.Second
)

// Frame is the envelope for every operator WebSocket message. Type selects
// which of the remaining fields are meaningful.
type Frame struct {
	Type string `json:"type"`

	// req
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// res
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`

	// event
	Event string `json:"event,omitempty"`
	Seq   int64  `json:"seq,omitempty"`
}

// ErrorShape is the error body of a failed response. Details carries
// structured context such as the failing provisioning step.
type ErrorShape struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ConnectParams are sent by the operator console in its "connect" request.
// A zero protocol bound is treated as unbounded on that side.
type ConnectParams struct {
	MinProtocol int          `json:"minProtocol,omitempty"`
	MaxProtocol int          `json:"maxProtocol,omitempty"`
	Operator    OperatorInfo `json:"operator"`
	Auth        *ConnectAuth `json:"auth,omitempty"`
	UserAgent   string       `json:"userAgent,omitempty"`
}

// negotiate checks that ProtocolVersion falls inside the requested range.
func (p ConnectParams) negotiate() error {
	if p.MinProtocol > ProtocolVersion || (p.MaxProtocol != 0 && p.MaxProtocol < ProtocolVersion) {
		return fmt.Errorf("unsupported protocol range %d-%d, server speaks %d", p.MinProtocol, p.MaxProtocol, ProtocolVersion)
	}
	return nil
}

// OperatorInfo identifies the person or tool behind a console connection.
type OperatorInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version,omitempty"`
	Platform    string `json:"platform,omitempty"`
}

// Name returns the display name, falling back to the id.
func (o OperatorInfo) Name() string {
	if o.DisplayName != "" {
		return o.DisplayName
	}
	return o.ID
}

// ConnectAuth carries the operator credential. Which field is checked
// depends on the gateway auth mode.
type ConnectAuth struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// ConnectChallenge is the payload of the first frame on every connection.
type ConnectChallenge struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// HelloOK answers a successful connect.
type HelloOK struct {
	Protocol int          `json:"protocol"`
	Server   ServerInfo   `json:"server"`
	Features Features     `json:"features"`
	Policy   ServerPolicy `json:"policy"`
}

// ServerInfo describes this gateway and what it is wired to.
type ServerInfo struct {
	Version      string `json:"version"`
	Commit       string `json:"commit,omitempty"`
	ConnID       string `json:"connId"`
	BotMode      string `json:"botMode,omitempty"`
	Provisioning bool   `json:"provisioning"`
	Connector    bool   `json:"connector"`
	Ledger       bool   `json:"ledger"`
}

// Features lists the RPC methods and events the console can rely on.
// Methods whose collaborator is not configured are left out.
type Features struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

// ServerPolicy communicates the limits the server enforces.
type ServerPolicy struct {
	MaxPayload         int   `json:"maxPayload"`
	HandshakeTimeoutMs int64 `json:"handshakeTimeoutMs"`
	TurnTimeoutMs      int64 `json:"turnTimeoutMs"`
	OperatorTimeoutMs  int64 `json:"operatorTimeoutMs"`
}

// BotProvisionedEvent is broadcast after bots.create or POST /api/bots
// succeeds. It never carries the client secret.
type BotProvisionedEvent struct {
	BotName       string `json:"botName"`
	ResourceName  string `json:"resourceName"`
	MsaAppID      string `json:"msaAppId"`
	BotResourceID string `json:"botResourceId"`
	CreatedBy     string `json:"createdBy,omitempty"`
}

// NewRequest creates a request frame.
func NewRequest(id, method string, params any) (Frame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameTypeRequest, ID: id, Method: method, Params: raw}, nil
}

// NewResponse creates a success response frame.
func NewResponse(id string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	ok := true
	return Frame{Type: FrameTypeResponse, ID: id, OK: &ok, Payload: raw}, nil
}

// NewErrorResponse creates an error response frame.
func NewErrorResponse(id string, errShape ErrorShape) Frame {
	ok := false
	return Frame{Type: FrameTypeResponse, ID: id, OK: &ok, Error: &errShape}
}

// NewEvent creates an event frame.
func NewEvent(event string, payload any, seq int64) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameTypeEvent, Event: event, Payload: raw, Seq: seq}, nil
}
