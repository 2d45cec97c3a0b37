package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/soyeahso/teamsforge/internal/bot"
	"github.com/soyeahso/teamsforge/internal/config"
	"github.com/soyeahso/teamsforge/internal/logging"
	"github.com/soyeahso/teamsforge/internal/metrics"
	"github.com/soyeahso/teamsforge/internal/provision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOperatorToken = "test-token-123"

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.Gateway.Auth.Mode = "token"
	cfg.Gateway.Auth.Token = testOperatorToken
	cfg.Gateway.PublicURL = "https://bots.example.com"
	return cfg
}

// newTestServer builds a server with the given options and serves its routes
// through the full middleware chain.
func newTestServer(t *testing.T, opts ...ServerOption) (*Server, *httptest.Server) {
	t.Helper()
	log := logging.New(nil, "silent")
	raw := map[string]any{
		"gateway": map[string]any{
			"port": 18789,
		},
		"bot": map[string]any{
			"mode": "static",
		},
	}

	srv := New(testConfig(), log, append([]ServerOption{WithConfigRaw(raw)}, opts...)...)

	mux := http.NewServeMux()
	srv.registerHTTPRoutes(mux)

	ts := httptest.NewServer(withMiddleware(mux, srv.log, srv.metrics, nil))
	t.Cleanup(ts.Close)
	return srv, ts
}

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	return newTestServer(t)
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	// Public endpoint only returns status; no version, clients, or uptime
	assert.Empty(t, health.Version)
}

func TestNotFoundEndpoint(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/nonexistent")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketHandshakeSuccess(t *testing.T) {
	_, ts := testServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	// Read challenge event
	var challenge Frame
	err = conn.ReadJSON(&challenge)
	require.NoError(t, err)
	assert.Equal(t, FrameTypeEvent, challenge.Type)
	assert.Equal(t, "connect.challenge", challenge.Event)

	// Send connect request
	connectReq, err := NewRequest("req-1", "connect", ConnectParams{
		MinProtocol: 1,
		MaxProtocol: 1,
		Operator: OperatorInfo{
			ID:       "test-client",
			Version:  "1.0.0",
			Platform: "linux",
		},
		Auth: &ConnectAuth{Token: "test-token-123"},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(connectReq))

	// Read hello-ok response
	var helloResp Frame
	err = conn.ReadJSON(&helloResp)
	require.NoError(t, err)
	assert.Equal(t, FrameTypeResponse, helloResp.Type)
	assert.Equal(t, "req-1", helloResp.ID)
	require.NotNil(t, helloResp.OK)
	assert.True(t, *helloResp.OK)

	// Parse hello payload
	var hello HelloOK
	require.NoError(t, json.Unmarshal(helloResp.Payload, &hello))
	assert.Equal(t, ProtocolVersion, hello.Protocol)
	assert.NotEmpty(t, hello.Server.ConnID)
	assert.False(t, hello.Server.Provisioning)
	assert.False(t, hello.Server.Connector)

	// Only methods backed by a configured collaborator are advertised.
	assert.Equal(t, []string{"config.get", "config.set", "health"}, hello.Features.Methods)
	assert.Equal(t, []string{EventConnectChallenge, EventBotProvisioned}, hello.Features.Events)
	assert.Equal(t, ServerPolicy{
		MaxPayload:         maxFramePayload,
		HandshakeTimeoutMs: handshakeTimeout.Milliseconds(),
		TurnTimeoutMs:      turnTimeout.Milliseconds(),
		OperatorTimeoutMs:  operatorCallTimeout.Milliseconds(),
	}, hello.Policy)
}

func TestWebSocketHelloAdvertisesWiredFeatures(t *testing.T) {
	_, ts := newTestServer(t,
		WithBot(nil, echoTurns(), nil),
		WithProvisioning(&fakeProvisioner{}, nil, testLedger(t)),
	)
	conn, hello := dialHello(t, ts)
	defer conn.Close()

	assert.True(t, hello.Server.Provisioning)
	assert.True(t, hello.Server.Ledger)
	assert.Contains(t, hello.Features.Methods, "chat.send")
	assert.Contains(t, hello.Features.Methods, "bots.create")
	assert.Contains(t, hello.Features.Methods, "bots.ledger")
	assert.NotContains(t, hello.Features.Methods, "token.get")
}

func TestWebSocketHandshakeProtocolMismatch(t *testing.T) {
	_, ts := testServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var challenge Frame
	require.NoError(t, conn.ReadJSON(&challenge))
	var payload ConnectChallenge
	require.NoError(t, json.Unmarshal(challenge.Payload, &payload))
	assert.NotEmpty(t, payload.Nonce)

	connectReq, _ := NewRequest("req-1", "connect", ConnectParams{
		MinProtocol: ProtocolVersion + 1,
		Operator:    OperatorInfo{ID: "future-console"},
		Auth:        &ConnectAuth{Token: testOperatorToken},
	})
	require.NoError(t, conn.WriteJSON(connectReq))

	var errResp Frame
	require.NoError(t, conn.ReadJSON(&errResp))
	require.NotNil(t, errResp.Error)
	assert.Equal(t, "protocol_error", errResp.Error.Code)
}

func TestWebSocketBotProvisionedBroadcast(t *testing.T) {
	srv, ts := testServer(t)
	conn := dialAuthenticated(t, ts)
	require.Eventually(t, func() bool { return srv.clients.Count() == 1 }, time.Second, 5*time.Millisecond)

	srv.announceBot(&provision.CreateBotResult{
		BotName:       "demo",
		ResourceName:  "demo-1a2b",
		MsaAppID:      "app-1",
		BotResourceID: "/subscriptions/s/resourceGroups/rg/providers/Microsoft.BotService/botServices/demo-1a2b",
		ClientSecret:  "do-not-broadcast",
	}, "Operator")

	var ev Frame
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventBotProvisioned, ev.Event)
	assert.NotContains(t, string(ev.Payload), "do-not-broadcast")

	var payload BotProvisionedEvent
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, "demo-1a2b", payload.ResourceName)
	assert.Equal(t, "app-1", payload.MsaAppID)
	assert.Equal(t, "Operator", payload.CreatedBy)
}

func TestWebSocketHandshakeWrongToken(t *testing.T) {
	_, ts := testServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Read challenge
	var challenge Frame
	require.NoError(t, conn.ReadJSON(&challenge))

	// Send connect with wrong token
	connectReq, _ := NewRequest("req-1", "connect", ConnectParams{
		MinProtocol: 1,
		MaxProtocol: 1,
		Operator: OperatorInfo{
			ID:       "test-client",
			Version:  "1.0.0",
			Platform: "linux",
		},
		Auth: &ConnectAuth{Token: "wrong-token"},
	})
	require.NoError(t, conn.WriteJSON(connectReq))

	// Should get error response
	var errResp Frame
	err = conn.ReadJSON(&errResp)
	require.NoError(t, err)
	assert.Equal(t, FrameTypeResponse, errResp.Type)
	require.NotNil(t, errResp.OK)
	assert.False(t, *errResp.OK)
	require.NotNil(t, errResp.Error)
	assert.Equal(t, "unauthorized", errResp.Error.Code)
}

func TestWebSocketRPCHealth(t *testing.T) {
	conn := authenticatedConn(t)
	defer conn.Close()

	// Send health RPC request
	req, _ := NewRequest("req-2", "health", nil)
	require.NoError(t, conn.WriteJSON(req))

	var resp Frame
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, FrameTypeResponse, resp.Type)
	assert.Equal(t, "req-2", resp.ID)
	require.NotNil(t, resp.OK)
	assert.True(t, *resp.OK)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(resp.Payload, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Clients)
	require.Len(t, health.Sessions, 1)
	assert.Equal(t, "Operator", health.Sessions[0].Operator)
	assert.Equal(t, "token", health.Sessions[0].AuthMethod)
}

func TestWebSocketRPCConfigGet(t *testing.T) {
	conn := authenticatedConn(t)
	defer conn.Close()

	req, _ := NewRequest("req-3", "config.get", configGetParams{Key: "gateway.port"})
	require.NoError(t, conn.WriteJSON(req))

	var resp Frame
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.OK)
	assert.True(t, *resp.OK)

	var result map[string]any
	require.NoError(t, json.Unmarshal(resp.Payload, &result))
	assert.Equal(t, "gateway.port", result["key"])
	assert.Equal(t, float64(18789), result["value"])
}

func TestWebSocketRPCConfigSet(t *testing.T) {
	conn := authenticatedConn(t)
	defer conn.Close()

	req, _ := NewRequest("req-4", "config.set", configSetParams{Key: "bot.mode", Value: "echo"})
	require.NoError(t, conn.WriteJSON(req))

	var resp Frame
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.OK)
	assert.True(t, *resp.OK)

	// Verify with get
	req2, _ := NewRequest("req-5", "config.get", configGetParams{Key: "bot.mode"})
	require.NoError(t, conn.WriteJSON(req2))

	var resp2 Frame
	require.NoError(t, conn.ReadJSON(&resp2))
	require.NotNil(t, resp2.OK)
	assert.True(t, *resp2.OK)

	var result map[string]any
	require.NoError(t, json.Unmarshal(resp2.Payload, &result))
	assert.Equal(t, "echo", result["value"])
}

func TestWebSocketRPCUnknownMethod(t *testing.T) {
	conn := authenticatedConn(t)
	defer conn.Close()

	req, _ := NewRequest("req-6", "nonexistent.method", nil)
	require.NoError(t, conn.WriteJSON(req))

	var resp Frame
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.OK)
	assert.False(t, *resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "method_not_found", resp.Error.Code)
}

func TestResolveBindAddr(t *testing.T) {
	tests := []struct {
		bind string
		port int
		want string
	}{
		{"loopback", 18789, "127.0.0.1:18789"},
		{"lan", 9999, "0.0.0.0:9999"},
		{"auto", 8080, "0.0.0.0:8080"},
		{"custom", 3000, "0.0.0.0:3000"},
		{"unknown", 5000, "127.0.0.1:5000"},
	}

	for _, tt := range tests {
		t.Run(tt.bind, func(t *testing.T) {
			addr := resolveBindAddr(config.GatewayConfig{Bind: tt.bind, Port: tt.port})
			assert.Equal(t, tt.want, addr)
		})
	}
}

func TestServerStart(t *testing.T) {
	cfg := config.Defaults()
	cfg.Gateway.Port = 0 // let OS pick a port
	cfg.Gateway.Auth.Mode = "token"
	cfg.Gateway.Auth.Token = "test-token"

	log := logging.New(nil, "silent")
	srv := New(cfg, log)

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	// Give it a moment to start
	time.Sleep(100 * time.Millisecond)

	// Stop it
	cancel()

	err := <-errCh
	assert.NoError(t, err)
}

func TestServerStart_WithMetrics(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.Port = 0

	srv := New(cfg, logging.New(nil, "silent"), WithMetrics(metrics.New()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func staticTurns() *bot.Handler {
	return bot.NewHandler(bot.Options{Mode: bot.ModeStatic}, nil, nil, nil, logging.New(nil, "silent"))
}

func echoTurns() *bot.Handler {
	return bot.NewHandler(bot.Options{Mode: bot.ModeEcho}, nil, nil, nil, logging.New(nil, "silent"))
}

func TestChatSendRPC(t *testing.T) {
	_, ts := newTestServer(t, WithBot(nil, echoTurns(), nil))
	conn := dialAuthenticated(t, ts)

	req, _ := NewRequest("chat-1", "chat.send", chatSendParams{
		Message: "Hello bot!",
	})
	require.NoError(t, conn.WriteJSON(req))

	var resp Frame
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "chat-1", resp.ID)
	require.NotNil(t, resp.OK)
	assert.True(t, *resp.OK)

	var result map[string]any
	require.NoError(t, json.Unmarshal(resp.Payload, &result))
	assert.Equal(t, `You said: "Hello bot!"`, result["text"])
	assert.True(t, strings.HasPrefix(result["conversationId"].(string), "operator:"))
	assert.NotNil(t, result["reply"])
}

func TestChatSendRPC_ExplicitConversation(t *testing.T) {
	_, ts := newTestServer(t, WithBot(nil, staticTurns(), nil))
	conn := dialAuthenticated(t, ts)

	req, _ := NewRequest("chat-4", "chat.send", chatSendParams{Message: "anything", ConversationID: "c1"})
	require.NoError(t, conn.WriteJSON(req))

	var resp Frame
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.OK)
	require.True(t, *resp.OK)

	var result map[string]any
	require.NoError(t, json.Unmarshal(resp.Payload, &result))
	assert.Equal(t, "c1", result["conversationId"])
	assert.Equal(t, bot.StaticGreeting, result["text"])
}

func TestChatSendNoTurnHandler(t *testing.T) {
	conn := authenticatedConn(t) // uses testServer (no bot)
	defer conn.Close()

	req, _ := NewRequest("chat-2", "chat.send", chatSendParams{
		Message: "Hello",
	})
	require.NoError(t, conn.WriteJSON(req))

	var resp Frame
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.OK)
	assert.False(t, *resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "unavailable", resp.Error.Code)
}

func TestChatSendEmptyMessage(t *testing.T) {
	_, ts := newTestServer(t, WithBot(nil, staticTurns(), nil))
	conn := dialAuthenticated(t, ts)

	req, _ := NewRequest("chat-3", "chat.send", chatSendParams{Message: "  "})
	require.NoError(t, conn.WriteJSON(req))

	var resp Frame
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.OK)
	assert.False(t, *resp.OK)
	assert.Equal(t, "invalid_params", resp.Error.Code)
}

// authenticatedConn returns a WebSocket connection that has completed the handshake.
func authenticatedConn(t *testing.T) *websocket.Conn {
	t.Helper()
	_, ts := testServer(t)
	return dialAuthenticated(t, ts)
}

// dialAuthenticated connects to ts and completes the operator handshake.
func dialAuthenticated(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _ := dialHello(t, ts)
	return conn
}

// dialHello completes the operator handshake and returns the hello payload.
func dialHello(t *testing.T, ts *httptest.Server) (*websocket.Conn, HelloOK) {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var challenge Frame
	require.NoError(t, conn.ReadJSON(&challenge))

	connectReq, _ := NewRequest("auth-req", "connect", ConnectParams{
		MinProtocol: ProtocolVersion,
		MaxProtocol: ProtocolVersion,
		Operator: OperatorInfo{
			ID:          "test-client",
			DisplayName: "Operator",
			Version:     "1.0.0",
			Platform:    "linux",
		},
		Auth: &ConnectAuth{Token: testOperatorToken},
	})
	require.NoError(t, conn.WriteJSON(connectReq))

	var helloResp Frame
	require.NoError(t, conn.ReadJSON(&helloResp))
	require.NotNil(t, helloResp.OK)
	require.True(t, *helloResp.OK, "handshake should succeed")

	var hello HelloOK
	require.NoError(t, json.Unmarshal(helloResp.Payload, &hello))
	return conn, hello
}
