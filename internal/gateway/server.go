package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/soyeahso/teamsforge/internal/botauth"
	"github.com/soyeahso/teamsforge/internal/config"
	"github.com/soyeahso/teamsforge/internal/domain"
	"github.com/soyeahso/teamsforge/internal/hooks"
	"github.com/soyeahso/teamsforge/internal/logging"
	"github.com/soyeahso/teamsforge/internal/metrics"
	"github.com/soyeahso/teamsforge/internal/provision"
	"github.com/soyeahso/teamsforge/internal/store"
	"github.com/soyeahso/teamsforge/internal/version"
)

var ErrClientClosed = errors.New("client connection closed")

// BotAuthenticator validates an inbound Bot Framework request in two steps:
// the bearer token before the body is read, then the decoded activity
// against the verified token.
type BotAuthenticator interface {
	VerifyToken(ctx context.Context, authorization string) (*botauth.VerifiedToken, error)
	Authorize(tok *botauth.VerifiedToken, activity *domain.Activity) error
}

// TurnHandler produces the reply, if any, for an authenticated activity.
type TurnHandler interface {
	Handle(ctx context.Context, activity *domain.Activity) (*domain.Activity, error)
}

// ReplySender delivers a reply activity to the channel service.
type ReplySender interface {
	Send(ctx context.Context, reply *domain.Activity) (string, error)
}

// Provisioner creates and lists Azure bots.
type Provisioner interface {
	CreateBot(ctx context.Context, req provision.CreateBotRequest) (*provision.CreateBotResult, error)
	ListBots(ctx context.Context, armToken string) ([]provision.BotService, error)
}

// TokenExchanger fetches Graph and ARM tokens for the operator.
type TokenExchanger interface {
	Tokens(ctx context.Context) (graph, arm domain.OAuthToken, err error)
}

// BotLedger reads the local record of provisioned bots.
type BotLedger interface {
	List(ctx context.Context) ([]domain.BotRecord, error)
	Failures(ctx context.Context, limit int) ([]store.Failure, error)
}

// Server is the teamsforge gateway HTTP + WebSocket server.
type Server struct {
	cfg      config.Config
	auth     ResolvedAuth
	log      *logging.Logger
	clients  *ClientRegistry
	handlers map[string]RequestHandler
	version  string
	eventSeq atomic.Int64

	mu        sync.RWMutex
	configRaw map[string]any

	// Inbound bot traffic. A nil authenticator rejects every activity.
	authenticator BotAuthenticator
	turns         TurnHandler
	sender        ReplySender // nil: replies only go back in the HTTP ack

	// Operator collaborators (optional)
	provisioner Provisioner
	tokens      TokenExchanger
	ledger      BotLedger

	hooks   *hooks.Manager
	metrics *metrics.Metrics

	startedAt   time.Time
	httpServer  *http.Server
	upgrader    websocket.Upgrader
	authLimiter *authRateLimiter
}

// ServerOption configures the gateway server.
type ServerOption func(*Server)

// WithConfigRaw sets the raw config map for RPC access.
func WithConfigRaw(raw map[string]any) ServerOption {
	return func(s *Server) {
		s.configRaw = raw
	}
}

// WithHooks sets the hook manager for lifecycle events.
func WithHooks(hm *hooks.Manager) ServerOption {
	return func(s *Server) {
		s.hooks = hm
	}
}

// WithMetrics sets the Prometheus metrics sink.
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithBot sets the inbound authenticator, the turn handler and the optional
// connector used to deliver replies.
func WithBot(auth BotAuthenticator, turns TurnHandler, sender ReplySender) ServerOption {
	return func(s *Server) {
		s.authenticator = auth
		s.turns = turns
		s.sender = sender
	}
}

// WithProvisioning sets the operator's provisioning collaborators.
func WithProvisioning(p Provisioner, tokens TokenExchanger, ledger BotLedger) ServerOption {
	return func(s *Server) {
		s.provisioner = p
		s.tokens = tokens
		s.ledger = ledger
	}
}

// New creates a new gateway server.
func New(cfg config.Config, log *logging.Logger, opts ...ServerOption) *Server {
	allowedOrigins := cfg.Gateway.ControlUI.AllowedOrigins
	s := &Server{
		cfg:         cfg,
		auth:        ResolveAuth(cfg.Gateway.Auth),
		log:         log.Sub("gateway"),
		clients:     NewClientRegistry(log.Sub("clients")),
		handlers:    make(map[string]RequestHandler),
		version:     version.Version,
		configRaw:   make(map[string]any),
		authLimiter: newAuthRateLimiter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(allowedOrigins),
		},
	}

	for _, opt := range opts {
		opt(s)
	}

	s.registerRPCHandlers()
	return s
}

// checkWebSocketOrigin admits non-browser consoles (no Origin header) and
// browser origins on the control UI allowlist.
func checkWebSocketOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || isOriginAllowed(origin, allowed)
	}
}

// Handle registers an RPC method handler.
func (s *Server) Handle(method string, handler RequestHandler) {
	s.handlers[method] = handler
}

// Methods returns the registered RPC method names, sorted.
func (s *Server) Methods() []string {
	methods := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// availableMethods is Methods without those whose collaborator is missing.
// The handlers still answer "unavailable" if called.
func (s *Server) availableMethods() []string {
	var out []string
	for _, m := range s.Methods() {
		switch m {
		case "token.get":
			if s.tokens == nil {
				continue
			}
		case "bots.list", "bots.create":
			if s.provisioner == nil {
				continue
			}
		case "bots.ledger":
			if s.ledger == nil {
				continue
			}
		case "chat.send":
			if s.turns == nil {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// resolveBindAddr computes the listen address from config.
func resolveBindAddr(cfg config.GatewayConfig) string {
	switch cfg.Bind {
	case "loopback":
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	case "lan", "auto":
		return fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	case "custom":
		host := cfg.CustomBindHost
		if host == "" {
			host = "0.0.0.0"
		}
		return fmt.Sprintf("%s:%d", host, cfg.Port)
	default:
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	}
}

// Start serves the messaging endpoint, the operator API and the console
// socket until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := resolveBindAddr(s.cfg.Gateway)

	mux := http.NewServeMux()
	s.registerHTTPRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      withMiddleware(mux, s.log, s.metrics, s.cfg.Gateway.ControlUI.AllowedOrigins),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: turnTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	ln, err := s.listen(addr)
	if err != nil {
		return err
	}
	s.startedAt = time.Now()

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("auth", s.auth.Mode).
		Str("botMode", s.cfg.Bot.Mode).
		Bool("botAuth", s.authenticator != nil).
		Bool("connector", s.sender != nil).
		Bool("provisioning", s.provisioner != nil).
		Msg("gateway listening")
	s.emitLifecycle(ctx, hooks.EventGatewayStart, map[string]any{"addr": ln.Addr().String()})

	go s.shutdownOnDone(ctx)

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// listen opens addr, wrapped in TLS when configured.
func (s *Server) listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	tlsCfg := s.cfg.Gateway.TLS
	if !tlsCfg.Enabled {
		if s.cfg.Gateway.Bind != "loopback" {
			s.log.Warn().Msg("TLS is not enabled; the operator token travels in cleartext")
		}
		return ln, nil
	}
	cert, err := tls.LoadX509KeyPair(tlsCfg.CertPath, tlsCfg.KeyPath)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("loading TLS certificate: %w", err)
	}
	s.log.Info().Msg("TLS enabled")
	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}), nil
}

// shutdownOnDone drains the server once ctx is cancelled. In-flight turns get
// the shutdown grace period to finish their replies.
func (s *Server) shutdownOnDone(ctx context.Context) {
	<-ctx.Done()
	s.log.Info().Msg("shutting down gateway server")
	s.emitLifecycle(context.Background(), hooks.EventGatewayStop, nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.clients.CloseAll()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("gateway shutdown incomplete")
	}
}

func (s *Server) emitLifecycle(ctx context.Context, event string, data map[string]any) {
	if s.hooks != nil {
		s.hooks.Emit(ctx, event, data)
	}
}

// Addr returns the configured listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.httpServer != nil {
		return s.httpServer.Addr
	}
	return ""
}

// handleWebSocket upgrades an operator console connection, runs the
// handshake and then serves RPC frames until the socket closes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authLimiter.allow(r.RemoteAddr) {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("operator console rate limited")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxFramePayload)

	client, err := s.handshake(conn)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("operator handshake failed")
		s.authLimiter.recordFailure(r.RemoteAddr)
		conn.Close()
		return
	}

	s.clients.Add(client)
	s.metrics.SetWSClients(s.clients.Count())
	defer func() {
		s.clients.Remove(client.ConnID)
		s.metrics.SetWSClients(s.clients.Count())
		client.Close()
	}()

	s.readLoop(client)
}

// handshake runs challenge, connect and hello-ok under handshakeTimeout.
func (s *Server) handshake(conn *websocket.Conn) (*Client, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	challenge, err := NewEvent(EventConnectChallenge, ConnectChallenge{
		Nonce: uuid.New().String(),
		TS:    time.Now().UnixMilli(),
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("creating challenge: %w", err)
	}
	if err := conn.WriteJSON(challenge); err != nil {
		return nil, fmt.Errorf("sending challenge: %w", err)
	}

	var frame Frame
	if err := conn.ReadJSON(&frame); err != nil {
		return nil, fmt.Errorf("reading connect: %w", err)
	}
	if frame.Type != FrameTypeRequest || frame.Method != "connect" {
		sendErrorAndClose(conn, frame.ID, "protocol_error", "expected connect request")
		return nil, fmt.Errorf("expected connect request, got type=%s method=%s", frame.Type, frame.Method)
	}

	var params ConnectParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		sendErrorAndClose(conn, frame.ID, "invalid_params", "invalid connect params")
		return nil, fmt.Errorf("parsing connect params: %w", err)
	}
	if err := params.negotiate(); err != nil {
		sendErrorAndClose(conn, frame.ID, "protocol_error", err.Error())
		return nil, err
	}

	authResult := Authorize(s.auth, params.Auth)
	if !authResult.OK {
		sendErrorAndClose(conn, frame.ID, "unauthorized", authResult.Reason)
		return nil, fmt.Errorf("operator %q: %s", params.Operator.ID, authResult.Reason)
	}
	conn.SetReadDeadline(time.Time{})

	client := NewClient(conn, params.Operator, authResult)
	resp, err := NewResponse(frame.ID, s.hello(client))
	if err != nil {
		return nil, fmt.Errorf("creating hello response: %w", err)
	}
	if err := conn.WriteJSON(resp); err != nil {
		return nil, fmt.Errorf("sending hello: %w", err)
	}

	s.log.Info().
		Str("connId", client.ConnID).
		Str("operator", params.Operator.Name()).
		Str("operatorVersion", params.Operator.Version).
		Str("auth", authResult.Method).
		Msg("operator authenticated")
	return client, nil
}

// hello describes this gateway to a newly authenticated operator.
func (s *Server) hello(client *Client) HelloOK {
	return HelloOK{
		Protocol: ProtocolVersion,
		Server: ServerInfo{
			Version:      s.version,
			Commit:       version.Commit,
			ConnID:       client.ConnID,
			BotMode:      s.cfg.Bot.Mode,
			Provisioning: s.provisioner != nil,
			Connector:    s.sender != nil,
			Ledger:       s.ledger != nil,
		},
		Features: Features{
			Methods: s.availableMethods(),
			Events:  []string{EventConnectChallenge, EventBotProvisioned},
		},
		Policy: ServerPolicy{
			MaxPayload:         maxFramePayload,
			HandshakeTimeoutMs: handshakeTimeout.Milliseconds(),
			TurnTimeoutMs:      turnTimeout.Milliseconds(),
			OperatorTimeoutMs:  operatorCallTimeout.Milliseconds(),
		},
	}
}

// readLoop serves request frames from an authenticated operator until the
// socket closes. Requests run one at a time per connection.
func (s *Server) readLoop(client *Client) {
	for {
		frame, err := client.ReadFrame()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Str("connId", client.ConnID).Msg("operator closed connection")
			} else {
				s.log.Warn().Err(err).Str("connId", client.ConnID).Str("operator", client.Operator.Name()).Msg("operator read error")
			}
			return
		}
		if frame.Type != FrameTypeRequest {
			s.log.Debug().Str("connId", client.ConnID).Str("type", frame.Type).Msg("ignoring non-request frame")
			continue
		}
		s.dispatch(client, frame)
	}
}

// dispatch runs the handler registered for frame.Method.
func (s *Server) dispatch(client *Client, frame Frame) {
	handler, ok := s.handlers[frame.Method]
	if !ok {
		client.RespondError(frame.ID, ErrorShape{
			Code:    "method_not_found",
			Message: "unknown method: " + frame.Method,
		})
		return
	}

	start := time.Now()
	handler(&RequestContext{Client: client, Frame: frame, Server: s})
	s.log.Debug().
		Str("connId", client.ConnID).
		Str("operator", client.Operator.Name()).
		Str("method", frame.Method).
		Dur("took", time.Since(start)).
		Msg("rpc handled")
}

// sendErrorAndClose answers a failed handshake and closes the socket.
func sendErrorAndClose(conn *websocket.Conn, reqID, code, message string) {
	conn.WriteJSON(NewErrorResponse(reqID, ErrorShape{Code: code, Message: message}))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message))
}
