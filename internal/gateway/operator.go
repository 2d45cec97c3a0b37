package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/soyeahso/teamsforge/internal/domain"
	"github.com/soyeahso/teamsforge/internal/provision"
	"github.com/soyeahso/teamsforge/internal/store"
)

// maxOperatorBody caps an operator API request body.
const maxOperatorBody = 64 << 10

// knownRoutes are the paths reported individually in HTTP metrics.
var knownRoutes = []string{
	"/health",
	"/metrics",
	"/ws",
	MessagesPath,
	MessagesAliasPath,
	"/api/token",
	"/api/bots",
	"/api/ledger",
	"/api/manifest",
}

// registerHTTPRoutes sets up all HTTP routes on the server mux.
func (s *Server) registerHTTPRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// Method dispatch happens inside so the 405 body is JSON.
	mux.HandleFunc(MessagesPath, s.handleMessages)
	mux.HandleFunc(MessagesAliasPath, s.handleMessages)

	mux.HandleFunc("GET /api/token", s.requireOperator(s.handleToken))
	mux.HandleFunc("GET /api/bots", s.requireOperator(s.handleListBots))
	mux.HandleFunc("POST /api/bots", s.requireOperator(s.handleCreateBot))
	mux.HandleFunc("GET /api/ledger", s.requireOperator(s.handleLedger))
	mux.HandleFunc("POST /api/manifest", s.requireOperator(s.handleManifest))

	// Catch-all for unknown routes
	mux.HandleFunc("/", handleNotFound)
}

// tokenPair is the body of GET /api/token.
type tokenPair struct {
	GraphToken domain.OAuthToken `json:"graphToken"`
	AzureToken domain.OAuthToken `json:"azureToken"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		writeMessage(w, http.StatusServiceUnavailable, "Token exchange is not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), operatorCallTimeout)
	defer cancel()

	graph, arm, err := s.tokens.Tokens(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("token exchange failed")
		writeMessage(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tokenPair{GraphToken: graph, AzureToken: arm})
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	if s.provisioner == nil {
		writeMessage(w, http.StatusServiceUnavailable, "Provisioning is not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), operatorCallTimeout)
	defer cancel()

	bots, err := s.provisioner.ListBots(ctx, r.Header.Get("X-Azure-Token"))
	if err != nil {
		writeProvisioningError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"value": bots})
}

func (s *Server) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	if s.provisioner == nil {
		writeMessage(w, http.StatusServiceUnavailable, "Provisioning is not configured")
		return
	}

	var req provision.CreateBotRequest
	if err := decodeBody(r.Body, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), operatorCallTimeout)
	defer cancel()

	result, err := s.provisioner.CreateBot(ctx, req)
	if err != nil {
		writeProvisioningError(w, err)
		return
	}
	s.announceBot(result, "api:"+clientIP(r.RemoteAddr))

	writeJSON(w, http.StatusOK, struct {
		Message string `json:"message"`
		*provision.CreateBotResult
	}{Message: "Bot successfully created!", CreateBotResult: result})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeMessage(w, http.StatusServiceUnavailable, "Bot ledger is disabled")
		return
	}
	out, err := s.ledgerSnapshot(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("reading ledger failed")
		writeMessage(w, http.StatusInternalServerError, "Failed to read ledger")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	var opts provision.ManifestOptions
	if err := decodeBody(r.Body, &opts); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if opts.WebsiteURL == "" && strings.HasPrefix(s.cfg.Gateway.PublicURL, "https://") {
		opts.WebsiteURL = s.cfg.Gateway.PublicURL
	}

	pkg, err := provision.BuildManifest(opts)
	if err != nil {
		writeProvisioningError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+provision.ManifestFileName(opts.Name)+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(pkg)
}

// ledgerSnapshot is the body of GET /api/ledger and bots.ledger.
type ledgerSnapshot struct {
	Bots     []domain.BotRecord `json:"bots"`
	Failures []store.Failure    `json:"failures"`
}

func (s *Server) ledgerSnapshot(ctx context.Context) (*ledgerSnapshot, error) {
	bots, err := s.ledger.List(ctx)
	if err != nil {
		return nil, err
	}
	failures, err := s.ledger.Failures(ctx, 20)
	if err != nil {
		return nil, err
	}
	if bots == nil {
		bots = []domain.BotRecord{}
	}
	if failures == nil {
		failures = []store.Failure{}
	}
	return &ledgerSnapshot{Bots: bots, Failures: failures}, nil
}

// upstreamErrorBody is returned when Graph or ARM rejects a call. Body is the
// upstream response, unchanged.
type upstreamErrorBody struct {
	Message string `json:"message"`
	Service string `json:"service"`
	Step    string `json:"step"`
	Status  int    `json:"status,omitempty"`
	Body    string `json:"body,omitempty"`
}

// provisioningErrorShape maps a provisioning error to an RPC code and details.
func provisioningErrorShape(err error) (string, any) {
	var verr *provision.ValidationError
	if errors.As(err, &verr) {
		return "invalid_params", map[string]string{"field": verr.Field}
	}
	var uerr *provision.UpstreamError
	if errors.As(err, &uerr) {
		return "upstream_error", upstreamErrorBody{
			Message: uerr.Error(),
			Service: uerr.Service,
			Step:    uerr.Step,
			Status:  uerr.Status,
			Body:    uerr.Body,
		}
	}
	return "provision_error", nil
}

func writeProvisioningError(w http.ResponseWriter, err error) {
	var verr *provision.ValidationError
	if errors.As(err, &verr) {
		writeMessage(w, http.StatusBadRequest, verr.Message)
		return
	}
	var uerr *provision.UpstreamError
	if errors.As(err, &uerr) {
		writeJSON(w, http.StatusInternalServerError, upstreamErrorBody{
			Message: uerr.Error(),
			Service: uerr.Service,
			Step:    uerr.Step,
			Status:  uerr.Status,
			Body:    uerr.Body,
		})
		return
	}
	writeMessage(w, http.StatusInternalServerError, err.Error())
}

func decodeBody(body io.Reader, target any) error {
	return json.NewDecoder(io.LimitReader(body, maxOperatorBody)).Decode(target)
}
