package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/soyeahso/teamsforge/internal/config"
	"github.com/soyeahso/teamsforge/internal/domain"
	"github.com/soyeahso/teamsforge/internal/provision"
)

// safeConfigPrefixes lists config path prefixes that can be read and
// written via RPC. All other paths are denied by default (allowlist).
var safeConfigPrefixes = []string{
	"gateway.port",
	"gateway.bind",
	"gateway.customBindHost",
	"gateway.publicUrl",
	"gateway.controlUi",
	"bot.mode",
	"bot.welcome",
	"completion.model",
	"completion.maxTokens",
	"completion.temperature",
	"completion.systemPrompt",
	"provisioning",
	"logging",
}

func isAllowedConfigPath(key string) bool {
	for _, prefix := range safeConfigPrefixes {
		if key == prefix || strings.HasPrefix(key, prefix+".") {
			return true
		}
	}
	return false
}

// operatorCallTimeout bounds an operator request that reaches Azure.
const operatorCallTimeout = 2 * time.Minute

// operatorChannelID tags activities sent from the control UI.
const operatorChannelID = "operator"

// registerRPCHandlers sets up all JSON-RPC method handlers.
func (s *Server) registerRPCHandlers() {
	s.Handle("health", s.rpcHealth)
	s.Handle("config.get", s.rpcConfigGet)
	s.Handle("config.set", s.rpcConfigSet)
	s.Handle("token.get", s.rpcTokenGet)
	s.Handle("bots.list", s.rpcBotsList)
	s.Handle("bots.ledger", s.rpcBotsLedger)
	s.Handle("bots.create", s.rpcBotsCreate)
	s.Handle("chat.send", s.rpcChatSend)
}

// Built-in RPC handlers

func (s *Server) rpcHealth(rc *RequestContext) {
	resp := HealthResponse{
		Status:   "ok",
		Version:  s.version,
		Clients:  s.clients.Count(),
		Sessions: s.clients.Sessions(),
		BotMode:  s.cfg.Bot.Mode,
		Replying: s.sender != nil,
	}
	if !s.startedAt.IsZero() {
		resp.Uptime = time.Since(s.startedAt).Milliseconds()
	}
	rc.Respond(resp)
}

type configGetParams struct {
	Key string `json:"key"`
}

func (s *Server) rpcConfigGet(rc *RequestContext) {
	var p configGetParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if p.Key == "" {
		rc.RespondError("invalid_params", "key is required")
		return
	}
	if !isAllowedConfigPath(p.Key) {
		rc.RespondError("forbidden", "access denied for config path: "+p.Key)
		return
	}

	path, err := config.ParseConfigPath(p.Key)
	if err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}

	s.mu.RLock()
	val, ok := config.GetValueAtPath(s.configRaw, path)
	s.mu.RUnlock()
	if !ok {
		rc.RespondError("not_found", "key not found: "+p.Key)
		return
	}
	rc.Respond(map[string]any{"key": p.Key, "value": val})
}

type configSetParams struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// rpcConfigSet edits the in-memory config. The edit is applied to a copy and
// kept only if the result still decodes and validates.
func (s *Server) rpcConfigSet(rc *RequestContext) {
	var p configSetParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if p.Key == "" {
		rc.RespondError("invalid_params", "key is required")
		return
	}
	if !isAllowedConfigPath(p.Key) {
		rc.RespondError("forbidden", "cannot modify config path: "+p.Key)
		return
	}

	path, err := config.ParseConfigPath(p.Key)
	if err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}

	s.mu.Lock()
	next := cloneRaw(s.configRaw)
	config.SetValueAtPath(next, path, p.Value)
	cfg, err := config.FromRaw(next)
	var issues []config.ValidationIssue
	if err == nil {
		issues = config.Validate(&cfg)
		if len(issues) == 0 {
			s.configRaw = next
		}
	}
	s.mu.Unlock()

	if err != nil {
		rc.RespondError("invalid_value", err.Error())
		return
	}
	if len(issues) > 0 {
		rc.RespondErrorDetails("invalid_value", issues[0].String(), issues)
		return
	}
	rc.Respond(map[string]any{"key": p.Key, "value": p.Value})
}

func (s *Server) rpcTokenGet(rc *RequestContext) {
	if s.tokens == nil {
		rc.RespondError("unavailable", "token exchange is not configured")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), operatorCallTimeout)
	defer cancel()

	graph, arm, err := s.tokens.Tokens(ctx)
	if err != nil {
		rc.RespondError("upstream_error", err.Error())
		return
	}
	rc.Respond(tokenPair{GraphToken: graph, AzureToken: arm})
}

type botsListParams struct {
	AzureToken string `json:"azureToken,omitempty"`
}

func (s *Server) rpcBotsList(rc *RequestContext) {
	if s.provisioner == nil {
		rc.RespondError("unavailable", "provisioning is not configured")
		return
	}
	var p botsListParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), operatorCallTimeout)
	defer cancel()

	bots, err := s.provisioner.ListBots(ctx, p.AzureToken)
	if err != nil {
		code, _ := provisioningErrorShape(err)
		rc.RespondError(code, err.Error())
		return
	}
	rc.Respond(map[string]any{"value": bots})
}

func (s *Server) rpcBotsLedger(rc *RequestContext) {
	if s.ledger == nil {
		rc.RespondError("unavailable", "bot ledger is disabled")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := s.ledgerSnapshot(ctx)
	if err != nil {
		rc.RespondError("store_error", err.Error())
		return
	}
	rc.Respond(out)
}

func (s *Server) rpcBotsCreate(rc *RequestContext) {
	if s.provisioner == nil {
		rc.RespondError("unavailable", "provisioning is not configured")
		return
	}
	var p provision.CreateBotRequest
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), operatorCallTimeout)
	defer cancel()

	result, err := s.provisioner.CreateBot(ctx, p)
	if err != nil {
		code, details := provisioningErrorShape(err)
		rc.RespondErrorDetails(code, err.Error(), details)
		return
	}
	s.announceBot(result, rc.Client.Operator.Name())
	rc.Respond(result)
}

type chatSendParams struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
}

// rpcChatSend runs a message through the turn handler on behalf of the
// authenticated operator. The reply is returned, not sent to Teams.
func (s *Server) rpcChatSend(rc *RequestContext) {
	if s.turns == nil {
		rc.RespondError("unavailable", "no turn handler configured")
		return
	}

	var p chatSendParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if strings.TrimSpace(p.Message) == "" {
		rc.RespondError("invalid_params", "message is required")
		return
	}
	if p.ConversationID == "" {
		p.ConversationID = rc.Client.ConversationID()
	}

	activity := &domain.Activity{
		Type:      domain.ActivityMessage,
		ID:        rc.Frame.ID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		ChannelID: operatorChannelID,
		From: domain.ChannelAccount{
			ID:   rc.Client.ConnID,
			Name: rc.Client.Operator.Name(),
			Role: "user",
		},
		Recipient:    domain.ChannelAccount{ID: "teamsforge", Name: "teamsforge", Role: "bot"},
		Conversation: domain.ConversationAccount{ID: p.ConversationID},
		Text:         p.Message,
	}

	ctx, cancel := context.WithTimeout(context.Background(), turnTimeout)
	defer cancel()

	start := time.Now()
	reply, err := s.turns.Handle(ctx, activity)
	if err != nil {
		rc.RespondError("turn_error", err.Error())
		return
	}

	resp := map[string]any{
		"conversationId": p.ConversationID,
		"durationMs":     time.Since(start).Milliseconds(),
		"reply":          reply,
	}
	if reply != nil {
		resp["text"] = reply.Text
	}
	rc.Respond(resp)
}

// announceBot tells connected operators about a newly provisioned bot.
// The client secret is not broadcast.
func (s *Server) announceBot(r *provision.CreateBotResult, createdBy string) {
	n := s.clients.Broadcast(EventBotProvisioned, BotProvisionedEvent{
		BotName:       r.BotName,
		ResourceName:  r.ResourceName,
		MsaAppID:      r.MsaAppID,
		BotResourceID: r.BotResourceID,
		CreatedBy:     createdBy,
	}, s.eventSeq.Add(1))
	s.log.Info().Str("bot", r.BotName).Str("createdBy", createdBy).Int("notified", n).Msg("bot provisioned")
}

// cloneRaw copies the nested maps of a raw config. Leaf values are shared.
func cloneRaw(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if child, ok := v.(map[string]any); ok {
			v = cloneRaw(child)
		}
		out[k] = v
	}
	return out
}
