// Package provision creates Teams bots in Azure: an AD application, its
// client secret, and a Bot Service registration pointing at this gateway.
package provision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/soyeahso/teamsforge/internal/azauth"
	"github.com/soyeahso/teamsforge/internal/config"
	"github.com/soyeahso/teamsforge/internal/domain"
	"github.com/soyeahso/teamsforge/internal/hooks"
	"github.com/soyeahso/teamsforge/internal/logging"
	"github.com/soyeahso/teamsforge/internal/metrics"
	"github.com/soyeahso/teamsforge/internal/store"
)

// MessagesPath is the inbound route every provisioned bot points at.
const MessagesPath = "/api/messages"

// Bot Service names are limited to 64 characters and we append
// "-<unixMillis>" (14 characters).
var botNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,49}$`)

// TokenProvider exchanges service principal credentials for tokens.
type TokenProvider interface {
	Token(ctx context.Context, scope string) (domain.OAuthToken, error)
	Tokens(ctx context.Context) (graph, arm domain.OAuthToken, err error)
}

// Applications manages Azure AD applications.
type Applications interface {
	CreateApplication(ctx context.Context, token, botName string) (domain.AppRegistration, error)
	AddPassword(ctx context.Context, token, objectID string) (string, error)
	DeleteApplication(ctx context.Context, token, objectID string) error
}

// BotServices manages Bot Service registrations.
type BotServices interface {
	PutBotService(ctx context.Context, token, resourceName string, props BotServiceProperties) (*BotService, error)
	ListBotServices(ctx context.Context, token string) ([]BotService, error)
}

// Ledger records provisioning outcomes.
type Ledger interface {
	Record(ctx context.Context, rec domain.BotRecord) (*domain.BotRecord, error)
	RecordFailure(ctx context.Context, f store.Failure) error
}

// Emitter publishes lifecycle events.
type Emitter interface {
	Emit(ctx context.Context, event string, data map[string]any)
}

// CreateBotRequest is the input to CreateBot. Tokens are optional; absent
// ones are obtained from the configured service principal.
type CreateBotRequest struct {
	BotName     string `json:"botName"`
	Description string `json:"shortDescription,omitempty"`
	GraphToken  string `json:"graphToken,omitempty"`
	AzureToken  string `json:"azureToken,omitempty"`
}

// CreateBotResult is returned once on success. ClientSecret is not stored
// anywhere and cannot be retrieved again.
type CreateBotResult struct {
	MsaAppID      string `json:"msaAppId"`
	ObjectID      string `json:"objectId"`
	ClientSecret  string `json:"clientSecret"`
	BotResourceID string `json:"botResourceId"`
	BotName       string `json:"botName"`
	ResourceName  string `json:"resourceName"`
	Endpoint      string `json:"endpoint"`
}

// Options configures an Orchestrator.
type Options struct {
	PublicURL string // externally reachable base URL of the gateway
	Rollback  bool   // delete the AD application when registration fails
}

// Orchestrator sequences the provisioning steps.
type Orchestrator struct {
	tokens  TokenProvider
	apps    Applications
	bots    BotServices
	ledger  Ledger
	events  Emitter
	metrics *metrics.Metrics
	opts    Options
	now     func() time.Time
	log     *logging.Logger
}

// NewOrchestrator creates an orchestrator. tokens, ledger, events and m may
// be nil.
func NewOrchestrator(opts Options, tokens TokenProvider, apps Applications, bots BotServices,
	ledger Ledger, events Emitter, m *metrics.Metrics, log *logging.Logger) *Orchestrator {
	return &Orchestrator{
		tokens:  tokens,
		apps:    apps,
		bots:    bots,
		ledger:  ledger,
		events:  events,
		metrics: m,
		opts:    opts,
		now:     time.Now,
		log:     log.Sub("provision"),
	}
}

// Validate checks a request before any upstream call is made.
func (o *Orchestrator) Validate(req CreateBotRequest) error {
	name := strings.TrimSpace(req.BotName)
	if name == "" {
		return &ValidationError{Field: "botName", Message: "Bot Name is required."}
	}
	if !botNamePattern.MatchString(name) {
		return &ValidationError{Field: "botName",
			Message: "Bot Name must start with a letter or digit and contain only letters, digits, '-', '_' or '.' (max 50)."}
	}
	if o.opts.PublicURL == "" {
		return errors.New("provision: public URL is not configured (set TEAMSFORGE_PUBLIC_URL)")
	}
	if (req.GraphToken == "" || req.AzureToken == "") && o.tokens == nil {
		if req.GraphToken == "" {
			return &ValidationError{Field: "graphToken", Message: "Graph Token is required."}
		}
		return &ValidationError{Field: "azureToken", Message: "Azure Token is required."}
	}
	return nil
}

// Endpoint returns the messaging endpoint registered for new bots.
func (o *Orchestrator) Endpoint() string {
	return strings.TrimSuffix(o.opts.PublicURL, "/") + MessagesPath
}

// CreateBot creates the AD application, its secret and the Bot Service
// registration, in that order. The first failing step aborts the sequence.
func (o *Orchestrator) CreateBot(ctx context.Context, req CreateBotRequest) (*CreateBotResult, error) {
	req.BotName = strings.TrimSpace(req.BotName)
	if err := o.Validate(req); err != nil {
		return nil, err
	}

	graphToken, armToken, err := o.resolveTokens(ctx, req.GraphToken, req.AzureToken)
	if err != nil {
		o.step(StepTokens, err)
		o.recordFailure(ctx, req.BotName, StepTokens, "", err, false)
		return nil, err
	}

	app, err := o.apps.CreateApplication(ctx, graphToken, req.BotName)
	o.step(StepCreateApplication, err)
	if err != nil {
		o.recordFailure(ctx, req.BotName, StepCreateApplication, "", err, false)
		return nil, err
	}
	o.log.Info().Str("bot", req.BotName).Str("appId", app.AppID).Msg("application created")

	secret, err := o.apps.AddPassword(ctx, graphToken, app.ObjectID)
	o.step(StepAddPassword, err)
	if err != nil {
		rolledBack := o.rollback(ctx, graphToken, app)
		o.recordFailure(ctx, req.BotName, StepAddPassword, app.AppID, err, rolledBack)
		return nil, err
	}

	resourceName := req.BotName + "-" + strconv.FormatInt(o.now().UnixMilli(), 10)
	endpoint := o.Endpoint()
	svc, err := o.bots.PutBotService(ctx, armToken, resourceName, BotServiceProperties{
		DisplayName: req.BotName,
		Description: req.Description,
		Endpoint:    endpoint,
		MsaAppID:    app.AppID,
	})
	o.step(StepPutBotService, err)
	if err != nil {
		rolledBack := o.rollback(ctx, graphToken, app)
		o.recordFailure(ctx, req.BotName, StepPutBotService, app.AppID, err, rolledBack)
		return nil, err
	}

	result := &CreateBotResult{
		MsaAppID:      app.AppID,
		ObjectID:      app.ObjectID,
		ClientSecret:  secret,
		BotResourceID: svc.ID,
		BotName:       req.BotName,
		ResourceName:  resourceName,
		Endpoint:      endpoint,
	}
	o.log.Info().Str("bot", req.BotName).Str("resource", resourceName).Str("appId", app.AppID).Msg("bot provisioned")

	o.record(ctx, result)
	if o.events != nil {
		o.events.Emit(ctx, hooks.EventBotProvisioned, map[string]any{
			"botName":       result.BotName,
			"resourceName":  result.ResourceName,
			"msaAppId":      result.MsaAppID,
			"objectId":      result.ObjectID,
			"botResourceId": result.BotResourceID,
			"endpoint":      result.Endpoint,
		})
	}
	return result, nil
}

// ListBots returns every Bot Service in the subscription. An empty token is
// obtained from the service principal.
func (o *Orchestrator) ListBots(ctx context.Context, armToken string) ([]BotService, error) {
	if armToken == "" {
		if o.tokens == nil {
			return nil, &ValidationError{Field: "azureToken", Message: "Azure Token is required."}
		}
		tok, err := o.tokens.Token(ctx, azauth.ManagementScope)
		if err != nil {
			return nil, err
		}
		armToken = tok.AccessToken
	}
	return o.bots.ListBotServices(ctx, armToken)
}

func (o *Orchestrator) resolveTokens(ctx context.Context, graphToken, armToken string) (string, string, error) {
	switch {
	case graphToken != "" && armToken != "":
		return graphToken, armToken, nil
	case graphToken == "" && armToken == "":
		graph, arm, err := o.tokens.Tokens(ctx)
		if err != nil {
			return "", "", fmt.Errorf("acquiring tokens: %w", err)
		}
		return graph.AccessToken, arm.AccessToken, nil
	case graphToken == "":
		tok, err := o.tokens.Token(ctx, azauth.GraphScope)
		if err != nil {
			return "", "", fmt.Errorf("acquiring graph token: %w", err)
		}
		return tok.AccessToken, armToken, nil
	default:
		tok, err := o.tokens.Token(ctx, azauth.ManagementScope)
		if err != nil {
			return "", "", fmt.Errorf("acquiring management token: %w", err)
		}
		return graphToken, tok.AccessToken, nil
	}
}

// rollback deletes the application best-effort. The caller's error is the
// one reported; a cleanup failure is only logged.
func (o *Orchestrator) rollback(ctx context.Context, graphToken string, app domain.AppRegistration) bool {
	if !o.opts.Rollback {
		o.log.Warn().Str("appId", app.AppID).Msg("registration failed, application left in place")
		return false
	}
	// The request context may already be cancelled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	err := o.apps.DeleteApplication(ctx, graphToken, app.ObjectID)
	o.step(StepDeleteApplication, err)
	if err != nil {
		o.log.Error().Err(err).Str("appId", app.AppID).Msg("rollback failed, application orphaned")
		return false
	}
	o.log.Info().Str("appId", app.AppID).Msg("application rolled back")
	return true
}

func (o *Orchestrator) record(ctx context.Context, r *CreateBotResult) {
	if o.ledger == nil {
		return
	}
	_, err := o.ledger.Record(ctx, domain.BotRecord{
		BotName:      r.BotName,
		ResourceName: r.ResourceName,
		AppID:        r.MsaAppID,
		ObjectID:     r.ObjectID,
		ResourceID:   r.BotResourceID,
		Endpoint:     r.Endpoint,
		CreatedAt:    o.now().UTC(),
	})
	if err != nil {
		o.log.Error().Err(err).Str("appId", r.MsaAppID).Msg("failed to record bot in ledger")
	}
}

func (o *Orchestrator) recordFailure(ctx context.Context, botName, step, appID string, cause error, rolledBack bool) {
	o.log.Warn().Err(cause).Str("bot", botName).Str("step", step).Msg("provisioning failed")
	if o.ledger == nil {
		return
	}
	err := o.ledger.RecordFailure(ctx, store.Failure{
		BotName:    botName,
		Step:       step,
		AppID:      appID,
		Error:      cause.Error(),
		RolledBack: rolledBack,
		CreatedAt:  o.now().UTC(),
	})
	if err != nil {
		o.log.Error().Err(err).Str("bot", botName).Msg("failed to record provisioning failure")
	}
}

func (o *Orchestrator) step(name string, err error) {
	o.metrics.RecordProvisionStep(name, err == nil)
}

// FromConfig wires an orchestrator against the configured Graph and ARM
// endpoints, each call bounded by the Azure timeout.
func FromConfig(cfg *config.Config, tokens TokenProvider, ledger Ledger, events Emitter,
	m *metrics.Metrics, log *logging.Logger) *Orchestrator {
	client := &http.Client{Timeout: time.Duration(cfg.Azure.TimeoutSeconds) * time.Second}
	arm := NewARMClient(ARMOptions{
		BaseURL:        cfg.Azure.ManagementURL,
		SubscriptionID: cfg.Azure.SubscriptionID,
		ResourceGroup:  cfg.Azure.ResourceGroup,
		Location:       cfg.Provisioning.Location,
		SKU:            cfg.Provisioning.SKU,
	}, client)
	opts := Options{
		PublicURL: cfg.Gateway.PublicURL,
		Rollback:  config.BoolValue(cfg.Provisioning.Rollback, true),
	}
	return NewOrchestrator(opts, tokens, NewGraphClient(cfg.Azure.GraphURL, client), arm, ledger, events, m, log)
}
