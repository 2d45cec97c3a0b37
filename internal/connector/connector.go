// Package connector posts reply activities to the Bot Framework connector
// service named by each inbound activity's serviceUrl.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/soyeahso/teamsforge/internal/azauth"
	"github.com/soyeahso/teamsforge/internal/config"
	"github.com/soyeahso/teamsforge/internal/domain"
	"github.com/soyeahso/teamsforge/internal/logging"
	"github.com/soyeahso/teamsforge/internal/metrics"
	"github.com/soyeahso/teamsforge/internal/version"
	"golang.org/x/oauth2"
)

// ErrDisabled is returned by FromConfig when no bot password is configured.
var ErrDisabled = errors.New("connector: APP_PASSWORD not set, replies are returned inline only")

// Client sends activities to the connector service.
type Client struct {
	tokens  oauth2.TokenSource
	http    *http.Client
	metrics *metrics.Metrics
	log     *logging.Logger
}

// New creates a Client that authenticates with tokens.
func New(tokens oauth2.TokenSource, httpClient *http.Client, m *metrics.Metrics, log *logging.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		tokens:  tokens,
		http:    httpClient,
		metrics: m,
		log:     log.Sub("connector"),
	}
}

// FromConfig creates a Client that obtains bot tokens with the bot's own app
// id and password. It returns ErrDisabled when the password is absent.
func FromConfig(ctx context.Context, cfg config.BotConfig, authorityHost string, m *metrics.Metrics, log *logging.Logger) (*Client, error) {
	if cfg.AppPassword == "" {
		return nil, ErrDisabled
	}
	if cfg.AppID == "" {
		return nil, &config.MissingError{Component: "bot connector", Vars: []string{"APP_ID"}}
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}

	ex := azauth.New(azauth.Credentials{
		TenantID:     cfg.ConnectorTenant,
		ClientID:     cfg.AppID,
		ClientSecret: cfg.AppPassword,
	}, log, azauth.WithAuthorityHost(authorityHost), azauth.WithHTTPClient(httpClient), azauth.WithTimeout(timeout))

	return New(ex.TokenSource(ctx, azauth.BotFrameworkScope), httpClient, m, log), nil
}

// SendError is a non-2xx response from the connector.
type SendError struct {
	Status int
	Body   string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("connector: send failed (%d): %s", e.Status, e.Body)
}

// ActivityURL returns the endpoint a reply to replyToID is posted to. Without
// a replyToID the activity is appended to the conversation.
func ActivityURL(serviceURL, conversationID, replyToID string) (string, error) {
	base, err := url.Parse(serviceURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("connector: invalid serviceUrl %q", serviceURL)
	}
	if conversationID == "" {
		return "", errors.New("connector: conversation id is required")
	}

	base.RawQuery = ""
	base.Fragment = ""
	endpoint := strings.TrimRight(base.String(), "/") + "/v3/conversations/" + url.PathEscape(conversationID) + "/activities"
	if replyToID != "" {
		endpoint += "/" + url.PathEscape(replyToID)
	}
	return endpoint, nil
}

// Send posts a reply activity and returns the id assigned by the service.
func (c *Client) Send(ctx context.Context, reply *domain.Activity) (string, error) {
	endpoint, err := ActivityURL(reply.ServiceURL, reply.Conversation.ID, reply.ReplyToID)
	if err != nil {
		return "", err
	}

	tok, err := c.tokens.Token()
	if err != nil {
		c.metrics.RecordReply("token_error")
		return "", fmt.Errorf("connector: bot token: %w", err)
	}

	payload, err := json.Marshal(reply)
	if err != nil {
		return "", fmt.Errorf("connector: marshal activity: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("connector: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	tok.SetAuthHeader(req)

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordReply("error")
		return "", fmt.Errorf("connector: send: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.metrics.RecordReply(fmt.Sprintf("%d", resp.StatusCode))
		c.log.Warn().Int("status", resp.StatusCode).Str("conversation", reply.Conversation.ID).Msg("connector rejected reply")
		return "", &SendError{Status: resp.StatusCode, Body: string(body)}
	}

	c.metrics.RecordReply("ok")
	var res struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(body, &res)
	c.log.Debug().Str("conversation", reply.Conversation.ID).Str("id", res.ID).Msg("reply sent")
	return res.ID, nil
}
