package provision

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/soyeahso/teamsforge/internal/domain"
)

// MicrosoftGraphAppID is the resource application id of Microsoft Graph.
const MicrosoftGraphAppID = "00000003-0000-0000-c000-000000000000"

// SecretDisplayName labels the client secret generated for each bot.
const SecretDisplayName = "BotAppSecret"

// ResourceAccess is one Graph permission requested by an application.
// Type is "Scope" for delegated and "Role" for application permissions.
type ResourceAccess struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// RequiredPermissions is the fixed permission set granted to every bot
// application.
var RequiredPermissions = []ResourceAccess{
	{ID: "ebf0f66e-9fb1-49e4-a278-222f76911cf4", Type: "Scope"},
	{ID: "5922d31f-46c8-4404-9eaf-2117e390a8a4", Type: "Scope"},
	{ID: "6b7d71aa-70aa-4810-a8d9-5d9fb2830017", Type: "Role"},
	{ID: "294ce7c9-31ba-490a-ad7d-97a7d075e4ed", Type: "Role"},
	{ID: "7e9a077b-3711-42b9-b7cb-5fa5f3f7fea7", Type: "Scope"},
	{ID: "2280dda6-0bfd-44ee-a2f4-cb867cfc4c1e", Type: "Role"},
	{ID: "485be79e-c497-4b35-9400-0e3fa7f2a5d4", Type: "Scope"},
	{ID: "9e19bae1-2623-4c4f-ab6e-2664615ff9a0", Type: "Role"},
	{ID: "a96d855f-016b-47d7-b51c-1218a98d791c", Type: "Role"},
	{ID: "b98bfd41-87c6-45cc-b104-e2de4f0dafb9", Type: "Scope"},
}

// GraphClient creates and removes Azure AD applications.
type GraphClient struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
}

// NewGraphClient creates a Graph client. baseURL should be like
// "https://graph.microsoft.com/v1.0".
func NewGraphClient(baseURL string, client *http.Client) *GraphClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &GraphClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
		now:     time.Now,
	}
}

type requiredResourceAccess struct {
	ResourceAppID  string           `json:"resourceAppId"`
	ResourceAccess []ResourceAccess `json:"resourceAccess"`
}

type createApplicationRequest struct {
	DisplayName            string                   `json:"displayName"`
	SignInAudience         string                   `json:"signInAudience"`
	RequiredResourceAccess []requiredResourceAccess `json:"requiredResourceAccess"`
}

type applicationResponse struct {
	ID    string `json:"id"`
	AppID string `json:"appId"`
}

// CreateApplication registers "<botName>-App" with the required Graph
// permissions. The returned registration carries no secret yet.
func (g *GraphClient) CreateApplication(ctx context.Context, token, botName string) (domain.AppRegistration, error) {
	body := createApplicationRequest{
		DisplayName:    botName + "-App",
		SignInAudience: "AzureADMultipleOrgs",
		RequiredResourceAccess: []requiredResourceAccess{{
			ResourceAppID:  MicrosoftGraphAppID,
			ResourceAccess: RequiredPermissions,
		}},
	}

	var resp applicationResponse
	if err := doJSON(ctx, g.client, http.MethodPost, g.baseURL+"/applications", token, body, &resp,
		ServiceGraph, StepCreateApplication); err != nil {
		return domain.AppRegistration{}, err
	}
	if resp.AppID == "" || resp.ID == "" {
		return domain.AppRegistration{}, &UpstreamError{Service: ServiceGraph, Step: StepCreateApplication,
			Status: http.StatusOK, Err: fmt.Errorf("response missing appId or id")}
	}
	return domain.AppRegistration{AppID: resp.AppID, ObjectID: resp.ID}, nil
}

type passwordCredential struct {
	DisplayName string `json:"displayName"`
	EndDateTime string `json:"endDateTime"`
}

type addPasswordRequest struct {
	PasswordCredential passwordCredential `json:"passwordCredential"`
}

type addPasswordResponse struct {
	SecretText string `json:"secretText"`
}

// AddPassword generates a client secret valid for one year. The secret text
// is only available in this response.
func (g *GraphClient) AddPassword(ctx context.Context, token, objectID string) (string, error) {
	body := addPasswordRequest{PasswordCredential: passwordCredential{
		DisplayName: SecretDisplayName,
		EndDateTime: g.now().UTC().AddDate(1, 0, 0).Format(time.RFC3339),
	}}

	var resp addPasswordResponse
	endpoint := g.baseURL + "/applications/" + url.PathEscape(objectID) + "/addPassword"
	if err := doJSON(ctx, g.client, http.MethodPost, endpoint, token, body, &resp,
		ServiceGraph, StepAddPassword); err != nil {
		return "", err
	}
	if resp.SecretText == "" {
		return "", &UpstreamError{Service: ServiceGraph, Step: StepAddPassword,
			Status: http.StatusOK, Err: fmt.Errorf("response missing secretText")}
	}
	return resp.SecretText, nil
}

// DeleteApplication removes an application by object id.
func (g *GraphClient) DeleteApplication(ctx context.Context, token, objectID string) error {
	endpoint := g.baseURL + "/applications/" + url.PathEscape(objectID)
	return doJSON(ctx, g.client, http.MethodDelete, endpoint, token, nil, nil,
		ServiceGraph, StepDeleteApplication)
}
