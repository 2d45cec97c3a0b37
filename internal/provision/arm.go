package provision

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// BotServiceAPIVersion is the Microsoft.BotService api-version used for all calls.
const BotServiceAPIVersion = "2021-03-01"

// BotServiceProperties is the properties block of a Bot Service resource.
type BotServiceProperties struct {
	DisplayName    string `json:"displayName"`
	Description    string `json:"description,omitempty"`
	Endpoint       string `json:"endpoint"`
	MsaAppID       string `json:"msaAppId"`
	RuntimeVersion string `json:"runtimeVersion,omitempty"`
}

// BotService is an Azure Bot Service resource.
type BotService struct {
	ID         string               `json:"id,omitempty"`
	Name       string               `json:"name,omitempty"`
	Location   string               `json:"location"`
	Kind       string               `json:"kind"`
	SKU        SKU                  `json:"sku"`
	Properties BotServiceProperties `json:"properties"`
}

// SKU names a Bot Service pricing tier.
type SKU struct {
	Name string `json:"name"`
}

// ARMClient registers Bot Service resources in one subscription and
// resource group.
type ARMClient struct {
	baseURL        string
	subscriptionID string
	resourceGroup  string
	location       string
	sku            string
	client         *http.Client
}

// ARMOptions configures an ARMClient.
type ARMOptions struct {
	BaseURL        string // e.g. "https://management.azure.com"
	SubscriptionID string
	ResourceGroup  string
	Location       string // default "global"
	SKU            string // default "F0"
}

// NewARMClient creates an ARM client.
func NewARMClient(opts ARMOptions, client *http.Client) *ARMClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Location == "" {
		opts.Location = "global"
	}
	if opts.SKU == "" {
		opts.SKU = "F0"
	}
	return &ARMClient{
		baseURL:        strings.TrimSuffix(opts.BaseURL, "/"),
		subscriptionID: opts.SubscriptionID,
		resourceGroup:  opts.ResourceGroup,
		location:       opts.Location,
		sku:            opts.SKU,
		client:         client,
	}
}

// BotServiceURL returns the resource URL for a bot service named resourceName.
func (a *ARMClient) BotServiceURL(resourceName string) string {
	return a.baseURL + "/subscriptions/" + url.PathEscape(a.subscriptionID) +
		"/resourceGroups/" + url.PathEscape(a.resourceGroup) +
		"/providers/Microsoft.BotService/botServices/" + url.PathEscape(resourceName) +
		"?api-version=" + BotServiceAPIVersion
}

// PutBotService registers resourceName as a registration-kind bot pointing at
// endpoint and authenticated as msaAppID.
func (a *ARMClient) PutBotService(ctx context.Context, token, resourceName string, props BotServiceProperties) (*BotService, error) {
	if props.RuntimeVersion == "" {
		props.RuntimeVersion = "v4.0"
	}
	body := BotService{
		Location:   a.location,
		Kind:       "registration",
		SKU:        SKU{Name: a.sku},
		Properties: props,
	}

	var resp BotService
	if err := doJSON(ctx, a.client, http.MethodPut, a.BotServiceURL(resourceName), token, body, &resp,
		ServiceARM, StepPutBotService); err != nil {
		return nil, err
	}
	return &resp, nil
}

type botServiceList struct {
	Value    []BotService `json:"value"`
	NextLink string       `json:"nextLink"`
}

// ListBotServices returns every Bot Service resource in the subscription,
// following nextLink pages.
func (a *ARMClient) ListBotServices(ctx context.Context, token string) ([]BotService, error) {
	next := a.baseURL + "/subscriptions/" + url.PathEscape(a.subscriptionID) +
		"/providers/Microsoft.BotService/botServices?api-version=" + BotServiceAPIVersion

	var out []BotService
	for next != "" {
		var page botServiceList
		if err := doJSON(ctx, a.client, http.MethodGet, next, token, nil, &page,
			ServiceARM, StepListBotServices); err != nil {
			return nil, err
		}
		out = append(out, page.Value...)
		next = page.NextLink
	}
	if out == nil {
		out = []BotService{}
	}
	return out, nil
}
