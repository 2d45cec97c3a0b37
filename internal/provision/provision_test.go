package provision

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/soyeahso/teamsforge/internal/azauth"
	"github.com/soyeahso/teamsforge/internal/domain"
	"github.com/soyeahso/teamsforge/internal/hooks"
	"github.com/soyeahso/teamsforge/internal/logging"
	"github.com/soyeahso/teamsforge/internal/metrics"
	"github.com/soyeahso/teamsforge/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAzure serves the Graph and ARM endpoints used during provisioning.
type fakeAzure struct {
	mu sync.Mutex

	failAddPassword bool
	failPut         bool

	apps     []createApplicationRequest
	secrets  []addPasswordRequest
	puts     map[string]BotService
	deleted  []string
	authSeen []string
}

func newFakeAzure(t *testing.T) (*fakeAzure, *httptest.Server) {
	t.Helper()
	f := &fakeAzure{puts: map[string]BotService{}}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1.0/applications", func(w http.ResponseWriter, r *http.Request) {
		var req createApplicationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.apps = append(f.apps, req)
		f.authSeen = append(f.authSeen, r.Header.Get("Authorization"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"obj-1","appId":"app-1","displayName":"` + req.DisplayName + `"}`))
	})
	mux.HandleFunc("POST /v1.0/applications/{id}/addPassword", func(w http.ResponseWriter, r *http.Request) {
		var req addPasswordRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		defer f.mu.Unlock()
		f.secrets = append(f.secrets, req)
		if f.failAddPassword {
			http.Error(w, `{"error":{"code":"Authorization_RequestDenied"}}`, http.StatusForbidden)
			return
		}
		w.Write([]byte(`{"secretText":"s3cret","keyId":"k1"}`))
	})
	mux.HandleFunc("DELETE /v1.0/applications/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deleted = append(f.deleted, r.PathValue("id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("PUT /subscriptions/{sub}/resourceGroups/{rg}/providers/Microsoft.BotService/botServices/{name}",
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, BotServiceAPIVersion, r.URL.Query().Get("api-version"))
			var req BotService
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			f.mu.Lock()
			defer f.mu.Unlock()
			f.authSeen = append(f.authSeen, r.Header.Get("Authorization"))
			if f.failPut {
				w.WriteHeader(http.StatusConflict)
				w.Write([]byte(`{"error":{"code":"InvalidBotData","message":"name taken"}}`))
				return
			}
			name := r.PathValue("name")
			f.puts[name] = req
			req.ID = "/subscriptions/" + r.PathValue("sub") + "/resourceGroups/" + r.PathValue("rg") +
				"/providers/Microsoft.BotService/botServices/" + name
			req.Name = name
			json.NewEncoder(w).Encode(req)
		})
	mux.HandleFunc("GET /subscriptions/{sub}/providers/Microsoft.BotService/botServices", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			w.Write([]byte(`{"value":[{"name":"b2","kind":"registration","properties":{"msaAppId":"app-2"}}]}`))
			return
		}
		next := "http://" + r.Host + r.URL.Path + "?api-version=" + BotServiceAPIVersion + "&page=2"
		w.Write([]byte(`{"value":[{"name":"b1","kind":"registration","properties":{"msaAppId":"app-1"}}],"nextLink":"` + next + `"}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

type fakeTokens struct {
	mu     sync.Mutex
	scopes []string
	err    error
}

func (f *fakeTokens) Token(_ context.Context, scope string) (domain.OAuthToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scopes = append(f.scopes, scope)
	if f.err != nil {
		return domain.OAuthToken{}, f.err
	}
	return domain.OAuthToken{AccessToken: "tok:" + scope, ExpiresIn: 3600}, nil
}

func (f *fakeTokens) Tokens(ctx context.Context) (domain.OAuthToken, domain.OAuthToken, error) {
	graph, err := f.Token(ctx, azauth.GraphScope)
	if err != nil {
		return domain.OAuthToken{}, domain.OAuthToken{}, err
	}
	arm, err := f.Token(ctx, azauth.ManagementScope)
	if err != nil {
		return domain.OAuthToken{}, domain.OAuthToken{}, err
	}
	return graph, arm, nil
}

type fixture struct {
	azure   *fakeAzure
	orch    *Orchestrator
	ledger  *store.Ledger
	hooks   *hooks.Manager
	metrics *metrics.Metrics
	tokens  *fakeTokens
}

func newFixture(t *testing.T, rollback bool) *fixture {
	t.Helper()
	log := logging.New(nil, "silent")
	azure, srv := newFakeAzure(t)

	db, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		azure:   azure,
		ledger:  store.NewLedger(db),
		hooks:   hooks.NewManager(log),
		metrics: metrics.New(),
		tokens:  &fakeTokens{},
	}
	graph := NewGraphClient(srv.URL+"/v1.0", srv.Client())
	arm := NewARMClient(ARMOptions{BaseURL: srv.URL, SubscriptionID: "sub-1", ResourceGroup: "rg-1"}, srv.Client())
	f.orch = NewOrchestrator(Options{PublicURL: "https://bots.example.com/", Rollback: rollback},
		f.tokens, graph, arm, f.ledger, f.hooks, f.metrics, log)
	f.orch.now = func() time.Time { return time.UnixMilli(1700000000000) }
	graph.now = f.orch.now
	return f
}

func TestCreateBot_Success(t *testing.T) {
	f := newFixture(t, true)

	var event hooks.Payload
	f.hooks.On(hooks.EventBotProvisioned, "capture", func(_ context.Context, p hooks.Payload) error {
		event = p
		return nil
	})

	res, err := f.orch.CreateBot(context.Background(), CreateBotRequest{
		BotName:     "forge",
		Description: "test bot",
		GraphToken:  "graph-tok",
		AzureToken:  "arm-tok",
	})
	require.NoError(t, err)

	assert.Equal(t, "app-1", res.MsaAppID)
	assert.Equal(t, "obj-1", res.ObjectID)
	assert.Equal(t, "s3cret", res.ClientSecret)
	assert.Equal(t, "forge-1700000000000", res.ResourceName)
	assert.Equal(t, "https://bots.example.com/api/messages", res.Endpoint)
	assert.Contains(t, res.BotResourceID, "/resourceGroups/rg-1/providers/Microsoft.BotService/botServices/forge-1700000000000")

	// Graph application.
	require.Len(t, f.azure.apps, 1)
	app := f.azure.apps[0]
	assert.Equal(t, "forge-App", app.DisplayName)
	require.Len(t, app.RequiredResourceAccess, 1)
	assert.Equal(t, MicrosoftGraphAppID, app.RequiredResourceAccess[0].ResourceAppID)
	assert.Len(t, app.RequiredResourceAccess[0].ResourceAccess, 10)

	// One-year secret.
	require.Len(t, f.azure.secrets, 1)
	assert.Equal(t, SecretDisplayName, f.azure.secrets[0].PasswordCredential.DisplayName)
	assert.Equal(t, "2024-11-14T22:13:20Z", f.azure.secrets[0].PasswordCredential.EndDateTime)

	// Bot Service registration.
	put, ok := f.azure.puts["forge-1700000000000"]
	require.True(t, ok)
	assert.Equal(t, "registration", put.Kind)
	assert.Equal(t, "F0", put.SKU.Name)
	assert.Equal(t, "global", put.Location)
	assert.Equal(t, "app-1", put.Properties.MsaAppID)
	assert.Equal(t, "forge", put.Properties.DisplayName)
	assert.Equal(t, "test bot", put.Properties.Description)
	assert.Equal(t, "https://bots.example.com/api/messages", put.Properties.Endpoint)

	assert.Equal(t, []string{"Bearer graph-tok", "Bearer arm-tok"}, f.azure.authSeen)
	assert.Empty(t, f.tokens.scopes, "supplied tokens must not trigger an exchange")

	// Ledger has no secret column; the record round-trips without it.
	rec, err := f.ledger.GetByAppID(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, "forge-1700000000000", rec.ResourceName)

	assert.Equal(t, hooks.EventBotProvisioned, event.Event)
	assert.Equal(t, "app-1", event.Data["msaAppId"])
	assert.NotContains(t, event.Data, "clientSecret")

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ProvisionSteps.WithLabelValues(StepPutBotService, "ok")))
}

func TestCreateBot_ExchangesMissingTokens(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.orch.CreateBot(context.Background(), CreateBotRequest{BotName: "forge"})
	require.NoError(t, err)
	assert.Equal(t, []string{azauth.GraphScope, azauth.ManagementScope}, f.tokens.scopes)
	assert.Equal(t, []string{"Bearer tok:" + azauth.GraphScope, "Bearer tok:" + azauth.ManagementScope}, f.azure.authSeen)
}

func TestCreateBot_ExchangesOnlyMissingToken(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.orch.CreateBot(context.Background(), CreateBotRequest{BotName: "forge", GraphToken: "graph-tok"})
	require.NoError(t, err)
	assert.Equal(t, []string{azauth.ManagementScope}, f.tokens.scopes)
}

func TestCreateBot_TokenFailure(t *testing.T) {
	f := newFixture(t, true)
	f.tokens.err = errors.New("AADSTS7000215: invalid client secret")

	_, err := f.orch.CreateBot(context.Background(), CreateBotRequest{BotName: "forge"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AADSTS7000215")
	assert.Empty(t, f.azure.apps)

	failures, err := f.ledger.Failures(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, StepTokens, failures[0].Step)
}

func TestCreateBot_Validation(t *testing.T) {
	f := newFixture(t, true)

	tests := []struct {
		name  string
		req   CreateBotRequest
		field string
	}{
		{"missing name", CreateBotRequest{}, "botName"},
		{"blank name", CreateBotRequest{BotName: "   "}, "botName"},
		{"bad characters", CreateBotRequest{BotName: "my bot!"}, "botName"},
		{"too long", CreateBotRequest{BotName: strings.Repeat("a", 51)}, "botName"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.CreateBot(context.Background(), tt.req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
	assert.Empty(t, f.azure.apps)
}

func TestCreateBot_TokensRequiredWithoutProvider(t *testing.T) {
	log := logging.New(nil, "silent")
	o := NewOrchestrator(Options{PublicURL: "https://x"}, nil, nil, nil, nil, nil, nil, log)

	_, err := o.CreateBot(context.Background(), CreateBotRequest{BotName: "forge", AzureToken: "a"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "graphToken", verr.Field)
	assert.Equal(t, "Graph Token is required.", verr.Error())

	_, err = o.CreateBot(context.Background(), CreateBotRequest{BotName: "forge", GraphToken: "g"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "azureToken", verr.Field)
}

func TestCreateBot_MissingPublicURL(t *testing.T) {
	log := logging.New(nil, "silent")
	o := NewOrchestrator(Options{}, &fakeTokens{}, nil, nil, nil, nil, nil, log)

	_, err := o.CreateBot(context.Background(), CreateBotRequest{BotName: "forge"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TEAMSFORGE_PUBLIC_URL")
}

func TestCreateBot_RegistrationFailureRollsBack(t *testing.T) {
	f := newFixture(t, true)
	f.azure.failPut = true

	res, err := f.orch.CreateBot(context.Background(), CreateBotRequest{BotName: "forge", GraphToken: "g", AzureToken: "a"})
	assert.Nil(t, res)

	var uerr *UpstreamError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, ServiceARM, uerr.Service)
	assert.Equal(t, StepPutBotService, uerr.Step)
	assert.Equal(t, http.StatusConflict, uerr.Status)
	assert.Contains(t, uerr.Body, "name taken")

	assert.Equal(t, []string{"obj-1"}, f.azure.deleted)

	failures, err := f.ledger.Failures(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, StepPutBotService, failures[0].Step)
	assert.Equal(t, "app-1", failures[0].AppID)
	assert.True(t, failures[0].RolledBack)

	bots, err := f.ledger.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, bots)
}

func TestCreateBot_RegistrationFailureWithoutRollback(t *testing.T) {
	f := newFixture(t, false)
	f.azure.failPut = true

	_, err := f.orch.CreateBot(context.Background(), CreateBotRequest{BotName: "forge", GraphToken: "g", AzureToken: "a"})
	require.Error(t, err)
	assert.Empty(t, f.azure.deleted)

	failures, err := f.ledger.Failures(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.False(t, failures[0].RolledBack)
}

func TestCreateBot_AddPasswordFailureStopsSequence(t *testing.T) {
	f := newFixture(t, true)
	f.azure.failAddPassword = true

	_, err := f.orch.CreateBot(context.Background(), CreateBotRequest{BotName: "forge", GraphToken: "g", AzureToken: "a"})
	var uerr *UpstreamError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, StepAddPassword, uerr.Step)
	assert.Equal(t, http.StatusForbidden, uerr.Status)
	assert.Contains(t, uerr.Body, "Authorization_RequestDenied")

	assert.Empty(t, f.azure.puts)
	assert.Equal(t, []string{"obj-1"}, f.azure.deleted)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ProvisionSteps.WithLabelValues(StepAddPassword, "error")))
}

func TestListBots_FollowsNextLink(t *testing.T) {
	f := newFixture(t, true)

	bots, err := f.orch.ListBots(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, bots, 2)
	assert.Equal(t, "b1", bots[0].Name)
	assert.Equal(t, "app-2", bots[1].Properties.MsaAppID)
	assert.Equal(t, []string{azauth.ManagementScope}, f.tokens.scopes)
}

func TestUpstreamError_Transport(t *testing.T) {
	graph := NewGraphClient("http://127.0.0.1:1/v1.0", &http.Client{Timeout: time.Second})
	_, err := graph.CreateApplication(context.Background(), "tok", "forge")

	var uerr *UpstreamError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, ServiceGraph, uerr.Service)
	assert.Zero(t, uerr.Status)
	assert.NotNil(t, errors.Unwrap(uerr))
}

func TestBotServiceURL_Escapes(t *testing.T) {
	arm := NewARMClient(ARMOptions{BaseURL: "https://management.azure.com/", SubscriptionID: "s", ResourceGroup: "my rg"}, nil)
	assert.Equal(t,
		"https://management.azure.com/subscriptions/s/resourceGroups/my%20rg/providers/Microsoft.BotService/botServices/b-1?api-version=2021-03-01",
		arm.BotServiceURL("b-1"))
}

// --- Manifest ---

func readZip(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	files := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		files[f.Name] = b
	}
	return files
}

func TestBuildManifest(t *testing.T) {
	data, err := BuildManifest(ManifestOptions{
		AppID:      "app-1",
		Name:       "forge",
		WebsiteURL: "https://bots.example.com",
	})
	require.NoError(t, err)

	files := readZip(t, data)
	require.Len(t, files, 3)

	var m Manifest
	require.NoError(t, json.Unmarshal(files["manifest.json"], &m))
	assert.Equal(t, ManifestVersion, m.ManifestVersion)
	assert.Equal(t, "app-1", m.ID)
	require.Len(t, m.Bots, 1)
	assert.Equal(t, "app-1", m.Bots[0].BotID)
	assert.True(t, m.Bots[0].SupportsFiles)
	assert.Equal(t, []string{"personal", "team", "groupchat"}, m.Bots[0].Scopes)
	assert.Equal(t, []string{"bots.example.com"}, m.ValidDomains)
	assert.Equal(t, "#4F52B2", m.AccentColor)

	color, err := png.Decode(bytes.NewReader(files["color.png"]))
	require.NoError(t, err)
	assert.Equal(t, ColorIconSize, color.Bounds().Dx())
	assert.Equal(t, ColorIconSize, color.Bounds().Dy())

	outline, err := png.Decode(bytes.NewReader(files["outline.png"]))
	require.NoError(t, err)
	assert.Equal(t, OutlineIconSize, outline.Bounds().Dx())
	_, _, _, a := outline.At(OutlineIconSize/2, OutlineIconSize/2).RGBA()
	assert.Zero(t, a, "outline icon interior must be transparent")
}

func TestBuildManifest_Validation(t *testing.T) {
	tests := []struct {
		name  string
		opts  ManifestOptions
		field string
	}{
		{"missing app id", ManifestOptions{Name: "x"}, "msaAppId"},
		{"missing name", ManifestOptions{AppID: "a"}, "name"},
		{"bad color", ManifestOptions{AppID: "a", Name: "x", AccentColor: "blue"}, "accentColor"},
		{"http website", ManifestOptions{AppID: "a", Name: "x", WebsiteURL: "http://x"}, "websiteUrl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildManifest(tt.opts)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestNewManifest_Truncates(t *testing.T) {
	m, err := NewManifest(ManifestOptions{AppID: "a", Name: strings.Repeat("n", 40)})
	require.NoError(t, err)
	assert.Len(t, m.Name.Short, 30)
	assert.Len(t, m.Name.Full, 40)
}

func TestManifestFileName(t *testing.T) {
	assert.Equal(t, "Demo-Bot-manifest.zip", ManifestFileName("Demo Bot"))
	assert.Equal(t, "bot-manifest.zip", ManifestFileName(""))
	assert.Equal(t, "a-b-manifest.zip", ManifestFileName(`a"b`))
}
