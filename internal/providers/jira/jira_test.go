package jira

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/junctionhq/junction/internal/providers/httpx"
	"github.com/junctionhq/junction/internal/providers/registry"
	"github.com/junctionhq/junction/internal/webhooks"
)

func testProvider(srv *httptest.Server) *Provider {
	p := New(httpx.New(httpx.WithRetryDelay(time.Millisecond)))
	p.authBaseURL = srv.URL
	p.apiBaseURL = srv.URL
	return p
}

func testConfig() registry.Config {
	return registry.Config{
		ClientID:     "jira-client",
		ClientSecret: "jira-secret",
		RedirectURI:  "https://junction.example.com/oauth/callback/abc",
		Scopes:       []string{"read:jira-work", "read:jira-user"},
	}
}

func siteCreds() registry.Credentials {
	return registry.Credentials{AccessToken: "atl-token"}.WithExtra("cloud_id", "cloud-1")
}

func TestAuthorizationURLForcesOfflineAccess(t *testing.T) {
	t.Parallel()

	p := New(httpx.New())
	req, err := p.AuthorizationURL(testConfig(), "state-1")
	if err != nil {
		t.Fatalf("AuthorizationURL: %v", err)
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()
	if got := q.Get("audience"); got != "api.atlassian.com" {
		t.Fatalf("audience = %q", got)
	}
	if got := q.Get("prompt"); got != "consent" {
		t.Fatalf("prompt = %q", got)
	}
	if scope := q.Get("scope"); !strings.Contains(scope, "offline_access") {
		t.Fatalf("scope missing offline_access: %q", scope)
	}
	if got := q.Get("state"); got != "state-1" {
		t.Fatalf("state = %q", got)
	}
}

func TestExchangeCodeResolvesCloudID(t *testing.T) {
	t.Parallel()

	var tokenBody map[string]string
	var resourcesAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/token":
			if err := json.NewDecoder(r.Body).Decode(&tokenBody); err != nil {
				t.Errorf("decode token body: %v", err)
			}
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "atl-token",
				"refresh_token": "atl-refresh",
				"expires_in":    3600,
				"token_type":    "Bearer",
				"scope":         "read:jira-work offline_access",
			})
		case "/oauth/token/accessible-resources":
			resourcesAuth = r.Header.Get("Authorization")
			json.NewEncoder(w).Encode([]map[string]any{
				{"id": "cloud-1", "name": "acme", "url": "https://acme.atlassian.net"},
				{"id": "cloud-2", "name": "other", "url": "https://other.atlassian.net"},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := testProvider(srv)
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return start }

	creds, err := p.ExchangeCode(context.Background(), "auth-code", "state-1", testConfig())
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if tokenBody["grant_type"] != "authorization_code" || tokenBody["code"] != "auth-code" {
		t.Fatalf("token request body = %v", tokenBody)
	}
	if resourcesAuth != "Bearer atl-token" {
		t.Fatalf("accessible-resources auth = %q", resourcesAuth)
	}
	if creds.Extra("cloud_id") != "cloud-1" || creds.Extra("site_name") != "acme" {
		t.Fatalf("site extras = %v", creds.Extras)
	}
	if creds.RefreshToken != "atl-refresh" {
		t.Fatalf("refresh token = %q", creds.RefreshToken)
	}
	want := start.Add(time.Hour).Unix()
	if creds.ExpiresAt == nil || *creds.ExpiresAt != want {
		t.Fatalf("expires_at = %v, want %d", creds.ExpiresAt, want)
	}
}

func TestExchangeCodeFailsWithoutSites(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/token":
			json.NewEncoder(w).Encode(map[string]any{"access_token": "atl-token"})
		case "/oauth/token/accessible-resources":
			w.Write([]byte("[]"))
		}
	}))
	defer srv.Close()

	_, err := testProvider(srv).ExchangeCode(context.Background(), "auth-code", "", testConfig())
	if !registry.IsValidationError(err) {
		t.Fatalf("expected validation error for siteless grant, got %v", err)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	t.Parallel()

	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/token" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "atl-token-2",
			"refresh_token": "atl-refresh-2",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	creds, err := testProvider(srv).RefreshTokens(context.Background(), "atl-refresh-1", testConfig())
	if err != nil {
		t.Fatalf("RefreshTokens: %v", err)
	}
	if body["grant_type"] != "refresh_token" || body["refresh_token"] != "atl-refresh-1" {
		t.Fatalf("refresh request body = %v", body)
	}
	if creds.RefreshToken != "atl-refresh-2" {
		t.Fatalf("rotated refresh token = %q", creds.RefreshToken)
	}
}

func TestTestConnection(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ex/jira/cloud-1/rest/api/3/myself":
			json.NewEncoder(w).Encode(map[string]any{
				"accountId":    "acct-1",
				"displayName":  "Dana",
				"emailAddress": "dana@acme.example",
				"active":       true,
			})
		case "/ex/jira/cloud-1/rest/api/3/serverInfo":
			json.NewEncoder(w).Encode(map[string]any{
				"baseUrl":        "https://acme.atlassian.net",
				"version":        "1001.0.0",
				"deploymentType": "Cloud",
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	res := testProvider(srv).TestConnection(context.Background(), siteCreds(), registry.Config{})
	if !res.Success {
		t.Fatalf("test failed: %s", res.Message)
	}
	if res.Details["display_name"] != "Dana" {
		t.Fatalf("details = %v", res.Details)
	}
	if res.Details["site_url"] != "https://acme.atlassian.net" {
		t.Fatalf("serverInfo not folded in: %v", res.Details)
	}
	if res.Details["deployment_type"] != "Cloud" {
		t.Fatalf("deployment_type missing: %v", res.Details)
	}
}

func TestTestConnectionFailsClosed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"unauthorized"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	res := testProvider(srv).TestConnection(context.Background(), siteCreds(), registry.Config{})
	if res.Success {
		t.Fatal("unauthorized test reported success")
	}
	if res.Message == "" {
		t.Fatal("failure carries no message")
	}
}

func TestSyncIncrementalFiltersIssuesByJQL(t *testing.T) {
	t.Parallel()

	var gotJQL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ex/jira/cloud-1/rest/api/3/search":
			gotJQL = r.URL.Query().Get("jql")
			json.NewEncoder(w).Encode(map[string]any{
				"issues": []map[string]any{{"id": "1", "key": "J-1"}, {"id": "2", "key": "J-2"}},
				"total":  2,
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	since := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	result := testProvider(srv).Sync(context.Background(), siteCreds(), registry.Config{}, registry.SyncRequest{
		Mode:      registry.SyncModeIncremental,
		Since:     &since,
		Resources: []string{"issues"},
	})
	if !result.Success {
		t.Fatalf("sync failed: %v", result.Errors)
	}
	if gotJQL != "updated >= '2025-05-01 00:00'" {
		t.Fatalf("jql = %q", gotJQL)
	}
	if result.Resources["issues"] != 2 {
		t.Fatalf("issues count = %d", result.Resources["issues"])
	}
}

func TestSyncPagesProjectsAndCountsInactiveUsers(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ex/jira/cloud-1/rest/api/3/project/search":
			if r.URL.Query().Get("startAt") == "0" {
				json.NewEncoder(w).Encode(map[string]any{
					"values": []map[string]any{{"id": "1", "key": "A"}, {"id": "2", "key": "B"}},
					"total":  3,
					"isLast": false,
				})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"values": []map[string]any{{"id": "3", "key": "C"}},
				"total":  3,
				"isLast": true,
			})
		case "/ex/jira/cloud-1/rest/api/3/users/search":
			json.NewEncoder(w).Encode([]map[string]any{
				{"accountId": "u1", "displayName": "Dana", "active": true},
				{"accountId": "u2", "displayName": "Gone", "active": false},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	result := testProvider(srv).Sync(context.Background(), siteCreds(), registry.Config{}, registry.SyncRequest{
		Mode:      registry.SyncModeFull,
		Resources: []string{"projects", "users"},
	})
	if !result.Success {
		t.Fatalf("sync failed: %v", result.Errors)
	}
	if result.Resources["projects"] != 3 {
		t.Fatalf("projects = %d", result.Resources["projects"])
	}
	if result.Resources["users"] != 1 || result.Deleted != 1 {
		t.Fatalf("users = %d deleted = %d", result.Resources["users"], result.Deleted)
	}
}

func TestSyncWithoutCloudIDFailsWhole(t *testing.T) {
	t.Parallel()

	p := New(httpx.New())
	result := p.Sync(context.Background(), registry.Credentials{AccessToken: "atl-token"}, registry.Config{}, registry.SyncRequest{})
	if result.Success {
		t.Fatal("sync without cloud_id reported success")
	}
	if len(result.Errors) != 1 || result.Errors[0].Resource != "sync" {
		t.Fatalf("errors = %v", result.Errors)
	}
	if result.Processed != 0 {
		t.Fatalf("processed = %d, want 0", result.Processed)
	}
}

func TestExecuteActions(t *testing.T) {
	t.Parallel()

	var created map[string]any
	var comment map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/ex/jira/cloud-1/rest/api/3/issue" && r.Method == http.MethodPost:
			json.NewDecoder(r.Body).Decode(&created)
			json.NewEncoder(w).Encode(map[string]any{"id": "10001", "key": "OPS-7"})
		case r.URL.Path == "/ex/jira/cloud-1/rest/api/3/issue/OPS-7/comment" && r.Method == http.MethodPost:
			json.NewDecoder(r.Body).Decode(&comment)
			json.NewEncoder(w).Encode(map[string]any{"id": "20001", "created": "2025-06-01T12:00:00.000+0000"})
		case r.URL.Path == "/ex/jira/cloud-1/rest/api/3/search":
			json.NewEncoder(w).Encode(map[string]any{
				"issues": []map[string]any{{"id": "1", "key": "OPS-1"}},
				"total":  1,
			})
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := testProvider(srv)
	creds := siteCreds()

	out, err := p.ExecuteAction(context.Background(), "create_issue", creds, registry.Config{}, map[string]any{
		"project_key": "OPS",
		"summary":     "Rotate credentials",
	})
	if err != nil {
		t.Fatalf("create_issue: %v", err)
	}
	if m := out.(map[string]any); m["key"] != "OPS-7" {
		t.Fatalf("create_issue result = %v", m)
	}
	fields := created["fields"].(map[string]any)
	if fields["issuetype"].(map[string]any)["name"] != "Task" {
		t.Fatalf("default issue type not applied: %v", fields)
	}

	out, err = p.ExecuteAction(context.Background(), "add_comment", creds, registry.Config{}, map[string]any{
		"issue": "OPS-7",
		"body":  "rotated",
	})
	if err != nil {
		t.Fatalf("add_comment: %v", err)
	}
	if m := out.(map[string]any); m["id"] != "20001" {
		t.Fatalf("add_comment result = %v", m)
	}
	if body, ok := comment["body"].(map[string]any); !ok || body["type"] != "doc" {
		t.Fatalf("comment body is not an ADF document: %v", comment)
	}

	out, err = p.ExecuteAction(context.Background(), "search_issues", creds, registry.Config{}, map[string]any{
		"jql": "project = OPS",
	})
	if err != nil {
		t.Fatalf("search_issues: %v", err)
	}
	if m := out.(map[string]any); m["total"] != 1 {
		t.Fatalf("search_issues result = %v", m)
	}

	if _, err := p.ExecuteAction(context.Background(), "launch_rocket", creds, registry.Config{}, nil); !errors.Is(err, registry.ErrNotSupported) {
		t.Fatalf("unknown action error = %v", err)
	}

	if _, err := p.ExecuteAction(context.Background(), "create_issue", creds, registry.Config{}, map[string]any{"summary": "no project"}); !registry.IsValidationError(err) {
		t.Fatalf("missing project_key error = %v", err)
	}
}

func TestVerifyWebhookSignature(t *testing.T) {
	t.Parallel()

	p := New(httpx.New())
	payload := []byte(`{"webhookEvent":"jira:issue_updated"}`)
	sig := webhooks.SignHMACHex(payload, "wh-secret")

	if !p.VerifyWebhookSignature(payload, sig, "wh-secret") {
		t.Fatal("valid signature rejected")
	}
	if !p.VerifyWebhookSignature(payload, "sha256="+sig, "wh-secret") {
		t.Fatal("prefixed signature rejected")
	}
	if p.VerifyWebhookSignature(payload, sig, "other-secret") {
		t.Fatal("wrong secret accepted")
	}
}

func TestParseWebhookEvent(t *testing.T) {
	t.Parallel()

	p := New(httpx.New())

	t.Run("envelope names the event", func(t *testing.T) {
		t.Parallel()
		out, err := p.ParseWebhookEvent("", []byte(`{"webhookEvent":"jira:issue_updated","issue":{"key":"OPS-7"}}`))
		if err != nil {
			t.Fatalf("ParseWebhookEvent: %v", err)
		}
		if out["event_type"] != "jira:issue_updated" {
			t.Fatalf("event_type = %v", out["event_type"])
		}
		if out["issue"].(map[string]any)["key"] != "OPS-7" {
			t.Fatalf("issue = %v", out["issue"])
		}
	})

	t.Run("falls back to the subscription type", func(t *testing.T) {
		t.Parallel()
		out, err := p.ParseWebhookEvent("comment_created", []byte(`{"comment":{"id":"1"}}`))
		if err != nil {
			t.Fatalf("ParseWebhookEvent: %v", err)
		}
		if out["event_type"] != "comment_created" {
			t.Fatalf("event_type = %v", out["event_type"])
		}
	})

	t.Run("rejects unnamed events", func(t *testing.T) {
		t.Parallel()
		if _, err := p.ParseWebhookEvent("", []byte(`{}`)); !registry.IsValidationError(err) {
			t.Fatalf("unnamed event error = %v", err)
		}
	})
}
