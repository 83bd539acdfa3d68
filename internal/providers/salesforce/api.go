package salesforce

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/junctionhq/junction/internal/providers/httpx"
	"github.com/junctionhq/junction/internal/providers/registry"
)

// instanceURL returns the org API base from the credential extras. Every
// data call is instance-relative; only the OAuth legs use the authority.
func instanceURL(creds registry.Credentials) (string, error) {
	instance := creds.Extra("instance_url")
	if instance == "" {
		return "", registry.NewValidationError("salesforce credentials lack instance_url")
	}
	return instance, nil
}

func dataPath(instance, suffix string) string {
	return instance + "/services/data/" + apiVersion + suffix
}

type userInfoResponse struct {
	UserID            string `json:"user_id"`
	OrganizationID    string `json:"organization_id"`
	PreferredUsername string `json:"preferred_username"`
	Name              string `json:"name"`
}

type limitsResponse struct {
	DailyAPIRequests struct {
		Max       int `json:"Max"`
		Remaining int `json:"Remaining"`
	} `json:"DailyApiRequests"`
}

// TestConnection resolves the token's identity via the OAuth userinfo
// endpoint, then reads org limits for API quota context.
func (p *Provider) TestConnection(ctx context.Context, creds registry.Credentials, cfg registry.Config) registry.TestResult {
	var who userInfoResponse
	err := p.client.DoJSON(ctx, httpx.Request{
		Method:      "GET",
		URL:         p.authority(cfg) + "/services/oauth2/userinfo",
		Credentials: creds,
	}, &who)
	if err != nil {
		return registry.FailedTest(err)
	}

	result := registry.TestResult{
		Success: true,
		Message: fmt.Sprintf("authenticated as %s in org %s", who.PreferredUsername, who.OrganizationID),
		Details: map[string]any{
			"user_id":         who.UserID,
			"organization_id": who.OrganizationID,
			"username":        who.PreferredUsername,
			"name":            who.Name,
		},
		Capabilities: p.Metadata().Capabilities,
	}

	instance, err := instanceURL(creds)
	if err != nil {
		return result
	}
	var limits limitsResponse
	err = p.client.DoJSON(ctx, httpx.Request{
		Method:      "GET",
		URL:         dataPath(instance, "/limits"),
		Credentials: creds,
	}, &limits)
	if err == nil && limits.DailyAPIRequests.Max > 0 {
		result.Details["daily_api_requests_max"] = limits.DailyAPIRequests.Max
		result.Details["daily_api_requests_remaining"] = limits.DailyAPIRequests.Remaining
		result.RateLimit = &registry.RateLimit{
			Limit:     limits.DailyAPIRequests.Max,
			Remaining: limits.DailyAPIRequests.Remaining,
		}
	}
	return result
}

// syncObjects maps sync resource names to SObject API names.
var syncObjects = map[string]string{
	"accounts":      "Account",
	"contacts":      "Contact",
	"opportunities": "Opportunity",
	"leads":         "Lead",
}

type queryResponse struct {
	TotalSize      int              `json:"totalSize"`
	Done           bool             `json:"done"`
	NextRecordsURL string           `json:"nextRecordsUrl"`
	Records        []map[string]any `json:"records"`
}

// Sync runs one SOQL walk per enabled resource. Incremental mode filters
// server-side on LastModifiedDate.
func (p *Provider) Sync(ctx context.Context, creds registry.Credentials, cfg registry.Config, req registry.SyncRequest) registry.SyncResult {
	reporter := registry.EnsureReporter(req.Reporter)
	var result registry.SyncResult

	instance, err := instanceURL(creds)
	if err != nil {
		result.AddError("sync", err)
		return result.Finalize()
	}

	for _, resource := range registry.EnabledResources(req, cfg, "accounts", "contacts", "opportunities", "leads") {
		object, ok := syncObjects[resource]
		if !ok {
			result.AddError(resource, registry.NewValidationError("salesforce does not sync resource %q", resource))
			continue
		}
		counts, err := p.syncObject(ctx, creds, instance, resource, object, req, reporter)
		reporter.Report(ctx, registry.Event{
			Source: registry.KindSalesforce, Stage: resource, Done: true, Err: err, At: time.Now(),
		})
		if err != nil {
			result.AddError(resource, err)
			continue
		}
		result.AddResource(resource, counts)
	}
	return result.Finalize()
}

func (p *Provider) syncObject(ctx context.Context, creds registry.Credentials, instance, resource, object string, req registry.SyncRequest, reporter registry.Reporter) (registry.ResourceCounts, error) {
	var counts registry.ResourceCounts

	soql := "SELECT Id, Name, LastModifiedDate FROM " + object
	if req.Mode == registry.SyncModeIncremental && req.Since != nil {
		soql += " WHERE LastModifiedDate > " + req.Since.UTC().Format("2006-01-02T15:04:05Z")
	}

	page, err := p.query(ctx, creds, instance, soql)
	if err != nil {
		return counts, err
	}
	for {
		counts.Processed += len(page.Records)
		counts.Updated += len(page.Records)
		reporter.Report(ctx, registry.Event{
			Source: registry.KindSalesforce, Stage: resource,
			Current: counts.Processed, Total: page.TotalSize, At: time.Now(),
		})
		if page.Done || page.NextRecordsURL == "" {
			return counts, nil
		}
		page, err = p.queryMore(ctx, creds, instance, page.NextRecordsURL)
		if err != nil {
			return counts, err
		}
	}
}

func (p *Provider) query(ctx context.Context, creds registry.Credentials, instance, soql string) (queryResponse, error) {
	var page queryResponse
	err := p.client.DoJSON(ctx, httpx.Request{
		Method:      "GET",
		URL:         dataPath(instance, "/query"),
		Query:       url.Values{"q": {soql}},
		Credentials: creds,
	}, &page)
	return page, err
}

// queryMore follows a nextRecordsUrl, which Salesforce returns
// instance-relative.
func (p *Provider) queryMore(ctx context.Context, creds registry.Credentials, instance, next string) (queryResponse, error) {
	var page queryResponse
	err := p.client.DoJSON(ctx, httpx.Request{
		Method:      "GET",
		URL:         instance + next,
		Credentials: creds,
	}, &page)
	return page, err
}

// ExecuteAction runs a named Salesforce action.
//
// Supported: run_soql (query), create_record (object, fields),
// update_record (object, id, fields).
func (p *Provider) ExecuteAction(ctx context.Context, action string, creds registry.Credentials, _ registry.Config, params map[string]any) (any, error) {
	instance, err := instanceURL(creds)
	if err != nil {
		return nil, err
	}
	switch action {
	case "run_soql":
		return p.runSOQL(ctx, creds, instance, params)
	case "create_record":
		return p.createRecord(ctx, creds, instance, params)
	case "update_record":
		return p.updateRecord(ctx, creds, instance, params)
	default:
		return nil, registry.NotSupportedf("salesforce action %q", action)
	}
}

func (p *Provider) runSOQL(ctx context.Context, creds registry.Credentials, instance string, params map[string]any) (map[string]any, error) {
	soql, _ := params["query"].(string)
	if soql == "" {
		return nil, registry.NewValidationError("run_soql requires query")
	}
	page, err := p.query(ctx, creds, instance, soql)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"total_size": page.TotalSize,
		"done":       page.Done,
		"records":    page.Records,
	}, nil
}

type sobjectCreateResponse struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Errors  []any  `json:"errors"`
}

func (p *Provider) createRecord(ctx context.Context, creds registry.Credentials, instance string, params map[string]any) (map[string]any, error) {
	object, _ := params["object"].(string)
	fields, _ := params["fields"].(map[string]any)
	if object == "" || len(fields) == 0 {
		return nil, registry.NewValidationError("create_record requires object and fields")
	}
	var out sobjectCreateResponse
	err := p.client.DoJSON(ctx, httpx.Request{
		Method:      "POST",
		URL:         dataPath(instance, "/sobjects/"+object),
		Body:        fields,
		Credentials: creds,
	}, &out)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": out.ID, "created": out.Success}, nil
}

func (p *Provider) updateRecord(ctx context.Context, creds registry.Credentials, instance string, params map[string]any) (map[string]any, error) {
	object, _ := params["object"].(string)
	id, _ := params["id"].(string)
	fields, _ := params["fields"].(map[string]any)
	if object == "" || id == "" || len(fields) == 0 {
		return nil, registry.NewValidationError("update_record requires object, id and fields")
	}
	err := p.client.DoJSON(ctx, httpx.Request{
		Method:      "PATCH",
		URL:         dataPath(instance, "/sobjects/"+object+"/"+id),
		Body:        fields,
		Credentials: creds,
	}, nil)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": id, "updated": true}, nil
}
