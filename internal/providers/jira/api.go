package jira

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/junctionhq/junction/internal/providers/httpx"
	"github.com/junctionhq/junction/internal/providers/registry"
)

const (
	syncPageSize = 50
	// jqlTimeLayout is the minute-granular datetime JQL accepts.
	jqlTimeLayout = "2006-01-02 15:04"
)

// siteURL returns the gateway base for the site the credentials are
// bound to. Every Jira REST call is routed through the cloud id.
func (p *Provider) siteURL(creds registry.Credentials) (string, error) {
	cloudID := creds.Extra("cloud_id")
	if cloudID == "" {
		return "", registry.NewValidationError("jira credentials missing cloud_id extra")
	}
	return p.apiBaseURL + "/ex/jira/" + cloudID, nil
}

func (p *Provider) get(ctx context.Context, creds registry.Credentials, path string, query url.Values, out any) error {
	site, err := p.siteURL(creds)
	if err != nil {
		return err
	}
	return p.client.DoJSON(ctx, httpx.Request{
		Method:      "GET",
		URL:         site + path,
		Query:       query,
		Credentials: creds,
	}, out)
}

func (p *Provider) post(ctx context.Context, creds registry.Credentials, path string, body, out any) error {
	site, err := p.siteURL(creds)
	if err != nil {
		return err
	}
	return p.client.DoJSON(ctx, httpx.Request{
		Method:      "POST",
		URL:         site + path,
		Body:        body,
		Credentials: creds,
	}, out)
}

type myselfResponse struct {
	AccountID    string `json:"accountId"`
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress"`
	Active       bool   `json:"active"`
}

type serverInfoResponse struct {
	BaseURL        string `json:"baseUrl"`
	Version        string `json:"version"`
	DeploymentType string `json:"deploymentType"`
}

// TestConnection proves the token works with /myself, then pulls
// serverInfo for site context when it answers.
func (p *Provider) TestConnection(ctx context.Context, creds registry.Credentials, _ registry.Config) registry.TestResult {
	var me myselfResponse
	if err := p.get(ctx, creds, "/rest/api/3/myself", nil, &me); err != nil {
		return registry.FailedTest(err)
	}

	details := map[string]any{
		"account_id":   me.AccountID,
		"display_name": me.DisplayName,
		"active":       me.Active,
	}
	if me.EmailAddress != "" {
		details["email"] = me.EmailAddress
	}
	if site := creds.Extra("site_url"); site != "" {
		details["site_url"] = site
	}
	var info serverInfoResponse
	if err := p.get(ctx, creds, "/rest/api/3/serverInfo", nil, &info); err == nil {
		details["server_version"] = info.Version
		details["deployment_type"] = info.DeploymentType
		if info.BaseURL != "" {
			details["site_url"] = info.BaseURL
		}
	}
	return registry.TestResult{
		Success:      true,
		Message:      fmt.Sprintf("authenticated as %s", me.DisplayName),
		Details:      details,
		Capabilities: p.Metadata().Capabilities,
	}
}

// Sync pulls the enabled site resources. Project and user listings have
// no modification filter, so incremental runs repull them; the issue
// search narrows by updated time through JQL.
func (p *Provider) Sync(ctx context.Context, creds registry.Credentials, cfg registry.Config, req registry.SyncRequest) registry.SyncResult {
	reporter := registry.EnsureReporter(req.Reporter)
	var result registry.SyncResult

	if _, err := p.siteURL(creds); err != nil {
		result.AddError("sync", err)
		return result.Finalize()
	}

	for _, resource := range registry.EnabledResources(req, cfg, "projects", "issues", "users") {
		var counts registry.ResourceCounts
		var err error
		switch resource {
		case "projects":
			counts, err = p.syncProjects(ctx, creds, reporter)
		case "issues":
			counts, err = p.syncIssues(ctx, creds, req, reporter)
		case "users":
			counts, err = p.syncUsers(ctx, creds, reporter)
		default:
			err = registry.NewValidationError("jira does not sync resource %q", resource)
		}
		reporter.Report(ctx, registry.Event{
			Source: registry.KindJira, Stage: resource, Done: true, Err: err, At: time.Now(),
		})
		if err != nil {
			result.AddError(resource, err)
			continue
		}
		result.AddResource(resource, counts)
	}
	return result.Finalize()
}

type projectSearchResponse struct {
	Values []struct {
		ID   string `json:"id"`
		Key  string `json:"key"`
		Name string `json:"name"`
	} `json:"values"`
	Total  int  `json:"total"`
	IsLast bool `json:"isLast"`
}

func (p *Provider) syncProjects(ctx context.Context, creds registry.Credentials, reporter registry.Reporter) (registry.ResourceCounts, error) {
	var counts registry.ResourceCounts
	startAt := 0
	for {
		q := url.Values{
			"startAt":    {strconv.Itoa(startAt)},
			"maxResults": {strconv.Itoa(syncPageSize)},
		}
		var page projectSearchResponse
		if err := p.get(ctx, creds, "/rest/api/3/project/search", q, &page); err != nil {
			return counts, err
		}
		counts.Processed += len(page.Values)
		counts.Updated += len(page.Values)
		reporter.Report(ctx, registry.Event{
			Source: registry.KindJira, Stage: "projects",
			Current: counts.Processed, Total: page.Total, At: time.Now(),
		})
		if page.IsLast || len(page.Values) == 0 {
			return counts, nil
		}
		startAt += len(page.Values)
	}
}

type issueSearchResponse struct {
	Issues []struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	} `json:"issues"`
	StartAt    int `json:"startAt"`
	MaxResults int `json:"maxResults"`
	Total      int `json:"total"`
}

func (p *Provider) syncIssues(ctx context.Context, creds registry.Credentials, req registry.SyncRequest, reporter registry.Reporter) (registry.ResourceCounts, error) {
	jql := ""
	if req.Mode == registry.SyncModeIncremental && req.Since != nil {
		jql = fmt.Sprintf("updated >= '%s'", req.Since.UTC().Format(jqlTimeLayout))
	}

	var counts registry.ResourceCounts
	startAt := 0
	for {
		page, err := p.searchIssues(ctx, creds, jql, startAt, syncPageSize)
		if err != nil {
			return counts, err
		}
		counts.Processed += len(page.Issues)
		counts.Updated += len(page.Issues)
		reporter.Report(ctx, registry.Event{
			Source: registry.KindJira, Stage: "issues",
			Current: counts.Processed, Total: page.Total, At: time.Now(),
		})
		startAt += len(page.Issues)
		if startAt >= page.Total || len(page.Issues) == 0 {
			return counts, nil
		}
	}
}

func (p *Provider) searchIssues(ctx context.Context, creds registry.Credentials, jql string, startAt, max int) (issueSearchResponse, error) {
	q := url.Values{
		"startAt":    {strconv.Itoa(startAt)},
		"maxResults": {strconv.Itoa(max)},
		"fields":     {"id,key,updated"},
	}
	if jql != "" {
		q.Set("jql", jql)
	}
	var page issueSearchResponse
	if err := p.get(ctx, creds, "/rest/api/3/search", q, &page); err != nil {
		return issueSearchResponse{}, err
	}
	return page, nil
}

type jiraUser struct {
	AccountID   string `json:"accountId"`
	AccountType string `json:"accountType"`
	DisplayName string `json:"displayName"`
	Active      bool   `json:"active"`
}

// syncUsers pages /users/search, which answers with a bare array and no
// paging envelope; a short page ends the walk.
func (p *Provider) syncUsers(ctx context.Context, creds registry.Credentials, reporter registry.Reporter) (registry.ResourceCounts, error) {
	var counts registry.ResourceCounts
	startAt := 0
	for {
		q := url.Values{
			"startAt":    {strconv.Itoa(startAt)},
			"maxResults": {strconv.Itoa(syncPageSize)},
		}
		var page []jiraUser
		if err := p.get(ctx, creds, "/rest/api/3/users/search", q, &page); err != nil {
			return counts, err
		}
		for _, u := range page {
			if !u.Active {
				counts.Deleted++
				continue
			}
			counts.Processed++
			counts.Updated++
		}
		reporter.Report(ctx, registry.Event{
			Source: registry.KindJira, Stage: "users",
			Current: counts.Processed, Total: registry.UnknownTotal, At: time.Now(),
		})
		if len(page) < syncPageSize {
			return counts, nil
		}
		startAt += len(page)
	}
}

// ExecuteAction runs a named Jira action.
//
// Supported: create_issue (project_key, summary, issue_type,
// description), add_comment (issue, body), search_issues (jql,
// max_results).
func (p *Provider) ExecuteAction(ctx context.Context, action string, creds registry.Credentials, _ registry.Config, params map[string]any) (any, error) {
	switch action {
	case "create_issue":
		return p.createIssue(ctx, creds, params)
	case "add_comment":
		return p.addComment(ctx, creds, params)
	case "search_issues":
		return p.runSearch(ctx, creds, params)
	default:
		return nil, registry.NotSupportedf("jira action %q", action)
	}
}

// adfDocument wraps plain text in the minimal Atlassian Document Format
// body the v3 API insists on.
func adfDocument(text string) map[string]any {
	return map[string]any{
		"type":    "doc",
		"version": 1,
		"content": []map[string]any{{
			"type": "paragraph",
			"content": []map[string]any{{
				"type": "text",
				"text": text,
			}},
		}},
	}
}

func (p *Provider) createIssue(ctx context.Context, creds registry.Credentials, params map[string]any) (map[string]any, error) {
	projectKey, _ := params["project_key"].(string)
	summary, _ := params["summary"].(string)
	if projectKey == "" || summary == "" {
		return nil, registry.NewValidationError("create_issue requires project_key and summary")
	}
	issueType, _ := params["issue_type"].(string)
	if issueType == "" {
		issueType = "Task"
	}

	fields := map[string]any{
		"project":   map[string]any{"key": projectKey},
		"summary":   summary,
		"issuetype": map[string]any{"name": issueType},
	}
	if description, _ := params["description"].(string); description != "" {
		fields["description"] = adfDocument(description)
	}

	var out struct {
		ID   string `json:"id"`
		Key  string `json:"key"`
		Self string `json:"self"`
	}
	err := p.post(ctx, creds, "/rest/api/3/issue", map[string]any{"fields": fields}, &out)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": out.ID, "key": out.Key, "self": out.Self}, nil
}

func (p *Provider) addComment(ctx context.Context, creds registry.Credentials, params map[string]any) (map[string]any, error) {
	issue, _ := params["issue"].(string)
	body, _ := params["body"].(string)
	if issue == "" || body == "" {
		return nil, registry.NewValidationError("add_comment requires issue and body")
	}

	var out struct {
		ID      string `json:"id"`
		Created string `json:"created"`
	}
	err := p.post(ctx, creds, "/rest/api/3/issue/"+url.PathEscape(issue)+"/comment",
		map[string]any{"body": adfDocument(body)}, &out)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": out.ID, "issue": issue, "created": out.Created}, nil
}

func (p *Provider) runSearch(ctx context.Context, creds registry.Credentials, params map[string]any) (map[string]any, error) {
	jql, _ := params["jql"].(string)
	if jql == "" {
		return nil, registry.NewValidationError("search_issues requires jql")
	}
	max := syncPageSize
	if v, ok := params["max_results"].(float64); ok && v > 0 {
		max = int(v)
	}
	page, err := p.searchIssues(ctx, creds, jql, 0, max)
	if err != nil {
		return nil, err
	}
	issues := make([]map[string]any, 0, len(page.Issues))
	for _, is := range page.Issues {
		issues = append(issues, map[string]any{"id": is.ID, "key": is.Key})
	}
	return map[string]any{"issues": issues, "total": page.Total}, nil
}
