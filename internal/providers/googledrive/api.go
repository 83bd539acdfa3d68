package googledrive

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
	syncPageSize = 100
	folderMIME   = "application/vnd.google-apps.folder"
)

func (p *Provider) get(ctx context.Context, creds registry.Credentials, path string, query url.Values, out any) error {
	return p.client.DoJSON(ctx, httpx.Request{
		Method:      "GET",
		URL:         p.apiBaseURL + path,
		Query:       query,
		Credentials: creds,
	}, out)
}

func (p *Provider) post(ctx context.Context, creds registry.Credentials, path string, body, out any) error {
	return p.client.DoJSON(ctx, httpx.Request{
		Method:      "POST",
		URL:         p.apiBaseURL + path,
		Body:        body,
		Credentials: creds,
	}, out)
}

type aboutResponse struct {
	User struct {
		DisplayName  string `json:"displayName"`
		EmailAddress string `json:"emailAddress"`
	} `json:"user"`
	StorageQuota struct {
		Limit string `json:"limit"`
		Usage string `json:"usage"`
	} `json:"storageQuota"`
}

// TestConnection hits the about endpoint, which answers with the
// authenticated user and quota in one cheap call.
func (p *Provider) TestConnection(ctx context.Context, creds registry.Credentials, _ registry.Config) registry.TestResult {
	var about aboutResponse
	q := url.Values{"fields": {"user,storageQuota"}}
	if err := p.get(ctx, creds, "/drive/v3/about", q, &about); err != nil {
		return registry.FailedTest(err)
	}

	details := map[string]any{
		"user":  about.User.DisplayName,
		"email": about.User.EmailAddress,
	}
	if about.StorageQuota.Limit != "" {
		details["storage_limit"] = about.StorageQuota.Limit
		details["storage_usage"] = about.StorageQuota.Usage
	}
	return registry.TestResult{
		Success:      true,
		Message:      fmt.Sprintf("authenticated as %s", about.User.EmailAddress),
		Details:      details,
		Capabilities: p.Metadata().Capabilities,
	}
}

type fileList struct {
	NextPageToken string `json:"nextPageToken"`
	Files         []struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		MimeType string `json:"mimeType"`
		Trashed  bool   `json:"trashed"`
	} `json:"files"`
}

// Sync pulls the enabled Drive resources. Files and folders filter
// incrementally on modifiedTime; permissions are walked per file and
// repulled every run because Drive exposes no change filter for them.
func (p *Provider) Sync(ctx context.Context, creds registry.Credentials, cfg registry.Config, req registry.SyncRequest) registry.SyncResult {
	reporter := registry.EnsureReporter(req.Reporter)
	var result registry.SyncResult

	for _, resource := range registry.EnabledResources(req, cfg, "files", "folders", "permissions") {
		var counts registry.ResourceCounts
		var err error
		switch resource {
		case "files":
			counts, err = p.syncFiles(ctx, creds, req, "mimeType != '"+folderMIME+"'", resource, reporter)
		case "folders":
			counts, err = p.syncFiles(ctx, creds, req, "mimeType = '"+folderMIME+"'", resource, reporter)
		case "permissions":
			counts, err = p.syncPermissions(ctx, creds, reporter)
		default:
			err = registry.NewValidationError("google drive does not sync resource %q", resource)
		}
		reporter.Report(ctx, registry.Event{
			Source: registry.KindGoogleDrive, Stage: resource, Done: true, Err: err, At: time.Now(),
		})
		if err != nil {
			result.AddError(resource, err)
			continue
		}
		result.AddResource(resource, counts)
	}
	return result.Finalize()
}

// driveQuery combines the type filter with the incremental watermark.
func driveQuery(base string, req registry.SyncRequest) string {
	if req.Mode == registry.SyncModeIncremental && req.Since != nil {
		return base + " and modifiedTime > '" + req.Since.UTC().Format(time.RFC3339) + "'"
	}
	return base
}

func (p *Provider) syncFiles(ctx context.Context, creds registry.Credentials, req registry.SyncRequest, baseQuery, stage string, reporter registry.Reporter) (registry.ResourceCounts, error) {
	var counts registry.ResourceCounts
	pageToken := ""
	for {
		page, err := p.listFiles(ctx, creds, driveQuery(baseQuery, req), syncPageSize, pageToken)
		if err != nil {
			return counts, err
		}
		for _, f := range page.Files {
			if f.Trashed {
				counts.Deleted++
				continue
			}
			counts.Processed++
			counts.Updated++
		}
		reporter.Report(ctx, registry.Event{
			Source: registry.KindGoogleDrive, Stage: stage,
			Current: counts.Processed, Total: registry.UnknownTotal, At: time.Now(),
		})
		pageToken = page.NextPageToken
		if pageToken == "" {
			return counts, nil
		}
	}
}

type permissionList struct {
	Permissions []struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Role string `json:"role"`
	} `json:"permissions"`
}

func (p *Provider) syncPermissions(ctx context.Context, creds registry.Credentials, reporter registry.Reporter) (registry.ResourceCounts, error) {
	var counts registry.ResourceCounts
	pageToken := ""
	for {
		page, err := p.listFiles(ctx, creds, "trashed = false", syncPageSize, pageToken)
		if err != nil {
			return counts, err
		}
		for _, f := range page.Files {
			var perms permissionList
			if err := p.get(ctx, creds, "/drive/v3/files/"+url.PathEscape(f.ID)+"/permissions", nil, &perms); err != nil {
				return counts, err
			}
			counts.Processed += len(perms.Permissions)
			counts.Updated += len(perms.Permissions)
		}
		reporter.Report(ctx, registry.Event{
			Source: registry.KindGoogleDrive, Stage: "permissions",
			Current: counts.Processed, Total: registry.UnknownTotal, At: time.Now(),
		})
		pageToken = page.NextPageToken
		if pageToken == "" {
			return counts, nil
		}
	}
}

func (p *Provider) listFiles(ctx context.Context, creds registry.Credentials, query string, pageSize int, pageToken string) (fileList, error) {
	q := url.Values{
		"pageSize": {strconv.Itoa(pageSize)},
		"fields":   {"nextPageToken,files(id,name,mimeType,trashed)"},
	}
	if query != "" {
		q.Set("q", query)
	}
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	var page fileList
	if err := p.get(ctx, creds, "/drive/v3/files", q, &page); err != nil {
		return fileList{}, err
	}
	return page, nil
}

// ExecuteAction runs a named Drive action.
//
// Supported: list_files (query, page_size), create_folder (name,
// parent), share_file (file_id, email, role).
func (p *Provider) ExecuteAction(ctx context.Context, action string, creds registry.Credentials, _ registry.Config, params map[string]any) (any, error) {
	switch action {
	case "list_files":
		return p.listFilesAction(ctx, creds, params)
	case "create_folder":
		return p.createFolder(ctx, creds, params)
	case "share_file":
		return p.shareFile(ctx, creds, params)
	default:
		return nil, registry.NotSupportedf("google drive action %q", action)
	}
}

func (p *Provider) listFilesAction(ctx context.Context, creds registry.Credentials, params map[string]any) (map[string]any, error) {
	query, _ := params["query"].(string)
	pageSize := syncPageSize
	if v, ok := params["page_size"].(float64); ok && v > 0 {
		pageSize = int(v)
	}
	page, err := p.listFiles(ctx, creds, query, pageSize, "")
	if err != nil {
		return nil, err
	}
	files := make([]map[string]any, 0, len(page.Files))
	for _, f := range page.Files {
		files = append(files, map[string]any{"id": f.ID, "name": f.Name, "mime_type": f.MimeType})
	}
	return map[string]any{"files": files, "count": len(files)}, nil
}

func (p *Provider) createFolder(ctx context.Context, creds registry.Credentials, params map[string]any) (map[string]any, error) {
	name, _ := params["name"].(string)
	if name == "" {
		return nil, registry.NewValidationError("create_folder requires name")
	}
	body := map[string]any{"name": name, "mimeType": folderMIME}
	if parent, _ := params["parent"].(string); parent != "" {
		body["parents"] = []string{parent}
	}

	var out struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := p.post(ctx, creds, "/drive/v3/files", body, &out); err != nil {
		return nil, err
	}
	return map[string]any{"id": out.ID, "name": out.Name}, nil
}

func (p *Provider) shareFile(ctx context.Context, creds registry.Credentials, params map[string]any) (map[string]any, error) {
	fileID, _ := params["file_id"].(string)
	email, _ := params["email"].(string)
	if fileID == "" || email == "" {
		return nil, registry.NewValidationError("share_file requires file_id and email")
	}
	role, _ := params["role"].(string)
	if role == "" {
		role = "reader"
	}

	var out struct {
		ID string `json:"id"`
	}
	err := p.post(ctx, creds, "/drive/v3/files/"+url.PathEscape(fileID)+"/permissions", map[string]any{
		"type":         "user",
		"role":         role,
		"emailAddress": email,
	}, &out)
	if err != nil {
		return nil, err
	}
	return map[string]any{"permission_id": out.ID, "file_id": fileID, "role": role}, nil
}
