package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/junctionhq/junction/internal/providers/httpx"
	"github.com/junctionhq/junction/internal/providers/registry"
	"github.com/junctionhq/junction/internal/webhooks"
)

// apiResponse is the envelope every Slack Web API answer carries. Slack
// reports failures as 200 with ok=false, so the envelope is checked on
// every call.
type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (r apiResponse) apiErr(method string) error {
	if r.OK {
		return nil
	}
	if r.Error == "" {
		return fmt.Errorf("slack %s failed without error detail", method)
	}
	if r.Error == "ratelimited" {
		return fmt.Errorf("slack %s: %w", method, registry.ErrRateLimited)
	}
	return fmt.Errorf("slack %s: %s", method, r.Error)
}

func (p *Provider) get(ctx context.Context, creds registry.Credentials, method string, query url.Values, out any) error {
	return p.client.DoJSON(ctx, httpx.Request{
		Method:      "GET",
		URL:         p.apiBaseURL + "/" + method,
		Query:       query,
		Credentials: creds,
	}, out)
}

func (p *Provider) post(ctx context.Context, creds registry.Credentials, method string, body any, out any) error {
	return p.client.DoJSON(ctx, httpx.Request{
		Method:      "POST",
		URL:         p.apiBaseURL + "/" + method,
		Body:        body,
		Credentials: creds,
	}, out)
}

type authTestResponse struct {
	apiResponse
	URL    string `json:"url"`
	Team   string `json:"team"`
	TeamID string `json:"team_id"`
	User   string `json:"user"`
	UserID string `json:"user_id"`
}

type teamInfoResponse struct {
	apiResponse
	Team struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Domain string `json:"domain"`
	} `json:"team"`
}

// TestConnection calls auth.test, the canonical cheap authenticated
// probe, then team.info for workspace context.
func (p *Provider) TestConnection(ctx context.Context, creds registry.Credentials, _ registry.Config) registry.TestResult {
	var who authTestResponse
	if err := p.get(ctx, creds, "auth.test", nil, &who); err != nil {
		return registry.FailedTest(err)
	}
	if err := who.apiErr("auth.test"); err != nil {
		return registry.FailedTest(err)
	}

	details := map[string]any{
		"team":    who.Team,
		"team_id": who.TeamID,
		"user":    who.User,
		"user_id": who.UserID,
		"url":     who.URL,
	}
	var team teamInfoResponse
	if err := p.get(ctx, creds, "team.info", nil, &team); err == nil && team.OK {
		details["team_domain"] = team.Team.Domain
		if team.Team.Name != "" {
			details["team"] = team.Team.Name
		}
	}
	return registry.TestResult{
		Success:      true,
		Message:      fmt.Sprintf("authenticated to workspace %s as %s", who.Team, who.User),
		Details:      details,
		Capabilities: p.Metadata().Capabilities,
	}
}

type membersResponse struct {
	apiResponse
	Members []struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Deleted bool   `json:"deleted"`
		IsBot   bool   `json:"is_bot"`
	} `json:"members"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

type channelsResponse struct {
	apiResponse
	Channels []struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		IsArchived bool   `json:"is_archived"`
	} `json:"channels"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

type historyResponse struct {
	apiResponse
	Messages []struct {
		Type string `json:"type"`
		TS   string `json:"ts"`
		User string `json:"user"`
		Text string `json:"text"`
	} `json:"messages"`
	HasMore          bool `json:"has_more"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

const syncPageSize = 200

// Sync pulls the enabled workspace resources. Channel and user listings
// cannot filter by modification time, so incremental runs repull them;
// message history honors the watermark via oldest.
func (p *Provider) Sync(ctx context.Context, creds registry.Credentials, cfg registry.Config, req registry.SyncRequest) registry.SyncResult {
	reporter := registry.EnsureReporter(req.Reporter)
	var result registry.SyncResult

	for _, resource := range registry.EnabledResources(req, cfg, "channels", "users", "messages") {
		var counts registry.ResourceCounts
		var err error
		switch resource {
		case "channels":
			counts, err = p.syncChannels(ctx, creds, reporter)
		case "users":
			counts, err = p.syncUsers(ctx, creds, reporter)
		case "messages":
			counts, err = p.syncMessages(ctx, creds, req, reporter)
		default:
			err = registry.NewValidationError("slack does not sync resource %q", resource)
		}
		reporter.Report(ctx, registry.Event{
			Source: registry.KindSlack, Stage: resource, Done: true, Err: err, At: time.Now(),
		})
		if err != nil {
			result.AddError(resource, err)
			continue
		}
		result.AddResource(resource, counts)
	}
	return result.Finalize()
}

func (p *Provider) syncUsers(ctx context.Context, creds registry.Credentials, reporter registry.Reporter) (registry.ResourceCounts, error) {
	var counts registry.ResourceCounts
	cursor := ""
	for {
		q := url.Values{"limit": {strconv.Itoa(syncPageSize)}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var page membersResponse
		if err := p.get(ctx, creds, "users.list", q, &page); err != nil {
			return counts, err
		}
		if err := page.apiErr("users.list"); err != nil {
			return counts, err
		}
		for _, m := range page.Members {
			if m.Deleted {
				counts.Deleted++
				continue
			}
			counts.Processed++
			counts.Updated++
		}
		reporter.Report(ctx, registry.Event{
			Source: registry.KindSlack, Stage: "users",
			Current: counts.Processed, Total: registry.UnknownTotal, At: time.Now(),
		})
		cursor = page.ResponseMetadata.NextCursor
		if cursor == "" {
			return counts, nil
		}
	}
}

func (p *Provider) syncChannels(ctx context.Context, creds registry.Credentials, reporter registry.Reporter) (registry.ResourceCounts, error) {
	var counts registry.ResourceCounts
	cursor := ""
	for {
		page, err := p.listChannelsPage(ctx, creds, syncPageSize, cursor)
		if err != nil {
			return counts, err
		}
		for _, ch := range page.Channels {
			if ch.IsArchived {
				counts.Deleted++
				continue
			}
			counts.Processed++
			counts.Updated++
		}
		reporter.Report(ctx, registry.Event{
			Source: registry.KindSlack, Stage: "channels",
			Current: counts.Processed, Total: registry.UnknownTotal, At: time.Now(),
		})
		cursor = page.ResponseMetadata.NextCursor
		if cursor == "" {
			return counts, nil
		}
	}
}

// syncMessages walks conversation history for every live channel. An
// incremental run passes the watermark as oldest so Slack filters
// server-side. Channels the bot is not a member of are skipped.
func (p *Provider) syncMessages(ctx context.Context, creds registry.Credentials, req registry.SyncRequest, reporter registry.Reporter) (registry.ResourceCounts, error) {
	var counts registry.ResourceCounts
	oldest := ""
	if req.Mode == registry.SyncModeIncremental && req.Since != nil {
		oldest = strconv.FormatInt(req.Since.Unix(), 10)
	}

	cursor := ""
	for {
		page, err := p.listChannelsPage(ctx, creds, syncPageSize, cursor)
		if err != nil {
			return counts, err
		}
		for _, ch := range page.Channels {
			if ch.IsArchived {
				continue
			}
			n, err := p.channelHistoryCount(ctx, creds, ch.ID, oldest)
			if err != nil {
				return counts, err
			}
			counts.Processed += n
			counts.Created += n
			reporter.Report(ctx, registry.Event{
				Source: registry.KindSlack, Stage: "messages",
				Current: counts.Processed, Total: registry.UnknownTotal,
				Message: ch.Name, At: time.Now(),
			})
		}
		cursor = page.ResponseMetadata.NextCursor
		if cursor == "" {
			return counts, nil
		}
	}
}

func (p *Provider) listChannelsPage(ctx context.Context, creds registry.Credentials, limit int, cursor string) (channelsResponse, error) {
	q := url.Values{
		"limit": {strconv.Itoa(limit)},
		"types": {"public_channel,private_channel"},
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var page channelsResponse
	if err := p.get(ctx, creds, "conversations.list", q, &page); err != nil {
		return channelsResponse{}, err
	}
	if err := page.apiErr("conversations.list"); err != nil {
		return channelsResponse{}, err
	}
	return page, nil
}

func (p *Provider) channelHistoryCount(ctx context.Context, creds registry.Credentials, channelID, oldest string) (int, error) {
	total := 0
	cursor := ""
	for {
		q := url.Values{"channel": {channelID}, "limit": {strconv.Itoa(syncPageSize)}}
		if oldest != "" {
			q.Set("oldest", oldest)
		}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var page historyResponse
		if err := p.get(ctx, creds, "conversations.history", q, &page); err != nil {
			return total, err
		}
		if page.Error == "not_in_channel" {
			return total, nil
		}
		if err := page.apiErr("conversations.history"); err != nil {
			return total, err
		}
		total += len(page.Messages)
		cursor = page.ResponseMetadata.NextCursor
		if !page.HasMore || cursor == "" {
			return total, nil
		}
	}
}

// ExecuteAction runs a named Slack action.
//
// Supported: send_message (channel, text), list_channels (limit),
// get_channel_history (channel, limit, oldest), auth_probe.
func (p *Provider) ExecuteAction(ctx context.Context, action string, creds registry.Credentials, _ registry.Config, params map[string]any) (any, error) {
	switch action {
	case "send_message":
		return p.sendMessage(ctx, creds, params)
	case "list_channels":
		return p.listChannels(ctx, creds, params)
	case "get_channel_history":
		return p.getChannelHistory(ctx, creds, params)
	case "auth_probe":
		return p.authProbe(ctx, creds)
	default:
		return nil, registry.NotSupportedf("slack action %q", action)
	}
}

func (p *Provider) sendMessage(ctx context.Context, creds registry.Credentials, params map[string]any) (map[string]any, error) {
	channel, _ := params["channel"].(string)
	text, _ := params["text"].(string)
	if channel == "" || text == "" {
		return nil, registry.NewValidationError("send_message requires channel and text")
	}

	var out struct {
		apiResponse
		Channel string `json:"channel"`
		TS      string `json:"ts"`
	}
	err := p.post(ctx, creds, "chat.postMessage", map[string]any{
		"channel": channel,
		"text":    text,
	}, &out)
	if err != nil {
		return nil, err
	}
	if err := out.apiErr("chat.postMessage"); err != nil {
		return nil, err
	}
	return map[string]any{"channel": out.Channel, "ts": out.TS}, nil
}

func (p *Provider) listChannels(ctx context.Context, creds registry.Credentials, params map[string]any) (map[string]any, error) {
	limit := 100
	if v, ok := params["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}
	var out channelsResponse
	q := url.Values{"limit": {strconv.Itoa(limit)}, "types": {"public_channel"}}
	if err := p.get(ctx, creds, "conversations.list", q, &out); err != nil {
		return nil, err
	}
	if err := out.apiErr("conversations.list"); err != nil {
		return nil, err
	}
	channels := make([]map[string]any, 0, len(out.Channels))
	for _, ch := range out.Channels {
		channels = append(channels, map[string]any{"id": ch.ID, "name": ch.Name, "archived": ch.IsArchived})
	}
	return map[string]any{"channels": channels, "count": len(channels)}, nil
}

func (p *Provider) getChannelHistory(ctx context.Context, creds registry.Credentials, params map[string]any) (map[string]any, error) {
	channel, _ := params["channel"].(string)
	if channel == "" {
		return nil, registry.NewValidationError("get_channel_history requires channel")
	}
	limit := 50
	if v, ok := params["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}
	q := url.Values{"channel": {channel}, "limit": {strconv.Itoa(limit)}}
	if oldest, _ := params["oldest"].(string); oldest != "" {
		q.Set("oldest", oldest)
	}
	var out historyResponse
	if err := p.get(ctx, creds, "conversations.history", q, &out); err != nil {
		return nil, err
	}
	if err := out.apiErr("conversations.history"); err != nil {
		return nil, err
	}
	messages := make([]map[string]any, 0, len(out.Messages))
	for _, m := range out.Messages {
		messages = append(messages, map[string]any{"ts": m.TS, "user": m.User, "text": m.Text})
	}
	return map[string]any{"messages": messages, "count": len(messages), "has_more": out.HasMore}, nil
}

func (p *Provider) authProbe(ctx context.Context, creds registry.Credentials) (map[string]any, error) {
	var out authTestResponse
	if err := p.get(ctx, creds, "auth.test", nil, &out); err != nil {
		return nil, err
	}
	if err := out.apiErr("auth.test"); err != nil {
		return nil, err
	}
	return map[string]any{"team": out.Team, "team_id": out.TeamID, "user": out.User}, nil
}

type eventEnvelope struct {
	Type      string         `json:"type"`
	Challenge string         `json:"challenge"`
	TeamID    string         `json:"team_id"`
	EventID   string         `json:"event_id"`
	Event     map[string]any `json:"event"`
}

func decodeEvent(payload []byte) (eventEnvelope, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return eventEnvelope{}, err
	}
	return envelope, nil
}

func verifySlack(timestamp string, payload []byte, signature, secret string, now time.Time) bool {
	return webhooks.VerifySlackSignature(timestamp, payload, signature, secret, now, webhooks.DefaultTolerance)
}
