package stripe

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/junctionhq/junction/internal/providers/httpx"
	"github.com/junctionhq/junction/internal/providers/registry"
)

const syncPageSize = 100

func (p *Provider) get(ctx context.Context, creds registry.Credentials, path string, query url.Values, out any) error {
	return p.client.DoJSON(ctx, httpx.Request{
		Method:      "GET",
		URL:         p.apiBaseURL + path,
		Query:       query,
		Credentials: creds,
	}, out)
}

// postForm sends a form-encoded body, the only encoding the Stripe API
// accepts for writes.
func (p *Provider) postForm(ctx context.Context, creds registry.Credentials, path string, form url.Values, out any) error {
	return p.client.DoJSON(ctx, httpx.Request{
		Method:      "POST",
		URL:         p.apiBaseURL + path,
		Form:        form,
		Credentials: creds,
	}, out)
}

type accountResponse struct {
	ID              string `json:"id"`
	Email           string `json:"email"`
	Country         string `json:"country"`
	BusinessProfile struct {
		Name string `json:"name"`
	} `json:"business_profile"`
}

type balanceResponse struct {
	Available []struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	} `json:"available"`
	Pending []struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	} `json:"pending"`
}

// TestConnection reads the account the key belongs to, then the balance
// for extra context when it answers.
func (p *Provider) TestConnection(ctx context.Context, creds registry.Credentials, _ registry.Config) registry.TestResult {
	var account accountResponse
	if err := p.get(ctx, creds, "/v1/account", nil, &account); err != nil {
		return registry.FailedTest(err)
	}

	details := map[string]any{
		"account_id": account.ID,
		"country":    account.Country,
	}
	if account.BusinessProfile.Name != "" {
		details["business_name"] = account.BusinessProfile.Name
	}
	if account.Email != "" {
		details["email"] = account.Email
	}
	var balance balanceResponse
	if err := p.get(ctx, creds, "/v1/balance", nil, &balance); err == nil && len(balance.Available) > 0 {
		details["balance_available"] = balance.Available[0].Amount
		details["balance_currency"] = balance.Available[0].Currency
	}
	return registry.TestResult{
		Success:      true,
		Message:      fmt.Sprintf("authenticated to account %s", account.ID),
		Details:      details,
		Capabilities: p.Metadata().Capabilities,
	}
}

// listResponse covers every Stripe list endpoint: the sync only needs
// ids, the has_more flag, and the cursor the last id provides.
type listResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
	HasMore bool `json:"has_more"`
}

var syncPaths = map[string]string{
	"customers":     "/v1/customers",
	"charges":       "/v1/charges",
	"invoices":      "/v1/invoices",
	"subscriptions": "/v1/subscriptions",
}

// Sync pulls the enabled account resources. Every Stripe list filters
// by creation time, so incremental runs pass the watermark as
// created[gte]; objects mutated after creation are picked up by full
// runs.
func (p *Provider) Sync(ctx context.Context, creds registry.Credentials, cfg registry.Config, req registry.SyncRequest) registry.SyncResult {
	reporter := registry.EnsureReporter(req.Reporter)
	var result registry.SyncResult

	for _, resource := range registry.EnabledResources(req, cfg, "customers", "charges", "invoices", "subscriptions") {
		path, ok := syncPaths[resource]
		var counts registry.ResourceCounts
		var err error
		if !ok {
			err = registry.NewValidationError("stripe does not sync resource %q", resource)
		} else {
			counts, err = p.syncList(ctx, creds, path, resource, req, reporter)
		}
		reporter.Report(ctx, registry.Event{
			Source: registry.KindStripe, Stage: resource, Done: true, Err: err, At: time.Now(),
		})
		if err != nil {
			result.AddError(resource, err)
			continue
		}
		result.AddResource(resource, counts)
	}
	return result.Finalize()
}

func (p *Provider) syncList(ctx context.Context, creds registry.Credentials, path, stage string, req registry.SyncRequest, reporter registry.Reporter) (registry.ResourceCounts, error) {
	var counts registry.ResourceCounts
	startingAfter := ""
	for {
		q := url.Values{"limit": {strconv.Itoa(syncPageSize)}}
		if req.Mode == registry.SyncModeIncremental && req.Since != nil {
			q.Set("created[gte]", strconv.FormatInt(req.Since.Unix(), 10))
		}
		if startingAfter != "" {
			q.Set("starting_after", startingAfter)
		}
		var page listResponse
		if err := p.get(ctx, creds, path, q, &page); err != nil {
			return counts, err
		}
		counts.Processed += len(page.Data)
		counts.Created += len(page.Data)
		reporter.Report(ctx, registry.Event{
			Source: registry.KindStripe, Stage: stage,
			Current: counts.Processed, Total: registry.UnknownTotal, At: time.Now(),
		})
		if !page.HasMore || len(page.Data) == 0 {
			return counts, nil
		}
		startingAfter = page.Data[len(page.Data)-1].ID
	}
}

// ExecuteAction runs a named Stripe action.
//
// Supported: create_refund (charge, amount), get_balance,
// list_disputes (limit).
func (p *Provider) ExecuteAction(ctx context.Context, action string, creds registry.Credentials, _ registry.Config, params map[string]any) (any, error) {
	switch action {
	case "create_refund":
		return p.createRefund(ctx, creds, params)
	case "get_balance":
		return p.getBalance(ctx, creds)
	case "list_disputes":
		return p.listDisputes(ctx, creds, params)
	default:
		return nil, registry.NotSupportedf("stripe action %q", action)
	}
}

func (p *Provider) createRefund(ctx context.Context, creds registry.Credentials, params map[string]any) (map[string]any, error) {
	charge, _ := params["charge"].(string)
	if charge == "" {
		return nil, registry.NewValidationError("create_refund requires charge")
	}
	form := url.Values{"charge": {charge}}
	if v, ok := params["amount"].(float64); ok && v > 0 {
		form.Set("amount", strconv.FormatInt(int64(v), 10))
	}

	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Amount int64  `json:"amount"`
	}
	if err := p.postForm(ctx, creds, "/v1/refunds", form, &out); err != nil {
		return nil, err
	}
	return map[string]any{"id": out.ID, "status": out.Status, "amount": out.Amount}, nil
}

func (p *Provider) getBalance(ctx context.Context, creds registry.Credentials) (map[string]any, error) {
	var balance balanceResponse
	if err := p.get(ctx, creds, "/v1/balance", nil, &balance); err != nil {
		return nil, err
	}
	available := make([]map[string]any, 0, len(balance.Available))
	for _, b := range balance.Available {
		available = append(available, map[string]any{"amount": b.Amount, "currency": b.Currency})
	}
	pending := make([]map[string]any, 0, len(balance.Pending))
	for _, b := range balance.Pending {
		pending = append(pending, map[string]any{"amount": b.Amount, "currency": b.Currency})
	}
	return map[string]any{"available": available, "pending": pending}, nil
}

func (p *Provider) listDisputes(ctx context.Context, creds registry.Credentials, params map[string]any) (map[string]any, error) {
	limit := 25
	if v, ok := params["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}
	var out struct {
		Data []struct {
			ID     string `json:"id"`
			Amount int64  `json:"amount"`
			Status string `json:"status"`
			Reason string `json:"reason"`
		} `json:"data"`
		HasMore bool `json:"has_more"`
	}
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if err := p.get(ctx, creds, "/v1/disputes", q, &out); err != nil {
		return nil, err
	}
	disputes := make([]map[string]any, 0, len(out.Data))
	for _, d := range out.Data {
		disputes = append(disputes, map[string]any{
			"id": d.ID, "amount": d.Amount, "status": d.Status, "reason": d.Reason,
		})
	}
	return map[string]any{"disputes": disputes, "count": len(disputes), "has_more": out.HasMore}, nil
}
