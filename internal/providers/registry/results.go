package registry

import (
	"strings"
	"time"
)

// SyncMode selects how much history a sync run pulls.
type SyncMode string

const (
	// SyncModeFull pulls every resource from scratch.
	SyncModeFull SyncMode = "full"
	// SyncModeIncremental pulls changes since the last successful run.
	SyncModeIncremental SyncMode = "incremental"
)

// ParseSyncMode normalizes raw into a SyncMode, defaulting to full.
func ParseSyncMode(raw string) SyncMode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(SyncModeIncremental):
		return SyncModeIncremental
	default:
		return SyncModeFull
	}
}

// SyncRequest tells a provider what to pull.
type SyncRequest struct {
	Mode SyncMode
	// Since is the watermark for incremental runs; nil forces a full pull
	// even when Mode is incremental.
	Since *time.Time
	// Resources restricts the run to the named resource types. Empty
	// means every resource the provider syncs.
	Resources []string
	// Reporter receives progress events; never nil for provider code,
	// the orchestrator installs a no-op reporter when unset.
	Reporter Reporter
}

// EnabledResources resolves which of a provider's resource types a sync
// run should pull. An explicit request list wins; otherwise the
// integration's feature toggles filter the provider's full set; with
// neither, every resource is pulled.
func EnabledResources(req SyncRequest, cfg Config, all ...string) []string {
	if len(req.Resources) > 0 {
		return req.Resources
	}
	if len(cfg.Features) == 0 {
		return all
	}
	enabled := make([]string, 0, len(all))
	for _, resource := range all {
		if cfg.FeatureEnabled(resource) {
			enabled = append(enabled, resource)
		}
	}
	return enabled
}

// SyncError records one failed resource inside an otherwise continuing
// sync run.
type SyncError struct {
	Resource string `json:"resource"`
	Message  string `json:"message"`
}

// SyncResult aggregates one sync run. Counts cover every resource that
// succeeded; Errors lists the resources that did not.
type SyncResult struct {
	Success   bool           `json:"success"`
	Processed int            `json:"processed"`
	Created   int            `json:"created"`
	Updated   int            `json:"updated"`
	Deleted   int            `json:"deleted"`
	Resources map[string]int `json:"resources,omitempty"`
	Errors    []SyncError    `json:"errors,omitempty"`
}

// ResourceCounts is the per-resource outcome a provider feeds into
// SyncResult.
type ResourceCounts struct {
	Processed int
	Created   int
	Updated   int
	Deleted   int
}

// AddResource folds a successful resource pull into the totals.
func (r *SyncResult) AddResource(name string, c ResourceCounts) {
	r.Processed += c.Processed
	r.Created += c.Created
	r.Updated += c.Updated
	r.Deleted += c.Deleted
	if r.Resources == nil {
		r.Resources = map[string]int{}
	}
	r.Resources[name] += c.Processed
}

// AddError records a failed resource without aborting the run.
func (r *SyncResult) AddError(resource string, err error) {
	r.Errors = append(r.Errors, SyncError{Resource: resource, Message: err.Error()})
}

// Finalize sets Success from the recorded errors and returns the result.
func (r SyncResult) Finalize() SyncResult {
	r.Success = len(r.Errors) == 0
	return r
}

// TestResult reports the outcome of a connection test. A failed call is
// a result with Success false, not an error: tests never throw.
type TestResult struct {
	Success      bool           `json:"success"`
	Message      string         `json:"message"`
	Details      map[string]any `json:"details,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	RateLimit    *RateLimit     `json:"rate_limit,omitempty"`
}

// RateLimit carries the provider's rate limit headers when the test call
// exposed them.
type RateLimit struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// FailedTest builds a TestResult for err, flattening it to a message so
// callers can surface it without unwrapping.
func FailedTest(err error) TestResult {
	return TestResult{Success: false, Message: err.Error()}
}
