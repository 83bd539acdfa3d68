package health

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/junctionhq/junction/internal/providers/registry"
	"github.com/junctionhq/junction/internal/store"
)

// CheckReport aggregates one full health sweep.
type CheckReport struct {
	Tested  int      `json:"tested"`
	Passed  int      `json:"passed"`
	Failed  int      `json:"failed"`
	Results []Result `json:"results"`
}

// RunHealthChecks sweeps every connected or errored credentialed
// connection in the organization, one chunk at a time with the
// configured delay between chunks so full sweeps stay polite to the
// providers on the other end.
func (s *Service) RunHealthChecks(ctx context.Context, orgID uuid.UUID) (CheckReport, error) {
	conns, err := s.store.ListConnectionsWithCredentialsByOrganization(ctx, orgID)
	if err != nil {
		return CheckReport{}, err
	}

	var ids []uuid.UUID
	for _, conn := range conns {
		if conn.Status == store.ConnectionStatusConnected || conn.Status == store.ConnectionStatusError {
			ids = append(ids, conn.ID)
		}
	}

	results := s.runChunks(ctx, ids, s.delay)

	report := CheckReport{Results: make([]Result, 0, len(results))}
	for _, id := range ids {
		result, ok := results[id]
		if !ok {
			continue
		}
		report.Tested++
		if result.Success {
			report.Passed++
		} else {
			report.Failed++
		}
		report.Results = append(report.Results, result)
	}

	s.logger.Info("health sweep finished",
		"organization_id", orgID, "tested", report.Tested, "passed", report.Passed, "failed", report.Failed)
	return report, ctx.Err()
}

// CapabilityReport is user-facing diagnostics for one connection: what
// the provider claims it can do, which claims actually hold for these
// credentials, and what to do about the ones that do not.
type CapabilityReport struct {
	ConnectionID    uuid.UUID       `json:"connection_id"`
	Provider        string          `json:"provider,omitempty"`
	Healthy         bool            `json:"healthy"`
	Capabilities    []string        `json:"capabilities,omitempty"`
	Permissions     map[string]bool `json:"permissions,omitempty"`
	Limitations     []string        `json:"limitations,omitempty"`
	Recommendations []string        `json:"recommendations,omitempty"`
}

// TestCapabilities runs the basic connection test and then probes each
// capability the provider claims, using the cheap action named in its
// metadata. Probe failures are limitations, not errors; the method
// never fails, so it is safe to expose as a diagnostics endpoint.
func (s *Service) TestCapabilities(ctx context.Context, connectionID uuid.UUID) *CapabilityReport {
	report := &CapabilityReport{
		ConnectionID: connectionID,
		Permissions:  map[string]bool{},
	}

	conn, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		report.Limitations = append(report.Limitations, fmt.Sprintf("connection unavailable: %v", err))
		return report
	}
	integration, err := s.store.GetIntegration(ctx, conn.IntegrationID)
	if err != nil {
		report.Limitations = append(report.Limitations, fmt.Sprintf("integration unavailable: %v", err))
		return report
	}
	provider, ok := s.registry.Get(integration.Provider)
	if !ok {
		report.Limitations = append(report.Limitations, fmt.Sprintf("provider %q is not registered", integration.Provider))
		return report
	}
	report.Provider = integration.Provider
	md := provider.Metadata()
	report.Capabilities = md.Capabilities

	basic, err := s.TestOne(ctx, connectionID)
	if err != nil {
		report.Limitations = append(report.Limitations, fmt.Sprintf("connection test unavailable: %v", err))
		return report
	}
	if !basic.Success {
		report.Limitations = append(report.Limitations, "connection test failed: "+basic.Message)
		report.Recommendations = append(report.Recommendations, "re-authorize the connection to restore access")
		return report
	}
	report.Healthy = true

	cfg, err := registry.DecodeConfig(integration.Config)
	if err != nil {
		report.Limitations = append(report.Limitations, fmt.Sprintf("configuration unreadable: %v", err))
		return report
	}
	creds, err := s.secrets.DecryptCredentials(conn.Credentials)
	if err != nil {
		report.Limitations = append(report.Limitations, fmt.Sprintf("credentials unreadable: %v", err))
		return report
	}

	for _, capability := range md.Capabilities {
		probe, ok := md.CapabilityProbes[capability]
		if !ok {
			// No probe action: the capability is assumed present on a
			// healthy connection.
			report.Permissions[capability] = true
			continue
		}
		if _, err := provider.ExecuteAction(ctx, probe, creds, cfg, nil); err != nil {
			report.Permissions[capability] = false
			report.Limitations = append(report.Limitations, fmt.Sprintf("%s: %v", capability, err))
			continue
		}
		report.Permissions[capability] = true
	}

	if len(report.Limitations) > 0 {
		report.Recommendations = append(report.Recommendations,
			"review the integration's granted scopes for the limited capabilities")
	}
	if md.SupportsRefresh && creds.RefreshToken == "" && creds.AccessToken != "" {
		report.Recommendations = append(report.Recommendations,
			"authorize with offline access so tokens can refresh automatically")
	}
	return report
}
