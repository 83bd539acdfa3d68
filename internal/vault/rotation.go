package vault

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/junctionhq/junction/internal/metrics"
	"github.com/junctionhq/junction/internal/store"
)

// rotateWidth bounds how many connections a bulk sweep re-encrypts at
// once.
const rotateWidth = 4

// connectionStore is the slice of the persistence layer rotation needs.
type connectionStore interface {
	GetConnection(ctx context.Context, id uuid.UUID) (store.Connection, error)
	ListConnectionsWithCredentialsByOrganization(ctx context.Context, orgID uuid.UUID) ([]store.Connection, error)
	UpdateConnectionCredentials(ctx context.Context, id uuid.UUID, credentials string, meta []byte) error
	AppendIntegrationLog(ctx context.Context, p store.AppendIntegrationLogParams) (store.IntegrationLog, error)
}

// Rotator re-encrypts stored connection credentials under the current
// primary key.
type Rotator struct {
	svc    *Service
	store  connectionStore
	logger *slog.Logger
}

// NewRotator wires a rotator over the credential service and store.
func NewRotator(svc *Service, st connectionStore, logger *slog.Logger) *Rotator {
	return &Rotator{svc: svc, store: st, logger: logger}
}

// Rotate re-encrypts one connection's credentials under the primary key,
// accepting previous keys on decrypt, and writes an audit row either
// way. Failures are logged, never returned; the report is the boolean.
func (r *Rotator) Rotate(ctx context.Context, id uuid.UUID) bool {
	conn, err := r.store.GetConnection(ctx, id)
	if err != nil {
		r.logger.Error("credential rotation failed", "connection_id", id, "error", err)
		return false
	}
	if !conn.HasCredentials() {
		r.logger.Warn("credential rotation skipped, no stored credentials", "connection_id", id)
		return false
	}
	if err := r.rotate(ctx, conn); err != nil {
		r.logger.Error("credential rotation failed", "connection_id", id, "error", err)
		r.audit(ctx, conn, store.LogStatusError, err.Error())
		return false
	}
	r.audit(ctx, conn, store.LogStatusSuccess, "")
	return true
}

func (r *Rotator) rotate(ctx context.Context, conn store.Connection) error {
	plaintext, err := r.svc.Decrypt(conn.Credentials)
	if err != nil {
		return fmt.Errorf("decrypt connection %s: %w", conn.ID, err)
	}
	payload, meta, err := r.svc.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("re-encrypt connection %s: %w", conn.ID, err)
	}
	now := meta.EncryptedAt
	meta.RotatedAt = &now
	rawMeta, err := meta.Encode()
	if err != nil {
		return err
	}
	if err := r.store.UpdateConnectionCredentials(ctx, conn.ID, payload, rawMeta); err != nil {
		return fmt.Errorf("store rotated credentials for %s: %w", conn.ID, err)
	}
	return nil
}

func (r *Rotator) audit(ctx context.Context, conn store.Connection, status, detail string) {
	metrics.CredentialRotationsTotal.WithLabelValues(status).Inc()
	connID := conn.ID
	_, err := r.store.AppendIntegrationLog(ctx, store.AppendIntegrationLogParams{
		IntegrationID: conn.IntegrationID,
		ConnectionID:  &connID,
		Action:        "credential_rotated",
		Status:        status,
		ErrorDetail:   detail,
	})
	if err != nil {
		r.logger.Warn("rotation audit log failed", "connection_id", conn.ID, "error", err)
	}
}

// Report summarizes a bulk rotation sweep.
type Report struct {
	Rotated int      `json:"rotated"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// BulkRotate sweeps an organization's stored credentials and re-encrypts
// the payloads flagged by NeedsRotation: sealed under a superseded key,
// or older than the rotation interval. Work runs a few connections at a
// time; individual failures land in the report, never abort the sweep.
func (r *Rotator) BulkRotate(ctx context.Context, orgID uuid.UUID) (Report, error) {
	conns, err := r.store.ListConnectionsWithCredentialsByOrganization(ctx, orgID)
	if err != nil {
		return Report{}, err
	}

	now := r.svc.now().UTC()
	var (
		mu     sync.Mutex
		report Report
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(rotateWidth)
	for _, conn := range conns {
		meta, err := DecodeMetadata(conn.CredentialMeta)
		if err != nil {
			r.logger.Warn("unreadable credential metadata, rotating", "connection_id", conn.ID, "error", err)
			meta = Metadata{}
		}
		if !r.svc.NeedsRotation(meta, now) {
			continue
		}
		g.Go(func() error {
			rotateErr := r.rotate(ctx, conn)
			mu.Lock()
			defer mu.Unlock()
			if rotateErr != nil {
				report.Failed++
				report.Errors = append(report.Errors, rotateErr.Error())
				r.logger.Error("credential rotation failed", "connection_id", conn.ID, "error", rotateErr)
				r.audit(ctx, conn, store.LogStatusError, rotateErr.Error())
				return nil
			}
			report.Rotated++
			r.audit(ctx, conn, store.LogStatusSuccess, "")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, ctx.Err()
}

// Health describes the state of an organization's stored credentials
// without changing anything.
type Health struct {
	Total         int `json:"total"`
	Active        int `json:"active"`
	Expired       int `json:"expired"`
	NeedsRotation int `json:"needs_rotation"`
	Errors        int `json:"errors"`
}

// CredentialHealth scans every stored payload in the organization:
// connected versus expired, stale payloads due for rotation, and
// payloads whose envelope is unreadable or whose connection sits in
// error.
func (r *Rotator) CredentialHealth(ctx context.Context, orgID uuid.UUID) (Health, error) {
	conns, err := r.store.ListConnectionsWithCredentialsByOrganization(ctx, orgID)
	if err != nil {
		return Health{}, err
	}

	now := r.svc.now().UTC()
	var health Health
	for _, conn := range conns {
		if err := ctx.Err(); err != nil {
			return health, err
		}
		health.Total++

		switch conn.Status {
		case store.ConnectionStatusConnected:
			if conn.TokenExpired(now) {
				health.Expired++
			} else {
				health.Active++
			}
		case store.ConnectionStatusExpired:
			health.Expired++
		case store.ConnectionStatusError:
			health.Errors++
		}

		meta, err := DecodeMetadata(conn.CredentialMeta)
		if err != nil {
			health.Errors++
			meta = Metadata{}
		}
		if r.svc.NeedsRotation(meta, now) {
			health.NeedsRotation++
		}
	}
	return health, nil
}
