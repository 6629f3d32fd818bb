// Package session keeps one validated remote-service token per tenant.
package session

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/example/appointment-scheduler/internal/emodal"
	"github.com/example/appointment-scheduler/internal/telemetry"
	"github.com/example/appointment-scheduler/internal/tenants"
)

type Remote interface {
	AcquireSession(ctx context.Context, creds emodal.Credentials) (emodal.SessionResult, error)
	Login(ctx context.Context, creds emodal.Credentials) (emodal.SessionResult, error)
	ActiveSessions(ctx context.Context) ([]emodal.Session, error)
}

type Store interface {
	Get(ctx context.Context, id int64) (tenants.Tenant, error)
	Credentials(ctx context.Context, id int64) (tenants.Credentials, error)
	SwapSessionToken(ctx context.Context, id int64, prev *string, next string) (bool, error)
}

type Manager struct {
	remote Remote
	store  Store
	logger zerolog.Logger
	group  singleflight.Group
}

func NewManager(remote Remote, store Store, logger zerolog.Logger) *Manager {
	return &Manager{remote: remote, store: store, logger: logger.With().Str("component", "session").Logger()}
}

// Ensure returns a token for the tenant that the remote service currently
// lists as active, acquiring one when the cached token is absent or stale.
func (m *Manager) Ensure(ctx context.Context, tenantID int64) (string, error) {
	t, err := m.store.Get(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if t.SessionToken != nil && *t.SessionToken != "" && m.active(ctx, *t.SessionToken) {
		return *t.SessionToken, nil
	}
	creds, err := m.credentials(ctx, tenantID)
	if err != nil {
		return "", err
	}
	res, err := m.remote.AcquireSession(ctx, creds)
	if err != nil {
		return "", err
	}
	return m.persist(ctx, tenantID, t.SessionToken, res)
}

// Recover re-authenticates with the stored credentials after the remote
// service rejected stale. Concurrent recoveries for one tenant share a
// single login.
func (m *Manager) Recover(ctx context.Context, tenantID int64, stale string) (string, error) {
	v, err, _ := m.group.Do(strconv.FormatInt(tenantID, 10), func() (any, error) {
		creds, err := m.credentials(ctx, tenantID)
		if err != nil {
			return "", err
		}
		res, err := m.remote.Login(ctx, creds)
		if err != nil {
			return "", err
		}
		telemetry.SessionRecovered.Inc()
		prev := &stale
		if stale == "" {
			prev = nil
		}
		return m.persist(ctx, tenantID, prev, res)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) active(ctx context.Context, token string) bool {
	sessions, err := m.remote.ActiveSessions(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("could not validate cached session")
		return false
	}
	for _, s := range sessions {
		if s.ID == token {
			return true
		}
	}
	return false
}

func (m *Manager) credentials(ctx context.Context, tenantID int64) (emodal.Credentials, error) {
	c, err := m.store.Credentials(ctx, tenantID)
	if err != nil {
		return emodal.Credentials{}, fmt.Errorf("session: credentials: %w", err)
	}
	return emodal.Credentials{Username: c.Username, Password: c.Password, CaptchaAPIKey: c.CaptchaAPIKey}, nil
}

// persist stores res as the tenant's token unless another flow replaced the
// token in the meantime, in which case the newer stored token wins.
func (m *Manager) persist(ctx context.Context, tenantID int64, prev *string, res emodal.SessionResult) (string, error) {
	ok, err := m.store.SwapSessionToken(ctx, tenantID, prev, res.Token)
	if err != nil {
		return "", err
	}
	if ok {
		m.logger.Info().Int64("tenant_id", tenantID).Bool("is_new", res.IsNew).Msg("session token stored")
		return res.Token, nil
	}
	t, err := m.store.Get(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if t.SessionToken == nil || *t.SessionToken == "" {
		if _, err := m.store.SwapSessionToken(ctx, tenantID, t.SessionToken, res.Token); err != nil {
			return "", err
		}
		return res.Token, nil
	}
	m.logger.Debug().Int64("tenant_id", tenantID).Msg("session token replaced concurrently, using stored one")
	return *t.SessionToken, nil
}
