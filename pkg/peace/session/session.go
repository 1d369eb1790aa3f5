// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session manages the principals acting on this site: the local
// administrator, authenticated with a bcrypt password hash, and the federated
// users created for remote sites after a completed handshake. Principals are
// carried between requests in server-side sessions.
package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"k8s.io/utils/clock"

	peaceerrors "github.com/stacklok/peace-protocol/pkg/errors"
	"github.com/stacklok/peace-protocol/pkg/kv"
	"github.com/stacklok/peace-protocol/pkg/logger"
	"github.com/stacklok/peace-protocol/pkg/peace"
)

// Store keys.
const (
	FederatedUsersKey = "peace_federated_users"
	sessionKeyPrefix  = "peace_session:"
)

// CookieName is the name of the session cookie.
const CookieName = "peace_session"

// AdminID is the principal id of the local administrator.
const AdminID = "admin"

// DefaultTTL is the lifetime of a session.
const DefaultTTL = 24 * time.Hour

// Principal is an authenticated actor.
type Principal struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Admin         bool   `json:"admin,omitempty"`
	FederatedSite string `json:"federated_site,omitempty"`
}

// FederatedUser is the local principal representing a remote site.
type FederatedUser struct {
	ID        string    `json:"id"`
	SiteURL   string    `json:"site_url"`
	CreatedAt time.Time `json:"created_at"`
}

// Principal returns the principal acting as u.
func (u FederatedUser) Principal() *Principal {
	return &Principal{ID: u.ID, Name: u.SiteURL, FederatedSite: u.SiteURL}
}

// Session binds a principal to an opaque id until ExpiresAt.
type Session struct {
	ID        string    `json:"id"`
	Principal Principal `json:"principal"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager authenticates the administrator and stores sessions and federated users.
type Manager struct {
	store        kv.Store
	clock        clock.PassiveClock
	ttl          time.Duration
	adminUser    string
	passwordHash []byte
	logger       *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for session expiry.
func WithClock(c clock.PassiveClock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithTTL sets the session lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithAdmin sets the administrator credentials. An empty username disables
// administrator login.
func WithAdmin(username, passwordHash string) Option {
	return func(m *Manager) {
		m.adminUser = username
		m.passwordHash = []byte(passwordHash)
	}
}

// NewManager creates a session Manager.
func NewManager(store kv.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		clock:  clock.RealClock{},
		ttl:    DefaultTTL,
		logger: logger.ForComponent("session"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HashPassword returns the bcrypt hash of password for the admin config.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Authenticate checks the administrator credentials.
func (m *Manager) Authenticate(username, password string) (*Principal, error) {
	if m.adminUser == "" || username != m.adminUser {
		return nil, peaceerrors.NewUnauthorizedError("invalid credentials", nil)
	}
	if err := bcrypt.CompareHashAndPassword(m.passwordHash, []byte(password)); err != nil {
		return nil, peaceerrors.NewUnauthorizedError("invalid credentials", err)
	}
	return &Principal{ID: AdminID, Name: m.adminUser, Admin: true}, nil
}

// EnsureFederatedUser returns the federated user for siteURL, creating it
// on first use.
func (m *Manager) EnsureFederatedUser(ctx context.Context, siteURL string) (FederatedUser, error) {
	siteURL = peace.NormalizeSite(siteURL)
	var user FederatedUser
	err := kv.UpdateJSON(ctx, m.store, FederatedUsersKey, func(users *[]FederatedUser) error {
		idx := slices.IndexFunc(*users, func(u FederatedUser) bool { return peace.SameSite(u.SiteURL, siteURL) })
		if idx >= 0 {
			user = (*users)[idx]
			return nil
		}
		user = FederatedUser{ID: uuid.NewString(), SiteURL: siteURL, CreatedAt: m.clock.Now().UTC()}
		*users = append(*users, user)
		return nil
	})
	if err != nil {
		return FederatedUser{}, peaceerrors.NewPersistError("failed to store federated user", err)
	}
	return user, nil
}

// FederatedUser returns the federated user for siteURL if one exists.
func (m *Manager) FederatedUser(ctx context.Context, siteURL string) (FederatedUser, bool, error) {
	users, err := m.FederatedUsers(ctx)
	if err != nil {
		return FederatedUser{}, false, err
	}
	for _, u := range users {
		if peace.SameSite(u.SiteURL, siteURL) {
			return u, true, nil
		}
	}
	return FederatedUser{}, false, nil
}

// FederatedUserID returns the id of the federated user for siteURL, or ""
// when none exists. It is the id ban checks use for server-to-server calls.
func (m *Manager) FederatedUserID(ctx context.Context, siteURL string) (string, error) {
	if siteURL == "" {
		return "", nil
	}
	u, ok, err := m.FederatedUser(ctx, siteURL)
	if err != nil || !ok {
		return "", err
	}
	return u.ID, nil
}

// FederatedUsers lists every federated user.
func (m *Manager) FederatedUsers(ctx context.Context) ([]FederatedUser, error) {
	users, _, err := kv.GetJSON[[]FederatedUser](ctx, m.store, FederatedUsersKey)
	if err != nil {
		return nil, peaceerrors.NewPersistError("failed to load federated users", err)
	}
	return users, nil
}

// Create starts a session for principal.
func (m *Manager) Create(ctx context.Context, principal *Principal) (*Session, error) {
	if principal == nil {
		return nil, peaceerrors.NewInvalidArgumentError("principal is required", nil)
	}
	sess := &Session{
		ID:        uuid.NewString(),
		Principal: *principal,
		ExpiresAt: m.clock.Now().Add(m.ttl).UTC(),
	}
	if err := kv.SetJSON(ctx, m.store, sessionKeyPrefix+sess.ID, sess); err != nil {
		return nil, peaceerrors.NewPersistError("failed to store session", err)
	}
	m.logger.Debug("session created", "principal", principal.ID)
	return sess, nil
}

// Get returns the session id refers to. Unknown and expired sessions yield an
// Unauthorized error; expired ones are deleted.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, peaceerrors.NewUnauthorizedError("invalid session", err)
	}
	sess, found, err := kv.GetJSON[Session](ctx, m.store, sessionKeyPrefix+id)
	if err != nil {
		return nil, peaceerrors.NewPersistError("failed to load session", err)
	}
	if !found {
		return nil, peaceerrors.NewUnauthorizedError("invalid session", errors.New("session not found"))
	}
	if m.clock.Now().After(sess.ExpiresAt) {
		_ = m.store.Delete(ctx, sessionKeyPrefix+id)
		return nil, peaceerrors.NewUnauthorizedError("invalid session", errors.New("session expired"))
	}
	return &sess, nil
}

// Destroy deletes a session.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, sessionKeyPrefix+id); err != nil {
		return peaceerrors.NewPersistError("failed to delete session", err)
	}
	return nil
}

// TTL returns the session lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}
