package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Lllllllleong/researchboard/internal/models"
	"github.com/Lllllllleong/researchboard/internal/ports"
	"github.com/google/uuid"
)

// DefaultAuthTimeout bounds a single session establishment attempt.
const DefaultAuthTimeout = 15 * time.Second

// IdentitySource exposes the current identity read-only.
type IdentitySource interface {
	Current() models.Identity
}

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithAuthTimeout overrides DefaultAuthTimeout.
func WithAuthTimeout(d time.Duration) SessionOption {
	return func(m *SessionManager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithSessionLogger sets the logger used by the manager.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(m *SessionManager) { m.logger = logger }
}

// WithLocalIDGenerator replaces the generator used for local-only identities.
func WithLocalIDGenerator(gen func() string) SessionOption {
	return func(m *SessionManager) { m.newLocalID = gen }
}

// SessionManager owns the bootstrap sequence and the current identity.
// Readiness is a one-way latch set by the first identity notification.
type SessionManager struct {
	provider   ports.IdentityProvider
	token      string
	timeout    time.Duration
	logger     *slog.Logger
	newLocalID func() string

	mu          sync.Mutex // protects the fields below
	identity    models.Identity
	ready       chan struct{}
	watchers    map[int]chan models.Identity
	nextWatcher int
	unsubscribe func()
}

// NewSessionManager subscribes to identity changes of provider for the
// lifetime of the manager. A nil provider means no identity service is
// configured; Bootstrap then takes the local-only branch directly.
func NewSessionManager(provider ports.IdentityProvider, token string, opts ...SessionOption) *SessionManager {
	m := &SessionManager{
		provider:   provider,
		token:      token,
		timeout:    DefaultAuthTimeout,
		logger:     slog.Default(),
		newLocalID: func() string { return "local-" + uuid.NewString() },
		ready:      make(chan struct{}),
		watchers:   make(map[int]chan models.Identity),
	}
	for _, opt := range opts {
		opt(m)
	}
	if provider != nil {
		m.unsubscribe = provider.OnIdentityChange(m.handleIdentityChange)
	}
	return m
}

// Bootstrap establishes a session, using the token when one was supplied and
// an anonymous session otherwise. A failed attempt is not retried: it returns
// an AuthenticationFailed error and leaves the session unestablished.
func (m *SessionManager) Bootstrap(ctx context.Context) (models.Identity, error) {
	method := "anonymous"
	if m.token != "" {
		method = "token"
	}
	logCtx := m.logger.With("method", method)

	if m.provider == nil {
		logCtx.Warn("No identity provider configured. Continuing with a local-only identity.")
		m.handleIdentityChange(nil)
		return m.Current(), nil
	}

	attemptCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	logCtx.Info("Establishing session.")
	var err error
	if m.token != "" {
		_, err = m.provider.EstablishWithToken(attemptCtx, m.token)
	} else {
		_, err = m.provider.EstablishAnonymous(attemptCtx)
	}
	if err != nil {
		logCtx.Error("Session establishment failed.", "error", err)
		return m.Current(), boardError(KindAuthenticationFailed, "failed to establish "+method+" session", err)
	}

	select {
	case <-m.ready:
	case <-attemptCtx.Done():
		logCtx.Error("Session was established but no identity was reported.", "error", attemptCtx.Err())
		return m.Current(), boardError(KindAuthenticationFailed, "identity not reported", attemptCtx.Err())
	}

	identity := m.Current()
	logCtx.Info("Session ready.", "identityId", identity.ID, "source", identity.Source)
	return identity, nil
}

// Current returns the current identity. It is the zero Identity until ready.
func (m *SessionManager) Current() models.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Ready is closed once the session is established.
func (m *SessionManager) Ready() <-chan struct{} {
	return m.ready
}

// Changes returns a channel carrying the identity every time its id changes.
// Only the latest undelivered identity is kept. cancel releases the channel.
func (m *SessionManager) Changes() (<-chan models.Identity, func()) {
	ch := make(chan models.Identity, 1)
	m.mu.Lock()
	id := m.nextWatcher
	m.nextWatcher++
	m.watchers[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			if _, ok := m.watchers[id]; ok {
				delete(m.watchers, id)
				close(ch)
			}
			m.mu.Unlock()
		})
	}
}

// Close stops listening to the provider and releases all change channels.
func (m *SessionManager) Close() {
	m.mu.Lock()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	for id, ch := range m.watchers {
		delete(m.watchers, id)
		close(ch)
	}
	m.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// handleIdentityChange applies one provider notification. A present principal
// becomes the identity; a missing one is replaced by a local-only id, which is
// kept across repeated signed-out notifications.
func (m *SessionManager) handleIdentityChange(principal *models.Principal) {
	m.mu.Lock()
	prev := m.identity
	next := models.Identity{IsEstablished: true}
	switch {
	case principal != nil && principal.UID != "":
		next.ID = principal.UID
		next.Source = models.SourceProvider
	case prev.Source == models.SourceLocalFallback:
		next = prev
	default:
		next.ID = m.newLocalID()
		next.Source = models.SourceLocalFallback
	}
	m.identity = next
	if !prev.IsEstablished {
		close(m.ready)
	}
	if prev.ID != next.ID {
		for _, ch := range m.watchers {
			select {
			case <-ch:
			default:
			}
			ch <- next
		}
	}
	m.mu.Unlock()

	if next.Source == models.SourceLocalFallback {
		m.logger.Warn("No signed-in identity. Using a local-only identity.", "identityId", next.ID)
	} else if prev.ID != next.ID {
		m.logger.Info("Identity updated.", "identityId", next.ID, "previousId", prev.ID)
	}
}
