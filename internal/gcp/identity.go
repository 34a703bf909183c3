package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Lllllllleong/researchboard/internal/models"
	"github.com/Lllllllleong/researchboard/internal/ports"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/api/googleapi"
	identitytoolkit "google.golang.org/api/identitytoolkit/v3"
	"google.golang.org/api/option"
)

// IdentityToolkitProvider establishes board sessions against the Identity
// Toolkit (Firebase Auth) REST API and fans principal changes out to listeners.
type IdentityToolkitProvider struct {
	service *identitytoolkit.Service

	mu        sync.Mutex // protects the fields below
	listeners map[int]func(*models.Principal)
	nextID    int
}

var _ ports.IdentityProvider = (*IdentityToolkitProvider)(nil)

// NewIdentityToolkitProvider creates a provider authenticated with a web API key.
func NewIdentityToolkitProvider(ctx context.Context, apiKey string) (*IdentityToolkitProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("apiKey must be provided to create an identity provider")
	}
	service, err := identitytoolkit.NewService(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create identitytoolkit service: %w", err)
	}
	return &IdentityToolkitProvider{
		service:   service,
		listeners: make(map[int]func(*models.Principal)),
	}, nil
}

// EstablishAnonymous creates a new anonymous account and signs it in.
func (p *IdentityToolkitProvider) EstablishAnonymous(ctx context.Context) (*models.Principal, error) {
	resp, err := p.service.Relyingparty.
		SignupNewUser(&identitytoolkit.IdentitytoolkitRelyingpartySignupNewUserRequest{}).
		Context(ctx).
		Do()
	if err != nil {
		return nil, describeAuthError("anonymous sign-up", err)
	}
	uid := resp.LocalId
	if uid == "" {
		if uid, err = uidFromIDToken(resp.IdToken); err != nil {
			return nil, err
		}
	}
	principal := &models.Principal{UID: uid, IDToken: resp.IdToken}
	p.setPrincipal(principal)
	return principal, nil
}

// EstablishWithToken exchanges an externally issued custom token for a session.
func (p *IdentityToolkitProvider) EstablishWithToken(ctx context.Context, token string) (*models.Principal, error) {
	resp, err := p.service.Relyingparty.
		VerifyCustomToken(&identitytoolkit.IdentitytoolkitRelyingpartyVerifyCustomTokenRequest{Token: token}).
		Context(ctx).
		Do()
	if err != nil {
		return nil, describeAuthError("custom token sign-in", err)
	}
	uid, err := uidFromIDToken(resp.IdToken)
	if err != nil {
		return nil, err
	}
	principal := &models.Principal{UID: uid, IDToken: resp.IdToken}
	p.setPrincipal(principal)
	return principal, nil
}

// SignOut drops the current principal and notifies listeners with nil.
func (p *IdentityToolkitProvider) SignOut() {
	p.setPrincipal(nil)
}

// OnIdentityChange implements ports.IdentityProvider. Listeners are not called
// on registration, only on subsequent changes.
func (p *IdentityToolkitProvider) OnIdentityChange(fn func(*models.Principal)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *IdentityToolkitProvider) setPrincipal(principal *models.Principal) {
	p.mu.Lock()
	listeners := make([]func(*models.Principal), 0, len(p.listeners))
	for _, fn := range p.listeners {
		listeners = append(listeners, fn)
	}
	p.mu.Unlock()

	uid := ""
	if principal != nil {
		uid = principal.UID
	}
	slog.Info("Identity changed.", "uid", uid, "listeners", len(listeners))
	for _, fn := range listeners {
		fn(principal)
	}
}

// uidFromIDToken reads the user id claim of an ID token returned by the
// identity service. The token arrives straight from the service over TLS, so
// the signature is not checked here.
func uidFromIDToken(idToken string) (string, error) {
	if idToken == "" {
		return "", fmt.Errorf("identity service returned no ID token")
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return "", fmt.Errorf("failed to parse ID token: %w", err)
	}
	if uid, ok := claims["user_id"].(string); ok && uid != "" {
		return uid, nil
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("ID token carries no subject")
	}
	return sub, nil
}

func describeAuthError(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return fmt.Errorf("%s rejected (%d %s): %w", op, gerr.Code, gerr.Message, err)
	}
	return fmt.Errorf("%s failed: %w", op, err)
}
