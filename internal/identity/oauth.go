package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// GoogleUserInfoURL is the OpenID Connect userinfo endpoint for Google.
const GoogleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

// OAuthProvider configures one sign-in provider.
type OAuthProvider struct {
	Config      oauth2.Config
	UserInfoURL string
}

// GoogleProvider returns a provider preset for Google sign-in.
func GoogleProvider(clientID, clientSecret, redirectURL string) OAuthProvider {
	return OAuthProvider{
		Config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     google.Endpoint,
			Scopes:       []string{"openid", "email", "profile"},
		},
		UserInfoURL: GoogleUserInfoURL,
	}
}

type pending struct {
	provider string
	verifier string
	expires  time.Time
}

var _ Provider = (*OAuth)(nil)

// OAuth signs users in with the auth-code flow and PKCE.
type OAuth struct {
	hub
	providers map[string]OAuthProvider
	stateTTL  time.Duration
	now       func() time.Time

	mu      sync.Mutex
	pending map[string]pending
}

// OAuthOption configures [OAuth].
type OAuthOption func(*OAuth)

// WithStateTTL bounds how long a sign-in may take. Default 10 minutes.
func WithStateTTL(d time.Duration) OAuthOption {
	return func(o *OAuth) {
		if d > 0 {
			o.stateTTL = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) OAuthOption {
	return func(o *OAuth) { o.now = now }
}

// NewOAuth returns a signed-out provider for the named configurations.
func NewOAuth(providers map[string]OAuthProvider, opts ...OAuthOption) *OAuth {
	o := &OAuth{
		providers: providers,
		stateTTL:  10 * time.Minute,
		now:       time.Now,
		pending:   make(map[string]pending),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SignIn returns the provider's consent URL.
func (o *OAuth) SignIn(_ context.Context, provider string) (string, error) {
	p, ok := o.providers[provider]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	o.mu.Lock()
	now := o.now()
	for k, v := range o.pending {
		if now.After(v.expires) {
			delete(o.pending, k)
		}
	}
	o.pending[state] = pending{provider: provider, verifier: verifier, expires: now.Add(o.stateTTL)}
	o.mu.Unlock()

	return p.Config.AuthCodeURL(state, oauth2.AccessTypeOnline, oauth2.S256ChallengeOption(verifier)), nil
}

// Complete finishes a sign-in started by SignIn: it exchanges code for a
// token, fetches the user profile and makes it the current session.
func (o *OAuth) Complete(ctx context.Context, state, code string) (*Session, error) {
	o.mu.Lock()
	pend, ok := o.pending[state]
	delete(o.pending, state)
	o.mu.Unlock()
	if !ok || o.now().After(pend.expires) {
		return nil, ErrInvalidState
	}
	p := o.providers[pend.provider]

	tok, err := p.Config.Exchange(ctx, code, oauth2.VerifierOption(pend.verifier))
	if err != nil {
		return nil, fmt.Errorf("identity: exchange code: %w", err)
	}
	info, err := fetchUserInfo(ctx, p.Config.Client(ctx, tok), p.UserInfoURL)
	if err != nil {
		return nil, err
	}

	sess := &Session{UserID: info.Sub, Email: info.Email, Name: info.Name, Provider: pend.provider}
	o.set(sess)
	slog.Info("identity: signed in", "provider", pend.provider, "user_id", sess.UserID)
	return o.Current(), nil
}

// SignOut clears the session.
func (o *OAuth) SignOut(context.Context) error {
	o.set(nil)
	return nil
}

type userInfo struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

func fetchUserInfo(ctx context.Context, client *http.Client, url string) (userInfo, error) {
	var info userInfo
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return info, fmt.Errorf("identity: userinfo request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return info, fmt.Errorf("identity: userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return info, fmt.Errorf("identity: userinfo: status %d: %s", resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return info, fmt.Errorf("identity: decode userinfo: %w", err)
	}
	if info.Sub == "" {
		return info, fmt.Errorf("identity: userinfo has no subject")
	}
	return info, nil
}
