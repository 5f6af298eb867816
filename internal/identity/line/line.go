// Package line implements identity.Provider on top of LINE Login v2.1.
package line

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quickcheck-project/quickcheck-liff/internal/identity"
)

const (
	DefaultAuthorizeURL = "https://access.line.me/oauth2/v2.1/authorize"
	DefaultAPIBaseURL   = "https://api.line.me"

	callbackPath = "/auth/callback"
	loginScope   = "profile openid"
)

var errTokenRejected = errors.New("access token rejected")

type Provider struct {
	channelID     string
	channelSecret string
	origin        string
	codec         *identity.SessionCodec
	client        *http.Client
	authorizeURL  string
	apiBaseURL    string
}

// NewProvider returns a LINE Login provider. origin is the public origin used
// for redirect_uri; when empty it is derived from each request.
func NewProvider(channelID, channelSecret, origin string, codec *identity.SessionCodec) *Provider {
	return &Provider{
		channelID:     channelID,
		channelSecret: channelSecret,
		origin:        origin,
		codec:         codec,
		client:        &http.Client{Timeout: 10 * time.Second},
		authorizeURL:  DefaultAuthorizeURL,
		apiBaseURL:    DefaultAPIBaseURL,
	}
}

// WithEndpoints overrides the LINE endpoints, for tests.
func (p *Provider) WithEndpoints(authorizeURL, apiBaseURL string) *Provider {
	p.authorizeURL = authorizeURL
	p.apiBaseURL = strings.TrimRight(apiBaseURL, "/")
	return p
}

// Init accepts either the session cookie or a LIFF access token sent as a
// bearer token.
func (p *Provider) Init(ctx context.Context, r *http.Request) (*identity.Session, error) {
	if prof, err := p.codec.Read(r); err == nil {
		return identity.LoggedIn(prof), nil
	}

	token := bearerToken(r)
	if token == "" {
		return identity.Anonymous(), nil
	}
	if err := p.verifyAccessToken(ctx, token); err != nil {
		if errors.Is(err, errTokenRejected) {
			return identity.Anonymous(), nil
		}
		return nil, err
	}
	prof, err := p.fetchProfile(ctx, token)
	if err != nil {
		return nil, err
	}
	return identity.LoggedIn(prof), nil
}

func (p *Provider) Login(w http.ResponseWriter, r *http.Request, deepLink string) {
	state, err := p.codec.SignState(deepLink)
	if err != nil {
		http.Error(w, "failed to start login", http.StatusInternalServerError)
		return
	}

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", p.channelID)
	q.Set("redirect_uri", p.redirectURI(r))
	q.Set("state", state)
	q.Set("scope", loginScope)
	http.Redirect(w, r, p.authorizeURL+"?"+q.Encode(), http.StatusFound)
}

func (p *Provider) Callback(w http.ResponseWriter, r *http.Request) (string, error) {
	q := r.URL.Query()
	if q.Get("error") != "" {
		return "", fmt.Errorf("%w: %s", identity.ErrLoginCancelled, q.Get("error"))
	}

	deepLink, err := p.codec.VerifyState(q.Get("state"))
	if err != nil {
		return "", err
	}

	code := q.Get("code")
	if code == "" {
		return "", fmt.Errorf("missing authorization code")
	}

	token, err := p.exchangeCode(r.Context(), code, p.redirectURI(r))
	if err != nil {
		return "", err
	}

	prof, err := p.fetchProfile(r.Context(), token)
	if err != nil {
		return "", err
	}

	if err := p.codec.Issue(w, prof); err != nil {
		return "", err
	}
	return deepLink, nil
}

func (p *Provider) Logout(w http.ResponseWriter) {
	p.codec.Clear(w)
}

func (p *Provider) redirectURI(r *http.Request) string {
	return identity.RequestOrigin(r, p.origin) + callbackPath
}

func (p *Provider) exchangeCode(ctx context.Context, code, redirectURI string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("client_id", p.channelID)
	form.Set("client_secret", p.channelSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBaseURL+"/oauth2/v2.1/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call line token endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("line token endpoint returned status %d: %s", resp.StatusCode, body)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("line token response has no access_token")
	}
	return tok.AccessToken, nil
}

func (p *Provider) verifyAccessToken(ctx context.Context, token string) error {
	u := p.apiBaseURL + "/oauth2/v2.1/verify?access_token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create verify request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call line verify endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return errTokenRejected
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("line verify endpoint returned status %d", resp.StatusCode)
	}

	var v struct {
		ClientID  string `json:"client_id"`
		ExpiresIn int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return fmt.Errorf("failed to decode verify response: %w", err)
	}
	if v.ClientID != p.channelID || v.ExpiresIn <= 0 {
		return errTokenRejected
	}
	return nil
}

func (p *Provider) fetchProfile(ctx context.Context, token string) (*identity.Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBaseURL+"/v2/profile", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call line profile endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("line profile endpoint returned status %d", resp.StatusCode)
	}

	var body struct {
		UserID      string `json:"userId"`
		DisplayName string `json:"displayName"`
		PictureURL  string `json:"pictureUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	if body.UserID == "" {
		return nil, fmt.Errorf("line profile has no userId")
	}
	return &identity.Profile{UserID: body.UserID, DisplayName: body.DisplayName, PictureURL: body.PictureURL}, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}
