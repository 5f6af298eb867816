// Package identity wraps the LINE identity provider behind the four calls the
// screens rely on: initialise a session, check whether it is logged in, start
// a login, and read the profile.
package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrNotLoggedIn    = errors.New("not logged in")
	ErrLoginCancelled = errors.New("login cancelled by user")
)

// Profile is the provider's view of the user. UserID is stable per channel
// and is the key the backend stores users under.
type Profile struct {
	UserID      string
	DisplayName string
	PictureURL  string
}

// Session is the identity state of one request.
type Session struct {
	profile *Profile
}

func LoggedIn(p *Profile) *Session {
	return &Session{profile: p}
}

func Anonymous() *Session {
	return &Session{}
}

func (s *Session) IsLoggedIn() bool {
	return s != nil && s.profile != nil && s.profile.UserID != ""
}

func (s *Session) GetProfile() (*Profile, error) {
	if !s.IsLoggedIn() {
		return nil, ErrNotLoggedIn
	}
	return s.profile, nil
}

// Provider is implemented by the LINE Login adapter and by the development
// adapter.
type Provider interface {
	// Init resolves the session carried by r. An error means the provider
	// could not be reached, not that the user is anonymous.
	Init(ctx context.Context, r *http.Request) (*Session, error)
	// Login redirects the browser to the provider. deepLink is the
	// origin-relative path to resume after login.
	Login(w http.ResponseWriter, r *http.Request, deepLink string)
	// Callback completes a login redirect, establishes the session cookie and
	// returns the deep link passed to Login.
	Callback(w http.ResponseWriter, r *http.Request) (string, error)
	Logout(w http.ResponseWriter)
}

// RequestOrigin returns configured when set, otherwise the scheme and host the
// request arrived on.
func RequestOrigin(r *http.Request, configured string) string {
	if configured != "" {
		return strings.TrimRight(configured, "/")
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

type profileKey struct{}

func WithProfile(ctx context.Context, p *Profile) context.Context {
	return context.WithValue(ctx, profileKey{}, p)
}

// ProfileFromContext returns the profile admitted by the route guard.
func ProfileFromContext(ctx context.Context) (*Profile, bool) {
	p, ok := ctx.Value(profileKey{}).(*Profile)
	return p, ok && p != nil
}
