// Package dev is an identity.Provider that logs every visitor in as one fixed
// user. It exists for local runs and the integration tests.
package dev

import (
	"context"
	"net/http"
	"net/url"

	"github.com/quickcheck-project/quickcheck-liff/internal/identity"
)

type Provider struct {
	profile identity.Profile
	codec   *identity.SessionCodec
}

func NewProvider(userID string, codec *identity.SessionCodec) *Provider {
	return &Provider{
		profile: identity.Profile{UserID: userID, DisplayName: "Dev User"},
		codec:   codec,
	}
}

func (p *Provider) Init(_ context.Context, r *http.Request) (*identity.Session, error) {
	prof, err := p.codec.Read(r)
	if err != nil {
		return identity.Anonymous(), nil
	}
	return identity.LoggedIn(prof), nil
}

// Login skips the provider and goes straight to the callback.
func (p *Provider) Login(w http.ResponseWriter, r *http.Request, deepLink string) {
	state, err := p.codec.SignState(deepLink)
	if err != nil {
		http.Error(w, "failed to start login", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/auth/callback?state="+url.QueryEscape(state), http.StatusFound)
}

func (p *Provider) Callback(w http.ResponseWriter, r *http.Request) (string, error) {
	deepLink, err := p.codec.VerifyState(r.URL.Query().Get("state"))
	if err != nil {
		return "", err
	}
	prof := p.profile
	if err := p.codec.Issue(w, &prof); err != nil {
		return "", err
	}
	return deepLink, nil
}

func (p *Provider) Logout(w http.ResponseWriter) {
	p.codec.Clear(w)
}
