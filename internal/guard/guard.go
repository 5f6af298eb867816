// Package guard decides, per request, whether a protected screen may be
// served, and implements the LIFF entry redirector.
package guard

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/quickcheck-project/quickcheck-liff/internal/identity"
)

// Status is the outcome of Resolve. The loading state of the guard lasts for
// the duration of the call and has no value of its own.
type Status string

const (
	StatusNeedLogin     Status = "need-login"
	StatusRegistered    Status = "registered"
	StatusNotRegistered Status = "not-registered"
)

const (
	EntryPath    = "/"
	RegisterPath = "/register"
	MemberPath   = "/member"
)

// UserChecker reports whether a LINE user is registered with the backend.
type UserChecker interface {
	CheckUser(ctx context.Context, lineID string) (bool, error)
}

type DecisionObserver interface {
	ObserveGuardDecision(state string)
}

type Guard struct {
	provider identity.Provider
	users    UserChecker
	observer DecisionObserver
	logger   *slog.Logger
}

func New(provider identity.Provider, users UserChecker, observer DecisionObserver, logger *slog.Logger) *Guard {
	return &Guard{
		provider: provider,
		users:    users,
		observer: observer,
		logger:   logger,
	}
}

// Resolve runs the guard state machine to one terminal state.
// The profile is returned for every state except need-login, when known.
func (g *Guard) Resolve(ctx context.Context, r *http.Request) (Status, *identity.Profile) {
	status, profile := g.resolve(ctx, r)
	if g.observer != nil {
		g.observer.ObserveGuardDecision(string(status))
	}
	return status, profile
}

func (g *Guard) resolve(ctx context.Context, r *http.Request) (Status, *identity.Profile) {
	sess, err := g.provider.Init(ctx, r)
	if err != nil {
		g.logger.Warn("identity init failed", "path", r.URL.Path, "error", err)
		return StatusNotRegistered, nil
	}
	if !sess.IsLoggedIn() {
		return StatusNeedLogin, nil
	}

	profile, err := sess.GetProfile()
	if err != nil {
		g.logger.Warn("failed to read profile", "error", err)
		return StatusNotRegistered, nil
	}

	registered, err := g.users.CheckUser(ctx, profile.UserID)
	if err != nil {
		g.logger.Warn("user check failed", "line_id", profile.UserID, "error", err)
		return StatusNotRegistered, profile
	}
	if !registered {
		return StatusNotRegistered, profile
	}
	return StatusRegistered, profile
}

// Require admits registered users to next with their profile in the request
// context. Everyone else is redirected.
func (g *Guard) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status, profile := g.Resolve(r.Context(), r)
		switch status {
		case StatusRegistered:
			next.ServeHTTP(w, r.WithContext(identity.WithProfile(r.Context(), profile)))
		case StatusNeedLogin:
			Redirect(w, r, EntryURL(r.URL.RequestURI()))
		default:
			Redirect(w, r, RegisterPath)
		}
	})
}

// Redirect sends the browser to target, using HX-Redirect for htmx requests
// so the whole page navigates instead of swapping a fragment.
func Redirect(w http.ResponseWriter, r *http.Request, target string) {
	if r.Header.Get("HX-Request") == "true" {
		w.Header().Set("HX-Redirect", target)
		w.WriteHeader(http.StatusOK)
		return
	}
	code := http.StatusFound
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		code = http.StatusSeeOther
	}
	http.Redirect(w, r, target, code)
}

// EntryURL returns the entry redirector URL that resumes at deepLink after
// login.
func EntryURL(deepLink string) string {
	if !validDeepLink(deepLink) || deepLink == EntryPath {
		return EntryPath
	}
	return EntryPath + "?" + url.Values{"liff.state": {deepLink}}.Encode()
}
