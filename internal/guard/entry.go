package guard

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/quickcheck-project/quickcheck-liff/internal/identity"
)

// EntryTarget returns where a logged-in user lands given the liff.state query
// parameter: the deep link when it is an origin-relative path, else /member.
func EntryTarget(liffState string) string {
	if validDeepLink(liffState) {
		return liffState
	}
	return MemberPath
}

// validDeepLink accepts paths on this origin only. "//host" and "/\host" are
// scheme-relative URLs to browsers.
func validDeepLink(s string) bool {
	if !strings.HasPrefix(s, "/") {
		return false
	}
	if strings.HasPrefix(s, "//") || strings.HasPrefix(s, `/\`) {
		return false
	}
	return !strings.ContainsAny(s, "\r\n")
}

// Entry is the handler mounted on "/".
type Entry struct {
	provider identity.Provider
	logger   *slog.Logger
}

func NewEntry(provider identity.Provider, logger *slog.Logger) *Entry {
	return &Entry{provider: provider, logger: logger}
}

func (e *Entry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	liffState := r.URL.Query().Get("liff.state")

	sess, err := e.provider.Init(r.Context(), r)
	if err != nil {
		e.logger.Warn("entry init failed", "error", err)
		http.Redirect(w, r, MemberPath, http.StatusFound)
		return
	}

	if !sess.IsLoggedIn() {
		deepLink := ""
		if validDeepLink(liffState) {
			deepLink = liffState
		}
		e.provider.Login(w, r, deepLink)
		return
	}

	http.Redirect(w, r, EntryTarget(liffState), http.StatusFound)
}
