package web

import (
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/quickcheck-project/quickcheck-liff/internal/catalog"
	"github.com/quickcheck-project/quickcheck-liff/internal/domain"
	"github.com/quickcheck-project/quickcheck-liff/internal/guard"
	"github.com/quickcheck-project/quickcheck-liff/internal/identity"
	"github.com/quickcheck-project/quickcheck-liff/internal/metrics"
	"github.com/quickcheck-project/quickcheck-liff/internal/progress"
	"github.com/quickcheck-project/quickcheck-liff/internal/service"
)

// Deps are the collaborators the server wires into its routes.
type Deps struct {
	Identity  identity.Provider
	Guard     *guard.Guard
	Assess    *service.AssessService
	Member    *service.MemberService
	Register  *service.RegisterService
	Catalog   *catalog.Catalog
	Progress  *progress.Simulator
	Metrics   *metrics.Metrics
	Templates fs.FS
	// StaticDir serves /static/ (model images) when set.
	StaticDir string
	LIFFID    string
	Logger    *slog.Logger
}

type Server struct {
	identity  identity.Provider
	guard     *guard.Guard
	entry     *guard.Entry
	assess    *service.AssessService
	member    *service.MemberService
	register  *service.RegisterService
	catalog   *catalog.Catalog
	progress  *progress.Simulator
	metrics   *metrics.Metrics
	templates fs.FS
	staticDir string
	liffID    string
	mux       *http.ServeMux
	tmplFuncs template.FuncMap
	logger    *slog.Logger
}

func NewServer(d Deps) *Server {
	s := &Server{
		identity:  d.Identity,
		guard:     d.Guard,
		entry:     guard.NewEntry(d.Identity, d.Logger),
		assess:    d.Assess,
		member:    d.Member,
		register:  d.Register,
		catalog:   d.Catalog,
		progress:  d.Progress,
		metrics:   d.Metrics,
		templates: d.Templates,
		staticDir: d.StaticDir,
		liffID:    d.LIFFID,
		mux:       http.NewServeMux(),
		logger:    d.Logger,
	}
	if s.progress == nil {
		s.progress = progress.NewSimulator()
	}
	s.tmplFuncs = template.FuncMap{
		"inc":        func(i int) int { return i + 1 },
		"itoa":       strconv.Itoa,
		"modelImage": s.modelImageURL,
		"partLabel":  s.partLabel,
		"fieldError": fieldError,
		"pathEscape": url.PathEscape,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.Handle("GET /{$}", s.entry)
	s.mux.HandleFunc("GET /auth/callback", s.handleCallback)
	s.mux.HandleFunc("GET /logout", s.handleLogout)
	s.mux.HandleFunc("GET /map-service", s.handleMapService)
	s.mux.HandleFunc("GET /catalog/years", s.handleYearOptions)

	s.mux.HandleFunc("GET /register", s.handleRegisterPage)
	s.mux.HandleFunc("POST /register", s.handleRegisterSubmit)
	s.mux.HandleFunc("GET /register/consent", s.handleConsentPopup)
	s.mux.HandleFunc("POST /register/consent", s.handleAcceptConsent)

	s.mux.Handle("GET /member", s.guarded(s.handleMember))
	s.mux.Handle("POST /member/vehicles", s.guarded(s.handleAddVehicle))
	s.mux.Handle("POST /member/vehicles/{plate}/edit", s.guarded(s.handleEditVehicle))
	s.mux.Handle("POST /member/vehicles/{plate}/delete", s.guarded(s.handleDeleteVehicle))
	s.mux.Handle("DELETE /member/vehicles/{plate}", s.guarded(s.handleDeleteVehicle))

	s.mux.Handle("GET /assess-car-damage", s.guarded(s.handleAssessPage))
	s.mux.Handle("POST /assess-car-damage/vehicle", s.guarded(s.handleSelectVehicle))
	s.mux.Handle("POST /assess-car-damage/rows", s.guarded(s.handleAddRow))
	s.mux.Handle("POST /assess-car-damage/rows/{row}/part", s.guarded(s.handleSelectPart))
	s.mux.Handle("POST /assess-car-damage/rows/{row}/image", s.guarded(s.handleUploadImage))
	s.mux.Handle("POST /assess-car-damage/rows/{row}/image/delete", s.guarded(s.handleRemoveImage))
	s.mux.Handle("DELETE /assess-car-damage/rows/{row}/image", s.guarded(s.handleRemoveImage))
	s.mux.Handle("POST /assess-car-damage/rows/{row}/delete", s.guarded(s.handleRemoveRow))
	s.mux.Handle("GET /assess-car-damage/images/{row}", s.guarded(s.handleGetImage))
	s.mux.Handle("POST /assess-car-damage/submit", s.guarded(s.handleSubmitAssessment))
	s.mux.Handle("GET /assess-car-damage/result/{id}", s.guarded(s.handleResult))

	s.mux.Handle("GET /metrics", s.metrics.Handler())
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	if s.staticDir != "" {
		s.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(s.staticDir))))
	}

	// Unknown paths go back to the entry redirector.
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, guard.EntryPath, http.StatusFound)
	})
}

func (s *Server) guarded(h http.HandlerFunc) http.Handler {
	return s.guard.Require(h)
}

// lineID returns the LINE user admitted by the route guard.
func lineID(r *http.Request) string {
	if p, ok := identity.ProfileFromContext(r.Context()); ok {
		return p.UserID
	}
	return ""
}

// securityHeaders adds defensive HTTP response headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		// The LIFF browser embeds the app, so framing is limited to LINE.
		h.Set("Content-Security-Policy",
			"default-src 'self'; "+
				"script-src 'self' 'unsafe-inline' https://unpkg.com https://static.line-scdn.net; "+
				"style-src 'self' 'unsafe-inline' https://fonts.googleapis.com; "+
				"font-src https://fonts.gstatic.com; "+
				"img-src 'self' data: https://profile.line-scdn.net; "+
				"connect-src 'self' https://api.line.me; "+
				"frame-ancestors 'self' https://liff.line.me")
		next.ServeHTTP(w, r)
	})
}

// statusRecorder wraps http.ResponseWriter to capture the written status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush lets the SSE handler stream through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func requestLogger(logger *slog.Logger, m *metrics.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		m.ObserveRequest(r.Pattern, rec.status, elapsed)
		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestLogger(s.logger, s.metrics, securityHeaders(s.mux)).ServeHTTP(w, r)
}

func (s *Server) ListenAndServe(addr string) error {
	s.logger.Info("starting server", "addr", addr)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 180 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return srv.ListenAndServe()
}

// isHTMX reports whether r was issued by htmx and expects a fragment.
func isHTMX(r *http.Request) bool {
	return r.Header.Get("HX-Request") == "true"
}

// renderPage parses a full-page template set and executes it. htmx requests
// get only the named fragment when one is given.
func (s *Server) renderPage(w http.ResponseWriter, r *http.Request, data map[string]any, fragment string, files ...string) {
	s.renderPageStatus(w, r, http.StatusOK, data, fragment, files...)
}

func (s *Server) renderPageStatus(w http.ResponseWriter, r *http.Request, status int, data map[string]any, fragment string, files ...string) {
	name := "base"
	if fragment != "" && isHTMX(r) {
		name = fragment
	}
	data["LIFFID"] = s.liffID
	if _, ok := data["ActiveNav"]; !ok {
		data["ActiveNav"] = ""
	}
	files = append([]string{"base.html", "partials/notice.html"}, files...)
	if err := s.execute(w, status, name, data, files...); err != nil {
		s.logger.Error("render page failed", "template", name, "error", err)
	}
}

// renderPartial executes one named template from files.
func (s *Server) renderPartial(w http.ResponseWriter, name string, data any, files ...string) {
	files = append([]string{"partials/notice.html"}, files...)
	if err := s.execute(w, http.StatusOK, name, data, files...); err != nil {
		s.logger.Error("render partial failed", "template", name, "error", err)
	}
}

func (s *Server) execute(w http.ResponseWriter, status int, name string, data any, files ...string) error {
	tmpl, err := template.New("").Funcs(s.tmplFuncs).ParseFS(s.templates, files...)
	if err != nil {
		http.Error(w, "template error", http.StatusInternalServerError)
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	return tmpl.ExecuteTemplate(w, name, data)
}

func (s *Server) modelImageURL(model string) string {
	img := s.catalog.ModelImage(model)
	if img == "" {
		return ""
	}
	return "/static/model/" + url.PathEscape(img)
}

func (s *Server) partLabel(value string) string {
	if label, ok := s.catalog.PartLabel(value); ok {
		return label
	}
	return value
}

func fieldError(errs domain.FieldErrors, key string) string {
	if errs == nil {
		return ""
	}
	return errs[key]
}

func (s *Server) handleMapService(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, r, map[string]any{"ActiveNav": "map"}, "", "pages/map_service.html")
}

// handleCallback completes a provider login and resumes at the deep link.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	deepLink, err := s.identity.Callback(w, r)
	if err != nil {
		s.logger.Warn("login callback failed", "error", err)
		s.renderPageStatus(w, r, http.StatusUnauthorized, map[string]any{
			"Notice":     msgLoginFailed,
			"NoticeKind": "error",
		}, "", "pages/login_failed.html")
		return
	}
	http.Redirect(w, r, guard.EntryURL(deepLink), http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.identity.Logout(w)
	http.Redirect(w, r, "/map-service", http.StatusFound)
}

// handleYearOptions returns the year select for a model, preselecting the
// model's first listed year.
func (s *Server) handleYearOptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	prefix := q.Get("prefix")
	model := q.Get(prefix + "model")

	view := yearSelect{
		Name:  prefix + "year",
		DomID: q.Get("target"),
		Years: s.catalog.Years(model),
	}
	if y, ok := s.catalog.DefaultYear(model); ok {
		view.Selected = strconv.Itoa(y)
	}
	s.renderPartial(w, "year_select", view, "partials/vehicle_fields.html")
}

type yearSelect struct {
	Name     string
	DomID    string
	Years    []int
	Selected string
}
