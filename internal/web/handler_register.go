package web

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/quickcheck-project/quickcheck-liff/internal/domain"
	"github.com/quickcheck-project/quickcheck-liff/internal/guard"
	"github.com/quickcheck-project/quickcheck-liff/internal/identity"
	"github.com/quickcheck-project/quickcheck-liff/internal/service"
)

var registerFiles = []string{"pages/register.html", "partials/vehicle_fields.html"}

type registerForm struct {
	FirstName   string
	LastName    string
	Vehicles    []vehicleFields
	Errors      domain.FieldErrors
	Consented   bool
	ShowConsent bool
	Disabled    bool
}

func (s *Server) newRegisterForm(inputs []domain.VehicleInput, errs domain.FieldErrors) *registerForm {
	if len(inputs) == 0 {
		inputs = []domain.VehicleInput{{}}
	}
	form := &registerForm{Errors: errs}
	for i, in := range inputs {
		form.Vehicles = append(form.Vehicles, vehicleFields{
			Prefix:    service.VehicleField(i, ""),
			DomID:     "vehicle-" + strconv.Itoa(i),
			Index:     i,
			Input:     in,
			Errors:    errs,
			Province:  true,
			Removable: len(inputs) > 1,
			Catalog:   s.catalog,
		})
	}
	return form
}

func (s *Server) renderRegister(w http.ResponseWriter, r *http.Request, form *registerForm, notice string) {
	data := map[string]any{"Form": form, "Catalog": s.catalog, "ActiveNav": "register"}
	if notice != "" {
		data["Notice"] = notice
		data["NoticeKind"] = "error"
	}
	s.renderPage(w, r, data, "register_form", registerFiles...)
}

// registerProfile resolves the visitor of the public registration screen.
// ok is false when the visitor has been sent to log in. A nil profile with ok
// means the identity provider failed and the form is shown read-only.
func (s *Server) registerProfile(w http.ResponseWriter, r *http.Request) (profile *identity.Profile, ok bool) {
	sess, err := s.identity.Init(r.Context(), r)
	if err != nil {
		s.logger.Warn("identity init failed on register", "error", err)
		return nil, true
	}
	if !sess.IsLoggedIn() {
		if r.Method == http.MethodGet {
			s.identity.Login(w, r, guard.RegisterPath)
		} else {
			guard.Redirect(w, r, guard.EntryURL(guard.RegisterPath))
		}
		return nil, false
	}
	profile, err = sess.GetProfile()
	if err != nil {
		return nil, true
	}
	return profile, true
}

func (s *Server) handleRegisterPage(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.registerProfile(w, r)
	if !ok {
		return
	}
	form := s.newRegisterForm(nil, nil)
	if profile == nil {
		form.Disabled = true
		s.renderRegister(w, r, form, msgConnection)
		return
	}

	registered, err := s.register.IsRegistered(r.Context(), profile.UserID)
	if err != nil {
		s.logger.Warn("user check failed on register", "line_id", profile.UserID, "error", err)
	} else if registered {
		http.Redirect(w, r, guard.MemberPath, http.StatusFound)
		return
	}

	form.Consented, err = s.register.HasConsent(r.Context(), profile.UserID)
	if err != nil {
		s.logger.Error("read consent failed", "line_id", profile.UserID, "error", err)
	}
	s.renderRegister(w, r, form, "")
}

func (s *Server) handleRegisterSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "failed to parse form", http.StatusBadRequest)
		return
	}
	profile, ok := s.registerProfile(w, r)
	if !ok {
		return
	}

	submitted := service.RegistrationForm{
		FirstName: r.PostFormValue("first_name"),
		LastName:  r.PostFormValue("last_name"),
	}
	for i := 0; i < vehicleCount(r); i++ {
		submitted.Vehicles = append(submitted.Vehicles, vehicleInputFromForm(r, service.VehicleField(i, "")))
	}

	if profile == nil {
		form := s.newRegisterForm(submitted.Vehicles, nil)
		form.FirstName, form.LastName = submitted.FirstName, submitted.LastName
		form.Disabled = true
		s.renderRegister(w, r, form, msgConnection)
		return
	}

	consented, err := s.register.HasConsent(r.Context(), profile.UserID)
	if err != nil {
		s.logger.Error("read consent failed", "line_id", profile.UserID, "error", err)
	}

	action := r.PostFormValue("action")
	switch {
	case action == "add-vehicle":
		submitted.Vehicles = append(submitted.Vehicles, domain.VehicleInput{})
	case strings.HasPrefix(action, "remove-vehicle:"):
		idx, err := strconv.Atoi(strings.TrimPrefix(action, "remove-vehicle:"))
		if err == nil && idx >= 0 && idx < len(submitted.Vehicles) && len(submitted.Vehicles) > 1 {
			submitted.Vehicles = append(submitted.Vehicles[:idx], submitted.Vehicles[idx+1:]...)
		}
	default:
		outcome, err := s.register.Submit(r.Context(), profile.UserID, submitted)
		if err != nil {
			s.logger.Warn("registration failed", "line_id", profile.UserID, "error", err)
			form := s.newRegisterForm(submitted.Vehicles, nil)
			form.FirstName, form.LastName, form.Consented = submitted.FirstName, submitted.LastName, consented
			s.renderRegister(w, r, form, userMessage(err, msgRegisterFailed))
			return
		}
		if outcome != nil {
			form := s.newRegisterForm(submitted.Vehicles, outcome.Errors)
			form.FirstName, form.LastName = submitted.FirstName, submitted.LastName
			form.Consented = consented
			form.ShowConsent = outcome.ShowConsent
			s.renderRegister(w, r, form, "")
			return
		}
		guard.Redirect(w, r, guard.MemberPath)
		return
	}

	form := s.newRegisterForm(submitted.Vehicles, nil)
	form.FirstName, form.LastName, form.Consented = submitted.FirstName, submitted.LastName, consented
	s.renderRegister(w, r, form, "")
}

func (s *Server) handleConsentPopup(w http.ResponseWriter, r *http.Request) {
	s.renderPartial(w, "consent_popup", &registerForm{ShowConsent: true}, registerFiles...)
}

// handleAcceptConsent records acceptance of the consent popup; it is the only
// path that checks the consent box.
func (s *Server) handleAcceptConsent(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.registerProfile(w, r)
	if !ok {
		return
	}
	if profile == nil {
		http.Error(w, msgConnection, http.StatusServiceUnavailable)
		return
	}
	if err := s.register.AcceptConsent(r.Context(), profile.UserID); err != nil {
		s.logger.Error("accept consent failed", "line_id", profile.UserID, "error", err)
		http.Error(w, "failed to record consent", http.StatusInternalServerError)
		return
	}

	if !isHTMX(r) {
		http.Redirect(w, r, guard.RegisterPath, http.StatusSeeOther)
		return
	}
	s.renderPartial(w, "consent_box", &registerForm{Consented: true}, registerFiles...)
}
