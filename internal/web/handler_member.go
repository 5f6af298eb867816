package web

import (
	"errors"
	"net/http"

	"github.com/quickcheck-project/quickcheck-liff/internal/domain"
	"github.com/quickcheck-project/quickcheck-liff/internal/service"
)

var memberFiles = []string{"pages/member.html", "partials/vehicle_fields.html"}

// memberView is the member screen: the loaded page plus the add form and, when
// one vehicle is being edited, its form.
type memberView struct {
	Page      *service.MemberPage
	Add       vehicleFields
	Edit      *vehicleFields
	EditPlate string
}

func (s *Server) newMemberView(page *service.MemberPage) *memberView {
	return &memberView{
		Page: page,
		Add: vehicleFields{
			DomID:    "add-vehicle",
			Province: true,
			Catalog:  s.catalog,
		},
	}
}

func (s *Server) editing(v *memberView, plate string, in domain.VehicleInput, errs domain.FieldErrors) {
	v.EditPlate = plate
	v.Edit = &vehicleFields{
		DomID:    "edit-vehicle",
		Input:    in,
		Errors:   errs,
		Province: true,
		Catalog:  s.catalog,
	}
}

func (s *Server) renderMember(w http.ResponseWriter, r *http.Request, view *memberView, notice, kind string) {
	data := map[string]any{"View": view, "Catalog": s.catalog, "ActiveNav": "member"}
	if notice == "" && view.Page.LoadErr != nil {
		notice, kind = userMessage(view.Page.LoadErr, msgLoadUserFailed), "error"
	}
	if notice != "" {
		data["Notice"] = notice
		data["NoticeKind"] = kind
	}
	s.renderPage(w, r, data, "member_body", memberFiles...)
}

func (s *Server) handleMember(w http.ResponseWriter, r *http.Request) {
	view := s.newMemberView(s.member.Load(r.Context(), lineID(r)))

	if plate := r.URL.Query().Get("edit"); plate != "" {
		for _, v := range view.Page.Vehicles {
			if v.LicensePlate == plate {
				s.editing(view, plate, domain.InputFromVehicle(v), nil)
				break
			}
		}
	}
	s.renderMember(w, r, view, "", "")
}

func (s *Server) handleAddVehicle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "failed to parse form", http.StatusBadRequest)
		return
	}
	id := lineID(r)
	in := vehicleInputFromForm(r, "")

	page, err := s.member.AddVehicle(r.Context(), id, in)
	if err != nil {
		s.logger.Warn("add vehicle failed", "line_id", id, "error", err)
		view := s.newMemberView(s.member.Load(r.Context(), id))
		view.Add.Input = in
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			view.Add.Errors = verr.Fields
		}
		s.renderMember(w, r, view, userMessage(err, msgConnection), "error")
		return
	}
	s.renderMember(w, r, s.newMemberView(page), msgVehicleAdded, "success")
}

func (s *Server) handleEditVehicle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "failed to parse form", http.StatusBadRequest)
		return
	}
	id := lineID(r)
	plate := r.PathValue("plate")
	in := vehicleInputFromForm(r, "")

	page, err := s.member.EditVehicle(r.Context(), id, plate, in)
	if err != nil {
		s.logger.Warn("edit vehicle failed", "line_id", id, "license_plate", plate, "error", err)
		view := s.newMemberView(s.member.Load(r.Context(), id))
		var verr *service.ValidationError
		var fields domain.FieldErrors
		if errors.As(err, &verr) {
			fields = verr.Fields
		}
		s.editing(view, plate, in, fields)
		s.renderMember(w, r, view, userMessage(err, msgConnection), "error")
		return
	}
	s.renderMember(w, r, s.newMemberView(page), msgVehicleUpdated, "success")
}

func (s *Server) handleDeleteVehicle(w http.ResponseWriter, r *http.Request) {
	id := lineID(r)
	plate := r.PathValue("plate")

	page, err := s.member.DeleteVehicle(r.Context(), id, plate)
	if err != nil {
		s.logger.Warn("delete vehicle failed", "line_id", id, "license_plate", plate, "error", err)
		s.renderMember(w, r, s.newMemberView(s.member.Load(r.Context(), id)), userMessage(err, msgConnection), "error")
		return
	}
	s.renderMember(w, r, s.newMemberView(page), msgVehicleDeleted, "success")
}
