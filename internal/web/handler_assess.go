package web

import (
	"net/http"

	"github.com/quickcheck-project/quickcheck-liff/internal/catalog"
	"github.com/quickcheck-project/quickcheck-liff/internal/domain"
	"github.com/quickcheck-project/quickcheck-liff/internal/service"
)

var assessFiles = []string{"pages/assess.html"}

type assessView struct {
	Page      *service.AssessPage
	Rows      []rowView
	CanAddRow bool
	MaxRows   int
}

// rowView is one damage row with the parts it may still choose: every part
// not used by another row.
type rowView struct {
	Row       *domain.DamageRow
	Index     int
	Parts     []catalog.Part
	Removable bool
}

func (s *Server) newAssessView(page *service.AssessPage) *assessView {
	draft := page.Draft
	used := draft.UsedParts()
	view := &assessView{
		Page:    page,
		MaxRows: service.MaxDamageRows,
		CanAddRow: len(draft.Rows) < service.MaxDamageRows &&
			len(s.catalog.AvailableParts(used)) > 0,
	}
	for i, row := range draft.Rows {
		others := make(map[string]bool, len(used))
		for part := range used {
			if part != row.PartType {
				others[part] = true
			}
		}
		view.Rows = append(view.Rows, rowView{
			Row:       row,
			Index:     i,
			Parts:     s.catalog.AvailableParts(others),
			Removable: len(draft.Rows) > 1,
		})
	}
	return view
}

// renderAssess reloads the assessment screen and renders it with notice.
func (s *Server) renderAssess(w http.ResponseWriter, r *http.Request, notice string) {
	id := lineID(r)
	page, err := s.assess.Load(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to load assessment", http.StatusInternalServerError)
		s.logger.Error("load assessment failed", "line_id", id, "error", err)
		return
	}

	data := map[string]any{"View": s.newAssessView(page), "ActiveNav": "assess"}
	if notice == "" && page.LoadErr != nil {
		notice = userMessage(page.LoadErr, msgLoadUserFailed)
	}
	if notice != "" {
		data["Notice"] = notice
		data["NoticeKind"] = "error"
	}
	s.renderPage(w, r, data, "assess_form", assessFiles...)
}

// draftResult re-renders the form after a draft operation. Rejected
// operations show why; the draft itself is left as it was.
func (s *Server) draftResult(w http.ResponseWriter, r *http.Request, op string, err error) {
	if err == nil {
		s.renderAssess(w, r, "")
		return
	}
	if isUserError(err) {
		s.logger.Info("draft operation rejected", "op", op, "line_id", lineID(r), "reason", err)
	} else {
		s.logger.Error("draft operation failed", "op", op, "line_id", lineID(r), "error", err)
	}
	s.renderAssess(w, r, userMessage(err, msgConnection))
}

func (s *Server) handleAssessPage(w http.ResponseWriter, r *http.Request) {
	s.renderAssess(w, r, "")
}

func (s *Server) handleSelectVehicle(w http.ResponseWriter, r *http.Request) {
	err := s.assess.SelectVehicle(r.Context(), lineID(r), r.PostFormValue("license_plate"))
	s.draftResult(w, r, "select vehicle", err)
}

func (s *Server) handleAddRow(w http.ResponseWriter, r *http.Request) {
	s.draftResult(w, r, "add row", s.assess.AddRow(r.Context(), lineID(r)))
}

func (s *Server) handleSelectPart(w http.ResponseWriter, r *http.Request) {
	err := s.assess.SelectPart(r.Context(), lineID(r), r.PathValue("row"), r.PostFormValue("part_type"))
	s.draftResult(w, r, "select part", err)
}

func (s *Server) handleRemoveImage(w http.ResponseWriter, r *http.Request) {
	s.draftResult(w, r, "remove image", s.assess.RemoveImage(r.Context(), lineID(r), r.PathValue("row")))
}

func (s *Server) handleRemoveRow(w http.ResponseWriter, r *http.Request) {
	s.draftResult(w, r, "remove row", s.assess.RemoveRow(r.Context(), lineID(r), r.PathValue("row")))
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, r, map[string]any{
		"HistoryID": r.PathValue("id"),
		"ActiveNav": "assess",
	}, "", "pages/result.html")
}
