package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/quickcheck-project/quickcheck-liff/internal/photostore"
	"github.com/quickcheck-project/quickcheck-liff/internal/progress"
	"github.com/quickcheck-project/quickcheck-liff/internal/service"
)

// multipartOverhead is the room allowed for boundaries and headers around
// one uploaded image.
const multipartOverhead = 1 << 20

// allowedImageTypes is the set of MIME types accepted for damage photos.
// net/http.DetectContentType handles JPEG, PNG, and GIF via magic-byte
// sniffing. WebP is detected separately because the stdlib sniffer has no
// WebP signature.
var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
}

// isWebP reports whether data is a WebP image (RIFF container with "WEBP" at
// offset 8).
func isWebP(data []byte) bool {
	return len(data) >= 12 &&
		string(data[0:4]) == "RIFF" &&
		string(data[8:12]) == "WEBP"
}

// allowedImageMIME returns the detected MIME type and true if the data is an
// accepted image format, or ("", false) otherwise.
func allowedImageMIME(data []byte) (string, bool) {
	if isWebP(data) {
		return "image/webp", true
	}
	mime := http.DetectContentType(data)
	if allowedImageTypes[mime] {
		return mime, true
	}
	return "", false
}

func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	rowID := r.PathValue("row")
	r.Body = http.MaxBytesReader(w, r.Body, service.MaxImageBytes+multipartOverhead)
	if err := r.ParseMultipartForm(multipartOverhead); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.draftResult(w, r, "attach image", service.ErrImageTooLarge)
			return
		}
		http.Error(w, "failed to parse form", http.StatusBadRequest)
		return
	}
	// r is the guard's copy, so net/http never sees this form.
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			s.logger.Error("remove multipart temp files failed", "row_id", rowID, "error", err)
		}
	}()

	file, _, err := r.FormFile("image")
	if err != nil {
		s.renderAssess(w, r, msgImageRequired)
		return
	}
	defer closeWithLog(file, "upload file", s.logger)

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "failed to read file", http.StatusInternalServerError)
		s.logger.Error("read upload failed", "row_id", rowID, "error", err)
		return
	}

	mimeType, ok := allowedImageMIME(data)
	if !ok {
		s.renderAssess(w, r, msgUnsupportedImage)
		return
	}

	s.draftResult(w, r, "attach image", s.assess.AttachImage(r.Context(), lineID(r), rowID, data, mimeType))
}

// handleGetImage serves the staged image of a row for the preview thumbnail.
func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	rowID := r.PathValue("row")
	reader, mimeType, err := s.assess.ImageFor(r.Context(), lineID(r), rowID)
	if err != nil {
		if !errors.Is(err, photostore.ErrNotFound) {
			s.logger.Error("open staged image failed", "row_id", rowID, "error", err)
		}
		http.NotFound(w, r)
		return
	}
	defer closeWithLog(reader, "staged image", s.logger)

	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Cache-Control", "private, no-store")
	if _, err := io.Copy(w, reader); err != nil {
		s.logger.Error("write staged image failed", "row_id", rowID, "error", err)
	}
}

type submitResult struct {
	historyID string
	err       error
}

// handleSubmitAssessment submits the draft and answers with an SSE stream:
// "progress" events carry the simulated bar, then exactly one of "done"
// ({"history_id","redirect"}) or "failed" ({"message"}) ends the stream.
func (s *Server) handleSubmitAssessment(w http.ResponseWriter, r *http.Request) {
	id := lineID(r)
	draft, err := s.assess.Draft(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to load assessment", http.StatusInternalServerError)
		s.logger.Error("load draft for submit failed", "line_id", id, "error", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	stream := &eventStream{w: w}
	stream.flusher, _ = w.(http.Flusher)

	// Validation runs before the bar starts and before anything is sent.
	if err := service.Validate(draft); err != nil {
		s.logger.Info("assessment rejected", "line_id", id, "reason", err)
		_ = stream.send("failed", map[string]string{"message": userMessage(err, msgAssessFailed)})
		return
	}

	progressCtx, stopProgress := context.WithCancel(r.Context())
	defer stopProgress()
	snapshots := s.progress.Run(progressCtx)

	// Use a detached context so that the submission runs to completion even if
	// the client navigates away and the request context is cancelled.
	done := make(chan submitResult, 1)
	go func() {
		historyID, err := s.assess.Submit(context.WithoutCancel(r.Context()), id)
		done <- submitResult{historyID: historyID, err: err}
	}()

	for {
		select {
		case snap, ok := <-snapshots:
			if !ok {
				snapshots = nil
				continue
			}
			if err := stream.send("progress", snap); err != nil {
				return
			}
		case res := <-done:
			stopProgress()
			if res.err != nil {
				s.logger.Error("assessment submit failed", "line_id", id, "error", res.err)
				_ = stream.send("failed", map[string]string{"message": userMessage(res.err, msgAssessFailed)})
				return
			}
			s.logger.Info("assessment submitted", "line_id", id, "history_id", res.historyID)
			if err := stream.send("progress", progress.Snapshot{Phase: progress.PhaseDeterminate, Value: progress.DoneValue}); err != nil {
				return
			}
			_ = stream.send("done", map[string]string{
				"history_id": res.historyID,
				"redirect":   "/assess-car-damage/result/" + url.PathEscape(res.historyID),
			})
			return
		case <-r.Context().Done():
			return
		}
	}
}

type eventStream struct {
	w       io.Writer
	flusher http.Flusher
}

func (e *eventStream) send(event string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// closeWithLog closes c and logs any error, using label to identify the resource.
func closeWithLog(c io.Closer, label string, logger *slog.Logger) {
	if err := c.Close(); err != nil {
		logger.Error("failed to close resource", "label", label, "error", err)
	}
}
