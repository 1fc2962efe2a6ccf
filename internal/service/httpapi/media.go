package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/artisanmarket/marketplace/internal/domain"
)

const (
	multipartMemory   = 8 << 20
	multipartOverhead = 1 << 20
)

type mediaResponse struct {
	Media domain.Media `json:"media"`
}

// uploadMedia — POST /media, multipart с полем file.
func (h *Handler) uploadMedia(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.media.MaxUploadBytes()+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		verr := domain.NewValidationError()
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			verr.Add("file", "file exceeds the maximum upload size")
		} else {
			verr.Add("file", "request must be multipart/form-data")
		}
		h.writeError(w, r, verr, mediaConflict)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		verr := domain.NewValidationError()
		verr.Add("file", "file is required")
		h.writeError(w, r, verr, mediaConflict)
		return
	}
	defer file.Close()

	cmd, err := uploadCommand(r)
	if err != nil {
		h.writeError(w, r, err, mediaConflict)
		return
	}
	cmd.OriginalName = header.Filename
	cmd.ContentType = header.Header.Get("Content-Type")
	cmd.Size = header.Size

	media, err := h.media.Ingest(r.Context(), cmd, file)
	if err != nil {
		h.writeError(w, r, err, mediaConflict)
		return
	}
	writeJSON(w, http.StatusCreated, mediaResponse{Media: media})
}

// uploadCommand собирает необязательные поля формы загрузки.
func uploadCommand(r *http.Request) (domain.UploadCommand, error) {
	verr := domain.NewValidationError()
	cmd := domain.UploadCommand{
		UploadedBy: userIDFromContext(r.Context()),
		AltText:    r.FormValue("alt_text"),
		Caption:    r.FormValue("caption"),
		Collection: r.FormValue("collection"),
	}

	if raw := strings.TrimSpace(r.FormValue("preserve_exif")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			verr.Add("preserve_exif", "must be a boolean")
		}
		cmd.PreserveExif = v
	}

	kind := strings.TrimSpace(r.FormValue("mediable_type"))
	rawID := strings.TrimSpace(r.FormValue("mediable_id"))
	switch {
	case kind == "" && rawID == "":
	case kind == "" || rawID == "":
		verr.Add("mediable_type", "mediable_type and mediable_id must be provided together")
	default:
		ownerKind, err := domain.ParseOwnerKind(kind)
		if err != nil {
			verr.Add("mediable_type", "must be one of product, weaver, story, campaign")
		}
		id, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil || id <= 0 {
			verr.Add("mediable_id", "must be a positive integer")
		}
		if verr.Empty() {
			cmd.Owner = &domain.MediaOwner{Kind: ownerKind, ID: id}
		}
	}

	return cmd, verr.OrNil()
}

func (h *Handler) getMedia(w http.ResponseWriter, r *http.Request) {
	media, err := h.media.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err, mediaConflict)
		return
	}
	writeJSON(w, http.StatusOK, mediaResponse{Media: media})
}

func (h *Handler) deleteMedia(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.media.Delete(r.Context(), userIDFromContext(r.Context()), id); err != nil {
		h.writeError(w, r, err, mediaConflict)
		return
	}
	writeMessage(w, http.StatusOK, "media deleted")
}

func (h *Handler) retryMedia(w http.ResponseWriter, r *http.Request) {
	media, err := h.media.RetryOptimization(r.Context(), userIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err, mediaConflict)
		return
	}
	writeJSON(w, http.StatusOK, mediaResponse{Media: media})
}
