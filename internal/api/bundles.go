package api

import (
	"io"
	"log/slog"
	"net/http"
)

const maxBundleBytes = 1 << 20 // 1 MB; a courier bundle is a handful of QR lines

// UploadBundle handles POST /api/bundles (multipart/form-data, field
// "file"): a captured scan bundle lands in the spool inbox, where the
// watcher picks it up and runs it through the normal scan pipeline.
// The upload itself applies nothing; the ledger decides downstream.
//
//	@Summary		Drop a scan bundle into the spool inbox
//	@Tags			scans
//	@Accept			multipart/form-data
//	@Produce		json
//	@Param			file	formData	file	true	"Scan bundle (one chunk line per row)"
//	@Success		201		{object}	BundleResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/bundles [post]
func (h *Handler) UploadBundle(w http.ResponseWriter, r *http.Request) {
	if h.sp == nil {
		writeJSON(w, http.StatusNotFound, errorBody("no spool configured on this node"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBundleBytes)

	if err := r.ParseMultipartForm(maxBundleBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read upload"))
		return
	}

	name, err := h.sp.DropInbox(header.Filename, data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	slog.Info("bundle received", slog.String("bundle", name), slog.Int("size", len(data)))
	writeJSON(w, http.StatusCreated, BundleResponse{Bundle: name, Size: int64(len(data))})
}
