package api

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const maxUploadBytes = 16 << 20 // 16 MiB

// handleUpload implements POST /api/upload (spec.md §6): multipart
// image upload under form field "file", saved under
// uploads/<unixmillis>-<name>.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "malformed multipart body", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required", nil)
		return
	}
	defer file.Close()

	if err := ensureUploadDir(s.uploadDir); err != nil {
		writeError(w, http.StatusInternalServerError, "cannot prepare upload directory", nil)
		return
	}

	name := strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + filepath.Base(header.Filename)
	dst := filepath.Join(s.uploadDir, name)

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot create upload file", nil)
		return
	}
	defer out.Close()

	if _, err := io.Copy(out, file); err != nil {
		writeError(w, http.StatusInternalServerError, "cannot save upload", nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"path": fmt.Sprintf("uploads/%s", name)})
}
