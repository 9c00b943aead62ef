package app

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"localbroker/internal/pathguard"
	"localbroker/internal/store"
)

func (s *Server) handleListFiles(w http.ResponseWriter, _ *http.Request) {
	base := s.cfg.SavePath
	if _, err := os.Stat(base); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true, "files": []store.FileInfo{}, "base_path": base,
		})
		return
	}
	files := store.ListMedia(base)
	if files == nil {
		files = []store.FileInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"files":     files,
		"base_path": filepath.ToSlash(base),
	})
}

// handleServeFile resolves a relative path against the save roots in order
// and streams the first match. HEAD gets headers only.
func (s *Server) handleServeFile(w http.ResponseWriter, r *http.Request) {
	rel, err := pathguard.NormalizeRel(chi.URLParam(r, "*"))
	if err != nil || rel == "" {
		writeFail(w, http.StatusBadRequest, "invalid file path")
		return
	}

	var target string
	for _, root := range s.cfg.SaveRoots() {
		candidate, err := pathguard.SafeJoin(root, rel)
		if err != nil {
			continue
		}
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			target = candidate
			break
		}
	}
	if target == "" {
		writeFail(w, http.StatusNotFound, "file not found")
		return
	}

	f, err := os.Open(target)
	if err != nil {
		writeFail(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeFail(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", store.MIMEType(target))
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	_, _ = io.Copy(w, f)
}

type deleteRequest struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid json")
		return
	}
	target := req.Path
	if target == "" && req.URL != "" {
		target = s.resolveLocalURL(req.URL)
	}
	if target == "" {
		writeFail(w, http.StatusForbidden, "invalid path or permission denied")
		return
	}
	if err := s.store.Remove(target); err != nil {
		writeFail(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDeleteBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Files []json.RawMessage `json:"files"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.Files) == 0 {
		writeFail(w, http.StatusBadRequest, "no files to delete")
		return
	}

	results := make([]map[string]interface{}, 0, len(req.Files))
	deleted := 0
	for _, raw := range req.Files {
		path, label := s.resolveDeleteTarget(raw)
		if path == "" {
			results = append(results, map[string]interface{}{"path": label, "success": false, "error": "file not found"})
			continue
		}
		if err := s.store.Remove(path); err != nil {
			results = append(results, map[string]interface{}{"path": path, "success": false, "error": err.Error()})
			continue
		}
		deleted++
		results = append(results, map[string]interface{}{"path": path, "success": true})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("deleted %d/%d files", deleted, len(req.Files)),
		"results": results,
	})
}

// resolveDeleteTarget accepts either a bare path string or a {path, url}
// object and locates an existing file for it.
func (s *Server) resolveDeleteTarget(raw json.RawMessage) (path, label string) {
	var item deleteRequest
	if err := json.Unmarshal(raw, &item); err != nil {
		var str string
		if json.Unmarshal(raw, &str) != nil {
			return "", ""
		}
		item.Path = str
	}
	label = item.Path
	if label == "" {
		label = item.URL
	}

	if item.Path != "" && filepath.IsAbs(item.Path) {
		if _, err := os.Stat(item.Path); err == nil {
			return item.Path, label
		}
	}
	if item.URL != "" {
		if p := s.resolveLocalURL(item.URL); p != "" {
			if _, err := os.Stat(p); err == nil {
				return p, label
			}
		}
	}
	if item.Path != "" && !filepath.IsAbs(item.Path) {
		if p := s.findUnderRoots(item.Path); p != "" {
			return p, label
		}
	}
	return "", label
}

// resolveLocalURL maps a broker-served /file/ URL back onto disk.
func (s *Server) resolveLocalURL(u string) string {
	_, rel, found := strings.Cut(u, "/file/")
	if !found {
		return ""
	}
	norm, err := pathguard.NormalizeRel(rel)
	if err != nil || norm == "" {
		return ""
	}
	if p := s.findUnderRoots(norm); p != "" {
		return p
	}
	// Fall back to the primary root even when the file is already gone, so
	// the caller gets a not-found instead of a permission error.
	p, err := pathguard.SafeJoin(s.cfg.SavePath, norm)
	if err != nil {
		return ""
	}
	return p
}

func (s *Server) findUnderRoots(rel string) string {
	norm, err := pathguard.NormalizeRel(rel)
	if err != nil || norm == "" {
		return ""
	}
	for _, root := range s.cfg.SaveRoots() {
		candidate, err := pathguard.SafeJoin(root, norm)
		if err != nil {
			continue
		}
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}
