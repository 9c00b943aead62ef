package app

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"localbroker/internal/pathguard"
	"localbroker/internal/store"
)

var errMissingContent = errors.New("missing_file_content")

type saveRequest struct {
	Filename  string `json:"filename"`
	Content   string `json:"content"`
	URL       string `json:"url"`
	Subfolder string `json:"subfolder"`
	Path      string `json:"path"`
}

type saveResult struct {
	Success bool   `json:"success"`
	Path    string `json:"path,omitempty"`
	Size    int64  `json:"size,omitempty"`
	Created bool   `json:"created,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid json")
		return
	}
	result, err := s.saveOne(r, req)
	if err != nil {
		writeFail(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "file saved",
		"path":    result.Path,
		"size":    result.Size,
		"created": result.Created,
	})
}

func (s *Server) handleSaveBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Files []saveRequest `json:"files"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid json")
		return
	}
	results := make([]saveResult, 0, len(req.Files))
	saved := 0
	for _, item := range req.Files {
		result, err := s.saveOne(r, item)
		if err != nil {
			results = append(results, saveResult{Success: false, Error: err.Error()})
			continue
		}
		saved++
		results = append(results, result)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"saved_count": saved,
		"results":     results,
	})
}

// saveOne validates one save request, sources its bytes and hands them to
// the content store. A failed entry reports its own error; it never aborts a
// batch.
func (s *Server) saveOne(r *http.Request, req saveRequest) (saveResult, error) {
	if req.Filename == "" && req.Path == "" {
		return saveResult{}, errors.New("missing filename")
	}

	destDir, name, err := s.resolveDestination(req)
	if err != nil {
		return saveResult{}, err
	}

	data, err := s.sourceBytes(r, req)
	if err != nil {
		return saveResult{}, err
	}

	// URL-sourced saves are indexed by source so a repeat save is served
	// from the cache instead of the network.
	entry, created, err := s.store.PutFromURL(data, name, destDir, req.URL)
	if err != nil {
		return saveResult{}, err
	}
	return saveResult{Success: true, Path: entry.LocalPath, Size: entry.SizeBytes, Created: created}, nil
}

// resolveDestination turns the request's path/subfolder/filename triple into
// a directory and file name. Absolute custom paths are containment-checked
// by the store; relative ones join under the save root.
func (s *Server) resolveDestination(req saveRequest) (dir, name string, err error) {
	if req.Path != "" {
		target := req.Path
		if !filepath.IsAbs(target) && !strings.HasPrefix(target, "~") {
			if target, err = pathguard.SafeJoin(s.cfg.SavePath, target); err != nil {
				return "", "", err
			}
		}
		if target, err = s.guard.Resolve(target); err != nil {
			return "", "", err
		}
		return filepath.Dir(target), filepath.Base(target), nil
	}

	dir = s.cfg.SavePath
	if req.Subfolder != "" {
		if dir, err = pathguard.SafeJoin(s.cfg.SavePath, req.Subfolder); err != nil {
			return "", "", err
		}
	}
	return dir, req.Filename, nil
}

func (s *Server) sourceBytes(r *http.Request, req saveRequest) ([]byte, error) {
	if req.Content != "" {
		return decodeContent(req.Content)
	}
	if req.URL != "" {
		return s.fetcher.Download(r.Context(), req.URL)
	}
	return nil, errMissingContent
}

// decodeContent accepts plain base64 or a data URL
// ("data:image/png;base64,....").
func decodeContent(content string) ([]byte, error) {
	if _, after, found := strings.Cut(content, ","); found {
		content = after
	}
	data, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 content: %w", err)
	}
	return data, nil
}

func (s *Server) handleSaveThumbnail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       string `json:"id"`
		Content  string `json:"content"`
		Category string `json:"category"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ID == "" || req.Content == "" {
		writeFail(w, http.StatusBadRequest, "missing id or content")
		return
	}
	if req.Category == "" {
		req.Category = "history"
	}
	rel, err := pathguard.NormalizeRel(filepath.Join(store.CacheDirName, req.Category, req.ID+".jpg"))
	if err != nil {
		writeFail(w, http.StatusBadRequest, err.Error())
		return
	}

	data, err := decodeContent(req.Content)
	if err != nil {
		writeFail(w, http.StatusBadRequest, err.Error())
		return
	}

	cacheDir := filepath.Join(s.cfg.SavePath, store.CacheDirName, req.Category)
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		writeFail(w, http.StatusInternalServerError, err.Error())
		return
	}
	entry, _, err := s.store.Put(data, req.ID+".jpg", cacheDir)
	if err != nil {
		writeFail(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"path":     entry.LocalPath,
		"url":      s.localFileURL(rel),
		"rel_path": filepath.ToSlash(rel),
	})
}

func (s *Server) handleSaveCache(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID         string `json:"id"`
		Content    string `json:"content"`
		Category   string `json:"category"`
		Ext        string `json:"ext"`
		Type       string `json:"type"`
		CustomPath string `json:"custom_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ID == "" || req.Content == "" {
		writeFail(w, http.StatusBadRequest, "missing id or content")
		return
	}
	if req.Category == "" {
		req.Category = "characters"
	}
	if req.Ext == "" {
		req.Ext = ".jpg"
	}
	if req.Type == "" {
		req.Type = "image"
	}

	cacheDir, baseRoot, err := s.resolveCacheDir(req.CustomPath, req.Type, req.Category)
	if err != nil {
		writeFail(w, errStatus(err), err.Error())
		return
	}

	data, err := decodeContent(req.Content)
	if err != nil {
		writeFail(w, http.StatusBadRequest, err.Error())
		return
	}
	ext := req.Ext
	converted := false
	if req.Type == "image" {
		data, ext, converted = s.store.MaybeConvert(data, ext)
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		writeFail(w, http.StatusInternalServerError, err.Error())
		return
	}
	entry, _, err := s.store.Put(data, req.ID+ext, cacheDir)
	if err != nil {
		writeFail(w, errStatus(err), err.Error())
		return
	}

	rel, relErr := filepath.Rel(baseRoot, entry.LocalPath)
	if relErr != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Join(req.Category, filepath.Base(entry.LocalPath))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"path":      entry.LocalPath,
		"url":       s.localFileURL(rel),
		"rel_path":  filepath.ToSlash(rel),
		"converted": converted,
		"size":      entry.SizeBytes,
	})
}

// resolveCacheDir picks the category cache directory: an explicit custom
// path wins, then the media-type root, then the general cache under the
// save root. category is caller input; it must stay relative and the
// resulting directory must pass containment before anything is created.
func (s *Server) resolveCacheDir(customPath, fileType, category string) (dir, baseRoot string, err error) {
	if customPath != "" {
		target := customPath
		if !filepath.IsAbs(target) && !strings.HasPrefix(target, "~") {
			if target, err = pathguard.SafeJoin(s.cfg.SavePath, target); err != nil {
				return "", "", err
			}
		}
		if target, err = s.guard.Resolve(target); err != nil {
			return "", "", err
		}
		return target, s.cfg.SavePath, nil
	}

	cat, err := pathguard.NormalizeRel(category)
	if err != nil {
		return "", "", err
	}
	switch {
	case fileType == "video" && s.cfg.VideoSavePath != "":
		dir, baseRoot = filepath.Join(s.cfg.VideoSavePath, cat), s.cfg.VideoSavePath
	case fileType == "image" && s.cfg.ImageSavePath != "":
		dir, baseRoot = filepath.Join(s.cfg.ImageSavePath, cat), s.cfg.ImageSavePath
	default:
		dir, baseRoot = filepath.Join(s.cfg.SavePath, store.CacheDirName, cat), s.cfg.SavePath
	}
	if dir, err = s.guard.Resolve(dir); err != nil {
		return "", "", err
	}
	return dir, baseRoot, nil
}

func (s *Server) localFileURL(rel string) string {
	return fmt.Sprintf("http://127.0.0.1:%d/file/%s", s.cfg.Port, filepath.ToSlash(rel))
}
