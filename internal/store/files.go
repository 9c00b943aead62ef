package store

import (
	"os"
	"path/filepath"
	"strings"
)

// FileInfo is one row of the media listing the editor uses to match imported
// resources against local files.
type FileInfo struct {
	Filename string  `json:"filename"`
	Path     string  `json:"path"`
	RelPath  string  `json:"rel_path"`
	Size     int64   `json:"size"`
	ModTime  float64 `json:"mtime"`
}

// ListMedia walks root and returns every image and video file beneath it,
// paths slash-normalized for browser consumption.
func ListMedia(root string) []FileInfo {
	var files []FileInfo
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if !IsImageFile(path) && !IsVideoFile(path) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		files = append(files, FileInfo{
			Filename: info.Name(),
			Path:     filepath.ToSlash(path),
			RelPath:  filepath.ToSlash(rel),
			Size:     info.Size(),
			ModTime:  float64(info.ModTime().UnixNano()) / 1e9,
		})
		return nil
	})
	return files
}

var mimeByExt = map[string]string{
	".jpg": "image/jpeg", ".jpeg": "image/jpeg",
	".png": "image/png", ".gif": "image/gif",
	".webp": "image/webp", ".bmp": "image/bmp",
	".mp4": "video/mp4", ".mov": "video/quicktime",
	".webm": "video/webm", ".avi": "video/x-msvideo",
	".mkv": "video/x-matroska",
}

// MIMEType maps a filename to its media content type, defaulting to an opaque
// byte stream.
func MIMEType(name string) string {
	if mt, ok := mimeByExt[strings.ToLower(filepath.Ext(name))]; ok {
		return mt
	}
	return "application/octet-stream"
}
