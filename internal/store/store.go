// Package store is the content-addressed cache behind the broker's file
// endpoints. Files are identified by a SHA-256 fingerprint of their bytes;
// identical content written to the same directory materializes exactly once.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"localbroker/internal/pathguard"
)

var (
	ErrNotFound         = errors.New("cache_entry_not_found")
	ErrCacheWriteFailed = errors.New("cache_write_failed")
	ErrDirMissing       = errors.New("destination_dir_missing")
)

const manifestName = "manifest.json"

// CacheDirName holds derived artifacts (thumbnails, category caches, the
// manifest) under the save root.
const CacheDirName = ".broker_cache"

// Entry describes one cached resource. Immutable once created.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	SourceURL   string    `json:"source_url,omitempty"`
	LocalPath   string    `json:"local_path"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

type Options struct {
	AutoCreateDir   bool
	AllowOverwrite  bool
	ConvertPNGToJPG bool
	JPGQuality      int
}

type manifest struct {
	Entries []Entry `json:"entries"`
}

// Store owns the on-disk cache plus two in-memory indices: content
// fingerprint (per destination directory) and logical source key. Both are
// rebuildable from the manifest sidecar, which is itself pruned against the
// filesystem on load.
type Store struct {
	guard  *pathguard.Guard
	opts   Options
	logger zerolog.Logger

	manifestPath string

	mu       sync.RWMutex
	byDirFP  map[string]Entry // "<dir>|<fingerprint>"
	bySource map[string]Entry // source URL -> entry
	byFP     map[string]Entry // fingerprint -> most recent entry

	locks *keyedLocks
}

func New(guard *pathguard.Guard, saveRoot string, opts Options, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		guard:        guard,
		opts:         opts,
		logger:       logger,
		manifestPath: filepath.Join(saveRoot, CacheDirName, manifestName),
		byDirFP:      map[string]Entry{},
		bySource:     map[string]Entry{},
		byFP:         map[string]Entry{},
		locks:        newKeyedLocks(),
	}
	if err := s.loadManifest(); err != nil {
		return nil, err
	}
	return s, nil
}

// Fingerprint is the cache identity of a byte payload.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put writes data as name under destDir, deduplicating by content
// fingerprint: if the same bytes already live under destDir the existing
// entry is returned and nothing is written. The bool result reports whether
// this call materialized the file.
func (s *Store) Put(data []byte, name, destDir string) (Entry, bool, error) {
	return s.put(data, name, destDir, "")
}

// PutFromURL is Put for bytes that came from sourceURL; the entry is also
// indexed by that URL so a later request for it is a cache hit.
func (s *Store) PutFromURL(data []byte, name, destDir, sourceURL string) (Entry, bool, error) {
	return s.put(data, name, destDir, sourceURL)
}

func (s *Store) put(data []byte, name, destDir, sourceURL string) (Entry, bool, error) {
	dir, err := s.guard.Resolve(destDir)
	if err != nil {
		return Entry{}, false, err
	}

	fp := Fingerprint(data)
	key := dir + "|" + fp
	s.locks.acquire(fp)
	defer s.locks.release(fp)

	if entry, ok := s.lookupDirFP(key); ok {
		if _, err := os.Stat(entry.LocalPath); err == nil {
			if sourceURL != "" && entry.SourceURL == "" {
				entry.SourceURL = sourceURL
				s.index(key, entry)
			}
			return entry, false, nil
		}
		// stale index entry, fall through and rewrite
	}

	if err := s.ensureDir(dir); err != nil {
		return Entry{}, false, err
	}

	target := filepath.Join(dir, filepath.Base(name))
	if !s.opts.AllowOverwrite {
		target = uniquePath(target)
	}
	if err := writeAtomic(target, data); err != nil {
		return Entry{}, false, fmt.Errorf("%w: %v", ErrCacheWriteFailed, err)
	}

	entry := Entry{
		Fingerprint: fp,
		SourceURL:   sourceURL,
		LocalPath:   target,
		SizeBytes:   int64(len(data)),
		CreatedAt:   time.Now().UTC(),
	}
	s.index(key, entry)
	s.logger.Debug().Str("path", target).Str("fingerprint", fp[:12]).Int("size", len(data)).Msg("cached file")
	return entry, true, nil
}

// Get resolves a fingerprint or logical source key to the cached bytes.
func (s *Store) Get(fingerprintOrKey string) (Entry, []byte, error) {
	entry, ok := s.Lookup(fingerprintOrKey)
	if !ok {
		return Entry{}, nil, ErrNotFound
	}
	data, err := os.ReadFile(entry.LocalPath)
	if err != nil {
		return Entry{}, nil, ErrNotFound
	}
	return entry, data, nil
}

// Lookup finds an entry by fingerprint first, then by source URL.
func (s *Store) Lookup(fingerprintOrKey string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if entry, ok := s.byFP[fingerprintOrKey]; ok {
		return entry, true
	}
	entry, ok := s.bySource[fingerprintOrKey]
	return entry, ok
}

// Remove deletes a cached file and drops its index entries. The path must
// pass the guard; removing a file the broker never indexed is allowed as long
// as it lives under an allowed root.
func (s *Store) Remove(path string) error {
	abs, err := s.guard.Resolve(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		return ErrNotFound
	}
	if err := os.Remove(abs); err != nil {
		return fmt.Errorf("remove %s: %w", abs, err)
	}
	s.dropPath(abs)
	return nil
}

// SweepTemp deletes abandoned temp files older than maxAge under dir; write
// crashes can leave them behind. Returns the number removed.
func (s *Store) SweepTemp(dir string, maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".tmp") && info.ModTime().Before(cutoff) {
			if os.Remove(path) == nil {
				removed++
			}
		}
		return nil
	})
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Str("dir", dir).Msg("swept stale temp files")
	}
	return removed
}

// EntryCount reports how many entries the indices currently hold.
func (s *Store) EntryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byDirFP)
}

func (s *Store) lookupDirFP(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.byDirFP[key]
	return entry, ok
}

func (s *Store) index(key string, entry Entry) {
	s.mu.Lock()
	s.byDirFP[key] = entry
	s.byFP[entry.Fingerprint] = entry
	if entry.SourceURL != "" {
		s.bySource[entry.SourceURL] = entry
	}
	s.saveManifestLocked()
	s.mu.Unlock()
}

func (s *Store) dropPath(abs string) {
	s.mu.Lock()
	for key, entry := range s.byDirFP {
		if entry.LocalPath == abs {
			delete(s.byDirFP, key)
		}
	}
	for key, entry := range s.byFP {
		if entry.LocalPath == abs {
			delete(s.byFP, key)
		}
	}
	for key, entry := range s.bySource {
		if entry.LocalPath == abs {
			delete(s.bySource, key)
		}
	}
	s.saveManifestLocked()
	s.mu.Unlock()
}

func (s *Store) ensureDir(dir string) error {
	if s.opts.AutoCreateDir {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: %v", ErrCacheWriteFailed, err)
		}
		return nil
	}
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("%w: %s", ErrDirMissing, dir)
	}
	return nil
}

func (s *Store) loadManifest() error {
	data, err := os.ReadFile(s.manifestPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		// A corrupt manifest is not fatal: the index is rebuilt as files are
		// written again.
		s.logger.Warn().Err(err).Msg("cache manifest unreadable, starting empty")
		return nil
	}
	for _, entry := range m.Entries {
		if _, err := os.Stat(entry.LocalPath); err != nil {
			continue
		}
		key := filepath.Dir(entry.LocalPath) + "|" + entry.Fingerprint
		s.byDirFP[key] = entry
		s.byFP[entry.Fingerprint] = entry
		if entry.SourceURL != "" {
			s.bySource[entry.SourceURL] = entry
		}
	}
	return nil
}

// saveManifestLocked persists the index; callers hold s.mu.
func (s *Store) saveManifestLocked() {
	m := manifest{Entries: make([]Entry, 0, len(s.byDirFP))}
	for _, entry := range s.byDirFP {
		m.Entries = append(m.Entries, entry)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.manifestPath), 0o755); err != nil {
		s.logger.Warn().Err(err).Msg("manifest dir create failed")
		return
	}
	if err := writeAtomic(s.manifestPath, data); err != nil {
		s.logger.Warn().Err(err).Msg("manifest write failed")
	}
}

// writeAtomic stages data next to path and renames it into place so readers
// never observe partial bytes. The stage name is unique per call so unrelated
// writers in the same directory cannot trample each other.
func writeAtomic(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.%d.tmp", path, time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// uniquePath appends _1, _2, ... before the extension until the name is free.
func uniquePath(path string) string {
	if _, err := os.Stat(path); err != nil {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", base, i, ext)
		if _, err := os.Stat(candidate); err != nil {
			return candidate
		}
	}
}
