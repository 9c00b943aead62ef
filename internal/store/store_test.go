package store

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"localbroker/internal/pathguard"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	guard := pathguard.New([]string{root})
	s, err := New(guard, root, Options{AutoCreateDir: true, ConvertPNGToJPG: true, JPGQuality: 90}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return s, root
}

func TestPutAndGetRoundTrip(t *testing.T) {
	s, root := newTestStore(t)
	payload := []byte("generated image bytes")

	entry, created, err := s.Put(payload, "out.png", root)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !created {
		t.Fatal("first put must materialize the file")
	}

	got, data, err := s.Get(entry.Fingerprint)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatal("round-trip bytes differ")
	}
	if got.LocalPath != entry.LocalPath {
		t.Fatalf("paths differ: %q vs %q", got.LocalPath, entry.LocalPath)
	}
}

func TestPutDeduplicatesByFingerprint(t *testing.T) {
	s, root := newTestStore(t)
	payload := []byte("same content")

	first, created, err := s.Put(payload, "a.png", root)
	if err != nil || !created {
		t.Fatalf("first put: created=%v err=%v", created, err)
	}
	second, created, err := s.Put(payload, "b.png", root)
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if created {
		t.Fatal("identical content must not be written twice")
	}
	if second.LocalPath != first.LocalPath {
		t.Fatalf("dedup returned a different path: %q vs %q", second.LocalPath, first.LocalPath)
	}
}

func TestConcurrentPutWritesOnce(t *testing.T) {
	s, root := newTestStore(t)
	payload := []byte("concurrently written payload")

	const callers = 16
	var wg sync.WaitGroup
	entries := make([]Entry, callers)
	createdCount := make([]bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, created, err := s.Put(payload, "race.png", root)
			if err != nil {
				t.Errorf("put %d: %v", i, err)
				return
			}
			entries[i] = entry
			createdCount[i] = created
		}(i)
	}
	wg.Wait()

	writes := 0
	for _, c := range createdCount {
		if c {
			writes++
		}
	}
	if writes != 1 {
		t.Fatalf("exactly one caller must write, got %d", writes)
	}
	for i := 1; i < callers; i++ {
		if entries[i].LocalPath != entries[0].LocalPath {
			t.Fatalf("caller %d saw path %q, caller 0 saw %q", i, entries[i].LocalPath, entries[0].LocalPath)
		}
	}

	matches, err := filepath.Glob(filepath.Join(root, "race*"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected one file on disk, found %v", matches)
	}
}

func TestPutOutsideRootsRejectedWithoutWrite(t *testing.T) {
	s, _ := newTestStore(t)
	outside := t.TempDir()

	_, _, err := s.Put([]byte("x"), "evil.png", outside)
	if !errors.Is(err, pathguard.ErrOutsideAllowedRoots) {
		t.Fatalf("expected ErrOutsideAllowedRoots, got %v", err)
	}
	entries, _ := os.ReadDir(outside)
	if len(entries) != 0 {
		t.Fatal("no file may be written outside allowed roots")
	}
}

func TestUniqueNameWhenOverwriteDisabled(t *testing.T) {
	s, root := newTestStore(t)

	first, _, err := s.Put([]byte("one"), "image.png", root)
	if err != nil {
		t.Fatal(err)
	}
	second, _, err := s.Put([]byte("two"), "image.png", root)
	if err != nil {
		t.Fatal(err)
	}
	if first.LocalPath == second.LocalPath {
		t.Fatal("distinct content under the same name must not collide")
	}
	if filepath.Base(second.LocalPath) != "image_1.png" {
		t.Fatalf("unexpected unique name: %s", filepath.Base(second.LocalPath))
	}
}

func TestManifestSurvivesRestart(t *testing.T) {
	s, root := newTestStore(t)
	entry, _, err := s.Put([]byte("persisted"), "keep.png", root)
	if err != nil {
		t.Fatal(err)
	}

	reopened, err := New(pathguard.New([]string{root}), root, Options{AutoCreateDir: true}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	got, ok := reopened.Lookup(entry.Fingerprint)
	if !ok {
		t.Fatal("entry lost after reopen")
	}
	if got.LocalPath != entry.LocalPath {
		t.Fatalf("path changed after reopen: %q vs %q", got.LocalPath, entry.LocalPath)
	}
}

func TestManifestPrunesVanishedFiles(t *testing.T) {
	s, root := newTestStore(t)
	entry, _, err := s.Put([]byte("ephemeral"), "gone.png", root)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(entry.LocalPath); err != nil {
		t.Fatal(err)
	}

	reopened, err := New(pathguard.New([]string{root}), root, Options{AutoCreateDir: true}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reopened.Lookup(entry.Fingerprint); ok {
		t.Fatal("vanished file must be pruned from the index")
	}
}

func TestRemoveDropsIndexEntries(t *testing.T) {
	s, root := newTestStore(t)
	entry, _, err := s.Put([]byte("deletable"), "del.png", root)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(entry.LocalPath); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := s.Lookup(entry.Fingerprint); ok {
		t.Fatal("removed entry still indexed")
	}
	if err := s.Remove(entry.LocalPath); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second remove should be ErrNotFound, got %v", err)
	}
}

func TestSweepTempRemovesStaleFiles(t *testing.T) {
	s, root := newTestStore(t)
	stale := filepath.Join(root, "upload.png.123.tmp")
	if err := os.WriteFile(stale, []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}
	fresh := filepath.Join(root, "inflight.png.456.tmp")
	if err := os.WriteFile(fresh, []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}

	if removed := s.SweepTemp(root, time.Hour); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("stale temp file survived sweep")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatal("fresh temp file must survive sweep")
	}
}

func TestGetUnknownKey(t *testing.T) {
	s, _ := newTestStore(t)
	if _, _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
