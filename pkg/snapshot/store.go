// Package snapshot captures and restores point-in-time copies of a project
// directory, excluding configured paths, addressable by opaque id.
package snapshot

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrNotFound is returned when no snapshot exists for an id.
var ErrNotFound = errors.New("snapshot not found")

// Store keeps snapshots as sibling directories under Dir, one per id, each
// holding a manifest.json and the captured tree.
type Store struct {
	dir      string
	excludes []string
}

// FileState identifies a captured file by size, permission bits and content
// hash.
type FileState struct {
	Size int64  `json:"size"`
	Mode uint32 `json:"mode"`
	Hash string `json:"hash"`
}

// Manifest describes one snapshot: identity, provenance and the captured
// file set keyed by slash-relative path.
type Manifest struct {
	ID        string               `json:"id"`
	CreatedAt time.Time            `json:"created_at"`
	StepID    string               `json:"step_id"`
	RunIndex  int                  `json:"run_index"`
	Files     map[string]FileState `json:"files"`
}

// New creates a store rooted at dir. Exclude patterns are slash-relative
// doublestar globs (a bare directory name excludes its whole subtree);
// invalid patterns are rejected here rather than silently ignored during
// capture.
func New(dir string, excludes []string) (*Store, error) {
	norm := make([]string, 0, len(excludes))
	for _, ex := range excludes {
		ex = strings.TrimSpace(ex)
		if ex == "" || ex == "." {
			continue
		}
		ex = strings.TrimSuffix(filepath.ToSlash(ex), "/")
		if !doublestar.ValidatePattern(ex) {
			return nil, fmt.Errorf("invalid exclude pattern %q", ex)
		}
		norm = append(norm, ex)
	}
	return &Store{dir: dir, excludes: norm}, nil
}

// Excluded reports whether a slash-relative path is outside the tracked
// tree. Matching a directory excludes everything under it.
func (s *Store) Excluded(rel string) bool {
	for _, ex := range s.excludes {
		if rel == ex || strings.HasPrefix(rel, ex+"/") {
			return true
		}
		if ok, _ := doublestar.Match(ex, rel); ok {
			return true
		}
	}
	return false
}

// newID creates a snapshot id in format snap-YYYYMMDDTHHmmss-xxxxxxxx.
func newID() string {
	ts := time.Now().Format("20060102T150405")
	suffix := make([]byte, 4)
	rand.Read(suffix)
	return fmt.Sprintf("snap-%s-%x", ts, suffix)
}

// Capture copies the tracked tree of projectDir into a new snapshot and
// returns its id. The snapshot is staged under a temp name and renamed into
// place, so a crash mid-capture leaves only an unreferenced leftover that
// Prune sweeps.
func (s *Store) Capture(projectDir, stepID string, runIndex int) (string, error) {
	id := newID()
	staging := filepath.Join(s.dir, ".tmp-"+id)
	treeDir := filepath.Join(staging, "tree")
	if err := os.MkdirAll(treeDir, 0755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	m := &Manifest{
		ID:        id,
		CreatedAt: time.Now(),
		StepID:    stepID,
		RunIndex:  runIndex,
		Files:     map[string]FileState{},
	}

	err := filepath.WalkDir(projectDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(projectDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if s.Excluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(treeDir, filepath.FromSlash(rel))
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		mode := info.Mode().Perm()
		if mode == 0 {
			mode = 0644
		}
		h := sha256.Sum256(b)
		m.Files[rel] = FileState{Size: int64(len(b)), Mode: uint32(mode), Hash: hex.EncodeToString(h[:])}
		return os.WriteFile(target, b, mode)
	})
	if err != nil {
		os.RemoveAll(staging)
		return "", fmt.Errorf("capture %s: %w", stepID, err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		os.RemoveAll(staging)
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staging, "manifest.json"), data, 0644); err != nil {
		os.RemoveAll(staging)
		return "", fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(staging, filepath.Join(s.dir, id)); err != nil {
		os.RemoveAll(staging)
		return "", fmt.Errorf("finalize snapshot: %w", err)
	}
	return id, nil
}

// Load reads the manifest for a snapshot id.
func (s *Store) Load(id string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, id, "manifest.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", id, err)
	}
	return &m, nil
}

// Restore replaces the tracked tree of projectDir with the snapshot's
// captured state: files absent from the snapshot are removed, everything
// captured is written back, excluded paths are left untouched.
func (s *Store) Restore(id, projectDir string) error {
	m, err := s.Load(id)
	if err != nil {
		return err
	}
	treeDir := filepath.Join(s.dir, id, "tree")

	// Pass 1: delete tracked files the snapshot does not contain, noting
	// directories for cleanup.
	var dirs []string
	err = filepath.WalkDir(projectDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(projectDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if s.Excluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		if _, ok := m.Files[rel]; !ok {
			return os.Remove(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("restore %s: clear untracked: %w", id, err)
	}

	// Pass 2: write every captured file back with its recorded mode.
	for rel, st := range m.Files {
		src := filepath.Join(treeDir, filepath.FromSlash(rel))
		b, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("restore %s: read %s: %w", id, rel, err)
		}
		dst := filepath.Join(projectDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return fmt.Errorf("restore %s: mkdir for %s: %w", id, rel, err)
		}
		if err := os.WriteFile(dst, b, fs.FileMode(st.Mode)); err != nil {
			return fmt.Errorf("restore %s: write %s: %w", id, rel, err)
		}
	}

	// Directories emptied by pass 1, deepest first. Remove fails on
	// non-empty dirs, which is exactly what we want.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, d := range dirs {
		os.Remove(d)
	}
	return nil
}

// List returns the manifests of all snapshots, oldest first.
func (s *Store) List() ([]*Manifest, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}
	var out []*Manifest
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		m, err := s.Load(e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Prune deletes snapshots whose id is not in referenced, plus any staging
// leftovers, and returns the removed ids. Referenced snapshots are never
// touched.
func (s *Store) Prune(referenced map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}
	var removed []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, ".tmp-") && referenced[name] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, name)); err != nil {
			return removed, fmt.Errorf("prune %s: %w", name, err)
		}
		removed = append(removed, name)
	}
	sort.Strings(removed)
	return removed, nil
}
