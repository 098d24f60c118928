package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/pmezard/go-difflib/difflib"
)

// Diff describes how the working tree differs from a snapshot.
type Diff struct {
	SnapshotID string   `json:"snapshot_id"`
	Created    []string `json:"created"`
	Modified   []string `json:"modified"`
	Deleted    []string `json:"deleted"`
	Patches    []Patch  `json:"patches,omitempty"`
}

// Patch is a unified diff for one modified text file.
type Patch struct {
	Path    string `json:"path"`
	Unified string `json:"unified"`
}

// Empty reports whether the tree matches the snapshot exactly.
func (d *Diff) Empty() bool {
	return len(d.Created) == 0 && len(d.Modified) == 0 && len(d.Deleted) == 0
}

// Diff compares the current tracked tree of projectDir against a snapshot.
// Created/Modified/Deleted are relative to the snapshot: a "created" file
// exists now but was not captured. Modified text files get unified patches;
// binary files are listed without one.
func (s *Store) Diff(id, projectDir string) (*Diff, error) {
	m, err := s.Load(id)
	if err != nil {
		return nil, err
	}

	current := map[string]string{} // rel → hash
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
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		h := sha256.Sum256(b)
		current[rel] = hex.EncodeToString(h[:])
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("diff %s: scan tree: %w", id, err)
	}

	out := &Diff{SnapshotID: id}
	for rel, hash := range current {
		before, ok := m.Files[rel]
		if !ok {
			out.Created = append(out.Created, rel)
			continue
		}
		if before.Hash != hash {
			out.Modified = append(out.Modified, rel)
		}
	}
	for rel := range m.Files {
		if _, ok := current[rel]; !ok {
			out.Deleted = append(out.Deleted, rel)
		}
	}
	sort.Strings(out.Created)
	sort.Strings(out.Modified)
	sort.Strings(out.Deleted)

	treeDir := filepath.Join(s.dir, id, "tree")
	for _, rel := range out.Modified {
		was, err := os.ReadFile(filepath.Join(treeDir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("diff %s: read captured %s: %w", id, rel, err)
		}
		now, err := os.ReadFile(filepath.Join(projectDir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("diff %s: read current %s: %w", id, rel, err)
		}
		if bytes.IndexByte(was, 0) >= 0 || bytes.IndexByte(now, 0) >= 0 {
			out.Patches = append(out.Patches, Patch{Path: rel, Unified: "(binary files differ)\n"})
			continue
		}
		unified, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(string(was)),
			B:        difflib.SplitLines(string(now)),
			FromFile: "snapshot/" + rel,
			ToFile:   "project/" + rel,
			Context:  3,
		})
		if err != nil {
			return nil, fmt.Errorf("diff %s: %s: %w", id, rel, err)
		}
		out.Patches = append(out.Patches, Patch{Path: rel, Unified: unified})
	}

	return out, nil
}
