package engine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/coldbench/stepwise/pkg/workflow"
)

// archiveOutputs moves a completing step's declared archive paths into the
// step's archive slot. The slot is cleared first, so each successful
// completion owns it exclusively; earlier archived copies are replaced.
// From the moment they land there the files are outside the undo domain.
func (e *Engine) archiveOutputs(def *workflow.Step, runID string) error {
	if len(def.Archive) == 0 {
		return nil
	}

	slot := filepath.Join(e.Project.ArchiveDir(), def.ID)
	if err := os.RemoveAll(slot); err != nil {
		return fmt.Errorf("clear archive slot: %w", err)
	}
	if err := os.MkdirAll(slot, 0755); err != nil {
		return fmt.Errorf("create archive slot: %w", err)
	}

	for _, rel := range def.Archive {
		src := joinProject(e.Project.Root, rel)
		dst := filepath.Join(slot, filepath.Base(filepath.FromSlash(rel)))
		if err := moveFile(src, dst); err != nil {
			return fmt.Errorf("archive %q: %w", rel, err)
		}
		e.Log.Info("output archived", "step", def.ID, "run_id", runID, "path", rel)
	}
	return nil
}

func joinProject(root, rel string) string {
	return filepath.Join(root, filepath.FromSlash(rel))
}

// moveFile renames when it can and falls back to copy-and-remove for
// archive areas on another filesystem.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
