// Package atomicfile provides the rename-into-place discipline every
// on-disk write in eka relies on (spec invariant 4, §5 "Cancellation &
// timeouts", §7 "I/O errors").
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Write stages data in a sibling temp file and renames it into place. If
// anything fails before the rename, the target path is left untouched.
func Write(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, "."+filepath.Base(path)+"."+uuid.NewString()+".tmp")

	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("atomicfile: stage %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("atomicfile: commit %s: %w", path, err)
	}
	return nil
}

// WriteAll stages every file in files before renaming any of them into
// place, so a manifest and its lockfile either both land or neither does
// (spec invariant 3: "After any mutation... manifest/lock consistency").
func WriteAll(files map[string][]byte, perm os.FileMode) (err error) {
	type staged struct{ tmp, final string }
	staged2 := make([]staged, 0, len(files))

	defer func() {
		if err != nil {
			for _, s := range staged2 {
				os.Remove(s.tmp)
			}
		}
	}()

	for final, data := range files {
		dir := filepath.Dir(final)
		tmp := filepath.Join(dir, "."+filepath.Base(final)+"."+uuid.NewString()+".tmp")
		if werr := os.WriteFile(tmp, data, 0o644); werr != nil {
			err = fmt.Errorf("atomicfile: stage %s: %w", final, werr)
			return err
		}
		staged2 = append(staged2, staged{tmp: tmp, final: final})
	}

	for _, s := range staged2 {
		if rerr := os.Rename(s.tmp, s.final); rerr != nil {
			err = fmt.Errorf("atomicfile: commit %s: %w", s.final, rerr)
			return err
		}
	}
	return nil
}
