package submission

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"incasso/internal/sepafile"
)

// DirectorySubmitter delivers batch files by writing them to a drop
// directory watched by the bank's SFTP bridge. The write is atomic: the
// file appears under its final name only once fully written, so a
// half-copied document is never picked up.
type DirectorySubmitter struct {
	dir string
}

func NewDirectorySubmitter(dir string) (*DirectorySubmitter, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create submit directory: %w", err)
	}
	return &DirectorySubmitter{dir: dir}, nil
}

func (d *DirectorySubmitter) Submit(_ context.Context, file sepafile.File) error {
	tmp := filepath.Join(d.dir, file.Name+".tmp")
	if err := os.WriteFile(tmp, file.Body, 0o640); err != nil {
		return fmt.Errorf("write batch file: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(d.dir, file.Name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish batch file: %w", err)
	}
	return nil
}
