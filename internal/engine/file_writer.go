package engine

import (
	"errors"
	"io/fs"
	"os"

	"github.com/datallboy/fetchq/internal/domain"
)

// ensureFolder creates the download folder and any missing parents.
func ensureFolder(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &domain.FilesystemError{Op: "mkdir", Path: dir, Err: err}
	}
	return nil
}

// openDestination opens the file a streamed transfer writes to. A resumed
// transfer appends after the bytes already on disk; a fresh one truncates.
func openDestination(path string, resume bool) (*os.File, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if resume {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, &domain.FilesystemError{Op: "open", Path: path, Err: err}
	}
	return f, nil
}

// writeWhole writes a buffered body in one truncating write.
func writeWhole(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0644); err != nil {
		return &domain.FilesystemError{Op: "write", Path: path, Err: err}
	}
	return nil
}

// closeDestination syncs and closes a streamed destination.
func closeDestination(f *os.File) error {
	// Sync first so a later resume sees every byte we counted
	if err := f.Sync(); err != nil {
		f.Close()
		return &domain.FilesystemError{Op: "sync", Path: f.Name(), Err: err}
	}
	if err := f.Close(); err != nil {
		return &domain.FilesystemError{Op: "close", Path: f.Name(), Err: err}
	}
	return nil
}

// removePartial deletes a canceled transfer's file. A missing file is fine.
func removePartial(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &domain.FilesystemError{Op: "unlink", Path: path, Err: err}
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
