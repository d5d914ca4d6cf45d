package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Local keeps uploads and compressed artifacts in two directories on disk.
type Local struct {
	uploadsDir    string
	compressedDir string
}

// NewLocal returns a Local store rooted at the given directories. The
// uploads directory is created eagerly; the compressed directory is created
// on first use by OutputPath.
func NewLocal(uploadsDir, compressedDir string) (*Local, error) {
	if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}
	return &Local{uploadsDir: uploadsDir, compressedDir: compressedDir}, nil
}

func (l *Local) UploadPath(fileRef string) (string, error) {
	if err := checkRef(fileRef); err != nil {
		return "", err
	}
	return filepath.Join(l.uploadsDir, fileRef), nil
}

func (l *Local) InputPath(_ context.Context, fileRef string) (string, error) {
	p, err := l.UploadPath(fileRef)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("stat upload: %w", err)
	}
	if info.IsDir() {
		return "", ErrNotFound
	}
	return p, nil
}

func (l *Local) OutputPath(_ context.Context, outputRef string) (string, error) {
	if err := checkRef(outputRef); err != nil {
		return "", err
	}
	if err := os.MkdirAll(l.compressedDir, 0o755); err != nil {
		return "", fmt.Errorf("create compressed dir: %w", err)
	}
	return filepath.Join(l.compressedDir, outputRef), nil
}

func (l *Local) Read(_ context.Context, location string) ([]byte, error) {
	data, err := os.ReadFile(location)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Write replaces the file at location via a temp file and rename, so a
// reader never observes a partially written artifact.
func (l *Local) Write(_ context.Context, location string, data []byte) error {
	dir := filepath.Dir(location)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".part-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, location); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
