// Package blob stores uploaded artifacts and the compressed outputs derived
// from them. Locations handed out by a Store are opaque: filesystem paths
// for the local backend, object keys for MinIO.
package blob

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
)

var (
	// ErrNotFound is returned when no bytes exist at a location.
	ErrNotFound = errors.New("blob not found")
	// ErrInvalidRef is returned for file refs that would escape their root.
	ErrInvalidRef = errors.New("invalid file ref")
)

// Store is the byte storage used by uploads and compression tasks.
type Store interface {
	// UploadPath returns the location an upload with this ref is written to.
	UploadPath(fileRef string) (string, error)
	// InputPath resolves an existing upload. ErrNotFound if its bytes are missing.
	InputPath(ctx context.Context, fileRef string) (string, error)
	// OutputPath returns the destination for a derived artifact, preparing
	// the destination root when needed.
	OutputPath(ctx context.Context, outputRef string) (string, error)
	Read(ctx context.Context, location string) ([]byte, error)
	Write(ctx context.Context, location string, data []byte) error
}

// checkRef rejects refs that are empty or carry path components.
func checkRef(ref string) error {
	if ref == "" || ref == "." || ref == ".." {
		return ErrInvalidRef
	}
	if strings.ContainsAny(ref, `/\`) || filepath.Base(ref) != ref {
		return ErrInvalidRef
	}
	return nil
}
