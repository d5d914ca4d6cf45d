package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"squash/internal/blob"
	"squash/internal/logging"
	"squash/internal/metrics"
	"squash/internal/model"
	"squash/internal/store"
)

// FileService stores uploaded artifacts and their records.
type FileService interface {
	Upload(ctx context.Context, filename string, data []byte) (model.UploadedFile, error)
	Get(ctx context.Context, id uuid.UUID) (model.UploadedFile, error)
	// ReadUpload returns the raw bytes of an upload by file ref.
	ReadUpload(ctx context.Context, fileRef string) ([]byte, error)
}

type fileService struct {
	files  FileStore
	blobs  blob.Store
	logger logging.Logger
	now    func() time.Time
}

func NewFileService(files FileStore, blobs blob.Store, logger logging.Logger) FileService {
	if logger == nil {
		logger = logging.Nop()
	}
	return &fileService{files: files, blobs: blobs, logger: logger, now: time.Now}
}

// FileRef builds the blob key for an upload: the client filename with
// spaces, dashes, colons and quotes removed, prefixed with the upload time
// in unix seconds.
func FileRef(at time.Time, filename string) string {
	name := filepath.Base(strings.ReplaceAll(filename, `\`, "/"))
	if name == "." || name == "/" || name == ".." {
		name = ""
	}
	name = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', ':', '\'':
			return -1
		}
		return r
	}, name)
	if name == "" {
		name = "unnamed"
	}
	return strconv.FormatInt(at.Unix(), 10) + "_" + name
}

func (s *fileService) Upload(ctx context.Context, filename string, data []byte) (model.UploadedFile, error) {
	ref := FileRef(s.now(), filename)

	location, err := s.blobs.UploadPath(ref)
	if err != nil {
		return model.UploadedFile{}, fmt.Errorf("%w: invalid filename %q", ErrValidation, filename)
	}
	if err := s.blobs.Write(ctx, location, data); err != nil {
		return model.UploadedFile{}, fmt.Errorf("%w: failed to save file: %v", ErrInternal, err)
	}

	f, err := s.files.CreateFile(ctx, int64(len(data)), ref)
	if err != nil {
		return model.UploadedFile{}, fmt.Errorf("%w: record upload: %v", ErrInternal, err)
	}
	metrics.RecordUpload(f.Size)
	s.logger.Info("file uploaded", "file_id", f.ID, "file_ref", f.FileRef, "size", f.Size)
	return f, nil
}

func (s *fileService) Get(ctx context.Context, id uuid.UUID) (model.UploadedFile, error) {
	f, err := s.files.GetFileByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.UploadedFile{}, fmt.Errorf("%w: file %s", ErrNotFound, id)
		}
		return model.UploadedFile{}, fmt.Errorf("%w: load file: %v", ErrInternal, err)
	}
	return f, nil
}

func (s *fileService) ReadUpload(ctx context.Context, fileRef string) ([]byte, error) {
	location, err := s.blobs.InputPath(ctx, fileRef)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) || errors.Is(err, blob.ErrInvalidRef) {
			return nil, fmt.Errorf("%w: upload %s", ErrNotFound, fileRef)
		}
		return nil, fmt.Errorf("%w: resolve upload: %v", ErrInternal, err)
	}
	data, err := s.blobs.Read(ctx, location)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, fmt.Errorf("%w: upload %s", ErrNotFound, fileRef)
		}
		return nil, fmt.Errorf("%w: read upload: %v", ErrInternal, err)
	}
	return data, nil
}
