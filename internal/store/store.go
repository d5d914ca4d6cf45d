package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"squash/internal/jobs"
	"squash/internal/model"
)

var (
	// ErrNotFound is returned when no row matches the requested id.
	ErrNotFound = errors.New("record not found")
	// ErrStatusFinal is returned when a job has already left compressing.
	ErrStatusFinal = errors.New("job status is final")
)

// Store wraps access to the files and compressed_files tables.
type Store struct {
	DB *sql.DB
}

// New creates a new Store that uses a shared *sql.DB with pooling.
func New(database *sql.DB) *Store {
	return &Store{DB: database}
}

// newID prefers time-ordered UUIDv7 ids and falls back to random v4.
func newID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// CreateFile records an upload that has already been written to blob storage.
func (s *Store) CreateFile(ctx context.Context, size int64, fileRef string) (model.UploadedFile, error) {
	var (
		f  model.UploadedFile
		id uuid.UUID
	)
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO files (id, size, file_ref) VALUES ($1, $2, $3)
		 RETURNING id, size, file_ref, created_at`,
		newID(), size, fileRef,
	).Scan(&id, &f.Size, &f.FileRef, &f.CreatedAt)
	if err != nil {
		return model.UploadedFile{}, fmt.Errorf("insert file: %w", err)
	}
	f.ID = id.String()
	return f, nil
}

// GetFileByID fetches a single upload.
func (s *Store) GetFileByID(ctx context.Context, id uuid.UUID) (model.UploadedFile, error) {
	var (
		f     model.UploadedFile
		rowID uuid.UUID
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, size, file_ref, created_at FROM files WHERE id = $1`, id,
	).Scan(&rowID, &f.Size, &f.FileRef, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.UploadedFile{}, ErrNotFound
	}
	if err != nil {
		return model.UploadedFile{}, fmt.Errorf("get file: %w", err)
	}
	f.ID = rowID.String()
	return f, nil
}

const jobColumns = `id, status::text, file_ref, level, alg, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (model.CompressionJob, error) {
	var (
		j      model.CompressionJob
		id     uuid.UUID
		status string
	)
	if err := row.Scan(&id, &status, &j.FileRef, &j.Level, &j.Alg, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return model.CompressionJob{}, err
	}
	j.ID = id.String()
	j.Status = jobs.Status(status)
	return j, nil
}

// InsertCompressionJob creates a job in the compressing state and returns
// it with its assigned id.
func (s *Store) InsertCompressionJob(ctx context.Context, fileRef string, level int, alg string) (model.CompressionJob, error) {
	row := s.DB.QueryRowContext(ctx,
		`INSERT INTO compressed_files (id, status, file_ref, level, alg)
		 VALUES ($1, $2::text::status_enum, $3, $4, $5)
		 RETURNING `+jobColumns,
		newID(), string(jobs.StatusCompressing), fileRef, level, alg,
	)
	job, err := scanJob(row)
	if err != nil {
		return model.CompressionJob{}, fmt.Errorf("insert compression job: %w", err)
	}
	return job, nil
}

// UpdateCompressionJobStatus moves a compressing job to a terminal status.
// The row is only touched while it is still compressing, so a finished job
// never changes again.
func (s *Store) UpdateCompressionJobStatus(ctx context.Context, id uuid.UUID, status jobs.Status) error {
	if !jobs.StatusCompressing.CanTransition(status) {
		return fmt.Errorf("invalid target status %q", status)
	}

	res, err := s.DB.ExecContext(ctx,
		`UPDATE compressed_files
		 SET status = $2::text::status_enum, updated_at = now()
		 WHERE id = $1 AND status = 'compressing'`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("update compression job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update compression job: %w", err)
	}
	if n == 1 {
		return nil
	}

	// Nothing updated: tell a missing row apart from a finished one.
	var exists bool
	if err := s.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM compressed_files WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check compression job: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStatusFinal
}

// GetCompressionJobByID reads the current state of a job.
func (s *Store) GetCompressionJobByID(ctx context.Context, id uuid.UUID) (model.CompressionJob, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM compressed_files WHERE id = $1`, id,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CompressionJob{}, ErrNotFound
	}
	if err != nil {
		return model.CompressionJob{}, fmt.Errorf("get compression job: %w", err)
	}
	return job, nil
}

// Ping checks database connectivity for deep health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}
