package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"squash/internal/blob"
	"squash/internal/compress"
	"squash/internal/jobs"
	"squash/internal/logging"
	"squash/internal/metrics"
	"squash/internal/model"
	"squash/internal/store"
)

// FileStore reads and records uploads.
type FileStore interface {
	CreateFile(ctx context.Context, size int64, fileRef string) (model.UploadedFile, error)
	GetFileByID(ctx context.Context, id uuid.UUID) (model.UploadedFile, error)
}

// JobStore persists compression jobs. UpdateCompressionJobStatus must only
// succeed while the job is still compressing.
type JobStore interface {
	InsertCompressionJob(ctx context.Context, fileRef string, level int, alg string) (model.CompressionJob, error)
	UpdateCompressionJobStatus(ctx context.Context, id uuid.UUID, status jobs.Status) error
	GetCompressionJobByID(ctx context.Context, id uuid.UUID) (model.CompressionJob, error)
}

// Engine compresses bytes synchronously.
type Engine interface {
	Algorithm() string
	Compress(data []byte, level int) ([]byte, error)
}

// Notifier is told about every job that reaches a terminal status.
type Notifier interface {
	JobFinished(ctx context.Context, job model.CompressionJob) error
}

// CompressionService owns the lifecycle of compression jobs: creating the
// record, handing work to the background, and recording the outcome.
type CompressionService interface {
	// Initiate creates a job for an uploaded file and starts compressing it
	// in the background. The returned job is always in compressing.
	Initiate(ctx context.Context, fileID uuid.UUID, level int) (model.CompressionJob, error)
	// Complete records the terminal status for a finished task. Failures
	// to persist it are logged and counted, never returned.
	Complete(ctx context.Context, jobID string, outcome error)
	// GetStatus reads the current state of a job without waiting on it.
	GetStatus(ctx context.Context, jobID uuid.UUID) (model.CompressionJob, error)
	// Process runs one task and reports its outcome through Complete.
	Process(ctx context.Context, t jobs.Task)
	// Download returns the artifact of a passed job.
	Download(ctx context.Context, jobID uuid.UUID) ([]byte, model.CompressionJob, error)
}

// CompressionDeps are the collaborators of the compression service.
type CompressionDeps struct {
	Files    FileStore
	Jobs     JobStore
	Blobs    blob.Store
	Engine   Engine
	Notifier Notifier
	Logger   logging.Logger
}

type compressionService struct {
	files      FileStore
	jobs       JobStore
	blobs      blob.Store
	engine     Engine
	notifier   Notifier
	logger     logging.Logger
	dispatcher jobs.Dispatcher
}

// NewCompressionService wires the service and builds its dispatcher with
// newDispatcher, passing the service's own Process as the task handler.
func NewCompressionService(deps CompressionDeps, newDispatcher jobs.DispatcherFactory) CompressionService {
	s := &compressionService{
		files:    deps.Files,
		jobs:     deps.Jobs,
		blobs:    deps.Blobs,
		engine:   deps.Engine,
		notifier: deps.Notifier,
		logger:   deps.Logger,
	}
	if s.engine == nil {
		s.engine = compress.NewEngine()
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	if s.logger == nil {
		s.logger = logging.Nop()
	}
	s.dispatcher = newDispatcher(s.Process)
	return s
}

type nopNotifier struct{}

func (nopNotifier) JobFinished(context.Context, model.CompressionJob) error { return nil }

// OutputRef names the compressed artifact for a source ref: the source
// extension is replaced with .gz. Two jobs for the same source therefore
// share one destination.
func OutputRef(fileRef string) string {
	stem := strings.TrimSuffix(fileRef, filepath.Ext(fileRef))
	if stem == "" {
		stem = fileRef
	}
	return stem + compress.Extension
}

func (s *compressionService) Initiate(ctx context.Context, fileID uuid.UUID, level int) (model.CompressionJob, error) {
	file, err := s.files.GetFileByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.CompressionJob{}, fmt.Errorf("%w: file %s", ErrNotFound, fileID)
		}
		return model.CompressionJob{}, fmt.Errorf("%w: load file: %v", ErrInternal, err)
	}

	inputPath, err := s.blobs.InputPath(ctx, file.FileRef)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) || errors.Is(err, blob.ErrInvalidRef) {
			return model.CompressionJob{}, fmt.Errorf("%w: file not found: %s", ErrNotFound, file.FileRef)
		}
		return model.CompressionJob{}, fmt.Errorf("%w: resolve input: %v", ErrInternal, err)
	}

	outputPath, err := s.blobs.OutputPath(ctx, OutputRef(file.FileRef))
	if err != nil {
		return model.CompressionJob{}, fmt.Errorf("%w: failed to create output path: %s: %v", ErrInternal, file.FileRef, err)
	}

	effective := compress.NormalizeLevel(level)

	job, err := s.jobs.InsertCompressionJob(ctx, file.FileRef, effective, s.engine.Algorithm())
	if err != nil {
		return model.CompressionJob{}, fmt.Errorf("%w: create job: %v", ErrInternal, err)
	}
	metrics.RecordJobCreated(job.Alg)

	task := jobs.Task{
		JobID:      job.ID,
		InputPath:  inputPath,
		OutputPath: outputPath,
		Level:      effective,
	}
	if err := s.dispatcher.Dispatch(ctx, task); err != nil {
		metrics.RecordDispatchFailure()
		s.logger.Error("failed to dispatch compression task", "job_id", job.ID, "error", err)
		// The request may already be gone; record the failure regardless.
		s.Complete(context.Background(), job.ID, err)
		return model.CompressionJob{}, fmt.Errorf("%w: dispatch job %s: %v", ErrInternal, job.ID, err)
	}

	s.logger.Info("compression job started", "job_id", job.ID, "file_ref", job.FileRef, "level", job.Level)
	return job, nil
}

func (s *compressionService) Complete(ctx context.Context, jobID string, outcome error) {
	status := jobs.StatusForOutcome(outcome)
	if outcome != nil {
		s.logger.Warn("compression task failed", "job_id", jobID, "error", outcome)
	}

	id, err := uuid.Parse(jobID)
	if err != nil {
		metrics.RecordStatusUpdateFailure(string(status))
		s.logger.Error("failed to update compression job status", "job_id", jobID, "phase", "complete", "status", status, "error", err)
		return
	}

	if err := s.jobs.UpdateCompressionJobStatus(ctx, id, status); err != nil {
		metrics.RecordStatusUpdateFailure(string(status))
		s.logger.Error("failed to update compression job status", "job_id", jobID, "phase", "complete", "status", status, "error", err)
		return
	}
	metrics.RecordJobFinished(string(status))
	s.logger.Info("compression job finished", "job_id", jobID, "status", status)

	job, err := s.jobs.GetCompressionJobByID(ctx, id)
	if err != nil {
		s.logger.Warn("skipping job.finished event", "job_id", jobID, "error", err)
		return
	}
	if err := s.notifier.JobFinished(ctx, job); err != nil {
		s.logger.Warn("failed to publish job.finished event", "job_id", jobID, "error", err)
	}
}

func (s *compressionService) GetStatus(ctx context.Context, jobID uuid.UUID) (model.CompressionJob, error) {
	job, err := s.jobs.GetCompressionJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.CompressionJob{}, fmt.Errorf("%w: compressed file %s", ErrNotFound, jobID)
		}
		return model.CompressionJob{}, fmt.Errorf("%w: load job: %v", ErrInternal, err)
	}
	return job, nil
}

func (s *compressionService) Process(ctx context.Context, t jobs.Task) {
	res, err := jobs.Execute(ctx, s.blobs, s.engine, t)
	if err == nil {
		metrics.RecordCompression(res.InputBytes, res.OutputBytes)
		s.logger.Debug("compression task done", "job_id", t.JobID, "input_bytes", res.InputBytes, "output_bytes", res.OutputBytes)
	}
	s.Complete(ctx, t.JobID, err)
}

func (s *compressionService) Download(ctx context.Context, jobID uuid.UUID) ([]byte, model.CompressionJob, error) {
	job, err := s.GetStatus(ctx, jobID)
	if err != nil {
		return nil, model.CompressionJob{}, err
	}
	if job.Status != jobs.StatusPassed {
		return nil, job, fmt.Errorf("%w: job %s is %s", ErrConflict, job.ID, job.Status)
	}

	location, err := s.blobs.OutputPath(ctx, OutputRef(job.FileRef))
	if err != nil {
		return nil, job, fmt.Errorf("%w: resolve output: %v", ErrInternal, err)
	}
	data, err := s.blobs.Read(ctx, location)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, job, fmt.Errorf("%w: artifact for job %s", ErrNotFound, job.ID)
		}
		return nil, job, fmt.Errorf("%w: read artifact: %v", ErrInternal, err)
	}
	return data, job, nil
}
