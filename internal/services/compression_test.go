package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"squash/internal/blob"
	"squash/internal/compress"
	"squash/internal/jobs"
	"squash/internal/logging"
	"squash/internal/model"
	"squash/internal/store"
)

// memStore is an in-memory FileStore and JobStore with the same
// status guard as the Postgres store.
type memStore struct {
	mu        sync.Mutex
	files     map[uuid.UUID]model.UploadedFile
	jobs      map[uuid.UUID]model.CompressionJob
	inserts   int
	insertErr error
	updateErr error
}

func newMemStore() *memStore {
	return &memStore{
		files: make(map[uuid.UUID]model.UploadedFile),
		jobs:  make(map[uuid.UUID]model.CompressionJob),
	}
}

func (m *memStore) CreateFile(_ context.Context, size int64, fileRef string) (model.UploadedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	f := model.UploadedFile{ID: id.String(), Size: size, FileRef: fileRef, CreatedAt: time.Now()}
	m.files[id] = f
	return f, nil
}

func (m *memStore) GetFileByID(_ context.Context, id uuid.UUID) (model.UploadedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return model.UploadedFile{}, store.ErrNotFound
	}
	return f, nil
}

func (m *memStore) InsertCompressionJob(_ context.Context, fileRef string, level int, alg string) (model.CompressionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return model.CompressionJob{}, m.insertErr
	}
	m.inserts++
	id := uuid.New()
	now := time.Now()
	j := model.CompressionJob{
		ID:        id.String(),
		Status:    jobs.StatusCompressing,
		FileRef:   fileRef,
		Level:     level,
		Alg:       alg,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.jobs[id] = j
	return j, nil
}

func (m *memStore) UpdateCompressionJobStatus(_ context.Context, id uuid.UUID, status jobs.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !j.Status.CanTransition(status) {
		return store.ErrStatusFinal
	}
	j.Status = status
	j.UpdatedAt = time.Now()
	m.jobs[id] = j
	return nil
}

func (m *memStore) GetCompressionJobByID(_ context.Context, id uuid.UUID) (model.CompressionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return model.CompressionJob{}, store.ErrNotFound
	}
	return j, nil
}

// failingReads wraps a blob store so that reads of one location fail.
type failingReads struct {
	blob.Store
	fail string
}

func (f failingReads) Read(ctx context.Context, location string) ([]byte, error) {
	if location == f.fail {
		return nil, errors.New("simulated read failure")
	}
	return f.Store.Read(ctx, location)
}

// failingReadSet fails reads of every location in fail. The set must be
// filled before any task runs.
type failingReadSet struct {
	blob.Store
	fail map[string]bool
}

func (f failingReadSet) Read(ctx context.Context, location string) ([]byte, error) {
	if f.fail[location] {
		return nil, errors.New("simulated read failure")
	}
	return f.Store.Read(ctx, location)
}

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []model.CompressionJob
}

func (r *recordingNotifier) JobFinished(_ context.Context, job model.CompressionJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
}

func (l *recordingLogger) Debug(string, ...any) {}
func (l *recordingLogger) Info(string, ...any)  {}
func (l *recordingLogger) Warn(string, ...any)  {}
func (l *recordingLogger) Error(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, fmt.Sprint(append([]any{msg}, args...)...))
}

type errDispatcher struct{ err error }

func (d errDispatcher) Dispatch(context.Context, jobs.Task) error { return d.err }

type countingDispatcher struct {
	mu    sync.Mutex
	tasks []jobs.Task
}

func (d *countingDispatcher) Dispatch(_ context.Context, t jobs.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, t)
	return nil
}

type harness struct {
	svc      CompressionService
	files    FileService
	store    *memStore
	blobs    *blob.Local
	pool     *jobs.Pool
	notifier *recordingNotifier
	root     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	local, err := blob.NewLocal(filepath.Join(root, "uploads"), filepath.Join(root, "compressed"))
	if err != nil {
		t.Fatalf("NewLocal error: %v", err)
	}

	h := &harness{
		store:    newMemStore(),
		blobs:    local,
		notifier: &recordingNotifier{},
		root:     root,
	}
	h.svc = NewCompressionService(CompressionDeps{
		Files:    h.store,
		Jobs:     h.store,
		Blobs:    local,
		Engine:   compress.NewEngine(),
		Notifier: h.notifier,
		Logger:   logging.Nop(),
	}, jobs.PoolFactory(logging.Nop(), &h.pool))
	h.files = NewFileService(h.store, local, logging.Nop())
	return h
}

func (h *harness) upload(t *testing.T, name string, data []byte) uuid.UUID {
	t.Helper()
	f, err := h.files.Upload(context.Background(), name, data)
	if err != nil {
		t.Fatalf("Upload error: %v", err)
	}
	return uuid.MustParse(f.ID)
}

// Upload, compress, wait and verify the stored artifact round trips.
func TestInitiateCompressesInBackground(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	original := []byte("0123456789")
	fileID := h.upload(t, "data.bin", original)

	job, err := h.svc.Initiate(ctx, fileID, 6)
	if err != nil {
		t.Fatalf("Initiate error: %v", err)
	}
	if job.Status != jobs.StatusCompressing || job.Level != 6 || job.Alg != compress.Algorithm {
		t.Fatalf("unexpected initial job: %+v", job)
	}

	h.pool.Wait()

	got, err := h.svc.GetStatus(ctx, uuid.MustParse(job.ID))
	if err != nil {
		t.Fatalf("GetStatus error: %v", err)
	}
	if got.Status != jobs.StatusPassed {
		t.Fatalf("expected passed, got %q", got.Status)
	}

	artifact, _, err := h.svc.Download(ctx, uuid.MustParse(job.ID))
	if err != nil {
		t.Fatalf("Download error: %v", err)
	}
	back, err := compress.NewEngine().Decompress(artifact)
	if err != nil {
		t.Fatalf("Decompress error: %v", err)
	}
	if string(back) != string(original) {
		t.Fatalf("artifact decompresses to %q, want %q", back, original)
	}

	if len(h.notifier.jobs) != 1 || h.notifier.jobs[0].Status != jobs.StatusPassed {
		t.Fatalf("expected one passed job.finished event, got %+v", h.notifier.jobs)
	}
}

func TestInitiateNormalizesLevel(t *testing.T) {
	h := newHarness(t)
	fileID := h.upload(t, "data.bin", []byte("payload"))

	cases := map[int]int{
		0:  compress.NoCompression,
		1:  1,
		9:  9,
		-1: compress.DefaultLevel,
		42: compress.DefaultLevel,
	}
	for requested, want := range cases {
		job, err := h.svc.Initiate(context.Background(), fileID, requested)
		if err != nil {
			t.Fatalf("Initiate(level=%d) error: %v", requested, err)
		}
		if job.Level != want {
			t.Fatalf("Initiate(level=%d) stored level %d, want %d", requested, job.Level, want)
		}
	}
	h.pool.Wait()
}

func TestInitiateUnknownFile(t *testing.T) {
	st := newMemStore()
	d := &countingDispatcher{}
	local, _ := blob.NewLocal(t.TempDir(), t.TempDir())
	svc := NewCompressionService(CompressionDeps{Files: st, Jobs: st, Blobs: local}, func(jobs.Handler) jobs.Dispatcher { return d })

	_, err := svc.Initiate(context.Background(), uuid.New(), 6)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if st.inserts != 0 {
		t.Fatalf("no job should be created, got %d inserts", st.inserts)
	}
	if len(d.tasks) != 0 {
		t.Fatalf("no task should be dispatched, got %d", len(d.tasks))
	}
}

func TestInitiateMissingBytes(t *testing.T) {
	st := newMemStore()
	d := &countingDispatcher{}
	local, _ := blob.NewLocal(t.TempDir(), t.TempDir())
	svc := NewCompressionService(CompressionDeps{Files: st, Jobs: st, Blobs: local}, func(jobs.Handler) jobs.Dispatcher { return d })

	f, _ := st.CreateFile(context.Background(), 10, "1700000000_gone.bin")

	_, err := svc.Initiate(context.Background(), uuid.MustParse(f.ID), 6)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing bytes, got %v", err)
	}
	if st.inserts != 0 || len(d.tasks) != 0 {
		t.Fatal("missing bytes must not create or dispatch a job")
	}
}

func TestInitiateInsertFailure(t *testing.T) {
	h := newHarness(t)
	fileID := h.upload(t, "data.bin", []byte("payload"))
	h.store.insertErr = errors.New("db down")

	if _, err := h.svc.Initiate(context.Background(), fileID, 6); !errors.Is(err, ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
	h.pool.Wait()
}

func TestReadFailureMarksJobFailed(t *testing.T) {
	root := t.TempDir()
	local, err := blob.NewLocal(filepath.Join(root, "uploads"), filepath.Join(root, "compressed"))
	if err != nil {
		t.Fatalf("NewLocal error: %v", err)
	}
	st := newMemStore()
	files := NewFileService(st, local, logging.Nop())
	f, err := files.Upload(context.Background(), "data.bin", []byte("payload"))
	if err != nil {
		t.Fatalf("Upload error: %v", err)
	}
	inputPath, _ := local.InputPath(context.Background(), f.FileRef)

	var pool *jobs.Pool
	svc := NewCompressionService(CompressionDeps{
		Files: st,
		Jobs:  st,
		Blobs: failingReads{Store: local, fail: inputPath},
	}, jobs.PoolFactory(logging.Nop(), &pool))

	job, err := svc.Initiate(context.Background(), uuid.MustParse(f.ID), 6)
	if err != nil {
		t.Fatalf("Initiate error: %v", err)
	}
	pool.Wait()

	got, err := svc.GetStatus(context.Background(), uuid.MustParse(job.ID))
	if err != nil {
		t.Fatalf("GetStatus error: %v", err)
	}
	if got.Status != jobs.StatusFailed {
		t.Fatalf("expected failed, got %q", got.Status)
	}
}

func TestDispatchFailureMarksJobFailed(t *testing.T) {
	root := t.TempDir()
	local, _ := blob.NewLocal(filepath.Join(root, "uploads"), filepath.Join(root, "compressed"))
	st := newMemStore()
	files := NewFileService(st, local, logging.Nop())
	f, _ := files.Upload(context.Background(), "data.bin", []byte("payload"))

	svc := NewCompressionService(CompressionDeps{Files: st, Jobs: st, Blobs: local},
		func(jobs.Handler) jobs.Dispatcher { return errDispatcher{err: errors.New("queue down")} })

	if _, err := svc.Initiate(context.Background(), uuid.MustParse(f.ID), 6); !errors.Is(err, ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
	if st.inserts != 1 {
		t.Fatalf("expected one inserted job, got %d", st.inserts)
	}
	for _, j := range st.jobs {
		if j.Status != jobs.StatusFailed {
			t.Fatalf("undispatched job should be failed, got %q", j.Status)
		}
	}
}

func TestCompleteIsMonotonic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job, err := h.store.InsertCompressionJob(ctx, "1700000000_a.bin", 6, "gzip")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	h.svc.Complete(ctx, job.ID, nil)
	h.svc.Complete(ctx, job.ID, errors.New("late failure"))

	got, _ := h.svc.GetStatus(ctx, uuid.MustParse(job.ID))
	if got.Status != jobs.StatusPassed {
		t.Fatalf("terminal status must not change, got %q", got.Status)
	}
	if len(h.notifier.jobs) != 1 {
		t.Fatalf("expected exactly one job.finished event, got %d", len(h.notifier.jobs))
	}
}

func TestCompleteUpdateFailureIsLogged(t *testing.T) {
	st := newMemStore()
	logger := &recordingLogger{}
	local, _ := blob.NewLocal(t.TempDir(), t.TempDir())
	svc := NewCompressionService(CompressionDeps{Files: st, Jobs: st, Blobs: local, Logger: logger},
		func(jobs.Handler) jobs.Dispatcher { return &countingDispatcher{} })

	job, _ := st.InsertCompressionJob(context.Background(), "1700000000_a.bin", 6, "gzip")
	st.updateErr = errors.New("connection reset")

	svc.Complete(context.Background(), job.ID, nil)

	if len(logger.errors) != 1 {
		t.Fatalf("expected one error log line, got %v", logger.errors)
	}
	st.updateErr = nil
	got, _ := svc.GetStatus(context.Background(), uuid.MustParse(job.ID))
	if got.Status != jobs.StatusCompressing {
		t.Fatalf("job should stay compressing after a failed update, got %q", got.Status)
	}
}

func TestGetStatusUnknownJob(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.GetStatus(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentJobsAreIndependent(t *testing.T) {
	root := t.TempDir()
	local, err := blob.NewLocal(filepath.Join(root, "uploads"), filepath.Join(root, "compressed"))
	if err != nil {
		t.Fatalf("NewLocal error: %v", err)
	}
	st := newMemStore()
	files := NewFileService(st, local, logging.Nop())
	ctx := context.Background()

	const n = 40
	fileIDs := make([]uuid.UUID, n)
	contents := make([][]byte, n)
	broken := failingReadSet{Store: local, fail: make(map[string]bool)}
	for i := 0; i < n; i++ {
		contents[i] = []byte(fmt.Sprintf("content-%d", i))
		f, err := files.Upload(ctx, fmt.Sprintf("file%02d.txt", i), contents[i])
		if err != nil {
			t.Fatalf("Upload %d error: %v", i, err)
		}
		fileIDs[i] = uuid.MustParse(f.ID)
		if i%2 == 1 {
			p, err := local.InputPath(ctx, f.FileRef)
			if err != nil {
				t.Fatalf("InputPath %d error: %v", i, err)
			}
			broken.fail[p] = true
		}
	}

	var pool *jobs.Pool
	svc := NewCompressionService(CompressionDeps{
		Files: st,
		Jobs:  st,
		Blobs: broken,
	}, jobs.PoolFactory(logging.Nop(), &pool))

	ids := make([]uuid.UUID, n)
	for i := 0; i < n; i++ {
		job, err := svc.Initiate(ctx, fileIDs[i], i%10)
		if err != nil {
			t.Fatalf("Initiate %d error: %v", i, err)
		}
		ids[i] = uuid.MustParse(job.ID)
	}
	pool.Wait()

	engine := compress.NewEngine()
	seen := make(map[uuid.UUID]bool, n)
	for i, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate job id %s", id)
		}
		seen[id] = true

		job, err := svc.GetStatus(ctx, id)
		if err != nil {
			t.Fatalf("GetStatus error: %v", err)
		}
		want := jobs.StatusPassed
		if i%2 == 1 {
			want = jobs.StatusFailed
		}
		if job.Status != want {
			t.Fatalf("job %d (%s) ended %q, expected %q", i, id, job.Status, want)
		}
		if want != jobs.StatusPassed {
			continue
		}

		gz, _, err := svc.Download(ctx, id)
		if err != nil {
			t.Fatalf("Download %d error: %v", i, err)
		}
		plain, err := engine.Decompress(gz)
		if err != nil {
			t.Fatalf("Decompress %d error: %v", i, err)
		}
		if string(plain) != string(contents[i]) {
			t.Fatalf("job %d artifact = %q, expected %q", i, plain, contents[i])
		}
	}
}

func TestDownloadRequiresPassedJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job, _ := h.store.InsertCompressionJob(ctx, "1700000000_a.bin", 6, "gzip")

	if _, _, err := h.svc.Download(ctx, uuid.MustParse(job.ID)); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for a compressing job, got %v", err)
	}
}

func TestOutputRef(t *testing.T) {
	cases := map[string]string{
		"1700000000_report.pdf":  "1700000000_report.gz",
		"1700000000_archive.tar": "1700000000_archive.gz",
		"1700000000_README":      "1700000000_README.gz",
		"1700000000_already.gz":  "1700000000_already.gz",
		".hidden":                ".hidden.gz",
	}
	for in, want := range cases {
		if got := OutputRef(in); got != want {
			t.Fatalf("OutputRef(%q) = %q, want %q", in, got, want)
		}
	}
}
