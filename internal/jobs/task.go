package jobs

import (
	"context"
	"fmt"
)

// Task is the unit of background work for one compression job. It is
// created once per job and carries everything the worker needs, so no
// lookups are required off the request path.
type Task struct {
	JobID      string `json:"jobId"`
	InputPath  string `json:"inputPath"`
	OutputPath string `json:"outputPath"`
	Level      int    `json:"level"`
}

// Handler runs a task to completion, including reporting its outcome.
type Handler func(ctx context.Context, t Task)

// Dispatcher hands a task to whatever runs it. Dispatch returns once the
// task has been accepted; it never waits for the task to finish.
type Dispatcher interface {
	Dispatch(ctx context.Context, t Task) error
}

// DispatcherFactory builds a dispatcher bound to the handler that will run
// its tasks. Queue-backed dispatchers ignore the handler; their workers are
// wired separately.
type DispatcherFactory func(h Handler) Dispatcher

// Blobs is the storage a task reads from and writes to.
type Blobs interface {
	Read(ctx context.Context, location string) ([]byte, error)
	Write(ctx context.Context, location string, data []byte) error
}

// Compressor turns input bytes into compressed bytes at a level.
type Compressor interface {
	Compress(data []byte, level int) ([]byte, error)
}

// Result describes a successful task execution.
type Result struct {
	InputBytes  int
	OutputBytes int
}

// Execute reads the task input, compresses it and writes the output. A
// panic anywhere in the pipeline is returned as an error so the job can
// still be marked failed.
func Execute(ctx context.Context, blobs Blobs, c Compressor, t Task) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compression task panicked: %v", r)
		}
	}()

	data, err := blobs.Read(ctx, t.InputPath)
	if err != nil {
		return Result{}, fmt.Errorf("read input: %w", err)
	}

	out, err := c.Compress(data, t.Level)
	if err != nil {
		return Result{}, fmt.Errorf("compress: %w", err)
	}

	if err := blobs.Write(ctx, t.OutputPath, out); err != nil {
		return Result{}, fmt.Errorf("write output: %w", err)
	}

	return Result{InputBytes: len(data), OutputBytes: len(out)}, nil
}
