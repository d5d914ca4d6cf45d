package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"squash/internal/logging"
)

// TypeCompress is the asynq task type for compression jobs.
const TypeCompress = "compress:gzip"

// AsynqDispatcher enqueues tasks on a Redis-backed asynq queue. Tasks are
// never retried: a failed compression is final.
type AsynqDispatcher struct {
	client *asynq.Client
	queue  string
}

// NewAsynqDispatcher connects an asynq client to redisURL.
func NewAsynqDispatcher(redisURL, queue string) (*AsynqDispatcher, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return &AsynqDispatcher{client: asynq.NewClient(opt), queue: queue}, nil
}

// Factory returns a DispatcherFactory that always yields d.
func (d *AsynqDispatcher) Factory() DispatcherFactory {
	return func(Handler) Dispatcher { return d }
}

func (d *AsynqDispatcher) Dispatch(ctx context.Context, t Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	task := asynq.NewTask(TypeCompress, body, asynq.Queue(d.queue))
	if _, err := d.client.EnqueueContext(ctx, task, asynq.MaxRetry(0)); err != nil {
		return fmt.Errorf("enqueue compression task: %w", err)
	}
	return nil
}

func (d *AsynqDispatcher) Close() error {
	return d.client.Close()
}

// AsynqWorker consumes compression tasks from the queue and runs them with
// the same handler the in-process pool uses.
type AsynqWorker struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	handler Handler
	logger  logging.Logger
}

// NewAsynqWorker builds a worker; call Start to begin consuming.
func NewAsynqWorker(redisURL, queue string, concurrency int, h Handler, logger logging.Logger) (*AsynqWorker, error) {
	if h == nil {
		return nil, errors.New("handler is nil")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue: 1},
	})

	w := &AsynqWorker{
		server:  server,
		mux:     asynq.NewServeMux(),
		handler: h,
		logger:  logger,
	}
	w.mux.HandleFunc(TypeCompress, w.handleTask)
	return w, nil
}

// Start launches the asynq server in the background.
func (w *AsynqWorker) Start() error {
	return w.server.Start(w.mux)
}

// Shutdown waits for in-flight tasks and stops the server.
func (w *AsynqWorker) Shutdown() {
	w.server.Shutdown()
}

// handleTask returns nil once the handler has run, because the handler
// records the outcome itself. Only undecodable payloads are reported to
// asynq, and they skip retry.
func (w *AsynqWorker) handleTask(ctx context.Context, task *asynq.Task) error {
	t, err := decodeTask(task.Payload())
	if err != nil {
		w.logger.Error("invalid compression task payload", "error", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	w.handler(ctx, t)
	return nil
}

func decodeTask(payload []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(payload, &t); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	if t.JobID == "" {
		return Task{}, errors.New("missing jobId in payload")
	}
	return t, nil
}
