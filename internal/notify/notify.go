// Package notify publishes job lifecycle events to interested consumers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"squash/internal/logging"
	"squash/internal/model"
)

// EventJobFinished is emitted once a job reaches a terminal status.
const EventJobFinished = "job.finished"

// Event is the JSON body published for a job transition.
type Event struct {
	Event      string    `json:"event"`
	JobID      string    `json:"jobId"`
	Status     string    `json:"status"`
	FileRef    string    `json:"file_ref"`
	Level      int       `json:"level"`
	Alg        string    `json:"alg"`
	FinishedAt time.Time `json:"finishedAt"`
}

// NewJobFinished builds the event for a job that just finished.
func NewJobFinished(job model.CompressionJob, at time.Time) Event {
	return Event{
		Event:      EventJobFinished,
		JobID:      job.ID,
		Status:     string(job.Status),
		FileRef:    job.FileRef,
		Level:      job.Level,
		Alg:        job.Alg,
		FinishedAt: at.UTC(),
	}
}

// Nop drops every event.
type Nop struct{}

func (Nop) JobFinished(context.Context, model.CompressionJob) error { return nil }

// AMQP publishes events to a RabbitMQ topic exchange. The routing key is
// the event name. A closed connection or channel is re-dialled on the next
// publish; the first failure of an outage is logged at error level.
type AMQP struct {
	url      string
	exchange string
	dial     dialFunc
	logger   logging.Logger

	mu      sync.Mutex
	sess    session
	failing bool
}

// session is one connection plus channel with the exchange declared.
type session interface {
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
	// Closed returns the close reason once the broker or client has shut
	// the session down, and nil while it is usable.
	Closed() error
	Close() error
}

type dialFunc func(url, exchange string) (session, error)

// NewAMQP dials url and declares a durable topic exchange.
func NewAMQP(url, exchange string, logger logging.Logger) (*AMQP, error) {
	return newAMQP(url, exchange, logger, dialSession)
}

func newAMQP(url, exchange string, logger logging.Logger, dial dialFunc) (*AMQP, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	sess, err := dial(url, exchange)
	if err != nil {
		return nil, err
	}
	return &AMQP{url: url, exchange: exchange, dial: dial, logger: logger, sess: sess}, nil
}

func (a *AMQP) JobFinished(ctx context.Context, job model.CompressionJob) error {
	body, err := json.Marshal(NewJobFinished(job, time.Now()))
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sess == nil || a.sess.Closed() != nil {
		if err := a.redialLocked(); err != nil {
			a.reportLocked(err)
			return err
		}
	}

	err = a.sess.Publish(ctx, a.exchange, EventJobFinished, msg)
	if errors.Is(err, amqp.ErrClosed) {
		// Closed between the check and the publish; one more try.
		if err = a.redialLocked(); err == nil {
			err = a.sess.Publish(ctx, a.exchange, EventJobFinished, msg)
		}
	}
	if err != nil {
		a.reportLocked(err)
		return err
	}

	if a.failing {
		a.failing = false
		a.logger.Info("amqp publishing recovered", "exchange", a.exchange)
	}
	return nil
}

func (a *AMQP) redialLocked() error {
	if a.sess != nil {
		if reason := a.sess.Closed(); reason != nil {
			a.logger.Warn("amqp session closed, reconnecting", "exchange", a.exchange, "reason", reason)
		}
		_ = a.sess.Close()
		a.sess = nil
	}
	sess, err := a.dial(a.url, a.exchange)
	if err != nil {
		return fmt.Errorf("reconnect amqp: %w", err)
	}
	a.sess = sess
	return nil
}

func (a *AMQP) reportLocked(err error) {
	if a.failing {
		return
	}
	a.failing = true
	a.logger.Error("amqp publisher unavailable, job events are being dropped", "exchange", a.exchange, "error", err)
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return nil
	}
	err := a.sess.Close()
	a.sess = nil
	return err
}

type amqpSession struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed chan *amqp.Error
	reason error
}

func dialSession(url, exchange string) (session, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	// A channel close follows a connection close, so watching the channel
	// covers both.
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	return &amqpSession{conn: conn, ch: ch, closed: closed}, nil
}

func (s *amqpSession) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	return s.ch.PublishWithContext(ctx, exchange, key, false, false, msg)
}

func (s *amqpSession) Closed() error {
	if s.reason != nil {
		return s.reason
	}
	select {
	case e, ok := <-s.closed:
		if ok && e != nil {
			s.reason = e
		} else {
			s.reason = amqp.ErrClosed
		}
	default:
		if s.ch.IsClosed() || s.conn.IsClosed() {
			s.reason = amqp.ErrClosed
		}
	}
	return s.reason
}

func (s *amqpSession) Close() error {
	if !s.ch.IsClosed() {
		_ = s.ch.Close()
	}
	if s.conn.IsClosed() {
		return nil
	}
	return s.conn.Close()
}
