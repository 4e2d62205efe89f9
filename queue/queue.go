// Package queue dispatches stage execution messages over a JetStream
// work queue. Delivery is at least once; consumers ack only after the
// outcome of a stage is durably recorded, so every crash window
// results in redelivery rather than loss.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/migrator/model"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName is the dispatch work queue stream.
	StreamName = "MIGRATOR_DISPATCH"

	// ConsumerName is the shared durable consumer worker processes
	// attach to.
	ConsumerName = "migrator-workers"

	subjectPrefix = "migration.dispatch."
)

// Message is one unit of stage work for one job.
type Message struct {
	JobID   string      `json:"job_id"`
	Stage   model.Stage `json:"stage"`
	Attempt int         `json:"attempt"`

	// EnqueuedAt records when the message was published.
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func subjectFor(stage model.Stage) string {
	return subjectPrefix + string(stage)
}

// decodeMessage parses and validates a dispatch payload. Messages that
// fail here are poison; the consumer terminates them instead of
// letting them redeliver forever.
func decodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal dispatch message: %w", err)
	}
	if msg.JobID == "" {
		return nil, fmt.Errorf("dispatch message missing job_id")
	}
	if !msg.Stage.IsValid() {
		return nil, fmt.Errorf("dispatch message has unknown stage %q", msg.Stage)
	}
	if msg.Attempt < 1 {
		return nil, fmt.Errorf("dispatch message has invalid attempt %d", msg.Attempt)
	}
	return &msg, nil
}

func getOrCreateStream(ctx context.Context, js jetstream.JetStream) (jetstream.Stream, error) {
	stream, err := js.Stream(ctx, StreamName)
	if err == nil {
		return stream, nil
	}
	// Stream doesn't exist, create it
	return js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Migrator stage dispatch work queue",
		Subjects:    []string{subjectPrefix + ">"},
		Retention:   jetstream.WorkQueuePolicy,
		Storage:     jetstream.FileStorage,
	})
}

// Dispatcher publishes stage execution messages.
type Dispatcher struct {
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher, provisioning the work queue
// stream if it does not exist.
func NewDispatcher(ctx context.Context, js jetstream.JetStream, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := getOrCreateStream(ctx, js); err != nil {
		return nil, fmt.Errorf("create dispatch stream: %w", err)
	}
	return &Dispatcher{js: js, logger: logger}, nil
}

// Enqueue publishes one stage execution message. The message ID makes
// duplicate publishes of the same attempt within the dedupe window
// collapse server side; duplicates that slip through are caught by the
// claim store at execution time.
func (d *Dispatcher) Enqueue(ctx context.Context, jobID string, stage model.Stage, attempt int) error {
	msg := Message{
		JobID:      jobID,
		Stage:      stage,
		Attempt:    attempt,
		EnqueuedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("marshal dispatch message: %w", err)
	}

	msgID := fmt.Sprintf("%s.%s.%d", jobID, stage, attempt)
	if _, err := d.js.Publish(ctx, subjectFor(stage), data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("publish dispatch message: %w", err)
	}

	d.logger.Debug("Enqueued stage",
		"job_id", jobID,
		"stage", stage,
		"attempt", attempt)
	return nil
}

// Delivery is one received dispatch message together with its
// acknowledgment controls.
type Delivery interface {
	// Message returns the decoded dispatch payload.
	Message() *Message

	// Ack confirms the message is fully processed.
	Ack() error

	// Retry schedules redelivery after the given delay.
	Retry(delay time.Duration) error

	// Drop removes the message without further redelivery.
	Drop() error
}

type delivery struct {
	msg     jetstream.Msg
	payload *Message
}

func (d *delivery) Message() *Message { return d.payload }

func (d *delivery) Ack() error { return d.msg.Ack() }

func (d *delivery) Retry(delay time.Duration) error { return d.msg.NakWithDelay(delay) }

func (d *delivery) Drop() error { return d.msg.Term() }

// Consumer receives dispatch messages through the shared durable
// consumer.
type Consumer struct {
	consumer jetstream.Consumer
	logger   *slog.Logger
}

// NewConsumer attaches to the dispatch stream's durable consumer,
// creating stream and consumer if needed. AckWait bounds how long a
// delivered message may stay unacknowledged before the server
// redelivers it to another worker.
func NewConsumer(ctx context.Context, js jetstream.JetStream, ackWait time.Duration, logger *slog.Logger) (*Consumer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	stream, err := getOrCreateStream(ctx, js)
	if err != nil {
		return nil, fmt.Errorf("create dispatch stream: %w", err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       ConsumerName,
		Description:   "Migrator stage workers",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    -1,
		FilterSubject: subjectPrefix + ">",
	})
	if err != nil {
		return nil, fmt.Errorf("create dispatch consumer: %w", err)
	}

	return &Consumer{consumer: cons, logger: logger}, nil
}

// Consume delivers decoded messages to the handler until the returned
// stop function is called. Malformed payloads are terminated here and
// never reach the handler.
func (c *Consumer) Consume(handler func(Delivery)) (func(), error) {
	cc, err := c.consumer.Consume(func(msg jetstream.Msg) {
		payload, err := decodeMessage(msg.Data())
		if err != nil {
			c.logger.Error("Dropping malformed dispatch message",
				"subject", msg.Subject(),
				"error", err)
			if terr := msg.Term(); terr != nil {
				c.logger.Error("Failed to terminate malformed message", "error", terr)
			}
			return
		}
		handler(&delivery{msg: msg, payload: payload})
	})
	if err != nil {
		return nil, fmt.Errorf("start consuming: %w", err)
	}
	return cc.Stop, nil
}
