// Package notify publishes a message to RabbitMQ for every import job that
// reaches a terminal phase, so downstream systems can react to finished
// imports without polling.
//
// Messages go to a durable topic exchange with routing key
// "import.<schema>.<phase>", e.g. "import.pricelist.completed".
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/JonMunkholm/bulkimport/internal/core"
)

const publishTimeout = 5 * time.Second

// JobFinishedMessage is the body of a notification.
type JobFinishedMessage struct {
	JobID      string       `json:"jobId"`
	UploadID   string       `json:"uploadId"`
	SchemaType string       `json:"schemaType"`
	FileName   string       `json:"fileName,omitempty"`
	Status     core.Phase   `json:"status"`
	Summary    core.Summary `json:"summary"`
	FinishedAt *time.Time   `json:"finishedAt,omitempty"`
}

// NewMessage builds the notification for a terminal job.
func NewMessage(job *core.ImportJob) JobFinishedMessage {
	return JobFinishedMessage{
		JobID:      job.JobID,
		UploadID:   job.UploadID,
		SchemaType: job.SchemaType,
		FileName:   job.FileName,
		Status:     job.Phase,
		Summary:    job.Summary(),
		FinishedAt: job.FinishedAt,
	}
}

// RoutingKey returns the topic a job's notification is published under.
func RoutingKey(job *core.ImportJob) string {
	return fmt.Sprintf("import.%s.%s", job.SchemaType, job.Phase)
}

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher is a core.JobObserver that publishes job summaries.
type Publisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  channel
	exchange string
}

var _ core.JobObserver = (*Publisher)(nil)

// Dial connects to the broker and declares the exchange.
func Dial(url, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	p, err := NewPublisher(conn, exchange)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewPublisher opens a channel on conn and declares a durable topic
// exchange.
func NewPublisher(conn *amqp.Connection, exchange string) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
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
		ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &Publisher{channel: ch, exchange: exchange}, nil
}

// Publish sends the notification for a terminal job.
func (p *Publisher) Publish(ctx context.Context, job *core.ImportJob) error {
	body, err := json.Marshal(NewMessage(job))
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.PublishWithContext(ctx,
		p.exchange,
		RoutingKey(job),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    job.JobID,
			Timestamp:    time.Now().UTC(),
			Type:         "import.finished",
			Body:         body,
		},
	)
}

// JobFinished implements core.JobObserver. Failures are logged; a broker
// outage never affects the job.
func (p *Publisher) JobFinished(ctx context.Context, job *core.ImportJob) {
	if err := p.Publish(ctx, job); err != nil {
		slog.Warn("failed to publish job notification",
			"job_id", job.JobID,
			"routing_key", RoutingKey(job),
			"error", err,
		)
	}
}

// Close closes the channel and, when the publisher dialed it, the
// connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.channel.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
