// Package messaging publishes backtest output to Kafka so downstream
// consumers can follow a run day by day.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/tracker"
)

// Event types carried in the event_type header.
const (
	EventTransaction = "backtest.transaction"
	EventDay         = "backtest.day"
	EventRun         = "backtest.run"
)

// Topics names the destination of each event type.
type Topics struct {
	Transactions string
	Days         string
	Runs         string
}

// DefaultTopics returns the standard topic names.
func DefaultTopics() Topics {
	return Topics{
		Transactions: "backtest.transactions",
		Days:         "backtest.days",
		Runs:         "backtest.runs",
	}
}

// Writer is the part of *kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter creates a Kafka writer for brokers. Topics are set per message.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		Compression:            kafka.Gzip,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            5,
		WriteBackoffMin:        100 * time.Millisecond,
		WriteBackoffMax:        time.Second,
		BatchTimeout:           50 * time.Millisecond,
	}
}

// Envelope wraps every published payload.
type Envelope struct {
	RunID   string          `json:"run_id"`
	Type    string          `json:"type"`
	Date    string          `json:"date,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Publisher sends one run's committed days to Kafka. It implements
// tracker.Observer; a write failure aborts the run like any other tracker
// error.
type Publisher struct {
	ctx    context.Context
	w      Writer
	runID  string
	topics Topics
	log    *slog.Logger
}

// NewPublisher publishes run runID through w. ctx bounds every write.
func NewPublisher(ctx context.Context, w Writer, runID string, topics Topics, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{ctx: ctx, w: w, runID: runID, topics: topics, log: log}
}

func (p *Publisher) Observe(s tracker.Snapshot) error {
	date := model.DateString(s.Date)
	msgs := make([]kafka.Message, 0, len(s.Transactions)+1)
	for _, t := range s.Transactions {
		msg, err := p.message(p.topics.Transactions, EventTransaction, t.Instrument, date, t)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	msg, err := p.message(p.topics.Days, EventDay, p.runID, date, s.Position)
	if err != nil {
		return err
	}
	msgs = append(msgs, msg)

	if err := p.w.WriteMessages(p.ctx, msgs...); err != nil {
		p.log.Error("kafka publish failed",
			"run_id", p.runID,
			"date", date,
			"count", len(msgs),
			"err", err,
		)
		return fmt.Errorf("publish %s: %w", date, err)
	}
	p.log.Debug("kafka published", "run_id", p.runID, "date", date, "count", len(msgs))
	return nil
}

// PublishRun announces a run header, typically once it has finished.
func (p *Publisher) PublishRun(run *model.Run) error {
	msg, err := p.message(p.topics.Runs, EventRun, run.ID, "", run)
	if err != nil {
		return err
	}
	if err := p.w.WriteMessages(p.ctx, msg); err != nil {
		return fmt.Errorf("publish run %s: %w", run.ID, err)
	}
	return nil
}

func (p *Publisher) message(topic, typ, key, date string, payload any) (kafka.Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal %s: %w", typ, err)
	}
	value, err := json.Marshal(Envelope{RunID: p.runID, Type: typ, Date: date, Payload: body})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal %s: %w", typ, err)
	}
	return kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(typ)},
			{Key: "run_id", Value: []byte(p.runID)},
		},
	}, nil
}
