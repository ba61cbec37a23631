// Package events publishes sync operation outcomes for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindOutboundFinished Kind = "outbound_finished"
	KindOutboundFailed   Kind = "outbound_failed"
	KindInboundFinished  Kind = "inbound_finished"
	KindInboundFailed    Kind = "inbound_failed"
)

// SyncEvent describes an operation that reached a terminal state.
type SyncEvent struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	OperationID int64     `json:"operation_id"`
	BatchTag    string    `json:"batch_tag,omitempty"`
	BatchDate   string    `json:"batch_date,omitempty"`
	KeysTotal   int       `json:"keys_total"`
	KeysStored  int       `json:"keys_stored"`
	RetryCount  int       `json:"retry_count,omitempty"`
	Error       string    `json:"error,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Key partitions events by direction and operation id.
func (e SyncEvent) Key() []byte {
	direction := "inbound"
	if e.Kind == KindOutboundFinished || e.Kind == KindOutboundFailed {
		direction = "outbound"
	}
	return []byte(direction + "-" + strconv.FormatInt(e.OperationID, 10))
}

type producer interface {
	Produce(ctx context.Context, key, value []byte) error
}

// Publisher writes events to Kafka.
type Publisher struct {
	producer producer
	logger   *slog.Logger
}

func NewPublisher(p producer, logger *slog.Logger) *Publisher {
	return &Publisher{producer: p, logger: logger}
}

func (p *Publisher) Emit(ctx context.Context, e SyncEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal sync event: %w", err)
	}
	if err := p.producer.Produce(ctx, e.Key(), value); err != nil {
		if p.logger != nil {
			p.logger.WarnContext(ctx, "failed to publish sync event",
				"kind", e.Kind,
				"operation_id", e.OperationID,
				"error", err,
			)
		}
		return fmt.Errorf("publish sync event: %w", err)
	}
	return nil
}

// Noop drops events. Used when no brokers are configured.
type Noop struct{}

func (Noop) Emit(context.Context, SyncEvent) error { return nil }

// Recorder keeps events in memory for tests.
type Recorder struct {
	events chan SyncEvent
}

func NewRecorder(capacity int) *Recorder {
	return &Recorder{events: make(chan SyncEvent, capacity)}
}

func (r *Recorder) Emit(_ context.Context, e SyncEvent) error {
	select {
	case r.events <- e:
	default:
	}
	return nil
}

// Drain returns the events recorded so far.
func (r *Recorder) Drain() []SyncEvent {
	var out []SyncEvent
	for {
		select {
		case e := <-r.events:
			out = append(out, e)
		default:
			return out
		}
	}
}
