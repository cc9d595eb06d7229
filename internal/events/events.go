// Package events publishes gate decisions to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/questgate/server/internal/integrity"
)

// DecisionEventType is emitted for every evaluated submission attempt.
const DecisionEventType = "quest.submission.decided"

// Publisher delivers an encoded event. key selects the partition.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload []byte, key string) error
}

// Envelope wraps every event payload.
type Envelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// DecisionData is the body of a DecisionEventType event.
type DecisionData struct {
	UserID            string                  `json:"user_id"`
	SubmissionID      string                  `json:"submission_id,omitempty"`
	QuestID           string                  `json:"quest_id"`
	Verdict           integrity.Verdict       `json:"verdict"`
	Score             int                     `json:"score"`
	Level             integrity.Level         `json:"level"`
	Violations        []string                `json:"violations"`
	AnomalyTypes      []integrity.AnomalyType `json:"anomaly_types"`
	CommitmentHash    string                  `json:"commitment_hash"`
	DeviceFingerprint string                  `json:"device_fingerprint"`
}

// NewDecisionData extracts the event body from a decision.
func NewDecisionData(userID string, d integrity.Decision) DecisionData {
	types := make([]integrity.AnomalyType, 0, len(d.Anomalies))
	for _, a := range d.Anomalies {
		types = append(types, a.Type)
	}
	violations := d.Violations
	if violations == nil {
		violations = []string{}
	}
	return DecisionData{
		UserID:            userID,
		SubmissionID:      d.Submission.ID,
		QuestID:           d.Submission.QuestID,
		Verdict:           d.Verdict,
		Score:             d.Score,
		Level:             d.Status.Level,
		Violations:        violations,
		AnomalyTypes:      types,
		CommitmentHash:    d.CommitmentHash,
		DeviceFingerprint: d.DeviceFingerprint,
	}
}

// Encode builds the JSON envelope for data.
func Encode(eventType string, occurredAt time.Time, data any) ([]byte, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode event data: %w", err)
	}
	return json.Marshal(Envelope{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		OccurredAt: occurredAt.UTC(),
		Data:       body,
	})
}

// KafkaPublisher writes events to a single topic.
type KafkaPublisher struct {
	writer *kafka.Writer
	topic  string
}

// NewKafkaPublisher creates a publisher for topic, defaulting to
// DecisionEventType when topic is empty.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if topic == "" {
		topic = DecisionEventType
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
		},
		topic: topic,
	}, nil
}

// Publish writes one message keyed by key, with the event type as a header.
func (p *KafkaPublisher) Publish(ctx context.Context, eventType string, payload []byte, key string) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   p.topic,
		Key:     []byte(key),
		Value:   payload,
		Time:    time.Now().UTC(),
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(eventType)}},
	})
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LoggingPublisher logs events instead of sending them.
type LoggingPublisher struct {
	logger *slog.Logger
}

// NewLoggingPublisher logs every event at info level on logger.
func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	return &LoggingPublisher{logger: logger}
}

// Publish logs the event and never fails.
func (p *LoggingPublisher) Publish(ctx context.Context, eventType string, payload []byte, key string) error {
	p.logger.InfoContext(ctx, "published event",
		"event_type", eventType,
		"partition_key", key,
		"payload", string(payload),
	)
	return nil
}
