package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/pie/internal/domain"
)

// ConsumerDLQRecord — исходное сообщение, которое Consumer не смог обработать.
type ConsumerDLQRecord struct {
	OriginalTopic     string `json:"original_topic"`
	OriginalPartition int32  `json:"original_partition"`
	OriginalOffset    int64  `json:"original_offset"`
	OriginalKey       string `json:"original_key"`
	OriginalValue     string `json:"original_value"`
	ErrorMessage      string `json:"error_message"`
	FailedAt          string `json:"failed_at"`
	RetryCount        string `json:"retry_count"`
}

// OutboxDLQRecord — payload конверта, который outbox worker кладёт в DLQ
// после исчерпания попыток публикации.
type OutboxDLQRecord struct {
	OutboxID       string          `json:"outbox_id"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	PublishError   string          `json:"publish_error"`
	DLQPublishedAt time.Time       `json:"dlq_published_at"`
}

// WrapForDLQ упаковывает неотправленное сообщение outbox в OutboxDLQRecord.
// Идентификатор и агрегат сохраняются, чтобы ключ партиционирования в DLQ совпадал с исходным.
func WrapForDLQ(msg domain.OutboxMessage, publishErr error, at time.Time) (domain.OutboxMessage, error) {
	reason := ""
	if publishErr != nil {
		reason = publishErr.Error()
	}
	payload, err := json.Marshal(OutboxDLQRecord{
		OutboxID:       msg.ID,
		AggregateType:  msg.AggregateType,
		AggregateID:    msg.AggregateID,
		EventType:      msg.EventType,
		Payload:        json.RawMessage(msg.Payload),
		PublishError:   reason,
		DLQPublishedAt: at.UTC(),
	})
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("marshal dlq payload: %w", err)
	}

	wrapped := msg
	wrapped.Payload = payload
	return wrapped, nil
}

// Replay — сообщение из DLQ, восстановленное для повторной публикации.
type Replay struct {
	Topic string
	Key   string
	Value []byte
}

// ErrNotReplayable — сообщение DLQ не содержит исходного события.
var ErrNotReplayable = errors.New("dlq message is not replayable")

// ExtractReplay восстанавливает исходное сообщение из записи DLQ.
// Записи Consumer возвращаются в исходный topic, записи outbox — в defaultTopic
// с новым конвертом.
func ExtractReplay(value []byte, defaultTopic string) (Replay, error) {
	var consumerRecord ConsumerDLQRecord
	if err := json.Unmarshal(value, &consumerRecord); err == nil && consumerRecord.OriginalValue != "" {
		topic := strings.TrimSpace(consumerRecord.OriginalTopic)
		if topic == "" {
			topic = defaultTopic
		}
		return Replay{
			Topic: topic,
			Key:   consumerRecord.OriginalKey,
			Value: []byte(consumerRecord.OriginalValue),
		}, nil
	}

	var envelope Envelope
	if err := json.Unmarshal(value, &envelope); err != nil || len(envelope.Payload) == 0 {
		return Replay{}, ErrNotReplayable
	}

	var outboxRecord OutboxDLQRecord
	if err := json.Unmarshal(envelope.Payload, &outboxRecord); err != nil {
		return Replay{}, fmt.Errorf("decode outbox dlq payload: %w", err)
	}
	if len(outboxRecord.Payload) == 0 {
		return Replay{}, fmt.Errorf("outbox dlq payload has no original event: %w", ErrNotReplayable)
	}

	replay := Envelope{
		ID:            firstNonEmpty(outboxRecord.OutboxID, envelope.ID),
		AggregateType: firstNonEmpty(outboxRecord.AggregateType, envelope.AggregateType),
		AggregateID:   firstNonEmpty(outboxRecord.AggregateID, envelope.AggregateID),
		EventType:     EventType(firstNonEmpty(outboxRecord.EventType, string(envelope.EventType))),
		Payload:       outboxRecord.Payload,
		PublishedAt:   time.Now().UTC(),
	}
	encoded, err := json.Marshal(replay)
	if err != nil {
		return Replay{}, fmt.Errorf("encode replay envelope: %w", err)
	}

	return Replay{
		Topic: defaultTopic,
		Key:   firstNonEmpty(replay.AggregateID, replay.ID),
		Value: encoded,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
