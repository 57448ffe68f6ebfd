package kafka

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newMockedProducer(t *testing.T) (*Producer, *mocks.SyncProducer) {
	t.Helper()
	mockProducer := mocks.NewSyncProducer(t, nil)
	return &Producer{
		producer: mockProducer,
		logger:   log.WithField("component", "kafka-producer-test"),
	}, mockProducer
}

func TestProducer_PublishEvent(t *testing.T) {
	producer, mockProducer := newMockedProducer(t)

	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var decoded map[string]any
		if err := json.Unmarshal(val, &decoded); err != nil {
			return err
		}
		if decoded["date"] != "2024-01-10" {
			return errors.New("unexpected payload")
		}
		return nil
	})

	err := producer.PublishEvent(TopicDayOrdersEvents, "2024-01-10", EventTypeDayOrdersConfirmed, map[string]string{"date": "2024-01-10"})
	require.NoError(t, err)
	require.NoError(t, mockProducer.Close())
}

func TestProducer_PublishEvent_Error(t *testing.T) {
	producer, mockProducer := newMockedProducer(t)

	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := producer.PublishEvent(TopicDayOrdersEvents, "2024-01-10", EventTypeDayOrdersConfirmed, map[string]string{})
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, mockProducer.Close())
}

func TestProducer_PublishEvent_MarshalError(t *testing.T) {
	producer, mockProducer := newMockedProducer(t)

	err := producer.PublishEvent(TopicDayOrdersEvents, "k", "", map[string]any{"bad": make(chan int)})
	require.Error(t, err)
	require.NoError(t, mockProducer.Close())
}

func TestProducer_PublishRaw(t *testing.T) {
	producer, mockProducer := newMockedProducer(t)

	raw := []byte(`{"id":"evt-1"}`)
	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != string(raw) {
			return errors.New("payload must be sent as is")
		}
		return nil
	})

	require.NoError(t, producer.PublishRaw(TopicDayOrdersEvents, "2024-01-10", raw))
	require.NoError(t, mockProducer.Close())
}

func TestNewProducerConfig(t *testing.T) {
	config := newProducerConfig("")

	require.Equal(t, defaultClientID, config.ClientID)
	require.True(t, config.Producer.Idempotent)
	require.Equal(t, 1, config.Net.MaxOpenRequests)
	require.Equal(t, sarama.WaitForAll, config.Producer.RequiredAcks)
	require.NoError(t, config.Validate())
}
