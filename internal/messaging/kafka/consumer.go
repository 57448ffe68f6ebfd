package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const defaultRetryDelay = 200 * time.Millisecond

// MessageHandler обрабатывает одно сообщение; ошибка запускает повтор.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// ConsumerOptions задаёт параметры Consumer.
type ConsumerOptions struct {
	ClientID    string
	Logger      *log.Entry
	DLQProducer *Producer
	// DLQTopic по умолчанию TopicDeadLetterQueue.
	DLQTopic   string
	MaxRetries int
	RetryDelay time.Duration
	FromOldest bool
}

// Consumer читает topics в составе consumer group. Сообщение, которое handler
// не смог обработать за MaxRetries+1 попыток, уходит в DLQ и коммитится.
// Без DLQ такое сообщение не коммитится и будет прочитано снова после rebalance.
type Consumer struct {
	consumer    sarama.ConsumerGroup
	topics      []string
	handler     MessageHandler
	logger      *log.Entry
	wg          sync.WaitGroup
	dlqProducer *Producer
	dlqTopic    string
	maxRetries  int
	retryDelay  time.Duration
}

// NewConsumer создаёт consumer group groupID для topics.
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, opts ConsumerOptions) (*Consumer, error) {
	group, err := sarama.NewConsumerGroup(brokers, groupID, consumerConfig(opts))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "kafka-consumer")
	}

	retryDelay := opts.RetryDelay
	switch {
	case retryDelay < 0:
		retryDelay = 0
	case retryDelay == 0:
		retryDelay = defaultRetryDelay
	}

	return &Consumer{
		consumer:    group,
		topics:      topics,
		handler:     handler,
		logger:      logger.WithField("group", groupID),
		dlqProducer: opts.DLQProducer,
		dlqTopic:    opts.DLQTopic,
		maxRetries:  opts.MaxRetries,
		retryDelay:  retryDelay,
	}, nil
}

func consumerConfig(opts ConsumerOptions) *sarama.Config {
	config := sarama.NewConfig()
	if opts.ClientID != "" {
		config.ClientID = opts.ClientID
	}
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	if opts.FromOldest {
		config.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	config.Consumer.Return.Errors = true
	return config
}

// Start запускает чтение и логирование ошибок группы в фоне.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(2)
	go c.consumeLoop(ctx)
	go c.drainErrors()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// consumeLoop перезапускает Consume после каждого rebalance, пока жив ctx
// и группа не закрыта через Stop.
func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()
	for ctx.Err() == nil {
		err := c.consumer.Consume(ctx, c.topics, c)
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return
		}
		if err != nil {
			c.logger.WithError(err).Error("error from consumer")
		}
	}
}

func (c *Consumer) drainErrors() {
	defer c.wg.Done()
	for err := range c.consumer.Errors() {
		c.logger.WithError(err).Error("consumer error")
	}
}

// Stop закрывает группу и ждёт фоновые горутины.
func (c *Consumer) Stop() error {
	if err := c.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error { return nil }

func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim обрабатывает сообщения одной партиции по порядку.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			if c.process(ctx, message) {
				session.MarkMessage(message, "")
			}
		}
	}
}

// process возвращает true, если offset сообщения можно коммитить.
func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage) bool {
	entry := c.logger.WithFields(log.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
	})
	entry.Debug("received message")

	attempts, err := c.handleWithRetry(ctx, entry, message)
	if err == nil {
		return true
	}
	if ctx.Err() != nil || c.dlqProducer == nil {
		entry.WithError(err).Error("message processing failed after all retries")
		return false
	}

	if dlqErr := c.sendToDLQ(message, err, attempts); dlqErr != nil {
		entry.WithError(dlqErr).Error("failed to send message to DLQ")
		return false
	}
	entry.WithField("attempts", attempts).Info("message sent to DLQ after max retries")
	return true
}

// handleWithRetry вызывает handler до maxRetries+1 раз и возвращает число сделанных попыток.
func (c *Consumer) handleWithRetry(ctx context.Context, entry *log.Entry, message *sarama.ConsumerMessage) (int, error) {
	attempts := max(c.maxRetries+1, 1)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = c.handler(ctx, message); err == nil {
			return attempt, nil
		}
		if attempt == attempts {
			break
		}

		entry.WithError(err).WithField("attempt", attempt).Warn("message processing failed, will retry")
		if err := c.wait(ctx); err != nil {
			return attempt, err
		}
	}
	return attempts, err
}

func (c *Consumer) wait(ctx context.Context) error {
	if c.retryDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(c.retryDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Consumer) sendToDLQ(message *sarama.ConsumerMessage, processingErr error, attempts int) error {
	topic := c.dlqTopic
	if topic == "" {
		topic = TopicDeadLetterQueue
	}
	record := newConsumerDLQRecord(message, processingErr, attempts, time.Now())
	return c.dlqProducer.PublishEvent(topic, string(message.Key), headerEventType(message), record)
}

func newConsumerDLQRecord(message *sarama.ConsumerMessage, processingErr error, attempts int, at time.Time) ConsumerDLQRecord {
	return ConsumerDLQRecord{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		ErrorMessage:      processingErr.Error(),
		FailedAt:          at.UTC().Format(time.RFC3339),
		RetryCount:        strconv.Itoa(attempts),
	}
}

func headerEventType(message *sarama.ConsumerMessage) EventType {
	for _, header := range message.Headers {
		if header != nil && string(header.Key) == HeaderEventType {
			return EventType(header.Value)
		}
	}
	return ""
}
