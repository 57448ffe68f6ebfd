// Команда dlq-reprocess перечитывает pie.dlq и возвращает события дня
// в рабочий topic. По умолчанию работает в режиме dry-run.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/pie/internal/messaging/kafka"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
)

type config struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	limit       int
	execute     bool
	idleTimeout time.Duration
}

// offsetClient — часть sarama.Client, нужная для обхода партиций.
type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

// replayPublisher отправляет восстановленные сообщения. Реализуется kafka.Producer.
type replayPublisher interface {
	PublishRaw(topic, key string, value []byte) error
	Close() error
}

type replayStats struct {
	scanned  int
	replayed int
	skipped  int
}

func (s *replayStats) add(other replayStats) {
	s.scanned += other.scanned
	s.replayed += other.replayed
	s.skipped += other.skipped
}

// replayer читает DLQ по партициям от самого старого offset до текущего конца.
type replayer struct {
	cfg      config
	client   offsetClient
	consumer sarama.Consumer
	producer replayPublisher
	logger   *log.Entry
}

var newReplayer = func(cfg config) (*replayer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.ClientID = "pie-dlq-reprocess"
	saramaCfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	r := &replayer{cfg: cfg, client: client, consumer: consumer, logger: log.WithField("component", "dlq-reprocess")}
	if !cfg.execute {
		return r, nil
	}

	producer, err := kafka.NewProducer(cfg.brokers, "pie-dlq-reprocess")
	if err != nil {
		r.close()
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	r.producer = producer
	return r, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := readConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		fail("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := newReplayer(cfg)
	if err != nil {
		fail("%v", err)
	}
	defer r.close()

	if _, err := r.run(ctx); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func readConfig(fs *flag.FlagSet, args []string) (config, error) {
	var (
		cfg        config
		brokersRaw string
	)
	fs.StringVar(&brokersRaw, "brokers", "", "Kafka brokers через запятую (fallback: PIE_KAFKA_BROKERS)")
	fs.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ topic")
	fs.StringVar(&cfg.targetTopic, "target-topic", kafka.TopicDayOrdersEvents, "topic для событий outbox")
	fs.IntVar(&cfg.limit, "limit", defaultReplayLimit, "максимум просмотренных сообщений")
	fs.BoolVar(&cfg.execute, "execute", false, "публиковать сообщения; без флага только dry-run")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "таймаут ожидания сообщений в партиции")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = os.Getenv("PIE_KAFKA_BROKERS")
	}
	for _, broker := range strings.Split(brokersRaw, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			cfg.brokers = append(cfg.brokers, broker)
		}
	}

	switch {
	case len(cfg.brokers) == 0:
		return config{}, errors.New("kafka brokers are required (-brokers or PIE_KAFKA_BROKERS)")
	case strings.TrimSpace(cfg.sourceTopic) == "":
		return config{}, errors.New("source-topic is required")
	case strings.TrimSpace(cfg.targetTopic) == "":
		return config{}, errors.New("target-topic is required")
	case cfg.limit <= 0:
		return config{}, errors.New("limit must be > 0")
	case cfg.idleTimeout <= 0:
		return config{}, errors.New("idle-timeout must be > 0")
	}
	return cfg, nil
}

func (r *replayer) run(ctx context.Context) (replayStats, error) {
	var total replayStats
	if r.cfg.execute && r.producer == nil {
		return total, errors.New("producer is required in execute mode")
	}

	partitions, err := r.client.Partitions(r.cfg.sourceTopic)
	if err != nil {
		return total, fmt.Errorf("get partitions for topic %s: %w", r.cfg.sourceTopic, err)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		if total.scanned >= r.cfg.limit {
			break
		}
		stats, err := r.replayPartition(ctx, partition, r.cfg.limit-total.scanned)
		total.add(stats)
		if err != nil {
			return total, err
		}
	}

	mode := "dry-run"
	if r.cfg.execute {
		mode = "execute"
	}
	r.logger.WithFields(log.Fields{
		"mode":     mode,
		"scanned":  total.scanned,
		"replayed": total.replayed,
		"skipped":  total.skipped,
	}).Info("dlq replay finished")

	return total, nil
}

func (r *replayer) replayPartition(ctx context.Context, partition int32, limit int) (replayStats, error) {
	var stats replayStats

	oldest, err := r.client.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := r.client.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	pc, err := r.consumer.ConsumePartition(r.cfg.sourceTopic, partition, oldest)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.cfg.idleTimeout)
	defer idle.Stop()

	for stats.scanned < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-idle.C:
			return stats, nil
		case consumerErr := <-pc.Errors():
			if consumerErr != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, consumerErr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return stats, nil
			}
			idle.Reset(r.cfg.idleTimeout)
			stats.scanned++

			if err := r.replayMessage(msg); err != nil {
				if errors.Is(err, errPublish) {
					return stats, err
				}
				stats.skipped++
				r.logger.WithError(err).WithFields(log.Fields{
					"partition": msg.Partition,
					"offset":    msg.Offset,
				}).Warn("skip dlq message")
			} else {
				stats.replayed++
			}

			if msg.Offset+1 >= newest {
				return stats, nil
			}
		}
	}
	return stats, nil
}

var errPublish = errors.New("publish replay message")

func (r *replayer) replayMessage(msg *sarama.ConsumerMessage) error {
	replay, err := kafka.ExtractReplay(msg.Value, r.cfg.targetTopic)
	if err != nil {
		return err
	}

	if !r.cfg.execute {
		r.logger.WithFields(log.Fields{
			"offset":       msg.Offset,
			"target_topic": replay.Topic,
			"key":          replay.Key,
		}).Info("dlq replay candidate")
		return nil
	}

	if err := r.producer.PublishRaw(replay.Topic, replay.Key, replay.Value); err != nil {
		return fmt.Errorf("%w: %w", errPublish, err)
	}
	return nil
}

func (r *replayer) close() {
	if r.producer != nil {
		_ = r.producer.Close()
	}
	if r.consumer != nil {
		_ = r.consumer.Close()
	}
	if r.client != nil {
		_ = r.client.Close()
	}
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
