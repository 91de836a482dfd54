// Package kafkapoll consumes device descriptors pushed by agents that speak
// Kafka instead of dropping files on FTP.
package kafkapoll

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/fiscalops/fleetwatch/internal/ingest"
	"github.com/fiscalops/fleetwatch/pkg/metrics"
	"github.com/fiscalops/fleetwatch/pkg/tracing"
)

type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

// Consumer feeds descriptor messages through the ingest pipeline. The
// message key names the device the same way an FTP file name would; a
// keyless message falls back to the topic name.
type Consumer struct {
	reader   *kafka.Reader
	pipeline *ingest.Pipeline
	logger   ectologger.Logger
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

func NewConsumer(cfg ConsumerConfig, pipeline *ingest.Pipeline, logger ectologger.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       10e3, // 10KB
		MaxBytes:       10e6, // 10MB
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: time.Second,
	})

	return &Consumer{
		reader:   reader,
		pipeline: pipeline,
		logger:   logger,
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.consume(ctx)

	c.logger.WithContext(ctx).Infof("kafka consumer started on topic %s", c.reader.Config().Topic)
	return nil
}

// Stop cancels the consume loop, waits for the in-flight message and closes
// the reader.
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.reader.Close()
}

func (c *Consumer) consume(ctx context.Context) {
	defer c.wg.Done()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				c.logger.WithContext(ctx).Info("kafka consumer stopping")
				return
			}
			c.logger.WithContext(ctx).WithError(err).Error("failed to fetch message")
			continue
		}

		c.handleMessage(ctx, msg)
	}
}

func (c *Consumer) handleMessage(ctx context.Context, msg kafka.Message) {
	ctx, span := tracing.StartSpan(ctx, "kafkapoll.Consumer.handleMessage")
	defer span.End()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	name := string(msg.Key)
	if name == "" {
		name = msg.Topic
	}

	if err := c.pipeline.Ingest(ctx, name, msg.Value); err != nil {
		// A descriptor that cannot be stored now will not store on redelivery
		// either, so commit and move on rather than wedge the partition.
		log.WithError(err).Error("failed to store descriptor")
		metrics.RecordKafkaMessage(msg.Topic, "error")
	} else {
		metrics.RecordKafkaMessage(msg.Topic, "ok")
	}

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		log.WithError(err).Error("failed to commit message")
	}
}
