package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/caresignal/vitals-alert-gateway/pkg/config"
)

// KafkaConsumer reads vital readings from a Kafka topic fed by facility
// integration pipelines. Messages are keyed by patient ID; the key fills in
// the patient when the body omits it.
type KafkaConsumer struct {
	reader    *kafka.Reader
	processor *Processor
	wg        sync.WaitGroup
}

func StartKafka(ctx context.Context, cfg *config.KafkaConfig, processor *Processor) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("no kafka topic configured")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: []string{cfg.Topic},
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})

	c := &KafkaConsumer{reader: reader, processor: processor}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
	return c, nil
}

func (c *KafkaConsumer) run(ctx context.Context) {
	defer func() {
		if err := c.reader.Close(); err != nil {
			logrus.Errorf("Failed to close Kafka reader: %v", err)
		}
	}()
	logrus.Infof("Kafka consumer started on topic %s", c.reader.Config().GroupTopics)

	backoff := time.Second
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logrus.Info("Kafka consumer stopping")
				return
			}
			logrus.Errorf("Kafka fetch failed: %v", err)
			select {
			case <-time.After(backoff):
				if backoff < 10*time.Second {
					backoff *= 2
				}
				continue
			case <-ctx.Done():
				return
			}
		}
		backoff = time.Second

		c.handleMessage(ctx, msg)

		// Unusable messages are committed too, otherwise a poison message
		// wedges the partition.
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			logrus.Errorf("Kafka commit failed: %v", err)
		}
	}
}

func (c *KafkaConsumer) handleMessage(ctx context.Context, msg kafka.Message) {
	reading, err := DecodeReading(msg.Value)
	if err != nil {
		logrus.Warnf("Dropping malformed Kafka reading at offset %d: %v", msg.Offset, err)
		return
	}
	if reading.PatientID == "" && len(msg.Key) > 0 {
		reading.PatientID = string(msg.Key)
	}
	if err := c.processor.Process(ctx, reading, msg.Value); err != nil {
		logrus.Warnf("Dropping Kafka reading at offset %d: %v", msg.Offset, err)
	}
}

// Wait blocks until the consumer loop has exited.
func (c *KafkaConsumer) Wait() {
	c.wg.Wait()
}
