package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"orderpipe/internal/model"
)

type consumer interface {
	ReadMessage(timeout time.Duration) (*ck.Message, error)
	Commit() ([]ck.TopicPartition, error)
	Close() error
}

// KafkaSource reads raw orders from a topic. Offsets are committed explicitly once a batch has
// been processed.
type KafkaSource struct {
	c  consumer
	dl DeadLetters
}

func NewKafkaSource(bootstrap, groupID, topic string, dl DeadLetters) (*KafkaSource, error) {
	c, err := ck.NewConsumer(&ck.ConfigMap{
		"bootstrap.servers":  bootstrap,
		"group.id":           groupID,
		"enable.auto.commit": false,
		"isolation.level":    "read_committed",
		"auto.offset.reset":  "earliest",
	})
	if err != nil {
		return nil, fmt.Errorf("consumer: %w", err)
	}
	if err := c.SubscribeTopics([]string{topic}, nil); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return &KafkaSource{c: c, dl: dl}, nil
}

// NewKafkaSourceWith is only for tests to inject a fake consumer.
func NewKafkaSourceWith(c consumer, dl DeadLetters) *KafkaSource {
	return &KafkaSource{c: c, dl: dl}
}

// ReadBatch collects up to limit orders, stopping early once no message arrives within idle.
func (k *KafkaSource) ReadBatch(ctx context.Context, limit int, idle time.Duration) ([]*model.Record, error) {
	var out []*model.Record
	for limit <= 0 || len(out) < limit {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		msg, err := k.c.ReadMessage(idle)
		if err != nil {
			var kerr ck.Error
			if errors.As(err, &kerr) && kerr.Code() == ck.ErrTimedOut {
				break
			}
			return out, fmt.Errorf("read kafka: %w", err)
		}
		rec, err := decode(msg.Value)
		if err != nil {
			k.dl.Add(string(msg.Value), fmt.Sprintf("%s: %v", msg.TopicPartition, err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Commit stores the offsets of everything read so far.
func (k *KafkaSource) Commit() error {
	if _, err := k.c.Commit(); err != nil {
		var kerr ck.Error
		if errors.As(err, &kerr) && kerr.Code() == ck.ErrNoOffset {
			return nil
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (k *KafkaSource) Close() error { return k.c.Close() }
