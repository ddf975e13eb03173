package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/patternd/internal/engine"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Reader is the kafka-go reader slice KafkaSource uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaReader creates a consumer-group reader for topic.
func NewKafkaReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  group,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

// KafkaSource reads message events from a Kafka topic. Offsets are committed
// after the handler returns, whether or not it succeeded: a failed event is
// logged rather than redelivered, since the engine already escalated it.
type KafkaSource struct {
	reader  Reader
	handler Handler
	logger  *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewKafkaSource creates a KafkaSource. It does not start automatically.
func NewKafkaSource(r Reader, h Handler, logger *zap.Logger) (*KafkaSource, error) {
	if r == nil || h == nil {
		return nil, fmt.Errorf("reader and handler are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaSource{reader: r, handler: h, logger: logger}, nil
}

// Start begins the read loop.
func (k *KafkaSource) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel
	k.done = make(chan struct{})
	go k.run(ctx, k.done)
	return nil
}

// Stop ends the read loop and closes the reader.
func (k *KafkaSource) Stop() error {
	k.mu.Lock()
	cancel, done := k.cancel, k.done
	k.cancel, k.done = nil, nil
	k.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return k.reader.Close()
}

func (k *KafkaSource) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		msg, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			k.logger.Warn("kafka read error", zap.Error(err))
			continue
		}
		k.process(ctx, msg)
		if err := k.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			k.logger.Warn("committing kafka offset",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
	}
}

func (k *KafkaSource) process(ctx context.Context, msg kafka.Message) {
	ev, err := engine.DecodeEvent(msg.Value)
	if err != nil {
		k.logger.Warn("dropping invalid message event",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return
	}
	if err := k.handler(ctx, ev); err != nil {
		k.logger.Error("handling message event",
			zap.String("conversation.id", ev.ConversationID),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
	}
}
