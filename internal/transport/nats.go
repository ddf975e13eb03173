// Package transport connects the engine to the messaging platform and to
// the operational systems it acts on.
//
// Inbound events arrive over NATS or Kafka as JSON message events. Customer
// replies go out over NATS request/reply so a send only counts once the
// platform acknowledged it. Escalations and suggestions reach operators
// through Slack, or the log when Slack is not configured, and bounded actions
// are POSTed to the operational API.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/engine"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Handler processes one decoded message event.
type Handler func(ctx context.Context, ev engine.MessageEvent) error

// Ack is the reply to a request/reply message.
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ErrNotAcknowledged indicates the platform refused an outbound message.
var ErrNotAcknowledged = errors.New("outbound message not acknowledged")

// NATSSource subscribes to the event subject in a queue group and hands
// each event to a handler. Events that carry a reply subject are acked.
//
// Thread Safety: Start and Stop are safe for concurrent use.
type NATSSource struct {
	nc      *nats.Conn
	subject string
	queue   string
	handler Handler
	timeout time.Duration
	logger  *zap.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewNATSSource creates a NATSSource. timeout bounds each handler call;
// zero means 30s.
func NewNATSSource(nc *nats.Conn, subject, queue string, h Handler, timeout time.Duration, logger *zap.Logger) (*NATSSource, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection cannot be nil")
	}
	if subject == "" || h == nil {
		return nil, fmt.Errorf("subject and handler are required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSSource{nc: nc, subject: subject, queue: queue, handler: h, timeout: timeout, logger: logger}, nil
}

// Start subscribes. Calling Start on a running source is a no-op.
func (s *NATSSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return nil
	}
	sub, err := s.nc.QueueSubscribe(s.subject, s.queue, s.onMsg)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", s.subject, err)
	}
	s.sub = sub
	s.logger.Info("subscribed to message events",
		zap.String("subject", s.subject),
		zap.String("queue", s.queue))
	return nil
}

// Stop drains the subscription so in-flight events finish.
func (s *NATSSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return nil
	}
	err := s.sub.Drain()
	s.sub = nil
	return err
}

func (s *NATSSource) onMsg(msg *nats.Msg) {
	ev, err := engine.DecodeEvent(msg.Data)
	if err != nil {
		s.logger.Warn("dropping invalid message event", zap.String("subject", msg.Subject), zap.Error(err))
		s.ack(msg, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.handler(ctx, ev); err != nil {
		s.logger.Error("handling message event",
			zap.String("conversation.id", ev.ConversationID),
			zap.String("event.id", ev.ID),
			zap.Error(err))
		s.ack(msg, err)
		return
	}
	s.ack(msg, nil)
}

func (s *NATSSource) ack(msg *nats.Msg, err error) {
	if msg.Reply == "" {
		return
	}
	a := Ack{OK: err == nil}
	if err != nil {
		a.Error = err.Error()
	}
	data, _ := json.Marshal(a)
	if rerr := msg.Respond(data); rerr != nil {
		s.logger.Debug("ack not delivered", zap.Error(rerr))
	}
}

// Outbound is a customer-facing message handed to the platform.
type Outbound struct {
	ConversationID string    `json:"conversation_id"`
	Text           string    `json:"text"`
	SentAt         time.Time `json:"sent_at"`
}

// NATSSender publishes outbound messages with request/reply and waits for
// the platform's ack.
type NATSSender struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration
	now     func() time.Time
}

// NewNATSSender creates a NATSSender. timeout bounds the wait for an ack
// when ctx has no earlier deadline; zero means 5s.
func NewNATSSender(nc *nats.Conn, subject string, timeout time.Duration) (*NATSSender, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection cannot be nil")
	}
	if subject == "" {
		return nil, fmt.Errorf("subject is required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSSender{nc: nc, subject: subject, timeout: timeout, now: time.Now}, nil
}

// Send delivers text to the conversation.
func (s *NATSSender) Send(ctx context.Context, conversationID, text string) error {
	data, err := json.Marshal(Outbound{ConversationID: conversationID, Text: text, SentAt: s.now().UTC()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	reply, err := s.nc.RequestWithContext(ctx, s.subject, data)
	if err != nil {
		return fmt.Errorf("sending to %s: %w", conversationID, err)
	}
	var a Ack
	if err := json.Unmarshal(reply.Data, &a); err != nil {
		return fmt.Errorf("%w: malformed ack: %v", ErrNotAcknowledged, err)
	}
	if !a.OK {
		return fmt.Errorf("%w: %s", ErrNotAcknowledged, a.Error)
	}
	return nil
}
