package transport

import (
	"context"

	"github.com/fyrsmithlabs/patternd/internal/executor"
	"go.uber.org/zap"
)

// LogQueue is a HumanQueue that only logs. Used when no operator channel is
// configured.
type LogQueue struct {
	logger *zap.Logger
}

// NewLogQueue creates a LogQueue.
func NewLogQueue(logger *zap.Logger) *LogQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogQueue{logger: logger}
}

func (q *LogQueue) Escalate(_ context.Context, e executor.Escalation) error {
	q.logger.Warn("conversation escalated",
		zap.String("conversation.id", e.ConversationID),
		zap.String("reason", e.Reason),
		zap.String("pattern.id", e.PatternID),
		zap.Float64("confidence", e.Confidence))
	return nil
}

func (q *LogQueue) Suggest(_ context.Context, s executor.Suggestion) error {
	q.logger.Info("response suggested",
		zap.String("conversation.id", s.ConversationID),
		zap.String("pattern.id", s.PatternID),
		zap.String("execution.id", s.ExecutionID),
		zap.Float64("confidence", s.Confidence),
		zap.String("reason", s.Reason))
	return nil
}

var (
	_ executor.HumanQueue   = (*LogQueue)(nil)
	_ executor.HumanQueue   = (*SlackEscalator)(nil)
	_ executor.Sender       = (*NATSSender)(nil)
	_ executor.ActionRunner = (*HTTPActionRunner)(nil)
)
