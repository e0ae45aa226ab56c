package relay

import (
	"context"

	"go.uber.org/zap"

	"github.com/zhouzirui/clawstream/backend/internal/logging"
	"github.com/zhouzirui/clawstream/backend/internal/model/stream"
)

// Log writes every claw message to the structured log.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logging.OrNop(logger).Named("claw")}
}

func (l *Log) Consume(_ context.Context, msg stream.ClawMessage) {
	l.logger.Info("claw message",
		zap.String("kind", string(msg.Kind)),
		zap.String(logging.KeyClawID, msg.SenderID),
		zap.String("name", msg.SenderName),
		zap.String("text", msg.Text))
}
