package utils

import (
	"fmt"
	"gossip_sim/internal/dataType"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger: JSON to stderr at the given level.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(os.Stderr), lvl)
	return zap.New(core, zap.AddCaller()), nil
}

// EventLogger writes one machine-parseable JSON line per gossip event.
// The stream carries nothing else so collectors can parse every line.
type EventLogger struct {
	lg *zap.Logger
}

func NewEventLogger(w io.Writer) *EventLogger {
	encCfg := zapcore.EncoderConfig{
		MessageKey: "msg",
		LineEnding: zapcore.DefaultLineEnding,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(w), zapcore.InfoLevel)
	return &EventLogger{lg: zap.New(core)}
}

// NewStdoutEventLogger is the event sink used in production.
func NewStdoutEventLogger() *EventLogger {
	return NewEventLogger(zapcore.Lock(os.Stdout))
}

func (l *EventLogger) Emit(ev dataType.GossipEvent) {
	l.lg.Info("gossip_event", zap.Inline(ev))
}

func (l *EventLogger) Sync() error {
	return l.lg.Sync()
}
