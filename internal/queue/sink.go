package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/docbatch-engine/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogSink writes notifications to the structured log at their level.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Deliver(_ context.Context, n domain.Notification) error {
	level := zapcore.InfoLevel
	switch n.Level {
	case domain.LevelWarning:
		level = zapcore.WarnLevel
	case domain.LevelError:
		level = zapcore.ErrorLevel
	}

	s.logger.Log(level, n.Message,
		zap.String("notificationId", n.ID),
		zap.String("batchId", n.BatchID),
		zap.String("status", n.Status.String()),
		zap.Int("total", n.Summary.Total),
		zap.Int("succeeded", n.Summary.Succeeded),
		zap.Int("failed", n.Summary.Failed),
		zap.Int("cancelled", n.Summary.Cancelled),
		zap.Duration("elapsed", n.Summary.Elapsed),
	)
	return nil
}

// MultiSink fans a notification out to every sink. Delivery counts as failed
// only when every sink failed; partial failures are logged.
type MultiSink struct {
	sinks  []namedSink
	logger *zap.Logger
}

type namedSink struct {
	name string
	sink Sink
}

func NewMultiSink(logger *zap.Logger) *MultiSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MultiSink{logger: logger}
}

// Add registers a sink under name.
func (m *MultiSink) Add(name string, sink Sink) *MultiSink {
	if sink != nil {
		m.sinks = append(m.sinks, namedSink{name: name, sink: sink})
	}
	return m
}

func (m *MultiSink) Len() int { return len(m.sinks) }

func (m *MultiSink) Deliver(ctx context.Context, n domain.Notification) error {
	if len(m.sinks) == 0 {
		return nil
	}

	var errs []error
	for _, s := range m.sinks {
		if err := s.sink.Deliver(ctx, n); err != nil {
			m.logger.Warn("notification sink failed",
				zap.String("sink", s.name),
				zap.String("batchId", n.BatchID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	if len(errs) == len(m.sinks) {
		return errors.Join(errs...)
	}
	return nil
}
