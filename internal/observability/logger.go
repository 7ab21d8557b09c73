package observability

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type correlationIDKey struct{}

const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"

	serviceName = "docbatch-engine"
)

// NewLogger builds the process logger. format is "json" (default) or
// "console"; every entry carries the service name.
func NewLogger(level string, format string) (*zap.Logger, error) {
	parsedLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", LogFormatJSON:
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	case LogFormatConsole:
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(parsedLevel))
	return zap.New(core,
		zap.AddCaller(),
		zap.Fields(zap.String("service", serviceName)),
	), nil
}

func parseLevel(level string) (zapcore.Level, error) {
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		return zapcore.InfoLevel, nil
	}

	parsed, err := zapcore.ParseLevel(normalized)
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return parsed, nil
}

// WithCorrelationID stores the request correlation id on ctx. An empty id
// leaves ctx unchanged.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if correlationID == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	correlationID, ok := ctx.Value(correlationIDKey{}).(string)
	return correlationID, ok && correlationID != ""
}

// ContextFields returns the log fields carried by ctx.
func ContextFields(ctx context.Context) []zap.Field {
	if correlationID, ok := CorrelationIDFromContext(ctx); ok {
		return []zap.Field{zap.String("correlationId", correlationID)}
	}
	return nil
}

// WithContextLogger decorates logger with the fields carried by ctx.
func WithContextLogger(logger *zap.Logger, ctx context.Context) *zap.Logger {
	if logger == nil {
		return nil
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

// ItemFields are the standard fields attached to every item scoped log line.
func ItemFields(batchID string, index int, attempt int) []zap.Field {
	return []zap.Field{
		zap.String("batchId", batchID),
		zap.Int("itemIndex", index),
		zap.Int("attempt", attempt),
	}
}
