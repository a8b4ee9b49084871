// Package audit records operator-facing events: RPC exchanges, dispatch
// outcomes and security decisions. Entries go to the process zap logger and
// to a Sink that keeps them for later inspection.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level string

const (
	LevelDebug    Level = "debug"
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

type Category string

const (
	CategorySystem    Category = "system"
	CategoryTask      Category = "task"
	CategoryWorker    Category = "worker"
	CategoryUser      Category = "user"
	CategoryAPI       Category = "api"
	CategorySecurity  Category = "security"
	CategoryPush      Category = "push"
	CategoryScheduler Category = "scheduler"
	CategoryOther     Category = "other"
)

// Entry is one audit record. Source names the call site explicitly, e.g.
// "dispatch.immediate".
type Entry struct {
	Level     Level
	Category  Category
	Message   string
	Source    string
	Details   map[string]any
	UserID    string
	WorkerID  string
	TaskID    string
	CreatedAt time.Time
}

type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// Store is a sink that can also be queried and pruned.
type Store interface {
	Sink
	List(ctx context.Context, q Query) ([]Entry, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

type Logger struct {
	log  *zap.Logger
	sink Sink
	now  func() time.Time
}

func New(log *zap.Logger, sink Sink) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{log: log, sink: sink, now: time.Now}
}

// Nop discards everything.
func Nop() *Logger {
	return New(zap.NewNop(), nil)
}

func (l *Logger) Record(ctx context.Context, e Entry) {
	if l == nil {
		return
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}
	if e.Category == "" {
		e.Category = CategoryOther
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now()
	}

	fields := []zap.Field{
		zap.String("category", string(e.Category)),
		zap.String("source", e.Source),
	}
	if e.UserID != "" {
		fields = append(fields, zap.String("user_id", e.UserID))
	}
	if e.WorkerID != "" {
		fields = append(fields, zap.String("worker_id", e.WorkerID))
	}
	if e.TaskID != "" {
		fields = append(fields, zap.String("task_id", e.TaskID))
	}
	if len(e.Details) > 0 {
		fields = append(fields, zap.Any("details", e.Details))
	}
	if ce := l.log.Check(zapLevel(e.Level), e.Message); ce != nil {
		ce.Write(fields...)
	}

	if l.sink == nil {
		return
	}
	if err := l.sink.Write(ctx, e); err != nil {
		l.log.Warn("audit sink write failed", zap.Error(err), zap.String("source", e.Source))
	}
}

func (l *Logger) Debug(ctx context.Context, e Entry) {
	e.Level = LevelDebug
	l.Record(ctx, e)
}

func (l *Logger) Info(ctx context.Context, e Entry) {
	e.Level = LevelInfo
	l.Record(ctx, e)
}

func (l *Logger) Warn(ctx context.Context, e Entry) {
	e.Level = LevelWarning
	l.Record(ctx, e)
}

func (l *Logger) Error(ctx context.Context, e Entry) {
	e.Level = LevelError
	l.Record(ctx, e)
}

func zapLevel(level Level) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarning:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	case LevelCritical:
		return zapcore.DPanicLevel
	default:
		return zapcore.InfoLevel
	}
}
