package emit

import (
	"log/slog"
)

// LogEmitter writes records through a structured logger.
//
// Records with an "error" meta key log at Error level, records whose Msg
// ends in "_retry" at Warn, everything else at Info.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates an emitter backed by logger. A nil logger falls
// back to slog.Default().
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

// Emit logs one record with workflow identity and meta as attributes.
func (l *LogEmitter) Emit(event Event) {
	attrs := make([]any, 0, 6+2*len(event.Meta))
	attrs = append(attrs,
		slog.String("workflow_id", event.WorkflowID),
		slog.String("trace_id", event.TraceID),
	)
	if event.WorkerID != "" {
		attrs = append(attrs, slog.String("worker_id", event.WorkerID))
	}
	for k, v := range event.Meta {
		attrs = append(attrs, slog.Any(k, v))
	}

	switch {
	case event.Meta["error"] != nil:
		l.logger.Error(event.Msg, attrs...)
	case isRetryMsg(event.Msg):
		l.logger.Warn(event.Msg, attrs...)
	default:
		l.logger.Info(event.Msg, attrs...)
	}
}

func isRetryMsg(msg string) bool {
	const suffix = "_retry"
	return len(msg) >= len(suffix) && msg[len(msg)-len(suffix):] == suffix
}
