package logger

import (
	"bytes"
	"context"
	"sync"
)

type contextKey string

var logKey contextKey = "ash-logger"

// FromContext returns the logger stored in ctx, or the default logger.
func FromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if l, ok := ctx.Value(logKey).(*Logger); ok {
			return l
		}
	}
	return Default()
}

func WithContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, logKey, l)
}

// LineWriter turns subprocess output into one record per line.
type LineWriter struct {
	mu      sync.Mutex
	logger  *Logger
	level   Level
	pending []byte
}

// Writer returns a LineWriter that logs each line written to it at lvl.
// Close flushes a trailing partial line.
func (l *Logger) Writer(lvl Level) *LineWriter {
	return &LineWriter{logger: l, level: lvl}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(w.pending[:i], "\r")
		if len(line) != 0 {
			w.logger.log(w.level, string(line))
		}
		w.pending = w.pending[i+1:]
	}
	return len(p), nil
}

func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) != 0 {
		w.logger.log(w.level, string(w.pending))
		w.pending = nil
	}
	return nil
}
