// Package logger is the ASH logger factory. Loggers are looked up by name in a
// process-wide registry and write through zap cores: one console sink on
// stderr and optional JSONL / tabular file sinks.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

const DefaultName = "ash"

type LogFormat string

const (
	JSONL   LogFormat = "JSONL"
	Tabular LogFormat = "TABULAR"
	Both    LogFormat = "BOTH"
)

type ColorMode string

const (
	ColorAuto   ColorMode = "auto"
	ColorAlways ColorMode = "always"
	ColorNever  ColorMode = "never"
)

type options struct {
	level        *Level
	outputDir    string
	format       LogFormat
	colour       ColorMode
	simple       bool
	showProgress bool
	writer       io.Writer
	safe         *bool
}

type Option func(*options)

// WithLevel sets the logger level. It is the only option that changes the
// level of an existing logger.
func WithLevel(l Level) Option {
	return func(o *options) { o.level = &l }
}

// WithOutputDir attaches file sinks under dir.
func WithOutputDir(dir string) Option {
	return func(o *options) { o.outputDir = dir }
}

func WithLogFormat(f LogFormat) Option {
	return func(o *options) { o.format = f }
}

func WithColor(c ColorMode) Option {
	return func(o *options) { o.colour = c }
}

func WithSimpleFormat(simple bool) Option {
	return func(o *options) { o.simple = simple }
}

// WithShowProgress defers the console sink while a progress bar owns the terminal.
func WithShowProgress(show bool) Option {
	return func(o *options) { o.showProgress = show }
}

// WithWriter replaces stderr as the console destination.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

func WithSafeMode(safe bool) Option {
	return func(o *options) { o.safe = &safe }
}

// sinkSet is the state shared by a named logger and the children derived from it.
type sinkSet struct {
	name    string
	level   zap.AtomicLevel
	safe    *atomic.Bool
	version *atomic.Uint64

	mu      sync.RWMutex
	console zapcore.Core
	files   map[string]zapcore.Core
	closers map[string]io.Closer
	zl      *zap.Logger
}

// Logger is a named ASH logger.
type Logger struct {
	sinks *sinkSet

	derive   func(*zap.Logger) *zap.Logger
	cacheMu  sync.Mutex
	cacheVer uint64
	cache    *zap.Logger
}

var registry = struct {
	sync.Mutex
	loggers map[string]*Logger
}{loggers: map[string]*Logger{}}

var (
	defaultOnce   sync.Once
	defaultLogger *Logger
)

// Default returns the module-level "ash" logger. It is created at DEBUG
// level unless it was already configured.
func Default() *Logger {
	defaultOnce.Do(func() {
		registry.Lock()
		l, ok := registry.loggers[DefaultName]
		registry.Unlock()
		if ok {
			defaultLogger = l
			return
		}
		defaultLogger = GetLogger(DefaultName, WithLevel(DebugLevel))
	})
	return defaultLogger
}

// GetLogger looks up or creates the named logger, applies opts and attaches a
// console sink if none is attached yet.
func GetLogger(name string, opts ...Option) *Logger {
	o := options{
		format: Tabular,
		colour: ColorAuto,
		writer: os.Stderr,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if name == "" {
		name = DefaultName
	}

	registry.Lock()
	l, existed := registry.loggers[name]
	if !existed {
		l = &Logger{sinks: newSinkSet(name)}
		registry.loggers[name] = l
	}
	registry.Unlock()

	openErrs := l.sinks.configure(o)
	if !existed {
		l.Verbosef("Logger initialized: %s", name)
	}
	if o.level != nil {
		l.Verbosef("Log level set to: %s", *o.level)
	}
	for path, err := range openErrs {
		l.Warnf("unable to open log file %s: %v", path, err)
	}
	return l
}

func newSinkSet(name string) *sinkSet {
	s := &sinkSet{
		name:    name,
		level:   zap.NewAtomicLevelAt(InfoLevel.zapLevel()),
		safe:    atomic.NewBool(detectSafeMode()),
		version: atomic.NewUint64(0),
		files:   map[string]zapcore.Core{},
		closers: map[string]io.Closer{},
	}
	s.rebuild()
	return s
}

func (s *sinkSet) configure(o options) map[string]error {
	if o.level != nil {
		s.level.SetLevel(o.level.zapLevel())
	}
	if o.safe != nil {
		s.safe.Store(*o.safe)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	if s.console == nil && !o.showProgress {
		enc := newConsoleEncoder(useColour(o.colour, o.writer), o.simple)
		s.console = zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(o.writer)), s.level)
		changed = true
	}

	errs := map[string]error{}
	if o.outputDir != "" {
		if o.format == JSONL || o.format == Both {
			path := filepath.Join(o.outputDir, s.name+".log.jsonl")
			if err := s.addFile(path, jsonlEncoder(), zap.Int("processID", os.Getpid())); err != nil {
				errs[path] = err
			} else {
				changed = true
			}
		}
		if o.format == Tabular || o.format == Both {
			path := filepath.Join(o.outputDir, s.name+".log")
			if err := s.addFile(path, tabularEncoder()); err != nil {
				errs[path] = err
			} else {
				changed = true
			}
		}
	}

	if changed {
		s.rebuild()
	}
	return errs
}

// file sinks record DEBUG and above whatever the console level is
var fileEnabler = zap.LevelEnablerFunc(func(l zapcore.Level) bool {
	return l >= DebugLevel.zapLevel()
})

func (s *sinkSet) addFile(path string, enc zapcore.Encoder, fields ...zap.Field) error {
	if _, ok := s.files[path]; ok {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	core := zapcore.NewCore(enc, zapcore.Lock(f), fileEnabler)
	if len(fields) > 0 {
		core = core.With(fields)
	}
	s.files[path] = core
	s.closers[path] = f
	return nil
}

// rebuild must be called with mu held (or before the set is shared).
func (s *sinkSet) rebuild() {
	cores := make([]zapcore.Core, 0, len(s.files)+1)
	if s.console != nil {
		cores = append(cores, s.console)
	}
	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		cores = append(cores, s.files[p])
	}
	s.zl = zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(3)).Named(s.name)
	s.version.Inc()
}

func (s *sinkSet) snapshot() (*zap.Logger, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.zl, s.version.Load()
}

func useColour(mode ColorMode, w io.Writer) bool {
	switch mode {
	case ColorAlways:
		return true
	case ColorNever:
		return false
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (l *Logger) zap() *zap.Logger {
	zl, ver := l.sinks.snapshot()
	if l.derive == nil {
		return zl
	}
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	if l.cache == nil || l.cacheVer != ver {
		l.cache = l.derive(zl)
		l.cacheVer = ver
	}
	return l.cache
}

func (l *Logger) log(lvl Level, msg string, fields ...zap.Field) {
	if l.sinks.safe.Load() {
		msg = MakeSafe(msg)
	}
	if ce := l.zap().Check(lvl.zapLevel(), msg); ce != nil {
		ce.Write(fields...)
	}
}

func (l *Logger) logf(lvl Level, format string, args ...interface{}) {
	if !l.Enabled(lvl) {
		return
	}
	l.log(lvl, fmt.Sprintf(format, args...))
}

func (l *Logger) Name() string { return l.sinks.name }

// Level returns the last explicitly requested level.
func (l *Logger) Level() Level { return fromZap(l.sinks.level.Level()) }

func (l *Logger) SetLevel(lvl Level) { l.sinks.level.SetLevel(lvl.zapLevel()) }

// Enabled reports whether any sink records lvl.
func (l *Logger) Enabled(lvl Level) bool {
	return l.zap().Core().Enabled(lvl.zapLevel())
}

// ConsoleAttached reports whether the console sink is in place.
func (l *Logger) ConsoleAttached() bool {
	l.sinks.mu.RLock()
	defer l.sinks.mu.RUnlock()
	return l.sinks.console != nil
}

// FileSinks returns the paths of the attached log files.
func (l *Logger) FileSinks() []string {
	l.sinks.mu.RLock()
	defer l.sinks.mu.RUnlock()
	paths := make([]string, 0, len(l.sinks.files))
	for p := range l.sinks.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Named returns a child logger whose records carry name.sub. The child shares
// level and sinks with its parent.
func (l *Logger) Named(sub string) *Logger {
	parent := l.derive
	return &Logger{sinks: l.sinks, derive: func(zl *zap.Logger) *zap.Logger {
		if parent != nil {
			zl = parent(zl)
		}
		return zl.Named(sub)
	}}
}

// With returns a child logger that adds fields to every record.
func (l *Logger) With(fields ...zap.Field) *Logger {
	parent := l.derive
	return &Logger{sinks: l.sinks, derive: func(zl *zap.Logger) *zap.Logger {
		if parent != nil {
			zl = parent(zl)
		}
		return zl.With(fields...)
	}}
}

// Zap exposes the underlying zap logger for libraries that want one.
func (l *Logger) Zap() *zap.Logger {
	return l.zap().WithOptions(zap.AddCallerSkip(-3))
}

// Log writes msg with structured fields at lvl.
func (l *Logger) Log(lvl Level, msg string, fields ...zap.Field) { l.logFields(lvl, msg, fields...) }

// logFields keeps Log at the same call depth as the formatted helpers.
func (l *Logger) logFields(lvl Level, msg string, fields ...zap.Field) {
	l.log(lvl, msg, fields...)
}

func (l *Logger) Tracef(format string, args ...interface{})    { l.logf(TraceLevel, format, args...) }
func (l *Logger) Debugf(format string, args ...interface{})    { l.logf(DebugLevel, format, args...) }
func (l *Logger) Verbosef(format string, args ...interface{})  { l.logf(VerboseLevel, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})     { l.logf(InfoLevel, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})     { l.logf(WarningLevel, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{})    { l.logf(ErrorLevel, format, args...) }
func (l *Logger) Criticalf(format string, args ...interface{}) { l.logf(CriticalLevel, format, args...) }

// Sync flushes every sink.
func (l *Logger) Sync() error {
	return l.zap().Sync()
}

// Close flushes and closes the file sinks. The console sink stays attached.
func (l *Logger) Close() error {
	s := l.sinks
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for path, c := range s.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.closers, path)
		delete(s.files, path)
	}
	s.rebuild()
	return firstErr
}
