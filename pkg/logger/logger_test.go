package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestGetLoggerAttachesConsoleOnce(t *testing.T) {
	assertion := assert.New(t)
	buf := &bytes.Buffer{}

	first := GetLogger("idempotent", WithWriter(buf), WithColor(ColorNever))
	second := GetLogger("idempotent", WithWriter(buf), WithColor(ColorNever))
	third := GetLogger("idempotent")

	assertion.Same(first, second)
	assertion.Same(first, third)
	assertion.True(first.ConsoleAttached())

	first.Infof("hello once")
	assertion.Equal(1, strings.Count(buf.String(), "hello once"))
}

func TestLevelIsLastRequested(t *testing.T) {
	assertion := assert.New(t)
	buf := &bytes.Buffer{}

	l := GetLogger("levels", WithWriter(buf), WithColor(ColorNever), WithLevel(DebugLevel))
	assertion.Equal(DebugLevel, l.Level())

	// no explicit level leaves it untouched
	GetLogger("levels")
	assertion.Equal(DebugLevel, l.Level())

	GetLogger("levels", WithLevel(WarningLevel))
	assertion.Equal(WarningLevel, l.Level())

	buf.Reset()
	l.Infof("should not appear")
	l.Warnf("should appear")
	assertion.NotContains(buf.String(), "should not appear")
	assertion.Contains(buf.String(), "should appear")
}

func TestConsoleFormat(t *testing.T) {
	assertion := assert.New(t)
	buf := &bytes.Buffer{}

	l := GetLogger("format", WithWriter(buf), WithColor(ColorNever))
	l.Infof("hello %s", "world")

	pattern := regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2},\d{3} - format - INFO - hello world\n$`)
	assertion.Regexp(pattern, buf.String())
}

func TestConsoleFields(t *testing.T) {
	assertion := assert.New(t)
	buf := &bytes.Buffer{}

	l := GetLogger("fields", WithWriter(buf), WithColor(ColorNever))
	l.With(zap.String("scanner", "bandit")).Log(InfoLevel, "scanning", zap.Int("files", 3))

	assertion.Contains(buf.String(), `INFO - scanning {"scanner":"bandit","files":3}`)
}

func TestSimpleFormat(t *testing.T) {
	assertion := assert.New(t)
	buf := &bytes.Buffer{}

	l := GetLogger("simple", WithWriter(buf), WithColor(ColorNever), WithSimpleFormat(true))
	l.Warnf("careful")
	assertion.Equal("WARNING - careful\n", buf.String())
}

func TestCustomLevels(t *testing.T) {
	assertion := assert.New(t)
	buf := &bytes.Buffer{}

	l := GetLogger("custom", WithWriter(buf), WithColor(ColorNever), WithLevel(TraceLevel))
	buf.Reset()

	l.Tracef("t")
	l.Verbosef("v")
	l.Criticalf("c")

	out := buf.String()
	assertion.Contains(out, " - TRACE - t")
	assertion.Contains(out, " - VERBOSE - v")
	assertion.Contains(out, " - CRITICAL - c")

	l.SetLevel(InfoLevel)
	buf.Reset()
	l.Verbosef("hidden")
	assertion.Empty(buf.String())
	assertion.False(l.Enabled(TraceLevel))
}

func TestColouredLevel(t *testing.T) {
	assertion := assert.New(t)
	buf := &bytes.Buffer{}

	l := GetLogger("colour", WithWriter(buf), WithColor(ColorAlways))
	l.Errorf("boom")
	assertion.Contains(buf.String(), "\x1b[")
	assertion.Contains(buf.String(), "ERROR")
}

func TestFileSinks(t *testing.T) {
	assertion := assert.New(t)
	dir := t.TempDir()

	l := GetLogger("filesink", WithWriter(io.Discard), WithOutputDir(dir), WithLogFormat(Both))
	defer l.Close()

	// asking again for the same directory must not duplicate the sinks
	GetLogger("filesink", WithOutputDir(dir), WithLogFormat(Both))
	assertion.Equal([]string{
		filepath.Join(dir, "filesink.log"),
		filepath.Join(dir, "filesink.log.jsonl"),
	}, l.FileSinks())

	l.Infof("to file")
	l.Debugf("debug reaches files")
	assertion.NoError(l.Sync())

	jsonl, err := os.ReadFile(filepath.Join(dir, "filesink.log.jsonl"))
	assertion.NoError(err)
	var record map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(string(jsonl)), "\n") {
		entry := map[string]interface{}{}
		assertion.NoError(json.Unmarshal([]byte(line), &entry))
		if entry["message"] == "to file" {
			record = entry
		}
	}
	if assertion.NotNil(record) {
		assertion.Equal("INFO", record["level"])
		assertion.Equal("filesink", record["loggerName"])
		assertion.Equal(float64(os.Getpid()), record["processID"])
		assertion.Contains(record["caller"], "logger_test.go:")
		assertion.NotEmpty(record["timestamp"])
	}

	tab, err := os.ReadFile(filepath.Join(dir, "filesink.log"))
	assertion.NoError(err)
	assertion.Regexp(regexp.MustCompile(`(?m)^\S+\tINFO\tlogger/logger_test\.go:\d+\tto file$`), string(tab))
	assertion.Contains(string(tab), "\tDEBUG\t")
}

func TestJSONLOnly(t *testing.T) {
	assertion := assert.New(t)
	dir := t.TempDir()

	l := GetLogger("jsonl-only", WithWriter(io.Discard), WithOutputDir(dir), WithLogFormat(JSONL))
	defer l.Close()

	assertion.FileExists(filepath.Join(dir, "jsonl-only.log.jsonl"))
	assertion.NoFileExists(filepath.Join(dir, "jsonl-only.log"))
}

func TestSafeMode(t *testing.T) {
	assertion := assert.New(t)
	buf := &bytes.Buffer{}

	l := GetLogger("safe", WithWriter(buf), WithColor(ColorNever), WithSafeMode(true))
	l.Infof("done ✅ → next ⚠️")
	assertion.Contains(buf.String(), "done [OK] -> next [WARNING]")
}

func TestMakeSafe(t *testing.T) {
	assertion := assert.New(t)
	assertion.Equal("[SCAN] scanning [FILE] a.py", MakeSafe("🔎 scanning 📄 a.py"))
	assertion.Equal("plain ascii", MakeSafe("plain ascii"))
}

func TestShowProgressDefersConsole(t *testing.T) {
	assertion := assert.New(t)
	buf := &bytes.Buffer{}

	l := GetLogger("progress", WithShowProgress(true), WithWriter(buf))
	assertion.False(l.ConsoleAttached())

	GetLogger("progress", WithWriter(buf), WithColor(ColorNever))
	assertion.True(l.ConsoleAttached())
}

func TestNamedChild(t *testing.T) {
	assertion := assert.New(t)
	buf := &bytes.Buffer{}

	parent := GetLogger("parent", WithWriter(buf), WithColor(ColorNever))
	child := parent.Named("scanner")
	child.Infof("from child")

	assertion.Contains(buf.String(), " - parent.scanner - INFO - from child")

	// child follows the parent level
	parent.SetLevel(ErrorLevel)
	buf.Reset()
	child.Infof("quiet")
	assertion.Empty(buf.String())
}

func TestWriterSplitsLines(t *testing.T) {
	assertion := assert.New(t)
	buf := &bytes.Buffer{}

	l := GetLogger("lines", WithWriter(buf), WithColor(ColorNever), WithSimpleFormat(true))
	w := l.Writer(InfoLevel)
	_, err := w.Write([]byte("first\nsec"))
	assertion.NoError(err)
	_, err = w.Write([]byte("ond\r\n\nthird"))
	assertion.NoError(err)
	assertion.NoError(w.Close())

	assertion.Equal("INFO - first\nINFO - second\nINFO - third\n", buf.String())
}

func TestConcurrentGetLogger(t *testing.T) {
	assertion := assert.New(t)
	buf := &safeBuffer{}

	wg := sync.WaitGroup{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			GetLogger("concurrent", WithWriter(buf), WithColor(ColorNever)).Infof("line")
		}()
	}
	wg.Wait()

	assertion.Equal(50, strings.Count(buf.String(), "INFO - line"))
}

func TestDefaultLogger(t *testing.T) {
	assertion := assert.New(t)
	l := Default()
	assertion.Equal(DefaultName, l.Name())
	assertion.Equal(DebugLevel, l.Level())
	assertion.Same(l, Default())
	assertion.Same(l, GetLogger(""))
}

func TestDefaultKeepsConfiguredLevel(t *testing.T) {
	assertion := assert.New(t)
	l := GetLogger(DefaultName, WithWriter(io.Discard))
	prev := l.Level()
	t.Cleanup(func() { l.SetLevel(prev) })
	l.SetLevel(WarningLevel)

	defaultOnce = sync.Once{}
	defaultLogger = nil
	assertion.Same(l, Default())
	assertion.Equal(WarningLevel, l.Level())
}

func TestContext(t *testing.T) {
	assertion := assert.New(t)
	l := GetLogger("ctx", WithWriter(io.Discard))

	ctx := WithContext(context.Background(), l)
	assertion.Same(l, FromContext(ctx))
	assertion.Same(Default(), FromContext(context.Background()))
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestCommandRoutesOutput(t *testing.T) {
	assertion := assert.New(t)
	buf := &safeBuffer{}

	l := GetLogger("command", WithWriter(buf), WithColor(ColorNever), WithLevel(DebugLevel))
	cmd, flush := l.Command(context.Background(), InfoLevel, DebugLevel, "sh", "-c", "echo out; printf err >&2")
	assertion.NoError(cmd.Run())
	flush()

	out := buf.String()
	assertion.Contains(out, " - command.stdout - INFO - out")
	assertion.Contains(out, " - command.stderr - DEBUG - err")
}
