package logger

import (
	"bytes"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

const timeLayout = "2006-01-02 15:04:05,000"

var (
	pool = buffer.NewPool()

	levelColours = map[Level]*color.Color{
		TraceLevel:    color.New(color.FgGreen),
		DebugLevel:    color.New(color.FgBlue),
		VerboseLevel:  color.New(color.FgMagenta),
		InfoLevel:     color.New(color.FgCyan),
		WarningLevel:  color.New(color.FgYellow, color.Bold),
		ErrorLevel:    color.New(color.FgRed, color.Bold),
		CriticalLevel: color.New(color.FgHiRed, color.Bold, color.Underline),
	}
)

// colour decisions are made per encoder, not by the global color.NoColor switch
func init() {
	for _, c := range levelColours {
		c.EnableColor()
	}
}

// consoleEncoder renders `timestamp - name - level - message` lines. Structured
// fields are appended as a compact JSON object.
type consoleEncoder struct {
	zapcore.Encoder
	colour bool
	simple bool
}

func newConsoleEncoder(colour, simple bool) *consoleEncoder {
	return &consoleEncoder{
		Encoder: zapcore.NewJSONEncoder(zapcore.EncoderConfig{
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
		}),
		colour: colour,
		simple: simple,
	}
}

func (enc *consoleEncoder) Clone() zapcore.Encoder {
	return &consoleEncoder{
		Encoder: enc.Encoder.Clone(),
		colour:  enc.colour,
		simple:  enc.simple,
	}
}

func (enc *consoleEncoder) levelText(l zapcore.Level) string {
	lvl := fromZap(l)
	if !enc.colour {
		return lvl.String()
	}
	c := levelColours[lvl]
	if c == nil {
		return lvl.String()
	}
	return c.Sprint(lvl.String())
}

func (enc *consoleEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	line := pool.Get()

	if !enc.simple {
		line.AppendString(ent.Time.Format(timeLayout))
		line.AppendString(" - ")
		line.AppendString(ent.LoggerName)
		line.AppendString(" - ")
	}
	line.AppendString(enc.levelText(ent.Level))
	line.AppendString(" - ")
	line.AppendString(ent.Message)

	// the embedded JSON encoder carries context fields, render them with the entry fields
	rendered, err := enc.Encoder.EncodeEntry(zapcore.Entry{}, fields)
	if err != nil {
		line.Free()
		return nil, err
	}
	extra := bytes.TrimSpace(rendered.Bytes())
	if len(extra) > 2 {
		line.AppendByte(' ')
		_, _ = line.Write(extra)
	}
	rendered.Free()

	if ent.Stack != "" {
		line.AppendByte('\n')
		line.AppendString(ent.Stack)
	}
	line.AppendByte('\n')
	return line, nil
}

// fileEncoderConfig is shared by the JSONL and tabular file sinks.
func fileEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:          "timestamp",
		LevelKey:         "level",
		NameKey:          "loggerName",
		CallerKey:        "caller",
		MessageKey:       "message",
		StacktraceKey:    "stack_info",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      encodeLevel,
		EncodeTime:       fileTimeEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeCaller:     zapcore.ShortCallerEncoder,
		EncodeName:       zapcore.FullNameEncoder,
		ConsoleSeparator: "\t",
	}
}

func fileTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02T15:04:05.000Z07:00"))
}

func jsonlEncoder() zapcore.Encoder {
	return zapcore.NewJSONEncoder(fileEncoderConfig())
}

func tabularEncoder() zapcore.Encoder {
	cfg := fileEncoderConfig()
	cfg.NameKey = ""
	return zapcore.NewConsoleEncoder(cfg)
}
