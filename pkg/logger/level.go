package logger

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
)

// Level is an ASH log level. TRACE and VERBOSE sit below DEBUG and between
// DEBUG and INFO respectively.
type Level int8

const (
	TraceLevel Level = iota - 3
	DebugLevel
	VerboseLevel
	InfoLevel
	WarningLevel
	ErrorLevel
	CriticalLevel
)

var levelNames = map[Level]string{
	TraceLevel:    "TRACE",
	DebugLevel:    "DEBUG",
	VerboseLevel:  "VERBOSE",
	InfoLevel:     "INFO",
	WarningLevel:  "WARNING",
	ErrorLevel:    "ERROR",
	CriticalLevel: "CRITICAL",
}

// numeric values used by the python-style level constants
var levelNumbers = map[int]Level{
	5:  TraceLevel,
	10: DebugLevel,
	15: VerboseLevel,
	20: InfoLevel,
	30: WarningLevel,
	40: ErrorLevel,
	50: CriticalLevel,
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "LEVEL(" + strconv.Itoa(int(l)) + ")"
}

// Number returns the conventional numeric value for the level (TRACE=5 ... CRITICAL=50).
func (l Level) Number() int {
	for n, lvl := range levelNumbers {
		if lvl == l {
			return n
		}
	}
	return 0
}

func (l Level) zapLevel() zapcore.Level {
	return zapcore.Level(l)
}

func fromZap(l zapcore.Level) Level {
	switch {
	case l < zapcore.Level(TraceLevel):
		return TraceLevel
	case l > zapcore.Level(CriticalLevel):
		return CriticalLevel
	}
	return Level(l)
}

// ParseLevel accepts level names (case-insensitive, WARN is an alias of
// WARNING) and the numeric values 5, 10, 15, 20, 30, 40 and 50.
func ParseLevel(s string) (Level, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		if lvl, ok := levelNumbers[n]; ok {
			return lvl, nil
		}
		return InfoLevel, errors.Errorf("unknown log level number [%d]", n)
	}
	if s == "WARN" {
		return WarningLevel, nil
	}
	for lvl, name := range levelNames {
		if name == s {
			return lvl, nil
		}
	}
	return InfoLevel, errors.Errorf("unknown log level [%s]", s)
}

// encodeLevel writes the ASH level name instead of zap's own names.
func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(fromZap(l).String())
}
