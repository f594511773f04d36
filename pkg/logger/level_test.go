package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assertion := assert.New(t)

	cases := map[string]Level{
		"trace":    TraceLevel,
		"DEBUG":    DebugLevel,
		"Verbose":  VerboseLevel,
		"info":     InfoLevel,
		"warn":     WarningLevel,
		"WARNING":  WarningLevel,
		"error":    ErrorLevel,
		"CRITICAL": CriticalLevel,
		"5":        TraceLevel,
		"15":       VerboseLevel,
		" 50 ":     CriticalLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		assertion.NoError(err, in)
		assertion.Equal(want, got, in)
	}

	_, err := ParseLevel("loud")
	assertion.Error(err)
	_, err = ParseLevel("25")
	assertion.Error(err)
}

func TestLevelOrdering(t *testing.T) {
	assertion := assert.New(t)
	assertion.True(TraceLevel < DebugLevel)
	assertion.True(DebugLevel < VerboseLevel)
	assertion.True(VerboseLevel < InfoLevel)
	assertion.Equal(zapcore.InfoLevel, InfoLevel.zapLevel())
	assertion.Equal(zapcore.WarnLevel, WarningLevel.zapLevel())
	assertion.Equal(zapcore.ErrorLevel, ErrorLevel.zapLevel())
}

func TestLevelNumbers(t *testing.T) {
	assertion := assert.New(t)
	assertion.Equal(5, TraceLevel.Number())
	assertion.Equal(15, VerboseLevel.Number())
	assertion.Equal(50, CriticalLevel.Number())
	assertion.Equal("VERBOSE", VerboseLevel.String())
	assertion.Equal("LEVEL(7)", Level(7).String())
}
