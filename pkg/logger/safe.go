package logger

import (
	"os"
	"runtime"
	"sort"
	"strings"
)

var ciIndicators = []string{
	"CI",
	"GITHUB_ACTIONS",
	"AZURE_PIPELINES",
	"JENKINS_URL",
	"BUILDKITE",
	"CIRCLECI",
	"TRAVIS",
	"APPVEYOR",
}

var emojiFallback = map[string]string{
	"✅":  "[OK]",
	"🔴":  "[ERROR]",
	"⚠️": "[WARNING]",
	"🚀":  "[INFO]",
	"📁":  "[FOLDER]",
	"📄":  "[FILE]",
	"🔍":  "[SEARCH]",
	"💾":  "[SAVE]",
	"🔧":  "[CONFIG]",
	"📊":  "[STATS]",
	"🎯":  "[TARGET]",
	"⏱️": "[TIME]",
	"🔒":  "[SECURE]",
	"🔓":  "[INSECURE]",
	"📝":  "[NOTE]",
	"❌":  "[FAIL]",
	"✨":  "[SUCCESS]",
	"🛡️": "[SECURITY]",
	"🔎":  "[SCAN]",
	"📋":  "[LIST]",
	"⭐":  "[STAR]",
	"🎉":  "[CELEBRATE]",
	"🚨":  "[ALERT]",
	"💡":  "[TIP]",
	"🔄":  "[REFRESH]",
	"📈":  "[PROGRESS]",
	"🏁":  "[FINISH]",
	"🔗":  "[LINK]",
	"📦":  "[PACKAGE]",
	"🌟":  "[FEATURE]",
	"🧪":  "[TEST]",
	"🔥":  "[HOT]",
	"⚠":  "[WARNING]",
	"✓":  "[CHECK]",
	"✗":  "[X]",
	"→":  "->",
	"←":  "<-",
	"↑":  "^",
	"↓":  "v",
}

// replacer is built longest-key first so multi-rune emoji win over their prefixes
var safeReplacer = func() *strings.Replacer {
	keys := make([]string, 0, len(emojiFallback))
	for k := range emojiFallback {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) == len(keys[j]) {
			return keys[i] < keys[j]
		}
		return len(keys[i]) > len(keys[j])
	})
	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs, k, emojiFallback[k])
	}
	return strings.NewReplacer(pairs...)
}()

// MakeSafe replaces emoji and arrow symbols with ASCII tags.
func MakeSafe(msg string) string {
	return safeReplacer.Replace(msg)
}

// detectSafeMode reports whether console output should avoid non-ASCII symbols.
func detectSafeMode() bool {
	if runtime.GOOS != "windows" {
		return false
	}
	for _, env := range ciIndicators {
		if _, ok := os.LookupEnv(env); ok {
			return true
		}
	}
	return false
}
