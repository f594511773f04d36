package logger

import (
	"context"
	"os/exec"
)

// Command builds a command whose stdout and stderr are logged line by line by
// the "stdout" and "stderr" children of l. Call flush after the command exits
// to log any trailing partial line.
func (l *Logger) Command(ctx context.Context, stdoutLevel, stderrLevel Level, name string, args ...string) (cmd *exec.Cmd, flush func()) {
	stdout := l.Named("stdout").Writer(stdoutLevel)
	stderr := l.Named("stderr").Writer(stderrLevel)
	cmd = exec.CommandContext(ctx, name, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd, func() {
		stdout.Close()
		stderr.Close()
	}
}
