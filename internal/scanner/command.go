package scanner

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/outofoffice3/ash/internal/cache"
	"github.com/outofoffice3/ash/internal/metricmgr"
	"github.com/outofoffice3/ash/internal/sarif"
	"github.com/outofoffice3/ash/internal/shared"
	"github.com/outofoffice3/ash/pkg/logger"
	"github.com/pkg/errors"
)

// ResultsFileName is the SARIF file a command scanner writes per target.
const ResultsFileName = "results.sarif"

var versionPattern = regexp.MustCompile(`\d+\.\d+(\.\d+)?([-+][0-9A-Za-z.-]+)?`)

// CommandOptions are the options every command scanner accepts.
type CommandOptions struct {
	Binary     string        `mapstructure:"binary"`
	MinVersion string        `mapstructure:"min_version"`
	ExtraArgs  []string      `mapstructure:"extra_args"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Invocation describes where a command scanner writes for one target.
type Invocation struct {
	Target      Target
	OutputDir   string
	ResultsFile string
}

// CommandSpec describes how to run one external tool.
type CommandSpec struct {
	Name        string
	Type        shared.ScannerType
	Binary      string
	VersionArgs []string
	// Args builds the tool arguments for one invocation.
	Args func(inv Invocation) []string
	// ResultsPath locates the SARIF file after the run. Defaults to inv.ResultsFile.
	ResultsPath func(inv Invocation) string
	// OkExitCodes are exit codes that mean the tool ran, typically "findings found".
	OkExitCodes []int
}

// CommandScanner runs an external tool that emits SARIF.
type CommandScanner struct {
	spec CommandSpec
	opts CommandOptions
	env  Env
	log  *logger.Logger

	once  sync.Once
	avail Availability
}

func NewCommandScanner(spec CommandSpec, opts CommandOptions, env Env) *CommandScanner {
	env = env.withDefaults()
	if opts.Binary != "" {
		spec.Binary = opts.Binary
	}
	if spec.Binary == "" {
		spec.Binary = spec.Name
	}
	if len(spec.VersionArgs) == 0 {
		spec.VersionArgs = []string{"--version"}
	}
	if len(spec.OkExitCodes) == 0 {
		spec.OkExitCodes = []int{0}
	}
	return &CommandScanner{spec: spec, opts: opts, env: env, log: env.Log.Named(spec.Name)}
}

func (s *CommandScanner) Name() string { return s.spec.Name }

func (s *CommandScanner) Type() shared.ScannerType { return s.spec.Type }

// Validate resolves the tool binary, reads its version and checks it against
// min_version. Results are cached per tool and binary path.
func (s *CommandScanner) Validate(ctx context.Context) Availability {
	s.once.Do(func() {
		s.avail = s.validate(ctx)
	})
	return s.avail
}

func (s *CommandScanner) validate(ctx context.Context) Availability {
	path, err := exec.LookPath(s.spec.Binary)
	if err != nil {
		s.log.Verbosef("%s not found on PATH", s.spec.Binary)
		return Availability{Message: "tool " + s.spec.Binary + " not found"}
	}
	key := cache.CacheKey{PK: s.spec.Name, SK: path}
	if status, ok := s.env.Cache.Get(key); ok {
		_ = s.env.Metrics.IncrementMetric(metricmgr.TotalCacheHits, 1)
		return Availability{Available: status.Available, Path: status.Path, Version: status.Version, Message: status.Message}
	}

	avail := Availability{Available: true, Path: path}
	out, err := exec.CommandContext(ctx, path, s.spec.VersionArgs...).CombinedOutput()
	if err != nil {
		s.log.Debugf("%s %s failed: %v", path, strings.Join(s.spec.VersionArgs, " "), err)
	}
	avail.Version = ParseVersion(string(out))

	if s.opts.MinVersion != "" {
		if ok, msg := meetsMinVersion(avail.Version, s.opts.MinVersion); !ok {
			avail.Available = false
			avail.Message = msg
		}
	}
	s.env.Cache.Set(key, cache.ToolStatus{
		Available: avail.Available,
		Path:      avail.Path,
		Version:   avail.Version,
		Message:   avail.Message,
		CheckedAt: time.Now(),
	})
	return avail
}

// ParseVersion extracts the first dotted version number from tool output.
func ParseVersion(out string) string {
	return versionPattern.FindString(out)
}

// meetsMinVersion accepts either a bare version ("1.7") or a constraint (">= 1.7, < 2").
func meetsMinVersion(version, minVersion string) (bool, string) {
	if version == "" {
		return false, "unable to determine tool version"
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, "unparseable tool version " + version
	}
	expr := strings.TrimSpace(minVersion)
	if expr != "" && expr[0] >= '0' && expr[0] <= '9' {
		expr = ">= " + expr
	}
	c, err := semver.NewConstraint(expr)
	if err != nil {
		return false, "invalid min_version " + minVersion
	}
	if !c.Check(v) {
		return false, "tool version " + version + " does not satisfy " + expr
	}
	return true, ""
}

func (s *CommandScanner) Scan(ctx context.Context, target Target) (*sarif.Report, error) {
	avail := s.Validate(ctx)
	if !avail.Available {
		return nil, errors.Wrap(ErrUnavailable, avail.Message)
	}

	inv := Invocation{
		Target:    target,
		OutputDir: filepath.Join(s.env.OutputDir, shared.ScannersDirName, s.spec.Name, target.Name),
	}
	inv.ResultsFile = filepath.Join(inv.OutputDir, ResultsFileName)
	if err := os.MkdirAll(inv.OutputDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating %s", inv.OutputDir)
	}
	args := append(s.spec.Args(inv), s.opts.ExtraArgs...)

	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	tail := &tailBuffer{max: 4096}
	cmd, flush := s.log.Command(ctx, logger.TraceLevel, logger.DebugLevel, avail.Path, args...)
	cmd.Stderr = io.MultiWriter(cmd.Stderr, tail)
	cmd.Dir = target.Dir
	commandLine := strings.Join(append([]string{s.spec.Binary}, args...), " ")

	s.log.Debugf("Running: %s", commandLine)
	start := time.Now()
	runErr := cmd.Run()
	flush()

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return withInvocation(nil, s.spec.Name, commandLine, -1, false), errors.Wrapf(runErr, "running %s", s.spec.Name)
		}
		exitCode = exitErr.ExitCode()
	}
	s.log.Debugf("%s exited with code %d after %s", s.spec.Name, exitCode, time.Since(start).Round(time.Millisecond))
	if ctx.Err() != nil {
		return withInvocation(nil, s.spec.Name, commandLine, exitCode, false), errors.Wrapf(ctx.Err(), "running %s", s.spec.Name)
	}
	if !s.okExit(exitCode) {
		return withInvocation(nil, s.spec.Name, commandLine, exitCode, false), errors.Errorf("%s exited with code %d: %s", s.spec.Name, exitCode, strings.TrimSpace(tail.String()))
	}

	resultsPath := inv.ResultsFile
	if s.spec.ResultsPath != nil {
		resultsPath = s.spec.ResultsPath(inv)
	}
	report, err := sarif.ParseFile(resultsPath)
	if err != nil {
		return withInvocation(nil, s.spec.Name, commandLine, exitCode, false), err
	}
	// tools walk Dir on their own and may not honour every exclude
	if n := sarif.DropExcluded(report, target.Dir, target.Excluded); n > 0 {
		s.log.Debugf("Dropped %d %s results outside the scan set", n, s.spec.Name)
	}
	return withInvocation(report, s.spec.Name, commandLine, exitCode, true), nil
}

func (s *CommandScanner) okExit(code int) bool {
	for _, ok := range s.spec.OkExitCodes {
		if ok == code {
			return true
		}
	}
	return false
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
