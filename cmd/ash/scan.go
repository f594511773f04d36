package main

import (
	"fmt"

	"github.com/outofoffice3/ash/internal/orchestrator"
	"github.com/outofoffice3/ash/internal/shared"
	"github.com/outofoffice3/ash/pkg/logger"
	"github.com/spf13/cobra"
)

type scanFlags struct {
	sourceDir          string
	outputDir          string
	configPath         string
	scanners           []string
	excludeScanners    []string
	strategy           string
	phases             []string
	logLevel           string
	verbose            bool
	debug              bool
	color              string
	simple             bool
	progress           bool
	cleanup            bool
	failOnFindings     bool
	ignoreSuppressions bool
	existingResults    string
}

// addCommon registers the flags shared by scan and report.
func (f *scanFlags) addCommon(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.sourceDir, "source-dir", ".", "Directory to scan")
	flags.StringVar(&f.outputDir, "output-dir", "", "Output directory (default <source-dir>/"+shared.DefaultOutputDir+")")
	flags.StringVarP(&f.configPath, "config", "c", "", "Path to an ASH config file")
	flags.StringVar(&f.logLevel, "log-level", "INFO", "Log level: TRACE, DEBUG, VERBOSE, INFO, WARNING, ERROR, CRITICAL")
	flags.BoolVarP(&f.verbose, "verbose", "v", false, "Shorthand for --log-level VERBOSE")
	flags.BoolVarP(&f.debug, "debug", "d", false, "Shorthand for --log-level DEBUG")
	flags.StringVar(&f.color, "color", string(logger.ColorAuto), "Colour console output: auto, always or never")
	flags.BoolVar(&f.simple, "simple", false, "Print only level and message on the console")
	flags.BoolVar(&f.failOnFindings, "fail-on-findings", true, "Exit with code 2 when actionable findings exist")
	flags.StringVar(&f.existingResults, "existing-results", "", "Report on a saved aggregated results file instead of scanning")

	_ = cmd.MarkFlagDirname("source-dir")
	_ = cmd.MarkFlagDirname("output-dir")
	_ = cmd.MarkFlagFilename("config", "yaml", "yml", "json")
}

func (f *scanFlags) level() string {
	switch {
	case f.debug:
		return logger.DebugLevel.String()
	case f.verbose:
		return logger.VerboseLevel.String()
	}
	return f.logLevel
}

func (f *scanFlags) options(cmd *cobra.Command) orchestrator.Options {
	opts := orchestrator.Options{
		SourceDir:          f.sourceDir,
		OutputDir:          f.outputDir,
		ConfigPath:         f.configPath,
		Scanners:           f.scanners,
		ExcludeScanners:    f.excludeScanners,
		Strategy:           shared.ExecutionStrategy(f.strategy),
		LogLevel:           f.level(),
		Color:              logger.ColorMode(f.color),
		Simple:             f.simple,
		ShowProgress:       f.progress,
		Cleanup:            f.cleanup,
		IgnoreSuppressions: f.ignoreSuppressions,
		ExistingResults:    f.existingResults,
		Console:            cmd.ErrOrStderr(),
	}
	for _, p := range f.phases {
		opts.Phases = append(opts.Phases, shared.Phase(p))
	}
	if cmd.Flags().Changed("fail-on-findings") {
		opts.FailOnFindings = &f.failOnFindings
	}
	return opts
}

func newScanCmd() *cobra.Command {
	return scanCommand(&scanFlags{})
}

func scanCommand(f *scanFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan a source directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrchestrator(cmd, f.options(cmd))
		},
	}
	f.addCommon(cmd)
	flags := cmd.Flags()
	flags.StringSliceVar(&f.scanners, "scanners", nil, "Only run these scanners, even if disabled in the config")
	flags.StringSliceVar(&f.excludeScanners, "exclude-scanners", nil, "Never run these scanners")
	flags.StringVar(&f.strategy, "strategy", "", "Execution strategy: parallel or sequential")
	flags.StringSliceVar(&f.phases, "phases", nil, "Phases to run: convert, scan, report")
	flags.BoolVar(&f.progress, "progress", false, "Show a progress bar while scanning")
	flags.BoolVar(&f.cleanup, "cleanup", false, "Remove the work directory after the scan")
	flags.BoolVar(&f.ignoreSuppressions, "ignore-suppressions", false, "Report suppressed findings as actionable")
	return cmd
}

func newReportCmd() *cobra.Command {
	f := &scanFlags{}
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Regenerate reports from saved results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := f.options(cmd)
			opts.Phases = []shared.Phase{shared.PhaseReport}
			return runOrchestrator(cmd, opts)
		},
	}
	f.addCommon(cmd)
	return cmd
}

func runOrchestrator(cmd *cobra.Command, opts orchestrator.Options) error {
	o, err := orchestrator.New(opts)
	if err != nil {
		return err
	}
	res, err := o.Execute(cmd.Context())
	if err != nil {
		return shared.ExitError{Code: orchestrator.ExitError, Message: fmt.Sprintf("Error: %v", err)}
	}
	switch code := orchestrator.ExitCode(res, o.Config()); code {
	case orchestrator.ExitOK:
		return nil
	case orchestrator.ExitFindings:
		return shared.ExitError{Code: code, Message: fmt.Sprintf("%d actionable findings", res.Metadata.SummaryStats.Actionable)}
	default:
		return shared.ExitError{Code: code}
	}
}
