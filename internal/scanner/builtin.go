package scanner

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/outofoffice3/ash/internal/config"
	"github.com/outofoffice3/ash/internal/shared"
	"github.com/pkg/errors"
)

type semgrepOptions struct {
	CommandOptions `mapstructure:",squash"`
	Config         string `mapstructure:"config"`
}

type checkovOptions struct {
	CommandOptions `mapstructure:",squash"`
	Frameworks     []string `mapstructure:"frameworks"`
}

// CustomOptions define a scanner entirely from configuration. Command holds
// the binary and its arguments; {target}, {output} and {output_dir} are
// replaced per invocation.
type CustomOptions struct {
	CommandOptions `mapstructure:",squash"`
	Command        []string `mapstructure:"command"`
	Type           string   `mapstructure:"type"`
	OkExitCodes    []int    `mapstructure:"ok_exit_codes"`
	VersionArgs    []string `mapstructure:"version_args"`
}

func decode(name string, cfg config.PluginConfig, out interface{}) error {
	return errors.Wrapf(config.DecodeOptions(cfg, out), "scanner [%s]", name)
}

func newBandit(name string, cfg config.PluginConfig, env Env) (Scanner, error) {
	opts := CommandOptions{}
	if err := decode(name, cfg, &opts); err != nil {
		return nil, err
	}
	return NewCommandScanner(CommandSpec{
		Name:   name,
		Type:   shared.TypeSAST,
		Binary: "bandit",
		Args: func(inv Invocation) []string {
			args := []string{"-r", inv.Target.Dir, "-f", "sarif", "-o", inv.ResultsFile}
			if len(inv.Target.Excluded) > 0 {
				paths := make([]string, len(inv.Target.Excluded))
				for i, e := range inv.Target.Excluded {
					paths[i] = filepath.Join(inv.Target.Dir, filepath.FromSlash(e))
				}
				args = append(args, "--exclude", strings.Join(paths, ","))
			}
			return args
		},
		OkExitCodes: []int{0, 1},
	}, opts, env), nil
}

func newSemgrep(name string, cfg config.PluginConfig, env Env) (Scanner, error) {
	opts := semgrepOptions{Config: "auto"}
	if err := decode(name, cfg, &opts); err != nil {
		return nil, err
	}
	return NewCommandScanner(CommandSpec{
		Name:   name,
		Type:   shared.TypeSAST,
		Binary: "semgrep",
		Args: func(inv Invocation) []string {
			args := []string{"scan", "--sarif", "--output", inv.ResultsFile, "--config", opts.Config}
			for _, e := range inv.Target.Excluded {
				args = append(args, "--exclude", "/"+e)
			}
			return append(args, inv.Target.Dir)
		},
		OkExitCodes: []int{0, 1},
	}, opts.CommandOptions, env), nil
}

func newCheckov(name string, cfg config.PluginConfig, env Env) (Scanner, error) {
	opts := checkovOptions{}
	if err := decode(name, cfg, &opts); err != nil {
		return nil, err
	}
	return NewCommandScanner(CommandSpec{
		Name:   name,
		Type:   shared.TypeIAC,
		Binary: "checkov",
		Args: func(inv Invocation) []string {
			args := []string{"-d", inv.Target.Dir, "-o", "sarif", "--output-file-path", inv.OutputDir}
			if len(opts.Frameworks) > 0 {
				args = append(args, "--framework", strings.Join(opts.Frameworks, ","))
			}
			for _, e := range inv.Target.Excluded {
				args = append(args, "--skip-path", "^"+regexp.QuoteMeta(e)+"(/|$)")
			}
			return args
		},
		ResultsPath: func(inv Invocation) string {
			return filepath.Join(inv.OutputDir, "results_sarif.sarif")
		},
		OkExitCodes: []int{0, 1},
	}, opts.CommandOptions, env), nil
}

func newGrype(name string, cfg config.PluginConfig, env Env) (Scanner, error) {
	opts := CommandOptions{}
	if err := decode(name, cfg, &opts); err != nil {
		return nil, err
	}
	return NewCommandScanner(CommandSpec{
		Name:   name,
		Type:   shared.TypeSCA,
		Binary: "grype",
		Args: func(inv Invocation) []string {
			args := []string{"dir:" + inv.Target.Dir, "-o", "sarif", "--file", inv.ResultsFile}
			for _, e := range inv.Target.Excluded {
				args = append(args, "--exclude", "./"+e, "--exclude", "./"+e+"/**")
			}
			return args
		},
		OkExitCodes: []int{0, 1},
	}, opts, env), nil
}

func newCustom(name string, cfg config.PluginConfig, env Env) (Scanner, error) {
	opts := CustomOptions{}
	if err := decode(name, cfg, &opts); err != nil {
		return nil, err
	}
	if len(opts.Command) == 0 {
		return nil, errors.Errorf("scanner [%s]: options.command is required", name)
	}
	scannerType := shared.TypeCustom
	if opts.Type != "" {
		scannerType = shared.ScannerType(strings.ToUpper(opts.Type))
	}
	binary := opts.Command[0]
	if opts.Binary != "" {
		binary = opts.Binary
	}
	template := opts.Command[1:]
	return NewCommandScanner(CommandSpec{
		Name:        name,
		Type:        scannerType,
		Binary:      binary,
		VersionArgs: opts.VersionArgs,
		Args: func(inv Invocation) []string {
			r := strings.NewReplacer("{target}", inv.Target.Dir, "{output}", inv.ResultsFile, "{output_dir}", inv.OutputDir)
			args := make([]string, len(template))
			for i, a := range template {
				args[i] = r.Replace(a)
			}
			return args
		},
		OkExitCodes: opts.OkExitCodes,
	}, opts.CommandOptions, env), nil
}

// isCustom reports whether cfg defines its own command.
func isCustom(cfg config.PluginConfig) bool {
	_, ok := cfg.Options["command"]
	return ok
}
