package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lithammer/dedent"
	"github.com/outofoffice3/ash/internal/config"
	"github.com/outofoffice3/ash/internal/shared"
	"github.com/outofoffice3/ash/pkg/logger"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

var configTemplate = dedent.Dedent(`
	# ASH project configuration
	project_name: %s
	fail_on_findings: true
	global_settings:
	  severity_threshold: MEDIUM
	  ignore_paths: []
	  suppressions: []
	execution:
	  strategy: parallel
	  max_workers: 4
	scanners:
	  bandit:
	    enabled: true
	  semgrep:
	    enabled: true
	  checkov:
	    enabled: true
	  grype:
	    enabled: true
	  iam-policy:
	    enabled: true
	converters:
	  archive:
	    enabled: true
	  jupyter:
	    enabled: true
	reporters:
	  json:
	    enabled: true
	  sarif:
	    enabled: true
	  markdown:
	    enabled: true
	  text:
	    enabled: true
	  csv:
	    enabled: true
`)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create, inspect and validate ASH configuration",
	}
	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigValidateCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [filename]",
		Short: "Write a starter config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ".ash.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				return errors.Wrapf(err, "resolving %s", path)
			}
			if _, err := os.Stat(abs); err == nil && !force {
				return errors.Errorf("config file %s already exists, use --force to overwrite", abs)
			}
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				return errors.Wrapf(err, "creating %s", filepath.Dir(abs))
			}
			project := filepath.Base(filepath.Dir(abs))
			data := fmt.Sprintf(strings.TrimPrefix(configTemplate, "\n"), project)
			if err := os.WriteFile(abs, []byte(data), 0o644); err != nil {
				return errors.Wrapf(err, "writing %s", abs)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created config file %s\n", abs)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	return cmd
}

type resolveFlags struct {
	sourceDir  string
	configPath string
}

func (f *resolveFlags) add(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.sourceDir, "source-dir", ".", "Directory whose config is resolved")
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Path to an ASH config file")
}

func (f *resolveFlags) resolve(cmd *cobra.Command) (*config.AshConfig, string, error) {
	log := logger.GetLogger("ash.config", logger.WithWriter(cmd.ErrOrStderr()), logger.WithLevel(logger.WarningLevel))
	return config.Resolve(f.sourceDir, f.configPath, log)
}

func newConfigShowCmd() *cobra.Command {
	f := &resolveFlags{}
	cmd := &cobra.Command{
		Use:     "show",
		Aliases: []string{"get"},
		Short:   "Print the resolved configuration as YAML",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := f.resolve(cmd)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return errors.Wrap(err, "encoding config")
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	f.add(cmd)
	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	f := &resolveFlags{}
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, path, err := f.resolve(cmd)
			if err == nil {
				err = cfg.Validate()
			}
			switch {
			case path != "":
			case f.configPath != "":
				path = f.configPath
			default:
				path = "built-in defaults"
			}
			if err != nil {
				fmt.Fprintf(out, "Configuration is not valid (%s):\n", path)
				for _, e := range multierr.Errors(err) {
					fmt.Fprintf(out, "  - %v\n", e)
				}
				return shared.ExitError{Code: 1}
			}
			fmt.Fprintf(out, "Configuration is valid (%s)\n", path)
			return nil
		},
	}
	f.add(cmd)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ASH version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ASH version %s\n", shared.AshVersion)
		},
	}
}
