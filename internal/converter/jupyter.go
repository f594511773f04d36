package converter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/outofoffice3/ash/internal/config"
	"github.com/outofoffice3/ash/pkg/logger"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

const JupyterDirName = "jupyter"

type notebook struct {
	Cells []cell `json:"cells"`
}

type cell struct {
	CellType string          `json:"cell_type"`
	Source   json.RawMessage `json:"source"`
}

// text joins a cell source, which notebooks store as a string or a list of lines.
func (c cell) text() string {
	var s string
	if err := json.Unmarshal(c.Source, &s); err == nil {
		return s
	}
	var lines []string
	if err := json.Unmarshal(c.Source, &lines); err == nil {
		return strings.Join(lines, "")
	}
	return ""
}

// Jupyter writes the code cells of each notebook to a python file.
type Jupyter struct {
	name string
	env  Env
	log  *logger.Logger
}

func newJupyter(name string, cfg config.PluginConfig, env Env) (Converter, error) {
	if err := config.DecodeOptions(cfg, &struct{}{}); err != nil {
		return nil, errors.Wrapf(err, "converter [%s]", name)
	}
	return NewJupyter(name, env), nil
}

func NewJupyter(name string, env Env) *Jupyter {
	env = env.withDefaults()
	return &Jupyter{name: name, env: env, log: env.Log.Named(name)}
}

func (j *Jupyter) Name() string { return j.name }

func (j *Jupyter) Convert(ctx context.Context, sourceDir string, files []string, outDir string) ([]string, error) {
	var errs error
	produced := []string{}
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return produced, err
		}
		if !strings.EqualFold(filepath.Ext(rel), ".ipynb") || j.env.ignored(rel) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(sourceDir, filepath.FromSlash(rel)))
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "reading %s", rel))
			continue
		}
		script, err := NotebookToScript(data)
		if err != nil {
			j.log.Warnf("Unable to convert %s: %v", rel, err)
			errs = multierr.Append(errs, errors.Wrapf(err, "converting %s", rel))
			continue
		}
		dest := filepath.Join(outDir, JupyterDirName, filepath.FromSlash(strings.TrimSuffix(rel, filepath.Ext(rel)))+".py")
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if err := os.WriteFile(dest, script, 0o644); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "writing %s", dest))
			continue
		}
		j.log.Verbosef("Converted %s to %s", rel, filepath.ToSlash(dest))
		produced = append(produced, dest)
	}
	return produced, errs
}

// NotebookToScript renders the code cells of a notebook as one python script.
func NotebookToScript(data []byte) ([]byte, error) {
	nb := notebook{}
	if err := json.Unmarshal(data, &nb); err != nil {
		return nil, errors.Wrap(err, "parsing notebook")
	}
	b := &strings.Builder{}
	b.WriteString("#!/usr/bin/env python\n# coding: utf-8\n")
	n := 0
	for _, c := range nb.Cells {
		if c.CellType != "code" {
			continue
		}
		n++
		fmt.Fprintf(b, "\n# In[%d]:\n\n", n)
		src := c.text()
		b.WriteString(src)
		if !strings.HasSuffix(src, "\n") {
			b.WriteString("\n")
		}
	}
	return []byte(b.String()), nil
}
