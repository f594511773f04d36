package converter

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/outofoffice3/ash/internal/config"
	"github.com/outofoffice3/ash/pkg/logger"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

const (
	ArchivesDirName = "archives"

	defaultMaxFileSize = 50 << 20
)

// ScannableExtensions are the archive members extracted by default.
var ScannableExtensions = []string{
	".py", ".ipynb", ".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs",
	".java", ".kt", ".scala", ".go", ".rb", ".php", ".cs", ".c", ".cc", ".cpp", ".h", ".hpp", ".rs", ".swift",
	".sh", ".bash", ".ps1",
	".json", ".yaml", ".yml", ".toml", ".xml", ".template", ".tf", ".tfvars", ".hcl", ".bicep",
	".lock", ".txt", ".cfg", ".ini", ".properties", ".gradle", ".sql",
}

var scannableNames = map[string]bool{
	"dockerfile":       true,
	"makefile":         true,
	"gemfile":          true,
	"pipfile":          true,
	"go.mod":           true,
	"go.sum":           true,
	"requirements.txt": true,
}

type ArchiveOptions struct {
	// MaxFileSize caps each extracted member in bytes.
	MaxFileSize int64 `mapstructure:"max_file_size"`
	// Extensions overrides ScannableExtensions.
	Extensions []string `mapstructure:"extensions"`
	// AllFiles extracts every member whatever its name.
	AllFiles bool `mapstructure:"all_files"`
}

// Archive extracts .zip, .tar, .tar.gz and .tgz files of the scan set.
type Archive struct {
	name string
	opts ArchiveOptions
	env  Env
	log  *logger.Logger
	exts map[string]bool
}

func newArchive(name string, cfg config.PluginConfig, env Env) (Converter, error) {
	opts := ArchiveOptions{}
	if err := config.DecodeOptions(cfg, &opts); err != nil {
		return nil, errors.Wrapf(err, "converter [%s]", name)
	}
	return NewArchive(name, opts, env), nil
}

func NewArchive(name string, opts ArchiveOptions, env Env) *Archive {
	env = env.withDefaults()
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = defaultMaxFileSize
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = ScannableExtensions
	}
	exts := map[string]bool{}
	for _, e := range opts.Extensions {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = true
	}
	return &Archive{name: name, opts: opts, env: env, log: env.Log.Named(name), exts: exts}
}

func (a *Archive) Name() string { return a.name }

func archiveKind(rel string) string {
	lower := strings.ToLower(rel)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return "zip"
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return "tgz"
	case strings.HasSuffix(lower, ".tar"):
		return "tar"
	}
	return ""
}

func (a *Archive) Convert(ctx context.Context, sourceDir string, files []string, outDir string) ([]string, error) {
	var errs error
	produced := []string{}
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return produced, err
		}
		kind := archiveKind(rel)
		if kind == "" || a.env.ignored(rel) {
			continue
		}
		src := filepath.Join(sourceDir, filepath.FromSlash(rel))
		target := filepath.Join(outDir, ArchivesDirName, flatName(rel))
		a.log.Verbosef("Extracting %s contents to %s", rel, filepath.ToSlash(target))
		if err := os.MkdirAll(target, 0o755); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "creating %s", target))
			continue
		}

		n, err := a.Extract(src, target)
		if err != nil {
			a.log.Errorf("Error processing archive %s: %v", rel, err)
			errs = multierr.Append(errs, errors.Wrapf(err, "extracting %s", rel))
			continue
		}
		a.log.Debugf("Extracted %d files from %s", n, rel)
		produced = append(produced, target)
	}
	if len(produced) == 0 && errs == nil {
		a.log.Infof("No archive files (.zip, .tar, .tar.gz, .tgz) found in %s", sourceDir)
	}
	return produced, errs
}

// Extract unpacks the scannable members of the archive at src into target,
// or every member with AllFiles, and returns how many were written.
func (a *Archive) Extract(src, target string) (int, error) {
	switch archiveKind(src) {
	case "zip":
		return a.extractZip(src, target)
	case "tar":
		return a.extractTar(src, target, false)
	case "tgz":
		return a.extractTar(src, target, true)
	}
	return 0, errors.Errorf("%s is not a supported archive", filepath.Base(src))
}

func (a *Archive) wanted(name string) bool {
	if a.opts.AllFiles {
		return true
	}
	base := strings.ToLower(path.Base(name))
	if scannableNames[base] {
		return true
	}
	return a.exts[path.Ext(base)]
}

// safeJoin resolves an archive member name under dir and rejects names that escape it.
func safeJoin(dir, name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	if path.IsAbs(name) || filepath.IsAbs(name) {
		return "", errors.Errorf("archive member %s has an absolute path", name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", errors.Errorf("archive member %s escapes the extraction directory", name)
	}
	return filepath.Join(dir, filepath.FromSlash(clean)), nil
}

// writeMember copies at most MaxFileSize bytes of r to dest.
func (a *Archive) writeMember(dest string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, io.LimitReader(r, a.opts.MaxFileSize+1))
	closeErr := f.Close()
	if err != nil {
		return err
	}
	if n > a.opts.MaxFileSize {
		_ = os.Remove(dest)
		return errors.Errorf("exceeds %d bytes", a.opts.MaxFileSize)
	}
	return closeErr
}

func (a *Archive) extractMember(target, name string, size int64, open func() (io.ReadCloser, error)) bool {
	if !a.wanted(name) {
		a.log.Tracef("Skipping non-scannable member %s", name)
		return false
	}
	dest, err := safeJoin(target, name)
	if err != nil {
		a.log.Warnf("Skipping member: %v", err)
		return false
	}
	if size > a.opts.MaxFileSize {
		a.log.Warnf("Skipping member %s: %d bytes exceeds %d", name, size, a.opts.MaxFileSize)
		return false
	}
	rc, err := open()
	if err != nil {
		a.log.Warnf("Skipping member %s: %v", name, err)
		return false
	}
	defer rc.Close()
	if err := a.writeMember(dest, rc); err != nil {
		a.log.Warnf("Skipping member %s: %v", name, err)
		return false
	}
	return true
}

func (a *Archive) extractZip(src, target string) (int, error) {
	// insecure member names are rejected one by one in safeJoin
	zr, err := zip.OpenReader(src)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return 0, err
	}
	defer zr.Close()
	count := 0
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		file := f
		if a.extractMember(target, file.Name, int64(file.UncompressedSize64), file.Open) {
			count++
		}
	}
	return count, nil
}

func (a *Archive) extractTar(src, target string, gzipped bool) (int, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var r io.Reader = f
	if gzipped {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return 0, err
		}
		defer gz.Close()
		r = gz
	}
	tr := tar.NewReader(r)
	count := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, err
		}
		// links and devices are never extracted
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		open := func() (io.ReadCloser, error) { return io.NopCloser(tr), nil }
		if a.extractMember(target, hdr.Name, hdr.Size, open) {
			count++
		}
	}
}
