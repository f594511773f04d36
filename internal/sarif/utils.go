package sarif

import (
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/outofoffice3/ash/internal/shared"
	"github.com/outofoffice3/ash/internal/suppression"
	"github.com/outofoffice3/ash/pkg/logger"
)

const SuppressionKindExternal = "external"

var findingNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/awslabs/automated-security-helper/findings"))

// FindingID derives a stable id from rule::file::start::end, skipping empty parts.
func FindingID(ruleID, file string, startLine, endLine int) string {
	parts := []string{}
	for _, p := range []string{ruleID, file, lineString(startLine), lineString(endLine)} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return uuid.NewSHA1(findingNamespace, []byte(strings.Join(parts, "::"))).String()
}

func lineString(n int) string {
	if n <= 0 {
		return ""
	}
	return strconv.Itoa(n)
}

// SanitizeURI makes uri relative to sourceDir with forward slashes.
func SanitizeURI(uri, sourceDir string) string {
	if uri == "" {
		return uri
	}
	uri = strings.TrimPrefix(uri, "file://")
	source, err := filepath.Abs(sourceDir)
	if err != nil {
		source = filepath.Clean(sourceDir)
	}
	native := filepath.FromSlash(uri)
	if filepath.IsAbs(native) {
		if rel, err := filepath.Rel(source, native); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			uri = rel
		}
	} else if prefix := source + string(filepath.Separator); strings.HasPrefix(native, prefix) {
		uri = native[len(prefix):]
	}
	return strings.ReplaceAll(uri, "\\", "/")
}

// SanitizePaths rewrites every location in report relative to sourceDir.
func SanitizePaths(report *Report, sourceDir string) *Report {
	if report == nil {
		return report
	}
	fix := func(locs []*Location) {
		for _, loc := range locs {
			if loc == nil || loc.PhysicalLocation == nil || loc.PhysicalLocation.ArtifactLocation == nil {
				continue
			}
			loc.PhysicalLocation.ArtifactLocation.URI = SanitizeURI(loc.PhysicalLocation.ArtifactLocation.URI, sourceDir)
		}
	}
	for _, run := range report.Runs {
		for _, result := range run.Results {
			fix(result.Locations)
			fix(result.RelatedLocations)
			if result.AnalysisTarget != nil {
				result.AnalysisTarget.URI = SanitizeURI(result.AnalysisTarget.URI, sourceDir)
			}
		}
	}
	return report
}

// DropExcluded removes results whose primary location, taken relative to
// baseDir, equals or lies below one of the excluded slash paths. It returns
// the number of results removed.
func DropExcluded(report *Report, baseDir string, excluded []string) int {
	if report == nil || len(excluded) == 0 {
		return 0
	}
	dropped := 0
	for _, run := range report.Runs {
		kept := make([]*Result, 0, len(run.Results))
		for _, result := range run.Results {
			uri, _, _ := result.PrimaryLocation()
			if uri != "" && underAny(SanitizeURI(uri, baseDir), excluded) {
				dropped++
				continue
			}
			kept = append(kept, result)
		}
		run.Results = kept
	}
	return dropped
}

func underAny(rel string, dirs []string) bool {
	rel = strings.TrimPrefix(path.Clean(strings.TrimPrefix(rel, "/")), "./")
	for _, d := range dirs {
		if rel == d || strings.HasPrefix(rel, d+"/") {
			return true
		}
	}
	return false
}

// AttachScannerDetails stamps the scanner identity on every run and result.
func AttachScannerDetails(report *Report, name, version string, invocation map[string]interface{}) *Report {
	if report == nil {
		return report
	}
	details := map[string]interface{}{"tool_name": name}
	if version != "" {
		details["tool_version"] = version
	}
	if len(invocation) > 0 {
		details["tool_invocation"] = invocation
	}
	for _, run := range report.Runs {
		run.Tool.Driver.Name = name
		if version != "" {
			run.Tool.Driver.Version = version
		}
		if run.Tool.Driver.Properties == nil {
			run.Tool.Driver.Properties = PropertyBag{}
		}
		run.Tool.Driver.Properties["tags"] = addTag(run.Tool.Driver.Properties["tags"], name)
		run.Tool.Driver.Properties["scanner_details"] = details

		for _, result := range run.Results {
			if result.Properties == nil {
				result.Properties = PropertyBag{}
			}
			result.Properties["tags"] = addTag(result.Properties["tags"], name)
			result.Properties["scanner_name"] = name
			if version != "" {
				result.Properties["scanner_version"] = version
			}
			result.Properties["scanner_details"] = details
		}
	}
	return report
}

func addTag(existing interface{}, tag string) []string {
	tags := []string{}
	switch v := existing.(type) {
	case []string:
		tags = append(tags, v...)
	case []interface{}:
		for _, t := range v {
			if s, ok := t.(string); ok {
				tags = append(tags, s)
			}
		}
	}
	for _, t := range tags {
		if t == tag {
			return tags
		}
	}
	return append(tags, tag)
}

// PathMatchesPattern matches a result path against an ignore_paths entry: the
// pattern itself, a file in it, or anything below it.
func PathMatchesPattern(path, pattern string) bool {
	path = strings.ReplaceAll(path, "\\", "/")
	pattern = strings.ReplaceAll(pattern, "\\", "/")
	if path == "" || pattern == "" {
		return false
	}
	dir := strings.TrimSuffix(pattern, "/")
	if path == dir || strings.HasPrefix(path, dir+"/") {
		return true
	}
	for _, pat := range []string{dir + "/**/*.*", dir + "/*.*", pattern} {
		if ok, err := doublestar.Match(pat, path); err == nil && ok {
			return true
		}
	}
	return false
}

type ApplyOptions struct {
	SourceDir          string
	OutputDir          string
	IgnorePaths        []shared.IgnorePath
	Suppressions       []shared.Suppression
	IgnoreSuppressions bool
	Now                time.Time
	Log                *logger.Logger
}

// ApplySuppressions drops results that point into ASH's own output and marks
// results matched by ignore paths or suppression rules as externally suppressed.
func ApplySuppressions(report *Report, opts ApplyOptions) *Report {
	log := opts.Log
	if log == nil {
		log = logger.Default()
	}
	if opts.IgnoreSuppressions {
		log.Infof("Ignoring all suppression rules as requested by --ignore-suppressions flag")
		return report
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	expiring := suppression.Expiring(opts.Suppressions, suppression.DefaultExpiryWarningDays, opts.Now, log)
	if len(expiring) > 0 {
		log.Warnf("The following suppressions will expire within %d days:", suppression.DefaultExpiryWarningDays)
		for _, s := range expiring {
			reason := s.Reason
			if reason == "" {
				reason = "No reason provided"
			}
			log.Warnf("  - Rule '%s' for '%s' expires on %s. Reason: %s", s.RuleID, s.Path, s.Expiration, reason)
		}
	}
	if report == nil {
		return report
	}

	seen := map[string]bool{}
	for _, run := range report.Runs {
		kept := make([]*Result, 0, len(run.Results))
		for _, result := range run.Results {
			uri, start, end := result.PrimaryLocation()
			if uri != "" && opts.inOutputDir(uri) {
				log.Verbosef("Excluding result, location is in the output path and not in the work directory: '%s'", uri)
				continue
			}
			if uri != "" && opts.inWorkDir(uri) {
				key := fmt.Sprintf("%s::%s::%s::%d::%d", run.Tool.Driver.Name, result.RuleID, uri, start, end)
				if seen[key] {
					log.Verbosef("Excluding duplicate result for converted file '%s'", uri)
					continue
				}
				seen[key] = true
			}
			if uri != "" {
				for _, ip := range opts.IgnorePaths {
					if !PathMatchesPattern(uri, ip.Path) {
						continue
					}
					if len(result.Suppressions) == 0 {
						log.Verbosef("Suppressing rule '%s' on location '%s' based on ignore_path match against '%s'", result.RuleID, uri, ip.Path)
						result.Suppressions = append(result.Suppressions, &Suppression{
							Kind:          SuppressionKindExternal,
							Justification: fmt.Sprintf("(ASH) Suppressing finding on uri '%s' based on path match against pattern '%s' with global reason: %s", uri, ip.Path, ip.Reason),
						})
					}
					break
				}
			}
			if len(opts.Suppressions) > 0 && result.RuleID != "" && uri != "" {
				f := shared.Finding{RuleID: result.RuleID, FilePath: uri, LineStart: start, LineEnd: end}
				if ok, rule := suppression.ShouldSuppress(f, opts.Suppressions, opts.Now, log); ok {
					reason := rule.Reason
					if reason == "" {
						reason = "No reason provided"
					}
					log.Verbosef("Suppressing rule '%s' on location '%s' based on suppression rule. Reason: %s", result.RuleID, uri, reason)
					result.Suppressions = append(result.Suppressions, &Suppression{
						Kind:          SuppressionKindExternal,
						Justification: fmt.Sprintf("(ASH) Suppressing finding for rule '%s' in '%s' with reason: %s", result.RuleID, uri, reason),
					})
				}
			}
			kept = append(kept, result)
		}
		run.Results = kept
	}
	return report
}

// resolve returns the absolute uri and output dir, ok is false without an output dir.
func (o ApplyOptions) resolve(uri string) (abs, out string, ok bool) {
	if o.OutputDir == "" {
		return "", "", false
	}
	native := filepath.FromSlash(uri)
	if !filepath.IsAbs(native) {
		native = filepath.Join(o.SourceDir, native)
	}
	out, err := filepath.Abs(o.OutputDir)
	if err != nil {
		return "", "", false
	}
	abs, err = filepath.Abs(native)
	if err != nil {
		return "", "", false
	}
	return abs, out, true
}

// inOutputDir reports whether uri resolves under the output dir but outside its work dir.
func (o ApplyOptions) inOutputDir(uri string) bool {
	abs, out, ok := o.resolve(uri)
	return ok && isUnder(abs, out) && !isUnder(abs, filepath.Join(out, shared.WorkDirName))
}

// inWorkDir reports whether uri resolves under the work dir of the output dir.
func (o ApplyOptions) inWorkDir(uri string) bool {
	abs, out, ok := o.resolve(uri)
	return ok && isUnder(abs, filepath.Join(out, shared.WorkDirName))
}

func isUnder(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
