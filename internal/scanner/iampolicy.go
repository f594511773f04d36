package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/accessanalyzer"
	accessAnalyzerTypes "github.com/aws/aws-sdk-go-v2/service/accessanalyzer/types"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/outofoffice3/ash/internal/awsclientmgr"
	"github.com/outofoffice3/ash/internal/config"
	"github.com/outofoffice3/ash/internal/metricmgr"
	"github.com/outofoffice3/ash/internal/sarif"
	"github.com/outofoffice3/ash/internal/shared"
	"github.com/outofoffice3/ash/pkg/logger"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const (
	RuleRestrictedAction = "ASH-IAM-001"
	RuleAdminAccess      = "ASH-IAM-002"
	RuleAccessGranted    = "ASH-IAM-003"

	maxPolicyFileSize = 5 << 20
)

// DefaultRestrictedActions apply when restricted_actions is not configured.
var DefaultRestrictedActions = []string{
	"iam:CreateAccessKey",
	"iam:PassRole",
	"iam:PutRolePolicy",
	"iam:AttachRolePolicy",
	"s3:DeleteBucket",
	"kms:ScheduleKeyDeletion",
	"cloudtrail:StopLogging",
	"cloudtrail:DeleteTrail",
	"organizations:LeaveOrganization",
}

var policyFileExtensions = map[string]bool{
	".json":     true,
	".yaml":     true,
	".yml":      true,
	".template": true,
}

type IAMPolicyOptions struct {
	RestrictedActions []string `mapstructure:"restricted_actions"`
	UseAccessAnalyzer bool     `mapstructure:"use_access_analyzer"`
	// AccountScope evaluates the live account's "roles", "users" or "all".
	AccountScope string `mapstructure:"account_scope"`
}

// IAMPolicyScanner checks IAM policy documents, in files or in the live
// account, for statements that allow restricted actions.
type IAMPolicyScanner struct {
	name string
	opts IAMPolicyOptions
	env  Env
	log  *logger.Logger
}

func newIAMPolicy(name string, cfg config.PluginConfig, env Env) (Scanner, error) {
	opts := IAMPolicyOptions{}
	if err := decode(name, cfg, &opts); err != nil {
		return nil, err
	}
	return NewIAMPolicyScanner(name, opts, env)
}

func NewIAMPolicyScanner(name string, opts IAMPolicyOptions, env Env) (*IAMPolicyScanner, error) {
	env = env.withDefaults()
	if len(opts.RestrictedActions) == 0 {
		opts.RestrictedActions = DefaultRestrictedActions
	}
	var errs error
	for _, action := range opts.RestrictedActions {
		if !shared.IsValidAction(action) {
			errs = multierr.Append(errs, shared.ConfigError{Field: "scanners." + name + ".options.restricted_actions", Message: "invalid action [" + action + "]"})
		}
	}
	if opts.AccountScope != "" && !shared.IsValidScope(opts.AccountScope) {
		errs = multierr.Append(errs, shared.ConfigError{Field: "scanners." + name + ".options.account_scope", Message: "must be roles, users or all"})
	}
	if errs != nil {
		return nil, errs
	}
	return &IAMPolicyScanner{name: name, opts: opts, env: env, log: env.Log.Named(name)}, nil
}

func (s *IAMPolicyScanner) Name() string { return s.name }

func (s *IAMPolicyScanner) Type() shared.ScannerType { return shared.TypeIAC }

func (s *IAMPolicyScanner) Validate(ctx context.Context) Availability {
	if (s.opts.UseAccessAnalyzer || s.opts.AccountScope != "") && s.env.AWS == nil {
		return Availability{Message: "aws access is not configured"}
	}
	return Availability{Available: true, Path: "builtin", Version: shared.AshVersion}
}

func (s *IAMPolicyScanner) Scan(ctx context.Context, target Target) (*sarif.Report, error) {
	if avail := s.Validate(ctx); !avail.Available {
		return nil, errors.Wrap(ErrUnavailable, avail.Message)
	}
	run := sarif.NewRun(s.name, shared.AshVersion)
	run.Tool.Driver.Rules = iamRules()

	var errs error
	for _, rel := range target.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !policyFileExtensions[strings.ToLower(filepath.Ext(rel))] {
			continue
		}
		docs, err := s.readPolicies(filepath.Join(target.Dir, filepath.FromSlash(rel)))
		if err != nil {
			s.log.Debugf("skipping %s: %v", rel, err)
			continue
		}
		for _, doc := range docs {
			_ = s.env.Metrics.IncrementMetric(metricmgr.TotalPoliciesRead, 1)
			uri := rel
			run.Results = append(run.Results, s.evaluate(doc, uri)...)
			if s.opts.UseAccessAnalyzer {
				results, err := s.checkAccessNotGranted(ctx, doc, uri)
				if err != nil {
					_ = s.env.Metrics.IncrementMetric(metricmgr.TotalFailedPolicies, 1)
					errs = multierr.Append(errs, err)
					continue
				}
				run.Results = append(run.Results, results...)
			}
		}
	}

	if target.Name == TargetSource && s.opts.AccountScope != "" {
		results, err := s.scanAccount(ctx)
		errs = multierr.Append(errs, err)
		run.Results = append(run.Results, results...)
	}
	report := sarif.NewReport()
	report.Runs = append(report.Runs, run)
	if errs != nil {
		failed := len(multierr.Errors(errs))
		s.log.Warnf("%d policy checks failed: %v", failed, errs)
		return withInvocation(report, s.name, "builtin:"+s.name, 1, false), errors.Wrapf(errs, "%d policy checks failed", failed)
	}
	return withInvocation(report, s.name, "builtin:"+s.name, 0, true), nil
}

func (s *IAMPolicyScanner) readPolicies(path string) ([]PolicyDocument, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxPolicyFileSize {
		return nil, errors.Errorf("file is larger than %d bytes", maxPolicyFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ExtractPolicies(data)
}

// PolicyDocument is one IAM policy found in a file or fetched from an account.
type PolicyDocument struct {
	Name         string
	ResourceType shared.ResourceType
	Node         *yaml.Node
}

// ExtractPolicies returns the policy documents in data: a bare policy
// document, or the IAM resources of a CloudFormation template.
func ExtractPolicies(data []byte) ([]PolicyDocument, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errors.Wrap(err, "parsing document")
	}
	doc := resolve(&root)
	if doc == nil || doc.Kind != yaml.MappingNode {
		return nil, nil
	}
	if mapGet(doc, "Statement") != nil {
		return []PolicyDocument{{ResourceType: shared.AwsIamPolicy, Node: doc}}, nil
	}
	resources := mapGet(doc, "Resources")
	if resources == nil || resources.Kind != yaml.MappingNode {
		return nil, nil
	}

	docs := []PolicyDocument{}
	for i := 0; i+1 < len(resources.Content); i += 2 {
		logicalID := resources.Content[i].Value
		resource := resolve(resources.Content[i+1])
		if resource == nil || resource.Kind != yaml.MappingNode {
			continue
		}
		resourceType := shared.ResourceType(scalar(mapGet(resource, "Type")))
		props := mapGet(resource, "Properties")
		if props == nil {
			continue
		}
		switch resourceType {
		case shared.AwsIamPolicy, shared.AwsIamManaged:
			name := firstNonEmpty(scalar(mapGet(props, "PolicyName")), scalar(mapGet(props, "ManagedPolicyName")))
			if pd := mapGet(props, "PolicyDocument"); pd != nil {
				docs = append(docs, PolicyDocument{Name: joinName(logicalID, name), ResourceType: resourceType, Node: pd})
			}
		case shared.AwsIamRole, shared.AwsIamUser, shared.AwsIamGroup:
			policies := mapGet(props, "Policies")
			if policies == nil || policies.Kind != yaml.SequenceNode {
				continue
			}
			for _, p := range policies.Content {
				p = resolve(p)
				if pd := mapGet(p, "PolicyDocument"); pd != nil {
					docs = append(docs, PolicyDocument{Name: joinName(logicalID, scalar(mapGet(p, "PolicyName"))), ResourceType: resourceType, Node: pd})
				}
			}
		}
	}
	return docs, nil
}

func joinName(logicalID, policyName string) string {
	if policyName == "" {
		return logicalID
	}
	return logicalID + "/" + policyName
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

type statement struct {
	Index      int
	Sid        string
	Effect     string
	Actions    []string
	NotActions []string
	Resources  []string
	Line       int
}

func statements(doc *yaml.Node) []statement {
	node := mapGet(doc, "Statement")
	if node == nil {
		return nil
	}
	items := []*yaml.Node{node}
	if node.Kind == yaml.SequenceNode {
		items = node.Content
	}
	out := []statement{}
	for i, item := range items {
		item = resolve(item)
		if item == nil || item.Kind != yaml.MappingNode {
			continue
		}
		out = append(out, statement{
			Index:      i,
			Sid:        scalar(mapGet(item, "Sid")),
			Effect:     scalar(mapGet(item, "Effect")),
			Actions:    stringList(mapGet(item, "Action")),
			NotActions: stringList(mapGet(item, "NotAction")),
			Resources:  stringList(mapGet(item, "Resource")),
			Line:       item.Line,
		})
	}
	return out
}

func (st statement) label() string {
	if st.Sid != "" {
		return "'" + st.Sid + "'"
	}
	return fmt.Sprintf("#%d", st.Index)
}

// actionMatches compares IAM actions case-insensitively, treating wildcards
// on either side as globs.
func actionMatches(granted, restricted string) bool {
	granted, restricted = strings.ToLower(granted), strings.ToLower(restricted)
	if granted == restricted {
		return true
	}
	if ok, err := doublestar.Match(granted, restricted); err == nil && ok {
		return true
	}
	ok, err := doublestar.Match(restricted, granted)
	return err == nil && ok
}

func (s *IAMPolicyScanner) grantedRestricted(st statement) []string {
	granted := []string{}
	for _, r := range s.opts.RestrictedActions {
		hit := false
		switch {
		case len(st.Actions) > 0:
			for _, a := range st.Actions {
				if actionMatches(a, r) {
					hit = true
					break
				}
			}
		case len(st.NotActions) > 0:
			hit = true
			for _, a := range st.NotActions {
				if actionMatches(a, r) {
					hit = false
					break
				}
			}
		}
		if hit {
			granted = append(granted, r)
		}
	}
	return granted
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func (s *IAMPolicyScanner) evaluate(doc PolicyDocument, uri string) []*sarif.Result {
	results := []*sarif.Result{}
	for _, st := range statements(doc.Node) {
		if !strings.EqualFold(st.Effect, "Allow") {
			continue
		}
		if contains(st.Actions, "*") && contains(st.Resources, "*") {
			results = append(results, s.newResult(RuleAdminAccess, shared.Critical, doc, uri, st.Line,
				fmt.Sprintf("Statement %s grants full administrative access (Action '*' on Resource '*')", st.label())))
			continue
		}
		if granted := s.grantedRestricted(st); len(granted) > 0 {
			results = append(results, s.newResult(RuleRestrictedAction, shared.High, doc, uri, st.Line,
				fmt.Sprintf("Statement %s allows restricted actions: %s", st.label(), strings.Join(granted, ", "))))
		}
	}
	return results
}

func (s *IAMPolicyScanner) newResult(ruleID string, sev shared.Severity, doc PolicyDocument, uri string, line int, msg string) *sarif.Result {
	if doc.Name != "" {
		msg = doc.Name + ": " + msg
	}
	level := "error"
	if sev.Rank() < shared.High.Rank() {
		level = "warning"
	}
	r := sarif.NewResult(ruleID, level, msg, uri, line, line)
	r.Properties = sarif.PropertyBag{
		"severity":      string(sev),
		"resource_type": string(doc.ResourceType),
	}
	if doc.Name != "" {
		r.Properties["policy_name"] = doc.Name
	}
	return r
}

func (s *IAMPolicyScanner) checkAccessNotGranted(ctx context.Context, doc PolicyDocument, uri string) ([]*sarif.Result, error) {
	actions := []string{}
	for _, a := range s.opts.RestrictedActions {
		if !strings.Contains(a, "*") {
			actions = append(actions, a)
		}
	}
	if len(actions) == 0 {
		return nil, nil
	}
	mgr, err := s.env.AWS(ctx)
	if err != nil {
		return nil, err
	}
	client, err := awsclientmgr.AccessAnalyzerClient(mgr, "")
	if err != nil {
		return nil, err
	}
	policyJSON, err := json.Marshal(nodeValue(doc.Node))
	if err != nil {
		return nil, errors.Wrap(err, "encoding policy document")
	}
	output, err := client.CheckAccessNotGranted(ctx, &accessanalyzer.CheckAccessNotGrantedInput{
		Access: []accessAnalyzerTypes.Access{
			{
				Actions: actions,
			},
		},
		PolicyDocument: aws.String(string(policyJSON)),
		PolicyType:     accessAnalyzerTypes.AccessCheckPolicyType(accessAnalyzerTypes.PolicyTypeIdentityPolicy),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "checking access for %s", uri)
	}
	if output.Result != accessAnalyzerTypes.CheckAccessNotGrantedResultFail {
		return nil, nil
	}
	reasons := []string{}
	for _, r := range output.Reasons {
		if r.Description != nil {
			reasons = append(reasons, *r.Description)
		}
	}
	msg := "Access Analyzer reports restricted access is granted"
	if output.Message != nil && *output.Message != "" {
		msg = *output.Message
	}
	if len(reasons) > 0 {
		msg += ": " + strings.Join(reasons, "; ")
	}
	return []*sarif.Result{s.newResult(RuleAccessGranted, shared.High, doc, uri, doc.Node.Line, msg)}, nil
}

func iamRules() []*sarif.Rule {
	rule := func(id, name, desc, level string) *sarif.Rule {
		return &sarif.Rule{
			ID:                   id,
			Name:                 name,
			ShortDescription:     &sarif.Message{Text: desc},
			DefaultConfiguration: &sarif.Configuration{Level: level},
		}
	}
	return []*sarif.Rule{
		rule(RuleRestrictedAction, "RestrictedActionAllowed", "IAM policy allows a restricted action", "error"),
		rule(RuleAdminAccess, "AdministratorAccess", "IAM policy allows every action on every resource", "error"),
		rule(RuleAccessGranted, "AccessAnalyzerAccessGranted", "IAM Access Analyzer reports restricted access is granted", "error"),
	}
}

func resolve(n *yaml.Node) *yaml.Node {
	for n != nil {
		switch n.Kind {
		case yaml.DocumentNode:
			if len(n.Content) == 0 {
				return nil
			}
			n = n.Content[0]
		case yaml.AliasNode:
			n = n.Alias
		default:
			return n
		}
	}
	return nil
}

func mapGet(n *yaml.Node, key string) *yaml.Node {
	n = resolve(n)
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return resolve(n.Content[i+1])
		}
	}
	return nil
}

func scalar(n *yaml.Node) string {
	n = resolve(n)
	if n == nil || n.Kind != yaml.ScalarNode {
		return ""
	}
	return n.Value
}

func stringList(n *yaml.Node) []string {
	n = resolve(n)
	if n == nil {
		return nil
	}
	if n.Kind == yaml.ScalarNode {
		return []string{n.Value}
	}
	out := []string{}
	if n.Kind == yaml.SequenceNode {
		for _, item := range n.Content {
			if v := scalar(item); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

// nodeValue converts a node to plain Go values. CloudFormation short-form
// tags such as !Ref keep their scalar text.
func nodeValue(n *yaml.Node) interface{} {
	n = resolve(n)
	if n == nil {
		return nil
	}
	switch n.Kind {
	case yaml.MappingNode:
		m := make(map[string]interface{}, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			m[n.Content[i].Value] = nodeValue(n.Content[i+1])
		}
		return m
	case yaml.SequenceNode:
		s := make([]interface{}, 0, len(n.Content))
		for _, item := range n.Content {
			s = append(s, nodeValue(item))
		}
		return s
	}
	if n.Tag != "" && !strings.HasPrefix(n.Tag, "!!") {
		return n.Value
	}
	var v interface{}
	if err := n.Decode(&v); err != nil {
		return n.Value
	}
	return v
}
