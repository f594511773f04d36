package scanner

import (
	"context"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/outofoffice3/ash/internal/awsclientmgr"
	"github.com/outofoffice3/ash/internal/metricmgr"
	"github.com/outofoffice3/ash/internal/sarif"
	"github.com/outofoffice3/ash/internal/shared"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// identity is an IAM role or user of the live account.
type identity struct {
	kind shared.ResourceType
	name string
	arn  string
}

type accountScan struct {
	s       *IAMPolicyScanner
	client  awsclientmgr.IAMAPI
	managed map[string]string
	results []*sarif.Result
	errs    error
}

// scanAccount evaluates the policies attached to the roles and users of the
// account the AWS credentials belong to.
func (s *IAMPolicyScanner) scanAccount(ctx context.Context) ([]*sarif.Result, error) {
	if s.env.AWS == nil {
		return nil, errors.New("aws access is not configured")
	}
	mgr, err := s.env.AWS(ctx)
	if err != nil {
		return nil, err
	}
	client, err := awsclientmgr.IAMClient(mgr, "")
	if err != nil {
		return nil, err
	}
	a := &accountScan{s: s, client: client, managed: map[string]string{}}

	scope := strings.ToLower(s.opts.AccountScope)
	if scope == "roles" || scope == "all" {
		if err := a.roles(ctx); err != nil {
			return a.results, multierr.Append(a.errs, err)
		}
	}
	if scope == "users" || scope == "all" {
		if err := a.users(ctx); err != nil {
			return a.results, multierr.Append(a.errs, err)
		}
	}
	s.log.Verbosef("account scope [%s] produced %d results", scope, len(a.results))
	return a.results, a.errs
}

func (a *accountScan) roles(ctx context.Context) error {
	paginator := iam.NewListRolesPaginator(a.client, &iam.ListRolesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return errors.Wrap(err, "listing roles")
		}
		for _, role := range page.Roles {
			id := identity{kind: shared.AwsIamRole, name: deref(role.RoleName), arn: deref(role.Arn)}
			a.managedPolicies(ctx, id)
			a.inlinePolicies(ctx, id)
		}
	}
	return nil
}

func (a *accountScan) users(ctx context.Context) error {
	paginator := iam.NewListUsersPaginator(a.client, &iam.ListUsersInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return errors.Wrap(err, "listing users")
		}
		for _, user := range page.Users {
			id := identity{kind: shared.AwsIamUser, name: deref(user.UserName), arn: deref(user.Arn)}
			a.managedPolicies(ctx, id)
			a.inlinePolicies(ctx, id)
		}
	}
	return nil
}

func (a *accountScan) fail(id identity, policyName string, err error) {
	_ = a.s.env.Metrics.IncrementMetric(metricmgr.TotalFailedPolicies, 1)
	a.s.log.Warnf("unable to evaluate policy [%s] of [%s]: %v", policyName, id.arn, err)
	a.errs = multierr.Append(a.errs, errors.Wrapf(err, "%s#%s", id.arn, policyName))
}

type attached struct {
	name string
	arn  string
}

func (a *accountScan) managedPolicies(ctx context.Context, id identity) {
	policies := []attached{}
	switch id.kind {
	case shared.AwsIamRole:
		paginator := iam.NewListAttachedRolePoliciesPaginator(a.client, &iam.ListAttachedRolePoliciesInput{RoleName: &id.name})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				a.fail(id, "", err)
				return
			}
			for _, p := range page.AttachedPolicies {
				policies = append(policies, attached{name: deref(p.PolicyName), arn: deref(p.PolicyArn)})
			}
		}
	case shared.AwsIamUser:
		paginator := iam.NewListAttachedUserPoliciesPaginator(a.client, &iam.ListAttachedUserPoliciesInput{UserName: &id.name})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				a.fail(id, "", err)
				return
			}
			for _, p := range page.AttachedPolicies {
				policies = append(policies, attached{name: deref(p.PolicyName), arn: deref(p.PolicyArn)})
			}
		}
	}

	for _, p := range policies {
		document, err := a.managedDocument(ctx, p.arn)
		if err != nil {
			a.fail(id, p.name, err)
			continue
		}
		a.evaluate(ctx, id, p.name, document)
	}
}

// managedDocument fetches the default version of a managed policy once per scan.
func (a *accountScan) managedDocument(ctx context.Context, policyArn string) (string, error) {
	if doc, ok := a.managed[policyArn]; ok {
		_ = a.s.env.Metrics.IncrementMetric(metricmgr.TotalCacheHits, 1)
		return doc, nil
	}
	policy, err := a.client.GetPolicy(ctx, &iam.GetPolicyInput{PolicyArn: &policyArn})
	if err != nil {
		return "", err
	}
	if policy.Policy == nil || policy.Policy.DefaultVersionId == nil {
		return "", errors.Errorf("policy %s has no default version", policyArn)
	}
	version, err := a.client.GetPolicyVersion(ctx, &iam.GetPolicyVersionInput{
		PolicyArn: &policyArn,
		VersionId: policy.Policy.DefaultVersionId,
	})
	if err != nil {
		return "", err
	}
	if version.PolicyVersion == nil || version.PolicyVersion.Document == nil {
		return "", errors.Errorf("policy %s has an empty document", policyArn)
	}
	doc, err := url.QueryUnescape(*version.PolicyVersion.Document)
	if err != nil {
		return "", errors.Wrap(err, "decoding policy document")
	}
	a.managed[policyArn] = doc
	return doc, nil
}

func (a *accountScan) inlinePolicies(ctx context.Context, id identity) {
	names := []string{}
	switch id.kind {
	case shared.AwsIamRole:
		paginator := iam.NewListRolePoliciesPaginator(a.client, &iam.ListRolePoliciesInput{RoleName: &id.name})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				a.fail(id, "", err)
				return
			}
			names = append(names, page.PolicyNames...)
		}
	case shared.AwsIamUser:
		paginator := iam.NewListUserPoliciesPaginator(a.client, &iam.ListUserPoliciesInput{UserName: &id.name})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				a.fail(id, "", err)
				return
			}
			names = append(names, page.PolicyNames...)
		}
	}

	for _, name := range names {
		policyName := name
		var encoded *string
		switch id.kind {
		case shared.AwsIamRole:
			out, err := a.client.GetRolePolicy(ctx, &iam.GetRolePolicyInput{RoleName: &id.name, PolicyName: &policyName})
			if err != nil {
				a.fail(id, policyName, err)
				continue
			}
			encoded = out.PolicyDocument
		case shared.AwsIamUser:
			out, err := a.client.GetUserPolicy(ctx, &iam.GetUserPolicyInput{UserName: &id.name, PolicyName: &policyName})
			if err != nil {
				a.fail(id, policyName, err)
				continue
			}
			encoded = out.PolicyDocument
		}
		if encoded == nil {
			a.fail(id, policyName, errors.New("empty policy document"))
			continue
		}
		doc, err := url.QueryUnescape(*encoded)
		if err != nil {
			a.fail(id, policyName, errors.Wrap(err, "decoding policy document"))
			continue
		}
		a.evaluate(ctx, id, policyName, doc)
	}
}

func (a *accountScan) evaluate(ctx context.Context, id identity, policyName, document string) {
	var root yaml.Node
	if err := yaml.Unmarshal([]byte(document), &root); err != nil {
		a.fail(id, policyName, errors.Wrap(err, "parsing policy document"))
		return
	}
	node := resolve(&root)
	if node == nil {
		a.fail(id, policyName, errors.New("empty policy document"))
		return
	}
	_ = a.s.env.Metrics.IncrementMetric(metricmgr.TotalPoliciesRead, 1)
	doc := PolicyDocument{Name: policyName, ResourceType: id.kind, Node: node}
	uri := id.arn + "#" + policyName
	a.results = append(a.results, a.s.evaluate(doc, uri)...)
	if a.s.opts.UseAccessAnalyzer {
		results, err := a.s.checkAccessNotGranted(ctx, doc, uri)
		if err != nil {
			a.fail(id, policyName, err)
			return
		}
		a.results = append(a.results, results...)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
