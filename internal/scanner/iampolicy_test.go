package scanner

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/accessanalyzer"
	accessAnalyzerTypes "github.com/aws/aws-sdk-go-v2/service/accessanalyzer/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamTypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/outofoffice3/ash/internal/awsclientmgr"
	"github.com/outofoffice3/ash/internal/metricmgr"
	"github.com/outofoffice3/ash/internal/sarif"
	"github.com/outofoffice3/ash/internal/shared"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

const cfnTemplate = `AWSTemplateFormatVersion: "2010-09-09"
Resources:
  AppRole:
    Type: AWS::IAM::Role
    Properties:
      Policies:
        - PolicyName: deploy
          PolicyDocument:
            Version: "2012-10-17"
            Statement:
              - Sid: PassIt
                Effect: Allow
                Action:
                  - iam:PassRole
                Resource: !GetAtt Other.Arn
  Admin:
    Type: AWS::IAM::ManagedPolicy
    Properties:
      ManagedPolicyName: admin
      PolicyDocument:
        Statement:
          Effect: Allow
          Action: "*"
          Resource: "*"
  Bucket:
    Type: AWS::S3::Bucket
`

const barePolicy = `{
  "Version": "2012-10-17",
  "Statement": [
    {"Effect": "Deny", "Action": "iam:PassRole", "Resource": "*"},
    {"Effect": "Allow", "NotAction": ["s3:*"], "Resource": "*"},
    {"Effect": "Allow", "Action": ["s3:GetObject"], "Resource": "*"}
  ]
}`

func ruleIDs(results []*sarif.Result) []string {
	ids := []string{}
	for _, r := range results {
		ids = append(ids, r.RuleID)
	}
	return ids
}

func writeFiles(t *testing.T, files map[string]string) (string, []string) {
	dir := t.TempDir()
	rels := []string{}
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		rels = append(rels, rel)
	}
	return dir, rels
}

func TestExtractPoliciesTemplate(t *testing.T) {
	assertion := assert.New(t)

	docs, err := ExtractPolicies([]byte(cfnTemplate))
	assertion.NoError(err)
	if assertion.Len(docs, 2) {
		assertion.Equal("AppRole/deploy", docs[0].Name)
		assertion.Equal(shared.AwsIamRole, docs[0].ResourceType)
		assertion.Equal("Admin/admin", docs[1].Name)
		assertion.Equal(shared.AwsIamManaged, docs[1].ResourceType)

		value := nodeValue(docs[0].Node).(map[string]interface{})
		st := value["Statement"].([]interface{})[0].(map[string]interface{})
		assertion.Equal("Other.Arn", st["Resource"])
	}

	docs, err = ExtractPolicies([]byte(barePolicy))
	assertion.NoError(err)
	assertion.Len(docs, 1)

	docs, err = ExtractPolicies([]byte(`{"name": "package.json"}`))
	assertion.NoError(err)
	assertion.Empty(docs)

	_, err = ExtractPolicies([]byte("key: [unterminated"))
	assertion.Error(err)
}

func TestActionMatches(t *testing.T) {
	assertion := assert.New(t)
	assertion.True(actionMatches("iam:PassRole", "IAM:passrole"))
	assertion.True(actionMatches("iam:*", "iam:PassRole"))
	assertion.True(actionMatches("s3:DeleteBucket", "s3:Delete*"))
	assertion.True(actionMatches("*", "kms:ScheduleKeyDeletion"))
	assertion.False(actionMatches("s3:GetObject", "s3:DeleteBucket"))
}

func TestIAMPolicyScan(t *testing.T) {
	assertion := assert.New(t)
	dir, files := writeFiles(t, map[string]string{
		"infra/template.yaml": cfnTemplate,
		"policies/app.json":   barePolicy,
		"README.md":           "# not a policy",
		"package.json":        `{"name": "app"}`,
	})
	env := testEnv(t)

	s, err := NewIAMPolicyScanner("iam-policy", IAMPolicyOptions{RestrictedActions: []string{"iam:PassRole", "s3:DeleteBucket"}}, env)
	assertion.NoError(err)
	assertion.True(s.Validate(context.Background()).Available)

	report, err := s.Scan(context.Background(), Target{Name: TargetSource, Dir: dir, Files: files})
	assertion.NoError(err)
	assertion.Equal(0, ExitCode(report))
	if !assertion.Len(report.Runs, 1) {
		return
	}
	run := report.Runs[0]
	assertion.Len(run.Tool.Driver.Rules, 3)
	assertion.ElementsMatch([]string{RuleRestrictedAction, RuleAdminAccess, RuleRestrictedAction}, ruleIDs(run.Results))

	for _, r := range run.Results {
		uri, line, _ := r.PrimaryLocation()
		assertion.Greater(line, 0)
		switch r.RuleID {
		case RuleAdminAccess:
			assertion.Equal("infra/template.yaml", uri)
			assertion.Equal("CRITICAL", r.Properties["severity"])
			assertion.Equal("Admin/admin", r.Properties["policy_name"])
		case RuleRestrictedAction:
			assertion.Equal("HIGH", r.Properties["severity"])
			if uri == "policies/app.json" {
				// NotAction s3:* still allows iam:PassRole
				assertion.Contains(r.Message.Text, "Statement #1 allows restricted actions: iam:PassRole")
				assertion.NotContains(r.Message.Text, "s3:DeleteBucket")
			} else {
				assertion.Contains(r.Message.Text, "AppRole/deploy: Statement 'PassIt'")
			}
		}
	}

	read, _ := env.Metrics.GetMetric(metricmgr.TotalPoliciesRead)
	assertion.Equal(int32(3), read)
}

func TestIAMPolicyOptionsValidation(t *testing.T) {
	assertion := assert.New(t)

	_, err := NewIAMPolicyScanner("iam-policy", IAMPolicyOptions{RestrictedActions: []string{"s3"}, AccountScope: "groups"}, testEnv(t))
	assertion.Error(err)
	assertion.Contains(err.Error(), "invalid action [s3]")
	assertion.Contains(err.Error(), "account_scope")

	s, err := NewIAMPolicyScanner("iam-policy", IAMPolicyOptions{UseAccessAnalyzer: true}, testEnv(t))
	assertion.NoError(err)
	assertion.False(s.Validate(context.Background()).Available)
	_, err = s.Scan(context.Background(), Target{Name: TargetSource, Dir: t.TempDir()})
	assertion.True(errors.Is(err, ErrUnavailable))
}

type fakeAccessAnalyzer struct {
	inputs []*accessanalyzer.CheckAccessNotGrantedInput
	result accessAnalyzerTypes.CheckAccessNotGrantedResult
	err    error
}

func (f *fakeAccessAnalyzer) CheckAccessNotGranted(ctx context.Context, params *accessanalyzer.CheckAccessNotGrantedInput, optFns ...func(*accessanalyzer.Options)) (*accessanalyzer.CheckAccessNotGrantedOutput, error) {
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	return &accessanalyzer.CheckAccessNotGrantedOutput{
		Result:  f.result,
		Message: aws.String("The policy document grants access to perform one or more of the listed actions."),
		Reasons: []accessAnalyzerTypes.ReasonSummary{
			{Description: aws.String("One or more of the listed actions in the statement is granted.")},
		},
	}, nil
}

func awsProvider(t *testing.T, clients map[awsclientmgr.AWSServiceName]interface{}) AWSProvider {
	mgr := awsclientmgr.NewAWSClientMgr(aws.Config{Region: "us-east-1"}, "123456789012", testLog)
	for name, client := range clients {
		if err := mgr.SetSDKClient("123456789012", name, client); err != nil {
			t.Fatal(err)
		}
	}
	return func(ctx context.Context) (awsclientmgr.AWSClientMgr, error) { return mgr, nil }
}

func TestIAMPolicyAccessAnalyzer(t *testing.T) {
	assertion := assert.New(t)
	dir, files := writeFiles(t, map[string]string{"template.yaml": cfnTemplate})
	aa := &fakeAccessAnalyzer{result: accessAnalyzerTypes.CheckAccessNotGrantedResultFail}
	env := testEnv(t)
	env.AWS = awsProvider(t, map[awsclientmgr.AWSServiceName]interface{}{awsclientmgr.AA: aa})

	s, err := NewIAMPolicyScanner("iam-policy", IAMPolicyOptions{
		RestrictedActions: []string{"iam:PassRole", "s3:Delete*"},
		UseAccessAnalyzer: true,
	}, env)
	assertion.NoError(err)

	report, err := s.Scan(context.Background(), Target{Name: TargetConverted, Dir: dir, Files: files})
	assertion.NoError(err)
	results := report.Runs[0].Results
	assertion.ElementsMatch([]string{RuleRestrictedAction, RuleAdminAccess, RuleAccessGranted, RuleAccessGranted}, ruleIDs(results))

	if assertion.Len(aa.inputs, 2) {
		input := aa.inputs[0]
		assertion.Equal([]string{"iam:PassRole"}, input.Access[0].Actions)
		assertion.Equal(accessAnalyzerTypes.AccessCheckPolicyTypeIdentityPolicy, input.PolicyType)

		doc := map[string]interface{}{}
		assertion.NoError(json.Unmarshal([]byte(*input.PolicyDocument), &doc))
		assertion.Equal("2012-10-17", doc["Version"])
	}
	for _, r := range results {
		if r.RuleID == RuleAccessGranted {
			assertion.Contains(r.Message.Text, "One or more of the listed actions in the statement is granted.")
		}
	}

	aa.result = accessAnalyzerTypes.CheckAccessNotGrantedResultPass
	report, err = s.Scan(context.Background(), Target{Name: TargetConverted, Dir: dir, Files: files})
	assertion.NoError(err)
	assertion.NotContains(ruleIDs(report.Runs[0].Results), RuleAccessGranted)
}

type fakeIAM struct {
	roles          []iamTypes.Role
	users          []iamTypes.User
	attached       map[string][]iamTypes.AttachedPolicy
	inline         map[string]map[string]string
	managed        map[string]string
	getPolicyCalls int
	listRolesErr   error
}

func (f *fakeIAM) ListRoles(ctx context.Context, params *iam.ListRolesInput, optFns ...func(*iam.Options)) (*iam.ListRolesOutput, error) {
	if f.listRolesErr != nil {
		return nil, f.listRolesErr
	}
	return &iam.ListRolesOutput{Roles: f.roles}, nil
}

func (f *fakeIAM) ListUsers(ctx context.Context, params *iam.ListUsersInput, optFns ...func(*iam.Options)) (*iam.ListUsersOutput, error) {
	return &iam.ListUsersOutput{Users: f.users}, nil
}

func (f *fakeIAM) ListAttachedRolePolicies(ctx context.Context, params *iam.ListAttachedRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error) {
	return &iam.ListAttachedRolePoliciesOutput{AttachedPolicies: f.attached[*params.RoleName]}, nil
}

func (f *fakeIAM) ListAttachedUserPolicies(ctx context.Context, params *iam.ListAttachedUserPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedUserPoliciesOutput, error) {
	return &iam.ListAttachedUserPoliciesOutput{AttachedPolicies: f.attached[*params.UserName]}, nil
}

func (f *fakeIAM) names(identity string) []string {
	names := []string{}
	for name := range f.inline[identity] {
		names = append(names, name)
	}
	return names
}

func (f *fakeIAM) ListRolePolicies(ctx context.Context, params *iam.ListRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListRolePoliciesOutput, error) {
	return &iam.ListRolePoliciesOutput{PolicyNames: f.names(*params.RoleName)}, nil
}

func (f *fakeIAM) ListUserPolicies(ctx context.Context, params *iam.ListUserPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListUserPoliciesOutput, error) {
	return &iam.ListUserPoliciesOutput{PolicyNames: f.names(*params.UserName)}, nil
}

func (f *fakeIAM) GetRolePolicy(ctx context.Context, params *iam.GetRolePolicyInput, optFns ...func(*iam.Options)) (*iam.GetRolePolicyOutput, error) {
	doc := url.QueryEscape(f.inline[*params.RoleName][*params.PolicyName])
	return &iam.GetRolePolicyOutput{PolicyDocument: &doc}, nil
}

func (f *fakeIAM) GetUserPolicy(ctx context.Context, params *iam.GetUserPolicyInput, optFns ...func(*iam.Options)) (*iam.GetUserPolicyOutput, error) {
	return nil, errors.New("AccessDenied")
}

func (f *fakeIAM) GetPolicy(ctx context.Context, params *iam.GetPolicyInput, optFns ...func(*iam.Options)) (*iam.GetPolicyOutput, error) {
	f.getPolicyCalls++
	return &iam.GetPolicyOutput{Policy: &iamTypes.Policy{Arn: params.PolicyArn, DefaultVersionId: aws.String("v2")}}, nil
}

func (f *fakeIAM) GetPolicyVersion(ctx context.Context, params *iam.GetPolicyVersionInput, optFns ...func(*iam.Options)) (*iam.GetPolicyVersionOutput, error) {
	doc := url.QueryEscape(f.managed[*params.PolicyArn])
	return &iam.GetPolicyVersionOutput{PolicyVersion: &iamTypes.PolicyVersion{Document: &doc, VersionId: params.VersionId}}, nil
}

func TestIAMPolicyAccountScope(t *testing.T) {
	assertion := assert.New(t)
	deployArn := "arn:aws:iam::123456789012:policy/Deploy"
	roleArn := "arn:aws:iam::123456789012:role/app"
	client := &fakeIAM{
		roles: []iamTypes.Role{{RoleName: aws.String("app"), Arn: aws.String(roleArn)}},
		users: []iamTypes.User{{UserName: aws.String("ci"), Arn: aws.String("arn:aws:iam::123456789012:user/ci")}},
		attached: map[string][]iamTypes.AttachedPolicy{
			"app": {{PolicyName: aws.String("Deploy"), PolicyArn: aws.String(deployArn)}},
			"ci":  {{PolicyName: aws.String("Deploy"), PolicyArn: aws.String(deployArn)}},
		},
		inline: map[string]map[string]string{
			"app": {"admin": `{"Statement":[{"Effect":"Allow","Action":"*","Resource":"*"}]}`},
			"ci":  {"denied": `{}`},
		},
		managed: map[string]string{
			deployArn: `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Action":["iam:PassRole","ec2:*"],"Resource":"*"}]}`,
		},
	}
	env := testEnv(t)
	env.AWS = awsProvider(t, map[awsclientmgr.AWSServiceName]interface{}{awsclientmgr.IAM: client})

	s, err := NewIAMPolicyScanner("iam-policy", IAMPolicyOptions{AccountScope: "ALL"}, env)
	assertion.NoError(err)

	// GetUserPolicy is denied, so the scan fails but keeps what it evaluated
	report, err := s.Scan(context.Background(), Target{Name: TargetSource, Dir: t.TempDir()})
	assertion.Error(err)
	assertion.Contains(err.Error(), "AccessDenied")
	assertion.Equal(1, ExitCode(report))
	assertion.False(report.Runs[0].Invocations[0].ExecutionSuccessful)
	results := report.Runs[0].Results
	assertion.ElementsMatch([]string{RuleRestrictedAction, RuleAdminAccess, RuleRestrictedAction}, ruleIDs(results))

	uris := []string{}
	for _, r := range results {
		uri, _, _ := r.PrimaryLocation()
		uris = append(uris, uri)
	}
	assertion.Contains(uris, roleArn+"#Deploy")
	assertion.Contains(uris, roleArn+"#admin")
	assertion.Contains(uris, "arn:aws:iam::123456789012:user/ci#Deploy")

	// the managed policy is fetched once and reused for the user
	assertion.Equal(1, client.getPolicyCalls)
	failed, _ := env.Metrics.GetMetric(metricmgr.TotalFailedPolicies)
	assertion.Equal(int32(1), failed)

	// account scope only runs against the source target
	report, err = s.Scan(context.Background(), Target{Name: TargetConverted, Dir: t.TempDir()})
	assertion.NoError(err)
	assertion.Empty(report.Runs[0].Results)
}

func TestIAMPolicyAccountScopeListFailure(t *testing.T) {
	assertion := assert.New(t)
	client := &fakeIAM{listRolesErr: errors.New("ThrottlingException: rate exceeded")}
	env := testEnv(t)
	env.AWS = awsProvider(t, map[awsclientmgr.AWSServiceName]interface{}{awsclientmgr.IAM: client})

	s, err := NewIAMPolicyScanner("iam-policy", IAMPolicyOptions{AccountScope: "roles"}, env)
	assertion.NoError(err)

	report, err := s.Scan(context.Background(), Target{Name: TargetSource, Dir: t.TempDir()})
	assertion.Error(err)
	assertion.Contains(err.Error(), "listing roles")
	assertion.Contains(err.Error(), "ThrottlingException")
	if assertion.NotNil(report) {
		assertion.Empty(report.Runs[0].Results)
		assertion.Equal(1, ExitCode(report))
	}
}

func TestIAMPolicyAccessAnalyzerFailure(t *testing.T) {
	assertion := assert.New(t)
	dir, files := writeFiles(t, map[string]string{"template.yaml": cfnTemplate})
	aa := &fakeAccessAnalyzer{err: errors.New("AccessDeniedException")}
	env := testEnv(t)
	env.AWS = awsProvider(t, map[awsclientmgr.AWSServiceName]interface{}{awsclientmgr.AA: aa})

	s, err := NewIAMPolicyScanner("iam-policy", IAMPolicyOptions{
		RestrictedActions: []string{"iam:PassRole", "s3:Delete*"},
		UseAccessAnalyzer: true,
	}, env)
	assertion.NoError(err)

	report, err := s.Scan(context.Background(), Target{Name: TargetSource, Dir: dir, Files: files})
	assertion.Error(err)
	assertion.Contains(err.Error(), "AccessDeniedException")
	// the local checks still ran
	assertion.ElementsMatch([]string{RuleRestrictedAction, RuleAdminAccess}, ruleIDs(report.Runs[0].Results))
	failed, _ := env.Metrics.GetMetric(metricmgr.TotalFailedPolicies)
	assertion.Equal(int32(2), failed)
}
