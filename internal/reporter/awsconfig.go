package reporter

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/configservice"
	configServiceTypes "github.com/aws/aws-sdk-go-v2/service/configservice/types"
	"github.com/outofoffice3/ash/internal/awsclientmgr"
	"github.com/outofoffice3/ash/internal/config"
	"github.com/outofoffice3/ash/internal/metricmgr"
	"github.com/outofoffice3/ash/internal/results"
	"github.com/outofoffice3/ash/internal/shared"
	"github.com/outofoffice3/ash/pkg/logger"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

var evaluationHeader = []string{"ComplianceResourceId", "ComplianceResourceType", "ComplianceType", "Annotation", "OrderingTimestamp"}

type AWSConfigOptions struct {
	// AccountID is the resource id of the account level evaluation
	AccountID string `mapstructure:"account_id"`
	TestMode  bool   `mapstructure:"test_mode"`
}

// awsConfig reports scan compliance to AWS Config: one evaluation for the
// account and one per IAM role or user with findings from the account scope.
type awsConfig struct {
	name string
	opts AWSConfigOptions
	env  Env
	log  *logger.Logger
}

func newAWSConfig(name string, cfg config.PluginConfig, env Env) (Reporter, error) {
	env = env.withDefaults()
	opts := AWSConfigOptions{}
	if err := config.DecodeOptions(cfg, &opts); err != nil {
		return nil, errors.Wrapf(err, "reporter [%s]", name)
	}
	return &awsConfig{name: name, opts: opts, env: env, log: env.Log.Named(name)}, nil
}

func (r *awsConfig) Name() string { return r.name }

func (r *awsConfig) Extension() string { return "aws-config.csv" }

// Report renders the evaluations as the CSV execution log.
func (r *awsConfig) Report(ctx context.Context, res *results.AggregatedResults) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	if err := w.Write(evaluationHeader); err != nil {
		return nil, err
	}
	for _, e := range r.Evaluations(res, r.accountID(ctx)) {
		if err := w.Write([]string{
			aws.ToString(e.ComplianceResourceId),
			aws.ToString(e.ComplianceResourceType),
			string(e.ComplianceType),
			aws.ToString(e.Annotation),
			aws.ToTime(e.OrderingTimestamp).UTC().Format(time.RFC3339),
		}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func (r *awsConfig) accountID(ctx context.Context) string {
	if r.opts.AccountID != "" {
		return r.opts.AccountID
	}
	if id := os.Getenv(string(shared.EnvAWSAccountID)); id != "" {
		return id
	}
	if r.env.AWS != nil {
		if mgr, err := r.env.AWS(ctx); err == nil {
			for _, id := range mgr.GetAccountIds() {
				if id != "" {
					return id
				}
			}
		}
	}
	return ""
}

// identityOf splits an account scope location `arn#policy` and returns the
// identity arn with its resource type.
func identityOf(location string) (string, shared.ResourceType, bool) {
	arn, _, _ := strings.Cut(location, "#")
	if !strings.HasPrefix(arn, "arn:") {
		return "", "", false
	}
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) != 6 || parts[2] != "iam" {
		return "", "", false
	}
	switch {
	case strings.HasPrefix(parts[5], "role/"):
		return arn, shared.AwsIamRole, true
	case strings.HasPrefix(parts[5], "user/"):
		return arn, shared.AwsIamUser, true
	}
	return "", "", false
}

func evaluation(id string, resourceType shared.ResourceType, compliance configServiceTypes.ComplianceType, annotation string, at time.Time) configServiceTypes.Evaluation {
	return configServiceTypes.Evaluation{
		ComplianceResourceId:   aws.String(id),
		ComplianceResourceType: aws.String(string(resourceType)),
		ComplianceType:         compliance,
		Annotation:             aws.String(shared.ValidateAnnotation(annotation, shared.MaxAnnotationLength)),
		OrderingTimestamp:      aws.Time(at),
	}
}

// Evaluations builds the account evaluation first, then the identity
// evaluations ordered by arn. The account evaluation is left out when
// accountID is empty.
func (r *awsConfig) Evaluations(res *results.AggregatedResults, accountID string) []configServiceTypes.Evaluation {
	at := res.Metadata.GeneratedAt
	if at.IsZero() {
		at = r.env.Now()
	}
	evaluations := []configServiceTypes.Evaluation{}

	if accountID != "" {
		stats := res.Metadata.SummaryStats
		compliance := configServiceTypes.ComplianceTypeCompliant
		annotation := fmt.Sprintf("ASH found no actionable findings in %s", res.Metadata.ProjectName)
		switch failed := failedScanners(res); {
		case stats.Actionable > 0:
			compliance = configServiceTypes.ComplianceTypeNonCompliant
			annotation = fmt.Sprintf("ASH found %d actionable findings (critical %d, high %d, medium %d, low %d) in %s",
				stats.Actionable, stats.Critical, stats.High, stats.Medium, stats.Low, res.Metadata.ProjectName)
		case len(failed) > 0:
			// Config custom rules cannot report INSUFFICIENT_DATA
			compliance = configServiceTypes.ComplianceTypeNonCompliant
			annotation = fmt.Sprintf("ASH could not complete the scan of %s, failed scanners: %s", res.Metadata.ProjectName, strings.Join(failed, ", "))
		}
		evaluations = append(evaluations, evaluation(accountID, shared.AwsAccount, compliance, annotation, at))
	}

	type identityState struct {
		resourceType shared.ResourceType
		rules        []string
	}
	identities := map[string]*identityState{}
	for _, f := range res.Findings {
		arn, resourceType, ok := identityOf(f.FilePath)
		if !ok {
			continue
		}
		st, ok := identities[arn]
		if !ok {
			st = &identityState{resourceType: resourceType}
			identities[arn] = st
		}
		if actionable(res, f) {
			st.rules = append(st.rules, f.RuleID)
		}
	}
	arns := make([]string, 0, len(identities))
	for arn := range identities {
		arns = append(arns, arn)
	}
	sort.Strings(arns)
	for _, arn := range arns {
		st := identities[arn]
		if len(st.rules) == 0 {
			evaluations = append(evaluations, evaluation(arn, st.resourceType, configServiceTypes.ComplianceTypeCompliant, "no actionable policy findings", at))
			continue
		}
		annotation := fmt.Sprintf("%d actionable policy findings: %s", len(st.rules), strings.Join(uniqueStrings(st.rules), ", "))
		evaluations = append(evaluations, evaluation(arn, st.resourceType, configServiceTypes.ComplianceTypeNonCompliant, annotation, at))
	}
	return evaluations
}

// failedScanners returns the sorted names of scanners with status ERROR.
func failedScanners(res *results.AggregatedResults) []string {
	failed := []string{}
	for name, sr := range res.ScannerResults {
		if sr.Status == shared.StatusError {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)
	return failed
}

func uniqueStrings(in []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// Publish sends the evaluations in batches of shared.EvaluationBatchSize.
func (r *awsConfig) Publish(ctx context.Context, res *results.AggregatedResults, data []byte) (string, error) {
	if r.env.ResultToken == "" && !r.opts.TestMode {
		return "", errors.New("aws-config reporting needs the result token of a config rule invocation")
	}
	mgr, err := awsManager(ctx, r.env)
	if err != nil {
		return "", err
	}
	client, err := awsclientmgr.ConfigClient(mgr, "")
	if err != nil {
		return "", err
	}
	evaluations := r.Evaluations(res, r.accountID(ctx))
	_ = r.env.Metrics.IncrementMetric(metricmgr.TotalEvaluations, int32(len(evaluations)))

	var errs error
	batches := 0
	for start := 0; start < len(evaluations); start += shared.EvaluationBatchSize {
		end := start + shared.EvaluationBatchSize
		if end > len(evaluations) {
			end = len(evaluations)
		}
		batch := evaluations[start:end]
		// put evaluations
		_, err := client.PutEvaluations(ctx, &configservice.PutEvaluationsInput{
			ResultToken: aws.String(r.env.ResultToken),
			Evaluations: batch,
			TestMode:    r.opts.TestMode,
		})
		if err != nil {
			_ = r.env.Metrics.IncrementMetric(metricmgr.TotalFailedEvaluations, int32(len(batch)))
			errs = multierr.Append(errs, errors.Wrapf(err, "putting evaluations %d-%d", start, end))
			continue
		}
		batches++
		r.log.Debugf("sent %d evaluations to aws config", len(batch))
	}
	// keep an execution log next to the local reports
	if _, err := r.env.Writer.WriteFile(filepath.Join(shared.ReportsDirName, FileName(r)), data); err != nil {
		r.log.Warnf("unable to write evaluation log: %v", err)
	}
	if errs != nil {
		return "", errs
	}
	r.log.Infof("Successfully sent %d evaluations in %d batches to AWS Config", len(evaluations), batches)
	return fmt.Sprintf("aws-config://%d-evaluations", len(evaluations)), nil
}
