package reporter

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cloudwatchLogsTypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/outofoffice3/ash/internal/awsclientmgr"
	"github.com/outofoffice3/ash/internal/config"
	"github.com/outofoffice3/ash/internal/results"
	"github.com/outofoffice3/ash/internal/shared"
	"github.com/outofoffice3/ash/internal/writer"
	"github.com/outofoffice3/ash/pkg/logger"
	"github.com/pkg/errors"
)

func awsManager(ctx context.Context, env Env) (awsclientmgr.AWSClientMgr, error) {
	if env.AWS == nil {
		return nil, errors.New("aws access is not configured")
	}
	return env.AWS(ctx)
}

type S3Options struct {
	BucketName string `mapstructure:"bucket_name"`
	KeyPrefix  string `mapstructure:"key_prefix"`
	// FileFormat is json or yaml
	FileFormat string `mapstructure:"file_format"`
}

// s3Reporter uploads the aggregated results to a bucket.
type s3Reporter struct {
	name string
	opts S3Options
	env  Env
	log  *logger.Logger
}

func newS3(name string, cfg config.PluginConfig, env Env) (Reporter, error) {
	env = env.withDefaults()
	opts := S3Options{FileFormat: "json"}
	if err := config.DecodeOptions(cfg, &opts); err != nil {
		return nil, errors.Wrapf(err, "reporter [%s]", name)
	}
	opts.FileFormat = strings.ToLower(opts.FileFormat)
	if opts.FileFormat != "json" && opts.FileFormat != "yaml" {
		return nil, shared.ConfigError{Field: "reporters." + name + ".options.file_format", Message: "must be json or yaml"}
	}
	if opts.BucketName == "" {
		opts.BucketName = env.Settings.S3Bucket
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = env.Settings.S3Prefix
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = shared.DefaultS3Prefix
	}
	return &s3Reporter{name: name, opts: opts, env: env, log: env.Log.Named(name)}, nil
}

func (r *s3Reporter) Name() string { return r.name }

func (r *s3Reporter) Extension() string { return "s3." + r.opts.FileFormat }

func (r *s3Reporter) Report(ctx context.Context, res *results.AggregatedResults) ([]byte, error) {
	if r.opts.FileFormat == "yaml" {
		return renderYAML(res)
	}
	return json.MarshalIndent(res, "", "  ")
}

// Key returns the object key below the prefix for a report generated at t.
func (r *s3Reporter) Key(t time.Time) string {
	return "ash-report-" + t.UTC().Format("20060102-150405") + "." + r.opts.FileFormat
}

func (r *s3Reporter) Publish(ctx context.Context, res *results.AggregatedResults, data []byte) (string, error) {
	if r.opts.BucketName == "" {
		return "", errors.Errorf("no bucket configured, set reporters.%s.options.bucket_name or %s", r.name, shared.EnvS3BucketName)
	}
	mgr, err := awsManager(ctx, r.env)
	if err != nil {
		return "", err
	}
	w := writer.Init(writer.WriterInitConfig{AWSClientMgr: mgr})
	generated := res.Metadata.GeneratedAt
	if generated.IsZero() {
		generated = r.env.Now()
	}
	key, err := w.ExportToS3(ctx, r.opts.BucketName, r.opts.KeyPrefix, r.Key(generated), data)
	if err != nil {
		return "", err
	}
	location := "s3://" + r.opts.BucketName + "/" + key
	r.log.Infof("Successfully uploaded report to %s", location)
	return location, nil
}

type CloudWatchLogsOptions struct {
	LogGroupName  string `mapstructure:"log_group_name"`
	LogStreamName string `mapstructure:"log_stream_name"`
}

// cloudWatchLogs sends the scan summary as one log event.
type cloudWatchLogs struct {
	name string
	opts CloudWatchLogsOptions
	env  Env
	log  *logger.Logger
}

func newCloudWatchLogs(name string, cfg config.PluginConfig, env Env) (Reporter, error) {
	env = env.withDefaults()
	opts := CloudWatchLogsOptions{}
	if err := config.DecodeOptions(cfg, &opts); err != nil {
		return nil, errors.Wrapf(err, "reporter [%s]", name)
	}
	if opts.LogGroupName == "" {
		opts.LogGroupName = env.Settings.LogGroupName
	}
	if opts.LogStreamName == "" {
		opts.LogStreamName = shared.DefaultLogStream
	}
	return &cloudWatchLogs{name: name, opts: opts, env: env, log: env.Log.Named(name)}, nil
}

func (r *cloudWatchLogs) Name() string { return r.name }

func (r *cloudWatchLogs) Extension() string { return "cwlogs.json" }

// logMessage leaves out the SARIF document and findings to stay within the
// event size limit.
type logMessage struct {
	Metadata       results.Metadata                  `json:"metadata"`
	ScannerResults map[string]*results.ScannerResult `json:"scanner_results"`
}

func (r *cloudWatchLogs) Report(ctx context.Context, res *results.AggregatedResults) ([]byte, error) {
	return json.Marshal(logMessage{Metadata: res.Metadata, ScannerResults: res.ScannerResults})
}

func (r *cloudWatchLogs) Publish(ctx context.Context, res *results.AggregatedResults, data []byte) (string, error) {
	if r.opts.LogGroupName == "" {
		return "", errors.Errorf("no log group configured, set reporters.%s.options.log_group_name or %s", r.name, shared.EnvLogGroupName)
	}
	mgr, err := awsManager(ctx, r.env)
	if err != nil {
		return "", err
	}
	client, err := awsclientmgr.LogsClient(mgr, "")
	if err != nil {
		return "", err
	}
	// the stream usually exists already
	if _, err := client.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(r.opts.LogGroupName),
		LogStreamName: aws.String(r.opts.LogStreamName),
	}); err != nil {
		r.log.Debugf("create log stream: %v", err)
	}
	_, err = client.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(r.opts.LogGroupName),
		LogStreamName: aws.String(r.opts.LogStreamName),
		LogEvents: []cloudwatchLogsTypes.InputLogEvent{
			{
				Message:   aws.String(string(data)),
				Timestamp: aws.Int64(r.env.Now().UnixMilli()),
			},
		},
	})
	if err != nil {
		return "", errors.Wrapf(err, "putting log events to %s/%s", r.opts.LogGroupName, r.opts.LogStreamName)
	}
	location := "cloudwatch-logs://" + r.opts.LogGroupName + "/" + r.opts.LogStreamName
	r.log.Infof("Successfully sent report to %s", location)
	return location, nil
}
