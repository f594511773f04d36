package main

import (
	"os"

	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsconfig"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsiam"
	"github.com/aws/aws-cdk-go/awscdk/v2/awslambda"
	"github.com/aws/aws-cdk-go/awscdk/v2/awslogs"
	"github.com/aws/aws-cdk-go/awscdk/v2/awss3"

	"github.com/aws/constructs-go/constructs/v10"
	"github.com/aws/jsii-runtime-go"
)

const (
	defaultAssetDir  = "../../dist/lambda"
	defaultConfigKey = "ash/.ash.yaml"
	logGroupName     = "/ash/scan-results"
)

type AshRuleStackProps struct {
	awscdk.StackProps
	// AssetDir holds the compiled bootstrap binary of the lambda.
	AssetDir  string
	ConfigKey string
}

func AshRuleStack(scope constructs.Construct, id string, props *AshRuleStackProps) awscdk.Stack {
	if props == nil {
		props = &AshRuleStackProps{}
	}
	if props.AssetDir == "" {
		props.AssetDir = defaultAssetDir
	}
	if props.ConfigKey == "" {
		props.ConfigKey = defaultConfigKey
	}
	sprops := props.StackProps
	stack := awscdk.NewStack(scope, &id, &sprops)

	// config file, source.zip and uploaded reports
	bucket := awss3.NewBucket(stack, jsii.String("ash report bucket"), &awss3.BucketProps{
		Encryption:        awss3.BucketEncryption_S3_MANAGED,
		BlockPublicAccess: awss3.BlockPublicAccess_BLOCK_ALL(),
		EnforceSSL:        jsii.Bool(true),
		Versioned:         jsii.Bool(true),
		RemovalPolicy:     awscdk.RemovalPolicy_RETAIN,
	})

	logGroup := awslogs.NewLogGroup(stack, jsii.String("ash scan results"), &awslogs.LogGroupProps{
		LogGroupName:  jsii.String(logGroupName),
		Retention:     awslogs.RetentionDays_ONE_MONTH,
		RemovalPolicy: awscdk.RemovalPolicy_DESTROY,
	})

	fn := awslambda.NewFunction(stack, jsii.String("ash lambda"), &awslambda.FunctionProps{
		Description:  jsii.String("Runs ASH over the source archive of the project and reports to AWS Config"),
		Runtime:      awslambda.Runtime_PROVIDED_AL2023(),
		Architecture: awslambda.Architecture_ARM_64(),
		Handler:      jsii.String("bootstrap"),
		Code:         awslambda.Code_FromAsset(jsii.String(props.AssetDir), nil),
		MemorySize:   jsii.Number(1024),
		Timeout:      awscdk.Duration_Minutes(jsii.Number(15)),
		Environment: &map[string]*string{
			"CONFIG_FILE_BUCKET_NAME": bucket.BucketName(),
			"CONFIG_FILE_KEY":         jsii.String(props.ConfigKey),
			"AWS_ACCOUNT_ID":          stack.Account(),
			"ASH_S3_BUCKET_NAME":      bucket.BucketName(),
			"ASH_LOG_GROUP_NAME":      logGroup.LogGroupName(),
		},
	})
	bucket.GrantReadWrite(fn, nil)
	logGroup.GrantWrite(fn)
	fn.AddToRolePolicy(awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
		Effect: awsiam.Effect_ALLOW,
		Actions: jsii.Strings(
			"config:PutEvaluations",
			"access-analyzer:CheckAccessNotGranted",
			"iam:ListRoles",
			"iam:ListUsers",
			"iam:ListAttachedRolePolicies",
			"iam:ListAttachedUserPolicies",
			"iam:ListRolePolicies",
			"iam:ListUserPolicies",
			"iam:GetRolePolicy",
			"iam:GetUserPolicy",
			"iam:GetPolicy",
			"iam:GetPolicyVersion",
		),
		Resources: jsii.Strings("*"),
	}))

	// A custom rule that runs on periodic schedule
	_ = awsconfig.NewCustomRule(stack, jsii.String("ash AWS Config Rule"), &awsconfig.CustomRuleProps{
		Description:               jsii.String("Rule that fails when ASH finds actionable security findings in the project source or its IAM identities"),
		LambdaFunction:            fn,
		ConfigurationChanges:      jsii.Bool(false),
		Periodic:                  jsii.Bool(true),
		MaximumExecutionFrequency: awsconfig.MaximumExecutionFrequency_TWENTY_FOUR_HOURS,
	})

	awscdk.NewCfnOutput(stack, jsii.String("ReportBucketName"), &awscdk.CfnOutputProps{Value: bucket.BucketName()})
	awscdk.NewCfnOutput(stack, jsii.String("LogGroupName"), &awscdk.CfnOutputProps{Value: logGroup.LogGroupName()})

	return stack
}

func main() {
	defer jsii.Close()

	app := awscdk.NewApp(nil)

	AshRuleStack(app, "ash-config-rule", &AshRuleStackProps{
		StackProps: awscdk.StackProps{
			Env: env(),
		},
		AssetDir:  getenv("ASH_LAMBDA_ASSET_DIR", defaultAssetDir),
		ConfigKey: getenv("ASH_CONFIG_KEY", defaultConfigKey),
	})

	app.Synth(nil)
}

func getenv(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// env deploys to the account and region of the cdk cli credentials.
func env() *awscdk.Environment {
	return &awscdk.Environment{
		Account: jsii.String(os.Getenv("CDK_DEFAULT_ACCOUNT")),
		Region:  jsii.String(os.Getenv("CDK_DEFAULT_REGION")),
	}
}
