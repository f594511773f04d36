package shared

const (
	AshVersion = "3.0.0"

	ConvertedDirName = "converted"
	ScannersDirName  = "scanners"
	ReportsDirName   = "reports"
	WorkDirName      = "work"
	DefaultOutputDir = ".ash/ash_output"

	AggregatedResultsFileName = "ash_aggregated_results.json"
	ErrorLogFileName          = "ash-errors.csv"
	GoroutineLogFileName      = "goroutines.csv"

	DefaultS3Prefix     = "ash-reports/"
	DefaultLogStream    = "ASHScanResults"
	MaxAnnotationLength = 256
	EvaluationBatchSize = 100

	EnvS3BucketName  EnvVar = "ASH_S3_BUCKET_NAME"
	EnvLogGroupName  EnvVar = "ASH_LOG_GROUP_NAME"
	EnvAWSRegion     EnvVar = "AWS_REGION"
	EnvBucketName    EnvVar = "CONFIG_FILE_BUCKET_NAME"
	EnvConfigFileKey EnvVar = "CONFIG_FILE_KEY"
	EnvAWSAccountID  EnvVar = "AWS_ACCOUNT_ID"

	AwsAccount    ResourceType = "AWS::::Account"
	AwsIamRole    ResourceType = "AWS::IAM::Role"
	AwsIamUser    ResourceType = "AWS::IAM::User"
	AwsIamPolicy  ResourceType = "AWS::IAM::Policy"
	AwsIamGroup   ResourceType = "AWS::IAM::Group"
	AwsIamManaged ResourceType = "AWS::IAM::ManagedPolicy"
)

// directories never worth scanning
var KnownIgnoreDirs = []string{
	".git",
	"node_modules",
	".venv",
	"venv",
	"__pycache__",
	"cdk.out",
	".ash",
	"ash_output",
}
