package awsclientmgr

type AWSServiceName string

const (
	IAM    AWSServiceName = "IAM"
	AA     AWSServiceName = "AccessAnalyzer"
	S3     AWSServiceName = "S3"
	CONFIG AWSServiceName = "AWS Config"
	LOGS   AWSServiceName = "CloudWatch Logs"
)

// DefaultAccount keys the clients of the caller's own credentials.
const DefaultAccount = "default"
