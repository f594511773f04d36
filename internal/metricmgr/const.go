package metricmgr

type Metric string

const (
	TotalFilesScanned   Metric = "totalFilesScanned"
	TotalConvertersRun  Metric = "totalConvertersRun"
	TotalScannersRun    Metric = "totalScannersRun"
	TotalFindings       Metric = "totalFindings"
	TotalSuppressed     Metric = "totalSuppressed"
	TotalReportsWritten Metric = "totalReportsWritten"
	TotalEvaluations    Metric = "totalEvaluations"
	TotalPoliciesRead   Metric = "totalPoliciesRead"

	TotalFailedConverters  Metric = "totalFailedConverters"
	TotalFailedScanners    Metric = "totalFailedScanners"
	TotalFailedReports     Metric = "totalFailedReports"
	TotalFailedEvaluations Metric = "totalFailedEvaluations"
	TotalFailedPolicies    Metric = "totalFailedPolicies"

	TotalCacheHits Metric = "totalCacheHits"
)

// AllMetrics in reporting order.
var AllMetrics = []Metric{
	TotalFilesScanned,
	TotalConvertersRun,
	TotalScannersRun,
	TotalFindings,
	TotalSuppressed,
	TotalReportsWritten,
	TotalEvaluations,
	TotalPoliciesRead,
	TotalFailedConverters,
	TotalFailedScanners,
	TotalFailedReports,
	TotalFailedEvaluations,
	TotalFailedPolicies,
	TotalCacheHits,
}
