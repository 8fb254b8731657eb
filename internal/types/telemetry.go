package types

// CloudWatch metric and dimension names published by the email worker.
const (
	MetricExternalAPIFailure = "ExternalAPIFailure"
	MetricNoticeDelivered    = "NoticeDelivered"
	MetricNoticeFailed       = "NoticeFailed"
	MetricNoticeQueueLag     = "NoticeQueueLag"

	DimEventKind = "EventKind"
	DimOutcome   = "Outcome"
	DimProvider  = "Provider"
	DimReason    = "Reason"

	MetricNamespace = "FunnelMetrics"
)
