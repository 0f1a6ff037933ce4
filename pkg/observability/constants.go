package observability

const (
	AttrRequestID   = "kaiak.request_id"
	AttrSessionID   = "kaiak.session_id"
	AttrMethod      = "rpc.method"
	AttrErrorCode   = "rpc.jsonrpc.error_code"
	AttrOutcome     = "kaiak.outcome"
	AttrEventKind   = "kaiak.event_kind"
	AttrSequence    = "kaiak.sequence"
	AttrInteraction = "kaiak.interaction_id"
	AttrSource      = "kaiak.source"
	AttrConnID      = "kaiak.conn_id"
	AttrHTTPMethod  = "http.method"
	AttrHTTPPath    = "http.path"
	AttrHTTPStatus  = "http.status_code"

	SpanDispatch  = "rpc.dispatch"
	SpanOperation = "kaiak.operation"
	SpanHTTP      = "http.request"

	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"

	DefaultServiceName  = "kaiak"
	DefaultSamplingRate = 1.0
	DefaultOTLPEndpoint = "localhost:4317"
	DefaultMetricsPath  = "/metrics"
	DefaultDebugSpans   = 1000
)
