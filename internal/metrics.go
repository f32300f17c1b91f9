package internal

import "expvar"

var (
	requestsTotal = expvar.NewMap("gitpull_requests_total")
	parseErrors   = expvar.NewMap("gitpull_parse_errors_total")
	publishErrors = expvar.NewMap("gitpull_publish_errors_total")
	pullsTotal    = expvar.NewMap("gitpull_pulls_total")
	rateLimited   = expvar.NewMap("gitpull_rate_limited_total")
)

// Pull outcomes reported to IncPull.
const (
	PullIncremental = "incremental"
	PullFull        = "full"
	PullFailed      = "failed"
)

func IncRequest(provider string) {
	requestsTotal.Add(provider, 1)
}

func IncParseError(provider string) {
	parseErrors.Add(provider, 1)
}

func IncPublishError(driver string) {
	publishErrors.Add(driver, 1)
}

func IncPull(outcome string) {
	pullsTotal.Add(outcome, 1)
}
