package metrics

/*
Labels and so on for metrics used in gitopsd.
*/

const (
	LabelMethod  = "method"
	LabelRoute   = "route"
	LabelSuccess = "success"

	// Labels for sync-trigger and poller metrics
	LabelStrategy = "strategy"
	LabelOutcome  = "outcome"
	LabelOrigin   = "origin"
)
