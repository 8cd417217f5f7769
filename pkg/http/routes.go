package http

// Route names, shared between the router, the handlers, and request
// metrics.
const (
	Ping      = "Ping"
	ListUnits = "ListUnits"
	GetUnit   = "GetUnit"
	Deploy    = "Deploy"

	// GitHubWebhook is the outward-facing ingestion endpoint, as
	// opposed to the operator-facing API above.
	GitHubWebhook = "GitHubWebhook"
)
