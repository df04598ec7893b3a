// Package metrics records gateway activity. The Collector interface has a
// no-op implementation for when metrics are disabled and a Prometheus one
// exposed over HTTP by Server.
package metrics

// Collector records gateway metrics. proto is "submission" or "retrieval".
type Collector interface {
	// Connection metrics
	ConnectionOpened(proto string)
	ConnectionClosed(proto string)

	// Command metrics
	CommandProcessed(proto, command string)
	RateLimited(proto string)

	// Submission metrics
	MessageAccepted(recipients, sizeBytes int)
	MessageRejected(reason string)
	SigningResult(result string)
	RelayResult(provider string, success bool)

	// Retrieval metrics
	AuthAttempt(success bool)
	MessageFetched(sizeBytes int)
}

// Signing results reported through SigningResult.
const (
	SigningSigned   = "signed"
	SigningFailed   = "failed"
	SigningDisabled = "disabled"
)
