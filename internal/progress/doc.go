// Package progress carries crawl job milestones from the webhook handler and
// completion workers to observers. Events are batched on a background
// goroutine and fanned out to sinks: logs, Prometheus and the server-sent
// event stream.
package progress
