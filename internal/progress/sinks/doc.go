// Package sinks implements concrete consumers of job events: structured
// logging, Prometheus, run history, the Redis status mirror, Pub/Sub
// notifications and the terminal archive. Each sink satisfies progress.Sink
// and tolerates repeated Consume calls.
package sinks
