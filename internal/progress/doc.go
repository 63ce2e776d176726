// Package progress fans lifecycle events of tracked scrape jobs out to
// pluggable sinks. Sessions emit through the Emitter interface; the Hub
// buffers, batches, and flushes on a background goroutine so a slow sink can
// never stall a job's stream consumer.
package progress
